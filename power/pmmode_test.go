package power

import "testing"

func TestPowerSaveModeFirmwareMode(t *testing.T) {
	tests := []struct {
		mode PowerSaveMode
		want uint8
	}{
		{PMNone, 0},
		{PMThroughputThrottling, 1},
		{PMSuperSave, 2},
		{PMAggressive, 2},
		{PMDefault, 2},
		{PMPerformance, 2},
	}
	for _, tt := range tests {
		if got := tt.mode.FirmwareMode(); got != tt.want {
			t.Errorf("%v.FirmwareMode()=%d, want %d", tt.mode, got, tt.want)
		}
	}
}

func TestPowerSaveModeIsValid(t *testing.T) {
	if !PMDefault.IsValid() {
		t.Error("PMDefault should be valid")
	}
	if PowerSaveMode(200).IsValid() {
		t.Error("out-of-range mode should be invalid")
	}
}

func TestPowerSaveModeSleepParamsOnlyForPM2(t *testing.T) {
	if PMThroughputThrottling.SleepRetMs() != 0 || PMNone.SleepRetMs() != 0 {
		t.Error("PM1/PM0 have no PM2 sub-parameters")
	}
	if PMDefault.SleepRetMs() == 0 {
		t.Error("PMDefault should carry a non-zero sleep_ret")
	}
}
