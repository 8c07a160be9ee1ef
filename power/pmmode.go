package power

// PowerSaveMode selects one of the firmware's power-save profiles. It is
// pure data: encoding the IOCTL/IOVAR values a given mode implies. Issuing
// those values to firmware is the command channel's job, not this
// package's — power only owns the wake-lock interlock around an exchange,
// not the exchange itself.
type PowerSaveMode uint8

const (
	// PMSuperSave is an aggressive, officially unsupported profile: every
	// power-saving parameter set to its maximum for only a marginal gain
	// over PMAggressive.
	PMSuperSave PowerSaveMode = iota

	// PMAggressive favors power consumption over latency.
	PMAggressive

	// PMDefault is the firmware's recommended balance of the two.
	PMDefault

	// PMPerformance favors latency, conserving some power over PMNone.
	PMPerformance

	// PMThroughputThrottling lowers consumption at all times at the cost
	// of throughput, independent of the PM0/1/2 sleep_ret parameters.
	PMThroughputThrottling

	// PMNone disables power management entirely.
	PMNone
)

func (m PowerSaveMode) IsValid() bool {
	return m <= PMNone
}

func (m PowerSaveMode) String() string {
	switch m {
	case PMSuperSave:
		return "SuperSave"
	case PMAggressive:
		return "Aggressive"
	case PMDefault:
		return "Default"
	case PMPerformance:
		return "Performance"
	case PMThroughputThrottling:
		return "ThroughputThrottling"
	case PMNone:
		return "None"
	default:
		return "unknown"
	}
}

// FirmwareMode returns the WLC_SET_PM mode number: 0 disables PM, 1 is
// PM1 (throughput throttling, no PM2 sub-parameters), 2 is PM2 and takes
// the SleepRetMs/BeaconPeriod/DTIMPeriod/AssocListen below.
func (m PowerSaveMode) FirmwareMode() uint8 {
	switch m {
	case PMThroughputThrottling:
		return 1
	case PMNone:
		return 0
	default:
		return 2
	}
}

// SleepRetMs is the pm2_sleep_ret iovar value: how long the chip may stay
// asleep before checking for buffered traffic.
func (m PowerSaveMode) SleepRetMs() uint16 {
	switch m {
	case PMSuperSave, PMAggressive:
		return 2000
	case PMDefault:
		return 200
	case PMPerformance:
		return 20
	default: // ThroughputThrottling, None: PM2 params unused.
		return 0
	}
}

// BeaconPeriod is the bcn_li_bcn iovar value: how many beacon intervals
// the chip may skip listening for.
func (m PowerSaveMode) BeaconPeriod() uint8 {
	switch m {
	case PMSuperSave:
		return 255
	case PMAggressive, PMDefault, PMPerformance:
		return 1
	default:
		return 0
	}
}

// DTIMPeriod is the bcn_li_dtim iovar value: how many DTIM intervals the
// chip may skip listening for.
func (m PowerSaveMode) DTIMPeriod() uint8 {
	switch m {
	case PMSuperSave:
		return 255
	case PMAggressive, PMDefault, PMPerformance:
		return 1
	default:
		return 0
	}
}

// AssocListen is the assoc_listen iovar value: listen interval advertised
// during association.
func (m PowerSaveMode) AssocListen() uint8 {
	switch m {
	case PMSuperSave:
		return 255
	case PMAggressive, PMDefault:
		return 10
	case PMPerformance:
		return 1
	default:
		return 0
	}
}
