// Package chip captures the chip-family polymorphism the design notes
// call for: KSO vs. HT-clock wakeup sequencing, register-address maps,
// and PMU min-res-mask values all vary by silicon family. Rather than a
// single implementation branching on chip id, each family gets an Ops
// value, selected once at Driver.Init from the reported chip id.
package chip

// ID identifies a supported chip family by its firmware-reported chip
// id.
type ID uint32

// Supported chip families. The set matches the design notes' list of
// currently-supported silicon.
const (
	ID43012 ID = 43012
	ID4373  ID = 4373
	ID43022 ID = 43022
	ID43909 ID = 43909
	ID43439 ID = 43439
	ID43430 ID = 43430
	ID4334  ID = 4334
	ID43362 ID = 43362
	ID55500 ID = 55500
	ID55530 ID = 55530
	ID55560 ID = 55560
	ID55900 ID = 55900
	ID89530 ID = 89530
)

// WakeupFamily distinguishes the two wakeup handshakes the bus-power
// interlock must drive.
type WakeupFamily uint8

const (
	// ClockGate chips gate wakeup on the SBSDIO_HT_AVAIL_REQ/HT_AVAIL
	// handshake against the chip-clock CSR.
	ClockGate WakeupFamily = iota
	// KSOCapable chips gate wakeup on the KEEP_KSO handshake against the
	// sleep CSR, including the silicon erratum's required redundant
	// write.
	KSOCapable
)

// Ops is the set of chip-specific knobs the power interlock and init
// path need. Every supported ID maps to exactly one Ops value via
// Lookup.
type Ops struct {
	ID ID

	Family WakeupFamily

	// SaveRestoreCapable chips additionally require enabling
	// WakeupCtrl and the no-decode card-cap mode during bring-up so the
	// chip can wake on bus activity.
	SaveRestoreCapable bool

	// SAECapable reports whether the chip's firmware build advertises
	// the "sae" capability flag; join.Machine disables roaming for
	// Wpa3Sae/Wpa3Wpa2Psk when this is false (external supplicant
	// restriction, spec §4.5 step 9).
	SAECapable bool

	// DS1Capable reports whether the chip supports the deep-sleep-1
	// retention state and its shared-memory wake handshake. The
	// interlock only ever invokes the DS1 sub-state-machine when this
	// is true.
	DS1Capable bool

	// PMUMinResMask is the value written to PMU_MINRESMASK during DS1
	// exit, chip-specific.
	PMUMinResMask uint32

	// Errata43022GroupKeyRotation requests the chip-43022-specific
	// WpaTkipPsk programming path in join.Machine.Prepare (spec §4.5
	// step 5).
	Errata43022GroupKeyRotation bool
}

var registry = map[ID]Ops{
	ID43012: {ID: ID43012, Family: KSOCapable, SaveRestoreCapable: true, SAECapable: true, DS1Capable: true, PMUMinResMask: 0x0e4fffff},
	ID4373:  {ID: ID4373, Family: KSOCapable, SaveRestoreCapable: true, SAECapable: true, DS1Capable: true, PMUMinResMask: 0x0f4fffff},
	ID43022: {ID: ID43022, Family: KSOCapable, SaveRestoreCapable: true, SAECapable: true, DS1Capable: true, Errata43022GroupKeyRotation: true, PMUMinResMask: 0x0f4fffff},
	ID43909: {ID: ID43909, Family: ClockGate, SAECapable: false},
	ID43439: {ID: ID43439, Family: ClockGate, SAECapable: false},
	ID43430: {ID: ID43430, Family: ClockGate, SAECapable: false},
	ID4334:  {ID: ID4334, Family: ClockGate, SAECapable: false},
	ID43362: {ID: ID43362, Family: ClockGate, SAECapable: false},
	ID55500: {ID: ID55500, Family: KSOCapable, SaveRestoreCapable: true, SAECapable: true, DS1Capable: true, PMUMinResMask: 0x0f4fffff},
	ID55530: {ID: ID55530, Family: KSOCapable, SaveRestoreCapable: true, SAECapable: true, DS1Capable: true, PMUMinResMask: 0x0f4fffff},
	ID55560: {ID: ID55560, Family: KSOCapable, SaveRestoreCapable: true, SAECapable: true, DS1Capable: true, PMUMinResMask: 0x0f4fffff},
	ID55900: {ID: ID55900, Family: KSOCapable, SaveRestoreCapable: true, SAECapable: true, DS1Capable: true, PMUMinResMask: 0x0f4fffff},
	ID89530: {ID: ID89530, Family: KSOCapable, SaveRestoreCapable: true, SAECapable: true, DS1Capable: true, PMUMinResMask: 0x0f4fffff},
}

// Lookup returns the Ops for id and whether id is a recognized family.
// Unrecognized ids get a ClockGate fallback (the conservative, older
// handshake) so Driver.Init can still proceed against untested silicon.
func Lookup(id ID) (Ops, bool) {
	ops, ok := registry[id]
	if !ok {
		return Ops{ID: id, Family: ClockGate}, false
	}
	return ops, true
}
