// Package power implements the bus-power interlock (spec component C4):
// a wake-lock refcount gating the SDIO Keep-On / HT-clock handshake that
// every command-channel exchange and join attempt must hold for its
// duration.
package power

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gowhd/whd/bus"
	"github.com/gowhd/whd/chip"
)

// Timing constants the interlock must honor, named directly from the
// join-attempt timing table.
const (
	HTAvailPollInterval = time.Millisecond
	HTAvailMaxWait      = 1000 * time.Millisecond

	KSOMaxAttempts = 64
	KSORetrySpacing = time.Millisecond

	DS1PollInterval = 100 * time.Millisecond
	DS1MaxPolls     = 50
)

// Register offsets and bit values the clock-gate and KSO handshakes
// drive, named after the chip-clock and sleep CSRs.
const (
	regChipClockCSR = 0x1000e
	regWakeupCtrl   = 0x1001e
	regSleepCSR     = 0x1001f
	regCardCap      = 0xf0

	bitHTAvailReq = 0x10
	bitHTAvail    = 0x80

	bitKeepSDIOOn = 1 << 0
	bitDeviceOn   = 1 << 1
	bitKeepKSO    = bitKeepSDIOOn

	bitWakeTillHTAvail = 1 << 1
	bitCardCapNoDecode = 0x08

	funcBackplane = 1
)

var (
	// ErrBusUpFail is returned when the wake handshake's poll loop
	// exceeds its budget without observing the expected CSR bits.
	ErrBusUpFail = errors.New("power: bus failed to reach awake state")
)

// Interlock tracks the wake-lock refcount and drives the chip between
// awake and low-power states. A single Interlock is shared by the
// command channel (one acquire/release per exchange) and the join state
// machine (one acquire/release per attempt, held across every sub-step).
type Interlock struct {
	mu    sync.Mutex
	count int
	awake bool

	bus    bus.Bus
	ops    chip.Ops
	log    *slog.Logger

	// ds1Retained tracks whether the chip is presently retained in DS1; Acquire
	// drives the exit handshake before the refcount transitions 0->1
	// when this is set.
	ds1Retained bool
}

// New returns an Interlock driving b according to ops's wakeup family.
func New(b bus.Bus, ops chip.Ops, log *slog.Logger) *Interlock {
	if log == nil {
		log = slog.Default()
	}
	return &Interlock{bus: b, ops: ops, log: log}
}

// Acquire increments the wake-lock refcount, driving the chip awake on
// the 0->1 transition. The returned release func must be called exactly
// once, typically via defer.
func (in *Interlock) Acquire(ctx context.Context) (release func(), err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.count++
	in.log.Debug("power:acquire", slog.Int("count", in.count))
	if in.count == 1 {
		if err := in.wake(ctx); err != nil {
			in.count--
			return func() {}, err
		}
		in.awake = true
	}
	return in.release, nil
}

func (in *Interlock) release() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.count == 0 {
		return // Defensive: double release is a no-op, refcount never goes negative.
	}
	in.count--
	in.log.Debug("power:release", slog.Int("count", in.count))
	if in.count == 0 {
		in.scheduleSleep()
	}
}

// Count returns the current wake-lock refcount. Exposed for tests
// asserting the invariant that it returns to its prior value on both
// success and failure.
func (in *Interlock) Count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.count
}

// wake drives the chip from low-power to awake, per the chip family's
// handshake. Caller holds in.mu.
func (in *Interlock) wake(ctx context.Context) error {
	if err := in.bus.Wakeup(ctx); err != nil {
		return err
	}
	if in.ds1Retained {
		if err := in.exitDS1(ctx); err != nil {
			return err
		}
	}
	switch in.ops.Family {
	case chip.KSOCapable:
		return in.wakeKSO(ctx)
	default:
		return in.wakeClockGate(ctx)
	}
}

// wakeClockGate drives the legacy SBSDIO_HT_AVAIL_REQ handshake.
func (in *Interlock) wakeClockGate(ctx context.Context) error {
	err := in.bus.WriteRegister(ctx, funcBackplane, regChipClockCSR, 1, bitHTAvailReq)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(HTAvailMaxWait)
	for {
		v, err := in.bus.ReadRegister(ctx, funcBackplane, regChipClockCSR, 1)
		if err != nil {
			return err
		}
		if v&bitHTAvail != 0 {
			in.bus.SetState(true)
			return nil
		}
		if time.Now().After(deadline) {
			return ErrBusUpFail
		}
		if err := sleepCtx(ctx, HTAvailPollInterval); err != nil {
			return err
		}
	}
}

// wakeKSO drives the KEEP_KSO handshake, including the silicon
// erratum's required redundant write, polling the sleep CSR for up to
// KSOMaxAttempts iterations.
func (in *Interlock) wakeKSO(ctx context.Context) error {
	write := func() error {
		return in.bus.WriteRegister(ctx, funcBackplane, regSleepCSR, 1, bitKeepKSO)
	}
	if err := write(); err != nil {
		return err
	}
	if err := write(); err != nil { // Erratum: redundant second write required.
		return err
	}
	want := uint32(bitKeepKSO | bitDeviceOn)
	for attempt := 0; attempt < KSOMaxAttempts; attempt++ {
		v, err := in.bus.ReadRegister(ctx, funcBackplane, regSleepCSR, 1)
		if err != nil {
			return err
		}
		if v&want == want {
			in.bus.SetState(true)
			return nil
		}
		if err := sleepCtx(ctx, KSORetrySpacing); err != nil {
			return err
		}
	}
	return ErrBusUpFail
}

// scheduleSleep releases the chip toward sleep. For KSO-capable chips
// the zero write is fire-and-forget: readback is skipped because the
// chip may already be powered down by the time it would be read. The
// interlock marks itself idle immediately either way.
func (in *Interlock) scheduleSleep() {
	in.awake = false
	ctx := context.Background()
	switch in.ops.Family {
	case chip.KSOCapable:
		in.bus.WriteRegister(ctx, funcBackplane, regSleepCSR, 1, 0)
	default:
		in.bus.WriteRegister(ctx, funcBackplane, regChipClockCSR, 1, 0)
	}
	in.bus.SetState(false)
}

// EnableSaveRestore performs the one-time bring-up sequence that
// save/restore-capable firmwares require: enabling WakeupCtrl and the
// broadcom-card-cap no-decode mode so the chip can wake on bus activity.
func (in *Interlock) EnableSaveRestore(ctx context.Context) error {
	if !in.ops.SaveRestoreCapable {
		return nil
	}
	if err := in.bus.WriteRegister(ctx, funcBackplane, regWakeupCtrl, 1, bitWakeTillHTAvail); err != nil {
		return err
	}
	return in.bus.WriteRegister(ctx, funcBackplane, regCardCap, 1, bitCardCapNoDecode)
}

// MarkDS1Retained records that the chip has entered the DS1 deep-sleep
// retention state; the next Acquire will run the DS1 exit handshake
// before driving the ordinary wakeup sequence.
func (in *Interlock) MarkDS1Retained() {
	in.mu.Lock()
	in.ds1Retained = in.ops.DS1Capable
	in.mu.Unlock()
}

// exitDS1 runs the DS1 deep-sleep exit handshake: poll the DS1 control
// register for the "proc done" bit (bounded), then rewrite
// PMU_MINRESMASK. Modeled as a dedicated linear sub-state-machine,
// invoked only when the chip family flag indicates DS1 capability —
// never from the fast (already-awake) path.
func (in *Interlock) exitDS1(ctx context.Context) error {
	const regDS1Ctrl = 0x1a00 // M_DS1_CTRL_SDIO, backplane-relative.
	const bitProcDone = 0x1
	const regPMUMinResMask = 0x1a04

	for poll := 0; poll < DS1MaxPolls; poll++ {
		v, err := in.bus.ReadRegister(ctx, funcBackplane, regDS1Ctrl, 1)
		if err != nil {
			return err
		}
		if v&bitProcDone != 0 {
			in.ds1Retained = false
			return in.bus.WriteRegister(ctx, funcBackplane, regPMUMinResMask, 4, in.ops.PMUMinResMask)
		}
		if err := sleepCtx(ctx, DS1PollInterval); err != nil {
			return err
		}
	}
	return ErrBusUpFail
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
