// Package driver ties the five core components together into the
// process-wide controller handle the rest of the system programs
// against: chip bring-up, interface lifecycle, and the console/debug
// ring buffer that firmware logging lands in.
package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gowhd/whd/bus"
	"github.com/gowhd/whd/chip"
	"github.com/gowhd/whd/cmdchan"
	"github.com/gowhd/whd/event"
	"github.com/gowhd/whd/internal/busdebug"
	"github.com/gowhd/whd/join"
	"github.com/gowhd/whd/power"
	"github.com/gowhd/whd/wire"
)

// MaxInterfaces bounds the interface array a Driver owns, matching the
// data model's "up to MAX_INTERFACES interface records" invariant.
const MaxInterfaces = 4

// chipCommonBaseAddress is the backplane address the chip id register is
// mapped to, regardless of chip family.
const chipCommonBaseAddress = 0x18000000

// WLANState is the driver's wireless-lifecycle state.
type WLANState uint8

const (
	StateOff WLANState = iota
	StateDown
	StateUp
)

// ChipInfo identifies the attached silicon and what it can do.
type ChipInfo struct {
	ID                 chip.ID
	Capabilities        uint32
	SaveRestoreCapable bool
}

// Driver is the process-wide controller handle: one Bus, one
// BufferPool, one Channel, one Dispatcher, one Interlock, shared by
// every Interface it owns.
type Driver struct {
	mu sync.Mutex

	bus  bus.Bus
	pool bus.BufferPool
	log  *slog.Logger

	Chip ChipInfo
	ops  chip.Ops

	ch   *cmdchan.Channel
	disp *event.Dispatcher
	in   *power.Interlock

	state WLANState

	ifaces [MaxInterfaces]*Interface

	console       []byte
	consoleCursor uint32

	// Trace, if set, receives the wake/sleep edges and command-channel
	// transaction intervals for offline export via busdebug.Export. Nil
	// by default: tracing has a cost and is opt-in.
	Trace *busdebug.Recorder
}

// Role is the logical purpose of an Interface.
type Role uint8

const (
	RoleInvalid Role = iota
	RoleSta
	RoleAp
	RoleP2P
)

// handlerCategory keys an Interface's registered event-handler entry ids.
type handlerCategory uint8

const (
	categoryJoin handlerCategory = iota
	categoryScan
	categoryAuth
	categoryICMPEchoReq
	numCategories
)

// Interface is a logical BSS context: one station, AP, or P2P role on
// top of the Driver's shared command channel and dispatcher.
type Interface struct {
	driver *Driver

	Role         Role
	BSSIndex     uint8
	DataPathIndex uint8
	MAC          [6]byte

	handlers [numCategories][]event.EntryID

	machine *join.Machine
	scanner *join.Scanner

	externalAuth *externalAuthState
	rcvEth       EthHandler
}

// New returns a Driver bound to b/pool, with every component wired:
// power interlock, command channel, event dispatcher. Init still needs
// to run before the driver can be brought Up.
func New(b bus.Bus, pool bus.BufferPool, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{bus: b, pool: pool, log: log, state: StateOff}
}

// Init brings the chip up: wakes the bus, reads the firmware-reported
// chip id to select the chip.Ops family, constructs the power
// interlock/command channel/event dispatcher bound to that family, and
// enables save/restore wakeup if the silicon supports it. Firmware image
// download and CLM/NVRAM loading are platform bring-up steps the core
// does not perform; Init assumes firmware is already running when it is
// called.
func (d *Driver) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateOff {
		return errors.New("driver: already initialized")
	}

	d.bus.SetState(true)
	if err := d.bus.Wakeup(ctx); err != nil {
		return fmt.Errorf("driver: init: %w", errors.Join(wire.ErrBusUpFail, err))
	}
	if d.Trace != nil {
		d.Trace.RecordWakeEdge(true, time.Now())
	}

	id, err := d.readChipID(ctx)
	if err != nil {
		return fmt.Errorf("driver: init: reading chip id: %w", err)
	}

	ops, known := chip.Lookup(id)
	if !known {
		d.log.Warn("driver: unrecognized chip id, falling back to clock-gate family", slog.Uint64("chipID", uint64(id)))
	}
	d.ops = ops
	d.Chip = ChipInfo{ID: id, SaveRestoreCapable: ops.SaveRestoreCapable}

	d.in = power.New(d.bus, d.ops, d.log)
	d.ch = cmdchan.New(d.bus, d.pool, d.in, d.log)
	d.disp = event.New(256, d.log)

	if ops.SaveRestoreCapable {
		if err := d.in.EnableSaveRestore(ctx); err != nil {
			return fmt.Errorf("driver: init: enabling save/restore: %w", err)
		}
	}

	d.state = StateDown
	return nil
}

func (d *Driver) readChipID(ctx context.Context) (chip.ID, error) {
	buf := make([]byte, 2)
	if err := d.bus.ReadBackplane(ctx, chipCommonBaseAddress, buf); err != nil {
		return 0, err
	}
	return chip.ID(wire.Order.Uint16(buf)), nil
}

// Deinit tears the driver down. The data model requires the driver be
// Off before teardown completes; every interface is left behind by the
// caller (AddInterface/RemoveInterface bracket their own lifecycle).
func (d *Driver) Deinit(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateUp {
		if err := d.setDownLocked(ctx); err != nil {
			return err
		}
	}
	d.bus.SetState(false)
	d.state = StateOff
	if d.Trace != nil {
		d.Trace.RecordWakeEdge(false, time.Now())
	}
	return nil
}

// AddInterface allocates an Interface at the next free slot, wiring a
// join.Machine and join.Scanner against the driver's shared Channel and
// Dispatcher.
func (d *Driver) AddInterface(role Role, bssIndex, dataPathIndex uint8) (*Interface, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	slot := -1
	for i, ifc := range d.ifaces {
		if ifc == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		return nil, fmt.Errorf("driver: add interface: %w", wire.ErrInvalidInterface)
	}
	ifc := &Interface{
		driver:        d,
		Role:          role,
		BSSIndex:      bssIndex,
		DataPathIndex: dataPathIndex,
		machine:       join.New(dataPathIndex, d.ch, d.disp, d.in, d.ops, d.log),
		scanner:       join.NewScanner(d.ch, d.disp),
	}
	d.ifaces[slot] = ifc
	return ifc, nil
}

// RemoveInterface deregisters every handler the interface still holds
// and frees its slot.
func (d *Driver) RemoveInterface(ifc *Interface) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, other := range d.ifaces {
		if other == ifc {
			for _, ids := range ifc.handlers {
				d.disp.DeregisterFamily(ids)
			}
			ifc.StopExternalAuthRequest()
			d.ifaces[i] = nil
			return
		}
	}
}

// Dispatch feeds one raw event frame, received from the Bus, into the
// event dispatcher. The driver worker thread is expected to call this in
// a loop against Bus.Recv.
func (d *Driver) Dispatch(frame []byte) error {
	return d.disp.Dispatch(frame)
}

// ReadConsole drains firmware's console ring buffer from cursor, logging
// each complete line and advancing consoleCursor. Real firmware exposes
// the buffer over a "console" IOVAR the caller polls; this method only
// tracks the read cursor and line assembly, leaving the actual IOVAR
// fetch to the caller-supplied chunk.
func (d *Driver) ReadConsole(chunk []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.console = append(d.console, chunk...)
	d.consoleCursor += uint32(len(chunk))
	for {
		i := bytes.IndexByte(d.console, '\n')
		if i < 0 {
			break
		}
		line := d.console[:i]
		d.console = d.console[i+1:]
		d.log.Info("firmware console", slog.String("line", string(line)))
	}
}
