// Package cmdchan implements the command channel (spec component C2):
// exclusive, serialized issue of IOCTL/IOVAR control messages to
// firmware, pairing each request with its response or a timeout.
package cmdchan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gowhd/whd/bus"
	"github.com/gowhd/whd/power"
	"github.com/gowhd/whd/wire"
)

// DefaultTimeout bounds a single command/response exchange. Spec names
// this "the bus timeout"; it is not one of the fixed join-attempt
// timing constants because it governs every individual IOCTL, not the
// join attempt as a whole.
const DefaultTimeout = 2 * time.Second

// ErrBadTxId and ErrTimeout are exported for errors.Is comparisons;
// they alias the taxonomy's wire package sentinels so callers only need
// one set of error values to check against.
var (
	ErrBadTxId     = wire.ErrBadTxId
	ErrTimeout     = wire.ErrIoctlTimeout
	ErrUnsupported = wire.ErrWlanUnsupported
)

// response is what the driver's receive loop hands back to the waiting
// caller via DeliverResponse.
type response struct {
	id     uint16
	status uint32
	data   []byte
}

// Channel is the command channel. Exactly one Channel is shared by every
// Interface of a Driver, per the data model's "at most one outstanding
// command per driver" invariant.
type Channel struct {
	bus  bus.Bus
	pool bus.BufferPool
	in   *power.Interlock
	log  *slog.Logger

	// sendMu serializes the whole send+wait exchange: held from just
	// before Send to just after the response (or timeout) resolves,
	// enforcing "at most one command crosses the bus at a time".
	sendMu sync.Mutex

	txCounter atomic.Uint32

	// slot is the single-slot response channel for the in-flight
	// request; nil when no request is outstanding. Guarded by slotMu.
	slotMu sync.Mutex
	slot   chan response

	// Timeout bounds a single exchange; defaults to DefaultTimeout and
	// is only ever overridden by tests.
	Timeout time.Duration
}

// New returns a Channel issuing commands over b, allocating request
// buffers from pool, and wrapping every exchange with in.
func New(b bus.Bus, pool bus.BufferPool, in *power.Interlock, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{bus: b, pool: pool, in: in, log: log, Timeout: DefaultTimeout}
}

// GetIoctl issues a GET-kind IOCTL and returns the response payload.
func (c *Channel) GetIoctl(ctx context.Context, cmd wire.Command, iface uint8, tx []byte, outLen int) ([]byte, error) {
	return c.exchange(ctx, cmd, wire.KindGet, iface, tx, outLen)
}

// SetIoctl issues a SET-kind IOCTL; the response payload, if any, is
// discarded.
func (c *Channel) SetIoctl(ctx context.Context, cmd wire.Command, iface uint8, tx []byte) error {
	_, err := c.exchange(ctx, cmd, wire.KindSet, iface, tx, 0)
	return err
}

// GetIovar issues a named GET-VAR request. The encoded name (with the
// bsscfg: bss-index prefix inserted when applicable) is the whole request
// payload.
func (c *Channel) GetIovar(ctx context.Context, name string, bssIndex uint32, iface uint8, outLen int) ([]byte, error) {
	buf := make([]byte, 256)
	n, err := wire.EncodeIovarName(buf, name, bssIndex)
	if err != nil {
		return nil, err
	}
	return c.exchange(ctx, wire.CmdGetVar, wire.KindGet, iface, buf[:n], outLen)
}

// SetIovar issues a named SET-VAR request with val appended after the
// encoded name.
func (c *Channel) SetIovar(ctx context.Context, name string, bssIndex uint32, iface uint8, val []byte) error {
	buf := make([]byte, 256+len(val))
	n, err := wire.EncodeIovarName(buf, name, bssIndex)
	if err != nil {
		return err
	}
	n += copy(buf[n:], val)
	_, err = c.exchange(ctx, wire.CmdSetVar, wire.KindSet, iface, buf[:n], 0)
	return err
}

// exchange performs one full send+wait cycle under the command mutex and
// the power interlock.
func (c *Channel) exchange(ctx context.Context, cmd wire.Command, kind wire.Kind, iface uint8, payload []byte, outLen int) ([]byte, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	release, err := c.in.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("cmdchan: acquiring bus power: %w", err)
	}
	defer release()

	buf, err := c.pool.GetIoctlBuffer(wire.FrameHeaderLen + len(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrBufferAllocFail, err)
	}
	defer c.pool.Release(buf, bus.DirWrite)

	txID := uint16(c.txCounter.Add(1))
	hdr := wire.PutRequest(cmd, kind, iface, txID, uint32(outLen))
	frame := c.pool.CurrentDataPointer(buf)
	hdr.Encode(frame[:wire.FrameHeaderLen])
	copy(frame[wire.FrameHeaderLen:], payload)

	respCh := make(chan response, 1)
	c.slotMu.Lock()
	c.slot = respCh
	c.slotMu.Unlock()
	defer func() {
		c.slotMu.Lock()
		c.slot = nil
		c.slotMu.Unlock()
	}()

	c.log.Debug("cmdchan:send", slog.String("cmd", fmt.Sprint(cmd)), slog.Int("txid", int(txID)))
	if err := c.bus.Send(ctx, frame[:wire.FrameHeaderLen+len(payload)]); err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	select {
	case resp := <-respCh:
		if resp.id != txID {
			return nil, wire.ErrBadTxId
		}
		if resp.status == wire.StatusUnsupported {
			return resp.data, wire.ErrWlanUnsupported
		}
		if resp.status != 0 {
			return resp.data, fmt.Errorf("%w: status=%d", wire.ErrIoctlFail, resp.status)
		}
		return resp.data, nil
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wire.ErrIoctlTimeout
	}
}

// DeliverResponse is called by the driver's receive loop for every
// decoded control-type frame. It is the only path that writes into the
// single response slot; mismatched transaction ids are reported back to
// the waiting caller rather than silently dropped, satisfying "request
// and response pairing" (BadTxId).
func (c *Channel) DeliverResponse(hdr wire.FrameHeader, payload []byte) {
	c.slotMu.Lock()
	slot := c.slot
	c.slotMu.Unlock()
	if slot == nil {
		c.log.Warn("cmdchan:response with no outstanding request", slog.Int("txid", int(hdr.ID())))
		return
	}
	// Delivered even on an id mismatch so the waiter observes
	// ErrBadTxId rather than timing out silently.
	id := hdr.ID()
	select {
	case slot <- response{id: id, status: hdr.Status, data: payload}:
	default:
		// Slot already filled (should not happen given mutual
		// exclusion); drop rather than block the receive loop.
	}
}

// UnsupportedContinue absorbs a WlanUnsupported failure on an optional
// feature, collapsing it to "ignore" so the caller's outer operation
// does not fail. Any other error (including nil) passes through
// unchanged.
func UnsupportedContinue(err error) error {
	if errors.Is(err, wire.ErrWlanUnsupported) {
		return nil
	}
	return err
}
