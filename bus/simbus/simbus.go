// Package simbus implements bus.Bus and bus.BufferPool as an in-memory
// stand-in for real SDIO/SPI/M2M hardware, for use in this repository's
// own tests — the same role the teacher's firmware_testm.go and tests/
// tree play for its hardware-bound bus layer.
package simbus

import (
	"context"
	"errors"
	"sync"

	"github.com/gowhd/whd/bus"
)

// Bus is a fully in-process bus.Bus: writes are recorded, Recv delivers
// frames previously queued with Push, and register reads return
// programmed values.
type Bus struct {
	mu sync.Mutex

	up        bool
	wakeCount int

	regs      map[regKey]uint32
	backplane map[uint32][]byte

	sent  [][]byte
	queue chan []byte

	// WakeupErr, if set, is returned by the next Wakeup call and then
	// cleared, letting tests exercise the BusUpFail path.
	WakeupErr error
}

type regKey struct {
	fn, addr uint32
}

// New returns a ready-to-use simulated bus with a queue capacity large
// enough for any single test's event/response script.
func New() *Bus {
	return &Bus{
		regs:      make(map[regKey]uint32),
		backplane: make(map[uint32][]byte),
		queue:     make(chan []byte, 256),
	}
}

// SetBackplane programs the bytes ReadBackplane returns for address,
// letting tests script a chip-id readout during Driver.Init.
func (b *Bus) SetBackplane(address uint32, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backplane[address] = append([]byte(nil), data...)
}

// SetRegister programs the value ReadRegister returns for (fn, address),
// letting tests script the KSO/HT-clock poll loops the power interlock
// drives.
func (b *Bus) SetRegister(fn, addr uint32, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[regKey{fn, addr}] = v
}

func (b *Bus) ReadRegister(ctx context.Context, fn, address uint32, byteCount int) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[regKey{fn, address}], nil
}

// WriteRegister ORs value into the addressed register rather than
// replacing it outright: on the real CSRs the power interlock drives, a
// host write sets request bits while hardware-maintained status bits at
// the same address (HT_AVAIL, DEVICE_ON) persist independently.
func (b *Bus) WriteRegister(ctx context.Context, fn, address uint32, byteCount int, value uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[regKey{fn, address}] |= value
	return nil
}

func (b *Bus) ReadBackplane(ctx context.Context, address uint32, out []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(out, b.backplane[address])
	return nil
}
func (b *Bus) WriteBackplane(ctx context.Context, address uint32, value []byte) error {
	return nil
}
func (b *Bus) TransferBackplaneBytes(ctx context.Context, dir bus.Direction, address uint32, buf []byte) error {
	return nil
}

func (b *Bus) Wakeup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.WakeupErr != nil {
		err := b.WakeupErr
		b.WakeupErr = nil
		return err
	}
	b.wakeCount++
	b.up = true
	return nil
}

func (b *Bus) Sleep(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.up = false
	return nil
}

func (b *Bus) IsUp() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.up
}

func (b *Bus) SetState(up bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.up = up
}

// WakeCount returns the number of successful Wakeup calls observed so
// far, for asserting the power interlock's refcount discipline.
func (b *Bus) WakeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wakeCount
}

func (b *Bus) Send(ctx context.Context, frame []byte) error {
	b.mu.Lock()
	cp := append([]byte(nil), frame...)
	b.sent = append(b.sent, cp)
	b.mu.Unlock()
	return nil
}

// Sent returns every frame handed to Send so far, in order.
func (b *Bus) Sent() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.sent...)
}

// Push queues a frame (a command response or an async event) for
// delivery by the next Recv call.
func (b *Bus) Push(frame []byte) {
	b.queue <- append([]byte(nil), frame...)
}

var errRecvCanceled = errors.New("simbus: recv canceled")

func (b *Bus) Recv(ctx context.Context) ([]byte, error) {
	select {
	case f := <-b.queue:
		return f, nil
	case <-ctx.Done():
		return nil, errRecvCanceled
	}
}

// buffer is the trivial bus.Buffer backing implementation.
type buffer struct{ b []byte }

func (b *buffer) Bytes() []byte { return b.b }
func (b *buffer) Len() int      { return len(b.b) }

// Pool is a bus.BufferPool that never fails allocation unless
// FailNext is armed — used to exercise BufferAllocFail handling.
type Pool struct {
	mu       sync.Mutex
	FailNext bool
}

func NewPool() *Pool { return &Pool{} }

var errBufferAllocFail = errors.New("simbus: buffer pool exhausted")

func (p *Pool) GetIoctlBuffer(size int) (bus.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailNext {
		p.FailNext = false
		return nil, errBufferAllocFail
	}
	return &buffer{b: make([]byte, size)}, nil
}

func (p *Pool) GetIovarBuffer(name string, size int) (bus.Buffer, error) {
	return p.GetIoctlBuffer(size + len(name) + 1)
}

func (p *Pool) Release(b bus.Buffer, dir bus.Direction) {}

func (p *Pool) CurrentDataPointer(b bus.Buffer) []byte { return b.Bytes() }
func (p *Pool) CurrentPieceSize(b bus.Buffer) int      { return b.Len() }
