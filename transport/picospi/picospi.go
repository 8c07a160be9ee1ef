// Package picospi adapts the Raspberry Pi Pico W's PIO-programmed gSPI
// peripheral into this repository's bus.Bus, so the driver can run against
// real hardware instead of bus/simbus. Only the RP2040's three-wire gSPI
// mode is implemented; SDIO and the M2M DMA transport are left for a future
// adapter.
//
//go:build tinygo

package picospi

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"machine"

	pio "github.com/tinygo-org/pio/rp2-pio"
	"github.com/tinygo-org/pio/rp2-pio/piolib"

	"github.com/gowhd/whd/bus"
)

// function identifies which gSPI register space a command word addresses,
// mirroring the CYW43439's F0/F1/F2 function split.
type function uint32

const (
	funcBus       function = 0b00
	funcBackplane function = 0b01
	funcWLAN      function = 0b10
)

const (
	regReadTest  = 0x14
	regBusControl = 0x0
	testPattern  = 0xfeedbead

	backplaneAddrMask = 0x7fff
	backplaneWindow   = 0x8000
	maxBackplaneChunk = 64
)

// Pins bundles the GPIO assignments for a Pico W's CYW43439 radio. The
// defaults match the values wired on the Pico W reference design.
type Pins struct {
	WLRegOn machine.Pin
	DataIO  machine.Pin
	Clock   machine.Pin
	CS      machine.Pin
}

// DefaultPins returns the Pico W's fixed radio pin assignment.
func DefaultPins() Pins {
	return Pins{
		WLRegOn: machine.GPIO23,
		DataIO:  machine.GPIO24,
		Clock:   machine.GPIO29,
		CS:      machine.GPIO25,
	}
}

// Bus implements bus.Bus over the RP2040's PIO-bit-banged three-wire gSPI
// link, the same peripheral the teacher's bus_pico_pio.go drives directly.
type Bus struct {
	log *slog.Logger

	pins   Pins
	spi    *piolib.SPI3w
	window uint32

	up bool
}

// New claims a PIO state machine and configures it as a 25MHz three-wire
// SPI master, wiring the CS and WL_REG_ON pins as plain GPIO outputs.
func New(pins Pins, log *slog.Logger) (*Bus, error) {
	pins.WLRegOn.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pins.CS.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pins.CS.High()

	sm, err := pio.PIO0.ClaimStateMachine()
	if err != nil {
		return nil, err
	}
	spi, err := piolib.NewSPI3w(sm, pins.DataIO, pins.Clock, 25_000_000-1)
	if err != nil {
		return nil, err
	}
	spi.EnableStatus(true)
	if err := spi.EnableDMA(true); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log, pins: pins, spi: spi}, nil
}

func (b *Bus) csEnable(enable bool) { b.pins.CS.Set(!enable) }

func cmdWord(write, autoInc bool, fn function, addr, size uint32) uint32 {
	var w, a uint32
	if write {
		w = 1
	}
	if autoInc {
		a = 1
	}
	return w<<31 | a<<30 | uint32(fn)<<28 | (addr&0x1ffff)<<11 | size
}

func (b *Bus) cmdRead(cmd uint32, buf []uint32) error {
	b.csEnable(true)
	err := b.spi.CmdRead(cmd, buf)
	b.csEnable(false)
	return err
}

func (b *Bus) cmdWrite(cmd uint32, buf []uint32) error {
	b.csEnable(true)
	err := b.spi.CmdWrite(cmd, buf)
	b.csEnable(false)
	return err
}

// readn performs a <=4 byte register read. Backplane reads carry an extra
// response-delay word that the chip inserts before the data word.
func (b *Bus) readn(fn function, addr, size uint32) (uint32, error) {
	cmd := cmdWord(false, true, fn, addr, size)
	padding := 0
	if fn == funcBackplane {
		padding = 1
	}
	buf := make([]uint32, 1+padding)
	if err := b.cmdRead(cmd, buf); err != nil {
		return 0, err
	}
	return buf[padding], nil
}

func (b *Bus) writen(fn function, addr, val, size uint32) error {
	cmd := cmdWord(true, true, fn, addr, size)
	return b.cmdWrite(cmd, []uint32{val})
}

func (b *Bus) setWindow(addr uint32) error {
	addr &^= backplaneAddrMask
	if addr == b.window {
		return nil
	}
	const (
		addrHigh = 0x1000c
		addrMid  = 0x1000b
		addrLow  = 0x1000a
	)
	if addr&0xff000000 != b.window&0xff000000 {
		if err := b.writen(funcBackplane, addrHigh, addr>>24, 1); err != nil {
			b.window = 0
			return err
		}
	}
	if addr&0x00ff0000 != b.window&0x00ff0000 {
		if err := b.writen(funcBackplane, addrMid, addr>>16&0xff, 1); err != nil {
			b.window = 0
			return err
		}
	}
	if addr&0x0000ff00 != b.window&0x0000ff00 {
		if err := b.writen(funcBackplane, addrLow, addr>>8&0xff, 1); err != nil {
			b.window = 0
			return err
		}
	}
	b.window = addr
	return nil
}

func (b *Bus) ReadRegister(ctx context.Context, fn, address uint32, byteCount int) (uint32, error) {
	return b.readn(function(fn), address, uint32(byteCount))
}

func (b *Bus) WriteRegister(ctx context.Context, fn, address uint32, byteCount int, value uint32) error {
	return b.writen(function(fn), address, value, uint32(byteCount))
}

// ReadBackplane walks the chip's 32KB backplane window one chunk at a time,
// sliding the window with setWindow whenever a read crosses a boundary.
func (b *Bus) ReadBackplane(ctx context.Context, address uint32, out []byte) error {
	for len(out) > 0 {
		windowOffset := address & backplaneAddrMask
		remaining := backplaneWindow - windowOffset
		n := uint32(len(out))
		if n > maxBackplaneChunk {
			n = maxBackplaneChunk
		}
		if n > remaining {
			n = remaining
		}
		if err := b.setWindow(address); err != nil {
			return err
		}
		cmd := cmdWord(false, true, funcBackplane, windowOffset, n)
		buf := make([]uint32, (n+3)/4+1)
		if err := b.cmdRead(cmd, buf); err != nil {
			return err
		}
		copy(out[:n], u32ToBytes(buf)[4:4+n])
		address += n
		out = out[n:]
	}
	return nil
}

func (b *Bus) WriteBackplane(ctx context.Context, address uint32, value []byte) error {
	for len(value) > 0 {
		windowOffset := address & backplaneAddrMask
		remaining := backplaneWindow - windowOffset
		n := uint32(len(value))
		if n > maxBackplaneChunk {
			n = maxBackplaneChunk
		}
		if n > remaining {
			n = remaining
		}
		if err := b.setWindow(address); err != nil {
			return err
		}
		buf := make([]uint32, (n+3)/4+1)
		copy(u32ToBytes(buf), value[:n])
		cmd := cmdWord(true, true, funcBackplane, windowOffset, n)
		if err := b.cmdWrite(cmd, buf); err != nil {
			return err
		}
		address += n
		value = value[n:]
	}
	return nil
}

func (b *Bus) TransferBackplaneBytes(ctx context.Context, dir bus.Direction, address uint32, buf []byte) error {
	if dir == bus.DirWrite {
		return b.WriteBackplane(ctx, address, buf)
	}
	return b.ReadBackplane(ctx, address, buf)
}

// Wakeup drives WL_REG_ON high and polls the gSPI test register until the
// chip answers with its fixed test pattern, giving up after 100ms.
func (b *Bus) Wakeup(ctx context.Context) error {
	b.pins.WLRegOn.High()
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		got, err := b.readn(funcBus, regReadTest, 4)
		if err == nil && got == testPattern {
			b.up = true
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return errors.New("picospi: chip did not answer test pattern")
}

func (b *Bus) Sleep(ctx context.Context) error {
	b.pins.WLRegOn.Low()
	b.up = false
	return nil
}

func (b *Bus) IsUp() bool      { return b.up }
func (b *Bus) SetState(up bool) { b.up = up }

// Send writes one full SDPCM-equivalent frame over the WLAN DMA function.
func (b *Bus) Send(ctx context.Context, frame []byte) error {
	words := bytesToU32(frame)
	cmd := cmdWord(true, true, funcWLAN, 0, uint32(len(frame)))
	return b.cmdWrite(cmd, words)
}

// Recv polls the WLAN function for a pending frame, honoring ctx
// cancellation between polls; real hardware instead asserts an IRQ line,
// which a future revision of this adapter should wire up instead of
// polling.
func (b *Bus) Recv(ctx context.Context) ([]byte, error) {
	const pollInterval = time.Millisecond
	for {
		status, err := b.readn(funcBus, 0x4, 4) // SPI status register.
		if err != nil {
			return nil, err
		}
		if status&0x1 != 0 { // data available bit.
			size := status >> 9 & 0x7ff
			buf := make([]uint32, (size+3)/4)
			cmd := cmdWord(false, true, funcWLAN, 0, size)
			if err := b.cmdRead(cmd, buf); err != nil {
				return nil, err
			}
			return u32ToBytes(buf)[:size], nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func u32ToBytes(buf []uint32) []byte {
	out := make([]byte, len(buf)*4)
	for i, w := range buf {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

func bytesToU32(buf []byte) []uint32 {
	n := (len(buf) + 3) / 4
	padded := make([]byte, n*4)
	copy(padded, buf)
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(padded[i*4:])
	}
	return out
}
