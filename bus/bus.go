// Package bus declares the external collaborator interfaces the core
// driver calls into but does not implement: the SDIO/SPI/M2M transport
// and the zero-copy buffer pool. Concrete implementations — real
// hardware transports, or the simulated bus under bus/simbus used by the
// rest of this repository's tests — live outside this package.
package bus

import "context"

// Direction of a register or backplane access.
type Direction uint8

const (
	DirRead Direction = iota
	DirWrite
)

// Bus is the transport capability the core driver consumes. It never
// interprets the bytes it moves; framing and endianness are entirely the
// control-message codec's concern.
type Bus interface {
	ReadRegister(ctx context.Context, fn, address uint32, byteCount int) (uint32, error)
	WriteRegister(ctx context.Context, fn, address uint32, byteCount int, value uint32) error
	ReadBackplane(ctx context.Context, address uint32, out []byte) error
	WriteBackplane(ctx context.Context, address uint32, value []byte) error
	TransferBackplaneBytes(ctx context.Context, dir Direction, address uint32, buf []byte) error

	// Wakeup and Sleep drive the bus-level half of the power interlock:
	// Wakeup must return only once the bus is addressable, Sleep only
	// initiates a transition (the chip may not actually sleep until
	// later).
	Wakeup(ctx context.Context) error
	Sleep(ctx context.Context) error
	IsUp() bool
	SetState(up bool)

	// Send queues a fully-framed SDPCM-equivalent packet for
	// transmission; Recv blocks (respecting ctx) until a packet is
	// available, delivering raw frames to the command channel and event
	// dispatcher for further decoding.
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Buffer is a pooled packet backing a single in-flight request or
// response.
type Buffer interface {
	Bytes() []byte
	Len() int
}

// BufferPool is the zero-copy packet-buffer capability the codec
// allocates control-message frames from.
type BufferPool interface {
	GetIoctlBuffer(size int) (Buffer, error)
	GetIovarBuffer(name string, size int) (Buffer, error)
	Release(b Buffer, dir Direction)
	CurrentDataPointer(b Buffer) []byte
	CurrentPieceSize(b Buffer) int
}
