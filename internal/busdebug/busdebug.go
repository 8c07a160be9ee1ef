// Package busdebug captures command-channel activity and the
// power-interlock's wake/sleep edges and exports them as Saleae-compatible
// digital trace files, the offline-debugging counterpart to
// cmd/whdanalyze's binary-capture decoder.
package busdebug

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"
)

// Recorder accumulates timestamped edges for a handful of logical signals
// — the command channel's "busy" state and the power interlock's wake
// state — so a later call to Export can render them as digital channels.
type Recorder struct {
	mu     sync.Mutex
	start  time.Time
	busy   []edge
	wake   []edge
	busyOn bool
	wakeOn bool
}

type edge struct {
	at   time.Duration
	high bool
}

// NewRecorder returns a Recorder whose timestamps are relative to now.
func NewRecorder() *Recorder {
	return &Recorder{start: monotonicNow()}
}

// RecordTransaction marks a command-channel exchange (an IOCTL or IOVAR
// request and its response) as a single busy-high interval.
func (r *Recorder) RecordTransaction(start, end time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = append(r.busy, edge{at: start.Sub(r.start), high: true})
	r.busy = append(r.busy, edge{at: end.Sub(r.start), high: false})
	r.busyOn = false
}

// RecordWakeEdge marks a power-interlock transition: up=true for Wakeup
// completing, up=false for Sleep starting.
func (r *Recorder) RecordWakeEdge(up bool, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wake = append(r.wake, edge{at: at.Sub(r.start), high: up})
	r.wakeOn = up
}

func monotonicNow() time.Time { return time.Now() }

// Export writes both signals as a pair of Saleae digital-export binary
// files (the documented "export raw binary" layout: a version/type
// header, an initial state, and a timestamped transition list per
// channel), one file per channel, so they can be dropped straight into
// Logic2 alongside a real capture for side-by-side comparison.
func Export(busyOut, wakeOut io.Writer, r *Recorder) error {
	r.mu.Lock()
	busy := append([]edge(nil), r.busy...)
	wake := append([]edge(nil), r.wake...)
	r.mu.Unlock()

	if err := writeDigitalChannel(busyOut, busy); err != nil {
		return err
	}
	return writeDigitalChannel(wakeOut, wake)
}

// writeDigitalChannel encodes one channel's edges as a Saleae raw binary
// digital export: int32 version (0), int32 type (0 == digital), a
// float64 initial state, then a uint64 transition count followed by that
// many float64 timestamps in seconds.
func writeDigitalChannel(w io.Writer, edges []edge) error {
	const initialState = 0 // Record* always starts a channel from a low rest state.
	buf := make([]byte, 0, 16+8+8*len(edges))
	buf = appendInt32(buf, 0)
	buf = appendInt32(buf, 0)
	buf = appendFloat64(buf, initialState)
	buf = appendUint64(buf, uint64(len(edges)))
	for _, e := range edges {
		buf = appendFloat64(buf, e.at.Seconds())
	}
	_, err := w.Write(buf)
	return err
}

func appendInt32(buf []byte, v int32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendFloat64(buf []byte, v float64) []byte {
	return appendUint64(buf, math.Float64bits(v))
}
