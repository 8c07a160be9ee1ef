package busdebug

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func TestExportWritesTransitionCounts(t *testing.T) {
	r := NewRecorder()
	r.RecordTransaction(time.Now(), time.Now().Add(time.Millisecond))
	r.RecordWakeEdge(true, time.Now())
	r.RecordWakeEdge(false, time.Now().Add(time.Second))

	var busy, wake bytes.Buffer
	if err := Export(&busy, &wake, r); err != nil {
		t.Fatalf("Export: %v", err)
	}

	checkHeader(t, busy.Bytes(), 2)
	checkHeader(t, wake.Bytes(), 2)
}

func checkHeader(t *testing.T, buf []byte, wantTransitions uint64) {
	t.Helper()
	if len(buf) < 20 {
		t.Fatalf("buf too short: %d bytes", len(buf))
	}
	version := int32(binary.LittleEndian.Uint32(buf[0:4]))
	typ := int32(binary.LittleEndian.Uint32(buf[4:8]))
	if version != 0 || typ != 0 {
		t.Fatalf("version=%d type=%d, want 0,0", version, typ)
	}
	initial := math.Float64frombits(binary.LittleEndian.Uint64(buf[8:16]))
	if initial != 0 {
		t.Fatalf("initial state=%v, want 0 (low rest state)", initial)
	}
	n := binary.LittleEndian.Uint64(buf[16:24])
	if n != wantTransitions {
		t.Fatalf("transitions=%d, want %d", n, wantTransitions)
	}
}
