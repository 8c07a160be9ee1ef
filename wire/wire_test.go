package wire

import "testing"

func TestFrameHeaderRoundTrip(t *testing.T) {
	h := PutRequest(CmdSetSSID, KindSet, 1, 0x1234, 36)
	var buf [FrameHeaderLen]byte
	h.Encode(buf[:])
	got := DecodeFrameHeader(buf[:])
	if got.Cmd != CmdSetSSID {
		t.Errorf("cmd: got %v want %v", got.Cmd, CmdSetSSID)
	}
	if got.ID() != 0x1234 {
		t.Errorf("id: got %#x want %#x", got.ID(), 0x1234)
	}
	if got.Len != 36 {
		t.Errorf("len: got %d want 36", got.Len)
	}
}

func TestEncodeIovarNameBsscfg(t *testing.T) {
	var buf [64]byte
	n, err := EncodeIovarName(buf[:], "bsscfg:sup_wpa", 3)
	if err != nil {
		t.Fatal(err)
	}
	wantNameLen := len("bsscfg:sup_wpa") + 1
	if n != wantNameLen+BsscfgPrefixLen {
		t.Fatalf("got %d bytes written, want %d", n, wantNameLen+BsscfgPrefixLen)
	}
	if buf[len("bsscfg:sup_wpa")] != 0 {
		t.Error("name not null terminated")
	}
	idx := Order.Uint32(buf[wantNameLen:])
	if idx != 3 {
		t.Errorf("bss index: got %d want 3", idx)
	}
}

func TestEncodeIovarNameNoBsscfgPrefix(t *testing.T) {
	var buf [32]byte
	n, err := EncodeIovarName(buf[:], "roam_off", 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != len("roam_off")+1 {
		t.Fatalf("got %d, want %d", n, len("roam_off")+1)
	}
}

func TestEncodeIovarNameTooLarge(t *testing.T) {
	var buf [4]byte
	_, err := EncodeIovarName(buf[:], "bsscfg:sup_wpa", 0)
	if err != ErrBadLength {
		t.Fatalf("got %v, want ErrBadLength", err)
	}
}

func TestEventHeaderRoundTrip(t *testing.T) {
	hdr := EventHeader{
		EventType: EvPSKSup,
		Status:    StatusUnsolicited,
		Reason:    ReasonNone,
		BSSIndex:  0,
		IfIndex:   0,
	}
	payload := []byte{1, 2, 3, 4}
	buf := hdr.Encode(payload)
	got, gotPayload, err := DecodeEventHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.EventType != EvPSKSup || got.Status != StatusUnsolicited {
		t.Errorf("got %+v", got)
	}
	if string(gotPayload) != string(payload) {
		t.Errorf("payload mismatch: got %v want %v", gotPayload, payload)
	}
}

func TestEventHeaderTooShort(t *testing.T) {
	_, _, err := DecodeEventHeader(make([]byte, 4))
	if err == nil {
		t.Fatal("expected error on short buffer")
	}
}

func TestChanspecBand(t *testing.T) {
	cs := NewChanspec(6, Band2_4GHz)
	if cs&chanspecBand5GHz != 0 {
		t.Error("2.4GHz chanspec should not set the 5GHz band bit")
	}
	cs5 := NewChanspec(36, Band5GHz)
	if cs5&chanspecBand5GHz == 0 {
		t.Error("5GHz chanspec should set the band bit")
	}
	if uint8(cs5) != 36 {
		t.Errorf("channel nibble: got %d want 36", uint8(cs5))
	}
}

func TestWSECPMKEncodeBounds(t *testing.T) {
	w := WSECPMK{Length: 10}
	var small [3]byte
	if err := w.Encode(small[:]); err != ErrBadLength {
		t.Fatalf("got %v, want ErrBadLength", err)
	}
	var buf [wsecPMKLen]byte
	if err := w.Encode(buf[:]); err != nil {
		t.Fatal(err)
	}
}

func TestExtJoinParamsEncode(t *testing.T) {
	p := ExtJoinParams{
		SSIDLength: 3,
		ScanType:   0,
		Chanspecs:  []Chanspec{NewChanspec(0, Band2_4GHz)},
	}
	copy(p.SSID[:], "net")
	buf := make([]byte, p.EncodedLen())
	n, err := p.Encode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != p.EncodedLen() {
		t.Errorf("got %d bytes written, want %d", n, p.EncodedLen())
	}
}

func TestDecodeBSSInfoRejectsOOBIEs(t *testing.T) {
	buf := make([]byte, bssInfoFixedLen)
	Order.PutUint16(buf[51:53], 1000) // IEOffset far beyond buffer
	Order.PutUint32(buf[53:57], 4)
	_, _, err := DecodeBSSInfo(buf)
	if err == nil {
		t.Fatal("expected error for out-of-bounds IE range")
	}
}
