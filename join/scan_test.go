package join

import (
	"context"
	"testing"
	"time"

	"github.com/gowhd/whd/bus/simbus"
	"github.com/gowhd/whd/chip"
	"github.com/gowhd/whd/cmdchan"
	"github.com/gowhd/whd/event"
	"github.com/gowhd/whd/power"
	"github.com/gowhd/whd/wire"
)

func newTestScanner(t *testing.T) (*Scanner, *simbus.Bus, *cmdchan.Channel, *event.Dispatcher) {
	t.Helper()
	b := simbus.New()
	b.SetRegister(0x1, 0x1000e, 0x80)
	ops, _ := chip.Lookup(chip.ID43439)
	in := power.New(b, ops, nil)
	ch := cmdchan.New(b, simbus.NewPool(), in, nil)
	disp := event.New(0, nil)
	return NewScanner(ch, disp), b, ch, disp
}

func TestScanIssuesEscanAndRegisters(t *testing.T) {
	s, b, ch, disp := newTestScanner(t)
	errc := make(chan error, 1)
	go func() {
		errc <- s.Scan(context.Background(), 0, Params{SSID: "testnet", BSSType: wire.BSSTypeInfrastructure}, func(*Result, ScanCompletionReason, bool) {})
	}()

	hdr := waitForSentFrame(t, b)
	ch.DeliverResponse(hdr, nil)
	if err := <-errc; err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(disp.Subscriptions()) != 1 {
		t.Fatalf("subscriptions=%d, want 1 (escan family registered)", len(disp.Subscriptions()))
	}
}

func TestScanRejectsConcurrentScan(t *testing.T) {
	s, b, ch, _ := newTestScanner(t)
	errc := make(chan error, 1)
	go func() {
		errc <- s.Scan(context.Background(), 0, Params{SSID: "a"}, func(*Result, ScanCompletionReason, bool) {})
	}()
	hdr := waitForSentFrame(t, b)
	ch.DeliverResponse(hdr, nil)
	<-errc

	err := s.Scan(context.Background(), 0, Params{SSID: "b"}, func(*Result, ScanCompletionReason, bool) {})
	if err != errScanInProgress {
		t.Fatalf("err=%v, want errScanInProgress", err)
	}
}

func TestEscanResultSuccessCompletesAndDeregisters(t *testing.T) {
	s, b, ch, disp := newTestScanner(t)
	done := make(chan ScanCompletionReason, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- s.Scan(context.Background(), 0, Params{SSID: "a"}, func(res *Result, reason ScanCompletionReason, isDone bool) {
			if isDone {
				done <- reason
			}
		})
	}()
	hdr := waitForSentFrame(t, b)
	ch.DeliverResponse(hdr, nil)
	if err := <-errc; err != nil {
		t.Fatal(err)
	}

	disp.Dispatch(wire.EventHeader{EventType: wire.EvEscanResult, Status: wire.StatusSuccess}.Encode(nil))

	select {
	case reason := <-done:
		if reason != ScanCompletedSuccessfully {
			t.Fatalf("reason=%v, want ScanCompletedSuccessfully", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for scan completion callback")
	}
	if len(disp.Subscriptions()) != 0 {
		t.Fatalf("subscriptions=%d, want 0 after completion", len(disp.Subscriptions()))
	}
}

func TestEscanResultAbortedStates(t *testing.T) {
	for _, status := range []wire.Status{wire.StatusNewscan, wire.StatusNewassoc, wire.StatusAbort} {
		s, b, ch, _ := newTestScanner(t)
		done := make(chan ScanCompletionReason, 1)
		errc := make(chan error, 1)
		go func() {
			errc <- s.Scan(context.Background(), 0, Params{SSID: "a"}, func(res *Result, reason ScanCompletionReason, isDone bool) {
				if isDone {
					done <- reason
				}
			})
		}()
		hdr := waitForSentFrame(t, b)
		ch.DeliverResponse(hdr, nil)
		<-errc

		s.handleEscanResult(wire.EventHeader{EventType: wire.EvEscanResult, Status: status}, nil, nil)
		select {
		case reason := <-done:
			if reason != ScanAborted {
				t.Fatalf("status=%v: reason=%v, want ScanAborted", status, reason)
			}
		case <-time.After(time.Second):
			t.Fatalf("status=%v: timed out waiting for abort callback", status)
		}
	}
}

func TestParseBSSInfoOpenNetwork(t *testing.T) {
	payload := buildBSSInfo(t, bssInfoSpec{ssid: "openap", capability: 0})
	r, err := parseBSSInfo(payload)
	if err != nil {
		t.Fatal(err)
	}
	if r.Security&SecOpen == 0 {
		t.Fatalf("security=%v, want SecOpen", r.Security)
	}
	if r.SSID != "openap" {
		t.Fatalf("ssid=%q, want openap", r.SSID)
	}
}

func TestParseBSSInfoPrivacyBitIsWEPFallback(t *testing.T) {
	payload := buildBSSInfo(t, bssInfoSpec{ssid: "wepap", capability: capabilityPrivacy})
	r, err := parseBSSInfo(payload)
	if err != nil {
		t.Fatal(err)
	}
	if r.Security&SecWEPPsk == 0 {
		t.Fatalf("security=%v, want SecWEPPsk", r.Security)
	}
}

func TestParseBSSInfoRSNWpa2Psk(t *testing.T) {
	rsn := buildRSNIE(t, []byte{0x00, 0x0f, 0xac, cipherCCMP}, [][]byte{{0x00, 0x0f, 0xac, cipherCCMP}}, [][]byte{{0x00, 0x0f, 0xac, akmPSK}})
	payload := buildBSSInfo(t, bssInfoSpec{ssid: "wpa2net", capability: capabilityPrivacy, ies: rsn})
	r, err := parseBSSInfo(payload)
	if err != nil {
		t.Fatal(err)
	}
	if r.Security&SecWPA2 == 0 {
		t.Fatalf("security=%v, want SecWPA2", r.Security)
	}
	if r.Security&SecAESEnabled == 0 {
		t.Fatalf("security=%v, want SecAESEnabled", r.Security)
	}
}

func TestParseBSSInfoRSNSae(t *testing.T) {
	rsn := buildRSNIE(t, []byte{0x00, 0x0f, 0xac, cipherCCMP}, [][]byte{{0x00, 0x0f, 0xac, cipherCCMP}}, [][]byte{{0x00, 0x0f, 0xac, akmSAESha256}})
	payload := buildBSSInfo(t, bssInfoSpec{ssid: "wpa3net", capability: capabilityPrivacy, ies: rsn})
	r, err := parseBSSInfo(payload)
	if err != nil {
		t.Fatal(err)
	}
	if r.Security&SecWPA3 == 0 {
		t.Fatalf("security=%v, want SecWPA3", r.Security)
	}
}

func TestParseBSSInfoOffChannelDSSSTagged(t *testing.T) {
	payload := buildBSSInfo(t, bssInfoSpec{ssid: "leaky", channel: 6, ies: buildDSSSParamSetIE(11)})
	r, err := parseBSSInfo(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Flags.has(FlagRssiOffChannel) {
		t.Fatalf("flags=%v, want FlagRssiOffChannel set (DSSS IE channel 11 != received channel 6)", r.Flags)
	}
}

func TestParseBSSInfoOnChannelDSSSNotTagged(t *testing.T) {
	payload := buildBSSInfo(t, bssInfoSpec{ssid: "clean", channel: 6, ies: buildDSSSParamSetIE(6)})
	r, err := parseBSSInfo(payload)
	if err != nil {
		t.Fatal(err)
	}
	if r.Flags.has(FlagRssiOffChannel) {
		t.Fatalf("flags=%v, want FlagRssiOffChannel unset (DSSS IE channel matches received channel)", r.Flags)
	}
}

func TestEscanResultDropsOffChannelResults(t *testing.T) {
	s, b, ch, _ := newTestScanner(t)
	var got []*Result
	errc := make(chan error, 1)
	go func() {
		errc <- s.Scan(context.Background(), 0, Params{SSID: "a"}, func(res *Result, reason ScanCompletionReason, isDone bool) {
			if res != nil {
				got = append(got, res)
			}
		})
	}()
	hdr := waitForSentFrame(t, b)
	ch.DeliverResponse(hdr, nil)
	if err := <-errc; err != nil {
		t.Fatal(err)
	}

	offChannel := buildBSSInfo(t, bssInfoSpec{ssid: "leaky", channel: 6, ies: buildDSSSParamSetIE(11)})
	s.handleEscanResult(wire.EventHeader{EventType: wire.EvEscanResult, Status: wire.StatusPartial}, offChannel, nil)
	onChannel := buildBSSInfo(t, bssInfoSpec{ssid: "clean", channel: 6, ies: buildDSSSParamSetIE(6)})
	s.handleEscanResult(wire.EventHeader{EventType: wire.EvEscanResult, Status: wire.StatusPartial}, onChannel, nil)

	if len(got) != 1 || got[0].SSID != "clean" {
		t.Fatalf("got %d results, want exactly the on-channel one; got=%+v", len(got), got)
	}
}

func TestHtMaxRateKbps(t *testing.T) {
	tests := []struct {
		name string
		caps uint16
		mcs  byte
		want uint32
	}{
		{"mcs0_20mhz", 0, 0x01, 6500},
		{"mcs7_40mhz", 1 << 1, 0x80, 65000 * 2},
		{"mcs0_20mhz_sgi", 1 << 5, 0x01, 6500 * 10 / 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ht := make([]byte, 3)
			wire.Order.PutUint16(ht[0:2], tt.caps)
			ht[2] = tt.mcs
			if got := htMaxRateKbps(ht); got != tt.want {
				t.Fatalf("htMaxRateKbps=%d, want %d", got, tt.want)
			}
		})
	}
}

func TestDedupeByBSSIDKeepsStrongest(t *testing.T) {
	bssid := [6]byte{1, 2, 3, 4, 5, 6}
	in := []Result{
		{BSSID: bssid, RSSI: -80},
		{BSSID: bssid, RSSI: -40},
		{BSSID: [6]byte{9, 9, 9, 9, 9, 9}, RSSI: -60},
	}
	out := dedupeByBSSID(in)
	if len(out) != 2 {
		t.Fatalf("len(out)=%d, want 2", len(out))
	}
	if out[0].BSSID != bssid || out[0].RSSI != -40 {
		t.Fatalf("out[0]=%+v, want the strongest observation of bssid", out[0])
	}
}

// waitForSentFrame polls the bus until the next frame is sent, returning
// its decoded header.
func waitForSentFrame(t *testing.T, b *simbus.Bus) wire.FrameHeader {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sent := b.Sent()
		if len(sent) > 0 {
			return wire.DecodeFrameHeader(sent[len(sent)-1])
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for escan request to be sent")
	return wire.FrameHeader{}
}

type bssInfoSpec struct {
	ssid       string
	capability uint16
	channel    uint8
	ies        []byte
}

// buildBSSInfo assembles a minimal wl_bss_info record matching the fixed
// layout DecodeBSSInfo expects, with an optional trailing IE blob.
func buildBSSInfo(t *testing.T, spec bssInfoSpec) []byte {
	t.Helper()
	const fixedLen = 57
	buf := make([]byte, fixedLen+len(spec.ies))
	wire.Order.PutUint16(buf[12:14], spec.capability)
	buf[14] = uint8(len(spec.ssid))
	copy(buf[15:47], spec.ssid)
	wire.Order.PutUint16(buf[49:51], uint16(spec.channel))
	wire.Order.PutUint16(buf[51:53], uint16(fixedLen))
	wire.Order.PutUint32(buf[53:57], uint32(len(spec.ies)))
	copy(buf[fixedLen:], spec.ies)
	return buf
}

// buildDSSSParamSetIE assembles the 802.11 DSSS Parameter Set IE (element
// id 3), carrying the single channel byte a DSSS-rate beacon claims.
func buildDSSSParamSetIE(channel uint8) []byte {
	return []byte{ieDSSSParamSet, 1, channel}
}

// buildRSNIE assembles one RSN information element: group cipher,
// pairwise cipher list, AKM suite list, each suite a 4-byte OUI+type.
func buildRSNIE(t *testing.T, group []byte, pairwise [][]byte, akms [][]byte) []byte {
	t.Helper()
	var body []byte
	body = append(body, 0x01, 0x00) // version
	body = append(body, group...)
	body = append(body, byte(len(pairwise)), 0x00)
	for _, p := range pairwise {
		body = append(body, p...)
	}
	body = append(body, byte(len(akms)), 0x00)
	for _, a := range akms {
		body = append(body, a...)
	}
	ie := append([]byte{ieRSN, byte(len(body))}, body...)
	return ie
}
