package join

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/gowhd/whd/cmdchan"
	"github.com/gowhd/whd/event"
	"github.com/gowhd/whd/wire"
)

// ScanCompletionReason is passed to a scan callback's final call.
type ScanCompletionReason uint8

const (
	ScanCompletedSuccessfully ScanCompletionReason = iota
	ScanAborted
	ScanIncomplete
)

// SecurityFlags is the bitset ScanResult.Security carries.
type SecurityFlags uint32

const (
	SecWPA          SecurityFlags = 1 << 0
	SecWPA2         SecurityFlags = 1 << 1
	SecWPA3         SecurityFlags = 1 << 2
	SecWEPPsk       SecurityFlags = 1 << 3
	SecOpen         SecurityFlags = 1 << 4
	SecTKIPEnabled  SecurityFlags = 1 << 5
	SecAESEnabled   SecurityFlags = 1 << 6
	SecEnterprise   SecurityFlags = 1 << 7
	SecFBT          SecurityFlags = 1 << 8
	SecSha256       SecurityFlags = 1 << 9
	SecSaeH2e       SecurityFlags = 1 << 10
)

// ResultFlags mark out-of-band observations about one ScanResult.
type ResultFlags uint8

const (
	FlagRssiOffChannel ResultFlags = 1 << 0
	FlagBeacon         ResultFlags = 1 << 1
	FlagSaeH2e         ResultFlags = 1 << 2
)

func (f ResultFlags) has(bits ResultFlags) bool { return f&bits == bits }

// Result is one parsed BSS observation, immutable after emission.
type Result struct {
	SSID            string
	BSSID           [6]byte
	Band            wire.Band
	Channel         uint8
	RSSI            int16
	BSSType         wire.BSSType
	Security        SecurityFlags
	MaxDataRateKbps uint32
	CountryCode     [2]byte
	HasCountry      bool
	Flags           ResultFlags
}

// ScanCallback receives each parsed result as it streams in, and a
// final call with res=nil and done=true carrying the completion reason.
type ScanCallback func(res *Result, reason ScanCompletionReason, done bool)

// Scanner runs the escan engine co-located with the join state machine:
// it issues the escan IOVAR and parses the EscanResult events firmware
// streams back.
type Scanner struct {
	ch   *cmdchan.Channel
	disp *event.Dispatcher

	mu      sync.Mutex
	cb      ScanCallback
	entryID event.EntryID
	running bool
	syncID  uint16
}

// NewScanner returns a Scanner sharing ch and disp with the rest of the
// driver.
func NewScanner(ch *cmdchan.Channel, disp *event.Dispatcher) *Scanner {
	return &Scanner{ch: ch, disp: disp}
}

var errScanInProgress = errors.New("join: scan already in progress")

// Params configures one escan request.
type Params struct {
	SSID     string
	BSSID    *[6]byte
	Channels []uint16
	BSSType  wire.BSSType
}

// Scan starts an asynchronous scan, invoking cb for every parsed result
// and once more with done=true when the scan completes or is aborted.
func (s *Scanner) Scan(ctx context.Context, iface uint8, p Params, cb ScanCallback) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errScanInProgress
	}
	s.running = true
	s.syncID++
	syncID := s.syncID
	s.cb = cb
	s.mu.Unlock()

	id, err := s.disp.RegisterFamily(iface, event.ScanEvents, s.handleEscanResult, nil)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.entryID = id[0]
	s.mu.Unlock()

	params := wire.EscanParams{
		Version:  1,
		Action:   wire.EscanActionStart,
		SyncID:   syncID,
		BSSType:  p.BSSType,
		ScanType: -1,
		NProbes:  -1, ActiveTime: -1, PassiveTime: -1, HomeTime: -1,
		Channels: p.Channels,
	}
	if p.SSID != "" {
		params.SSIDLength = uint8(len(p.SSID))
		copy(params.SSID[:], p.SSID)
	}
	if p.BSSID != nil {
		params.BSSID = *p.BSSID
	}
	buf := make([]byte, params.EncodedLen())
	n, err := params.Encode(buf)
	if err != nil {
		s.stopLocked()
		return err
	}
	if err := s.ch.SetIovar(ctx, "escan", 0, iface, buf[:n]); err != nil {
		s.stopLocked()
		return err
	}
	return nil
}

// StopScan issues the escan abort action, matching the cancellation
// contract: the callback receives a final ScanAborted call.
func (s *Scanner) StopScan(ctx context.Context, iface uint8) error {
	s.mu.Lock()
	running := s.running
	syncID := s.syncID
	s.mu.Unlock()
	if !running {
		return nil
	}
	params := wire.EscanParams{Version: 1, Action: wire.EscanActionAbort, SyncID: syncID}
	buf := make([]byte, params.EncodedLen())
	n, _ := params.Encode(buf)
	return s.ch.SetIovar(ctx, "escan", 0, iface, buf[:n])
}

func (s *Scanner) stopLocked() {
	s.mu.Lock()
	id := s.entryID
	s.running = false
	s.cb = nil
	s.mu.Unlock()
	s.disp.Deregister(id)
}

// ScanSynchronous runs a scan to completion and returns the accumulated
// results, sorted by RSSI descending (strongest signal first) and
// deduplicated by BSSID (keeping the strongest observation).
func (s *Scanner) ScanSynchronous(ctx context.Context, iface uint8, p Params) ([]Result, error) {
	done := make(chan struct{})
	var collected []Result
	err := s.Scan(ctx, iface, p, func(res *Result, reason ScanCompletionReason, isDone bool) {
		if res != nil {
			collected = append(collected, *res)
		}
		if isDone {
			close(done)
		}
	})
	if err != nil {
		return nil, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		s.StopScan(context.Background(), iface)
		return nil, ctx.Err()
	}
	return dedupeByBSSID(collected), nil
}

func dedupeByBSSID(in []Result) []Result {
	slices.SortFunc(in, func(a, b Result) int { return int(b.RSSI) - int(a.RSSI) })
	seen := make(map[[6]byte]bool, len(in))
	out := in[:0]
	for _, r := range in {
		if seen[r.BSSID] {
			continue
		}
		seen[r.BSSID] = true
		out = append(out, r)
	}
	return out
}

// handleEscanResult is the scan_events family handler: it parses the
// single BSS record carried by an EscanResult event and feeds it (or
// the terminal completion state) to the registered callback.
func (s *Scanner) handleEscanResult(hdr wire.EventHeader, payload []byte, _ any) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb == nil {
		return
	}

	switch hdr.Status {
	case wire.StatusSuccess:
		s.stopLocked()
		cb(nil, ScanCompletedSuccessfully, true)
		return
	case wire.StatusNewscan, wire.StatusNewassoc, wire.StatusAbort:
		s.stopLocked()
		cb(nil, ScanAborted, true)
		return
	case wire.StatusPartial:
		res, err := parseBSSInfo(payload)
		if err != nil {
			return // Drop the offending result; keep scanning.
		}
		if res.Flags.has(FlagRssiOffChannel) {
			return // Dropped by default; see parseBSSInfo.
		}
		cb(res, ScanIncomplete, false)
	}
}

// parseBSSInfo decodes one wl_bss_info record plus its IE blob into a
// Result, implementing the security/rate/country classification rules.
func parseBSSInfo(payload []byte) (*Result, error) {
	info, ies, err := wire.DecodeBSSInfo(payload)
	if err != nil {
		return nil, err
	}
	r := &Result{
		SSID:    string(info.SSID[:info.SSIDLength]),
		BSSID:   info.BSSID,
		RSSI:    info.RSSI,
		Channel: uint8(info.Chanspec),
		BSSType: wire.BSSTypeInfrastructure,
		Flags:   FlagBeacon,
	}
	if info.Chanspec&(1<<12) != 0 {
		r.Band = wire.Band5GHz
	}

	rsn := findIE(ies, ieRSN)
	wpa := findIE(ies, ieVendor, ouiWPA)
	switch {
	case rsn != nil:
		classifyRSN(rsn, r)
	case wpa != nil:
		classifyWPA(wpa, r)
	case info.Capability&capabilityPrivacy != 0:
		r.Security |= SecWEPPsk
	default:
		r.Security |= SecOpen
	}

	if rsnx := findIE(ies, ieRSNX); rsnx != nil && len(rsnx) > 0 && rsnx[0]&rsnxH2EBit != 0 {
		r.Security |= SecSaeH2e
		r.Flags |= FlagSaeH2e
	}

	if ht := findIE(ies, ieHTCapabilities); ht != nil {
		r.MaxDataRateKbps = htMaxRateKbps(ht)
	}

	if country := findIE(ies, ieCountry); country != nil && len(country) >= 2 {
		copy(r.CountryCode[:], country[:2])
		r.HasCountry = true
	}

	// A DSSS Parameter Set IE carries the channel the beacon's transmitter
	// claims to be on. If that disagrees with the channel firmware actually
	// received it on, the RSSI we measured leaked in from an adjacent
	// channel and doesn't describe the reported channel's conditions.
	if dsss := findIE(ies, ieDSSSParamSet); dsss != nil && len(dsss) >= 1 && dsss[0] != r.Channel {
		r.Flags |= FlagRssiOffChannel
	}

	return r, nil
}

const (
	ieSSID           = 0
	ieDSSSParamSet   = 3
	ieCountry        = 7
	ieHTCapabilities = 45
	ieRSN            = 48
	ieRSNX           = 244
	ieVendor         = 221

	capabilityPrivacy = 1 << 4
	rsnxH2EBit        = 1 << 5
)

var ouiWPA = [3]byte{0x00, 0x50, 0xf2}

// findIE walks the TLV-encoded IE blob looking for id, optionally
// further matching a 3-byte vendor OUI prefix for vendor-specific IEs.
func findIE(ies []byte, id byte, oui ...[3]byte) []byte {
	for i := 0; i+2 <= len(ies); {
		elemID, elemLen := ies[i], int(ies[i+1])
		start := i + 2
		end := start + elemLen
		if end > len(ies) {
			return nil
		}
		if elemID == id {
			body := ies[start:end]
			if id != ieVendor {
				return body
			}
			if len(oui) > 0 && len(body) >= 3 && [3]byte{body[0], body[1], body[2]} == oui[0] {
				return body
			}
		}
		i = end
	}
	return nil
}

// AKM suite selectors, OUI 00-0f-ac.
const (
	akmPSK       = 2
	akmPSKSha256 = 6
	akm8021X     = 1
	akmSAESha256 = 8
	akmFT8021X   = 3
	akmFTPSK     = 4
)

// Cipher suite selectors.
const (
	cipherTKIP = 2
	cipherCCMP = 4
)

// classifyRSN implements step 1 of the scan IE-walking rules: AKM
// suites set the headline security bits, cipher suites set the
// TKIP/AES-enabled bits.
func classifyRSN(rsn []byte, r *Result) {
	if len(rsn) < 8 {
		return
	}
	off := 2 // version
	groupCipher := rsn[off+3]
	off += 4
	classifyCipher(groupCipher, r)
	if off+2 > len(rsn) {
		return
	}
	nPairwise := int(wire.Order.Uint16(rsn[off : off+2]))
	off += 2
	for i := 0; i < nPairwise && off+4 <= len(rsn); i++ {
		classifyCipher(rsn[off+3], r)
		off += 4
	}
	if off+2 > len(rsn) {
		return
	}
	nAKM := int(wire.Order.Uint16(rsn[off : off+2]))
	off += 2
	for i := 0; i < nAKM && off+4 <= len(rsn); i++ {
		classifyAKM(rsn[off+3], r)
		off += 4
	}
}

func classifyCipher(suite byte, r *Result) {
	switch suite {
	case cipherTKIP:
		r.Security |= SecTKIPEnabled
	case cipherCCMP:
		r.Security |= SecAESEnabled
	}
}

func classifyAKM(suite byte, r *Result) {
	switch suite {
	case akmPSK:
		r.Security |= SecWPA2
	case akmPSKSha256:
		r.Security |= SecWPA2 | SecSha256
	case akmSAESha256:
		r.Security |= SecWPA3
	case akm8021X:
		r.Security |= SecWPA2 | SecEnterprise
	case akmFT8021X:
		r.Security |= SecWPA2 | SecEnterprise | SecFBT
	case akmFTPSK:
		r.Security |= SecWPA2 | SecFBT
	}
}

// classifyWPA implements step 2: the vendor WPA IE, decoded the same
// way as RSN but with an OUI+type prefix before the version field.
func classifyWPA(wpa []byte, r *Result) {
	r.Security |= SecWPA
	if len(wpa) < 4+6 {
		return
	}
	body := wpa[4:] // skip OUI(3)+type(1).
	off := 2        // version
	if off+4 > len(body) {
		return
	}
	classifyCipher(body[off+3], r)
	off += 4
	if off+2 > len(body) {
		return
	}
	nPairwise := int(wire.Order.Uint16(body[off : off+2]))
	off += 2
	for i := 0; i < nPairwise && off+4 <= len(body); i++ {
		classifyCipher(body[off+3], r)
		off += 4
	}
	if off+2 > len(body) {
		return
	}
	nAKM := int(wire.Order.Uint16(body[off : off+2]))
	off += 2
	for i := 0; i < nAKM && off+4 <= len(body); i++ {
		if body[off+3] == akm8021X {
			r.Security |= SecEnterprise
		}
		off += 4
	}
}

// mcsRateTable maps the highest set MCS index (0-7, single spatial
// stream) to its 20MHz-long-GI rate in kbps, per the 802.11n MCS table.
var mcsRateTable = [8]uint32{6500, 13000, 19500, 26000, 39000, 52000, 58500, 65000}

// htMaxRateKbps implements step 6: highest MCS bit, 40MHz and short-GI
// flags scale the base 20MHz rate.
func htMaxRateKbps(ht []byte) uint32 {
	if len(ht) < 3 {
		return 0
	}
	capsMask := wire.Order.Uint16(ht[0:2])
	const capSGI20 = 1 << 5
	const capSGI40 = 1 << 6
	const capWidth40 = 1 << 1

	mcsSet := ht[2]
	highest := -1
	for bit := 0; bit < 8; bit++ {
		if mcsSet&(1<<bit) != 0 {
			highest = bit
		}
	}
	if highest < 0 {
		return 0
	}
	rate := mcsRateTable[highest]
	if capsMask&capWidth40 != 0 {
		rate *= 2
		if capsMask&capSGI40 != 0 {
			rate = rate * 10 / 9
		}
	} else if capsMask&capSGI20 != 0 {
		rate = rate * 10 / 9
	}
	return rate
}
