package join

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gowhd/whd/chip"
	"github.com/gowhd/whd/cmdchan"
	"github.com/gowhd/whd/event"
	"github.com/gowhd/whd/power"
	"github.com/gowhd/whd/wire"
)

// Machine runs the connection state machine for one Interface. One
// Machine per interface; every Interface of a Driver shares the
// underlying Channel, Dispatcher and Interlock.
type Machine struct {
	ch   *cmdchan.Channel
	disp *event.Dispatcher
	in   *power.Interlock
	ops  chip.Ops
	log  *slog.Logger

	iface uint8

	// activeJoin serializes join/leave on this interface for the whole
	// attempt (prepare through cleanup): see the concurrency decision
	// recorded for this interface's Leave method.
	activeJoin sync.Mutex

	statusMu sync.Mutex
	status   Status

	// wake is signaled every time status is mutated (setStatus, orStatus,
	// clearStatus, updateStatus); waitForComplete polls it with a bounded
	// per-iteration timeout per the join-semaphore wait design.
	wake chan struct{}

	savedMFP MFPPolicy

	// OnChannelSwitch, if set, is invoked whenever a CsaCompleteInd
	// event is delivered while this machine holds its join handlers.
	OnChannelSwitch func(wire.ChanSwitch)
}

// New returns a Machine for iface, sharing ch/disp/in with the rest of
// the driver.
func New(iface uint8, ch *cmdchan.Channel, disp *event.Dispatcher, in *power.Interlock, ops chip.Ops, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{iface: iface, ch: ch, disp: disp, in: in, ops: ops, log: log, wake: make(chan struct{}, 1)}
}

func (m *Machine) setStatus(s Status) {
	m.statusMu.Lock()
	m.status = s
	m.statusMu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Machine) orStatus(bits Status) {
	m.statusMu.Lock()
	m.status |= bits
	m.statusMu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Machine) getStatus() Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status
}

// CurrentOutcome classifies the interface's JoinStatus right now,
// without waiting on the join semaphore. This is what
// is_ready_to_transceive reduces to for a station role.
func (m *Machine) CurrentOutcome() Outcome {
	return Classify(m.getStatus())
}

// Join runs one full attempt: Prepare, Associate, WaitForComplete,
// Cleanup, always, regardless of outcome.
func (m *Machine) Join(ctx context.Context, p Parameters) (Outcome, error) {
	if err := p.validate(); err != nil {
		return Outcome{}, err
	}
	if p.BSSType == wire.BSSTypeAdhoc {
		return Outcome{}, wire.ErrUnsupported
	}

	m.activeJoin.Lock()
	defer m.activeJoin.Unlock()

	release, err := m.in.Acquire(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("join: acquiring wake lock: %w", err)
	}
	defer release()

	var joinIDs []event.EntryID
	defer func() { m.cleanup(joinIDs) }()

	joinIDs, err = m.prepare(ctx, p)
	if err != nil {
		return Outcome{}, err
	}

	if err := m.associate(ctx, p); err != nil {
		return Outcome{}, err
	}

	outcome := m.waitForComplete(ctx)
	if outcome.Kind != OutcomeSuccess {
		m.leaveLocked(context.Background())
	}
	return outcome, nil
}

// JoinSpecific runs a join attempt against one already-discovered BSS,
// pinning SSID/BSSID/channel/band/bss-type from a prior scan Result
// instead of letting firmware pick among every AP advertising res.SSID.
// key carries only the security type and secret material (Passphrase/
// PMK/SAEPassword); its SSID/BSSID/Channel/Band/BSSType fields are
// overwritten from res. A zero BSSID in res (the caller has no specific
// BSS to pin to) is rejected by the same validate() check Join runs,
// before any bus traffic.
func (m *Machine) JoinSpecific(ctx context.Context, res Result, key Parameters) (Outcome, error) {
	bssid := res.BSSID
	key.SSID = res.SSID
	key.BSSID = &bssid
	key.Channel = res.Channel
	key.Band = res.Band
	key.BSSType = res.BSSType
	return m.Join(ctx, key)
}

// prepare implements the 14-step sequence (spec §4.5). Steps are
// numbered in their comments to match the design doc 1:1.
func (m *Machine) prepare(ctx context.Context, p Parameters) ([]event.EntryID, error) {
	// 1. Clear per-interface join-status.
	m.setStatus(0)

	// 2. If not Open, read and save the current MFP setting.
	if p.Security != SecurityOpen {
		if v, err := m.ch.GetIovar(ctx, "mfp", 0, m.iface, 1); err == nil && len(v) > 0 {
			m.savedMFP = MFPPolicy(v[0])
		}
	}

	// 3. Set wireless-security type via IOCTL (wsec).
	if err := m.ch.SetIoctl(ctx, wire.CmdSetWSEC, m.iface, encodeU32(securityWsec(p.Security))); err != nil {
		return nil, err
	}

	// 4. Enable firmware roaming by default.
	roamOff := uint32(0)
	if p.Security.isSAE() && !m.ops.SAECapable {
		// 9 (folded in early): external supplicant restriction — no sae
		// capability means roaming must stay disabled for SAE-family
		// security.
		roamOff = 1
	}
	if err := cmdchan.UnsupportedContinue(m.ch.SetIovar(ctx, "roam_off", 0, m.iface, encodeU32(roamOff))); err != nil {
		return nil, err
	}

	// 5. 43022 errata: explicit wpa_auth/wsec via bsscfg prefix + group
	// key rotation WOWL bit.
	if p.Security == SecurityWPATkipPsk && m.ops.Errata43022GroupKeyRotation {
		if err := cmdchan.UnsupportedContinue(m.ch.SetIovar(ctx, "bsscfg:wpa_auth", 0, m.iface, encodeU32(p.Security.wpaAuth()))); err != nil {
			return nil, err
		}
		if err := cmdchan.UnsupportedContinue(m.ch.SetIovar(ctx, "bsscfg:wsec", 0, m.iface, encodeU32(securityWsec(p.Security)))); err != nil {
			return nil, err
		}
		const wowlGroupKeyRotBit = 1 << 4
		if err := cmdchan.UnsupportedContinue(m.ch.SetIovar(ctx, "wowl", 0, m.iface, encodeU32(wowlGroupKeyRotBit))); err != nil {
			return nil, err
		}
	}

	// 6. Enable the supplicant for WPA/WPA2/WPA3.
	if p.Security.isWPAFamily() {
		if err := cmdchan.UnsupportedContinue(m.ch.SetIovar(ctx, "bsscfg:sup_wpa", 0, m.iface, encodeU32(1))); err != nil {
			return nil, err
		}
	}

	// 7. Set EAPOL version = -1 (follow AP).
	if err := cmdchan.UnsupportedContinue(m.ch.SetIovar(ctx, "eapol_version", 0, m.iface, encodeU32(0xffffffff))); err != nil {
		return nil, err
	}

	// 8. Install passphrase/PMK/SAE-password with a >=1ms pre-delay.
	if err := m.installKeyMaterial(ctx, p); err != nil {
		return nil, err // fatal, per partial-failure policy.
	}

	// 9. EAPOL timeout for SAE-family security (roaming restriction
	// already applied above at step 4).
	if p.Security.isSAE() {
		timeoutMs := uint32(DefaultEapolKeyPacketTimeout / time.Millisecond)
		cmdchan.UnsupportedContinue(m.ch.SetIovar(ctx, "eapol_key_timeout", 0, m.iface, encodeU32(timeoutMs)))
	}

	// 10. Set infrastructure vs IBSS mode.
	infra := uint32(1)
	if p.BSSType == wire.BSSTypeAdhoc {
		infra = 0
	}
	if err := m.ch.SetIoctl(ctx, wire.CmdSetInfra, m.iface, encodeU32(infra)); err != nil {
		return nil, err
	}

	// 11. Set authentication algorithm.
	authAlgo := uint32(0) // Open.
	if p.Security.isSAE() {
		authAlgo = 3 // SAE.
	}
	if err := m.ch.SetIoctl(ctx, wire.CmdSetAuth, m.iface, encodeU32(authAlgo)); err != nil {
		return nil, err
	}

	// 12. Set MFP per security.
	mfp := mfpFor(p.Security, m.savedMFP)
	if err := cmdchan.UnsupportedContinue(m.ch.SetIovar(ctx, "mfp", 0, m.iface, []byte{byte(mfp)})); err != nil {
		// Per partial-failure policy: MFP IOVAR failure is logged and
		// ignored on older chips, not fatal.
		m.log.Warn("join:prepare mfp set failed, continuing", slog.String("err", err.Error()))
	}

	// 13. Set wpa_auth per the mapping. Open/WPS networks never run a
	// 4-way handshake, so mark the security leg complete here rather
	// than waiting on an EvPSKSup that will never arrive.
	if err := m.ch.SetIoctl(ctx, wire.CmdSetWPAAuth, m.iface, encodeU32(p.Security.wpaAuth())); err != nil {
		return nil, err
	}
	if p.Security == SecurityOpen || p.Security == SecurityWPS {
		m.orStatus(StatusSecurityComplete)
	}

	// 14. Register the join-event handler.
	ids, err := m.disp.RegisterFamily(m.iface, event.JoinEvents, m.handleJoinEvent, nil)
	if err != nil {
		return nil, fmt.Errorf("join: registering join events: %w", wire.Join("unfinished", err))
	}
	return ids, nil
}

// installKeyMaterial implements prepare step 8.
func (m *Machine) installKeyMaterial(ctx context.Context, p Parameters) error {
	switch {
	case len(p.PMK) != 0:
		pmk := wire.WSECPMK{Length: uint16(len(p.PMK)), Flags: 1}
		copy(pmk.Passphrase[:], p.PMK)
		return m.sendPMK(ctx, pmk)
	case p.SAEPassword != "":
		sae := wire.WSECSAEPassword{Length: uint16(len(p.SAEPassword))}
		copy(sae.Password[:], p.SAEPassword)
		buf := make([]byte, 2+wire.WSECMaxSAEPasswordLen)
		if err := sae.Encode(buf); err != nil {
			return err
		}
		time.Sleep(PrePMKDelay)
		return m.ch.SetIovar(ctx, "sae_password", 0, m.iface, buf)
	case p.Passphrase != "":
		pmk := wire.WSECPMK{Length: uint16(len(p.Passphrase)), Flags: 1}
		copy(pmk.Passphrase[:], p.Passphrase)
		return m.sendPMK(ctx, pmk)
	default:
		return nil // Open network: nothing to install.
	}
}

func (m *Machine) sendPMK(ctx context.Context, pmk wire.WSECPMK) error {
	buf := make([]byte, 4+64)
	if err := pmk.Encode(buf); err != nil {
		return err
	}
	time.Sleep(PrePMKDelay)
	return m.ch.SetIoctl(ctx, wire.CmdSetWSECPMK, m.iface, buf)
}

// associate issues the join IOVAR, falling back to the SetSsid IOCTL
// when firmware reports it unsupported.
func (m *Machine) associate(ctx context.Context, p Parameters) error {
	cs := wire.NewChanspec(p.Channel, p.Band)
	params := wire.ExtJoinParams{
		SSIDLength: uint8(len(p.SSID)),
		ScanType:   0,
		NProbes:    -1,
		ActiveTime: -1, PassiveTime: -1, HomeTime: -1,
		Chanspecs: []wire.Chanspec{cs},
	}
	copy(params.SSID[:], p.SSID)
	if p.BSSID != nil {
		params.BSSID = *p.BSSID
	}
	buf := make([]byte, params.EncodedLen())
	n, err := params.Encode(buf)
	if err != nil {
		return err
	}
	err = m.ch.SetIovar(ctx, "join", 0, m.iface, buf[:n])
	if err == nil {
		return nil
	}
	if !errors.Is(err, wire.ErrWlanUnsupported) {
		return err
	}
	// Fallback: plain SetSsid IOCTL. Either path's actual SSID-set
	// confirmation arrives asynchronously as an EvSetSSID event, not
	// from this call's success.
	ssidBuf := make([]byte, 33)
	ssidBuf[0] = uint8(len(p.SSID))
	copy(ssidBuf[1:], p.SSID)
	return m.ch.SetIoctl(ctx, wire.CmdSetSSID, m.iface, ssidBuf)
}

// waitForComplete blocks on the join semaphore, checking JoinStatus
// after every wake, with a per-iteration timeout of
// DefaultJoinAttemptTimeout/10 and a total budget of
// DefaultJoinAttemptTimeout. Only a Success classification ends the wait
// early: events arrive one at a time, so most wakes land on a status
// combination the table doesn't name (e.g. SecurityComplete and SsidSet
// set but Link/Auth not yet); these are not failures, just not done yet.
// On timeout Classify's last result is returned as-is, named or not, and
// Join leaves unconditionally whenever it isn't Success.
func (m *Machine) waitForComplete(ctx context.Context) Outcome {
	deadline := time.Now().Add(DefaultJoinAttemptTimeout)
	for {
		select {
		case <-m.wake:
		case <-time.After(joinPollInterval):
		case <-ctx.Done():
			return failure(ctx.Err())
		}
		outcome := Classify(m.getStatus())
		if outcome.Kind == OutcomeSuccess || time.Now().After(deadline) {
			return outcome
		}
	}
}

// cleanup always releases the join-event registrations; it does not
// touch status. The active-join mutex and wake lock are released by
// Join's own defers.
func (m *Machine) cleanup(ids []event.EntryID) {
	m.disp.DeregisterFamily(ids)
}

// Leave serializes against any in-flight Join on this interface (the
// concurrency decision recorded for this subsystem): it blocks on the
// same active-join mutex Join holds for the whole attempt, so "leave
// during prepare" waits rather than racing.
func (m *Machine) Leave(ctx context.Context) error {
	m.activeJoin.Lock()
	defer m.activeJoin.Unlock()
	return m.leaveLocked(ctx)
}

func (m *Machine) leaveLocked(ctx context.Context) error {
	err := m.ch.SetIoctl(ctx, wire.CmdDisassoc, m.iface, nil)
	m.setStatus(0)
	return err
}

// handleJoinEvent is the join_events family handler: SetSsid, Link,
// Auth, DeauthInd, DisassocInd, PskSup, CsaCompleteInd all mutate
// JoinStatus.
func (m *Machine) handleJoinEvent(hdr wire.EventHeader, payload []byte, _ any) {
	switch hdr.EventType {
	case wire.EvSetSSID:
		switch hdr.Status {
		case wire.StatusSuccess:
			m.orStatus(StatusSsidSet)
		case wire.StatusNoNetworks:
			// Don't bail out on this event, or features like WPS won't
			// work while the AP is rebooting after configuration.
			m.orStatus(StatusNoNetworks)
		}
	case wire.EvLink:
		if hdr.Status == wire.StatusSuccess {
			m.orStatus(StatusLinkReady | StatusAssociated)
		} else {
			m.clearStatus(StatusLinkReady)
		}
	case wire.EvAuth:
		if hdr.Status == wire.StatusSuccess {
			m.orStatus(StatusAuthenticated)
		}
	case wire.EvDeauthInd, wire.EvDisassocInd:
		m.clearStatus(StatusLinkReady | StatusAuthenticated)
	case wire.EvPSKSup:
		if !m.getStatus().has(StatusLinkReady) {
			return // ignore key-exchange events before link is up.
		}
		if hdr.Status == wire.StatusKeyed {
			m.updateStatus(securityFlagsMask, StatusSecurityComplete)
			return
		}
		switch {
		case hdr.Status == wire.StatusKeyxchangeWaitM1 && hdr.Reason == wire.ReasonPskTimeout:
			// A timeout waiting for M1 may occur at the edge of the cell
			// or if the AP is particularly slow.
			m.orStatus(StatusEapolM1Timeout)
		case hdr.Status == wire.StatusKeyxchangeWaitM3 && hdr.Reason == wire.ReasonPskTimeout:
			// A timeout waiting for M3 is an indicator that the
			// passphrase may be incorrect.
			m.orStatus(StatusEapolM3Timeout)
		case hdr.Status == wire.StatusKeyxchangeWaitG1 && hdr.Reason == wire.ReasonPskTimeout:
			// A timeout waiting for G1 (group key) may occur at the
			// edge of the cell.
			m.orStatus(StatusEapolG1Timeout)
		default:
			m.orStatus(StatusEapolFailure)
		}
	case wire.EvCSACompleteInd:
		if m.OnChannelSwitch == nil {
			return
		}
		cs, err := wire.DecodeChanSwitch(payload)
		if err == nil {
			m.OnChannelSwitch(cs)
		}
	}
}

func (m *Machine) clearStatus(bits Status) {
	m.statusMu.Lock()
	m.status &^= bits
	m.statusMu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// updateStatus atomically clears clearBits then sets setBits, for
// transitions that must not be observed as two separate status updates.
func (m *Machine) updateStatus(clearBits, setBits Status) {
	m.statusMu.Lock()
	m.status = (m.status &^ clearBits) | setBits
	m.statusMu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// securityFlagsMask mirrors the original driver's JOIN_SECURITY_FLAGS_MASK:
// a successful key exchange clears any EAPOL timeout/failure bits left
// over from a prior retry before marking security complete.
const securityFlagsMask = StatusSecurityComplete | StatusEapolM1Timeout | StatusEapolM3Timeout | StatusEapolG1Timeout | StatusEapolFailure

// securityWsec maps a SecurityType to the wsec IOCTL's cipher bitmask.
func securityWsec(s SecurityType) uint32 {
	const (
		wsecNone = 0
		wsecWEP  = 1
		wsecTKIP = 2
		wsecAES  = 4
	)
	switch s {
	case SecurityOpen, SecurityWPS:
		return wsecNone
	case SecurityWEP:
		return wsecWEP
	case SecurityWPATkipPsk:
		return wsecTKIP
	default:
		return wsecAES
	}
}

func encodeU32(v uint32) []byte {
	buf := make([]byte, 4)
	wire.Order.PutUint32(buf, v)
	return buf
}
