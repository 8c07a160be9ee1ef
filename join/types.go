// Package join implements the connection state machine (spec component
// C5): scan, prepare, associate, authenticate, key-exchange and
// link-up, orchestrated by both command-channel responses and the
// asynchronous join-events routed through the event dispatcher.
package join

import (
	"time"

	"github.com/gowhd/whd/wire"
)

// Timing constants named directly from the join-attempt timing table.
const (
	DefaultJoinAttemptTimeout    = 9000 * time.Millisecond
	DefaultEapolKeyPacketTimeout = 2500 * time.Millisecond
	PrePMKDelay                  = time.Millisecond
	joinPollInterval             = DefaultJoinAttemptTimeout / 10
)

// Status is the per-interface join-status bitset C3 mutates and C5
// classifies after every join-semaphore wake.
type Status uint32

const (
	StatusAssociated       Status = 1 << 0
	StatusAuthenticated    Status = 1 << 1
	StatusLinkReady        Status = 1 << 2
	StatusSecurityComplete Status = 1 << 3
	StatusSsidSet          Status = 1 << 4
	StatusNoNetworks       Status = 1 << 5
	StatusEapolM1Timeout   Status = 1 << 6
	StatusEapolM3Timeout   Status = 1 << 7
	StatusEapolG1Timeout   Status = 1 << 8
	StatusEapolFailure     Status = 1 << 9
)

func (s Status) has(bits Status) bool { return s&bits == bits }

// terminalSuccess is the bit combination the table calls "all four set".
const terminalSuccess = StatusAuthenticated | StatusLinkReady | StatusSsidSet | StatusSecurityComplete

// OutcomeKind distinguishes the three shapes Classify can return.
type OutcomeKind uint8

const (
	OutcomeInProgress OutcomeKind = iota
	OutcomeSuccess
	OutcomeFailure
)

// Outcome is the result of classifying one JoinStatus observation.
type Outcome struct {
	Kind   OutcomeKind
	Reason string // set for InProgress, e.g. "NotKeyed", "NotAuthenticated".
	Err    error  // set for Failure.
}

func inProgress(reason string) Outcome { return Outcome{Kind: OutcomeInProgress, Reason: reason} }
func failure(err error) Outcome        { return Outcome{Kind: OutcomeFailure, Err: err} }

// Classify implements the JoinStatus transition table exactly: every
// bit combination the table names maps to the stated outcome; anything
// else is ErrInvalidJoinStatus.
func Classify(s Status) Outcome {
	switch {
	case s.has(StatusNoNetworks):
		return failure(wire.ErrNetworkNotFound)
	case s.has(terminalSuccess):
		return Outcome{Kind: OutcomeSuccess}
	case s.has(StatusAuthenticated | StatusLinkReady | StatusEapolM1Timeout):
		return failure(wire.ErrEapolKeyPacketM1Timeout)
	case s.has(StatusAuthenticated | StatusLinkReady | StatusEapolM3Timeout):
		return failure(wire.ErrEapolKeyPacketM3Timeout)
	case s.has(StatusAuthenticated | StatusLinkReady | StatusEapolG1Timeout):
		return failure(wire.ErrEapolKeyPacketG1Timeout)
	case s.has(StatusAuthenticated | StatusLinkReady | StatusEapolFailure):
		return failure(wire.ErrEapolKeyFailure)
	case s.has(StatusAuthenticated|StatusLinkReady) && s&StatusSecurityComplete == 0:
		return inProgress("NotKeyed")
	case s == StatusSecurityComplete:
		return inProgress("NotAuthenticated")
	case s == 0:
		return inProgress("NotAuthenticated")
	default:
		return failure(wire.ErrInvalidJoinStatus)
	}
}

// SecurityType names the authentication/cipher suite a join attempt
// requests, matching the wpa_auth mapping in the prepare step.
type SecurityType uint8

const (
	SecurityOpen SecurityType = iota
	SecurityWPS
	SecurityWEP
	SecurityWPATkipPsk
	SecurityWPA2AesPsk
	SecurityWPA2AesPskSha256
	SecurityWPA2Wpa3Psk
	SecurityWPA3Sae
	SecurityWPA3Wpa2Psk
	SecurityWPA2Enterprise
	SecurityWPA2EnterpriseFT
)

func (s SecurityType) isWPAFamily() bool {
	switch s {
	case SecurityWPATkipPsk, SecurityWPA2AesPsk, SecurityWPA2AesPskSha256,
		SecurityWPA2Wpa3Psk, SecurityWPA3Sae, SecurityWPA3Wpa2Psk,
		SecurityWPA2Enterprise, SecurityWPA2EnterpriseFT:
		return true
	}
	return false
}

func (s SecurityType) isSAE() bool {
	return s == SecurityWPA3Sae || s == SecurityWPA3Wpa2Psk
}

// wpaAuth maps a SecurityType to the wpa_auth IOCTL value per the
// prepare step's mapping table.
func (s SecurityType) wpaAuth() uint32 {
	const (
		wpaAuthDisabled  = 0x0000
		wpaAuthPSK       = 0x0004
		wpaAuthPSKSha256 = 0x0080
		wpaAuthSAEPsk    = 0x0040
		wpaAuthUnspec    = 0x0008
		wpaAuthFTBit     = 0x4000
	)
	switch s {
	case SecurityOpen, SecurityWPS:
		return wpaAuthDisabled
	case SecurityWPATkipPsk, SecurityWPA2AesPsk, SecurityWPA2Wpa3Psk:
		return wpaAuthPSK
	case SecurityWPA2AesPskSha256:
		return wpaAuthPSKSha256
	case SecurityWPA3Sae, SecurityWPA3Wpa2Psk:
		return wpaAuthSAEPsk
	case SecurityWPA2Enterprise:
		return wpaAuthUnspec
	case SecurityWPA2EnterpriseFT:
		return wpaAuthUnspec | wpaAuthFTBit
	default:
		return wpaAuthDisabled
	}
}

// MFPPolicy is the wire value the prepare step programs for "mfp".
type MFPPolicy uint8

const (
	MFPNone     MFPPolicy = 0
	MFPCapable  MFPPolicy = 1
	MFPRequired MFPPolicy = 2
)

// mfpFor implements the prepare step's MFP-per-security rule.
func mfpFor(s SecurityType, saved MFPPolicy) MFPPolicy {
	switch {
	case s == SecurityWPA3Sae:
		return MFPRequired
	case s == SecurityWPA3Wpa2Psk, s == SecurityWPA2AesPsk, s == SecurityWPA2AesPskSha256,
		s == SecurityWPA2Wpa3Psk, s == SecurityWPA2Enterprise, s == SecurityWPA2EnterpriseFT:
		return MFPCapable
	default:
		return saved
	}
}

// BSSType distinguishes infrastructure from adhoc targets; only
// Infrastructure is supported (see ErrUnsupported usage in Machine.Join).
type BSSType = wire.BSSType

// Parameters are the ephemeral inputs to one join attempt.
type Parameters struct {
	SSID       string
	BSSID      *[6]byte // nil: firmware chooses.
	Channel    uint8    // 0: full-channel assoc-scan.
	Band       wire.Band
	Security   SecurityType
	Passphrase string
	PMK        []byte
	SAEPassword string
	BSSType    BSSType
}

func (p Parameters) validate() error {
	if len(p.SSID) == 0 || len(p.SSID) > 32 {
		return wire.ErrBadSSIDLength
	}
	if p.BSSID != nil && *p.BSSID == ([6]byte{}) {
		return wire.ErrBadBSSID
	}
	if p.Passphrase != "" && (len(p.Passphrase) < 8 || len(p.Passphrase) > 64) {
		return wire.ErrBadKeyLength
	}
	if len(p.PMK) != 0 && len(p.PMK) != 32 && len(p.PMK) != 48 {
		return wire.ErrBadPMKLength
	}
	if len(p.SAEPassword) > wire.WSECMaxSAEPasswordLen {
		return wire.ErrBadKeyLength
	}
	return nil
}
