package wire

import "errors"

// Error taxonomy. Each member is a distinct surfaced kind per the error
// handling design: bad argument, resource exhaustion, state, protocol,
// and bus/timing errors. Callers compare with errors.Is.
var (
	// Bad argument.
	ErrBadSSIDLength = errors.New("whd: ssid length out of range")
	ErrBadKeyLength  = errors.New("whd: key length out of range")
	ErrBadPMKLength  = errors.New("whd: pmk length must be 32 or 48 bytes")
	ErrNilHandle     = errors.New("whd: nil handle")
	ErrBadLength     = errors.New("whd: named variable plus payload overruns iovar buffer")
	ErrBadBSSID      = errors.New("whd: all-zero bssid")

	// Resource exhaustion.
	ErrBufferAllocFail        = errors.New("whd: buffer pool allocation failed")
	ErrMalloc                 = errors.New("whd: allocation failed")
	ErrTooManySubscriptions   = errors.New("whd: event subscription table full")
	ErrNoResourcesForPmkidCache = errors.New("whd: no resources for pmkid cache")

	// State.
	ErrInterfaceNotUp  = errors.New("whd: interface not up")
	ErrNotAssociated   = errors.New("whd: not associated")
	ErrInvalidJoinStatus = errors.New("whd: invalid join status combination")
	ErrInvalidInterface = errors.New("whd: invalid interface")
	ErrInvalidRole      = errors.New("whd: invalid role")

	// Protocol.
	ErrUnknownSecurityType    = errors.New("whd: unknown security type")
	ErrWepNotAllowed          = errors.New("whd: wep not allowed")
	ErrInvalidKey             = errors.New("whd: invalid key")
	ErrWlanUnsupported        = errors.New("whd: firmware reported unsupported")
	ErrNetworkNotFound        = errors.New("whd: network not found")
	ErrNotAuthenticated       = errors.New("whd: not authenticated")
	ErrNotKeyed               = errors.New("whd: not keyed")
	ErrJoinInProgress         = errors.New("whd: join already in progress")
	ErrEapolKeyPacketM1Timeout = errors.New("whd: eapol M1 timeout")
	ErrEapolKeyPacketM3Timeout = errors.New("whd: eapol M3 timeout")
	ErrEapolKeyPacketG1Timeout = errors.New("whd: eapol G1 timeout")
	ErrEapolKeyFailure         = errors.New("whd: eapol key failure")

	// Bus/timing.
	ErrIoctlFail          = errors.New("whd: ioctl failed")
	ErrIoctlTimeout       = errors.New("whd: ioctl timeout")
	ErrBusUpFail          = errors.New("whd: bus failed to wake")
	ErrBadTxId            = errors.New("whd: response tx id mismatch")
	ErrCoreInReset        = errors.New("whd: core in reset")
	ErrCoreClockNotEnabled = errors.New("whd: core clock not enabled")
	ErrPartialResults     = errors.New("whd: partial results")
	ErrFilterNotFound     = errors.New("whd: filter not found")

	// Unsupported is returned by chip/path combinations the spec's
	// redesign flags or Non-goals explicitly exclude (e.g. the ADHOC
	// join path).
	ErrUnsupported = errors.New("whd: unsupported")
)

// Join joins msg and cause into a single error without adopting a
// dependency the teacher never reaches for: errors.Join already does
// what a bespoke helper would.
func Join(msg string, cause error) error {
	if cause == nil {
		return errors.New(msg)
	}
	return errors.Join(errors.New(msg), cause)
}
