package wire

import "errors"

// EventType identifies an asynchronous firmware event. Values match the
// long-standing firmware event ABI; new events are appended, never
// renumbered.
type EventType uint32

// Event types relevant to station join, scan, SAE external auth and ICMP
// echo telemetry — the four handler families the event dispatcher
// maintains. The full firmware event space is much larger; only the
// events the core subsystem acts on are named here.
const (
	EvSetSSID      EventType = 0
	EvJoin         EventType = 1
	EvStart        EventType = 2
	EvAuth         EventType = 3
	EvAuthInd      EventType = 4
	EvDeauth       EventType = 5
	EvDeauthInd    EventType = 6
	EvAssoc        EventType = 7
	EvAssocInd     EventType = 8
	EvReassoc      EventType = 9
	EvReassocInd   EventType = 10
	EvDisassoc     EventType = 11
	EvDisassocInd  EventType = 12
	EvLink           EventType = 16
	EvPSKSup         EventType = 46
	EvEscanResult    EventType = 69
	EvCSACompleteInd EventType = 80
	EvCSAStartInd    EventType = 121
	EvCSADoneInd     EventType = 122
	EvCSAFailInd     EventType = 123
	EvExtAuthReq     EventType = 187
	EvExtAuthFrameRx EventType = 188
	EvICMPEchoReq    EventType = 190
)

// Status is the status field carried in an event message.
type Status uint32

const (
	StatusSuccess    Status = 0
	StatusFail       Status = 1
	StatusTimeout    Status = 2
	StatusNoNetworks Status = 3
	StatusAbort      Status = 4
	StatusNoAck      Status = 5
	StatusUnsolicited Status = 6
	StatusAttempt     Status = 7
	StatusPartial     Status = 8
	StatusNewscan     Status = 9
	StatusNewassoc    Status = 10

	// WLC_SUP_* supplicant states, carried in EvPSKSup's status field
	// (a separate enum space from the generic WLC_E_STATUS_* values
	// above, but the same wire field).
	StatusKeyed               Status = 6
	StatusKeyxchangeWaitM1    Status = 9
	StatusKeyxchangeWaitM3    Status = 11
	StatusKeyxchangeWaitG1    Status = 13
)

// Reason is the reason field carried in an event message. Meaning is
// event-type dependent; ReasonPskTimeout is the one the join state
// machine inspects directly, alongside EvPSKSup's status field.
type Reason uint32

const (
	ReasonNone       Reason = 0
	ReasonPskTimeout Reason = 4
)

// EventHeaderLen is the fixed size of an event header, before its
// datalen bytes of opaque payload.
const EventHeaderLen = 24

// EventHeader is the fixed header firmware prefixes every asynchronous
// event message with.
type EventHeader struct {
	EventType EventType
	Status    Status
	Reason    Reason
	Flags     uint16
	BSSIndex  uint8
	IfIndex   uint8
	DataLen   uint16
}

var errEventTooShort = errors.New("whd: event frame shorter than header")

// DecodeEventHeader parses the fixed header out of buf and returns the
// remaining opaque payload.
func DecodeEventHeader(buf []byte) (hdr EventHeader, payload []byte, err error) {
	if len(buf) < EventHeaderLen {
		return hdr, nil, errEventTooShort
	}
	hdr.EventType = EventType(Order.Uint32(buf[0:4]))
	hdr.Status = Status(Order.Uint32(buf[4:8]))
	hdr.Reason = Reason(Order.Uint32(buf[8:12]))
	hdr.Flags = Order.Uint16(buf[12:14])
	hdr.BSSIndex = buf[14]
	hdr.IfIndex = buf[15]
	hdr.DataLen = Order.Uint16(buf[16:18])
	total := EventHeaderLen + int(hdr.DataLen)
	if len(buf) < total {
		return hdr, nil, errEventTooShort
	}
	return hdr, buf[EventHeaderLen:total], nil
}

// Encode serializes hdr and payload back onto the wire; used by tests and
// the simulated bus to manufacture event frames.
func (h EventHeader) Encode(payload []byte) []byte {
	h.DataLen = uint16(len(payload))
	buf := make([]byte, EventHeaderLen+len(payload))
	Order.PutUint32(buf[0:4], uint32(h.EventType))
	Order.PutUint32(buf[4:8], uint32(h.Status))
	Order.PutUint32(buf[8:12], uint32(h.Reason))
	Order.PutUint16(buf[12:14], h.Flags)
	buf[14] = h.BSSIndex
	buf[15] = h.IfIndex
	Order.PutUint16(buf[16:18], h.DataLen)
	copy(buf[EventHeaderLen:], payload)
	return buf
}
