package event

import "github.com/gowhd/whd/wire"

// JoinEvents is the fixed set of event types whose delivery mutates
// join.Machine's JoinStatus bitset.
var JoinEvents = []wire.EventType{
	wire.EvSetSSID,
	wire.EvLink,
	wire.EvAuth,
	wire.EvDeauthInd,
	wire.EvDisassocInd,
	wire.EvPSKSup,
	wire.EvCSACompleteInd,
}

// ScanEvents is the fixed set of event types carrying scan results.
var ScanEvents = []wire.EventType{
	wire.EvEscanResult,
}

// AuthEvents is the fixed set of event types carrying SAE
// external-supplicant material.
var AuthEvents = []wire.EventType{
	wire.EvExtAuthReq,
	wire.EvExtAuthFrameRx,
}

// ICMPEchoReqEvents is the fixed set of event types carrying ping
// telemetry.
var ICMPEchoReqEvents = []wire.EventType{
	wire.EvICMPEchoReq,
}

// RegisterFamily subscribes fn to every event type in family on iface,
// returning the entry id for each in the same order. If registering any
// member fails (table full), every id already registered for this call
// is rolled back so a family is never left partially subscribed.
func (d *Dispatcher) RegisterFamily(iface uint8, family []wire.EventType, fn HandlerFunc, userData any) ([]EntryID, error) {
	ids := make([]EntryID, 0, len(family))
	for _, ev := range family {
		id, err := d.Register(iface, ev, fn, userData)
		if err != nil {
			for _, already := range ids {
				d.Deregister(already)
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DeregisterFamily removes every id in ids, idempotently.
func (d *Dispatcher) DeregisterFamily(ids []EntryID) {
	for _, id := range ids {
		d.Deregister(id)
	}
}
