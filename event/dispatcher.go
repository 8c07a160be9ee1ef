// Package event implements the asynchronous event dispatcher (spec
// component C3): routing of firmware-initiated event frames to
// per-(interface, event type) registered handlers.
package event

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/gowhd/whd/wire"
)

// HandlerFunc processes one delivered event. Handlers must not block on
// the command channel: doing so would deadlock against the command
// mutex, since the same receive loop that calls HandlerFunc also feeds
// the command channel's response slot.
type HandlerFunc func(hdr wire.EventHeader, payload []byte, userData any)

// EntryID is the stable identifier Register returns, used later to
// Deregister the same handler.
type EntryID uint32

// Subscription names one live (interface, event type) registration.
type Subscription struct {
	Interface uint8
	EventType wire.EventType
}

type key = Subscription

type entry struct {
	id       EntryID
	fn       HandlerFunc
	userData any
}

// DefaultCapacity bounds the number of live registrations a Dispatcher
// accepts before Register fails with wire.ErrTooManySubscriptions.
const DefaultCapacity = 64

// Dispatcher holds the registration table and routes decoded event
// frames to it. One Dispatcher is shared by every Interface of a
// Driver.
type Dispatcher struct {
	mu       sync.Mutex
	table    map[key][]entry
	byID     map[EntryID]key
	nextID   EntryID
	capacity int
	count    int
	log      *slog.Logger
}

// New returns a Dispatcher accepting up to capacity live registrations.
// A capacity of 0 selects DefaultCapacity.
func New(capacity int, log *slog.Logger) *Dispatcher {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		table:    make(map[key][]entry),
		byID:     make(map[EntryID]key),
		capacity: capacity,
		log:      log,
	}
}

// Register subscribes fn to events of type ev arriving on iface,
// returning a stable id for later Deregister. Fails with
// wire.ErrTooManySubscriptions once capacity registrations are live.
func (d *Dispatcher) Register(iface uint8, ev wire.EventType, fn HandlerFunc, userData any) (EntryID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count >= d.capacity {
		return 0, wire.ErrTooManySubscriptions
	}
	d.nextID++
	id := d.nextID
	k := key{iface, ev}
	d.table[k] = append(d.table[k], entry{id: id, fn: fn, userData: userData})
	d.byID[id] = k
	d.count++
	return id, nil
}

// Deregister removes the handler registered under id. Idempotent:
// deregistering an id that is no longer (or never was) registered is a
// no-op, matching the spec's requirement that double-deregistration
// not be an error.
func (d *Dispatcher) Deregister(id EntryID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.byID[id]
	if !ok {
		return
	}
	delete(d.byID, id)
	handlers := d.table[k]
	idx := slices.IndexFunc(handlers, func(e entry) bool { return e.id == id })
	if idx < 0 {
		return
	}
	handlers = slices.Delete(handlers, idx, idx+1)
	if len(handlers) == 0 {
		delete(d.table, k)
	} else {
		d.table[k] = handlers
	}
	d.count--
}

// Dispatch decodes and routes one event frame. Events for a given
// interface are delivered in the order Dispatch is called for them;
// the caller (the driver's receive loop) is responsible for calling
// Dispatch once per frame in firmware-send order.
func (d *Dispatcher) Dispatch(frame []byte) error {
	hdr, payload, err := wire.DecodeEventHeader(frame)
	if err != nil {
		return fmt.Errorf("event: decoding frame: %w", err)
	}
	d.mu.Lock()
	handlers := append([]entry(nil), d.table[key{hdr.IfIndex, hdr.EventType}]...)
	d.mu.Unlock()
	if len(handlers) == 0 {
		d.log.Debug("event:unsubscribed", slog.Uint64("type", uint64(hdr.EventType)), slog.Int("iface", int(hdr.IfIndex)))
		return nil
	}
	for _, h := range handlers {
		h.fn(hdr, payload, h.userData)
	}
	return nil
}

// Subscriptions returns every (interface, event type) pair with at
// least one live handler, for diagnostics.
func (d *Dispatcher) Subscriptions() []Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Keys(d.table)
}

// Count returns the number of live registrations.
func (d *Dispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}
