// Package events delivers room notifications to subscribers. Handlers run
// synchronously on the goroutine that publishes, in publish order.
package events

import (
	"sync"

	"github.com/alexjbarnes/roomsync/internal/value"
)

// Kind names an event stream.
type Kind string

const (
	KindStatus         Kind = "status"
	KindPresence       Kind = "presence"
	KindOthers         Kind = "others"
	KindStorage        Kind = "storage"
	KindBroadcast      Kind = "broadcast"
	KindError          Kind = "error"
	KindLostConnection Kind = "lost_connection"
	KindHistory        Kind = "history"
)

// Event is implemented by every payload published on a Bus.
type Event interface {
	Kind() Kind
}

// StatusChanged reports a connection state transition.
type StatusChanged struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// PresenceChanged reports a new presence value for one actor. Self is set
// for the local actor's own optimistic updates.
type PresenceChanged struct {
	Actor    int         `json:"actor"`
	Self     bool        `json:"self,omitempty"`
	Presence value.Value `json:"presence"`
}

// OthersChange values.
const (
	Entered = "entered"
	Left    = "left"
)

// OthersChanged reports an actor entering or leaving the room.
type OthersChanged struct {
	Change string      `json:"change"`
	Actor  int         `json:"actor"`
	UserID string      `json:"user_id,omitempty"`
	Info   value.Value `json:"info"`
}

// StorageChanged lists the node ids whose content changed. Local is set
// when the change came from this actor's own mutation.
type StorageChanged struct {
	Nodes []string `json:"nodes"`
	Local bool     `json:"local,omitempty"`
}

// BroadcastReceived carries a custom event from another actor.
type BroadcastReceived struct {
	Actor int         `json:"actor"`
	Event value.Value `json:"event"`
}

// Error is a non-fatal error, either reported by the server or raised
// while processing server state.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Lost connection states.
const (
	ConnectionLost     = "lost"
	ConnectionRestored = "restored"
	ConnectionFailed   = "failed"
)

// LostConnection is the stalled-reconnect indicator.
type LostConnection struct {
	State string `json:"state"`
}

// HistoryChanged reports that undo or redo availability changed.
type HistoryChanged struct {
	CanUndo bool `json:"can_undo"`
	CanRedo bool `json:"can_redo"`
}

func (StatusChanged) Kind() Kind     { return KindStatus }
func (PresenceChanged) Kind() Kind   { return KindPresence }
func (OthersChanged) Kind() Kind     { return KindOthers }
func (StorageChanged) Kind() Kind    { return KindStorage }
func (BroadcastReceived) Kind() Kind { return KindBroadcast }
func (Error) Kind() Kind             { return KindError }
func (LostConnection) Kind() Kind    { return KindLostConnection }
func (HistoryChanged) Kind() Kind    { return KindHistory }

// Handler receives events of one kind.
type Handler func(Event)

type subscriber struct {
	id int
	fn Handler
}

// Bus is a registry of handlers keyed by kind. Registration is safe from
// any goroutine; Publish is meant to be called from one goroutine so that
// handlers observe events in order.
type Bus struct {
	mu     sync.Mutex
	next   int
	subs   map[Kind][]subscriber
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]subscriber)}
}

// Subscription cancels a handler registration.
type Subscription struct {
	bus  *Bus
	kind Kind
	id   int
	once sync.Once
}

// Unsubscribe removes the handler. Calling it more than once, or from
// inside the handler, is allowed.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}

	s.once.Do(func() { s.bus.remove(s.kind, s.id) })
}

// Subscribe registers fn for events of kind. After Close it returns an
// inert subscription and fn is never called.
func (b *Bus) Subscribe(kind Kind, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return &Subscription{}
	}

	b.next++
	b.subs[kind] = append(b.subs[kind], subscriber{id: b.next, fn: fn})

	return &Subscription{bus: b, kind: kind, id: b.next}
}

// Publish calls every handler registered for e's kind. Handlers run
// outside the registry lock, so they may subscribe or unsubscribe.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	subs := append([]subscriber(nil), b.subs[e.Kind()]...)
	b.mu.Unlock()

	for _, s := range subs {
		if !b.active(e.Kind(), s.id) {
			continue
		}

		s.fn(e)
	}
}

// Close drops every handler. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	clear(b.subs)
	b.mu.Unlock()
}

// Count returns the number of handlers registered for kind.
func (b *Bus) Count(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs[kind])
}

func (b *Bus) active(kind Kind, id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	for _, s := range b.subs[kind] {
		if s.id == id {
			return true
		}
	}

	return false
}

func (b *Bus) remove(kind Kind, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[kind]
	for i, s := range subs {
		if s.id == id {
			b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}
