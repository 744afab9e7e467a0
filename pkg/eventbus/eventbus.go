// Package eventbus provides a small synchronous pub/sub primitive: named
// events, ordered listener lists, and an optional restriction on which
// event names a bus accepts.
package eventbus

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidEventType is returned when a restricted bus is asked to
// register a listener for an event name outside its allowed set.
var ErrInvalidEventType = errors.New("eventbus: invalid event type")

// Handler receives a fired event's payload.
type Handler func(payload any)

// Listener is the handle returned by On and Once. Removal is by handle
// identity, so two registrations of the same function detach
// independently.
type Listener struct {
	fn   Handler
	once bool
}

// Bus dispatches named events to ordered listener lists. Firing is
// synchronous: every listener runs to completion, in registration order,
// before Fire returns. Safe for concurrent use.
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]*Listener
	allowed   map[string]struct{} // nil means unrestricted
}

// New returns a bus that accepts any event name.
func New() *Bus {
	return &Bus{listeners: make(map[string][]*Listener)}
}

// NewRestricted returns a bus that only accepts the given event names.
func NewRestricted(types ...string) *Bus {
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return &Bus{
		listeners: make(map[string][]*Listener),
		allowed:   allowed,
	}
}

// On registers a listener for typ and returns its handle.
func (b *Bus) On(typ string, fn Handler) (*Listener, error) {
	return b.register(typ, fn, false)
}

// Once registers a listener that detaches itself after its first
// invocation.
func (b *Bus) Once(typ string, fn Handler) (*Listener, error) {
	return b.register(typ, fn, true)
}

func (b *Bus) register(typ string, fn Handler, once bool) (*Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.allowed != nil {
		if _, ok := b.allowed[typ]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, typ)
		}
	}

	l := &Listener{fn: fn, once: once}
	b.listeners[typ] = append(b.listeners[typ], l)
	return l, nil
}

// Off removes the listener from typ. Removing an absent listener is a
// no-op.
func (b *Bus) Off(typ string, l *Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(typ, l)
}

func (b *Bus) remove(typ string, l *Listener) {
	list := b.listeners[typ]
	for i, cand := range list {
		if cand == l {
			b.listeners[typ] = append(list[:i:i], list[i+1:]...)
			if len(b.listeners[typ]) == 0 {
				delete(b.listeners, typ)
			}
			return
		}
	}
}

// Fire invokes every listener registered for typ with payload, in
// registration order. Firing a type with no listeners is a no-op.
func (b *Bus) Fire(typ string, payload any) {
	b.mu.Lock()
	list := b.listeners[typ]
	run := make([]*Listener, len(list))
	copy(run, list)
	for _, l := range list {
		if l.once {
			b.remove(typ, l)
		}
	}
	b.mu.Unlock()

	for _, l := range run {
		l.fn(payload)
	}
}

// ListenerCount returns the number of listeners registered for typ.
func (b *Bus) ListenerCount(typ string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[typ])
}
