package mirror

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/chainview-dev/chainview/pkg/channel"
	"github.com/chainview-dev/chainview/pkg/eventbus"
	"github.com/chainview-dev/chainview/pkg/protocol"
)

// Transport is the slice of channel behavior entities depend on.
// *channel.Channel satisfies it; tests substitute a fake.
type Transport interface {
	Connected() bool
	Send(msg protocol.Message, persistent bool) error
	Request(ctx context.Context, msg protocol.Message, match channel.Matcher) (protocol.Message, error)
	On(event string, fn eventbus.Handler) (*eventbus.Listener, error)
	Off(event string, l *eventbus.Listener)
	DropPersistent(match func(protocol.Message) bool) int
}

// Hooks customize the generic driver for one component. Both fields are
// optional.
type Hooks struct {
	// AfterEvent runs after the entity fires a local event, on the same
	// goroutine. Components use it for derived incremental state and for
	// resync triggers.
	AfterEvent func(localType string, msg protocol.Message)

	// AfterRefresh runs after a full-state response has replaced the
	// mirrored attributes.
	AfterRefresh func()
}

// Entity mirrors one server-side domain component: a fixed attribute set
// overwritten wholesale by full-state responses, plus local re-emission of
// the component's wire events.
//
// Registration commands are sent persistent, so the channel's replay
// restores server-side subscriptions on every reconnect; a
// connection-established hook reissues the full-state request to recover
// state missed while disconnected.
type Entity struct {
	name   string
	attrs  []string
	events map[string]string // wire type → local event name
	wires  map[string]string // local event name → wire type
	tr     Transport
	bus    *eventbus.Bus
	hooks  Hooks
	logger *slog.Logger

	mu         sync.Mutex
	state      map[string]json.RawMessage
	registered map[string]bool // wire types with an active registration
}

// NewEntity builds the driver for one component. name is the component
// identifier used in get-state requests, attrs the declared mirrored
// attribute list, and events the wire→local event map.
func NewEntity(name string, attrs []string, events map[string]string, tr Transport, hooks Hooks, logger *slog.Logger) *Entity {
	if logger == nil {
		logger = slog.Default()
	}

	wires := make(map[string]string, len(events))
	for wire, local := range events {
		wires[local] = wire
	}

	e := &Entity{
		name:       name,
		attrs:      attrs,
		events:     events,
		wires:      wires,
		tr:         tr,
		bus:        eventbus.New(),
		hooks:      hooks,
		logger:     logger.With("mirror", name),
		state:      make(map[string]json.RawMessage, len(attrs)),
		registered: make(map[string]bool),
	}

	return e
}

// start wires the entity to its transport: inbound dispatch, resync on
// every reconnect, and an immediate refresh when already connected.
// Component constructors call it once their hooks are in place.
func (e *Entity) start() {
	e.tr.On(channel.EventMessage, e.handleMessage)
	e.tr.On(channel.EventConnectionEstablished, func(any) {
		go e.refreshLogged()
	})
	if e.tr.Connected() {
		go e.refreshLogged()
	}
}

// Name returns the component identifier.
func (e *Entity) Name() string { return e.name }

// On registers a local listener and, if this is the first interest in the
// corresponding wire event type, registers that type with the server.
func (e *Entity) On(localType string, fn eventbus.Handler) (*eventbus.Listener, error) {
	return e.on(localType, fn, false)
}

// OnDeferred registers a local listener without touching the wire: no
// register-listener command is sent. Events still arrive if another
// listener caused the registration, or if the server pushes the type
// unsolicited.
func (e *Entity) OnDeferred(localType string, fn eventbus.Handler) (*eventbus.Listener, error) {
	return e.on(localType, fn, true)
}

func (e *Entity) on(localType string, fn eventbus.Handler, deferWire bool) (*eventbus.Listener, error) {
	l, err := e.bus.On(localType, fn)
	if err != nil {
		return nil, err
	}
	if deferWire {
		return l, nil
	}

	wire := e.wireType(localType)

	e.mu.Lock()
	already := e.registered[wire]
	if !already {
		e.registered[wire] = true
	}
	e.mu.Unlock()

	if !already {
		msg := protocol.MustMessage(protocol.CmdRegisterListener, protocol.ListenerPayload{Type: wire})
		if err := e.tr.Send(msg, true); err != nil {
			e.logger.Error("register listener failed", "type", wire, "error", err)
		}
	}
	return l, nil
}

// Off removes a local listener. When the last listener for localType is
// gone and the wire type was registered, exactly one unregister-listener
// is sent and the persistent registration is withdrawn from replay.
func (e *Entity) Off(localType string, l *eventbus.Listener) {
	e.bus.Off(localType, l)
	if e.bus.ListenerCount(localType) > 0 {
		return
	}

	wire := e.wireType(localType)

	e.mu.Lock()
	wasRegistered := e.registered[wire]
	delete(e.registered, wire)
	e.mu.Unlock()

	if !wasRegistered {
		return
	}

	e.tr.DropPersistent(func(m protocol.Message) bool {
		if m.Type != protocol.CmdRegisterListener {
			return false
		}
		var p protocol.ListenerPayload
		if err := m.DecodeInto(&p); err != nil {
			return false
		}
		return p.Type == wire && p.Key == ""
	})

	msg := protocol.MustMessage(protocol.CmdUnregisterListener, protocol.ListenerPayload{Type: wire})
	if err := e.tr.Send(msg, false); err != nil {
		e.logger.Error("unregister listener failed", "type", wire, "error", err)
	}
}

// wireType resolves a local event name to its wire type, falling back to
// the local name itself when the event map has no entry.
func (e *Entity) wireType(localType string) string {
	if wire, ok := e.wires[localType]; ok {
		return wire
	}
	return localType
}

// Refresh issues a full-state request for this component and replaces
// every declared attribute with the response payload. Overlapping
// refreshes are not serialized; the last response wins.
func (e *Entity) Refresh(ctx context.Context) error {
	req := protocol.MustMessage(protocol.CmdGetState, protocol.GetStatePayload{Type: e.name})
	reply, err := e.tr.Request(ctx, req, channel.TypeMatcher(protocol.StateType(e.name)))
	if err != nil {
		return err
	}
	e.ApplyState(reply.Data)
	return nil
}

func (e *Entity) refreshLogged() {
	if err := e.Refresh(context.Background()); err != nil {
		e.logger.Warn("refresh failed", "error", err)
	}
}

// ApplyState replaces the mirrored attributes with the fields of raw.
// Declared attributes absent from raw are cleared, never merged.
func (e *Entity) ApplyState(raw json.RawMessage) {
	var fields map[string]json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			e.logger.Warn("state payload decode failed", "error", err)
			return
		}
	}

	e.mu.Lock()
	for _, attr := range e.attrs {
		if v, ok := fields[attr]; ok {
			e.state[attr] = v
		} else {
			delete(e.state, attr)
		}
	}
	e.mu.Unlock()

	if e.hooks.AfterRefresh != nil {
		e.hooks.AfterRefresh()
	}
}

// Attr returns the current value of one mirrored attribute, or nil when
// the attribute is unset.
func (e *Entity) Attr(name string) json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state[name]
}

// AttrInto unmarshals one mirrored attribute into v. It reports false when
// the attribute is unset.
func (e *Entity) AttrInto(name string, v any) (bool, error) {
	raw := e.Attr(name)
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, err
	}
	return true, nil
}

// State returns a copy of the mirrored attribute map.
func (e *Entity) State() map[string]json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]json.RawMessage, len(e.state))
	for k, v := range e.state {
		out[k] = v
	}
	return out
}

// Registered reports whether the entity currently holds a wire
// registration for the given wire event type.
func (e *Entity) Registered(wire string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registered[wire]
}

// handleMessage routes inbound wire events into local events.
func (e *Entity) handleMessage(payload any) {
	msg, ok := payload.(protocol.Message)
	if !ok {
		return
	}
	local, ok := e.events[msg.Type]
	if !ok {
		return
	}
	e.bus.Fire(local, msg)
	if e.hooks.AfterEvent != nil {
		e.hooks.AfterEvent(local, msg)
	}
}

// Bus exposes the entity's local event bus to sibling features in this
// package (the keyed feed).
func (e *Entity) Bus() *eventbus.Bus { return e.bus }
