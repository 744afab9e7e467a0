package mirror

import (
	"strings"
	"sync"

	"github.com/chainview-dev/chainview/pkg/channel"
	"github.com/chainview-dev/chainview/pkg/eventbus"
	"github.com/chainview-dev/chainview/pkg/protocol"
)

// KeyedFeed extends an entity with key-parameterized subscriptions: local
// listeners are reference-counted per normalized key, and a wire
// (un)registration is emitted only when a key's listener count crosses
// zero. The normalized key doubles as the local event name on the
// entity's bus.
type KeyedFeed struct {
	base        string
	normalize   func(string) (string, error)
	reconstruct func(key string, msg protocol.Message) any
	e           *Entity

	mu       sync.Mutex
	interest map[string]bool
}

// newKeyedFeed attaches a keyed feed for base-typed wire events to e.
// normalize canonicalizes keys and rejects invalid ones; reconstruct
// shapes the local payload from the wire message (nil passes the message
// through).
func newKeyedFeed(e *Entity, base string, normalize func(string) (string, error), reconstruct func(string, protocol.Message) any) *KeyedFeed {
	f := &KeyedFeed{
		base:        base,
		normalize:   normalize,
		reconstruct: reconstruct,
		e:           e,
		interest:    make(map[string]bool),
	}
	e.tr.On(channel.EventMessage, f.handleMessage)
	return f
}

// On registers a listener for one key's change feed. The first listener
// for a key sends a persistent register-listener carrying the keyed type
// and the key; further listeners for the same key are wire-silent.
func (f *KeyedFeed) On(key string, fn eventbus.Handler) (*eventbus.Listener, error) {
	norm, err := f.normalize(key)
	if err != nil {
		return nil, err
	}

	l, err := f.e.bus.On(norm, fn)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	first := !f.interest[norm]
	if first {
		f.interest[norm] = true
	}
	f.mu.Unlock()

	if first {
		msg := protocol.MustMessage(protocol.CmdRegisterListener,
			protocol.ListenerPayload{Type: f.base, Key: norm})
		if err := f.e.tr.Send(msg, true); err != nil {
			f.e.logger.Error("keyed register failed", "key", norm, "error", err)
		}
	}
	return l, nil
}

// Off removes a keyed listener. When the key's listener count returns to
// zero, exactly one unregister-listener is sent and the persistent
// registration is withdrawn from replay.
func (f *KeyedFeed) Off(key string, l *eventbus.Listener) error {
	norm, err := f.normalize(key)
	if err != nil {
		return err
	}

	f.e.bus.Off(norm, l)
	if f.e.bus.ListenerCount(norm) > 0 {
		return nil
	}

	f.mu.Lock()
	had := f.interest[norm]
	delete(f.interest, norm)
	f.mu.Unlock()

	if !had {
		return nil
	}

	f.e.tr.DropPersistent(func(m protocol.Message) bool {
		if m.Type != protocol.CmdRegisterListener {
			return false
		}
		var p protocol.ListenerPayload
		if err := m.DecodeInto(&p); err != nil {
			return false
		}
		return p.Type == f.base && p.Key == norm
	})

	msg := protocol.MustMessage(protocol.CmdUnregisterListener,
		protocol.ListenerPayload{Type: f.base, Key: norm})
	if err := f.e.tr.Send(msg, false); err != nil {
		f.e.logger.Error("keyed unregister failed", "key", norm, "error", err)
	}
	return nil
}

// Interested reports whether the feed holds a wire registration for key.
func (f *KeyedFeed) Interested(key string) bool {
	norm, err := f.normalize(key)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interest[norm]
}

// handleMessage routes keyed wire events (base/<key>) to the local event
// named by the key.
func (f *KeyedFeed) handleMessage(payload any) {
	msg, ok := payload.(protocol.Message)
	if !ok {
		return
	}
	if !strings.HasPrefix(msg.Type, f.base+protocol.KeySeparator) {
		return
	}

	sel := protocol.ParseSelector(msg.Type)
	if sel.Base != f.base || sel.Key == "" {
		return
	}

	var local any = msg
	if f.reconstruct != nil {
		local = f.reconstruct(sel.Key, msg)
	}
	f.e.bus.Fire(sel.Key, local)
}
