package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chainview-dev/chainview/pkg/channel"
	"github.com/chainview-dev/chainview/pkg/eventbus"
	"github.com/chainview-dev/chainview/pkg/protocol"
)

// fakeTransport records outbound traffic and lets tests inject inbound
// messages and answer requests.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	sent       []protocol.Message
	persistent []protocol.Message
	bus        *eventbus.Bus

	// answer is consulted for every Request; nil requests block until the
	// context expires.
	answer func(msg protocol.Message) (protocol.Message, error)
	asked  []protocol.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{bus: eventbus.New()}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Send(msg protocol.Message, persistent bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if persistent {
		f.persistent = append(f.persistent, msg)
	}
	return nil
}

func (f *fakeTransport) Request(ctx context.Context, msg protocol.Message, match channel.Matcher) (protocol.Message, error) {
	f.mu.Lock()
	f.asked = append(f.asked, msg)
	answer := f.answer
	f.mu.Unlock()

	if answer == nil {
		<-ctx.Done()
		return protocol.Message{}, ctx.Err()
	}
	reply, err := answer(msg)
	if err != nil {
		return protocol.Message{}, err
	}
	if !match(reply) {
		return protocol.Message{}, errors.New("fake reply rejected by matcher")
	}
	return reply, nil
}

func (f *fakeTransport) On(event string, fn eventbus.Handler) (*eventbus.Listener, error) {
	return f.bus.On(event, fn)
}

func (f *fakeTransport) Off(event string, l *eventbus.Listener) {
	f.bus.Off(event, l)
}

func (f *fakeTransport) DropPersistent(match func(protocol.Message) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.persistent[:0]
	removed := 0
	for _, m := range f.persistent {
		if match(m) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	f.persistent = kept
	return removed
}

// inject delivers an inbound wire message to every transport observer.
func (f *fakeTransport) inject(msg protocol.Message) {
	f.bus.Fire(channel.EventMessage, msg)
}

// sentOfType returns the outbound messages of the given wire type.
func (f *fakeTransport) sentOfType(typ string) []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, m := range f.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.asked)
}

func listenerPayload(t *testing.T, m protocol.Message) protocol.ListenerPayload {
	t.Helper()
	var p protocol.ListenerPayload
	if err := m.DecodeInto(&p); err != nil {
		t.Fatalf("listener payload: %v", err)
	}
	return p
}

func stateReply(component string, state any) func(protocol.Message) (protocol.Message, error) {
	return func(msg protocol.Message) (protocol.Message, error) {
		return protocol.MustMessage(protocol.StateType(component), state), nil
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPlainRegistrationIdempotent(t *testing.T) {
	tr := newFakeTransport()
	n := NewNetwork(tr, nil)

	fn := func(any) {}
	first, err := n.On(LocalPeersChanged, fn)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := n.On(LocalPeersChanged, fn)
	third, _ := n.On(LocalPeersChanged, fn)

	regs := tr.sentOfType(protocol.CmdRegisterListener)
	if len(regs) != 1 {
		t.Fatalf("register-listener sent %d times for 3 listeners, want 1", len(regs))
	}
	if p := listenerPayload(t, regs[0]); p.Type != protocol.EventPeersChanged || p.Key != "" {
		t.Errorf("registered %+v, want plain %s", p, protocol.EventPeersChanged)
	}
	if !n.Registered(protocol.EventPeersChanged) {
		t.Error("entity should track the registered wire type")
	}

	n.Off(LocalPeersChanged, first)
	n.Off(LocalPeersChanged, second)
	if unregs := tr.sentOfType(protocol.CmdUnregisterListener); len(unregs) != 0 {
		t.Fatalf("unregister sent while %d listeners remain", 1)
	}

	n.Off(LocalPeersChanged, third)
	unregs := tr.sentOfType(protocol.CmdUnregisterListener)
	if len(unregs) != 1 {
		t.Fatalf("unregister-listener sent %d times, want 1", len(unregs))
	}
	if n.Registered(protocol.EventPeersChanged) {
		t.Error("registration entry should be cleared")
	}

	// The persistent registration must not replay on future reconnects.
	tr.mu.Lock()
	left := len(tr.persistent)
	tr.mu.Unlock()
	if left != 0 {
		t.Errorf("%d persistent registrations left after full unregister", left)
	}
}

func TestReRegisterAfterFullCycle(t *testing.T) {
	tr := newFakeTransport()
	n := NewNetwork(tr, nil)

	l, _ := n.On(LocalPeersChanged, func(any) {})
	n.Off(LocalPeersChanged, l)
	if _, err := n.On(LocalPeersChanged, func(any) {}); err != nil {
		t.Fatal(err)
	}

	if regs := tr.sentOfType(protocol.CmdRegisterListener); len(regs) != 2 {
		t.Errorf("register-listener sent %d times across two zero transitions, want 2", len(regs))
	}
}

func TestDeferredRegistrationIsWireSilent(t *testing.T) {
	tr := newFakeTransport()
	n := NewNetwork(tr, nil)

	if _, err := n.OnDeferred(LocalPeerJoined, func(any) {}); err != nil {
		t.Fatal(err)
	}
	if regs := tr.sentOfType(protocol.CmdRegisterListener); len(regs) != 0 {
		t.Errorf("deferred On sent %d registrations, want 0", len(regs))
	}
}

func TestWireEventDispatch(t *testing.T) {
	tr := newFakeTransport()
	n := NewNetwork(tr, nil)

	var got []string
	n.On(LocalPeerJoined, func(p any) {
		msg := p.(protocol.Message)
		got = append(got, msg.Type)
	})

	tr.inject(protocol.MustMessage(protocol.EventPeerJoined, map[string]string{"id": "p1"}))
	tr.inject(protocol.MustMessage("unrelated-type", nil))

	if len(got) != 1 || got[0] != protocol.EventPeerJoined {
		t.Errorf("dispatched %v, want exactly one peer-joined", got)
	}
}

func TestRefreshOverwritesWholesale(t *testing.T) {
	tr := newFakeTransport()
	n := NewNetwork(tr, nil)

	tr.answer = stateReply(protocol.ComponentNetwork, map[string]any{
		"peers":     []string{"a", "b"},
		"peerCount": 2,
		"listening": true,
	})
	if err := n.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n.PeerCount() != 2 {
		t.Fatalf("peerCount = %d, want 2", n.PeerCount())
	}

	// Second response omits peerCount; the attribute must clear, not
	// retain the stale value.
	tr.answer = stateReply(protocol.ComponentNetwork, map[string]any{
		"peers":     []string{"a"},
		"listening": true,
	})
	if err := n.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if raw := n.Attr("peerCount"); raw != nil {
		t.Errorf("peerCount = %s after omitting response, want cleared", raw)
	}
}

func TestResyncOnReconnect(t *testing.T) {
	tr := newFakeTransport()
	n := NewNetwork(tr, nil)

	tr.answer = stateReply(protocol.ComponentNetwork, map[string]any{"peerCount": 7})
	tr.bus.Fire(channel.EventConnectionEstablished, nil)

	waitUntil(t, "resync", func() bool { return n.PeerCount() == 7 })
}

func TestRefreshOnConstructionWhenConnected(t *testing.T) {
	tr := newFakeTransport()
	tr.connected = true
	tr.answer = stateReply(protocol.ComponentWallet, map[string]any{"address": "aa", "balance": 5})

	w := NewWallet(tr, nil)
	waitUntil(t, "initial refresh", func() bool { return w.Address() == "aa" })
}

func TestChainResyncEveryTwentyHeadEvents(t *testing.T) {
	tr := newFakeTransport()
	tr.answer = stateReply(protocol.ComponentChain, map[string]any{"height": 100})
	c := NewChain(tr, nil)

	c.On(LocalHeadChanged, func(any) {})
	tr.mu.Lock()
	tr.asked = nil // ignore anything before the event storm
	tr.mu.Unlock()

	head := protocol.MustMessage(protocol.EventHeadChanged, map[string]int{"height": 1})
	for i := 0; i < 19; i++ {
		tr.inject(head)
	}
	time.Sleep(20 * time.Millisecond)
	if got := tr.requestCount(); got != 0 {
		t.Fatalf("%d full-state requests after 19 head events, want 0", got)
	}

	tr.inject(head)
	waitUntil(t, "20th-event resync", func() bool { return tr.requestCount() == 1 })

	for i := 0; i < 20; i++ {
		tr.inject(head)
	}
	waitUntil(t, "40th-event resync", func() bool { return tr.requestCount() == 2 })
}

func TestChainHeightTracksEventsAndResync(t *testing.T) {
	tr := newFakeTransport()
	c := NewChain(tr, nil)

	head := protocol.MustMessage(protocol.EventHeadChanged, nil)
	tr.inject(head)
	tr.inject(head)
	if c.Height() != 2 {
		t.Errorf("height = %d after two head events, want 2", c.Height())
	}

	// A full-state response snaps the derived counter back to the
	// server's value.
	c.ApplyState(json.RawMessage(`{"height": 50, "head": "h", "work": 1}`))
	if c.Height() != 50 {
		t.Errorf("height = %d after refresh, want 50", c.Height())
	}
}

func TestTxPoolReadyTriggersResync(t *testing.T) {
	tr := newFakeTransport()
	tr.answer = stateReply(protocol.ComponentTxPool, map[string]any{"size": 3})
	p := NewTxPool(tr, nil)

	tr.mu.Lock()
	tr.asked = nil
	tr.mu.Unlock()

	tr.inject(protocol.MustMessage(protocol.EventTxPoolReady, nil))
	waitUntil(t, "pool resync", func() bool { return tr.requestCount() == 1 })
	waitUntil(t, "pool state", func() bool { return p.Size() == 3 })
}
