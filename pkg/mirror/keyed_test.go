package mirror

import (
	"context"
	"errors"
	"testing"

	"github.com/chainview-dev/chainview/pkg/protocol"
)

const (
	testAddr      = "abcdef0123456789abcdef0123456789abcdef01"
	testAddrOther = "ffffff0123456789abcdef0123456789abcdef02"
)

func TestKeyedRegistrationPerKeyTransition(t *testing.T) {
	tr := newFakeTransport()
	a := NewAccounts(tr, nil)

	fn := func(any) {}

	// Three listeners for the same key, in different spellings: one wire
	// registration.
	l1, err := a.OnAccount(testAddr, fn)
	if err != nil {
		t.Fatal(err)
	}
	l2, _ := a.OnAccount("0x"+testAddr, fn)
	l3, _ := a.OnAccount("ABCDEF0123456789ABCDEF0123456789ABCDEF01", fn)

	regs := tr.sentOfType(protocol.CmdRegisterListener)
	if len(regs) != 1 {
		t.Fatalf("register-listener sent %d times for one key, want 1", len(regs))
	}
	p := listenerPayload(t, regs[0])
	if p.Type != protocol.EventAccountChangedBase || p.Key != testAddr {
		t.Errorf("registered %+v, want base %s key %s", p, protocol.EventAccountChangedBase, testAddr)
	}

	// A second key registers independently.
	l4, _ := a.OnAccount(testAddrOther, fn)
	if regs := tr.sentOfType(protocol.CmdRegisterListener); len(regs) != 2 {
		t.Fatalf("register-listener sent %d times for two keys, want 2", len(regs))
	}

	// Dropping to zero for the first key emits exactly one unregister.
	a.OffAccount(testAddr, l1)
	a.OffAccount(testAddr, l2)
	if unregs := tr.sentOfType(protocol.CmdUnregisterListener); len(unregs) != 0 {
		t.Fatal("unregister sent while listeners remain for the key")
	}
	a.OffAccount(testAddr, l3)
	unregs := tr.sentOfType(protocol.CmdUnregisterListener)
	if len(unregs) != 1 {
		t.Fatalf("unregister-listener sent %d times, want 1", len(unregs))
	}
	if p := listenerPayload(t, unregs[0]); p.Key != testAddr {
		t.Errorf("unregistered key %q, want %q", p.Key, testAddr)
	}
	if a.Watching(testAddr) {
		t.Error("keyed interest should be cleared")
	}
	if !a.Watching(testAddrOther) {
		t.Error("other key's interest must be unaffected")
	}

	a.OffAccount(testAddrOther, l4)
}

func TestKeyedInvalidKey(t *testing.T) {
	tr := newFakeTransport()
	a := NewAccounts(tr, nil)

	if _, err := a.OnAccount("not-an-address", func(any) {}); !errors.Is(err, protocol.ErrInvalidKey) {
		t.Errorf("OnAccount err = %v, want ErrInvalidKey", err)
	}
	if regs := tr.sentOfType(protocol.CmdRegisterListener); len(regs) != 0 {
		t.Error("invalid key must not reach the wire")
	}
	if _, err := a.Balance(context.Background(), "xyz"); !errors.Is(err, protocol.ErrInvalidKey) {
		t.Errorf("Balance err = %v, want ErrInvalidKey", err)
	}
}

func TestKeyedDispatch(t *testing.T) {
	tr := newFakeTransport()
	a := NewAccounts(tr, nil)

	var got []protocol.AccountChange
	a.OnAccount(testAddr, func(p any) {
		got = append(got, p.(protocol.AccountChange))
	})

	wire := protocol.EventAccountChangedBase + protocol.KeySeparator + testAddr
	tr.inject(protocol.MustMessage(wire, protocol.AccountChange{Address: testAddr, Balance: 42}))

	// Another key's event must not reach this listener.
	other := protocol.EventAccountChangedBase + protocol.KeySeparator + testAddrOther
	tr.inject(protocol.MustMessage(other, protocol.AccountChange{Address: testAddrOther, Balance: 1}))

	if len(got) != 1 {
		t.Fatalf("received %d changes, want 1", len(got))
	}
	if got[0].Balance != 42 || got[0].Address != testAddr {
		t.Errorf("change = %+v", got[0])
	}
}

func TestKeyedDispatchFillsAddressFromKey(t *testing.T) {
	tr := newFakeTransport()
	a := NewAccounts(tr, nil)

	var got protocol.AccountChange
	a.OnAccount(testAddr, func(p any) { got = p.(protocol.AccountChange) })

	wire := protocol.EventAccountChangedBase + protocol.KeySeparator + testAddr
	tr.inject(protocol.MustMessage(wire, map[string]uint64{"balance": 9}))

	if got.Address != testAddr {
		t.Errorf("reconstructed address = %q, want key", got.Address)
	}
	if got.Balance != 9 {
		t.Errorf("balance = %d, want 9", got.Balance)
	}
}

func TestBalanceQuery(t *testing.T) {
	tr := newFakeTransport()
	a := NewAccounts(tr, nil)

	tr.answer = func(msg protocol.Message) (protocol.Message, error) {
		if msg.Type != protocol.CmdGetBalance {
			return protocol.Message{}, errors.New("unexpected request " + msg.Type)
		}
		var q protocol.BalanceQuery
		if err := msg.DecodeInto(&q); err != nil {
			return protocol.Message{}, err
		}
		return protocol.MustMessage(protocol.TypeAccountsBalance,
			protocol.BalancePayload{Address: q.Address, Balance: 1000}), nil
	}

	got, err := a.Balance(context.Background(), "0x"+testAddr)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1000 {
		t.Errorf("balance = %d, want 1000", got)
	}
}

func TestClientSnapshotRouting(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient(tr, nil)

	snapshot := map[string]any{
		protocol.ComponentChain:   map[string]any{"height": 12, "head": "hh", "work": 3},
		protocol.ComponentNetwork: map[string]any{"peerCount": 4},
		protocol.ComponentWallet:  map[string]any{"address": "aa"},
	}
	tr.inject(protocol.MustMessage(protocol.TypeSnapshot, snapshot))

	if c.Chain.Height() != 12 {
		t.Errorf("chain height = %d, want 12", c.Chain.Height())
	}
	if c.Network.PeerCount() != 4 {
		t.Errorf("peer count = %d, want 4", c.Network.PeerCount())
	}
	if c.Wallet.Address() != "aa" {
		t.Errorf("wallet address = %q, want aa", c.Wallet.Address())
	}
}
