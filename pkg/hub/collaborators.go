package hub

import (
	"context"

	"github.com/chainview-dev/chainview/pkg/eventbus"
	"github.com/chainview-dev/chainview/pkg/protocol"
)

// Component is the narrow contract every mirrored collaborator fulfils:
// current full state on demand, plus an event bus firing the component's
// canonical wire event types. Events may return nil for components with
// no broadcast events.
type Component interface {
	State(ctx context.Context) (any, error)
	Events() *eventbus.Bus
}

// AccountsComponent additionally answers balance queries and provides the
// per-address change feed the keyed subscriptions are wired to.
type AccountsComponent interface {
	Component
	Balance(ctx context.Context, address string) (uint64, error)
	WatchAccount(address string, fn eventbus.Handler) (*eventbus.Listener, error)
	UnwatchAccount(address string, l *eventbus.Listener)
}

// ChainComponent additionally exposes the hash of the head block.
type ChainComponent interface {
	Component
	HeadHash(ctx context.Context) (string, error)
}

// Collaborators is the full set of domain components mirrored by the hub.
type Collaborators struct {
	Accounts  AccountsComponent
	Chain     ChainComponent
	Consensus Component
	TxPool    Component
	Miner     Component
	Network   Component
	Wallet    Component
}

// byName returns the component for a mirrored component name, or nil.
func (c *Collaborators) byName(name string) Component {
	switch name {
	case protocol.ComponentAccounts:
		if c.Accounts == nil {
			return nil
		}
		return c.Accounts
	case protocol.ComponentChain:
		if c.Chain == nil {
			return nil
		}
		return c.Chain
	case protocol.ComponentConsensus:
		return c.Consensus
	case protocol.ComponentTxPool:
		return c.TxPool
	case protocol.ComponentMiner:
		return c.Miner
	case protocol.ComponentNetwork:
		return c.Network
	case protocol.ComponentWallet:
		return c.Wallet
	default:
		return nil
	}
}
