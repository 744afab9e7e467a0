package mirror

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chainview-dev/chainview/pkg/channel"
	"github.com/chainview-dev/chainview/pkg/eventbus"
	"github.com/chainview-dev/chainview/pkg/protocol"
)

// Local event names re-emitted by the component proxies.
const (
	LocalHeadChanged      = "head-changed"
	LocalEstablished      = "established"
	LocalLost             = "lost"
	LocalSyncing          = "syncing"
	LocalPeersChanged     = "peers-changed"
	LocalPeerJoined       = "peer-joined"
	LocalPeerLeft         = "peer-left"
	LocalTransactionAdded = "transaction-added"
	LocalPoolReady        = "ready"
	LocalMinerStarted     = "started"
	LocalMinerStopped     = "stopped"
	LocalHashrateChanged  = "hashrate-changed"
	LocalBlockMined       = "block-mined"
	LocalWalletChanged    = "changed"
)

// headResyncInterval is the number of head events between forced full
// resyncs; the periodic resync self-corrects for reorganizations whose
// intermediate events were never observed.
const headResyncInterval = 20

// Chain mirrors the chain component. Besides the mirrored attributes it
// keeps a locally incremented height counter that can drift from the
// server between resyncs.
type Chain struct {
	*Entity

	mu         sync.Mutex
	height     uint64
	headEvents int
}

// NewChain builds the chain proxy over the shared transport.
func NewChain(tr Transport, logger *slog.Logger) *Chain {
	c := &Chain{}
	c.Entity = NewEntity(protocol.ComponentChain,
		[]string{"height", "head", "work"},
		map[string]string{protocol.EventHeadChanged: LocalHeadChanged},
		tr, Hooks{AfterEvent: c.afterEvent, AfterRefresh: c.afterRefresh}, logger)
	c.Entity.start()
	return c
}

func (c *Chain) afterEvent(local string, _ protocol.Message) {
	if local != LocalHeadChanged {
		return
	}

	c.mu.Lock()
	c.height++
	c.headEvents++
	resync := c.headEvents%headResyncInterval == 0
	c.mu.Unlock()

	if resync {
		go c.refreshLogged()
	}
}

func (c *Chain) afterRefresh() {
	var height uint64
	if ok, err := c.AttrInto("height", &height); !ok || err != nil {
		return
	}
	c.mu.Lock()
	c.height = height
	c.mu.Unlock()
}

// Height returns the locally tracked chain height.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// HeadHash asks the server for the hash of the current head block. The
// answer goes to this client only.
func (c *Chain) HeadHash(ctx context.Context) (string, error) {
	req := protocol.Message{Type: protocol.CmdGetChainHash}
	reply, err := c.tr.Request(ctx, req, channel.TypeMatcher(protocol.TypeChainHash))
	if err != nil {
		return "", err
	}
	var p protocol.ChainHashPayload
	if err := reply.DecodeInto(&p); err != nil {
		return "", err
	}
	return p.Hash, nil
}

// TxPool mirrors the transaction pool. A pool-ready event signals that the
// pool membership changed in ways not individually observable, so it
// triggers a full resync instead of an incremental update.
type TxPool struct {
	*Entity
}

// NewTxPool builds the transaction pool proxy.
func NewTxPool(tr Transport, logger *slog.Logger) *TxPool {
	p := &TxPool{}
	p.Entity = NewEntity(protocol.ComponentTxPool,
		[]string{"transactions", "size"},
		map[string]string{
			protocol.EventTransactionAdded: LocalTransactionAdded,
			protocol.EventTxPoolReady:      LocalPoolReady,
		},
		tr, Hooks{AfterEvent: p.afterEvent}, logger)
	p.Entity.start()
	return p
}

func (p *TxPool) afterEvent(local string, _ protocol.Message) {
	if local == LocalPoolReady {
		go p.refreshLogged()
	}
}

// Size returns the mirrored pool size.
func (p *TxPool) Size() int {
	var size int
	p.AttrInto("size", &size)
	return size
}

// Accounts mirrors the account set and carries the per-address keyed
// change feed.
type Accounts struct {
	*Entity
	feed *KeyedFeed
}

// NewAccounts builds the accounts proxy.
func NewAccounts(tr Transport, logger *slog.Logger) *Accounts {
	e := NewEntity(protocol.ComponentAccounts,
		[]string{"addresses", "count"},
		nil, tr, Hooks{}, logger)
	a := &Accounts{Entity: e}
	a.feed = newKeyedFeed(e, protocol.EventAccountChangedBase,
		protocol.NormalizeAddress, reconstructAccountChange)
	e.start()
	return a
}

func reconstructAccountChange(key string, msg protocol.Message) any {
	var change protocol.AccountChange
	if err := msg.DecodeInto(&change); err != nil {
		change = protocol.AccountChange{}
	}
	if change.Address == "" {
		change.Address = key
	}
	return change
}

// OnAccount subscribes to one address's change feed. Listeners receive a
// protocol.AccountChange payload.
func (a *Accounts) OnAccount(address string, fn eventbus.Handler) (*eventbus.Listener, error) {
	return a.feed.On(address, fn)
}

// OffAccount removes a keyed listener registered with OnAccount.
func (a *Accounts) OffAccount(address string, l *eventbus.Listener) error {
	return a.feed.Off(address, l)
}

// Watching reports whether the proxy holds a wire registration for the
// given address.
func (a *Accounts) Watching(address string) bool {
	return a.feed.Interested(address)
}

// Balance queries one account's balance. Invalid addresses fail locally
// with protocol.ErrInvalidKey.
func (a *Accounts) Balance(ctx context.Context, address string) (uint64, error) {
	norm, err := protocol.NormalizeAddress(address)
	if err != nil {
		return 0, err
	}

	req := protocol.MustMessage(protocol.CmdGetBalance, protocol.BalanceQuery{Address: norm})
	match := func(m protocol.Message) bool {
		if m.Type != protocol.TypeAccountsBalance {
			return false
		}
		var p protocol.BalancePayload
		return m.DecodeInto(&p) == nil && p.Address == norm
	}

	reply, err := a.tr.Request(ctx, req, match)
	if err != nil {
		return 0, err
	}
	var p protocol.BalancePayload
	if err := reply.DecodeInto(&p); err != nil {
		return 0, err
	}
	return p.Balance, nil
}

// Consensus mirrors the consensus component.
type Consensus struct {
	*Entity
}

// NewConsensus builds the consensus proxy.
func NewConsensus(tr Transport, logger *slog.Logger) *Consensus {
	e := NewEntity(protocol.ComponentConsensus,
		[]string{"status", "round", "validators"},
		map[string]string{
			protocol.EventConsensusUp:      LocalEstablished,
			protocol.EventConsensusLost:    LocalLost,
			protocol.EventConsensusSyncing: LocalSyncing,
		},
		tr, Hooks{}, logger)
	e.start()
	return &Consensus{Entity: e}
}

// Status returns the mirrored consensus status string.
func (c *Consensus) Status() string {
	var status string
	c.AttrInto("status", &status)
	return status
}

// Miner mirrors the miner component.
type Miner struct {
	*Entity
}

// NewMiner builds the miner proxy.
func NewMiner(tr Transport, logger *slog.Logger) *Miner {
	e := NewEntity(protocol.ComponentMiner,
		[]string{"running", "hashrate", "address"},
		map[string]string{
			protocol.EventMinerStarted:    LocalMinerStarted,
			protocol.EventMinerStopped:    LocalMinerStopped,
			protocol.EventHashrateChanged: LocalHashrateChanged,
			protocol.EventBlockMined:      LocalBlockMined,
		},
		tr, Hooks{}, logger)
	e.start()
	return &Miner{Entity: e}
}

// Running returns the mirrored miner state.
func (m *Miner) Running() bool {
	var running bool
	m.AttrInto("running", &running)
	return running
}

// Network mirrors the peer network component.
type Network struct {
	*Entity
}

// NewNetwork builds the network proxy.
func NewNetwork(tr Transport, logger *slog.Logger) *Network {
	e := NewEntity(protocol.ComponentNetwork,
		[]string{"peers", "peerCount", "listening"},
		map[string]string{
			protocol.EventPeersChanged: LocalPeersChanged,
			protocol.EventPeerJoined:   LocalPeerJoined,
			protocol.EventPeerLeft:     LocalPeerLeft,
		},
		tr, Hooks{}, logger)
	e.start()
	return &Network{Entity: e}
}

// PeerCount returns the mirrored peer count.
func (n *Network) PeerCount() int {
	var count int
	n.AttrInto("peerCount", &count)
	return count
}

// Wallet mirrors the wallet component.
type Wallet struct {
	*Entity
}

// NewWallet builds the wallet proxy.
func NewWallet(tr Transport, logger *slog.Logger) *Wallet {
	e := NewEntity(protocol.ComponentWallet,
		[]string{"address", "balance", "locked"},
		map[string]string{protocol.EventWalletChanged: LocalWalletChanged},
		tr, Hooks{}, logger)
	e.start()
	return &Wallet{Entity: e}
}

// Address returns the mirrored wallet address.
func (w *Wallet) Address() string {
	var addr string
	w.AttrInto("address", &addr)
	return addr
}
