package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/chainview-dev/chainview/pkg/eventbus"
	"github.com/chainview-dev/chainview/pkg/protocol"
)

// ErrNoSuchAccount is returned for balance queries on unknown addresses.
var ErrNoSuchAccount = errors.New("node: no such account")

// Chain tracks the simulated block chain head.
type Chain struct {
	mu     sync.Mutex
	height uint64
	head   string
	work   uint64
	bus    *eventbus.Bus
}

// ChainState is the chain component's full state.
type ChainState struct {
	Height uint64 `json:"height"`
	Head   string `json:"head"`
	Work   uint64 `json:"work"`
}

func newChain() *Chain {
	return &Chain{
		head: blockHash(0),
		bus:  eventbus.New(),
	}
}

func (c *Chain) State(context.Context) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChainState{Height: c.height, Head: c.head, Work: c.work}, nil
}

func (c *Chain) Events() *eventbus.Bus { return c.bus }

func (c *Chain) HeadHash(context.Context) (string, error) {
	return c.HeadHashLocal(), nil
}

// HeadHashLocal is HeadHash without the context plumbing, for use inside
// the simulation loop.
func (c *Chain) HeadHashLocal() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

func (c *Chain) advance() {
	c.mu.Lock()
	c.height++
	c.head = blockHash(c.height)
	c.work += 1000 + c.height%97
	state := ChainState{Height: c.height, Head: c.head, Work: c.work}
	c.mu.Unlock()

	c.bus.Fire(protocol.EventHeadChanged, state)
}

// Accounts holds the simulated account set and the per-address change
// feed keyed subscriptions attach to.
type Accounts struct {
	mu        sync.Mutex
	addresses []string
	balances  map[string]uint64
	nonces    map[string]uint64
	rng       *rand.Rand

	bus  *eventbus.Bus
	feed *eventbus.Bus
}

// AccountsState is the accounts component's full state.
type AccountsState struct {
	Addresses []string `json:"addresses"`
	Count     int      `json:"count"`
}

func newAccounts(addresses []string, rng *rand.Rand) *Accounts {
	balances := make(map[string]uint64, len(addresses))
	nonces := make(map[string]uint64, len(addresses))
	for _, addr := range addresses {
		balances[addr] = uint64(rng.Intn(100_000))
	}
	return &Accounts{
		addresses: addresses,
		balances:  balances,
		nonces:    nonces,
		rng:       rng,
		bus:       eventbus.New(),
		feed:      eventbus.New(),
	}
}

func (a *Accounts) State(context.Context) (any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	addrs := make([]string, len(a.addresses))
	copy(addrs, a.addresses)
	return AccountsState{Addresses: addrs, Count: len(addrs)}, nil
}

func (a *Accounts) Events() *eventbus.Bus { return a.bus }

func (a *Accounts) Balance(_ context.Context, address string) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.balances[address]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoSuchAccount, address)
	}
	return b, nil
}

func (a *Accounts) WatchAccount(address string, fn eventbus.Handler) (*eventbus.Listener, error) {
	return a.feed.On(address, fn)
}

func (a *Accounts) UnwatchAccount(address string, l *eventbus.Listener) {
	a.feed.Off(address, l)
}

// mutate moves a random amount between two random accounts and fires the
// change feed for both.
func (a *Accounts) mutate() {
	a.mu.Lock()
	if len(a.addresses) < 2 {
		a.mu.Unlock()
		return
	}
	from := a.addresses[a.rng.Intn(len(a.addresses))]
	to := a.addresses[a.rng.Intn(len(a.addresses))]
	amount := uint64(a.rng.Intn(500))
	if a.balances[from] < amount {
		amount = a.balances[from]
	}
	a.balances[from] -= amount
	a.balances[to] += amount
	a.nonces[from]++

	changes := []protocol.AccountChange{
		{Address: from, Balance: a.balances[from], Nonce: a.nonces[from]},
		{Address: to, Balance: a.balances[to], Nonce: a.nonces[to]},
	}
	a.mu.Unlock()

	for _, ch := range changes {
		a.feed.Fire(ch.Address, ch)
	}
}

func (a *Accounts) balanceOf(address string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances[address]
}

// Consensus cycles between established, syncing, and lost.
type Consensus struct {
	mu         sync.Mutex
	status     string
	round      uint64
	validators int
	bus        *eventbus.Bus
}

// ConsensusState is the consensus component's full state.
type ConsensusState struct {
	Status     string `json:"status"`
	Round      uint64 `json:"round"`
	Validators int    `json:"validators"`
}

func newConsensus() *Consensus {
	return &Consensus{
		status:     "established",
		validators: 4,
		bus:        eventbus.New(),
	}
}

func (c *Consensus) State(context.Context) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConsensusState{Status: c.status, Round: c.round, Validators: c.validators}, nil
}

func (c *Consensus) Events() *eventbus.Bus { return c.bus }

// wobble advances the status cycle established → syncing → lost →
// established, firing the matching event.
func (c *Consensus) wobble() {
	c.mu.Lock()
	var event string
	switch c.status {
	case "established":
		c.status = "syncing"
		event = protocol.EventConsensusSyncing
	case "syncing":
		c.status = "lost"
		event = protocol.EventConsensusLost
	default:
		c.status = "established"
		c.round++
		event = protocol.EventConsensusUp
	}
	state := ConsensusState{Status: c.status, Round: c.round, Validators: c.validators}
	c.mu.Unlock()

	c.bus.Fire(event, state)
}

// TxPool accumulates pending transactions and drains on block production.
type TxPool struct {
	mu           sync.Mutex
	transactions []string
	bus          *eventbus.Bus
}

// TxPoolState is the txpool component's full state.
type TxPoolState struct {
	Transactions []string `json:"transactions"`
	Size         int      `json:"size"`
}

func newTxPool() *TxPool {
	return &TxPool{bus: eventbus.New()}
}

func (p *TxPool) State(context.Context) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	txs := make([]string, len(p.transactions))
	copy(txs, p.transactions)
	return TxPoolState{Transactions: txs, Size: len(txs)}, nil
}

func (p *TxPool) Events() *eventbus.Bus { return p.bus }

func (p *TxPool) addTransaction(seed string) {
	p.mu.Lock()
	tx := fmt.Sprintf("%s-tx%d", seed[:8], len(p.transactions))
	p.transactions = append(p.transactions, tx)
	size := len(p.transactions)
	p.mu.Unlock()

	p.bus.Fire(protocol.EventTransactionAdded, map[string]any{"hash": tx, "size": size})
}

// drain empties the pool, signalling a fresh ready pool.
func (p *TxPool) drain() {
	p.mu.Lock()
	p.transactions = p.transactions[:0]
	p.mu.Unlock()

	p.bus.Fire(protocol.EventTxPoolReady, TxPoolState{Transactions: []string{}, Size: 0})
}

// Miner simulates mining activity.
type Miner struct {
	mu       sync.Mutex
	running  bool
	hashrate uint64
	address  string
	bus      *eventbus.Bus
}

// MinerState is the miner component's full state.
type MinerState struct {
	Running  bool   `json:"running"`
	Hashrate uint64 `json:"hashrate"`
	Address  string `json:"address"`
}

func newMiner(address string) *Miner {
	return &Miner{
		running:  true,
		hashrate: 1_000_000,
		address:  address,
		bus:      eventbus.New(),
	}
}

func (m *Miner) State(context.Context) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MinerState{Running: m.running, Hashrate: m.hashrate, Address: m.address}, nil
}

func (m *Miner) Events() *eventbus.Bus { return m.bus }

func (m *Miner) mineBlock(head string) {
	m.mu.Lock()
	running := m.running
	m.hashrate = m.hashrate/2 + m.hashrate/3 + 500_000
	state := MinerState{Running: m.running, Hashrate: m.hashrate, Address: m.address}
	m.mu.Unlock()

	if !running {
		return
	}
	m.bus.Fire(protocol.EventBlockMined, map[string]any{"hash": head, "miner": state.Address})
	m.bus.Fire(protocol.EventHashrateChanged, state)
}

func (m *Miner) toggle() {
	m.mu.Lock()
	m.running = !m.running
	running := m.running
	state := MinerState{Running: m.running, Hashrate: m.hashrate, Address: m.address}
	m.mu.Unlock()

	if running {
		m.bus.Fire(protocol.EventMinerStarted, state)
	} else {
		m.bus.Fire(protocol.EventMinerStopped, state)
	}
}

// Network simulates the peer set.
type Network struct {
	mu    sync.Mutex
	peers []string
	bus   *eventbus.Bus
}

// NetworkState is the network component's full state.
type NetworkState struct {
	Peers     []string `json:"peers"`
	PeerCount int      `json:"peerCount"`
	Listening bool     `json:"listening"`
}

func newNetwork() *Network {
	return &Network{
		peers: []string{"10.0.0.1:30303", "10.0.0.2:30303"},
		bus:   eventbus.New(),
	}
}

func (n *Network) State(context.Context) (any, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make([]string, len(n.peers))
	copy(peers, n.peers)
	return NetworkState{Peers: peers, PeerCount: len(peers), Listening: true}, nil
}

func (n *Network) Events() *eventbus.Bus { return n.bus }

// churn adds the peer if absent, drops it otherwise, then reports the new
// peer set.
func (n *Network) churn(peer string) {
	n.mu.Lock()
	joined := true
	for i, p := range n.peers {
		if p == peer {
			n.peers = append(n.peers[:i], n.peers[i+1:]...)
			joined = false
			break
		}
	}
	if joined {
		n.peers = append(n.peers, peer)
	}
	peers := make([]string, len(n.peers))
	copy(peers, n.peers)
	n.mu.Unlock()

	if joined {
		n.bus.Fire(protocol.EventPeerJoined, map[string]string{"peer": peer})
	} else {
		n.bus.Fire(protocol.EventPeerLeft, map[string]string{"peer": peer})
	}
	n.bus.Fire(protocol.EventPeersChanged, NetworkState{Peers: peers, PeerCount: len(peers), Listening: true})
}

// Wallet mirrors the node's own account.
type Wallet struct {
	mu      sync.Mutex
	address string
	balance uint64
	locked  bool
	bus     *eventbus.Bus
}

// WalletState is the wallet component's full state.
type WalletState struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
	Locked  bool   `json:"locked"`
}

func newWallet(address string) *Wallet {
	return &Wallet{address: address, locked: true, bus: eventbus.New()}
}

func (w *Wallet) State(context.Context) (any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WalletState{Address: w.address, Balance: w.balance, Locked: w.locked}, nil
}

func (w *Wallet) Events() *eventbus.Bus { return w.bus }

// sync refreshes the wallet balance from the account set.
func (w *Wallet) sync(accounts *Accounts) {
	w.mu.Lock()
	w.balance = accounts.balanceOf(w.address)
	state := WalletState{Address: w.address, Balance: w.balance, Locked: w.locked}
	w.mu.Unlock()

	w.bus.Fire(protocol.EventWalletChanged, state)
}
