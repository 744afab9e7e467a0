// Package node provides a self-contained simulated blockchain node. It
// implements the hub's collaborator contracts with synthetic state and a
// deterministic event stream, so the hub can be run, demoed, and
// load-tested without a real node behind it.
package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/chainview-dev/chainview/pkg/hub"
)

// Config tunes the simulation.
type Config struct {
	// Seed makes the event stream reproducible.
	Seed int64
	// TickInterval is the simulation step. Default: 1 second.
	TickInterval time.Duration
	// Accounts is the number of simulated accounts. Default: 8.
	Accounts int
	Logger   *slog.Logger
}

// Node is the simulated node. Construct with New, start the event stream
// with Run, and hand Collaborators() to hub.New.
type Node struct {
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	accounts  *Accounts
	chain     *Chain
	consensus *Consensus
	txpool    *TxPool
	miner     *Miner
	network   *Network
	wallet    *Wallet
}

// New builds a node with a genesis state derived from the seed.
func New(cfg Config) *Node {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Accounts == 0 {
		cfg.Accounts = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{
		cfg:    cfg,
		logger: logger.With("component", "node"),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}

	addresses := make([]string, cfg.Accounts)
	for i := range addresses {
		addresses[i] = n.randomAddress()
	}

	n.accounts = newAccounts(addresses, n.rng)
	n.chain = newChain()
	n.consensus = newConsensus()
	n.txpool = newTxPool()
	n.miner = newMiner(addresses[0])
	n.network = newNetwork()
	n.wallet = newWallet(addresses[0])
	return n
}

// Collaborators returns the hub wiring for this node.
func (n *Node) Collaborators() hub.Collaborators {
	return hub.Collaborators{
		Accounts:  n.accounts,
		Chain:     n.chain,
		Consensus: n.consensus,
		TxPool:    n.txpool,
		Miner:     n.miner,
		Network:   n.network,
		Wallet:    n.wallet,
	}
}

// Run advances the simulation until ctx is canceled.
func (n *Node) Run(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	n.logger.Info("simulated node started", "tick", n.cfg.TickInterval, "accounts", n.cfg.Accounts)
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("simulated node stopped")
			return
		case <-ticker.C:
			n.Tick()
		}
	}
}

// Tick performs one simulation step: the chain always advances, everything
// else moves probabilistically.
func (n *Node) Tick() {
	n.mu.Lock()
	roll := n.rng.Float64()
	txRoll := n.rng.Float64()
	peerRoll := n.rng.Float64()
	n.mu.Unlock()

	n.chain.advance()
	n.txpool.addTransaction(n.chain.HeadHashLocal())

	if txRoll < 0.2 {
		n.txpool.drain()
		n.miner.mineBlock(n.chain.HeadHashLocal())
	}
	if roll < 0.1 {
		n.consensus.wobble()
	}
	if peerRoll < 0.15 {
		n.network.churn(n.randomPeer())
	}
	if roll > 0.7 {
		n.accounts.mutate()
		n.wallet.sync(n.accounts)
	}
	if roll > 0.95 {
		n.miner.toggle()
	}
}

func (n *Node) randomAddress() string {
	b := make([]byte, 20)
	n.rng.Read(b)
	return hex.EncodeToString(b)
}

func (n *Node) randomPeer() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fmt.Sprintf("10.0.%d.%d:30303", n.rng.Intn(255), n.rng.Intn(255))
}

func blockHash(height uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("block-%d", height)))
	return hex.EncodeToString(sum[:])
}
