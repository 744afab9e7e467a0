package mirror

import (
	"encoding/json"
	"log/slog"

	"github.com/chainview-dev/chainview/pkg/channel"
	"github.com/chainview-dev/chainview/pkg/protocol"
)

// Client bundles one proxy per domain component over a single shared
// transport. All traffic multiplexes on that one channel; the client also
// routes the hub's combined snapshot messages into the individual
// entities.
type Client struct {
	Accounts  *Accounts
	Chain     *Chain
	Consensus *Consensus
	TxPool    *TxPool
	Miner     *Miner
	Network   *Network
	Wallet    *Wallet

	logger *slog.Logger
}

// NewClient builds the full mirror set over tr. The transport is shared,
// not owned; callers remain responsible for connecting and closing it.
func NewClient(tr Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		Accounts:  NewAccounts(tr, logger),
		Chain:     NewChain(tr, logger),
		Consensus: NewConsensus(tr, logger),
		TxPool:    NewTxPool(tr, logger),
		Miner:     NewMiner(tr, logger),
		Network:   NewNetwork(tr, logger),
		Wallet:    NewWallet(tr, logger),
		logger:    logger,
	}

	tr.On(channel.EventMessage, c.handleSnapshot)
	return c
}

// handleSnapshot splits a combined snapshot into per-component state
// updates.
func (c *Client) handleSnapshot(payload any) {
	msg, ok := payload.(protocol.Message)
	if !ok || msg.Type != protocol.TypeSnapshot {
		return
	}

	var sections map[string]json.RawMessage
	if err := json.Unmarshal(msg.Data, &sections); err != nil {
		c.logger.Warn("snapshot decode failed", "error", err)
		return
	}

	for _, e := range c.entities() {
		if raw, ok := sections[e.Name()]; ok {
			e.ApplyState(raw)
		}
	}
}

func (c *Client) entities() []*Entity {
	return []*Entity{
		c.Accounts.Entity,
		c.Chain.Entity,
		c.Consensus.Entity,
		c.TxPool.Entity,
		c.Miner.Entity,
		c.Network.Entity,
		c.Wallet.Entity,
	}
}
