package protocol

// Component names. Each names one mirrored domain component and doubles as
// the get-state request argument.
const (
	ComponentAccounts  = "accounts"
	ComponentChain     = "chain"
	ComponentConsensus = "consensus"
	ComponentTxPool    = "txpool"
	ComponentMiner     = "miner"
	ComponentNetwork   = "network"
	ComponentWallet    = "wallet"
)

// Components lists every mirrored component in snapshot order.
var Components = []string{
	ComponentAccounts,
	ComponentChain,
	ComponentConsensus,
	ComponentTxPool,
	ComponentMiner,
	ComponentNetwork,
	ComponentWallet,
}

// Client → server command types.
const (
	CmdGetState           = "get-state"
	CmdGetSnapshot        = "get-snapshot"
	CmdRegisterListener   = "register-listener"
	CmdUnregisterListener = "unregister-listener"
	CmdGetBalance         = "accounts-get-balance"
	CmdGetChainHash       = "chain-get-hash"
)

// Server → client message types.
const (
	TypeSnapshot = "snapshot"
	TypeError    = "error"

	TypeAccountsBalance = "accounts-balance"
	TypeChainHash       = "chain-hash"

	EventHeadChanged        = "chain-head-changed"
	EventConsensusUp        = "consensus-established"
	EventConsensusLost      = "consensus-lost"
	EventConsensusSyncing   = "consensus-syncing"
	EventPeersChanged       = "network-peers-changed"
	EventPeerJoined         = "network-peer-joined"
	EventPeerLeft           = "network-peer-left"
	EventTransactionAdded   = "txpool-transaction-added"
	EventTxPoolReady        = "txpool-ready"
	EventMinerStarted       = "miner-started"
	EventMinerStopped       = "miner-stopped"
	EventHashrateChanged    = "miner-hashrate-changed"
	EventBlockMined         = "miner-block-mined"
	EventWalletChanged      = "wallet-changed"
	EventAccountChangedBase = "account-changed"
)

// BroadcastEvents is the register-listener allow-list for plain types.
// Keyed registrations are validated against KeyedBases instead.
var BroadcastEvents = []string{
	EventHeadChanged,
	EventConsensusUp,
	EventConsensusLost,
	EventConsensusSyncing,
	EventPeersChanged,
	EventPeerJoined,
	EventPeerLeft,
	EventTransactionAdded,
	EventTxPoolReady,
	EventMinerStarted,
	EventMinerStopped,
	EventHashrateChanged,
	EventBlockMined,
	EventWalletChanged,
}

// KeyedBases lists the base types that accept a key.
var KeyedBases = []string{
	EventAccountChangedBase,
}

// StateType returns the full-state message type for a component
// ("chain" → "chain-state").
func StateType(component string) string {
	return component + "-state"
}

// KnownComponent reports whether name is a mirrored component.
func KnownComponent(name string) bool {
	for _, c := range Components {
		if c == name {
			return true
		}
	}
	return false
}

// GetStatePayload is the data of a get-state command.
type GetStatePayload struct {
	Type string `json:"type"`
}

// ListenerPayload is the data of register-listener and unregister-listener.
// Key is set only for keyed types.
type ListenerPayload struct {
	Type string `json:"type"`
	Key  string `json:"key,omitempty"`
}

// BalanceQuery is the data of accounts-get-balance.
type BalanceQuery struct {
	Address string `json:"address"`
}

// BalancePayload answers accounts-get-balance.
type BalancePayload struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}

// ChainHashPayload answers chain-get-hash.
type ChainHashPayload struct {
	Hash string `json:"hash"`
}

// AccountChange is the payload of a keyed account-changed event.
type AccountChange struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce,omitempty"`
}
