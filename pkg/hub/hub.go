package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chainview-dev/chainview/pkg/eventbus"
	"github.com/chainview-dev/chainview/pkg/protocol"
)

// Config holds hub configuration.
type Config struct {
	// SendBuffer is the per-socket outbound queue length.
	// Default: 64.
	SendBuffer int

	// WriteTimeout bounds one frame transmission to a socket.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// StateTimeout bounds one collaborator state or balance lookup.
	// Default: 5 seconds.
	StateTimeout time.Duration

	// Logger receives hub diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with defaults filled in.
func DefaultConfig() *Config {
	return &Config{
		SendBuffer:   64,
		WriteTimeout: 10 * time.Second,
		StateTimeout: 5 * time.Second,
	}
}

// Hub owns the listener registry and fans domain events out to the
// sockets that registered for them. Registry mutations happen under one
// mutex; sockets are weak references, removed on close and never closed
// by the registry itself.
type Hub struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
	collab  Collaborators

	allowed    map[string]struct{}
	keyedBases map[string]struct{}

	mu       sync.Mutex
	registry map[string]map[*Socket]struct{}
	watches  map[string]*accountWatch // account address → domain feed watch
	sockets  map[*Socket]struct{}

	nextID atomic.Uint64
}

// New builds a hub over the given collaborators and binds their event
// buses to broadcast delivery.
func New(collab Collaborators, cfg *Config) *Hub {
	defaults := DefaultConfig()
	if cfg == nil {
		cfg = defaults
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.StateTimeout == 0 {
		cfg.StateTimeout = defaults.StateTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		cfg:        *cfg,
		logger:     logger.With("component", "hub"),
		tracer:     otel.Tracer("chainview/hub"),
		metrics:    hubMetrics(),
		collab:     collab,
		allowed:    make(map[string]struct{}, len(protocol.BroadcastEvents)),
		keyedBases: make(map[string]struct{}, len(protocol.KeyedBases)),
		registry:   make(map[string]map[*Socket]struct{}),
		watches:    make(map[string]*accountWatch),
		sockets:    make(map[*Socket]struct{}),
	}
	for _, typ := range protocol.BroadcastEvents {
		h.allowed[typ] = struct{}{}
	}
	for _, base := range protocol.KeyedBases {
		h.keyedBases[base] = struct{}{}
	}

	h.bindEvents()
	return h
}

// bindEvents subscribes to every collaborator bus, turning each canonical
// wire event into a broadcast.
func (h *Hub) bindEvents() {
	bind := func(c Component, types ...string) {
		if c == nil {
			return
		}
		bus := c.Events()
		if bus == nil {
			return
		}
		for _, typ := range types {
			bus.On(typ, func(payload any) {
				h.Broadcast(typ, payload)
			})
		}
	}

	bind(h.collab.Chain, protocol.EventHeadChanged)
	bind(h.collab.Consensus,
		protocol.EventConsensusUp,
		protocol.EventConsensusLost,
		protocol.EventConsensusSyncing)
	bind(h.collab.TxPool,
		protocol.EventTransactionAdded,
		protocol.EventTxPoolReady)
	bind(h.collab.Miner,
		protocol.EventMinerStarted,
		protocol.EventMinerStopped,
		protocol.EventHashrateChanged,
		protocol.EventBlockMined)
	bind(h.collab.Network,
		protocol.EventPeersChanged,
		protocol.EventPeerJoined,
		protocol.EventPeerLeft)
	bind(h.collab.Wallet, protocol.EventWalletChanged)
}

// AddSocket registers a new observer connection. The socket immediately
// receives an unsolicited full snapshot.
func (h *Hub) AddSocket(conn wsConn, remote string) *Socket {
	id := fmt.Sprintf("%s#%d", remote, h.nextID.Add(1))
	s := newSocket(id, conn, h.cfg.SendBuffer, h.cfg.WriteTimeout, h.logger)
	s.onClose = h.dropSocket

	h.mu.Lock()
	h.sockets[s] = struct{}{}
	h.mu.Unlock()

	h.metrics.activeSockets.Inc()
	h.metrics.socketsTotal.Inc()
	h.logger.Info("socket connected", "socket", id)

	go h.pushSnapshot(s)
	return s
}

// dropSocket removes a closing socket from every registry entry,
// equivalent to unregistering every type it held, and tears down keyed
// watches left without observers.
func (h *Hub) dropSocket(s *Socket) {
	h.mu.Lock()
	delete(h.sockets, s)

	type emptiedWatch struct {
		key string
		w   *accountWatch
	}
	var stops []emptiedWatch
	for wire, entry := range h.registry {
		if _, ok := entry[s]; !ok {
			continue
		}
		delete(entry, s)
		if len(entry) == 0 {
			delete(h.registry, wire)
			if sel := protocol.ParseSelector(wire); sel.IsKeyed() {
				if w := h.watches[sel.Key]; w != nil {
					delete(h.watches, sel.Key)
					stops = append(stops, emptiedWatch{key: sel.Key, w: w})
				}
			}
		}
	}
	h.mu.Unlock()

	for _, e := range stops {
		h.stopWatch(e.key, e.w)
	}

	h.metrics.activeSockets.Dec()
	h.logger.Info("socket disconnected", "socket", s.id)
}

// Broadcast serializes {type, data} once and delivers it to every socket
// registered for wireType. No registered sockets is a no-op; closed or
// clogged sockets are dropped silently, never an error.
func (h *Hub) Broadcast(wireType string, payload any) {
	h.mu.Lock()
	entry := h.registry[wireType]
	targets := make([]*Socket, 0, len(entry))
	for s := range entry {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	msg, err := protocol.NewMessage(wireType, payload)
	if err != nil {
		h.logger.Error("broadcast encode failed", "type", wireType, "error", err)
		return
	}
	raw, err := msg.Encode()
	if err != nil {
		h.logger.Error("broadcast encode failed", "type", wireType, "error", err)
		return
	}

	for _, s := range targets {
		if !s.enqueue(raw) {
			h.metrics.broadcastDropped.Inc()
			h.logger.Warn("socket cannot keep up, dropping", "socket", s.id)
			s.Close()
		}
	}
	h.metrics.broadcastsTotal.WithLabelValues(wireType).Add(float64(len(targets)))
}

// ListenerCount returns the number of sockets registered for a wire type.
func (h *Hub) ListenerCount(wireType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.registry[wireType])
}

// HandleMessage processes one inbound frame from a socket. Every failure
// is answered with a scoped error to that socket only; nothing here
// terminates the connection or affects other sockets.
func (h *Hub) HandleMessage(s *Socket, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		h.metrics.commandsTotal.WithLabelValues("malformed", "error").Inc()
		s.sendError("", fmt.Sprintf("malformed message: %v", err))
		return
	}

	ctx, span := h.tracer.Start(context.Background(), "hub."+msg.Type,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("chainview.command", msg.Type),
			attribute.String("chainview.socket", s.id),
		))
	defer span.End()

	// Label known commands individually; collapse the rest to keep metric
	// cardinality bounded.
	cmdLabel := "unsupported"

	var cmdErr error
	switch msg.Type {
	case protocol.CmdGetState:
		cmdLabel = msg.Type
		cmdErr = h.handleGetState(ctx, s, msg)
	case protocol.CmdGetSnapshot:
		cmdLabel = msg.Type
		cmdErr = h.handleGetSnapshot(ctx, s)
	case protocol.CmdRegisterListener:
		cmdLabel = msg.Type
		cmdErr = h.handleRegister(s, msg)
	case protocol.CmdUnregisterListener:
		cmdLabel = msg.Type
		cmdErr = h.handleUnregister(s, msg)
	case protocol.CmdGetBalance:
		cmdLabel = msg.Type
		cmdErr = h.handleGetBalance(ctx, s, msg)
	case protocol.CmdGetChainHash:
		cmdLabel = msg.Type
		cmdErr = h.handleGetChainHash(ctx, s)
	default:
		cmdErr = fmt.Errorf("%w: %s", ErrUnsupportedCommand, msg.Type)
	}

	status := "ok"
	if cmdErr != nil {
		status = "error"
		span.RecordError(cmdErr)
		span.SetStatus(codes.Error, cmdErr.Error())
		s.sendError(msg.Type, cmdErr.Error())
		h.logger.Debug("command failed", "command", msg.Type, "socket", s.id, "error", cmdErr)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	h.metrics.commandsTotal.WithLabelValues(cmdLabel, status).Inc()
}

func (h *Hub) handleGetState(ctx context.Context, s *Socket, msg protocol.Message) error {
	var p protocol.GetStatePayload
	if err := msg.DecodeInto(&p); err != nil {
		return err
	}

	comp := h.collab.byName(p.Type)
	if comp == nil {
		return fmt.Errorf("%w: %q", ErrUnknownComponent, p.Type)
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.StateTimeout)
	defer cancel()

	state, err := comp.State(ctx)
	if err != nil {
		return &LookupError{Command: protocol.CmdGetState, Err: err}
	}

	reply, err := protocol.NewMessage(protocol.StateType(p.Type), state)
	if err != nil {
		return &LookupError{Command: protocol.CmdGetState, Err: err}
	}
	return s.Send(reply)
}

func (h *Hub) handleGetSnapshot(ctx context.Context, s *Socket) error {
	snapshot, err := h.Snapshot(ctx)
	if err != nil {
		return err
	}
	return s.Send(snapshot)
}

// pushSnapshot sends the unsolicited on-connect snapshot.
func (h *Hub) pushSnapshot(s *Socket) {
	snapshot, err := h.Snapshot(context.Background())
	if err != nil {
		s.sendError(protocol.CmdGetSnapshot, err.Error())
		return
	}
	s.Send(snapshot)
}

// Snapshot assembles every component's full state concurrently. Any
// collaborator failure fails the whole snapshot; partial snapshots are
// never delivered.
func (h *Hub) Snapshot(ctx context.Context) (protocol.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.StateTimeout)
	defer cancel()

	type part struct {
		name  string
		state any
		err   error
	}

	parts := make([]part, 0, len(protocol.Components))
	for _, name := range protocol.Components {
		if h.collab.byName(name) != nil {
			parts = append(parts, part{name: name})
		}
	}

	var wg sync.WaitGroup
	for i := range parts {
		wg.Add(1)
		go func(p *part) {
			defer wg.Done()
			p.state, p.err = h.collab.byName(p.name).State(ctx)
		}(&parts[i])
	}
	wg.Wait()

	payload := make(map[string]any, len(parts))
	for _, p := range parts {
		if p.err != nil {
			return protocol.Message{}, &LookupError{Command: protocol.CmdGetSnapshot, Err: p.err}
		}
		payload[p.name] = p.state
	}
	return protocol.NewMessage(protocol.TypeSnapshot, payload)
}

func (h *Hub) handleRegister(s *Socket, msg protocol.Message) error {
	var p protocol.ListenerPayload
	if err := msg.DecodeInto(&p); err != nil {
		return err
	}

	if p.Key != "" {
		if _, ok := h.keyedBases[p.Type]; !ok {
			return fmt.Errorf("%w: %q is not a keyed type", ErrInvalidEventType, p.Type)
		}
		key, err := protocol.NormalizeAddress(p.Key)
		if err != nil {
			return err
		}
		wire := protocol.Keyed(p.Type, key).String()

		h.mu.Lock()
		entry := h.registry[wire]
		if entry == nil {
			entry = make(map[*Socket]struct{})
			h.registry[wire] = entry
		}
		entry[s] = struct{}{}
		// Reserve the watch slot under the same lock as the registry
		// mutation; only the reserving call wires the domain watch.
		var created *accountWatch
		if h.watches[key] == nil {
			created = &accountWatch{}
			h.watches[key] = created
		}
		h.mu.Unlock()

		if created != nil {
			h.wireWatch(key, wire, created)
		}
		return nil
	}

	if _, ok := h.allowed[p.Type]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidEventType, p.Type)
	}

	h.mu.Lock()
	entry := h.registry[p.Type]
	if entry == nil {
		entry = make(map[*Socket]struct{})
		h.registry[p.Type] = entry
	}
	entry[s] = struct{}{}
	h.mu.Unlock()
	return nil
}

func (h *Hub) handleUnregister(s *Socket, msg protocol.Message) error {
	var p protocol.ListenerPayload
	if err := msg.DecodeInto(&p); err != nil {
		return err
	}

	wire := p.Type
	var key string
	if p.Key != "" {
		norm, err := protocol.NormalizeAddress(p.Key)
		if err != nil {
			return err
		}
		key = norm
		wire = protocol.Keyed(p.Type, norm).String()
	}

	h.mu.Lock()
	entry := h.registry[wire]
	emptied := false
	if entry != nil {
		delete(entry, s)
		if len(entry) == 0 {
			delete(h.registry, wire)
			emptied = true
		}
	}
	var w *accountWatch
	if emptied && key != "" {
		w = h.watches[key]
		delete(h.watches, key)
	}
	h.mu.Unlock()

	if w != nil {
		h.stopWatch(key, w)
	}
	return nil
}

// accountWatch tracks one per-key domain subscription. Its map entry is
// reserved under the hub mutex before the collaborator call, so the
// listener may be wired, or the watch stopped, after the entry exists.
type accountWatch struct {
	mu       sync.Mutex
	listener *eventbus.Listener
	stopped  bool
}

// wireWatch attaches the domain-level subscription for a reserved key.
// When teardown finishes before wiring does, the fresh listener is
// withdrawn immediately.
func (h *Hub) wireWatch(key, wire string, w *accountWatch) {
	if h.collab.Accounts == nil {
		return
	}
	l, err := h.collab.Accounts.WatchAccount(key, func(payload any) {
		h.Broadcast(wire, payload)
	})
	if err != nil {
		h.logger.Error("account watch failed", "address", key, "error", err)
		h.mu.Lock()
		if h.watches[key] == w {
			delete(h.watches, key)
		}
		h.mu.Unlock()
		return
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		h.collab.Accounts.UnwatchAccount(key, l)
		return
	}
	w.listener = l
	w.mu.Unlock()
}

// stopWatch tears down one key's domain subscription. The caller removes
// the map entry under the hub mutex before calling.
func (h *Hub) stopWatch(key string, w *accountWatch) {
	w.mu.Lock()
	w.stopped = true
	l := w.listener
	w.listener = nil
	w.mu.Unlock()

	if l != nil && h.collab.Accounts != nil {
		h.collab.Accounts.UnwatchAccount(key, l)
	}
}

func (h *Hub) handleGetBalance(ctx context.Context, s *Socket, msg protocol.Message) error {
	if h.collab.Accounts == nil {
		return fmt.Errorf("%w: accounts", ErrUnknownComponent)
	}

	var q protocol.BalanceQuery
	if err := msg.DecodeInto(&q); err != nil {
		return err
	}
	addr, err := protocol.NormalizeAddress(q.Address)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.StateTimeout)
	defer cancel()

	balance, err := h.collab.Accounts.Balance(ctx, addr)
	if err != nil {
		return &LookupError{Command: protocol.CmdGetBalance, Err: err}
	}

	reply := protocol.MustMessage(protocol.TypeAccountsBalance,
		protocol.BalancePayload{Address: addr, Balance: balance})
	return s.Send(reply)
}

func (h *Hub) handleGetChainHash(ctx context.Context, s *Socket) error {
	if h.collab.Chain == nil {
		return fmt.Errorf("%w: chain", ErrUnknownComponent)
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.StateTimeout)
	defer cancel()

	hash, err := h.collab.Chain.HeadHash(ctx)
	if err != nil {
		return &LookupError{Command: protocol.CmdGetChainHash, Err: err}
	}

	reply := protocol.MustMessage(protocol.TypeChainHash, protocol.ChainHashPayload{Hash: hash})
	return s.Send(reply)
}
