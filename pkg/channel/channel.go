// Package channel implements the client side of the chainview wire
// protocol: a persistent, auto-reconnecting WebSocket transport that
// queues messages while disconnected, replays persistent commands on every
// new connection, and correlates requests with their responses on the
// shared multiplexed stream.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chainview-dev/chainview/pkg/eventbus"
	"github.com/chainview-dev/chainview/pkg/protocol"
)

// Events fired on the channel's bus. Message listeners receive the decoded
// protocol.Message as the payload; connection-error receives the error.
const (
	EventConnectionEstablished = "connection-established"
	EventConnectionLost        = "connection-lost"
	EventConnectionError       = "connection-error"
	EventMessage               = "message"
)

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned when an operation is attempted on a closed
	// channel.
	ErrClosed = errors.New("channel: closed")

	// ErrWriteFailed is returned when a transmission on a live connection
	// fails; the connection is torn down and a reconnect is scheduled.
	ErrWriteFailed = errors.New("channel: write failed")
)

// Matcher decides whether an inbound message resolves a pending request.
type Matcher func(protocol.Message) bool

// TypeMatcher matches messages by exact wire type.
func TypeMatcher(typ string) Matcher {
	return func(m protocol.Message) bool { return m.Type == typ }
}

// Config holds configuration for a Channel.
type Config struct {
	// URL is the WebSocket endpoint (e.g. "wss://localhost:8334/ws").
	URL string

	// RetryDelay is the fixed delay between reconnect attempts.
	// Default: 5 seconds.
	RetryDelay time.Duration

	// DialTimeout bounds a single connection attempt.
	// Default: 10 seconds.
	DialTimeout time.Duration

	// WriteTimeout bounds a single frame transmission.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// RequestTimeout bounds Request calls whose context carries no
	// deadline. Zero means requests wait indefinitely.
	// Default: 0.
	RequestTimeout time.Duration

	// Logger receives transport diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with defaults filled in. URL must still
// be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		RetryDelay:   5 * time.Second,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

type pendingRequest struct {
	match Matcher
	ch    chan protocol.Message
}

// Channel is a reconnecting duplex message transport. It owns a replay
// list of persistent messages resent on every connection, an ephemeral
// queue flushed once after connect, and a set of pending request matchers.
//
// Bookkeeping is serialized under one mutex; listener callbacks run on the
// goroutine that triggered them (the read loop for inbound traffic).
type Channel struct {
	cfg    Config
	logger *slog.Logger
	bus    *eventbus.Bus
	dialer *websocket.Dialer

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	persistent []protocol.Message
	queue      []protocol.Message
	pending    []*pendingRequest
	retry      *time.Timer
	closed     bool

	writeMu sync.Mutex // serializes all conn writes
}

// New creates a Channel for the given config. The channel starts
// disconnected; call Connect to begin dialing.
func New(cfg *Config) *Channel {
	defaults := DefaultConfig()
	if cfg == nil {
		cfg = defaults
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Channel{
		cfg:    *cfg,
		logger: logger.With("component", "channel"),
		bus:    eventbus.New(),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel currently has a live connection.
func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// On registers a listener for one of the channel events.
func (c *Channel) On(event string, fn eventbus.Handler) (*eventbus.Listener, error) {
	return c.bus.On(event, fn)
}

// Once registers a listener that detaches after its first invocation.
func (c *Channel) Once(event string, fn eventbus.Handler) (*eventbus.Listener, error) {
	return c.bus.Once(event, fn)
}

// Off removes a listener registered with On or Once.
func (c *Channel) Off(event string, l *eventbus.Listener) {
	c.bus.Off(event, l)
}

// Connect starts dialing unless an attempt is already pending or a
// connection is open. It returns immediately; the outcome is reported via
// the connection events.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.closed || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.mu.Unlock()

	go c.dial()
}

// Close tears down the connection and stops reconnecting. The channel
// cannot be reused afterwards.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, p := range pending {
		close(p.ch)
	}
}

// Send transmits a message, or arranges for it to be transmitted later.
//
// Persistent messages join the replay list and are resent on every future
// connection. Non-persistent messages sent while disconnected join the
// ephemeral queue and are flushed once on the next connect.
func (c *Channel) Send(msg protocol.Message, persistent bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if persistent {
		c.persistent = append(c.persistent, msg)
	}
	conn := c.conn
	if conn == nil {
		if !persistent {
			c.queue = append(c.queue, msg)
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.transmit(conn, msg)
}

// DropPersistent removes every replay-list entry the predicate matches.
// It reports how many entries were removed.
func (c *Channel) DropPersistent(match func(protocol.Message) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.persistent[:0]
	removed := 0
	for _, msg := range c.persistent {
		if match(msg) {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	c.persistent = kept
	return removed
}

// Request sends msg and waits for the first inbound message the matcher
// accepts. The matcher is consulted for every inbound message and removed
// once it resolves; a later matching message is delivered to other
// observers only.
//
// If ctx carries no deadline and the channel has a RequestTimeout
// configured, that timeout applies.
func (c *Channel) Request(ctx context.Context, msg protocol.Message, match Matcher) (protocol.Message, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	req := &pendingRequest{
		match: match,
		ch:    make(chan protocol.Message, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Message{}, ErrClosed
	}
	c.pending = append(c.pending, req)
	c.mu.Unlock()

	if err := c.Send(msg, false); err != nil {
		c.removePending(req)
		return protocol.Message{}, err
	}

	select {
	case reply, ok := <-req.ch:
		if !ok {
			return protocol.Message{}, ErrClosed
		}
		return reply, nil
	case <-ctx.Done():
		c.removePending(req)
		return protocol.Message{}, ctx.Err()
	}
}

func (c *Channel) removePending(req *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cand := range c.pending {
		if cand == req {
			c.pending = append(c.pending[:i:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *Channel) dial() {
	conn, _, err := c.dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		c.logger.Warn("dial failed", "url", c.cfg.URL, "error", err)
		c.bus.Fire(EventConnectionError, err)
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = StateConnected
	replay := make([]protocol.Message, len(c.persistent))
	copy(replay, c.persistent)
	flush := c.queue
	c.queue = nil
	c.mu.Unlock()

	// Persistent replay first, then the one-shot queue, then the event.
	for _, msg := range replay {
		if err := c.transmit(conn, msg); err != nil {
			return
		}
	}
	for _, msg := range flush {
		if err := c.transmit(conn, msg); err != nil {
			return
		}
	}

	go c.readLoop(conn)

	c.logger.Info("connected", "url", c.cfg.URL)
	c.bus.Fire(EventConnectionEstablished, nil)
}

func (c *Channel) transmit(conn *websocket.Conn, msg protocol.Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, raw)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Error("write failed", "type", msg.Type, "error", err)
		c.connectionLost(conn, err)
		return errors.Join(ErrWriteFailed, err)
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("inbound decode failed", "error", err)
			continue
		}

		c.resolvePending(msg)
		c.bus.Fire(EventMessage, msg)
	}
}

// resolvePending delivers msg to every pending request whose matcher
// accepts it and removes those requests. Requests are matched
// independently; each resolves at most once.
func (c *Channel) resolvePending(msg protocol.Message) {
	c.mu.Lock()
	var resolved []*pendingRequest
	kept := c.pending[:0]
	for _, req := range c.pending {
		if req.match(msg) {
			resolved = append(resolved, req)
			continue
		}
		kept = append(kept, req)
	}
	c.pending = kept
	c.mu.Unlock()

	for _, req := range resolved {
		req.ch <- msg
	}
}

// connectionLost tears down a dead connection and schedules a reconnect.
// Stale calls for an already-replaced connection are ignored.
func (c *Channel) connectionLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	closed := c.closed
	c.mu.Unlock()

	conn.Close()
	if closed {
		return
	}

	c.logger.Warn("connection lost", "error", cause)
	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.bus.Fire(EventConnectionError, cause)
	}
	c.bus.Fire(EventConnectionLost, nil)
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.state == StateConnecting {
		// A fresh dial already failed; fall back to disconnected so the
		// timer's Connect is not suppressed.
		c.state = StateDisconnected
	}
	if c.retry != nil {
		return
	}
	c.retry = time.AfterFunc(c.cfg.RetryDelay, func() {
		c.mu.Lock()
		c.retry = nil
		c.mu.Unlock()
		c.Connect()
	})
}
