package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chainview-dev/chainview/pkg/protocol"
)

// wsConn is the slice of *websocket.Conn the socket layer uses; tests
// substitute a recorder.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Socket is one connected observer. Outbound frames go through a buffered
// send queue drained by a single write pump, so broadcasts never block on
// a slow peer; a peer that cannot drain its queue is disconnected.
type Socket struct {
	id     string
	conn   wsConn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	writeTimeout time.Duration
	onClose      func(*Socket)
}

func newSocket(id string, conn wsConn, buffer int, writeTimeout time.Duration, logger *slog.Logger) *Socket {
	s := &Socket{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		logger:       logger.With("socket", id),
		writeTimeout: writeTimeout,
	}
	go s.writePump()
	return s
}

// ID returns the socket identity used in logs and traces.
func (s *Socket) ID() string { return s.id }

func (s *Socket) writePump() {
	defer s.conn.Close()
	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("write failed", "error", err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// enqueue queues a frame for transmission. It reports false when the
// socket is closed or its queue is full.
func (s *Socket) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Send encodes and queues one message for this socket.
func (s *Socket) Send(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if !s.enqueue(data) {
		return ErrSocketClosed
	}
	return nil
}

// sendError sends a scoped error reply to this socket only.
func (s *Socket) sendError(command, message string) {
	s.Send(protocol.NewError(command, message))
}

// Close shuts the socket down. Idempotent; the hub's close hook runs once.
func (s *Socket) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
