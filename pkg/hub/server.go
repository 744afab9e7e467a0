package hub

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chainview-dev/chainview/pkg/middleware"
)

// ServerConfig holds the HTTP/WebSocket server configuration.
type ServerConfig struct {
	// Address to listen on. Default: ":8547".
	Address string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// AllowedOrigins lists Origin header values accepted for WebSocket
	// upgrades. Empty means all origins are accepted.
	AllowedOrigins []string

	ReadBufferSize  int
	WriteBufferSize int

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	Logger *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with defaults filled in.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:           ":8547",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   15 * time.Second,
	}
}

// Server exposes a hub over HTTP: the WebSocket endpoint, a greeting on
// the root path, Prometheus metrics, and a health probe.
type Server struct {
	hub      *Hub
	config   *ServerConfig
	upgrader websocket.Upgrader

	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wraps a hub in its HTTP front.
func NewServer(h *Hub, config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	} else {
		defaults := DefaultServerConfig()
		if config.Address == "" {
			config.Address = defaults.Address
		}
		if config.ReadBufferSize == 0 {
			config.ReadBufferSize = defaults.ReadBufferSize
		}
		if config.WriteBufferSize == 0 {
			config.WriteBufferSize = defaults.WriteBufferSize
		}
		if config.ReadHeaderTimeout == 0 {
			config.ReadHeaderTimeout = defaults.ReadHeaderTimeout
		}
		if config.ShutdownTimeout == 0 {
			config.ShutdownTimeout = defaults.ShutdownTimeout
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	s := &Server{
		hub:    h,
		config: config,
		logger: logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Handler returns the routed http.Handler, for mounting in external
// routers or tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.Prometheus())
	r.Use(middleware.OpenTelemetry())

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ChainView hub\n"))
	})
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	sock := s.hub.AddSocket(conn, r.RemoteAddr)
	go s.readLoop(conn, sock)
}

// readLoop pumps inbound frames into the hub until the peer goes away.
// Any read error closes the socket, which also unregisters it from every
// listener entry.
func (s *Server) readLoop(conn *websocket.Conn, sock *Socket) {
	defer sock.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.hub.HandleMessage(sock, data)
	}
}

// Run starts the server and blocks until a shutdown signal or listener
// error.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if s.config.CertFile != "" && s.config.KeyFile != "" {
			s.logger.Info("server starting", "address", s.config.Address, "tls", true)
			errCh <- s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
			return
		}
		s.logger.Info("server starting", "address", s.config.Address)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-shutdown:
		s.logger.Info("shutting down")
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}
	s.logger.Info("server shutdown complete")
	return nil
}
