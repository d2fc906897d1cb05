package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hirecj/cj-gateway/internal/config"
	"github.com/hirecj/cj-gateway/internal/domain"
	"github.com/hirecj/cj-gateway/internal/identity"
	"github.com/hirecj/cj-gateway/internal/logging"
	"github.com/hirecj/cj-gateway/internal/store"
	"github.com/hirecj/cj-gateway/internal/version"
)

// Close codes for unrecoverable internal faults. The client's reconnection
// state machine treats them as ordinary transient failures.
const (
	CloseInternalFault = 4500
)

// Handler processes a connection's inbound traffic. Handle is invoked
// strictly sequentially per connection; independent connections run in
// parallel.
type Handler interface {
	Handle(ctx context.Context, c *Conn, env domain.Envelope)
	HandleDisconnect(c *Conn)
}

// Server is the gateway HTTP + WebSocket server.
type Server struct {
	cfg      config.GatewayConfig
	resolver *identity.Resolver
	handler  Handler
	conns    *Registry
	handoffs *store.HandoffStore
	log      *logging.Logger

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	httpServer *http.Server
	upgrader   websocket.Upgrader
	mounts     []func(mux *http.ServeMux)
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithMount registers extra HTTP routes (e.g. the OAuth handlers).
func WithMount(mount func(mux *http.ServeMux)) ServerOption {
	return func(s *Server) {
		s.mounts = append(s.mounts, mount)
	}
}

// WithHandoffSweeper enables periodic deletion of expired handoff records.
func WithHandoffSweeper(handoffs *store.HandoffStore) ServerOption {
	return func(s *Server) {
		s.handoffs = handoffs
	}
}

// New creates a gateway server.
func New(cfg config.GatewayConfig, resolver *identity.Resolver, handler Handler, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:               cfg,
		resolver:          resolver,
		handler:           handler,
		conns:             NewRegistry(log.Sub("conns")),
		log:               log.Sub("gateway"),
		heartbeatInterval: time.Duration(cfg.HeartbeatSeconds) * time.Second,
		heartbeatTimeout:  time.Duration(cfg.HeartbeatTimeout) * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.AllowedOrigins),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// checkWebSocketOrigin returns a function that validates WebSocket Origin
// headers. If no origins are configured, only same-origin (no Origin header)
// or non-browser clients are allowed.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "loopback":
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	case "lan":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// RegisterRoutes mounts all HTTP routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	for _, mount := range s.mounts {
		mount(mux)
	}
	mux.HandleFunc("/", handleNotFound)
}

// Start begins listening for HTTP and WebSocket connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg)

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Bind).
		Str("version", version.Version).
		Msg("gateway server starting")

	if s.handoffs != nil {
		go s.sweepHandoffs(ctx)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.conns.CloseAll()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the server's listen address, or empty string if not started.
func (s *Server) Addr() string {
	if s.httpServer != nil {
		return s.httpServer.Addr
	}
	return ""
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	return s.conns.Count()
}

// sweepHandoffs periodically deletes expired handoff records.
func (s *Server) sweepHandoffs(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.handoffs.Sweep(ctx); err != nil {
				s.log.Warn().Err(err).Msg("handoff sweep failed")
			} else if n > 0 {
				s.log.Debug().Int64("removed", n).Msg("expired handoffs swept")
			}
		}
	}
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Connections int    `json:"connections,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{
		Status:      "ok",
		Version:     version.Version,
		Connections: s.conns.Count(),
	})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

// handleWebSocket upgrades HTTP to WebSocket and runs the connection loop.
// One goroutine per connection; that goroutine is the connection's worker.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Identity resolution never blocks a connection: bad credentials
	// degrade to anonymous.
	id := s.resolver.Resolve(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(s.cfg.MaxPayloadBytes)

	conn := NewConn(ws, id, s.log.Sub("ws"))
	s.conns.Add(conn)

	// Pong handling and the initial deadline are installed before either
	// loop starts; only Close and WriteControl are safe once reads begin.
	conn.Socket.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
	conn.Socket.SetPongHandler(func(string) error {
		return conn.Socket.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
	})

	heartbeatDone := make(chan struct{})
	go s.heartbeat(conn, heartbeatDone)

	defer func() {
		close(heartbeatDone)
		s.conns.Remove(conn.ID)
		s.handler.HandleDisconnect(conn)
		conn.Close()
	}()

	s.readLoop(r.Context(), conn)
}

// heartbeat runs the server-driven liveness check: ping on a fixed interval,
// declare the connection dead if no pong arrives within the timeout. The
// client never pings on its own.
func (s *Server) heartbeat(conn *Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.heartbeatInterval)
			if err := conn.Socket.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.Debug().Err(err).Str("connId", conn.ID).Msg("ping failed, closing")
				conn.Close()
				return
			}
		}
	}
}

// readLoop processes inbound envelopes strictly sequentially: the next
// message is not read until the handler for the current one returns.
func (s *Server) readLoop(ctx context.Context, conn *Conn) {
	for {
		_, raw, err := conn.Socket.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", conn.ID).Msg("client closed connection")
			} else {
				s.log.Debug().Err(err).Str("connId", conn.ID).Msg("read error")
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			conn.SendError("", domain.ErrCodeProtocol, "malformed envelope")
			continue
		}

		s.handler.Handle(ctx, conn, env)
	}
}
