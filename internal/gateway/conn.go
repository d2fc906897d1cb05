package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hirecj/cj-gateway/internal/domain"
	"github.com/hirecj/cj-gateway/internal/identity"
	"github.com/hirecj/cj-gateway/internal/logging"
)

// ErrConnClosed is returned when sending on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn is one live server-side WebSocket connection. A connection is
// ephemeral: it binds to a session after start_conversation and is destroyed
// on close, never persisted.
type Conn struct {
	ID          string
	Identity    identity.Identity
	Socket      *websocket.Conn
	ConnectedAt time.Time

	seq        atomic.Int64
	generation atomic.Int64

	mu      sync.Mutex
	closed  bool
	session *domain.Session

	log *logging.Logger
}

// NewConn wraps an upgraded socket with its resolved identity.
func NewConn(ws *websocket.Conn, id identity.Identity, log *logging.Logger) *Conn {
	return &Conn{
		ID:          uuid.New().String(),
		Identity:    id,
		Socket:      ws,
		ConnectedAt: time.Now(),
		log:         log,
	}
}

// Session returns the bound session, or nil before start_conversation.
func (c *Conn) Session() *domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// BindSession binds the conversation session established for this connection.
func (c *Conn) BindSession(sess *domain.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = sess
}

// Generation returns the connection's current workflow generation.
func (c *Conn) Generation() int64 {
	return c.generation.Load()
}

// BumpGeneration advances the workflow generation and returns the new value.
// In-flight agent results issued under an older generation are stale.
func (c *Conn) BumpGeneration() int64 {
	return c.generation.Add(1)
}

// Send writes an envelope to the client. Writes are serialized, so outbound
// order matches enqueue order. Thread-safe.
func (c *Conn) Send(env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.seq.Add(1)
	return c.Socket.WriteJSON(env)
}

// SendType marshals payload into an envelope of the given type and sends it.
func (c *Conn) SendType(typ string, payload any) error {
	env, err := domain.NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// SendError reports a protocol or workflow error to the client. The
// connection stays open.
func (c *Conn) SendError(correlationID, code, message string) {
	env, err := domain.NewEnvelope(domain.TypeError, domain.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	env.CorrelationID = correlationID
	if err := c.Send(env); err != nil && !errors.Is(err, ErrConnClosed) {
		c.log.Warn().Err(err).Str("connId", c.ID).Msg("failed to send error envelope")
	}
}

// Seq returns the number of envelopes sent on this connection.
func (c *Conn) Seq() int64 {
	return c.seq.Load()
}

// Close closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.Socket.Close()
}

// Registry tracks live connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	log   *logging.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{conns: make(map[string]*Conn), log: log}
}

// Add registers a connection.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	r.log.Info().Str("connId", c.ID).Str("conversationId", c.Identity.ConversationID).Msg("connection opened")
}

// Remove unregisters a connection by id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	r.log.Info().Str("connId", id).Msg("connection closed")
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every live connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.conns {
		c.Close()
		delete(r.conns, id)
	}
}
