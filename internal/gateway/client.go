package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hirecj/cj-gateway/internal/config"
	"github.com/hirecj/cj-gateway/internal/domain"
	"github.com/hirecj/cj-gateway/internal/logging"
)

// Client connection lifecycle states.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// ErrReconnectExhausted is surfaced when the reconnect attempt budget runs
// out. The owning application decides what happens next; the client does not
// retry further.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ClientOptions configures the connection client.
type ClientOptions struct {
	URL    string
	Header http.Header

	ReconnectInitial  time.Duration // default 1s
	ReconnectMax      time.Duration // default 30s
	ReconnectAttempts int           // default 10
	QueueMaxAge       time.Duration // default 5m

	// OnEnvelope is called for every inbound envelope, in arrival order.
	OnEnvelope func(env domain.Envelope)
	// OnState is called on every lifecycle state change.
	OnState func(state State)
}

// ClientOptionsFromConfig maps the client section of the config file onto
// ClientOptions. Zero config values fall through to NewClient's defaults.
func ClientOptionsFromConfig(cfg config.ClientConfig, url string) ClientOptions {
	return ClientOptions{
		URL:               url,
		ReconnectInitial:  time.Duration(cfg.ReconnectInitialMs) * time.Millisecond,
		ReconnectMax:      time.Duration(cfg.ReconnectMaxMs) * time.Millisecond,
		ReconnectAttempts: cfg.ReconnectAttempts,
		QueueMaxAge:       time.Duration(cfg.QueueMaxAgeSeconds) * time.Second,
	}
}

type queuedEnvelope struct {
	env domain.Envelope
	at  time.Time
}

// Client is the client side of the connection gateway: an explicit
// disconnected/connecting/connected state machine with exponential-backoff
// reconnection and an in-memory outbound queue for offline sends.
//
// The client never pings; liveness is server-driven and the underlying
// transport answers the server's pings automatically.
type Client struct {
	opts    ClientOptions
	backoff Backoff
	log     *logging.Logger

	mu    sync.Mutex
	state State
	ws    *websocket.Conn
	queue []queuedEnvelope
}

// NewClient creates a client with defaults applied.
func NewClient(opts ClientOptions, log *logging.Logger) *Client {
	if opts.ReconnectInitial == 0 {
		opts.ReconnectInitial = time.Second
	}
	if opts.ReconnectMax == 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.ReconnectAttempts == 0 {
		opts.ReconnectAttempts = 10
	}
	if opts.QueueMaxAge == 0 {
		opts.QueueMaxAge = 5 * time.Minute
	}
	return &Client{
		opts:  opts,
		state: StateDisconnected,
		backoff: Backoff{
			Initial:     opts.ReconnectInitial,
			Max:         opts.ReconnectMax,
			MaxAttempts: opts.ReconnectAttempts,
		},
		log: log.Sub("client"),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen returns the number of envelopes waiting for reconnect.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Send delivers an envelope if the transport is open, otherwise enqueues it
// with its enqueue timestamp. Queued envelopes replay in order ahead of any
// new traffic on reconnect; delivery is best-effort, entries past the max
// age are dropped at flush time.
func (c *Client) Send(env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected && c.ws != nil {
		return c.ws.WriteJSON(env)
	}
	c.queue = append(c.queue, queuedEnvelope{env: env, at: time.Now()})
	return nil
}

// Run drives the connection state machine until the context is cancelled or
// the reconnect budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.setState(StateConnecting)

		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if err != nil {
			delay, ok := c.backoff.Next()
			if !ok {
				c.setState(StateDisconnected)
				return ErrReconnectExhausted
			}
			c.log.Debug().Err(err).Dur("retryIn", delay).Int("attempt", c.backoff.Attempt()).Msg("dial failed")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return ctx.Err()
			}
		}

		// Success resets the delay sequence immediately.
		c.backoff.Reset()

		if err := c.attach(ws); err != nil {
			c.log.Warn().Err(err).Msg("queue flush failed, reconnecting")
			ws.Close()
			continue
		}

		readErr := c.readLoop(ctx, ws)
		c.detach(ws)

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		c.log.Debug().Err(readErr).Msg("connection lost, reconnecting")
	}
}

// attach installs the socket, flushes the offline queue in original order,
// and flips to connected, all under the send lock: a concurrent Send cannot
// overtake a queued envelope or slip into a half-attached state.
func (c *Client) attach(ws *websocket.Conn) error {
	c.mu.Lock()

	cutoff := time.Now().Add(-c.opts.QueueMaxAge)
	for len(c.queue) > 0 {
		entry := c.queue[0]
		if entry.at.Before(cutoff) {
			// Too old: best-effort delivery, dropped silently.
			c.queue = c.queue[1:]
			continue
		}
		if err := ws.WriteJSON(entry.env); err != nil {
			c.mu.Unlock()
			return err
		}
		c.queue = c.queue[1:]
	}
	c.ws = ws
	c.state = StateConnected
	c.mu.Unlock()

	if c.opts.OnState != nil {
		c.opts.OnState(StateConnected)
	}
	return nil
}

func (c *Client) detach(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()
	ws.Close()
	if c.opts.OnState != nil {
		c.opts.OnState(StateDisconnected)
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var env domain.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn().Err(err).Msg("malformed inbound envelope")
			continue
		}
		if c.opts.OnEnvelope != nil {
			c.opts.OnEnvelope(env)
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}
