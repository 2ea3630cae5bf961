// Package realtime subscribes to server pushes over a websocket and keeps
// the connection alive across network drops.
package realtime

import (
	"context"
	"net/http"
	"net/url"
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/fieldsync/internal/clock"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/sync/backoff"
)

const (
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	eventBuffer    = 64
)

// State is the connection state.
type State string

// Connection states. A client moves disconnected -> connecting ->
// connected, and connected -> reconnecting -> connected after a drop.
// Cancelling the subscription returns it to disconnected.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// DefaultBackoff is the reconnect policy.
func DefaultBackoff() backoff.Policy {
	return backoff.Policy{Base: time.Second, Max: 30 * time.Second, Jitter: 0.3}
}

// Client is a realtime subscription client.
type Client struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	events  []string
	backoff backoff.Policy
	clock   clock.Clock
	log     *logging.Logger

	mu      gosync.RWMutex
	state   State
	running bool
	onState func(State)
}

// Option configures a Client.
type Option func(*Client)

// WithClock sets the clock used for reconnect delays.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithLogger sets the client logger.
func WithLogger(l *logging.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// WithBackoff sets the reconnect policy.
func WithBackoff(p backoff.Policy) Option {
	return func(cl *Client) { cl.backoff = p }
}

// WithToken sends a bearer token on the handshake.
func WithToken(token string) Option {
	return func(cl *Client) {
		if token != "" {
			cl.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithEvents limits delivery to the given event types. The default is
// every event.
func WithEvents(types ...EventType) Option {
	return func(cl *Client) {
		cl.events = cl.events[:0]
		for _, t := range types {
			cl.events = append(cl.events, string(t))
		}
	}
}

// WithStateHandler is called on every state change. It must not block.
func WithStateHandler(fn func(State)) Option {
	return func(cl *Client) { cl.onState = fn }
}

// NewClient creates a Client for a ws:// or wss:// URL.
func NewClient(rawURL string, opts ...Option) *Client {
	c := &Client{
		url:     rawURL,
		header:  make(http.Header),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoff: DefaultBackoff(),
		clock:   clock.Real(),
		log:     logging.Get().Named("realtime"),
		state:   StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()

	c.log.Debug("Realtime state changed", map[string]interface{}{"state": string(s)})
	if fn != nil {
		fn(s)
	}
}

// Subscribe connects and streams events until ctx is done, reconnecting
// with backoff after every drop. The channel is closed when the
// subscription ends. Only one subscription may run at a time.
func (c *Client) Subscribe(ctx context.Context) (<-chan Event, error) {
	u, err := url.Parse(c.url)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "realtime url must be ws:// or wss://")
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrInvalid, "realtime subscription already running")
	}
	c.running = true
	c.mu.Unlock()

	out := make(chan Event, eventBuffer)
	go c.run(ctx, out)
	return out, nil
}

func (c *Client) run(ctx context.Context, out chan<- Event) {
	defer func() {
		c.setState(StateDisconnected)
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(out)
	}()

	var attempt uint32
	connected := false
	for {
		if connected {
			c.setState(StateReconnecting)
		} else {
			c.setState(StateConnecting)
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := c.backoff.Next(attempt)
			c.log.Warn("Realtime connect failed", map[string]interface{}{
				"error":   err.Error(),
				"attempt": attempt + 1,
				"retry":   delay.String(),
			})
			attempt++
			if !c.sleep(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		connected = true
		c.setState(StateConnected)
		c.log.Info("Realtime connected", map[string]interface{}{"url": c.url})

		err = c.read(ctx, conn, out)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("Realtime connection lost", map[string]interface{}{"error": err.Error()})
		if !c.sleep(ctx, c.backoff.Next(0)) {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return nil, err
	}
	if len(c.events) > 0 {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		msg := map[string]interface{}{"action": "subscribe", "events": c.events}
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// read delivers events until the connection fails or ctx is done.
func (c *Client) read(ctx context.Context, conn *websocket.Conn, out chan<- Event) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, ok, err := decodeEvent(raw)
		if err != nil {
			c.log.Warn("Dropping malformed realtime message", map[string]interface{}{"error": err.Error()})
			continue
		}
		if !ok {
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-c.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
