// Package channel maintains the persistent, authenticated websocket
// connection to the archive server. Inbound messages are decoded into their
// protocol types and dispatched to handlers sequentially on a single
// goroutine, preserving the server's send order.
package channel

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/photarc/photarc/internal/auth"
	"github.com/photarc/photarc/internal/logging"
	"github.com/photarc/photarc/internal/protocol"
)

// ConnState reports connectivity transitions to interested parties.
type ConnState int

const (
	// StateConnected fires once after the initial dial.
	StateConnected ConnState = iota
	// StateDisconnected fires when the transport drops.
	StateDisconnected
	// StateReconnected fires when a retry succeeds. The session is fresh:
	// the owner must re-request authoritative state.
	StateReconnected
	// StateGaveUp fires when the bounded retries are exhausted.
	StateGaveUp
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnected:
		return "reconnected"
	case StateGaveUp:
		return "gave up"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned by Send while the transport is down.
	// Nothing is queued; the caller's action simply fails.
	ErrNotConnected = errors.New("channel not connected")
	// ErrTokenExpired is returned by Dial for a session token that is
	// already past its expiry.
	ErrTokenExpired = errors.New("session token expired")
)

const (
	defaultMaxRetries = 5
	defaultRetryDelay = time.Second
)

// Config holds the dial parameters.
type Config struct {
	// URL is the server base URL (http or https); the websocket endpoint
	// is derived from it.
	URL string
	// Token is the bearer session token. Optional for servers that run
	// without auth.
	Token string
	// ClientID identifies this client across reconnects.
	ClientID string
	// MaxRetries bounds reconnect attempts after a transport loss.
	MaxRetries int
	// RetryDelay is the base backoff; attempt n waits n times this.
	RetryDelay time.Duration

	Logger *logging.Logger
}

// Handler receives a decoded event payload.
type Handler func(payload any)

// Channel is one logical connection to the server.
type Channel struct {
	cfg      Config
	endpoint string
	log      *logging.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	handlerMu sync.Mutex
	handlers  map[string]Handler
	notify    []func(ConnState)

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the server and starts the dispatch loop. The initial
// dial is not retried; reconnects after a transport loss are, with bounded
// attempts and backoff.
func Dial(cfg Config) (*Channel, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Token != "" {
		if exp, err := auth.Expiry(cfg.Token); err == nil && time.Now().After(exp) {
			return nil, ErrTokenExpired
		}
	}

	endpoint, err := websocketEndpoint(cfg.URL, cfg.ClientID)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		cfg:      cfg,
		endpoint: endpoint,
		log:      cfg.Logger,
		handlers: make(map[string]Handler),
		closed:   make(chan struct{}),
	}

	conn, err := c.dial()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	c.setConn(conn)
	c.log.Info().Str("endpoint", endpoint).Msg("channel connected")
	c.notifyState(StateConnected)
	go c.readLoop(conn)
	return c, nil
}

// websocketEndpoint derives the ws(s) endpoint from the server base URL.
func websocketEndpoint(base, clientID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	if clientID != "" {
		q := u.Query()
		q.Set("client_id", clientID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Channel) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(c.endpoint, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.log.Warn().Err(err).Int("status", status).Msg("channel dial failed")
		return nil, err
	}
	return conn, nil
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
}

// readLoop decodes and dispatches inbound messages until the transport
// drops, then hands off to the reconnect loop.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		payload, err := protocol.Decode(env)
		if err != nil {
			c.log.Warn().Err(err).Str("event", env.Event).Msg("dropping undecodable event")
			continue
		}
		c.dispatch(env.Event, payload)
	}

	c.setConn(nil)
	select {
	case <-c.closed:
		return
	default:
	}
	c.log.Warn().Msg("channel disconnected")
	c.notifyState(StateDisconnected)
	c.reconnect()
}

func (c *Channel) dispatch(event string, payload any) {
	c.handlerMu.Lock()
	h := c.handlers[event]
	c.handlerMu.Unlock()
	if h == nil {
		c.log.Debug().Str("event", event).Msg("no handler for event")
		return
	}
	h(payload)
}

// reconnect re-establishes the connection with bounded attempts and linear
// backoff. A successful reconnect is a fresh logical session.
func (c *Channel) reconnect() {
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		select {
		case <-c.closed:
			return
		case <-time.After(time.Duration(attempt) * c.cfg.RetryDelay):
		}
		conn, err := c.dial()
		if err != nil {
			c.log.Warn().Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		c.setConn(conn)
		c.log.Info().Int("attempt", attempt).Msg("channel reconnected")
		c.notifyState(StateReconnected)
		go c.readLoop(conn)
		return
	}
	c.log.Error().Int("attempts", c.cfg.MaxRetries).Msg("channel reconnect attempts exhausted")
	c.notifyState(StateGaveUp)
}

// Send writes a request to the server. Fails with ErrNotConnected while the
// transport is down; requests are never queued.
func (c *Channel) Send(req protocol.Request) error {
	env, err := protocol.Encode(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s: %w", req.EventName(), err)
	}
	return nil
}

// On installs the handler for an event, replacing any previous one.
func (c *Channel) On(event string, h Handler) {
	c.handlerMu.Lock()
	c.handlers[event] = h
	c.handlerMu.Unlock()
}

// Once installs a handler that removes itself before running.
func (c *Channel) Once(event string, h Handler) {
	c.On(event, func(payload any) {
		c.Off(event)
		h(payload)
	})
}

// Off removes the handler for an event.
func (c *Channel) Off(event string) {
	c.handlerMu.Lock()
	delete(c.handlers, event)
	c.handlerMu.Unlock()
}

// Notify registers a connectivity observer.
func (c *Channel) Notify(fn func(ConnState)) {
	c.handlerMu.Lock()
	c.notify = append(c.notify, fn)
	c.handlerMu.Unlock()
}

func (c *Channel) notifyState(state ConnState) {
	c.handlerMu.Lock()
	observers := make([]func(ConnState), len(c.notify))
	copy(observers, c.notify)
	c.handlerMu.Unlock()
	for _, fn := range observers {
		fn(state)
	}
}

// Connected reports whether the transport is currently up.
func (c *Channel) Connected() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn != nil
}

// Close tears the channel down. No reconnect is attempted afterwards.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		if c.conn != nil {
			err = c.conn.Close()
			c.conn = nil
		}
		c.writeMu.Unlock()
	})
	return err
}
