// Package realtime maintains the console's websocket channel to the
// device-communication backend: subscription on open, heartbeat,
// typed message dispatch and reconnection after abnormal closes.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mes-console/backend/internal/clock"
	"github.com/mes-console/backend/internal/logging"
	"github.com/mes-console/backend/internal/metrics"
	"github.com/mes-console/backend/internal/models"
	"go.uber.org/zap"
)

// State is the connection state of the channel.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

var allStates = []string{
	string(StateConnecting),
	string(StateConnected),
	string(StateDisconnected),
	string(StateError),
}

// Defaults for Options.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectDelay    = 3 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	closeWriteWait           = time.Second
)

// ErrNotConnected is returned by Send while the channel is not connected.
var ErrNotConnected = errors.New("realtime: not connected")

// Identity is announced in the subscribe message and every ping.
type Identity struct {
	WorkstationID string
	SessionID     string
	Username      string
}

// Handler processes the data of one inbound message type.
type Handler func(data json.RawMessage)

// Options tunes timing.
type Options struct {
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	DialTimeout       time.Duration
}

// DefaultOptions returns the standard channel timing.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: DefaultHeartbeatInterval,
		ReconnectDelay:    DefaultReconnectDelay,
		DialTimeout:       DefaultDialTimeout,
	}
}

// Channel is a self-healing realtime connection. Inbound messages are
// read by a single goroutine and handled in arrival order.
type Channel struct {
	url    string
	dialer Dialer
	clock  clock.Clock
	log    *zap.Logger
	opts   Options

	mu             sync.Mutex
	state          State
	identity       Identity
	conn           Conn
	connDone       chan struct{}
	gen            uint64
	closed         bool
	reconnectTimer *clock.Timer
	lastHeartbeat  time.Time
	handlers       map[string]Handler
	listeners      []func(State)
	pending        []State
	notifyMu       sync.Mutex

	// gorilla connections allow one concurrent writer.
	writeMu sync.Mutex
}

// NewChannel creates a disconnected channel for url.
func NewChannel(url string, dialer Dialer, clk clock.Clock, log *zap.Logger, opts Options) *Channel {
	if clk == nil {
		clk = clock.Real()
	}
	if dialer == nil {
		dialer = NewWebsocketDialer(DefaultDialTimeout)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	metrics.SetRealtimeState(string(StateDisconnected), allStates)
	return &Channel{
		url:      url,
		dialer:   dialer,
		clock:    clk,
		log:      logging.OrNop(log).With(zap.String("component", "realtime")),
		opts:     opts,
		state:    StateDisconnected,
		handlers: make(map[string]Handler),
	}
}

// Handle registers fn for inbound messages of msgType, replacing any
// previous handler.
func (c *Channel) Handle(msgType string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = fn
}

// OnStateChange registers a listener called after every transition.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastHeartbeat returns the time of the last inbound message.
func (c *Channel) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// URL returns the backend endpoint.
func (c *Channel) URL() string { return c.url }

// Connect opens the channel for id. A failed dial is returned and a
// reconnect is scheduled, as for any abnormal close. On a live
// connection a changed identity is re-subscribed.
func (c *Channel) Connect(ctx context.Context, id Identity) error {
	c.mu.Lock()
	changed := c.identity != id
	c.identity = id
	c.closed = false
	live := c.conn != nil
	c.mu.Unlock()

	if live {
		if changed {
			c.log.Info("identity changed, resubscribing", zap.String("session", logging.ShortID(id.SessionID)))
			return c.subscribe(id)
		}
		return nil
	}
	return c.dial(ctx)
}

func (c *Channel) subscribe(id Identity) error {
	return c.Send(models.MsgTypeSubscribe, models.SubscribePayload{
		WorkstationID: id.WorkstationID,
		SessionID:     id.SessionID,
		Username:      id.Username,
	})
}

func (c *Channel) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting)
	c.unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	conn, err := c.dialer.Dial(dialCtx, c.url)

	c.mu.Lock()
	if err != nil {
		if gen == c.gen && !c.closed {
			c.log.Warn("dial failed", zap.String("url", c.url), zap.Error(err))
			c.setStateLocked(StateError)
			c.setStateLocked(StateDisconnected)
			c.scheduleReconnectLocked()
		}
		c.unlock()
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}

	done := make(chan struct{})
	c.conn = conn
	c.connDone = done
	c.lastHeartbeat = c.clock.Now()
	id := c.identity
	c.setStateLocked(StateConnected)
	ticker := c.clock.NewTicker(c.opts.HeartbeatInterval)
	c.unlock()

	c.log.Info("connected", zap.String("url", c.url), zap.String("session", logging.ShortID(id.SessionID)))

	if err := c.subscribe(id); err != nil {
		c.log.Warn("subscribe failed", zap.Error(err))
	}

	go c.heartbeat(ticker, done)
	go c.readLoop(gen, conn)
	return nil
}

func (c *Channel) heartbeat(ticker *clock.Ticker, done <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			sessionID := c.identity.SessionID
			c.mu.Unlock()
			if err := c.Send(models.MsgTypePing, models.PingPayload{SessionID: sessionID}); err != nil {
				c.log.Debug("heartbeat skipped", zap.Error(err))
			}
		}
	}
}

func (c *Channel) readLoop(gen uint64, conn Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(gen, err)
			return
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.lastHeartbeat = c.clock.Now()
		c.mu.Unlock()

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("malformed message ignored", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env models.Envelope) {
	if env.Type == models.MsgTypePong {
		return
	}

	c.mu.Lock()
	fn, ok := c.handlers[env.Type]
	c.mu.Unlock()

	if !ok {
		c.log.Info("unhandled message type", zap.String("type", env.Type))
		return
	}
	fn(env.Data)
}

func (c *Channel) handleReadError(gen uint64, err error) {
	c.mu.Lock()
	defer c.unlock()

	if gen != c.gen {
		return
	}
	conn := c.conn
	c.teardownLocked()
	if conn != nil {
		conn.Close()
	}

	if c.closed {
		c.setStateLocked(StateDisconnected)
		return
	}

	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure:
		c.log.Info("closed by backend", zap.String("reason", closeErr.Text))
		c.setStateLocked(StateDisconnected)
		return
	case errors.As(err, &closeErr):
		c.log.Warn("abnormal close", zap.Int("code", closeErr.Code), zap.String("reason", closeErr.Text))
		c.setStateLocked(StateDisconnected)
	default:
		c.log.Warn("transport error", zap.Error(err))
		c.setStateLocked(StateError)
		c.setStateLocked(StateDisconnected)
	}
	c.scheduleReconnectLocked()
}

func (c *Channel) teardownLocked() {
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.conn = nil
}

func (c *Channel) scheduleReconnectLocked() {
	if c.reconnectTimer != nil || c.closed {
		return
	}
	c.log.Info("reconnect scheduled", zap.Duration("delay", c.opts.ReconnectDelay))
	c.reconnectTimer = c.clock.AfterFunc(c.opts.ReconnectDelay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		metrics.RealtimeReconnects.Inc()
		c.dial(context.Background())
	})
}

// Send writes one envelope. It returns ErrNotConnected unless the
// channel is connected.
func (c *Channel) Send(msgType string, data any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if conn == nil || !connected {
		return ErrNotConnected
	}

	env, err := models.NewEnvelope(msgType, data, c.clock.Now())
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msgType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("writing %s: %w", msgType, err)
	}
	return nil
}

// Close ends the channel with a normal closure. It is terminal until
// the next Connect and cancels any pending reconnect.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.gen++
	c.teardownLocked()
	c.setStateLocked(StateDisconnected)
	c.unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout")
	if err := conn.WriteControl(websocket.CloseMessage, msg, c.clock.Now().Add(closeWriteWait)); err != nil {
		c.log.Debug("close frame not sent", zap.Error(err))
	}
	return conn.Close()
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.pending = append(c.pending, s)
	metrics.SetRealtimeState(string(s), allStates)
}

// unlock releases mu and then delivers queued transitions to the
// listeners, so listeners may call back into the channel.
func (c *Channel) unlock() {
	pending := c.pending
	c.pending = nil
	listeners := append([]func(State){}, c.listeners...)
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, s := range pending {
		for _, fn := range listeners {
			fn(s)
		}
	}
}
