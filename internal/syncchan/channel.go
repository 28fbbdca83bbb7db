// Package syncchan keeps one persistent, reconnecting connection to the run
// synchronization relay and exposes it as a typed envelope stream.
package syncchan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"backend-runsync/internal/observe"
	"backend-runsync/internal/wire"
)

var (
	ErrNotConnected       = errors.New("sync channel not connected")
	ErrReconnectExhausted = errors.New("sync channel reconnect attempts exhausted")
	ErrNoEndpoint         = errors.New("sync endpoint required")
)

type Config struct {
	// BaseDelay is multiplied by the attempt number for each retry.
	BaseDelay         time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:         2 * time.Second,
		MaxAttempts:       5,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	return c.BaseDelay * time.Duration(attempt)
}

type Option func(*Channel)

func WithConfig(cfg Config) Option {
	return func(c *Channel) { c.cfg = cfg }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// Channel owns the socket, its reconnect timer and its heartbeat.
type Channel struct {
	dialer Dialer
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	// afterFunc schedules a retry and returns its cancel func.
	afterFunc func(time.Duration, func()) func() bool

	mu            sync.Mutex
	state         State
	changed       chan struct{}
	endpoint      string
	conn          Conn
	gen           uint64
	attempts      int
	deliberate    bool
	cancelDial    context.CancelFunc
	stopRetry     func() bool
	stopHeartbeat chan struct{}

	writeMu sync.Mutex

	states  observe.Feed[State]
	inbound observe.Feed[wire.Envelope]
}

func New(dialer Dialer, opts ...Option) *Channel {
	c := &Channel{
		dialer:  dialer,
		cfg:     DefaultConfig(),
		logger:  slog.Default(),
		now:     time.Now,
		changed: make(chan struct{}),
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the connection unless one is open or being established.
// Calling it after a terminal error starts over with a fresh retry budget.
func (c *Channel) Connect(endpoint string) error {
	if endpoint == "" {
		return ErrNoEndpoint
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Kind == Connecting || c.state.Kind == Connected || c.stopRetry != nil {
		return nil
	}
	c.endpoint = endpoint
	c.deliberate = false
	c.attempts = 0
	c.dialLocked()
	return nil
}

// Disconnect closes the connection and suppresses reconnection. It cancels
// any pending retry and the heartbeat and is safe to call repeatedly.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deliberate = true
	c.gen++
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.stopRetry != nil {
		c.stopRetry()
		c.stopRetry = nil
	}
	c.closeConnLocked()
	c.attempts = 0
	c.setStateLocked(State{Kind: Disconnected})
}

// Send transmits env while connected. Otherwise the envelope is dropped and
// ErrNotConnected returned; nothing is queued.
func (c *Channel) Send(env wire.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state.Kind == Connected && conn != nil
	c.mu.Unlock()

	if !connected {
		c.logger.Debug("sync message dropped", "type", string(env.Type), "reason", "not connected")
		return ErrNotConnected
	}

	data, err := wire.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Kind == Connected
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitConnected blocks until the channel is connected, the retry budget is
// spent, the channel is deliberately disconnected, or ctx is done.
func (c *Channel) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		state := c.state
		idle := state.Kind == Disconnected
		changed := c.changed
		c.mu.Unlock()

		switch {
		case state.Kind == Connected:
			return nil
		case state.Kind == Errored && state.Terminal:
			return fmt.Errorf("%w: %s", ErrReconnectExhausted, state.Message)
		case idle:
			return ErrNotConnected
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SubscribeStates streams connection state changes. Values are dropped for a
// subscriber whose buffer is full.
func (c *Channel) SubscribeStates(buffer int) (<-chan State, func()) {
	return c.states.Subscribe(buffer)
}

// SubscribeInbound streams decoded envelopes other than Ping and Pong.
func (c *Channel) SubscribeInbound(buffer int) (<-chan wire.Envelope, func()) {
	return c.inbound.Subscribe(buffer)
}

func (c *Channel) setStateLocked(s State) {
	if s == c.state {
		return
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
	c.states.Offer(s)
	c.logger.Debug("sync channel state changed", "state", s.String())
}

func (c *Channel) dialLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.setStateLocked(State{Kind: Connecting})
	go c.dial(ctx, gen, c.endpoint)
}

func (c *Channel) dial(ctx context.Context, gen uint64, endpoint string) {
	conn, err := c.dialer.Dial(ctx, endpoint)

	c.mu.Lock()
	if gen != c.gen || c.deliberate {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if err != nil {
		c.failLocked(err)
		c.mu.Unlock()
		return
	}

	stop := make(chan struct{})
	c.conn = conn
	c.stopHeartbeat = stop
	c.attempts = 0
	c.setStateLocked(State{Kind: Connected})
	c.mu.Unlock()

	c.logger.Info("sync channel connected", "endpoint", endpoint)
	go c.readLoop(gen, conn, stop)
	go c.heartbeat(stop)
}

// failLocked handles a non-deliberate failure: schedule a linear backoff retry
// or give up once MaxAttempts retries have failed.
func (c *Channel) failLocked(cause error) {
	c.closeConnLocked()
	c.attempts++

	if c.attempts > c.cfg.MaxAttempts {
		c.logger.Error("sync channel giving up", "attempts", c.attempts-1, "error", cause)
		c.setStateLocked(State{Kind: Errored, Message: cause.Error(), Terminal: true})
		return
	}

	delay := c.cfg.Backoff(c.attempts)
	gen := c.gen
	c.logger.Warn("sync channel failure, reconnecting", "attempt", c.attempts, "delay", delay, "error", cause)
	c.setStateLocked(State{Kind: Errored, Message: cause.Error()})
	c.stopRetry = c.afterFunc(delay, func() { c.retry(gen) })
}

func (c *Channel) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.deliberate {
		return
	}
	c.stopRetry = nil
	c.dialLocked()
}

func (c *Channel) closeConnLocked() {
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Channel) connLost(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.deliberate {
		return
	}
	if errors.Is(err, ErrClosedNormally) {
		c.closeConnLocked()
		c.logger.Info("sync channel closed by relay")
		c.setStateLocked(State{Kind: Disconnected})
		return
	}
	c.failLocked(err)
}

func (c *Channel) readLoop(gen uint64, conn Conn, stop <-chan struct{}) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.connLost(gen, err)
			return
		}

		env, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed sync message", "error", err)
			continue
		}

		switch env.Type {
		case wire.TypePong:
			c.mu.Lock()
			if gen == c.gen {
				c.attempts = 0
			}
			c.mu.Unlock()
		case wire.TypePing:
			pong, _ := wire.New(wire.TypePong, nil, c.now())
			if err := c.Send(pong); err != nil {
				c.logger.Debug("pong not sent", "error", err)
			}
		default:
			c.inbound.PublishUntil(env, stop)
		}
	}
}

func (c *Channel) heartbeat(stop <-chan struct{}) {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ping, _ := wire.New(wire.TypePing, nil, c.now())
			if err := c.Send(ping); err != nil {
				c.logger.Debug("heartbeat ping failed", "error", err)
			}
		}
	}
}
