// Package groupsync joins a shared run session over the sync channel,
// broadcasts this runner's pace and keeps the latest pace of every peer.
package groupsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"backend-runsync/internal/observe"
	"backend-runsync/internal/syncchan"
	"backend-runsync/internal/wire"
)

var (
	ErrNotInSession   = errors.New("not in a sync session")
	ErrNotConnected   = syncchan.ErrNotConnected
	ErrInvalidSession = errors.New("session id and user id required")
)

// Channel is the part of syncchan.Channel the coordinator needs.
type Channel interface {
	Connect(endpoint string) error
	WaitConnected(ctx context.Context) error
	IsConnected() bool
	Send(env wire.Envelope) error
	SubscribeInbound(buffer int) (<-chan wire.Envelope, func())
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

type Coordinator struct {
	ch       Channel
	endpoint string
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	sessionID string
	userID    string
	session   *wire.SessionStatus
	peers     []wire.PeerUpdate

	peerFeed   observe.Feed[[]wire.PeerUpdate]
	statusFeed observe.Feed[wire.SessionStatus]

	cancelInbound func()
	done          chan struct{}
}

// New subscribes to the channel's inbound stream; Close releases it.
func New(ch Channel, endpoint string, opts ...Option) *Coordinator {
	c := &Coordinator{
		ch:       ch,
		endpoint: endpoint,
		logger:   slog.Default(),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	inbound, cancel := ch.SubscribeInbound(64)
	c.cancelInbound = cancel
	go c.consume(inbound)
	return c
}

func (c *Coordinator) Close() {
	c.cancelInbound()
	<-c.done
	c.peerFeed.Close()
	c.statusFeed.Close()
}

// JoinSession connects the channel if needed, waits for it to be connected
// and sends the join request. It returns once the request is sent; the relay
// confirms asynchronously with a SessionStatus.
func (c *Coordinator) JoinSession(ctx context.Context, sessionID, userID string, peerIDs []string) error {
	if sessionID == "" || userID == "" {
		return ErrInvalidSession
	}

	if !c.ch.IsConnected() {
		if err := c.ch.Connect(c.endpoint); err != nil {
			return fmt.Errorf("join session %s: %w", sessionID, err)
		}
	}
	if err := c.ch.WaitConnected(ctx); err != nil {
		return fmt.Errorf("join session %s: %w", sessionID, err)
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.userID = userID
	c.session = nil
	c.peers = nil
	c.mu.Unlock()

	env, err := wire.New(wire.TypeJoinSession, wire.JoinSession{
		SessionID: sessionID,
		UserID:    userID,
		PeerIDs:   peerIDs,
	}, c.now())
	if err != nil {
		c.clearSession(sessionID)
		return err
	}
	if err := c.ch.Send(env); err != nil {
		c.clearSession(sessionID)
		return fmt.Errorf("join session %s: %w", sessionID, err)
	}

	c.logger.Info("joined sync session", "session_id", sessionID, "user_id", userID, "peers", len(peerIDs))
	return nil
}

// LeaveSession tells the relay we left and clears local membership.
func (c *Coordinator) LeaveSession() error {
	c.mu.Lock()
	sessionID, userID := c.sessionID, c.userID
	c.mu.Unlock()
	if sessionID == "" {
		return ErrNotInSession
	}

	env, err := wire.New(wire.TypeLeaveSession, wire.LeaveSession{SessionID: sessionID, UserID: userID}, c.now())
	if err == nil {
		err = c.ch.Send(env)
	}
	if err != nil {
		c.logger.Debug("leave message not delivered", "session_id", sessionID, "error", err)
	}

	c.clearSession(sessionID)
	c.logger.Info("left sync session", "session_id", sessionID)
	return nil
}

// SendPaceUpdate broadcasts this runner's pace to the session.
func (c *Coordinator) SendPaceUpdate(pace float64, location wire.Coordinate) error {
	c.mu.RLock()
	sessionID, userID := c.sessionID, c.userID
	c.mu.RUnlock()

	if sessionID == "" {
		return ErrNotInSession
	}
	if !c.ch.IsConnected() {
		return ErrNotConnected
	}

	now := c.now()
	env, err := wire.New(wire.TypePaceUpdate, wire.PaceUpdate{
		UserID:       userID,
		SessionID:    sessionID,
		PaceMinPerKm: pace,
		Location:     location,
		Timestamp:    now,
	}, now)
	if err != nil {
		return err
	}
	return c.ch.Send(env)
}

func (c *Coordinator) IsInSession() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID != ""
}

func (c *Coordinator) CurrentSessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Peers returns the latest update of every peer, most recently active first.
func (c *Coordinator) Peers() []wire.PeerUpdate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]wire.PeerUpdate(nil), c.peers...)
}

// Session returns the last SessionStatus received for the current session.
func (c *Coordinator) Session() (wire.SessionStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return wire.SessionStatus{}, false
	}
	return *c.session, true
}

func (c *Coordinator) SubscribePeers(buffer int) (<-chan []wire.PeerUpdate, func()) {
	return c.peerFeed.Subscribe(buffer)
}

func (c *Coordinator) SubscribeSessionStatus(buffer int) (<-chan wire.SessionStatus, func()) {
	return c.statusFeed.Subscribe(buffer)
}

func (c *Coordinator) clearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != sessionID {
		return
	}
	c.sessionID = ""
	c.userID = ""
	c.session = nil
	c.peers = nil
}

func (c *Coordinator) consume(inbound <-chan wire.Envelope) {
	defer close(c.done)
	for env := range inbound {
		c.handle(env)
	}
}

func (c *Coordinator) handle(env wire.Envelope) {
	switch env.Type {
	case wire.TypePeerUpdate:
		var update wire.PeerUpdate
		if err := env.DecodePayload(&update); err != nil {
			c.logger.Warn("dropping malformed peer update", "error", err)
			return
		}
		c.applyPeerUpdate(update)
	case wire.TypeSessionStatus:
		var status wire.SessionStatus
		if err := env.DecodePayload(&status); err != nil {
			c.logger.Warn("dropping malformed session status", "error", err)
			return
		}
		c.applySessionStatus(status)
	case wire.TypeError:
		msg, err := env.ErrorText()
		if err != nil {
			msg = string(env.Payload)
		}
		c.logger.Warn("relay reported error", "message", msg)
	default:
		c.logger.Debug("ignoring sync message", "type", string(env.Type))
	}
}

func (c *Coordinator) applyPeerUpdate(update wire.PeerUpdate) {
	c.mu.Lock()
	if c.sessionID == "" || update.SessionID != c.sessionID || update.UserID == c.userID {
		c.mu.Unlock()
		return
	}

	replaced := false
	for i := range c.peers {
		if c.peers[i].UserID == update.UserID {
			c.peers[i] = update
			replaced = true
			break
		}
	}
	if !replaced {
		c.peers = append(c.peers, update)
	}
	sort.SliceStable(c.peers, func(i, j int) bool {
		return c.peers[i].Timestamp.After(c.peers[j].Timestamp)
	})
	snapshot := append([]wire.PeerUpdate(nil), c.peers...)
	c.mu.Unlock()

	c.peerFeed.Offer(snapshot)
}

func (c *Coordinator) applySessionStatus(status wire.SessionStatus) {
	c.mu.Lock()
	if c.sessionID == "" || status.SessionID != c.sessionID {
		c.mu.Unlock()
		return
	}
	c.session = &status
	c.mu.Unlock()

	c.statusFeed.Offer(status)
	if status.Status == wire.SessionEnded {
		c.logger.Info("sync session ended by relay", "session_id", status.SessionID)
		c.clearSession(status.SessionID)
	}
}
