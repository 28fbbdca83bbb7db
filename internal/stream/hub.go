// Package stream is the sync relay: it groups websocket clients into session
// rooms and fans pace updates out to the other members of a room.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"backend-runsync/internal/wire"
)

const (
	sendBuffer       = 64
	defaultPaceLimit = 5
	redisPattern     = "runsync:*:broadcast"
)

type Option func(*Hub)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithPaceLimit caps pace updates per client per second.
func WithPaceLimit(perSecond float64) Option {
	return func(h *Hub) {
		if perSecond > 0 {
			h.paceLimit = rate.Limit(perSecond)
		}
	}
}

type Hub struct {
	id        string
	redis     *redis.Client
	logger    *slog.Logger
	now       func() time.Time
	paceLimit rate.Limit

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}

	pubsub *redis.PubSub
	done   chan struct{}
}

// Client is one websocket connection. Send is closed by Disconnect.
type Client struct {
	Send chan []byte

	limiter   *rate.Limiter
	sessionID string
	userID    string
	closed    bool
}

type relayMessage struct {
	Origin   string          `json:"origin"`
	Exclude  string          `json:"exclude,omitempty"`
	Envelope json.RawMessage `json:"envelope"`
}

func NewHub(redisClient *redis.Client, opts ...Option) *Hub {
	h := &Hub{
		id:        uuid.NewString(),
		redis:     redisClient,
		logger:    slog.Default(),
		now:       time.Now,
		paceLimit: defaultPaceLimit,
		rooms:     map[string]map[*Client]struct{}{},
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	if redisClient == nil {
		close(h.done)
		return h
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.pubsub = redisClient.PSubscribe(ctx, redisPattern)
	if _, err := h.pubsub.Receive(ctx); err != nil {
		h.logger.Warn("redis subscribe failed, relaying locally only", "error", err)
	}
	go h.subscribeRedis()
	return h
}

// Close stops the Redis subscription.
func (h *Hub) Close() {
	if h.pubsub != nil {
		_ = h.pubsub.Close()
	}
	<-h.done
}

func (h *Hub) Connect() *Client {
	return &Client{
		Send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(h.paceLimit, burst(h.paceLimit)),
	}
}

// Disconnect removes the client from its room as if it had left.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	sessionID := h.leaveLocked(c)
	c.closed = true
	close(c.Send)
	h.mu.Unlock()

	if sessionID != "" {
		h.broadcastStatus(sessionID)
	}
}

// Members returns the user ids joined to sessionID on this instance.
func (h *Hub) Members(sessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.membersLocked(sessionID)
}

// Handle processes one inbound frame from c.
func (h *Hub) Handle(c *Client, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		h.sendError(c, "malformed message: "+err.Error())
		return
	}

	switch env.Type {
	case wire.TypeJoinSession:
		var join wire.JoinSession
		if err := env.DecodePayload(&join); err != nil {
			h.sendError(c, err.Error())
			return
		}
		h.join(c, join)
	case wire.TypeLeaveSession:
		h.mu.Lock()
		sessionID := h.leaveLocked(c)
		h.mu.Unlock()
		if sessionID == "" {
			h.sendError(c, "not in a session")
			return
		}
		h.broadcastStatus(sessionID)
	case wire.TypePaceUpdate:
		var update wire.PaceUpdate
		if err := env.DecodePayload(&update); err != nil {
			h.sendError(c, err.Error())
			return
		}
		h.pace(c, update)
	case wire.TypePing:
		pong, _ := wire.New(wire.TypePong, nil, h.now())
		h.sendTo(c, pong)
	case wire.TypePong:
	default:
		h.sendError(c, "unexpected message type "+string(env.Type))
	}
}

func (h *Hub) join(c *Client, join wire.JoinSession) {
	if join.SessionID == "" || join.UserID == "" {
		h.sendError(c, "session_id and user_id required")
		return
	}

	h.mu.Lock()
	previous := ""
	if c.sessionID != join.SessionID {
		previous = h.leaveLocked(c)
	}
	if h.rooms[join.SessionID] == nil {
		h.rooms[join.SessionID] = map[*Client]struct{}{}
	}
	h.rooms[join.SessionID][c] = struct{}{}
	c.sessionID = join.SessionID
	c.userID = join.UserID
	h.mu.Unlock()

	h.logger.Info("client joined session", "session_id", join.SessionID, "user_id", join.UserID)
	if previous != "" {
		h.broadcastStatus(previous)
	}
	h.broadcastStatus(join.SessionID)
}

func (h *Hub) pace(c *Client, update wire.PaceUpdate) {
	h.mu.RLock()
	sessionID, userID := c.sessionID, c.userID
	h.mu.RUnlock()

	if sessionID == "" || update.SessionID != sessionID {
		h.sendError(c, "not in session "+update.SessionID)
		return
	}
	if !c.limiter.Allow() {
		h.logger.Debug("pace update rate limited", "session_id", sessionID, "user_id", userID)
		return
	}

	ts := update.Timestamp
	if ts.IsZero() {
		ts = h.now()
	}
	env, err := wire.New(wire.TypePeerUpdate, wire.PeerUpdate{
		UserID:       userID,
		SessionID:    sessionID,
		PaceMinPerKm: update.PaceMinPerKm,
		Location:     update.Location,
		Timestamp:    ts,
		Status:       wire.PeerRunning,
	}, h.now())
	if err != nil {
		return
	}
	h.broadcast(sessionID, env, userID)
}

// leaveLocked removes c from its room and returns the room it left.
func (h *Hub) leaveLocked(c *Client) string {
	sessionID := c.sessionID
	if sessionID == "" {
		return ""
	}
	if room, ok := h.rooms[sessionID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, sessionID)
		}
	}
	c.sessionID = ""
	c.userID = ""
	h.logger.Info("client left session", "session_id", sessionID)
	return sessionID
}

func (h *Hub) membersLocked(sessionID string) []string {
	seen := map[string]struct{}{}
	ids := []string{}
	for c := range h.rooms[sessionID] {
		if _, ok := seen[c.userID]; ok {
			continue
		}
		seen[c.userID] = struct{}{}
		ids = append(ids, c.userID)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) broadcastStatus(sessionID string) {
	h.mu.RLock()
	members := h.membersLocked(sessionID)
	h.mu.RUnlock()

	state := wire.SessionWaiting
	if len(members) > 1 {
		state = wire.SessionActive
	}
	env, err := wire.New(wire.TypeSessionStatus, wire.SessionStatus{
		SessionID:      sessionID,
		ParticipantIDs: members,
		Status:         state,
	}, h.now())
	if err != nil {
		return
	}
	h.broadcast(sessionID, env, "")
}

// broadcast delivers env to the room on every instance, skipping exclude.
func (h *Hub) broadcast(sessionID string, env wire.Envelope, exclude string) {
	data, err := wire.Encode(env)
	if err != nil {
		h.logger.Error("encode broadcast", "error", err)
		return
	}
	h.deliver(sessionID, data, exclude)

	if h.redis == nil {
		return
	}
	msg, err := json.Marshal(relayMessage{Origin: h.id, Exclude: exclude, Envelope: data})
	if err != nil {
		return
	}
	if err := h.redis.Publish(context.Background(), redisChannel(sessionID), msg).Err(); err != nil {
		h.logger.Warn("redis publish error", "session_id", sessionID, "error", err)
	}
}

func (h *Hub) deliver(sessionID string, data []byte, exclude string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[sessionID] {
		if exclude != "" && c.userID == exclude {
			continue
		}
		select {
		case c.Send <- data:
		default:
			h.logger.Debug("client send buffer full, dropping", "session_id", sessionID, "user_id", c.userID)
		}
	}
}

func (h *Hub) sendTo(c *Client, env wire.Envelope) {
	data, err := wire.Encode(env)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

func (h *Hub) sendError(c *Client, msg string) {
	h.sendTo(c, wire.NewError(msg, h.now()))
}

func (h *Hub) subscribeRedis() {
	defer close(h.done)
	for msg := range h.pubsub.Channel() {
		sessionID := sessionIDFromChannel(msg.Channel)
		if sessionID == "" {
			continue
		}
		var relayed relayMessage
		if err := json.Unmarshal([]byte(msg.Payload), &relayed); err != nil {
			h.logger.Warn("dropping malformed relay message", "channel", msg.Channel, "error", err)
			continue
		}
		if relayed.Origin == h.id {
			continue
		}
		h.deliver(sessionID, relayed.Envelope, relayed.Exclude)
	}
}

func burst(limit rate.Limit) int {
	if limit < 1 {
		return 1
	}
	return int(limit)
}

func redisChannel(sessionID string) string {
	return "runsync:" + sessionID + ":broadcast"
}

func sessionIDFromChannel(ch string) string {
	// runsync:{session}:broadcast
	const prefix = "runsync:"
	const suffix = ":broadcast"
	if len(ch) <= len(prefix)+len(suffix) || !strings.HasPrefix(ch, prefix) || !strings.HasSuffix(ch, suffix) {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
}
