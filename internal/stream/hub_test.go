package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"backend-runsync/internal/wire"
)

var hubNow = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

func newTestHub(t *testing.T, rdb *redis.Client, opts ...Option) *Hub {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return hubNow })}, opts...)
	h := NewHub(rdb, opts...)
	t.Cleanup(h.Close)
	return h
}

func frame(t *testing.T, typ wire.MessageType, payload any) []byte {
	t.Helper()
	env, err := wire.New(typ, payload, hubNow)
	if err != nil {
		t.Fatalf("build %s: %v", typ, err)
	}
	data, err := wire.Encode(env)
	if err != nil {
		t.Fatalf("encode %s: %v", typ, err)
	}
	return data
}

func recv(t *testing.T, c *Client) wire.Envelope {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		if !ok {
			t.Fatalf("send channel closed")
		}
		env, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for message")
	}
	return wire.Envelope{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("unexpected message %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func recvStatus(t *testing.T, c *Client) wire.SessionStatus {
	t.Helper()
	env := recv(t, c)
	if env.Type != wire.TypeSessionStatus {
		t.Fatalf("expected session status, got %s", env.Type)
	}
	var status wire.SessionStatus
	if err := env.DecodePayload(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return status
}

func joinRoom(t *testing.T, h *Hub, sessionID, userID string) *Client {
	t.Helper()
	c := h.Connect()
	t.Cleanup(func() { h.Disconnect(c) })
	h.Handle(c, frame(t, wire.TypeJoinSession, wire.JoinSession{SessionID: sessionID, UserID: userID}))
	return c
}

func TestHubJoinBroadcastsStatus(t *testing.T) {
	h := newTestHub(t, nil)

	a := joinRoom(t, h, "abc", "u1")
	status := recvStatus(t, a)
	if status.Status != wire.SessionWaiting || len(status.ParticipantIDs) != 1 {
		t.Fatalf("unexpected status %+v", status)
	}

	b := joinRoom(t, h, "abc", "u2")
	for _, c := range []*Client{a, b} {
		status = recvStatus(t, c)
		if status.Status != wire.SessionActive {
			t.Fatalf("expected active, got %+v", status)
		}
		if len(status.ParticipantIDs) != 2 || status.ParticipantIDs[0] != "u1" || status.ParticipantIDs[1] != "u2" {
			t.Fatalf("unexpected participants %v", status.ParticipantIDs)
		}
	}
}

func TestHubPaceBecomesPeerUpdateForOthers(t *testing.T) {
	h := newTestHub(t, nil)
	a := joinRoom(t, h, "abc", "u1")
	b := joinRoom(t, h, "abc", "u2")
	other := joinRoom(t, h, "xyz", "u3")
	recvStatus(t, a)
	recvStatus(t, a)
	recvStatus(t, b)
	recvStatus(t, other)

	h.Handle(a, frame(t, wire.TypePaceUpdate, wire.PaceUpdate{
		UserID: "u1", SessionID: "abc", PaceMinPerKm: 5.5,
		Location: wire.Coordinate{Lat: -6.2, Lon: 106.8}, Timestamp: hubNow,
	}))

	env := recv(t, b)
	if env.Type != wire.TypePeerUpdate {
		t.Fatalf("expected peer update, got %s", env.Type)
	}
	var update wire.PeerUpdate
	if err := env.DecodePayload(&update); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if update.UserID != "u1" || update.Status != wire.PeerRunning || update.PaceMinPerKm != 5.5 {
		t.Fatalf("unexpected update %+v", update)
	}
	expectNothing(t, a)
	expectNothing(t, other)
}

func TestHubPaceOutsideSession(t *testing.T) {
	h := newTestHub(t, nil)
	c := h.Connect()
	defer h.Disconnect(c)

	h.Handle(c, frame(t, wire.TypePaceUpdate, wire.PaceUpdate{SessionID: "abc", PaceMinPerKm: 5}))
	if env := recv(t, c); env.Type != wire.TypeError {
		t.Fatalf("expected error, got %s", env.Type)
	}
}

func TestHubPaceRateLimited(t *testing.T) {
	h := newTestHub(t, nil, WithPaceLimit(1))
	a := joinRoom(t, h, "abc", "u1")
	b := joinRoom(t, h, "abc", "u2")
	recvStatus(t, a)
	recvStatus(t, a)
	recvStatus(t, b)

	for i := 0; i < 3; i++ {
		h.Handle(a, frame(t, wire.TypePaceUpdate, wire.PaceUpdate{SessionID: "abc", PaceMinPerKm: 5}))
	}
	if env := recv(t, b); env.Type != wire.TypePeerUpdate {
		t.Fatalf("expected peer update, got %s", env.Type)
	}
	expectNothing(t, b)
}

func TestHubMalformedAndPing(t *testing.T) {
	h := newTestHub(t, nil)
	c := h.Connect()
	defer h.Disconnect(c)

	h.Handle(c, []byte(`{not json`))
	env := recv(t, c)
	if env.Type != wire.TypeError {
		t.Fatalf("expected error, got %s", env.Type)
	}
	if msg, err := env.ErrorText(); err != nil || msg == "" {
		t.Fatalf("expected error text, got %q, %v", msg, err)
	}

	h.Handle(c, []byte(`{"type":"teleport","timestamp":"2024-05-01T06:00:00Z"}`))
	if env := recv(t, c); env.Type != wire.TypeError {
		t.Fatalf("expected error for unknown type, got %s", env.Type)
	}

	h.Handle(c, frame(t, wire.TypePeerUpdate, wire.PeerUpdate{}))
	if env := recv(t, c); env.Type != wire.TypeError {
		t.Fatalf("expected error for server-only type, got %s", env.Type)
	}

	h.Handle(c, frame(t, wire.TypeJoinSession, wire.JoinSession{SessionID: "abc"}))
	if env := recv(t, c); env.Type != wire.TypeError {
		t.Fatalf("expected error for join without user, got %s", env.Type)
	}

	h.Handle(c, frame(t, wire.TypePing, nil))
	if env := recv(t, c); env.Type != wire.TypePong {
		t.Fatalf("expected pong, got %s", env.Type)
	}
}

func TestHubLeave(t *testing.T) {
	h := newTestHub(t, nil)
	a := joinRoom(t, h, "abc", "u1")
	b := joinRoom(t, h, "abc", "u2")
	recvStatus(t, a)
	recvStatus(t, a)
	recvStatus(t, b)

	h.Handle(a, frame(t, wire.TypeLeaveSession, wire.LeaveSession{SessionID: "abc", UserID: "u1"}))
	status := recvStatus(t, b)
	if status.Status != wire.SessionWaiting || len(status.ParticipantIDs) != 1 || status.ParticipantIDs[0] != "u2" {
		t.Fatalf("unexpected status %+v", status)
	}
	expectNothing(t, a)

	h.Handle(a, frame(t, wire.TypeLeaveSession, wire.LeaveSession{SessionID: "abc", UserID: "u1"}))
	if env := recv(t, a); env.Type != wire.TypeError {
		t.Fatalf("expected error leaving twice, got %s", env.Type)
	}
}

func TestHubDisconnectIsImplicitLeave(t *testing.T) {
	h := newTestHub(t, nil)
	a := h.Connect()
	h.Handle(a, frame(t, wire.TypeJoinSession, wire.JoinSession{SessionID: "abc", UserID: "u1"}))
	b := joinRoom(t, h, "abc", "u2")
	recvStatus(t, a)
	recvStatus(t, a)
	recvStatus(t, b)

	h.Disconnect(a)
	h.Disconnect(a)
	status := recvStatus(t, b)
	if len(status.ParticipantIDs) != 1 || status.ParticipantIDs[0] != "u2" {
		t.Fatalf("unexpected participants %v", status.ParticipantIDs)
	}

	for range a.Send {
	}
	if members := h.Members("abc"); len(members) != 1 {
		t.Fatalf("unexpected members %v", members)
	}
}

func TestHubSwitchingSessions(t *testing.T) {
	h := newTestHub(t, nil)
	a := joinRoom(t, h, "abc", "u1")
	recvStatus(t, a)

	h.Handle(a, frame(t, wire.TypeJoinSession, wire.JoinSession{SessionID: "xyz", UserID: "u1"}))
	status := recvStatus(t, a)
	if status.SessionID != "xyz" {
		t.Fatalf("unexpected status %+v", status)
	}
	if members := h.Members("abc"); len(members) != 0 {
		t.Fatalf("expected old room empty, got %v", members)
	}
}

func TestHubHelpers(t *testing.T) {
	ch := redisChannel("abc")
	if ch != "runsync:abc:broadcast" {
		t.Fatalf("unexpected channel %q", ch)
	}
	if sessionIDFromChannel(ch) != "abc" {
		t.Fatalf("unexpected session id")
	}
	if sessionIDFromChannel("bad") != "" || sessionIDFromChannel("tracking:abc:broadcast") != "" {
		t.Fatalf("expected empty session id")
	}
}

func TestHubRedisRelaysAcrossInstances(t *testing.T) {
	s := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: s.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	h1 := newTestHub(t, newClient())
	h2 := newTestHub(t, newClient())

	a := joinRoom(t, h1, "abc", "u1")
	recvStatus(t, a)
	// let h2 see and drop a's status before b has a room there
	time.Sleep(50 * time.Millisecond)
	b := joinRoom(t, h2, "abc", "u2")
	// b sees its own instance's status; a sees the relayed copy
	recvStatus(t, b)
	recvStatus(t, a)

	h1.Handle(a, frame(t, wire.TypePaceUpdate, wire.PaceUpdate{SessionID: "abc", PaceMinPerKm: 6}))
	env := recv(t, b)
	if env.Type != wire.TypePeerUpdate {
		t.Fatalf("expected relayed peer update, got %s", env.Type)
	}
	expectNothing(t, a)
}

func TestHubRedisIgnoresForeignPayloads(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := newTestHub(t, rdb)
	a := joinRoom(t, h, "abc", "u1")
	recvStatus(t, a)

	if err := rdb.Publish(context.Background(), redisChannel("abc"), "not json").Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectNothing(t, a)
}

func TestHubRedisPublishError(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := newTestHub(t, client)
	server.Close()

	c := joinRoom(t, h, "session-bad", "u1")
	recvStatus(t, c)
}
