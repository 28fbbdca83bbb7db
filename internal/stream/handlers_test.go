package stream

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"

	"backend-runsync/internal/groupsync"
	"backend-runsync/internal/syncchan"
	"backend-runsync/internal/wire"
)

func serveRelay(t *testing.T, hub *Hub) string {
	t.Helper()
	app := fiber.New()
	RegisterRoutes(app.Group("/stream"), hub)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	go func() {
		_ = app.Listener(ln)
	}()
	t.Cleanup(func() { _ = app.Shutdown() })
	return "ws://" + ln.Addr().String() + "/stream/ws"
}

func dialRelay(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ wire.MessageType, payload any) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, frame(t, typ, payload)); err != nil {
		t.Fatalf("write error: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wire.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	env, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ wire.MessageType) wire.Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		if env := readEnvelope(t, conn); env.Type == typ {
			return env
		}
	}
	t.Fatalf("no %s frame received", typ)
	return wire.Envelope{}
}

func TestStreamHandlersUpgradeRequired(t *testing.T) {
	app := fiber.New()
	RegisterRoutes(app.Group("/stream"), NewHub(nil))

	req := httptest.NewRequest(http.MethodGet, "/stream/ws", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Fatalf("expected 426 for non-websocket request, got %d", resp.StatusCode)
	}
}

func TestStreamHandlersRelayPace(t *testing.T) {
	hub := NewHub(nil)
	url := serveRelay(t, hub)

	a := dialRelay(t, url)
	b := dialRelay(t, url)

	writeFrame(t, a, wire.TypeJoinSession, wire.JoinSession{SessionID: "abc", UserID: "u1"})
	readUntil(t, a, wire.TypeSessionStatus)
	writeFrame(t, b, wire.TypeJoinSession, wire.JoinSession{SessionID: "abc", UserID: "u2"})

	env := readUntil(t, b, wire.TypeSessionStatus)
	var status wire.SessionStatus
	if err := env.DecodePayload(&status); err != nil || status.Status != wire.SessionActive {
		t.Fatalf("expected active session, got %+v (%v)", status, err)
	}

	writeFrame(t, a, wire.TypePaceUpdate, wire.PaceUpdate{UserID: "u1", SessionID: "abc", PaceMinPerKm: 5.2, Timestamp: hubNow})
	env = readUntil(t, b, wire.TypePeerUpdate)
	var update wire.PeerUpdate
	if err := env.DecodePayload(&update); err != nil || update.UserID != "u1" {
		t.Fatalf("unexpected peer update %+v (%v)", update, err)
	}

	writeFrame(t, a, wire.TypePing, nil)
	readUntil(t, a, wire.TypePong)

	if err := a.WriteMessage(websocket.TextMessage, []byte("garbage")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	readUntil(t, a, wire.TypeError)
}

func TestStreamHandlersCloseLeavesRoom(t *testing.T) {
	hub := NewHub(nil)
	url := serveRelay(t, hub)

	a := dialRelay(t, url)
	b := dialRelay(t, url)
	writeFrame(t, a, wire.TypeJoinSession, wire.JoinSession{SessionID: "abc", UserID: "u1"})
	readUntil(t, a, wire.TypeSessionStatus)
	writeFrame(t, b, wire.TypeJoinSession, wire.JoinSession{SessionID: "abc", UserID: "u2"})
	readUntil(t, b, wire.TypeSessionStatus)

	_ = a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	a.Close()

	env := readUntil(t, b, wire.TypeSessionStatus)
	var status wire.SessionStatus
	if err := env.DecodePayload(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != wire.SessionWaiting || len(status.ParticipantIDs) != 1 {
		t.Fatalf("expected u2 alone, got %+v", status)
	}
}

func TestStreamEndToEndCoordinators(t *testing.T) {
	hub := NewHub(nil)
	url := serveRelay(t, hub)

	cfg := syncchan.DefaultConfig()
	cfg.HeartbeatInterval = 0

	newCoordinator := func() (*groupsync.Coordinator, *syncchan.Channel) {
		ch := syncchan.New(syncchan.WebsocketDialer{}, syncchan.WithConfig(cfg))
		c := groupsync.New(ch, url)
		t.Cleanup(func() {
			c.Close()
			ch.Disconnect()
		})
		return c, ch
	}

	alice, _ := newCoordinator()
	bob, _ := newCoordinator()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := alice.JoinSession(ctx, "abc", "alice", []string{"bob"}); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if err := bob.JoinSession(ctx, "abc", "bob", []string{"alice"}); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, ok := alice.Session()
		if ok && status.Status == wire.SessionActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("alice never saw an active session")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := bob.SendPaceUpdate(5.8, wire.Coordinate{Lat: -6.2, Lon: 106.8}); err != nil {
		t.Fatalf("send pace: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for len(alice.Peers()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("alice never received bob's pace")
		}
		time.Sleep(10 * time.Millisecond)
	}
	peer := alice.Peers()[0]
	if peer.UserID != "bob" || peer.PaceMinPerKm != 5.8 || peer.Status != wire.PeerRunning {
		t.Fatalf("unexpected peer %+v", peer)
	}
	if len(bob.Peers()) != 0 {
		t.Fatalf("bob should not see his own pace")
	}
}
