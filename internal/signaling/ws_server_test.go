package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/azure-glades/groupwatch-server/internal/config"
	"github.com/azure-glades/groupwatch-server/internal/httpserver"
	"github.com/azure-glades/groupwatch-server/internal/metrics"
	"github.com/azure-glades/groupwatch-server/internal/registry"
	"github.com/azure-glades/groupwatch-server/internal/relay"
)

func testConfig() config.Config {
	return config.Config{
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 1000,
		SendQueueBytes:       1 << 20,
		WSIdleTimeout:        30 * time.Second,
		WSPingInterval:       10 * time.Second,
	}
}

func newRelayServer(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *metrics.Metrics) {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := relay.NewRouter(registry.New(), m, logger)
	sig := NewServer(cfg, rt, m, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", sig)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, m
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
	id string
}

func dial(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	return dialURL(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
}

func dialURL(t *testing.T, url string) *testClient {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	c := &testClient{t: t, ws: ws}
	welcome := c.recv()
	if welcome.Type != relay.TypeWelcome || welcome.ID == "" {
		t.Fatalf("expected welcome with identity, got %+v", welcome)
	}
	c.id = welcome.ID
	return c
}

func (c *testClient) send(v any) {
	c.t.Helper()
	if err := c.ws.WriteJSON(v); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

func (c *testClient) sendRaw(raw string) {
	c.t.Helper()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		c.t.Fatalf("send raw: %v", err)
	}
}

func (c *testClient) recv() relay.Message {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg relay.Message
	if err := c.ws.ReadJSON(&msg); err != nil {
		c.t.Fatalf("recv: %v", err)
	}
	return msg
}

func (c *testClient) join(room string) {
	c.t.Helper()
	c.send(relay.Event{Type: relay.EventJoinRoom, Room: room})
	c.barrier()
}

// barrier round-trips a self-targeted signal. Events on one connection are
// processed in order, so once the echo arrives every prior event has been
// handled and is visible to other connections.
func (c *testClient) barrier() {
	c.t.Helper()
	c.send(relay.Event{Type: relay.EventSignal, Target: c.id, Data: json.RawMessage(`"barrier"`)})
	if got := c.recv(); got.Type != relay.TypeSignal || got.Sender != c.id {
		c.t.Fatalf("barrier echo went missing, got %+v", got)
	}
}

func TestWelcomeCarriesDistinctIdentities(t *testing.T) {
	srv, _ := newRelayServer(t, nil)

	a := dial(t, srv)
	b := dial(t, srv)
	if a.id == b.id {
		t.Fatalf("identities collide: %q", a.id)
	}
}

func TestChatFansOutToRoomExceptSender(t *testing.T) {
	srv, _ := newRelayServer(t, nil)

	a := dial(t, srv)
	a.join("movie")
	b := dial(t, srv)
	b.join("movie")
	if got := a.recv(); got.Type != relay.TypeUserJoined || got.From != b.id {
		t.Fatalf("expected user-joined from %s, got %+v", b.id, got)
	}
	c := dial(t, srv)
	c.join("movie")
	if got := a.recv(); got.Type != relay.TypeUserJoined || got.From != c.id {
		t.Fatalf("expected user-joined from %s, got %+v", c.id, got)
	}
	if got := b.recv(); got.Type != relay.TypeUserJoined || got.From != c.id {
		t.Fatalf("expected user-joined from %s, got %+v", c.id, got)
	}

	a.send(relay.Event{Type: relay.EventChat, Room: "movie", Text: "hello"})
	for _, peer := range []*testClient{b, c} {
		got := peer.recv()
		if got.Type != relay.TypeChat || got.From != a.id || got.Text != "hello" {
			t.Fatalf("expected chat from %s, got %+v", a.id, got)
		}
	}

	// The sender must not see its own chat. Per-connection delivery order is
	// FIFO, so if b's marker is a's next frame, nothing arrived in between.
	b.send(relay.Event{Type: relay.EventChat, Room: "movie", Text: "marker"})
	if got := a.recv(); got.Type != relay.TypeChat || got.From != b.id || got.Text != "marker" {
		t.Fatalf("sender received its own chat or a stray frame: %+v", got)
	}
}

func TestSignalAloneInRoomIsSilent(t *testing.T) {
	srv, _ := newRelayServer(t, nil)

	a := dial(t, srv)
	a.join("solo")
	a.send(relay.Event{Type: relay.EventSignal, Room: "solo", Data: json.RawMessage(`{"sdp":"offer"}`)})

	// The barrier echo arriving next proves the room signal produced neither
	// an echo nor an error ack.
	a.barrier()

	b := dial(t, srv)
	b.join("solo")
	if got := a.recv(); got.Type != relay.TypeUserJoined || got.From != b.id {
		t.Fatalf("expected only user-joined from %s, got %+v", b.id, got)
	}
}

func TestTargetedSignalBypassesRooms(t *testing.T) {
	srv, _ := newRelayServer(t, nil)

	a := dial(t, srv)
	a.join("room-a")
	b := dial(t, srv)
	b.join("room-b")

	payload := json.RawMessage(`{"candidate":"host 127.0.0.1"}`)
	a.send(relay.Event{Type: relay.EventSignal, Target: b.id, Data: payload})

	got := b.recv()
	if got.Type != relay.TypeSignal || got.Sender != a.id {
		t.Fatalf("expected signal from %s, got %+v", a.id, got)
	}
	if string(got.Data) != string(payload) {
		t.Fatalf("payload altered in transit: %s", got.Data)
	}
}

func TestMalformedEventAnswersLocally(t *testing.T) {
	srv, m := newRelayServer(t, nil)

	a := dial(t, srv)
	a.join("movie")
	b := dial(t, srv)
	b.join("movie")
	a.recv() // b's join notice

	a.sendRaw(`{"type": "chat", "room":`)
	if got := a.recv(); got.Type != relay.TypeError || got.Code == "" {
		t.Fatalf("expected error ack, got %+v", got)
	}

	// The connection stays usable and the error never reaches b: b's next
	// frame is the follow-up chat.
	a.send(relay.Event{Type: relay.EventChat, Room: "movie", Text: "still here"})
	if got := b.recv(); got.Type != relay.TypeChat || got.Text != "still here" {
		t.Fatalf("expected chat after malformed frame, got %+v", got)
	}

	if got := m.Get(metrics.DropReasonMalformedEvent); got != 1 {
		t.Fatalf("malformed counter = %d, want 1", got)
	}
}

func TestUnknownEventTypeAnswersLocally(t *testing.T) {
	srv, _ := newRelayServer(t, nil)

	a := dial(t, srv)
	a.sendRaw(`{"type":"dance","room":"movie"}`)
	if got := a.recv(); got.Type != relay.TypeError {
		t.Fatalf("expected error ack, got %+v", got)
	}
}

func TestConnectionCapClosesWithTryAgainLater(t *testing.T) {
	srv, m := newRelayServer(t, func(cfg *config.Config) {
		cfg.MaxConnections = 1
	})

	dial(t, srv)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("expected try-again-later close, got %v", err)
	}
	if got := m.Get(metrics.DropReasonTooManyConnections); got != 1 {
		t.Fatalf("capped counter = %d, want 1", got)
	}
}

func TestRateLimitClosesWithPolicyViolation(t *testing.T) {
	srv, m := newRelayServer(t, func(cfg *config.Config) {
		cfg.MaxMessagesPerSecond = 1
	})

	a := dial(t, srv)
	// join consumes the single token; the chat right behind it trips the
	// limiter (no barrier here, it would trip it first).
	a.send(relay.Event{Type: relay.EventJoinRoom, Room: "movie"})
	a.send(relay.Event{Type: relay.EventChat, Room: "movie", Text: "too fast"})

	a.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var err error
	for {
		if _, _, err = a.ws.ReadMessage(); err != nil {
			break
		}
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy-violation close, got %v", err)
	}
	if got := m.Get(metrics.DropReasonRateLimited); got != 1 {
		t.Fatalf("rate-limited counter = %d, want 1", got)
	}
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	srv, m := newRelayServer(t, func(cfg *config.Config) {
		cfg.MaxMessageBytes = 128
	})

	a := dial(t, srv)
	a.sendRaw(`{"type":"chat","room":"movie","text":"` + strings.Repeat("x", 512) + `"}`)

	a.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var err error
	for {
		if _, _, err = a.ws.ReadMessage(); err != nil {
			break
		}
	}
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Fatalf("expected message-too-big close, got %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for m.Get(metrics.DropReasonOversized) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := m.Get(metrics.DropReasonOversized); got != 1 {
		t.Fatalf("oversized counter = %d, want 1", got)
	}
}

// TestUpgradeThroughHTTPShell goes through httpserver.New and its middleware
// chain, wired the way main.go wires it. The upgrade has to hijack the
// wrapped response writer, so a bare-mux test would not catch a middleware
// that hides Hijacker.
func TestUpgradeThroughHTTPShell(t *testing.T) {
	cfg := testConfig()
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := relay.NewRouter(registry.New(), m, logger)
	sig := NewServer(cfg, rt, m, logger)

	shell := httpserver.New(cfg, logger, httpserver.BuildInfo{})
	shell.Mux().Handle("GET /ws", sig)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = shell.Serve(ln) }()
	t.Cleanup(func() { _ = shell.Close() })

	url := "ws://" + ln.Addr().String() + "/ws"
	a := dialURL(t, url)
	a.join("movie")
	b := dialURL(t, url)
	b.join("movie")
	if got := a.recv(); got.Type != relay.TypeUserJoined || got.From != b.id {
		t.Fatalf("expected user-joined from %s, got %+v", b.id, got)
	}

	a.send(relay.Event{Type: relay.EventChat, Room: "movie", Text: "through the shell"})
	if got := b.recv(); got.Type != relay.TypeChat || got.From != a.id || got.Text != "through the shell" {
		t.Fatalf("expected relayed chat, got %+v", got)
	}
}

func TestRejoinAfterDisconnectGetsFreshMembership(t *testing.T) {
	srv, _ := newRelayServer(t, nil)

	a := dial(t, srv)
	a.join("movie")
	b := dial(t, srv)
	b.join("movie")
	a.recv() // b's join notice

	b.ws.Close()

	b2 := dial(t, srv)
	b2.join("movie")
	if got := a.recv(); got.Type != relay.TypeUserJoined || got.From != b2.id {
		t.Fatalf("expected user-joined from the fresh connection, got %+v", got)
	}
	if b2.id == b.id {
		t.Fatalf("reconnect reused identity %q", b.id)
	}
}
