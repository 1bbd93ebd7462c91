package signal_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	router "github.com/dkeye/Duet/internal/adapters/http"
	"github.com/dkeye/Duet/internal/adapters/signal"
	"github.com/dkeye/Duet/internal/app"
	"github.com/dkeye/Duet/internal/config"
	"github.com/dkeye/Duet/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Mode:       "release",
		StaticPath: t.TempDir(),
		ReadLimit:  32768,
		PingPeriod: time.Minute,
		SendBuffer: 8,
		RateLimit:  100,
		RateWindow: time.Second,
		ICEServers: []domain.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
	}
}

func newTestRelay(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	reg := app.NewRegistry()
	ctl := signal.NewSignalWSController(cfg, reg)
	srv := httptest.NewServer(router.SetupRouter(context.Background(), cfg, ctl))
	t.Cleanup(srv.Close)
	return srv
}

func dialRelay(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMsg(t *testing.T, ws *websocket.Conn) domain.Message {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var m domain.Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func writeRaw(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// greet consumes the hello + iceServers pair and returns the assigned identity.
func greet(t *testing.T, ws *websocket.Conn) domain.Identity {
	t.Helper()
	hello := readMsg(t, ws)
	if hello.Type != domain.KindHello || hello.ID == "" {
		t.Fatalf("first message = %+v, want hello with id", hello)
	}
	servers := readMsg(t, ws)
	if servers.Type != domain.KindICEServers {
		t.Fatalf("second message = %+v, want iceServers", servers)
	}
	if servers.ID != hello.ID {
		t.Errorf("iceServers id = %q, want %q", servers.ID, hello.ID)
	}
	if len(servers.ICEServers) == 0 {
		t.Error("iceServers message carries no servers")
	}
	return hello.ID
}

func TestGreeting(t *testing.T) {
	srv := newTestRelay(t, testConfig(t))
	a := dialRelay(t, srv)
	id := greet(t, a)
	if id == "" {
		t.Fatal("empty identity")
	}

	b := dialRelay(t, srv)
	if other := greet(t, b); other == id {
		t.Fatalf("two endpoints share identity %q", id)
	}
}

func TestForwardRewritesID(t *testing.T) {
	srv := newTestRelay(t, testConfig(t))
	a := dialRelay(t, srv)
	aID := greet(t, a)
	b := dialRelay(t, srv)
	bID := greet(t, b)

	// Sender lies about its own identity inside the payload; the relay must
	// stamp the registry identity regardless.
	raw := `{"type":"offer","id":"` + bID.String() + `","sdp":"v=0 X","spoof":"zzz"}`
	writeRaw(t, a, raw)

	got := readMsg(t, b)
	if got.Type != domain.KindOffer {
		t.Fatalf("kind = %q, want offer", got.Type)
	}
	if got.ID != aID {
		t.Errorf("forwarded id = %q, want sender identity %q", got.ID, aID)
	}
	if got.SDP != "v=0 X" {
		t.Errorf("sdp = %q, want v=0 X", got.SDP)
	}
}

func TestForwardEveryRoutedKind(t *testing.T) {
	srv := newTestRelay(t, testConfig(t))
	a := dialRelay(t, srv)
	aID := greet(t, a)
	b := dialRelay(t, srv)
	bID := greet(t, b)

	kinds := []string{
		`{"type":"answer","id":"` + bID.String() + `","sdp":"v=0"}`,
		`{"type":"candidate","id":"` + bID.String() + `","candidate":{"candidate":"c0"}}`,
		`{"type":"bye","id":"` + bID.String() + `"}`,
	}
	for _, raw := range kinds {
		writeRaw(t, a, raw)
		got := readMsg(t, b)
		if got.ID != aID {
			t.Errorf("%s: forwarded id = %q, want %q", raw, got.ID, aID)
		}
	}
}

func TestUnknownRecipient(t *testing.T) {
	srv := newTestRelay(t, testConfig(t))
	a := dialRelay(t, srv)
	greet(t, a)

	writeRaw(t, a, `{"type":"offer","id":"ghost","sdp":"v=0"}`)
	got := readMsg(t, a)
	if got.Type != domain.KindError || got.Status != "err" {
		t.Fatalf("reply = %+v, want error", got)
	}
}

func TestMalformedMessage(t *testing.T) {
	srv := newTestRelay(t, testConfig(t))
	a := dialRelay(t, srv)
	greet(t, a)

	writeRaw(t, a, `this is not json`)
	if got := readMsg(t, a); got.Type != domain.KindError {
		t.Fatalf("reply to garbage = %+v, want error", got)
	}

	writeRaw(t, a, `{"type":"offer","sdp":"v=0"}`)
	got := readMsg(t, a)
	if got.Type != domain.KindError {
		t.Fatalf("reply to missing id = %+v, want error", got)
	}
	if !strings.Contains(got.Msg, "id") {
		t.Errorf("error msg = %q, want mention of id", got.Msg)
	}

	// The connection survives both faults.
	writeRaw(t, a, `{"type":"ping"}`)
	if got := readMsg(t, a); got.Type != domain.KindPong {
		t.Fatalf("reply after faults = %+v, want pong", got)
	}
}

func TestPingPong(t *testing.T) {
	srv := newTestRelay(t, testConfig(t))
	a := dialRelay(t, srv)
	greet(t, a)

	writeRaw(t, a, `{"type":"ping"}`)
	if got := readMsg(t, a); got.Type != domain.KindPong {
		t.Fatalf("reply = %+v, want pong", got)
	}
}

func TestDisconnectNotifiesOthers(t *testing.T) {
	srv := newTestRelay(t, testConfig(t))
	a := dialRelay(t, srv)
	aID := greet(t, a)
	b := dialRelay(t, srv)
	greet(t, b)

	a.Close()

	got := readMsg(t, b)
	if got.Type != domain.KindBye {
		t.Fatalf("kind = %q, want bye", got.Type)
	}
	if got.ID != aID {
		t.Errorf("bye id = %q, want departed identity %q", got.ID, aID)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	cfg := testConfig(t)
	ctl := signal.NewSignalWSController(cfg, app.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(router.SetupRouter(ctx, cfg, ctl))
	t.Cleanup(srv.Close)

	a := dialRelay(t, srv)
	greet(t, a)

	// Canceling the server context must tear live connections down, not just
	// stop accepting new ones.
	cancel()
	if err := a.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	if _, _, err := a.ReadMessage(); err == nil {
		t.Fatal("connection survived server shutdown")
	}
}

func TestRateLimitedSender(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit = 1
	cfg.RateWindow = time.Minute
	srv := newTestRelay(t, cfg)

	a := dialRelay(t, srv)
	greet(t, a)

	writeRaw(t, a, `{"type":"ping"}`)
	if got := readMsg(t, a); got.Type != domain.KindPong {
		t.Fatalf("first message = %+v, want pong", got)
	}
	writeRaw(t, a, `{"type":"ping"}`)
	got := readMsg(t, a)
	if got.Type != domain.KindError || !strings.Contains(got.Msg, "rate") {
		t.Fatalf("second message = %+v, want rate limit error", got)
	}
}
