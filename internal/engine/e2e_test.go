package engine

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	httprouter "github.com/dkeye/Duet/internal/adapters/http"
	wssignal "github.com/dkeye/Duet/internal/adapters/signal"
	"github.com/dkeye/Duet/internal/app"
	"github.com/dkeye/Duet/internal/client"
	"github.com/dkeye/Duet/internal/config"
	"github.com/dkeye/Duet/internal/domain"
)

func startRelay(t *testing.T) string {
	t.Helper()
	cfg := &config.Config{
		Mode:       "release",
		StaticPath: t.TempDir(),
		ReadLimit:  32768,
		PingPeriod: time.Minute,
		SendBuffer: 32,
		RateLimit:  1000,
		RateWindow: time.Second,
		ICEServers: []domain.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	}
	ctl := wssignal.NewSignalWSController(cfg, app.NewRegistry())
	srv := httptest.NewServer(httprouter.SetupRouter(context.Background(), cfg, ctl))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
}

type peer struct {
	eng  *Engine
	fac  *fakeFactory
	stop context.CancelFunc
}

func startPeer(t *testing.T, ctx context.Context, url string) *peer {
	t.Helper()
	conn, err := client.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	fac := &fakeFactory{}
	eng := NewEngine(conn, fac.new)

	pctx, cancel := context.WithCancel(ctx)
	go eng.Run(pctx)
	go conn.Run(pctx, eng.HandleFrame)
	t.Cleanup(cancel)
	return &peer{eng: eng, fac: fac, stop: cancel}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestEndToEndCall drives two engines through a live relay: greeting,
// offer/answer exchange, trickled candidates, and hangup propagation.
func TestEndToEndCall(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := startRelay(t)

	a := startPeer(t, ctx, url)
	b := startPeer(t, ctx, url)
	eventually(t, "identities", func() bool {
		return a.eng.Identity() != "" && b.eng.Identity() != ""
	})
	if a.eng.Identity() == b.eng.Identity() {
		t.Fatalf("identities collide: %s", a.eng.Identity())
	}

	if err := a.eng.Call(ctx, b.eng.Identity()); err != nil {
		t.Fatalf("call: %v", err)
	}
	eventually(t, "offer at callee", func() bool {
		return b.fac.count() == 1 && b.fac.at(0).remoteOfferSDP() == "local-offer"
	})
	eventually(t, "answer at caller", func() bool {
		return a.fac.count() == 1 && a.fac.at(0).remoteAnswerSDP() == "local-answer"
	})

	a.fac.at(0).fireCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 udp"})
	eventually(t, "candidate at callee", func() bool {
		return b.fac.at(0).candidateCount() == 1
	})
	if got := b.fac.at(0).firstCandidate().Candidate; got != "candidate:1 udp" {
		t.Fatalf("candidate payload = %q", got)
	}

	if err := a.eng.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	eventually(t, "caller media closed", func() bool { return a.fac.at(0).IsClosed() })
	eventually(t, "callee media closed", func() bool { return b.fac.at(0).IsClosed() })
}

// TestEndToEndPeerVanishes checks that the relay's departure notice ends the
// survivor's session when the other side drops without a bye.
func TestEndToEndPeerVanishes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := startRelay(t)

	a := startPeer(t, ctx, url)
	b := startPeer(t, ctx, url)
	eventually(t, "identities", func() bool {
		return a.eng.Identity() != "" && b.eng.Identity() != ""
	})

	if err := a.eng.Call(ctx, b.eng.Identity()); err != nil {
		t.Fatalf("call: %v", err)
	}
	eventually(t, "offer at callee", func() bool { return b.fac.count() == 1 })

	// Kill the caller's transport outright, no hangup.
	a.stop()
	eventually(t, "callee media closed", func() bool { return b.fac.at(0).IsClosed() })
}
