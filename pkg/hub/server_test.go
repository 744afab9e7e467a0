package hub

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chainview-dev/chainview/pkg/channel"
	"github.com/chainview-dev/chainview/pkg/mirror"
	"github.com/chainview-dev/chainview/pkg/protocol"
)

func TestRootGreeting(t *testing.T) {
	h, _, _ := testHub(t)
	srv := NewServer(h, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "ChainView hub\n" {
		t.Errorf("body = %q", got)
	}
}

func TestHealthz(t *testing.T) {
	h, _, _ := testHub(t)
	srv := NewServer(h, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestOriginCheck(t *testing.T) {
	h, _, _ := testHub(t)
	srv := NewServer(h, &ServerConfig{AllowedOrigins: []string{"https://app.chainview.dev"}})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	if srv.checkOrigin(req) {
		t.Error("disallowed origin accepted")
	}
	req.Header.Set("Origin", "https://app.chainview.dev")
	if !srv.checkOrigin(req) {
		t.Error("allowed origin rejected")
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// End-to-end: a mirror client over a real channel against the served hub.
func TestMirrorOverLiveServer(t *testing.T) {
	h, collab, accounts := testHub(t)
	const addr = "00112233445566778899aabbccddeeff00112233"
	accounts.balances[addr] = 55

	srv := NewServer(h, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ch := channel.New(&channel.Config{
		URL:            wsURL,
		RetryDelay:     50 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	})
	defer ch.Close()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := mirror.NewClient(ch, quiet)
	ch.Connect()

	// The on-connect snapshot plus the per-entity refresh both carry the
	// fake chain height.
	waitUntil(t, "chain state to mirror", func() bool {
		return client.Chain.Height() == 7
	})

	// Subscribing locally registers the wire type with the hub.
	headEvents := make(chan struct{}, 8)
	if _, err := client.Chain.On(mirror.LocalHeadChanged, func(any) {
		headEvents <- struct{}{}
	}); err != nil {
		t.Fatalf("On: %v", err)
	}
	waitUntil(t, "hub-side registration", func() bool {
		return h.ListenerCount(protocol.EventHeadChanged) == 1
	})

	collab.Chain.Events().Fire(protocol.EventHeadChanged, map[string]any{"height": 8})
	select {
	case <-headEvents:
	case <-time.After(3 * time.Second):
		t.Fatal("head event never reached the mirror")
	}
	waitUntil(t, "mirrored height increment", func() bool {
		return client.Chain.Height() == 8
	})

	// A request/response command through the same multiplexed channel.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	balance, err := client.Accounts.Balance(ctx, addr)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 55 {
		t.Errorf("balance = %d, want 55", balance)
	}
}
