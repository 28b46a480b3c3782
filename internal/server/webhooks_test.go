package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nudgeline/internal/config"
	"nudgeline/internal/events"
)

type capturedHook struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	failNext bool
}

func (c *capturedHook) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	c.bodies = append(c.bodies, body)
	c.headers = append(c.headers, r.Header.Clone())
	w.WriteHeader(http.StatusNoContent)
}

func (c *capturedHook) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestWebhookRelaySignsAndFilters(t *testing.T) {
	srv := newTestServer(t, defaultAuth())
	hook := &capturedHook{}
	target := httptest.NewServer(http.HandlerFunc(hook.handler))
	defer target.Close()

	relay := NewWebhookRelay(srv.Repo, []config.WebhookConfig{{
		URL:    target.URL,
		Secret: "hook-secret",
		Events: []string{events.NudgeCompleted},
	}}, nil)
	ctx := context.Background()

	old := srv.seed(t, "u1", "")
	if _, err := srv.client(t, "u1").Respond(ctx, old.ID, "good", ""); err != nil {
		t.Fatalf("respond: %v", err)
	}
	// First pass only pins the cursor at the journal head.
	relay.DispatchAll(ctx)
	if hook.count() != 0 {
		t.Fatalf("history should not be replayed, got %d deliveries", hook.count())
	}

	n := srv.seed(t, "u1", "")
	if _, err := srv.client(t, "u1").Respond(ctx, n.ID, "good", ""); err != nil {
		t.Fatalf("respond: %v", err)
	}
	hook.mu.Lock()
	hook.failNext = true
	hook.mu.Unlock()
	relay.DispatchAll(ctx)
	if hook.count() != 0 {
		t.Fatalf("failed delivery should not be recorded")
	}
	relay.DispatchAll(ctx)
	if hook.count() != 1 {
		t.Fatalf("expected one retried delivery, got %d", hook.count())
	}

	var evt webhookEvent
	if err := json.Unmarshal(hook.bodies[0], &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Type != events.NudgeCompleted || evt.NudgeID != n.ID {
		t.Fatalf("unexpected event %+v", evt)
	}
	h := hook.headers[0]
	if h.Get("X-Nudgeline-Event") != events.NudgeCompleted {
		t.Fatalf("event header = %q", h.Get("X-Nudgeline-Event"))
	}
	if want := "sha256=" + signBody("hook-secret", hook.bodies[0]); h.Get("X-Nudgeline-Signature") != want {
		t.Fatalf("signature = %q, want %q", h.Get("X-Nudgeline-Signature"), want)
	}

	relay.DispatchAll(ctx)
	if hook.count() != 1 {
		t.Fatalf("delivered events must not repeat, got %d", hook.count())
	}

	// A restarted relay resumes from the stored cursor and picks up events
	// written while it was down.
	down := srv.seed(t, "u1", "")
	if _, err := srv.client(t, "u1").Respond(ctx, down.ID, "good", ""); err != nil {
		t.Fatalf("respond: %v", err)
	}
	restarted := NewWebhookRelay(srv.Repo, relay.hooksConfig(), nil)
	restarted.DispatchAll(ctx)
	if hook.count() != 2 {
		t.Fatalf("expected resume after restart, got %d deliveries", hook.count())
	}
}

func (r *WebhookRelay) hooksConfig() []config.WebhookConfig {
	out := make([]config.WebhookConfig, 0, len(r.hooks))
	for _, h := range r.hooks {
		out = append(out, h.cfg)
	}
	return out
}

func TestWebhookRelayBacksOff(t *testing.T) {
	srv := newTestServer(t, defaultAuth())
	var mu sync.Mutex
	attempts := 0
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer target.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	relay := NewWebhookRelay(srv.Repo, []config.WebhookConfig{{URL: target.URL}}, log.New(io.Discard, "", 0))
	relay.Now = func() time.Time { return now }
	ctx := context.Background()
	relay.DispatchAll(ctx)
	srv.seed(t, "u1", "")

	relay.DispatchAll(ctx) // fails, retry allowed immediately
	relay.DispatchAll(ctx) // fails again, now backing off
	relay.DispatchAll(ctx) // skipped
	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 2 {
		t.Fatalf("expected 2 attempts before backoff, got %d", got)
	}
	now = now.Add(backoff(relay.Interval, 2))
	relay.DispatchAll(ctx)
	mu.Lock()
	got = attempts
	mu.Unlock()
	if got != 3 {
		t.Fatalf("expected a retry once the backoff elapsed, got %d", got)
	}
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	if backoff(base, 1) != 0 || backoff(base, 2) != 4*time.Second || backoff(base, 3) != 8*time.Second {
		t.Fatalf("unexpected backoff sequence")
	}
	if backoff(base, 40) != relayMaxBackoff {
		t.Fatalf("backoff should cap at %v", relayMaxBackoff)
	}
}

func TestEventFilter(t *testing.T) {
	if !newEventFilter(nil).match("anything") {
		t.Fatalf("empty filter should match all")
	}
	if newEventFilter([]string{" ", ""}) != nil {
		t.Fatalf("blank names should leave the filter open")
	}
	f := newEventFilter([]string{events.NudgeNotified})
	if !f.match(events.NudgeNotified) || f.match(events.NudgeCreated) {
		t.Fatalf("filter mismatch")
	}
}
