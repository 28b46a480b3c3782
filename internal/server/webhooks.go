package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nudgeline/internal/config"
	"nudgeline/internal/domain"
)

const (
	relayInterval   = 2 * time.Second
	relayTimeout    = 5 * time.Second
	relayBatch      = 100
	relayMaxBackoff = 5 * time.Minute
)

// EventSource is the journal the relay reads, plus a per-hook cursor store
// so a restart neither replays nor drops events.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
	WebhookCursor(ctx context.Context, hook string) (int64, bool, error)
	SaveWebhookCursor(ctx context.Context, hook string, eventID int64) error
}

type hookState struct {
	cfg      config.WebhookConfig
	key      string
	filter   eventFilter
	client   *http.Client
	cursor   int64
	loaded   bool
	failures int
	retryAt  time.Time
}

// WebhookRelay posts journal events to configured webhooks in id order. A
// failing hook stops at the failed event and backs off exponentially.
type WebhookRelay struct {
	Source   EventSource
	Interval time.Duration
	Logger   *log.Logger
	Now      func() time.Time

	mu    sync.Mutex
	hooks []*hookState
}

func NewWebhookRelay(src EventSource, hooks []config.WebhookConfig, logger *log.Logger) *WebhookRelay {
	r := &WebhookRelay{Source: src, Interval: relayInterval, Logger: logger, Now: time.Now}
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		timeout := relayTimeout
		if h.TimeoutSeconds > 0 {
			timeout = time.Duration(h.TimeoutSeconds) * time.Second
		}
		r.hooks = append(r.hooks, &hookState{
			cfg:    h,
			key:    hookKey(h),
			filter: newEventFilter(h.Events),
			client: &http.Client{Timeout: timeout},
		})
	}
	return r
}

// hookKey identifies a hook's cursor across restarts.
func hookKey(h config.WebhookConfig) string {
	return h.URL + "#" + strings.Join(h.Events, ",")
}

func (r *WebhookRelay) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Run polls until ctx is done.
func (r *WebhookRelay) Run(ctx context.Context) {
	if len(r.hooks) == 0 {
		return
	}
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		r.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll gives every hook that is not backing off one delivery pass.
func (r *WebhookRelay) DispatchAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.Now()
	for _, h := range r.hooks {
		if now.Before(h.retryAt) {
			continue
		}
		if err := r.drain(ctx, h); err != nil {
			h.failures++
			h.retryAt = now.Add(backoff(r.Interval, h.failures))
			r.logf("webhook: %s: %v (attempt %d)", h.cfg.URL, err, h.failures)
			continue
		}
		h.failures = 0
		h.retryAt = time.Time{}
	}
}

func backoff(base time.Duration, failures int) time.Duration {
	if failures <= 1 {
		return 0
	}
	d := base << (failures - 1)
	if d <= 0 || d > relayMaxBackoff {
		return relayMaxBackoff
	}
	return d
}

func (r *WebhookRelay) load(ctx context.Context, h *hookState) error {
	if h.loaded {
		return nil
	}
	cur, ok, err := r.Source.WebhookCursor(ctx, h.key)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if !ok {
		// A new hook starts at the journal head.
		if cur, err = r.Source.LatestEventID(ctx); err != nil {
			return fmt.Errorf("journal head: %w", err)
		}
		if err := r.Source.SaveWebhookCursor(ctx, h.key, cur); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
	}
	h.cursor, h.loaded = cur, true
	return nil
}

func (r *WebhookRelay) drain(ctx context.Context, h *hookState) error {
	if err := r.load(ctx, h); err != nil {
		return err
	}
	batch, err := r.Source.EventsAfter(ctx, relayBatch, h.cursor)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}
	last := h.cursor
	var postErr error
	for _, evt := range batch {
		if h.filter.match(evt.Type) {
			if postErr = r.post(ctx, h, evt); postErr != nil {
				break
			}
		}
		last = evt.ID
	}
	if last != h.cursor {
		if err := r.Source.SaveWebhookCursor(ctx, h.key, last); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
		h.cursor = last
	}
	return postErr
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	UserID     string          `json:"user_id,omitempty"`
	NudgeID    string          `json:"nudge_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func toWebhookEvent(evt domain.Event) webhookEvent {
	out := webhookEvent{
		ID:      evt.ID,
		Type:    evt.Type,
		UserID:  evt.UserID,
		NudgeID: evt.NudgeID,
		TS:      evt.TS,
		Payload: json.RawMessage("{}"),
	}
	switch {
	case evt.Payload == "":
	case json.Valid([]byte(evt.Payload)):
		out.Payload = json.RawMessage(evt.Payload)
	default:
		out.PayloadRaw = evt.Payload
	}
	return out
}

// signBody returns the hex HMAC-SHA256 of body under secret.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (r *WebhookRelay) post(ctx context.Context, h *hookState, evt domain.Event) error {
	body, err := json.Marshal(toWebhookEvent(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Nudgeline-Event", evt.Type)
	req.Header.Set("X-Nudgeline-Delivery", strconv.FormatInt(evt.ID, 10))
	if secret := strings.TrimSpace(h.cfg.Secret); secret != "" {
		req.Header.Set("X-Nudgeline-Signature", "sha256="+signBody(secret, body))
	}
	res, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("event %d: %w", evt.ID, err)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("event %d: status %d: %s", evt.ID, res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

type eventFilter map[string]struct{}

// newEventFilter returns nil (match everything) when no names are given.
func newEventFilter(names []string) eventFilter {
	var f eventFilter
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if f == nil {
			f = eventFilter{}
		}
		f[n] = struct{}{}
	}
	return f
}

func (f eventFilter) match(evtType string) bool {
	if f == nil {
		return true
	}
	_, ok := f[evtType]
	return ok
}
