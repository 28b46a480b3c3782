package nudgelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Nudgeline HTTP API client. BearerToken is a user JWT;
// SchedulerSecret is sent instead on scheduler calls.
type Client struct {
	BaseURL         string
	BearerToken     string
	SchedulerSecret string
	HTTPClient      *http.Client
	Timeout         time.Duration
}

// New returns a client with a 10s request timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Interpretation struct {
	Sentiment string `json:"sentiment"`
	Summary   string `json:"summary,omitempty"`
	FollowUp  *struct {
		Urgency string `json:"urgency"`
		Message string `json:"message,omitempty"`
	} `json:"follow_up,omitempty"`
}

// Nudge represents the API nudge model (partial).
type Nudge struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	Type                string          `json:"type"`
	Title               string          `json:"title"`
	Message             string          `json:"message"`
	ScheduledFor        string          `json:"scheduled_for"`
	SequenceID          string          `json:"sequence_id,omitempty"`
	Status              string          `json:"status"`
	NotificationSent    *bool           `json:"notification_sent,omitempty"`
	NotificationSentAt  string          `json:"notification_sent_at,omitempty"`
	NotificationSkipped string          `json:"notification_skipped,omitempty"`
	ResponseValue       string          `json:"response_value,omitempty"`
	Interpretation      *Interpretation `json:"interpretation,omitempty"`
}

type RespondResult struct {
	Nudge             Nudge           `json:"nudge"`
	Category          string          `json:"category"`
	DismissedSiblings int             `json:"dismissed_siblings"`
	FollowUp          *Nudge          `json:"follow_up,omitempty"`
	Interpretation    *Interpretation `json:"interpretation,omitempty"`
}

type ProcessStats struct {
	Success           bool   `json:"success"`
	RanAt             string `json:"ran_at"`
	Scanned           int    `json:"scanned"`
	Processed         int    `json:"processed"`
	Notified          int    `json:"notified"`
	Errors            int    `json:"errors"`
	SkippedDailyLimit int    `json:"skipped_daily_limit"`
	SkippedQuietHours int    `json:"skipped_quiet_hours"`
	LockContended     int    `json:"lock_contended"`
}

// APIError is returned for any non-2xx reply. Code and Message come from
// the server's error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("nudgeline: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("nudgeline: status %d: %s", e.StatusCode, e.Body)
}

func decodeAPIError(status int, raw []byte) *APIError {
	out := &APIError{StatusCode: status, Body: strings.TrimSpace(string(raw))}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil {
		out.Code, out.Message = env.Error.Code, env.Error.Message
	}
	return out
}

// Health reports whether the API answers its liveness probe.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil, "")
}

// ProcessDueNudges triggers one delivery pass.
func (c *Client) ProcessDueNudges(ctx context.Context) (ProcessStats, error) {
	var resp ProcessStats
	err := c.do(ctx, http.MethodPost, "v0/scheduler/process-due-nudges", nil, &resp, c.SchedulerSecret)
	return resp, err
}

// BackfillNotificationSent runs the legacy backfill and returns the count.
func (c *Client) BackfillNotificationSent(ctx context.Context) (int, error) {
	var resp struct {
		Updated int `json:"updated"`
	}
	err := c.do(ctx, http.MethodPost, "v0/scheduler/backfill-notification-sent", nil, &resp, c.SchedulerSecret)
	return resp.Updated, err
}

// Nudges lists the caller's nudges, optionally filtered by status.
func (c *Client) Nudges(ctx context.Context, status string, limit int) ([]Nudge, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "v0/nudges"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Nudge `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, c.BearerToken)
	return resp.Items, err
}

func (c *Client) Nudge(ctx context.Context, id string) (Nudge, error) {
	var resp Nudge
	err := c.do(ctx, http.MethodGet, c.nudgePath(id, ""), nil, &resp, c.BearerToken)
	return resp, err
}

// Respond answers a nudge with a structured response or a free-text note.
func (c *Client) Respond(ctx context.Context, id, response, note string) (RespondResult, error) {
	body := map[string]any{}
	if response != "" {
		body["response"] = response
	}
	if note != "" {
		body["note"] = note
	}
	var resp RespondResult
	err := c.do(ctx, http.MethodPost, c.nudgePath(id, "respond"), body, &resp, c.BearerToken)
	return resp, err
}

func (c *Client) Snooze(ctx context.Context, id string, minutes int) (Nudge, error) {
	var resp Nudge
	err := c.do(ctx, http.MethodPost, c.nudgePath(id, "snooze"), map[string]any{"minutes": minutes}, &resp, c.BearerToken)
	return resp, err
}

func (c *Client) Dismiss(ctx context.Context, id string) (Nudge, error) {
	var resp Nudge
	err := c.do(ctx, http.MethodPost, c.nudgePath(id, "dismiss"), nil, &resp, c.BearerToken)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, in, out any, bearer string) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), payload)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		return decodeAPIError(res.StatusCode, raw)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, endpoint, err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

func (c *Client) nudgePath(id, action string) string {
	p := "v0/nudges/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
