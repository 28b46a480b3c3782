package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"nudgeline/internal/domain"
)

type eventRow struct {
	ID      int64          `db:"id"`
	TS      string         `db:"ts"`
	Type    string         `db:"type"`
	UserID  sql.NullString `db:"user_id"`
	NudgeID sql.NullString `db:"nudge_id"`
	Payload sql.NullString `db:"payload_json"`
}

func (row eventRow) toDomain() domain.Event {
	return domain.Event{
		ID:      row.ID,
		TS:      row.TS,
		Type:    row.Type,
		UserID:  row.UserID.String,
		NudgeID: row.NudgeID.String,
		Payload: row.Payload.String,
	}
}

type EventFilter struct {
	UserID  string
	NudgeID string
	Type    string
	Limit   int
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.NudgeID != "" {
		clauses = append(clauses, "nudge_id=?")
		args = append(args, f.NudgeID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT id,ts,type,user_id,nudge_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	return r.selectEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.selectEvents(ctx, `SELECT id,ts,type,user_id,nudge_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.GetContext(ctx, &id, `SELECT COALESCE(MAX(id),0) FROM events`)
	return id, err
}

func (r Repo) selectEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	var rows []eventRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	res := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}

// WebhookCursor returns the last delivered event id for a hook. ok is false
// when the hook has never delivered.
func (r Repo) WebhookCursor(ctx context.Context, hook string) (int64, bool, error) {
	var id int64
	err := r.DB.GetContext(ctx, &id, `SELECT last_event_id FROM webhook_cursors WHERE hook=?`, hook)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r Repo) SaveWebhookCursor(ctx context.Context, hook string, eventID int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(hook,last_event_id,updated_at) VALUES (?,?,?)
		ON CONFLICT(hook) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`,
		hook, eventID, formatTS(time.Now()))
	return err
}
