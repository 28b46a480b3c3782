// Package events is the nudge lifecycle journal kept in SQLite. The webhook
// relay and `nl log tail` read it back by id.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	NudgeCreated      = "nudge.created"
	NudgeNotified     = "nudge.notified"
	NudgeSkipped      = "nudge.skipped"
	NudgeCompleted    = "nudge.completed"
	NudgeDismissed    = "nudge.dismissed"
	NudgeSnoozed      = "nudge.snoozed"
	FollowUpCreated   = "followup.created"
	SequenceDismissed = "sequence.dismissed"
)

// Types lists every event type the engine writes.
var Types = []string{
	NudgeCreated,
	NudgeNotified,
	NudgeSkipped,
	NudgeCompleted,
	NudgeDismissed,
	NudgeSnoozed,
	FollowUpCreated,
	SequenceDismissed,
}

func Known(evtType string) bool {
	for _, t := range Types {
		if t == evtType {
			return true
		}
	}
	return false
}

type EventPayload = map[string]any

type Writer struct {
	DB  *sqlx.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append journals one event. User and nudge ids are stored as NULL when empty.
func (w Writer) Append(ctx context.Context, evtType, userID, nudgeID string, payload EventPayload) error {
	if !Known(evtType) {
		return fmt.Errorf("unknown event type %q", evtType)
	}
	body := []byte("{}")
	if len(payload) > 0 {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode %s payload: %w", evtType, err)
		}
	}
	row := map[string]any{
		"ts":       w.now().UTC().Format(time.RFC3339),
		"type":     evtType,
		"user_id":  orNull(userID),
		"nudge_id": orNull(nudgeID),
		"payload":  string(body),
	}
	_, err := w.DB.NamedExecContext(ctx,
		`INSERT INTO events(ts,type,user_id,nudge_id,payload_json) VALUES (:ts,:type,:user_id,:nudge_id,:payload)`, row)
	return err
}

// Prune deletes events older than cutoff and returns how many were removed.
func (w Writer) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := w.DB.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

func orNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
