package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"nudgeline/internal/domain"
	"nudgeline/internal/store"
)

// Repo is the SQLite implementation of the store contracts.
type Repo struct {
	DB *sqlx.DB
}

var _ store.Backend = Repo{}

var ErrNotFound = store.ErrNotFound

// Timestamps are stored as fixed-width UTC text so they compare as strings.
const tsLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err
}

func parseNullTS(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTS(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTS(*t)
}

const nudgeColumns = `id,user_id,type,title,message,condition_id,medication_id,medication_name,visit_id,
scheduled_for,sequence_day,sequence_id,status,notification_sent,notification_sent_at,notification_skipped,
lock_expires_at,response_value,interpretation_json,created_at,updated_at,dismissed_at,completed_at`

type nudgeRow struct {
	ID                  string         `db:"id"`
	UserID              string         `db:"user_id"`
	Type                string         `db:"type"`
	Title               string         `db:"title"`
	Message             string         `db:"message"`
	ConditionID         sql.NullString `db:"condition_id"`
	MedicationID        sql.NullString `db:"medication_id"`
	MedicationName      sql.NullString `db:"medication_name"`
	VisitID             sql.NullString `db:"visit_id"`
	ScheduledFor        string         `db:"scheduled_for"`
	SequenceDay         int            `db:"sequence_day"`
	SequenceID          sql.NullString `db:"sequence_id"`
	Status              string         `db:"status"`
	NotificationSent    sql.NullBool   `db:"notification_sent"`
	NotificationSentAt  sql.NullString `db:"notification_sent_at"`
	NotificationSkipped sql.NullString `db:"notification_skipped"`
	LockExpiresAt       sql.NullString `db:"lock_expires_at"`
	ResponseValue       sql.NullString `db:"response_value"`
	InterpretationJSON  sql.NullString `db:"interpretation_json"`
	CreatedAt           string         `db:"created_at"`
	UpdatedAt           string         `db:"updated_at"`
	DismissedAt         sql.NullString `db:"dismissed_at"`
	CompletedAt         sql.NullString `db:"completed_at"`
}

func (row nudgeRow) toDomain() (domain.Nudge, error) {
	n := domain.Nudge{
		ID:                  row.ID,
		UserID:              row.UserID,
		Type:                domain.NudgeType(row.Type),
		Title:               row.Title,
		Message:             row.Message,
		ConditionID:         row.ConditionID.String,
		MedicationID:        row.MedicationID.String,
		MedicationName:      row.MedicationName.String,
		VisitID:             row.VisitID.String,
		SequenceDay:         row.SequenceDay,
		SequenceID:          row.SequenceID.String,
		Status:              domain.NudgeStatus(row.Status),
		NotificationSkipped: domain.SkipReason(row.NotificationSkipped.String),
		ResponseValue:       row.ResponseValue.String,
	}
	if row.NotificationSent.Valid {
		sent := row.NotificationSent.Bool
		n.NotificationSent = &sent
	}
	var err error
	if n.ScheduledFor, err = parseTS(row.ScheduledFor); err != nil {
		return n, fmt.Errorf("nudge %s scheduled_for: %w", row.ID, err)
	}
	if n.CreatedAt, err = parseTS(row.CreatedAt); err != nil {
		return n, fmt.Errorf("nudge %s created_at: %w", row.ID, err)
	}
	if n.UpdatedAt, err = parseTS(row.UpdatedAt); err != nil {
		return n, fmt.Errorf("nudge %s updated_at: %w", row.ID, err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{row.NotificationSentAt, &n.NotificationSentAt},
		{row.LockExpiresAt, &n.LockExpiresAt},
		{row.DismissedAt, &n.DismissedAt},
		{row.CompletedAt, &n.CompletedAt},
	} {
		if *f.dst, err = parseNullTS(f.src); err != nil {
			return n, fmt.Errorf("nudge %s: %w", row.ID, err)
		}
	}
	if row.InterpretationJSON.Valid && row.InterpretationJSON.String != "" {
		var interp domain.Interpretation
		if err := json.Unmarshal([]byte(row.InterpretationJSON.String), &interp); err != nil {
			return n, fmt.Errorf("nudge %s interpretation: %w", row.ID, err)
		}
		n.Interpretation = &interp
	}
	return n, nil
}

func toNudges(rows []nudgeRow) ([]domain.Nudge, error) {
	res := make([]domain.Nudge, 0, len(rows))
	for _, row := range rows {
		n, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, nil
}

func (r Repo) CreateNudge(ctx context.Context, n domain.Nudge) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = domain.StatusPending
	}
	var sent any
	if n.NotificationSent != nil {
		sent = *n.NotificationSent
	}
	var interp any
	if n.Interpretation != nil {
		data, err := json.Marshal(n.Interpretation)
		if err != nil {
			return "", err
		}
		interp = string(data)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO nudges(`+nudgeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message,
		nullable(n.ConditionID), nullable(n.MedicationID), nullable(n.MedicationName), nullable(n.VisitID),
		formatTS(n.ScheduledFor), n.SequenceDay, nullable(n.SequenceID), string(n.Status),
		sent, nullableTS(n.NotificationSentAt), nullable(string(n.NotificationSkipped)),
		nullableTS(n.LockExpiresAt), nullable(n.ResponseValue), interp,
		formatTS(n.CreatedAt), formatTS(n.UpdatedAt), nullableTS(n.DismissedAt), nullableTS(n.CompletedAt))
	if err != nil {
		return "", fmt.Errorf("insert nudge: %w", err)
	}
	return n.ID, nil
}

func (r Repo) GetNudge(ctx context.Context, id string) (domain.Nudge, error) {
	var row nudgeRow
	err := r.DB.GetContext(ctx, &row, `SELECT `+nudgeColumns+` FROM nudges WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Nudge{}, ErrNotFound
	}
	if err != nil {
		return domain.Nudge{}, err
	}
	return row.toDomain()
}

// FindDueUnnotified treats a NULL notification_sent as false.
func (r Repo) FindDueUnnotified(ctx context.Context, now time.Time, limit int) ([]domain.Nudge, error) {
	var rows []nudgeRow
	err := r.DB.SelectContext(ctx, &rows, `SELECT `+nudgeColumns+` FROM nudges
WHERE status='pending' AND scheduled_for<=? AND COALESCE(notification_sent,0)=0
ORDER BY scheduled_for ASC, id ASC LIMIT ?`, formatTS(now), limit)
	if err != nil {
		return nil, err
	}
	return toNudges(rows)
}

func (r Repo) CountNotifiedForUserInWindow(ctx context.Context, userID string, start, end time.Time) (int, error) {
	var n int
	err := r.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM nudges
WHERE user_id=? AND notification_sent=1 AND notification_sent_at>=? AND notification_sent_at<?`,
		userID, formatTS(start), formatTS(end))
	return n, err
}

func (r Repo) CountLockedForUser(ctx context.Context, userID string, now time.Time) (int, error) {
	var n int
	err := r.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM nudges
WHERE user_id=? AND status='pending' AND COALESCE(notification_sent,0)=0 AND lock_expires_at>?`,
		userID, formatTS(now))
	return n, err
}

// TryAcquireLock is a single conditional UPDATE; SQLite serializes writers,
// so exactly one caller sees a changed row.
func (r Repo) TryAcquireLock(ctx context.Context, nudgeID string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE nudges SET lock_expires_at=?, updated_at=?
WHERE id=? AND status='pending' AND COALESCE(notification_sent,0)=0
AND (lock_expires_at IS NULL OR lock_expires_at<=?)`,
		formatTS(now.Add(ttl)), formatTS(now), nudgeID, formatTS(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ReleaseLock(ctx context.Context, nudgeID string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE nudges SET lock_expires_at=NULL WHERE id=?`, nudgeID)
	return err
}

func (r Repo) MarkProcessed(ctx context.Context, nudgeID string, mark store.ProcessedMark) error {
	query := `UPDATE nudges SET notification_sent=1, notification_sent_at=COALESCE(?,notification_sent_at),
notification_skipped=?, updated_at=?`
	if mark.ClearLock {
		query += `, lock_expires_at=NULL`
	}
	query += ` WHERE id=?`
	res, err := r.DB.ExecContext(ctx, query,
		nullableTS(mark.SentAt), nullable(string(mark.SkipReason)), formatTS(mark.Now), nudgeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkCompleted(ctx context.Context, nudgeID string, c store.Completion) error {
	var interp any
	if c.Interpretation != nil {
		data, err := json.Marshal(c.Interpretation)
		if err != nil {
			return err
		}
		interp = string(data)
	}
	at := formatTS(c.At)
	res, err := r.DB.ExecContext(ctx, `UPDATE nudges SET status='completed', response_value=?, interpretation_json=?,
completed_at=?, updated_at=?, lock_expires_at=NULL WHERE id=? AND status NOT IN ('completed','dismissed')`,
		nullable(c.ResponseValue), interp, at, at, nudgeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	if err := r.DB.GetContext(ctx, &exists, `SELECT COUNT(1) FROM nudges WHERE id=?`, nudgeID); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return store.ErrClosed
}

func (r Repo) FindSiblingsByStatus(ctx context.Context, sequenceID string, statuses []domain.NudgeStatus) ([]domain.Nudge, error) {
	if sequenceID == "" || len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	query, args, err := sqlx.In(`SELECT `+nudgeColumns+` FROM nudges WHERE sequence_id=? AND status IN (?) ORDER BY scheduled_for ASC, id ASC`, sequenceID, values)
	if err != nil {
		return nil, err
	}
	var rows []nudgeRow
	if err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	return toNudges(rows)
}

func patchClauses(p store.Patch) ([]string, []any) {
	var (
		fields []string
		args   []any
	)
	if p.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, string(*p.Status))
	}
	if p.ScheduledFor != nil {
		fields = append(fields, "scheduled_for=?")
		args = append(args, formatTS(*p.ScheduledFor))
	}
	if p.DismissedAt != nil {
		fields = append(fields, "dismissed_at=?")
		args = append(args, formatTS(*p.DismissedAt))
	}
	if p.ResetNotification {
		fields = append(fields, "notification_sent=0", "notification_sent_at=NULL", "notification_skipped=NULL", "lock_expires_at=NULL")
	}
	fields = append(fields, "updated_at=?")
	args = append(args, formatTS(p.UpdatedAt))
	return fields, args
}

// BatchUpdate applies every change in one transaction; a missing nudge
// rolls the whole batch back.
func (r Repo) BatchUpdate(ctx context.Context, uow *store.UnitOfWork) error {
	if uow == nil || uow.Len() == 0 {
		return nil
	}
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, ch := range uow.Changes() {
		fields, args := patchClauses(ch.Patch)
		args = append(args, ch.NudgeID)
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE nudges SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
		if err != nil {
			return fmt.Errorf("update nudge %s: %w", ch.NudgeID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update nudge %s: %w", ch.NudgeID, ErrNotFound)
		}
	}
	return tx.Commit()
}

func (r Repo) BackfillNotificationSent(ctx context.Context) (int, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE nudges SET notification_sent=0 WHERE status='pending' AND notification_sent IS NULL`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r Repo) WakeSnoozed(ctx context.Context, now time.Time) (int, error) {
	ts := formatTS(now)
	res, err := r.DB.ExecContext(ctx, `UPDATE nudges SET status='pending', notification_sent=0, notification_sent_at=NULL,
notification_skipped=NULL, lock_expires_at=NULL, updated_at=? WHERE status='snoozed' AND scheduled_for<=?`, ts, ts)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r Repo) ListNudges(ctx context.Context, f store.NudgeFilter) ([]domain.Nudge, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT `+nudgeColumns+` FROM nudges WHERE %s ORDER BY scheduled_for DESC, id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	var rows []nudgeRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return toNudges(rows)
}
