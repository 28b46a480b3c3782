package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nudgeline/internal/domain"
	"nudgeline/internal/events"
	"nudgeline/internal/store"
)

// NudgeCreateOptions are parameters for seeding a nudge.
type NudgeCreateOptions struct {
	ID             string
	UserID         string
	Type           domain.NudgeType
	Title          string
	Message        string
	ConditionID    string
	MedicationID   string
	MedicationName string
	VisitID        string
	SequenceID     string
	SequenceDay    int
	ScheduledFor   time.Time
}

func (e Engine) CreateNudge(ctx context.Context, opts NudgeCreateOptions) (domain.Nudge, error) {
	if strings.TrimSpace(opts.UserID) == "" {
		return domain.Nudge{}, errors.New("user_id is required")
	}
	if opts.Type == "" {
		return domain.Nudge{}, errors.New("type is required")
	}
	if !opts.Type.Valid() {
		return domain.Nudge{}, fmt.Errorf("invalid nudge type %s", opts.Type)
	}
	if opts.ScheduledFor.IsZero() {
		return domain.Nudge{}, errors.New("scheduled_for is required")
	}
	now := e.Clock()
	sent := false
	n := domain.Nudge{
		ID:               opts.ID,
		UserID:           opts.UserID,
		Type:             opts.Type,
		Title:            opts.Title,
		Message:          opts.Message,
		ConditionID:      opts.ConditionID,
		MedicationID:     opts.MedicationID,
		MedicationName:   opts.MedicationName,
		VisitID:          opts.VisitID,
		ScheduledFor:     opts.ScheduledFor,
		SequenceDay:      opts.SequenceDay,
		SequenceID:       opts.SequenceID,
		Status:           domain.StatusPending,
		NotificationSent: &sent,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	id, err := e.Store.CreateNudge(ctx, n)
	if err != nil {
		return domain.Nudge{}, err
	}
	n.ID = id
	e.record(ctx, events.NudgeCreated, n.UserID, n.ID, map[string]any{"type": string(n.Type)})
	return n, nil
}

// ownedNudge loads a nudge and checks it belongs to userID. An empty userID
// skips the ownership check (operator access from the CLI).
func (e Engine) ownedNudge(ctx context.Context, id, userID string) (domain.Nudge, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Nudge{}, errors.New("nudge id is required")
	}
	n, err := e.Store.GetNudge(ctx, id)
	if err != nil {
		return domain.Nudge{}, err
	}
	if userID != "" && n.UserID != userID {
		return domain.Nudge{}, ForbiddenError{NudgeID: id}
	}
	return n, nil
}

func (e Engine) GetNudge(ctx context.Context, id, userID string) (domain.Nudge, error) {
	return e.ownedNudge(ctx, id, userID)
}

func (e Engine) ListNudges(ctx context.Context, f store.NudgeFilter) ([]domain.Nudge, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("invalid status %s", f.Status)
	}
	return e.Store.ListNudges(ctx, f)
}

// Snooze parks an open nudge until the given time. It returns to pending
// through WakeSnoozed and is delivered again.
func (e Engine) Snooze(ctx context.Context, id, userID string, until, now time.Time) (domain.Nudge, error) {
	if !until.After(now) {
		return domain.Nudge{}, errors.New("invalid snooze: until must be in the future")
	}
	n, err := e.ownedNudge(ctx, id, userID)
	if err != nil {
		return domain.Nudge{}, err
	}
	if n.Status.Closed() {
		return domain.Nudge{}, ConflictError{NudgeID: id, Status: n.Status}
	}
	snoozed := domain.StatusSnoozed
	var uow store.UnitOfWork
	uow.Update(id, store.Patch{Status: &snoozed, ScheduledFor: &until, ResetNotification: true, UpdatedAt: now})
	if err := e.Store.BatchUpdate(ctx, &uow); err != nil {
		return domain.Nudge{}, err
	}
	e.record(ctx, events.NudgeSnoozed, n.UserID, id, map[string]any{"until": until.UTC().Format(time.RFC3339)})
	return e.Store.GetNudge(ctx, id)
}

func (e Engine) Dismiss(ctx context.Context, id, userID string, now time.Time) (domain.Nudge, error) {
	n, err := e.ownedNudge(ctx, id, userID)
	if err != nil {
		return domain.Nudge{}, err
	}
	if n.Status.Closed() {
		return domain.Nudge{}, ConflictError{NudgeID: id, Status: n.Status}
	}
	dismissed := domain.StatusDismissed
	var uow store.UnitOfWork
	uow.Update(id, store.Patch{Status: &dismissed, DismissedAt: &now, UpdatedAt: now})
	if err := e.Store.BatchUpdate(ctx, &uow); err != nil {
		return domain.Nudge{}, err
	}
	e.record(ctx, events.NudgeDismissed, n.UserID, id, nil)
	return e.Store.GetNudge(ctx, id)
}

// WakeSnoozed returns snoozed nudges whose time has come to pending.
func (e Engine) WakeSnoozed(ctx context.Context, now time.Time) (int, error) {
	n, err := e.Store.WakeSnoozed(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("wake snoozed nudges: %w", err)
	}
	if n > 0 {
		e.logger().Printf("wake: %d snoozed nudges back to pending", n)
	}
	return n, nil
}

// Backfill stamps notificationSent=false on pending nudges written before
// the field existed. Running it again is a no-op.
func (e Engine) Backfill(ctx context.Context) (int, error) {
	n, err := e.Store.BackfillNotificationSent(ctx)
	if err != nil {
		return 0, fmt.Errorf("backfill notification flag: %w", err)
	}
	e.logger().Printf("backfill: %d nudges updated", n)
	return n, nil
}
