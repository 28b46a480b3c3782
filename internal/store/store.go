// Package store declares the persistence contracts shared by the SQLite and
// Firestore backends.
package store

import (
	"context"
	"errors"
	"time"

	"nudgeline/internal/domain"
)

var ErrNotFound = errors.New("not found")

// ErrClosed is returned when a write requires an open nudge and the stored
// nudge is already completed or dismissed.
var ErrClosed = errors.New("nudge already closed")

// ProcessedMark finalizes a nudge after a dispatch or a permanent skip.
// SentAt stays nil for skips.
type ProcessedMark struct {
	Now        time.Time
	SentAt     *time.Time
	SkipReason domain.SkipReason
	ClearLock  bool
}

// Completion records the user's response on the source nudge.
type Completion struct {
	ResponseValue  string
	Interpretation *domain.Interpretation
	At             time.Time
}

// Patch lists the fields a batch change may touch. Nil fields are left as is.
type Patch struct {
	Status       *domain.NudgeStatus
	ScheduledFor *time.Time
	DismissedAt  *time.Time
	// ResetNotification clears notificationSent, its timestamp and skip reason.
	ResetNotification bool
	UpdatedAt         time.Time
}

type Change struct {
	NudgeID string
	Patch   Patch
}

// UnitOfWork is an ordered list of changes applied all-or-nothing.
type UnitOfWork struct {
	changes []Change
}

func (u *UnitOfWork) Update(nudgeID string, p Patch) {
	u.changes = append(u.changes, Change{NudgeID: nudgeID, Patch: p})
}

func (u *UnitOfWork) Changes() []Change {
	return u.changes
}

func (u *UnitOfWork) Len() int {
	return len(u.changes)
}

type NudgeFilter struct {
	UserID string
	Status domain.NudgeStatus
	Limit  int
}

// NudgeStore is the nudge persistence the engine runs against. Every
// mutation is a single-record atomic update, or an atomic batch for
// BatchUpdate.
type NudgeStore interface {
	FindDueUnnotified(ctx context.Context, now time.Time, limit int) ([]domain.Nudge, error)
	CountNotifiedForUserInWindow(ctx context.Context, userID string, start, end time.Time) (int, error)
	// CountLockedForUser counts the user's nudges holding a send lock that is
	// still live at now, i.e. deliveries in flight.
	CountLockedForUser(ctx context.Context, userID string, now time.Time) (int, error)
	// TryAcquireLock succeeds only while the nudge is pending, unnotified,
	// and holds no live lock.
	TryAcquireLock(ctx context.Context, nudgeID string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, nudgeID string) error
	MarkProcessed(ctx context.Context, nudgeID string, mark ProcessedMark) error
	CreateNudge(ctx context.Context, n domain.Nudge) (string, error)
	GetNudge(ctx context.Context, id string) (domain.Nudge, error)
	FindSiblingsByStatus(ctx context.Context, sequenceID string, statuses []domain.NudgeStatus) ([]domain.Nudge, error)
	BatchUpdate(ctx context.Context, uow *UnitOfWork) error
	// MarkCompleted completes an open nudge and returns ErrClosed when
	// another writer closed it first.
	MarkCompleted(ctx context.Context, nudgeID string, c Completion) error
	BackfillNotificationSent(ctx context.Context) (int, error)
	ListNudges(ctx context.Context, f NudgeFilter) ([]domain.Nudge, error)
	WakeSnoozed(ctx context.Context, now time.Time) (int, error)
}

type UserStore interface {
	UserProfile(ctx context.Context, userID string) (domain.UserProfile, error)
	UpsertUserProfile(ctx context.Context, p domain.UserProfile) error
}

type TokenStore interface {
	ListPushTokens(ctx context.Context, userID string) ([]domain.PushToken, error)
	UpsertPushToken(ctx context.Context, t domain.PushToken) error
	DeletePushToken(ctx context.Context, userID, token string) error
}

// Backend bundles what one storage backend provides.
type Backend interface {
	NudgeStore
	UserStore
	TokenStore
}
