package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"nudgeline/internal/config"
	"nudgeline/internal/domain"
	"nudgeline/internal/store"
)

// Dispatcher delivers push notifications. Implementations report one
// SendResult per message.
type Dispatcher interface {
	PushTokens(ctx context.Context, userID string) ([]domain.PushToken, error)
	Send(ctx context.Context, msgs []domain.PushMessage) ([]domain.SendResult, error)
	RemoveToken(ctx context.Context, userID, token string) error
}

// Interpreter turns a free-text response into a structured reading.
type Interpreter interface {
	Interpret(ctx context.Context, n domain.Nudge, text string) (domain.Interpretation, error)
}

// Journal records nudge lifecycle events.
type Journal interface {
	Append(ctx context.Context, evtType, userID, nudgeID string, payload map[string]any) error
}

// Policy holds the delivery knobs resolved from config.
type Policy struct {
	BatchLimit      int
	LockTTL         time.Duration
	DailyCap        int
	Quiet           QuietHours
	DispatchTimeout time.Duration
	Workers         int
	FollowUpHour    int
	Location        *time.Location
}

func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		BatchLimit:      cfg.Delivery.BatchLimit,
		LockTTL:         cfg.Delivery.LockTTL.Std(),
		DailyCap:        cfg.Delivery.DailyCap,
		Quiet:           QuietHours{Start: cfg.Delivery.QuietHours.Start, End: cfg.Delivery.QuietHours.End},
		DispatchTimeout: cfg.Delivery.DispatchTimeout.Std(),
		Workers:         cfg.Delivery.Workers,
		FollowUpHour:    cfg.FollowUp.Hour,
		Location:        cfg.Location(),
	}
}

func (p Policy) location() *time.Location {
	if p.Location != nil {
		return p.Location
	}
	return time.UTC
}

func (p Policy) workers() int {
	if p.Workers > 0 {
		return p.Workers
	}
	return 1
}

type Engine struct {
	Store       store.NudgeStore
	Users       store.UserStore
	Dispatcher  Dispatcher
	Interpreter Interpreter
	Journal     Journal
	Policy      Policy
	Logger      *log.Logger
	Now         func() time.Time
}

func New(st store.NudgeStore, users store.UserStore, d Dispatcher, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Store:       st,
		Users:       users,
		Dispatcher:  d,
		Interpreter: KeywordInterpreter{},
		Policy:      PolicyFromConfig(cfg),
		Now:         time.Now,
	}
}

// Clock returns the engine's current time.
func (e Engine) Clock() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// record appends a journal event; journal failures never fail the caller.
func (e Engine) record(ctx context.Context, evtType, userID, nudgeID string, payload map[string]any) {
	if e.Journal == nil {
		return
	}
	if err := e.Journal.Append(ctx, evtType, userID, nudgeID, payload); err != nil {
		e.logger().Printf("journal: append %s for nudge %s failed: %v", evtType, nudgeID, err)
	}
}

// userLocation resolves the user's timezone, falling back to the default zone.
func (e Engine) userLocation(ctx context.Context, userID string) (*time.Location, error) {
	if e.Users == nil {
		return e.Policy.location(), nil
	}
	p, err := e.Users.UserProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return e.Policy.location(), nil
	}
	if err != nil {
		return nil, err
	}
	if p.Timezone == "" {
		return e.Policy.location(), nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		e.logger().Printf("user %s has invalid timezone %q, using %s", userID, p.Timezone, e.Policy.location())
		return e.Policy.location(), nil
	}
	return loc, nil
}
