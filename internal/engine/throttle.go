package engine

import (
	"context"
	"time"

	"nudgeline/internal/config"
	"nudgeline/internal/domain"
	"nudgeline/internal/store"
)

// QuietHours is a local-time window that may wrap past midnight.
// Equal start and end disables it.
type QuietHours struct {
	Start config.Clock
	End   config.Clock
}

func (q QuietHours) Enabled() bool { return q.Start != q.End }

func (q QuietHours) Contains(local time.Time) bool {
	if !q.Enabled() {
		return false
	}
	m := config.Clock(local.Hour()*60 + local.Minute())
	if q.Start < q.End {
		return m >= q.Start && m < q.End
	}
	return m >= q.Start || m < q.End
}

// DayWindow returns local midnight of t's day in loc and the next midnight.
func DayWindow(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

// userGate applies quiet hours and the daily cap for one user during one run.
// The sent count is read once and advanced locally as sends happen; confirm
// re-reads it together with in-flight sends once a lock is held, so
// overlapping runs cannot push the user past the cap.
type userGate struct {
	store   store.NudgeStore
	userID  string
	now     time.Time
	start   time.Time
	end     time.Time
	cap     int
	quiet   bool
	sent    int
	counted bool
}

func (e Engine) newGate(ctx context.Context, userID string, now time.Time) (*userGate, error) {
	loc, err := e.userLocation(ctx, userID)
	if err != nil {
		return nil, err
	}
	start, end := DayWindow(now, loc)
	return &userGate{
		store:  e.Store,
		userID: userID,
		now:    now,
		start:  start,
		end:    end,
		cap:    e.Policy.DailyCap,
		quiet:  e.Policy.Quiet.Contains(now.In(loc)),
	}, nil
}

func (g *userGate) check(ctx context.Context) (domain.SkipReason, error) {
	if g.quiet {
		return domain.SkipQuietHours, nil
	}
	if g.cap <= 0 {
		return "", nil
	}
	if !g.counted {
		n, err := g.store.CountNotifiedForUserInWindow(ctx, g.userID, g.start, g.end)
		if err != nil {
			return "", err
		}
		g.sent = n
		g.counted = true
	}
	if g.sent >= g.cap {
		return domain.SkipDailyLimit, nil
	}
	return "", nil
}

// confirm runs after the caller took a send lock. It counts sends already
// made in the window plus other live locks and reports whether one more send
// still fits under the cap.
func (g *userGate) confirm(ctx context.Context) (bool, error) {
	if g.cap <= 0 {
		return true, nil
	}
	sent, err := g.store.CountNotifiedForUserInWindow(ctx, g.userID, g.start, g.end)
	if err != nil {
		return false, err
	}
	locked, err := g.store.CountLockedForUser(ctx, g.userID, g.now)
	if err != nil {
		return false, err
	}
	g.sent, g.counted = sent, true
	others := locked - 1
	if others < 0 {
		others = 0
	}
	return sent+others < g.cap, nil
}

func (g *userGate) recordSend() {
	g.sent++
}
