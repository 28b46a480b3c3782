package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nudgeline/internal/domain"
	"nudgeline/internal/events"
	"nudgeline/internal/store"
)

// ScanDue returns up to BatchLimit pending nudges due at now that have not
// been notified. Read-only.
func (e Engine) ScanDue(ctx context.Context, now time.Time) ([]domain.Nudge, error) {
	limit := e.Policy.BatchLimit
	if limit <= 0 {
		limit = 100
	}
	return e.Store.FindDueUnnotified(ctx, now, limit)
}

type userBatch struct {
	userID string
	nudges []domain.Nudge
}

// groupByUser keeps users in first-seen scan order.
func groupByUser(nudges []domain.Nudge) []userBatch {
	idx := map[string]int{}
	var groups []userBatch
	for _, n := range nudges {
		i, ok := idx[n.UserID]
		if !ok {
			i = len(groups)
			idx[n.UserID] = i
			groups = append(groups, userBatch{userID: n.UserID})
		}
		groups[i].nudges = append(groups[i].nudges, n)
	}
	return groups
}

// ProcessDueNudges runs one delivery pass. Only a failed scan is returned as
// an error; a failing user counts in Errors and the run moves on.
func (e Engine) ProcessDueNudges(ctx context.Context, now time.Time) (domain.ProcessStats, error) {
	due, err := e.ScanDue(ctx, now)
	if err != nil {
		return domain.ProcessStats{}, fmt.Errorf("scan due nudges: %w", err)
	}
	stats := domain.ProcessStats{Scanned: len(due)}
	if len(due) == 0 {
		return stats, nil
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.Policy.workers())
	for _, batch := range groupByUser(due) {
		g.Go(func() error {
			res, err := e.processUser(ctx, batch.userID, batch.nudges, now)
			if err != nil {
				res.Errors++
				e.logger().Printf("process: user %s: %v", batch.userID, err)
			}
			mu.Lock()
			stats.Add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	e.logger().Printf("process: scanned=%d processed=%d notified=%d errors=%d skipped_daily_limit=%d skipped_quiet_hours=%d lock_contended=%d",
		stats.Scanned, stats.Processed, stats.Notified, stats.Errors, stats.SkippedDailyLimit, stats.SkippedQuietHours, stats.LockContended)
	return stats, nil
}

func (e Engine) processUser(ctx context.Context, userID string, nudges []domain.Nudge, now time.Time) (domain.ProcessStats, error) {
	var stats domain.ProcessStats
	tokens, err := e.Dispatcher.PushTokens(ctx, userID)
	if err != nil {
		return stats, fmt.Errorf("push tokens: %w", err)
	}
	gate, err := e.newGate(ctx, userID, now)
	if err != nil {
		return stats, fmt.Errorf("user profile: %w", err)
	}
	for _, n := range SortByPriority(nudges) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if len(tokens) == 0 {
			if err := e.markNoTokens(ctx, n, now); err != nil {
				return stats, err
			}
			stats.Processed++
			continue
		}
		reason, err := gate.check(ctx)
		if err != nil {
			return stats, fmt.Errorf("daily count: %w", err)
		}
		switch reason {
		case domain.SkipQuietHours:
			stats.SkippedQuietHours++
			continue
		case domain.SkipDailyLimit:
			stats.SkippedDailyLimit++
			continue
		}
		acquired, err := e.Store.TryAcquireLock(ctx, n.ID, now, e.Policy.LockTTL)
		if err != nil {
			return stats, fmt.Errorf("lock %s: %w", n.ID, err)
		}
		if !acquired {
			stats.LockContended++
			continue
		}
		fits, err := gate.confirm(ctx)
		if err != nil || !fits {
			if rerr := e.Store.ReleaseLock(ctx, n.ID); rerr != nil {
				e.logger().Printf("process: release lock %s: %v", n.ID, rerr)
			}
			if err != nil {
				return stats, fmt.Errorf("daily count: %w", err)
			}
			stats.SkippedDailyLimit++
			continue
		}
		results, err := e.dispatch(ctx, n, tokens)
		if err != nil {
			if rerr := e.Store.ReleaseLock(ctx, n.ID); rerr != nil {
				e.logger().Printf("process: release lock %s: %v", n.ID, rerr)
			}
			return stats, fmt.Errorf("dispatch %s: %w", n.ID, err)
		}
		tokens = e.pruneTokens(ctx, userID, tokens, results)
		sentAt := now
		if err := e.Store.MarkProcessed(ctx, n.ID, store.ProcessedMark{Now: now, SentAt: &sentAt, ClearLock: true}); err != nil {
			return stats, fmt.Errorf("mark %s processed: %w", n.ID, err)
		}
		gate.recordSend()
		stats.Processed++
		delivered := 0
		for _, r := range results {
			if r.OK {
				delivered++
			}
		}
		if delivered > 0 {
			stats.Notified++
		}
		e.record(ctx, events.NudgeNotified, userID, n.ID, map[string]any{
			"delivered": delivered,
			"failed":    len(results) - delivered,
		})
	}
	return stats, nil
}

// markNoTokens finalizes a nudge that has nowhere to go so it is not rescanned.
func (e Engine) markNoTokens(ctx context.Context, n domain.Nudge, now time.Time) error {
	err := e.Store.MarkProcessed(ctx, n.ID, store.ProcessedMark{Now: now, SkipReason: domain.SkipNoPushTokens, ClearLock: true})
	if err != nil {
		return fmt.Errorf("mark %s processed: %w", n.ID, err)
	}
	e.record(ctx, events.NudgeSkipped, n.UserID, n.ID, map[string]any{"reason": string(domain.SkipNoPushTokens)})
	return nil
}

func (e Engine) dispatch(ctx context.Context, n domain.Nudge, tokens []domain.PushToken) ([]domain.SendResult, error) {
	if e.Policy.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Policy.DispatchTimeout)
		defer cancel()
	}
	msgs := make([]domain.PushMessage, 0, len(tokens))
	for _, t := range tokens {
		msgs = append(msgs, pushMessage(n, t.Token))
	}
	return e.Dispatcher.Send(ctx, msgs)
}

// pruneTokens removes permanently failing tokens and returns the survivors.
func (e Engine) pruneTokens(ctx context.Context, userID string, tokens []domain.PushToken, results []domain.SendResult) []domain.PushToken {
	dead := map[string]bool{}
	for _, r := range results {
		if !r.OK && r.Permanent {
			dead[r.Token] = true
		}
	}
	if len(dead) == 0 {
		return tokens
	}
	kept := make([]domain.PushToken, 0, len(tokens))
	for _, t := range tokens {
		if !dead[t.Token] {
			kept = append(kept, t)
			continue
		}
		if err := e.Dispatcher.RemoveToken(ctx, userID, t.Token); err != nil {
			e.logger().Printf("process: remove token for user %s: %v", userID, err)
		}
	}
	return kept
}

func pushMessage(n domain.Nudge, token string) domain.PushMessage {
	title := n.Title
	if title == "" {
		title = defaultTitle(n.Type)
	}
	data := map[string]string{
		"nudgeId": n.ID,
		"type":    string(n.Type),
	}
	if n.SequenceID != "" {
		data["sequenceId"] = n.SequenceID
	}
	return domain.PushMessage{Token: token, Title: title, Body: n.Message, Data: data}
}

func defaultTitle(t domain.NudgeType) string {
	switch {
	case t.IsFollowUp():
		return "Checking in"
	case t == domain.TypeMedicationCheckin:
		return "Medication check-in"
	case t == domain.TypeConditionTracking:
		return "How are you feeling?"
	default:
		return "A note for you"
	}
}
