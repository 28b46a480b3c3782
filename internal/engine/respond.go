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

// RespondOptions carries a user's answer to a nudge. Response is a
// structured value; Note alone is free text for the Interpreter.
type RespondOptions struct {
	NudgeID  string
	UserID   string
	Response string
	Note     string
	Now      time.Time
}

type RespondResult struct {
	Nudge             domain.Nudge            `json:"nudge"`
	Category          domain.ResponseCategory `json:"category"`
	DismissedSiblings int                     `json:"dismissed_siblings"`
	FollowUp          *domain.Nudge           `json:"follow_up,omitempty"`
	Interpretation    *domain.Interpretation  `json:"interpretation,omitempty"`
}

// Respond completes the source nudge and then, best effort, dismisses the
// rest of its sequence or schedules a follow-up. Side-effect failures are
// logged and never undo the completion.
func (e Engine) Respond(ctx context.Context, opts RespondOptions) (RespondResult, error) {
	now := opts.Now
	if now.IsZero() {
		now = e.Clock()
	}
	response := strings.TrimSpace(opts.Response)
	note := strings.TrimSpace(opts.Note)
	if response == "" && note == "" {
		return RespondResult{}, errors.New("response or note is required")
	}
	src, err := e.ownedNudge(ctx, opts.NudgeID, opts.UserID)
	if err != nil {
		return RespondResult{}, err
	}
	if src.Status.Closed() {
		return RespondResult{}, ConflictError{NudgeID: src.ID, Status: src.Status}
	}

	res := RespondResult{Category: ClassifyResponse(response)}
	value := response
	if response == "" {
		res.Category = domain.ResponseFreeText
		res.Interpretation = e.interpret(ctx, src, note)
		value = note
	}
	err = e.Store.MarkCompleted(ctx, src.ID, store.Completion{ResponseValue: value, Interpretation: res.Interpretation, At: now})
	if errors.Is(err, store.ErrClosed) {
		return RespondResult{}, e.closedConflict(ctx, src)
	}
	if err != nil {
		return RespondResult{}, fmt.Errorf("complete nudge: %w", err)
	}
	e.record(ctx, events.NudgeCompleted, src.UserID, src.ID, map[string]any{"response": value, "category": string(res.Category)})

	switch res.Category {
	case domain.ResponsePositive:
		res.DismissedSiblings = e.dismissSiblingsLogged(ctx, src, now)
	case domain.ResponseConcerning:
		res.FollowUp = e.createFollowUpLogged(ctx, src, UrgencyForResponse(response), "", "followup_"+src.ID, now)
	case domain.ResponseFreeText:
		if interp := res.Interpretation; interp != nil {
			if interp.Sentiment == domain.SentimentPositive {
				res.DismissedSiblings = e.dismissSiblingsLogged(ctx, src, now)
			}
			if interp.FollowUp != nil {
				seq := fmt.Sprintf("followup_%s_%d", src.ID, now.UnixMilli())
				res.FollowUp = e.createFollowUpLogged(ctx, src, interp.FollowUp.Urgency, interp.FollowUp.Message, seq, now)
			}
		}
	}

	updated, err := e.Store.GetNudge(ctx, src.ID)
	if err != nil {
		e.logger().Printf("respond: reload nudge %s: %v", src.ID, err)
		src.Status = domain.StatusCompleted
		updated = src
	}
	res.Nudge = updated
	return res, nil
}

// closedConflict reports a nudge another writer closed between our read and
// the completion write.
func (e Engine) closedConflict(ctx context.Context, src domain.Nudge) error {
	status := domain.StatusCompleted
	if cur, err := e.Store.GetNudge(ctx, src.ID); err == nil && cur.Status.Closed() {
		status = cur.Status
	}
	return ConflictError{NudgeID: src.ID, Status: status}
}

func (e Engine) interpret(ctx context.Context, n domain.Nudge, text string) *domain.Interpretation {
	if e.Interpreter == nil {
		return nil
	}
	interp, err := e.Interpreter.Interpret(ctx, n, text)
	if err != nil {
		e.logger().Printf("respond: interpret nudge %s: %v", n.ID, err)
		return nil
	}
	return &interp
}

func (e Engine) dismissSiblingsLogged(ctx context.Context, src domain.Nudge, now time.Time) int {
	n, err := e.DismissSiblings(ctx, src, now)
	if err != nil {
		e.logger().Printf("respond: dismiss siblings of %s: %v", src.ID, err)
	}
	return n
}

func (e Engine) createFollowUpLogged(ctx context.Context, src domain.Nudge, u domain.Urgency, message, sequenceID string, now time.Time) *domain.Nudge {
	f, err := e.CreateFollowUp(ctx, src, u, message, sequenceID, now)
	if err != nil {
		e.logger().Printf("respond: follow-up for %s: %v", src.ID, err)
		return nil
	}
	return &f
}

// DismissSiblings dismisses every pending or snoozed nudge sharing src's
// sequence in one atomic batch and returns how many were dismissed.
func (e Engine) DismissSiblings(ctx context.Context, src domain.Nudge, now time.Time) (int, error) {
	if src.SequenceID == "" {
		return 0, nil
	}
	siblings, err := e.Store.FindSiblingsByStatus(ctx, src.SequenceID, []domain.NudgeStatus{domain.StatusPending, domain.StatusSnoozed})
	if err != nil {
		return 0, err
	}
	dismissed := domain.StatusDismissed
	at := now
	var uow store.UnitOfWork
	for _, s := range siblings {
		if s.ID == src.ID || s.UserID != src.UserID {
			continue
		}
		uow.Update(s.ID, store.Patch{Status: &dismissed, DismissedAt: &at, UpdatedAt: now})
	}
	if uow.Len() == 0 {
		return 0, nil
	}
	if err := e.Store.BatchUpdate(ctx, &uow); err != nil {
		return 0, err
	}
	e.record(ctx, events.SequenceDismissed, src.UserID, src.ID, map[string]any{"sequence_id": src.SequenceID, "count": uow.Len()})
	return uow.Len(), nil
}

// CreateFollowUp schedules a follow-up nudge derived from src.
func (e Engine) CreateFollowUp(ctx context.Context, src domain.Nudge, u domain.Urgency, message, sequenceID string, now time.Time) (domain.Nudge, error) {
	loc, err := e.userLocation(ctx, src.UserID)
	if err != nil {
		e.logger().Printf("follow-up: timezone for user %s: %v", src.UserID, err)
		loc = e.Policy.location()
	}
	at, known := FollowUpTime(now, u, loc, e.Policy.FollowUpHour)
	if !known {
		e.logger().Printf("follow-up: unknown urgency %q for nudge %s, scheduling in one day", u, src.ID)
	}
	if message == "" {
		message = followUpMessage(src)
	}
	sent := false
	f := domain.Nudge{
		UserID:           src.UserID,
		Type:             domain.TypeFollowUp,
		Title:            "Checking in",
		Message:          message,
		ConditionID:      src.ConditionID,
		MedicationID:     src.MedicationID,
		MedicationName:   src.MedicationName,
		VisitID:          src.VisitID,
		ScheduledFor:     at,
		SequenceDay:      1,
		SequenceID:       sequenceID,
		Status:           domain.StatusPending,
		NotificationSent: &sent,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	id, err := e.Store.CreateNudge(ctx, f)
	if err != nil {
		return domain.Nudge{}, err
	}
	f.ID = id
	e.record(ctx, events.FollowUpCreated, f.UserID, f.ID, map[string]any{
		"source_id":     src.ID,
		"urgency":       string(u),
		"scheduled_for": at.UTC().Format(time.RFC3339),
	})
	return f, nil
}
