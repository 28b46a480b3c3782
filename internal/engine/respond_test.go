package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"nudgeline/internal/domain"
	"nudgeline/internal/engine"
	"nudgeline/internal/store"
)

func TestClassifyResponse(t *testing.T) {
	cases := map[string]domain.ResponseCategory{
		"taking_it":      domain.ResponsePositive,
		"Good":           domain.ResponsePositive,
		"none":           domain.ResponsePositive,
		"better":         domain.ResponsePositive,
		"yes":            domain.ResponsePositive,
		"having_trouble": domain.ResponseConcerning,
		"issues":         domain.ResponseConcerning,
		"concerning":     domain.ResponseConcerning,
		"side_effects":   domain.ResponseConcerning,
		"worse":          domain.ResponseConcerning,
		"maybe":          domain.ResponseNeutral,
		"":               domain.ResponseNeutral,
	}
	for in, want := range cases {
		if got := engine.ClassifyResponse(in); got != want {
			t.Fatalf("ClassifyResponse(%q) = %s, want %s", in, got, want)
		}
	}
	if engine.UrgencyForResponse("concerning") != domain.UrgencySameDay {
		t.Fatalf("concerning should be same_day")
	}
	if engine.UrgencyForResponse("side_effects") != domain.UrgencyNextDay {
		t.Fatalf("side_effects should be next_day")
	}
}

func TestFollowUpTime(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 18:30 local on Jan 1.
	now := time.Date(2024, 1, 1, 23, 30, 0, 0, time.UTC)
	cases := []struct {
		u     domain.Urgency
		want  time.Time
		known bool
	}{
		{domain.UrgencyImmediate, now.Add(30 * time.Minute), true},
		{domain.UrgencySameDay, now.Add(4 * time.Hour), true},
		{domain.UrgencyNextDay, time.Date(2024, 1, 2, 10, 0, 0, 0, ny), true},
		{domain.UrgencyThreeDays, time.Date(2024, 1, 4, 10, 0, 0, 0, ny), true},
		{domain.UrgencyOneWeek, time.Date(2024, 1, 8, 10, 0, 0, 0, ny), true},
		{domain.Urgency("soon"), now.Add(24 * time.Hour), false},
	}
	for _, tc := range cases {
		got, known := engine.FollowUpTime(now, tc.u, ny, 10)
		if !got.Equal(tc.want) || known != tc.known {
			t.Fatalf("%s: got %s (%v), want %s (%v)", tc.u, got, known, tc.want, tc.known)
		}
	}
}

type sequenceFixture struct {
	source, pending, snoozed, completed, otherSeq, otherUser domain.Nudge
}

func seedSequence(t *testing.T, env testEnv) sequenceFixture {
	t.Helper()
	at := baseTime.Add(-time.Hour)
	f := sequenceFixture{
		source:    env.seed(t, "u1", domain.TypeMedicationCheckin, "seq-1", at),
		pending:   env.seed(t, "u1", domain.TypeMedicationCheckin, "seq-1", baseTime.Add(24*time.Hour)),
		snoozed:   env.seed(t, "u1", domain.TypeMedicationCheckin, "seq-1", at),
		completed: env.seed(t, "u1", domain.TypeMedicationCheckin, "seq-1", at),
		otherSeq:  env.seed(t, "u1", domain.TypeMedicationCheckin, "seq-2", at),
		otherUser: env.seed(t, "u2", domain.TypeMedicationCheckin, "seq-1", at),
	}
	if _, err := env.Engine.Snooze(env.Ctx, f.snoozed.ID, "u1", baseTime.Add(time.Hour), baseTime); err != nil {
		t.Fatalf("snooze: %v", err)
	}
	if _, err := env.Engine.Respond(env.Ctx, engine.RespondOptions{NudgeID: f.completed.ID, UserID: "u1", Response: "maybe", Now: baseTime}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	return f
}

func TestRespondPositiveDismissesSequence(t *testing.T) {
	env := newTestEnv(t)
	f := seedSequence(t, env)

	res, err := env.Engine.Respond(env.Ctx, engine.RespondOptions{NudgeID: f.source.ID, UserID: "u1", Response: "taking_it", Now: baseTime})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Category != domain.ResponsePositive || res.DismissedSiblings != 2 || res.FollowUp != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Nudge.Status != domain.StatusCompleted || res.Nudge.ResponseValue != "taking_it" || res.Nudge.CompletedAt == nil {
		t.Fatalf("source not completed: %+v", res.Nudge)
	}
	for _, id := range []string{f.pending.ID, f.snoozed.ID} {
		n := env.get(t, id)
		if n.Status != domain.StatusDismissed || n.DismissedAt == nil {
			t.Fatalf("sibling %s should be dismissed: %+v", id, n)
		}
	}
	if env.get(t, f.completed.ID).Status != domain.StatusCompleted {
		t.Fatalf("completed sibling must stay completed")
	}
	if env.get(t, f.otherSeq.ID).Status != domain.StatusPending {
		t.Fatalf("other sequence must stay pending")
	}
	if env.get(t, f.otherUser.ID).Status != domain.StatusPending {
		t.Fatalf("other user's nudge must stay pending")
	}
}

func TestRespondConcerningSchedulesFollowUp(t *testing.T) {
	env := newTestEnv(t)
	src := env.seed(t, "u1", domain.TypeMedicationCheckin, "seq-1", baseTime.Add(-time.Hour))
	sibling := env.seed(t, "u1", domain.TypeMedicationCheckin, "seq-1", baseTime.Add(24*time.Hour))

	res, err := env.Engine.Respond(env.Ctx, engine.RespondOptions{NudgeID: src.ID, UserID: "u1", Response: "side_effects", Now: baseTime})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Category != domain.ResponseConcerning || res.FollowUp == nil {
		t.Fatalf("expected follow-up: %+v", res)
	}
	f := env.get(t, res.FollowUp.ID)
	if f.Type != domain.TypeFollowUp || f.Status != domain.StatusPending || f.SequenceID != "followup_"+src.ID {
		t.Fatalf("unexpected follow-up: %+v", f)
	}
	if f.NotificationSent == nil || *f.NotificationSent {
		t.Fatalf("follow-up should start unnotified")
	}
	if want := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC); !f.ScheduledFor.Equal(want) {
		t.Fatalf("scheduled_for = %s, want %s", f.ScheduledFor, want)
	}
	if env.get(t, sibling.ID).Status != domain.StatusPending {
		t.Fatalf("concerning response must not dismiss siblings")
	}

	other := env.seed(t, "u1", domain.TypeConditionTracking, "", baseTime.Add(-time.Hour))
	res, err = env.Engine.Respond(env.Ctx, engine.RespondOptions{NudgeID: other.ID, UserID: "u1", Response: "concerning", Now: baseTime})
	if err != nil || res.FollowUp == nil {
		t.Fatalf("respond concerning: %+v %v", res, err)
	}
	if !res.FollowUp.ScheduledFor.Equal(baseTime.Add(4 * time.Hour)) {
		t.Fatalf("same_day follow-up at %s", res.FollowUp.ScheduledFor)
	}
}

func TestRespondFreeText(t *testing.T) {
	env := newTestEnv(t)
	f := seedSequence(t, env)

	res, err := env.Engine.Respond(env.Ctx, engine.RespondOptions{NudgeID: f.source.ID, UserID: "u1", Note: "Feeling much better today", Now: baseTime})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Category != domain.ResponseFreeText || res.Interpretation == nil || res.Interpretation.Sentiment != domain.SentimentPositive {
		t.Fatalf("unexpected interpretation: %+v", res)
	}
	if res.DismissedSiblings != 2 || res.FollowUp != nil {
		t.Fatalf("positive note should dismiss siblings only: %+v", res)
	}
	if res.Nudge.Interpretation == nil || res.Nudge.ResponseValue != "Feeling much better today" {
		t.Fatalf("interpretation not stored: %+v", res.Nudge)
	}

	urgent := env.seed(t, "u1", domain.TypeConditionTracking, "", baseTime.Add(-time.Hour))
	res, err = env.Engine.Respond(env.Ctx, engine.RespondOptions{NudgeID: urgent.ID, UserID: "u1", Note: "I have chest pain", Now: baseTime})
	if err != nil {
		t.Fatalf("respond urgent: %v", err)
	}
	if res.FollowUp == nil {
		t.Fatalf("expected immediate follow-up")
	}
	if !res.FollowUp.ScheduledFor.Equal(baseTime.Add(30 * time.Minute)) {
		t.Fatalf("immediate follow-up at %s", res.FollowUp.ScheduledFor)
	}
	if want := fmt.Sprintf("followup_%s_%d", urgent.ID, baseTime.UnixMilli()); res.FollowUp.SequenceID != want {
		t.Fatalf("sequence id = %s, want %s", res.FollowUp.SequenceID, want)
	}
}

func TestRespondRejectsOtherUsersAndClosedNudges(t *testing.T) {
	env := newTestEnv(t)
	n := env.seed(t, "u1", domain.TypeMedicationCheckin, "", baseTime)

	_, err := env.Engine.Respond(env.Ctx, engine.RespondOptions{NudgeID: n.ID, UserID: "u2", Response: "good"})
	var forbidden engine.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if env.get(t, n.ID).Status != domain.StatusPending {
		t.Fatalf("forbidden response must not change the nudge")
	}

	if _, err := env.Engine.Respond(env.Ctx, engine.RespondOptions{NudgeID: n.ID, UserID: "u1"}); err == nil {
		t.Fatalf("expected error for empty response")
	}
	if _, err := env.Engine.Respond(env.Ctx, engine.RespondOptions{NudgeID: "missing", UserID: "u1", Response: "good"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := env.Engine.Respond(env.Ctx, engine.RespondOptions{NudgeID: n.ID, UserID: "u1", Response: "good"}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	_, err = env.Engine.Respond(env.Ctx, engine.RespondOptions{NudgeID: n.ID, UserID: "u1", Response: "good"})
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) || conflict.Status != domain.StatusCompleted {
		t.Fatalf("expected conflict, got %v", err)
	}
}

// gatedReadStore holds the first n GetNudge calls until all of them have
// arrived, so concurrent responders read the nudge before either writes.
type gatedReadStore struct {
	store.NudgeStore
	mu      sync.Mutex
	waiting int
	release chan struct{}
}

func newGatedReadStore(inner store.NudgeStore, n int) *gatedReadStore {
	return &gatedReadStore{NudgeStore: inner, waiting: n, release: make(chan struct{})}
}

func (s *gatedReadStore) GetNudge(ctx context.Context, id string) (domain.Nudge, error) {
	n, err := s.NudgeStore.GetNudge(ctx, id)
	s.mu.Lock()
	gated := s.waiting > 0
	if gated {
		s.waiting--
		if s.waiting == 0 {
			close(s.release)
		}
	}
	s.mu.Unlock()
	if gated {
		<-s.release
	}
	return n, err
}

func TestConcurrentResponsesCreateOneFollowUp(t *testing.T) {
	env := newTestEnv(t)
	n := env.seed(t, "u1", domain.TypeMedicationCheckin, "", baseTime)
	env.Engine.Store = newGatedReadStore(env.Repo, 2)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Respond(env.Ctx, engine.RespondOptions{NudgeID: n.ID, UserID: "u1", Response: "worse", Now: baseTime})
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		var conflict engine.ConflictError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &conflict) && conflict.Status == domain.StatusCompleted:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("want one success and one conflict, got %v", errs)
	}
	followUps, err := env.Repo.FindSiblingsByStatus(env.Ctx, "followup_"+n.ID, []domain.NudgeStatus{domain.StatusPending})
	if err != nil {
		t.Fatalf("find follow-ups: %v", err)
	}
	if len(followUps) != 1 {
		t.Fatalf("want 1 follow-up, got %d", len(followUps))
	}
}

type failingCreateStore struct {
	store.NudgeStore
}

func (failingCreateStore) CreateNudge(context.Context, domain.Nudge) (string, error) {
	return "", errors.New("write rejected")
}

func TestRespondSurvivesFollowUpFailure(t *testing.T) {
	env := newTestEnv(t)
	n := env.seed(t, "u1", domain.TypeMedicationCheckin, "", baseTime)
	env.Engine.Store = failingCreateStore{NudgeStore: env.Repo}

	res, err := env.Engine.Respond(env.Ctx, engine.RespondOptions{NudgeID: n.ID, UserID: "u1", Response: "worse", Now: baseTime})
	if err != nil {
		t.Fatalf("respond should succeed without the follow-up: %v", err)
	}
	if res.FollowUp != nil || res.Nudge.Status != domain.StatusCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDismissAndSnoozeRules(t *testing.T) {
	env := newTestEnv(t)
	n := env.seed(t, "u1", domain.TypeMedicationCheckin, "", baseTime)

	if _, err := env.Engine.Snooze(env.Ctx, n.ID, "u1", baseTime.Add(-time.Minute), baseTime); err == nil {
		t.Fatalf("expected error for snooze into the past")
	}
	d, err := env.Engine.Dismiss(env.Ctx, n.ID, "u1", baseTime)
	if err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if d.Status != domain.StatusDismissed || d.DismissedAt == nil {
		t.Fatalf("unexpected dismissed nudge: %+v", d)
	}
	var conflict engine.ConflictError
	if _, err := env.Engine.Snooze(env.Ctx, n.ID, "u1", baseTime.Add(time.Hour), baseTime); !errors.As(err, &conflict) {
		t.Fatalf("expected conflict snoozing a dismissed nudge, got %v", err)
	}
}
