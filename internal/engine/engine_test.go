package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nudgeline/internal/config"
	"nudgeline/internal/db"
	"nudgeline/internal/domain"
	"nudgeline/internal/engine"
	"nudgeline/internal/events"
	"nudgeline/internal/migrate"
	"nudgeline/internal/repo"
)

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu       sync.Mutex
	repo     repo.Repo
	sent     []domain.PushMessage
	outcomes map[string]domain.SendResult
	failing  map[string]bool
	onSend   func()
}

func (d *fakeDispatcher) PushTokens(ctx context.Context, userID string) ([]domain.PushToken, error) {
	return d.repo.ListPushTokens(ctx, userID)
}

func (d *fakeDispatcher) Send(_ context.Context, msgs []domain.PushMessage) ([]domain.SendResult, error) {
	d.mu.Lock()
	for _, m := range msgs {
		if d.failing[m.Token] {
			d.mu.Unlock()
			return nil, errors.New("push service unavailable")
		}
	}
	d.sent = append(d.sent, msgs...)
	hook := d.onSend
	d.onSend = nil
	results := make([]domain.SendResult, 0, len(msgs))
	for _, m := range msgs {
		if r, ok := d.outcomes[m.Token]; ok {
			r.Token = m.Token
			results = append(results, r)
			continue
		}
		results = append(results, domain.SendResult{Token: m.Token, OK: true})
	}
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	return results, nil
}

func (d *fakeDispatcher) RemoveToken(ctx context.Context, userID, token string) error {
	return d.repo.DeletePushToken(ctx, userID, token)
}

func (d *fakeDispatcher) sentFor(nudgeID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, m := range d.sent {
		if m.Data["nudgeId"] == nudgeID {
			n++
		}
	}
	return n
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Disp   *fakeDispatcher
	Ctx    context.Context
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "nudgeline.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	for _, fn := range tweak {
		fn(cfg)
	}
	r := repo.Repo{DB: conn}
	disp := &fakeDispatcher{repo: r, outcomes: map[string]domain.SendResult{}, failing: map[string]bool{}}
	eng := engine.New(r, r, disp, cfg)
	eng.Logger = log.New(io.Discard, "", 0)
	eng.Journal = events.Writer{DB: conn, Now: func() time.Time { return baseTime }}
	eng.Now = func() time.Time { return baseTime }
	return testEnv{Engine: eng, Repo: r, Disp: disp, Ctx: context.Background()}
}

func (env testEnv) addToken(t *testing.T, userID, token string) {
	t.Helper()
	if err := env.Repo.UpsertPushToken(env.Ctx, domain.PushToken{UserID: userID, Token: token}); err != nil {
		t.Fatalf("add token: %v", err)
	}
}

func (env testEnv) seed(t *testing.T, userID string, typ domain.NudgeType, seq string, at time.Time) domain.Nudge {
	t.Helper()
	n, err := env.Engine.CreateNudge(env.Ctx, engine.NudgeCreateOptions{
		UserID:       userID,
		Type:         typ,
		Message:      "how are you?",
		SequenceID:   seq,
		ScheduledFor: at,
	})
	if err != nil {
		t.Fatalf("seed nudge: %v", err)
	}
	return n
}

func (env testEnv) get(t *testing.T, id string) domain.Nudge {
	t.Helper()
	n, err := env.Repo.GetNudge(env.Ctx, id)
	if err != nil {
		t.Fatalf("get nudge %s: %v", id, err)
	}
	return n
}

func TestSortByPriority(t *testing.T) {
	mk := func(id string, typ domain.NudgeType) domain.Nudge { return domain.Nudge{ID: id, Type: typ} }
	cases := []struct {
		in   []domain.Nudge
		want []string
	}{
		{
			in:   []domain.Nudge{mk("cond", domain.TypeConditionTracking), mk("med", domain.TypeMedicationCheckin), mk("follow", domain.TypeFollowUp)},
			want: []string{"follow", "med", "cond"},
		},
		{
			in:   []domain.Nudge{mk("med", domain.TypeMedicationCheckin), mk("legacy", domain.TypeFollowUpLegacy), mk("follow", domain.TypeFollowUp)},
			want: []string{"legacy", "follow", "med"},
		},
		{
			in:   []domain.Nudge{mk("a", domain.TypeInsight), mk("b", domain.TypeInsight), mk("c", domain.TypeInsight)},
			want: []string{"a", "b", "c"},
		},
	}
	for i, tc := range cases {
		got := engine.SortByPriority(tc.in)
		for j, id := range tc.want {
			if got[j].ID != id {
				t.Fatalf("case %d: position %d = %s, want %s", i, j, got[j].ID, id)
			}
		}
		if &got[0] == &tc.in[0] {
			t.Fatalf("case %d: expected a copy", i)
		}
	}
}

func TestProcessDueNudgesNotifiesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.addToken(t, "u1", "tok-1")
	a := env.seed(t, "u1", domain.TypeMedicationCheckin, "seq-1", baseTime.Add(-time.Hour))
	b := env.seed(t, "u1", domain.TypeConditionTracking, "seq-2", baseTime.Add(-time.Minute))
	future := env.seed(t, "u1", domain.TypeInsight, "", baseTime.Add(time.Hour))

	stats, err := env.Engine.ProcessDueNudges(env.Ctx, baseTime)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stats.Scanned != 2 || stats.Processed != 2 || stats.Notified != 2 || stats.Errors != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	for _, id := range []string{a.ID, b.ID} {
		n := env.get(t, id)
		if !n.Notified() || n.NotificationSentAt == nil || !n.NotificationSentAt.Equal(baseTime) {
			t.Fatalf("nudge %s not marked notified: %+v", id, n)
		}
		if n.LockExpiresAt != nil {
			t.Fatalf("nudge %s lock not cleared", id)
		}
	}
	if env.get(t, future.ID).Notified() {
		t.Fatalf("future nudge should not be notified")
	}

	again, err := env.Engine.ProcessDueNudges(env.Ctx, baseTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if again.Scanned != 0 || env.Disp.count() != 2 {
		t.Fatalf("expected no redelivery, stats %+v sent %d", again, env.Disp.count())
	}
}

func TestProcessWithoutTokensMarksProcessed(t *testing.T) {
	env := newTestEnv(t)
	n := env.seed(t, "u1", domain.TypeMedicationCheckin, "", baseTime.Add(-time.Minute))

	stats, err := env.Engine.ProcessDueNudges(env.Ctx, baseTime)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stats.Processed != 1 || stats.Notified != 0 || env.Disp.count() != 0 {
		t.Fatalf("unexpected stats %+v sent %d", stats, env.Disp.count())
	}
	got := env.get(t, n.ID)
	if !got.Notified() || got.NotificationSkipped != domain.SkipNoPushTokens || got.NotificationSentAt != nil {
		t.Fatalf("expected no_push_tokens mark, got %+v", got)
	}
	due, err := env.Engine.ScanDue(env.Ctx, baseTime.Add(time.Hour))
	if err != nil || len(due) != 0 {
		t.Fatalf("expected nudge out of scan, got %d err %v", len(due), err)
	}
}

func TestDailyCapDefersExtraNudges(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Delivery.DailyCap = 3 })
	env.addToken(t, "u1", "tok-1")
	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, env.seed(t, "u1", domain.TypeConditionTracking, "", baseTime.Add(-time.Duration(10-i)*time.Minute)).ID)
	}
	follow := env.seed(t, "u1", domain.TypeFollowUp, "", baseTime.Add(-time.Minute))

	stats, err := env.Engine.ProcessDueNudges(env.Ctx, baseTime)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stats.Processed != 3 || stats.SkippedDailyLimit != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if env.Disp.sentFor(follow.ID) != 1 {
		t.Fatalf("follow-up should be delivered first")
	}
	if env.Disp.sentFor(ids[0]) != 1 || env.Disp.sentFor(ids[1]) != 1 {
		t.Fatalf("earliest condition nudges should fill the cap")
	}
	for _, id := range ids[2:] {
		if n := env.get(t, id); n.Notified() || n.Status != domain.StatusPending {
			t.Fatalf("capped nudge %s should stay pending and unnotified", id)
		}
	}

	later, err := env.Engine.ProcessDueNudges(env.Ctx, baseTime.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("process later: %v", err)
	}
	if later.Processed != 0 || later.SkippedDailyLimit != 2 {
		t.Fatalf("cap should hold for the rest of the day: %+v", later)
	}

	nextDay, err := env.Engine.ProcessDueNudges(env.Ctx, baseTime.Add(20*time.Hour))
	if err != nil {
		t.Fatalf("process next day: %v", err)
	}
	if nextDay.Processed != 2 {
		t.Fatalf("new day should reopen the cap: %+v", nextDay)
	}
}

func TestDailyCapWindowFollowsUserTimezone(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Delivery.DailyCap = 1
		c.Delivery.QuietHours = config.QuietHours{}
	})
	if err := env.Repo.UpsertUserProfile(env.Ctx, domain.UserProfile{ID: "u1", Timezone: "America/New_York"}); err != nil {
		t.Fatalf("profile: %v", err)
	}
	env.addToken(t, "u1", "tok-1")
	// 03:00 UTC on Jan 1 is still Dec 31 in New York.
	sent := true
	sentAt := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	if _, err := env.Repo.CreateNudge(env.Ctx, domain.Nudge{
		UserID: "u1", Type: domain.TypeInsight, ScheduledFor: sentAt, Status: domain.StatusPending,
		NotificationSent: &sent, NotificationSentAt: &sentAt, CreatedAt: sentAt, UpdatedAt: sentAt,
	}); err != nil {
		t.Fatalf("seed sent nudge: %v", err)
	}
	n := env.seed(t, "u1", domain.TypeInsight, "", baseTime.Add(-time.Minute))

	stats, err := env.Engine.ProcessDueNudges(env.Ctx, baseTime)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stats.Processed != 1 || env.Disp.sentFor(n.ID) != 1 {
		t.Fatalf("yesterday's local send should not count: %+v", stats)
	}
}

func TestQuietHoursDefer(t *testing.T) {
	env := newTestEnv(t)
	env.addToken(t, "u1", "tok-1")
	n := env.seed(t, "u1", domain.TypeMedicationCheckin, "", baseTime)
	night := time.Date(2024, 1, 1, 22, 30, 0, 0, time.UTC)

	stats, err := env.Engine.ProcessDueNudges(env.Ctx, night)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stats.SkippedQuietHours != 1 || stats.Processed != 0 || env.Disp.count() != 0 {
		t.Fatalf("expected quiet-hours skip: %+v", stats)
	}
	if env.get(t, n.ID).Notified() {
		t.Fatalf("quiet-hours nudge must stay unnotified")
	}
	morning := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)
	stats, err = env.Engine.ProcessDueNudges(env.Ctx, morning)
	if err != nil || stats.Processed != 1 {
		t.Fatalf("expected delivery after quiet hours: %+v %v", stats, err)
	}
}

func TestQuietHoursContains(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2024, 1, 1, h, m, 0, 0, time.UTC) }
	wrap := engine.QuietHours{Start: 21 * 60, End: 8 * 60}
	day := engine.QuietHours{Start: 13 * 60, End: 14 * 60}
	cases := []struct {
		q    engine.QuietHours
		t    time.Time
		want bool
	}{
		{wrap, at(20, 59), false},
		{wrap, at(21, 0), true},
		{wrap, at(2, 0), true},
		{wrap, at(7, 59), true},
		{wrap, at(8, 0), false},
		{day, at(13, 30), true},
		{day, at(14, 0), false},
		{engine.QuietHours{Start: 60, End: 60}, at(1, 0), false},
	}
	for i, tc := range cases {
		if got := tc.q.Contains(tc.t); got != tc.want {
			t.Fatalf("case %d: Contains(%s) = %v, want %v", i, tc.t.Format("15:04"), got, tc.want)
		}
	}
}

func TestDayWindow(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	start, end := engine.DayWindow(time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC), ny)
	if !start.Equal(time.Date(2024, 3, 10, 5, 0, 0, 0, time.UTC)) {
		t.Fatalf("start = %s", start.UTC())
	}
	// DST starts that day, so the local day is 23 hours long.
	if end.Sub(start) != 23*time.Hour {
		t.Fatalf("window length = %s", end.Sub(start))
	}
}

func TestHeldLockSkipsUntilExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.addToken(t, "u1", "tok-1")
	n := env.seed(t, "u1", domain.TypeMedicationCheckin, "", baseTime.Add(-time.Minute))
	ok, err := env.Repo.TryAcquireLock(env.Ctx, n.ID, baseTime, 5*time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire lock: %v %v", ok, err)
	}

	stats, err := env.Engine.ProcessDueNudges(env.Ctx, baseTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stats.LockContended != 1 || stats.Processed != 0 || env.Disp.count() != 0 {
		t.Fatalf("expected lock contention: %+v", stats)
	}

	stats, err = env.Engine.ProcessDueNudges(env.Ctx, baseTime.Add(6*time.Minute))
	if err != nil {
		t.Fatalf("process after expiry: %v", err)
	}
	if stats.Processed != 1 || env.Disp.sentFor(n.ID) != 1 {
		t.Fatalf("expired lock should be reclaimed: %+v", stats)
	}
}

func TestOverlappingRunDuringDispatchSkips(t *testing.T) {
	env := newTestEnv(t)
	env.addToken(t, "u1", "tok-1")
	n := env.seed(t, "u1", domain.TypeMedicationCheckin, "", baseTime.Add(-time.Minute))

	var inner domain.ProcessStats
	var innerErr error
	env.Disp.onSend = func() {
		inner, innerErr = env.Engine.ProcessDueNudges(env.Ctx, baseTime.Add(time.Second))
	}
	outer, err := env.Engine.ProcessDueNudges(env.Ctx, baseTime)
	if err != nil || innerErr != nil {
		t.Fatalf("process: %v / %v", err, innerErr)
	}
	if inner.Scanned != 1 || inner.LockContended != 1 || inner.Processed != 0 {
		t.Fatalf("overlapping run should see the lock: %+v", inner)
	}
	if outer.Processed != 1 || env.Disp.sentFor(n.ID) != 1 {
		t.Fatalf("expected exactly one dispatch, outer %+v sent %d", outer, env.Disp.sentFor(n.ID))
	}
}

func TestConcurrentRunsDeliverEachNudgeOnce(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Delivery.DailyCap = 0 })
	var ids []string
	for u := 0; u < 3; u++ {
		user := fmt.Sprintf("u%d", u)
		env.addToken(t, user, "tok-"+user)
		for i := 0; i < 4; i++ {
			ids = append(ids, env.seed(t, user, domain.TypeConditionTracking, "", baseTime.Add(-time.Duration(i+1)*time.Minute)).ID)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var total domain.ProcessStats
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := env.Engine.ProcessDueNudges(env.Ctx, baseTime)
			if err != nil {
				t.Errorf("process: %v", err)
				return
			}
			mu.Lock()
			total.Add(stats)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, id := range ids {
		if got := env.Disp.sentFor(id); got != 1 {
			t.Fatalf("nudge %s dispatched %d times", id, got)
		}
	}
	if total.Processed != len(ids) {
		t.Fatalf("processed %d, want %d", total.Processed, len(ids))
	}
}

func TestDispatchFailureIsolatedPerUser(t *testing.T) {
	env := newTestEnv(t)
	env.addToken(t, "u1", "tok-bad")
	env.addToken(t, "u2", "tok-good")
	env.Disp.failing["tok-bad"] = true
	bad := env.seed(t, "u1", domain.TypeMedicationCheckin, "", baseTime.Add(-time.Minute))
	good := env.seed(t, "u2", domain.TypeMedicationCheckin, "", baseTime.Add(-time.Minute))

	stats, err := env.Engine.ProcessDueNudges(env.Ctx, baseTime)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stats.Errors != 1 || stats.Processed != 1 || stats.Notified != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	failed := env.get(t, bad.ID)
	if failed.Notified() || failed.LockExpiresAt != nil {
		t.Fatalf("failed nudge should be retryable: %+v", failed)
	}
	if !env.get(t, good.ID).Notified() {
		t.Fatalf("other user should still be notified")
	}
}

func TestPermanentTokenFailureIsPruned(t *testing.T) {
	env := newTestEnv(t)
	env.addToken(t, "u1", "tok-dead")
	env.addToken(t, "u1", "tok-live")
	env.Disp.outcomes["tok-dead"] = domain.SendResult{OK: false, FailureReason: "unregistered", Permanent: true}
	n := env.seed(t, "u1", domain.TypeMedicationCheckin, "", baseTime.Add(-time.Minute))

	stats, err := env.Engine.ProcessDueNudges(env.Ctx, baseTime)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stats.Notified != 1 || !env.get(t, n.ID).Notified() {
		t.Fatalf("expected delivery to the live token: %+v", stats)
	}
	tokens, err := env.Repo.ListPushTokens(env.Ctx, "u1")
	if err != nil {
		t.Fatalf("list tokens: %v", err)
	}
	if len(tokens) != 1 || tokens[0].Token != "tok-live" {
		t.Fatalf("dead token not pruned: %+v", tokens)
	}
}

func TestTransientFailureOnEveryTokenStillMarksSent(t *testing.T) {
	env := newTestEnv(t)
	env.addToken(t, "u1", "tok-a")
	env.addToken(t, "u1", "tok-b")
	env.Disp.outcomes["tok-a"] = domain.SendResult{OK: false, FailureReason: "unavailable"}
	env.Disp.outcomes["tok-b"] = domain.SendResult{OK: false, FailureReason: "internal"}
	n := env.seed(t, "u1", domain.TypeMedicationCheckin, "", baseTime.Add(-time.Minute))

	stats, err := env.Engine.ProcessDueNudges(env.Ctx, baseTime)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stats.Processed != 1 || stats.Notified != 0 || stats.Errors != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !env.get(t, n.ID).Notified() {
		t.Fatalf("nudge should be marked sent after a full transient failure")
	}
	tokens, err := env.Repo.ListPushTokens(env.Ctx, "u1")
	if err != nil || len(tokens) != 2 {
		t.Fatalf("transient failures must not prune tokens: %+v %v", tokens, err)
	}
	again, err := env.Engine.ProcessDueNudges(env.Ctx, baseTime.Add(time.Minute))
	if err != nil || again.Processed != 0 {
		t.Fatalf("nudge should not be rescanned: %+v %v", again, err)
	}
}

func TestOverlappingRunsRespectDailyCap(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Delivery.DailyCap = 1 })
	env.addToken(t, "u1", "tok-1")
	first := env.seed(t, "u1", domain.TypeConditionTracking, "", baseTime.Add(-2*time.Minute))
	second := env.seed(t, "u1", domain.TypeConditionTracking, "", baseTime.Add(-time.Minute))

	var inner domain.ProcessStats
	var innerErr error
	env.Disp.onSend = func() {
		inner, innerErr = env.Engine.ProcessDueNudges(env.Ctx, baseTime)
	}
	outer, err := env.Engine.ProcessDueNudges(env.Ctx, baseTime)
	if err != nil || innerErr != nil {
		t.Fatalf("process: %v / %v", err, innerErr)
	}
	if got := env.Disp.sentFor(first.ID) + env.Disp.sentFor(second.ID); got != 1 {
		t.Fatalf("cap of 1 exceeded: %d sends (outer %+v, inner %+v)", got, outer, inner)
	}
	if inner.Processed != 0 || outer.Processed != 1 {
		t.Fatalf("unexpected stats: outer %+v, inner %+v", outer, inner)
	}
	for _, id := range []string{first.ID, second.ID} {
		if n := env.get(t, id); !n.Notified() && n.LockExpiresAt != nil {
			t.Fatalf("capped nudge %s must not keep its lock", id)
		}
	}
}

func TestLegacyNudgeWithoutFlagIsScannedAndBackfilled(t *testing.T) {
	env := newTestEnv(t)
	legacy := domain.Nudge{UserID: "u1", Type: domain.TypeFollowUpLegacy, ScheduledFor: baseTime.Add(-time.Hour),
		Status: domain.StatusPending, CreatedAt: baseTime, UpdatedAt: baseTime}
	id, err := env.Repo.CreateNudge(env.Ctx, legacy)
	if err != nil {
		t.Fatalf("create legacy: %v", err)
	}
	closed := legacy
	closed.Status = domain.StatusCompleted
	closedID, err := env.Repo.CreateNudge(env.Ctx, closed)
	if err != nil {
		t.Fatalf("create closed legacy: %v", err)
	}

	due, err := env.Engine.ScanDue(env.Ctx, baseTime)
	if err != nil || len(due) != 1 || due[0].ID != id || due[0].NotificationSent != nil {
		t.Fatalf("legacy nudge should be scanned as unnotified: %+v %v", due, err)
	}

	updated, err := env.Engine.Backfill(env.Ctx)
	if err != nil || updated != 1 {
		t.Fatalf("backfill = %d, %v", updated, err)
	}
	if got := env.get(t, id); got.NotificationSent == nil || *got.NotificationSent {
		t.Fatalf("backfill should write false, got %+v", got.NotificationSent)
	}
	if got := env.get(t, closedID); got.NotificationSent != nil {
		t.Fatalf("backfill must only touch pending nudges")
	}
	updated, err = env.Engine.Backfill(env.Ctx)
	if err != nil || updated != 0 {
		t.Fatalf("second backfill = %d, %v", updated, err)
	}
}

func TestSnoozeAndWake(t *testing.T) {
	env := newTestEnv(t)
	env.addToken(t, "u1", "tok-1")
	n := env.seed(t, "u1", domain.TypeMedicationCheckin, "", baseTime.Add(-time.Minute))
	until := baseTime.Add(2 * time.Hour)
	snoozed, err := env.Engine.Snooze(env.Ctx, n.ID, "u1", until, baseTime)
	if err != nil {
		t.Fatalf("snooze: %v", err)
	}
	if snoozed.Status != domain.StatusSnoozed || !snoozed.ScheduledFor.Equal(until) {
		t.Fatalf("unexpected snoozed nudge: %+v", snoozed)
	}
	if stats, _ := env.Engine.ProcessDueNudges(env.Ctx, baseTime); stats.Scanned != 0 {
		t.Fatalf("snoozed nudge should not be scanned")
	}
	woke, err := env.Engine.WakeSnoozed(env.Ctx, until)
	if err != nil || woke != 1 {
		t.Fatalf("wake = %d, %v", woke, err)
	}
	stats, err := env.Engine.ProcessDueNudges(env.Ctx, until)
	if err != nil || stats.Processed != 1 {
		t.Fatalf("expected delivery after wake: %+v %v", stats, err)
	}
}
