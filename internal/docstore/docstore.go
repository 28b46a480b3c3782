// Package docstore implements the store contracts on Cloud Firestore. Nudge
// documents use camelCase field names; notificationSent may be missing on
// documents written before the field existed.
package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"nudgeline/internal/config"
	"nudgeline/internal/domain"
	"nudgeline/internal/store"
)

const tokensCollection = "pushTokens"

type Store struct {
	Client           *firestore.Client
	Nudges           string
	Users            string
	LegacyScanFactor int
}

var _ store.Backend = Store{}

// Open connects to Firestore using the project and credentials in cfg.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.FirestoreProject, opts...)
	if err != nil {
		return Store{}, fmt.Errorf("firestore client: %w", err)
	}
	return Store{
		Client:           client,
		Nudges:           cfg.NudgesCollection,
		Users:            cfg.UsersCollection,
		LegacyScanFactor: cfg.LegacyScanFactor,
	}, nil
}

func (s Store) Close() error {
	return s.Client.Close()
}

func (s Store) nudges() *firestore.CollectionRef {
	return s.Client.Collection(s.Nudges)
}

func (s Store) tokens(userID string) *firestore.CollectionRef {
	return s.Client.Collection(s.Users).Doc(userID).Collection(tokensCollection)
}

func notFound(err error) error {
	if status.Code(err) == codes.NotFound {
		return store.ErrNotFound
	}
	return err
}

func (s Store) CreateNudge(ctx context.Context, n domain.Nudge) (string, error) {
	if n.Status == "" {
		n.Status = domain.StatusPending
	}
	ref := s.nudges().NewDoc()
	if n.ID != "" {
		ref = s.nudges().Doc(n.ID)
	}
	if _, err := ref.Create(ctx, toDoc(n)); err != nil {
		return "", fmt.Errorf("create nudge: %w", err)
	}
	return ref.ID, nil
}

func (s Store) GetNudge(ctx context.Context, id string) (domain.Nudge, error) {
	snap, err := s.nudges().Doc(id).Get(ctx)
	if err != nil {
		return domain.Nudge{}, notFound(err)
	}
	return fromSnapshot(snap)
}

// FindDueUnnotified queries notificationSent==false first. Firestore cannot
// match a missing field, so when the page is short it tops up from a bounded
// scan of due pending documents that lack the field. Notified nudges stay
// pending until answered, so that window can fill with them and hide older
// legacy documents: deployments on Firestore must run the backfill
// (`nl backfill` or POST /v0/scheduler/backfill-notification-sent) once
// after upgrading, after which every document carries the flag.
func (s Store) FindDueUnnotified(ctx context.Context, now time.Time, limit int) ([]domain.Nudge, error) {
	base := s.nudges().Where("status", "==", string(domain.StatusPending)).Where("scheduledFor", "<=", now)
	res, err := collect(ctx, base.Where("notificationSent", "==", false).OrderBy("scheduledFor", firestore.Asc).Limit(limit), nil)
	if err != nil {
		return nil, err
	}
	if len(res) >= limit || s.LegacyScanFactor <= 0 {
		return res, nil
	}
	legacy, err := collect(ctx, base.OrderBy("scheduledFor", firestore.Asc).Limit(limit*s.LegacyScanFactor), missingSentFlag)
	if err != nil {
		return nil, err
	}
	res = append(res, legacy...)
	sort.SliceStable(res, func(i, j int) bool {
		if !res[i].ScheduledFor.Equal(res[j].ScheduledFor) {
			return res[i].ScheduledFor.Before(res[j].ScheduledFor)
		}
		return res[i].ID < res[j].ID
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func missingSentFlag(snap *firestore.DocumentSnapshot) bool {
	_, ok := snap.Data()["notificationSent"]
	return !ok
}

func collect(ctx context.Context, q firestore.Query, keep func(*firestore.DocumentSnapshot) bool) ([]domain.Nudge, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()
	var res []domain.Nudge
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		if keep != nil && !keep(snap) {
			continue
		}
		n, err := fromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, nil
}

func (s Store) CountNotifiedForUserInWindow(ctx context.Context, userID string, start, end time.Time) (int, error) {
	q := s.nudges().
		Where("userId", "==", userID).
		Where("notificationSent", "==", true).
		Where("notificationSentAt", ">=", start).
		Where("notificationSentAt", "<", end)
	res, err := q.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("count notified: %w", err)
	}
	v, ok := res["all"].(*firestorepb.Value)
	if !ok {
		return 0, errors.New("count notified: missing aggregation result")
	}
	return int(v.GetIntegerValue()), nil
}

func (s Store) CountLockedForUser(ctx context.Context, userID string, now time.Time) (int, error) {
	q := s.nudges().
		Where("userId", "==", userID).
		Where("sendLockExpiresAt", ">", now)
	res, err := q.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("count locked: %w", err)
	}
	v, ok := res["all"].(*firestorepb.Value)
	if !ok {
		return 0, errors.New("count locked: missing aggregation result")
	}
	return int(v.GetIntegerValue()), nil
}

// lockable reports whether a send lock may be taken on d at now.
func lockable(d nudgeDoc, now time.Time) bool {
	if d.Status != string(domain.StatusPending) {
		return false
	}
	if d.NotificationSent != nil && *d.NotificationSent {
		return false
	}
	return d.SendLockExpiresAt == nil || !d.SendLockExpiresAt.After(now)
}

func (s Store) TryAcquireLock(ctx context.Context, nudgeID string, now time.Time, ttl time.Duration) (bool, error) {
	ref := s.nudges().Doc(nudgeID)
	var acquired bool
	err := s.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		acquired = false
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var d nudgeDoc
		if err := snap.DataTo(&d); err != nil {
			return err
		}
		if !lockable(d, now) {
			return nil
		}
		acquired = true
		return tx.Update(ref, []firestore.Update{
			{Path: "sendLockExpiresAt", Value: now.Add(ttl)},
			{Path: "updatedAt", Value: now},
		})
	})
	if err != nil {
		return false, notFound(err)
	}
	return acquired, nil
}

func (s Store) ReleaseLock(ctx context.Context, nudgeID string) error {
	_, err := s.nudges().Doc(nudgeID).Update(ctx, []firestore.Update{{Path: "sendLockExpiresAt", Value: firestore.Delete}})
	return notFound(err)
}

func processedUpdates(mark store.ProcessedMark) []firestore.Update {
	ups := []firestore.Update{
		{Path: "notificationSent", Value: true},
		{Path: "updatedAt", Value: mark.Now},
	}
	if mark.SentAt != nil {
		ups = append(ups, firestore.Update{Path: "notificationSentAt", Value: *mark.SentAt})
	}
	if mark.SkipReason != "" {
		ups = append(ups, firestore.Update{Path: "notificationSkipped", Value: string(mark.SkipReason)})
	} else {
		ups = append(ups, firestore.Update{Path: "notificationSkipped", Value: firestore.Delete})
	}
	if mark.ClearLock {
		ups = append(ups, firestore.Update{Path: "sendLockExpiresAt", Value: firestore.Delete})
	}
	return ups
}

func (s Store) MarkProcessed(ctx context.Context, nudgeID string, mark store.ProcessedMark) error {
	_, err := s.nudges().Doc(nudgeID).Update(ctx, processedUpdates(mark))
	return notFound(err)
}

func (s Store) MarkCompleted(ctx context.Context, nudgeID string, c store.Completion) error {
	ups := []firestore.Update{
		{Path: "status", Value: string(domain.StatusCompleted)},
		{Path: "completedAt", Value: c.At},
		{Path: "updatedAt", Value: c.At},
		{Path: "sendLockExpiresAt", Value: firestore.Delete},
	}
	if c.ResponseValue != "" {
		ups = append(ups, firestore.Update{Path: "responseValue", Value: c.ResponseValue})
	}
	if c.Interpretation != nil {
		ups = append(ups, firestore.Update{Path: "interpretation", Value: toInterpretationDoc(c.Interpretation)})
	}
	ref := s.nudges().Doc(nudgeID)
	err := s.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		st, _ := snap.Data()["status"].(string)
		if domain.NudgeStatus(st).Closed() {
			return store.ErrClosed
		}
		return tx.Update(ref, ups)
	})
	return notFound(err)
}

func (s Store) FindSiblingsByStatus(ctx context.Context, sequenceID string, statuses []domain.NudgeStatus) ([]domain.Nudge, error) {
	if sequenceID == "" || len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	q := s.nudges().Where("sequenceId", "==", sequenceID).Where("status", "in", values)
	return collect(ctx, q, nil)
}

func patchUpdates(p store.Patch) []firestore.Update {
	var ups []firestore.Update
	if p.Status != nil {
		ups = append(ups, firestore.Update{Path: "status", Value: string(*p.Status)})
	}
	if p.ScheduledFor != nil {
		ups = append(ups, firestore.Update{Path: "scheduledFor", Value: *p.ScheduledFor})
	}
	if p.DismissedAt != nil {
		ups = append(ups, firestore.Update{Path: "dismissedAt", Value: *p.DismissedAt})
	}
	if p.ResetNotification {
		ups = append(ups,
			firestore.Update{Path: "notificationSent", Value: false},
			firestore.Update{Path: "notificationSentAt", Value: firestore.Delete},
			firestore.Update{Path: "notificationSkipped", Value: firestore.Delete},
			firestore.Update{Path: "sendLockExpiresAt", Value: firestore.Delete},
		)
	}
	return append(ups, firestore.Update{Path: "updatedAt", Value: p.UpdatedAt})
}

// BatchUpdate applies the unit of work in one transaction. All documents are
// read first, so a missing one aborts before anything is written.
func (s Store) BatchUpdate(ctx context.Context, uow *store.UnitOfWork) error {
	if uow == nil || uow.Len() == 0 {
		return nil
	}
	err := s.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		refs := make([]*firestore.DocumentRef, 0, uow.Len())
		for _, ch := range uow.Changes() {
			ref := s.nudges().Doc(ch.NudgeID)
			if _, err := tx.Get(ref); err != nil {
				return fmt.Errorf("update nudge %s: %w", ch.NudgeID, notFound(err))
			}
			refs = append(refs, ref)
		}
		for i, ch := range uow.Changes() {
			if err := tx.Update(refs[i], patchUpdates(ch.Patch)); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// BackfillNotificationSent writes notificationSent=false on pending documents
// that lack the field, through a BulkWriter.
func (s Store) BackfillNotificationSent(ctx context.Context) (int, error) {
	q := s.nudges().Where("status", "==", string(domain.StatusPending))
	return s.bulkUpdate(ctx, q, missingSentFlag, func(*firestore.DocumentSnapshot) []firestore.Update {
		return []firestore.Update{{Path: "notificationSent", Value: false}}
	})
}

func (s Store) WakeSnoozed(ctx context.Context, now time.Time) (int, error) {
	q := s.nudges().Where("status", "==", string(domain.StatusSnoozed)).Where("scheduledFor", "<=", now)
	pending := domain.StatusPending
	return s.bulkUpdate(ctx, q, nil, func(*firestore.DocumentSnapshot) []firestore.Update {
		return patchUpdates(store.Patch{Status: &pending, ResetNotification: true, UpdatedAt: now})
	})
}

func (s Store) bulkUpdate(ctx context.Context, q firestore.Query, keep func(*firestore.DocumentSnapshot) bool, updates func(*firestore.DocumentSnapshot) []firestore.Update) (int, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()
	bw := s.Client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return 0, err
		}
		if keep != nil && !keep(snap) {
			continue
		}
		job, err := bw.Update(snap.Ref, updates(snap), firestore.Exists)
		if err != nil {
			bw.End()
			return 0, err
		}
		jobs = append(jobs, job)
	}
	bw.End()
	updated := 0
	var firstErr error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		updated++
	}
	return updated, firstErr
}

func (s Store) ListNudges(ctx context.Context, f store.NudgeFilter) ([]domain.Nudge, error) {
	q := s.nudges().Query
	if f.UserID != "" {
		q = q.Where("userId", "==", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status", "==", string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	return collect(ctx, q.OrderBy("scheduledFor", firestore.Desc).Limit(limit), nil)
}

func (s Store) UserProfile(ctx context.Context, userID string) (domain.UserProfile, error) {
	snap, err := s.Client.Collection(s.Users).Doc(userID).Get(ctx)
	if err != nil {
		return domain.UserProfile{}, notFound(err)
	}
	p := domain.UserProfile{ID: snap.Ref.ID}
	if tz, ok := snap.Data()["timezone"].(string); ok {
		p.Timezone = tz
	}
	return p, nil
}

func (s Store) UpsertUserProfile(ctx context.Context, p domain.UserProfile) error {
	if p.ID == "" {
		return errors.New("user id required")
	}
	_, err := s.Client.Collection(s.Users).Doc(p.ID).Set(ctx, map[string]any{"timezone": p.Timezone}, firestore.MergeAll)
	return err
}

// tokenDocID hashes the token; raw FCM tokens may contain characters that
// are not valid in a document ID.
func tokenDocID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type tokenDoc struct {
	Token     string    `firestore:"token"`
	Platform  string    `firestore:"platform,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func (s Store) ListPushTokens(ctx context.Context, userID string) ([]domain.PushToken, error) {
	snaps, err := s.tokens(userID).OrderBy("createdAt", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	res := make([]domain.PushToken, 0, len(snaps))
	for _, snap := range snaps {
		var d tokenDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, err
		}
		res = append(res, domain.PushToken{UserID: userID, Token: d.Token, Platform: d.Platform, CreatedAt: d.CreatedAt})
	}
	return res, nil
}

func (s Store) UpsertPushToken(ctx context.Context, t domain.PushToken) error {
	if t.UserID == "" || t.Token == "" {
		return errors.New("user id and token required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	ref := s.tokens(t.UserID).Doc(tokenDocID(t.Token))
	_, err := ref.Create(ctx, tokenDoc{Token: t.Token, Platform: t.Platform, CreatedAt: t.CreatedAt})
	if status.Code(err) == codes.AlreadyExists {
		_, err = ref.Update(ctx, []firestore.Update{{Path: "platform", Value: t.Platform}})
	}
	return err
}

func (s Store) DeletePushToken(ctx context.Context, userID, token string) error {
	_, err := s.tokens(userID).Doc(tokenDocID(token)).Delete(ctx)
	return err
}
