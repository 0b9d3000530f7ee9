package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot-backend/internal/kv"
	"bot-backend/internal/lock"
	"bot-backend/internal/logger"
	"bot-backend/internal/messaging"
	"bot-backend/internal/models"
	"bot-backend/internal/queue"
	"bot-backend/internal/scheduler"
	"bot-backend/internal/worker"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu    sync.Mutex
	users map[int64]*models.User
	subs  []*models.Subscription
}

func newFakeStore(users ...models.User) *fakeStore {
	s := &fakeStore{users: make(map[int64]*models.User)}
	for i := range users {
		u := users[i]
		s.users[u.ID] = &u
	}
	return s
}

func (s *fakeStore) GetUser(_ context.Context, id int64) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %d: %w", id, models.ErrNotFound)
	}
	return *u, nil
}

func (s *fakeStore) ActiveSubscription(_ context.Context, userID int64, now time.Time) (models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.Status == models.SubscriptionActive && !sub.EndsAt.Before(now) {
			if best == nil || sub.EndsAt.After(best.EndsAt) {
				best = sub
			}
		}
	}
	if best == nil {
		return models.Subscription{}, models.ErrNotFound
	}
	return *best, nil
}

func (s *fakeStore) SubscriptionEndDates(_ context.Context, userID int64) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ends []time.Time
	for _, sub := range s.subs {
		if sub.UserID == userID {
			ends = append(ends, sub.EndsAt)
		}
	}
	return ends, nil
}

func (s *fakeStore) ActivateSubscription(_ context.Context, sub models.Subscription, cancelActive bool) (models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[sub.UserID]
	if !ok {
		return models.Subscription{}, models.ErrNotFound
	}
	if cancelActive {
		s.setStatus(sub.UserID, models.SubscriptionActive, models.SubscriptionCanceled, nil)
	}
	sub.ID = fmt.Sprintf("sub-%d", len(s.subs)+1)
	sub.Status = models.SubscriptionActive
	stored := sub
	s.subs = append(s.subs, &stored)
	u.Plan = sub.Plan
	u.Replicas = models.ReplicasFor(sub.Plan)
	return sub, nil
}

func (s *fakeStore) ExtendSubscription(_ context.Context, id string, endsAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ID == id && sub.Status == models.SubscriptionActive {
			sub.EndsAt = endsAt
			return nil
		}
	}
	return models.ErrNotFound
}

func (s *fakeStore) CancelSubscriptions(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.setStatus(userID, models.SubscriptionActive, models.SubscriptionCanceled, nil)
	s.users[userID].Plan = models.PlanFree
	s.users[userID].Replicas = 0
	return n, nil
}

func (s *fakeStore) ExpireSubscriptions(_ context.Context, userID int64, now time.Time) (bool, models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatus(userID, models.SubscriptionActive, models.SubscriptionExpired, func(sub *models.Subscription) bool {
		return !sub.EndsAt.After(now)
	})
	var latest *models.Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.Status == models.SubscriptionActive && (latest == nil || sub.EndsAt.After(latest.EndsAt)) {
			latest = sub
		}
	}
	u := s.users[userID]
	if latest == nil {
		u.Plan = models.PlanFree
		u.Replicas = 0
		return true, models.Subscription{}, nil
	}
	if u.Plan != latest.Plan {
		u.Plan = latest.Plan
		u.Replicas = models.ReplicasFor(latest.Plan)
	}
	return false, *latest, nil
}

func (s *fakeStore) setStatus(userID int64, from, to string, match func(*models.Subscription) bool) int64 {
	var n int64
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.Status == from && (match == nil || match(sub)) {
			sub.Status = to
			n++
		}
	}
	return n
}

type recordingSender struct {
	mu    sync.Mutex
	texts map[int64][]string
	err   error
}

func (r *recordingSender) SendText(_ context.Context, chatID int64, text string, _ messaging.SendOptions) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	if r.texts == nil {
		r.texts = make(map[int64][]string)
	}
	r.texts[chatID] = append(r.texts[chatID], text)
	return 1, nil
}

type harness struct {
	lc     *Lifecycle
	store  *fakeStore
	queue  *queue.RedisQueue
	locks  *lock.Lock
	sender *recordingSender
	now    time.Time
}

func (h *harness) clock() time.Time { return h.now }

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		store:  newFakeStore(models.User{ID: 1, ChatID: 1001, Role: models.RoleUser, Plan: models.PlanFree, Replicas: 10}),
		sender: &recordingSender{},
		now:    base,
	}
	h.queue = queue.NewRedisQueue(client, queue.WithClock(h.clock))
	h.locks = lock.New(kv.New(client), logger.Discard())
	jobs := scheduler.New(h.queue, logger.Discard(), scheduler.WithClock(h.clock))
	h.lc = New(h.store, jobs, h.locks, h.sender, 30*time.Second, logger.Discard(), WithClock(h.clock))
	return h
}

func (h *harness) job(t *testing.T, key string) (models.Job, bool) {
	t.Helper()
	job, found, err := h.queue.GetJob(context.Background(), Queue, key)
	require.NoError(t, err)
	return job, found
}

func TestPurchaseSchedulesExpiryAndNotice(t *testing.T) {
	h := newHarness(t)

	res, err := h.lc.Purchase(context.Background(), 1, models.PlanBasic, 1, 990, models.CurrencyUSD)
	require.NoError(t, err)
	require.False(t, res.Skipped)

	endsAt := base.AddDate(0, 1, 0)
	assert.Equal(t, endsAt, res.Subscription.EndsAt)

	u, _ := h.store.GetUser(context.Background(), 1)
	assert.Equal(t, models.PlanBasic, u.Plan)
	assert.Equal(t, 1000, u.Replicas)

	expire, found := h.job(t, ExpireKey(1, endsAt))
	require.True(t, found)
	assert.Equal(t, JobExpire, expire.Name)
	assert.Equal(t, models.StateDelayed, expire.State)
	assert.Equal(t, endsAt.UnixMilli(), expire.RunAt.UnixMilli())

	notifyAt := endsAt.Add(-24 * time.Hour)
	notify, found := h.job(t, NotifyKey(1, notifyAt))
	require.True(t, found)
	assert.Equal(t, JobNotifyBeforeExpire, notify.Name)
	assert.True(t, notify.RemoveOnComplete)
	var p NotifyPayload
	require.NoError(t, json.Unmarshal(notify.Payload, &p))
	assert.True(t, endsAt.Equal(p.ExpireAt))
}

func TestPurchaseRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.lc.Purchase(ctx, 1, models.PlanFree, 1, 0, models.CurrencyUSD)
	assert.ErrorIs(t, err, models.ErrFreePlan)

	_, err = h.lc.Purchase(ctx, 1, models.PlanBasic, 1, 100, models.Currency("EUR"))
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = h.lc.Purchase(ctx, 1, models.PlanBasic, 0, 100, models.CurrencyUSD)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	counts, err := h.queue.Counts(ctx, Queue)
	require.NoError(t, err)
	assert.Equal(t, models.JobCounts{}, counts, "nothing scheduled on rejected input")
}

func TestPurchaseDuplicateIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	held, err := h.locks.Acquire(ctx, PurchaseLockKey(1, models.PlanPremium), time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	res, err := h.lc.Purchase(ctx, 1, models.PlanPremium, 1, 100, models.CurrencyUSD)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, h.store.subs)
}

func TestPurchaseReplacesPreviousSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.lc.Purchase(ctx, 1, models.PlanBasic, 1, 100, models.CurrencyUSD)
	require.NoError(t, err)

	h.now = base.Add(24 * time.Hour)
	second, err := h.lc.Purchase(ctx, 1, models.PlanPremium, 3, 300, models.CurrencyUSD)
	require.NoError(t, err)

	_, found := h.job(t, ExpireKey(1, first.Subscription.EndsAt))
	assert.False(t, found, "old expiry job cancelled")
	_, found = h.job(t, ExpireKey(1, second.Subscription.EndsAt))
	assert.True(t, found)

	counts, err := h.queue.Counts(ctx, Queue)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Delayed, "one expiry and one notice")
	assert.Equal(t, models.SubscriptionCanceled, h.store.subs[0].Status)
}

func TestRenewalBeforeExpiryDoesNotDowngrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.lc.Purchase(ctx, 1, models.PlanStandard, 1, 100, models.CurrencyUSD)
	require.NoError(t, err)
	firstEnd := res.Subscription.EndsAt

	h.now = firstEnd.Add(-48 * time.Hour)
	renewed, err := h.lc.Prolong(ctx, 1, 1)
	require.NoError(t, err)
	newEnd := firstEnd.AddDate(0, 1, 0)
	assert.Equal(t, newEnd, renewed.Subscription.EndsAt)

	_, found := h.job(t, ExpireKey(1, firstEnd))
	assert.False(t, found, "stale expiry job removed")
	_, found = h.job(t, ExpireKey(1, newEnd))
	assert.True(t, found)

	// A stale expiry that still fires at the old end date must not downgrade.
	h.now = firstEnd
	downgraded, err := h.lc.Expire(ctx, 1, firstEnd)
	require.NoError(t, err)
	assert.False(t, downgraded)

	u, _ := h.store.GetUser(ctx, 1)
	assert.Equal(t, models.PlanStandard, u.Plan)
	_, found = h.job(t, ExpireKey(1, newEnd))
	assert.True(t, found, "expiry for the renewed end date still pending")
}

func TestProlongWithoutActiveSubscription(t *testing.T) {
	h := newHarness(t)
	_, err := h.lc.Prolong(context.Background(), 1, 1)
	assert.ErrorIs(t, err, models.ErrNoActiveSubscription)
}

func TestExpireDowngradesToFree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.lc.Purchase(ctx, 1, models.PlanBasic, 1, 100, models.CurrencyUZS)
	require.NoError(t, err)

	h.now = res.Subscription.EndsAt
	downgraded, err := h.lc.Expire(ctx, 1, h.now)
	require.NoError(t, err)
	assert.True(t, downgraded)

	u, _ := h.store.GetUser(ctx, 1)
	assert.Equal(t, models.PlanFree, u.Plan)
	assert.Equal(t, 0, u.Replicas)
	assert.Equal(t, models.SubscriptionExpired, h.store.subs[0].Status)
}

func TestTrialOverPaidRestoresPlanAndNotice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	paid, err := h.lc.Purchase(ctx, 1, models.PlanPremium, 1, 900, models.CurrencyUSD)
	require.NoError(t, err)
	paidEnd := paid.Subscription.EndsAt

	trial, err := h.lc.GrantTrial(ctx, 1, 48, models.PlanStandard)
	require.NoError(t, err)
	_, found := h.job(t, NotifyKey(1, paidEnd.Add(-24*time.Hour)))
	require.False(t, found, "trial replaces the paid schedule")

	h.now = trial.EndsAt
	downgraded, err := h.lc.Expire(ctx, 1, h.now)
	require.NoError(t, err)
	assert.False(t, downgraded)

	u, _ := h.store.GetUser(ctx, 1)
	assert.Equal(t, models.PlanPremium, u.Plan)
	assert.Equal(t, models.ReplicasFor(models.PlanPremium), u.Replicas)

	_, found = h.job(t, ExpireKey(1, paidEnd))
	assert.True(t, found, "paid expiry re-armed")
	notify, found := h.job(t, NotifyKey(1, paidEnd.Add(-24*time.Hour)))
	require.True(t, found, "paid notice re-armed")
	assert.Equal(t, JobNotifyBeforeExpire, notify.Name)
}

func TestUserTransitionsShareLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.lc.Purchase(ctx, 1, models.PlanBasic, 1, 100, models.CurrencyUSD)
	require.NoError(t, err)

	held, err := h.locks.Acquire(ctx, UserLockKey(1), time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	_, err = h.lc.GrantTrial(ctx, 1, 24, "")
	assert.ErrorIs(t, err, models.ErrBusy)
	_, err = h.lc.CancelAll(ctx, 1)
	assert.ErrorIs(t, err, models.ErrBusy)
	res, err := h.lc.Prolong(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	require.Len(t, h.store.subs, 1, "no trial row written")
	assert.Equal(t, models.SubscriptionActive, h.store.subs[0].Status, "cancel did not run")
	u, _ := h.store.GetUser(ctx, 1)
	assert.Equal(t, models.PlanBasic, u.Plan)
}

func TestGrantTrialSkipsPastNotice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub, err := h.lc.GrantTrial(ctx, 1, 12, "")
	require.NoError(t, err)
	assert.True(t, sub.IsTrial)
	assert.Equal(t, models.PlanStandard, sub.Plan)
	assert.Equal(t, base.Add(12*time.Hour), sub.EndsAt)

	u, _ := h.store.GetUser(ctx, 1)
	assert.Equal(t, models.ReplicasFor(models.PlanStandard), u.Replicas)

	counts, err := h.queue.Counts(ctx, Queue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed, "notice would fire before now")
	_, found := h.job(t, ExpireKey(1, sub.EndsAt))
	assert.True(t, found)
}

func TestCancelAllClearsJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.lc.Purchase(ctx, 1, models.PlanBasic, 2, 100, models.CurrencyUSD)
	require.NoError(t, err)

	n, err := h.lc.CancelAll(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err := h.queue.Counts(ctx, Queue)
	require.NoError(t, err)
	assert.Equal(t, models.JobCounts{}, counts)

	u, _ := h.store.GetUser(ctx, 1)
	assert.Equal(t, models.PlanFree, u.Plan)
}

func TestNotifyBeforeExpire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.lc.NotifyBeforeExpire(ctx, 1, base.Add(24*time.Hour)))
	require.Len(t, h.sender.texts[1001], 1)
	assert.Equal(t, "Your subscription ends in 24 hours.", h.sender.texts[1001][0])

	assert.NoError(t, h.lc.NotifyBeforeExpire(ctx, 99, base.Add(time.Hour)), "unknown user is skipped")

	h.sender.err = &messaging.Error{StatusCode: http.StatusForbidden, Description: "bot was blocked by the user"}
	assert.NoError(t, h.lc.NotifyBeforeExpire(ctx, 1, base.Add(time.Hour)))

	h.sender.err = messaging.ErrTransportUnavailable
	assert.ErrorIs(t, h.lc.NotifyBeforeExpire(ctx, 1, base.Add(time.Hour)), messaging.ErrTransportUnavailable)
}

func TestHandleJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.lc.Purchase(ctx, 1, models.PlanBasic, 1, 100, models.CurrencyUSD)
	require.NoError(t, err)
	h.now = base.AddDate(0, 2, 0)

	res, err := h.lc.HandleJob(ctx, &worker.Job{Job: models.Job{Name: JobExpire, Payload: json.RawMessage(`{"user_id":1}`)}})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"downgraded": true}, res)

	_, err = h.lc.HandleJob(ctx, &worker.Job{Job: models.Job{Name: "refund", Payload: json.RawMessage(`{}`)}})
	assert.ErrorIs(t, err, models.ErrInvalidPayload)

	_, err = h.lc.HandleJob(ctx, &worker.Job{Job: models.Job{Name: JobExpire, Payload: json.RawMessage(`not json`)}})
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
}
