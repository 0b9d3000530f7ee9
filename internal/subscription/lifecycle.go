package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bot-backend/internal/messaging"
	"bot-backend/internal/models"
	"bot-backend/internal/scheduler"
)

const (
	Queue                 = "subscriptions"
	JobExpire             = "expire"
	JobNotifyBeforeExpire = "notify-before-expire"

	expireKeyDomain  = "user:expire"
	notifyKeyDomain  = "user:notify:expire"
	purchaseLockBase = "user:purchase:lock"
	userLockBase     = "user:subscription:lock"

	defaultTrialHours = 24
	notifyLead        = 24 * time.Hour
)

// Store is the relational side of a subscription transition. Each mutating
// method is a single transaction.
type Store interface {
	GetUser(ctx context.Context, id int64) (models.User, error)
	ActiveSubscription(ctx context.Context, userID int64, now time.Time) (models.Subscription, error)
	SubscriptionEndDates(ctx context.Context, userID int64) ([]time.Time, error)
	ActivateSubscription(ctx context.Context, sub models.Subscription, cancelActive bool) (models.Subscription, error)
	ExtendSubscription(ctx context.Context, id string, endsAt time.Time) error
	CancelSubscriptions(ctx context.Context, userID int64) (int64, error)
	ExpireSubscriptions(ctx context.Context, userID int64, now time.Time) (bool, models.Subscription, error)
}

// Jobs schedules and cancels keyed jobs.
type Jobs interface {
	ScheduleAt(ctx context.Context, queue, name string, payload any, runAt time.Time, key string, opts scheduler.Options) (scheduler.JobHandle, error)
	Cancel(ctx context.Context, queue, key string) (bool, error)
	CancelByPrefix(ctx context.Context, queue, prefix string) (int, error)
}

type Locker interface {
	Do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)
}

type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, opts messaging.SendOptions) (int, error)
}

// ExpirePayload is the payload of expire jobs.
type ExpirePayload struct {
	UserID int64 `json:"user_id"`
}

// NotifyPayload is the payload of pre-expiry notice jobs.
type NotifyPayload struct {
	UserID   int64     `json:"user_id"`
	ExpireAt time.Time `json:"expire_at"`
}

// Result of a locked transition. Skipped means a concurrent call held the lock.
type Result struct {
	Subscription models.Subscription `json:"subscription"`
	Skipped      bool                `json:"skipped"`
}

// Lifecycle keeps subscription rows and their expiry jobs in step.
type Lifecycle struct {
	store          Store
	jobs           Jobs
	locks          Locker
	sender         Sender
	lockTTL        time.Duration
	expireAttempts int
	log            *slog.Logger
	now            func() time.Time
}

type Option func(*Lifecycle)

func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) { l.now = now }
}

func WithExpireAttempts(n int) Option {
	return func(l *Lifecycle) { l.expireAttempts = n }
}

func New(store Store, jobs Jobs, locks Locker, sender Sender, lockTTL time.Duration, log *slog.Logger, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		store:          store,
		jobs:           jobs,
		locks:          locks,
		sender:         sender,
		lockTTL:        lockTTL,
		expireAttempts: 3,
		log:            log,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func ExpireKey(userID int64, endsAt time.Time) string {
	return scheduler.JobKey(expireKeyDomain, userID, endsAt.UnixMilli())
}

func NotifyKey(userID int64, notifyAt time.Time) string {
	return scheduler.JobKey(notifyKeyDomain, userID, notifyAt.UnixMilli())
}

func PurchaseLockKey(userID int64, plan models.Plan) string {
	return scheduler.JobKey(purchaseLockBase, userID, string(plan))
}

// UserLockKey serializes prolong, trial and cancel transitions of one user.
func UserLockKey(userID int64) string {
	return scheduler.JobKey(userLockBase, userID)
}

// Purchase replaces any active subscription with a paid one lasting months.
func (l *Lifecycle) Purchase(ctx context.Context, userID int64, plan models.Plan, months int, amount int64, currency models.Currency) (Result, error) {
	if plan == models.PlanFree {
		return Result{}, models.ErrFreePlan
	}
	if !plan.Valid() || !currency.Valid() || months <= 0 || amount < 0 {
		return Result{}, fmt.Errorf("purchase %s for %d months in %q: %w", plan, months, currency, models.ErrInvalidArgument)
	}

	var res Result
	ran, err := l.locks.Do(ctx, PurchaseLockKey(userID, plan), l.lockTTL, func(ctx context.Context) error {
		previous, err := l.store.SubscriptionEndDates(ctx, userID)
		if err != nil {
			return err
		}
		now := l.now()
		sub, err := l.store.ActivateSubscription(ctx, models.Subscription{
			UserID:   userID,
			Plan:     plan,
			StartsAt: now,
			EndsAt:   now.AddDate(0, months, 0),
			Amount:   amount,
			Currency: currency,
		}, true)
		if err != nil {
			return fmt.Errorf("activate subscription: %w", err)
		}
		res.Subscription = sub
		return l.reschedule(ctx, userID, previous, sub.EndsAt)
	})
	if err != nil {
		return Result{}, err
	}
	if !ran {
		l.log.Info("duplicate purchase ignored", slog.Int64("user_id", userID), slog.String("plan", string(plan)))
		return Result{Skipped: true}, nil
	}
	l.log.Info("subscription purchased",
		slog.Int64("user_id", userID),
		slog.String("plan", string(plan)),
		slog.Time("ends_at", res.Subscription.EndsAt),
	)
	return res, nil
}

// Prolong pushes the active subscription's end date by months.
func (l *Lifecycle) Prolong(ctx context.Context, userID int64, months int) (Result, error) {
	if months <= 0 {
		return Result{}, fmt.Errorf("prolong by %d months: %w", months, models.ErrInvalidArgument)
	}

	var res Result
	ran, err := l.locks.Do(ctx, UserLockKey(userID), l.lockTTL, func(ctx context.Context) error {
		active, err := l.store.ActiveSubscription(ctx, userID, l.now())
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("prolong for user %d: %w", userID, models.ErrNoActiveSubscription)
		}
		if err != nil {
			return err
		}
		previousEnd := active.EndsAt
		active.EndsAt = previousEnd.AddDate(0, months, 0)
		if err := l.store.ExtendSubscription(ctx, active.ID, active.EndsAt); err != nil {
			return fmt.Errorf("extend subscription: %w", err)
		}
		res.Subscription = active
		return l.reschedule(ctx, userID, []time.Time{previousEnd}, active.EndsAt)
	})
	if err != nil {
		return Result{}, err
	}
	if !ran {
		return Result{Skipped: true}, nil
	}
	l.log.Info("subscription prolonged", slog.Int64("user_id", userID), slog.Time("ends_at", res.Subscription.EndsAt))
	return res, nil
}

// GrantTrial gives free access to plan for hours. Zero values mean 24 hours
// of STANDARD.
func (l *Lifecycle) GrantTrial(ctx context.Context, userID int64, hours int, plan models.Plan) (models.Subscription, error) {
	if hours == 0 {
		hours = defaultTrialHours
	}
	if plan == "" {
		plan = models.PlanStandard
	}
	if hours < 0 || !plan.Valid() || plan == models.PlanFree {
		return models.Subscription{}, fmt.Errorf("trial of %s for %d hours: %w", plan, hours, models.ErrInvalidArgument)
	}

	var sub models.Subscription
	ran, err := l.locks.Do(ctx, UserLockKey(userID), l.lockTTL, func(ctx context.Context) error {
		previous, err := l.store.SubscriptionEndDates(ctx, userID)
		if err != nil {
			return err
		}
		now := l.now()
		sub, err = l.store.ActivateSubscription(ctx, models.Subscription{
			UserID:   userID,
			Plan:     plan,
			StartsAt: now,
			EndsAt:   now.Add(time.Duration(hours) * time.Hour),
			Currency: models.CurrencyUZS,
			IsTrial:  true,
		}, false)
		if err != nil {
			return fmt.Errorf("activate trial: %w", err)
		}
		return l.reschedule(ctx, userID, previous, sub.EndsAt)
	})
	if err != nil {
		return models.Subscription{}, err
	}
	if !ran {
		return models.Subscription{}, fmt.Errorf("trial for user %d: %w", userID, models.ErrBusy)
	}
	l.log.Info("trial granted", slog.Int64("user_id", userID), slog.String("plan", string(plan)), slog.Int("hours", hours))
	return sub, nil
}

// CancelAll cancels every active subscription and its pending jobs.
func (l *Lifecycle) CancelAll(ctx context.Context, userID int64) (int64, error) {
	var n int64
	ran, err := l.locks.Do(ctx, UserLockKey(userID), l.lockTTL, func(ctx context.Context) error {
		previous, err := l.store.SubscriptionEndDates(ctx, userID)
		if err != nil {
			return err
		}
		n, err = l.store.CancelSubscriptions(ctx, userID)
		if err != nil {
			return fmt.Errorf("cancel subscriptions: %w", err)
		}
		return l.cancelScheduled(ctx, userID, previous)
	})
	if err != nil {
		return n, err
	}
	if !ran {
		return 0, fmt.Errorf("cancel for user %d: %w", userID, models.ErrBusy)
	}
	l.log.Info("subscriptions cancelled", slog.Int64("user_id", userID), slog.Int64("count", n))
	return n, nil
}

// Expire downgrades the user to FREE unless a subscription still runs past now.
// In that case the user keeps that subscription's plan, and its expiry and
// notice jobs are re-armed. A trial granted over a paid plan ends this way.
func (l *Lifecycle) Expire(ctx context.Context, userID int64, now time.Time) (bool, error) {
	downgraded, remaining, err := l.store.ExpireSubscriptions(ctx, userID, now)
	if err != nil {
		return false, fmt.Errorf("expire subscriptions: %w", err)
	}
	if downgraded {
		l.log.Info("user downgraded to free", slog.Int64("user_id", userID))
		return true, nil
	}
	if _, err := l.scheduleExpire(ctx, userID, remaining.EndsAt); err != nil {
		return false, err
	}
	if err := l.scheduleNotify(ctx, userID, remaining.EndsAt); err != nil {
		return false, err
	}
	l.log.Info("stale expiry ignored",
		slog.Int64("user_id", userID),
		slog.String("plan", string(remaining.Plan)),
		slog.Time("ends_at", remaining.EndsAt),
	)
	return false, nil
}

// NotifyBeforeExpire tells the user how long the subscription has left.
// Unknown users and recipients that rejected the bot are skipped.
func (l *Lifecycle) NotifyBeforeExpire(ctx context.Context, userID int64, expireAt time.Time) error {
	user, err := l.store.GetUser(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		l.log.Warn("expiry notice for unknown user", slog.Int64("user_id", userID))
		return nil
	}
	if err != nil {
		return err
	}

	text := "Your subscription ends in " + FormatRemaining(expireAt.Sub(l.now())) + "."
	if _, err := l.sender.SendText(ctx, user.ChatID, text, messaging.SendOptions{}); err != nil {
		var rejected *messaging.Error
		if _, throttled := messaging.RetryAfter(err); !throttled && errors.As(err, &rejected) {
			l.log.Warn("expiry notice rejected", slog.Int64("user_id", userID), slog.Any("error", err))
			return nil
		}
		return fmt.Errorf("send expiry notice: %w", err)
	}
	return nil
}

func (l *Lifecycle) reschedule(ctx context.Context, userID int64, previousEnds []time.Time, endsAt time.Time) error {
	if err := l.cancelScheduled(ctx, userID, previousEnds); err != nil {
		return err
	}
	if _, err := l.scheduleExpire(ctx, userID, endsAt); err != nil {
		return err
	}
	return l.scheduleNotify(ctx, userID, endsAt)
}

// cancelScheduled removes jobs keyed by the end dates in effect before the
// update, then sweeps both key prefixes for anything left over.
func (l *Lifecycle) cancelScheduled(ctx context.Context, userID int64, previousEnds []time.Time) error {
	for _, end := range previousEnds {
		if _, err := l.jobs.Cancel(ctx, Queue, ExpireKey(userID, end)); err != nil {
			return err
		}
		if _, err := l.jobs.Cancel(ctx, Queue, NotifyKey(userID, end.Add(-notifyLead))); err != nil {
			return err
		}
	}
	for _, domain := range []string{expireKeyDomain, notifyKeyDomain} {
		n, err := l.jobs.CancelByPrefix(ctx, Queue, scheduler.JobKey(domain, userID)+":")
		if err != nil {
			return err
		}
		if n > 0 {
			l.log.Debug("swept stale subscription jobs", slog.Int64("user_id", userID), slog.String("domain", domain), slog.Int("count", n))
		}
	}
	return nil
}

func (l *Lifecycle) scheduleExpire(ctx context.Context, userID int64, endsAt time.Time) (scheduler.JobHandle, error) {
	return l.jobs.ScheduleAt(ctx, Queue, JobExpire, ExpirePayload{UserID: userID}, endsAt, ExpireKey(userID, endsAt),
		scheduler.Options{Attempts: l.expireAttempts})
}

func (l *Lifecycle) scheduleNotify(ctx context.Context, userID int64, endsAt time.Time) error {
	notifyAt := endsAt.Add(-notifyLead)
	if !notifyAt.After(l.now()) {
		return nil
	}
	_, err := l.jobs.ScheduleAt(ctx, Queue, JobNotifyBeforeExpire, NotifyPayload{UserID: userID, ExpireAt: endsAt}, notifyAt,
		NotifyKey(userID, notifyAt), scheduler.Options{RemoveOnComplete: true})
	return err
}
