package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"bot-backend/internal/models"
)

const subscriptionColumns = `id, user_id, plan, status, starts_at, ends_at, amount, currency, is_trial, created_at`

func scanSubscription(row interface{ Scan(...any) error }) (models.Subscription, error) {
	var sub models.Subscription
	var plan, currency string
	if err := row.Scan(&sub.ID, &sub.UserID, &plan, &sub.Status, &sub.StartsAt, &sub.EndsAt, &sub.Amount, &currency, &sub.IsTrial, &sub.CreatedAt); err != nil {
		return models.Subscription{}, err
	}
	sub.Plan = models.Plan(plan)
	sub.Currency = models.Currency(currency)
	return sub, nil
}

// ActiveSubscription returns the active subscription ending last, if it ends
// after now.
func (s *Store) ActiveSubscription(ctx context.Context, userID int64, now time.Time) (models.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1 AND status = $2 AND ends_at >= $3
		ORDER BY ends_at DESC
		LIMIT 1
	`, userID, models.SubscriptionActive, now))
	if err != nil {
		return models.Subscription{}, notFound(err, "active subscription")
	}
	return sub, nil
}

// SubscriptionEndDates returns the end date of every subscription the user has had.
// Scheduled job keys embed these dates.
func (s *Store) SubscriptionEndDates(ctx context.Context, userID int64) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT ends_at FROM subscriptions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("query subscription end dates: %w", err)
	}
	defer rows.Close()

	var ends []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan end date: %w", err)
		}
		ends = append(ends, t)
	}
	return ends, rows.Err()
}

// ActivateSubscription inserts sub as ACTIVE and moves the user to its plan and
// allowance in one transaction. With cancelActive set, previously active
// subscriptions are cancelled first.
func (s *Store) ActivateSubscription(ctx context.Context, sub models.Subscription, cancelActive bool) (models.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	sub.Status = models.SubscriptionActive
	sub.CreatedAt = s.now().UTC()

	err := s.withTx(ctx, func(q querier) error {
		if cancelActive {
			if _, err := q.Exec(ctx, `
				UPDATE subscriptions SET status = $2 WHERE user_id = $1 AND status = $3
			`, sub.UserID, models.SubscriptionCanceled, models.SubscriptionActive); err != nil {
				return fmt.Errorf("cancel active subscriptions: %w", err)
			}
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, sub.ID, sub.UserID, string(sub.Plan), sub.Status, sub.StartsAt, sub.EndsAt, sub.Amount, string(sub.Currency), sub.IsTrial, sub.CreatedAt); err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		return setPlan(ctx, q, sub.UserID, sub.Plan, models.ReplicasFor(sub.Plan))
	})
	if err != nil {
		return models.Subscription{}, err
	}
	return sub, nil
}

// ExtendSubscription moves the end date of an active subscription.
func (s *Store) ExtendSubscription(ctx context.Context, id string, endsAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET ends_at = $2 WHERE id = $1 AND status = $3
	`, id, endsAt, models.SubscriptionActive)
	if err != nil {
		return fmt.Errorf("extend subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("extend subscription %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// CancelSubscriptions cancels every active subscription and drops the user to
// FREE with no remaining replies.
func (s *Store) CancelSubscriptions(ctx context.Context, userID int64) (int64, error) {
	var cancelled int64
	err := s.withTx(ctx, func(q querier) error {
		tag, err := q.Exec(ctx, `
			UPDATE subscriptions SET status = $2 WHERE user_id = $1 AND status = $3
		`, userID, models.SubscriptionCanceled, models.SubscriptionActive)
		if err != nil {
			return fmt.Errorf("cancel subscriptions: %w", err)
		}
		cancelled = tag.RowsAffected()
		return setPlan(ctx, q, userID, models.PlanFree, 0)
	})
	return cancelled, err
}

// ExpireSubscriptions marks active subscriptions ending at or before now as
// EXPIRED. The user is downgraded only when no active subscription ends after
// now. Otherwise the one ending last is returned and, when the user's plan
// differs from it (a trial over a paid plan ran out), its plan and allowance
// are restored in the same transaction.
func (s *Store) ExpireSubscriptions(ctx context.Context, userID int64, now time.Time) (bool, models.Subscription, error) {
	var (
		downgraded bool
		remaining  models.Subscription
	)
	err := s.withTx(ctx, func(q querier) error {
		if _, err := q.Exec(ctx, `
			UPDATE subscriptions SET status = $2
			WHERE user_id = $1 AND status = $3 AND ends_at <= $4
		`, userID, models.SubscriptionExpired, models.SubscriptionActive, now); err != nil {
			return fmt.Errorf("expire subscriptions: %w", err)
		}

		sub, err := scanSubscription(q.QueryRow(ctx, `
			SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1 AND status = $2 AND ends_at > $3
			ORDER BY ends_at DESC
			LIMIT 1
		`, userID, models.SubscriptionActive, now))
		if errors.Is(err, pgx.ErrNoRows) {
			downgraded = true
			return setPlan(ctx, q, userID, models.PlanFree, 0)
		}
		if err != nil {
			return fmt.Errorf("query remaining subscription: %w", err)
		}
		remaining = sub
		if _, err := q.Exec(ctx, `
			UPDATE users SET plan = $2, replicas = $3 WHERE id = $1 AND plan <> $2
		`, userID, string(sub.Plan), models.ReplicasFor(sub.Plan)); err != nil {
			return fmt.Errorf("restore plan: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, models.Subscription{}, err
	}
	return downgraded, remaining, nil
}
