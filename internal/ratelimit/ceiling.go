package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ceiling is a global send-rate limit shared by every worker through one Redis bucket.
type Ceiling struct {
	bucket *TokenBucket
	key    string
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewCeiling allows ratePerSecond operations per second across all callers sharing key.
func NewCeiling(client redis.UniversalClient, key string, ratePerSecond float64, opts ...BucketOption) *Ceiling {
	capacity := int(math.Max(1, math.Floor(ratePerSecond)))
	return &Ceiling{
		bucket: NewTokenBucket(client, capacity, ratePerSecond, time.Minute, opts...),
		key:    key,
		sleep:  SleepContext,
	}
}

// Wait blocks until a token is taken or ctx is done.
func (c *Ceiling) Wait(ctx context.Context) error {
	for {
		allowed, tokens, err := c.bucket.Allow(ctx, c.key)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		delay := c.bucket.RefillDelay(tokens)
		if delay < time.Millisecond {
			delay = time.Millisecond
		}
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// SleepContext sleeps for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
