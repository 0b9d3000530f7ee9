package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"bot-backend/internal/telemetry"
)

const maxBlocked = 4096

// Throttle is per-actor admission control. Once an actor exhausts its bucket it
// is blocked in memory for one window, so bursts do not reach Redis.
type Throttle struct {
	bucket *TokenBucket
	prefix string
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	blocked map[string]time.Time
}

// NewThrottle allows points requests per window for each actor key.
func NewThrottle(client redis.UniversalClient, points int, window time.Duration, opts ...BucketOption) *Throttle {
	refill := float64(points) / window.Seconds()
	bucket := NewTokenBucket(client, points, refill, 2*window, opts...)
	return &Throttle{
		bucket:  bucket,
		prefix:  "rate:actor:",
		window:  window,
		now:     bucket.now,
		blocked: make(map[string]time.Time),
	}
}

// Allow reports whether the actor may proceed. Rejection is not an error.
func (t *Throttle) Allow(ctx context.Context, actorKey string) (bool, error) {
	now := t.now()
	if t.isBlocked(actorKey, now) {
		telemetry.ThrottleReject.Inc()
		return false, nil
	}

	allowed, _, err := t.bucket.Allow(ctx, t.prefix+actorKey)
	if err != nil {
		return false, err
	}
	if !allowed {
		t.block(actorKey, now.Add(t.window))
		telemetry.ThrottleReject.Inc()
	}
	return allowed, nil
}

func (t *Throttle) isBlocked(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.blocked[key]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(t.blocked, key)
	return false
}

func (t *Throttle) block(key string, until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.blocked) >= maxBlocked {
		now := t.now()
		for k, u := range t.blocked {
			if !now.Before(u) {
				delete(t.blocked, k)
			}
		}
	}
	t.blocked[key] = until
}
