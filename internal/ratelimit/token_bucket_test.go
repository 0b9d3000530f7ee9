package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	client, _ := newClient(t)
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "actor")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "actor")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "actor")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	client, _ := newClient(t)
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	bucket := NewTokenBucket(client, 1, 2, time.Minute, WithBucketClock(clock.Now))

	if allowed, _, _ := bucket.Allow(ctx, "k"); !allowed {
		t.Fatalf("expected first token allowed")
	}
	allowed, tokens, err := bucket.Allow(ctx, "k")
	if err != nil || allowed {
		t.Fatalf("expected rejection got allowed=%v err=%v", allowed, err)
	}
	if d := bucket.RefillDelay(tokens); d != 500*time.Millisecond {
		t.Fatalf("expected 500ms refill delay, got %s", d)
	}

	clock.Advance(250 * time.Millisecond)
	allowed, tokens, _ = bucket.Allow(ctx, "k")
	if allowed || tokens != 0.5 {
		t.Fatalf("expected half a token, got allowed=%v tokens=%v", allowed, tokens)
	}

	clock.Advance(250 * time.Millisecond)
	if allowed, _, _ := bucket.Allow(ctx, "k"); !allowed {
		t.Fatalf("expected token after refill")
	}
}
