package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot-backend/internal/kv"
	"bot-backend/internal/logger"
	"bot-backend/internal/models"
)

func newTestLock(t *testing.T) (*Lock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(kv.New(client), logger.Discard()), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLock(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Acquire(ctx, "user:purchase:lock:1:BASIC", 30*time.Second)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, granted)
}

func TestAcquireExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLock(t)

	ok, err := l.Acquire(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)
	ok, err = l.Acquire(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseWithoutAcquire(t *testing.T) {
	l, _ := newTestLock(t)
	assert.NoError(t, l.Release(context.Background(), "never-acquired"))
}

func TestDoReleasesOnEveryPath(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLock(t)

	ran, err := l.Do(ctx, "ok", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("ok"))

	boom := errors.New("business failure")
	ran, err = l.Do(ctx, "fail", time.Minute, func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("fail"))

	assert.Panics(t, func() {
		_, _ = l.Do(ctx, "panic", time.Minute, func(context.Context) error { panic("boom") })
	})
	assert.False(t, mr.Exists("panic"))
}

func TestDoSkipsWhenHeld(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLock(t)

	ok, err := l.Acquire(ctx, "held", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	called := false
	ran, err := l.Do(ctx, "held", time.Minute, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.False(t, called)
	assert.True(t, mr.Exists("held"), "a skipped Do must not release someone else's lock")
}

func TestAcquireBrokerDown(t *testing.T) {
	l, mr := newTestLock(t)
	mr.Close()

	ok, err := l.Acquire(context.Background(), "k", time.Second)
	assert.False(t, ok)
	assert.True(t, models.IsRetryable(err))
}
