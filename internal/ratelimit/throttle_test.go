package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot-backend/internal/models"
)

func TestThrottleRejectsAfterPoints(t *testing.T) {
	ctx := context.Background()
	client, _ := newClient(t)
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	th := NewThrottle(client, 2, time.Second, WithBucketClock(clock.Now))

	for i := 0; i < 2; i++ {
		ok, err := th.Allow(ctx, "42")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := th.Allow(ctx, "42")
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := th.Allow(ctx, "43")
	require.NoError(t, err)
	assert.True(t, other, "actors are limited independently")

	clock.Advance(time.Second)
	ok, err = th.Allow(ctx, "42")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestThrottleBlockSkipsRedis(t *testing.T) {
	ctx := context.Background()
	client, mr := newClient(t)
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	th := NewThrottle(client, 1, time.Second, WithBucketClock(clock.Now))

	ok, _ := th.Allow(ctx, "7")
	require.True(t, ok)
	ok, _ = th.Allow(ctx, "7")
	require.False(t, ok)

	mr.Close()

	clock.Advance(500 * time.Millisecond)
	ok, err := th.Allow(ctx, "7")
	require.NoError(t, err, "blocked actors are answered from memory")
	assert.False(t, ok)

	clock.Advance(600 * time.Millisecond)
	_, err = th.Allow(ctx, "7")
	require.Error(t, err)
	assert.True(t, models.IsRetryable(err))
}
