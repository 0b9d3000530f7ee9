package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot-backend/internal/models"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestQueue(t *testing.T, opts ...Option) (*RedisQueue, *testClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewRedisQueue(client, opts...), clock, mr
}

func TestAddAndGetJob(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newTestQueue(t)

	job, err := q.Add(ctx, "subscriptions", "expire", map[string]int64{"user_id": 7}, AddOptions{JobID: "user:expire:7:1", Attempts: 3})
	require.NoError(t, err)
	assert.Equal(t, models.StateWaiting, job.State)

	got, found, err := q.GetJob(ctx, "subscriptions", "user:expire:7:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "expire", got.Name)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.JSONEq(t, `{"user_id":7}`, string(got.Payload))
	assert.Equal(t, clock.now.UnixMilli(), got.CreatedAt.UnixMilli())

	_, found, err = q.GetJob(ctx, "subscriptions", "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAddDuplicateIDIsNoop(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	_, err := q.Add(ctx, "q", "first", "a", AddOptions{JobID: "k"})
	require.NoError(t, err)
	again, err := q.Add(ctx, "q", "second", "b", AddOptions{JobID: "k", Delay: time.Hour})
	require.NoError(t, err)

	assert.Equal(t, "first", again.Name)
	counts, err := q.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, models.JobCounts{Waiting: 1}, counts)
}

func TestDelayedJobsArePromotedWhenDue(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newTestQueue(t)

	_, err := q.Add(ctx, "q", "later", nil, AddOptions{JobID: "d", Delay: time.Minute})
	require.NoError(t, err)

	n, err := q.PromoteDue(ctx, "q", clock.now.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.PromoteDue(ctx, "q", clock.now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, found, err := q.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "d", job.ID)
	assert.Equal(t, models.StateActive, job.State)
	assert.Equal(t, 1, job.Attempts)
}

func TestDequeueIsFIFO(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	for i := 0; i < 3; i++ {
		_, err := q.Add(ctx, "broadcast", "batch", i, AddOptions{JobID: fmt.Sprintf("j%d", i)})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		job, found, err := q.Dequeue(ctx, "broadcast")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, fmt.Sprintf("j%d", i), job.ID)
	}
	_, found, err := q.Dequeue(ctx, "broadcast")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCompleteHonoursRemoveOnComplete(t *testing.T) {
	ctx := context.Background()
	q, _, mr := newTestQueue(t)

	_, err := q.Add(ctx, "q", "keep", nil, AddOptions{JobID: "keep"})
	require.NoError(t, err)
	_, err = q.Add(ctx, "q", "drop", nil, AddOptions{JobID: "drop", RemoveOnComplete: true})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		job, _, err := q.Dequeue(ctx, "q")
		require.NoError(t, err)
		require.NoError(t, q.AppendLog(ctx, "q", job.ID, "done"))
		require.NoError(t, q.Complete(ctx, "q", job.ID, map[string]int{"sent": 1}))
	}

	kept, found, err := q.GetJob(ctx, "q", "keep")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.StateCompleted, kept.State)
	assert.JSONEq(t, `{"sent":1}`, string(kept.Result))

	_, found, err = q.GetJob(ctx, "q", "drop")
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, mr.Exists("bq:q:logs:drop"))

	counts, err := q.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, models.JobCounts{Completed: 1}, counts)
}

func TestRetryAndFail(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newTestQueue(t)

	_, err := q.Add(ctx, "q", "flaky", nil, AddOptions{JobID: "f", Attempts: 2})
	require.NoError(t, err)
	job, _, err := q.Dequeue(ctx, "q")
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, "q", job.ID, "timeout", clock.now.Add(time.Second)))
	got, _, err := q.GetJob(ctx, "q", "f")
	require.NoError(t, err)
	assert.Equal(t, models.StateDelayed, got.State)
	assert.Equal(t, "timeout", got.LastError)

	_, err = q.PromoteDue(ctx, "q", clock.now.Add(time.Second), 10)
	require.NoError(t, err)
	job, _, err = q.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)

	require.NoError(t, q.Fail(ctx, "q", job.ID, "still broken"))
	ids, err := q.FailedIDs(ctx, "q", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"f"}, ids)

	counts, err := q.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, models.JobCounts{Failed: 1}, counts)
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newTestQueue(t, WithVisibility(10*time.Second))

	_, err := q.Add(ctx, "q", "slow", nil, AddOptions{JobID: "s"})
	require.NoError(t, err)
	_, _, err = q.Dequeue(ctx, "q")
	require.NoError(t, err)

	ids, err := q.RequeueExpired(ctx, "q", clock.now.Add(5*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = q.RequeueExpired(ctx, "q", clock.now.Add(11*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"s"}, ids)

	counts, err := q.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, models.JobCounts{Waiting: 1}, counts)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	removed, err := q.Remove(ctx, "q", "nope")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = q.Add(ctx, "q", "later", nil, AddOptions{JobID: "timeout:c1", Delay: time.Hour})
	require.NoError(t, err)
	removed, err = q.Remove(ctx, "q", "timeout:c1")
	require.NoError(t, err)
	assert.True(t, removed)

	counts, err := q.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, models.JobCounts{}, counts)
}

func TestRemoveByPrefix(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	for _, id := range []string{"user:expire:7:1", "user:expire:7:2", "user:expire:71:1", "user:notify:expire:7:1"} {
		_, err := q.Add(ctx, "subscriptions", "expire", nil, AddOptions{JobID: id, Delay: time.Hour})
		require.NoError(t, err)
	}

	n, err := q.RemoveByPrefix(ctx, "subscriptions", "user:expire:7:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := q.Counts(ctx, "subscriptions")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Delayed)
}

func TestAppendLogKeepsNewestLines(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, WithLogLimit(3))

	for i := 0; i < 5; i++ {
		require.NoError(t, q.AppendLog(ctx, "q", "j", fmt.Sprintf("line %d", i)))
	}
	lines, err := q.Logs(ctx, "q", "j")
	require.NoError(t, err)
	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, lines)
}

func TestBrokerDownWrapsSentinel(t *testing.T) {
	q, _, mr := newTestQueue(t)
	mr.Close()

	_, err := q.Counts(context.Background(), "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrBrokerUnavailable)
}
