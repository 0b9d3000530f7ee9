package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"bot-backend/internal/models"
)

const (
	defaultAttempts   = 1
	defaultLogLimit   = 200
	defaultVisibility = 30 * time.Second
	scanBatch         = 200
)

// AddOptions tune a single job.
type AddOptions struct {
	// JobID makes the job addressable by a deterministic key. Empty means a random id.
	JobID            string
	Delay            time.Duration
	Attempts         int
	Backoff          time.Duration
	RemoveOnComplete bool
}

// RedisQueue is a durable job broker over Redis. Every queue owns a wait list,
// a delayed set scored by run time, an active set scored by lease deadline,
// completed and failed sets, and one hash per job.
type RedisQueue struct {
	client        redis.UniversalClient
	prefix        string
	visibilityTTL time.Duration
	logLimit      int64
	now           func() time.Time
}

// Option configures a RedisQueue.
type Option func(*RedisQueue)

// WithVisibility sets how long a dequeued job stays leased before it is reclaimed.
func WithVisibility(d time.Duration) Option {
	return func(q *RedisQueue) {
		if d > 0 {
			q.visibilityTTL = d
		}
	}
}

// WithLogLimit caps the number of log lines kept per job.
func WithLogLimit(n int) Option {
	return func(q *RedisQueue) {
		if n > 0 {
			q.logLimit = int64(n)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) { q.now = now }
}

// NewRedisQueue builds a broker on an existing client.
func NewRedisQueue(client redis.UniversalClient, opts ...Option) *RedisQueue {
	q := &RedisQueue{
		client:        client,
		prefix:        "bq",
		visibilityTTL: defaultVisibility,
		logLimit:      defaultLogLimit,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) key(queue, part string) string {
	return fmt.Sprintf("%s:%s:%s", q.prefix, queue, part)
}

func (q *RedisQueue) jobPrefix(queue string) string {
	return q.key(queue, "job") + ":"
}

func (q *RedisQueue) jobKey(queue, id string) string {
	return q.jobPrefix(queue) + id
}

func (q *RedisQueue) logKey(queue, id string) string {
	return q.key(queue, "logs") + ":" + id
}

// Add stores a job and makes it runnable now or after opts.Delay. Adding with an
// id that already exists is a no-op that returns the stored job.
func (q *RedisQueue) Add(ctx context.Context, queue, name string, payload any, opts AddOptions) (models.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("encode payload: %w", err)
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	delay := opts.Delay
	if delay < 0 {
		delay = 0
	}
	now := q.now()
	runAt := now.Add(delay)

	roc := "0"
	if opts.RemoveOnComplete {
		roc = "1"
	}
	keys := []string{q.jobKey(queue, id), q.key(queue, "wait"), q.key(queue, "delayed")}
	created, err := addScript.Run(ctx, q.client, keys,
		id, name, string(raw), attempts, opts.Backoff.Milliseconds(), roc, now.UnixMilli(), runAt.UnixMilli(),
	).Int()
	if err != nil {
		return models.Job{}, brokerErr("add", err)
	}
	if created == 0 {
		job, _, err := q.GetJob(ctx, queue, id)
		return job, err
	}

	state := models.StateWaiting
	if delay > 0 {
		state = models.StateDelayed
	}
	return models.Job{
		ID:               id,
		Queue:            queue,
		Name:             name,
		Payload:          raw,
		State:            state,
		MaxAttempts:      attempts,
		Backoff:          opts.Backoff,
		RemoveOnComplete: opts.RemoveOnComplete,
		RunAt:            time.UnixMilli(runAt.UnixMilli()),
		CreatedAt:        time.UnixMilli(now.UnixMilli()),
	}, nil
}

// GetJob loads a job by id. The bool is false when no such job exists.
func (q *RedisQueue) GetJob(ctx context.Context, queue, id string) (models.Job, bool, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(queue, id)).Result()
	if err != nil {
		return models.Job{}, false, brokerErr("get job", err)
	}
	if len(fields) == 0 {
		return models.Job{}, false, nil
	}
	return decodeJob(queue, id, fields), true, nil
}

// Remove deletes a job from every structure of the queue. Absent jobs return false.
func (q *RedisQueue) Remove(ctx context.Context, queue, id string) (bool, error) {
	keys := []string{
		q.jobKey(queue, id),
		q.key(queue, "wait"),
		q.key(queue, "delayed"),
		q.key(queue, "active"),
		q.key(queue, "completed"),
		q.key(queue, "failed"),
		q.logKey(queue, id),
	}
	n, err := removeScript.Run(ctx, q.client, keys, id).Int()
	if err != nil {
		return false, brokerErr("remove", err)
	}
	return n == 1, nil
}

// RemoveByPrefix removes every job whose id starts with prefix.
func (q *RedisQueue) RemoveByPrefix(ctx context.Context, queue, prefix string) (int, error) {
	jobPrefix := q.jobPrefix(queue)
	match := jobPrefix + escapeGlob(prefix) + "*"

	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := q.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return removed, brokerErr("scan", err)
		}
		for _, k := range keys {
			ok, err := q.Remove(ctx, queue, strings.TrimPrefix(k, jobPrefix))
			if err != nil {
				return removed, err
			}
			if ok {
				removed++
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Counts reports how many jobs sit in each state.
func (q *RedisQueue) Counts(ctx context.Context, queue string) (models.JobCounts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.key(queue, "wait"))
	active := pipe.ZCard(ctx, q.key(queue, "active"))
	delayed := pipe.ZCard(ctx, q.key(queue, "delayed"))
	completed := pipe.ZCard(ctx, q.key(queue, "completed"))
	failed := pipe.ZCard(ctx, q.key(queue, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.JobCounts{}, brokerErr("counts", err)
	}
	return models.JobCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// PromoteDue moves delayed jobs whose run time has passed onto the wait list.
func (q *RedisQueue) PromoteDue(ctx context.Context, queue string, now time.Time, limit int) (int, error) {
	keys := []string{q.key(queue, "delayed"), q.key(queue, "wait")}
	n, err := promoteScript.Run(ctx, q.client, keys, now.UnixMilli(), limit, q.jobPrefix(queue)).Int()
	if err != nil {
		return 0, brokerErr("promote", err)
	}
	return n, nil
}

// Dequeue pops the oldest waiting job and leases it for the visibility timeout.
// The bool is false when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context, queue string) (models.Job, bool, error) {
	keys := []string{q.key(queue, "wait"), q.key(queue, "active")}
	deadline := q.now().Add(q.visibilityTTL).UnixMilli()
	id, err := dequeueScript.Run(ctx, q.client, keys, deadline, q.jobPrefix(queue)).Text()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, brokerErr("dequeue", err)
	}
	return q.GetJob(ctx, queue, id)
}

// ExtendLease pushes the visibility deadline forward for an active job.
func (q *RedisQueue) ExtendLease(ctx context.Context, queue, id string, extension time.Duration) error {
	err := q.client.ZAddXX(ctx, q.key(queue, "active"), redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
	if err != nil {
		return brokerErr("extend lease", err)
	}
	return nil
}

// Complete records a successful run. Jobs added with RemoveOnComplete are deleted.
func (q *RedisQueue) Complete(ctx context.Context, queue, id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	keys := []string{q.jobKey(queue, id), q.key(queue, "active"), q.key(queue, "completed"), q.logKey(queue, id)}
	if err := completeScript.Run(ctx, q.client, keys, id, string(raw), q.now().UnixMilli()).Err(); err != nil {
		return brokerErr("complete", err)
	}
	return nil
}

// Retry releases the lease and schedules the job to run again at runAt.
func (q *RedisQueue) Retry(ctx context.Context, queue, id, reason string, runAt time.Time) error {
	keys := []string{q.jobKey(queue, id), q.key(queue, "active"), q.key(queue, "delayed")}
	if err := retryScript.Run(ctx, q.client, keys, id, reason, runAt.UnixMilli()).Err(); err != nil {
		return brokerErr("retry", err)
	}
	return nil
}

// Fail moves the job to the failed set for operational inspection.
func (q *RedisQueue) Fail(ctx context.Context, queue, id, reason string) error {
	keys := []string{q.jobKey(queue, id), q.key(queue, "active"), q.key(queue, "failed")}
	if err := failScript.Run(ctx, q.client, keys, id, reason, q.now().UnixMilli()).Err(); err != nil {
		return brokerErr("fail", err)
	}
	return nil
}

// FailedIDs reads the most recently failed job ids.
func (q *RedisQueue) FailedIDs(ctx context.Context, queue string, count int64) ([]string, error) {
	ids, err := q.client.ZRevRange(ctx, q.key(queue, "failed"), 0, count-1).Result()
	if err != nil {
		return nil, brokerErr("failed ids", err)
	}
	return ids, nil
}

// RequeueExpired reclaims leases that timed out, putting the jobs back on the wait list.
func (q *RedisQueue) RequeueExpired(ctx context.Context, queue string, now time.Time, limit int) ([]string, error) {
	keys := []string{q.key(queue, "active"), q.key(queue, "wait")}
	ids, err := requeueScript.Run(ctx, q.client, keys, now.UnixMilli(), limit, q.jobPrefix(queue)).StringSlice()
	if err != nil {
		return nil, brokerErr("requeue expired", err)
	}
	return ids, nil
}

// AppendLog adds a progress line to the job log, keeping the newest lines only.
func (q *RedisQueue) AppendLog(ctx context.Context, queue, id, line string) error {
	key := q.logKey(queue, id)
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, key, line)
	pipe.LTrim(ctx, key, -q.logLimit, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return brokerErr("append log", err)
	}
	return nil
}

// Logs returns the job log lines, oldest first.
func (q *RedisQueue) Logs(ctx context.Context, queue, id string) ([]string, error) {
	lines, err := q.client.LRange(ctx, q.logKey(queue, id), 0, -1).Result()
	if err != nil {
		return nil, brokerErr("logs", err)
	}
	return lines, nil
}

func decodeJob(queue, id string, f map[string]string) models.Job {
	job := models.Job{
		ID:               id,
		Queue:            queue,
		Name:             f["name"],
		State:            f["state"],
		Attempts:         atoi(f["attempts"]),
		MaxAttempts:      atoi(f["max_attempts"]),
		Backoff:          time.Duration(atoi(f["backoff_ms"])) * time.Millisecond,
		RemoveOnComplete: f["remove_on_complete"] == "1",
		RunAt:            millis(f["run_at"]),
		CreatedAt:        millis(f["created_at"]),
		FinishedAt:       millis(f["finished_at"]),
		LastError:        f["last_error"],
	}
	if p := f["payload"]; p != "" {
		job.Payload = json.RawMessage(p)
	}
	if r := f["result"]; r != "" {
		job.Result = json.RawMessage(r)
	}
	return job
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func brokerErr(op string, err error) error {
	return fmt.Errorf("queue %s: %w: %w", op, models.ErrBrokerUnavailable, err)
}

var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local state = 'waiting'
if tonumber(ARGV[8]) > tonumber(ARGV[7]) then
  state = 'delayed'
  redis.call('ZADD', KEYS[3], ARGV[8], ARGV[1])
else
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
redis.call('HSET', KEYS[1],
  'name', ARGV[2], 'payload', ARGV[3], 'state', state, 'attempts', 0,
  'max_attempts', ARGV[4], 'backoff_ms', ARGV[5], 'remove_on_complete', ARGV[6],
  'created_at', ARGV[7], 'run_at', ARGV[8])
return 1
`)

var removeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('ZREM', KEYS[6], ARGV[1])
redis.call('DEL', KEYS[1], KEYS[7])
return 1
`)

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
  redis.call('HSET', ARGV[3] .. id, 'state', 'waiting')
end
return #ids
`)

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
while id do
  local job = ARGV[2] .. id
  if redis.call('EXISTS', job) == 1 then
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    redis.call('HSET', job, 'state', 'active')
    redis.call('HINCRBY', job, 'attempts', 1)
    return id
  end
  id = redis.call('LPOP', KEYS[1])
end
return nil
`)

var completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
if redis.call('HGET', KEYS[1], 'remove_on_complete') == '1' then
  redis.call('DEL', KEYS[1], KEYS[4])
  return 1
end
redis.call('HSET', KEYS[1], 'state', 'completed', 'result', ARGV[2], 'finished_at', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

var retryScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'delayed', 'last_error', ARGV[2], 'run_at', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

var failScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'failed', 'last_error', ARGV[2], 'finished_at', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
  redis.call('HSET', ARGV[3] .. id, 'state', 'waiting')
end
return ids
`)
