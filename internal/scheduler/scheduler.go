package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bot-backend/internal/models"
	"bot-backend/internal/queue"
	"bot-backend/internal/telemetry"
)

// Broker is the subset of the job broker the scheduler needs.
type Broker interface {
	Add(ctx context.Context, queue, name string, payload any, opts queue.AddOptions) (models.Job, error)
	GetJob(ctx context.Context, queue, id string) (models.Job, bool, error)
	Remove(ctx context.Context, queue, id string) (bool, error)
	RemoveByPrefix(ctx context.Context, queue, prefix string) (int, error)
	Counts(ctx context.Context, queue string) (models.JobCounts, error)
}

// Options are per-job execution settings.
type Options struct {
	Attempts         int
	Backoff          time.Duration
	RemoveOnComplete bool
}

// JobHandle identifies an accepted job.
type JobHandle struct {
	ID    string    `json:"id"`
	Queue string    `json:"queue"`
	Name  string    `json:"name"`
	RunAt time.Time `json:"run_at"`
}

// Scheduler adds immediate and keyed delayed jobs. It never retries; broker
// failures come back as *models.RetryableError for the caller to handle.
type Scheduler struct {
	broker Broker
	log    *slog.Logger
	now    func() time.Time
}

type Option func(*Scheduler)

// WithClock overrides the time source used to compute delays.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(broker Broker, log *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{broker: broker, log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// JobKey builds a deterministic job key such as "user:expire:42:1700000000000".
func JobKey(parts ...any) string {
	ss := make([]string, len(parts))
	for i, p := range parts {
		ss[i] = fmt.Sprint(p)
	}
	return strings.Join(ss, ":")
}

// Enqueue adds a job that runs as soon as a worker is free.
func (s *Scheduler) Enqueue(ctx context.Context, queueName, name string, payload any, opts Options) (JobHandle, error) {
	job, err := s.broker.Add(ctx, queueName, name, payload, queue.AddOptions{
		Attempts:         opts.Attempts,
		Backoff:          opts.Backoff,
		RemoveOnComplete: opts.RemoveOnComplete,
	})
	if err != nil {
		return JobHandle{}, infraErr("enqueue "+name, err)
	}
	telemetry.JobsEnqueued.WithLabelValues(queueName, name).Inc()
	return handle(job), nil
}

// ScheduleAt runs a job at runAt under key. Any job already stored under key is
// removed first so at most one job per key is pending.
func (s *Scheduler) ScheduleAt(ctx context.Context, queueName, name string, payload any, runAt time.Time, key string, opts Options) (JobHandle, error) {
	if key == "" {
		return JobHandle{}, fmt.Errorf("schedule %s: empty job key: %w", name, models.ErrInvalidArgument)
	}
	replaced, err := s.broker.Remove(ctx, queueName, key)
	if err != nil {
		return JobHandle{}, infraErr("replace "+key, err)
	}

	delay := runAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	job, err := s.broker.Add(ctx, queueName, name, payload, queue.AddOptions{
		JobID:            key,
		Delay:            delay,
		Attempts:         opts.Attempts,
		Backoff:          opts.Backoff,
		RemoveOnComplete: opts.RemoveOnComplete,
	})
	if err != nil {
		return JobHandle{}, infraErr("schedule "+key, err)
	}

	telemetry.JobsScheduled.WithLabelValues(queueName, name).Inc()
	s.log.Debug("job scheduled",
		slog.String("queue", queueName),
		slog.String("key", key),
		slog.Time("run_at", runAt),
		slog.Bool("replaced", replaced),
	)
	return handle(job), nil
}

// Cancel removes the job stored under key. A missing job is not an error.
func (s *Scheduler) Cancel(ctx context.Context, queueName, key string) (bool, error) {
	removed, err := s.broker.Remove(ctx, queueName, key)
	if err != nil {
		return false, infraErr("cancel "+key, err)
	}
	if removed {
		telemetry.JobsCancelled.WithLabelValues(queueName).Inc()
	}
	return removed, nil
}

// CancelByPrefix removes every job whose key starts with prefix.
func (s *Scheduler) CancelByPrefix(ctx context.Context, queueName, prefix string) (int, error) {
	if prefix == "" {
		return 0, fmt.Errorf("cancel by prefix: empty prefix: %w", models.ErrInvalidArgument)
	}
	n, err := s.broker.RemoveByPrefix(ctx, queueName, prefix)
	if err != nil {
		return n, infraErr("cancel prefix "+prefix, err)
	}
	if n > 0 {
		telemetry.JobsCancelled.WithLabelValues(queueName).Add(float64(n))
	}
	return n, nil
}

// Lookup returns the job stored under key, if any.
func (s *Scheduler) Lookup(ctx context.Context, queueName, key string) (models.Job, bool, error) {
	job, found, err := s.broker.GetJob(ctx, queueName, key)
	if err != nil {
		return models.Job{}, false, infraErr("lookup "+key, err)
	}
	return job, found, nil
}

// Counts is for observability only.
func (s *Scheduler) Counts(ctx context.Context, queueName string) (models.JobCounts, error) {
	counts, err := s.broker.Counts(ctx, queueName)
	if err != nil {
		return models.JobCounts{}, infraErr("counts "+queueName, err)
	}
	return counts, nil
}

func handle(job models.Job) JobHandle {
	return JobHandle{ID: job.ID, Queue: job.Queue, Name: job.Name, RunAt: job.RunAt}
}

func infraErr(op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, models.ErrBrokerUnavailable) {
		return models.NewRetryableError(err)
	}
	return err
}
