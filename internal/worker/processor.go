package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"bot-backend/internal/config"
	"bot-backend/internal/models"
	"bot-backend/internal/telemetry"
)

// Broker is the consumer side of the job broker.
type Broker interface {
	PromoteDue(ctx context.Context, queue string, now time.Time, limit int) (int, error)
	Dequeue(ctx context.Context, queue string) (models.Job, bool, error)
	ExtendLease(ctx context.Context, queue, id string, extension time.Duration) error
	Complete(ctx context.Context, queue, id string, result any) error
	Retry(ctx context.Context, queue, id, reason string, runAt time.Time) error
	Fail(ctx context.Context, queue, id, reason string) error
	RequeueExpired(ctx context.Context, queue string, now time.Time, limit int) ([]string, error)
	AppendLog(ctx context.Context, queue, id, line string) error
	Counts(ctx context.Context, queue string) (models.JobCounts, error)
}

// Handler executes one job and returns a JSON-encodable result.
type Handler func(ctx context.Context, job *Job) (any, error)

// Job is the handler's view of a leased job.
type Job struct {
	models.Job
	broker Broker
}

// Decode unmarshals the payload into dst. Malformed payloads are not retried.
func (j *Job) Decode(dst any) error {
	if err := json.Unmarshal(j.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w: %w", j.Name, models.ErrInvalidPayload, err)
	}
	return nil
}

// Log appends a progress line to the job log.
func (j *Job) Log(ctx context.Context, format string, args ...any) error {
	return j.broker.AppendLog(ctx, j.Queue, j.ID, fmt.Sprintf(format, args...))
}

// ExtendLease keeps a long-running job from being reclaimed.
func (j *Job) ExtendLease(ctx context.Context, d time.Duration) error {
	return j.broker.ExtendLease(ctx, j.Queue, j.ID, d)
}

type queueState struct {
	concurrency int
	handlers    map[string]Handler
}

// Processor drives per-queue worker pools.
type Processor struct {
	cfg      config.Config
	broker   Broker
	log      *slog.Logger
	workerID string

	mu     sync.Mutex
	queues map[string]*queueState
	wg     sync.WaitGroup
}

func NewProcessor(cfg config.Config, broker Broker, log *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, broker, log, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, broker Broker, log *slog.Logger, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		broker:   broker,
		log:      log.With(slog.String("worker_id", workerID)),
		workerID: workerID,
		queues:   make(map[string]*queueState),
	}
}

// RegisterHandler binds a handler to a job name on a queue.
func (p *Processor) RegisterHandler(queue, name string, handler Handler) {
	if queue == "" || name == "" || handler == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state(queue).handlers[name] = handler
}

// SetConcurrency caps how many jobs of queue run at once. Defaults to 1.
func (p *Processor) SetConcurrency(queue string, n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state(queue).concurrency = n
}

func (p *Processor) state(queue string) *queueState {
	qs, ok := p.queues[queue]
	if !ok {
		qs = &queueState{concurrency: 1, handlers: make(map[string]Handler)}
		p.queues[queue] = qs
	}
	return qs
}

// Run starts maintenance and worker goroutines for every registered queue and
// blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	queues := make(map[string]int, len(p.queues))
	for name, qs := range p.queues {
		queues[name] = qs.concurrency
	}
	p.mu.Unlock()

	for name, concurrency := range queues {
		p.wg.Add(1)
		go p.maintainLoop(ctx, name)
		p.spawnWorkerPool(ctx, name, concurrency)
	}

	<-ctx.Done()
	p.wg.Wait()
	return ctx.Err()
}

func (p *Processor) spawnWorkerPool(ctx context.Context, queue string, concurrency int) {
	p.log.Info("spawning worker pool", slog.String("queue", queue), slog.Int("concurrency", concurrency))
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, queue)
	}
}

func (p *Processor) workerLoop(ctx context.Context, queue string) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.ProcessNext(ctx, queue)
		if err != nil && ctx.Err() == nil {
			p.log.Warn("dequeue failed", slog.String("queue", queue), slog.Any("error", err))
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.WorkerPollInterval):
			}
		}
	}
}

// maintainLoop promotes due delayed jobs, reclaims expired leases and samples depth.
func (p *Processor) maintainLoop(ctx context.Context, queue string) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		p.maintain(ctx, queue, time.Now())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Processor) maintain(ctx context.Context, queue string, now time.Time) {
	if _, err := p.broker.PromoteDue(ctx, queue, now, p.cfg.ScheduledBatchSize); err != nil && ctx.Err() == nil {
		p.log.Warn("promote due jobs", slog.String("queue", queue), slog.Any("error", err))
	}
	reclaimed, err := p.broker.RequeueExpired(ctx, queue, now, p.cfg.ScheduledBatchSize)
	if err != nil && ctx.Err() == nil {
		p.log.Warn("requeue expired leases", slog.String("queue", queue), slog.Any("error", err))
	}
	if len(reclaimed) > 0 {
		telemetry.JobsReclaimed.WithLabelValues(queue).Add(float64(len(reclaimed)))
		p.log.Warn("reclaimed expired leases", slog.String("queue", queue), slog.Int("count", len(reclaimed)))
	}
	if counts, err := p.broker.Counts(ctx, queue); err == nil {
		telemetry.QueueDepth.WithLabelValues(queue, models.StateWaiting).Set(float64(counts.Waiting))
		telemetry.QueueDepth.WithLabelValues(queue, models.StateActive).Set(float64(counts.Active))
		telemetry.QueueDepth.WithLabelValues(queue, models.StateDelayed).Set(float64(counts.Delayed))
		telemetry.QueueDepth.WithLabelValues(queue, models.StateFailed).Set(float64(counts.Failed))
	}
}

// ProcessNext leases and runs one job from queue. It reports whether a job was found.
func (p *Processor) ProcessNext(ctx context.Context, queue string) (bool, error) {
	job, found, err := p.broker.Dequeue(ctx, queue)
	if err != nil || !found {
		return false, err
	}

	telemetry.InFlight.WithLabelValues(queue).Inc()
	defer telemetry.InFlight.WithLabelValues(queue).Dec()

	log := p.log.With(slog.String("queue", queue), slog.String("job_id", job.ID), slog.String("job", job.Name))
	result, runErr := p.runJob(ctx, queue, &Job{Job: job, broker: p.broker})
	if runErr == nil {
		if err := p.broker.Complete(ctx, queue, job.ID, result); err != nil {
			log.Error("complete job", slog.Any("error", err))
			return true, nil
		}
		telemetry.JobsCompleted.WithLabelValues(queue).Inc()
		log.Debug("job completed")
		return true, nil
	}

	if job.Attempts < job.MaxAttempts && !errors.Is(runErr, models.ErrInvalidPayload) {
		base := job.Backoff
		if base <= 0 {
			base = p.cfg.BackoffInitial
		}
		nextRun := time.Now().Add(backoffWithJitter(base, p.cfg.BackoffMax, job.Attempts))
		if err := p.broker.Retry(ctx, queue, job.ID, runErr.Error(), nextRun); err != nil {
			log.Error("schedule retry", slog.Any("error", err))
		}
		telemetry.JobsFailed.WithLabelValues(queue, "retry").Inc()
		log.Warn("job failed, retry scheduled",
			slog.Int("attempts", job.Attempts),
			slog.Time("next_run", nextRun),
			slog.Any("error", runErr),
		)
		return true, nil
	}

	if err := p.broker.Fail(ctx, queue, job.ID, runErr.Error()); err != nil {
		log.Error("mark job failed", slog.Any("error", err))
	}
	telemetry.JobsFailed.WithLabelValues(queue, "failed").Inc()
	log.Error("job failed permanently", slog.Int("attempts", job.Attempts), slog.Any("error", runErr))
	return true, nil
}

func (p *Processor) runJob(ctx context.Context, queue string, job *Job) (result any, err error) {
	p.mu.Lock()
	var handler Handler
	if qs, ok := p.queues[queue]; ok {
		handler = qs.handlers[job.Name]
	}
	p.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("no handler registered for %s/%s: %w", queue, job.Name, models.ErrInvalidPayload)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
