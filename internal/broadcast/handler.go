package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bot-backend/internal/messaging"
	"bot-backend/internal/ratelimit"
	"bot-backend/internal/telemetry"
	"bot-backend/internal/worker"
)

// leaseEvery is how many recipients are sent between lease extensions.
const leaseEvery = 50

// Limiter is the global send ceiling shared by all batch workers.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Tracker records batch progress and keeps the batch leased to this worker.
// *worker.Job satisfies it.
type Tracker interface {
	Log(ctx context.Context, format string, args ...any) error
	ExtendLease(ctx context.Context, d time.Duration) error
}

// Result is the outcome of one batch.
type Result struct {
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	GaveUp  int `json:"gave_up"`
}

// Handler sends one batch, retrying a recipient only when the platform asks
// to back off.
type Handler struct {
	transport   messaging.Transport
	limiter     Limiter
	maxAttempts int
	jitter      time.Duration
	lease       time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	log         *slog.Logger
}

type HandlerOption func(*Handler)

// WithLease sets how far each extension pushes the batch's visibility
// deadline. It should match the broker's visibility timeout.
func WithLease(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.lease = d
		}
	}
}

func NewHandler(transport messaging.Transport, limiter Limiter, maxAttempts int, jitter time.Duration, log *slog.Logger, opts ...HandlerOption) *Handler {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	h := &Handler{
		transport:   transport,
		limiter:     limiter,
		maxAttempts: maxAttempts,
		jitter:      jitter,
		lease:       5 * time.Minute,
		sleep:       ratelimit.SleepContext,
		log:         log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle is the worker entry point for broadcast batch jobs.
func (h *Handler) Handle(ctx context.Context, job *worker.Job) (any, error) {
	var batch DispatchBatch
	if err := job.Decode(&batch); err != nil {
		return nil, err
	}
	res, err := h.Dispatch(ctx, batch, job)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Dispatch sends batch to every recipient. It only fails when the transport is
// unreachable or the global limiter cannot be consulted. The lease is extended
// before every backoff sleep and every leaseEvery recipients, so a slow batch
// is never handed to a second worker.
func (h *Handler) Dispatch(ctx context.Context, batch DispatchBatch, tracker Tracker) (Result, error) {
	var res Result
	opts := batch.Payload.options()
	progress := func(line string) {
		if err := tracker.Log(ctx, "%s", line); err != nil {
			h.log.Warn("append job log", slog.Any("error", err))
		}
	}

	for i, recipient := range batch.RecipientIDs {
		if i > 0 && i%leaseEvery == 0 {
			h.extend(ctx, tracker, h.lease)
		}
		if err := h.sendOne(ctx, recipient, batch.Payload.Text, opts, &res, tracker, progress); err != nil {
			progress(fmt.Sprintf("aborted: sent=%d skipped=%d gave_up=%d: %v", res.Sent, res.Skipped, res.GaveUp, err))
			return res, err
		}
	}
	progress(fmt.Sprintf("done: sent=%d skipped=%d gave_up=%d", res.Sent, res.Skipped, res.GaveUp))
	return res, nil
}

// extend failures are logged; the batch keeps sending.
func (h *Handler) extend(ctx context.Context, tracker Tracker, d time.Duration) {
	if err := tracker.ExtendLease(ctx, d); err != nil {
		h.log.Warn("extend batch lease", slog.Duration("by", d), slog.Any("error", err))
	}
}

func (h *Handler) sendOne(ctx context.Context, recipient int64, text string, opts messaging.SendOptions, res *Result, tracker Tracker, progress func(string)) error {
	for attempt := 1; ; attempt++ {
		if err := h.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for send slot: %w", err)
		}
		_, err := h.transport.SendText(ctx, recipient, text, opts)
		if err == nil {
			res.Sent++
			telemetry.BroadcastSends.WithLabelValues("sent").Inc()
			return nil
		}
		if errors.Is(err, messaging.ErrTransportUnavailable) {
			return err
		}

		retryAfter, throttled := messaging.RetryAfter(err)
		if !throttled {
			res.Skipped++
			telemetry.BroadcastSends.WithLabelValues("skipped").Inc()
			h.log.Warn("broadcast recipient skipped", slog.Int64("recipient", recipient), slog.Any("error", err))
			progress(fmt.Sprintf("skipped %d: %v", recipient, err))
			return nil
		}
		if attempt >= h.maxAttempts {
			res.GaveUp++
			telemetry.BroadcastSends.WithLabelValues("gave_up").Inc()
			h.log.Warn("broadcast recipient gave up", slog.Int64("recipient", recipient), slog.Int("attempts", attempt))
			progress(fmt.Sprintf("gave up on %d after %d attempts", recipient, attempt))
			return nil
		}

		telemetry.BroadcastSends.WithLabelValues("retry").Inc()
		wait := retryAfter + h.jitter
		h.extend(ctx, tracker, wait+h.lease)
		if err := h.sleep(ctx, wait); err != nil {
			return err
		}
	}
}
