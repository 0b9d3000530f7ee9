package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_jobs_enqueued_total", Help: "Jobs added for immediate execution"}, []string{"queue", "name"})
	JobsScheduled  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_jobs_scheduled_total", Help: "Jobs scheduled under a deterministic key"}, []string{"queue", "name"})
	JobsCancelled  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_jobs_cancelled_total", Help: "Scheduled jobs removed before running"}, []string{"queue"})
	JobsCompleted  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	JobsFailed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_jobs_failed_total", Help: "Job failures by outcome (retry or failed)"}, []string{"queue", "outcome"})
	JobsReclaimed  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_jobs_reclaimed_total", Help: "Jobs whose lease expired and were requeued"}, []string{"queue"})
	QueueDepth     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "bot_queue_depth", Help: "Jobs per queue and state"}, []string{"queue", "state"})
	InFlight       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "bot_jobs_inflight", Help: "Jobs currently being processed by this worker"}, []string{"queue"})
	BroadcastSends = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_broadcast_sends_total", Help: "Broadcast send attempts by outcome"}, []string{"outcome"})
	ThrottleReject = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_throttle_rejects_total", Help: "Inbound requests rejected by the per-actor throttle"})
	LockContention = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_lock_contention_total", Help: "Lock acquisitions that found the key held"}, []string{"domain"})
	Summarizations = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_conversation_summarizations_total", Help: "Conversation histories folded into a summary"})
	ReplyFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_agent_reply_failures_total", Help: "Agent replies that failed and were refunded"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsScheduled,
			JobsCancelled,
			JobsCompleted,
			JobsFailed,
			JobsReclaimed,
			QueueDepth,
			InFlight,
			BroadcastSends,
			ThrottleReject,
			LockContention,
			Summarizations,
			ReplyFailures,
		)
	})
	return promhttp.Handler()
}
