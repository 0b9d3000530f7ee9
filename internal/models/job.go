package models

import (
	"encoding/json"
	"time"
)

// Job states as reported by the broker.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Job is a unit of deferred work stored in the broker.
type Job struct {
	ID               string          `json:"id"`
	Queue            string          `json:"queue"`
	Name             string          `json:"name"`
	Payload          json.RawMessage `json:"payload"`
	State            string          `json:"state"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	Backoff          time.Duration   `json:"backoff"`
	RemoveOnComplete bool            `json:"remove_on_complete"`
	RunAt            time.Time       `json:"run_at"`
	LastError        string          `json:"last_error,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	FinishedAt       time.Time       `json:"finished_at,omitempty"`
}

// JobCounts is a per-queue snapshot, for observability only.
type JobCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
