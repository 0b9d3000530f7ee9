package models

import "errors"

var (
	// ErrBrokerUnavailable wraps failures talking to Redis or the job broker.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrNotFound          = errors.New("not found")
	// ErrFreePlan is returned when a purchase targets the free tier.
	ErrFreePlan             = errors.New("free plan cannot be purchased")
	ErrNoActiveSubscription = errors.New("no active subscription")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrInsufficientPlan     = errors.New("plan does not allow this action")
	ErrNoAllowance          = errors.New("reply allowance exhausted")
	// ErrBusy means another transition for the same entity holds its lock.
	ErrBusy = errors.New("operation already in progress")
	// ErrInvalidPayload marks job payloads that can never succeed; workers do not retry them.
	ErrInvalidPayload = errors.New("invalid job payload")
)

// RetryableError marks transient infrastructure failures. Callers decide whether to retry.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err unless it is nil.
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err carries a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
