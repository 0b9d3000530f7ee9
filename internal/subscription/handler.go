package subscription

import (
	"context"
	"fmt"

	"bot-backend/internal/models"
	"bot-backend/internal/worker"
)

// HandleJob runs expire and notify-before-expire jobs.
func (l *Lifecycle) HandleJob(ctx context.Context, job *worker.Job) (any, error) {
	switch job.Name {
	case JobExpire:
		var p ExpirePayload
		if err := job.Decode(&p); err != nil {
			return nil, err
		}
		downgraded, err := l.Expire(ctx, p.UserID, l.now())
		if err != nil {
			return nil, err
		}
		return map[string]bool{"downgraded": downgraded}, nil
	case JobNotifyBeforeExpire:
		var p NotifyPayload
		if err := job.Decode(&p); err != nil {
			return nil, err
		}
		return nil, l.NotifyBeforeExpire(ctx, p.UserID, p.ExpireAt)
	default:
		return nil, fmt.Errorf("unknown subscription job %q: %w", job.Name, models.ErrInvalidPayload)
	}
}
