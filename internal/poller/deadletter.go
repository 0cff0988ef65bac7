package poller

import (
	"context"
	"errors"
	"time"

	"reminder_calls_backend/internal/sessions"
	"reminder_calls_backend/platform/logger"
)

const (
	defaultDeadLetterAfter = 30 * time.Minute
	// Updates younger than this may still be in flight on the reconcile path.
	propagationGrace     = time.Minute
	propagationBatchSize = 100
)

// DeadLetterSweeper closes sessions that stayed unresolved past the
// staleness threshold, independent of their backoff chain, and redelivers
// contact updates that never reached the job queue.
type DeadLetterSweeper struct {
	svc   *sessions.Service
	after time.Duration
	log   *logger.Logger
}

func NewDeadLetterSweeper(svc *sessions.Service, after time.Duration, log *logger.Logger) *DeadLetterSweeper {
	if after <= 0 {
		after = defaultDeadLetterAfter
	}
	return &DeadLetterSweeper{svc: svc, after: after, log: log.WithComponent("deadletter")}
}

// Sweep returns the number of sessions it closed.
func (d *DeadLetterSweeper) Sweep(ctx context.Context) (int, error) {
	sweep, sweepErr := d.svc.DeadLetterStale(ctx, d.after)
	if sweepErr != nil {
		d.log.Warn("dead-letter sweep failed", "error", sweepErr)
	}
	closed := len(sweep.Settled) + len(sweep.DeadLettered)
	if closed > 0 {
		d.log.Info("dead-letter sweep closed sessions",
			"settled", len(sweep.Settled), "deadLettered", len(sweep.DeadLettered))
	}

	delivered, retryErr := d.svc.RetryPendingPropagation(ctx, propagationGrace, propagationBatchSize)
	if retryErr != nil {
		d.log.Warn("pending contact update retry failed", "error", retryErr)
	}
	if delivered > 0 {
		d.log.Info("pending contact updates delivered", "count", delivered)
	}
	return closed, errors.Join(sweepErr, retryErr)
}
