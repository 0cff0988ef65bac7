package scheduler

import (
	"context"

	"reminder_calls_backend/platform/logger"
)

// ReservationExpirer rolls back reservations past their TTL.
type ReservationExpirer interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// ReservationCleanup expires stale quota reservations so that capacity held
// by crashed or abandoned attempts is returned.
type ReservationCleanup struct {
	quota ReservationExpirer
	log   *logger.Logger
}

func NewReservationCleanup(quota ReservationExpirer, log *logger.Logger) *ReservationCleanup {
	return &ReservationCleanup{
		quota: quota,
		log:   log.WithComponent("reservation-cleanup"),
	}
}

// Sweep runs one cleanup pass and returns how many reservations expired.
func (c *ReservationCleanup) Sweep(ctx context.Context) (int, error) {
	if c == nil || c.quota == nil {
		return 0, nil
	}

	expired, err := c.quota.CleanupExpired(ctx)
	if err != nil {
		// Partial progress is still reported below.
		c.log.Warn("reservation cleanup failed", "error", err)
	}

	if expired > 0 {
		c.log.Info("reservation cleanup expired reservations", "expired", expired)
	}
	return expired, err
}
