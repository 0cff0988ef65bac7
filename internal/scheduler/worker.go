package scheduler

import (
	"context"
	"fmt"

	"reminder_calls_backend/internal/outcome"
	"reminder_calls_backend/internal/tenants"
	"reminder_calls_backend/platform/config"
	"reminder_calls_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// ContactStatusUpdater writes a contact's appointment status. It reports
// false when the contact already had that status.
type ContactStatusUpdater interface {
	UpdateContactAppointmentStatus(ctx context.Context, contactID uuid.UUID, status string) (bool, error)
}

type Worker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	contacts ContactStatusUpdater
	log      *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, contacts ContactStatusUpdater, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:   server,
		mux:      mux,
		contacts: contacts,
		log:      log.WithComponent("asynq-worker"),
	}

	mux.HandleFunc(TaskUpdateContactStatus, w.handleContactStatus)

	return w, nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	if err := w.server.Start(w.mux); err != nil {
		w.log.Error("scheduler worker failed to start", "error", err)
		return
	}
	<-ctx.Done()
	w.server.Shutdown()
	w.log.Info("scheduler worker stopped")
}

func (w *Worker) handleContactStatus(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseContactStatusPayload(task)
	if err != nil {
		return fmt.Errorf("parse contact status payload: %v: %w", err, asynq.SkipRetry)
	}

	contactID, err := uuid.Parse(payload.ContactID)
	if err != nil {
		return fmt.Errorf("contact status payload: bad contact id: %w", asynq.SkipRetry)
	}

	status, ok := tenants.AppointmentStatusFor(outcome.Outcome(payload.Outcome))
	if !ok {
		w.log.Debug("outcome does not change appointment status",
			"sessionId", payload.SessionID, "outcome", payload.Outcome)
		return nil
	}

	updated, err := w.contacts.UpdateContactAppointmentStatus(ctx, contactID, status)
	if err != nil {
		return err
	}
	w.log.Info("contact appointment status applied",
		"sessionId", payload.SessionID, "contactId", contactID,
		"status", status, "changed", updated)
	return nil
}
