package scheduler

import (
	"context"

	"reminder_calls_backend/internal/events"
	"reminder_calls_backend/platform/logger"
)

// ContactStatusPropagator turns resolved call outcomes into contact status
// tasks.
type ContactStatusPropagator struct {
	queue ContactStatusEnqueuer
	log   *logger.Logger
}

func NewContactStatusPropagator(queue ContactStatusEnqueuer, log *logger.Logger) *ContactStatusPropagator {
	return &ContactStatusPropagator{queue: queue, log: log.WithComponent("contact-propagation")}
}

// Subscribe registers the propagator on bus.
func (p *ContactStatusPropagator) Subscribe(bus events.Bus) {
	bus.Subscribe(events.CallOutcomeResolved{}.EventName(), p)
}

func (p *ContactStatusPropagator) Handle(ctx context.Context, event events.Event) error {
	resolved, ok := event.(events.CallOutcomeResolved)
	if !ok {
		return nil
	}

	err := p.queue.EnqueueContactStatus(ctx, ContactStatusPayload{
		SessionID: resolved.SessionID.String(),
		TenantID:  resolved.TenantID.String(),
		ContactID: resolved.ContactID.String(),
		Outcome:   resolved.Outcome,
	})
	if err != nil {
		p.log.Error("enqueue contact status failed",
			"sessionId", resolved.SessionID, "contactId", resolved.ContactID, "error", err)
		return err
	}
	return nil
}
