package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reminder_calls_backend/internal/events"
	"reminder_calls_backend/internal/outcome"
	"reminder_calls_backend/platform/apperr"
	"reminder_calls_backend/platform/logger"

	"github.com/google/uuid"
)

// Publisher is the subset of the event bus the reconciler needs. Contact
// updates go through PublishSync so a failed enqueue is seen by the caller.
type Publisher interface {
	Publish(ctx context.Context, event events.Event)
	PublishSync(ctx context.Context, event events.Event) error
}

// Report is one vendor report about a call, from either signal path.
type Report struct {
	Source     outcome.Source
	Event      string
	Signal     outcome.Signal
	Verified   bool
	ReceivedAt time.Time
}

// authoritative reports may close a session. Unverified webhooks only
// strengthen the outcome and leave polling armed.
func (r Report) authoritative() bool {
	return r.Source == outcome.SourcePoll || (r.Source == outcome.SourceWebhook && r.Verified)
}

// Result describes what a reconcile changed.
type Result struct {
	SessionID     uuid.UUID
	Determination outcome.Determination
	Merge         MergeResult
	Payload       []byte
	Settled       bool
	Closed        bool
	Propagated    bool
}

// Service reconciles vendor reports into stored session state.
type Service struct {
	store Store
	bus   Publisher
	log   *logger.Logger
	now   func() time.Time
}

// NewService creates a reconciler over store.
func NewService(store Store, bus Publisher, log *logger.Logger) *Service {
	return &Service{
		store: store,
		bus:   bus,
		log:   log.WithComponent("sessions"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Store exposes the underlying session store.
func (s *Service) Store() Store {
	return s.store
}

// ReconcileByCallID loads the session for rep.Signal.CallID and reconciles it.
func (s *Service) ReconcileByCallID(ctx context.Context, rep Report) (Result, error) {
	sess, err := s.store.GetByExternalCallID(ctx, rep.Signal.CallID)
	if err != nil {
		return Result{}, err
	}
	return s.Reconcile(ctx, sess, rep)
}

// Reconcile derives the outcome of rep, merges it into the stored session and,
// when the report is authoritative and settles the call, closes the session.
// A session that ends up terminal with an appointment-changing outcome has
// its contact update delivered once. If delivery fails the error is returned
// and the update stays due for RetryPendingPropagation.
func (s *Service) Reconcile(ctx context.Context, sess Session, rep Report) (Result, error) {
	if rep.ReceivedAt.IsZero() {
		rep.ReceivedAt = s.now()
	}
	if rep.Signal.CallID == "" {
		rep.Signal.CallID = sess.ExternalCallID
	}

	det := outcome.Determine(rep.Signal)
	payload, err := outcome.NewPayload(rep.Source, rep.Event, rep.Signal, det, rep.ReceivedAt).Encode()
	if err != nil {
		s.log.Warn("discarding invalid report payload", "callId", rep.Signal.CallID, "error", err)
		payload = nil
	}

	merged, err := s.store.Merge(ctx, MergeParams{
		ExternalCallID: rep.Signal.CallID,
		Outcome:        det.Outcome,
		Rule:           det.Rule,
		Source:         rep.Source,
		Payload:        payload,
	})
	if err != nil {
		return Result{}, fmt.Errorf("merge %s report for %s: %w", rep.Source, rep.Signal.CallID, err)
	}

	res := Result{
		SessionID:     sess.ID,
		Determination: det,
		Merge:         merged,
		Payload:       payload,
		Settled:       outcome.IsSettled(rep.Signal.Status, det.Outcome),
	}
	if merged.Changed {
		s.log.Info("call outcome strengthened",
			"sessionId", sess.ID, "callId", rep.Signal.CallID,
			"from", merged.Previous, "to", merged.Stored,
			"rule", det.Rule, "source", rep.Source)
	}

	effective := outcome.Stronger(merged.Stored, det.Outcome)
	terminal := sess.Status.IsTerminal()

	if res.Settled && rep.authoritative() && !terminal {
		var pollPayload []byte
		if rep.Source == outcome.SourcePoll {
			pollPayload = payload
		}
		closed, err := s.store.Complete(ctx, CompleteParams{
			ID:       sess.ID,
			Status:   outcome.TerminalSessionStatus(rep.Signal.Status, effective),
			Source:   rep.Source,
			Verified: rep.Verified,
			EndTime:  endTime(rep),
			Payload:  pollPayload,
		})
		if err != nil {
			return res, err
		}
		res.Closed = closed
		// Not closed means a concurrent report got there first.
		terminal = true
	}

	if terminal && rep.authoritative() && outcome.IsDefinitive(effective) && sess.ContactID != nil {
		propagated, err := s.propagate(ctx, sess, effective, rep.Source)
		if err != nil {
			return res, err
		}
		res.Propagated = propagated
	}
	return res, nil
}

func (s *Service) propagate(ctx context.Context, sess Session, o outcome.Outcome, source outcome.Source) (bool, error) {
	due, err := s.store.MarkContactPropagationDue(ctx, sess.ID, s.now())
	if err != nil {
		return false, fmt.Errorf("mark contact propagation due: %w", err)
	}
	if !due {
		return false, nil
	}
	return s.deliver(ctx, sess, o, source)
}

// deliver publishes the contact update and only then records it as
// delivered. A crash in between repeats the publish; the job queue dedupes
// it by session.
func (s *Service) deliver(ctx context.Context, sess Session, o outcome.Outcome, source outcome.Source) (bool, error) {
	if s.bus != nil {
		err := s.bus.PublishSync(ctx, events.CallOutcomeResolved{
			BaseEvent:      events.NewBaseEventAt(s.now()),
			SessionID:      sess.ID,
			TenantID:       sess.TenantID,
			ContactID:      *sess.ContactID,
			ExternalCallID: sess.ExternalCallID,
			Outcome:        string(o),
			Source:         string(source),
		})
		if err != nil {
			return false, apperr.Unavailable("contact update not delivered", err).WithOp("sessions.deliver " + sess.ID.String())
		}
	}
	delivered, err := s.store.MarkContactPropagated(ctx, sess.ID, s.now())
	if err != nil {
		return false, fmt.Errorf("mark contact propagated: %w", err)
	}
	return delivered, nil
}

// RetryPendingPropagation redelivers contact updates marked due at least
// grace ago that were never recorded as delivered.
func (s *Service) RetryPendingPropagation(ctx context.Context, grace time.Duration, limit int) (int, error) {
	pending, err := s.store.ListPendingPropagation(ctx, s.now().Add(-grace), limit)
	if err != nil {
		return 0, err
	}

	delivered := 0
	var errs []error
	for _, sess := range pending {
		if sess.ContactID == nil || !outcome.IsDefinitive(sess.Outcome) {
			continue
		}
		ok, err := s.deliver(ctx, sess, sess.Outcome, sess.SourceOfTruth)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			delivered++
			s.log.Info("pending contact update delivered",
				"sessionId", sess.ID, "contactId", *sess.ContactID, "outcome", sess.Outcome)
		}
	}
	return delivered, errors.Join(errs...)
}

// StaleSweep is what one staleness pass changed.
type StaleSweep struct {
	// Settled sessions already held a settling outcome and were closed with it.
	Settled []Session
	// DeadLettered sessions had no settling outcome and were failed.
	DeadLettered []Session
}

// DeadLetterStale closes every session started more than after ago. Sessions
// whose stored outcome settles the call keep it and have their contact
// updated. The rest are force-failed with one event per session.
func (s *Service) DeadLetterStale(ctx context.Context, after time.Duration) (StaleSweep, error) {
	now := s.now()
	cutoff := now.Add(-after)

	settled, err := s.store.SettleStale(ctx, cutoff, now)
	if err != nil {
		return StaleSweep{}, err
	}
	for _, sess := range settled {
		s.log.Info("stale call session settled with stored outcome",
			"sessionId", sess.ID, "callId", sess.ExternalCallID,
			"outcome", sess.Outcome, "status", sess.Status)
		if !outcome.IsDefinitive(sess.Outcome) || sess.ContactID == nil {
			continue
		}
		if _, err := s.propagate(ctx, sess, sess.Outcome, sess.SourceOfTruth); err != nil {
			s.log.Warn("contact update after stale settle failed", "sessionId", sess.ID, "error", err)
		}
	}

	stuck, err := s.store.DeadLetter(ctx, cutoff, now)
	if err != nil {
		return StaleSweep{Settled: settled}, err
	}
	for _, sess := range stuck {
		s.log.Warn("call session dead-lettered",
			"sessionId", sess.ID, "callId", sess.ExternalCallID,
			"startedAt", sess.StartTime, "pollAttempts", sess.PollAttempts)
		if s.bus != nil {
			s.bus.Publish(ctx, events.CallSessionDeadLettered{
				BaseEvent:      events.NewBaseEventAt(now),
				SessionID:      sess.ID,
				TenantID:       sess.TenantID,
				ExternalCallID: sess.ExternalCallID,
				StartedAt:      sess.StartTime,
			})
		}
	}
	return StaleSweep{Settled: settled, DeadLettered: stuck}, nil
}

func endTime(rep Report) time.Time {
	if rep.Signal.EndedAt != nil && !rep.Signal.EndedAt.IsZero() {
		return rep.Signal.EndedAt.UTC()
	}
	return rep.ReceivedAt
}
