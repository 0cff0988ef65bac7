// Package sessionstest provides an in-memory sessions.Store with the same
// conditional-update semantics as the Postgres repository.
package sessionstest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reminder_calls_backend/internal/outcome"
	"reminder_calls_backend/internal/sessions"

	"github.com/google/uuid"
)

// Store is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*sessions.Session

	// FailMerge, when set, is returned by Merge.
	FailMerge error
}

// New returns an empty store.
func New() *Store {
	return &Store{byID: make(map[uuid.UUID]*sessions.Session)}
}

var _ sessions.Store = (*Store)(nil)

// Put inserts or replaces a session as-is.
func (s *Store) Put(sess sessions.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	cp := sess
	s.byID[sess.ID] = &cp
}

// All returns a copy of every stored session ordered by start time.
func (s *Store) All() []sessions.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sessions.Session, 0, len(s.byID))
	for _, sess := range s.byID {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (s *Store) Create(_ context.Context, n sessions.NewSession) (sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.StartTime.IsZero() {
		n.StartTime = time.Now().UTC()
	}
	sess := &sessions.Session{
		ID:            uuid.New(),
		TenantID:      n.TenantID,
		ContactID:     n.ContactID,
		TaskID:        n.TaskID,
		ReservationID: n.ReservationID,
		Status:        outcome.StatusInitiated,
		StartTime:     n.StartTime,
		CreatedAt:     n.StartTime,
		UpdatedAt:     n.StartTime,
	}
	s.byID[sess.ID] = sess
	return *sess, nil
}

func (s *Store) Activate(_ context.Context, id uuid.UUID, externalCallID string, nextPollAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok || sess.Status != outcome.StatusInitiated {
		return sessions.ErrNotFound
	}
	sess.ExternalCallID = externalCallID
	sess.Status = outcome.StatusActive
	sess.NextPollAt = &nextPollAt
	return nil
}

func (s *Store) MarkActive(_ context.Context, externalCallID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.findByCallID(externalCallID)
	if sess == nil || sess.Status != outcome.StatusInitiated {
		return false, nil
	}
	sess.Status = outcome.StatusActive
	return true, nil
}

func (s *Store) MarkFailed(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok || sess.Status.IsTerminal() {
		return nil
	}
	sess.Status = outcome.StatusFailed
	sess.NextPollAt = nil
	sess.EndTime = &at
	sess.FailureReason = reason
	if sess.Outcome == "" {
		sess.Outcome = outcome.Failed
		sess.OutcomeRule = "call_creation_failed"
	}
	return nil
}

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return sessions.Session{}, sessions.ErrNotFound
	}
	return *sess, nil
}

func (s *Store) GetByExternalCallID(_ context.Context, externalCallID string) (sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.findByCallID(externalCallID)
	if sess == nil {
		return sessions.Session{}, sessions.ErrNotFound
	}
	return *sess, nil
}

func (s *Store) Merge(_ context.Context, p sessions.MergeParams) (sessions.MergeResult, error) {
	if s.FailMerge != nil {
		return sessions.MergeResult{}, s.FailMerge
	}
	if !p.Outcome.Valid() {
		return sessions.MergeResult{}, fmt.Errorf("%w: %q", sessions.ErrUnknownOutcome, p.Outcome)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.findByCallID(p.ExternalCallID)
	if sess == nil {
		return sessions.MergeResult{}, sessions.ErrNotFound
	}

	res := sessions.MergeResult{SessionID: sess.ID, Previous: sess.Outcome, Stored: sess.Outcome}
	if !outcome.IsStrictlyStronger(p.Outcome, sess.Outcome) {
		return res, nil
	}
	sess.Outcome = p.Outcome
	sess.OutcomeRule = p.Rule
	sess.SourceOfTruth = p.Source
	if p.Payload != nil {
		if decoded, err := outcome.DecodePayload(p.Payload); err == nil {
			sess.OutcomePayload = &decoded
		}
	}
	res.Stored = p.Outcome
	res.Changed = true
	return res, nil
}

func (s *Store) Complete(_ context.Context, p sessions.CompleteParams) (bool, error) {
	if !p.Status.IsTerminal() {
		return false, fmt.Errorf("complete session: %q is not a terminal status", p.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[p.ID]
	if !ok || sess.Status.IsTerminal() {
		return false, nil
	}
	verified := p.Verified && p.Source == outcome.SourceWebhook
	sess.Status = p.Status
	sess.NextPollAt = nil
	if sess.EndTime == nil {
		end := p.EndTime
		sess.EndTime = &end
	}
	switch {
	case verified:
		sess.WebhookVerified = true
		sess.SourceOfTruth = outcome.SourceWebhook
	case p.Source == outcome.SourcePoll && !sess.WebhookVerified:
		sess.SourceOfTruth = outcome.SourcePoll
	}
	if p.Source == outcome.SourcePoll && p.Payload != nil {
		if decoded, err := outcome.DecodePayload(p.Payload); err == nil {
			sess.LastPollPayload = &decoded
		}
	}
	return true, nil
}

func (s *Store) ClaimDueForPoll(_ context.Context, now, leaseUntil time.Time, limit int) ([]sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*sessions.Session
	for _, sess := range s.byID {
		if sess.NextPollAt == nil || sess.NextPollAt.After(now) {
			continue
		}
		if sess.Status.IsTerminal() || sess.ExternalCallID == "" {
			continue
		}
		due = append(due, sess)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextPollAt.Before(*due[j].NextPollAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]sessions.Session, 0, len(due))
	for _, sess := range due {
		lease := leaseUntil
		sess.NextPollAt = &lease
		out = append(out, *sess)
	}
	return out, nil
}

func (s *Store) ScheduleNextPoll(_ context.Context, id uuid.UUID, nextPollAt time.Time, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok || sess.Status.IsTerminal() {
		return nil
	}
	sess.PollAttempts++
	sess.NextPollAt = &nextPollAt
	if payload != nil {
		if decoded, err := outcome.DecodePayload(payload); err == nil {
			sess.LastPollPayload = &decoded
		}
	}
	return nil
}

func (s *Store) SettleStale(_ context.Context, cutoff, now time.Time) ([]sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sessions.Session
	for _, sess := range s.byID {
		if sess.Status.IsTerminal() || !sess.StartTime.Before(cutoff) || !outcome.IsTerminal(sess.Outcome) {
			continue
		}
		sess.Status = outcome.StatusCompleted
		if sess.Outcome == outcome.Failed {
			sess.Status = outcome.StatusFailed
		}
		sess.NextPollAt = nil
		if sess.EndTime == nil {
			end := now
			sess.EndTime = &end
		}
		out = append(out, *sess)
	}
	return out, nil
}

func (s *Store) DeadLetter(_ context.Context, cutoff, now time.Time) ([]sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sessions.Session
	for _, sess := range s.byID {
		if sess.Status.IsTerminal() || !sess.StartTime.Before(cutoff) || outcome.IsTerminal(sess.Outcome) {
			continue
		}
		sess.Status = outcome.StatusFailed
		sess.NextPollAt = nil
		end := now
		sess.EndTime = &end
		sess.FailureReason = sessions.DeadLetterReason
		if outcome.IsStrictlyStronger(outcome.Failed, sess.Outcome) {
			sess.Outcome = outcome.Failed
			sess.OutcomeRule = "dead_letter"
		}
		out = append(out, *sess)
	}
	return out, nil
}

func (s *Store) MarkContactPropagationDue(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok || sess.ContactID == nil || sess.ContactStatusPropagatedAt != nil {
		return false, nil
	}
	if sess.ContactStatusDueAt == nil {
		sess.ContactStatusDueAt = &at
	}
	return true, nil
}

func (s *Store) MarkContactPropagated(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok || sess.ContactStatusPropagatedAt != nil {
		return false, nil
	}
	sess.ContactStatusPropagatedAt = &at
	return true, nil
}

func (s *Store) ListPendingPropagation(_ context.Context, dueBefore time.Time, limit int) ([]sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sessions.Session
	for _, sess := range s.byID {
		if sess.ContactID == nil || sess.ContactStatusPropagatedAt != nil {
			continue
		}
		if sess.ContactStatusDueAt == nil || sess.ContactStatusDueAt.After(dueBefore) {
			continue
		}
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContactStatusDueAt.Before(*out[j].ContactStatusDueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) findByCallID(callID string) *sessions.Session {
	if callID == "" {
		return nil
	}
	for _, sess := range s.byID {
		if sess.ExternalCallID == callID {
			return sess
		}
	}
	return nil
}
