// Package sessions persists call sessions and reconciles webhook and poll
// reports into one monotonically strengthening outcome per call.
package sessions

import (
	"context"
	"errors"
	"time"

	"reminder_calls_backend/internal/outcome"

	"github.com/google/uuid"
)

// DeadLetterReason is recorded on sessions the staleness sweep terminates.
const DeadLetterReason = "no outcome reported after timeout"

var (
	// ErrNotFound is returned when no session matches the lookup.
	ErrNotFound = errors.New("call session not found")
	// ErrUnknownOutcome is returned when a merge is attempted with an outcome
	// outside the vocabulary.
	ErrUnknownOutcome = errors.New("unrecognized outcome")
)

// Session is one outbound call attempt.
type Session struct {
	ID                        uuid.UUID
	TenantID                  uuid.UUID
	ContactID                 *uuid.UUID
	TaskID                    *uuid.UUID
	ReservationID             string
	ExternalCallID            string
	Status                    outcome.SessionStatus
	Outcome                   outcome.Outcome
	OutcomeRule               string
	SourceOfTruth             outcome.Source
	WebhookVerified           bool
	PollAttempts              int
	NextPollAt                *time.Time
	LastPollPayload           *outcome.Payload
	OutcomePayload            *outcome.Payload
	FailureReason             string
	ContactStatusDueAt        *time.Time
	ContactStatusPropagatedAt *time.Time
	StartTime                 time.Time
	EndTime                   *time.Time
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// NewSession holds the fields known before the vendor call exists.
type NewSession struct {
	TenantID      uuid.UUID
	ContactID     *uuid.UUID
	TaskID        *uuid.UUID
	ReservationID string
	StartTime     time.Time
}

// MergeParams describes one candidate outcome for a call.
type MergeParams struct {
	ExternalCallID string
	Outcome        outcome.Outcome
	Rule           string
	Source         outcome.Source
	Payload        []byte
}

// MergeResult reports what a merge did. Previous is the outcome observed
// before the write and is informational only under concurrent merges.
type MergeResult struct {
	SessionID uuid.UUID
	Previous  outcome.Outcome
	Stored    outcome.Outcome
	Changed   bool
}

// CompleteParams closes a session. Only a webhook source with Verified set
// can mark the session webhook-verified.
type CompleteParams struct {
	ID       uuid.UUID
	Status   outcome.SessionStatus
	Source   outcome.Source
	Verified bool
	EndTime  time.Time
	Payload  []byte
}

// Store is the persistence contract for call sessions. Every mutating method
// is a single conditional statement so concurrent webhook and poll callers
// cannot lose updates or move a terminal session.
type Store interface {
	Create(ctx context.Context, s NewSession) (Session, error)
	Activate(ctx context.Context, id uuid.UUID, externalCallID string, nextPollAt time.Time) error
	MarkActive(ctx context.Context, externalCallID string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	GetByID(ctx context.Context, id uuid.UUID) (Session, error)
	GetByExternalCallID(ctx context.Context, externalCallID string) (Session, error)

	// Merge stores p.Outcome only when it is strictly stronger than the
	// stored outcome.
	Merge(ctx context.Context, p MergeParams) (MergeResult, error)
	// Complete moves a non-terminal session to its terminal status and clears
	// next_poll_at. It returns false if the session was already terminal.
	Complete(ctx context.Context, p CompleteParams) (bool, error)

	// ClaimDueForPoll leases up to limit sessions whose next poll is due by
	// pushing their next_poll_at to leaseUntil.
	ClaimDueForPoll(ctx context.Context, now, leaseUntil time.Time, limit int) ([]Session, error)
	// ScheduleNextPoll increments poll_attempts and arms the next poll.
	// A nil payload keeps the previous one.
	ScheduleNextPoll(ctx context.Context, id uuid.UUID, nextPollAt time.Time, payload []byte) error
	// SettleStale closes every non-terminal session started before cutoff
	// whose stored outcome already settles the call, keeping that outcome.
	SettleStale(ctx context.Context, cutoff, now time.Time) ([]Session, error)
	// DeadLetter fails every non-terminal session started before cutoff whose
	// outcome is still unresolved.
	DeadLetter(ctx context.Context, cutoff, now time.Time) ([]Session, error)

	// MarkContactPropagationDue records that the session's contact update has
	// to be delivered. It returns false once the update was delivered.
	MarkContactPropagationDue(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// MarkContactPropagated records delivery. Only the first caller gets true.
	MarkContactPropagated(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// ListPendingPropagation returns sessions marked due at or before
	// dueBefore whose contact update was never delivered.
	ListPendingPropagation(ctx context.Context, dueBefore time.Time, limit int) ([]Session, error)
}
