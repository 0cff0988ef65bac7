// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"time"

	"reminder_calls_backend/platform/events"

	"github.com/google/uuid"
)

type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

var (
	NewBaseEvent   = events.NewBaseEvent
	NewBaseEventAt = events.NewBaseEventAt
)

// =============================================================================
// Call Session Events
// =============================================================================

// CallOutcomeResolved is published once per session when it settles on an
// outcome that changes the contact's appointment.
type CallOutcomeResolved struct {
	BaseEvent
	SessionID      uuid.UUID `json:"sessionId"`
	TenantID       uuid.UUID `json:"tenantId"`
	ContactID      uuid.UUID `json:"contactId"`
	ExternalCallID string    `json:"externalCallId"`
	Outcome        string    `json:"outcome"`
	Source         string    `json:"source"`
}

func (e CallOutcomeResolved) EventName() string { return "calls.outcome.resolved" }

// CallSessionDeadLettered is published for each session the staleness sweep
// force-terminated.
type CallSessionDeadLettered struct {
	BaseEvent
	SessionID      uuid.UUID `json:"sessionId"`
	TenantID       uuid.UUID `json:"tenantId"`
	ExternalCallID string    `json:"externalCallId,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
}

func (e CallSessionDeadLettered) EventName() string { return "calls.session.dead_lettered" }

// =============================================================================
// Quota Events
// =============================================================================

// ReservationExpired is published when the TTL sweep rolls back a reservation
// that was never confirmed or released.
type ReservationExpired struct {
	BaseEvent
	ReservationID string `json:"reservationId"`
	TenantID      string `json:"tenantId"`
	Phone         string `json:"phone,omitempty"`
}

func (e ReservationExpired) EventName() string { return "quota.reservation.expired" }

// =============================================================================
// Follow-up Task Events
// =============================================================================

// FollowUpRetryScheduled is published when a failed call attempt gets its
// single retry task.
type FollowUpRetryScheduled struct {
	BaseEvent
	TaskID       uuid.UUID `json:"taskId"`
	ParentTaskID uuid.UUID `json:"parentTaskId"`
	TenantID     uuid.UUID `json:"tenantId"`
	RunAt        time.Time `json:"runAt"`
}

func (e FollowUpRetryScheduled) EventName() string { return "followups.retry.scheduled" }
