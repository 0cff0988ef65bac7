package callapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"reminder_calls_backend/internal/outcome"
	"reminder_calls_backend/internal/quota"
	"reminder_calls_backend/internal/sessions"
	"reminder_calls_backend/platform/apperr"
	"reminder_calls_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SessionReader looks up call sessions.
type SessionReader interface {
	GetByExternalCallID(ctx context.Context, externalCallID string) (sessions.Session, error)
}

// UsageReader reads live quota counters.
type UsageReader interface {
	Usage(ctx context.Context, tenantID uuid.UUID, number string) (quota.Usage, error)
}

// SessionResponse is the admin view of one call session.
type SessionResponse struct {
	ID                        uuid.UUID             `json:"id"`
	TenantID                  uuid.UUID             `json:"tenantId"`
	ContactID                 *uuid.UUID            `json:"contactId,omitempty"`
	TaskID                    *uuid.UUID            `json:"taskId,omitempty"`
	ExternalCallID            string                `json:"externalCallId"`
	Status                    outcome.SessionStatus `json:"status"`
	Outcome                   outcome.Outcome       `json:"outcome,omitempty"`
	OutcomeRule               string                `json:"outcomeRule,omitempty"`
	SourceOfTruth             outcome.Source        `json:"sourceOfTruth,omitempty"`
	WebhookVerified           bool                  `json:"webhookVerified"`
	PollAttempts              int                   `json:"pollAttempts"`
	NextPollAt                *time.Time            `json:"nextPollAt,omitempty"`
	FailureReason             string                `json:"failureReason,omitempty"`
	ContactStatusPropagatedAt *time.Time            `json:"contactStatusPropagatedAt,omitempty"`
	StartTime                 time.Time             `json:"startTime"`
	EndTime                   *time.Time            `json:"endTime,omitempty"`
	LastPollPayload           *outcome.Payload      `json:"lastPollPayload,omitempty"`
	OutcomePayload            *outcome.Payload      `json:"outcomePayload,omitempty"`
}

func toSessionResponse(s sessions.Session) SessionResponse {
	return SessionResponse{
		ID:                        s.ID,
		TenantID:                  s.TenantID,
		ContactID:                 s.ContactID,
		TaskID:                    s.TaskID,
		ExternalCallID:            s.ExternalCallID,
		Status:                    s.Status,
		Outcome:                   s.Outcome,
		OutcomeRule:               s.OutcomeRule,
		SourceOfTruth:             s.SourceOfTruth,
		WebhookVerified:           s.WebhookVerified,
		PollAttempts:              s.PollAttempts,
		NextPollAt:                s.NextPollAt,
		FailureReason:             s.FailureReason,
		ContactStatusPropagatedAt: s.ContactStatusPropagatedAt,
		StartTime:                 s.StartTime,
		EndTime:                   s.EndTime,
		LastPollPayload:           s.LastPollPayload,
		OutcomePayload:            s.OutcomePayload,
	}
}

// Handler serves the read-only admin endpoints.
type Handler struct {
	sessions SessionReader
	usage    UsageReader
}

func NewHandler(sessions SessionReader, usage UsageReader) *Handler {
	return &Handler{sessions: sessions, usage: usage}
}

// HandleGetCall returns the session for a vendor call id.
// GET /api/v1/admin/calls/:callId
func (h *Handler) HandleGetCall(c *gin.Context) {
	callID := c.Param("callId")
	sess, err := h.sessions.GetByExternalCallID(c.Request.Context(), callID)
	if errors.Is(err, sessions.ErrNotFound) {
		err = apperr.NotFound("call session not found")
	}
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, toSessionResponse(sess))
}

// HandleGetQuota returns current window counters for a tenant, and for a
// phone number when ?phone= is given.
// GET /api/v1/admin/quota/:tenantId
func (h *Handler) HandleGetQuota(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Param("tenantId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid tenant ID", nil)
		return
	}

	usage, err := h.usage.Usage(c.Request.Context(), tenantID, c.Query("phone"))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, usage)
}
