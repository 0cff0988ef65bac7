package webhook

import (
	"reminder_calls_backend/internal/voiceagent"
)

// Vendor webhook event types.
const (
	EventCallStarted  = "call_started"
	EventCallEnded    = "call_ended"
	EventCallAnalyzed = "call_analyzed"
)

// CallEvent is the body the vendor pushes for every call lifecycle change.
// The call block has the same shape as a poll response.
type CallEvent struct {
	Event string                `json:"event" validate:"required,oneof=call_started call_ended call_analyzed"`
	Call  voiceagent.CallDetail `json:"call"`
}

// IngestResult is returned to the vendor.
type IngestResult struct {
	Status    string `json:"status"`
	Event     string `json:"event"`
	CallID    string `json:"callId"`
	SessionID string `json:"sessionId,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Verified  bool   `json:"verified"`
	Closed    bool   `json:"closed"`
}

const (
	statusProcessed = "processed"
	statusIgnored   = "ignored"
)
