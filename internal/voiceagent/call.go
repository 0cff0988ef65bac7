package voiceagent

import (
	"time"

	"reminder_calls_backend/internal/outcome"
)

// CallDetail is the vendor's view of one call. Webhook deliveries embed the
// same shape, so both signal paths parse through here.
type CallDetail struct {
	CallID              string        `json:"call_id" validate:"required,max=128"`
	CallStatus          string        `json:"call_status" validate:"max=64"`
	DisconnectionReason string        `json:"disconnection_reason,omitempty" validate:"max=128"`
	StartTimestamp      int64         `json:"start_timestamp,omitempty"`
	EndTimestamp        int64         `json:"end_timestamp,omitempty"`
	Outcome             string        `json:"outcome,omitempty" validate:"max=256"`
	Analysis            *CallAnalysis `json:"call_analysis,omitempty"`
}

// CallAnalysis is the vendor's post-call analysis block.
type CallAnalysis struct {
	CallSummary        string          `json:"call_summary,omitempty" validate:"max=4000"`
	InVoicemail        *bool           `json:"in_voicemail,omitempty"`
	CustomAnalysisData *CustomAnalysis `json:"custom_analysis_data,omitempty"`
}

// CustomAnalysis holds the fields our agent prompt asks the vendor to extract.
type CustomAnalysis struct {
	AppointmentConfirmed   *bool    `json:"appointment_confirmed,omitempty"`
	AppointmentCancelled   *bool    `json:"appointment_cancelled,omitempty"`
	AppointmentRescheduled *bool    `json:"appointment_rescheduled,omitempty"`
	CustomerEngaged        *bool    `json:"customer_engaged,omitempty"`
	DiscussionTopics       []string `json:"discussion_topics,omitempty" validate:"max=50,dive,max=200"`
}

// Signal converts the vendor shape into the normalized outcome signal.
func (d CallDetail) Signal() outcome.Signal {
	sig := outcome.Signal{
		CallID:              d.CallID,
		Status:              d.CallStatus,
		DisconnectionReason: d.DisconnectionReason,
		LegacyOutcome:       d.Outcome,
	}
	if d.EndTimestamp > 0 {
		ended := time.UnixMilli(d.EndTimestamp).UTC()
		sig.EndedAt = &ended
	}
	if d.Analysis == nil {
		return sig
	}

	a := &outcome.Analysis{
		ReachedVoicemail: d.Analysis.InVoicemail,
		Summary:          d.Analysis.CallSummary,
	}
	if custom := d.Analysis.CustomAnalysisData; custom != nil {
		a.AppointmentConfirmed = custom.AppointmentConfirmed
		a.AppointmentCancelled = custom.AppointmentCancelled
		a.AppointmentRescheduled = custom.AppointmentRescheduled
		a.CustomerEngaged = custom.CustomerEngaged
		a.DiscussionTopics = custom.DiscussionTopics
	}
	sig.Analysis = a
	return sig
}
