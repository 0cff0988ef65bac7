package outcome

import (
	"strings"
	"time"
)

// Signal is the normalized shape of a vendor report, shared by webhook
// deliveries and poll responses.
type Signal struct {
	CallID              string
	Status              string
	DisconnectionReason string
	LegacyOutcome       string
	Analysis            *Analysis
	EndedAt             *time.Time
}

// Analysis carries the vendor's structured post-call analysis.
type Analysis struct {
	AppointmentRescheduled *bool    `json:"appointmentRescheduled,omitempty"`
	AppointmentCancelled   *bool    `json:"appointmentCancelled,omitempty"`
	AppointmentConfirmed   *bool    `json:"appointmentConfirmed,omitempty"`
	ReachedVoicemail       *bool    `json:"reachedVoicemail,omitempty"`
	CustomerEngaged        *bool    `json:"customerEngaged,omitempty"`
	DiscussionTopics       []string `json:"discussionTopics,omitempty" validate:"max=50,dive,max=200"`
	Summary                string   `json:"summary,omitempty" validate:"max=4000"`
}

var terminalStatuses = map[string]struct{}{
	"completed":           {},
	"ended":               {},
	"failed":              {},
	"error":               {},
	"busy":                {},
	"no_answer":           {},
	"not_connected":       {},
	"canceled":            {},
	"cancelled":           {},
	"voicemail":           {},
	"invalid_destination": {},
}

// NormalizeStatus lowercases a vendor status and folds separators so that
// "No-Answer", "no answer" and "no_answer" compare equal.
func NormalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}

// IsTerminalStatus reports whether the vendor considers the call finished.
func IsTerminalStatus(status string) bool {
	_, ok := terminalStatuses[NormalizeStatus(status)]
	return ok
}

// IsExplicitCompletion reports whether the vendor status itself says the call
// ran to its end (as opposed to failing to connect).
func IsExplicitCompletion(status string) bool {
	s := NormalizeStatus(status)
	return s == "completed" || s == "ended"
}
