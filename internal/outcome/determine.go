package outcome

import "strings"

// Determination is a derived outcome plus the rule that produced it.
type Determination struct {
	Outcome Outcome `json:"outcome" validate:"required"`
	Rule    string  `json:"rule"`
}

type keywordRule struct {
	outcome  Outcome
	keywords []string
}

// Topic keywords, strongest outcome first.
var topicRules = []keywordRule{
	{Rescheduled, []string{"reschedul", "new time", "different time", "move the appointment"}},
	{Cancelled, []string{"cancel"}},
	{Confirmed, []string{"confirm"}},
	{Voicemail, []string{"voicemail", "voice mail"}},
}

// Legacy free-text outcome keywords, strongest outcome first. no_answer is
// checked before answered so "unanswered" never reads as answered.
var legacyRules = []keywordRule{
	{Rescheduled, []string{"reschedul"}},
	{Cancelled, []string{"cancel"}},
	{Confirmed, []string{"confirm"}},
	{Voicemail, []string{"voicemail", "voice mail", "answering machine"}},
	{NoAnswer, []string{"no answer", "no_answer", "not answered", "unanswered"}},
	{Busy, []string{"busy"}},
	{Answered, []string{"answered", "connected"}},
	{Failed, []string{"fail", "error"}},
}

var disconnectionOutcomes = map[string]Outcome{
	"dial_busy":         Busy,
	"user_busy":         Busy,
	"dial_no_answer":    NoAnswer,
	"no_answer":         NoAnswer,
	"voicemail_reached": Voicemail,
	"machine_detected":  Voicemail,
	"dial_failed":       Failed,
	"invalid_number":    Failed,
	"error":             Failed,
}

var statusOutcomes = map[string]Outcome{
	"busy":                Busy,
	"dial_busy":           Busy,
	"no_answer":           NoAnswer,
	"noanswer":            NoAnswer,
	"not_answered":        NoAnswer,
	"voicemail":           Voicemail,
	"failed":              Failed,
	"error":               Failed,
	"not_connected":       Failed,
	"canceled":            Failed,
	"invalid_destination": Failed,
	// Completion only means the line connected. It never implies that an
	// appointment was confirmed.
	"completed": Answered,
	"ended":     Answered,
	"answered":  Answered,
}

// Determine derives one canonical outcome from sig using a strict cascade:
// structured analysis flags, then discussion topics, then the legacy
// free-text outcome, then the raw call status.
func Determine(sig Signal) Determination {
	if d, ok := fromAnalysisFlags(sig.Analysis); ok {
		return d
	}
	if sig.Analysis != nil {
		if d, ok := matchKeywords("topic", topicRules, sig.Analysis.DiscussionTopics...); ok {
			return d
		}
	}
	if sig.LegacyOutcome != "" {
		if d, ok := matchKeywords("legacy", legacyRules, sig.LegacyOutcome); ok {
			return d
		}
	}
	return fromStatus(sig.Status, sig.DisconnectionReason)
}

func fromAnalysisFlags(a *Analysis) (Determination, bool) {
	if a == nil {
		return Determination{}, false
	}
	switch {
	case isTrue(a.AppointmentRescheduled):
		return Determination{Outcome: Rescheduled, Rule: "analysis.appointment_rescheduled"}, true
	case isTrue(a.AppointmentCancelled):
		return Determination{Outcome: Cancelled, Rule: "analysis.appointment_cancelled"}, true
	case isTrue(a.AppointmentConfirmed):
		return Determination{Outcome: Confirmed, Rule: "analysis.appointment_confirmed"}, true
	case isTrue(a.ReachedVoicemail):
		return Determination{Outcome: Voicemail, Rule: "analysis.reached_voicemail"}, true
	case a.CustomerEngaged != nil && !*a.CustomerEngaged:
		return Determination{Outcome: NoAnswer, Rule: "analysis.customer_not_engaged"}, true
	}
	return Determination{}, false
}

func matchKeywords(kind string, rules []keywordRule, texts ...string) (Determination, bool) {
	lowered := make([]string, 0, len(texts))
	for _, t := range texts {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lowered = append(lowered, t)
		}
	}
	if len(lowered) == 0 {
		return Determination{}, false
	}

	for _, rule := range rules {
		for _, kw := range rule.keywords {
			for _, text := range lowered {
				if strings.Contains(text, kw) {
					return Determination{Outcome: rule.outcome, Rule: kind + ":" + kw}, true
				}
			}
		}
	}
	return Determination{}, false
}

func fromStatus(status, disconnection string) Determination {
	if reason := NormalizeStatus(disconnection); reason != "" {
		if o, ok := disconnectionOutcomes[reason]; ok {
			return Determination{Outcome: o, Rule: "disconnection:" + reason}
		}
	}
	s := NormalizeStatus(status)
	if o, ok := statusOutcomes[s]; ok {
		return Determination{Outcome: o, Rule: "status:" + s}
	}
	return Determination{Outcome: Unknown, Rule: "fallback:unknown"}
}

func isTrue(b *bool) bool {
	return b != nil && *b
}
