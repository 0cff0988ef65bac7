// Package outcome holds the canonical call outcome vocabulary, its fixed
// precedence order, and the cascade that derives one outcome from a vendor
// signal. Both the webhook path and the poller depend on this package so
// that they classify calls identically.
package outcome

// Outcome is the canonical classification of what happened on a call.
type Outcome string

const (
	Rescheduled Outcome = "rescheduled"
	Cancelled   Outcome = "cancelled"
	Confirmed   Outcome = "confirmed"
	Voicemail   Outcome = "voicemail"
	NoAnswer    Outcome = "no_answer"
	Busy        Outcome = "busy"
	Answered    Outcome = "answered"
	Failed      Outcome = "failed"
	Unknown     Outcome = "unknown"
)

// precedence lists outcomes strongest-first. Ties are resolved by this order,
// never by recency.
//
// NOTE: no_answer and busy outrank answered, so a later poll can replace an
// earlier "answered" with either of them. This is the agreed business order;
// see DESIGN.md before changing it.
var precedence = [...]Outcome{
	Rescheduled,
	Cancelled,
	Confirmed,
	Voicemail,
	NoAnswer,
	Busy,
	Answered,
	Failed,
	Unknown,
}

var rankByOutcome = func() map[Outcome]int {
	m := make(map[Outcome]int, len(precedence))
	for i, o := range precedence {
		m[o] = i
	}
	return m
}()

// Source identifies which signal path produced an outcome.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
)

// All returns the vocabulary strongest-first.
func All() []Outcome {
	out := make([]Outcome, len(precedence))
	copy(out, precedence[:])
	return out
}

// Rank returns the precedence index of o (0 is strongest) and whether o is
// part of the vocabulary.
func Rank(o Outcome) (int, bool) {
	r, ok := rankByOutcome[o]
	return r, ok
}

// Valid reports whether o is a recognized outcome.
func (o Outcome) Valid() bool {
	_, ok := rankByOutcome[o]
	return ok
}

func (o Outcome) String() string { return string(o) }

// Stronger returns whichever of a and b ranks higher. A recognized outcome
// always beats an unrecognized one; equal ranks return a.
func Stronger(a, b Outcome) Outcome {
	ra, okA := Rank(a)
	rb, okB := Rank(b)
	switch {
	case !okA && !okB:
		if a == "" {
			return b
		}
		return a
	case !okA:
		return b
	case !okB:
		return a
	case rb < ra:
		return b
	default:
		return a
	}
}

// IsStrictlyStronger reports whether candidate would replace current.
func IsStrictlyStronger(candidate, current Outcome) bool {
	rc, ok := Rank(candidate)
	if !ok {
		return false
	}
	rcur, ok := Rank(current)
	if !ok {
		return true
	}
	return rc < rcur
}

// IsTerminal reports whether o settles the call on its own. "answered" and
// "unknown" do not: the vendor may still deliver an analysis.
func IsTerminal(o Outcome) bool {
	switch o {
	case Rescheduled, Cancelled, Confirmed, Voicemail, NoAnswer, Busy, Failed:
		return true
	default:
		return false
	}
}

// IsDefinitive reports whether o changes the state of the appointment and
// therefore has to be propagated to the contact.
func IsDefinitive(o Outcome) bool {
	return o == Confirmed || o == Cancelled || o == Rescheduled
}

// IsSuccessful reports whether o means the call reached somebody or something.
func IsSuccessful(o Outcome) bool {
	return o.Valid() && o != Failed && o != Unknown
}
