package outcome

import "testing"

func boolPtr(b bool) *bool { return &b }

func TestDetermineCascade(t *testing.T) {
	cases := []struct {
		name     string
		signal   Signal
		want     Outcome
		wantRule string
	}{
		{
			name: "rescheduled flag beats confirmed flag",
			signal: Signal{Status: "ended", Analysis: &Analysis{
				AppointmentConfirmed:   boolPtr(true),
				AppointmentRescheduled: boolPtr(true),
			}},
			want:     Rescheduled,
			wantRule: "analysis.appointment_rescheduled",
		},
		{
			name:     "cancelled flag",
			signal:   Signal{Status: "ended", Analysis: &Analysis{AppointmentCancelled: boolPtr(true)}},
			want:     Cancelled,
			wantRule: "analysis.appointment_cancelled",
		},
		{
			name:     "voicemail flag",
			signal:   Signal{Status: "ended", Analysis: &Analysis{ReachedVoicemail: boolPtr(true)}},
			want:     Voicemail,
			wantRule: "analysis.reached_voicemail",
		},
		{
			name:     "customer not engaged",
			signal:   Signal{Status: "ended", Analysis: &Analysis{CustomerEngaged: boolPtr(false)}},
			want:     NoAnswer,
			wantRule: "analysis.customer_not_engaged",
		},
		{
			name: "false flags fall through to topics",
			signal: Signal{Status: "ended", Analysis: &Analysis{
				AppointmentConfirmed: boolPtr(false),
				CustomerEngaged:      boolPtr(true),
				DiscussionTopics:     []string{"Pricing", "Wants to Reschedule"},
			}},
			want:     Rescheduled,
			wantRule: "topic:reschedul",
		},
		{
			name:     "legacy outcome string",
			signal:   Signal{Status: "ended", LegacyOutcome: "Customer confirmed the visit"},
			want:     Confirmed,
			wantRule: "legacy:confirm",
		},
		{
			name:     "legacy unanswered is not answered",
			signal:   Signal{Status: "ended", LegacyOutcome: "unanswered"},
			want:     NoAnswer,
			wantRule: "legacy:unanswered",
		},
		{
			name:     "disconnection reason beats generic status",
			signal:   Signal{Status: "ended", DisconnectionReason: "dial_no_answer"},
			want:     NoAnswer,
			wantRule: "disconnection:dial_no_answer",
		},
		{
			name:     "busy status",
			signal:   Signal{Status: "Busy"},
			want:     Busy,
			wantRule: "status:busy",
		},
		{
			name:     "vendor canceled is a failed call, not a cancelled appointment",
			signal:   Signal{Status: "canceled"},
			want:     Failed,
			wantRule: "status:canceled",
		},
		{
			name:     "in progress is unknown",
			signal:   Signal{Status: "ongoing"},
			want:     Unknown,
			wantRule: "fallback:unknown",
		},
	}

	for _, tc := range cases {
		got := Determine(tc.signal)
		if got.Outcome != tc.want || got.Rule != tc.wantRule {
			t.Errorf("%s: Determine() = %+v, want %q via %q", tc.name, got, tc.want, tc.wantRule)
		}
	}
}

func TestDetermineCompletedNeverMeansConfirmed(t *testing.T) {
	for _, status := range []string{"completed", "COMPLETED", "ended"} {
		got := Determine(Signal{Status: status, Analysis: &Analysis{Summary: "Spoke with the customer."}})
		if got.Outcome != Answered {
			t.Fatalf("status %q mapped to %q, want answered", status, got.Outcome)
		}
	}
}

func TestTerminalSessionStatus(t *testing.T) {
	cases := []struct {
		status string
		o      Outcome
		want   SessionStatus
	}{
		{"ended", Confirmed, StatusCompleted},
		{"ended", Unknown, StatusCompleted},
		{"failed", Failed, StatusFailed},
		{"error", Unknown, StatusFailed},
		{"busy", Busy, StatusCompleted},
	}
	for _, tc := range cases {
		if got := TerminalSessionStatus(tc.status, tc.o); got != tc.want {
			t.Errorf("TerminalSessionStatus(%q, %q) = %q, want %q", tc.status, tc.o, got, tc.want)
		}
	}
}

func TestIsSettled(t *testing.T) {
	if IsSettled("ongoing", Answered) {
		t.Fatal("ongoing answered call must keep polling")
	}
	if !IsSettled("ongoing", Voicemail) {
		t.Fatal("a terminal outcome settles the call")
	}
	if !IsSettled("No-Answer", Unknown) {
		t.Fatal("a terminal vendor status settles the call")
	}
}
