package tenants

import (
	"testing"
	"time"
	_ "time/tzdata"
)

func TestBusinessHoursIsOpen(t *testing.T) {
	hours, err := ParseBusinessHours([]byte(`[
		{"day":1,"open":"09:00","close":"17:30"},
		{"day":6,"open":"10:00","close":"24:00"}
	]`), "Europe/Amsterdam")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		// 2026-03-02 is a Monday; Amsterdam is UTC+1 in March before DST.
		{"monday morning local", time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), true},
		{"monday before open", time.Date(2026, 3, 2, 7, 59, 0, 0, time.UTC), false},
		{"monday at close", time.Date(2026, 3, 2, 16, 30, 0, 0, time.UTC), false},
		{"tuesday closed", time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), false},
		{"saturday late", time.Date(2026, 3, 7, 22, 59, 0, 0, time.UTC), true},
	}
	for _, tc := range cases {
		if got := hours.IsOpen(tc.at); got != tc.want {
			t.Errorf("%s: IsOpen = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestBusinessHoursEmptyMeansAlwaysOpen(t *testing.T) {
	hours, err := ParseBusinessHours([]byte(`[]`), "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !hours.IsOpen(time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)) {
		t.Fatal("expected empty schedule to be open")
	}
}

func TestParseBusinessHoursRejectsBadInput(t *testing.T) {
	cases := []struct {
		raw string
		tz  string
	}{
		{`[{"day":1,"open":"17:00","close":"09:00"}]`, "UTC"},
		{`[{"day":9,"open":"09:00","close":"17:00"}]`, "UTC"},
		{`[{"day":1,"open":"9am","close":"17:00"}]`, "UTC"},
		{`[]`, "Mars/Olympus"},
		{`{`, "UTC"},
	}
	for _, tc := range cases {
		if _, err := ParseBusinessHours([]byte(tc.raw), tc.tz); err == nil {
			t.Errorf("expected %s (%s) to be rejected", tc.raw, tc.tz)
		}
	}
}
