package tenants

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Slot is one opening interval on a weekday. Day follows time.Weekday
// (0 = Sunday). Close may be "24:00".
type Slot struct {
	Day   time.Weekday `json:"day"`
	Open  string       `json:"open"`
	Close string       `json:"close"`
}

// BusinessHours decides whether calls may be placed at a given instant in
// the tenant's timezone. No slots means always open.
type BusinessHours struct {
	Location *time.Location
	Slots    []Slot
}

// ParseBusinessHours decodes the stored slots and resolves the timezone.
func ParseBusinessHours(raw []byte, timezone string) (BusinessHours, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return BusinessHours{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		loc = l
	}

	hours := BusinessHours{Location: loc}
	if len(raw) == 0 {
		return hours, nil
	}
	if err := json.Unmarshal(raw, &hours.Slots); err != nil {
		return BusinessHours{}, fmt.Errorf("decode business hours: %w", err)
	}
	for _, s := range hours.Slots {
		if s.Day < time.Sunday || s.Day > time.Saturday {
			return BusinessHours{}, fmt.Errorf("invalid business hours day %d", s.Day)
		}
		open, err := minuteOfDay(s.Open)
		if err != nil {
			return BusinessHours{}, err
		}
		closeAt, err := minuteOfDay(s.Close)
		if err != nil {
			return BusinessHours{}, err
		}
		if closeAt <= open {
			return BusinessHours{}, fmt.Errorf("business hours close %s is not after open %s", s.Close, s.Open)
		}
	}
	return hours, nil
}

// IsOpen reports whether t falls inside any slot.
func (h BusinessHours) IsOpen(t time.Time) bool {
	if len(h.Slots) == 0 {
		return true
	}
	loc := h.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()

	for _, s := range h.Slots {
		if s.Day != local.Weekday() {
			continue
		}
		open, err := minuteOfDay(s.Open)
		if err != nil {
			continue
		}
		closeAt, err := minuteOfDay(s.Close)
		if err != nil {
			continue
		}
		if minute >= open && minute < closeAt {
			return true
		}
	}
	return false
}

func minuteOfDay(hhmm string) (int, error) {
	parts := strings.Split(strings.TrimSpace(hhmm), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time of day %q", hhmm)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", hhmm)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", hhmm)
	}
	if h == 24 && m == 0 {
		return 24 * 60, nil
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time of day %q", hhmm)
	}
	return h*60 + m, nil
}
