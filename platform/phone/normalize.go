// Package phone provides phone number utilities.
// This is part of the platform layer and contains no business logic.
package phone

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

const defaultRegion = "NL"

// ErrInvalidNumber is returned when a number cannot be canonicalised to E.164.
var ErrInvalidNumber = errors.New("invalid phone number")

// NormalizeE164 formats a phone number to E.164. If parsing fails, it returns the trimmed input.
func NormalizeE164(input string) string {
	normalized, err := ValidateE164(input)
	if err != nil {
		return strings.TrimSpace(input)
	}
	return normalized
}

// ValidateE164 parses input and returns its canonical E.164 form. Unlike
// NormalizeE164 it refuses anything that is not a valid dialable number, so
// callers can reject malformed destinations before they reach a vendor.
func ValidateE164(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", ErrInvalidNumber
	}

	number, err := phonenumbers.Parse(trimmed, defaultRegion)
	if err != nil {
		return "", ErrInvalidNumber
	}

	if !phonenumbers.IsValidNumber(number) {
		return "", ErrInvalidNumber
	}

	return phonenumbers.Format(number, phonenumbers.E164), nil
}
