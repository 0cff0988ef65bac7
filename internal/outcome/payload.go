package outcome

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reminder_calls_backend/platform/validator"
)

// PayloadVersion is the only payload schema this build writes and reads.
const PayloadVersion = 1

// ErrUnsupportedPayloadVersion is returned when a stored payload was written
// with a schema this build does not understand.
var ErrUnsupportedPayloadVersion = errors.New("unsupported payload version")

var payloadValidator = validator.New()

// Payload is the persisted record of one vendor report: the raw fields the
// outcome was derived from plus the determination itself. It backs the
// last_poll_payload and outcome_payload columns.
type Payload struct {
	Version             int           `json:"version" validate:"required"`
	Source              Source        `json:"source" validate:"required,oneof=webhook poll"`
	Event               string        `json:"event,omitempty" validate:"max=64"`
	ReceivedAt          time.Time     `json:"receivedAt" validate:"required"`
	Status              string        `json:"status" validate:"max=64"`
	DisconnectionReason string        `json:"disconnectionReason,omitempty" validate:"max=128"`
	Analysis            *Analysis     `json:"analysis,omitempty"`
	Determination       Determination `json:"determination"`
}

// NewPayload builds a payload for a freshly derived determination.
func NewPayload(source Source, event string, sig Signal, det Determination, receivedAt time.Time) Payload {
	return Payload{
		Version:             PayloadVersion,
		Source:              source,
		Event:               event,
		ReceivedAt:          receivedAt.UTC(),
		Status:              sig.Status,
		DisconnectionReason: sig.DisconnectionReason,
		Analysis:            sig.Analysis,
		Determination:       det,
	}
}

// Encode validates p and serializes it.
func (p Payload) Encode() ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// DecodePayload parses and validates a stored payload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	if err := p.validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

func (p Payload) validate() error {
	if p.Version != PayloadVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedPayloadVersion, p.Version)
	}
	if err := payloadValidator.Struct(p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if !p.Determination.Outcome.Valid() {
		return fmt.Errorf("invalid payload: unknown outcome %q", p.Determination.Outcome)
	}
	return nil
}
