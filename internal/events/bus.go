// Package events re-exports the platform event bus so domain packages can
// import one events package for both definitions and wiring.
package events

import (
	platformevents "reminder_calls_backend/platform/events"
	"reminder_calls_backend/platform/logger"
)

// InMemoryBus is a type alias to the platform InMemoryBus
type InMemoryBus = platformevents.InMemoryBus

// NewInMemoryBus creates a new in-memory event bus.
func NewInMemoryBus(log *logger.Logger) *InMemoryBus {
	return platformevents.NewInMemoryBus(log)
}
