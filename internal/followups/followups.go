// Package followups stores scheduled call intents and their admission gate.
package followups

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a follow-up task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"

	TypeReminderCall = "reminder_call"
)

// ErrNotFound is returned when no task matches.
var ErrNotFound = errors.New("follow-up task not found")

// Task is a scheduled intent to place (or retry) a call.
type Task struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	ContactID     *uuid.UUID
	ParentTaskID  *uuid.UUID
	TaskType      string
	ScheduledTime time.Time
	Status        Status
	AutoExecute   bool
	Attempts      int
	MaxAttempts   int
	LastError     string
	CreatedAt     time.Time
}

// CanRetry reports whether a failed attempt may be followed by a retry task.
func (t Task) CanRetry() bool {
	return t.Attempts < t.MaxAttempts
}

// Store is the persistence contract for follow-up tasks.
type Store interface {
	// ListDue returns pending auto-executing tasks scheduled at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Task, error)
	// Claim atomically moves a pending task to processing and increments its
	// attempts. It returns false when another worker already claimed it.
	Claim(ctx context.Context, id uuid.UUID) (Task, bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, note string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	// CreateRetry inserts the single retry of parent. It returns false when
	// parent already has one.
	CreateRetry(ctx context.Context, parent Task, runAt time.Time) (Task, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (Task, error)
}
