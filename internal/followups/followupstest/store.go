// Package followupstest provides an in-memory followups.Store.
package followupstest

import (
	"context"
	"sort"
	"sync"
	"time"

	"reminder_calls_backend/internal/followups"

	"github.com/google/uuid"
)

type Store struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*followups.Task
}

func New() *Store {
	return &Store{tasks: make(map[uuid.UUID]*followups.Task)}
}

var _ followups.Store = (*Store)(nil)

// Put inserts a task; zero values get sensible defaults.
func (s *Store) Put(t followups.Task) followups.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = followups.StatusPending
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 2
	}
	if t.TaskType == "" {
		t.TaskType = followups.TypeReminderCall
	}
	cp := t
	s.tasks[t.ID] = &cp
	return cp
}

func (s *Store) All() []followups.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]followups.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out
}

func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]followups.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []followups.Task
	for _, t := range s.tasks {
		if t.Status == followups.StatusPending && t.AutoExecute && !t.ScheduledTime.After(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Claim(_ context.Context, id uuid.UUID) (followups.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != followups.StatusPending {
		return followups.Task{}, false, nil
	}
	t.Status = followups.StatusProcessing
	t.Attempts++
	return *t, true, nil
}

func (s *Store) MarkCompleted(_ context.Context, id uuid.UUID, note string) error {
	return s.finish(id, followups.StatusCompleted, note)
}

func (s *Store) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	return s.finish(id, followups.StatusFailed, reason)
}

func (s *Store) finish(id uuid.UUID, status followups.Status, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != followups.StatusProcessing {
		return nil
	}
	t.Status = status
	t.LastError = note
	return nil
}

func (s *Store) CreateRetry(_ context.Context, parent followups.Task, runAt time.Time) (followups.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ParentTaskID != nil && *t.ParentTaskID == parent.ID {
			return followups.Task{}, false, nil
		}
	}
	parentID := parent.ID
	retry := &followups.Task{
		ID:            uuid.New(),
		TenantID:      parent.TenantID,
		ContactID:     parent.ContactID,
		ParentTaskID:  &parentID,
		TaskType:      parent.TaskType,
		ScheduledTime: runAt,
		Status:        followups.StatusPending,
		AutoExecute:   true,
		Attempts:      parent.Attempts,
		MaxAttempts:   parent.MaxAttempts,
	}
	s.tasks[retry.ID] = retry
	return *retry, true, nil
}

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (followups.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return followups.Task{}, followups.ErrNotFound
	}
	return *t, nil
}
