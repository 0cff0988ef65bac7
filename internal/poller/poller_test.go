package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reminder_calls_backend/internal/outcome"
	"reminder_calls_backend/internal/sessions"
	"reminder_calls_backend/internal/sessions/sessionstest"
	"reminder_calls_backend/internal/voiceagent"
	"reminder_calls_backend/platform/apperr"
	"reminder_calls_backend/platform/logger"

	"github.com/google/uuid"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		15 * time.Second,
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
		600 * time.Second,
		600 * time.Second,
	}
	for attempt, w := range want {
		if got := Backoff(attempt); got != w {
			t.Errorf("Backoff(%d) = %s, want %s", attempt, got, w)
		}
	}
	if Backoff(64) != maxDelay || Backoff(-1) != baseDelay {
		t.Fatal("expected out-of-range attempts to clamp")
	}
}

type fakeVendor struct {
	mu       sync.Mutex
	calls    map[string]voiceagent.CallDetail
	errs     map[string]error
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeVendor) GetCall(_ context.Context, callID string) (voiceagent.CallDetail, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[callID]; ok {
		return voiceagent.CallDetail{}, err
	}
	if d, ok := f.calls[callID]; ok {
		return d, nil
	}
	return voiceagent.CallDetail{CallID: callID, CallStatus: "ongoing"}, nil
}

func putDue(store *sessionstest.Store, callID string, attempts int) sessions.Session {
	contactID := uuid.New()
	due := testNow.Add(-time.Second)
	sess := sessions.Session{
		ID:             uuid.New(),
		TenantID:       uuid.New(),
		ContactID:      &contactID,
		ExternalCallID: callID,
		Status:         outcome.StatusActive,
		PollAttempts:   attempts,
		NextPollAt:     &due,
		StartTime:      testNow.Add(-3 * time.Minute),
	}
	store.Put(sess)
	return sess
}

func newTestPoller(store *sessionstest.Store, vendor CallFetcher, cfg Config) *Poller {
	svc := sessions.NewService(store, nil, logger.Nop())
	svc.SetClock(func() time.Time { return testNow })
	p := New(svc, vendor, cfg, logger.Nop())
	p.SetClock(func() time.Time { return testNow })
	return p
}

func TestTickSettlesReschedulesAndIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	store := sessionstest.New()
	confirmed := true
	vendor := &fakeVendor{
		calls: map[string]voiceagent.CallDetail{
			"call-done": {
				CallID:     "call-done",
				CallStatus: "ended",
				Analysis: &voiceagent.CallAnalysis{
					CustomAnalysisData: &voiceagent.CustomAnalysis{AppointmentConfirmed: &confirmed},
				},
			},
		},
		errs: map[string]error{
			"call-broken": apperr.Unavailable("voice agent returned 503", nil),
		},
	}

	done := putDue(store, "call-done", 1)
	ongoing := putDue(store, "call-ongoing", 2)
	broken := putDue(store, "call-broken", 0)

	notDue := testNow.Add(time.Minute)
	later := sessions.Session{ID: uuid.New(), TenantID: uuid.New(), ExternalCallID: "call-later",
		Status: outcome.StatusActive, NextPollAt: &notDue, StartTime: testNow}
	store.Put(later)

	stats, err := newTestPoller(store, vendor, Config{}).Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Claimed != 3 || stats.Settled != 1 || stats.Rescheduled != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	got, _ := store.GetByID(ctx, done.ID)
	if got.Status != outcome.StatusCompleted || got.NextPollAt != nil || got.Outcome != outcome.Confirmed {
		t.Fatalf("expected settled confirmed session, got %+v", got)
	}
	if got.SourceOfTruth != outcome.SourcePoll || got.ContactStatusPropagatedAt == nil {
		t.Fatalf("expected poll source and propagation, got %+v", got)
	}

	got, _ = store.GetByID(ctx, ongoing.ID)
	if got.PollAttempts != 3 || got.NextPollAt == nil || !got.NextPollAt.Equal(testNow.Add(60*time.Second)) {
		t.Fatalf("expected third backoff step, got attempts=%d next=%v", got.PollAttempts, got.NextPollAt)
	}
	if got.Outcome != outcome.Unknown || got.LastPollPayload == nil {
		t.Fatalf("expected partial signal merged and payload kept, got %+v", got)
	}

	got, _ = store.GetByID(ctx, broken.ID)
	if got.Status != outcome.StatusActive || got.PollAttempts != 1 || !got.NextPollAt.Equal(testNow.Add(15*time.Second)) {
		t.Fatalf("expected failed poll to back off, got %+v", got)
	}

	got, _ = store.GetByID(ctx, later.ID)
	if got.PollAttempts != 0 || !got.NextPollAt.Equal(notDue) {
		t.Fatal("session not yet due must be left alone")
	}
}

func TestTickBoundsConcurrency(t *testing.T) {
	store := sessionstest.New()
	for i := 0; i < 12; i++ {
		putDue(store, fmt.Sprintf("call-%d", i), 0)
	}
	vendor := &fakeVendor{delay: 20 * time.Millisecond}

	stats, err := newTestPoller(store, vendor, Config{Concurrency: 5}).Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Claimed != 12 || stats.Rescheduled != 12 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if peak := vendor.peak.Load(); peak > 5 {
		t.Fatalf("expected at most 5 concurrent polls, saw %d", peak)
	}
}

func TestTickSurvivesCancelledLoopContext(t *testing.T) {
	store := sessionstest.New()
	sess := putDue(store, "call-x", 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Items run on a detached context once claimed.
	if _, err := newTestPoller(store, &fakeVendor{}, Config{}).Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := store.GetByID(context.Background(), sess.ID)
	if got.PollAttempts != 1 {
		t.Fatalf("expected in-flight poll to finish, got attempts=%d", got.PollAttempts)
	}
}

type failingStore struct {
	*sessionstest.Store
}

func (failingStore) ClaimDueForPoll(context.Context, time.Time, time.Time, int) ([]sessions.Session, error) {
	return nil, errors.New("connection refused")
}

func TestTickReportsClaimFailure(t *testing.T) {
	svc := sessions.NewService(failingStore{sessionstest.New()}, nil, logger.Nop())
	p := New(svc, &fakeVendor{}, Config{}, logger.Nop())
	if _, err := p.Tick(context.Background()); err == nil {
		t.Fatal("expected claim error")
	}
}

func TestDeadLetterSweeper(t *testing.T) {
	store := sessionstest.New()
	sess := putDue(store, "call-stuck", 4)
	sess.StartTime = testNow.Add(-31 * time.Minute)
	store.Put(sess)
	putDue(store, "call-recent", 1)

	svc := sessions.NewService(store, nil, logger.Nop())
	svc.SetClock(func() time.Time { return testNow })
	n, err := NewDeadLetterSweeper(svc, 30*time.Minute, logger.Nop()).Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one dead-lettered session, got %d %v", n, err)
	}
	got, _ := store.GetByID(context.Background(), sess.ID)
	if got.Status != outcome.StatusFailed || got.NextPollAt != nil || got.FailureReason != sessions.DeadLetterReason {
		t.Fatalf("unexpected dead-letter state %+v", got)
	}
}
