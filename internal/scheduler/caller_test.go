package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reminder_calls_backend/internal/followups"
	"reminder_calls_backend/internal/followups/followupstest"
	"reminder_calls_backend/internal/outcome"
	"reminder_calls_backend/internal/quota"
	"reminder_calls_backend/internal/sessions/sessionstest"
	"reminder_calls_backend/internal/tenants"
	"reminder_calls_backend/internal/voiceagent"
	"reminder_calls_backend/platform/apperr"
	"reminder_calls_backend/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var schedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeDirectory struct {
	tenants  map[uuid.UUID]tenants.Tenant
	contacts map[uuid.UUID]tenants.Contact
}

func (d *fakeDirectory) GetTenant(_ context.Context, id uuid.UUID) (tenants.Tenant, error) {
	t, ok := d.tenants[id]
	if !ok {
		return tenants.Tenant{}, tenants.ErrTenantNotFound
	}
	return t, nil
}

func (d *fakeDirectory) GetContact(_ context.Context, id uuid.UUID) (tenants.Contact, error) {
	c, ok := d.contacts[id]
	if !ok {
		return tenants.Contact{}, tenants.ErrContactNotFound
	}
	return c, nil
}

type fakePolicies struct {
	limits   quota.Limits
	schedule quota.Schedule
}

func (p *fakePolicies) QuotaPolicy(context.Context, uuid.UUID) (quota.Policy, error) {
	return quota.Policy{Limits: p.limits, Schedule: p.schedule}, nil
}

// officeHours is open from open (inclusive) to close (exclusive), UTC hours.
type officeHours struct{ open, close int }

func (h officeHours) IsOpen(t time.Time) bool {
	hour := t.UTC().Hour()
	return hour >= h.open && hour < h.close
}

type fakePlacer struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	last  voiceagent.CreateCallRequest
	mu    sync.Mutex
}

func (f *fakePlacer) CreateCall(_ context.Context, req voiceagent.CreateCallRequest) (voiceagent.CreateCallResponse, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.err != nil {
		return voiceagent.CreateCallResponse{}, f.err
	}
	return voiceagent.CreateCallResponse{CallID: fmt.Sprintf("call-%d", n), CallStatus: "registered"}, nil
}

type schedulerFixture struct {
	tasks    *followupstest.Store
	sessions *sessionstest.Store
	dir      *fakeDirectory
	policies *fakePolicies
	quota    *quota.Manager
	vendor   *fakePlacer
	sched    *CallScheduler
	tenant   tenants.Tenant
	contact  tenants.Contact
	clock    time.Time
	mu       sync.Mutex
}

func newSchedulerFixture(t *testing.T, limits quota.Limits) *schedulerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	appointment := schedNow.Add(26 * time.Hour)
	f := &schedulerFixture{
		tasks:    followupstest.New(),
		sessions: sessionstest.New(),
		vendor:   &fakePlacer{},
		clock:    schedNow,
		tenant: tenants.Tenant{
			ID:           uuid.New(),
			Name:         "Tandarts Centrum",
			Status:       tenants.StatusActive,
			RetryDelay:   2 * time.Hour,
			VoiceAgentID: "agent_123",
			FromNumber:   "+31201234567",
		},
	}
	f.contact = tenants.Contact{
		ID:                uuid.New(),
		TenantID:          f.tenant.ID,
		FirstName:         "Sanne",
		Phone:             "+31612345678",
		AppointmentAt:     &appointment,
		AppointmentStatus: tenants.AppointmentScheduled,
	}
	f.dir = &fakeDirectory{
		tenants:  map[uuid.UUID]tenants.Tenant{f.tenant.ID: f.tenant},
		contacts: map[uuid.UUID]tenants.Contact{f.contact.ID: f.contact},
	}

	f.policies = &fakePolicies{limits: limits}
	f.quota = quota.NewManager(rdb, f.policies, quota.Options{}, logger.Nop())
	f.quota.SetClock(f.now)
	f.sched = NewCallScheduler(f.tasks, f.sessions, f.dir, f.quota, f.vendor, nil, CallSchedulerOptions{}, logger.Nop())
	f.sched.SetClock(f.now)
	return f
}

func (f *schedulerFixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func (f *schedulerFixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(d)
}

func (f *schedulerFixture) putTask() followups.Task {
	contactID := f.contact.ID
	return f.tasks.Put(followups.Task{
		TenantID:      f.tenant.ID,
		ContactID:     &contactID,
		ScheduledTime: schedNow.Add(-time.Minute),
		AutoExecute:   true,
	})
}

func (f *schedulerFixture) tenantCount(t *testing.T) int {
	t.Helper()
	usage, err := f.quota.Usage(context.Background(), f.tenant.ID, "")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	return usage.Windows[0].Count
}

func TestTickPlacesCallAndConfirmsReservation(t *testing.T) {
	f := newSchedulerFixture(t, quota.Limits{Per15Minutes: 5})
	task := f.putTask()

	stats, err := f.sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Placed != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	got, _ := f.tasks.GetByID(context.Background(), task.ID)
	if got.Status != followups.StatusCompleted || got.Attempts != 1 {
		t.Fatalf("expected completed task after one attempt, got %+v", got)
	}

	all := f.sessions.All()
	if len(all) != 1 {
		t.Fatalf("expected one session, got %d", len(all))
	}
	sess := all[0]
	if sess.Status != outcome.StatusActive || sess.ExternalCallID != "call-1" {
		t.Fatalf("expected active session with vendor id, got %+v", sess)
	}
	if sess.NextPollAt == nil || !sess.NextPollAt.Equal(schedNow.Add(90*time.Second)) {
		t.Fatalf("expected first poll after 90s, got %v", sess.NextPollAt)
	}

	rec, err := f.quota.Get(context.Background(), sess.ReservationID)
	if err != nil || rec.State != quota.StateConfirmed {
		t.Fatalf("expected confirmed reservation, got %+v %v", rec, err)
	}
	if f.tenantCount(t) != 1 {
		t.Fatal("expected the call to consume one unit of quota")
	}

	f.vendor.mu.Lock()
	req := f.vendor.last
	f.vendor.mu.Unlock()
	if req.ToNumber != f.contact.Phone || req.AgentID != "agent_123" {
		t.Fatalf("unexpected vendor request %+v", req)
	}
	if req.DynamicVariables["first_name"] != "Sanne" || req.Metadata["session_id"] != sess.ID.String() {
		t.Fatalf("expected contact variables and session metadata, got %+v", req)
	}
}

func TestBusinessHoursAreCheckedAtDialTime(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, quota.Limits{})
	f.policies.schedule = officeHours{open: 9, close: 17}

	// Due at 16:59 but only picked up after closing.
	f.advance(7*time.Hour + 30*time.Minute)
	contactID := f.contact.ID
	late := f.tasks.Put(followups.Task{
		TenantID:      f.tenant.ID,
		ContactID:     &contactID,
		ScheduledTime: time.Date(2026, 3, 2, 16, 59, 0, 0, time.UTC),
		AutoExecute:   true,
	})

	stats, err := f.sched.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Denied != 1 || f.vendor.calls.Load() != 0 {
		t.Fatalf("expected the after-hours call to be denied, got %+v calls=%d", stats, f.vendor.calls.Load())
	}
	got, _ := f.tasks.GetByID(ctx, late.ID)
	if got.Status != followups.StatusFailed || got.LastError != "quota denied: "+quota.ViolationOutsideBusinessHours {
		t.Fatalf("unexpected task state %q %q", got.Status, got.LastError)
	}
}

func TestOverlappingTicksPlaceOneCall(t *testing.T) {
	f := newSchedulerFixture(t, quota.Limits{})
	f.vendor.delay = 30 * time.Millisecond
	f.putTask()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.sched.Tick(context.Background()); err != nil {
				t.Errorf("tick: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := f.vendor.calls.Load(); n != 1 {
		t.Fatalf("expected exactly one vendor call, got %d", n)
	}
	if n := len(f.sessions.All()); n != 1 {
		t.Fatalf("expected one session, got %d", n)
	}
}

func TestVendorFailureReleasesAndRetriesOnce(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, quota.Limits{Per15Minutes: 5})
	f.vendor.err = apperr.Unavailable("voice agent returned 503", nil)
	original := f.putTask()

	stats, _ := f.sched.Tick(ctx)
	if stats.Failed != 1 || stats.Retries != 1 {
		t.Fatalf("unexpected first tick stats %+v", stats)
	}
	if f.tenantCount(t) != 0 {
		t.Fatal("expected released reservation to return capacity")
	}
	failed, _ := f.tasks.GetByID(ctx, original.ID)
	if failed.Status != followups.StatusFailed {
		t.Fatalf("expected failed original task, got %s", failed.Status)
	}
	sess := f.sessions.All()[0]
	if sess.Status != outcome.StatusFailed || sess.NextPollAt != nil {
		t.Fatalf("expected failed session with no polling, got %+v", sess)
	}

	tasks := f.tasks.All()
	if len(tasks) != 2 {
		t.Fatalf("expected original plus one retry, got %d tasks", len(tasks))
	}
	retry := tasks[1]
	if retry.ParentTaskID == nil || *retry.ParentTaskID != original.ID {
		t.Fatalf("expected retry linked to the original task, got %+v", retry)
	}
	if !retry.ScheduledTime.Equal(schedNow.Add(2 * time.Hour)) {
		t.Fatalf("expected tenant retry delay, got %s", retry.ScheduledTime)
	}

	// Not due yet.
	if stats, _ := f.sched.Tick(ctx); stats.Due != 0 {
		t.Fatalf("retry ran early: %+v", stats)
	}

	f.advance(2*time.Hour + time.Second)
	stats, _ = f.sched.Tick(ctx)
	if stats.Failed != 1 || stats.Retries != 0 {
		t.Fatalf("expected retry to fail without another retry, got %+v", stats)
	}
	if n := len(f.tasks.All()); n != 2 {
		t.Fatalf("retry budget exceeded: %d tasks", n)
	}
	if f.vendor.calls.Load() != 2 {
		t.Fatalf("expected two vendor attempts, got %d", f.vendor.calls.Load())
	}
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	f := newSchedulerFixture(t, quota.Limits{})
	f.vendor.err = apperr.Validation("invalid destination number")
	task := f.putTask()

	stats, _ := f.sched.Tick(context.Background())
	if stats.Failed != 1 || stats.Retries != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if n := len(f.tasks.All()); n != 1 {
		t.Fatalf("expected no retry task, got %d tasks", n)
	}
	got, _ := f.tasks.GetByID(context.Background(), task.ID)
	if got.Status != followups.StatusFailed {
		t.Fatalf("expected failed task, got %s", got.Status)
	}
	if f.tenantCount(t) != 0 {
		t.Fatal("expected reservation released")
	}
}

func TestQuotaDenialFailsWithoutDialing(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, quota.Limits{Per15Minutes: 1})
	if _, err := f.quota.CheckAndReserve(ctx, quota.ReserveRequest{TenantID: f.tenant.ID, Phone: "+31687654321"}); err != nil {
		t.Fatalf("pre-reserve: %v", err)
	}
	task := f.putTask()

	stats, _ := f.sched.Tick(ctx)
	if stats.Denied != 1 || stats.Retries != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if f.vendor.calls.Load() != 0 || len(f.sessions.All()) != 0 {
		t.Fatal("denied task must not reach the vendor")
	}
	got, _ := f.tasks.GetByID(ctx, task.ID)
	if got.Status != followups.StatusFailed || got.LastError == "" {
		t.Fatalf("expected failed task with violation, got %+v", got)
	}
	if n := len(f.tasks.All()); n != 1 {
		t.Fatal("quota denial must not schedule a retry")
	}
}

func TestTickSkipsConfirmedAndContactlessTasks(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, quota.Limits{})
	confirmed := f.contact
	confirmed.AppointmentStatus = tenants.AppointmentConfirmed
	f.dir.contacts[confirmed.ID] = confirmed

	withContact := f.putTask()
	contactless := f.tasks.Put(followups.Task{
		TenantID:      f.tenant.ID,
		ScheduledTime: schedNow.Add(-time.Minute),
		AutoExecute:   true,
	})

	stats, _ := f.sched.Tick(ctx)
	if stats.Skipped != 2 || f.vendor.calls.Load() != 0 {
		t.Fatalf("expected both tasks skipped without dialing, got %+v", stats)
	}
	for _, id := range []uuid.UUID{withContact.ID, contactless.ID} {
		got, _ := f.tasks.GetByID(ctx, id)
		if got.Status != followups.StatusCompleted {
			t.Fatalf("expected skipped task completed, got %s", got.Status)
		}
	}
	if f.tenantCount(t) != 0 {
		t.Fatal("skipped tasks must not reserve quota")
	}
}

func TestMissingContactFailsWithoutRetry(t *testing.T) {
	f := newSchedulerFixture(t, quota.Limits{})
	missing := uuid.New()
	f.tasks.Put(followups.Task{
		TenantID:      f.tenant.ID,
		ContactID:     &missing,
		ScheduledTime: schedNow.Add(-time.Minute),
		AutoExecute:   true,
	})

	stats, _ := f.sched.Tick(context.Background())
	if stats.Failed != 1 || stats.Retries != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

type failingTasks struct {
	*followupstest.Store
}

func (failingTasks) ListDue(context.Context, time.Time, int) ([]followups.Task, error) {
	return nil, errors.New("connection reset")
}

func TestTickReportsListFailure(t *testing.T) {
	f := newSchedulerFixture(t, quota.Limits{})
	sched := NewCallScheduler(failingTasks{f.tasks}, f.sessions, f.dir, f.quota, f.vendor, nil, CallSchedulerOptions{}, logger.Nop())
	if _, err := sched.Tick(context.Background()); err == nil {
		t.Fatal("expected list error")
	}
}
