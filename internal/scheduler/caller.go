package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"reminder_calls_backend/internal/events"
	"reminder_calls_backend/internal/followups"
	"reminder_calls_backend/internal/quota"
	"reminder_calls_backend/internal/sessions"
	"reminder_calls_backend/internal/tenants"
	"reminder_calls_backend/internal/voiceagent"
	"reminder_calls_backend/platform/apperr"
	"reminder_calls_backend/platform/logger"
	"reminder_calls_backend/platform/sanitize"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCallBatchSize    = 50
	defaultCallConcurrency  = 5
	defaultCallItemTimeout  = time.Minute
	defaultInitialPollDelay = 90 * time.Second
	defaultRetryDelay       = 90 * time.Minute
)

// Directory reads the tenant and contact behind a task.
type Directory interface {
	GetTenant(ctx context.Context, id uuid.UUID) (tenants.Tenant, error)
	GetContact(ctx context.Context, id uuid.UUID) (tenants.Contact, error)
}

// Reserver is the quota reservation protocol.
type Reserver interface {
	CheckAndReserve(ctx context.Context, req quota.ReserveRequest) (quota.Reservation, error)
	Confirm(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID string) error
}

// CallPlacer creates outbound calls at the vendor.
type CallPlacer interface {
	CreateCall(ctx context.Context, req voiceagent.CreateCallRequest) (voiceagent.CreateCallResponse, error)
}

type Publisher interface {
	Publish(ctx context.Context, event events.Event)
}

// CallSchedulerOptions tunes the follow-up tick.
type CallSchedulerOptions struct {
	BatchSize         int
	Concurrency       int
	ItemTimeout       time.Duration
	InitialPollDelay  time.Duration
	DefaultRetryDelay time.Duration
}

// CallStats summarizes one scheduler tick.
type CallStats struct {
	Due     int
	Placed  int
	Skipped int
	Denied  int
	Failed  int
	Retries int
}

// CallScheduler executes due follow-up tasks: it reserves quota, opens a
// call session and asks the vendor to dial.
type CallScheduler struct {
	tasks    followups.Store
	sessions sessions.Store
	dir      Directory
	quota    Reserver
	vendor   CallPlacer
	bus      Publisher
	opts     CallSchedulerOptions
	log      *logger.Logger
	now      func() time.Time
}

func NewCallScheduler(tasks followups.Store, sessionStore sessions.Store, dir Directory, reserver Reserver, vendor CallPlacer, bus Publisher, opts CallSchedulerOptions, log *logger.Logger) *CallScheduler {
	if opts.BatchSize < 1 {
		opts.BatchSize = defaultCallBatchSize
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = defaultCallConcurrency
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = defaultCallItemTimeout
	}
	if opts.InitialPollDelay <= 0 {
		opts.InitialPollDelay = defaultInitialPollDelay
	}
	if opts.DefaultRetryDelay <= 0 {
		opts.DefaultRetryDelay = defaultRetryDelay
	}
	return &CallScheduler{
		tasks:    tasks,
		sessions: sessionStore,
		dir:      dir,
		quota:    reserver,
		vendor:   vendor,
		bus:      bus,
		opts:     opts,
		log:      log.WithComponent("call-scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *CallScheduler) SetClock(now func() time.Time) {
	s.now = now
}

type taskResult int

const (
	taskFailed taskResult = iota
	taskPlaced
	taskSkipped
	taskDenied
)

// Tick runs every due task once. Tasks claimed by an overlapping tick are
// skipped; a failing task never affects its siblings.
func (s *CallScheduler) Tick(ctx context.Context) (CallStats, error) {
	due, err := s.tasks.ListDue(ctx, s.now(), s.opts.BatchSize)
	if err != nil {
		s.log.Warn("list due follow-ups failed", "error", err)
		return CallStats{}, err
	}
	if len(due) == 0 {
		return CallStats{}, nil
	}

	var placed, skipped, denied, failed, retries atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.opts.Concurrency)

	for _, task := range due {
		task := task // per-iteration copy (go directive < 1.22)
		g.Go(func() error {
			res, retried := s.runTask(ctx, task)
			switch res {
			case taskPlaced:
				placed.Add(1)
			case taskSkipped:
				skipped.Add(1)
			case taskDenied:
				denied.Add(1)
			default:
				failed.Add(1)
			}
			if retried {
				retries.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := CallStats{
		Due:     len(due),
		Placed:  int(placed.Load()),
		Skipped: int(skipped.Load()),
		Denied:  int(denied.Load()),
		Failed:  int(failed.Load()),
		Retries: int(retries.Load()),
	}
	s.log.Debug("call scheduler tick finished",
		"due", stats.Due, "placed", stats.Placed, "skipped", stats.Skipped,
		"denied", stats.Denied, "failed", stats.Failed, "retries", stats.Retries)
	return stats, nil
}

// runTask runs detached from the loop context so shutdown lets it finish.
func (s *CallScheduler) runTask(ctx context.Context, due followups.Task) (taskResult, bool) {
	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ItemTimeout)
	defer cancel()
	log := s.log.With("taskId", due.ID, "tenantId", due.TenantID)

	task, claimed, err := s.tasks.Claim(itemCtx, due.ID)
	if err != nil {
		log.Warn("claim follow-up failed", "error", err)
		return taskFailed, false
	}
	if !claimed {
		return taskSkipped, false
	}

	if task.ContactID == nil {
		s.complete(itemCtx, task, "skipped: no contact")
		return taskSkipped, false
	}

	contact, err := s.dir.GetContact(itemCtx, *task.ContactID)
	if err != nil {
		if errors.Is(err, tenants.ErrContactNotFound) {
			err = apperr.Validation("contact not found")
		}
		return s.fail(itemCtx, task, nil, "", err)
	}
	if contact.AppointmentStatus == tenants.AppointmentConfirmed {
		s.complete(itemCtx, task, "skipped: appointment already confirmed")
		return taskSkipped, false
	}

	tenant, err := s.dir.GetTenant(itemCtx, task.TenantID)
	if err != nil {
		return s.fail(itemCtx, task, nil, "", err)
	}

	reservation, err := s.quota.CheckAndReserve(itemCtx, quota.ReserveRequest{
		TenantID:      task.TenantID,
		Phone:         contact.Phone,
		// Hours apply to when the call is dialled, not when it was due.
		ScheduledTime: s.now(),
	})
	if err != nil {
		return s.fail(itemCtx, task, &tenant, "", err)
	}
	if !reservation.Allowed {
		log.Info("follow-up denied by quota", "violations", reservation.Violations)
		s.markFailed(itemCtx, task, "quota denied: "+strings.Join(reservation.Violations, "; "))
		return taskDenied, false
	}

	callID, err := s.placeCall(itemCtx, task, tenant, contact, reservation.ReservationID)
	if err != nil {
		return s.fail(itemCtx, task, &tenant, reservation.ReservationID, err)
	}

	if err := s.quota.Confirm(itemCtx, reservation.ReservationID); err != nil {
		// The call is already dialing; its quota stays consumed either way.
		log.Warn("confirm reservation failed", "reservationId", reservation.ReservationID, "error", err)
	}
	s.complete(itemCtx, task, "call placed: "+callID)
	log.Info("reminder call placed", "callId", callID, "reservationId", reservation.ReservationID)
	return taskPlaced, false
}

// placeCall opens the session and dials. Once the vendor has accepted the
// call it is never reported as a failure.
func (s *CallScheduler) placeCall(ctx context.Context, task followups.Task, tenant tenants.Tenant, contact tenants.Contact, reservationID string) (string, error) {
	taskID := task.ID
	sess, err := s.sessions.Create(ctx, sessions.NewSession{
		TenantID:      task.TenantID,
		ContactID:     task.ContactID,
		TaskID:        &taskID,
		ReservationID: reservationID,
		StartTime:     s.now(),
	})
	if err != nil {
		return "", fmt.Errorf("create call session: %w", err)
	}

	resp, err := s.vendor.CreateCall(ctx, voiceagent.CreateCallRequest{
		FromNumber:       tenant.FromNumber,
		ToNumber:         contact.Phone,
		AgentID:          tenant.VoiceAgentID,
		DynamicVariables: dynamicVariables(tenant, contact),
		Metadata: map[string]string{
			"session_id": sess.ID.String(),
			"task_id":    task.ID.String(),
			"tenant_id":  task.TenantID.String(),
		},
	})
	if err != nil {
		if markErr := s.sessions.MarkFailed(ctx, sess.ID, err.Error(), s.now()); markErr != nil {
			s.log.Warn("mark session failed", "sessionId", sess.ID, "error", markErr)
		}
		return "", err
	}

	if err := s.sessions.Activate(ctx, sess.ID, resp.CallID, s.now().Add(s.opts.InitialPollDelay)); err != nil {
		// The dead-letter sweep closes the session if it never activates.
		s.log.Warn("activate call session failed", "sessionId", sess.ID, "callId", resp.CallID, "error", err)
	}
	return resp.CallID, nil
}

const maxSpokenRunes = 80

func dynamicVariables(tenant tenants.Tenant, contact tenants.Contact) map[string]string {
	vars := map[string]string{
		"business_name": sanitize.Spoken(tenant.Name, maxSpokenRunes),
		"first_name":    sanitize.Spoken(contact.FirstName, maxSpokenRunes),
		"last_name":     sanitize.Spoken(contact.LastName, maxSpokenRunes),
	}
	if contact.AppointmentAt != nil {
		at := *contact.AppointmentAt
		if loc := tenant.BusinessHours.Location; loc != nil {
			at = at.In(loc)
		}
		vars["appointment_date"] = at.Format("2006-01-02")
		vars["appointment_time"] = at.Format("15:04")
	}
	return vars
}

// fail releases the reservation, if any, marks the task failed and
// schedules its retry. It reports whether a retry was created.
func (s *CallScheduler) fail(ctx context.Context, task followups.Task, tenant *tenants.Tenant, reservationID string, cause error) (taskResult, bool) {
	if reservationID != "" {
		if err := s.quota.Release(ctx, reservationID); err != nil && !errors.Is(err, quota.ErrReservationNotActive) {
			s.log.Warn("release reservation failed", "taskId", task.ID, "reservationId", reservationID, "error", err)
		}
	}
	s.log.Warn("follow-up attempt failed", "taskId", task.ID, "attempts", task.Attempts, "error", cause)
	s.markFailed(ctx, task, cause.Error())
	return taskFailed, s.retry(ctx, task, tenant, cause)
}

// retry enqueues the single follow-up attempt a failed task is entitled to.
// Validation failures are never retried.
func (s *CallScheduler) retry(ctx context.Context, task followups.Task, tenant *tenants.Tenant, cause error) bool {
	if apperr.Is(cause, apperr.KindValidation) || !task.CanRetry() {
		return false
	}

	delay := s.opts.DefaultRetryDelay
	if tenant != nil && tenant.RetryDelay > 0 {
		delay = tenant.RetryDelay
	}
	runAt := s.now().Add(delay)

	retry, created, err := s.tasks.CreateRetry(ctx, task, runAt)
	if err != nil {
		s.log.Warn("create retry failed", "taskId", task.ID, "error", err)
		return false
	}
	if !created {
		return false
	}

	s.log.Info("follow-up retry scheduled", "taskId", retry.ID, "parentTaskId", task.ID, "runAt", runAt)
	if s.bus != nil {
		s.bus.Publish(ctx, events.FollowUpRetryScheduled{
			BaseEvent:    events.NewBaseEventAt(s.now()),
			TaskID:       retry.ID,
			ParentTaskID: task.ID,
			TenantID:     task.TenantID,
			RunAt:        runAt,
		})
	}
	return true
}

func (s *CallScheduler) complete(ctx context.Context, task followups.Task, note string) {
	if err := s.tasks.MarkCompleted(ctx, task.ID, note); err != nil {
		s.log.Warn("mark follow-up completed failed", "taskId", task.ID, "error", err)
	}
}

func (s *CallScheduler) markFailed(ctx context.Context, task followups.Task, reason string) {
	if err := s.tasks.MarkFailed(ctx, task.ID, reason); err != nil {
		s.log.Warn("mark follow-up failed failed", "taskId", task.ID, "error", err)
	}
}
