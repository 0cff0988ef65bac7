// Package quota enforces per-tenant rolling-window call limits and per-phone
// call limits with a reserve / confirm / release protocol backed by Redis.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"reminder_calls_backend/internal/events"
	"reminder_calls_backend/platform/apperr"
	"reminder_calls_backend/platform/logger"
	"reminder_calls_backend/platform/phone"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	ViolationTenantSuspended      = "tenant suspended"
	ViolationOutsideBusinessHours = "outside business hours"
	ViolationPhoneBlocked         = "phone number blocked"
	ViolationContactDailyLimit    = "contact daily call limit exceeded"
	ViolationContactTooRecent     = "contact called too recently"

	activeIndexKey     = "quota:res:active"
	finalizedRetention = 24 * time.Hour
	phoneWindow        = 24 * time.Hour
	cleanupBatchSize   = 500
	reservationAmount  = 1
)

// State is the lifecycle state of a reservation.
type State string

const (
	StateActive    State = "active"
	StateConfirmed State = "confirmed"
	StateReleased  State = "released"
	StateExpired   State = "expired"
)

var (
	// ErrReservationNotFound is returned for unknown or purged reservations.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrReservationNotActive is returned when a reservation already reached a
	// state that forbids the requested transition.
	ErrReservationNotActive = errors.New("reservation is no longer active")
)

// Window is one tenant rate-limit period.
type Window struct {
	Name     string
	Label    string
	Duration time.Duration
}

// Windows lists the tenant windows in evaluation order.
var Windows = []Window{
	{Name: "15m", Label: "15_minutes", Duration: 15 * time.Minute},
	{Name: "1h", Label: "1_hour", Duration: time.Hour},
	{Name: "24h", Label: "24_hours", Duration: 24 * time.Hour},
}

// Limits are a tenant's per-window call caps. Zero or negative means the
// window is not enforced.
type Limits struct {
	Per15Minutes int
	PerHour      int
	PerDay       int
}

func (l Limits) forWindow(name string) int {
	var n int
	switch name {
	case "15m":
		n = l.Per15Minutes
	case "1h":
		n = l.PerHour
	case "24h":
		n = l.PerDay
	}
	if n <= 0 {
		return -1
	}
	return n
}

// Schedule reports whether calls may be placed at a given instant.
type Schedule interface {
	IsOpen(t time.Time) bool
}

// Policy is the read-only tenant configuration consulted before any counter
// is touched.
type Policy struct {
	Suspended bool
	Limits    Limits
	Schedule  Schedule
}

// PolicySource loads tenant policy.
type PolicySource interface {
	QuotaPolicy(ctx context.Context, tenantID uuid.UUID) (Policy, error)
}

// Publisher is the subset of the event bus the manager needs.
type Publisher interface {
	Publish(ctx context.Context, event events.Event)
}

// Options tunes the manager.
type Options struct {
	TTL                   time.Duration
	ContactMaxCallsPerDay int
	ContactMinCallGap     time.Duration
}

// ReserveRequest asks for capacity for one call attempt.
type ReserveRequest struct {
	TenantID      uuid.UUID
	Phone         string
	ScheduledTime time.Time
}

// Reservation is the outcome of a reserve attempt.
type Reservation struct {
	Allowed       bool
	ReservationID string
	Violations    []string
	ExpiresAt     time.Time
}

// Err converts a denied reservation into a QuotaExceeded error.
func (r Reservation) Err() error {
	if r.Allowed {
		return nil
	}
	return apperr.QuotaExceeded(strings.Join(r.Violations, "; ")).WithDetails(r.Violations)
}

// Record is the stored state of a reservation.
type Record struct {
	ID        string
	State     State
	TenantID  string
	Phone     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// WindowUsage is the live count of one tenant window.
type WindowUsage struct {
	Window   string    `json:"window"`
	Count    int       `json:"count"`
	Limit    int       `json:"limit"`
	ResetsAt time.Time `json:"resetsAt,omitzero"`
}

// PhoneUsage is the live state of one phone number.
type PhoneUsage struct {
	Phone      string     `json:"phone"`
	Count      int        `json:"count"`
	LastCallAt *time.Time `json:"lastCallAt,omitempty"`
	Blocked    bool       `json:"blocked"`
}

// Usage is a snapshot of a tenant's (and optionally a phone's) counters.
type Usage struct {
	TenantID string        `json:"tenantId"`
	Windows  []WindowUsage `json:"windows"`
	Phone    *PhoneUsage   `json:"phone,omitempty"`
}

// Manager implements the reservation protocol.
type Manager struct {
	rdb      redis.UniversalClient
	policies PolicySource
	bus      Publisher
	opts     Options
	log      *logger.Logger
	now      func() time.Time
}

// NewManager creates a quota manager.
func NewManager(rdb redis.UniversalClient, policies PolicySource, opts Options, log *logger.Logger) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.ContactMaxCallsPerDay <= 0 {
		opts.ContactMaxCallsPerDay = 2
	}
	return &Manager{
		rdb:      rdb,
		policies: policies,
		opts:     opts,
		log:      log.WithComponent("quota"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher enables ReservationExpired events.
func (m *Manager) SetPublisher(bus Publisher) {
	m.bus = bus
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// CheckAndReserve runs the read-only tenant guards and then atomically
// evaluates and increments every counter. A denied attempt leaves no counter
// changed.
func (m *Manager) CheckAndReserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if req.TenantID == uuid.Nil {
		return Reservation{}, apperr.Validation("tenantId is required")
	}

	policy, err := m.policies.QuotaPolicy(ctx, req.TenantID)
	if err != nil {
		return Reservation{}, fmt.Errorf("load quota policy: %w", err)
	}

	now := m.now()
	if policy.Suspended {
		return m.deny(req.TenantID, ViolationTenantSuspended), nil
	}
	at := req.ScheduledTime
	if at.IsZero() {
		at = now
	}
	if policy.Schedule != nil && !policy.Schedule.IsOpen(at) {
		return m.deny(req.TenantID, ViolationOutsideBusinessHours), nil
	}

	normalizedPhone := ""
	if strings.TrimSpace(req.Phone) != "" {
		normalizedPhone = phone.NormalizeE164(req.Phone)
	}

	tenant := req.TenantID.String()
	id := uuid.NewString()
	keys := []string{
		tenantWindowKey(tenant, Windows[0].Name),
		tenantWindowKey(tenant, Windows[1].Name),
		tenantWindowKey(tenant, Windows[2].Name),
		phoneKey(normalizedPhone),
		phoneBlockKey(normalizedPhone),
		reservationKey(id),
		activeIndexKey,
	}
	args := []any{
		now.UnixMilli(),
		m.opts.TTL.Milliseconds(),
		id,
		tenant,
		normalizedPhone,
		reservationAmount,
		m.opts.ContactMaxCallsPerDay,
		phoneWindow.Milliseconds(),
		m.opts.ContactMinCallGap.Milliseconds(),
		m.recordRetention().Milliseconds(),
	}
	for _, w := range Windows {
		args = append(args, policy.Limits.forWindow(w.Name), w.Duration.Milliseconds(), w.Label)
	}

	reply, err := reserveScript.Run(ctx, m.rdb, keys, args...).StringSlice()
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve quota: %w", err)
	}
	if len(reply) == 0 {
		return Reservation{}, errors.New("reserve quota: empty script reply")
	}
	if reply[0] != "allowed" {
		return m.deny(req.TenantID, reply[1:]...), nil
	}

	return Reservation{
		Allowed:       true,
		ReservationID: id,
		ExpiresAt:     now.Add(m.opts.TTL),
	}, nil
}

func (m *Manager) deny(tenantID uuid.UUID, violations ...string) Reservation {
	m.log.QuotaDenied(tenantID.String(), violations)
	return Reservation{Allowed: false, Violations: violations}
}

// Confirm makes the reservation's consumption final. Confirming twice is
// allowed; confirming a released or expired reservation is not.
func (m *Manager) Confirm(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return ErrReservationNotFound
	}
	state, err := confirmScript.Run(ctx, m.rdb,
		[]string{reservationKey(reservationID), activeIndexKey},
		m.now().UnixMilli(), reservationID, finalizedRetention.Milliseconds(),
	).Text()
	if err != nil {
		return fmt.Errorf("confirm reservation: %w", err)
	}
	switch state {
	case string(StateConfirmed):
		return nil
	case "missing":
		return ErrReservationNotFound
	default:
		return fmt.Errorf("%w: %s", ErrReservationNotActive, state)
	}
}

// Release gives back the counters of an active reservation.
func (m *Manager) Release(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return ErrReservationNotFound
	}
	status, _, _, err := m.finalize(ctx, reservationID, StateReleased)
	if err != nil {
		return err
	}
	switch status {
	case "finalized":
		return nil
	case "missing":
		return ErrReservationNotFound
	default:
		return fmt.Errorf("%w: %s", ErrReservationNotActive, status)
	}
}

// CleanupExpired expires every active reservation past its TTL and rolls its
// counters back. Reservations already finalized are skipped, so running the
// sweep repeatedly never decrements twice.
// recordRetention is how long an active reservation hash outlives its TTL.
// It spans the longest window the reservation counts in, so a hash purged
// before any sweep saw it only ever held counters that have rolled over.
func (m *Manager) recordRetention() time.Duration {
	if m.opts.ContactMinCallGap > finalizedRetention {
		return m.opts.ContactMinCallGap
	}
	return finalizedRetention
}

func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := m.now()
	ids, err := m.rdb.ZRangeByScore(ctx, activeIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: cleanupBatchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}

	expired := 0
	var errs []error
	for _, id := range ids {
		status, tenantID, phoneNumber, err := m.finalize(ctx, id, StateExpired)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if status != "finalized" {
			continue
		}
		expired++
		m.log.Warn("reservation expired without confirm or release",
			"reservationId", id, "tenantId", tenantID)
		if m.bus != nil {
			m.bus.Publish(ctx, events.ReservationExpired{
				BaseEvent:     events.NewBaseEventAt(m.now()),
				ReservationID: id,
				TenantID:      tenantID,
				Phone:         phoneNumber,
			})
		}
	}
	return expired, errors.Join(errs...)
}

func (m *Manager) finalize(ctx context.Context, id string, target State) (status, tenantID, phoneNumber string, err error) {
	reply, err := finalizeScript.Run(ctx, m.rdb,
		[]string{reservationKey(id), activeIndexKey},
		string(target), m.now().UnixMilli(), id, finalizedRetention.Milliseconds(),
	).StringSlice()
	if err != nil {
		return "", "", "", fmt.Errorf("finalize reservation %s: %w", id, err)
	}
	if len(reply) < 3 {
		return "", "", "", fmt.Errorf("finalize reservation %s: unexpected reply %v", id, reply)
	}
	return reply[0], reply[1], reply[2], nil
}

// Get returns the stored state of a reservation.
func (m *Manager) Get(ctx context.Context, reservationID string) (Record, error) {
	fields, err := m.rdb.HGetAll(ctx, reservationKey(reservationID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("load reservation: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, ErrReservationNotFound
	}
	return Record{
		ID:        reservationID,
		State:     State(fields["state"]),
		TenantID:  fields["tenant_id"],
		Phone:     fields["phone"],
		CreatedAt: fromMillis(fields["created_ms"]),
		ExpiresAt: fromMillis(fields["expires_ms"]),
	}, nil
}

// BlockNumber makes every future reservation for the number fail.
func (m *Manager) BlockNumber(ctx context.Context, number string) error {
	normalized, err := phone.ValidateE164(number)
	if err != nil {
		return apperr.Validation("invalid phone number")
	}
	if err := m.rdb.Set(ctx, phoneBlockKey(normalized), m.now().UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	m.log.Info("phone number blocked", "phone", normalized)
	return nil
}

// UnblockNumber lifts a block. Unblocking an unblocked number is a no-op.
func (m *Manager) UnblockNumber(ctx context.Context, number string) error {
	normalized, err := phone.ValidateE164(number)
	if err != nil {
		return apperr.Validation("invalid phone number")
	}
	if err := m.rdb.Del(ctx, phoneBlockKey(normalized)).Err(); err != nil {
		return fmt.Errorf("unblock number: %w", err)
	}
	return nil
}

// Usage reads the live counters. Windows that already rolled over report 0.
func (m *Manager) Usage(ctx context.Context, tenantID uuid.UUID, number string) (Usage, error) {
	policy, err := m.policies.QuotaPolicy(ctx, tenantID)
	if err != nil {
		return Usage{}, fmt.Errorf("load quota policy: %w", err)
	}
	now := m.now()
	tenant := tenantID.String()

	usage := Usage{TenantID: tenant}
	for _, w := range Windows {
		fields, err := m.rdb.HGetAll(ctx, tenantWindowKey(tenant, w.Name)).Result()
		if err != nil {
			return Usage{}, fmt.Errorf("load %s window: %w", w.Name, err)
		}
		wu := WindowUsage{Window: w.Label, Limit: policy.Limits.forWindow(w.Name)}
		start := fromMillis(fields["start"])
		if !start.IsZero() && now.Sub(start) < w.Duration {
			wu.Count, _ = strconv.Atoi(fields["count"])
			wu.ResetsAt = start.Add(w.Duration)
		}
		usage.Windows = append(usage.Windows, wu)
	}

	if strings.TrimSpace(number) == "" {
		return usage, nil
	}
	normalized := phone.NormalizeE164(number)
	fields, err := m.rdb.HGetAll(ctx, phoneKey(normalized)).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("load phone counters: %w", err)
	}
	blocked, err := m.rdb.Exists(ctx, phoneBlockKey(normalized)).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("load phone block: %w", err)
	}
	pu := &PhoneUsage{Phone: normalized, Blocked: blocked == 1}
	if start := fromMillis(fields["start"]); !start.IsZero() && now.Sub(start) < phoneWindow {
		pu.Count, _ = strconv.Atoi(fields["count"])
	}
	if last := fromMillis(fields["last_call"]); !last.IsZero() {
		pu.LastCallAt = &last
	}
	usage.Phone = pu
	return usage, nil
}

func tenantWindowKey(tenantID, window string) string {
	return "quota:tenant:" + tenantID + ":" + window
}

func phoneKey(number string) string {
	return "quota:phone:" + number
}

func phoneBlockKey(number string) string {
	return "quota:phone:" + number + ":blocked"
}

func reservationKey(id string) string {
	return "quota:res:" + id
}

func fromMillis(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
