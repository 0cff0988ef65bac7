// Package tenants reads tenant call policy and contact records, and applies
// appointment status changes coming out of resolved calls.
package tenants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reminder_calls_backend/internal/outcome"
	"reminder_calls_backend/internal/quota"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	StatusActive    = "active"
	StatusSuspended = "suspended"

	errRepoNotConfigured = "tenant repository not configured"
)

var (
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrContactNotFound = errors.New("contact not found")
)

// Appointment statuses stored on contacts.
const (
	AppointmentScheduled   = "scheduled"
	AppointmentConfirmed   = "confirmed"
	AppointmentCancelled   = "cancelled"
	AppointmentRescheduled = "rescheduled"
)

// Tenant is the call-relevant configuration of one business.
type Tenant struct {
	ID            uuid.UUID
	Name          string
	Status        string
	Timezone      string
	BusinessHours BusinessHours
	Limits        quota.Limits
	RetryDelay    time.Duration
	VoiceAgentID  string
	FromNumber    string
}

// Suspended reports whether the tenant may not place calls.
func (t Tenant) Suspended() bool {
	return t.Status == StatusSuspended
}

// Contact is the person a reminder call is placed to.
type Contact struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	FirstName         string
	LastName          string
	Phone             string
	AppointmentAt     *time.Time
	AppointmentStatus string
}

// AppointmentStatusFor maps an appointment-changing outcome to the contact
// status it implies.
func AppointmentStatusFor(o outcome.Outcome) (string, bool) {
	switch o {
	case outcome.Confirmed:
		return AppointmentConfirmed, true
	case outcome.Cancelled:
		return AppointmentCancelled, true
	case outcome.Rescheduled:
		return AppointmentRescheduled, true
	default:
		return "", false
	}
}

// Repository reads tenants and contacts from Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new tenant repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error) {
	if r == nil || r.pool == nil {
		return Tenant{}, errors.New(errRepoNotConfigured)
	}

	var (
		t            Tenant
		hoursRaw     []byte
		retryMinutes int
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, status, timezone, business_hours,
		        rate_limit_15m, rate_limit_1h, rate_limit_24h,
		        followup_retry_delay_minutes, voice_agent_id, from_number
		 FROM tenants WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.Name, &t.Status, &t.Timezone, &hoursRaw,
		&t.Limits.Per15Minutes, &t.Limits.PerHour, &t.Limits.PerDay,
		&retryMinutes, &t.VoiceAgentID, &t.FromNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrTenantNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("load tenant: %w", err)
	}

	hours, err := ParseBusinessHours(hoursRaw, t.Timezone)
	if err != nil {
		return Tenant{}, fmt.Errorf("tenant %s: %w", id, err)
	}
	t.BusinessHours = hours
	t.RetryDelay = time.Duration(retryMinutes) * time.Minute
	return t, nil
}

// QuotaPolicy implements quota.PolicySource.
func (r *Repository) QuotaPolicy(ctx context.Context, tenantID uuid.UUID) (quota.Policy, error) {
	t, err := r.GetTenant(ctx, tenantID)
	if err != nil {
		return quota.Policy{}, err
	}
	return quota.Policy{
		Suspended: t.Suspended(),
		Limits:    t.Limits,
		Schedule:  t.BusinessHours,
	}, nil
}

func (r *Repository) GetContact(ctx context.Context, id uuid.UUID) (Contact, error) {
	if r == nil || r.pool == nil {
		return Contact{}, errors.New(errRepoNotConfigured)
	}

	var c Contact
	err := r.pool.QueryRow(ctx,
		`SELECT id, tenant_id, first_name, last_name, phone, appointment_at, appointment_status
		 FROM contacts WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.TenantID, &c.FirstName, &c.LastName, &c.Phone, &c.AppointmentAt, &c.AppointmentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, ErrContactNotFound
	}
	if err != nil {
		return Contact{}, fmt.Errorf("load contact: %w", err)
	}
	return c, nil
}

// UpdateContactAppointmentStatus is idempotent: applying the same status
// twice reports false the second time.
func (r *Repository) UpdateContactAppointmentStatus(ctx context.Context, contactID uuid.UUID, status string) (bool, error) {
	if r == nil || r.pool == nil {
		return false, errors.New(errRepoNotConfigured)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE contacts SET appointment_status = $2, updated_at = now()
		 WHERE id = $1 AND appointment_status <> $2`,
		contactID, status,
	)
	if err != nil {
		return false, fmt.Errorf("update contact appointment status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
