package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reminder_calls_backend/internal/outcome"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const errRepoNotConfigured = "call session repository not configured"

const sessionColumns = `id, tenant_id, contact_id, task_id, reservation_id, external_call_id,
	status, outcome, outcome_rule, source_of_truth, webhook_verified, poll_attempts,
	next_poll_at, last_poll_payload, outcome_payload, failure_reason,
	contact_status_due_at, contact_status_propagated_at, start_time, end_time, created_at, updated_at`

// Repository is the Postgres-backed Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new call session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func (r *Repository) ready() error {
	if r == nil || r.pool == nil {
		return errors.New(errRepoNotConfigured)
	}
	return nil
}

func (r *Repository) Create(ctx context.Context, s NewSession) (Session, error) {
	if err := r.ready(); err != nil {
		return Session{}, err
	}
	if s.TenantID == uuid.Nil {
		return Session{}, errors.New("tenantId is required")
	}
	if s.StartTime.IsZero() {
		s.StartTime = time.Now().UTC()
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO call_sessions (tenant_id, contact_id, task_id, reservation_id, status, start_time)
		 VALUES ($1, $2, $3, NULLIF($4, ''), 'initiated', $5)
		 RETURNING `+sessionColumns,
		s.TenantID, s.ContactID, s.TaskID, s.ReservationID, s.StartTime,
	)
	return scanSession(row)
}

func (r *Repository) Activate(ctx context.Context, id uuid.UUID, externalCallID string, nextPollAt time.Time) error {
	if err := r.ready(); err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE call_sessions
		 SET external_call_id = $2, status = 'active', next_poll_at = $3, updated_at = now()
		 WHERE id = $1 AND status = 'initiated'`,
		id, externalCallID, nextPollAt,
	)
	if err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) MarkActive(ctx context.Context, externalCallID string) (bool, error) {
	if err := r.ready(); err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE call_sessions SET status = 'active', updated_at = now()
		 WHERE external_call_id = $1 AND status = 'initiated'`,
		externalCallID,
	)
	if err != nil {
		return false, fmt.Errorf("mark session active: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	if err := r.ready(); err != nil {
		return err
	}
	failedRank, _ := outcome.Rank(outcome.Failed)
	_, err := r.pool.Exec(ctx,
		`UPDATE call_sessions
		 SET status = 'failed',
		     next_poll_at = NULL,
		     end_time = $3,
		     failure_reason = $2,
		     outcome = COALESCE(outcome, 'failed'),
		     outcome_rank = COALESCE(outcome_rank, $4),
		     outcome_rule = COALESCE(outcome_rule, 'call_creation_failed'),
		     updated_at = now()
		 WHERE id = $1 AND status IN ('initiated', 'active')`,
		id, reason, at, failedRank,
	)
	if err != nil {
		return fmt.Errorf("mark session failed: %w", err)
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Session, error) {
	if err := r.ready(); err != nil {
		return Session{}, err
	}
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (r *Repository) GetByExternalCallID(ctx context.Context, externalCallID string) (Session, error) {
	if err := r.ready(); err != nil {
		return Session{}, err
	}
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE external_call_id = $1`, externalCallID)
	return scanSession(row)
}

// Merge is one statement: the UPDATE re-checks the rank predicate against the
// latest row version, so two concurrent merges can never weaken the outcome.
func (r *Repository) Merge(ctx context.Context, p MergeParams) (MergeResult, error) {
	if err := r.ready(); err != nil {
		return MergeResult{}, err
	}
	rank, ok := outcome.Rank(p.Outcome)
	if !ok {
		return MergeResult{}, fmt.Errorf("%w: %q", ErrUnknownOutcome, p.Outcome)
	}

	var (
		id       uuid.UUID
		previous *string
		stored   *string
	)
	err := r.pool.QueryRow(ctx,
		`WITH cur AS (
			SELECT id, outcome FROM call_sessions WHERE external_call_id = $1
		), upd AS (
			UPDATE call_sessions
			SET outcome = $2,
			    outcome_rank = $3,
			    outcome_rule = $4,
			    source_of_truth = $5,
			    outcome_payload = COALESCE($6::jsonb, outcome_payload),
			    updated_at = now()
			WHERE external_call_id = $1
			  AND (outcome_rank IS NULL OR outcome_rank > $3)
			RETURNING id, outcome
		)
		SELECT cur.id, cur.outcome, upd.outcome
		FROM cur LEFT JOIN upd ON upd.id = cur.id`,
		p.ExternalCallID, string(p.Outcome), rank, p.Rule, string(p.Source), p.Payload,
	).Scan(&id, &previous, &stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return MergeResult{}, ErrNotFound
	}
	if err != nil {
		return MergeResult{}, fmt.Errorf("merge outcome: %w", err)
	}

	res := MergeResult{SessionID: id}
	if previous != nil {
		res.Previous = outcome.Outcome(*previous)
	}
	if stored != nil {
		res.Stored = outcome.Outcome(*stored)
		res.Changed = true
	} else {
		res.Stored = res.Previous
	}
	return res, nil
}

func (r *Repository) Complete(ctx context.Context, p CompleteParams) (bool, error) {
	if err := r.ready(); err != nil {
		return false, err
	}
	if !p.Status.IsTerminal() {
		return false, fmt.Errorf("complete session: %q is not a terminal status", p.Status)
	}
	verified := p.Verified && p.Source == outcome.SourceWebhook

	tag, err := r.pool.Exec(ctx,
		`UPDATE call_sessions
		 SET status = $2,
		     next_poll_at = NULL,
		     end_time = COALESCE(end_time, $3),
		     webhook_verified = webhook_verified OR $4,
		     source_of_truth = CASE
		         WHEN $4 THEN 'webhook'
		         WHEN $5 = 'poll' AND NOT webhook_verified THEN 'poll'
		         ELSE source_of_truth
		     END,
		     last_poll_payload = CASE WHEN $5 = 'poll' THEN COALESCE($6::jsonb, last_poll_payload) ELSE last_poll_payload END,
		     updated_at = now()
		 WHERE id = $1 AND status IN ('initiated', 'active')`,
		p.ID, string(p.Status), p.EndTime, verified, string(p.Source), p.Payload,
	)
	if err != nil {
		return false, fmt.Errorf("complete session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimDueForPoll uses SKIP LOCKED so several pollers can share the table.
func (r *Repository) ClaimDueForPoll(ctx context.Context, now, leaseUntil time.Time, limit int) ([]Session, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx,
		`UPDATE call_sessions
		 SET next_poll_at = $2, updated_at = now()
		 WHERE id IN (
		     SELECT id FROM call_sessions
		     WHERE next_poll_at IS NOT NULL
		       AND next_poll_at <= $1
		       AND status IN ('initiated', 'active')
		       AND external_call_id IS NOT NULL
		     ORDER BY next_poll_at
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+sessionColumns,
		now, leaseUntil, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due polls: %w", err)
	}
	return collectSessions(rows)
}

func (r *Repository) ScheduleNextPoll(ctx context.Context, id uuid.UUID, nextPollAt time.Time, payload []byte) error {
	if err := r.ready(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE call_sessions
		 SET poll_attempts = poll_attempts + 1,
		     next_poll_at = $2,
		     last_poll_payload = COALESCE($3::jsonb, last_poll_payload),
		     updated_at = now()
		 WHERE id = $1 AND status IN ('initiated', 'active')`,
		id, nextPollAt, payload,
	)
	if err != nil {
		return fmt.Errorf("schedule next poll: %w", err)
	}
	return nil
}

// settledRanks lists the ranks of outcomes that settle a call on their own.
func settledRanks() []int16 {
	var ranks []int16
	for _, o := range outcome.All() {
		if outcome.IsTerminal(o) {
			r, _ := outcome.Rank(o)
			ranks = append(ranks, int16(r))
		}
	}
	return ranks
}

// SettleStale trusts the stored outcome: only a failed outcome fails the
// session.
func (r *Repository) SettleStale(ctx context.Context, cutoff, now time.Time) ([]Session, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	failedRank, _ := outcome.Rank(outcome.Failed)

	rows, err := r.pool.Query(ctx,
		`UPDATE call_sessions
		 SET status = CASE WHEN outcome_rank = $3 THEN 'failed' ELSE 'completed' END,
		     next_poll_at = NULL,
		     end_time = COALESCE(end_time, $2),
		     updated_at = now()
		 WHERE status IN ('initiated', 'active') AND start_time < $1
		   AND outcome_rank = ANY($4::smallint[])
		 RETURNING `+sessionColumns,
		cutoff, now, failedRank, settledRanks(),
	)
	if err != nil {
		return nil, fmt.Errorf("settle stale sessions: %w", err)
	}
	return collectSessions(rows)
}

// DeadLetter replaces the outcome with failed only when nothing stronger
// than unknown was recorded.
func (r *Repository) DeadLetter(ctx context.Context, cutoff, now time.Time) ([]Session, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	failedRank, _ := outcome.Rank(outcome.Failed)

	rows, err := r.pool.Query(ctx,
		`UPDATE call_sessions
		 SET status = 'failed',
		     next_poll_at = NULL,
		     end_time = $2,
		     failure_reason = $3,
		     outcome_rule = CASE WHEN outcome_rank IS NULL OR outcome_rank > $4 THEN 'dead_letter' ELSE outcome_rule END,
		     outcome = CASE WHEN outcome_rank IS NULL OR outcome_rank > $4 THEN 'failed' ELSE outcome END,
		     outcome_rank = CASE WHEN outcome_rank IS NULL OR outcome_rank > $4 THEN $4 ELSE outcome_rank END,
		     updated_at = now()
		 WHERE status IN ('initiated', 'active') AND start_time < $1
		   AND (outcome_rank IS NULL OR NOT (outcome_rank = ANY($5::smallint[])))
		 RETURNING `+sessionColumns,
		cutoff, now, DeadLetterReason, failedRank, settledRanks(),
	)
	if err != nil {
		return nil, fmt.Errorf("dead-letter sessions: %w", err)
	}
	return collectSessions(rows)
}

func (r *Repository) MarkContactPropagationDue(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	if err := r.ready(); err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE call_sessions
		 SET contact_status_due_at = COALESCE(contact_status_due_at, $2), updated_at = now()
		 WHERE id = $1 AND contact_id IS NOT NULL AND contact_status_propagated_at IS NULL`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("mark contact propagation due: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) MarkContactPropagated(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	if err := r.ready(); err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE call_sessions SET contact_status_propagated_at = $2, updated_at = now()
		 WHERE id = $1 AND contact_status_propagated_at IS NULL`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("mark contact propagated: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) ListPendingPropagation(ctx context.Context, dueBefore time.Time, limit int) ([]Session, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM call_sessions
		 WHERE contact_status_due_at IS NOT NULL
		   AND contact_status_due_at <= $1
		   AND contact_status_propagated_at IS NULL
		   AND contact_id IS NOT NULL
		 ORDER BY contact_status_due_at
		 LIMIT $2`,
		dueBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending contact propagation: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]Session, error) {
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		s               Session
		reservationID   *string
		externalCallID  *string
		status          string
		outcomeValue    *string
		outcomeRule     *string
		sourceOfTruth   *string
		lastPollPayload []byte
		outcomePayload  []byte
		failureReason   *string
	)
	err := row.Scan(
		&s.ID, &s.TenantID, &s.ContactID, &s.TaskID, &reservationID, &externalCallID,
		&status, &outcomeValue, &outcomeRule, &sourceOfTruth, &s.WebhookVerified, &s.PollAttempts,
		&s.NextPollAt, &lastPollPayload, &outcomePayload, &failureReason,
		&s.ContactStatusDueAt, &s.ContactStatusPropagatedAt, &s.StartTime, &s.EndTime, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan call session: %w", err)
	}

	s.Status = outcome.SessionStatus(status)
	s.ReservationID = deref(reservationID)
	s.ExternalCallID = deref(externalCallID)
	s.Outcome = outcome.Outcome(deref(outcomeValue))
	s.OutcomeRule = deref(outcomeRule)
	s.SourceOfTruth = outcome.Source(deref(sourceOfTruth))
	s.FailureReason = deref(failureReason)
	s.LastPollPayload = decodeStoredPayload(lastPollPayload)
	s.OutcomePayload = decodeStoredPayload(outcomePayload)
	return s, nil
}

// decodeStoredPayload drops payloads that no longer validate rather than
// failing the whole read; the outcome columns remain authoritative.
func decodeStoredPayload(raw []byte) *outcome.Payload {
	if len(raw) == 0 {
		return nil
	}
	p, err := outcome.DecodePayload(raw)
	if err != nil {
		return nil
	}
	return &p
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
