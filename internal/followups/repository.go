package followups

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const errRepoNotConfigured = "follow-up repository not configured"

const taskColumns = `id, tenant_id, contact_id, parent_task_id, task_type, scheduled_time,
	status, auto_execute, attempts, max_attempts, last_error, created_at`

type Repository struct {
	pool *pgxpool.Pool
}

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

func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM followup_tasks
		 WHERE status = 'pending' AND auto_execute = true AND scheduled_time <= $1
		 ORDER BY scheduled_time
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Claim is the admission gate: the status predicate makes the transition
// succeed for exactly one caller.
func (r *Repository) Claim(ctx context.Context, id uuid.UUID) (Task, bool, error) {
	if err := r.ready(); err != nil {
		return Task{}, false, err
	}
	row := r.pool.QueryRow(ctx,
		`UPDATE followup_tasks
		 SET status = 'processing', attempts = attempts + 1, updated_at = now()
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+taskColumns,
		id,
	)
	t, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, note string) error {
	if err := r.ready(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE followup_tasks SET status = 'completed', last_error = NULLIF($2, ''), updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id, note,
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	if err := r.ready(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE followup_tasks SET status = 'failed', last_error = $2, updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id, reason,
	)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

// CreateRetry carries the parent's attempt count so the retry's own claim
// exhausts the budget.
func (r *Repository) CreateRetry(ctx context.Context, parent Task, runAt time.Time) (Task, bool, error) {
	if err := r.ready(); err != nil {
		return Task{}, false, err
	}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO followup_tasks
		     (tenant_id, contact_id, parent_task_id, task_type, scheduled_time, status, auto_execute, attempts, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, 'pending', true, $6, $7)
		 ON CONFLICT (parent_task_id) WHERE parent_task_id IS NOT NULL DO NOTHING
		 RETURNING `+taskColumns,
		parent.TenantID, parent.ContactID, parent.ID, parent.TaskType, runAt, parent.Attempts, parent.MaxAttempts,
	)
	t, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Task, error) {
	if err := r.ready(); err != nil {
		return Task{}, err
	}
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM followup_tasks WHERE id = $1`, id))
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		t         Task
		status    string
		lastError *string
	)
	err := row.Scan(&t.ID, &t.TenantID, &t.ContactID, &t.ParentTaskID, &t.TaskType, &t.ScheduledTime,
		&status, &t.AutoExecute, &t.Attempts, &t.MaxAttempts, &lastError, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("scan follow-up task: %w", err)
	}
	t.Status = Status(status)
	if lastError != nil {
		t.LastError = *lastError
	}
	return t, nil
}
