//go:build integration

package followups_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reminder_calls_backend/internal/followups"
	"reminder_calls_backend/platform/db/dbtest"

	"github.com/google/uuid"
)

func TestRepositoryClaimAdmitsOneCaller(t *testing.T) {
	pool := dbtest.Open(t)
	tenantID, contactID := dbtest.Seed(t, pool)
	repo := followups.NewRepository(pool)
	ctx := context.Background()

	var id uuid.UUID
	if err := pool.QueryRow(ctx,
		`INSERT INTO followup_tasks (tenant_id, contact_id, scheduled_time) VALUES ($1, $2, $3) RETURNING id`,
		tenantID, contactID, time.Now().Add(-time.Minute),
	).Scan(&id); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	var (
		wg     sync.WaitGroup
		admits atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := repo.Claim(ctx, id)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				admits.Add(1)
			}
		}()
	}
	wg.Wait()
	if admits.Load() != 1 {
		t.Fatalf("expected exactly one claim, got %d", admits.Load())
	}

	task, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if task.Status != followups.StatusProcessing || task.Attempts != 1 {
		t.Fatalf("unexpected claimed task %+v", task)
	}

	runAt := time.Now().Add(90 * time.Minute)
	retry, created, err := repo.CreateRetry(ctx, task, runAt)
	if err != nil || !created {
		t.Fatalf("expected first retry to be created, got %v %v", created, err)
	}
	if retry.ParentTaskID == nil || *retry.ParentTaskID != id || retry.Attempts != task.Attempts {
		t.Fatalf("unexpected retry %+v", retry)
	}
	if _, created, err := repo.CreateRetry(ctx, task, runAt); err != nil || created {
		t.Fatalf("second retry for the same parent must be a no-op, got %v %v", created, err)
	}
}
