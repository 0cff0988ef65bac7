//go:build integration

// Package dbtest opens a migrated Postgres database for repository tests.
// Tests using it run only with the integration build tag and are skipped
// unless TEST_DATABASE_URL is set.
package dbtest

import (
	"context"
	"os"
	"testing"

	"reminder_calls_backend/migrations"
	"reminder_calls_backend/platform/db"
	"reminder_calls_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const urlEnv = "TEST_DATABASE_URL"

// Open connects to TEST_DATABASE_URL and applies every migration.
func Open(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv(urlEnv)
	if url == "" {
		t.Skip(urlEnv + " not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.RunMigrations(ctx, pool, migrations.FS, logger.Nop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

// Seed inserts a tenant with one contact.
func Seed(t *testing.T, pool *pgxpool.Pool) (tenantID, contactID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	if err := pool.QueryRow(ctx,
		`INSERT INTO tenants (name, timezone) VALUES ('Integration', 'Europe/Amsterdam') RETURNING id`,
	).Scan(&tenantID); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	if err := pool.QueryRow(ctx,
		`INSERT INTO contacts (tenant_id, first_name, phone) VALUES ($1, 'Sanne', '+31612345678') RETURNING id`,
		tenantID,
	).Scan(&contactID); err != nil {
		t.Fatalf("seed contact: %v", err)
	}
	return tenantID, contactID
}
