package config

import (
	"testing"
	"time"
)

func TestFromEnvAppliesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/calls")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv returned error: %v", err)
	}
	if cfg.GetInitialPollDelay() != 90*time.Second {
		t.Fatalf("expected 90s initial poll delay, got %s", cfg.GetInitialPollDelay())
	}
	if cfg.GetDefaultRetryDelay() != 90*time.Minute {
		t.Fatalf("expected 90m retry delay, got %s", cfg.GetDefaultRetryDelay())
	}
	if cfg.GetDeadLetterAfter() != 30*time.Minute {
		t.Fatalf("expected 30m dead-letter threshold, got %s", cfg.GetDeadLetterAfter())
	}
	if cfg.GetContactMaxCallsPerDay() != 2 {
		t.Fatalf("expected 2 calls per day, got %d", cfg.GetContactMaxCallsPerDay())
	}
	if cfg.GetPollConcurrency() != 5 {
		t.Fatalf("expected poll concurrency 5, got %d", cfg.GetPollConcurrency())
	}
	if cfg.IsMinIOEnabled() {
		t.Fatalf("expected MinIO to be disabled without endpoint")
	}
}

func TestFromEnvRequiresRedis(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/calls")
	t.Setenv("REDIS_URL", "")

	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error when REDIS_URL is empty")
	}
}

func TestFromEnvRejectsNonPositiveReservationTTL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/calls")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("RESERVATION_TTL", "nonsense")

	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error for unparsable RESERVATION_TTL")
	}
}
