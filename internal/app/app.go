// Package app wires the shared infrastructure used by every binary:
// Postgres, Redis, the event bus, and the call engine's stores and services.
package app

import (
	"context"
	"errors"
	"time"

	"reminder_calls_backend/internal/events"
	"reminder_calls_backend/internal/followups"
	"reminder_calls_backend/internal/quota"
	"reminder_calls_backend/internal/scheduler"
	"reminder_calls_backend/internal/sessions"
	"reminder_calls_backend/internal/tenants"
	"reminder_calls_backend/internal/voiceagent"
	"reminder_calls_backend/migrations"
	"reminder_calls_backend/platform/config"
	"reminder_calls_backend/platform/db"
	"reminder_calls_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Options selects optional wiring.
type Options struct {
	// Migrate applies pending schema migrations after connecting.
	Migrate bool
}

// Deps holds the initialized infrastructure and domain services.
type Deps struct {
	Config *config.Config
	Log    *logger.Logger
	Pool   *pgxpool.Pool
	Redis  *redis.Client
	Bus    *events.InMemoryBus

	SessionStore *sessions.Repository
	Sessions     *sessions.Service
	Tenants      *tenants.Repository
	FollowUps    *followups.Repository
	Quota        *quota.Manager
	Voice        *voiceagent.Client
	Jobs         *scheduler.Client
}

// Build connects to every backing service, retrying while they come up.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (*Deps, error) {
	d := &Deps{Config: cfg, Log: log}

	if err := WithRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		d.Pool = p
		return nil
	}); err != nil {
		return nil, err
	}
	log.Info("database connection established")

	if opts.Migrate {
		if err := WithRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
			return db.RunMigrations(ctx, d.Pool, migrations.FS, log)
		}); err != nil {
			d.Close()
			return nil, err
		}
		log.Info("database migrations complete")
	}

	if err := WithRetry(ctx, log, "redis connection", 5, 2*time.Second, func() error {
		r, err := db.NewRedis(ctx, cfg)
		if err != nil {
			return err
		}
		d.Redis = r
		return nil
	}); err != nil {
		d.Close()
		return nil, err
	}
	log.Info("redis connection established")

	d.Bus = events.NewInMemoryBus(log)

	d.SessionStore = sessions.NewRepository(d.Pool)
	d.Sessions = sessions.NewService(d.SessionStore, d.Bus, log)
	d.Tenants = tenants.NewRepository(d.Pool)
	d.FollowUps = followups.NewRepository(d.Pool)

	d.Quota = quota.NewManager(d.Redis, d.Tenants, quota.Options{
		TTL:                   cfg.GetReservationTTL(),
		ContactMaxCallsPerDay: cfg.GetContactMaxCallsPerDay(),
		ContactMinCallGap:     cfg.GetContactMinCallGap(),
	}, log)
	d.Quota.SetPublisher(d.Bus)

	d.Voice = voiceagent.NewClient(cfg, log)
	if d.Voice == nil {
		log.Warn("VOICE_API_URL not configured; call creation and polling will fail")
	}

	jobs, err := scheduler.NewClient(cfg)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Jobs = jobs
	scheduler.NewContactStatusPropagator(jobs, log).Subscribe(d.Bus)

	return d, nil
}

// Close drains in-flight event handlers and releases connections.
func (d *Deps) Close() {
	if d.Bus != nil {
		d.Bus.Wait()
	}
	if d.Jobs != nil {
		_ = d.Jobs.Close()
	}
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// WithRetry runs fn until it succeeds, backing off quadratically.
func WithRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
