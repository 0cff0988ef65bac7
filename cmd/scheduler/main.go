package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"reminder_calls_backend/internal/app"
	"reminder_calls_backend/internal/engine"
	"reminder_calls_backend/internal/poller"
	"reminder_calls_backend/internal/scheduler"
	"reminder_calls_backend/platform/config"
	"reminder_calls_backend/platform/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg, log, app.Options{Migrate: true})
	if err != nil {
		log.Error("failed to initialize dependencies", "error", err)
		panic("failed to initialize dependencies: " + err.Error())
	}
	defer deps.Close()

	callScheduler := scheduler.NewCallScheduler(
		deps.FollowUps, deps.SessionStore, deps.Tenants, deps.Quota, deps.Voice, deps.Bus,
		scheduler.CallSchedulerOptions{
			BatchSize:         cfg.GetSchedulerBatchSize(),
			Concurrency:       cfg.GetSchedulerConcurrency(),
			InitialPollDelay:  cfg.GetInitialPollDelay(),
			DefaultRetryDelay: cfg.GetDefaultRetryDelay(),
		}, log)

	callPoller := poller.New(deps.Sessions, deps.Voice, poller.Config{
		BatchSize:   cfg.GetPollBatchSize(),
		Concurrency: cfg.GetPollConcurrency(),
	}, log)

	sweeper := poller.NewDeadLetterSweeper(deps.Sessions, cfg.GetDeadLetterAfter(), log)
	cleanup := scheduler.NewReservationCleanup(deps.Quota, log)

	loops := engine.New(log,
		engine.Loop{Name: "call-scheduler", Interval: cfg.GetSchedulerTick(), Job: func(ctx context.Context) error {
			_, err := callScheduler.Tick(ctx)
			return err
		}},
		engine.Loop{Name: "poller", Interval: cfg.GetPollTick(), Job: func(ctx context.Context) error {
			_, err := callPoller.Tick(ctx)
			return err
		}},
		engine.Loop{Name: "dead-letter", Interval: cfg.GetDeadLetterTick(), Job: func(ctx context.Context) error {
			_, err := sweeper.Sweep(ctx)
			return err
		}},
		engine.Loop{Name: "reservation-cleanup", Interval: cfg.GetReservationCleanupTick(), Job: func(ctx context.Context) error {
			_, err := cleanup.Sweep(ctx)
			return err
		}},
	)
	if err := loops.Start(ctx); err != nil {
		panic("failed to start engine: " + err.Error())
	}
	defer loops.Stop()

	worker, err := scheduler.NewWorker(cfg, deps.Tenants, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	// Blocks until the signal context is cancelled.
	worker.Run(ctx)
	log.Info("shutdown signal received, draining loops")
}
