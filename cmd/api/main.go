package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reminder_calls_backend/internal/adapters/storage"
	"reminder_calls_backend/internal/app"
	"reminder_calls_backend/internal/callapi"
	apphttp "reminder_calls_backend/internal/http"
	"reminder_calls_backend/internal/http/router"
	"reminder_calls_backend/internal/webhook"
	"reminder_calls_backend/platform/config"
	"reminder_calls_backend/platform/db"
	"reminder_calls_backend/platform/logger"
	"reminder_calls_backend/platform/validator"
)

// initArchive returns the raw webhook archive, or nil when MinIO is not
// configured or unreachable.
func initArchive(ctx context.Context, cfg *config.Config, log *logger.Logger) storage.StorageService {
	if !cfg.IsMinIOEnabled() {
		log.Info("MINIO_ENDPOINT not configured; webhook archive disabled")
		return nil
	}

	storageSvc, err := storage.NewMinIOService(cfg)
	if err != nil {
		log.Error("failed to initialize storage service", "error", err)
		return nil
	}
	bucket := cfg.GetMinioBucketWebhookArchive()
	if err := app.WithRetry(ctx, log, "ensure webhook archive bucket", 5, 2*time.Second, func() error {
		return storageSvc.EnsureBucketExists(ctx, bucket)
	}); err != nil {
		log.Error("failed to ensure storage bucket exists", "error", err, "bucket", bucket)
		return nil
	}
	log.Info("storage service initialized", "webhookArchiveBucket", bucket)
	return storageSvc
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg, log, app.Options{Migrate: true})
	if err != nil {
		log.Error("failed to initialize dependencies", "error", err)
		panic("failed to initialize dependencies: " + err.Error())
	}
	defer deps.Close()

	val := validator.New()
	archive := initArchive(ctx, cfg, log)

	webhookModule := webhook.NewModule(cfg, deps.Sessions, archive, cfg.GetMinioBucketWebhookArchive(), val, log)
	callAPIModule := callapi.NewModule(deps.SessionStore, deps.Quota)

	engine := router.New(&apphttp.App{
		Config: cfg,
		Logger: log,
		Health: map[string]apphttp.HealthChecker{
			"postgres": deps.Pool,
			"redis":    db.RedisHealth{Client: deps.Redis},
		},
		Modules: []apphttp.Module{
			webhookModule,
			callAPIModule,
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", "error", err)
		}
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}
