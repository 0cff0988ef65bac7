// Package webhook ingests vendor call events and feeds them to the outcome
// reconciler.
package webhook

import (
	"reminder_calls_backend/internal/adapters/storage"
	apphttp "reminder_calls_backend/internal/http"
	"reminder_calls_backend/internal/sessions"
	"reminder_calls_backend/platform/config"
	"reminder_calls_backend/platform/httpkit"
	"reminder_calls_backend/platform/logger"
	"reminder_calls_backend/platform/validator"

	"golang.org/x/time/rate"
)

// Module is the webhook bounded context module implementing http.Module.
type Module struct {
	handler *Handler
	limiter *httpkit.IPRateLimiter
	secret  string
	log     *logger.Logger
}

// NewModule creates and initializes the webhook module with all its dependencies.
func NewModule(cfg config.WebhookConfig, svc *sessions.Service, storageSvc storage.StorageService, storageBucket string, val *validator.Validator, log *logger.Logger) *Module {
	service := NewService(svc, storageSvc, storageBucket, log)

	limit := cfg.GetWebhookRateLimit()
	burst := cfg.GetWebhookRateBurst()
	if limit <= 0 {
		limit = 20
	}
	if burst < 1 {
		burst = 40
	}

	if cfg.GetVoiceWebhookSecret() == "" {
		log.Warn("VOICE_WEBHOOK_SECRET not configured; webhooks are accepted unverified and never close sessions")
	}

	return &Module{
		handler: NewHandler(service, val),
		limiter: httpkit.NewIPRateLimiter(rate.Limit(limit), burst, log),
		secret:  cfg.GetVoiceWebhookSecret(),
		log:     log,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "webhook"
}

// RegisterRoutes mounts webhook routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.V1.Group("/webhook")
	group.Use(m.limiter.RateLimit(), SignatureMiddleware(m.secret, m.log))
	group.POST("/calls", m.handler.HandleCallEvent)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
