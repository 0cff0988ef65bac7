// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// RedisConfig provides the Redis connection used by the quota engine and asynq.
type RedisConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
}

// SchedulerConfig provides settings for the asynq client and worker.
type SchedulerConfig interface {
	RedisConfig
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSOrigins() []string
	GetAdminAPIKey() string
}

// VoiceAgentConfig provides settings for the outbound calling vendor.
type VoiceAgentConfig interface {
	GetVoiceAPIURL() string
	GetVoiceAPIKey() string
	GetVoiceAPITimeout() time.Duration
}

// WebhookConfig provides settings for vendor webhook verification.
type WebhookConfig interface {
	GetVoiceWebhookSecret() string
	GetWebhookRateLimit() float64
	GetWebhookRateBurst() int
}

// QuotaConfig provides reservation and contact limit settings.
type QuotaConfig interface {
	GetReservationTTL() time.Duration
	GetReservationCleanupTick() time.Duration
	GetContactMaxCallsPerDay() int
	GetContactMinCallGap() time.Duration
}

// PollerConfig provides fallback polling and dead-letter settings.
type PollerConfig interface {
	GetPollTick() time.Duration
	GetPollBatchSize() int
	GetPollConcurrency() int
	GetDeadLetterTick() time.Duration
	GetDeadLetterAfter() time.Duration
}

// CallSchedulerConfig provides settings for the follow-up task tick loop.
type CallSchedulerConfig interface {
	GetSchedulerTick() time.Duration
	GetSchedulerBatchSize() int
	GetSchedulerConcurrency() int
	GetInitialPollDelay() time.Duration
	GetDefaultRetryDelay() time.Duration
}

// MinIOConfig provides settings for the optional raw webhook archive.
type MinIOConfig interface {
	GetMinIOEndpoint() string
	GetMinIOAccessKey() string
	GetMinIOSecretKey() string
	GetMinIOUseSSL() bool
	GetMinioBucketWebhookArchive() string
	IsMinIOEnabled() bool
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                       string
	HTTPAddr                  string
	DatabaseURL               string
	RedisURL                  string
	RedisTLSInsecure          bool
	AsynqQueueName            string
	AsynqConcurrency          int
	CORSOrigins               []string
	AdminAPIKey               string
	VoiceAPIURL               string
	VoiceAPIKey               string
	VoiceAPITimeout           time.Duration
	VoiceWebhookSecret        string
	WebhookRateLimit          float64
	WebhookRateBurst          int
	ReservationTTL            time.Duration
	ReservationCleanupTick    time.Duration
	ContactMaxCallsPerDay     int
	ContactMinCallGap         time.Duration
	PollTick                  time.Duration
	PollBatchSize             int
	PollConcurrency           int
	DeadLetterTick            time.Duration
	DeadLetterAfter           time.Duration
	SchedulerTick             time.Duration
	SchedulerBatchSize        int
	SchedulerConcurrency      int
	InitialPollDelay          time.Duration
	DefaultRetryDelay         time.Duration
	MinIOEndpoint             string
	MinIOAccessKey            string
	MinIOSecretKey            string
	MinIOUseSSL               bool
	MinioBucketWebhookArchive string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// RedisConfig / SchedulerConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int  { return c.AsynqConcurrency }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetAdminAPIKey() string   { return c.AdminAPIKey }

// VoiceAgentConfig implementation
func (c *Config) GetVoiceAPIURL() string            { return c.VoiceAPIURL }
func (c *Config) GetVoiceAPIKey() string            { return c.VoiceAPIKey }
func (c *Config) GetVoiceAPITimeout() time.Duration { return c.VoiceAPITimeout }

// WebhookConfig implementation
func (c *Config) GetVoiceWebhookSecret() string { return c.VoiceWebhookSecret }
func (c *Config) GetWebhookRateLimit() float64  { return c.WebhookRateLimit }
func (c *Config) GetWebhookRateBurst() int      { return c.WebhookRateBurst }

// QuotaConfig implementation
func (c *Config) GetReservationTTL() time.Duration         { return c.ReservationTTL }
func (c *Config) GetReservationCleanupTick() time.Duration { return c.ReservationCleanupTick }
func (c *Config) GetContactMaxCallsPerDay() int            { return c.ContactMaxCallsPerDay }
func (c *Config) GetContactMinCallGap() time.Duration      { return c.ContactMinCallGap }

// PollerConfig implementation
func (c *Config) GetPollTick() time.Duration        { return c.PollTick }
func (c *Config) GetPollBatchSize() int             { return c.PollBatchSize }
func (c *Config) GetPollConcurrency() int           { return c.PollConcurrency }
func (c *Config) GetDeadLetterTick() time.Duration  { return c.DeadLetterTick }
func (c *Config) GetDeadLetterAfter() time.Duration { return c.DeadLetterAfter }

// CallSchedulerConfig implementation
func (c *Config) GetSchedulerTick() time.Duration     { return c.SchedulerTick }
func (c *Config) GetSchedulerBatchSize() int          { return c.SchedulerBatchSize }
func (c *Config) GetSchedulerConcurrency() int        { return c.SchedulerConcurrency }
func (c *Config) GetInitialPollDelay() time.Duration  { return c.InitialPollDelay }
func (c *Config) GetDefaultRetryDelay() time.Duration { return c.DefaultRetryDelay }

// MinIOConfig implementation
func (c *Config) GetMinIOEndpoint() string             { return c.MinIOEndpoint }
func (c *Config) GetMinIOAccessKey() string            { return c.MinIOAccessKey }
func (c *Config) GetMinIOSecretKey() string            { return c.MinIOSecretKey }
func (c *Config) GetMinIOUseSSL() bool                 { return c.MinIOUseSSL }
func (c *Config) GetMinioBucketWebhookArchive() string { return c.MinioBucketWebhookArchive }
func (c *Config) IsMinIOEnabled() bool                 { return c.MinIOEndpoint != "" }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from the current process environment
// without touching .env files.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Env:                       getEnv("APP_ENV", "development"),
		HTTPAddr:                  getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:               getEnv("DATABASE_URL", ""),
		RedisURL:                  getEnv("REDIS_URL", ""),
		RedisTLSInsecure:          strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:            getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency:          mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		CORSOrigins:               splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200")),
		AdminAPIKey:               getEnv("ADMIN_API_KEY", ""),
		VoiceAPIURL:               getEnv("VOICE_API_URL", ""),
		VoiceAPIKey:               getEnv("VOICE_API_KEY", ""),
		VoiceAPITimeout:           mustDuration(getEnv("VOICE_API_TIMEOUT", "15s")),
		VoiceWebhookSecret:        getEnv("VOICE_WEBHOOK_SECRET", ""),
		WebhookRateLimit:          mustFloat(getEnv("WEBHOOK_RATE_LIMIT", "20")),
		WebhookRateBurst:          mustInt(getEnv("WEBHOOK_RATE_BURST", "40")),
		ReservationTTL:            mustDuration(getEnv("RESERVATION_TTL", "10m")),
		ReservationCleanupTick:    mustDuration(getEnv("RESERVATION_CLEANUP_TICK", "5m")),
		ContactMaxCallsPerDay:     mustInt(getEnv("CONTACT_MAX_CALLS_PER_DAY", "2")),
		ContactMinCallGap:         mustDuration(getEnv("CONTACT_MIN_CALL_GAP", "2h")),
		PollTick:                  mustDuration(getEnv("POLL_TICK", "30s")),
		PollBatchSize:             mustInt(getEnv("POLL_BATCH_SIZE", "50")),
		PollConcurrency:           mustInt(getEnv("POLL_CONCURRENCY", "5")),
		DeadLetterTick:            mustDuration(getEnv("DEAD_LETTER_TICK", "60s")),
		DeadLetterAfter:           mustDuration(getEnv("DEAD_LETTER_AFTER", "30m")),
		SchedulerTick:             mustDuration(getEnv("SCHEDULER_TICK", "30s")),
		SchedulerBatchSize:        mustInt(getEnv("SCHEDULER_BATCH_SIZE", "50")),
		SchedulerConcurrency:      mustInt(getEnv("SCHEDULER_CONCURRENCY", "5")),
		InitialPollDelay:          mustDuration(getEnv("INITIAL_POLL_DELAY", "90s")),
		DefaultRetryDelay:         mustDuration(getEnv("DEFAULT_RETRY_DELAY", "90m")),
		MinIOEndpoint:             getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:            getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:            getEnv("MINIO_SECRET_KEY", ""),
		MinIOUseSSL:               strings.EqualFold(getEnv("MINIO_USE_SSL", "false"), "true"),
		MinioBucketWebhookArchive: getEnv("MINIO_BUCKET_WEBHOOK_ARCHIVE", "call-webhooks"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.ReservationTTL <= 0 {
		return nil, fmt.Errorf("RESERVATION_TTL must be a positive duration")
	}
	if cfg.DeadLetterAfter <= 0 {
		return nil, fmt.Errorf("DEAD_LETTER_AFTER must be a positive duration")
	}
	if cfg.ContactMaxCallsPerDay < 1 {
		return nil, fmt.Errorf("CONTACT_MAX_CALLS_PER_DAY must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func mustFloat(value string) float64 {
	result, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}
