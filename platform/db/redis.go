package db

import (
	"context"
	"crypto/tls"
	"errors"

	"reminder_calls_backend/platform/config"

	"github.com/redis/go-redis/v9"
)

// NewRedis connects to the Redis instance holding quota counters and
// reservations.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.GetRedisURL() == "" {
		return nil, errors.New("redis url not configured")
	}
	opt, err := redis.ParseURL(cfg.GetRedisURL())
	if err != nil {
		return nil, err
	}
	if cfg.GetRedisTLSInsecure() {
		if opt.TLSConfig == nil {
			opt.TLSConfig = &tls.Config{}
		}
		opt.TLSConfig.InsecureSkipVerify = true
	}

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// RedisHealth adapts a Redis client to the readiness check interface.
type RedisHealth struct {
	Client redis.UniversalClient
}

func (h RedisHealth) Ping(ctx context.Context) error {
	return h.Client.Ping(ctx).Err()
}
