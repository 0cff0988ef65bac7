package scheduler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"reminder_calls_backend/platform/config"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const (
	contactStatusMaxRetry = 10
	// Completed tasks are kept this long so a late duplicate enqueue for
	// the same session still hits the task id.
	contactStatusRetention = 24 * time.Hour
)

type Client struct {
	client *asynq.Client
	queue  string
}

// ContactStatusEnqueuer schedules contact appointment-status updates.
type ContactStatusEnqueuer interface {
	EnqueueContactStatus(ctx context.Context, payload ContactStatusPayload) error
}

func NewClient(cfg config.SchedulerConfig) (*Client, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	return &Client{
		client: asynq.NewClient(opt),
		queue:  queue,
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// EnqueueContactStatus enqueues the update at most once per session. A
// duplicate enqueue is reported as success.
func (c *Client) EnqueueContactStatus(ctx context.Context, payload ContactStatusPayload) error {
	if c == nil || c.client == nil {
		return nil
	}

	task, err := NewContactStatusTask(payload)
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, task,
		asynq.TaskID(contactStatusTaskID(payload.SessionID)),
		asynq.Queue(c.queue),
		asynq.MaxRetry(contactStatusMaxRetry),
		asynq.Retention(contactStatusRetention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	var tlsConfig *tls.Config
	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if tlsInsecure {
			clone.InsecureSkipVerify = true
		}
		tlsConfig = clone
	} else if tlsInsecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}
