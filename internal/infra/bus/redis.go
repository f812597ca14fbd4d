package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"agentq/internal/ports"
	"agentq/pkg/backoff"
)

var _ ports.Bus = (*RedisBus)(nil)

// RedisBus is the durable backend: a Redis list per queue with per-job
// dedupe markers. Markers expire after dedupeTTL so abandoned job ids do
// not pin the keyspace forever.
type RedisBus struct {
	rdb         *redis.Client
	namespace   string
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	dedupeTTL   time.Duration
}

type RedisConfig struct {
	URL         string
	Namespace   string
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	DedupeTTL   time.Duration
}

func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "agentq"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 24 * time.Hour
	}
	log.Info().Str("addr", opts.Addr).Msg("connecting to redis queue bus")
	return &RedisBus{
		rdb:         redis.NewClient(opts),
		namespace:   cfg.Namespace,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		dedupeTTL:   cfg.DedupeTTL,
	}, nil
}

func (b *RedisBus) queueKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s", b.namespace, queue)
}

func (b *RedisBus) jobKey(queue, jobID string) string {
	return fmt.Sprintf("%s:queue:%s:job:%s", b.namespace, queue, jobID)
}

// withRetry runs op with exponential-jitter backoff between attempts.
// Context cancellation is not retried.
func (b *RedisBus) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt < b.maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.ExponentialJitter(b.baseBackoff, b.maxBackoff, attempt)):
			}
		}
	}
	return lastErr
}

func (b *RedisBus) Enqueue(ctx context.Context, queue, jobID string, payload json.RawMessage) (bool, error) {
	message, err := json.Marshal(struct {
		JobID   string          `json:"job_id"`
		Payload json.RawMessage `json:"payload"`
	}{jobID, payload})
	if err != nil {
		return false, fmt.Errorf("marshal queue message: %w", err)
	}

	var added bool
	err = b.withRetry(ctx, func() error {
		ok, err := b.rdb.SetNX(ctx, b.jobKey(queue, jobID), string(message), b.dedupeTTL).Result()
		if err != nil {
			return err
		}
		added = ok
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("set dedupe marker: %w", err)
	}
	if !added {
		return false, nil
	}

	err = b.withRetry(ctx, func() error {
		return b.rdb.RPush(ctx, b.queueKey(queue), jobID).Err()
	})
	if err != nil {
		// The marker must not survive a message that never reached the
		// queue, or the job id would be poisoned until the TTL lapses.
		if cleanupErr := b.rdb.Del(ctx, b.jobKey(queue, jobID)).Err(); cleanupErr != nil {
			log.Ctx(ctx).Warn().Err(cleanupErr).
				Str("queue", queue).Str("job_id", jobID).
				Msg("failed to clean up redis dedupe marker")
		}
		return false, fmt.Errorf("push queue entry: %w", err)
	}
	return true, nil
}

func (b *RedisBus) Dequeue(ctx context.Context, queue string, limit int) ([]ports.Message, error) {
	if limit < 1 {
		return nil, nil
	}
	var messages []ports.Message
	for len(messages) < limit {
		var jobID string
		err := b.withRetry(ctx, func() error {
			id, err := b.rdb.LPop(ctx, b.queueKey(queue)).Result()
			if errors.Is(err, redis.Nil) {
				jobID = ""
				return nil
			}
			if err != nil {
				return err
			}
			jobID = id
			return nil
		})
		if err != nil {
			return messages, fmt.Errorf("pop queue entry: %w", err)
		}
		if jobID == "" {
			break
		}

		jobKey := b.jobKey(queue, jobID)
		var raw string
		err = b.withRetry(ctx, func() error {
			value, err := b.rdb.Get(ctx, jobKey).Result()
			if errors.Is(err, redis.Nil) {
				raw = ""
				return nil
			}
			if err != nil {
				return err
			}
			raw = value
			return nil
		})
		if err != nil {
			return messages, fmt.Errorf("load queue message: %w", err)
		}
		_ = b.rdb.Del(ctx, jobKey).Err()
		if raw == "" {
			continue
		}

		var parsed struct {
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil || len(parsed.Payload) == 0 {
			log.Ctx(ctx).Warn().Str("queue", queue).Str("job_id", jobID).
				Msg("dropping malformed queue message")
			continue
		}
		messages = append(messages, ports.Message{JobID: jobID, Payload: parsed.Payload})
	}
	return messages, nil
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload json.RawMessage) error {
	_, err := b.Enqueue(ctx, topic, ContentJobID(topic, payload), payload)
	return err
}

func (b *RedisBus) Drain(ctx context.Context, topic string) ([]json.RawMessage, error) {
	var drained []json.RawMessage
	for {
		batch, err := b.Dequeue(ctx, topic, 100)
		if err != nil {
			return drained, err
		}
		if len(batch) == 0 {
			return drained, nil
		}
		for _, msg := range batch {
			drained = append(drained, msg.Payload)
		}
	}
}

func (b *RedisBus) Ping(ctx context.Context) bool {
	err := b.withRetry(ctx, func() error {
		return b.rdb.Ping(ctx).Err()
	})
	return err == nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
