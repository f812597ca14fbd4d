package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"agentq/internal/ports"
)

var _ ports.Bus = (*FailoverBus)(nil)

// FailoverBus wraps a durable primary and an in-memory fallback. The first
// transport error or failed ping permanently switches every subsequent call
// to the fallback for the remainder of the process lifetime; there is no
// automatic failback. Durability is knowingly sacrificed after a primary
// failure in exchange for not silently dropping work, and retrying a dead
// primary on every call would reintroduce the latency problem under a
// sustained outage.
type FailoverBus struct {
	primary  ports.Bus
	fallback ports.Bus

	mu          sync.Mutex
	useFallback bool
}

func NewFailoverBus(primary, fallback ports.Bus) *FailoverBus {
	return &FailoverBus{primary: primary, fallback: fallback}
}

// ActiveBackend reports the runtime backend for readiness endpoints.
func (b *FailoverBus) ActiveBackend() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.useFallback {
		return "memory"
	}
	return "primary"
}

func (b *FailoverBus) onFallback() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.useFallback
}

// activateFallback flips the one-way switch. The lock guarantees concurrent
// failures produce exactly one transition log line.
func (b *FailoverBus) activateFallback(operation string, err error) {
	b.mu.Lock()
	if b.useFallback {
		b.mu.Unlock()
		return
	}
	b.useFallback = true
	b.mu.Unlock()

	event := log.Warn().Str("operation", operation)
	if err != nil {
		event = event.Err(err)
	}
	event.Msg("switching queue bus to in-memory fallback")
}

func (b *FailoverBus) Enqueue(ctx context.Context, queue, jobID string, payload json.RawMessage) (bool, error) {
	if b.onFallback() {
		return b.fallback.Enqueue(ctx, queue, jobID, payload)
	}
	accepted, err := b.primary.Enqueue(ctx, queue, jobID, payload)
	if err != nil {
		b.activateFallback("enqueue", err)
		return b.fallback.Enqueue(ctx, queue, jobID, payload)
	}
	return accepted, nil
}

func (b *FailoverBus) Dequeue(ctx context.Context, queue string, limit int) ([]ports.Message, error) {
	if b.onFallback() {
		return b.fallback.Dequeue(ctx, queue, limit)
	}
	messages, err := b.primary.Dequeue(ctx, queue, limit)
	if err != nil {
		b.activateFallback("dequeue", err)
		return b.fallback.Dequeue(ctx, queue, limit)
	}
	return messages, nil
}

func (b *FailoverBus) Publish(ctx context.Context, topic string, payload json.RawMessage) error {
	if b.onFallback() {
		return b.fallback.Publish(ctx, topic, payload)
	}
	if err := b.primary.Publish(ctx, topic, payload); err != nil {
		b.activateFallback("publish", err)
		return b.fallback.Publish(ctx, topic, payload)
	}
	return nil
}

func (b *FailoverBus) Drain(ctx context.Context, topic string) ([]json.RawMessage, error) {
	if b.onFallback() {
		return b.fallback.Drain(ctx, topic)
	}
	payloads, err := b.primary.Drain(ctx, topic)
	if err != nil {
		b.activateFallback("drain", err)
		return b.fallback.Drain(ctx, topic)
	}
	return payloads, nil
}

func (b *FailoverBus) Ping(ctx context.Context) bool {
	if b.onFallback() {
		return b.fallback.Ping(ctx)
	}
	if !b.primary.Ping(ctx) {
		b.activateFallback("ping", nil)
		return b.fallback.Ping(ctx)
	}
	return true
}

func (b *FailoverBus) Close() error {
	primaryErr := b.primary.Close()
	if fallbackErr := b.fallback.Close(); fallbackErr != nil && primaryErr == nil {
		primaryErr = fallbackErr
	}
	return primaryErr
}
