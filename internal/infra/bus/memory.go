package bus

import (
	"context"
	"encoding/json"
	"sync"

	"agentq/internal/ports"
)

var _ ports.Bus = (*MemoryBus)(nil)

type memoryQueue struct {
	messages []ports.Message
	pending  map[string]bool
}

// MemoryBus is the process-local fallback backend. Dedupe covers only
// still-unconsumed job ids, so a legitimate retry can reuse an id after
// its predecessor was dequeued.
type MemoryBus struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{queues: make(map[string]*memoryQueue)}
}

func (b *MemoryBus) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{pending: make(map[string]bool)}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBus) Enqueue(_ context.Context, queue, jobID string, payload json.RawMessage) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	if q.pending[jobID] {
		return false, nil
	}
	q.pending[jobID] = true
	buf := make(json.RawMessage, len(payload))
	copy(buf, payload)
	q.messages = append(q.messages, ports.Message{JobID: jobID, Payload: buf})
	return true, nil
}

func (b *MemoryBus) Dequeue(_ context.Context, queue string, limit int) ([]ports.Message, error) {
	if limit < 1 {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	if len(q.messages) == 0 {
		return nil, nil
	}
	if limit > len(q.messages) {
		limit = len(q.messages)
	}
	out := make([]ports.Message, limit)
	copy(out, q.messages[:limit])
	q.messages = append([]ports.Message(nil), q.messages[limit:]...)
	for _, msg := range out {
		delete(q.pending, msg.JobID)
	}
	return out, nil
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload json.RawMessage) error {
	_, err := b.Enqueue(ctx, topic, ContentJobID(topic, payload), payload)
	return err
}

func (b *MemoryBus) Drain(ctx context.Context, topic string) ([]json.RawMessage, error) {
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

func (b *MemoryBus) Ping(context.Context) bool { return true }

func (b *MemoryBus) Close() error { return nil }
