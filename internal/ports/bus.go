package ports

import (
	"context"
	"encoding/json"
)

// Message is the wire unit handed to queue consumers.
type Message struct {
	JobID   string
	Payload json.RawMessage
}

// Bus is the point-to-point queue and fan-out contract shared by all
// backends. Enqueue is idempotent by job id: a repeated id for the same
// queue returns false and never duplicates the message. Dequeue removes and
// returns up to limit messages in backend-local FIFO order; consumed job
// ids become reusable. Publish/Drain are the simpler at-least-once fan-out
// primitives used by event paths, with content-addressed dedupe for one
// cycle. Ping is a cheap health probe for readiness.
type Bus interface {
	Enqueue(ctx context.Context, queue, jobID string, payload json.RawMessage) (bool, error)
	Dequeue(ctx context.Context, queue string, limit int) ([]Message, error)
	Publish(ctx context.Context, topic string, payload json.RawMessage) error
	Drain(ctx context.Context, topic string) ([]json.RawMessage, error)
	Ping(ctx context.Context) bool
	Close() error
}

const (
	// TaskQueue carries task envelopes from the coordinator to executors.
	TaskQueue = "tasks"
	// ResultQueue carries executor results back to the coordinator.
	ResultQueue = "results"
	// CancelTopic fans out best-effort cancel signals.
	CancelTopic = "cancels"
)
