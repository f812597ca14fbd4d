package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"agentq/internal/ports"
)

var _ ports.Bus = (*NATSBus)(nil)

// NATSBus is an alternative durable backend built on JetStream work-queue
// streams. Dedupe rides on the Nats-Msg-Id header within the stream's
// duplicate window; dequeue uses a pull consumer with explicit acks.
type NATSBus struct {
	conn      *nats.Conn
	js        nats.JetStreamContext
	namespace string
	dupWindow time.Duration
}

type NATSConfig struct {
	URL             string
	Namespace       string
	DuplicateWindow time.Duration
}

func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "agentq"
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 2 * time.Minute
	}
	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}
	log.Info().Str("url", cfg.URL).Msg("connected to nats queue bus")
	return &NATSBus{conn: conn, js: js, namespace: cfg.Namespace, dupWindow: cfg.DuplicateWindow}, nil
}

func (b *NATSBus) streamName(queue string) string {
	return strings.ToUpper(b.namespace + "_" + strings.ReplaceAll(queue, ".", "_"))
}

func (b *NATSBus) subject(queue string) string {
	return b.namespace + ".queue." + queue
}

func (b *NATSBus) ensureStream(queue string) error {
	name := b.streamName(queue)
	_, err := b.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   []string{b.subject(queue)},
		Retention:  nats.WorkQueuePolicy,
		Duplicates: b.dupWindow,
	})
	if err != nil && !strings.Contains(err.Error(), "already in use") {
		return err
	}
	return nil
}

func (b *NATSBus) Enqueue(ctx context.Context, queue, jobID string, payload json.RawMessage) (bool, error) {
	if err := b.ensureStream(queue); err != nil {
		return false, fmt.Errorf("ensure stream: %w", err)
	}
	message, err := json.Marshal(struct {
		JobID   string          `json:"job_id"`
		Payload json.RawMessage `json:"payload"`
	}{jobID, payload})
	if err != nil {
		return false, fmt.Errorf("marshal queue message: %w", err)
	}
	ack, err := b.js.Publish(b.subject(queue), message, nats.MsgId(jobID), nats.Context(ctx))
	if err != nil {
		return false, fmt.Errorf("publish queue entry: %w", err)
	}
	return !ack.Duplicate, nil
}

func (b *NATSBus) Dequeue(ctx context.Context, queue string, limit int) ([]ports.Message, error) {
	if limit < 1 {
		return nil, nil
	}
	if err := b.ensureStream(queue); err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	sub, err := b.js.PullSubscribe(b.subject(queue), b.namespace+"-workers", nats.BindStream(b.streamName(queue)))
	if err != nil {
		return nil, fmt.Errorf("open pull consumer: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	raw, err := sub.Fetch(limit, nats.MaxWait(250*time.Millisecond))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch queue entries: %w", err)
	}

	messages := make([]ports.Message, 0, len(raw))
	for _, msg := range raw {
		var parsed struct {
			JobID   string          `json:"job_id"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(msg.Data, &parsed); err != nil || len(parsed.Payload) == 0 {
			log.Ctx(ctx).Warn().Str("queue", queue).Msg("dropping malformed queue message")
			_ = msg.Ack()
			continue
		}
		_ = msg.Ack()
		messages = append(messages, ports.Message{JobID: parsed.JobID, Payload: parsed.Payload})
	}
	return messages, nil
}

func (b *NATSBus) Publish(ctx context.Context, topic string, payload json.RawMessage) error {
	_, err := b.Enqueue(ctx, topic, ContentJobID(topic, payload), payload)
	return err
}

func (b *NATSBus) Drain(ctx context.Context, topic string) ([]json.RawMessage, error) {
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

func (b *NATSBus) Ping(context.Context) bool {
	return b.conn != nil && b.conn.Status() == nats.CONNECTED
}

func (b *NATSBus) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
