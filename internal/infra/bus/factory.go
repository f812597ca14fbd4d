package bus

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"agentq/internal/ports"
)

// Options selects and configures a queue bus backend.
type Options struct {
	// Backend is one of "memory", "redis" or "nats".
	Backend   string
	RedisURL  string
	NATSURL   string
	Namespace string

	// FallbackOnUnhealthy substitutes the in-memory bus when a durable
	// backend is selected but fails its boot ping, instead of refusing
	// to start.
	FallbackOnUnhealthy bool
}

// New builds the bus named by opts.Backend. Durable backends are wrapped in
// a FailoverBus so a mid-flight transport failure degrades to in-memory
// delivery instead of stalling the coordinator.
func New(ctx context.Context, opts Options) (ports.Bus, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemoryBus(), nil
	case "redis":
		primary, err := NewRedisBus(RedisConfig{URL: opts.RedisURL, Namespace: opts.Namespace})
		if err != nil {
			return nil, fmt.Errorf("create redis bus: %w", err)
		}
		return wrapDurable(ctx, primary, opts)
	case "nats":
		primary, err := NewNATSBus(NATSConfig{URL: opts.NATSURL, Namespace: opts.Namespace})
		if err != nil {
			return nil, fmt.Errorf("create nats bus: %w", err)
		}
		return wrapDurable(ctx, primary, opts)
	default:
		return nil, fmt.Errorf("unknown bus backend %q", opts.Backend)
	}
}

func wrapDurable(ctx context.Context, primary ports.Bus, opts Options) (ports.Bus, error) {
	if !primary.Ping(ctx) {
		if !opts.FallbackOnUnhealthy {
			_ = primary.Close()
			return nil, fmt.Errorf("bus backend %q is unreachable", opts.Backend)
		}
		_ = primary.Close()
		log.Warn().
			Str("backend", opts.Backend).
			Msg("bus backend unreachable at startup, using in-memory bus")
		return NewMemoryBus(), nil
	}
	return NewFailoverBus(primary, NewMemoryBus()), nil
}
