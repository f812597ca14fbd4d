package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"agentq/internal/domain"
	"agentq/internal/ports"
)

// ConsumeResults polls the result stream until ctx is canceled.
func (c *Coordinator) ConsumeResults(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Ctx(ctx).Info().Msg("result consumer started")
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).Info().Msg("result consumer stopping")
			return ctx.Err()
		case <-ticker.C:
			payloads, err := c.bus.Drain(ctx, ports.ResultQueue)
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("result drain failed")
				continue
			}
			for _, raw := range payloads {
				c.ApplyResult(ctx, raw)
			}
		}
	}
}

// ApplyResult reconciles one result message with the task row. A task
// already terminal by another path, such as a user cancel, keeps its
// status; the audit and notification side effects still fire exactly once
// per message.
func (c *Coordinator) ApplyResult(ctx context.Context, raw json.RawMessage) {
	var res domain.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("dropping malformed result")
		return
	}
	logger := log.Ctx(ctx).With().Str("task_id", res.TaskID).Bool("success", res.Success).Logger()

	next := domain.StatusFailed
	update := ports.TaskUpdate{Error: &res.Error}
	if res.Success {
		next = domain.StatusSucceeded
		update = ports.TaskUpdate{Result: &res.Output}
	}
	_, err := c.store.TransitionTask(ctx, res.TaskID, next, update)
	switch {
	case err == nil:
		// The executor usually lands the terminal write first; reaching
		// here means it died between publish and write and the consumer
		// repaired the row.
		logger.Info().Str("status", string(next)).Msg("task reconciled from result")
	case errors.Is(err, ports.ErrIllegalTransition):
		logger.Debug().Msg("task already settled, result applied as no-op")
	case errors.Is(err, ports.ErrTaskNotFound):
		logger.Warn().Msg("result for unknown task")
	default:
		logger.Error().Err(err).Msg("result reconciliation failed")
		return
	}

	c.audit(ctx, res.OrgID, res.UserID, "result_received", map[string]any{
		"task_id": res.TaskID,
		"success": res.Success,
	})
	if c.notify != nil {
		c.notify(ctx, res)
	}
}
