package usecase

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"agentq/internal/domain"
	"agentq/internal/ports"
)

// RecoveryConfig tunes the periodic stale-task scan.
type RecoveryConfig struct {
	ScanInterval   time.Duration
	StaleQueuedAge time.Duration
	RunningTimeout time.Duration
}

// RunRecoveryScan periodically repairs tasks stranded by lost envelopes or
// dead workers: stale QUEUED and DISPATCHING rows are re-enqueued, stale
// RUNNING rows are timed out.
func (c *Coordinator) RunRecoveryScan(ctx context.Context, cfg RecoveryConfig) error {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	ticker := time.NewTicker(cfg.ScanInterval)
	defer ticker.Stop()

	log.Ctx(ctx).Info().Msg("recovery scan started")
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).Info().Msg("recovery scan stopping")
			return ctx.Err()
		case <-ticker.C:
			c.RecoverOnce(ctx, cfg)
		}
	}
}

// RecoverOnce runs a single scan pass.
func (c *Coordinator) RecoverOnce(ctx context.Context, cfg RecoveryConfig) {
	now := time.Now().UTC()

	if cfg.StaleQueuedAge > 0 {
		// A DISPATCHING row whose envelope never reappears means the worker
		// died after consuming it; re-publishing lets the next worker pick
		// the task back up from DISPATCHING.
		for _, status := range []domain.TaskStatus{domain.StatusQueued, domain.StatusDispatching} {
			stale, err := c.store.ListTasksByStatus(ctx, status, now.Add(-cfg.StaleQueuedAge))
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Str("status", string(status)).Msg("stale task scan failed")
				continue
			}
			for _, task := range stale {
				// Enqueue is idempotent by task id, so re-publishing an
				// envelope that is still pending on the queue is harmless.
				if err := c.enqueueTask(ctx, task, ""); err != nil {
					log.Ctx(ctx).Warn().Err(err).Str("task_id", task.ID).Msg("stale task re-enqueue failed")
					continue
				}
				log.Ctx(ctx).Info().Str("task_id", task.ID).Msg("re-enqueued stale task")
			}
		}
	}

	if cfg.RunningTimeout > 0 {
		hung, err := c.store.ListTasksByStatus(ctx, domain.StatusRunning, now.Add(-cfg.RunningTimeout))
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("stale running scan failed")
		}
		for _, task := range hung {
			msg := "no progress within the running timeout"
			if _, err := c.store.TransitionTask(ctx, task.ID, domain.StatusTimedOut, ports.TaskUpdate{Error: &msg}); err != nil {
				log.Ctx(ctx).Debug().Err(err).Str("task_id", task.ID).Msg("stale running task moved on its own")
				continue
			}
			c.audit(ctx, task.OrgID, task.UserID, "task_timed_out", map[string]any{"task_id": task.ID})
			log.Ctx(ctx).Warn().Str("task_id", task.ID).Msg("timed out stale running task")
		}
	}
}
