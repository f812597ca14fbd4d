package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"agentq/internal/api"
	"agentq/internal/config"
	"agentq/internal/executor"
	"agentq/internal/infra/bus"
	"agentq/internal/observability"
	"agentq/internal/skills"
	"agentq/internal/store"
	"agentq/internal/usecase"
)

// serveCmd runs every loop in one process: the HTTP ingress, the result
// consumer, the recovery scan and the executor workers. They share the
// store and the bus and communicate through nothing else, so the loops
// stay independently replaceable.
func serveCmd() *cobra.Command {
	var (
		port    int
		workers int
	)
	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator: ingress, dispatch, executors and recovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if port == 0 {
				port = cfg.HTTP.Port
			}

			shutdownTracing, err := observability.InitTracing(cfg.Tracing)
			if err != nil {
				return err
			}
			defer func() { _ = shutdownTracing(context.Background()) }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			queueBus, err := bus.New(ctx, bus.Options{
				Backend:             cfg.Bus.Backend,
				RedisURL:            cfg.Bus.RedisURL,
				NATSURL:             cfg.Bus.NATSURL,
				Namespace:           cfg.Bus.Namespace,
				FallbackOnUnhealthy: cfg.Bus.FallbackOnUnhealthy,
			})
			if err != nil {
				return err
			}
			defer queueBus.Close()

			taskStore := store.NewMemoryStore()
			coordinator := usecase.NewCoordinator(taskStore, queueBus, nil, usecase.PolicyConfig{
				Mode:                   cfg.Policy.Mode,
				AllowHardBlockOverride: cfg.Policy.AllowHardBlockOverride,
				GrantTTL:               cfg.Policy.GrantTTL,
			})

			shell, err := executor.NewLocalShellRunner(cfg.Executor.SandboxDir, cfg.Executor.EnvAllowlist, cfg.Executor.MaxOutputBytes)
			if err != nil {
				return err
			}
			files, err := executor.NewFileRunner(cfg.Executor.SandboxDir)
			if err != nil {
				return err
			}
			skillStore, err := skills.NewStore(cfg.Executor.SkillDir)
			if err != nil {
				return err
			}

			go func() {
				if err := coordinator.ConsumeResults(ctx, cfg.Executor.PollInterval); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("result consumer exited")
				}
			}()
			go func() {
				if err := coordinator.RunRecoveryScan(ctx, usecase.RecoveryConfig{
					ScanInterval:   cfg.Recovery.ScanInterval,
					StaleQueuedAge: cfg.Recovery.StaleQueuedAge,
					RunningTimeout: cfg.Recovery.RunningTimeout,
				}); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("recovery scan exited")
				}
			}()

			for i := 0; i < workers; i++ {
				worker := executor.NewWorker(taskStore, queueBus, shell, files, skillStore, nil, nil, executor.Options{
					MaxRetries:             cfg.Executor.MaxRetries,
					ShellTimeout:           cfg.Executor.ShellTimeout,
					PolicyMode:             cfg.Policy.Mode,
					AllowHardBlockOverride: cfg.Policy.AllowHardBlockOverride,
					AllowRemote:            cfg.Executor.AllowRemote,
					PollInterval:           cfg.Executor.PollInterval,
					BatchSize:              cfg.Executor.BatchSize,
				})
				go func(id int) {
					if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						log.Error().Err(err).Int("worker", id).Msg("executor worker exited")
					}
				}(i)
			}

			log.Info().
				Str("bus_backend", cfg.Bus.Backend).
				Str("policy_mode", cfg.Policy.Mode).
				Int("workers", workers).
				Msg("orchestrator starting")

			server := api.NewServer(coordinator, taskStore, queueBus, cfg.HTTP.ShutdownTimeout)
			server.Run(port)
			return nil
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 0, "Port to run the server on (defaults to HTTP_PORT)")
	command.Flags().IntVarP(&workers, "workers", "w", 2, "Number of executor workers")
	return command
}
