package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Bus      Bus
	Policy   Policy
	Executor Executor
	Recovery Recovery
	HTTP     HTTP
	Tracing  Tracing
}

type Bus struct {
	// Backend is one of memory, redis or nats.
	Backend   string `env:"BUS_BACKEND" envDefault:"memory"`
	RedisURL  string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	NATSURL   string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	Namespace string `env:"BUS_NAMESPACE" envDefault:"agentq"`
	// FallbackOnUnhealthy boots on the in-memory bus when the durable
	// backend fails its startup ping.
	FallbackOnUnhealthy bool `env:"BUS_FALLBACK_ON_UNHEALTHY" envDefault:"true"`
}

type Policy struct {
	// Mode is strict, balanced or permissive; anything else is treated
	// as strict.
	Mode                   string        `env:"POLICY_MODE" envDefault:"balanced"`
	AllowHardBlockOverride bool          `env:"POLICY_ALLOW_HARD_BLOCK_OVERRIDE" envDefault:"false"`
	GrantTTL               time.Duration `env:"APPROVAL_GRANT_TTL" envDefault:"1h"`
}

type Executor struct {
	MaxRetries     int           `env:"EXECUTOR_MAX_RETRIES" envDefault:"2"`
	ShellTimeout   time.Duration `env:"EXECUTOR_SHELL_TIMEOUT" envDefault:"2m"`
	MaxOutputBytes int           `env:"EXECUTOR_MAX_OUTPUT_BYTES" envDefault:"65536"`
	// EnvAllowlist names the environment variables passed through to
	// shell subprocesses.
	EnvAllowlist []string      `env:"EXECUTOR_ENV_ALLOWLIST" envSeparator:"," envDefault:"PATH,HOME,LANG,TZ"`
	SandboxDir   string        `env:"EXECUTOR_SANDBOX_DIR" envDefault:"/tmp/agentq"`
	SkillDir     string        `env:"EXECUTOR_SKILL_DIR" envDefault:"skills"`
	AllowRemote  bool          `env:"EXECUTOR_ALLOW_REMOTE" envDefault:"false"`
	PollInterval time.Duration `env:"EXECUTOR_POLL_INTERVAL" envDefault:"500ms"`
	BatchSize    int           `env:"EXECUTOR_BATCH_SIZE" envDefault:"5"`
}

type Recovery struct {
	ScanInterval time.Duration `env:"RECOVERY_SCAN_INTERVAL" envDefault:"1m"`
	// StaleQueuedAge is how long a task may sit QUEUED before the scan
	// re-enqueues it.
	StaleQueuedAge time.Duration `env:"RECOVERY_STALE_QUEUED_AGE" envDefault:"10m"`
	// RunningTimeout is how long a task may stay RUNNING before the scan
	// marks it TIMED_OUT.
	RunningTimeout time.Duration `env:"RECOVERY_RUNNING_TIMEOUT" envDefault:"30m"`
}

type HTTP struct {
	Port            int           `env:"HTTP_PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type Tracing struct {
	// Exporter is none, stdout or otlp.
	Exporter    string `env:"TRACE_EXPORTER" envDefault:"none"`
	OTLPBaseURL string `env:"TRACE_OTLP_URL" envDefault:"http://localhost:4318"`
	ServiceName string `env:"TRACE_SERVICE_NAME" envDefault:"agentq"`
}

// Load reads a .env file when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &c, nil
}
