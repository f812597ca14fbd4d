package ports

import (
	"context"
	"time"
)

// CommandOutput is the bounded capture of one subprocess run.
type CommandOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner runs one command under a hard timeout with a restricted
// environment. Implementations cover the local subprocess and validated
// remote-host paths.
type CommandRunner interface {
	Run(ctx context.Context, command string, timeout time.Duration, env []string) (CommandOutput, error)
}

// ExecutionResult is the uniform contract web and browser collaborators
// report through.
type ExecutionResult struct {
	Success bool
	Output  string
	Error   string
}

// WebSearcher is the external web-search collaborator.
type WebSearcher interface {
	Search(ctx context.Context, query string) (ExecutionResult, error)
}

// BrowserAutomator is the external browser-automation collaborator.
type BrowserAutomator interface {
	Execute(ctx context.Context, instruction string) (ExecutionResult, error)
}

// JobLauncher optionally starts a container/job backend for a task.
// Launches are fire-and-forget and best-effort: a launch failure never
// fails the task, since the stream-based path still executes it.
type JobLauncher interface {
	Launch(ctx context.Context, taskID string) error
}
