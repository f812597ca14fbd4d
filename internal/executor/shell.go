package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"agentq/internal/ports"
)

var _ ports.CommandRunner = (*LocalShellRunner)(nil)

// boundedBuffer captures at most limit bytes and drops the rest, so a
// runaway command cannot balloon the result payload.
type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

// LocalShellRunner runs commands through `sh -c` inside a sandbox working
// directory with an allowlisted environment.
type LocalShellRunner struct {
	SandboxDir     string
	EnvAllowlist   []string
	MaxOutputBytes int
}

func NewLocalShellRunner(sandboxDir string, envAllowlist []string, maxOutputBytes int) (*LocalShellRunner, error) {
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	if maxOutputBytes <= 0 {
		maxOutputBytes = 64 * 1024
	}
	return &LocalShellRunner{
		SandboxDir:     sandboxDir,
		EnvAllowlist:   envAllowlist,
		MaxOutputBytes: maxOutputBytes,
	}, nil
}

func (r *LocalShellRunner) Run(ctx context.Context, command string, timeout time.Duration, env []string) (ports.CommandOutput, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = r.SandboxDir
	cmd.Env = append(r.allowlistedEnv(), env...)

	stdout := &boundedBuffer{limit: r.MaxOutputBytes}
	stderr := &boundedBuffer{limit: r.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	out := ports.CommandOutput{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if runCtx.Err() != nil {
			return out, fmt.Errorf("command timed out after %s", timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return out, fmt.Errorf("run command: %w", err)
	}
	return out, nil
}

func (r *LocalShellRunner) allowlistedEnv() []string {
	allowed := make(map[string]bool, len(r.EnvAllowlist))
	for _, name := range r.EnvAllowlist {
		allowed[name] = true
	}
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && allowed[name] {
			env = append(env, kv)
		}
	}
	return env
}

// remoteHostPattern accepts hostnames, IPv4 and bracketed IPv6 literals,
// optionally with user@ and :port. Anything else is rejected before the
// host is ever interpolated into an ssh invocation.
var remoteHostPattern = regexp.MustCompile(`^[A-Za-z0-9._@:\-\[\]]+$`)

// ValidRemoteHost reports whether host is safe to pass to ssh.
func ValidRemoteHost(host string) bool {
	return host != "" && !strings.HasPrefix(host, "-") && remoteHostPattern.MatchString(host)
}

// RemoteShellRunner executes commands on a validated remote host over ssh,
// reusing the local runner for the ssh subprocess itself.
type RemoteShellRunner struct {
	Host  string
	Local ports.CommandRunner
}

var _ ports.CommandRunner = (*RemoteShellRunner)(nil)

func (r *RemoteShellRunner) Run(ctx context.Context, command string, timeout time.Duration, env []string) (ports.CommandOutput, error) {
	if !ValidRemoteHost(r.Host) {
		return ports.CommandOutput{}, fmt.Errorf("invalid remote host %q", r.Host)
	}
	// BatchMode keeps ssh from blocking the worker on a password prompt.
	wrapped := fmt.Sprintf("ssh -o BatchMode=yes -o ConnectTimeout=10 %s -- %s", r.Host, shQuote(command))
	return r.Local.Run(ctx, wrapped, timeout, env)
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
