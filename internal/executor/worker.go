package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"agentq/internal/domain"
	"agentq/internal/observability"
	"agentq/internal/policy"
	"agentq/internal/ports"
	"agentq/internal/skills"
)

// Options tunes one worker.
type Options struct {
	MaxRetries   int
	ShellTimeout time.Duration
	PolicyMode   string
	// AllowHardBlockOverride is the classifier escape hatch; overridden
	// commands still require approval, never autorun.
	AllowHardBlockOverride bool
	AllowRemote            bool
	PollInterval           time.Duration
	BatchSize              int
}

// Worker drains the task queue and executes envelopes. Every status write
// goes through the guarded transition, so a worker racing a cancel or a
// duplicate delivery degrades to a logged no-op.
type Worker struct {
	store   ports.Store
	bus     ports.Bus
	shell   ports.CommandRunner
	files   *FileRunner
	skills  *skills.Store
	web     ports.WebSearcher
	browser ports.BrowserAutomator
	opts    Options
}

func NewWorker(store ports.Store, bus ports.Bus, shell ports.CommandRunner, files *FileRunner, skillStore *skills.Store, web ports.WebSearcher, browser ports.BrowserAutomator, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	return &Worker{
		store:   store,
		bus:     bus,
		shell:   shell,
		files:   files,
		skills:  skillStore,
		web:     web,
		browser: browser,
		opts:    opts,
	}
}

// Run polls the task queue until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	log.Ctx(ctx).Info().Msg("executor worker started")
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).Info().Msg("executor worker stopping")
			return ctx.Err()
		case <-ticker.C:
			messages, err := w.bus.Dequeue(ctx, ports.TaskQueue, w.opts.BatchSize)
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("dequeue failed")
				continue
			}
			for _, msg := range messages {
				w.Process(ctx, msg)
			}
		}
	}
}

// Process handles a single queue message end to end.
func (w *Worker) Process(ctx context.Context, msg ports.Message) {
	ctx, span := observability.StartSpan(ctx, "execute_task", attribute.String("job_id", msg.JobID))
	defer span.End()

	var env domain.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("job_id", msg.JobID).Msg("dropping malformed envelope")
		return
	}
	logger := log.Ctx(ctx).With().Str("task_id", env.TaskID).Str("task_type", string(env.TaskType)).Logger()

	task, err := w.store.GetTask(ctx, env.TaskID)
	if err != nil {
		if errors.Is(err, ports.ErrTaskNotFound) {
			logger.Warn().Msg("skipping envelope for unknown task")
			return
		}
		logger.Error().Err(err).Msg("task lookup failed")
		return
	}
	if task.Status.Terminal() {
		logger.Debug().Str("status", string(task.Status)).Msg("skipping terminal task")
		return
	}

	// A task already DISPATCHING belongs to a worker that died before the
	// running write; resume from there instead of dropping the envelope.
	if task.Status != domain.StatusDispatching {
		if _, err := w.store.TransitionTask(ctx, env.TaskID, domain.StatusDispatching, ports.TaskUpdate{}); err != nil {
			logger.Warn().Err(err).Msg("skipping task not in a dispatchable state")
			return
		}
	}
	if _, err := w.store.TransitionTask(ctx, env.TaskID, domain.StatusRunning, ports.TaskUpdate{}); err != nil {
		logger.Warn().Err(err).Msg("task left dispatching before running")
		return
	}
	attempts, err := w.store.IncrementTaskAttempts(ctx, env.TaskID)
	if err != nil {
		logger.Error().Err(err).Msg("attempt accounting failed")
		return
	}

	result := w.execute(ctx, &env)
	w.finalize(ctx, logger, msg, &env, attempts, result)
}

func (w *Worker) execute(ctx context.Context, env *domain.Envelope) outcome {
	switch env.TaskType {
	case domain.TypeShell:
		return w.executeShell(ctx, env)
	case domain.TypeFile:
		var p domain.FilePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nonRetriable("malformed file payload")
		}
		return w.files.Execute(p.Instruction)
	case domain.TypeSkill:
		return w.executeSkill(env)
	case domain.TypeWeb:
		var p domain.WebPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nonRetriable("malformed web payload")
		}
		if w.web == nil {
			return nonRetriable("web search is not configured")
		}
		res, err := w.web.Search(ctx, p.Query)
		if err != nil {
			return retriable("", fmt.Sprintf("web search: %v", err))
		}
		return fromExecutionResult(res)
	case domain.TypeBrowser:
		return w.executeBrowser(ctx, env)
	default:
		return nonRetriable(fmt.Sprintf("unknown task type %q", env.TaskType))
	}
}

func (w *Worker) executeShell(ctx context.Context, env *domain.Envelope) outcome {
	var p domain.ShellPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nonRetriable("malformed shell payload")
	}

	// Queue contents are untrusted at this point; classify again with the
	// worker's current policy even though dispatch already gated the task.
	verdict := policy.ClassifyShellCommand(p.Command, w.opts.PolicyMode, w.opts.AllowHardBlockOverride)
	switch verdict.Decision {
	case policy.Blocked:
		return nonRetriable("command blocked by policy: " + verdict.Reason)
	case policy.RequireApproval:
		ok, err := w.approvalSatisfied(ctx, env, domain.ShellMutationScope)
		if err != nil {
			return retriable("", fmt.Sprintf("approval check: %v", err))
		}
		if !ok {
			return nonRetriable("approval required: " + verdict.Reason)
		}
	}

	runner := w.shell
	if p.RemoteHost != "" {
		if !w.opts.AllowRemote {
			return nonRetriable("remote execution is disabled")
		}
		if !ValidRemoteHost(p.RemoteHost) {
			return nonRetriable(fmt.Sprintf("invalid remote host %q", p.RemoteHost))
		}
		runner = &RemoteShellRunner{Host: p.RemoteHost, Local: w.shell}
	}

	out, err := runner.Run(ctx, p.Command, w.opts.ShellTimeout, nil)
	if err != nil {
		return retriable(out.Stdout, err.Error())
	}
	if out.ExitCode != 0 {
		return retriable(out.Stdout, fmt.Sprintf("exit code %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr)))
	}
	output := out.Stdout
	if output == "" {
		output = strings.TrimSpace(out.Stderr)
	}
	return succeed(output)
}

func (w *Worker) executeSkill(env *domain.Envelope) outcome {
	var p domain.SkillPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nonRetriable("malformed skill payload")
	}
	if w.skills == nil {
		return nonRetriable("skills are not configured")
	}
	skill, err := w.skills.Get(p.SkillName)
	if err != nil {
		return nonRetriable(err.Error())
	}
	rendered := strings.ReplaceAll(skill.Body, "{{input}}", p.Input)
	return succeed(rendered)
}

func (w *Worker) executeBrowser(ctx context.Context, env *domain.Envelope) outcome {
	var p domain.BrowserPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nonRetriable("malformed browser payload")
	}
	if w.browser == nil {
		return nonRetriable("browser automation is not configured")
	}
	if env.RiskTier == domain.RiskHigh || env.RiskTier == domain.RiskCritical {
		ok, err := w.approvalSatisfied(ctx, env, domain.BrowserMutationScope)
		if err != nil {
			return retriable("", fmt.Sprintf("approval check: %v", err))
		}
		if !ok {
			return nonRetriable("approval required for browser mutation")
		}
	}
	res, err := w.browser.Execute(ctx, p.Instruction)
	if err != nil {
		return retriable("", fmt.Sprintf("browser automation: %v", err))
	}
	return fromExecutionResult(res)
}

// approvalSatisfied accepts either an envelope approval reference that
// resolved to APPROVED, or an active standing grant for the scope. The
// grant is checked at execution time so a revocation between queue and run
// wins.
func (w *Worker) approvalSatisfied(ctx context.Context, env *domain.Envelope, scope string) (bool, error) {
	if env.ApprovalID != "" {
		approval, err := w.store.GetApproval(ctx, env.ApprovalID)
		if err == nil && approval.Decision == domain.DecisionApproved {
			return true, nil
		}
		if err != nil && !errors.Is(err, ports.ErrApprovalNotFound) {
			return false, err
		}
	}
	return w.store.HasActiveGrant(ctx, env.OrgID, env.UserID, scope)
}

// finalize settles the attempt. All failure paths end in a guarded
// transition plus, where the task is done for good, a failure result; the
// one success path publishes the result first and only then counts the task
// as succeeded.
func (w *Worker) finalize(ctx context.Context, logger zerolog.Logger, msg ports.Message, env *domain.Envelope, attempts int, result outcome) {
	switch result.kind {
	case outcomeSuccess:
		if err := w.publishResult(ctx, env, true, result.output, ""); err != nil {
			// The work happened but nobody will hear about it; surfacing
			// a FAILED task is better than a silent success.
			logger.Error().Err(err).Msg("result publish failed")
			w.transition(ctx, logger, env.TaskID, domain.StatusFailed, ports.TaskUpdate{Error: strPtr("result undeliverable")})
			return
		}
		w.transition(ctx, logger, env.TaskID, domain.StatusSucceeded, ports.TaskUpdate{Result: &result.output})
		logger.Info().Int("attempts", attempts).Msg("task succeeded")

	case outcomeNonRetriable:
		logger.Warn().Str("error", result.errMsg).Msg("task failed permanently")
		w.transition(ctx, logger, env.TaskID, domain.StatusFailed, ports.TaskUpdate{Error: &result.errMsg})
		w.publishFailure(ctx, logger, env, result)

	case outcomeRetriable:
		if attempts <= w.opts.MaxRetries {
			logger.Info().Int("attempt", attempts).Str("error", result.errMsg).Msg("retrying task")
			annotation := fmt.Sprintf("attempt %d failed: %s", attempts, result.errMsg)
			if _, err := w.store.TransitionTask(ctx, env.TaskID, domain.StatusQueued, ports.TaskUpdate{Error: &annotation}); err != nil {
				logger.Warn().Err(err).Msg("task no longer retriable")
				return
			}
			if _, err := w.bus.Enqueue(ctx, ports.TaskQueue, msg.JobID, msg.Payload); err != nil {
				logger.Error().Err(err).Msg("re-enqueue failed")
				w.transition(ctx, logger, env.TaskID, domain.StatusFailed, ports.TaskUpdate{Error: strPtr("retry re-enqueue failed: " + result.errMsg)})
				w.publishFailure(ctx, logger, env, result)
			}
			return
		}
		logger.Warn().Int("attempts", attempts).Str("error", result.errMsg).Msg("retry budget exhausted")
		exhausted := fmt.Sprintf("failed after %d attempts: %s", attempts, result.errMsg)
		w.transition(ctx, logger, env.TaskID, domain.StatusFailed, ports.TaskUpdate{Error: &exhausted})
		w.publishFailure(ctx, logger, env, outcome{kind: outcomeNonRetriable, output: result.output, errMsg: exhausted})
	}
}

// transition applies a guarded status write, logging rather than failing
// when a concurrent writer already moved the task.
func (w *Worker) transition(ctx context.Context, logger zerolog.Logger, taskID string, next domain.TaskStatus, update ports.TaskUpdate) {
	if _, err := w.store.TransitionTask(ctx, taskID, next, update); err != nil {
		logger.Warn().Err(err).Str("to", string(next)).Msg("status write dropped")
	}
}

func (w *Worker) publishFailure(ctx context.Context, logger zerolog.Logger, env *domain.Envelope, result outcome) {
	if err := w.publishResult(ctx, env, false, result.output, result.errMsg); err != nil {
		logger.Error().Err(err).Msg("failure result publish failed")
	}
}

func (w *Worker) publishResult(ctx context.Context, env *domain.Envelope, success bool, output, errMsg string) error {
	res := domain.Result{
		TaskID:    env.TaskID,
		OrgID:     env.OrgID,
		UserID:    env.UserID,
		Success:   success,
		Output:    output,
		Error:     errMsg,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := w.bus.Publish(ctx, ports.ResultQueue, raw); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

func fromExecutionResult(res ports.ExecutionResult) outcome {
	if res.Success {
		return succeed(res.Output)
	}
	return retriable(res.Output, res.Error)
}

func strPtr(s string) *string { return &s }
