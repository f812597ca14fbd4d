package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"agentq/internal/domain"
	"agentq/internal/observability"
	"agentq/internal/policy"
	"agentq/internal/ports"
)

// DispatchOutcome tells the ingress layer what happened to a request.
type DispatchOutcome string

const (
	OutcomeEnqueued          DispatchOutcome = "enqueued"
	OutcomeQueuedForApproval DispatchOutcome = "queued-for-approval"
	OutcomeIgnored           DispatchOutcome = "ignored"
	OutcomeEnqueueFailed     DispatchOutcome = "enqueue-failed"
)

// DispatchResult is the dispatch reply: the outcome, the created task when
// one exists, and a human-readable reason for non-enqueued outcomes.
type DispatchResult struct {
	Outcome    DispatchOutcome
	Task       *domain.Task
	ApprovalID string
	Reason     string
}

// PolicyConfig is the dispatch-side policy knobs.
type PolicyConfig struct {
	Mode                   string
	AllowHardBlockOverride bool
	GrantTTL               time.Duration
}

// Coordinator owns task creation, policy gating, approval handling and
// result reconciliation. It is the only writer of Tasks, Approvals and
// Audit rows; the executor only drives statuses forward.
type Coordinator struct {
	store    ports.Store
	bus      ports.Bus
	launcher ports.JobLauncher
	policy   PolicyConfig
	notify   func(ctx context.Context, res domain.Result)
}

func NewCoordinator(store ports.Store, bus ports.Bus, launcher ports.JobLauncher, policy PolicyConfig) *Coordinator {
	if policy.GrantTTL <= 0 {
		policy.GrantTTL = time.Hour
	}
	return &Coordinator{store: store, bus: bus, launcher: launcher, policy: policy}
}

// SetNotifier installs the per-result notification hook.
func (c *Coordinator) SetNotifier(fn func(ctx context.Context, res domain.Result)) {
	c.notify = fn
}

// Dispatch turns one authenticated request into a task. Tenancy fields
// come from the authenticated principal, never from the request body.
func (c *Coordinator) Dispatch(ctx context.Context, orgID, userID, conversationID, text string) (DispatchResult, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch", attribute.String("org_id", orgID))
	defer span.End()

	req, ok := ParseRequest(text)
	if !ok {
		return DispatchResult{Outcome: OutcomeIgnored, Reason: "not a task request"}, nil
	}

	payload, err := marshalPayload(req)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("encode payload: %w", err)
	}

	assessment := policy.ClassifyRequestRisk(requestRiskText(req))
	needsApproval := assessment.RequiresApproval
	reason := assessment.Rationale

	if req.Type == domain.TypeShell {
		verdict := policy.ClassifyShellCommand(req.Command, c.policy.Mode, c.policy.AllowHardBlockOverride)
		switch verdict.Decision {
		case policy.Blocked:
			c.audit(ctx, orgID, userID, "command_blocked", map[string]any{
				"command": req.Command,
				"reason":  verdict.Reason,
			})
			return DispatchResult{Outcome: OutcomeIgnored, Reason: "blocked by policy: " + verdict.Reason}, nil
		case policy.RequireApproval:
			needsApproval = true
			reason = verdict.Reason
		case policy.AllowAutorun:
			// An active grant is irrelevant here: autorun commands never
			// needed one.
			needsApproval = false
		}
		if needsApproval && verdict.Decision == policy.RequireApproval {
			// A standing grant from a prior approval lets the task skip
			// the approval queue; the executor re-validates it anyway.
			hasGrant, err := c.store.HasActiveGrant(ctx, orgID, userID, domain.ShellMutationScope)
			if err != nil {
				return DispatchResult{}, fmt.Errorf("grant lookup: %w", err)
			}
			if hasGrant {
				needsApproval = false
			}
		}
	}

	status := domain.StatusQueued
	if needsApproval {
		status = domain.StatusWaitingApproval
	}
	task := &domain.Task{
		OrgID:          orgID,
		UserID:         userID,
		ConversationID: conversationID,
		Type:           req.Type,
		Status:         status,
		RiskTier:       assessment.Tier,
		Payload:        payload,
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		return DispatchResult{}, fmt.Errorf("create task: %w", err)
	}

	if needsApproval {
		approval := &domain.Approval{
			TaskID: task.ID,
			OrgID:  orgID,
			UserID: userID,
			Reason: reason,
		}
		if err := c.store.CreateApproval(ctx, approval); err != nil {
			return DispatchResult{}, fmt.Errorf("create approval: %w", err)
		}
		c.audit(ctx, orgID, userID, "approval_requested", map[string]any{
			"task_id":     task.ID,
			"approval_id": approval.ID,
			"reason":      reason,
		})
		return DispatchResult{Outcome: OutcomeQueuedForApproval, Task: task, ApprovalID: approval.ID, Reason: reason}, nil
	}

	if err := c.enqueueTask(ctx, task, ""); err != nil {
		return DispatchResult{Outcome: OutcomeEnqueueFailed, Task: task, Reason: err.Error()}, nil
	}
	c.audit(ctx, orgID, userID, "task_enqueued", map[string]any{"task_id": task.ID})
	return DispatchResult{Outcome: OutcomeEnqueued, Task: task}, nil
}

// enqueueTask publishes the task envelope; on failure the already
// committed task row flips to FAILED so callers see a deterministic error
// on replay instead of a stuck QUEUED row.
func (c *Coordinator) enqueueTask(ctx context.Context, task *domain.Task, approvalID string) error {
	env := domain.EnvelopeForTask(task, approvalID)
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := c.bus.Enqueue(ctx, ports.TaskQueue, task.ID, raw); err != nil {
		msg := "enqueue failed: " + err.Error()
		if _, terr := c.store.TransitionTask(ctx, task.ID, domain.StatusFailed, ports.TaskUpdate{Error: &msg}); terr != nil {
			log.Ctx(ctx).Warn().Err(terr).Str("task_id", task.ID).Msg("could not mark task failed after enqueue error")
		}
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}

	if c.launcher != nil {
		if err := c.launcher.Launch(ctx, task.ID); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("task_id", task.ID).Msg("job launch failed, stream path still active")
		}
	}
	return nil
}

// CancelTask cancels one task if it is still cancelable and publishes a
// cancel notice for in-flight executors.
func (c *Coordinator) CancelTask(ctx context.Context, orgID, userID, taskID string) (*domain.Task, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.OrgID != orgID || task.UserID != userID {
		return nil, ports.ErrTaskNotFound
	}
	updated, err := c.store.TransitionTask(ctx, taskID, domain.StatusCanceled, ports.TaskUpdate{})
	if err != nil {
		return nil, err
	}
	c.publishCancel(ctx, taskID)
	c.audit(ctx, orgID, userID, "task_canceled", map[string]any{"task_id": taskID})
	return updated, nil
}

// CancelAllTasks cancels every cancelable task the user owns.
func (c *Coordinator) CancelAllTasks(ctx context.Context, orgID, userID string) ([]string, error) {
	ids, err := c.store.CancelUserTasks(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		c.publishCancel(ctx, id)
	}
	if len(ids) > 0 {
		c.audit(ctx, orgID, userID, "tasks_canceled", map[string]any{"count": len(ids)})
	}
	return ids, nil
}

func (c *Coordinator) publishCancel(ctx context.Context, taskID string) {
	raw, err := json.Marshal(map[string]string{"task_id": taskID})
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, ports.CancelTopic, raw); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("task_id", taskID).Msg("cancel publish failed")
	}
}

func (c *Coordinator) audit(ctx context.Context, orgID, userID, action string, details map[string]any) {
	if err := c.store.AppendAudit(ctx, orgID, userID, "coordinator", action, details); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("action", action).Msg("audit append failed")
	}
}

func marshalPayload(req ParsedRequest) (json.RawMessage, error) {
	switch req.Type {
	case domain.TypeShell:
		return json.Marshal(domain.ShellPayload{Command: req.Command, RemoteHost: req.RemoteHost})
	case domain.TypeFile:
		return json.Marshal(domain.FilePayload{Instruction: req.Text})
	case domain.TypeSkill:
		name, input, _ := strings.Cut(req.Text, " ")
		return json.Marshal(domain.SkillPayload{SkillName: name, Input: strings.TrimSpace(input)})
	case domain.TypeWeb:
		return json.Marshal(domain.WebPayload{Query: req.Text})
	case domain.TypeBrowser:
		return json.Marshal(domain.BrowserPayload{Instruction: req.Text})
	default:
		return nil, fmt.Errorf("unknown task type %q", req.Type)
	}
}

func strPtr(s string) *string { return &s }

func requestRiskText(req ParsedRequest) string {
	if req.Type == domain.TypeShell {
		return req.Command
	}
	return req.Text
}
