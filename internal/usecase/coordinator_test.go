package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"agentq/internal/domain"
	"agentq/internal/infra/bus"
	"agentq/internal/ports"
	"agentq/internal/store"
)

func newCoordinator(t *testing.T) (*Coordinator, *store.MemoryStore, *bus.MemoryBus) {
	t.Helper()
	s := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	c := NewCoordinator(s, b, nil, PolicyConfig{Mode: "balanced", GrantTTL: time.Hour})
	return c, s, b
}

func TestDispatchAutorunEnqueues(t *testing.T) {
	c, s, b := newCoordinator(t)
	ctx := context.Background()

	res, err := c.Dispatch(ctx, "org-1", "user-1", "conv-1", "shell: git status")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Outcome != OutcomeEnqueued {
		t.Fatalf("outcome = %s, want enqueued", res.Outcome)
	}

	task, err := s.GetTask(ctx, res.Task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.StatusQueued {
		t.Fatalf("status = %s", task.Status)
	}

	messages, err := b.Dequeue(ctx, ports.TaskQueue, 10)
	if err != nil || len(messages) != 1 {
		t.Fatalf("queue contents: %v (%d)", err, len(messages))
	}
	var env domain.Envelope
	if err := json.Unmarshal(messages[0].Payload, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.TaskID != task.ID || env.TaskType != domain.TypeShell {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestDispatchMutationWaitsForApproval(t *testing.T) {
	c, s, b := newCoordinator(t)
	ctx := context.Background()

	res, err := c.Dispatch(ctx, "org-1", "user-1", "", "shell: rm build.log")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Outcome != OutcomeQueuedForApproval {
		t.Fatalf("outcome = %s, want queued-for-approval", res.Outcome)
	}
	if res.ApprovalID == "" {
		t.Fatal("no approval created")
	}

	task, _ := s.GetTask(ctx, res.Task.ID)
	if task.Status != domain.StatusWaitingApproval {
		t.Fatalf("status = %s", task.Status)
	}
	if messages, _ := b.Dequeue(ctx, ports.TaskQueue, 10); len(messages) != 0 {
		t.Fatal("gated task reached the queue before approval")
	}
}

func TestDispatchBlockedCommandIsIgnored(t *testing.T) {
	c, s, b := newCoordinator(t)
	ctx := context.Background()

	res, err := c.Dispatch(ctx, "org-1", "user-1", "", "shell: rm -rf /")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Outcome != OutcomeIgnored || res.Task != nil {
		t.Fatalf("blocked command produced %+v", res)
	}
	if messages, _ := b.Dequeue(ctx, ports.TaskQueue, 10); len(messages) != 0 {
		t.Fatal("blocked command was enqueued")
	}
	trail := s.AuditTrail()
	if len(trail) != 1 || trail[0].Action != "command_blocked" {
		t.Fatalf("audit trail = %+v", trail)
	}
}

func TestDispatchPlainTextIgnored(t *testing.T) {
	c, _, _ := newCoordinator(t)
	res, err := c.Dispatch(context.Background(), "org-1", "user-1", "", "hello there")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Outcome != OutcomeIgnored {
		t.Fatalf("outcome = %s", res.Outcome)
	}
}

func TestDispatchGrantSkipsApprovalQueue(t *testing.T) {
	c, s, _ := newCoordinator(t)
	ctx := context.Background()

	if _, _, err := s.IssueGrant(ctx, "org-1", "user-1", domain.ShellMutationScope, time.Hour); err != nil {
		t.Fatalf("issue grant: %v", err)
	}
	res, err := c.Dispatch(ctx, "org-1", "user-1", "", "shell: rm build.log")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Outcome != OutcomeEnqueued {
		t.Fatalf("outcome = %s, want enqueued under grant", res.Outcome)
	}
}

type deadBus struct{ bus.MemoryBus }

func (d *deadBus) Enqueue(ctx context.Context, queue, jobID string, payload json.RawMessage) (bool, error) {
	return false, errors.New("bus unreachable")
}

func TestDispatchEnqueueFailureFlipsTaskFailed(t *testing.T) {
	s := store.NewMemoryStore()
	c := NewCoordinator(s, &deadBus{MemoryBus: *bus.NewMemoryBus()}, nil, PolicyConfig{Mode: "balanced"})
	ctx := context.Background()

	res, err := c.Dispatch(ctx, "org-1", "user-1", "", "shell: git status")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Outcome != OutcomeEnqueueFailed {
		t.Fatalf("outcome = %s, want enqueue-failed", res.Outcome)
	}
	task, _ := s.GetTask(ctx, res.Task.ID)
	if task.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED", task.Status)
	}
}

func TestDecideApprovedReEnqueuesWithGrant(t *testing.T) {
	c, s, b := newCoordinator(t)
	ctx := context.Background()

	res, err := c.Dispatch(ctx, "org-1", "user-1", "", "shell: rm build.log")
	if err != nil || res.Outcome != OutcomeQueuedForApproval {
		t.Fatalf("dispatch: %v %+v", err, res)
	}

	if _, err := c.Decide(ctx, res.ApprovalID, domain.DecisionApproved); err != nil {
		t.Fatalf("decide: %v", err)
	}

	task, _ := s.GetTask(ctx, res.Task.ID)
	if task.Status != domain.StatusQueued {
		t.Fatalf("status = %s, want QUEUED", task.Status)
	}
	hasGrant, _ := s.HasActiveGrant(ctx, "org-1", "user-1", domain.ShellMutationScope)
	if !hasGrant {
		t.Fatal("approval did not issue a grant")
	}

	messages, _ := b.Dequeue(ctx, ports.TaskQueue, 10)
	if len(messages) != 1 {
		t.Fatalf("queue has %d messages, want 1", len(messages))
	}
	var env domain.Envelope
	if err := json.Unmarshal(messages[0].Payload, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.ApprovalID != res.ApprovalID {
		t.Fatal("envelope missing approval reference")
	}

	// Write-once: a second decision is rejected.
	if _, err := c.Decide(ctx, res.ApprovalID, domain.DecisionDenied); !errors.Is(err, ports.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
}

func TestDecideDeniedCancelsTask(t *testing.T) {
	c, s, b := newCoordinator(t)
	ctx := context.Background()

	res, _ := c.Dispatch(ctx, "org-1", "user-1", "", "shell: rm build.log")
	if _, err := c.Decide(ctx, res.ApprovalID, domain.DecisionDenied); err != nil {
		t.Fatalf("decide: %v", err)
	}

	task, _ := s.GetTask(ctx, res.Task.ID)
	if task.Status != domain.StatusCanceled {
		t.Fatalf("status = %s, want CANCELED", task.Status)
	}
	if messages, _ := b.Dequeue(ctx, ports.TaskQueue, 10); len(messages) != 0 {
		t.Fatal("denied task reached the queue")
	}
}

func TestApplyResultLegalTransition(t *testing.T) {
	c, s, _ := newCoordinator(t)
	ctx := context.Background()

	task := &domain.Task{OrgID: "org-1", UserID: "user-1", Type: domain.TypeShell, RiskTier: domain.RiskLow}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	// Simulate a worker that died after publishing but before its own
	// terminal write.
	if _, err := s.TransitionTask(ctx, task.ID, domain.StatusDispatching, ports.TaskUpdate{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionTask(ctx, task.ID, domain.StatusRunning, ports.TaskUpdate{}); err != nil {
		t.Fatal(err)
	}

	raw, _ := json.Marshal(domain.Result{TaskID: task.ID, OrgID: "org-1", UserID: "user-1", Success: true, Output: "done"})
	c.ApplyResult(ctx, raw)

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != domain.StatusSucceeded || got.Result != "done" {
		t.Fatalf("task = %+v", got)
	}
}

func TestApplyResultDoesNotOverwriteCancel(t *testing.T) {
	c, s, _ := newCoordinator(t)
	ctx := context.Background()

	task := &domain.Task{OrgID: "org-1", UserID: "user-1", Type: domain.TypeShell, RiskTier: domain.RiskLow}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.TransitionTask(ctx, task.ID, domain.StatusCanceled, ports.TaskUpdate{}); err != nil {
		t.Fatal(err)
	}

	notified := 0
	c.SetNotifier(func(ctx context.Context, res domain.Result) { notified++ })

	raw, _ := json.Marshal(domain.Result{TaskID: task.ID, OrgID: "org-1", UserID: "user-1", Success: true, Output: "late"})
	c.ApplyResult(ctx, raw)

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != domain.StatusCanceled || got.Result != "" {
		t.Fatalf("late result overwrote cancel: %+v", got)
	}
	if notified != 1 {
		t.Fatalf("notified %d times, want 1", notified)
	}
}

func TestRecoverOnceRepairsStaleTasks(t *testing.T) {
	c, s, b := newCoordinator(t)
	ctx := context.Background()

	queued := &domain.Task{OrgID: "org-1", UserID: "user-1", Type: domain.TypeShell, RiskTier: domain.RiskLow, Payload: json.RawMessage(`{"command":"ls"}`)}
	if err := s.CreateTask(ctx, queued); err != nil {
		t.Fatal(err)
	}
	running := &domain.Task{OrgID: "org-1", UserID: "user-1", Type: domain.TypeShell, RiskTier: domain.RiskLow, Payload: json.RawMessage(`{"command":"ls"}`)}
	if err := s.CreateTask(ctx, running); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionTask(ctx, running.ID, domain.StatusDispatching, ports.TaskUpdate{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionTask(ctx, running.ID, domain.StatusRunning, ports.TaskUpdate{}); err != nil {
		t.Fatal(err)
	}

	// Ages are negative cutoffs relative to now; zero-age treats every
	// row as stale for the test.
	time.Sleep(5 * time.Millisecond)
	c.RecoverOnce(ctx, RecoveryConfig{StaleQueuedAge: time.Millisecond, RunningTimeout: time.Millisecond})

	messages, _ := b.Dequeue(ctx, ports.TaskQueue, 10)
	if len(messages) != 1 || messages[0].JobID != queued.ID {
		t.Fatalf("stale queued not re-enqueued: %+v", messages)
	}
	got, _ := s.GetTask(ctx, running.ID)
	if got.Status != domain.StatusTimedOut {
		t.Fatalf("stale running = %s, want TIMED_OUT", got.Status)
	}
}

func TestCancelAllTasksPublishesCancels(t *testing.T) {
	c, s, b := newCoordinator(t)
	ctx := context.Background()

	first, _ := c.Dispatch(ctx, "org-1", "user-1", "", "shell: git status")
	second, _ := c.Dispatch(ctx, "org-1", "user-1", "", "shell: git log")
	if first.Outcome != OutcomeEnqueued || second.Outcome != OutcomeEnqueued {
		t.Fatalf("setup outcomes: %s %s", first.Outcome, second.Outcome)
	}

	ids, err := c.CancelAllTasks(ctx, "org-1", "user-1")
	if err != nil {
		t.Fatalf("cancel all: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("canceled %d tasks, want 2", len(ids))
	}
	for _, id := range ids {
		task, _ := s.GetTask(ctx, id)
		if task.Status != domain.StatusCanceled {
			t.Fatalf("task %s status = %s", id, task.Status)
		}
	}
	notices, err := b.Drain(ctx, ports.CancelTopic)
	if err != nil {
		t.Fatalf("drain cancels: %v", err)
	}
	if len(notices) != 2 {
		t.Fatalf("got %d cancel notices, want 2", len(notices))
	}
}

func TestCancelTaskChecksOwnership(t *testing.T) {
	c, s, _ := newCoordinator(t)
	ctx := context.Background()

	task := &domain.Task{OrgID: "org-1", UserID: "user-1", Type: domain.TypeShell, RiskTier: domain.RiskLow}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	if _, err := c.CancelTask(ctx, "org-2", "user-9", task.ID); !errors.Is(err, ports.ErrTaskNotFound) {
		t.Fatalf("cross-tenant cancel: %v", err)
	}
	updated, err := c.CancelTask(ctx, "org-1", "user-1", task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if updated.Status != domain.StatusCanceled {
		t.Fatalf("status = %s", updated.Status)
	}
}

func TestDecideApprovedBrowserIssuesBrowserGrant(t *testing.T) {
	c, s, b := newCoordinator(t)
	ctx := context.Background()

	res, err := c.Dispatch(ctx, "org-1", "user-1", "", "browser: delete my saved cards")
	if err != nil || res.Outcome != OutcomeQueuedForApproval {
		t.Fatalf("dispatch: %v %+v", err, res)
	}

	if _, err := c.Decide(ctx, res.ApprovalID, domain.DecisionApproved); err != nil {
		t.Fatalf("decide: %v", err)
	}

	hasGrant, _ := s.HasActiveGrant(ctx, "org-1", "user-1", domain.BrowserMutationScope)
	if !hasGrant {
		t.Fatal("browser approval did not issue a browser grant")
	}
	if messages, _ := b.Dequeue(ctx, ports.TaskQueue, 10); len(messages) != 1 {
		t.Fatalf("queue has %d messages, want 1", len(messages))
	}
}

func TestRecoverOnceReEnqueuesStaleDispatching(t *testing.T) {
	c, s, b := newCoordinator(t)
	ctx := context.Background()

	task := &domain.Task{OrgID: "org-1", UserID: "user-1", Type: domain.TypeShell, RiskTier: domain.RiskLow, Payload: json.RawMessage(`{"command":"ls"}`)}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	// A worker consumed the envelope and died before its running write;
	// only the scan can put the envelope back.
	if _, err := s.TransitionTask(ctx, task.ID, domain.StatusDispatching, ports.TaskUpdate{}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	c.RecoverOnce(ctx, RecoveryConfig{StaleQueuedAge: time.Millisecond})

	messages, _ := b.Dequeue(ctx, ports.TaskQueue, 10)
	if len(messages) != 1 || messages[0].JobID != task.ID {
		t.Fatalf("stale dispatching not re-enqueued: %+v", messages)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != domain.StatusDispatching {
		t.Fatalf("status = %s, want DISPATCHING", got.Status)
	}
}
