package ports

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"agentq/internal/domain"
)

var (
	// ErrTaskNotFound is returned for lookups of unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrApprovalNotFound is returned for lookups of unknown approvals.
	ErrApprovalNotFound = errors.New("approval not found")
	// ErrIllegalTransition reports a status write rejected by the
	// lifecycle table. Callers treat it as a benign no-op under
	// concurrency, log it, and continue.
	ErrIllegalTransition = errors.New("illegal task status transition")
	// ErrAlreadyDecided reports a repeated decision on a resolved
	// approval.
	ErrAlreadyDecided = errors.New("approval already processed")
)

// TaskUpdate carries the optional fields applied together with a status
// transition.
type TaskUpdate struct {
	Result   *string
	Error    *string
	Attempts *int
}

// Store mediates all cross-loop state. Every mutation is a single atomic
// read-modify-write so concurrent writers converge without a distributed
// lock: the last legal write wins and illegal writes are dropped.
type Store interface {
	CreateTask(ctx context.Context, t *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListUserTasks(ctx context.Context, orgID, userID string, limit int) ([]*domain.Task, error)
	// TransitionTask applies next only when legal from the current
	// status, returning ErrIllegalTransition otherwise. started_at is set
	// on the first RUNNING transition and never overwritten; terminal
	// transitions stamp completed_at.
	TransitionTask(ctx context.Context, id string, next domain.TaskStatus, update TaskUpdate) (*domain.Task, error)
	IncrementTaskAttempts(ctx context.Context, id string) (int, error)
	// CancelUserTasks cancels every non-terminal task for the user and
	// returns the affected ids.
	CancelUserTasks(ctx context.Context, orgID, userID string) ([]string, error)
	// ListTasksByStatus returns tasks in the given status last updated
	// before the cutoff, for the recovery scan.
	ListTasksByStatus(ctx context.Context, status domain.TaskStatus, updatedBefore time.Time) ([]*domain.Task, error)

	CreateApproval(ctx context.Context, a *domain.Approval) error
	GetApproval(ctx context.Context, id string) (*domain.Approval, error)
	// DecideApproval records a write-once decision, returning
	// ErrAlreadyDecided when the approval is no longer pending.
	DecideApproval(ctx context.Context, id string, decision domain.ApprovalDecision) (*domain.Approval, error)

	// IssueGrant creates or refreshes the (org, user, scope) grant and
	// reports whether an active grant was refreshed rather than newly
	// issued.
	IssueGrant(ctx context.Context, orgID, userID, scope string, ttl time.Duration) (*domain.ApprovalGrant, bool, error)
	GetGrant(ctx context.Context, id string) (*domain.ApprovalGrant, error)
	HasActiveGrant(ctx context.Context, orgID, userID, scope string) (bool, error)
	RevokeGrants(ctx context.Context, orgID, userID, scope string) (int, error)

	AppendAudit(ctx context.Context, orgID, userID, actor, action string, details map[string]any) error
}

// MarshalAuditDetails renders audit detail maps deterministically enough
// for storage; marshal failures degrade to an empty object rather than
// dropping the event.
func MarshalAuditDetails(details map[string]any) json.RawMessage {
	if len(details) == 0 {
		return json.RawMessage("{}")
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
