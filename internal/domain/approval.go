package domain

import "time"

type ApprovalDecision string

const (
	DecisionPending  ApprovalDecision = "PENDING"
	DecisionApproved ApprovalDecision = "APPROVED"
	DecisionDenied   ApprovalDecision = "DENIED"
)

// Approval is a single pending or resolved human gate on one task. The
// decision is write-once: once non-PENDING, further decision attempts are
// rejected as already processed.
type Approval struct {
	ID        string           `json:"id"`
	TaskID    string           `json:"task_id"`
	OrgID     string           `json:"org_id"`
	UserID    string           `json:"user_id"`
	Decision  ApprovalDecision `json:"decision"`
	Reason    string           `json:"reason,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ShellMutationScope is the grant scope covering shell commands that the
// policy classifier flags as requiring approval.
const ShellMutationScope = "shell_mutation"

// BrowserMutationScope covers approval-gated browser automation actions.
const BrowserMutationScope = "browser_mutation"

// ApprovalGrant is a time-boxed standing bypass for an (org, user, scope)
// triple, issued after a human approves one representative action.
// Queue-time possession is never sufficient on its own; the executor
// re-validates the grant at execution time.
type ApprovalGrant struct {
	ID        string     `json:"id"`
	OrgID     string     `json:"org_id"`
	UserID    string     `json:"user_id"`
	Scope     string     `json:"scope"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Active reports whether the grant is usable at the given instant.
func (g ApprovalGrant) Active(now time.Time) bool {
	return g.RevokedAt == nil && now.Before(g.ExpiresAt)
}
