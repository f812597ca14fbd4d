package domain

import (
	"encoding/json"
	"time"
)

// Envelope is the wire unit on the task queue. It carries enough of the
// task to execute without a synchronous store read at dequeue time.
type Envelope struct {
	TaskID     string          `json:"task_id"`
	OrgID      string          `json:"org_id"`
	UserID     string          `json:"user_id"`
	TaskType   TaskType        `json:"task_type"`
	Payload    json.RawMessage `json:"payload"`
	RiskTier   RiskTier        `json:"risk_tier"`
	ApprovalID string          `json:"approval_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// EnvelopeForTask builds the queue envelope for a committed task row.
func EnvelopeForTask(t *Task, approvalID string) Envelope {
	return Envelope{
		TaskID:     t.ID,
		OrgID:      t.OrgID,
		UserID:     t.UserID,
		TaskType:   t.Type,
		Payload:    t.Payload,
		RiskTier:   t.RiskTier,
		ApprovalID: approvalID,
		CreatedAt:  time.Now().UTC(),
	}
}

// Result is the executor's terminal report for one task attempt.
type Result struct {
	TaskID    string    `json:"task_id"`
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id"`
	Success   bool      `json:"success"`
	Output    string    `json:"output"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEvent is one append-only audit row recorded alongside lifecycle and
// policy decisions.
type AuditEvent struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"org_id"`
	UserID    string          `json:"user_id,omitempty"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
