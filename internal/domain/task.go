package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	StatusQueued          TaskStatus = "QUEUED"
	StatusDispatching     TaskStatus = "DISPATCHING"
	StatusRunning         TaskStatus = "RUNNING"
	StatusWaitingApproval TaskStatus = "WAITING_APPROVAL"
	StatusSucceeded       TaskStatus = "SUCCEEDED"
	StatusFailed          TaskStatus = "FAILED"
	StatusCanceled        TaskStatus = "CANCELED"
	StatusTimedOut        TaskStatus = "TIMED_OUT"
)

type TaskType string

const (
	TypeShell   TaskType = "shell"
	TypeFile    TaskType = "file"
	TypeSkill   TaskType = "skill"
	TypeBrowser TaskType = "browser"
	TypeWeb     TaskType = "web"
)

type RiskTier string

const (
	RiskLow      RiskTier = "L1"
	RiskMedium   RiskTier = "L2"
	RiskHigh     RiskTier = "L3"
	RiskCritical RiskTier = "CRITICAL"
)

// Task is one unit of user-requested work tracked through the lifecycle
// state machine. Status writes must go through Store.TransitionTask so the
// transition table is enforced against the just-read current value.
type Task struct {
	ID             string          `json:"id"`
	OrgID          string          `json:"org_id"`
	UserID         string          `json:"user_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Type           TaskType        `json:"task_type"`
	Status         TaskStatus      `json:"status"`
	RiskTier       RiskTier        `json:"risk_tier"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	Result         string          `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusTimedOut:
		return true
	}
	return false
}

// ShellPayload is the type-specific payload for shell tasks.
type ShellPayload struct {
	Command    string `json:"command"`
	RemoteHost string `json:"remote_host,omitempty"`
}

// FilePayload carries one confined file instruction (`write path::content`
// or `read path`).
type FilePayload struct {
	Instruction string `json:"instruction"`
}

// SkillPayload names a stored skill and its invocation input.
type SkillPayload struct {
	SkillName string `json:"skill_name"`
	Input     string `json:"input"`
}

// WebPayload carries a web search query.
type WebPayload struct {
	Query string `json:"query"`
}

// BrowserPayload carries a browser automation instruction.
type BrowserPayload struct {
	Instruction string `json:"instruction"`
}
