package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agentq/internal/domain"
	"agentq/internal/ports"
)

var _ ports.Store = (*MemoryStore)(nil)

// MemoryStore keeps all coordinator state behind a single mutex. Every
// status write re-reads the current row under the lock and consults the
// lifecycle table, so racing writers settle on the last legal write without
// a distributed lock.
type MemoryStore struct {
	mu        sync.Mutex
	tasks     map[string]*domain.Task
	approvals map[string]*domain.Approval
	grants    map[string]*domain.ApprovalGrant
	audit     []domain.AuditEvent

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*domain.Task),
		approvals: make(map[string]*domain.Approval),
		grants:    make(map[string]*domain.ApprovalGrant),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateTask(ctx context.Context, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.StatusQueued
	}
	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	clone := *t
	s.tasks[t.ID] = &clone
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ports.ErrTaskNotFound
	}
	clone := *t
	return &clone, nil
}

func (s *MemoryStore) ListUserTasks(ctx context.Context, orgID, userID string, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, t := range s.tasks {
		if t.OrgID == orgID && t.UserID == userID {
			clone := *t
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TransitionTask(ctx context.Context, id string, next domain.TaskStatus, update ports.TaskUpdate) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ports.ErrTaskNotFound
	}
	if !domain.CanTransition(t.Status, next) {
		log.Ctx(ctx).Warn().
			Str("task_id", id).
			Str("from", string(t.Status)).
			Str("to", string(next)).
			Msg("dropping illegal status transition")
		return nil, ports.ErrIllegalTransition
	}

	now := s.now()
	t.Status = next
	t.UpdatedAt = now
	if next == domain.StatusRunning && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	if next.Terminal() {
		completed := now
		t.CompletedAt = &completed
	}
	if update.Result != nil {
		t.Result = *update.Result
	}
	if update.Error != nil {
		t.Error = *update.Error
	}
	if update.Attempts != nil {
		t.Attempts = *update.Attempts
	}

	clone := *t
	return &clone, nil
}

func (s *MemoryStore) IncrementTaskAttempts(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return 0, ports.ErrTaskNotFound
	}
	t.Attempts++
	t.UpdatedAt = s.now()
	return t.Attempts, nil
}

func (s *MemoryStore) CancelUserTasks(ctx context.Context, orgID, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var canceled []string
	for _, t := range s.tasks {
		if t.OrgID != orgID || t.UserID != userID {
			continue
		}
		if !domain.CanTransition(t.Status, domain.StatusCanceled) {
			continue
		}
		t.Status = domain.StatusCanceled
		t.UpdatedAt = now
		completed := now
		t.CompletedAt = &completed
		canceled = append(canceled, t.ID)
	}
	sort.Strings(canceled)
	return canceled, nil
}

func (s *MemoryStore) ListTasksByStatus(ctx context.Context, status domain.TaskStatus, updatedBefore time.Time) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, t := range s.tasks {
		if t.Status == status && t.UpdatedAt.Before(updatedBefore) {
			clone := *t
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CreateApproval(ctx context.Context, a *domain.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Decision == "" {
		a.Decision = domain.DecisionPending
	}
	now := s.now()
	a.CreatedAt = now
	a.UpdatedAt = now

	clone := *a
	s.approvals[a.ID] = &clone
	return nil
}

func (s *MemoryStore) GetApproval(ctx context.Context, id string) (*domain.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return nil, ports.ErrApprovalNotFound
	}
	clone := *a
	return &clone, nil
}

func (s *MemoryStore) DecideApproval(ctx context.Context, id string, decision domain.ApprovalDecision) (*domain.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return nil, ports.ErrApprovalNotFound
	}
	if a.Decision != domain.DecisionPending {
		return nil, ports.ErrAlreadyDecided
	}
	a.Decision = decision
	a.UpdatedAt = s.now()

	clone := *a
	return &clone, nil
}

func grantKey(orgID, userID, scope string) string {
	return orgID + "/" + userID + "/" + scope
}

func (s *MemoryStore) IssueGrant(ctx context.Context, orgID, userID, scope string, ttl time.Duration) (*domain.ApprovalGrant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := grantKey(orgID, userID, scope)

	if g, ok := s.grants[key]; ok && g.Active(now) {
		g.ExpiresAt = now.Add(ttl)
		clone := *g
		return &clone, true, nil
	}

	g := &domain.ApprovalGrant{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		UserID:    userID,
		Scope:     scope,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	s.grants[key] = g
	clone := *g
	return &clone, false, nil
}

func (s *MemoryStore) GetGrant(ctx context.Context, id string) (*domain.ApprovalGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.grants {
		if g.ID == id {
			clone := *g
			return &clone, nil
		}
	}
	return nil, ports.ErrApprovalNotFound
}

func (s *MemoryStore) HasActiveGrant(ctx context.Context, orgID, userID, scope string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantKey(orgID, userID, scope)]
	return ok && g.Active(s.now()), nil
}

func (s *MemoryStore) RevokeGrants(ctx context.Context, orgID, userID, scope string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	revoked := 0
	for key, g := range s.grants {
		if g.OrgID != orgID || g.UserID != userID {
			continue
		}
		if scope != "" && g.Scope != scope {
			continue
		}
		if !g.Active(now) {
			continue
		}
		ts := now
		g.RevokedAt = &ts
		s.grants[key] = g
		revoked++
	}
	return revoked, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, orgID, userID, actor, action string, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, domain.AuditEvent{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		UserID:    userID,
		Actor:     actor,
		Action:    action,
		Details:   ports.MarshalAuditDetails(details),
		CreatedAt: s.now(),
	})
	return nil
}

// AuditTrail returns a copy of the recorded audit events, oldest first.
func (s *MemoryStore) AuditTrail() []domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.AuditEvent, len(s.audit))
	copy(out, s.audit)
	return out
}
