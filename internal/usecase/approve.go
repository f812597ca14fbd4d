package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"agentq/internal/domain"
	"agentq/internal/policy"
	"agentq/internal/ports"
)

// Decide records a human approval decision and moves the gated task along.
// The decision itself is write-once; a second call returns
// ports.ErrAlreadyDecided and changes nothing.
func (c *Coordinator) Decide(ctx context.Context, approvalID string, decision domain.ApprovalDecision) (*domain.Approval, error) {
	if decision != domain.DecisionApproved && decision != domain.DecisionDenied {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}
	approval, err := c.store.DecideApproval(ctx, approvalID, decision)
	if err != nil {
		return nil, err
	}
	task, err := c.store.GetTask(ctx, approval.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load approved task: %w", err)
	}

	if decision == domain.DecisionDenied {
		if _, err := c.store.TransitionTask(ctx, task.ID, domain.StatusCanceled, ports.TaskUpdate{Error: strPtr("approval denied")}); err != nil {
			return nil, fmt.Errorf("cancel denied task: %w", err)
		}
		c.publishCancel(ctx, task.ID)
		c.audit(ctx, approval.OrgID, approval.UserID, "approval_denied", map[string]any{
			"task_id":     task.ID,
			"approval_id": approval.ID,
		})
		return approval, nil
	}

	// Policy may have tightened between request and decision; the current
	// classifier verdict wins over the human one.
	if task.Type == domain.TypeShell {
		var p domain.ShellPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode shell payload: %w", err)
		}
		verdict := policy.ClassifyShellCommand(p.Command, c.policy.Mode, c.policy.AllowHardBlockOverride)
		if verdict.Decision == policy.Blocked {
			msg := "blocked by current policy: " + verdict.Reason
			if _, err := c.store.TransitionTask(ctx, task.ID, domain.StatusFailed, ports.TaskUpdate{Error: &msg}); err != nil {
				return nil, fmt.Errorf("fail blocked task: %w", err)
			}
			c.audit(ctx, approval.OrgID, approval.UserID, "approval_superseded_by_policy", map[string]any{
				"task_id": task.ID,
				"reason":  verdict.Reason,
			})
			return approval, nil
		}
		if verdict.Decision == policy.RequireApproval {
			if err := c.issueScopeGrant(ctx, approval, domain.ShellMutationScope); err != nil {
				return nil, err
			}
		}
	}

	// A browser approval amortizes the same way: the standing grant lets
	// follow-up browser mutations run without another round trip.
	if task.Type == domain.TypeBrowser {
		if err := c.issueScopeGrant(ctx, approval, domain.BrowserMutationScope); err != nil {
			return nil, err
		}
	}

	if _, err := c.store.TransitionTask(ctx, task.ID, domain.StatusQueued, ports.TaskUpdate{}); err != nil {
		return nil, fmt.Errorf("re-queue approved task: %w", err)
	}
	if err := c.enqueueTask(ctx, task, approval.ID); err != nil {
		return approval, err
	}
	c.audit(ctx, approval.OrgID, approval.UserID, "approval_granted", map[string]any{
		"task_id":     task.ID,
		"approval_id": approval.ID,
	})
	return approval, nil
}

func (c *Coordinator) issueScopeGrant(ctx context.Context, approval *domain.Approval, scope string) error {
	grant, refreshed, err := c.store.IssueGrant(ctx, approval.OrgID, approval.UserID, scope, c.policy.GrantTTL)
	if err != nil {
		return fmt.Errorf("issue grant: %w", err)
	}
	action := "grant_issued"
	if refreshed {
		action = "grant_refreshed"
	}
	c.audit(ctx, approval.OrgID, approval.UserID, action, map[string]any{
		"grant_id": grant.ID,
		"scope":    grant.Scope,
	})
	return nil
}

// RevokeGrants revokes the user's active grants for a scope; an empty
// scope revokes across scopes.
func (c *Coordinator) RevokeGrants(ctx context.Context, orgID, userID, scope string) (int, error) {
	n, err := c.store.RevokeGrants(ctx, orgID, userID, scope)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.audit(ctx, orgID, userID, "grants_revoked", map[string]any{
			"scope": scope,
			"count": n,
		})
	}
	return n, nil
}
