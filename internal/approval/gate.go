package approval

import (
	"context"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Gate adapts the manager to the executor's approval hook: it files a
// request and blocks until someone decides it.
type Gate struct {
	manager *Manager
	timeout time.Duration
}

// NewGate wraps a manager. timeout <= 0 uses the manager's default.
func NewGate(manager *Manager, timeout time.Duration) *Gate {
	return &Gate{manager: manager, timeout: timeout}
}

// WaitForApproval files the request and waits for the decision.
func (g *Gate) WaitForApproval(ctx context.Context, tool string, args map[string]any, callID, requester string) (bool, string, error) {
	reason := ""
	if callID != "" {
		reason = "tool call " + callID
	}
	req := g.manager.RequestApproval(tool, args, requester, reason)

	decided, err := g.manager.WaitForDecision(ctx, req.ID, g.timeout)
	if err != nil {
		return false, "", err
	}
	switch decided.Status {
	case models.ApprovalApproved:
		return true, decided.DecisionReason, nil
	case models.ApprovalExpired:
		return false, "approval request expired", nil
	default:
		return false, decided.DecisionReason, nil
	}
}
