package models

import "time"

// ApprovalStatus tracks the lifecycle of a human-in-the-loop decision.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalDenied    ApprovalStatus = "denied"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// Approval is one queued human decision about a tool call.
type Approval struct {
	ID             string         `json:"id"`
	ToolName       string         `json:"tool_name"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	Requester      string         `json:"requester,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Status         ApprovalStatus `json:"status"`
	Decider        string         `json:"decider,omitempty"`
	DecisionReason string         `json:"decision_reason,omitempty"`
	DecidedAt      time.Time      `json:"decided_at,omitempty"`
}
