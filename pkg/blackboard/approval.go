package blackboard

import (
	"fmt"
	"time"
)

// ApprovalRequest parks a project awaiting a user decision. The record on
// the blackboard is the cross-replica source of truth for pause state; the
// approval manager's in-memory paused set is only a local accelerator.
type ApprovalRequest struct {
	ApprovalID     string         `json:"approval_id"`
	ProjectID      string         `json:"project_id"`
	Stage          string         `json:"stage"` // Event type that triggered the checkpoint
	Status         ApprovalStatus `json:"status"`
	Content        map[string]any `json:"content,omitempty"` // Payload subset shown to the user
	Options        []string       `json:"options,omitempty"` // Allowed user actions
	CreatedAt      time.Time      `json:"created_at"`
	TimeoutMinutes int            `json:"timeout_minutes"`
	UserDecision   string         `json:"user_decision,omitempty"`
	DecisionNotes  string         `json:"decision_notes,omitempty"`
}

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
	ApprovalStatusRevision ApprovalStatus = "REVISION"
	ApprovalStatusTimeout  ApprovalStatus = "TIMEOUT"
)

// Validate checks the ApprovalStatus is a valid enum value.
func (s ApprovalStatus) Validate() error {
	switch s {
	case ApprovalStatusPending, ApprovalStatusApproved, ApprovalStatusRejected,
		ApprovalStatusRevision, ApprovalStatusTimeout:
		return nil
	default:
		return fmt.Errorf("unknown approval status: %q", s)
	}
}

// Decision is a user action on a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionRevise  Decision = "revise"
	DecisionReject  Decision = "reject"
)

// Validate checks the Decision is a valid enum value.
func (d Decision) Validate() error {
	switch d {
	case DecisionApprove, DecisionRevise, DecisionReject:
		return nil
	default:
		return fmt.Errorf("unknown decision: %q", d)
	}
}

// Validate checks the ApprovalRequest invariants.
func (a *ApprovalRequest) Validate() error {
	if a.ApprovalID == "" {
		return fmt.Errorf("approval ID cannot be empty")
	}

	if a.ProjectID == "" {
		return fmt.Errorf("project ID cannot be empty")
	}

	if a.Stage == "" {
		return fmt.Errorf("stage cannot be empty")
	}

	if err := a.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}

	if a.TimeoutMinutes < 0 {
		return fmt.Errorf("timeout_minutes cannot be negative")
	}

	return nil
}

// Expired reports whether a PENDING approval has outlived its timeout.
func (a *ApprovalRequest) Expired(now time.Time) bool {
	if a.Status != ApprovalStatusPending || a.TimeoutMinutes <= 0 {
		return false
	}
	return now.Sub(a.CreatedAt) > time.Duration(a.TimeoutMinutes)*time.Minute
}
