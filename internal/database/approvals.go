package database

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/slate-ai/slate/pkg/blackboard"
)

// ApprovalStore implements blackboard.ApprovalStore over the approvals table.
type ApprovalStore struct {
	db *stdsql.DB
}

// PutApproval inserts or fully replaces an approval record.
func (s *ApprovalStore) PutApproval(ctx context.Context, a *blackboard.ApprovalRequest) error {
	var content []byte
	var err error
	if a.Content != nil {
		if content, err = json.Marshal(a.Content); err != nil {
			return fmt.Errorf("failed to marshal content for approval %s: %w", a.ApprovalID, err)
		}
	}

	options, err := json.Marshal(a.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options for approval %s: %w", a.ApprovalID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, project_id, stage, status, content,
			options, created_at, timeout_minutes, user_decision, decision_notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (approval_id) DO UPDATE SET
			status = EXCLUDED.status,
			content = EXCLUDED.content,
			options = EXCLUDED.options,
			timeout_minutes = EXCLUDED.timeout_minutes,
			user_decision = EXCLUDED.user_decision,
			decision_notes = EXCLUDED.decision_notes`,
		a.ApprovalID, a.ProjectID, a.Stage, string(a.Status), content,
		options, a.CreatedAt, a.TimeoutMinutes, a.UserDecision, a.DecisionNotes)
	if err != nil {
		return fmt.Errorf("failed to put approval %s: %w", a.ApprovalID, err)
	}

	return nil
}

// GetApproval returns one approval record.
func (s *ApprovalStore) GetApproval(ctx context.Context, approvalID string) (*blackboard.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT approval_id, project_id, stage, status, content,
			options, created_at, timeout_minutes, user_decision, decision_notes
		FROM approvals WHERE approval_id = $1`, approvalID)

	a, err := scanApproval(row.Scan)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", blackboard.ErrApprovalNotFound, approvalID)
	}
	return a, err
}

// ListApprovalsByProject returns all approvals of a project, newest first.
func (s *ApprovalStore) ListApprovalsByProject(ctx context.Context, projectID string) ([]*blackboard.ApprovalRequest, error) {
	return s.listApprovals(ctx, `
		SELECT approval_id, project_id, stage, status, content,
			options, created_at, timeout_minutes, user_decision, decision_notes
		FROM approvals WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
}

// ListPendingApprovals returns every PENDING approval across projects.
func (s *ApprovalStore) ListPendingApprovals(ctx context.Context) ([]*blackboard.ApprovalRequest, error) {
	return s.listApprovals(ctx, `
		SELECT approval_id, project_id, stage, status, content,
			options, created_at, timeout_minutes, user_decision, decision_notes
		FROM approvals WHERE status = $1 ORDER BY created_at ASC`,
		string(blackboard.ApprovalStatusPending))
}

func (s *ApprovalStore) listApprovals(ctx context.Context, query string, args ...any) ([]*blackboard.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*blackboard.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate approvals: %w", err)
	}

	return approvals, nil
}

func scanApproval(scan func(dest ...any) error) (*blackboard.ApprovalRequest, error) {
	var (
		a                blackboard.ApprovalRequest
		status           string
		content, options []byte
	)

	if err := scan(&a.ApprovalID, &a.ProjectID, &a.Stage, &status, &content,
		&options, &a.CreatedAt, &a.TimeoutMinutes, &a.UserDecision, &a.DecisionNotes); err != nil {
		return nil, err
	}

	a.Status = blackboard.ApprovalStatus(status)
	if len(content) > 0 {
		if err := json.Unmarshal(content, &a.Content); err != nil {
			return nil, fmt.Errorf("failed to unmarshal content for approval %s: %w", a.ApprovalID, err)
		}
	}
	if err := json.Unmarshal(options, &a.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options for approval %s: %w", a.ApprovalID, err)
	}

	return &a, nil
}
