package database

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/slate-ai/slate/pkg/blackboard"
)

// ProjectStore implements blackboard.ProjectStore over the projects table.
// The document is split across JSONB columns per field group so the version
// column can serialize concurrent writers.
type ProjectStore struct {
	db *stdsql.DB
}

const pgUniqueViolation = "23505"

// InsertProject persists a new project document.
func (s *ProjectStore) InsertProject(ctx context.Context, p *blackboard.Project) error {
	spec, budget, shots, dna, artifacts, err := marshalProjectDocs(p)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (project_id, global_spec, status, version, budget,
			shots, dna_bank, artifact_index, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ProjectID, spec, string(p.Status), p.Version, budget,
		shots, dna, artifacts, p.FailureReason, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", blackboard.ErrProjectExists, p.ProjectID)
		}
		return fmt.Errorf("failed to insert project %s: %w", p.ProjectID, err)
	}

	return nil
}

// GetProject reads the current document directly from the database.
func (s *ProjectStore) GetProject(ctx context.Context, projectID string) (*blackboard.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, global_spec, status, version, budget,
			shots, dna_bank, artifact_index, failure_reason, created_at, updated_at
		FROM projects WHERE project_id = $1`, projectID)

	return scanProject(row)
}

// UpdateProject replaces the document iff the stored version matches
// expectedVersion. The caller has already bumped p.Version.
func (s *ProjectStore) UpdateProject(ctx context.Context, p *blackboard.Project, expectedVersion int64) error {
	spec, budget, shots, dna, artifacts, err := marshalProjectDocs(p)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET global_spec = $2, status = $3, version = $4, budget = $5,
			shots = $6, dna_bank = $7, artifact_index = $8,
			failure_reason = $9, updated_at = $10
		WHERE project_id = $1 AND version = $11`,
		p.ProjectID, spec, string(p.Status), p.Version, budget,
		shots, dna, artifacts, p.FailureReason, p.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update project %s: %w", p.ProjectID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for project %s: %w", p.ProjectID, err)
	}
	if affected == 0 {
		// Either the project is gone or another writer won the version race.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM projects WHERE project_id = $1)`,
			p.ProjectID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to distinguish conflict for project %s: %w", p.ProjectID, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", blackboard.ErrProjectNotFound, p.ProjectID)
		}
		return fmt.Errorf("%w: project %s expected version %d", blackboard.ErrVersionConflict, p.ProjectID, expectedVersion)
	}

	return nil
}

// ListActiveProjects returns the IDs of projects not yet in a terminal state.
func (s *ProjectStore) ListActiveProjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id FROM projects
		WHERE status NOT IN ('DELIVERED', 'FAILED', 'CANCELLED')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan project ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func marshalProjectDocs(p *blackboard.Project) (spec, budget, shots, dna, artifacts []byte, err error) {
	if spec, err = json.Marshal(p.GlobalSpec); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to marshal global_spec: %w", err)
	}
	if budget, err = json.Marshal(p.Budget); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to marshal budget: %w", err)
	}
	if shots, err = json.Marshal(p.Shots); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to marshal shots: %w", err)
	}
	if dna, err = json.Marshal(p.DNABank); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to marshal dna_bank: %w", err)
	}
	if artifacts, err = json.Marshal(p.ArtifactIndex); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to marshal artifact_index: %w", err)
	}
	return spec, budget, shots, dna, artifacts, nil
}

func scanProject(row *stdsql.Row) (*blackboard.Project, error) {
	var (
		p                                  blackboard.Project
		status                             string
		spec, budget, shots, dna, artifacts []byte
	)

	err := row.Scan(&p.ProjectID, &spec, &status, &p.Version, &budget,
		&shots, &dna, &artifacts, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, blackboard.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}

	p.Status = blackboard.ProjectStatus(status)
	if err := json.Unmarshal(spec, &p.GlobalSpec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal global_spec: %w", err)
	}
	if err := json.Unmarshal(budget, &p.Budget); err != nil {
		return nil, fmt.Errorf("failed to unmarshal budget: %w", err)
	}
	if err := json.Unmarshal(shots, &p.Shots); err != nil {
		return nil, fmt.Errorf("failed to unmarshal shots: %w", err)
	}
	if err := json.Unmarshal(dna, &p.DNABank); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dna_bank: %w", err)
	}
	if err := json.Unmarshal(artifacts, &p.ArtifactIndex); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact_index: %w", err)
	}

	return &p, nil
}
