package database

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/slate-ai/slate/pkg/blackboard"
)

// TaskStore implements blackboard.TaskStore over the tasks table.
type TaskStore struct {
	db *stdsql.DB
}

// PutTask inserts or fully replaces a task record.
func (s *TaskStore) PutTask(ctx context.Context, t *blackboard.Task) error {
	deps, err := json.Marshal(t.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies for task %s: %w", t.TaskID, err)
	}

	var payload []byte
	if t.Payload != nil {
		if payload, err = json.Marshal(t.Payload); err != nil {
			return fmt.Errorf("failed to marshal payload for task %s: %w", t.TaskID, err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, project_id, assigned_to, dependencies, status,
			lock_key, requires_lock, retry_count, max_retries, timeout_seconds,
			started_at, completed_at, error_message, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (task_id) DO UPDATE SET
			assigned_to = EXCLUDED.assigned_to,
			dependencies = EXCLUDED.dependencies,
			status = EXCLUDED.status,
			lock_key = EXCLUDED.lock_key,
			requires_lock = EXCLUDED.requires_lock,
			retry_count = EXCLUDED.retry_count,
			max_retries = EXCLUDED.max_retries,
			timeout_seconds = EXCLUDED.timeout_seconds,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			error_message = EXCLUDED.error_message,
			payload = EXCLUDED.payload`,
		t.TaskID, t.ProjectID, t.AssignedTo, deps, string(t.Status),
		t.LockKey, t.RequiresLock, t.RetryCount, t.MaxRetries, t.TimeoutSeconds,
		t.StartedAt, t.CompletedAt, t.ErrorMessage, payload)
	if err != nil {
		return fmt.Errorf("failed to put task %s: %w", t.TaskID, err)
	}

	return nil
}

// GetTask returns one task record.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (*blackboard.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, project_id, assigned_to, dependencies, status,
			lock_key, requires_lock, retry_count, max_retries, timeout_seconds,
			started_at, completed_at, error_message, payload
		FROM tasks WHERE task_id = $1`, taskID)

	t, err := scanTask(row.Scan)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", blackboard.ErrTaskNotFound, taskID)
	}
	return t, err
}

// ListTasksByProject returns all tasks of a project ordered by task ID.
func (s *TaskStore) ListTasksByProject(ctx context.Context, projectID string) ([]*blackboard.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, project_id, assigned_to, dependencies, status,
			lock_key, requires_lock, retry_count, max_retries, timeout_seconds,
			started_at, completed_at, error_message, payload
		FROM tasks WHERE project_id = $1 ORDER BY task_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var tasks []*blackboard.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	return tasks, nil
}

func scanTask(scan func(dest ...any) error) (*blackboard.Task, error) {
	var (
		t             blackboard.Task
		status        string
		deps, payload []byte
	)

	if err := scan(&t.TaskID, &t.ProjectID, &t.AssignedTo, &deps, &status,
		&t.LockKey, &t.RequiresLock, &t.RetryCount, &t.MaxRetries, &t.TimeoutSeconds,
		&t.StartedAt, &t.CompletedAt, &t.ErrorMessage, &payload); err != nil {
		return nil, err
	}

	t.Status = blackboard.TaskStatus(status)
	if err := json.Unmarshal(deps, &t.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dependencies for task %s: %w", t.TaskID, err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for task %s: %w", t.TaskID, err)
		}
	}

	return &t, nil
}
