package blackboard

import (
	"context"
	"time"

	"github.com/slate-ai/slate/pkg/event"
)

// ProjectStore is the authoritative persistence contract for project
// documents. internal/database implements it over Postgres JSONB; tests use
// the in-memory implementation from the same package.
type ProjectStore interface {
	// InsertProject persists a new project. Fails with ErrProjectExists
	// if the project ID is taken.
	InsertProject(ctx context.Context, p *Project) error

	// GetProject returns the current document, strictly consistent.
	// Fails with ErrProjectNotFound.
	GetProject(ctx context.Context, projectID string) (*Project, error)

	// UpdateProject writes the document iff the stored version equals
	// expectedVersion, bumping the version by one. Fails with
	// ErrVersionConflict on mismatch and ErrProjectNotFound when absent.
	UpdateProject(ctx context.Context, p *Project, expectedVersion int64) error

	// ListActiveProjects returns the IDs of every non-terminal project,
	// oldest first. The daemon re-adopts these after a restart.
	ListActiveProjects(ctx context.Context) ([]string, error)
}

// TaskStore persists task records for the scheduler.
type TaskStore interface {
	// PutTask inserts or fully replaces a task record.
	PutTask(ctx context.Context, t *Task) error

	// GetTask fails with ErrTaskNotFound.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// ListTasksByProject returns all tasks of a project, ordered by task ID.
	ListTasksByProject(ctx context.Context, projectID string) ([]*Task, error)
}

// ApprovalStore persists approval requests for the human gate.
type ApprovalStore interface {
	// PutApproval inserts or fully replaces an approval record.
	PutApproval(ctx context.Context, a *ApprovalRequest) error

	// GetApproval fails with ErrApprovalNotFound.
	GetApproval(ctx context.Context, approvalID string) (*ApprovalRequest, error)

	// ListApprovalsByProject returns all approvals of a project, newest first.
	ListApprovalsByProject(ctx context.Context, projectID string) ([]*ApprovalRequest, error)

	// ListPendingApprovals returns every PENDING approval across projects.
	// The timeout sweeper iterates this.
	ListPendingApprovals(ctx context.Context) ([]*ApprovalRequest, error)
}

// EventStore persists the immutable event records backing replay and
// post-mortem queries. Events are append-only: there is no update or delete.
type EventStore interface {
	// InsertEvent appends an event record. Inserting the same event ID
	// twice is an error; the bus deduplicates before persisting.
	InsertEvent(ctx context.Context, e *event.Event) error

	// GetEvent returns the stored record for an event ID.
	GetEvent(ctx context.Context, eventID string) (*event.Event, error)

	// ListEvents returns events of a project filtered by type set and time
	// window, ordered by timestamp. Nil/zero arguments disable a filter.
	ListEvents(ctx context.Context, projectID string, types []event.Type, since, until time.Time) ([]*event.Event, error)
}
