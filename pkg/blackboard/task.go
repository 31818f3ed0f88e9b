package blackboard

import (
	"fmt"
	"time"
)

// Task is a unit of scheduled work with dependencies and a retry budget.
// Tasks are owned by the scheduler of their project; the record is persisted
// in the relational tasks table.
type Task struct {
	TaskID         string         `json:"task_id"`
	ProjectID      string         `json:"project_id"`
	AssignedTo     string         `json:"assigned_to"`  // Agent name that executes the task
	Dependencies   []string       `json:"dependencies"` // Task IDs that must be COMPLETED first
	Status         TaskStatus     `json:"status"`
	LockKey        string         `json:"lock_key,omitempty"` // Named resource guarded while RUNNING
	RequiresLock   bool           `json:"requires_lock"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"` // 0 means the scheduler default
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"` // Work description handed to the agent
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending         TaskStatus = "PENDING"
	TaskStatusReady           TaskStatus = "READY"
	TaskStatusRunning         TaskStatus = "RUNNING"
	TaskStatusWaitingApproval TaskStatus = "WAITING_APPROVAL"
	TaskStatusCompleted       TaskStatus = "COMPLETED"
	TaskStatusFailed          TaskStatus = "FAILED"
	TaskStatusCancelled       TaskStatus = "CANCELLED"
)

// taskTransitions is the complete set of legal task transitions. Anything
// not listed here is rejected with ErrInvalidTransition and no state change.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:         {TaskStatusReady, TaskStatusCancelled},
	TaskStatusReady:           {TaskStatusRunning, TaskStatusWaitingApproval, TaskStatusCancelled},
	TaskStatusRunning:         {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusWaitingApproval: {TaskStatusReady, TaskStatusCancelled},
	TaskStatusFailed:          {TaskStatusPending, TaskStatusCancelled},
	// Terminal states.
	TaskStatusCompleted: {},
	TaskStatusCancelled: {},
}

// Validate checks the TaskStatus is a valid enum value.
func (s TaskStatus) Validate() error {
	if _, ok := taskTransitions[s]; !ok {
		return fmt.Errorf("unknown task status: %q", s)
	}
	return nil
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition applies a status change to the task, enforcing the transition
// table. StartedAt is stamped on entry to RUNNING and CompletedAt on entry
// to any terminal state. FAILED -> PENDING additionally increments the retry
// counter and is rejected once retries are exhausted.
func (t *Task) Transition(next TaskStatus) error {
	if err := next.Validate(); err != nil {
		return err
	}

	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s for task %s", ErrInvalidTransition, t.Status, next, t.TaskID)
	}

	if t.Status == TaskStatusFailed && next == TaskStatusPending {
		if t.RetryCount >= t.MaxRetries {
			return fmt.Errorf("%w: task %s has exhausted %d retries", ErrRetriesExhausted, t.TaskID, t.MaxRetries)
		}
		t.RetryCount++
		t.ErrorMessage = ""
	}

	now := time.Now().UTC()
	if next == TaskStatusRunning {
		t.StartedAt = &now
	}
	if next.Terminal() {
		t.CompletedAt = &now
	}

	t.Status = next
	return nil
}

// Validate checks the Task record invariants.
func (t *Task) Validate() error {
	if t.TaskID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}

	if t.ProjectID == "" {
		return fmt.Errorf("project ID cannot be empty")
	}

	if t.AssignedTo == "" {
		return fmt.Errorf("assigned_to cannot be empty")
	}

	if err := t.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}

	if t.RequiresLock && t.LockKey == "" {
		return fmt.Errorf("requires_lock set but lock_key is empty")
	}

	return nil
}

// Expired reports whether a RUNNING task has exceeded its timeout.
// defaultTimeout applies when the task carries no explicit timeout.
func (t *Task) Expired(now time.Time, defaultTimeout time.Duration) bool {
	if t.Status != TaskStatusRunning || t.StartedAt == nil {
		return false
	}
	timeout := defaultTimeout
	if t.TimeoutSeconds > 0 {
		timeout = time.Duration(t.TimeoutSeconds) * time.Second
	}
	return now.Sub(*t.StartedAt) > timeout
}
