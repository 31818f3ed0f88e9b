package blackboard

import "errors"

// Sentinel errors surfaced by blackboard operations. Callers classify
// behavior with errors.Is; the agent runtime maps these onto its recovery
// ladder (see internal/agent).
var (
	// ErrProjectNotFound is returned when a project ID resolves to nothing.
	// Never retried by the runtime.
	ErrProjectNotFound = errors.New("project not found")

	// ErrProjectExists is returned by CreateProject when the ID is taken.
	ErrProjectExists = errors.New("project already exists")

	// ErrShotNotFound is returned when a shot ID resolves to nothing.
	ErrShotNotFound = errors.New("shot not found")

	// ErrTaskNotFound is returned when a task ID resolves to nothing.
	ErrTaskNotFound = errors.New("task not found")

	// ErrApprovalNotFound is returned when an approval ID resolves to nothing.
	ErrApprovalNotFound = errors.New("approval not found")

	// ErrEventNotFound is returned when an event ID resolves to nothing.
	ErrEventNotFound = errors.New("event not found")

	// ErrEventExists is returned when inserting an event ID already in the
	// log. The bus treats it as a duplicate publish and drops the event.
	ErrEventExists = errors.New("event already exists")

	// ErrVersionConflict is returned when an optimistic update loses the
	// race and the local retry budget is spent. Retried locally up to
	// three times before surfacing.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidTransition is returned for a status change not in the
	// transition table. The state is left unchanged.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrRetriesExhausted is returned when a FAILED task has no retry
	// budget left.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrProjectTerminal is returned when mutating a DELIVERED, FAILED or
	// CANCELLED project.
	ErrProjectTerminal = errors.New("project is in a terminal state")
)

// IsNotFound reports whether err is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrShotNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrApprovalNotFound) ||
		errors.Is(err, ErrEventNotFound)
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
