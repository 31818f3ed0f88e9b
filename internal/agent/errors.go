package agent

import (
	"context"
	"errors"

	"github.com/slate-ai/slate/pkg/blackboard"
)

// Kind is the behavioral category of a handler error. It decides which
// recovery level applies: transient errors retry, budget errors fall back
// to a quality downgrade, everything else escalates.
type Kind int

const (
	// KindFatal errors are not retried; they escalate directly.
	KindFatal Kind = iota

	// KindTransient errors (network, timeout, rate limit, version
	// conflict) are retried with backoff.
	KindTransient

	// KindBudget errors invoke the quality-downgrade fallback.
	KindBudget

	// KindNotFound errors surface to the caller and are never retried.
	KindNotFound
)

// ErrBudgetExhausted marks an error as budget-related. Handlers wrap it
// (fmt.Errorf("...: %w", agent.ErrBudgetExhausted)) when an operation is
// refused for cost reasons.
var ErrBudgetExhausted = errors.New("budget exhausted")

// errTransient is the marker wrapped by Transient.
var errTransient = errors.New("transient")

// transientError carries the cause alongside the marker.
type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }
func (t *transientError) Is(target error) bool {
	return target == errTransient || errors.Is(t.err, target)
}

// Transient marks an error as retryable. Returns nil for a nil error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Classify maps an error onto its recovery category.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindFatal
	case errors.Is(err, ErrBudgetExhausted):
		return KindBudget
	case blackboard.IsNotFound(err):
		return KindNotFound
	case blackboard.IsConflict(err),
		errors.Is(err, errTransient),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindFatal
	}
}
