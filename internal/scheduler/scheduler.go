// Package scheduler drives task execution per project: it promotes tasks
// whose dependencies completed, intercepts paused projects, acquires task
// locks non-blocking, dispatches to the assigned agent and enforces the
// running timeout. All task state changes go through the blackboard task
// state machine; an illegal transition is rejected there, not here.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/slate-ai/slate/pkg/blackboard"
	"github.com/slate-ai/slate/pkg/lock"
)

const (
	// DefaultTick is the scheduling interval.
	DefaultTick = time.Second

	// DefaultTaskTimeout bounds how long a RUNNING task may take before it
	// is failed with a "timeout" error.
	DefaultTaskTimeout = 300 * time.Second

	// DefaultMaxRetries applies to tasks submitted without an explicit
	// retry budget.
	DefaultMaxRetries = 3

	// taskLockLease bounds how long a crashed holder can wedge a task lock.
	taskLockLease = 10 * time.Minute
)

// Dispatcher executes a dispatched task. Dispatch blocks until the work is
// done or its context is cancelled; the scheduler records the outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *blackboard.Task) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, task *blackboard.Task) error

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, task *blackboard.Task) error {
	return f(ctx, task)
}

// Pauser reports whether a project is paused at an approval checkpoint.
// While paused no task of that project is dispatched.
type Pauser interface {
	Paused(projectID string) bool
}

// running tracks one in-flight task: its cancel handle and the lock it holds.
type running struct {
	cancel    context.CancelFunc
	lockName  string
	lockToken string
}

// Scheduler ticks over managed projects and moves their tasks through the
// state machine. One Scheduler instance owns all tasks of its projects.
type Scheduler struct {
	bb         *blackboard.Blackboard
	locks      *lock.Manager
	dispatcher Dispatcher
	pauser     Pauser

	tick        time.Duration
	taskTimeout time.Duration
	maxRetries  int

	mu        sync.Mutex
	projects  map[string]bool
	active    map[string]*running // task_id -> in-flight state
	exhausted map[string]bool     // task_ids already surfaced as out of retries
	wg        sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick overrides the scheduling interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithTaskTimeout overrides the default running timeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.taskTimeout = d }
}

// WithPauser installs the approval pause check.
func WithPauser(p Pauser) Option {
	return func(s *Scheduler) { s.pauser = p }
}

// WithDefaultMaxRetries overrides the retry budget for tasks submitted
// without one.
func WithDefaultMaxRetries(n int) Option {
	return func(s *Scheduler) { s.maxRetries = n }
}

// New creates a scheduler. The lock manager may be nil when no task of the
// deployment requires locking.
func New(bb *blackboard.Blackboard, locks *lock.Manager, dispatcher Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		bb:          bb,
		locks:       locks,
		dispatcher:  dispatcher,
		tick:        DefaultTick,
		taskTimeout: DefaultTaskTimeout,
		maxRetries:  DefaultMaxRetries,
		projects:    make(map[string]bool),
		active:      make(map[string]*running),
		exhausted:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Manage adds a project to the scheduling set.
func (s *Scheduler) Manage(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[projectID] = true
}

// Unmanage removes a project from the scheduling set. In-flight tasks keep
// running until they finish or are cancelled.
func (s *Scheduler) Unmanage(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, projectID)
}

// Run ticks until the context is cancelled, then waits for in-flight task
// goroutines to drain.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("[Scheduler] Starting with tick %v", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Scheduler] Shutting down...")
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass over every managed project. Exported so the
// control surface and tests can step the scheduler deterministically.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	projects := make([]string, 0, len(s.projects))
	for id := range s.projects {
		projects = append(projects, id)
	}
	s.mu.Unlock()

	for _, projectID := range projects {
		if err := s.tickProject(ctx, projectID); err != nil {
			log.Printf("[Scheduler] Error ticking project %s: %v", projectID, err)
		}
	}
}

// tickProject runs the per-project pass: timeout detection, retry, promotion
// and dispatch, in that order so a task freed up this tick can be promoted
// on the same pass.
func (s *Scheduler) tickProject(ctx context.Context, projectID string) error {
	p, err := s.bb.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.Status.Terminal() {
		// Another instance closed the project; reap its tasks and stop
		// managing it.
		return s.CancelProject(ctx, projectID)
	}

	tasks, err := s.bb.ListTasks(ctx, projectID)
	if err != nil {
		return err
	}

	byID := make(map[string]*blackboard.Task, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}

	now := time.Now().UTC()
	paused := s.pauser != nil && s.pauser.Paused(projectID)

	for _, task := range tasks {
		switch task.Status {
		case blackboard.TaskStatusRunning:
			if task.Expired(now, s.taskTimeout) {
				s.failTask(ctx, task, "timeout")
			}

		case blackboard.TaskStatusFailed:
			s.retryTask(ctx, task)

		case blackboard.TaskStatusPending:
			s.promoteTask(ctx, task, byID)

		case blackboard.TaskStatusReady:
			if paused {
				// Park at the approval gate instead of dispatching.
				if err := s.transition(ctx, task, blackboard.TaskStatusWaitingApproval); err != nil {
					log.Printf("[Scheduler] Failed to park task %s: %v", task.TaskID, err)
				}
				continue
			}
			s.dispatchTask(ctx, task)

		case blackboard.TaskStatusWaitingApproval:
			if !paused {
				// The gate cleared; release the task for the next dispatch.
				if err := s.transition(ctx, task, blackboard.TaskStatusReady); err != nil {
					log.Printf("[Scheduler] Failed to release task %s: %v", task.TaskID, err)
				}
			}
		}
	}

	return nil
}

// promoteTask moves PENDING to READY when every dependency is COMPLETED.
// A dependency with no task record counts as unsatisfied.
func (s *Scheduler) promoteTask(ctx context.Context, task *blackboard.Task, byID map[string]*blackboard.Task) {
	for _, depID := range task.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			log.Printf("[Scheduler] Task %s depends on missing task %s", task.TaskID, depID)
			return
		}
		if dep.Status != blackboard.TaskStatusCompleted {
			return
		}
	}

	if err := s.transition(ctx, task, blackboard.TaskStatusReady); err != nil {
		log.Printf("[Scheduler] Failed to promote task %s: %v", task.TaskID, err)
	}
}

// dispatchTask acquires the task's lock (non-blocking), moves it to RUNNING
// and hands it to the dispatcher in a goroutine. A held lock leaves the task
// READY for the next tick.
func (s *Scheduler) dispatchTask(ctx context.Context, task *blackboard.Task) {
	var lockName, token string
	if task.RequiresLock {
		if s.locks == nil {
			log.Printf("[Scheduler] Task %s requires lock %s but no lock manager is configured", task.TaskID, task.LockKey)
			return
		}
		t, ok, err := s.locks.Acquire(ctx, task.LockKey, taskLockLease)
		if err != nil {
			log.Printf("[Scheduler] Lock error for task %s: %v", task.TaskID, err)
			return
		}
		if !ok {
			// Held elsewhere: retry next tick.
			return
		}
		lockName, token = task.LockKey, t
	}

	if err := s.transition(ctx, task, blackboard.TaskStatusRunning); err != nil {
		s.releaseLock(lockName, token)
		log.Printf("[Scheduler] Failed to dispatch task %s: %v", task.TaskID, err)
		return
	}

	timeout := s.taskTimeout
	if task.TimeoutSeconds > 0 {
		timeout = time.Duration(task.TimeoutSeconds) * time.Second
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)

	s.mu.Lock()
	s.active[task.TaskID] = &running{cancel: cancel, lockName: lockName, lockToken: token}
	s.mu.Unlock()

	s.logEvent("task_dispatched", map[string]interface{}{
		"task_id":     task.TaskID,
		"project_id":  task.ProjectID,
		"assigned_to": task.AssignedTo,
		"lock_key":    lockName,
	})

	s.wg.Add(1)
	go func(task blackboard.Task) {
		defer s.wg.Done()
		defer cancel()

		err := s.dispatcher.Dispatch(taskCtx, &task)
		s.finishTask(context.WithoutCancel(taskCtx), &task, err)
	}(*task)
}

// finishTask records the dispatch outcome. The task is re-read first: a
// cancellation or timeout may already have moved it while the handler ran.
func (s *Scheduler) finishTask(ctx context.Context, task *blackboard.Task, dispatchErr error) {
	defer s.clearActive(task.TaskID)

	fresh, err := s.bb.GetTask(ctx, task.TaskID)
	if err != nil {
		log.Printf("[Scheduler] Failed to re-read task %s: %v", task.TaskID, err)
		return
	}
	if fresh.Status != blackboard.TaskStatusRunning {
		return
	}

	switch {
	case dispatchErr == nil:
		if err := s.transition(ctx, fresh, blackboard.TaskStatusCompleted); err != nil {
			log.Printf("[Scheduler] Failed to complete task %s: %v", task.TaskID, err)
		}
	case errors.Is(dispatchErr, context.DeadlineExceeded):
		fresh.ErrorMessage = "timeout"
		if err := s.transition(ctx, fresh, blackboard.TaskStatusFailed); err != nil {
			log.Printf("[Scheduler] Failed to fail task %s: %v", task.TaskID, err)
		}
	default:
		fresh.ErrorMessage = dispatchErr.Error()
		if err := s.transition(ctx, fresh, blackboard.TaskStatusFailed); err != nil {
			log.Printf("[Scheduler] Failed to fail task %s: %v", task.TaskID, err)
		}
	}
}

// failTask times out a RUNNING task from the tick loop. If the handler is
// still in flight its context is cancelled; finishTask then sees the task
// already FAILED and leaves it alone.
func (s *Scheduler) failTask(ctx context.Context, task *blackboard.Task, message string) {
	task.ErrorMessage = message
	if err := s.transition(ctx, task, blackboard.TaskStatusFailed); err != nil {
		log.Printf("[Scheduler] Failed to time out task %s: %v", task.TaskID, err)
		return
	}

	s.mu.Lock()
	if r := s.active[task.TaskID]; r != nil {
		r.cancel()
	}
	s.mu.Unlock()

	s.logEvent("task_timeout", map[string]interface{}{
		"task_id":    task.TaskID,
		"project_id": task.ProjectID,
	})
}

// retryTask moves FAILED back to PENDING while the retry budget lasts. An
// exhausted task is surfaced once and left FAILED for the recovery path.
func (s *Scheduler) retryTask(ctx context.Context, task *blackboard.Task) {
	if task.MaxRetries == 0 {
		task.MaxRetries = s.maxRetries
	}
	err := s.transition(ctx, task, blackboard.TaskStatusPending)
	if err == nil {
		s.logEvent("task_retried", map[string]interface{}{
			"task_id":     task.TaskID,
			"project_id":  task.ProjectID,
			"retry_count": task.RetryCount,
		})
		return
	}

	if errors.Is(err, blackboard.ErrRetriesExhausted) {
		s.mu.Lock()
		surfaced := s.exhausted[task.TaskID]
		s.exhausted[task.TaskID] = true
		s.mu.Unlock()

		if !surfaced {
			s.logEvent("task_retries_exhausted", map[string]interface{}{
				"task_id":    task.TaskID,
				"project_id": task.ProjectID,
				"error":      task.ErrorMessage,
			})
		}
		return
	}

	log.Printf("[Scheduler] Failed to retry task %s: %v", task.TaskID, err)
}

// CancelTask cancels a task in any non-terminal state. A running handler's
// context is cancelled and a held lock is released immediately, without
// waiting for lease expiry.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) error {
	task, err := s.bb.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if err := s.transition(ctx, task, blackboard.TaskStatusCancelled); err != nil {
		return fmt.Errorf("failed to cancel task %s: %w", taskID, err)
	}

	s.mu.Lock()
	r := s.active[taskID]
	s.mu.Unlock()
	if r != nil {
		r.cancel()
	}
	s.clearActive(taskID)

	s.logEvent("task_cancelled", map[string]interface{}{
		"task_id":    task.TaskID,
		"project_id": task.ProjectID,
	})
	return nil
}

// CancelProject cancels every non-terminal task of a project and stops
// managing it.
func (s *Scheduler) CancelProject(ctx context.Context, projectID string) error {
	tasks, err := s.bb.ListTasks(ctx, projectID)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		if err := s.CancelTask(ctx, task.TaskID); err != nil {
			log.Printf("[Scheduler] Failed to cancel task %s: %v", task.TaskID, err)
		}
	}

	s.Unmanage(projectID)
	return nil
}

// transition applies a state change through the task state machine and
// persists the result.
func (s *Scheduler) transition(ctx context.Context, task *blackboard.Task, to blackboard.TaskStatus) error {
	if err := task.Transition(to); err != nil {
		return err
	}
	return s.bb.PutTask(ctx, task)
}

// clearActive removes in-flight state for a task and releases its lock.
func (s *Scheduler) clearActive(taskID string) {
	s.mu.Lock()
	r := s.active[taskID]
	delete(s.active, taskID)
	s.mu.Unlock()

	if r != nil {
		s.releaseLock(r.lockName, r.lockToken)
	}
}

func (s *Scheduler) releaseLock(name, token string) {
	if name == "" || s.locks == nil {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.locks.Release(releaseCtx, name, token); err != nil {
		log.Printf("[Scheduler] Failed to release lock %s: %v", name, err)
	}
}

// logEvent logs a structured scheduler event in JSON format.
func (s *Scheduler) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "scheduler"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Scheduler] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
