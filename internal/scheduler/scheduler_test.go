package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slate-ai/slate/internal/database"
	"github.com/slate-ai/slate/pkg/blackboard"
	"github.com/slate-ai/slate/pkg/lock"
)

type fixture struct {
	bb    *blackboard.Blackboard
	locks *lock.Manager
}

func setup(t *testing.T) *fixture {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := database.NewMemoryStore()
	bb, err := blackboard.New(store, store, store, blackboard.NewCache(rdb, 0), "test")
	require.NoError(t, err)

	_, err = bb.CreateProject(context.Background(), "p1",
		blackboard.GlobalSpec{Title: "Test", DurationSeconds: 30},
		blackboard.Budget{Total: 90, Currency: "USD"})
	require.NoError(t, err)

	return &fixture{bb: bb, locks: lock.NewManager(rdb)}
}

func putTask(t *testing.T, bb *blackboard.Blackboard, task *blackboard.Task) {
	if task.Status == "" {
		task.Status = blackboard.TaskStatusPending
	}
	if task.AssignedTo == "" {
		task.AssignedTo = "test-agent"
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = 3
	}
	require.NoError(t, bb.PutTask(context.Background(), task))
}

func taskStatus(t *testing.T, bb *blackboard.Blackboard, taskID string) blackboard.TaskStatus {
	task, err := bb.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return task.Status
}

// noopDispatcher completes every task immediately.
var noopDispatcher = DispatcherFunc(func(ctx context.Context, task *blackboard.Task) error {
	return nil
})

func TestDependencyPromotion(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := New(f.bb, f.locks, noopDispatcher)
	s.Manage("p1")

	putTask(t, f.bb, &blackboard.Task{TaskID: "dep", ProjectID: "p1", Status: blackboard.TaskStatusCompleted})
	putTask(t, f.bb, &blackboard.Task{TaskID: "t1", ProjectID: "p1", Dependencies: []string{"dep"}})
	putTask(t, f.bb, &blackboard.Task{TaskID: "t2", ProjectID: "p1", Dependencies: []string{"dep", "ghost"}})
	putTask(t, f.bb, &blackboard.Task{TaskID: "t3", ProjectID: "p1", Dependencies: []string{"t1"}})

	// Promotion and dispatch happen on successive ticks.
	require.Eventually(t, func() bool {
		s.Tick(ctx)
		return taskStatus(t, f.bb, "t1") == blackboard.TaskStatusCompleted
	}, 5*time.Second, 20*time.Millisecond, "satisfied task should be promoted and dispatched")

	assert.Equal(t, blackboard.TaskStatusPending, taskStatus(t, f.bb, "t2"),
		"a missing dependency record is unsatisfied")

	// t1 completed, so further ticks promote and run t3.
	require.Eventually(t, func() bool {
		s.Tick(ctx)
		return taskStatus(t, f.bb, "t3") == blackboard.TaskStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDispatchFailureAndRetry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	s := New(f.bb, f.locks, DispatcherFunc(func(ctx context.Context, task *blackboard.Task) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("model unavailable")
		}
		return nil
	}))
	s.Manage("p1")

	putTask(t, f.bb, &blackboard.Task{TaskID: "t1", ProjectID: "p1"})

	// Tick until the task works through FAILED -> PENDING -> ... -> COMPLETED.
	require.Eventually(t, func() bool {
		s.Tick(ctx)
		return taskStatus(t, f.bb, "t1") == blackboard.TaskStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	task, err := f.bb.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, task.RetryCount, "two failures before success")
	assert.Empty(t, task.ErrorMessage, "retry clears the error")
}

func TestRetriesExhausted(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s := New(f.bb, f.locks, DispatcherFunc(func(ctx context.Context, task *blackboard.Task) error {
		return errors.New("boom")
	}))
	s.Manage("p1")

	putTask(t, f.bb, &blackboard.Task{TaskID: "t1", ProjectID: "p1", MaxRetries: 1})

	require.Eventually(t, func() bool {
		s.Tick(ctx)
		task, err := f.bb.GetTask(ctx, "t1")
		require.NoError(t, err)
		return task.Status == blackboard.TaskStatusFailed && task.RetryCount == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Further ticks leave it FAILED.
	s.Tick(ctx)
	s.Tick(ctx)
	assert.Equal(t, blackboard.TaskStatusFailed, taskStatus(t, f.bb, "t1"))
}

type pauseSet struct {
	mu     sync.Mutex
	paused map[string]bool
}

func (p *pauseSet) Paused(projectID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused[projectID]
}

func (p *pauseSet) set(projectID string, v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused == nil {
		p.paused = map[string]bool{}
	}
	p.paused[projectID] = v
}

func TestPausedProjectNotDispatched(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	pauses := &pauseSet{}
	pauses.set("p1", true)

	s := New(f.bb, f.locks, noopDispatcher, WithPauser(pauses))
	s.Manage("p1")

	putTask(t, f.bb, &blackboard.Task{TaskID: "t1", ProjectID: "p1", Status: blackboard.TaskStatusReady})

	s.Tick(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, blackboard.TaskStatusWaitingApproval, taskStatus(t, f.bb, "t1"),
		"a paused project's runnable tasks park at the approval gate")

	s.Tick(ctx)
	assert.Equal(t, blackboard.TaskStatusWaitingApproval, taskStatus(t, f.bb, "t1"),
		"parked tasks stay parked while the pause holds")

	// Once the gate clears the task is released and dispatched.
	pauses.set("p1", false)
	require.Eventually(t, func() bool {
		s.Tick(ctx)
		return taskStatus(t, f.bb, "t1") == blackboard.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLockContention(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := New(f.bb, f.locks, noopDispatcher)
	s.Manage("p1")

	token, ok, err := f.locks.Acquire(ctx, "dna:p1:hero", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	putTask(t, f.bb, &blackboard.Task{
		TaskID: "t1", ProjectID: "p1",
		Status: blackboard.TaskStatusReady, RequiresLock: true, LockKey: "dna:p1:hero",
	})

	s.Tick(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, blackboard.TaskStatusReady, taskStatus(t, f.bb, "t1"),
		"a held lock leaves the task READY for the next tick")

	_, err = f.locks.Release(ctx, "dna:p1:hero", token)
	require.NoError(t, err)

	s.Tick(ctx)
	require.Eventually(t, func() bool {
		return taskStatus(t, f.bb, "t1") == blackboard.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	// The task's lock was released on completion.
	_, free, err := f.locks.Acquire(ctx, "dna:p1:hero", time.Minute)
	require.NoError(t, err)
	assert.True(t, free)
}

func TestRunningTimeout(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s := New(f.bb, f.locks, DispatcherFunc(func(ctx context.Context, task *blackboard.Task) error {
		<-ctx.Done()
		return ctx.Err()
	}), WithTaskTimeout(50*time.Millisecond))
	s.Manage("p1")

	putTask(t, f.bb, &blackboard.Task{TaskID: "t1", ProjectID: "p1", Status: blackboard.TaskStatusReady})

	s.Tick(ctx)
	require.Eventually(t, func() bool {
		task, err := f.bb.GetTask(ctx, "t1")
		require.NoError(t, err)
		return task.Status == blackboard.TaskStatusFailed && task.ErrorMessage == "timeout"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancellationUnderLock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	started := make(chan struct{})
	s := New(f.bb, f.locks, DispatcherFunc(func(ctx context.Context, task *blackboard.Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	s.Manage("p1")

	putTask(t, f.bb, &blackboard.Task{
		TaskID: "t1", ProjectID: "p1",
		Status: blackboard.TaskStatusReady, RequiresLock: true, LockKey: "L",
	})

	s.Tick(ctx)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	require.NoError(t, s.CancelTask(ctx, "t1"))
	assert.Equal(t, blackboard.TaskStatusCancelled, taskStatus(t, f.bb, "t1"))

	// The lock is free immediately, not after lease expiry.
	_, free, err := f.locks.Acquire(ctx, "L", time.Minute)
	require.NoError(t, err)
	assert.True(t, free)

	t.Run("cancelling a terminal task fails", func(t *testing.T) {
		err := s.CancelTask(ctx, "t1")
		assert.ErrorIs(t, err, blackboard.ErrInvalidTransition)
	})
}

func TestTerminalProjectReaped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := New(f.bb, f.locks, noopDispatcher)
	s.Manage("p1")

	putTask(t, f.bb, &blackboard.Task{TaskID: "t1", ProjectID: "p1"})

	// Another process (the CLI) cancels the project behind the scheduler's back.
	_, err := f.bb.UpdateProjectStatus(ctx, "p1", blackboard.ProjectStatusCancelled)
	require.NoError(t, err)

	s.Tick(ctx)
	assert.Equal(t, blackboard.TaskStatusCancelled, taskStatus(t, f.bb, "t1"),
		"tasks of a terminal project are reaped on the next tick")

	s.mu.Lock()
	managed := s.projects["p1"]
	s.mu.Unlock()
	assert.False(t, managed, "terminal project is dropped from the scheduling set")
}

func TestCancelProject(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := New(f.bb, f.locks, noopDispatcher)
	s.Manage("p1")

	putTask(t, f.bb, &blackboard.Task{TaskID: "t1", ProjectID: "p1"})
	putTask(t, f.bb, &blackboard.Task{TaskID: "t2", ProjectID: "p1", Status: blackboard.TaskStatusCompleted})

	require.NoError(t, s.CancelProject(ctx, "p1"))
	assert.Equal(t, blackboard.TaskStatusCancelled, taskStatus(t, f.bb, "t1"))
	assert.Equal(t, blackboard.TaskStatusCompleted, taskStatus(t, f.bb, "t2"),
		"terminal tasks are left alone")
}
