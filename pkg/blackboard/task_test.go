package blackboard

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask() *Task {
	return &Task{
		TaskID:     "t1",
		ProjectID:  "p1",
		AssignedTo: "image-agent",
		Status:     TaskStatusPending,
		MaxRetries: 3,
	}
}

func TestTaskTransitionTable(t *testing.T) {
	legal := []struct {
		from, to TaskStatus
	}{
		{TaskStatusPending, TaskStatusReady},
		{TaskStatusPending, TaskStatusCancelled},
		{TaskStatusReady, TaskStatusRunning},
		{TaskStatusReady, TaskStatusWaitingApproval},
		{TaskStatusReady, TaskStatusCancelled},
		{TaskStatusRunning, TaskStatusCompleted},
		{TaskStatusRunning, TaskStatusFailed},
		{TaskStatusRunning, TaskStatusCancelled},
		{TaskStatusWaitingApproval, TaskStatusReady},
		{TaskStatusWaitingApproval, TaskStatusCancelled},
		{TaskStatusFailed, TaskStatusPending},
		{TaskStatusFailed, TaskStatusCancelled},
	}

	for _, tc := range legal {
		assert.True(t, tc.from.CanTransitionTo(tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct {
		from, to TaskStatus
	}{
		{TaskStatusPending, TaskStatusRunning},
		{TaskStatusPending, TaskStatusCompleted},
		{TaskStatusReady, TaskStatusCompleted},
		{TaskStatusRunning, TaskStatusReady},
		{TaskStatusCompleted, TaskStatusRunning},
		{TaskStatusCompleted, TaskStatusPending},
		{TaskStatusCancelled, TaskStatusReady},
		{TaskStatusWaitingApproval, TaskStatusRunning},
	}

	for _, tc := range illegal {
		assert.False(t, tc.from.CanTransitionTo(tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestTaskTransition(t *testing.T) {
	t.Run("invalid transition leaves state unchanged", func(t *testing.T) {
		task := newTask()
		err := task.Transition(TaskStatusRunning)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.Equal(t, TaskStatusPending, task.Status)
	})

	t.Run("stamps started_at on dispatch", func(t *testing.T) {
		task := newTask()
		require.NoError(t, task.Transition(TaskStatusReady))
		require.NoError(t, task.Transition(TaskStatusRunning))
		require.NotNil(t, task.StartedAt)
		assert.Nil(t, task.CompletedAt)
	})

	t.Run("stamps completed_at on terminal entry", func(t *testing.T) {
		task := newTask()
		require.NoError(t, task.Transition(TaskStatusReady))
		require.NoError(t, task.Transition(TaskStatusRunning))
		require.NoError(t, task.Transition(TaskStatusCompleted))
		require.NotNil(t, task.CompletedAt)
		assert.True(t, task.Status.Terminal())
	})

	t.Run("retry increments counter and clears error", func(t *testing.T) {
		task := newTask()
		require.NoError(t, task.Transition(TaskStatusReady))
		require.NoError(t, task.Transition(TaskStatusRunning))
		task.ErrorMessage = "boom"
		require.NoError(t, task.Transition(TaskStatusFailed))

		require.NoError(t, task.Transition(TaskStatusPending))
		assert.Equal(t, 1, task.RetryCount)
		assert.Empty(t, task.ErrorMessage)
	})

	t.Run("no task retries past max_retries", func(t *testing.T) {
		task := newTask()
		task.MaxRetries = 2

		for i := 0; i < 2; i++ {
			require.NoError(t, task.Transition(TaskStatusReady))
			require.NoError(t, task.Transition(TaskStatusRunning))
			require.NoError(t, task.Transition(TaskStatusFailed))
			require.NoError(t, task.Transition(TaskStatusPending))
		}

		require.NoError(t, task.Transition(TaskStatusReady))
		require.NoError(t, task.Transition(TaskStatusRunning))
		require.NoError(t, task.Transition(TaskStatusFailed))

		err := task.Transition(TaskStatusPending)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRetriesExhausted))
		assert.Equal(t, 2, task.RetryCount)

		// The exhausted task can still be cancelled.
		require.NoError(t, task.Transition(TaskStatusCancelled))
	})
}

func TestTaskExpired(t *testing.T) {
	now := time.Now().UTC()
	started := now.Add(-10 * time.Minute)

	task := newTask()
	task.Status = TaskStatusRunning
	task.StartedAt = &started

	assert.True(t, task.Expired(now, 5*time.Minute))
	assert.False(t, task.Expired(now, 15*time.Minute))

	t.Run("explicit timeout overrides default", func(t *testing.T) {
		task.TimeoutSeconds = 1200
		assert.False(t, task.Expired(now, 5*time.Minute))
	})

	t.Run("non-running tasks never expire", func(t *testing.T) {
		idle := newTask()
		assert.False(t, idle.Expired(now, time.Second))
	})
}

func TestTaskValidate(t *testing.T) {
	t.Run("accepts valid task", func(t *testing.T) {
		assert.NoError(t, newTask().Validate())
	})

	t.Run("rejects lock requirement without key", func(t *testing.T) {
		task := newTask()
		task.RequiresLock = true
		assert.Error(t, task.Validate())

		task.LockKey = "dna:p1:hero"
		assert.NoError(t, task.Validate())
	})
}
