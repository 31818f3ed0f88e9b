package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slate-ai/slate/pkg/blackboard"
	"github.com/slate-ai/slate/pkg/event"
)

func newProject(projectID string) *blackboard.Project {
	return &blackboard.Project{
		ProjectID:  projectID,
		GlobalSpec: blackboard.GlobalSpec{Title: "demo", DurationSeconds: 30, QualityTier: blackboard.TierBalanced},
		Status:     blackboard.ProjectStatusCreated,
		Version:    1,
		Budget:     blackboard.Budget{Total: 90, Currency: "USD"},
		CreatedAt:  time.Now().UTC(),
	}
}

func TestMemoryProjects(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.InsertProject(ctx, newProject("p1")))

	t.Run("insert rejects duplicates", func(t *testing.T) {
		err := store.InsertProject(ctx, newProject("p1"))
		assert.ErrorIs(t, err, blackboard.ErrProjectExists)
	})

	t.Run("get returns an isolated copy", func(t *testing.T) {
		a, err := store.GetProject(ctx, "p1")
		require.NoError(t, err)
		a.GlobalSpec.Title = "mutated"

		b, err := store.GetProject(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "demo", b.GlobalSpec.Title, "caller mutation must not leak into the store")
	})

	t.Run("get missing is not-found", func(t *testing.T) {
		_, err := store.GetProject(ctx, "nope")
		assert.ErrorIs(t, err, blackboard.ErrProjectNotFound)
	})

	t.Run("update enforces the version check", func(t *testing.T) {
		p, err := store.GetProject(ctx, "p1")
		require.NoError(t, err)

		p.Version = 2
		require.NoError(t, store.UpdateProject(ctx, p, 1))

		// A writer still holding version 1 loses.
		stale := newProject("p1")
		stale.Version = 2
		err = store.UpdateProject(ctx, stale, 1)
		assert.ErrorIs(t, err, blackboard.ErrVersionConflict)
	})

	t.Run("update missing is not-found", func(t *testing.T) {
		err := store.UpdateProject(ctx, newProject("nope"), 1)
		assert.ErrorIs(t, err, blackboard.ErrProjectNotFound)
	})

	t.Run("active listing skips terminal projects", func(t *testing.T) {
		older := newProject("p0")
		older.CreatedAt = time.Now().UTC().Add(-time.Hour)
		require.NoError(t, store.InsertProject(ctx, older))

		done := newProject("p9")
		done.Status = blackboard.ProjectStatusDelivered
		require.NoError(t, store.InsertProject(ctx, done))

		ids, err := store.ListActiveProjects(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"p0", "p1"}, ids, "oldest first, terminal excluded")
	})
}

func TestMemoryTasks(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.PutTask(ctx, &blackboard.Task{TaskID: "t2", ProjectID: "p1", Status: blackboard.TaskStatusPending}))
	require.NoError(t, store.PutTask(ctx, &blackboard.Task{TaskID: "t1", ProjectID: "p1", Status: blackboard.TaskStatusPending}))
	require.NoError(t, store.PutTask(ctx, &blackboard.Task{TaskID: "t3", ProjectID: "p2", Status: blackboard.TaskStatusPending}))

	t.Run("put is an upsert", func(t *testing.T) {
		require.NoError(t, store.PutTask(ctx, &blackboard.Task{TaskID: "t1", ProjectID: "p1", Status: blackboard.TaskStatusReady}))
		got, err := store.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, blackboard.TaskStatusReady, got.Status)
	})

	t.Run("list filters by project in stable order", func(t *testing.T) {
		tasks, err := store.ListTasksByProject(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, "t1", tasks[0].TaskID)
		assert.Equal(t, "t2", tasks[1].TaskID)
	})

	t.Run("get missing is not-found", func(t *testing.T) {
		_, err := store.GetTask(ctx, "nope")
		assert.ErrorIs(t, err, blackboard.ErrTaskNotFound)
	})
}

func TestMemoryApprovals(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	put := func(id string, status blackboard.ApprovalStatus, created time.Time) {
		require.NoError(t, store.PutApproval(ctx, &blackboard.ApprovalRequest{
			ApprovalID: id,
			ProjectID:  "p1",
			Stage:      "SHOT_PLANNED",
			Status:     status,
			CreatedAt:  created,
		}))
	}

	put("a1", blackboard.ApprovalStatusPending, now.Add(-2*time.Hour))
	put("a2", blackboard.ApprovalStatusApproved, now.Add(-time.Hour))
	put("a3", blackboard.ApprovalStatusPending, now)

	t.Run("pending set is oldest first", func(t *testing.T) {
		pending, err := store.ListPendingApprovals(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "a1", pending[0].ApprovalID)
		assert.Equal(t, "a3", pending[1].ApprovalID)
	})

	t.Run("project listing is newest first", func(t *testing.T) {
		all, err := store.ListApprovalsByProject(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "a3", all[0].ApprovalID)
		assert.Equal(t, "a1", all[2].ApprovalID)
	})

	t.Run("get missing is not-found", func(t *testing.T) {
		_, err := store.GetApproval(ctx, "nope")
		assert.ErrorIs(t, err, blackboard.ErrApprovalNotFound)
	})
}

func TestMemoryEvents(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e1 := event.New("p1", event.TypeSceneWritten, "script-agent", nil)
	e2 := event.New("p1", event.TypeShotPlanned, "director-agent", nil).CausedBy(e1)
	e3 := event.New("p2", event.TypeSceneWritten, "script-agent", nil)

	require.NoError(t, store.InsertEvent(ctx, e1))
	require.NoError(t, store.InsertEvent(ctx, e2))
	require.NoError(t, store.InsertEvent(ctx, e3))

	t.Run("insert rejects a reused event id", func(t *testing.T) {
		assert.ErrorIs(t, store.InsertEvent(ctx, e1), blackboard.ErrEventExists)
	})

	t.Run("get preserves causation", func(t *testing.T) {
		got, err := store.GetEvent(ctx, e2.ID)
		require.NoError(t, err)
		assert.Equal(t, e1.ID, got.CausationID)
	})

	t.Run("get missing is not-found", func(t *testing.T) {
		_, err := store.GetEvent(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, blackboard.ErrEventNotFound)
	})

	t.Run("list scopes to the project", func(t *testing.T) {
		events, err := store.ListEvents(ctx, "p1", nil, time.Time{}, time.Time{})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, e1.ID, events[0].ID)
		assert.Equal(t, e2.ID, events[1].ID)
	})

	t.Run("list narrows by type", func(t *testing.T) {
		events, err := store.ListEvents(ctx, "p1", []event.Type{event.TypeShotPlanned}, time.Time{}, time.Time{})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, e2.ID, events[0].ID)
	})

	t.Run("list narrows by window", func(t *testing.T) {
		events, err := store.ListEvents(ctx, "p1", nil, e2.Timestamp, time.Time{})
		require.NoError(t, err)
		for _, e := range events {
			assert.False(t, e.Timestamp.Before(e2.Timestamp))
		}
	})
}
