//go:build integration

package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/slate-ai/slate/pkg/blackboard"
	"github.com/slate-ai/slate/pkg/event"
)

// newTestClient connects to PostgreSQL for integration tests. CI sets
// CI_DATABASE_URL to point at a service container; local runs spin up a
// testcontainer. Migrations run inside NewClient.
func newTestClient(t *testing.T) *Client {
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("slate_test"),
			postgres.WithUsername("slate"),
			postgres.WithPassword("slate"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	client, err := NewClient(ctx, DefaultConfig(connStr))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

func TestPostgresProjects(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	store := client.Projects()

	p := &blackboard.Project{
		ProjectID:  "p1",
		GlobalSpec: blackboard.GlobalSpec{Title: "demo", DurationSeconds: 30, QualityTier: blackboard.TierBalanced},
		Status:     blackboard.ProjectStatusCreated,
		Version:    1,
		Budget:     blackboard.Budget{Total: 90, Currency: "USD"},
	}
	require.NoError(t, store.InsertProject(ctx, p))

	t.Run("duplicate insert maps the unique violation", func(t *testing.T) {
		err := store.InsertProject(ctx, p)
		assert.ErrorIs(t, err, blackboard.ErrProjectExists)
	})

	t.Run("round-trips the JSONB documents", func(t *testing.T) {
		got, err := store.GetProject(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "demo", got.GlobalSpec.Title)
		assert.Equal(t, 90.0, got.Budget.Total)
	})

	t.Run("version CAS accepts the expected version once", func(t *testing.T) {
		got, err := store.GetProject(ctx, "p1")
		require.NoError(t, err)

		got.Version = 2
		got.Status = blackboard.ProjectStatusActive
		require.NoError(t, store.UpdateProject(ctx, got, 1))

		err = store.UpdateProject(ctx, got, 1)
		assert.ErrorIs(t, err, blackboard.ErrVersionConflict)
	})

	t.Run("update of a missing project is not-found", func(t *testing.T) {
		missing := &blackboard.Project{ProjectID: "nope", Version: 2, Status: blackboard.ProjectStatusCreated}
		err := store.UpdateProject(ctx, missing, 1)
		assert.ErrorIs(t, err, blackboard.ErrProjectNotFound)
	})
}

func TestPostgresEvents(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	store := client.Events()

	e1 := event.New("p1", event.TypeSceneWritten, "script-agent", map[string]any{"scene_id": "s1"})
	e2 := event.New("p1", event.TypeImageGenerated, "image-agent", nil).CausedBy(e1).WithCost(10)
	require.NoError(t, store.InsertEvent(ctx, e1))
	require.NoError(t, store.InsertEvent(ctx, e2))

	t.Run("get preserves causation and cost", func(t *testing.T) {
		got, err := store.GetEvent(ctx, e2.ID)
		require.NoError(t, err)
		assert.Equal(t, e1.ID, got.CausationID)
		assert.Equal(t, 10.0, got.CostAmount())
	})

	t.Run("list orders by timestamp and filters by type", func(t *testing.T) {
		events, err := store.ListEvents(ctx, "p1", nil, time.Time{}, time.Time{})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, e1.ID, events[0].ID)

		only, err := store.ListEvents(ctx, "p1", []event.Type{event.TypeImageGenerated}, time.Time{}, time.Time{})
		require.NoError(t, err)
		require.Len(t, only, 1)
		assert.Equal(t, e2.ID, only[0].ID)
	})
}

func TestPostgresTasksAndApprovals(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	task := &blackboard.Task{TaskID: "t1", ProjectID: "p1", AssignedTo: "image-agent", Status: blackboard.TaskStatusPending, MaxRetries: 3}
	require.NoError(t, client.Tasks().PutTask(ctx, task))

	task.Status = blackboard.TaskStatusReady
	require.NoError(t, client.Tasks().PutTask(ctx, task))

	got, err := client.Tasks().GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, blackboard.TaskStatusReady, got.Status, "put is an upsert")

	a := &blackboard.ApprovalRequest{
		ApprovalID:     "a1",
		ProjectID:      "p1",
		Stage:          "SHOT_PLANNED",
		Status:         blackboard.ApprovalStatusPending,
		CreatedAt:      time.Now().UTC(),
		TimeoutMinutes: 60,
	}
	require.NoError(t, client.Approvals().PutApproval(ctx, a))

	pending, err := client.Approvals().ListPendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	a.Status = blackboard.ApprovalStatusApproved
	require.NoError(t, client.Approvals().PutApproval(ctx, a))

	pending, err = client.Approvals().ListPendingApprovals(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
