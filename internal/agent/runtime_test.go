package agent

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
	"github.com/slate-ai/slate/pkg/event"
)

type capture struct {
	mu     sync.Mutex
	events []*event.Event
}

func (c *capture) Publish(_ context.Context, e *event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capture) byType(t event.Type) []*event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*event.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingEscalator struct {
	mu      sync.Mutex
	calls   []map[string]any
	project string
}

func (r *recordingEscalator) Escalate(_ context.Context, projectID string, _ *event.Event, details map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.project = projectID
	r.calls = append(r.calls, details)
	return "approval-1", nil
}

// scriptedAgent returns the scripted errors in order, then nil forever.
type scriptedAgent struct {
	mu      sync.Mutex
	script  []error
	handled []*event.Event
}

func (s *scriptedAgent) Name() string                   { return "scripted-agent" }
func (s *scriptedAgent) SubscribedEvents() []event.Type { return []event.Type{event.TypeSceneWritten} }
func (s *scriptedAgent) HandleEvent(_ context.Context, e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handled = append(s.handled, e)
	if len(s.script) == 0 {
		return nil
	}
	err := s.script[0]
	s.script = s.script[1:]
	return err
}

func (s *scriptedAgent) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handled)
}

func setup(t *testing.T, tier blackboard.QualityTier) (*Runtime, *blackboard.Blackboard, *capture, *recordingEscalator) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := database.NewMemoryStore()
	bb, err := blackboard.New(store, store, store, blackboard.NewCache(rdb, 0), "test")
	require.NoError(t, err)

	_, err = bb.CreateProject(context.Background(), "p1",
		blackboard.GlobalSpec{Title: "demo", DurationSeconds: 30, QualityTier: tier},
		blackboard.Budget{Total: 90, Currency: "USD"})
	require.NoError(t, err)

	pub := &capture{}
	esc := &recordingEscalator{}
	rt := NewRuntime(bb, pub, esc, Config{RetryInitialDelay: time.Millisecond, RetryMaxAttempts: 3})
	return rt, bb, pub, esc
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil is fatal by convention", nil, KindFatal},
		{"budget sentinel", ErrBudgetExhausted, KindBudget},
		{"wrapped budget sentinel", errors.Join(errors.New("llm call refused"), ErrBudgetExhausted), KindBudget},
		{"not found", blackboard.ErrProjectNotFound, KindNotFound},
		{"version conflict retries", blackboard.ErrVersionConflict, KindTransient},
		{"transient marker", Transient(errors.New("rate limited")), KindTransient},
		{"deadline retries", context.DeadlineExceeded, KindTransient},
		{"plain error is fatal", errors.New("boom"), KindFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}

	t.Run("Transient preserves the cause", func(t *testing.T) {
		cause := errors.New("connection reset")
		wrapped := Transient(cause)
		assert.ErrorIs(t, wrapped, cause)
		assert.Equal(t, "connection reset", wrapped.Error())
		assert.Nil(t, Transient(nil))
	})
}

func TestRetryRecovery(t *testing.T) {
	ctx := context.Background()
	e := event.New("p1", event.TypeSceneWritten, "control", nil)

	t.Run("transient errors retry until success", func(t *testing.T) {
		rt, _, pub, esc := setup(t, blackboard.TierBalanced)
		a := &scriptedAgent{script: []error{
			Transient(errors.New("timeout")),
			Transient(errors.New("timeout")),
		}}

		require.NoError(t, rt.Wrap(a)(ctx, e))
		assert.Equal(t, 3, a.attempts())
		assert.Empty(t, pub.events, "recovered without escalation")
		assert.Empty(t, esc.calls)
	})

	t.Run("attempts are capped", func(t *testing.T) {
		rt, _, pub, esc := setup(t, blackboard.TierBalanced)
		a := &scriptedAgent{script: []error{
			Transient(errors.New("timeout")),
			Transient(errors.New("timeout")),
			Transient(errors.New("timeout")),
			Transient(errors.New("timeout")),
		}}

		require.NoError(t, rt.Wrap(a)(ctx, e))
		assert.Equal(t, 3, a.attempts())
		require.Len(t, esc.calls, 1, "exhausted retries escalate")
		assert.Equal(t, 3, esc.calls[0]["retry_count"])
		require.Len(t, pub.byType(event.TypeErrorOccurred), 1)
	})

	t.Run("fatal errors never retry", func(t *testing.T) {
		rt, _, _, esc := setup(t, blackboard.TierBalanced)
		a := &scriptedAgent{script: []error{errors.New("corrupt payload")}}

		require.NoError(t, rt.Wrap(a)(ctx, e))
		assert.Equal(t, 1, a.attempts())
		require.Len(t, esc.calls, 1)
		assert.Equal(t, "fatal", esc.calls[0]["error_type"])
	})

	t.Run("delays double: d, 2d, 4d", func(t *testing.T) {
		rt := NewRuntime(nil, nil, nil, Config{RetryInitialDelay: 100 * time.Millisecond, RetryMaxAttempts: 3})
		policy := rt.retryPolicy()

		assert.Equal(t, 100*time.Millisecond, policy.NextBackOff())
		assert.Equal(t, 200*time.Millisecond, policy.NextBackOff())
		assert.Equal(t, 400*time.Millisecond, policy.NextBackOff())
	})
}

func TestBudgetFallback(t *testing.T) {
	ctx := context.Background()
	e := event.New("p1", event.TypeSceneWritten, "control", nil)

	t.Run("budget errors downgrade the tier instead of escalating", func(t *testing.T) {
		rt, bb, pub, esc := setup(t, blackboard.TierHigh)
		a := &scriptedAgent{script: []error{ErrBudgetExhausted}}

		require.NoError(t, rt.Wrap(a)(ctx, e))
		assert.Equal(t, 1, a.attempts(), "budget errors are not retried")
		assert.Empty(t, esc.calls)

		p, err := bb.GetProject(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, blackboard.TierBalanced, p.GlobalSpec.QualityTier)

		updates := pub.byType(event.TypeStrategyUpdate)
		require.Len(t, updates, 1)
		assert.Equal(t, "high", updates[0].PayloadString("old_tier"))
		assert.Equal(t, "balanced", updates[0].PayloadString("new_tier"))
		assert.Equal(t, "budget_fallback", updates[0].PayloadString("reason"))
		assert.Equal(t, e.ID, updates[0].CausationID)
	})

	t.Run("at the bottom tier the budget error escalates", func(t *testing.T) {
		rt, bb, pub, esc := setup(t, blackboard.TierFast)
		a := &scriptedAgent{script: []error{ErrBudgetExhausted}}

		require.NoError(t, rt.Wrap(a)(ctx, e))

		p, err := bb.GetProject(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, blackboard.TierFast, p.GlobalSpec.QualityTier)
		assert.Empty(t, pub.byType(event.TypeStrategyUpdate))

		require.Len(t, esc.calls, 1)
		assert.Equal(t, "budget", esc.calls[0]["error_type"])
	})
}

func TestEscalation(t *testing.T) {
	ctx := context.Background()
	rt, _, pub, esc := setup(t, blackboard.TierBalanced)

	cause := event.New("p1", event.TypeSceneWritten, "control", nil)
	a := &scriptedAgent{script: []error{errors.New("model refused")}}

	require.NoError(t, rt.Wrap(a)(ctx, cause))

	require.Len(t, esc.calls, 1)
	assert.Equal(t, "p1", esc.project)
	assert.Equal(t, "scripted-agent", esc.calls[0]["agent"])
	assert.Equal(t, "model refused", esc.calls[0]["message"])
	assert.Equal(t, cause.ID, esc.calls[0]["event_id"])

	occurred := pub.byType(event.TypeErrorOccurred)
	require.Len(t, occurred, 1)
	assert.Equal(t, cause.ID, occurred[0].CausationID)
	assert.Equal(t, "scripted-agent", occurred[0].PayloadString("agent"))

	t.Run("not-found errors drop without escalation", func(t *testing.T) {
		rt2, _, pub2, esc2 := setup(t, blackboard.TierBalanced)
		a2 := &scriptedAgent{script: []error{blackboard.ErrProjectNotFound}}

		require.NoError(t, rt2.Wrap(a2)(ctx, cause))
		assert.Empty(t, esc2.calls)
		assert.Empty(t, pub2.events)
	})
}

type taskAgent struct {
	scriptedAgent
	tasks []*blackboard.Task
}

func (a *taskAgent) Name() string { return "video-agent" }
func (a *taskAgent) ExecuteTask(_ context.Context, task *blackboard.Task) error {
	a.tasks = append(a.tasks, task)
	return nil
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	rt, _, _, _ := setup(t, blackboard.TierBalanced)

	executor := &taskAgent{}
	rt.Register(executor)

	t.Run("routes to the assigned agent", func(t *testing.T) {
		task := &blackboard.Task{TaskID: "t1", ProjectID: "p1", AssignedTo: "video-agent"}
		require.NoError(t, rt.Dispatch(ctx, task))
		require.Len(t, executor.tasks, 1)
		assert.Equal(t, "t1", executor.tasks[0].TaskID)
	})

	t.Run("unknown assignee fails", func(t *testing.T) {
		err := rt.Dispatch(ctx, &blackboard.Task{TaskID: "t2", ProjectID: "p1", AssignedTo: "ghost-agent"})
		assert.ErrorContains(t, err, "no agent registered")
	})

	t.Run("event-only agents cannot take tasks", func(t *testing.T) {
		rt.Register(&scriptedAgent{})
		err := rt.Dispatch(ctx, &blackboard.Task{TaskID: "t3", ProjectID: "p1", AssignedTo: "scripted-agent"})
		assert.ErrorContains(t, err, "does not execute tasks")
	})
}

// Handlers must tolerate the same event arriving twice under at-least-once
// delivery. The wrapper changes nothing about that: two deliveries of one
// event produce two handler calls and no duplicate recovery actions on the
// success path.
func TestRedelivery(t *testing.T) {
	ctx := context.Background()
	rt, _, pub, esc := setup(t, blackboard.TierBalanced)
	a := &scriptedAgent{}

	e := event.New("p1", event.TypeSceneWritten, "control", nil)
	require.NoError(t, rt.Wrap(a)(ctx, e))
	require.NoError(t, rt.Wrap(a)(ctx, e))

	assert.Equal(t, 2, a.attempts())
	assert.Empty(t, pub.events)
	assert.Empty(t, esc.calls)
}
