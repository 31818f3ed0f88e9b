package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slate-ai/slate/internal/database"
	"github.com/slate-ai/slate/pkg/event"
	"github.com/slate-ai/slate/pkg/eventlog"
)

func setupBus(t *testing.T, opts ...Option) (*Bus, *eventlog.Log, *database.MemoryStore) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	l := eventlog.NewLog(rdb, "")
	store := database.NewMemoryStore()
	return New(l, store, opts...), l, store
}

func TestPublish(t *testing.T) {
	b, l, store := setupBus(t)
	ctx := context.Background()

	e := event.New("p1", event.TypeSceneWritten, "script-agent", map[string]any{"scene_id": "s1"})
	require.NoError(t, b.Publish(ctx, e))

	t.Run("persists to the authoritative store", func(t *testing.T) {
		got, err := store.GetEvent(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, event.TypeSceneWritten, got.Type)
	})

	t.Run("appends to the topic", func(t *testing.T) {
		msgs, err := l.Range(ctx, event.TypeSceneWritten, "", "")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, e.ID, msgs[0].Event.ID)
	})

	t.Run("duplicate publish delivers nothing new", func(t *testing.T) {
		require.NoError(t, b.Publish(ctx, e))

		msgs, err := l.Range(ctx, event.TypeSceneWritten, "", "")
		require.NoError(t, err)
		assert.Len(t, msgs, 1, "the first write wins")
	})

	t.Run("rejects an invalid event", func(t *testing.T) {
		bad := event.New("p1", event.Type("BOGUS"), "script-agent", nil)
		assert.Error(t, b.Publish(ctx, bad))

		missing := event.New("", event.TypeSceneWritten, "script-agent", nil)
		assert.Error(t, b.Publish(ctx, missing))
	})
}

func TestRunDispatch(t *testing.T) {
	b, _, _ := setupBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []string
	require.NoError(t, b.Subscribe(func(_ context.Context, e *event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e.ID)
		return nil
	}, event.TypeSceneWritten))

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	e1 := event.New("p1", event.TypeSceneWritten, "script-agent", nil)
	e2 := event.New("p1", event.TypeShotPlanned, "director-agent", nil) // not subscribed
	require.NoError(t, b.Publish(ctx, e1))
	require.NoError(t, b.Publish(ctx, e2))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0] == e1.ID
	}, 5*time.Second, 10*time.Millisecond, "subscribed handler should see its event exactly once")

	t.Run("shutdown drains the loops", func(t *testing.T) {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancellation")
		}
	})

	t.Run("subscribing after start fails", func(t *testing.T) {
		err := b.Subscribe(func(context.Context, *event.Event) error { return nil }, event.TypeQAReport)
		assert.Error(t, err)
	})
}

func TestSubscribeValidation(t *testing.T) {
	b, _, _ := setupBus(t)
	err := b.Subscribe(func(context.Context, *event.Event) error { return nil }, event.Type("BOGUS"))
	assert.Error(t, err)
}

func TestCausalChain(t *testing.T) {
	b, _, _ := setupBus(t)
	ctx := context.Background()

	root := event.New("p1", event.TypeSceneWritten, "script-agent", nil)
	mid := event.New("p1", event.TypeShotPlanned, "director-agent", nil).CausedBy(root)
	leaf := event.New("p1", event.TypeImageGenerated, "image-agent", nil).CausedBy(mid)
	for _, e := range []*event.Event{root, mid, leaf} {
		require.NoError(t, b.Publish(ctx, e))
	}

	t.Run("walks from leaf to root, returned root-first", func(t *testing.T) {
		chain, err := b.CausalChain(ctx, leaf.ID)
		require.NoError(t, err)
		require.Len(t, chain, 3)
		assert.Equal(t, root.ID, chain[0].ID)
		assert.Equal(t, mid.ID, chain[1].ID)
		assert.Equal(t, leaf.ID, chain[2].ID)
	})

	t.Run("falls back to the event store past index eviction", func(t *testing.T) {
		small, _, smallStore := setupBus(t, WithCausationCapacity(1))
		a := event.New("p1", event.TypeSceneWritten, "script-agent", nil)
		bEv := event.New("p1", event.TypeShotPlanned, "director-agent", nil).CausedBy(a)
		require.NoError(t, small.Publish(ctx, a))
		require.NoError(t, small.Publish(ctx, bEv)) // evicts a from the index

		_, err := smallStore.GetEvent(ctx, a.ID)
		require.NoError(t, err)

		chain, err := small.CausalChain(ctx, bEv.ID)
		require.NoError(t, err)
		require.Len(t, chain, 2)
		assert.Equal(t, a.ID, chain[0].ID)
	})

	t.Run("unknown event is not-found", func(t *testing.T) {
		_, err := b.CausalChain(ctx, "00000000-0000-0000-0000-000000000000")
		assert.Error(t, err)
	})
}

func TestReplay(t *testing.T) {
	b, _, _ := setupBus(t)
	ctx := context.Background()

	e1 := event.New("p1", event.TypeSceneWritten, "script-agent", nil)
	e2 := event.New("p1", event.TypeImageGenerated, "image-agent", nil).WithCost(10)
	e3 := event.New("p2", event.TypeSceneWritten, "script-agent", nil)
	for _, e := range []*event.Event{e1, e2, e3} {
		require.NoError(t, b.Publish(ctx, e))
	}

	t.Run("scopes to the project and sorts by time", func(t *testing.T) {
		events, err := b.Replay(ctx, "p1", nil, time.Time{}, time.Time{})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, e1.ID, events[0].ID)
		assert.Equal(t, e2.ID, events[1].ID)
	})

	t.Run("narrows by type", func(t *testing.T) {
		events, err := b.Replay(ctx, "p1", []event.Type{event.TypeImageGenerated}, time.Time{}, time.Time{})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, e2.ID, events[0].ID)
		assert.Equal(t, 10.0, events[0].CostAmount())
	})

	t.Run("narrows by window", func(t *testing.T) {
		events, err := b.Replay(ctx, "p1", nil, e2.Timestamp, time.Time{})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, e2.ID, events[0].ID)
	})
}

func TestCausationIndex(t *testing.T) {
	idx := newCausationIndex(3)

	events := make([]*event.Event, 5)
	for i := range events {
		events[i] = event.New("p1", event.TypeSceneWritten, "script-agent", nil)
		idx.Record(events[i])
	}

	assert.Equal(t, 3, idx.Len(), "index never grows past capacity")
	assert.Nil(t, idx.Get(events[0].ID), "oldest entries are evicted first")
	assert.Nil(t, idx.Get(events[1].ID))
	assert.NotNil(t, idx.Get(events[4].ID))

	t.Run("re-recording is a no-op", func(t *testing.T) {
		idx.Record(events[4])
		assert.Equal(t, 3, idx.Len())
	})
}
