package bus

import (
	"sync"

	"github.com/slate-ai/slate/pkg/event"
)

// DefaultCausationCapacity bounds the in-memory causation index. At capacity
// the oldest entry is evicted FIFO; chain walks past an evicted entry fall
// back to the event store.
const DefaultCausationCapacity = 10000

// causationIndex is a bounded FIFO index of recent events by ID, kept so
// CausalChain can walk parent pointers without a database round trip per hop.
type causationIndex struct {
	mu       sync.Mutex
	capacity int
	byID     map[string]*event.Event
	order    []string // insertion order, oldest first
}

func newCausationIndex(capacity int) *causationIndex {
	if capacity <= 0 {
		capacity = DefaultCausationCapacity
	}
	return &causationIndex{
		capacity: capacity,
		byID:     make(map[string]*event.Event, capacity),
	}
}

// Record indexes an event, evicting the oldest entry at capacity. Recording
// an already-indexed ID is a no-op so publish-side and consume-side indexing
// of the same event never double-counts.
func (c *causationIndex) Record(e *event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, seen := c.byID[e.ID]; seen {
		return
	}

	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.byID, oldest)
	}

	c.byID[e.ID] = e
	c.order = append(c.order, e.ID)
}

// Get returns the indexed event for an ID, or nil.
func (c *causationIndex) Get(eventID string) *event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byID[eventID]
}

// Len returns the number of indexed events.
func (c *causationIndex) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
