// Package bus is the delivery layer between agents: publish persists an
// event to the authoritative events table and the per-type Redis stream
// topic, and one consumer loop per subscribed type dispatches messages to the
// registered handlers with acknowledgement after dispatch.
//
// Delivery is at-least-once. A handler crash before ack leaves the message
// pending for a replacement consumer, so handlers must be idempotent on
// event_id.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slate-ai/slate/pkg/blackboard"
	"github.com/slate-ai/slate/pkg/event"
	"github.com/slate-ai/slate/pkg/eventlog"
)

const (
	// readBlock is how long one consumer-loop read blocks before re-polling,
	// which is also the upper bound on shutdown latency per loop.
	readBlock = time.Second

	// readBatch is the number of messages fetched per consumer-loop read.
	readBatch = 16

	// staleClaimAge is the pending age after which a message from a crashed
	// consumer is claimed by this one.
	staleClaimAge = 30 * time.Second
)

// Handler processes one delivered event. Returning an error leaves the
// message unacknowledged for redelivery.
type Handler func(ctx context.Context, e *event.Event) error

// Bus routes events between publishers and subscribed handlers.
type Bus struct {
	log      *eventlog.Log
	events   blackboard.EventStore
	group    string
	consumer string
	chain    *causationIndex

	mu          sync.Mutex
	subscribers map[event.Type][]Handler
	running     bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithConsumerGroup overrides the consumer group name.
func WithConsumerGroup(group string) Option {
	return func(b *Bus) { b.group = group }
}

// WithCausationCapacity overrides the causation index capacity.
func WithCausationCapacity(capacity int) Option {
	return func(b *Bus) { b.chain = newCausationIndex(capacity) }
}

// New creates a bus over the event log and the authoritative event store.
func New(l *eventlog.Log, events blackboard.EventStore, opts ...Option) *Bus {
	b := &Bus{
		log:         l,
		events:      events,
		group:       event.DefaultConsumerGroup,
		consumer:    "bus-" + uuid.New().String()[:8],
		chain:       newCausationIndex(DefaultCausationCapacity),
		subscribers: make(map[event.Type][]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish validates and persists an event, then appends it to its topic.
// Publishing the same event ID twice is a silent no-op: the first write wins
// and nothing is re-delivered.
func (b *Bus) Publish(ctx context.Context, e *event.Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("refusing to publish invalid event: %w", err)
	}

	// The events table is the source of record; insert before the stream so
	// a replay never misses an event that a consumer saw.
	if err := b.events.InsertEvent(ctx, e); err != nil {
		if errors.Is(err, blackboard.ErrEventExists) {
			b.logEvent("duplicate_publish", map[string]interface{}{
				"event_id":   e.ID,
				"event_type": string(e.Type),
			})
			return nil
		}
		return fmt.Errorf("failed to persist event %s: %w", e.ID, err)
	}

	if _, err := b.log.Append(ctx, e); err != nil {
		return err
	}

	b.chain.Record(e)

	b.logEvent("published", map[string]interface{}{
		"event_id":   e.ID,
		"event_type": string(e.Type),
		"project_id": e.ProjectID,
		"actor":      e.Actor,
	})

	return nil
}

// Subscribe registers a handler for a set of event types. Must be called
// before Run; the consumer loops are laid out from the subscription table at
// startup.
func (b *Bus) Subscribe(handler Handler, types ...event.Type) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("cannot subscribe after the bus has started")
	}

	for _, t := range types {
		if err := t.Validate(); err != nil {
			return err
		}
		b.subscribers[t] = append(b.subscribers[t], handler)
	}
	return nil
}

// Run starts one consumer loop per subscribed event type and blocks until
// the context is cancelled. In-flight handlers finish before Run returns.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("bus already running")
	}
	b.running = true
	types := make([]event.Type, 0, len(b.subscribers))
	for t := range b.subscribers {
		types = append(types, t)
	}
	b.mu.Unlock()

	for _, t := range types {
		if err := b.log.EnsureGroup(ctx, t, b.group); err != nil {
			return err
		}
	}

	log.Printf("[Bus] Starting consumer %s for %d topics", b.consumer, len(types))

	var wg sync.WaitGroup
	for _, t := range types {
		wg.Add(1)
		go func(t event.Type) {
			defer wg.Done()
			b.consumeLoop(ctx, t)
		}(t)
	}

	<-ctx.Done()
	wg.Wait()
	log.Printf("[Bus] Consumer %s drained", b.consumer)
	return nil
}

// consumeLoop reads, dispatches and acknowledges messages for one topic
// until the context is cancelled. Unacked messages from crashed consumers
// are claimed once per empty read.
func (b *Bus) consumeLoop(ctx context.Context, t event.Type) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := b.log.ReadGroup(ctx, t, b.group, b.consumer, readBatch, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Bus] Read error on %s: %v", t, err)
			time.Sleep(readBlock)
			continue
		}

		if len(msgs) == 0 {
			// Idle: pick up anything a crashed consumer left pending.
			claimed, err := b.log.ClaimStale(ctx, t, b.group, b.consumer, staleClaimAge, readBatch)
			if err != nil && ctx.Err() == nil {
				log.Printf("[Bus] Claim error on %s: %v", t, err)
			}
			msgs = claimed
		}

		for _, msg := range msgs {
			b.dispatch(ctx, t, msg)
		}
	}
}

// dispatch runs every handler for the topic and acks only when all of them
// succeed, so a failed handler sees the message again.
func (b *Bus) dispatch(ctx context.Context, t event.Type, msg eventlog.Message) {
	b.chain.Record(msg.Event)

	b.mu.Lock()
	handlers := b.subscribers[t]
	b.mu.Unlock()

	for _, handler := range handlers {
		if err := handler(ctx, msg.Event); err != nil {
			log.Printf("[Bus] Handler error for %s event %s: %v", t, msg.Event.ID, err)
			return
		}
	}

	if err := b.log.Ack(ctx, t, b.group, msg.ID); err != nil {
		log.Printf("[Bus] Ack error for %s message %s: %v", t, msg.ID, err)
	}
}

// CausalChain walks causation pointers from an event back to its root,
// returning the chain root-first. Entries evicted from the in-memory index
// are fetched from the event store; a broken link ends the walk.
func (b *Bus) CausalChain(ctx context.Context, eventID string) ([]*event.Event, error) {
	var chain []*event.Event
	seen := make(map[string]bool)

	for id := eventID; id != ""; {
		if seen[id] {
			return nil, fmt.Errorf("causation cycle at event %s", id)
		}
		seen[id] = true

		e := b.chain.Get(id)
		if e == nil {
			var err error
			e, err = b.events.GetEvent(ctx, id)
			if blackboard.IsNotFound(err) {
				break
			}
			if err != nil {
				return nil, err
			}
		}

		chain = append(chain, e)
		id = e.CausationID
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: %s", blackboard.ErrEventNotFound, eventID)
	}

	// Walked child-to-parent; return root-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Replay scans the requested topics and returns the project's events in
// timestamp order. An empty type set selects the whole vocabulary. Replay
// reads the streams, never the live subscription path, so it cannot
// re-trigger handlers.
func (b *Bus) Replay(ctx context.Context, projectID string, types []event.Type, since, until time.Time) ([]*event.Event, error) {
	if len(types) == 0 {
		types = event.AllTypes()
	}

	var events []*event.Event
	for _, t := range types {
		msgs, err := b.log.Range(ctx, t, "", "")
		if err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			e := msg.Event
			if e.ProjectID != projectID {
				continue
			}
			if !since.IsZero() && e.Timestamp.Before(since) {
				continue
			}
			if !until.IsZero() && e.Timestamp.After(until) {
				continue
			}
			events = append(events, e)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// logEvent logs a structured bus event in JSON format.
func (b *Bus) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "bus"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Bus] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
