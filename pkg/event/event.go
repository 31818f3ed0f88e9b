// Package event defines the immutable event record and the wire-level event
// vocabulary shared by every Slate component. Events are the only way
// components communicate: agents publish them, the bus persists them, and the
// event log redelivers them. Once published an event is never rewritten.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable record describing something that happened.
// Payload is carried as arbitrary JSON so that older consumers do not break
// on newer producers; unknown fields pass through unmodified.
type Event struct {
	ID                string         `json:"event_id"`                     // UUID - unique across the system
	ProjectID         string         `json:"project_id"`                   // Project this event belongs to
	Type              Type           `json:"event_type"`                   // Wire-level event type
	Actor             string         `json:"actor"`                        // Agent or system name that produced it
	Timestamp         time.Time      `json:"timestamp"`                    // ISO 8601 UTC
	Payload           map[string]any `json:"payload,omitempty"`            // Arbitrary JSON payload
	Metadata          *Metadata      `json:"metadata,omitempty"`           // Optional cost / latency / model
	CausationID       string         `json:"causation_id,omitempty"`       // Parent event ID, optional
	BlackboardPointer string         `json:"blackboard_pointer,omitempty"` // Optional blackboard path
}

// Metadata carries optional operational annotations on an event.
type Metadata struct {
	Cost      *Cost  `json:"cost,omitempty"`       // Cost incurred by the work this event reports
	LatencyMs int64  `json:"latency_ms,omitempty"` // Wall-clock latency of the producing operation
	Model     string `json:"model,omitempty"`      // Generative model that produced the artifact
}

// Cost is a monetary amount with its currency.
type Cost struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// New creates an event with a fresh UUID and a UTC timestamp.
// The payload map is used as-is; callers must not mutate it after publishing.
func New(projectID string, eventType Type, actor string, payload map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Type:      eventType,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// CausedBy sets the causation pointer and returns the event for chaining.
func (e *Event) CausedBy(parent *Event) *Event {
	if parent != nil {
		e.CausationID = parent.ID
	}
	return e
}

// WithCost attaches a cost annotation in USD and returns the event for chaining.
func (e *Event) WithCost(amount float64) *Event {
	if e.Metadata == nil {
		e.Metadata = &Metadata{}
	}
	e.Metadata.Cost = &Cost{Amount: amount, Currency: "USD"}
	return e
}

// CostAmount returns the cost carried in the event metadata, or 0 if none.
func (e *Event) CostAmount() float64 {
	if e.Metadata == nil || e.Metadata.Cost == nil {
		return 0
	}
	return e.Metadata.Cost.Amount
}

// Validate checks the event has the fields every published event must carry.
// Payload schema checks happen at the edges; the core only enforces the
// envelope.
func (e *Event) Validate() error {
	if _, err := uuid.Parse(e.ID); err != nil {
		return fmt.Errorf("invalid event ID: not a valid UUID")
	}

	if e.ProjectID == "" {
		return fmt.Errorf("project ID cannot be empty")
	}

	if err := e.Type.Validate(); err != nil {
		return fmt.Errorf("invalid event type: %w", err)
	}

	if e.Actor == "" {
		return fmt.Errorf("actor cannot be empty")
	}

	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp cannot be zero")
	}

	if e.CausationID != "" {
		if _, err := uuid.Parse(e.CausationID); err != nil {
			return fmt.Errorf("invalid causation ID: not a valid UUID")
		}
	}

	return nil
}

// Marshal encodes the event as JSON for log and cache storage.
func (e *Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %s: %w", e.ID, err)
	}
	return data, nil
}

// Unmarshal decodes an event from its JSON representation.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &e, nil
}

// PayloadString returns a string payload field, or "" if absent or not a string.
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// PayloadFloat returns a numeric payload field, or 0 if absent.
// JSON numbers decode as float64; ints set programmatically are converted.
func (e *Event) PayloadFloat(key string) float64 {
	if e.Payload == nil {
		return 0
	}
	switch v := e.Payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}
