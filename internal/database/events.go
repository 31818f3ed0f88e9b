package database

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/slate-ai/slate/pkg/blackboard"
	"github.com/slate-ai/slate/pkg/event"
)

// EventStore implements blackboard.EventStore over the append-only events
// table. Rows are never updated or deleted.
type EventStore struct {
	db *stdsql.DB
}

// InsertEvent appends one event record.
func (s *EventStore) InsertEvent(ctx context.Context, e *event.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for event %s: %w", e.ID, err)
	}

	var metadata []byte
	if e.Metadata != nil {
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata for event %s: %w", e.ID, err)
		}
	}

	var causation any
	if e.CausationID != "" {
		causation = e.CausationID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, project_id, event_type, actor, causation_id,
			timestamp, payload, blackboard_pointer, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ProjectID, string(e.Type), e.Actor, causation,
		e.Timestamp, payload, e.BlackboardPointer, metadata)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", blackboard.ErrEventExists, e.ID)
		}
		return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
	}

	return nil
}

// GetEvent returns the stored record for an event ID.
func (s *EventStore) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, project_id, event_type, actor, causation_id,
			timestamp, payload, blackboard_pointer, metadata
		FROM events WHERE event_id = $1`, eventID)

	e, err := scanEvent(row.Scan)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", blackboard.ErrEventNotFound, eventID)
	}
	return e, err
}

// ListEvents returns events of a project filtered by type set and time
// window, ordered by timestamp ascending.
func (s *EventStore) ListEvents(ctx context.Context, projectID string, types []event.Type, since, until time.Time) ([]*event.Event, error) {
	query := `
		SELECT event_id, project_id, event_type, actor, causation_id,
			timestamp, payload, blackboard_pointer, metadata
		FROM events WHERE project_id = $1`
	args := []any{projectID}

	if len(types) > 0 {
		typeStrs, err := json.Marshal(typeNames(types))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal type filter: %w", err)
		}
		args = append(args, string(typeStrs))
		query += fmt.Sprintf(" AND event_type IN (SELECT jsonb_array_elements_text($%d::jsonb))", len(args))
	}
	if !since.IsZero() {
		args = append(args, since)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if !until.IsZero() {
		args = append(args, until)
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}

	query += " ORDER BY timestamp ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return events, nil
}

func typeNames(types []event.Type) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}

func scanEvent(scan func(dest ...any) error) (*event.Event, error) {
	var (
		e                  event.Event
		eventType          string
		causation, pointer stdsql.NullString
		payload, metadata  []byte
	)

	if err := scan(&e.ID, &e.ProjectID, &eventType, &e.Actor, &causation,
		&e.Timestamp, &payload, &pointer, &metadata); err != nil {
		return nil, err
	}

	e.Type = event.Type(eventType)
	e.CausationID = causation.String
	e.BlackboardPointer = pointer.String

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for event %s: %w", e.ID, err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata for event %s: %w", e.ID, err)
		}
	}

	return &e, nil
}
