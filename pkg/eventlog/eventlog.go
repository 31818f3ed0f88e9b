// Package eventlog provides the durable, ordered, per-topic append-only log
// over Redis streams. One topic exists per event type; consumer groups give
// at-least-once delivery, and range scans by server id (monotone with time)
// support replay.
//
// Order is preserved within a topic; across topics no ordering is promised.
// An unacknowledged message is redelivered to some consumer in the group, so
// handlers must be idempotent on event_id.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slate-ai/slate/pkg/event"
)

// eventField is the single stream field carrying the JSON-encoded event.
const eventField = "event"

// Message is one log entry: the server-assigned stream id plus the decoded
// event.
type Message struct {
	ID    string
	Event *event.Event
}

// Log is the append-only event log. It is thread-safe.
type Log struct {
	rdb    *redis.Client
	prefix string
}

// NewLog creates a log over an existing Redis client. An empty prefix
// selects event.DefaultStreamPrefix.
func NewLog(rdb *redis.Client, prefix string) *Log {
	if prefix == "" {
		prefix = event.DefaultStreamPrefix
	}
	return &Log{rdb: rdb, prefix: prefix}
}

// Topic returns the stream key for an event type.
func (l *Log) Topic(t event.Type) string {
	return t.Topic(l.prefix)
}

// Append persists the event under its type's topic and returns the
// server-assigned message id. Fails only on storage unavailability.
func (l *Log) Append(ctx context.Context, e *event.Event) (string, error) {
	data, err := e.Marshal()
	if err != nil {
		return "", err
	}

	id, err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: l.Topic(e.Type),
		Values: map[string]any{eventField: string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append event %s to %s: %w", e.ID, l.Topic(e.Type), err)
	}

	return id, nil
}

// EnsureGroup creates the consumer group for a topic, starting from the
// beginning of the stream so a group created late still sees earlier
// messages. Creation is idempotent: BUSYGROUP is not an error.
func (l *Log) EnsureGroup(ctx context.Context, t event.Type, group string) error {
	err := l.rdb.XGroupCreateMkStream(ctx, l.Topic(t), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on %s: %w", group, l.Topic(t), err)
	}
	return nil
}

// ReadGroup performs a blocking read of up to batch new messages for the
// consumer within the group. A timeout returns (nil, nil). Consumers within
// a group see disjoint partitions of messages.
func (l *Log) ReadGroup(ctx context.Context, t event.Type, group, consumer string, batch int64, block time.Duration) ([]Message, error) {
	streams, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{l.Topic(t), ">"},
		Count:    batch,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read group %s on %s: %w", group, l.Topic(t), err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			msg, err := decodeMessage(xmsg)
			if err != nil {
				// Malformed entry: skip it rather than wedge the loop.
				continue
			}
			messages = append(messages, msg)
		}
	}

	return messages, nil
}

// Ack marks messages as processed for the consumer group.
func (l *Log) Ack(ctx context.Context, t event.Type, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.rdb.XAck(ctx, l.Topic(t), group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack on %s: %w", l.Topic(t), err)
	}
	return nil
}

// ClaimStale transfers messages pending longer than minIdle to the given
// consumer. This is how a replacement consumer picks up messages whose
// original reader crashed before acknowledging.
func (l *Log) ClaimStale(ctx context.Context, t event.Type, group, consumer string, minIdle time.Duration, batch int64) ([]Message, error) {
	xmsgs, _, err := l.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   l.Topic(t),
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    batch,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim stale messages on %s: %w", l.Topic(t), err)
	}

	var messages []Message
	for _, xmsg := range xmsgs {
		msg, err := decodeMessage(xmsg)
		if err != nil {
			continue
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// Range scans a topic by server id. Empty bounds select the whole stream.
func (l *Log) Range(ctx context.Context, t event.Type, from, to string) ([]Message, error) {
	if from == "" {
		from = "-"
	}
	if to == "" {
		to = "+"
	}

	xmsgs, err := l.rdb.XRange(ctx, l.Topic(t), from, to).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range %s: %w", l.Topic(t), err)
	}

	var messages []Message
	for _, xmsg := range xmsgs {
		msg, err := decodeMessage(xmsg)
		if err != nil {
			continue
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

func decodeMessage(xmsg redis.XMessage) (Message, error) {
	raw, ok := xmsg.Values[eventField].(string)
	if !ok {
		return Message{}, fmt.Errorf("message %s has no event field", xmsg.ID)
	}

	e, err := event.Unmarshal([]byte(raw))
	if err != nil {
		return Message{}, fmt.Errorf("message %s: %w", xmsg.ID, err)
	}

	return Message{ID: xmsg.ID, Event: e}, nil
}
