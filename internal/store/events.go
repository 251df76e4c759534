package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Call lifecycle event names appended to the per-provider stream.
const (
	EventCallStarted     = "call_started"
	EventCallAuth        = "call_authenticated"
	EventAuthFailed      = "authentication_failed"
	EventShiftOpened     = "shift_opened"
	EventStaffNotified   = "staff_notified"
	EventCallTransferred = "call_transferred"
	EventCallEnded       = "call_ended"
	EventShiftAccepted   = "shift_accepted"
	EventShiftUnfilled   = "shift_unfilled"
)

// eventStreamTTL keeps roughly one day of history per (provider, day) key.
// 25 hours gives downstream consumers a grace window past midnight.
const eventStreamTTL = 25 * time.Hour

// EventStream appends call lifecycle events to append-only per-provider
// Redis streams keyed call-events:<providerId>:<yyyy-mm-dd>. Stream entry
// ids are assigned by Redis and are strictly increasing per key.
type EventStream struct {
	rdb    *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewEventStream creates an event stream writer.
func NewEventStream(rdb *redis.Client, logger *slog.Logger) *EventStream {
	return &EventStream{
		rdb:    rdb,
		logger: logger.With("subsystem", "event-stream"),
		now:    time.Now,
	}
}

// StreamKey builds the stream key for a provider and day.
func StreamKey(providerID, day string) string {
	return "call-events:" + providerID + ":" + day
}

// Emit appends one event. Emission is best-effort: failures are logged and
// swallowed so no call path ever depends on the stream being writable.
// An empty providerID files the event under the "unrouted" stream.
func (e *EventStream) Emit(ctx context.Context, providerID, event string, fields map[string]string) {
	if providerID == "" {
		providerID = "unrouted"
	}
	key := StreamKey(providerID, e.now().UTC().Format("2006-01-02"))

	values := make(map[string]any, len(fields)+1)
	values["event"] = event
	for k, v := range fields {
		values[k] = v
	}

	pipe := e.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: values})
	pipe.Expire(ctx, key, eventStreamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		e.logger.Error("event append failed", "key", key, "event", event, "error", err)
		return
	}
	e.logger.Debug("event appended", "key", key, "event", event)
}

// Entry is one decoded event stream entry.
type Entry struct {
	ID     string
	Event  string
	Fields map[string]string
}

// Range reads all entries of a provider's stream for a day, in id order.
// Serves the replay-event-stream diagnostic.
func (e *EventStream) Range(ctx context.Context, providerID, day string) ([]Entry, error) {
	key := StreamKey(providerID, day)
	msgs, err := e.rdb.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("store: xrange %s: %w", key, err)
	}

	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entry := Entry{ID: m.ID, Fields: make(map[string]string, len(m.Values))}
		for k, v := range m.Values {
			s, _ := v.(string)
			if k == "event" {
				entry.Event = s
				continue
			}
			entry.Fields[k] = s
		}
		out = append(out, entry)
	}
	return out, nil
}

// Count returns the number of entries in a provider's stream for a day.
func (e *EventStream) Count(ctx context.Context, providerID, day string) (int64, error) {
	n, err := e.rdb.XLen(ctx, StreamKey(providerID, day)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: xlen: %w", err)
	}
	return n, nil
}
