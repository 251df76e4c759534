package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventStreamEmitAndRange(t *testing.T) {
	rdb := testRedis(t)
	es := NewEventStream(rdb, testLogger())
	es.now = func() time.Time { return time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	es.Emit(ctx, "prv1", EventCallStarted, map[string]string{"call_id": "CA1"})
	es.Emit(ctx, "prv1", EventShiftOpened, map[string]string{"call_id": "CA1", "shift_id": "shf1"})

	entries, err := es.Range(ctx, "prv1", "2026-08-26")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Event != EventCallStarted || entries[1].Event != EventShiftOpened {
		t.Fatalf("event order = %s, %s", entries[0].Event, entries[1].Event)
	}
	if entries[1].Fields["shift_id"] != "shf1" {
		t.Fatalf("fields = %v", entries[1].Fields)
	}
	if entries[0].ID >= entries[1].ID {
		t.Fatalf("ids not increasing: %s >= %s", entries[0].ID, entries[1].ID)
	}
}

func TestEventStreamUnroutedFallback(t *testing.T) {
	rdb := testRedis(t)
	es := NewEventStream(rdb, testLogger())
	es.now = func() time.Time { return time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	es.Emit(ctx, "", EventAuthFailed, map[string]string{"call_id": "CA2"})

	n, err := es.Count(ctx, "unrouted", "2026-08-26")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestEventStreamDayPartitioning(t *testing.T) {
	rdb := testRedis(t)
	es := NewEventStream(rdb, testLogger())
	ctx := context.Background()

	day1 := time.Date(2026, 8, 25, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 26, 0, 1, 0, 0, time.UTC)

	es.now = func() time.Time { return day1 }
	es.Emit(ctx, "prv1", EventCallStarted, nil)
	es.now = func() time.Time { return day2 }
	es.Emit(ctx, "prv1", EventCallEnded, nil)

	for day, want := range map[string]int64{"2026-08-25": 1, "2026-08-26": 1} {
		n, err := es.Count(ctx, "prv1", day)
		if err != nil {
			t.Fatalf("count %s: %v", day, err)
		}
		if n != want {
			t.Fatalf("count %s = %d, want %d", day, n, want)
		}
	}
}

func TestStreamKey(t *testing.T) {
	got := StreamKey("prv9", "2026-01-02")
	if got != "call-events:prv9:2026-01-02" {
		t.Fatalf("key = %s", got)
	}
}
