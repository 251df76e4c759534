package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shiftline/shiftline/internal/fsm"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestCallStoreRoundTrip(t *testing.T) {
	rdb := testRedis(t)
	cs := NewCallStore(rdb)
	ctx := context.Background()

	sess := fsm.NewSession("CA100", "+15550001111", fsm.DirectionInbound, time.Unix(5000, 0).UTC())
	sess.Phase = fsm.PhaseShiftList
	sess.Page = 2
	sess.ReleaseReason = "sick"

	if err := cs.Save(ctx, sess, time.Time{}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := cs.Load(ctx, "CA100")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Phase != fsm.PhaseShiftList || got.Page != 2 || got.ReleaseReason != "sick" {
		t.Fatalf("loaded session = %+v", got)
	}
	if !got.UpdatedAt.Equal(sess.UpdatedAt) {
		t.Fatalf("UpdatedAt = %v, want %v", got.UpdatedAt, sess.UpdatedAt)
	}
}

func TestCallStoreLoadMissing(t *testing.T) {
	cs := NewCallStore(testRedis(t))

	_, err := cs.Load(context.Background(), "CA-nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCallStoreSaveConflict(t *testing.T) {
	rdb := testRedis(t)
	cs := NewCallStore(rdb)
	ctx := context.Background()

	sess := fsm.NewSession("CA200", "+15550001111", fsm.DirectionInbound, time.Unix(5000, 0).UTC())
	if err := cs.Save(ctx, sess, time.Time{}); err != nil {
		t.Fatalf("initial save: %v", err)
	}
	loadedAt := sess.UpdatedAt

	// A second writer stores a newer snapshot.
	sess.UpdatedAt = loadedAt.Add(time.Second)
	if err := cs.Save(ctx, sess, loadedAt); err != nil {
		t.Fatalf("second save: %v", err)
	}

	// The first writer tries to save against the stale UpdatedAt.
	sess.Phase = fsm.PhaseDone
	if err := cs.Save(ctx, sess, loadedAt); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestCallStoreSaveMatchingCAS(t *testing.T) {
	rdb := testRedis(t)
	cs := NewCallStore(rdb)
	ctx := context.Background()

	sess := fsm.NewSession("CA300", "+15550001111", fsm.DirectionInbound, time.Unix(5000, 0).UTC())
	if err := cs.Save(ctx, sess, time.Time{}); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	loadedAt := sess.UpdatedAt
	sess.Phase = fsm.PhaseShiftOptions
	sess.UpdatedAt = loadedAt.Add(time.Millisecond)
	if err := cs.Save(ctx, sess, loadedAt); err != nil {
		t.Fatalf("cas save: %v", err)
	}

	got, err := cs.Load(ctx, "CA300")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Phase != fsm.PhaseShiftOptions {
		t.Fatalf("phase = %s, want %s", got.Phase, fsm.PhaseShiftOptions)
	}
}

func TestCallStoreDelete(t *testing.T) {
	rdb := testRedis(t)
	cs := NewCallStore(rdb)
	ctx := context.Background()

	sess := fsm.NewSession("CA400", "+15550001111", fsm.DirectionInbound, time.Unix(5000, 0).UTC())
	if err := cs.Save(ctx, sess, time.Time{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := cs.Delete(ctx, "CA400"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := cs.Load(ctx, "CA400"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err after delete = %v, want ErrNotFound", err)
	}
}

func TestCallStoreTTLRefreshedOnWrite(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	cs := NewCallStore(rdb, WithTTL(10*time.Minute))
	ctx := context.Background()

	sess := fsm.NewSession("CA500", "+15550001111", fsm.DirectionInbound, time.Unix(5000, 0).UTC())
	if err := cs.Save(ctx, sess, time.Time{}); err != nil {
		t.Fatalf("save: %v", err)
	}

	ttl := mr.TTL("call-session:CA500")
	if ttl != 10*time.Minute {
		t.Fatalf("ttl = %v, want 10m", ttl)
	}
}
