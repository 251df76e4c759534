package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shiftline/shiftline/internal/fsm"
)

// ErrNotFound is returned when no session exists for the id.
var ErrNotFound = errors.New("store: session not found")

// ErrConflict is returned when a Save loses the compare-and-set race, i.e.
// the stored session was modified since it was loaded.
var ErrConflict = errors.New("store: session modified concurrently")

// DefaultSessionTTL is the idle session expiry applied on every write.
const DefaultSessionTTL = time.Hour

// CallStore persists call session snapshots in Redis with a TTL refreshed
// on every write. Save is protected against lost updates by a
// compare-and-set on the session's UpdatedAt inside a WATCH transaction.
type CallStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// Option configures a CallStore.
type Option func(*CallStore)

// WithTTL overrides the session TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *CallStore) { s.ttl = ttl }
}

// NewCallStore creates a session store on the given Redis client.
func NewCallStore(rdb *redis.Client, opts ...Option) *CallStore {
	s := &CallStore{
		rdb:    rdb,
		ttl:    DefaultSessionTTL,
		prefix: "call-session",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CallStore) key(id string) string {
	return s.prefix + ":" + id
}

// Load retrieves a session snapshot by call id.
func (s *CallStore) Load(ctx context.Context, id string) (*fsm.Session, error) {
	data, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: redis get: %w", err)
	}

	var sess fsm.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("store: decoding session: %w", err)
	}
	return &sess, nil
}

// Save persists the session, guarding against lost updates. expectedUpdatedAt
// is the UpdatedAt value the caller loaded; the write aborts with
// ErrConflict if the stored snapshot no longer matches. A zero
// expectedUpdatedAt writes unconditionally (first save of a new session).
func (s *CallStore) Save(ctx context.Context, sess *fsm.Session, expectedUpdatedAt time.Time) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("store: encoding session: %w", err)
	}
	key := s.key(sess.ID)

	if expectedUpdatedAt.IsZero() {
		if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
			return fmt.Errorf("store: redis set: %w", err)
		}
		return nil
	}

	txn := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("store: redis get: %w", err)
		}
		if err == nil {
			var stored fsm.Session
			if jerr := json.Unmarshal(cur, &stored); jerr == nil {
				if !stored.UpdatedAt.Equal(expectedUpdatedAt) {
					return ErrConflict
				}
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}

	err = s.rdb.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

// Delete removes the session snapshot.
func (s *CallStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("store: redis del: %w", err)
	}
	return nil
}
