package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// audioBufferTTL bounds how long flushed call audio survives without its
// call finalizing.
const audioBufferTTL = time.Hour

// AudioSink persists in-flight call audio chunks to Redis, keyed by root
// call id. It backs the media call buffers so captured audio survives a
// process restart mid-call.
type AudioSink struct {
	rdb *redis.Client
}

// NewAudioSink creates the sink.
func NewAudioSink(rdb *redis.Client) *AudioSink {
	return &AudioSink{rdb: rdb}
}

func (a *AudioSink) key(rootID string) string {
	return "call-audio:" + rootID
}

// Flush appends a chunk to the durable buffer and refreshes its TTL.
func (a *AudioSink) Flush(ctx context.Context, rootID string, chunk []byte) error {
	pipe := a.rdb.Pipeline()
	pipe.Append(ctx, a.key(rootID), string(chunk))
	pipe.Expire(ctx, a.key(rootID), audioBufferTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: audio flush: %w", err)
	}
	return nil
}

// Discard removes the durable buffer for a root call.
func (a *AudioSink) Discard(ctx context.Context, rootID string) error {
	if err := a.rdb.Del(ctx, a.key(rootID)).Err(); err != nil {
		return fmt.Errorf("store: audio discard: %w", err)
	}
	return nil
}
