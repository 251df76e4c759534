package media

import (
	"context"
	"log/slog"
	"sync"
)

// flushThreshold is how many buffered mu-law bytes trigger a flush to the
// durable sink: 8000 bytes is one second of audio.
const flushThreshold = 8000

// Sink receives periodic audio chunks for durability across process
// restarts and call legs.
type Sink interface {
	// Flush appends a chunk to the durable buffer for rootID.
	Flush(ctx context.Context, rootID string, chunk []byte) error
	// Discard removes the durable buffer for rootID.
	Discard(ctx context.Context, rootID string) error
}

// CallBuffers accumulates inbound call audio keyed by root call id, not
// leg id, so capture survives a transfer to a new leg. Chunks are flushed
// to the sink once per second of audio; the full take happens when the
// final leg of a root closes.
type CallBuffers struct {
	sink   Sink
	logger *slog.Logger

	mu   sync.Mutex
	bufs map[string]*rootBuffer
}

type rootBuffer struct {
	data      []byte
	unflushed int
}

// NewCallBuffers creates the buffer set. sink may be nil, in which case
// audio is held in memory only.
func NewCallBuffers(sink Sink, logger *slog.Logger) *CallBuffers {
	return &CallBuffers{
		sink:   sink,
		logger: logger.With("subsystem", "call-buffers"),
		bufs:   make(map[string]*rootBuffer),
	}
}

// Append adds inbound mu-law audio for a root call.
func (c *CallBuffers) Append(ctx context.Context, rootID string, ulaw []byte) {
	c.mu.Lock()
	buf, ok := c.bufs[rootID]
	if !ok {
		buf = &rootBuffer{}
		c.bufs[rootID] = buf
	}
	buf.data = append(buf.data, ulaw...)
	buf.unflushed += len(ulaw)

	var chunk []byte
	if c.sink != nil && buf.unflushed >= flushThreshold {
		chunk = buf.data[len(buf.data)-buf.unflushed:]
		buf.unflushed = 0
	}
	c.mu.Unlock()

	if chunk != nil {
		if err := c.sink.Flush(ctx, rootID, chunk); err != nil {
			c.logger.Warn("audio flush failed", "root_id", rootID, "error", err)
		}
	}
}

// Take returns everything buffered for a root call and resets the buffer,
// keeping the root registered for further appends.
func (c *CallBuffers) Take(rootID string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.bufs[rootID]
	if !ok {
		return nil
	}
	data := buf.data
	c.bufs[rootID] = &rootBuffer{}
	return data
}

// Release drops all buffered audio for a root call, local and durable.
// Called when the final leg of the root closes.
func (c *CallBuffers) Release(ctx context.Context, rootID string) {
	c.mu.Lock()
	delete(c.bufs, rootID)
	c.mu.Unlock()

	if c.sink != nil {
		if err := c.sink.Discard(ctx, rootID); err != nil {
			c.logger.Warn("audio discard failed", "root_id", rootID, "error", err)
		}
	}
}
