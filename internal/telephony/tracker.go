package telephony

import "sync/atomic"

// CallTracker counts live media-stream sessions. Serves the metrics
// collector's active-calls gauge.
type CallTracker struct {
	n atomic.Int64
}

// NewCallTracker creates a tracker.
func NewCallTracker() *CallTracker {
	return &CallTracker{}
}

// Add records a session start and returns a done func for its end.
func (t *CallTracker) Add() func() {
	t.n.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			t.n.Add(-1)
		}
	}
}

// ActiveCallCount returns the number of live sessions.
func (t *CallTracker) ActiveCallCount() int {
	return int(t.n.Load())
}
