package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Retry policy for handler failures marked retryable.
const (
	maxAttempts  = 3
	retryBase    = 500 * time.Millisecond
	retryFactor  = 2
	retryCeiling = 8 * time.Second
)

// defaultPollInterval is how often the runner scans for due jobs. Cascade
// timing is minutes-scale, so sub-second accuracy is not required.
const defaultPollInterval = time.Second

// retryableError marks a handler failure as worth redelivering.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return "retryable: " + e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps a handler error so the runner redelivers the job with
// exponential backoff, up to the attempt limit.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Handler processes one job. Returning an error wrapped by Retryable
// requests redelivery; any other error drops the job.
type Handler func(ctx context.Context, job Job) error

// Runner polls a queue and dispatches due jobs to type-registered
// handlers. Jobs of unknown type are dropped with a log line so a
// half-upgraded deployment cannot wedge the queue.
type Runner struct {
	queue    *Queue
	handlers map[string]Handler
	interval time.Duration
	logger   *slog.Logger
}

// NewRunner creates a runner for the queue.
func NewRunner(q *Queue, logger *slog.Logger) *Runner {
	return &Runner{
		queue:    q,
		handlers: make(map[string]Handler),
		interval: defaultPollInterval,
		logger:   logger.With("subsystem", "queue-runner", "queue", q.name),
	}
}

// Handle registers the handler for a job type. Must be called before Run.
func (r *Runner) Handle(jobType string, h Handler) {
	r.handlers[jobType] = h
}

// SetPollInterval overrides the scan cadence. Used by tests.
func (r *Runner) SetPollInterval(d time.Duration) { r.interval = d }

// Run polls until the context is cancelled. Each claimed job runs on its
// own goroutine: a voice-offer stage can hold its job for many minutes,
// and the text waves and recording archives of other shifts must not sit
// behind it. Offers within one shift stay sequential because they share a
// single job.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("queue runner started", "poll_interval", r.interval)

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			r.logger.Info("queue runner stopped")
			return
		case <-ticker.C:
			if err := r.claim(ctx, &wg); err != nil {
				r.logger.Error("queue poll failed", "error", err)
			}
		}
	}
}

// claim pops every currently-due job and dispatches each on its own
// goroutine, tracked by wg.
func (r *Runner) claim(ctx context.Context, wg *sync.WaitGroup) error {
	for {
		jobs, err := r.queue.popDue(ctx, 16)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}
		for _, job := range jobs {
			wg.Add(1)
			go func(job Job) {
				defer wg.Done()
				r.dispatch(ctx, job)
			}(job)
		}
	}
}

// Drain claims every currently-due job and waits for all of them to
// finish. Exposed for tests and for the diag CLI's one-shot checks.
func (r *Runner) Drain(ctx context.Context) error {
	var wg sync.WaitGroup
	err := r.claim(ctx, &wg)
	wg.Wait()
	return err
}

func (r *Runner) dispatch(ctx context.Context, job Job) {
	h, ok := r.handlers[job.Type]
	if !ok {
		r.logger.Error("no handler for job type, dropping", "type", job.Type, "handle", job.Handle)
		return
	}

	err := h(ctx, job)
	if err == nil {
		return
	}

	var re *retryableError
	if !errors.As(err, &re) {
		r.logger.Error("job failed permanently", "handle", job.Handle, "type", job.Type, "error", err)
		return
	}

	if job.Attempt >= maxAttempts {
		r.logger.Error("job exhausted retries", "handle", job.Handle, "type", job.Type, "attempts", job.Attempt, "error", err)
		return
	}

	delay := backoffFor(job.Attempt)
	r.logger.Warn("job failed, redelivering",
		"handle", job.Handle, "type", job.Type, "attempt", job.Attempt, "delay", delay, "error", err)

	if qerr := r.queue.enqueue(ctx, job.Handle, job.Type, job.Attempt+1, job.Payload, time.Now().Add(delay)); qerr != nil {
		r.logger.Error("redelivery enqueue failed", "handle", job.Handle, "error", qerr)
	}
}

// backoffFor computes the exponential redelivery delay for a completed
// attempt number: 500ms, 1s, 2s, ... capped at 8s.
func backoffFor(attempt int) time.Duration {
	d := retryBase
	for i := 1; i < attempt; i++ {
		d *= retryFactor
		if d >= retryCeiling {
			return retryCeiling
		}
	}
	return d
}
