package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job is one dequeued unit of work.
type Job struct {
	// Handle is the caller-assigned name; enqueueing the same handle again
	// replaces the pending job, and Remove deletes it by name.
	Handle string `json:"handle"`
	// Type selects the registered handler.
	Type string `json:"type"`
	// Attempt counts deliveries of this job, starting at 1.
	Attempt int `json:"attempt"`
	// Payload is the handler-defined body.
	Payload json.RawMessage `json:"payload"`
}

// Queue is a persistent, time-delayed job queue on Redis. Pending handles
// live in a sorted set scored by due time; payloads live in companion
// keys. Everything survives a process restart: the poller simply resumes
// from the sorted set.
type Queue struct {
	rdb  *redis.Client
	name string
	now  func() time.Time
}

// New creates a named queue.
func New(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name, now: time.Now}
}

func (q *Queue) zsetKey() string {
	return "queue:" + q.name
}

func (q *Queue) jobKey(handle string) string {
	return "queue:" + q.name + ":job:" + handle
}

// EnqueueAt schedules a job under the given handle to become due at dueAt.
// Re-enqueueing an existing handle replaces its payload and due time.
func (q *Queue) EnqueueAt(ctx context.Context, handle, jobType string, payload any, dueAt time.Time) error {
	return q.enqueue(ctx, handle, jobType, 1, payload, dueAt)
}

func (q *Queue) enqueue(ctx context.Context, handle, jobType string, attempt int, payload any, dueAt time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: encoding payload: %w", err)
	}
	job := Job{Handle: handle, Type: jobType, Attempt: attempt, Payload: body}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encoding job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, q.jobKey(handle), data, 0)
	pipe.ZAdd(ctx, q.zsetKey(), redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: handle,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", handle, err)
	}
	return nil
}

// Remove deletes a pending job by handle. Removing a handle that does not
// exist (already run or already removed) is not an error.
func (q *Queue) Remove(ctx context.Context, handle string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.zsetKey(), handle)
	pipe.Del(ctx, q.jobKey(handle))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: remove %s: %w", handle, err)
	}
	return nil
}

// Pending returns the handles currently scheduled, soonest first. Serves
// the inspect-cascade diagnostic.
func (q *Queue) Pending(ctx context.Context) ([]string, error) {
	handles, err := q.rdb.ZRangeByScore(ctx, q.zsetKey(), &redis.ZRangeBy{
		Min: "-inf", Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: pending: %w", err)
	}
	return handles, nil
}

// popDue claims up to limit due jobs. Ownership of each handle is decided
// by ZRem: exactly one concurrent popper sees the removal succeed, so a
// job is delivered at most once per enqueue.
func (q *Queue) popDue(ctx context.Context, limit int) ([]Job, error) {
	now := q.now()
	handles, err := q.rdb.ZRangeByScore(ctx, q.zsetKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: scanning due jobs: %w", err)
	}

	var jobs []Job
	for _, handle := range handles {
		removed, err := q.rdb.ZRem(ctx, q.zsetKey(), handle).Result()
		if err != nil {
			return jobs, fmt.Errorf("queue: claiming %s: %w", handle, err)
		}
		if removed == 0 {
			// Lost the claim race or the handle was cancelled.
			continue
		}

		data, err := q.rdb.GetDel(ctx, q.jobKey(handle)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return jobs, fmt.Errorf("queue: reading job %s: %w", handle, err)
		}

		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return jobs, fmt.Errorf("queue: decoding job %s: %w", handle, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
