// Package queue is a durable at-least-once job queue with identity-keyed enqueue, retry with
// exponential backoff, lock timeouts and a dead list. Redis backs production; Memory has the
// same semantics for tests and single-process runs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultAttempts is the number of tries before a job is left failed.
	DefaultAttempts = 3
	// DefaultBackoff is the delay before the first retry; it doubles per attempt.
	DefaultBackoff = 5 * time.Second
	// DefaultLockTimeout is how long a claimed job may run before it is redelivered.
	DefaultLockTimeout = 5 * time.Minute
	// DefaultPollInterval is the idle wait between claims when a queue is empty.
	DefaultPollInterval = time.Second
)

// Job states.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// ErrInvalidJobID is returned for an empty job id.
var ErrInvalidJobID = errors.New("queue: job id required")

// Options controls retry and redelivery of one job.
type Options struct {
	Attempts    int
	Backoff     time.Duration
	LockTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	return o
}

// Job is a claimed unit of work. Attempt is 1 on first delivery.
type Job struct {
	ID          string
	Queue       string
	Payload     json.RawMessage
	Attempt     int
	MaxAttempts int
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s job %s: %w", j.Queue, j.ID, err)
	}
	return nil
}

// Handler processes one job. A returned error schedules a retry or fails the job.
type Handler func(ctx context.Context, job *Job) error

// Stats counts jobs per state in one queue.
type Stats struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Dead    int64 `json:"dead"`
}

// Broker is the queue contract the pipeline depends on.
type Broker interface {
	// Enqueue adds a job unless one with jobID is already known (waiting, delayed, active,
	// recently completed or failed). It reports whether a job was added.
	Enqueue(ctx context.Context, queue, jobID string, payload any, opts Options) (bool, error)
	// Consume runs handler on up to concurrency jobs at a time until ctx is done.
	Consume(ctx context.Context, queue string, concurrency int, handler Handler) error
	// Remove forgets jobID in every state so it can be enqueued again.
	Remove(ctx context.Context, queue, jobID string) error
	// Stats reports queue depth.
	Stats(ctx context.Context, queue string) (Stats, error)
}

// BackoffFor returns the delay before retrying after the given failed attempt.
func BackoffFor(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		attempt = 20
	}
	return base * time.Duration(1<<(attempt-1))
}

func marshalPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return body, nil
}

// runHandler calls h, converting a panic into an error.
func runHandler(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
