package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type memJob struct {
	id        string
	payload   []byte
	attempt   int
	opts      Options
	state     string
	readyAt   time.Time
	deadline  time.Time
	expiresAt time.Time
	lastError string
}

type memQueue struct {
	jobs map[string]*memJob
	wait []string
	dead []string
}

// MemoryConfig tunes the in-process broker.
type MemoryConfig struct {
	PollInterval       time.Duration
	CompletedRetention time.Duration
}

// Memory is an in-process Broker with the same identity, retry and lease rules as Redis.
// State is lost when the process exits.
type Memory struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	cfg    MemoryConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewMemory creates an in-process broker.
func NewMemory(cfg MemoryConfig, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Memory{queues: make(map[string]*memQueue), cfg: cfg, now: time.Now, logger: logger}
}

func (m *Memory) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{jobs: make(map[string]*memJob)}
		m.queues[name] = q
	}
	return q
}

// Enqueue adds a job unless jobID is already known.
func (m *Memory) Enqueue(_ context.Context, queue, jobID string, payload any, opts Options) (bool, error) {
	if jobID == "" {
		return false, ErrInvalidJobID
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queue)
	if j, ok := q.jobs[jobID]; ok {
		if !(j.state == StateCompleted && !m.now().Before(j.expiresAt)) {
			return false, nil
		}
	}
	q.jobs[jobID] = &memJob{id: jobID, payload: body, opts: opts.withDefaults(), state: StateWaiting}
	q.wait = append(q.wait, jobID)
	return true, nil
}

// Remove forgets jobID.
func (m *Memory) Remove(_ context.Context, queue, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queue)
	delete(q.jobs, jobID)
	q.wait = without(q.wait, jobID)
	q.dead = without(q.dead, jobID)
	return nil
}

// Stats reports queue depth.
func (m *Memory) Stats(_ context.Context, queue string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queue)
	var s Stats
	s.Waiting = int64(len(q.wait))
	s.Dead = int64(len(q.dead))
	for _, j := range q.jobs {
		switch j.state {
		case StateActive:
			s.Active++
		case StateDelayed:
			s.Delayed++
		}
	}
	return s, nil
}

// State returns the state of jobID, or "" if unknown.
func (m *Memory) State(queue, jobID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.queue(queue).jobs[jobID]; ok {
		return j.state
	}
	return ""
}

// Consume runs concurrency workers pulling from queue until ctx is done.
func (m *Memory) Consume(ctx context.Context, queue string, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}
				job := m.claim(queue)
				if job == nil {
					if !sleepCtx(gctx, m.cfg.PollInterval) {
						return nil
					}
					continue
				}
				err := runHandler(gctx, handler, job)
				if err != nil && gctx.Err() != nil {
					continue
				}
				m.finish(queue, job.ID, err)
			}
		})
	}
	return g.Wait()
}

func (m *Memory) claim(queue string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queue)
	now := m.now()
	for _, j := range q.jobs {
		switch {
		case j.state == StateDelayed && !now.Before(j.readyAt):
			j.state = StateWaiting
			q.wait = append(q.wait, j.id)
		case j.state == StateActive && !now.Before(j.deadline):
			j.state = StateWaiting
			q.wait = append(q.wait, j.id)
		}
	}
	for len(q.wait) > 0 {
		id := q.wait[0]
		q.wait = q.wait[1:]
		j, ok := q.jobs[id]
		if !ok || j.state != StateWaiting {
			continue
		}
		j.attempt++
		if j.attempt > j.opts.Attempts {
			j.state = StateFailed
			j.lastError = "lock expired"
			q.dead = append(q.dead, id)
			continue
		}
		j.state = StateActive
		j.deadline = now.Add(j.opts.LockTimeout)
		return &Job{
			ID:          id,
			Queue:       queue,
			Payload:     append([]byte(nil), j.payload...),
			Attempt:     j.attempt,
			MaxAttempts: j.opts.Attempts,
		}
	}
	return nil
}

func (m *Memory) finish(queue, jobID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queue)
	j, ok := q.jobs[jobID]
	if !ok || j.state != StateActive {
		return
	}
	if err == nil {
		if m.cfg.CompletedRetention > 0 {
			j.state = StateCompleted
			j.expiresAt = m.now().Add(m.cfg.CompletedRetention)
		} else {
			delete(q.jobs, jobID)
		}
		return
	}
	j.lastError = err.Error()
	if j.attempt >= j.opts.Attempts {
		j.state = StateFailed
		q.dead = append(q.dead, jobID)
		m.logger.Error("job failed permanently", zap.String("queue", queue), zap.String("job_id", jobID), zap.Error(err))
		return
	}
	backoff := BackoffFor(j.opts.Backoff, j.attempt)
	j.state = StateDelayed
	j.readyAt = m.now().Add(backoff)
	m.logger.Warn("job failed; retry scheduled", zap.String("queue", queue), zap.String("job_id", jobID), zap.Int("attempt", j.attempt), zap.Duration("backoff", backoff), zap.Error(err))
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
