package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job hashes live at {prefix}{queue}:job:{id}. Per queue there is a wait list, an active
// sorted set scored by lock deadline, a delayed sorted set scored by ready time and a dead list.

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'payload', ARGV[2],
  'attempt', 0,
  'max_attempts', ARGV[3],
  'backoff_ms', ARGV[4],
  'lock_ms', ARGV[5],
  'state', 'waiting',
  'created_at', ARGV[6])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// claimScript promotes due delayed jobs, requeues jobs whose lock expired, then pops one
// waiting job and leases it.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local prefix = ARGV[2]
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('HSET', prefix .. id, 'state', 'waiting')
  redis.call('RPUSH', KEYS[1], id)
end
local stalled = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(stalled) do
  redis.call('ZREM', KEYS[2], id)
  if redis.call('EXISTS', prefix .. id) == 1 then
    redis.call('HSET', prefix .. id, 'state', 'waiting')
    redis.call('RPUSH', KEYS[1], id)
  end
end
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return false
  end
  local jk = prefix .. id
  if redis.call('EXISTS', jk) == 1 then
    local attempt = redis.call('HINCRBY', jk, 'attempt', 1)
    local max = tonumber(redis.call('HGET', jk, 'max_attempts'))
    if attempt > max then
      redis.call('HSET', jk, 'state', 'failed', 'last_error', 'lock expired')
      redis.call('RPUSH', KEYS[4], id)
    else
      local lock = tonumber(redis.call('HGET', jk, 'lock_ms'))
      redis.call('HSET', jk, 'state', 'active')
      redis.call('ZADD', KEYS[2], now + lock, id)
      return {id, redis.call('HGET', jk, 'payload'), tostring(attempt), tostring(max), tostring(lock)}
    end
  end
end
`)

var extendScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], 'XX', ARGV[2], ARGV[1])
  return 1
end
return 0
`)

var completeScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('EXISTS', KEYS[2]) == 0 then
  return 0
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('HSET', KEYS[2], 'state', 'completed')
  redis.call('PEXPIRE', KEYS[2], ttl)
else
  redis.call('DEL', KEYS[2])
end
return 1
`)

// failScript returns the retry delay in ms, 0 when the job is dead, -1 when it is gone.
var failScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('EXISTS', KEYS[4]) == 0 then
  return -1
end
redis.call('HSET', KEYS[4], 'last_error', ARGV[3])
local attempt = tonumber(redis.call('HGET', KEYS[4], 'attempt'))
local max = tonumber(redis.call('HGET', KEYS[4], 'max_attempts'))
if attempt >= max then
  redis.call('HSET', KEYS[4], 'state', 'failed')
  redis.call('RPUSH', KEYS[3], ARGV[1])
  return 0
end
local backoff = math.floor(tonumber(redis.call('HGET', KEYS[4], 'backoff_ms')) * (2 ^ (attempt - 1)))
redis.call('HSET', KEYS[4], 'state', 'delayed')
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) + backoff, ARGV[1])
return backoff
`)

var removeScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('LREM', KEYS[4], 0, ARGV[1])
return redis.call('DEL', KEYS[5])
`)

// RedisConfig tunes the Redis broker.
type RedisConfig struct {
	Prefix             string
	PollInterval       time.Duration
	CompletedRetention time.Duration
}

// Redis is a Broker backed by Redis.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	logger *zap.Logger
}

// NewRedis creates a Redis-backed broker.
func NewRedis(client *redis.Client, cfg RedisConfig, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "pipeline:"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Redis{client: client, cfg: cfg, logger: logger}
}

type queueKeys struct {
	wait, active, delayed, dead, jobPrefix string
}

func (q *Redis) keys(queue string) queueKeys {
	base := q.cfg.Prefix + queue + ":"
	return queueKeys{
		wait:      base + "wait",
		active:    base + "active",
		delayed:   base + "delayed",
		dead:      base + "dead",
		jobPrefix: base + "job:",
	}
}

// Enqueue adds a job unless jobID is already known.
func (q *Redis) Enqueue(ctx context.Context, queue, jobID string, payload any, opts Options) (bool, error) {
	if jobID == "" {
		return false, ErrInvalidJobID
	}
	opts = opts.withDefaults()
	body, err := marshalPayload(payload)
	if err != nil {
		return false, err
	}
	k := q.keys(queue)
	n, err := enqueueScript.Run(ctx, q.client,
		[]string{k.jobPrefix + jobID, k.wait},
		jobID, string(body), opts.Attempts, opts.Backoff.Milliseconds(), opts.LockTimeout.Milliseconds(), time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s/%s: %w", queue, jobID, err)
	}
	if n == 1 {
		q.logger.Debug("enqueued job", zap.String("queue", queue), zap.String("job_id", jobID))
	}
	return n == 1, nil
}

// Remove deletes jobID from every structure of queue.
func (q *Redis) Remove(ctx context.Context, queue, jobID string) error {
	k := q.keys(queue)
	if err := removeScript.Run(ctx, q.client,
		[]string{k.wait, k.active, k.delayed, k.dead, k.jobPrefix + jobID},
		jobID,
	).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("remove %s/%s: %w", queue, jobID, err)
	}
	return nil
}

// Stats reports queue depth.
func (q *Redis) Stats(ctx context.Context, queue string) (Stats, error) {
	k := q.keys(queue)
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, k.wait)
	active := pipe.ZCard(ctx, k.active)
	delayed := pipe.ZCard(ctx, k.delayed)
	dead := pipe.LLen(ctx, k.dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("stats %s: %w", queue, err)
	}
	return Stats{Waiting: wait.Val(), Active: active.Val(), Delayed: delayed.Val(), Dead: dead.Val()}, nil
}

// Consume runs concurrency workers pulling from queue until ctx is done.
func (q *Redis) Consume(ctx context.Context, queue string, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	q.logger.Info("consumer started", zap.String("queue", queue), zap.Int("concurrency", concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}
				job, lock, err := q.claim(gctx, queue)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					q.logger.Warn("claim failed", zap.String("queue", queue), zap.Error(err))
					sleepCtx(gctx, q.cfg.PollInterval)
					continue
				}
				if job == nil {
					if !sleepCtx(gctx, q.cfg.PollInterval) {
						return nil
					}
					continue
				}
				q.process(gctx, job, lock, handler)
			}
		})
	}
	err := g.Wait()
	q.logger.Info("consumer stopped", zap.String("queue", queue))
	return err
}

func (q *Redis) claim(ctx context.Context, queue string) (*Job, time.Duration, error) {
	k := q.keys(queue)
	res, err := claimScript.Run(ctx, q.client,
		[]string{k.wait, k.active, k.delayed, k.dead},
		time.Now().UnixMilli(), k.jobPrefix,
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	if len(res) != 5 {
		return nil, 0, fmt.Errorf("claim %s: unexpected reply length %d", queue, len(res))
	}
	attempt, _ := strconv.Atoi(res[2])
	maxAttempts, _ := strconv.Atoi(res[3])
	lockMs, _ := strconv.ParseInt(res[4], 10, 64)
	return &Job{
		ID:          res[0],
		Queue:       queue,
		Payload:     []byte(res[1]),
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
	}, time.Duration(lockMs) * time.Millisecond, nil
}

func (q *Redis) process(ctx context.Context, job *Job, lock time.Duration, handler Handler) {
	k := q.keys(job.Queue)
	log := q.logger.With(zap.String("queue", job.Queue), zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.keepLease(ctx, k.active, job.ID, lock, stop)
	}()
	err := runHandler(ctx, handler, job)
	close(stop)
	<-done

	if err != nil && ctx.Err() != nil {
		log.Info("job interrupted by shutdown; lease left to expire", zap.Error(err))
		return
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err == nil {
		if ackErr := completeScript.Run(ackCtx, q.client,
			[]string{k.active, k.jobPrefix + job.ID},
			job.ID, q.cfg.CompletedRetention.Milliseconds(),
		).Err(); ackErr != nil {
			log.Error("complete failed", zap.Error(ackErr))
		}
		return
	}

	delay, failErr := failScript.Run(ackCtx, q.client,
		[]string{k.active, k.delayed, k.dead, k.jobPrefix + job.ID},
		job.ID, time.Now().UnixMilli(), err.Error(),
	).Int64()
	switch {
	case failErr != nil:
		log.Error("fail bookkeeping failed", zap.Error(failErr), zap.NamedError("job_error", err))
	case delay > 0:
		log.Warn("job failed; retry scheduled", zap.Error(err), zap.Duration("backoff", time.Duration(delay)*time.Millisecond))
	case delay == 0:
		log.Error("job failed permanently", zap.Error(err))
	}
}

// keepLease pushes the lock deadline forward while the handler runs.
func (q *Redis) keepLease(ctx context.Context, activeKey, jobID string, lock time.Duration, stop <-chan struct{}) {
	if lock <= 0 {
		return
	}
	ticker := time.NewTicker(lock / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(lock).UnixMilli()
			if err := extendScript.Run(ctx, q.client, []string{activeKey}, jobID, deadline).Err(); err != nil && !errors.Is(err, redis.Nil) {
				q.logger.Warn("lease extension failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
}
