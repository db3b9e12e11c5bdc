package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/thanigaiv/oncallforge/internal/clock"
	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/logging"
)

// RedisQueue implements Queue on top of a go-redis client, generalizing the
// teacher's RedisTaskQueue (a plain LPUSH/BRPOP list) to support scheduled
// and delayed work: jobs live in a per-queue sorted set keyed by RunAt's
// unix-nano score, and Consume polls for due members instead of blocking on
// list pops, since BRPOP has no notion of "not yet".
type RedisQueue struct {
	client    *redis.Client
	namespace string
	clk       clock.Clock
	logger    logging.Logger

	mu       sync.Mutex
	limiters map[string]*rateLimiter
}

func NewRedisQueue(client *redis.Client, namespace string, clk clock.Clock, logger logging.Logger) *RedisQueue {
	if namespace == "" {
		namespace = "ocf:queue"
	}
	return &RedisQueue{
		client:    client,
		namespace: namespace,
		clk:       clk,
		logger:    logger,
		limiters:  make(map[string]*rateLimiter),
	}
}

func (q *RedisQueue) zkey(name string) string  { return fmt.Sprintf("%s:%s:due", q.namespace, name) }
func (q *RedisQueue) dkey(name string) string  { return fmt.Sprintf("%s:%s:data", q.namespace, name) }

type envelope struct {
	ID         string `json:"id"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
	Attempt    int    `json:"attempt"`
}

// Enqueue schedules payload on name to become due at runAt. It stores the
// envelope in a hash (dkey) and its score in a sorted set (zkey); Consume
// pops members whose score has passed.
func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload []byte, runAt time.Time) (string, error) {
	id := uuid.NewString()
	env := envelope{ID: id, Payload: payload, EnqueuedAt: q.clk.Now().UnixNano(), Attempt: 0}
	data, err := json.Marshal(env)
	if err != nil {
		return "", errs.New("queue.Enqueue", errs.ClassInternal, err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.dkey(name), id, data)
	pipe.ZAdd(ctx, q.zkey(name), &redis.Z{Score: float64(runAt.UnixNano()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errs.New("queue.Enqueue", errs.ClassTransient, err)
	}
	if q.logger != nil {
		q.logger.DebugContext(ctx, "job enqueued", map[string]interface{}{"queue": name, "id": id, "run_at": runAt})
	}
	return id, nil
}

// Consume starts `concurrency` pollers on name. Each poll cycle pops up to
// one due job (ZRANGEBYSCORE + ZREM, guarded so only one poller wins a
// given job), runs handler, and on Transient error re-schedules with
// exponential backoff up to the queue's MaxAttempts; Permanent/Validation
// errors drop the job after an Error log, matching spec §7's "never retry
// a non-retryable class".
func (q *RedisQueue) Consume(ctx context.Context, name string, concurrency int, handler Handler) error {
	cfg := ConfigFor(name)
	if concurrency <= 0 {
		concurrency = cfg.Concurrency
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.pollLoop(ctx, name, cfg, handler)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *RedisQueue) pollLoop(ctx context.Context, name string, cfg Config, handler Handler) {
	limiter := q.rateLimiterFor(name, cfg)
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if limiter != nil && !limiter.Allow(q.clk.Now()) {
				continue
			}
			job, ok, err := q.popDue(ctx, name)
			if err != nil {
				if q.logger != nil {
					q.logger.ErrorContext(ctx, "queue poll failed", map[string]interface{}{"queue": name, "error": err.Error()})
				}
				continue
			}
			if !ok {
				continue
			}
			q.handle(ctx, name, cfg, job, handler)
		}
	}
}

// popDue removes and returns the earliest job whose score <= now, if any.
// ZPOPMIN is not score-bounded, so this does a ZRANGEBYSCORE peek then a
// ZREM guarded by checking the removal actually happened (another poller
// may have already claimed it).
func (q *RedisQueue) popDue(ctx context.Context, name string) (Job, bool, error) {
	now := q.clk.Now().UnixNano()
	ids, err := q.client.ZRangeByScore(ctx, q.zkey(name), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: 1,
	}).Result()
	if err != nil {
		return Job{}, false, errs.New("queue.popDue", errs.ClassTransient, err)
	}
	if len(ids) == 0 {
		return Job{}, false, nil
	}
	id := ids[0]

	removed, err := q.client.ZRem(ctx, q.zkey(name), id).Result()
	if err != nil {
		return Job{}, false, errs.New("queue.popDue", errs.ClassTransient, err)
	}
	if removed == 0 {
		return Job{}, false, nil // lost the race to another poller
	}

	raw, err := q.client.HGet(ctx, q.dkey(name), id).Result()
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, errs.New("queue.popDue", errs.ClassTransient, err)
	}
	q.client.HDel(ctx, q.dkey(name), id)

	var env envelope
	if err := unmarshalJob([]byte(raw), &env); err != nil {
		return Job{}, false, err
	}
	return Job{
		ID:         env.ID,
		Queue:      name,
		Payload:    env.Payload,
		EnqueuedAt: time.Unix(0, env.EnqueuedAt),
		RunAt:      time.Unix(0, now),
		Attempt:    env.Attempt,
	}, true, nil
}

func (q *RedisQueue) handle(ctx context.Context, name string, cfg Config, job Job, handler Handler) {
	err := handler(ctx, job)
	if err == nil {
		return
	}
	if !errs.Retryable(err) || job.Attempt+1 >= cfg.MaxAttempts {
		if q.logger != nil {
			q.logger.ErrorContext(ctx, "job failed permanently", map[string]interface{}{
				"queue": name, "id": job.ID, "attempt": job.Attempt, "error": err.Error(),
			})
		}
		return
	}

	backoff := cfg.RetryBase << uint(job.Attempt)
	retryAt := q.clk.Now().Add(backoff)
	env := envelope{ID: job.ID, Payload: job.Payload, EnqueuedAt: job.EnqueuedAt.UnixNano(), Attempt: job.Attempt + 1}
	data := marshalJob(env)

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.dkey(name), job.ID, data)
	pipe.ZAdd(ctx, q.zkey(name), &redis.Z{Score: float64(retryAt.UnixNano()), Member: job.ID})
	if _, pErr := pipe.Exec(ctx); pErr != nil && q.logger != nil {
		q.logger.ErrorContext(ctx, "failed to reschedule job", map[string]interface{}{"queue": name, "id": job.ID, "error": pErr.Error()})
	}
}

func (q *RedisQueue) rateLimiterFor(name string, cfg Config) *rateLimiter {
	if cfg.RatePerMin <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.limiters[name]; ok {
		return l
	}
	l := newRateLimiter(cfg.RatePerMin)
	q.limiters[name] = l
	return l
}

func (q *RedisQueue) Close() error { return nil }

// rateLimiter is a minimal fixed-window limiter local to one queue name,
// used when a named queue's RatePerMin caps throughput (e.g. workflow
// action execution, per spec §5).
type rateLimiter struct {
	mu         sync.Mutex
	perMin     int
	windowEnds time.Time
	count      int
}

func newRateLimiter(perMin int) *rateLimiter {
	return &rateLimiter{perMin: perMin}
}

func (r *rateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.After(r.windowEnds) {
		r.windowEnds = now.Add(time.Minute)
		r.count = 0
	}
	if r.count >= r.perMin {
		return false
	}
	r.count++
	return true
}
