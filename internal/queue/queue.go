// Package queue provides the durable, at-least-once job queue the pipeline
// uses for dedupe jobs, escalation timeouts, notification sends and
// workflow executions. It generalizes the teacher's Redis list-based
// RedisTaskQueue (LPUSH/BRPOP) to support delayed/scheduled jobs (a sorted
// set "due" index, per spec §9: "Timers via in-process sleep / event-loop"
// -> "delayed queue jobs exclusively") and per-queue concurrency/rate
// limits (spec §5).
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/thanigaiv/oncallforge/internal/errs"
)

// Job is one unit of work. Payload is opaque to the queue; handlers decode
// it themselves.
type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	EnqueuedAt  time.Time
	RunAt       time.Time // absolute deadline; due when RunAt <= now
	Attempt     int
}

// Handler processes one job. Returning an error classified Transient causes
// a retry with backoff; Permanent/Validation errors drop the job after
// logging (the queue never silently drops without a warning, per §7).
type Handler func(ctx context.Context, job Job) error

// Queue is the durable job queue interface.
type Queue interface {
	// Enqueue schedules payload on name to run at runAt (use clock.Now()
	// for "as soon as possible").
	Enqueue(ctx context.Context, name string, payload []byte, runAt time.Time) (string, error)
	// Consume starts workers (bounded by concurrency) pulling due jobs from
	// name and invoking handler. Consume blocks until ctx is cancelled.
	Consume(ctx context.Context, name string, concurrency int, handler Handler) error
	// Close releases underlying resources.
	Close() error
}

// Config bounds a queue's throughput, matching spec §5/§6 ("Each queue
// defines its own concurrency cap... and rate limit").
type Config struct {
	Concurrency  int
	RatePerMin   int // 0 = unlimited
	PollInterval time.Duration // how often Consume checks for due jobs
	RetryBase    time.Duration
	MaxAttempts  int
}

func DefaultConfig() Config {
	return Config{
		Concurrency:  10,
		RatePerMin:   0,
		PollInterval: 200 * time.Millisecond,
		RetryBase:    100 * time.Millisecond,
		MaxAttempts:  3,
	}
}

// namedConfig lets a consumer attach per-queue config overrides; named
// queues the spec calls out explicitly: "notifications 10, workflows 5".
var namedConfig = map[string]Config{
	"notifications": {Concurrency: 10, PollInterval: 200 * time.Millisecond, RetryBase: 5 * time.Second, MaxAttempts: 3},
	"workflows":     {Concurrency: 5, RatePerMin: 100, PollInterval: 200 * time.Millisecond, RetryBase: 1 * time.Second, MaxAttempts: 3},
	"dedupe":        {Concurrency: 10, PollInterval: 50 * time.Millisecond, RetryBase: 100 * time.Millisecond, MaxAttempts: 3},
	"escalation":    {Concurrency: 10, PollInterval: 200 * time.Millisecond, RetryBase: 0, MaxAttempts: 1},
}

// ConfigFor returns the configured limits for a named queue, falling back
// to DefaultConfig for unlisted names.
func ConfigFor(name string) Config {
	if c, ok := namedConfig[name]; ok {
		return c
	}
	return DefaultConfig()
}

func marshalJob(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

func unmarshalJob(b []byte, v interface{}) error {
	if err := json.Unmarshal(b, v); err != nil {
		return errs.New("queue.unmarshalJob", errs.ClassInternal, err)
	}
	return nil
}
