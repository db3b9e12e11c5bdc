package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thanigaiv/oncallforge/internal/clock"
	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/logging"
)

// Memory is an in-process Queue used by tests, driven by a clock.Clock so
// delayed jobs can be advanced deterministically instead of sleeping.
type Memory struct {
	mu      sync.Mutex
	clk     clock.Clock
	logger  logging.Logger
	queues  map[string][]Job
	closed  bool
	wake    chan struct{}
}

func NewMemory(clk clock.Clock, logger logging.Logger) *Memory {
	return &Memory{
		clk:    clk,
		logger: logger,
		queues: make(map[string][]Job),
		wake:   make(chan struct{}, 1),
	}
}

func (m *Memory) Enqueue(ctx context.Context, name string, payload []byte, runAt time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.queues[name] = append(m.queues[name], Job{
		ID:         id,
		Queue:      name,
		Payload:    payload,
		EnqueuedAt: m.clk.Now(),
		RunAt:      runAt,
	})
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return id, nil
}

func (m *Memory) Consume(ctx context.Context, name string, concurrency int, handler Handler) error {
	cfg := ConfigFor(name)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	sem := make(chan struct{}, maxInt(concurrency, 1))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				job, ok := m.popDue(name)
				if !ok {
					break
				}
				sem <- struct{}{}
				go func(j Job) {
					defer func() { <-sem }()
					m.handle(ctx, name, cfg, j, handler)
				}(job)
			}
		}
	}
}

func (m *Memory) popDue(name string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	jobs := m.queues[name]
	for i, j := range jobs {
		if !j.RunAt.After(now) {
			m.queues[name] = append(jobs[:i:i], jobs[i+1:]...)
			return j, true
		}
	}
	return Job{}, false
}

func (m *Memory) handle(ctx context.Context, name string, cfg Config, job Job, handler Handler) {
	err := handler(ctx, job)
	if err == nil {
		return
	}
	if !errs.Retryable(err) || job.Attempt+1 >= cfg.MaxAttempts {
		if m.logger != nil {
			m.logger.ErrorContext(ctx, "job failed permanently", map[string]interface{}{
				"queue": name, "id": job.ID, "attempt": job.Attempt, "error": err.Error(),
			})
		}
		return
	}
	job.Attempt++
	job.RunAt = m.clk.Now().Add(cfg.RetryBase << uint(job.Attempt-1))
	m.mu.Lock()
	m.queues[name] = append(m.queues[name], job)
	m.mu.Unlock()
}

// Len returns the number of jobs currently queued (any state) on name, for
// test assertions.
func (m *Memory) Len(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[name])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
