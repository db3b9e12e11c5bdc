package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanigaiv/oncallforge/internal/clock"
	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/logging"
)

func TestMemoryQueue_EnqueueConsume(t *testing.T) {
	clk := clock.NewFake(time.Now())
	q := NewMemory(clk, logging.NoOp())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	go func() {
		_ = q.Consume(ctx, "dedupe", 2, func(_ context.Context, job Job) error {
			mu.Lock()
			got = append(got, string(job.Payload))
			mu.Unlock()
			return nil
		})
	}()

	_, err := q.Enqueue(context.Background(), "dedupe", []byte("alert-1"), clk.Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"alert-1"}, got)
	mu.Unlock()
}

func TestMemoryQueue_DelayedJobNotDueUntilAdvanced(t *testing.T) {
	start := time.Now()
	clk := clock.NewFake(start)
	q := NewMemory(clk, logging.NoOp())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	fired := 0
	go func() {
		_ = q.Consume(ctx, "escalation", 1, func(_ context.Context, job Job) error {
			mu.Lock()
			fired++
			mu.Unlock()
			return nil
		})
	}()

	_, err := q.Enqueue(context.Background(), "escalation", []byte("p"), start.Add(15*time.Minute))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, fired, "job scheduled in the future must not run before its time")
	mu.Unlock()

	clk.Advance(16 * time.Minute)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryQueue_TransientErrorGivesUpAtMaxAttempts(t *testing.T) {
	clk := clock.NewFake(time.Now())
	q := NewMemory(clk, logging.NoOp())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	go func() {
		_ = q.Consume(ctx, "escalation", 1, func(_ context.Context, job Job) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return errs.New("handler", errs.ClassTransient, assertErr)
		})
	}()

	_, err := q.Enqueue(context.Background(), "escalation", []byte("p"), clk.Now())
	require.NoError(t, err)

	// escalation queue has MaxAttempts=1 in ConfigFor, so no retry should
	// happen and attempts should stay at 1 even after advancing time.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 1
	}, time.Second, 5*time.Millisecond)

	clk.Advance(time.Hour)
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, attempts)
	mu.Unlock()
}

var assertErr = &testStaticError{"boom"}

type testStaticError struct{ s string }

func (e *testStaticError) Error() string { return e.s }
