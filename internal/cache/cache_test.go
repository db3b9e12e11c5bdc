package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanigaiv/oncallforge/internal/clock"
)

func TestMemory_SetNXFirstWriterWins(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := NewMemory(clk)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "idem:abc", "alert-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "idem:abc", "alert-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second writer for the same idempotency key must lose")

	v, found, err := c.Get(ctx, "idem:abc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alert-1", v)
}

func TestMemory_ExpiresAfterTTL(t *testing.T) {
	start := time.Now()
	clk := clock.NewFake(start)
	c := NewMemory(clk)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "debounce:fp1", "1", 5*time.Minute))

	_, found, err := c.Get(ctx, "debounce:fp1")
	require.NoError(t, err)
	assert.True(t, found)

	clk.Advance(6 * time.Minute)

	_, found, err = c.Get(ctx, "debounce:fp1")
	require.NoError(t, err)
	assert.False(t, found, "key must be treated as absent once its ttl has elapsed")
}

func TestMemory_IncrCreatesAndAccumulates(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := NewMemory(clk)
	ctx := context.Background()

	n, err := c.Incr(ctx, "ratelimit:svc1", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = c.Incr(ctx, "ratelimit:svc1", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestMemory_DelRemovesKey(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := NewMemory(clk)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	require.NoError(t, c.Del(ctx, "k"))

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}
