package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanigaiv/oncallforge/internal/cache"
	"github.com/thanigaiv/oncallforge/internal/clock"
)

func TestLimiter_AllowsUnderBudgetAndRejectsOver(t *testing.T) {
	c := cache.NewMemory(clock.NewFake(time.Now()))
	l := New(c, nil, map[Tier]Limit{TierWebhook: {Count: 2, Window: time.Minute}})
	ctx := context.Background()

	ok, err := l.Allow(ctx, TierWebhook, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, TierWebhook, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, TierWebhook, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok, "third request in the window must exceed the budget of 2")
}

func TestLimiter_UnconfiguredTierIsUnlimited(t *testing.T) {
	c := cache.NewMemory(clock.NewFake(time.Now()))
	l := New(c, nil, map[Tier]Limit{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := l.Allow(ctx, TierPublic, "5.6.7.8")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestLimiter_DegradesOpenOnStoreError(t *testing.T) {
	l := New(erroringCache{}, nil, map[Tier]Limit{TierAPI: {Count: 1, Window: time.Minute}})
	ctx := context.Background()

	ok, err := l.Allow(ctx, TierAPI, "user-1")
	require.NoError(t, err, "a store error must never surface as an error to the caller")
	assert.True(t, ok, "first request against a failed store must degrade open via the local fallback bucket")
}

func TestLimiter_FallbackBucketStillEnforcesBudgetAfterDegrading(t *testing.T) {
	l := New(erroringCache{}, nil, map[Tier]Limit{TierAPI: {Count: 1, Window: time.Minute}})
	ctx := context.Background()

	ok, err := l.Allow(ctx, TierAPI, "user-2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, TierAPI, "user-2")
	require.NoError(t, err)
	assert.False(t, ok, "the local fallback bucket for the same key must still cap requests once its burst is spent")
}

type erroringCache struct{}

func (erroringCache) Get(ctx context.Context, key string) (string, bool, error) { return "", false, nil }
func (erroringCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return nil
}
func (erroringCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return false, nil
}
func (erroringCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errors.New("redis: connection refused")
}
func (erroringCache) Del(ctx context.Context, key string) error { return nil }
func (erroringCache) Close() error                              { return nil }
