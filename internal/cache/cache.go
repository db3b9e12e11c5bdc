// Package cache provides the short-TTL keyed store used for ingress
// rate-limit window counters, grounded on the teacher's
// core.RedisClient (namespaced, DB-isolated wrapper over go-redis) — here
// generalized behind a small interface so a Postgres-only deployment can
// fall back to an in-memory implementation.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/thanigaiv/oncallforge/internal/clock"
	"github.com/thanigaiv/oncallforge/internal/errs"
)

// Cache is a namespaced, TTL-bounded key/value store.
type Cache interface {
	// Get returns the stored value, or ok=false if absent or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value under key, expiring after ttl (ttl<=0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value under key only if it isn't already present,
	// returning ok=false if the key already existed (first writer wins).
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (ok bool, err error)
	// Incr increments a counter key (creating it at 1 if absent) and
	// applies ttl on first creation only; used for rate-limit windows.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// Redis implements Cache over a namespaced go-redis client.
type Redis struct {
	client    *redis.Client
	namespace string
}

func NewRedis(client *redis.Client, namespace string) *Redis {
	if namespace == "" {
		namespace = "ocf:cache"
	}
	return &Redis{client: client, namespace: namespace}
}

func (r *Redis) key(k string) string { return fmt.Sprintf("%s:%s", r.namespace, k) }

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.New("cache.Get", errs.ClassTransient, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return errs.New("cache.Set", errs.ClassTransient, err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, errs.New("cache.SetNX", errs.ClassTransient, err)
	}
	return ok, nil
}

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := r.client.Incr(ctx, r.key(key)).Result()
	if err != nil {
		return 0, errs.New("cache.Incr", errs.ClassTransient, err)
	}
	if n == 1 && ttl > 0 {
		if err := r.client.Expire(ctx, r.key(key), ttl).Err(); err != nil {
			return 0, errs.New("cache.Incr", errs.ClassTransient, err)
		}
	}
	return n, nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return errs.New("cache.Del", errs.ClassTransient, err)
	}
	return nil
}

func (r *Redis) Close() error { return nil }

// Memory is an in-process Cache used by tests, driven by an injected Clock
// so TTL expiry is deterministic under a Fake clock instead of wall-clock
// sleeps.
type Memory struct {
	mu   sync.Mutex
	clk  clock.Clock
	data map[string]memEntry
}

type memEntry struct {
	value   string
	expires time.Time // zero = never
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{clk: clk, data: make(map[string]memEntry)}
}

func (m *Memory) expired(e memEntry) bool {
	return !e.expires.IsZero() && !e.expires.After(m.clk.Now())
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || m.expired(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = m.clk.Now().Add(ttl)
	}
	m.data[key] = memEntry{value: value, expires: expires}
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.data[key]; ok && !m.expired(e) {
		return false, nil
	}
	var expires time.Time
	if ttl > 0 {
		expires = m.clk.Now().Add(ttl)
	}
	m.data[key] = memEntry{value: value, expires: expires}
	return true, nil
}

func (m *Memory) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || m.expired(e) {
		var expires time.Time
		if ttl > 0 {
			expires = m.clk.Now().Add(ttl)
		}
		m.data[key] = memEntry{value: "1", expires: expires}
		return 1, nil
	}
	var n int64
	fmt.Sscanf(e.value, "%d", &n)
	n++
	e.value = fmt.Sprintf("%d", n)
	m.data[key] = e
	return n, nil
}

func (m *Memory) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Close() error { return nil }
