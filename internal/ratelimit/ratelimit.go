// Package ratelimit implements the ingress rate limiting tiers (webhook,
// api, public) described for the HTTP surface: a distributed fixed-window
// counter backed by internal/cache.Cache.Incr (itself grounded on the
// teacher's core.RedisClient), falling back to a local golang.org/x/time/rate
// token bucket — "degrade open" — whenever the shared store errors, so a
// Redis blip admits requests instead of taking the ingress path down.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/thanigaiv/oncallforge/internal/cache"
	"github.com/thanigaiv/oncallforge/internal/logging"
)

// Tier names the ingress tiers spec'd with their own budgets.
type Tier string

const (
	TierWebhook Tier = "webhook"
	TierAPI     Tier = "api"
	TierPublic  Tier = "public"
)

// Limit is a tier's budget: at most Count requests per Window, per key
// (typically an IP address or a user ID).
type Limit struct {
	Count  int
	Window time.Duration
}

// Limiter enforces per-tier, per-key request budgets.
type Limiter struct {
	cache  cache.Cache
	logger logging.Logger
	limits map[Tier]Limit

	mu       sync.Mutex
	fallback map[string]*rate.Limiter
}

// New builds a Limiter. limits maps each tier to its budget; a tier with
// no entry is left unlimited.
func New(c cache.Cache, logger logging.Logger, limits map[Tier]Limit) *Limiter {
	return &Limiter{
		cache:    c,
		logger:   logger,
		limits:   limits,
		fallback: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request for tier/key is within budget. On a
// cache error it logs a warning and degrades open (admits the request)
// using a local token bucket sized to the same budget, matching spec's
// "distributed limiter; degrade-open on storage error" rule.
func (l *Limiter) Allow(ctx context.Context, tier Tier, key string) (bool, error) {
	limit, ok := l.limits[tier]
	if !ok || limit.Count <= 0 {
		return true, nil
	}

	windowKey := fmt.Sprintf("ratelimit:%s:%s:%d", tier, key, time.Now().Unix()/int64(limit.Window.Seconds()))
	count, err := l.cache.Incr(ctx, windowKey, limit.Window)
	if err != nil {
		if l.logger != nil {
			l.logger.WarnContext(ctx, "rate limiter store error, degrading open", map[string]interface{}{
				"tier":  string(tier),
				"key":   key,
				"error": err.Error(),
			})
		}
		return l.fallbackFor(tier, key, limit).Allow(), nil
	}
	return count <= int64(limit.Count), nil
}

func (l *Limiter) fallbackFor(tier Tier, key string, limit Limit) *rate.Limiter {
	fbKey := string(tier) + ":" + key
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.fallback[fbKey]
	if !ok {
		perSecond := float64(limit.Count) / limit.Window.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSecond), limit.Count)
		l.fallback[fbKey] = lim
	}
	return lim
}
