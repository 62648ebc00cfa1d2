package ratelimit

import (
	"context"
	"time"
)

// ProviderLimiter is the interface the Provider Gateway consumes, satisfied
// by both MemoryLimiter (process-local token bucket) and a Rule-bound
// wrapper around the Redis Limiter (shared across instances).
type ProviderLimiter interface {
	Allow(ctx context.Context, providerID string) (bool, error)
}

// memoryAdapter lets *MemoryLimiter satisfy ProviderLimiter directly; its
// Allow signature already matches.
type memoryAdapter struct{ *MemoryLimiter }

func (m memoryAdapter) Allow(ctx context.Context, providerID string) (bool, error) {
	return m.MemoryLimiter.Allow(ctx, providerID)
}

// AsProviderLimiter adapts a MemoryLimiter for use behind ProviderLimiter.
func AsProviderLimiter(m *MemoryLimiter) ProviderLimiter { return memoryAdapter{m} }

// redisAdapter binds a fixed Rule (rps/burst derived from provider config)
// to the shared Redis-backed Limiter.
type redisAdapter struct {
	limiter *Limiter
	rule    Rule
}

func (r redisAdapter) Allow(ctx context.Context, providerID string) (bool, error) {
	res := r.limiter.Allow(ctx, r.rule, providerID)
	return res.Allowed, nil
}

// NewRedisProviderLimiter binds a shared Limiter to a specific rps/burst
// rule for use as a ProviderLimiter.
func NewRedisProviderLimiter(limiter *Limiter, prefix string, limit int, window time.Duration) ProviderLimiter {
	return redisAdapter{limiter: limiter, rule: Rule{Prefix: prefix, Limit: limit, Window: window}}
}
