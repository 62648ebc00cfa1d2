package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is a single token bucket for one provider_id.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// Default per-provider bucket tuning (§4.1). The burst is sized so one
// parallel phase fanning its type workers onto the same provider (§5's N x
// M bound) drains headroom rather than tripping the limiter, while the
// sustained rate stays at what external data providers typically contract.
const (
	DefaultProviderRate  = 10
	DefaultProviderBurst = 2 * DefaultProviderRate
)

// MemoryLimiter implements ProviderLimiter using an in-memory token bucket per
// provider. Buckets are shared across every investigation in the process
// (§5 shared resources); each provider_id gets an independent bucket with
// a configurable refill rate (tokens per second) and burst capacity. A
// background goroutine evicts buckets for providers that have gone idle,
// so a large rotating provider registry doesn't accrete memory.
type MemoryLimiter struct {
	rate  float64 // tokens added per second
	burst float64 // maximum tokens (bucket capacity)

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter.
//   - rate: sustained requests per second per provider
//   - burst: maximum burst size (token bucket capacity)
//
// A background goroutine evicts providers not called in the last 10
// minutes. Call Close to stop it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// NewProviderMemoryLimiter creates a limiter with the default per-provider
// bucket tuning, the configuration the Provider Gateway runs with when no
// shared Redis backend is set.
func NewProviderMemoryLimiter() *MemoryLimiter {
	return NewMemoryLimiter(DefaultProviderRate, DefaultProviderBurst)
}

// Allow consumes one token from the named provider's bucket. Returns true
// if a token was available (the call should proceed), false otherwise (the
// gateway fails over to the next routing candidate).
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		// First call to this provider: start with a full bucket minus one token.
		m.buckets[key] = &bucket{
			tokens:     m.burst - 1,
			lastAccess: now,
		}
		return true, nil
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastAccess).Seconds()
	b.tokens += elapsed * m.rate
	if b.tokens > m.burst {
		b.tokens = m.burst
	}
	b.lastAccess = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

// NoopLimiter allows every call and holds no state.
type NoopLimiter struct{}

// Allow always reports that the call may proceed.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close does nothing.
func (NoopLimiter) Close() error { return nil }

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
