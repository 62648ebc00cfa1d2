// Package cache implements the Cache Store (§4.2): fingerprint-keyed
// results with a derived freshness state, backed by Postgres via
// internal/storage and fronted by a short-TTL in-memory layer so repeated
// fresh hits within a request burst don't round-trip to the database.
//
// Freshness state is always derived from the entry's timestamps, never
// stored; the in-memory mirror is swept by a background goroutine so stale
// memo entries age out even without traffic.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veritas-screening/veritas/internal/model"
)

// Store is the persistence surface the Cache Store needs.
type Store interface {
	GetCacheEntry(ctx context.Context, fingerprint, customerID string) (model.CacheEntry, error)
	UpsertCacheEntry(ctx context.Context, e model.CacheEntry) error
}

// Store-agnostic in-memory mirror, keyed by fingerprint, TTL-bounded to the
// shortest freshness window in use so it never serves an entry the backing
// store would consider stale.
type memoEntry struct {
	entry     model.CacheEntry
	expiresAt time.Time
}

// Cache is the Cache Store. One instance is process-wide; callers never
// hold its lock across a provider call.
type Cache struct {
	store Store
	ttl   time.Duration

	mu    sync.RWMutex
	memo  map[string]memoEntry
	done  chan struct{}
}

// New creates a Cache Store backed by store, with memoTTL bounding how long
// the in-memory mirror trusts its own copy before re-consulting storage.
func New(store Store, memoTTL time.Duration) *Cache {
	c := &Cache{store: store, ttl: memoTTL, memo: make(map[string]memoEntry), done: make(chan struct{})}
	go c.evictLoop()
	return c
}

// Close stops the background eviction goroutine.
func (c *Cache) Close() { close(c.done) }

func (c *Cache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.memo {
		if now.After(v.expiresAt) {
			delete(c.memo, k)
		}
	}
}

// Lookup returns the cache entry for a fingerprint and its derived
// freshness state. A customer_provided entry scoped to a different
// customer is never returned (§3, §8); the underlying store enforces this
// and surfaces it as a miss.
func (c *Cache) Lookup(ctx context.Context, fingerprint, customerID string) (model.CacheEntry, model.FreshnessState, bool, error) {
	now := time.Now()

	c.mu.RLock()
	if m, ok := c.memo[fingerprint]; ok && now.Before(m.expiresAt) &&
		!(m.entry.Origin == model.OriginCustomerProvided && m.entry.CustomerID != "" && m.entry.CustomerID != customerID) {
		c.mu.RUnlock()
		return m.entry, m.entry.State(now), true, nil
	}
	c.mu.RUnlock()

	entry, err := c.store.GetCacheEntry(ctx, fingerprint, customerID)
	if err != nil {
		return model.CacheEntry{}, "", false, err
	}

	c.mu.Lock()
	c.memo[fingerprint] = memoEntry{entry: entry, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	return entry, entry.State(now), true, nil
}

// Write persists a cache entry. The single-flight leader is the sole writer
// for a given fingerprint (§4.1, §5); Write does not itself coalesce
// concurrent writers — callers serialize through internal/provider's
// singleflight group before calling this.
func (c *Cache) Write(ctx context.Context, e model.CacheEntry) error {
	if e.AcquiredAt.After(e.FreshUntil) || e.FreshUntil.After(e.StaleUntil) {
		return fmt.Errorf("cache: invariant violated: acquired_at <= fresh_until <= stale_until for %s", e.Fingerprint)
	}
	if err := c.store.UpsertCacheEntry(ctx, e); err != nil {
		return fmt.Errorf("cache: write: %w", err)
	}
	c.mu.Lock()
	c.memo[e.Fingerprint] = memoEntry{entry: e, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// Invalidate drops a fingerprint from the in-memory mirror, forcing the
// next Lookup to re-consult storage (used after an async refresh lands).
func (c *Cache) Invalidate(fingerprint string) {
	c.mu.Lock()
	delete(c.memo, fingerprint)
	c.mu.Unlock()
}
