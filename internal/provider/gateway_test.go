package provider_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/breaker"
	"github.com/veritas-screening/veritas/internal/config"
	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/provider"
	"github.com/veritas-screening/veritas/internal/ratelimit"
)

var errMiss = errors.New("cache miss")

// memCache is an in-memory CacheStore for gateway tests.
type memCache struct {
	mu      sync.Mutex
	entries map[string]model.CacheEntry
}

func newMemCache() *memCache { return &memCache{entries: make(map[string]model.CacheEntry)} }

func (c *memCache) Lookup(_ context.Context, fingerprint, _ string) (model.CacheEntry, model.FreshnessState, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fingerprint]
	if !ok {
		return model.CacheEntry{}, "", false, errMiss
	}
	return e, e.State(time.Now()), true, nil
}

func (c *memCache) Write(_ context.Context, e model.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.Fingerprint] = e
	return nil
}

func (c *memCache) Invalidate(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fingerprint)
}

// memAudit is an in-memory Auditor recording appended categories.
type memAudit struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (a *memAudit) Append(_ context.Context, _ string, actor model.AuditActor, category model.AuditCategory, payloadRef string) (model.AuditEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ev := model.AuditEvent{Sequence: int64(len(a.events) + 1), Timestamp: time.Now(), Actor: actor, Category: category, PayloadRef: payloadRef}
	a.events = append(a.events, ev)
	return ev, nil
}

func (a *memAudit) categories() []model.AuditCategory {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.AuditCategory, len(a.events))
	for i, ev := range a.events {
		out[i] = ev.Category
	}
	return out
}

type fixture struct {
	gateway *provider.Gateway
	cache   *memCache
	audit   *memAudit
	mocks   []*provider.MockProvider
}

func newFixture(t *testing.T, providers ...*provider.MockProvider) *fixture {
	t.Helper()
	logger := slog.Default()
	reg := provider.NewRegistry()
	for _, p := range providers {
		reg.Register(p)
	}
	cache := newMemCache()
	audit := &memAudit{}
	limiter := ratelimit.NewMemoryLimiter(1000, 1000)
	t.Cleanup(func() { _ = limiter.Close() })
	breakers := breaker.NewRegistry(breaker.Settings{MaxFailures: 3, Cooldown: time.Minute, HalfOpenMaxCalls: 1}, logger, nil)

	gw := provider.NewGateway(reg, cache, breakers, ratelimit.AsProviderLimiter(limiter), audit, config.DefaultFreshnessPolicy(), provider.GatewayConfig{
		SingleFlightWindow: 60 * time.Second,
		CallTimeout:        2 * time.Second,
	}, logger)
	t.Cleanup(gw.Close)
	return &fixture{gateway: gw, cache: cache, audit: audit, mocks: providers}
}

func demand(check string, tier model.Tier) provider.Demand {
	return provider.Demand{
		InvestigationID: uuid.New(),
		EntityID:        uuid.New(),
		Check:           check,
		Locale:          "US",
		Degree:          model.DegreeD1,
		Tier:            tier,
		Origin:          model.OriginPaidExternal,
	}
}

func preload(f *fixture, d provider.Demand, age time.Duration, fresh, stale time.Duration) {
	acquired := time.Now().Add(-age)
	f.cache.entries[d.Fingerprint()] = model.CacheEntry{
		Fingerprint:       d.Fingerprint(),
		EntityID:          d.EntityID.String(),
		CheckType:         d.Check,
		Locale:            d.Locale,
		Origin:            d.Origin,
		AcquiredAt:        acquired,
		FreshUntil:        acquired.Add(fresh),
		StaleUntil:        acquired.Add(stale),
		NormalizedPayload: []byte(`{"findings":[],"discovered_entities":[],"provider_id":"cached"}`),
	}
}

func TestExecute_FreshHit(t *testing.T) {
	mock := provider.NewMockProvider("courts-1", provider.TierCore, []string{"criminal"}, []string{"*"}, 1)
	f := newFixture(t, mock)

	d := demand("criminal", model.TierStandard)
	preload(f, d, 24*time.Hour, 7*24*time.Hour, 30*24*time.Hour)

	res, err := f.gateway.Execute(context.Background(), d)
	if err != nil {
		t.Fatalf("fresh hit errored: %v", err)
	}
	if !res.CacheHit || res.StaleFlag {
		t.Fatalf("expected clean cache hit, got %+v", res)
	}
	if mock.Calls() != 0 {
		t.Fatalf("fresh hit must not call the provider, got %d calls", mock.Calls())
	}
	if res.Cost.Amount != 0 {
		t.Fatalf("cache hits are free, got cost %v", res.Cost.Amount)
	}
}

func TestExecute_StaleFlagStandardTier(t *testing.T) {
	mock := provider.NewMockProvider("courts-1", provider.TierCore, []string{"criminal"}, []string{"*"}, 1)
	f := newFixture(t, mock)

	// 14 days old against (fresh 7d, stale 30d): stale. Standard tier
	// policy for criminal is FLAG: serve with the flag, refresh async.
	d := demand("criminal", model.TierStandard)
	preload(f, d, 14*24*time.Hour, 7*24*time.Hour, 30*24*time.Hour)

	res, err := f.gateway.Execute(context.Background(), d)
	if err != nil {
		t.Fatalf("stale flag path errored: %v", err)
	}
	if !res.CacheHit || !res.StaleFlag {
		t.Fatalf("expected flagged stale hit, got %+v", res)
	}

	// The async refresh must eventually execute the provider.
	deadline := time.Now().Add(3 * time.Second)
	for mock.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if mock.Calls() == 0 {
		t.Fatal("async refresh never reached the provider")
	}
}

func TestExecute_StaleBlockEnhancedTier(t *testing.T) {
	mock := provider.NewMockProvider("courts-1", provider.TierCore, []string{"criminal"}, []string{"*"}, 1)
	f := newFixture(t, mock)

	// Enhanced-tier criminal staleness policy is BLOCK: the gateway must
	// wait for a fresh execution instead of serving the stale entry.
	d := demand("criminal", model.TierEnhanced)
	preload(f, d, 14*24*time.Hour, 7*24*time.Hour, 30*24*time.Hour)

	res, err := f.gateway.Execute(context.Background(), d)
	if err != nil {
		t.Fatalf("stale block path errored: %v", err)
	}
	if res.CacheHit {
		t.Fatalf("blocked stale must execute fresh, got %+v", res)
	}
	if mock.Calls() != 1 {
		t.Fatalf("expected exactly one provider call, got %d", mock.Calls())
	}

	cats := f.audit.categories()
	var sawBlocked, sawCall bool
	for _, c := range cats {
		switch c {
		case model.AuditStaleBlocked:
			sawBlocked = true
		case model.AuditProviderCall:
			sawCall = true
		}
	}
	if !sawBlocked || !sawCall {
		t.Fatalf("audit must record stale_blocked and provider_call, got %v", cats)
	}
}

func TestExecute_SanctionsNeverServedFromCache(t *testing.T) {
	mock := provider.NewMockProvider("watchlist-1", provider.TierCore, []string{"sanctions"}, []string{"*"}, 1)
	f := newFixture(t, mock)

	// Even a just-written sanctions entry is never served: freshness
	// window zero means always refresh.
	d := demand("sanctions", model.TierStandard)
	preload(f, d, time.Minute, 0, 0)

	res, err := f.gateway.Execute(context.Background(), d)
	if err != nil {
		t.Fatalf("sanctions path errored: %v", err)
	}
	if res.CacheHit {
		t.Fatal("sanctions results must never come from cache")
	}
	if mock.Calls() != 1 {
		t.Fatalf("expected one provider execution, got %d", mock.Calls())
	}
	if _, ok := f.cache.entries[d.Fingerprint()]; !ok {
		t.Fatal("a new cache entry must still be written after execution")
	}
}

func TestExecute_FailoverToNextCandidate(t *testing.T) {
	bad := provider.NewMockProvider("flaky", provider.TierCore, []string{"civil"}, []string{"*"}, 1)
	bad.Fail("civil", errors.New("upstream 500"))
	good := provider.NewMockProvider("steady", provider.TierCore, []string{"civil"}, []string{"*"}, 2)

	f := newFixture(t, bad, good)
	// Prime routing order: flaky is cheaper so it is tried first while
	// both are at full health.
	res, err := f.gateway.Execute(context.Background(), demand("civil", model.TierStandard))
	if err != nil {
		t.Fatalf("failover errored: %v", err)
	}
	if res.ProviderID != "steady" {
		t.Fatalf("expected failover to steady, got %s", res.ProviderID)
	}
	if bad.Calls() != 1 || good.Calls() != 1 {
		t.Fatalf("expected one attempt each, got flaky=%d steady=%d", bad.Calls(), good.Calls())
	}
}

func TestExecute_NoSourceAvailable(t *testing.T) {
	f := newFixture(t)
	_, err := f.gateway.Execute(context.Background(), demand("criminal", model.TierStandard))
	if !errors.Is(err, provider.ErrNoSourceAvailable) {
		t.Fatalf("expected ErrNoSourceAvailable, got %v", err)
	}
}

func TestExecute_SingleFlightCoalescing(t *testing.T) {
	mock := provider.NewMockProvider("slow", provider.TierCore, []string{"financial"}, []string{"*"}, 1)
	mock.SetDelay(100 * time.Millisecond)
	f := newFixture(t, mock)

	d := demand("financial", model.TierStandard)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.gateway.Execute(context.Background(), d); err != nil {
				t.Errorf("coalesced call errored: %v", err)
			}
		}()
	}
	wg.Wait()

	if mock.Calls() != 1 {
		t.Fatalf("identical concurrent demands must coalesce to one execution, got %d", mock.Calls())
	}
}

func TestExecute_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	mock := provider.NewMockProvider("down", provider.TierCore, []string{"regulatory"}, []string{"*"}, 1)
	mock.Fail("regulatory", errors.New("connection refused"))
	f := newFixture(t, mock)

	for i := 0; i < 5; i++ {
		_, _ = f.gateway.Execute(context.Background(), demand("regulatory", model.TierStandard))
	}
	calls := mock.Calls()
	// MaxFailures is 3: the breaker must have opened and short-circuited
	// the later attempts.
	if calls > 3 {
		t.Fatalf("open circuit must short-circuit calls, provider saw %d", calls)
	}
}
