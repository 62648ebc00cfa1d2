package provider

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/model"
)

// MockProvider is a scriptable in-memory Provider used by tests and local
// development wiring. Responses are keyed by check type; unscripted checks
// return an empty result with a fixed nominal cost (0.01 USD).
type MockProvider struct {
	id       string
	tier     TierCategory
	checks   []string
	locales  []string
	costTier int

	mu        sync.Mutex
	responses map[string]ExecuteResult
	failures  map[string]error
	delay     time.Duration

	calls atomic.Int64
}

// NewMockProvider creates a provider serving the given checks and locales.
func NewMockProvider(id string, tier TierCategory, checks, locales []string, costTier int) *MockProvider {
	return &MockProvider{
		id:        id,
		tier:      tier,
		checks:    checks,
		locales:   locales,
		costTier:  costTier,
		responses: make(map[string]ExecuteResult),
		failures:  make(map[string]error),
	}
}

func (m *MockProvider) ID() string                 { return m.id }
func (m *MockProvider) TierCategory() TierCategory { return m.tier }
func (m *MockProvider) SupportedChecks() []string  { return m.checks }
func (m *MockProvider) SupportedLocales() []string { return m.locales }
func (m *MockProvider) CostTier() int              { return m.costTier }

// Respond scripts the result returned for a check.
func (m *MockProvider) Respond(check string, res ExecuteResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[check] = res
}

// Fail scripts an error for a check; pass nil to clear it.
func (m *MockProvider) Fail(check string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, check)
		return
	}
	m.failures[check] = err
}

// SetDelay makes every Execute sleep, for timeout and coalescing tests.
func (m *MockProvider) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Calls reports how many Execute invocations this provider has served.
func (m *MockProvider) Calls() int64 { return m.calls.Load() }

func (m *MockProvider) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	m.calls.Add(1)
	m.mu.Lock()
	delay := m.delay
	failure := m.failures[req.Check]
	res, scripted := m.responses[req.Check]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ExecuteResult{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if failure != nil {
		return ExecuteResult{}, failure
	}
	if !scripted {
		res = ExecuteResult{Cost: model.Cost{Amount: 0.01, Currency: "USD"}}
	}
	// Stamp provenance so findings carry a real provider id and timestamp
	// without every test having to fill them in.
	for i := range res.Findings {
		if res.Findings[i].ID == uuid.Nil {
			res.Findings[i].ID = uuid.New()
		}
		res.Findings[i].EntityID = req.EntityID
		res.Findings[i].Provenance.ProviderID = m.id
		res.Findings[i].Provenance.AcquiredAt = time.Now().UTC()
	}
	return res, nil
}

func (m *MockProvider) Health(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{Healthy: true, Latency: time.Millisecond}, nil
}
