package provider

import (
	"sort"
	"sync"
	"time"

	"github.com/veritas-screening/veritas/internal/model"
)

// healthSample is an exponentially-weighted recent success rate and latency
// for one provider, used to rank routing candidates.
type healthSample struct {
	successRate float64 // EWMA in [0,1], starts optimistic at 1.0
	latency     time.Duration
}

const healthDecay = 0.2 // weight given to each new observation

// Registry holds every registered Provider and the routing health state the
// Gateway uses to order candidates.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	health    map[string]healthSample
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		health:    make(map[string]healthSample),
	}
}

// Register adds a provider, replacing any previous registration under the
// same ID.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if _, ok := r.health[p.ID()]; !ok {
		r.health[p.ID()] = healthSample{successRate: 1.0}
	}
}

// recordOutcome updates a provider's health EWMA after a call attempt.
func (r *Registry) recordOutcome(id string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.health[id]
	observed := 0.0
	if success {
		observed = 1.0
	}
	s.successRate = s.successRate*(1-healthDecay) + observed*healthDecay
	s.latency = latency
	r.health[id] = s
}

// Candidates returns providers eligible to serve (check, locale) at
// investigationTier, ordered by (health score desc, cost_tier asc,
// historical latency asc) per §4.1's routing rule.
func (r *Registry) Candidates(check, locale string, investigationTier model.Tier) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type ranked struct {
		p       Provider
		health  float64
		latency time.Duration
	}

	var eligible []ranked
	for id, p := range r.providers {
		if !supports(p.SupportedChecks(), check) {
			continue
		}
		if !supports(p.SupportedLocales(), locale) {
			continue
		}
		if !p.TierCategory().servesInvestigationTier(investigationTier) {
			continue
		}
		eligible = append(eligible, ranked{p: p, health: r.health[id].successRate, latency: r.health[id].latency})
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].health != eligible[j].health {
			return eligible[i].health > eligible[j].health
		}
		if eligible[i].p.CostTier() != eligible[j].p.CostTier() {
			return eligible[i].p.CostTier() < eligible[j].p.CostTier()
		}
		return eligible[i].latency < eligible[j].latency
	})

	out := make([]Provider, len(eligible))
	for i, e := range eligible {
		out[i] = e.p
	}
	return out
}
