// Package provider implements the Provider Gateway (§4.1): a routing,
// caching, rate-limiting, circuit-breaking, compliance-gated front door to
// the heterogeneous external data providers the SAR loop queries. Providers
// themselves are plug-ins conforming to a small capability-metadata-plus-
// execute contract; concrete provider dialects are out of scope (§1) — this
// package supplies the gateway plus a scriptable mock implementation.
package provider

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/model"
)

// TierCategory is a provider's own cost/quality class, independent of the
// investigation Tier (standard/enhanced) a demand is issued under. A core
// provider may serve any investigation tier; a premium provider is only
// routed to for Enhanced-tier investigations.
type TierCategory string

const (
	TierCore    TierCategory = "core"
	TierPremium TierCategory = "premium"
)

func (t TierCategory) servesInvestigationTier(tier model.Tier) bool {
	if t == TierCore {
		return true
	}
	return tier == model.TierEnhanced
}

// DiscoveredEntity is a relation surfaced by a provider's normalizer: a
// person or organization connected to the subject, not yet resolved to a
// canonical Entity.
type DiscoveredEntity struct {
	Kind        model.EntityKind
	Identifiers []model.Identifier
	Name        string
	DOB         string
	Address     string
	Relationship string
}

// ExecuteRequest is what a Provider's Execute receives for one check.
type ExecuteRequest struct {
	EntityID uuid.UUID
	Check    string
	Subject  DiscoveredEntity
	Locale   string
	Degree   model.Degree
}

// ExecuteResult is a provider's normalized response.
type ExecuteResult struct {
	Findings          []model.Finding
	DiscoveredEntities []DiscoveredEntity
	Cost              model.Cost
	RawReference      string // opaque pointer to the encrypted raw payload, never inline PII
}

// HealthStatus is a provider's self-reported health, used for routing order.
type HealthStatus struct {
	Healthy bool
	Latency time.Duration
}

// Provider is the plug-in contract every external data source implements.
type Provider interface {
	ID() string
	TierCategory() TierCategory
	SupportedChecks() []string
	SupportedLocales() []string
	CostTier() int
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
	Health(ctx context.Context) (HealthStatus, error)
}

func supports(values []string, want string) bool {
	for _, v := range values {
		if v == want || v == "*" {
			return true
		}
	}
	return false
}
