package model

import "time"

// CacheOrigin distinguishes platform-shared results from customer-supplied
// ones; isolation rules in §3/§8 depend on this discriminant.
type CacheOrigin string

const (
	OriginPaidExternal     CacheOrigin = "paid_external"
	OriginCustomerProvided CacheOrigin = "customer_provided"
)

// FreshnessState is derived, never stored: computed from (acquired_at,
// fresh_until, stale_until) against the current time.
type FreshnessState string

const (
	Fresh   FreshnessState = "fresh"
	Stale   FreshnessState = "stale"
	Expired FreshnessState = "expired"
)

// CacheEntry is keyed by Fingerprint = (entity_canonical_id, provider_class,
// check, locale, degree_scope). Invariant: AcquiredAt <= FreshUntil <=
// StaleUntil. CustomerID is the customer the entry was acquired for; it
// restricts reads only for customer_provided entries.
type CacheEntry struct {
	Fingerprint      string      `json:"fingerprint"`
	EntityID         string      `json:"entity_id"`
	ProviderClass    string      `json:"provider_class"`
	CheckType        string      `json:"check_type"`
	Locale           string      `json:"locale"`
	DegreeScope      string      `json:"degree_scope"`
	Origin           CacheOrigin `json:"origin"`
	CustomerID       string      `json:"customer_id,omitempty"`
	AcquiredAt       time.Time   `json:"acquired_at"`
	FreshUntil       time.Time   `json:"fresh_until"`
	StaleUntil       time.Time   `json:"stale_until"`
	NormalizedPayload []byte     `json:"normalized_payload"`
	RawCiphertext    []byte      `json:"raw_ciphertext,omitempty"`
	Cost             Cost        `json:"cost"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// State computes the derived freshness state against now.
func (c CacheEntry) State(now time.Time) FreshnessState {
	switch {
	case !now.After(c.FreshUntil):
		return Fresh
	case !now.After(c.StaleUntil):
		return Stale
	default:
		return Expired
	}
}

// Cost records what a provider call billed, for the §10 cost ledger.
type Cost struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	BilledTo string  `json:"billed_to"` // "shared" | "customer"
}

// StalePolicy is the resolver's outcome for a stale cache hit (§4.2).
type StalePolicy string

const (
	UseFresh              StalePolicy = "USE_FRESH"
	UseStaleFlagAndRefresh StalePolicy = "USE_STALE_FLAG_AND_REFRESH"
	BlockRefresh          StalePolicy = "BLOCK_REFRESH"
	MissExecute           StalePolicy = "MISS_EXECUTE"
)

// StaleAction is what an Enhanced- or Standard-tier investigation does with
// a stale (past FreshUntil, not yet past StaleUntil) entry for a check type.
// "" means the check type never goes stale for that tier (it is refreshed
// unconditionally past FreshWindow).
type StaleAction string

const (
	StaleActionNone  StaleAction = ""
	StaleActionFlag  StaleAction = "FLAG"
	StaleActionBlock StaleAction = "BLOCK"
)

// FreshnessPolicy is a declarative, per-check-type entry in the freshness
// table (§6), loaded from YAML rather than hardcoded so operators can retune
// cache windows without a redeploy. FreshWindow of zero means the check is
// never cached as fresh (e.g. sanctions screening).
type FreshnessPolicy struct {
	CheckType      string        `yaml:"check_type" json:"check_type"`
	FreshWindow    time.Duration `yaml:"fresh_window" json:"fresh_window"`
	StaleWindow    time.Duration `yaml:"stale_window" json:"stale_window"`
	StandardAction StaleAction   `yaml:"standard_action" json:"standard_action"`
	EnhancedAction StaleAction   `yaml:"enhanced_action" json:"enhanced_action"`
}

// ActionFor returns the stale-hit action for this check type at the given tier.
func (p FreshnessPolicy) ActionFor(tier Tier) StaleAction {
	if tier == TierEnhanced {
		return p.EnhancedAction
	}
	return p.StandardAction
}
