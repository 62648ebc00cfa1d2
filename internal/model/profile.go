package model

import (
	"time"

	"github.com/google/uuid"
)

// InvestigationTrigger records why a profile version was created.
type InvestigationTrigger string

const (
	TriggerInitial   InvestigationTrigger = "initial"
	TriggerVigilance InvestigationTrigger = "vigilance"
	TriggerManual    InvestigationTrigger = "manual"
)

// Connection is one edge in the discovered relationship graph, recorded with
// the degree at which it was found so evolution deltas can compute expansion
// ratios per §4.8.
type Connection struct {
	EntityID    uuid.UUID `json:"entity_id"`
	Degree      int       `json:"degree"`
	LinkType    string    `json:"link_type"`
	LinkStrength float64  `json:"link_strength"`
	Sanctioned  bool      `json:"sanctioned"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// EvolutionSignal is a named rule-based pattern detected by comparing two
// profile versions of the same entity. PatternSignature is a fixed key into
// the evolution rule catalogue (internal/risk).
type EvolutionSignal struct {
	Type                string   `json:"type"`
	Confidence          float64  `json:"confidence"`
	Severity            Severity `json:"severity"`
	ContributingFactors []string `json:"contributing_factors"`
	PatternSignature    string   `json:"pattern_signature,omitempty"`
	Confirmed           *bool    `json:"confirmed,omitempty"`
}

// Delta summarizes the change between a profile version and its predecessor.
type Delta struct {
	NewFindings       []uuid.UUID       `json:"new_findings"`
	ResolvedFindings  []uuid.UUID       `json:"resolved_findings"`
	ChangedFindings   []uuid.UUID       `json:"changed_findings"`
	RiskScoreChange   float64           `json:"risk_score_change"`
	ConnectionDelta   int               `json:"connection_count_change"`
	EvolutionSignals  []EvolutionSignal `json:"evolution_signals"`
}

// ProfileStatus reflects whether an investigation ran to normal completion
// or was cancelled mid-flight (§5 cancellation semantics).
type ProfileStatus string

const (
	ProfileComplete ProfileStatus = "complete"
	ProfilePartial  ProfileStatus = "partial"
)

// EntityProfile is the append-only, versioned output of one investigation
// run against an Entity. Version is monotonic per entity; v>1 always carries
// a non-null Delta referencing v-1 (§8 testable property).
type EntityProfile struct {
	ID            uuid.UUID             `json:"id"`
	EntityID      uuid.UUID             `json:"entity_id"`
	Version       int                   `json:"version"`
	Status        ProfileStatus         `json:"status"`
	Trigger       InvestigationTrigger  `json:"trigger"`
	ServiceConfig ServiceConfiguration  `json:"service_config"`
	Findings      []uuid.UUID           `json:"findings"`
	RiskScore     float64               `json:"risk_score"`
	Connections   []Connection          `json:"connections"`
	StaleSources  []string              `json:"stale_sources,omitempty"`
	ExcludedChecks []string             `json:"excluded_checks,omitempty"`
	Delta         *Delta                `json:"delta,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// Tier is the investigation depth: Standard draws from core sources only,
// Enhanced also draws from premium sources and enables D3/Digital Footprint.
type Tier string

const (
	TierStandard Tier = "standard"
	TierEnhanced Tier = "enhanced"
)

// Vigilance is the recurring re-screen cadence.
type Vigilance string

const (
	VigilanceV0 Vigilance = "v0"
	VigilanceV1 Vigilance = "v1"
	VigilanceV2 Vigilance = "v2"
	VigilanceV3 Vigilance = "v3"
)

// Degree bounds how far network expansion (§4.6) is allowed to reach.
type Degree string

const (
	DegreeD1 Degree = "d1"
	DegreeD2 Degree = "d2"
	DegreeD3 Degree = "d3"
)

// ReviewRole is who is responsible for resolving ambiguous matches and
// reviewing reconciliation output for this investigation.
type ReviewRole string

const (
	ReviewAutomated   ReviewRole = "automated"
	ReviewAnalyst     ReviewRole = "analyst"
	ReviewInvestigator ReviewRole = "investigator"
	ReviewDedicated   ReviewRole = "dedicated"
)

// ServiceConfiguration is the externally supplied shape of an investigation
// request (§6). Degrees=D3 requires Tier=Enhanced; validated by
// internal/config using go-playground/validator struct tags and a custom
// cross-field rule, since this value originates from a caller rather than
// trusted environment configuration.
type ServiceConfiguration struct {
	Tier             Tier       `json:"tier" validate:"required,oneof=standard enhanced"`
	Vigilance        Vigilance  `json:"vigilance" validate:"required,oneof=v0 v1 v2 v3"`
	Degrees          Degree     `json:"degrees" validate:"required,oneof=d1 d2 d3"`
	Review           ReviewRole `json:"review" validate:"required,oneof=automated analyst investigator dedicated"`
	AdditionalChecks []string   `json:"additional_checks,omitempty"`
	ExcludedChecks   []string   `json:"excluded_checks,omitempty"`
	// ExplicitConsents lists the check types the subject has explicitly
	// consented to, for rules carrying requires_explicit_consent (§4.3).
	ExplicitConsents []string   `json:"explicit_consents,omitempty"`
	Locale           string     `json:"locale" validate:"required"`
	RoleCategory     string     `json:"role_category,omitempty"`
	OrgID            uuid.UUID  `json:"org_id" validate:"required"`
}
