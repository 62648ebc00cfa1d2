// Package model defines the persisted and in-memory record types shared
// across the investigation engine: entities, versioned profiles, findings,
// cache entries, compliance rules, audit events, checkpoints, and review
// tasks. Structs mirror the Postgres schema closely (UUID identifiers,
// pgvector embeddings, JSON-shaped detail payloads) rather than introducing
// a separate persistence DTO layer.
package model

import (
	"time"

	"github.com/google/uuid"
)

// EntityKind discriminates the canonical identifier classes a subject or
// discovered relation can take.
type EntityKind string

const (
	EntityIndividual   EntityKind = "individual"
	EntityOrganization EntityKind = "organization"
	EntityAddress      EntityKind = "address"
)

// Identifier is a single strong or weak identifier contributing to an
// Entity's equivalence class. Strong identifiers (government ID, EIN,
// passport) alone are sufficient for an exact match; weak identifiers
// (name, DOB, address) only ever support fuzzy matching.
type Identifier struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Strong bool   `json:"strong"`
}

// Entity is the canonical identifier record for an individual, organization,
// or address. At most one Entity exists per equivalence class of strong
// identifiers; merges are recorded via MergedInto rather than deletion.
type Entity struct {
	ID          uuid.UUID    `json:"id"`
	Kind        EntityKind   `json:"kind"`
	Identifiers []Identifier `json:"identifiers"`
	Aliases     []string     `json:"aliases,omitempty"`
	// MergedInto is non-nil once this entity has been merged into a
	// canonical entity; all references should resolve through it.
	MergedInto *uuid.UUID `json:"merged_into,omitempty"`
	FirstSeen  time.Time  `json:"first_seen"`
	LastUpdate time.Time  `json:"last_updated"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// MatchCandidate is a fuzzy-match candidate returned by the resolver, scored
// in [0,1] against an incoming identifier set.
type MatchCandidate struct {
	Entity Entity  `json:"entity"`
	Score  float64 `json:"score"`
}

// FindingCategory discriminates the tagged-variant Finding types.
type FindingCategory string

const (
	FindingIdentity     FindingCategory = "identity"
	FindingCriminal     FindingCategory = "criminal"
	FindingCivil        FindingCategory = "civil"
	FindingFinancial    FindingCategory = "financial"
	FindingRegulatory   FindingCategory = "regulatory"
	FindingReputation   FindingCategory = "reputation"
	FindingVerification FindingCategory = "verification"
	FindingBehavioral   FindingCategory = "behavioral"
	FindingNetwork      FindingCategory = "network"
)

// Severity is the qualitative severity band assigned to a Finding or
// Evolution Signal.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Provenance records where a Finding's data came from, for audit and
// freshness display.
type Provenance struct {
	ProviderID string    `json:"provider_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	CacheHit   bool      `json:"cache_hit"`
	StaleFlag  bool      `json:"stale_flag,omitempty"`
}

// Finding is an immutable, emitted investigation result. Amendments are
// represented as new findings referencing Supersedes, never mutation.
type Finding struct {
	ID                  uuid.UUID       `json:"id"`
	InvestigationID     uuid.UUID       `json:"investigation_id"`
	EntityID            uuid.UUID       `json:"entity_id"`
	Category            FindingCategory `json:"category"`
	Severity            Severity        `json:"severity"`
	Confidence          float64         `json:"confidence"`
	Provenance          Provenance      `json:"provenance"`
	Details             map[string]any  `json:"details"`
	ContributingEntities []uuid.UUID    `json:"contributing_entities,omitempty"`
	Supersedes          *uuid.UUID      `json:"supersedes,omitempty"`
	RedactedFields      []string        `json:"redacted_fields,omitempty"`
	Fingerprint         string          `json:"fingerprint"`
	CreatedAt           time.Time       `json:"created_at"`
}
