package veritas

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the investigation depth.
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

// Degree bounds network expansion breadth.
type Degree string

const (
	DegreeD1 Degree = "d1"
	DegreeD2 Degree = "d2"
	DegreeD3 Degree = "d3"
)

// Identifier is one strong or weak identifier for a subject.
// Strong identifiers (government ID, EIN, passport) alone establish an
// exact entity match; weak ones only support fuzzy matching.
type Identifier struct {
	Type   string
	Value  string
	Strong bool
}

// Subject is the entity an investigation targets.
type Subject struct {
	Kind        string // "individual" | "organization"
	Identifiers []Identifier
	Name        string
	DOB         string
	Address     string
}

// ServiceConfig is the externally supplied shape of an investigation
// request. Degrees=D3 requires Tier=Enhanced.
type ServiceConfig struct {
	Tier             Tier
	Vigilance        Vigilance
	Degrees          Degree
	Review           string // "automated" | "analyst" | "investigator" | "dedicated"
	AdditionalChecks []string
	ExcludedChecks   []string
	ExplicitConsents []string
	Locale           string
	RoleCategory     string
	OrgID            uuid.UUID
}

// Request asks the engine to run (or resume) one investigation.
type Request struct {
	// InvestigationID resumes a checkpointed investigation when set;
	// uuid.Nil starts a fresh one.
	InvestigationID uuid.UUID
	Subject         Subject
	Config          ServiceConfig
}

// Finding is one immutable investigation result.
type Finding struct {
	ID              uuid.UUID
	InvestigationID uuid.UUID
	EntityID        uuid.UUID
	Category        string
	Severity        string
	Confidence      float64
	ProviderID      string
	AcquiredAt      time.Time
	CacheHit        bool
	StaleFlag       bool
	Details         map[string]any
	RedactedFields  []string
	CreatedAt       time.Time
}

// Connection is one edge in the discovered relationship graph.
type Connection struct {
	EntityID     uuid.UUID
	Degree       int
	LinkType     string
	LinkStrength float64
	Sanctioned   bool
}

// EvolutionSignal is a rule-based pattern detected between profile versions.
type EvolutionSignal struct {
	Type                string
	Confidence          float64
	Severity            string
	ContributingFactors []string
	PatternSignature    string
}

// Delta summarizes the change between a profile version and its predecessor.
type Delta struct {
	NewFindings      []uuid.UUID
	ResolvedFindings []uuid.UUID
	ChangedFindings  []uuid.UUID
	RiskScoreChange  float64
	ConnectionDelta  int
	EvolutionSignals []EvolutionSignal
}

// Profile is one versioned investigation outcome for an entity.
type Profile struct {
	ID             uuid.UUID
	EntityID       uuid.UUID
	Version        int
	Status         string // "complete" | "partial"
	RiskScore      float64
	Findings       []Finding
	Connections    []Connection
	StaleSources   []string
	ExcludedChecks []string
	Delta          *Delta
	CreatedAt      time.Time
}

// Alert is raised when a vigilance delta check surfaces a new finding at
// MEDIUM severity or above.
type Alert struct {
	EntityID       uuid.UUID
	ProfileID      uuid.UUID
	ProfileVersion int
	MaxSeverity    string
	Findings       []Finding
	Signals        []EvolutionSignal
}

// AlertHandler receives vigilance alerts. It runs on the scheduler
// goroutine and must not block.
type AlertHandler func(Alert)
