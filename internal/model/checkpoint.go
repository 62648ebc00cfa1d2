package model

import (
	"time"

	"github.com/google/uuid"
)

// Phase is the Phase Orchestrator's current position (§4.6).
type Phase string

const (
	PhaseFoundation     Phase = "foundation"
	PhaseRecords        Phase = "records"
	PhaseIntelligence   Phase = "intelligence"
	PhaseNetwork        Phase = "network"
	PhaseReconciliation Phase = "reconciliation"
	PhaseComplete       Phase = "complete"
)

// TypeStatus is the terminal or in-progress state of one information type's
// SAR loop (§3 TypeCycleState).
type TypeStatus string

const (
	TypePending             TypeStatus = "pending"
	TypeInProgress           TypeStatus = "in_progress"
	TypeCompleteThreshold    TypeStatus = "complete_threshold"
	TypeCompleteCapped       TypeStatus = "complete_capped"
	TypeCompleteDiminished   TypeStatus = "complete_diminished"
	TypeFailed               TypeStatus = "failed"
)

// TypeCycleState tracks one information type's SAR iteration history within
// an investigation.
type TypeCycleState struct {
	InformationType string     `json:"information_type"`
	Iteration       int        `json:"iteration"`
	LastInfoGainRate float64   `json:"last_info_gain_rate"`
	TypeConfidence  float64    `json:"type_confidence"`
	Findings        []uuid.UUID `json:"findings"`
	Gaps            []string   `json:"gaps"`
	Status          TypeStatus `json:"status"`
}

// PendingCall records an in-flight provider call by fingerprint so resume
// can consult the cache before re-issuing it (§4.10, idempotent resume).
type PendingCall struct {
	Fingerprint string    `json:"fingerprint"`
	IssuedAt    time.Time `json:"issued_at"`
	Iteration   int       `json:"iteration"`
}

// Checkpoint is the full persisted state of an in-flight investigation,
// written on every phase boundary and on explicit checkpoint calls.
type Checkpoint struct {
	InvestigationID uuid.UUID                 `json:"investigation_id"`
	EntityID        uuid.UUID                 `json:"entity_id"`
	ServiceConfig   ServiceConfiguration       `json:"service_config"`
	Phase           Phase                      `json:"phase"`
	CurrentType     string                     `json:"current_type"`
	TypeStates      map[string]TypeCycleState  `json:"type_states"`
	Knowledge       KnowledgeBase              `json:"knowledge"`
	PendingCalls    map[string]PendingCall     `json:"pending_calls"`
	FindingIDs      []uuid.UUID                `json:"finding_ids"`
	VisitedEntities []uuid.UUID                `json:"visited_entities"`
	Version         int64                      `json:"version"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}
