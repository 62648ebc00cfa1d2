package model

import (
	"time"

	"github.com/google/uuid"
)

// ReviewTaskKind is what the task is asking a human reviewer to resolve.
type ReviewTaskKind string

const (
	ReviewAmbiguousMatch   ReviewTaskKind = "ambiguous_match"
	ReviewReconciliation   ReviewTaskKind = "reconciliation"
)

// ReviewTaskStatus tracks a review task through its lifecycle.
type ReviewTaskStatus string

const (
	ReviewPending  ReviewTaskStatus = "pending"
	ReviewResolved ReviewTaskStatus = "resolved"
)

// ReviewTaskResolution is what the reviewer decided.
type ReviewTaskResolution string

const (
	ResolveConfirmMerge ReviewTaskResolution = "confirm_merge"
	ResolveNewEntity    ReviewTaskResolution = "new_entity"
)

// ReviewTask is enqueued whenever an Enhanced-tier investigation hits an
// ambiguity it cannot auto-resolve (§4.4 ambiguous match band, §4.6 D3
// pause). It is resolved out-of-band by a collaborator outside this
// engine's trust boundary (§1); resolution is authorized by a scoped JWT
// minted for exactly this task (§4.12).
type ReviewTask struct {
	ID              uuid.UUID            `json:"id"`
	InvestigationID uuid.UUID            `json:"investigation_id"`
	Kind            ReviewTaskKind       `json:"kind"`
	Subject         uuid.UUID            `json:"subject_entity_id"`
	Candidate       *uuid.UUID           `json:"candidate_entity_id,omitempty"`
	MatchScore      float64              `json:"match_score,omitempty"`
	Status          ReviewTaskStatus     `json:"status"`
	Resolution      ReviewTaskResolution `json:"resolution,omitempty"`
	ResolvedBy      string               `json:"resolved_by,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	ResolvedAt      *time.Time           `json:"resolved_at,omitempty"`
}

// ScheduledCheck is the persisted state of the Vigilance Scheduler's
// per-entity recurring re-screen (§4.9).
type ScheduledCheck struct {
	ID         uuid.UUID `json:"id"`
	EntityID   uuid.UUID `json:"entity_id"`
	Vigilance  Vigilance `json:"vigilance"`
	LastRun    time.Time `json:"last_run"`
	NextDue    time.Time `json:"next_due"`
	RealTime   bool      `json:"real_time"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
