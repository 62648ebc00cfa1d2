package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/service/embedding"
	"github.com/veritas-screening/veritas/internal/storage"
)

// Confirmed match and ambiguity thresholds (§4.4). Kept as package-level
// constants rather than config because the spec fixes them as part of the
// resolution contract, not a deployment tunable.
const (
	thresholdConfirmed = 0.95
	thresholdAmbiguous = 0.70
	thresholdAutoMerge = 0.85
)

// Status describes how a Resolve call settled an incoming reference.
type Status string

const (
	// StatusConfirmed is an exact strong-identifier match, or a fuzzy match
	// at or above the confirmed threshold.
	StatusConfirmed Status = "confirmed"
	// StatusAutoResolved is a fuzzy match above the auto-merge threshold for
	// Standard tier.
	StatusAutoResolved Status = "auto_resolved"
	// StatusNew is a newly minted entity: no match, or a Standard-tier
	// ambiguous match below the auto-merge threshold.
	StatusNew Status = "new"
	// StatusProvisional is a newly minted entity pending human review of an
	// Enhanced-tier ambiguous match; the entity is usable but may later be
	// merged into the candidate once a reviewer confirms.
	StatusProvisional Status = "provisional"
)

// Decision is the outcome of resolving one incoming entity reference.
type Decision struct {
	Status       Status
	Entity       model.Entity
	Candidate    *model.MatchCandidate
	ReviewTaskID *uuid.UUID
}

// Store is the persistence surface the resolver needs; internal/storage.DB
// satisfies it.
type Store interface {
	InsertEntity(ctx context.Context, e model.Entity) error
	GetEntity(ctx context.Context, id uuid.UUID) (model.Entity, error)
	MergeEntity(ctx context.Context, from, into uuid.UUID) error
	FindByStrongIdentifier(ctx context.Context, idType, value string) (model.Entity, error)
}

// CandidateIndex is the fuzzy-match vector index the resolver consults;
// *QdrantIndex satisfies it.
type CandidateIndex interface {
	Search(ctx context.Context, kind string, embedding []float32, limit int) ([]CandidateResult, error)
	Upsert(ctx context.Context, points []CandidatePoint) error
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
}

// Embedder turns an entity's weak-identifier attributes into a vector;
// internal/service/embedding.Provider satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// Reviewer enqueues an Enhanced-tier ambiguous match for human review;
// *internal/reviewtask.Service satisfies it.
type Reviewer interface {
	Enqueue(ctx context.Context, investigationID, subject uuid.UUID, kind model.ReviewTaskKind, candidate *uuid.UUID, matchScore float64, role model.ReviewRole) (model.ReviewTask, string, error)
}

// Resolver implements the Entity Registry & Resolver.
type Resolver struct {
	store    Store
	index    CandidateIndex
	embedder Embedder
	review   Reviewer
}

func New(store Store, index CandidateIndex, embedder Embedder, review Reviewer) *Resolver {
	return &Resolver{store: store, index: index, embedder: embedder, review: review}
}

// Reference is an incoming entity reference to resolve: a set of
// identifiers (strong and weak) observed for a subject or discovered
// relation.
type Reference struct {
	Kind        model.EntityKind
	Identifiers []model.Identifier
	Name        string
	DOB         string
	Address     string
}

// attributeString builds the text embedded for fuzzy matching. Field order
// is fixed so the same (name, dob, address) triple always embeds
// identically.
func (r Reference) attributeString() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(r.Name)))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(strings.TrimSpace(r.DOB)))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(strings.TrimSpace(r.Address)))
	return b.String()
}

// Resolve settles an incoming reference to a canonical entity, per §4.4's
// exact-then-fuzzy resolution with tier-aware ambiguity handling.
// investigationID and subject identify the review task an Enhanced-tier
// ambiguous match is enqueued against; role is the reviewer class assigned
// to that task.
func (r *Resolver) Resolve(ctx context.Context, investigationID, subject uuid.UUID, tier model.Tier, ref Reference, reviewRole model.ReviewRole) (Decision, error) {
	if d, ok, err := r.matchStrongIdentifier(ctx, ref); err != nil {
		return Decision{}, err
	} else if ok {
		return d, nil
	}

	candidate, score, err := r.bestFuzzyCandidate(ctx, ref)
	if err != nil {
		return Decision{}, err
	}

	switch {
	case candidate == nil || score < thresholdAmbiguous:
		return r.mintNew(ctx, ref, StatusNew, nil, 0)

	case score >= thresholdConfirmed:
		return Decision{
			Status:    StatusConfirmed,
			Entity:    *candidate,
			Candidate: &model.MatchCandidate{Entity: *candidate, Score: score},
		}, nil

	case tier == model.TierEnhanced:
		decision, err := r.mintNew(ctx, ref, StatusProvisional, candidate, score)
		if err != nil {
			return Decision{}, err
		}
		task, _, err := r.review.Enqueue(ctx, investigationID, subject, model.ReviewAmbiguousMatch, &candidate.ID, score, reviewRole)
		if err != nil {
			return Decision{}, fmt.Errorf("resolver: enqueue ambiguous match review: %w", err)
		}
		decision.ReviewTaskID = &task.ID
		return decision, nil

	case score >= thresholdAutoMerge:
		return Decision{
			Status:    StatusAutoResolved,
			Entity:    *candidate,
			Candidate: &model.MatchCandidate{Entity: *candidate, Score: score},
		}, nil

	default:
		// Standard tier, ambiguous but below auto-merge: a new entity is
		// minted with the near-miss candidate and its score attached so the
		// caller can flag the uncertainty (§4.4).
		return r.mintNew(ctx, ref, StatusNew, candidate, score)
	}
}

func (r *Resolver) matchStrongIdentifier(ctx context.Context, ref Reference) (Decision, bool, error) {
	for _, id := range ref.Identifiers {
		if !id.Strong {
			continue
		}
		entity, err := r.store.FindByStrongIdentifier(ctx, id.Type, id.Value)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return Decision{}, false, fmt.Errorf("resolver: strong identifier lookup: %w", err)
		}
		return Decision{
			Status: StatusConfirmed,
			Entity: entity,
			Candidate: &model.MatchCandidate{Entity: entity, Score: 1.0},
		}, true, nil
	}
	return Decision{}, false, nil
}

func (r *Resolver) bestFuzzyCandidate(ctx context.Context, ref Reference) (*model.Entity, float64, error) {
	if r.index == nil || r.embedder == nil {
		// No vector backend configured: every non-exact reference mints a
		// new entity rather than failing resolution outright.
		return nil, 0, nil
	}
	vec, err := r.embedder.Embed(ctx, ref.attributeString())
	if err != nil {
		if errors.Is(err, embedding.ErrNoProvider) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("resolver: embed attributes: %w", err)
	}

	results, err := r.index.Search(ctx, string(ref.Kind), vec.Slice(), 5)
	if err != nil {
		return nil, 0, fmt.Errorf("resolver: search candidates: %w", err)
	}
	if len(results) == 0 {
		return nil, 0, nil
	}

	best := results[0]
	for _, res := range results[1:] {
		if res.Score > best.Score {
			best = res
		}
	}
	if float64(best.Score) < thresholdAmbiguous {
		return nil, 0, nil
	}

	entity, err := r.store.GetEntity(ctx, best.EntityID)
	if err != nil {
		return nil, 0, fmt.Errorf("resolver: load candidate entity: %w", err)
	}
	if entity.MergedInto != nil {
		entity, err = r.store.GetEntity(ctx, *entity.MergedInto)
		if err != nil {
			return nil, 0, fmt.Errorf("resolver: load merged-into entity: %w", err)
		}
	}
	return &entity, float64(best.Score), nil
}

func (r *Resolver) mintNew(ctx context.Context, ref Reference, status Status, candidate *model.Entity, score float64) (Decision, error) {
	now := time.Now().UTC()
	entity := model.Entity{
		ID:          uuid.New(),
		Kind:        ref.Kind,
		Identifiers: ref.Identifiers,
		FirstSeen:   now,
		LastUpdate:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.InsertEntity(ctx, entity); err != nil {
		return Decision{}, fmt.Errorf("resolver: insert new entity: %w", err)
	}

	if r.index != nil && r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, ref.attributeString())
		if err == nil {
			_ = r.index.Upsert(ctx, []CandidatePoint{{EntityID: entity.ID, Kind: string(ref.Kind), Embedding: vec.Slice()}})
		}
	}

	d := Decision{Status: status, Entity: entity}
	if candidate != nil {
		d.Candidate = &model.MatchCandidate{Entity: *candidate, Score: score}
	}
	return d, nil
}

// ConfirmMerge merges a provisional entity into the reviewer-confirmed
// candidate, leaving a forwarding pointer so old references resolve to the
// canonical entity (§4.4). Called by the review-task resolution path once a
// human confirms an Enhanced-tier ambiguous match.
func (r *Resolver) ConfirmMerge(ctx context.Context, provisional, canonical uuid.UUID) error {
	if err := r.store.MergeEntity(ctx, provisional, canonical); err != nil {
		return fmt.Errorf("resolver: confirm merge: %w", err)
	}
	if r.index != nil {
		if err := r.index.DeleteByIDs(ctx, []uuid.UUID{provisional}); err != nil {
			return fmt.Errorf("resolver: remove merged entity from index: %w", err)
		}
	}
	return nil
}
