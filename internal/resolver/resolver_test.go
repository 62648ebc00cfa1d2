package resolver_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/resolver"
	"github.com/veritas-screening/veritas/internal/storage"
)

type fakeStore struct {
	entities map[uuid.UUID]model.Entity
	strong   map[string]uuid.UUID // type|value -> entity ID
}

func newFakeStore() *fakeStore {
	return &fakeStore{entities: make(map[uuid.UUID]model.Entity), strong: make(map[string]uuid.UUID)}
}

func (f *fakeStore) InsertEntity(_ context.Context, e model.Entity) error {
	f.entities[e.ID] = e
	for _, id := range e.Identifiers {
		if id.Strong {
			f.strong[id.Type+"|"+id.Value] = e.ID
		}
	}
	return nil
}

func (f *fakeStore) GetEntity(_ context.Context, id uuid.UUID) (model.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return model.Entity{}, storage.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) MergeEntity(_ context.Context, from, into uuid.UUID) error {
	e := f.entities[from]
	target := into
	e.MergedInto = &target
	f.entities[from] = e
	return nil
}

func (f *fakeStore) FindByStrongIdentifier(_ context.Context, idType, value string) (model.Entity, error) {
	id, ok := f.strong[idType+"|"+value]
	if !ok {
		return model.Entity{}, storage.ErrNotFound
	}
	return f.entities[id], nil
}

type fakeIndex struct {
	results []resolver.CandidateResult
	deleted []uuid.UUID
}

func (f *fakeIndex) Search(_ context.Context, _ string, _ []float32, _ int) ([]resolver.CandidateResult, error) {
	return f.results, nil
}

func (f *fakeIndex) Upsert(_ context.Context, _ []resolver.CandidatePoint) error { return nil }

func (f *fakeIndex) DeleteByIDs(_ context.Context, ids []uuid.UUID) error {
	f.deleted = append(f.deleted, ids...)
	return nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector([]float32{0.1, 0.2, 0.3}), nil
}

type fakeReviewer struct {
	enqueued bool
}

func (f *fakeReviewer) Enqueue(_ context.Context, _, _ uuid.UUID, _ model.ReviewTaskKind, _ *uuid.UUID, _ float64, _ model.ReviewRole) (model.ReviewTask, string, error) {
	f.enqueued = true
	return model.ReviewTask{ID: uuid.New()}, "token", nil
}

func newTestReference() resolver.Reference {
	return resolver.Reference{
		Kind:    model.EntityIndividual,
		Name:    "Jane Doe",
		DOB:     "1980-01-01",
		Address: "123 Main St",
	}
}

func TestResolve_StrongIdentifierExactMatch(t *testing.T) {
	store := newFakeStore()
	existing := model.Entity{ID: uuid.New(), Kind: model.EntityIndividual, Identifiers: []model.Identifier{{Type: "ssn", Value: "123-45-6789", Strong: true}}}
	_ = store.InsertEntity(context.Background(), existing)

	r := resolver.New(store, &fakeIndex{}, fakeEmbedder{}, &fakeReviewer{})
	ref := newTestReference()
	ref.Identifiers = []model.Identifier{{Type: "ssn", Value: "123-45-6789", Strong: true}}

	d, err := r.Resolve(context.Background(), uuid.New(), uuid.New(), model.TierStandard, ref, model.ReviewAnalyst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Status != resolver.StatusConfirmed {
		t.Fatalf("expected confirmed, got %v", d.Status)
	}
	if d.Entity.ID != existing.ID {
		t.Fatalf("expected existing entity %v, got %v", existing.ID, d.Entity.ID)
	}
}

func TestResolve_HighFuzzyScoreConfirmed(t *testing.T) {
	store := newFakeStore()
	existing := model.Entity{ID: uuid.New(), Kind: model.EntityIndividual}
	_ = store.InsertEntity(context.Background(), existing)
	index := &fakeIndex{results: []resolver.CandidateResult{{EntityID: existing.ID, Score: 0.97}}}

	r := resolver.New(store, index, fakeEmbedder{}, &fakeReviewer{})
	d, err := r.Resolve(context.Background(), uuid.New(), uuid.New(), model.TierStandard, newTestReference(), model.ReviewAnalyst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Status != resolver.StatusConfirmed {
		t.Fatalf("expected confirmed, got %v", d.Status)
	}
}

func TestResolve_StandardTierAutoResolvesAboveAutoMergeThreshold(t *testing.T) {
	store := newFakeStore()
	existing := model.Entity{ID: uuid.New(), Kind: model.EntityIndividual}
	_ = store.InsertEntity(context.Background(), existing)
	index := &fakeIndex{results: []resolver.CandidateResult{{EntityID: existing.ID, Score: 0.88}}}

	r := resolver.New(store, index, fakeEmbedder{}, &fakeReviewer{})
	d, err := r.Resolve(context.Background(), uuid.New(), uuid.New(), model.TierStandard, newTestReference(), model.ReviewAnalyst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Status != resolver.StatusAutoResolved {
		t.Fatalf("expected auto_resolved, got %v", d.Status)
	}
	if d.Entity.ID != existing.ID {
		t.Fatalf("expected entity to be the matched candidate")
	}
}

func TestResolve_StandardTierBelowAutoMergeThresholdCreatesNewEntity(t *testing.T) {
	store := newFakeStore()
	existing := model.Entity{ID: uuid.New(), Kind: model.EntityIndividual}
	_ = store.InsertEntity(context.Background(), existing)
	index := &fakeIndex{results: []resolver.CandidateResult{{EntityID: existing.ID, Score: 0.75}}}

	r := resolver.New(store, index, fakeEmbedder{}, &fakeReviewer{})
	d, err := r.Resolve(context.Background(), uuid.New(), uuid.New(), model.TierStandard, newTestReference(), model.ReviewAnalyst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Status != resolver.StatusNew {
		t.Fatalf("expected new, got %v", d.Status)
	}
	if d.Entity.ID == existing.ID {
		t.Fatal("expected a freshly minted entity distinct from the candidate")
	}
	if d.Candidate == nil || d.Candidate.Entity.ID != existing.ID {
		t.Fatalf("the near-miss candidate must ride along for uncertainty flagging, got %+v", d.Candidate)
	}
	if d.Candidate.Score != 0.75 {
		t.Fatalf("the fuzzy score must survive into the decision, got %v", d.Candidate.Score)
	}
}

func TestResolve_EnhancedTierAmbiguousEnqueuesReviewAndStaysProvisional(t *testing.T) {
	store := newFakeStore()
	existing := model.Entity{ID: uuid.New(), Kind: model.EntityIndividual}
	_ = store.InsertEntity(context.Background(), existing)
	index := &fakeIndex{results: []resolver.CandidateResult{{EntityID: existing.ID, Score: 0.80}}}
	reviewer := &fakeReviewer{}

	r := resolver.New(store, index, fakeEmbedder{}, reviewer)
	d, err := r.Resolve(context.Background(), uuid.New(), uuid.New(), model.TierEnhanced, newTestReference(), model.ReviewAnalyst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Status != resolver.StatusProvisional {
		t.Fatalf("expected provisional, got %v", d.Status)
	}
	if !reviewer.enqueued {
		t.Fatal("expected a review task to be enqueued")
	}
	if d.ReviewTaskID == nil {
		t.Fatal("expected a review task ID to be attached to the decision")
	}
	if d.Entity.ID == existing.ID {
		t.Fatal("expected provisional entity to be distinct from the candidate pending review")
	}
}

func TestResolve_NoCandidateBelowAmbiguousThresholdIsNew(t *testing.T) {
	store := newFakeStore()
	index := &fakeIndex{results: []resolver.CandidateResult{{EntityID: uuid.New(), Score: 0.50}}}

	r := resolver.New(store, index, fakeEmbedder{}, &fakeReviewer{})
	d, err := r.Resolve(context.Background(), uuid.New(), uuid.New(), model.TierEnhanced, newTestReference(), model.ReviewAnalyst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Status != resolver.StatusNew {
		t.Fatalf("expected new, got %v", d.Status)
	}
}

func TestResolve_EmptyIndexIsNew(t *testing.T) {
	store := newFakeStore()
	r := resolver.New(store, &fakeIndex{}, fakeEmbedder{}, &fakeReviewer{})
	d, err := r.Resolve(context.Background(), uuid.New(), uuid.New(), model.TierStandard, newTestReference(), model.ReviewAnalyst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Status != resolver.StatusNew {
		t.Fatalf("expected new, got %v", d.Status)
	}
}

func TestConfirmMerge_RemovesProvisionalFromIndex(t *testing.T) {
	store := newFakeStore()
	provisional := model.Entity{ID: uuid.New()}
	_ = store.InsertEntity(context.Background(), provisional)
	index := &fakeIndex{}

	r := resolver.New(store, index, fakeEmbedder{}, &fakeReviewer{})
	canonical := uuid.New()
	if err := r.ConfirmMerge(context.Background(), provisional.ID, canonical); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	merged, err := store.GetEntity(context.Background(), provisional.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged.MergedInto == nil || *merged.MergedInto != canonical {
		t.Fatal("expected provisional entity to carry a forwarding pointer to canonical")
	}
	if len(index.deleted) != 1 || index.deleted[0] != provisional.ID {
		t.Fatal("expected provisional entity removed from the candidate index")
	}
}

func TestResolve_StrongIdentifierLookupErrorPropagates(t *testing.T) {
	// sanity check that storage.ErrNotFound specifically is swallowed, not
	// errors in general.
	if errors.Is(storage.ErrNotFound, errors.New("other")) {
		t.Fatal("sanity check failed")
	}
}
