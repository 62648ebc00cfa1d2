package reviewtask_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/auth"
	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/reviewtask"
)

type fakeStore struct {
	tasks map[uuid.UUID]model.ReviewTask
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[uuid.UUID]model.ReviewTask)}
}

func (f *fakeStore) EnqueueReviewTask(_ context.Context, t model.ReviewTask) error {
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) ResolveReviewTask(_ context.Context, id uuid.UUID, resolution model.ReviewTaskResolution, resolvedBy string) error {
	t := f.tasks[id]
	t.Status = model.ReviewResolved
	t.Resolution = resolution
	t.ResolvedBy = resolvedBy
	f.tasks[id] = t
	return nil
}

func (f *fakeStore) GetReviewTask(_ context.Context, id uuid.UUID) (model.ReviewTask, error) {
	return f.tasks[id], nil
}

func (f *fakeStore) ListPendingReviewTasks(_ context.Context, investigationID uuid.UUID) ([]model.ReviewTask, error) {
	var out []model.ReviewTask
	for _, t := range f.tasks {
		if t.InvestigationID == investigationID && t.Status == model.ReviewPending {
			out = append(out, t)
		}
	}
	return out, nil
}

func newService(t *testing.T) (*reviewtask.Service, *fakeStore) {
	t.Helper()
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		t.Fatalf("new jwt manager: %v", err)
	}
	store := newFakeStore()
	return reviewtask.New(store, mgr, time.Hour), store
}

func TestEnqueue_ReturnsScopedToken(t *testing.T) {
	svc, store := newService(t)
	invID, subjectID := uuid.New(), uuid.New()

	task, token, err := svc.Enqueue(context.Background(), invID, subjectID, model.ReviewAmbiguousMatch, nil, 0.8, model.ReviewAnalyst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == "" {
		t.Fatal("expected a non-empty token")
	}
	if _, ok := store.tasks[task.ID]; !ok {
		t.Fatal("expected task to be persisted")
	}
}

func TestResolve_ValidTokenSucceeds(t *testing.T) {
	svc, store := newService(t)
	invID, subjectID := uuid.New(), uuid.New()
	task, token, err := svc.Enqueue(context.Background(), invID, subjectID, model.ReviewAmbiguousMatch, nil, 0.8, model.ReviewAnalyst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.Resolve(context.Background(), task.ID, token, model.ResolveConfirmMerge, "reviewer@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.tasks[task.ID].Status != model.ReviewResolved {
		t.Fatal("expected task to be marked resolved")
	}
}

func TestResolve_TokenForDifferentTaskRejected(t *testing.T) {
	svc, _ := newService(t)
	invID, subjectID := uuid.New(), uuid.New()
	_, token, err := svc.Enqueue(context.Background(), invID, subjectID, model.ReviewAmbiguousMatch, nil, 0.8, model.ReviewAnalyst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	otherTaskID := uuid.New()
	err = svc.Resolve(context.Background(), otherTaskID, token, model.ResolveConfirmMerge, "reviewer@example.com")
	if err != reviewtask.ErrTokenMismatch {
		t.Fatalf("expected ErrTokenMismatch, got %v", err)
	}
}

func TestListPending_FiltersByInvestigationAndStatus(t *testing.T) {
	svc, _ := newService(t)
	invA, invB := uuid.New(), uuid.New()

	_, _, err := svc.Enqueue(context.Background(), invA, uuid.New(), model.ReviewAmbiguousMatch, nil, 0.8, model.ReviewAnalyst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, _, err = svc.Enqueue(context.Background(), invB, uuid.New(), model.ReviewReconciliation, nil, 0.9, model.ReviewInvestigator)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pending, err := svc.ListPending(context.Background(), invA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending task for invA, got %d", len(pending))
	}
}
