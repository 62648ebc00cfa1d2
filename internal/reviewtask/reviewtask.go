// Package reviewtask implements the review-task queue side of the Entity
// Resolver's ambiguous-match escalation and the Network phase's D3 pause
// (§4.4, §4.6): enqueueing a task for a human collaborator, and resolving it
// under authorization from a token scoped to exactly that task (§4.12).
package reviewtask

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/auth"
	"github.com/veritas-screening/veritas/internal/model"
)

// Store is the persistence surface a Service needs; internal/storage.DB
// satisfies it.
type Store interface {
	EnqueueReviewTask(ctx context.Context, t model.ReviewTask) error
	ResolveReviewTask(ctx context.Context, id uuid.UUID, resolution model.ReviewTaskResolution, resolvedBy string) error
	GetReviewTask(ctx context.Context, id uuid.UUID) (model.ReviewTask, error)
	ListPendingReviewTasks(ctx context.Context, investigationID uuid.UUID) ([]model.ReviewTask, error)
}

// Service enqueues and resolves review tasks, minting the scoped tokens a
// reviewer needs to act on one.
type Service struct {
	store   Store
	jwt     *auth.JWTManager
	tokenTTL time.Duration
}

func New(store Store, jwt *auth.JWTManager, tokenTTL time.Duration) *Service {
	return &Service{store: store, jwt: jwt, tokenTTL: tokenTTL}
}

// Enqueue creates a pending review task and returns it along with a token
// scoped to it, ready to hand to the assigned reviewer.
func (s *Service) Enqueue(ctx context.Context, investigationID, subject uuid.UUID, kind model.ReviewTaskKind, candidate *uuid.UUID, matchScore float64, role model.ReviewRole) (model.ReviewTask, string, error) {
	task := model.ReviewTask{
		ID:              uuid.New(),
		InvestigationID: investigationID,
		Kind:            kind,
		Subject:         subject,
		Candidate:       candidate,
		MatchScore:      matchScore,
		Status:          model.ReviewPending,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.EnqueueReviewTask(ctx, task); err != nil {
		return model.ReviewTask{}, "", fmt.Errorf("reviewtask: enqueue: %w", err)
	}
	token, _, err := s.jwt.IssueReviewToken(task, role, s.tokenTTL)
	if err != nil {
		return model.ReviewTask{}, "", fmt.Errorf("reviewtask: issue token: %w", err)
	}
	return task, token, nil
}

// ErrTokenMismatch is returned when a presented token does not authorize
// resolution of the task ID requested.
var ErrTokenMismatch = fmt.Errorf("reviewtask: token does not authorize this task")

// Resolve validates tokenStr against the targeted task and, if it matches,
// records the reviewer's decision.
func (s *Service) Resolve(ctx context.Context, taskID uuid.UUID, tokenStr string, resolution model.ReviewTaskResolution, resolvedBy string) error {
	claims, err := s.jwt.ValidateToken(tokenStr)
	if err != nil {
		return fmt.Errorf("reviewtask: validate token: %w", err)
	}
	if claims.ReviewTaskID != taskID {
		return ErrTokenMismatch
	}
	if err := s.store.ResolveReviewTask(ctx, taskID, resolution, resolvedBy); err != nil {
		return fmt.Errorf("reviewtask: resolve: %w", err)
	}
	return nil
}

// Get returns a review task by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.ReviewTask, error) {
	t, err := s.store.GetReviewTask(ctx, id)
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("reviewtask: get: %w", err)
	}
	return t, nil
}

// ListPending returns the open review tasks blocking an investigation.
func (s *Service) ListPending(ctx context.Context, investigationID uuid.UUID) ([]model.ReviewTask, error) {
	tasks, err := s.store.ListPendingReviewTasks(ctx, investigationID)
	if err != nil {
		return nil, fmt.Errorf("reviewtask: list pending: %w", err)
	}
	return tasks, nil
}
