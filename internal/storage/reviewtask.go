package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veritas-screening/veritas/internal/model"
)

// EnqueueReviewTask inserts a pending review task (§4.4 Enhanced-tier
// ambiguous match, §4.12).
func (db *DB) EnqueueReviewTask(ctx context.Context, t model.ReviewTask) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO review_tasks (id, investigation_id, kind, subject_entity_id, candidate_entity_id, match_score, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,'pending',NOW())`,
		t.ID, t.InvestigationID, t.Kind, t.Subject, t.Candidate, t.MatchScore,
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue review task: %w", err)
	}
	if err := db.Notify(ctx, ChannelReviewTasks, t.ID.String()); err != nil {
		return fmt.Errorf("storage: notify review task: %w", err)
	}
	return nil
}

// ResolveReviewTask marks a pending task resolved. Returns ErrNotFound if the
// task doesn't exist or was already resolved (resolution is not idempotent
// by design — a second resolve attempt is a caller bug, not a retry case).
func (db *DB) ResolveReviewTask(ctx context.Context, id uuid.UUID, resolution model.ReviewTaskResolution, resolvedBy string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE review_tasks SET status = 'resolved', resolution = $2, resolved_by = $3, resolved_at = NOW()
		 WHERE id = $1 AND status = 'pending'`,
		id, resolution, resolvedBy,
	)
	if err != nil {
		return fmt.Errorf("storage: resolve review task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("review task %s: %w", id, ErrNotFound)
	}
	return db.Notify(ctx, ChannelReviewTasks, id.String())
}

// GetReviewTask retrieves a review task by ID.
func (db *DB) GetReviewTask(ctx context.Context, id uuid.UUID) (model.ReviewTask, error) {
	var t model.ReviewTask
	var resolvedAt *time.Time
	var resolution, resolvedBy *string
	err := db.pool.QueryRow(ctx,
		`SELECT id, investigation_id, kind, subject_entity_id, candidate_entity_id, match_score,
		        status, resolution, resolved_by, created_at, resolved_at
		 FROM review_tasks WHERE id = $1`, id,
	).Scan(&t.ID, &t.InvestigationID, &t.Kind, &t.Subject, &t.Candidate, &t.MatchScore,
		&t.Status, &resolution, &resolvedBy, &t.CreatedAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ReviewTask{}, fmt.Errorf("review task %s: %w", id, ErrNotFound)
		}
		return model.ReviewTask{}, fmt.Errorf("storage: get review task: %w", err)
	}
	if resolution != nil {
		t.Resolution = model.ReviewTaskResolution(*resolution)
	}
	if resolvedBy != nil {
		t.ResolvedBy = *resolvedBy
	}
	t.ResolvedAt = resolvedAt
	return t, nil
}

// ListPendingReviewTasks returns pending tasks for an investigation.
func (db *DB) ListPendingReviewTasks(ctx context.Context, investigationID uuid.UUID) ([]model.ReviewTask, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, investigation_id, kind, subject_entity_id, candidate_entity_id, match_score, status, created_at
		 FROM review_tasks WHERE investigation_id = $1 AND status = 'pending' ORDER BY created_at ASC`,
		investigationID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending review tasks: %w", err)
	}
	defer rows.Close()

	var out []model.ReviewTask
	for rows.Next() {
		var t model.ReviewTask
		if err := rows.Scan(&t.ID, &t.InvestigationID, &t.Kind, &t.Subject, &t.Candidate, &t.MatchScore, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan review task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
