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

// UpsertScheduledCheck records or updates an entity's vigilance schedule.
func (db *DB) UpsertScheduledCheck(ctx context.Context, sc model.ScheduledCheck) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO scheduled_checks (id, entity_id, vigilance, last_run, next_due, real_time, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW())
		 ON CONFLICT (entity_id) DO UPDATE SET
		   vigilance = EXCLUDED.vigilance,
		   last_run = EXCLUDED.last_run,
		   next_due = EXCLUDED.next_due,
		   real_time = EXCLUDED.real_time,
		   updated_at = NOW()`,
		sc.ID, sc.EntityID, sc.Vigilance, sc.LastRun, sc.NextDue, sc.RealTime,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert scheduled check: %w", err)
	}
	return nil
}

// DueScheduledChecks returns scheduled checks whose NextDue has passed,
// for the vigilance scheduler's poll tick.
func (db *DB) DueScheduledChecks(ctx context.Context, asOf time.Time, limit int) ([]model.ScheduledCheck, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, entity_id, vigilance, last_run, next_due, real_time, created_at, updated_at
		 FROM scheduled_checks WHERE next_due <= $1 ORDER BY next_due ASC LIMIT $2`,
		asOf, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: due scheduled checks: %w", err)
	}
	defer rows.Close()

	var out []model.ScheduledCheck
	for rows.Next() {
		var sc model.ScheduledCheck
		if err := rows.Scan(&sc.ID, &sc.EntityID, &sc.Vigilance, &sc.LastRun, &sc.NextDue, &sc.RealTime, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan scheduled check: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// GetScheduledCheck retrieves an entity's vigilance schedule.
func (db *DB) GetScheduledCheck(ctx context.Context, entityID uuid.UUID) (model.ScheduledCheck, error) {
	var sc model.ScheduledCheck
	err := db.pool.QueryRow(ctx,
		`SELECT id, entity_id, vigilance, last_run, next_due, real_time, created_at, updated_at
		 FROM scheduled_checks WHERE entity_id = $1`, entityID,
	).Scan(&sc.ID, &sc.EntityID, &sc.Vigilance, &sc.LastRun, &sc.NextDue, &sc.RealTime, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ScheduledCheck{}, fmt.Errorf("scheduled check for %s: %w", entityID, ErrNotFound)
		}
		return model.ScheduledCheck{}, fmt.Errorf("storage: get scheduled check: %w", err)
	}
	return sc, nil
}
