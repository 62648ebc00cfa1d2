package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veritas-screening/veritas/internal/model"
)

// SaveCheckpoint persists the full state of an in-flight investigation.
// cp.Version is the version being written: a first save inserts version 1,
// and an update applies only while the stored row is still at cp.Version-1,
// so a concurrent writer is detectable (optimistic
// concurrency; the Checkpoint Manager is the sole owner in practice, so
// this guards against a programming error rather than real contention).
func (db *DB) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	cfg, err := json.Marshal(cp.ServiceConfig)
	if err != nil {
		return fmt.Errorf("storage: marshal service config: %w", err)
	}
	types, err := json.Marshal(cp.TypeStates)
	if err != nil {
		return fmt.Errorf("storage: marshal type states: %w", err)
	}
	kb, err := json.Marshal(cp.Knowledge)
	if err != nil {
		return fmt.Errorf("storage: marshal knowledge base: %w", err)
	}
	pending, err := json.Marshal(cp.PendingCalls)
	if err != nil {
		return fmt.Errorf("storage: marshal pending calls: %w", err)
	}

	return WithRetry(ctx, 5, baseRetryDelay, func() error {
		tag, err := db.pool.Exec(ctx,
			`INSERT INTO checkpoints
			   (investigation_id, entity_id, service_config, phase, current_type,
			    type_states, knowledge, pending_calls, finding_ids, visited_entities, version, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1,NOW(),NOW())
			 ON CONFLICT (investigation_id) DO UPDATE SET
			   phase = EXCLUDED.phase,
			   current_type = EXCLUDED.current_type,
			   type_states = EXCLUDED.type_states,
			   knowledge = EXCLUDED.knowledge,
			   pending_calls = EXCLUDED.pending_calls,
			   finding_ids = EXCLUDED.finding_ids,
			   visited_entities = EXCLUDED.visited_entities,
			   version = checkpoints.version + 1,
			   updated_at = NOW()
			 WHERE checkpoints.version = $11`,
			cp.InvestigationID, cp.EntityID, cfg, cp.Phase, cp.CurrentType,
			types, kb, pending, cp.FindingIDs, cp.VisitedEntities, cp.Version-1,
		)
		if err != nil {
			return fmt.Errorf("storage: save checkpoint: %w", err)
		}
		if tag.RowsAffected() == 0 && cp.Version != 0 {
			return fmt.Errorf("storage: checkpoint for %s changed concurrently (expected version %d)", cp.InvestigationID, cp.Version-1)
		}
		return nil
	})
}

// LoadCheckpoint retrieves the persisted state for a resumable investigation.
func (db *DB) LoadCheckpoint(ctx context.Context, investigationID uuid.UUID) (model.Checkpoint, error) {
	var cp model.Checkpoint
	var cfg, types, kb, pending []byte
	err := db.pool.QueryRow(ctx,
		`SELECT investigation_id, entity_id, service_config, phase, current_type,
		        type_states, knowledge, pending_calls, finding_ids, visited_entities, version, created_at, updated_at
		 FROM checkpoints WHERE investigation_id = $1`, investigationID,
	).Scan(&cp.InvestigationID, &cp.EntityID, &cfg, &cp.Phase, &cp.CurrentType,
		&types, &kb, &pending, &cp.FindingIDs, &cp.VisitedEntities, &cp.Version, &cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Checkpoint{}, fmt.Errorf("checkpoint for %s: %w", investigationID, ErrNotFound)
		}
		return model.Checkpoint{}, fmt.Errorf("storage: load checkpoint: %w", err)
	}
	if err := json.Unmarshal(cfg, &cp.ServiceConfig); err != nil {
		return model.Checkpoint{}, fmt.Errorf("storage: unmarshal service config: %w", err)
	}
	if err := json.Unmarshal(types, &cp.TypeStates); err != nil {
		return model.Checkpoint{}, fmt.Errorf("storage: unmarshal type states: %w", err)
	}
	if err := json.Unmarshal(kb, &cp.Knowledge); err != nil {
		return model.Checkpoint{}, fmt.Errorf("storage: unmarshal knowledge base: %w", err)
	}
	if err := json.Unmarshal(pending, &cp.PendingCalls); err != nil {
		return model.Checkpoint{}, fmt.Errorf("storage: unmarshal pending calls: %w", err)
	}
	return cp, nil
}

// DeleteCheckpoint removes a completed investigation's checkpoint row.
func (db *DB) DeleteCheckpoint(ctx context.Context, investigationID uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM checkpoints WHERE investigation_id = $1`, investigationID)
	if err != nil {
		return fmt.Errorf("storage: delete checkpoint: %w", err)
	}
	return nil
}
