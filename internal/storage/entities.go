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

// InsertEntity creates a new canonical entity.
func (db *DB) InsertEntity(ctx context.Context, e model.Entity) error {
	idents, err := json.Marshal(e.Identifiers)
	if err != nil {
		return fmt.Errorf("storage: marshal identifiers: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO entities (id, kind, identifiers, aliases, first_seen, last_updated, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), NOW())`,
		e.ID, e.Kind, idents, e.Aliases, e.FirstSeen,
	)
	if err != nil {
		return fmt.Errorf("storage: insert entity: %w", err)
	}
	return nil
}

// GetEntity retrieves an entity by ID, following merge-forwarding pointers
// if the stored row has been merged into a canonical entity.
func (db *DB) GetEntity(ctx context.Context, id uuid.UUID) (model.Entity, error) {
	e, err := db.getEntityRaw(ctx, id)
	if err != nil {
		return model.Entity{}, err
	}
	seen := map[uuid.UUID]bool{id: true}
	for e.MergedInto != nil {
		if seen[*e.MergedInto] {
			return model.Entity{}, fmt.Errorf("storage: merge cycle detected at entity %s", id)
		}
		seen[*e.MergedInto] = true
		e, err = db.getEntityRaw(ctx, *e.MergedInto)
		if err != nil {
			return model.Entity{}, err
		}
	}
	return e, nil
}

func (db *DB) getEntityRaw(ctx context.Context, id uuid.UUID) (model.Entity, error) {
	var e model.Entity
	var idents []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, kind, identifiers, aliases, merged_into, first_seen, last_updated, created_at, updated_at
		 FROM entities WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(&e.ID, &e.Kind, &idents, &e.Aliases, &e.MergedInto, &e.FirstSeen, &e.LastUpdate, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entity{}, fmt.Errorf("entity %s: %w", id, ErrNotFound)
		}
		return model.Entity{}, fmt.Errorf("storage: get entity: %w", err)
	}
	if err := json.Unmarshal(idents, &e.Identifiers); err != nil {
		return model.Entity{}, fmt.Errorf("storage: unmarshal identifiers: %w", err)
	}
	return e, nil
}

// MergeEntity records that `from` has been merged into `into`, leaving a
// forwarding pointer. Old references continue to resolve through GetEntity.
// Callers must also append an AuditMerge event (§4.4, §9 "at-most-once").
func (db *DB) MergeEntity(ctx context.Context, from, into uuid.UUID) error {
	if from == into {
		return fmt.Errorf("storage: cannot merge entity %s into itself", from)
	}
	return WithRetry(ctx, 5, baseRetryDelay, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE entities SET merged_into = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
			from, into,
		)
		if err != nil {
			return fmt.Errorf("storage: merge entity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("entity %s: %w", from, ErrNotFound)
		}
		return nil
	})
}

// FindByStrongIdentifier looks up an entity by an exact strong-identifier
// match (§4.4 resolution step (a)). Returns ErrNotFound if none matches.
func (db *DB) FindByStrongIdentifier(ctx context.Context, idType, value string) (model.Entity, error) {
	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT id FROM entities
		 WHERE deleted_at IS NULL
		   AND identifiers @> $1::jsonb
		 LIMIT 1`,
		fmt.Sprintf(`[{"type":%q,"value":%q,"strong":true}]`, idType, value),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entity{}, fmt.Errorf("strong identifier %s=%s: %w", idType, value, ErrNotFound)
		}
		return model.Entity{}, fmt.Errorf("storage: find by strong identifier: %w", err)
	}
	return db.GetEntity(ctx, id)
}
