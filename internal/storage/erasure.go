package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// EraseEntity implements the erasure contract (§6): the entity record is
// soft-deleted and stripped of identifying attributes, its profiles and
// findings are anonymized, cache entries referencing it are removed, and
// it is pruned from other entities' connection graphs. The operation is
// idempotent: erasing an already-erased entity changes nothing.
func (db *DB) EraseEntity(ctx context.Context, entityID uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: erase begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx,
		`UPDATE entities
		 SET identifiers = '[]', aliases = '{}', embedding = NULL,
		     deleted_at = COALESCE(deleted_at, NOW()), updated_at = NOW()
		 WHERE id = $1`, entityID); err != nil {
		return fmt.Errorf("storage: erase entity record: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE findings SET details = '{}', redacted_fields = ARRAY['erased']
		 WHERE entity_id = $1`, entityID); err != nil {
		return fmt.Errorf("storage: erase findings: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE entity_profiles SET connections = '[]', stale_sources = '{}', updated_at = NOW()
		 WHERE entity_id = $1`, entityID); err != nil {
		return fmt.Errorf("storage: erase profiles: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM cache_entries WHERE entity_id = $1`, entityID.String()); err != nil {
		return fmt.Errorf("storage: erase cache entries: %w", err)
	}

	// Prune the erased entity from every other profile's connection edges.
	if _, err := tx.Exec(ctx,
		`UPDATE entity_profiles
		 SET connections = COALESCE(
		       (SELECT jsonb_agg(c) FROM jsonb_array_elements(connections) c
		        WHERE c->>'entity_id' <> $1), '[]'::jsonb),
		     updated_at = NOW()
		 WHERE connections::text LIKE '%' || $1 || '%'`, entityID.String()); err != nil {
		return fmt.Errorf("storage: prune connections: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM scheduled_checks WHERE entity_id = $1`, entityID); err != nil {
		return fmt.Errorf("storage: erase scheduled checks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: erase commit: %w", err)
	}
	return nil
}
