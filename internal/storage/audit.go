package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/veritas-screening/veritas/internal/model"
)

// AppendAudit reserves the next monotonic sequence number for an
// investigation under a single exclusive section (advisory lock), invokes
// computeHash with the reserved (sequence, timestamp, prevHash) so the
// caller can produce a hash that covers the assigned values, and inserts the
// row in the same transaction. This satisfies the §5 "total order per
// investigation" and §9 "write-ahead discipline" requirements: callers must
// not expose a state transition externally until this call returns
// successfully.
func (db *DB) AppendAudit(ctx context.Context, investigationKey string, actor model.AuditActor, category model.AuditCategory, payloadRef string, computeHash func(ev model.AuditEvent) string) (model.AuditEvent, error) {
	var ev model.AuditEvent
	err := WithRetry(ctx, 5, baseRetryDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin audit tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		// pg_advisory_xact_lock serializes sequence assignment per
		// investigation without holding a row lock across unrelated audit
		// streams (§5 "across investigations partial order only").
		lockKey := hashKey(investigationKey)
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
			return fmt.Errorf("storage: acquire audit lock: %w", err)
		}

		var prevHash string
		err = tx.QueryRow(ctx,
			`SELECT COALESCE((SELECT hash FROM audit_events WHERE investigation_key = $1 ORDER BY sequence DESC LIMIT 1), ''),
			        COALESCE((SELECT MAX(sequence) FROM audit_events WHERE investigation_key = $1), 0) + 1,
			        NOW()`,
			investigationKey,
		).Scan(&prevHash, &ev.Sequence, &ev.Timestamp)
		if err != nil {
			return fmt.Errorf("storage: reserve audit sequence: %w", err)
		}
		ev.Actor, ev.Category, ev.PayloadRef, ev.PrevHash = actor, category, payloadRef, prevHash
		ev.Hash = computeHash(ev)

		_, err = tx.Exec(ctx,
			`INSERT INTO audit_events (investigation_key, sequence, timestamp, actor, category, payload_ref, prev_hash, hash)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			investigationKey, ev.Sequence, ev.Timestamp, actor, category, payloadRef, prevHash, ev.Hash,
		)
		if err != nil {
			return fmt.Errorf("storage: insert audit event: %w", err)
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("%w: %w", ErrAuditWriteFailed, err)
	}
	return ev, nil
}

// ErrAuditWriteFailed marks an audit append as fatal at the process level
// for the action it was meant to accompany (§7).
var ErrAuditWriteFailed = errors.New("storage: audit write failed")

// LatestAuditHash returns the hash of the most recent event for an
// investigation, or "" if none exists yet (genesis link).
func (db *DB) LatestAuditHash(ctx context.Context, investigationKey string) (string, error) {
	var hash string
	err := db.pool.QueryRow(ctx,
		`SELECT hash FROM audit_events WHERE investigation_key = $1 ORDER BY sequence DESC LIMIT 1`,
		investigationKey,
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("storage: latest audit hash: %w", err)
	}
	return hash, nil
}

// ListAuditEvents returns the full ordered event chain for an investigation,
// for hash-chain verification (§4.11, §8).
func (db *DB) ListAuditEvents(ctx context.Context, investigationKey string) ([]model.AuditEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT sequence, timestamp, actor, category, payload_ref, prev_hash, hash
		 FROM audit_events WHERE investigation_key = $1 ORDER BY sequence ASC`,
		investigationKey,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit events: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		if err := rows.Scan(&ev.Sequence, &ev.Timestamp, &ev.Actor, &ev.Category, &ev.PayloadRef, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// hashKey folds a string key into an int64 advisory-lock key via FNV-1a.
func hashKey(s string) int64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return int64(h)
}
