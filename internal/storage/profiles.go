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

// InsertProfile appends a new versioned profile for an entity. Version must
// be exactly one greater than the latest existing version (enforced by a
// unique (entity_id, version) constraint plus a caller-side read before
// write); v>1 must carry a non-nil Delta (§8).
func (db *DB) InsertProfile(ctx context.Context, p model.EntityProfile) error {
	if p.Version > 1 && p.Delta == nil {
		return fmt.Errorf("storage: profile v%d for entity %s missing required delta", p.Version, p.EntityID)
	}
	findings, err := json.Marshal(p.Findings)
	if err != nil {
		return fmt.Errorf("storage: marshal findings: %w", err)
	}
	conns, err := json.Marshal(p.Connections)
	if err != nil {
		return fmt.Errorf("storage: marshal connections: %w", err)
	}
	cfg, err := json.Marshal(p.ServiceConfig)
	if err != nil {
		return fmt.Errorf("storage: marshal service config: %w", err)
	}
	var delta []byte
	if p.Delta != nil {
		delta, err = json.Marshal(p.Delta)
		if err != nil {
			return fmt.Errorf("storage: marshal delta: %w", err)
		}
	}
	return WithRetry(ctx, 5, baseRetryDelay, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO entity_profiles
			   (id, entity_id, version, status, trigger, service_config, findings,
			    risk_score, connections, stale_sources, excluded_checks, delta, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW(),NOW())`,
			p.ID, p.EntityID, p.Version, p.Status, p.Trigger, cfg, findings,
			p.RiskScore, conns, p.StaleSources, p.ExcludedChecks, delta,
		)
		if err != nil {
			return fmt.Errorf("storage: insert profile: %w", err)
		}
		return nil
	})
}

// LatestProfile returns the highest-version profile for an entity, or
// ErrNotFound if the entity has never been investigated.
func (db *DB) LatestProfile(ctx context.Context, entityID uuid.UUID) (model.EntityProfile, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, entity_id, version, status, trigger, service_config, findings,
		        risk_score, connections, stale_sources, excluded_checks, delta, created_at, updated_at
		 FROM entity_profiles
		 WHERE entity_id = $1
		 ORDER BY version DESC
		 LIMIT 1`, entityID,
	)
	return scanProfile(row)
}

func scanProfile(row pgx.Row) (model.EntityProfile, error) {
	var p model.EntityProfile
	var cfg, findings, conns, delta []byte
	err := row.Scan(&p.ID, &p.EntityID, &p.Version, &p.Status, &p.Trigger, &cfg, &findings,
		&p.RiskScore, &conns, &p.StaleSources, &p.ExcludedChecks, &delta, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EntityProfile{}, fmt.Errorf("profile: %w", ErrNotFound)
		}
		return model.EntityProfile{}, fmt.Errorf("storage: scan profile: %w", err)
	}
	if err := json.Unmarshal(cfg, &p.ServiceConfig); err != nil {
		return model.EntityProfile{}, fmt.Errorf("storage: unmarshal service config: %w", err)
	}
	if err := json.Unmarshal(findings, &p.Findings); err != nil {
		return model.EntityProfile{}, fmt.Errorf("storage: unmarshal findings: %w", err)
	}
	if err := json.Unmarshal(conns, &p.Connections); err != nil {
		return model.EntityProfile{}, fmt.Errorf("storage: unmarshal connections: %w", err)
	}
	if len(delta) > 0 {
		p.Delta = &model.Delta{}
		if err := json.Unmarshal(delta, p.Delta); err != nil {
			return model.EntityProfile{}, fmt.Errorf("storage: unmarshal delta: %w", err)
		}
	}
	return p, nil
}

// InsertFinding persists an immutable finding row.
func (db *DB) InsertFinding(ctx context.Context, f model.Finding) error {
	details, err := json.Marshal(f.Details)
	if err != nil {
		return fmt.Errorf("storage: marshal finding details: %w", err)
	}
	prov, err := json.Marshal(f.Provenance)
	if err != nil {
		return fmt.Errorf("storage: marshal provenance: %w", err)
	}
	// Unique (investigation_id, fingerprint) enforces at-most-once
	// emission (§9); conflicts are treated as already-emitted, not an error,
	// so resume after a crash is idempotent.
	_, err = db.pool.Exec(ctx,
		`INSERT INTO findings
		   (id, investigation_id, entity_id, category, severity, confidence,
		    provenance, details, contributing_entities, supersedes, redacted_fields, fingerprint, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
		 ON CONFLICT (investigation_id, fingerprint) DO NOTHING`,
		f.ID, f.InvestigationID, f.EntityID, f.Category, f.Severity, f.Confidence,
		prov, details, f.ContributingEntities, f.Supersedes, f.RedactedFields, f.Fingerprint,
	)
	if err != nil {
		return fmt.Errorf("storage: insert finding: %w", err)
	}
	return nil
}
