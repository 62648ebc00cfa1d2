package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/model"
)

// ListFindings returns every finding emitted by an investigation, in
// emission order.
func (db *DB) ListFindings(ctx context.Context, investigationID uuid.UUID) ([]model.Finding, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, investigation_id, entity_id, category, severity, confidence,
		        provenance, details, contributing_entities, supersedes, redacted_fields,
		        fingerprint, created_at
		 FROM findings WHERE investigation_id = $1 ORDER BY created_at, id`, investigationID)
	if err != nil {
		return nil, fmt.Errorf("storage: list findings: %w", err)
	}
	defer rows.Close()
	return scanFindings(rows)
}

// GetFindings hydrates a profile's finding ID list into full findings.
func (db *DB) GetFindings(ctx context.Context, ids []uuid.UUID) ([]model.Finding, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, investigation_id, entity_id, category, severity, confidence,
		        provenance, details, contributing_entities, supersedes, redacted_fields,
		        fingerprint, created_at
		 FROM findings WHERE id = ANY($1) ORDER BY created_at, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get findings: %w", err)
	}
	defer rows.Close()
	return scanFindings(rows)
}

type findingRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanFindings(rows findingRows) ([]model.Finding, error) {
	var out []model.Finding
	for rows.Next() {
		var f model.Finding
		var prov, details []byte
		if err := rows.Scan(&f.ID, &f.InvestigationID, &f.EntityID, &f.Category, &f.Severity,
			&f.Confidence, &prov, &details, &f.ContributingEntities, &f.Supersedes,
			&f.RedactedFields, &f.Fingerprint, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan finding: %w", err)
		}
		if err := json.Unmarshal(prov, &f.Provenance); err != nil {
			return nil, fmt.Errorf("storage: unmarshal provenance: %w", err)
		}
		if err := json.Unmarshal(details, &f.Details); err != nil {
			return nil, fmt.Errorf("storage: unmarshal details: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate findings: %w", err)
	}
	return out, nil
}

// ListProfiles returns every profile version for an entity, oldest first,
// for the evolution detector's version-history rules.
func (db *DB) ListProfiles(ctx context.Context, entityID uuid.UUID) ([]model.EntityProfile, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, entity_id, version, status, trigger, service_config, findings,
		        risk_score, connections, stale_sources, excluded_checks, delta, created_at, updated_at
		 FROM entity_profiles WHERE entity_id = $1 ORDER BY version`, entityID)
	if err != nil {
		return nil, fmt.Errorf("storage: list profiles: %w", err)
	}
	defer rows.Close()

	var out []model.EntityProfile
	for rows.Next() {
		var p model.EntityProfile
		var cfg, findings, conns, delta []byte
		if err := rows.Scan(&p.ID, &p.EntityID, &p.Version, &p.Status, &p.Trigger, &cfg, &findings,
			&p.RiskScore, &conns, &p.StaleSources, &p.ExcludedChecks, &delta, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan profile: %w", err)
		}
		if err := json.Unmarshal(cfg, &p.ServiceConfig); err != nil {
			return nil, fmt.Errorf("storage: unmarshal service config: %w", err)
		}
		if err := json.Unmarshal(findings, &p.Findings); err != nil {
			return nil, fmt.Errorf("storage: unmarshal findings: %w", err)
		}
		if err := json.Unmarshal(conns, &p.Connections); err != nil {
			return nil, fmt.Errorf("storage: unmarshal connections: %w", err)
		}
		if len(delta) > 0 {
			p.Delta = &model.Delta{}
			if err := json.Unmarshal(delta, p.Delta); err != nil {
				return nil, fmt.Errorf("storage: unmarshal delta: %w", err)
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate profiles: %w", err)
	}
	return out, nil
}
