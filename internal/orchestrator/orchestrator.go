// Package orchestrator sequences an investigation through its phases:
// Foundation, Records, Intelligence, Network, Reconciliation (§4.6). It
// owns the per-investigation knowledge base, drives one SAR loop per
// information type, checkpoints at every phase boundary, and assembles the
// final versioned entity profile.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/auditlog"
	"github.com/veritas-screening/veritas/internal/checkpoint"
	"github.com/veritas-screening/veritas/internal/config"
	"github.com/veritas-screening/veritas/internal/inconsistency"
	"github.com/veritas-screening/veritas/internal/knowledge"
	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/provider"
	"github.com/veritas-screening/veritas/internal/resolver"
	"github.com/veritas-screening/veritas/internal/risk"
	"github.com/veritas-screening/veritas/internal/sar"
	"github.com/veritas-screening/veritas/internal/storage"
)

// ErrIdentityUnverified aborts an investigation whose Foundation phase
// could not establish the subject's identity (§4.6, §7).
var ErrIdentityUnverified = errors.New("orchestrator: identity unverified")

// identityFloor is the confidence below which a completed identity loop is
// treated as unverified rather than merely thin.
const identityFloor = 0.5

// Store is the persistence surface the orchestrator needs;
// *storage.DB satisfies it.
type Store interface {
	InsertFinding(ctx context.Context, f model.Finding) error
	GetFindings(ctx context.Context, ids []uuid.UUID) ([]model.Finding, error)
	ListFindings(ctx context.Context, investigationID uuid.UUID) ([]model.Finding, error)
	LatestProfile(ctx context.Context, entityID uuid.UUID) (model.EntityProfile, error)
	ListProfiles(ctx context.Context, entityID uuid.UUID) ([]model.EntityProfile, error)
	InsertProfile(ctx context.Context, p model.EntityProfile) error
}

// Request asks for one investigation run against a subject.
type Request struct {
	// InvestigationID resumes the named investigation when a checkpoint for
	// it exists; uuid.Nil starts a fresh one.
	InvestigationID uuid.UUID
	Subject         resolver.Reference
	Config          model.ServiceConfiguration
	Trigger         model.InvestigationTrigger
	// TypeFilter, when non-empty, restricts the run to the named
	// information types (vigilance delta checks). Network expansion is
	// skipped for filtered runs.
	TypeFilter []string
}

// Orchestrator drives investigations end to end.
type Orchestrator struct {
	resolver    *resolver.Resolver
	loop        *sar.Loop
	gateway     *provider.Gateway
	checkpoints *checkpoint.Manager
	audit       *auditlog.Log
	store       Store
	cfg         config.Config
	logger      *slog.Logger
}

func New(res *resolver.Resolver, loop *sar.Loop, gateway *provider.Gateway, cps *checkpoint.Manager, audit *auditlog.Log, store Store, cfg config.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		resolver:    res,
		loop:        loop,
		gateway:     gateway,
		checkpoints: cps,
		audit:       audit,
		store:       store,
		cfg:         cfg,
		logger:      logger,
	}
}

// run is the orchestrator's working state for one investigation.
type run struct {
	investigationID uuid.UUID
	entity          model.Entity
	subject         provider.DiscoveredEntity
	cfg             model.ServiceConfiguration
	trigger         model.InvestigationTrigger

	kb              *knowledge.Base
	cp              model.Checkpoint
	findings        []model.Finding
	discovered      []provider.DiscoveredEntity
	connections     []model.Connection
	inconsistencies []inconsistency.Inconsistency
	staleSources    map[string]bool
	excludedChecks  map[string]bool
	visited         map[uuid.UUID]bool
	typeFilter      map[string]bool
	deceptionScore  float64
}

// wantType reports whether an information type is in scope for this run.
func (r *run) wantType(infoType string) bool {
	return len(r.typeFilter) == 0 || r.typeFilter[infoType]
}

// Run executes (or resumes) an investigation and returns its profile. A
// cancellation or deadline mid-flight still returns a profile, with
// status partial and the findings committed before the cut (§5); the
// context error is returned alongside it.
func (o *Orchestrator) Run(ctx context.Context, req Request) (model.EntityProfile, error) {
	if err := config.ValidateServiceConfig(req.Config); err != nil {
		return model.EntityProfile{}, fmt.Errorf("orchestrator: invalid service configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.InvestigationTimeout)
	defer cancel()

	invID := req.InvestigationID
	if invID == uuid.Nil {
		invID = uuid.New()
	}

	decision, err := o.resolver.Resolve(ctx, invID, uuid.Nil, req.Config.Tier, req.Subject, req.Config.Review)
	if err != nil {
		return model.EntityProfile{}, fmt.Errorf("orchestrator: resolve subject: %w", err)
	}
	if err := o.recordAmbiguity(ctx, invID, decision); err != nil {
		return model.EntityProfile{}, err
	}

	r := &run{
		investigationID: invID,
		entity:          decision.Entity,
		subject: provider.DiscoveredEntity{
			Kind:        req.Subject.Kind,
			Identifiers: req.Subject.Identifiers,
			Name:        req.Subject.Name,
			DOB:         req.Subject.DOB,
			Address:     req.Subject.Address,
		},
		cfg:            req.Config,
		trigger:        req.Trigger,
		kb:             knowledge.New(),
		staleSources:   make(map[string]bool),
		excludedChecks: make(map[string]bool),
		visited:        map[uuid.UUID]bool{decision.Entity.ID: true},
	}
	if len(req.TypeFilter) > 0 {
		r.typeFilter = make(map[string]bool, len(req.TypeFilter))
		for _, t := range req.TypeFilter {
			r.typeFilter[t] = true
		}
	}

	if err := o.restoreOrInit(ctx, r); err != nil {
		return model.EntityProfile{}, err
	}
	if _, err := o.audit.Append(ctx, invID.String(), model.ActorSystem, model.AuditConfig, "investigation_started|"+string(r.cp.Phase)); err != nil {
		return model.EntityProfile{}, err
	}

	phaseErr := o.runPhases(ctx, r)

	profile, buildErr := o.buildProfile(ctx, r, phaseErr)
	if buildErr != nil {
		return model.EntityProfile{}, buildErr
	}
	if phaseErr == nil {
		if err := o.checkpoints.Delete(ctx, invID); err != nil {
			o.logger.Warn("orchestrator: checkpoint cleanup failed", "investigation", invID, "error", err)
		}
	}
	return profile, phaseErr
}

// restoreOrInit loads an existing checkpoint for the investigation or
// initializes a fresh one at the Foundation boundary.
func (o *Orchestrator) restoreOrInit(ctx context.Context, r *run) error {
	cp, err := o.checkpoints.Load(ctx, r.investigationID)
	switch {
	case err == nil:
		r.cp = cp
		r.kb.Restore(cp.Knowledge)
		for _, id := range cp.VisitedEntities {
			r.visited[id] = true
		}
		committed, err := o.store.ListFindings(ctx, r.investigationID)
		if err != nil {
			return fmt.Errorf("orchestrator: restore findings: %w", err)
		}
		r.findings = committed
		o.logger.Info("orchestrator: resuming investigation",
			"investigation", r.investigationID, "phase", cp.Phase, "findings", len(committed))
		return nil
	case errors.Is(err, storage.ErrNotFound):
		r.cp = model.Checkpoint{
			InvestigationID: r.investigationID,
			EntityID:        r.entity.ID,
			ServiceConfig:   r.cfg,
			Phase:           model.PhaseFoundation,
			TypeStates:      make(map[string]model.TypeCycleState),
			PendingCalls:    make(map[string]model.PendingCall),
		}
		return nil
	default:
		return fmt.Errorf("orchestrator: load checkpoint: %w", err)
	}
}

// persistPhase saves the checkpoint at a phase boundary (§4.10).
func (o *Orchestrator) persistPhase(ctx context.Context, r *run, next model.Phase) error {
	r.cp.Phase = next
	r.cp.Knowledge = r.kb.Snapshot()
	r.cp.VisitedEntities = keys(r.visited)
	r.cp.FindingIDs = findingIDs(r.findings)
	if err := o.checkpoints.Save(ctx, &r.cp); err != nil {
		return fmt.Errorf("orchestrator: checkpoint at %s: %w", next, err)
	}
	return nil
}

// recordAmbiguity audits a Standard-tier ambiguous match that fell below
// the auto-merge threshold: the new entity was minted next to a plausible
// existing one, and that uncertainty must be visible downstream rather
// than silently dropped (§4.4, §8 scenario 4). The payload carries only
// entity IDs and the match score, never identifier values.
func (o *Orchestrator) recordAmbiguity(ctx context.Context, invID uuid.UUID, d resolver.Decision) error {
	if d.Status != resolver.StatusNew || d.Candidate == nil {
		return nil
	}
	ref := fmt.Sprintf("ambiguous_new_entity|%s|candidate=%s|score=%.2f",
		d.Entity.ID, d.Candidate.Entity.ID, d.Candidate.Score)
	if _, err := o.audit.Append(ctx, invID.String(), model.ActorSystem, model.AuditEntityAmbiguity, ref); err != nil {
		return err
	}
	o.logger.Warn("orchestrator: ambiguous match below auto-merge, new entity flagged",
		"investigation", invID, "entity", d.Entity.ID,
		"candidate", d.Candidate.Entity.ID, "score", d.Candidate.Score)
	return nil
}

// emit persists one finding behind its audit event (§4.11 write-ahead:
// the finding_emitted event must land before the finding is visible).
func (o *Orchestrator) emit(ctx context.Context, f *model.Finding) error {
	if _, err := o.audit.Append(ctx, f.InvestigationID.String(), model.ActorSystem, model.AuditFindingEmitted, f.Fingerprint); err != nil {
		return err
	}
	return o.store.InsertFinding(ctx, *f)
}

// thresholds returns the controller criteria for a type, Foundation types
// carrying the stricter bar (§4.5, §4.6).
func (o *Orchestrator) thresholds(infoType string) sar.Thresholds {
	for _, t := range sar.FoundationTypes {
		if t == infoType {
			return sar.Thresholds{
				Confidence:    o.cfg.FoundationConfidenceThreshold,
				MaxIterations: o.cfg.FoundationMaxIterations,
				InfoGainFloor: o.cfg.InfoGainDiminishedThreshold,
			}
		}
	}
	return sar.Thresholds{
		Confidence:    o.cfg.TypeConfidenceThreshold,
		MaxIterations: o.cfg.MaxIterations,
		InfoGainFloor: o.cfg.InfoGainDiminishedThreshold,
	}
}

// absorb folds one completed type outcome into the run state.
func (r *run) absorb(out sar.TypeOutcome) {
	r.cp.TypeStates[out.State.InformationType] = out.State
	r.findings = append(r.findings, out.Findings...)
	r.discovered = append(r.discovered, out.Discovered...)
	r.inconsistencies = append(r.inconsistencies, out.Inconsistencies...)
	for _, s := range out.StaleSources {
		r.staleSources[s] = true
	}
	for _, d := range out.Dropped {
		r.excludedChecks[d.Check+":"+d.Reason] = true
	}
}

// buildProfile assembles, versions, and persists the run's profile. When
// phaseErr is a cancellation the profile status is partial.
func (o *Orchestrator) buildProfile(ctx context.Context, r *run, phaseErr error) (model.EntityProfile, error) {
	now := time.Now().UTC()
	status := model.ProfileComplete
	if phaseErr != nil {
		status = model.ProfilePartial
	}

	riskScore := risk.Score(r.findings, r.cfg.RoleCategory, now)

	profile := model.EntityProfile{
		ID:             uuid.New(),
		EntityID:       r.entity.ID,
		Version:        1,
		Status:         status,
		Trigger:        r.trigger,
		ServiceConfig:  r.cfg,
		Findings:       findingIDs(r.findings),
		RiskScore:      riskScore,
		Connections:    r.connections,
		StaleSources:   keysStr(r.staleSources),
		ExcludedChecks: keysStr(r.excludedChecks),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	prev, err := o.store.LatestProfile(ctx, r.entity.ID)
	switch {
	case err == nil:
		profile.Version = prev.Version + 1
		if len(r.typeFilter) > 0 {
			// A delta re-screen doesn't re-expand the network; the prior
			// version's connection graph carries forward unchanged.
			profile.Connections = prev.Connections
		}
		prevFindings, err := o.store.GetFindings(ctx, prev.Findings)
		if err != nil {
			return model.EntityProfile{}, fmt.Errorf("orchestrator: hydrate previous findings: %w", err)
		}
		curFindings := r.findings
		if len(r.typeFilter) > 0 {
			// Findings from types a delta re-screen didn't touch carry
			// forward; only re-checked types can resolve anything.
			seen := make(map[string]bool, len(curFindings))
			for _, f := range curFindings {
				seen[f.Fingerprint] = true
			}
			for _, f := range prevFindings {
				if !seen[f.Fingerprint] {
					curFindings = append(curFindings, f)
					profile.Findings = append(profile.Findings, f.ID)
				}
			}
			profile.RiskScore = risk.Score(curFindings, r.cfg.RoleCategory, now)
		}
		delta := risk.ComputeDelta(prevFindings, curFindings, prev, profile)
		hist, err := o.history(ctx, r.entity.ID)
		if err != nil {
			return model.EntityProfile{}, err
		}
		delta.EvolutionSignals = risk.DetectEvolution(prev, profile, prevFindings, curFindings, hist, risk.FinancialSubScore(curFindings, now))
		profile.Delta = &delta
	case errors.Is(err, storage.ErrNotFound):
		// First version: no delta.
	default:
		return model.EntityProfile{}, fmt.Errorf("orchestrator: latest profile: %w", err)
	}

	if err := o.store.InsertProfile(ctx, profile); err != nil {
		return model.EntityProfile{}, fmt.Errorf("orchestrator: insert profile: %w", err)
	}
	o.logger.Info("orchestrator: profile created",
		"investigation", r.investigationID, "entity", r.entity.ID,
		"version", profile.Version, "status", profile.Status,
		"risk_score", profile.RiskScore, "deception_score", r.deceptionScore,
		"findings", len(profile.Findings))
	return profile, nil
}

// history assembles the multi-version trail the evolution detector's
// deterioration and drift rules need.
func (o *Orchestrator) history(ctx context.Context, entityID uuid.UUID) (risk.History, error) {
	profiles, err := o.store.ListProfiles(ctx, entityID)
	if err != nil {
		return risk.History{}, fmt.Errorf("orchestrator: list profiles: %w", err)
	}
	var hist risk.History
	employerSeen := make(map[string]bool)
	cutoff := time.Now().UTC().Add(-24 * 30 * 24 * time.Hour)
	for _, p := range profiles {
		findings, err := o.store.GetFindings(ctx, p.Findings)
		if err != nil {
			return risk.History{}, fmt.Errorf("orchestrator: hydrate version %d: %w", p.Version, err)
		}
		hist.FinancialScores = append(hist.FinancialScores, risk.FinancialSubScore(findings, p.CreatedAt))
		if p.CreatedAt.After(cutoff) {
			for _, f := range findings {
				if emp, ok := f.Details["employer"].(string); ok && emp != "" && !employerSeen[emp] {
					if len(employerSeen) > 0 {
						hist.EmployerChanges++
					}
					employerSeen[emp] = true
				}
			}
		}
	}
	return hist, nil
}

func findingIDs(findings []model.Finding) []uuid.UUID {
	out := make([]uuid.UUID, len(findings))
	for i, f := range findings {
		out[i] = f.ID
	}
	return out
}

func keys(m map[uuid.UUID]bool) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func keysStr(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
