package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/veritas-screening/veritas/internal/checkpoint"
	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/provider"
	"github.com/veritas-screening/veritas/internal/sar"
	"github.com/veritas-screening/veritas/internal/telemetry"
)

// runPhases drives the pipeline from wherever the checkpoint left off.
// Completed phases are skipped on resume; the current phase restarts from
// its boundary (committed findings are deduplicated by the emission key).
func (o *Orchestrator) runPhases(ctx context.Context, r *run) error {
	type phaseStep struct {
		phase model.Phase
		fn    func(context.Context, *run) error
	}
	steps := []phaseStep{
		{model.PhaseFoundation, o.runFoundation},
		{model.PhaseRecords, o.runRecords},
		{model.PhaseIntelligence, o.runIntelligence},
		{model.PhaseNetwork, o.runNetwork},
		{model.PhaseReconciliation, o.runReconciliation},
	}

	started := false
	for i, step := range steps {
		if !started {
			if step.phase != r.cp.Phase {
				continue
			}
			started = true
		}
		o.logger.Info("orchestrator: phase starting", "investigation", r.investigationID, "phase", step.phase)
		phaseCtx, span := telemetry.StartSpan(ctx, "phase."+string(step.phase),
			telemetry.String(telemetry.AttrInvestigationID, r.investigationID.String()),
			telemetry.String(telemetry.AttrPhase, string(step.phase)))
		err := step.fn(phaseCtx, r)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		if err != nil {
			return err
		}
		next := model.PhaseComplete
		if i+1 < len(steps) {
			next = steps[i+1].phase
		}
		if err := o.persistPhase(ctx, r, next); err != nil {
			return err
		}
	}
	return nil
}

// runFoundation runs Identity, Employment, Education strictly in order.
// Each must terminate before the next begins; identity failing to verify
// aborts the whole investigation (§4.6).
func (o *Orchestrator) runFoundation(ctx context.Context, r *run) error {
	for _, infoType := range sar.FoundationTypes {
		if !r.wantType(infoType) || done(r.cp.TypeStates[infoType]) {
			continue
		}
		r.cp.CurrentType = infoType
		if err := o.recordPending(ctx, r, []string{infoType}); err != nil {
			return err
		}
		out, err := o.loop.Run(ctx, r.investigationID, r.entity.ID, r.subject, r.cfg, model.DegreeD1, infoType, r.kb, o.thresholds(infoType), o.emit)
		if err != nil {
			return err
		}
		o.clearPending(r, []string{infoType})
		r.absorb(out)
		if infoType == sar.TypeIdentity && identityUnverified(out.State) {
			return fmt.Errorf("%w: confidence %.2f after %d iterations",
				ErrIdentityUnverified, out.State.TypeConfidence, out.State.Iteration)
		}
	}
	return nil
}

// identityUnverified treats a failed loop, or a completed one whose
// confidence never cleared the floor, as an unverifiable subject.
func identityUnverified(state model.TypeCycleState) bool {
	return state.Status == model.TypeFailed || state.TypeConfidence < identityFloor
}

// runRecords fans the six record types out in parallel, bounded by the
// per-investigation type concurrency ceiling (§5's N).
func (o *Orchestrator) runRecords(ctx context.Context, r *run) error {
	return o.runParallel(ctx, r, sar.RecordsTypes)
}

// runIntelligence runs Adverse Media and (Enhanced only) Digital Footprint.
func (o *Orchestrator) runIntelligence(ctx context.Context, r *run) error {
	types := []string{sar.TypeAdverseMedia}
	if r.cfg.Tier == model.TierEnhanced {
		types = append(types, sar.TypeDigitalFootprint)
	}
	return o.runParallel(ctx, r, types)
}

// runParallel runs a set of information types concurrently. Each worker
// operates on its own knowledge-base clone; clones merge back into the
// owning base as workers finish, in completion order, which the monotone
// highest-confidence-wins policy makes order-insensitive (§5).
func (o *Orchestrator) runParallel(ctx context.Context, r *run, types []string) error {
	var (
		mu       sync.Mutex
		outcomes []sar.TypeOutcome
	)

	var pending []string
	for _, infoType := range types {
		if r.wantType(infoType) && !done(r.cp.TypeStates[infoType]) {
			pending = append(pending, infoType)
		}
	}
	// Explicit checkpoint before the fan-out (§4.10): a crash mid-phase
	// resumes with these fingerprints consulting the cache first.
	if err := o.recordPending(ctx, r, pending); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrentTypes)
	for _, infoType := range types {
		infoType := infoType
		if !r.wantType(infoType) || done(r.cp.TypeStates[infoType]) {
			continue
		}
		workerKB := r.kb.Clone()
		g.Go(func() error {
			out, err := o.loop.Run(gctx, r.investigationID, r.entity.ID, r.subject, r.cfg, model.DegreeD1, infoType, workerKB, o.thresholds(infoType), o.emit)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			outcomes = append(outcomes, out)
			r.kb.MergeFrom(workerKB)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	o.clearPending(r, pending)
	for _, out := range outcomes {
		r.absorb(out)
	}
	return nil
}

// recordPending marks the gateway fingerprints the named types are about
// to issue as in-flight and persists the checkpoint, so a resumed
// investigation consults the cache for them before re-executing (§4.10).
func (o *Orchestrator) recordPending(ctx context.Context, r *run, types []string) error {
	if len(types) == 0 {
		return nil
	}
	for _, fp := range o.typeFingerprints(r, types) {
		r.cp.PendingCalls = checkpoint.WithPendingCall(r.cp, fp, r.cp.TypeStates[r.cp.CurrentType].Iteration)
	}
	if err := o.checkpoints.Save(ctx, &r.cp); err != nil {
		return fmt.Errorf("orchestrator: checkpoint before fan-out: %w", err)
	}
	return nil
}

// clearPending drops the types' fingerprints once their loops settled; the
// next phase-boundary save persists the cleared state.
func (o *Orchestrator) clearPending(r *run, types []string) {
	for _, fp := range o.typeFingerprints(r, types) {
		r.cp.PendingCalls = checkpoint.WithoutPendingCall(r.cp, fp)
	}
}

// typeFingerprints derives the cache fingerprints the named types demand
// for the subject at D1.
func (o *Orchestrator) typeFingerprints(r *run, types []string) []string {
	var out []string
	for _, infoType := range types {
		tmpl, ok := sar.TemplateFor(infoType)
		if !ok {
			continue
		}
		for check := range tmpl.Checks {
			d := provider.Demand{
				InvestigationID: r.investigationID,
				EntityID:        r.entity.ID,
				Check:           check,
				Locale:          r.cfg.Locale,
				Degree:          model.DegreeD1,
				Tier:            r.cfg.Tier,
			}
			out = append(out, d.Fingerprint())
		}
	}
	return out
}

// done reports whether a type already reached a terminal success status in
// a prior (resumed) run.
func done(state model.TypeCycleState) bool {
	switch state.Status {
	case model.TypeCompleteThreshold, model.TypeCompleteCapped, model.TypeCompleteDiminished:
		return true
	default:
		return false
	}
}
