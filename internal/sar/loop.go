package sar

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/inconsistency"
	"github.com/veritas-screening/veritas/internal/knowledge"
	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/provider"
	"github.com/veritas-screening/veritas/internal/telemetry"
)

// Thresholds are the iteration controller's completion criteria (§4.5).
// Foundation types carry a higher confidence bar and one extra iteration.
type Thresholds struct {
	Confidence    float64
	MaxIterations int
	InfoGainFloor float64
}

// Decide applies the refinement rules to a type's current state, in the
// order the spec fixes them: threshold, cap, diminishing returns.
func Decide(state model.TypeCycleState, th Thresholds) (model.TypeStatus, bool) {
	switch {
	case state.TypeConfidence >= th.Confidence:
		return model.TypeCompleteThreshold, true
	case state.Iteration >= th.MaxIterations:
		return model.TypeCompleteCapped, true
	case state.LastInfoGainRate < th.InfoGainFloor:
		return model.TypeCompleteDiminished, true
	default:
		return model.TypeInProgress, false
	}
}

// Emitter persists one finding, enforcing the at-most-once
// (investigation_id, fingerprint) emission key. It must return nil for a
// duplicate emitted by a resumed investigation. Emitters may rewrite the
// finding in place (network retagging, redaction); the loop keeps the
// rewritten form.
type Emitter func(ctx context.Context, f *model.Finding) error

// TypeOutcome is what one full SAR loop hands back to the orchestrator.
type TypeOutcome struct {
	State           model.TypeCycleState
	Findings        []model.Finding
	Discovered      []provider.DiscoveredEntity
	Inconsistencies []inconsistency.Inconsistency
	Dropped         []DroppedCheck
	StaleSources    []string
}

// Loop runs the Search-Assess-Refine cycle for one information type.
type Loop struct {
	planner  *Planner
	executor *Executor
	assessor *Assessor
	logger   *slog.Logger
}

func NewLoop(planner *Planner, executor *Executor, assessor *Assessor, logger *slog.Logger) *Loop {
	return &Loop{planner: planner, executor: executor, assessor: assessor, logger: logger}
}

// Run drives infoType to a terminal status. The knowledge base is owned by
// the caller; the loop mutates it through Assess. Findings are emitted
// through emit as they are assessed, before the loop's state advances, so a
// crash resumes from persisted findings rather than losing an iteration.
func (l *Loop) Run(ctx context.Context, investigationID, entityID uuid.UUID, subject provider.DiscoveredEntity, cfg model.ServiceConfiguration, degree model.Degree, infoType string, kb *knowledge.Base, th Thresholds, emit Emitter) (TypeOutcome, error) {
	tmpl, ok := TemplateFor(infoType)
	if !ok {
		return TypeOutcome{}, fmt.Errorf("sar: unknown information type %q", infoType)
	}

	out := TypeOutcome{
		State: model.TypeCycleState{InformationType: infoType, Status: model.TypeInProgress},
	}

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out.State.Iteration++
		iteration := out.State.Iteration

		iterCtx, span := telemetry.StartSpan(ctx, "sar.iteration",
			telemetry.String(telemetry.AttrInvestigationID, investigationID.String()),
			telemetry.String(telemetry.AttrInformationType, infoType),
			telemetry.Int(telemetry.AttrIteration, iteration))

		plan := l.planner.Plan(tmpl, cfg, kb, out.State.Gaps, iteration)
		if iteration == 1 {
			out.Dropped = append(out.Dropped, plan.Dropped...)
		}
		if len(plan.Queries) == 0 {
			// Every check compliance-dropped or excluded: nothing this type
			// can ever learn, so it completes vacuously with the drops
			// annotated on the profile.
			out.State.Status = model.TypeCompleteThreshold
			span.End()
			return out, nil
		}

		results, failures, err := l.executor.Execute(iterCtx, investigationID, entityID, subject, cfg, degree, plan.Queries)
		if err != nil {
			span.RecordError(err)
			span.End()
			return out, err
		}
		for _, f := range failures {
			l.logger.Warn("sar: query failed",
				"type", infoType, "check", f.Query.Check, "iteration", iteration, "error", f.Err)
		}
		if len(results) == 0 && len(failures) == len(plan.Queries) && iteration == 1 {
			out.Dropped = append(out.Dropped, DroppedCheck{Check: infoType, Reason: "no_source_available"})
		}

		assessment := l.assessor.Assess(tmpl, cfg, kb, results, len(plan.Queries))
		for i, f := range assessment.Findings {
			// A cached payload replays another investigation's findings;
			// each emission owns a fresh row ID. At-most-once is keyed on
			// (investigation_id, fingerprint), never the ID.
			f.ID = uuid.New()
			f.InvestigationID = investigationID
			if f.EntityID == uuid.Nil {
				f.EntityID = entityID
			}
			if f.Fingerprint == "" {
				f.Fingerprint = FingerprintFinding(f.EntityID.String()+"|"+f.Provenance.ProviderID+"|"+infoType, iteration, i)
			}
			if err := emit(iterCtx, &f); err != nil {
				span.RecordError(err)
				span.End()
				return out, fmt.Errorf("sar: emit finding: %w", err)
			}
			out.Findings = append(out.Findings, f)
			out.State.Findings = append(out.State.Findings, f.ID)
		}
		out.Discovered = append(out.Discovered, assessment.Discovered...)
		out.Inconsistencies = append(out.Inconsistencies, assessment.Inconsistencies...)
		out.StaleSources = append(out.StaleSources, assessment.StaleSources...)

		out.State.TypeConfidence = assessment.TypeConfidence
		out.State.LastInfoGainRate = assessment.InfoGainRate
		out.State.Gaps = assessment.Gaps

		status, done := Decide(out.State, th)
		out.State.Status = status
		l.logger.Debug("sar: iteration assessed",
			"type", infoType, "iteration", iteration,
			"confidence", assessment.TypeConfidence,
			"info_gain", assessment.InfoGainRate,
			"gaps", len(assessment.Gaps), "status", status)
		span.End()
		if done {
			return out, nil
		}
	}
}
