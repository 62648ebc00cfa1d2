package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/inconsistency"
	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/provider"
	"github.com/veritas-screening/veritas/internal/sar"
)

// runReconciliation collects every inconsistency the phases surfaced,
// spends up to the cross-reference budget trying to resolve them, computes
// the deception score, and emits reconciliation findings (§4.6, §4.7).
func (o *Orchestrator) runReconciliation(ctx context.Context, r *run) error {
	unresolved := r.inconsistencies
	budget := o.cfg.ReconciliationMaxCross

	var remaining []inconsistency.Inconsistency
	for _, inc := range unresolved {
		if budget <= 0 {
			remaining = append(remaining, inc)
			continue
		}
		budget--
		resolved, err := o.crossReference(ctx, r, inc)
		if err != nil {
			o.logger.Warn("orchestrator: cross-reference failed",
				"field", inc.Field, "kind", inc.Kind, "error", err)
			remaining = append(remaining, inc)
			continue
		}
		if !resolved {
			remaining = append(remaining, inc)
		}
	}
	r.inconsistencies = remaining

	analysis := inconsistency.Analyze(remaining)
	r.deceptionScore = analysis.DeceptionScore

	now := time.Now().UTC()
	for _, f := range inconsistency.Findings(r.investigationID, r.entity.ID, remaining, analysis, now) {
		f := f
		if err := o.emit(ctx, &f); err != nil {
			return err
		}
		r.findings = append(r.findings, f)
	}

	if analysis.DeceptionScore > 0 {
		summary := model.Finding{
			ID:              uuid.New(),
			InvestigationID: r.investigationID,
			EntityID:        r.entity.ID,
			Category:        model.FindingVerification,
			Severity:        deceptionSeverity(analysis.DeceptionScore),
			Confidence:      analysis.DeceptionScore,
			Provenance:      model.Provenance{ProviderID: "reconciliation", AcquiredAt: now},
			Details: map[string]any{
				"deception_score":          analysis.DeceptionScore,
				"patterns":                 analysis.Patterns,
				"unresolved_count":         len(remaining),
				"cross_references_issued":  o.cfg.ReconciliationMaxCross - budget,
			},
			Fingerprint: "reconciliation|deception_score",
			CreatedAt:   now,
		}
		if err := o.emit(ctx, &summary); err != nil {
			return err
		}
		r.findings = append(r.findings, summary)
	}
	return nil
}

// crossReference issues one targeted re-query for a contradicted field. If
// a fresh authoritative source corroborates the already-held value, the
// inconsistency is considered resolved.
func (o *Orchestrator) crossReference(ctx context.Context, r *run, inc inconsistency.Inconsistency) (bool, error) {
	tmpl, ok := sar.TemplateFor(inc.InformationType)
	if !ok {
		return false, fmt.Errorf("orchestrator: no template for %q", inc.InformationType)
	}
	for check := range tmpl.Checks {
		res, err := o.gateway.Execute(ctx, provider.Demand{
			InvestigationID: r.investigationID,
			EntityID:        r.entity.ID,
			Subject:         r.subject,
			Check:           check,
			Locale:          r.cfg.Locale,
			Degree:          model.DegreeD1,
			Tier:            r.cfg.Tier,
			Origin:          model.OriginPaidExternal,
			CustomerID:      r.cfg.OrgID.String(),
		})
		if err != nil {
			return false, err
		}
		for _, f := range res.Findings {
			if v, ok := f.Details[inc.Field].(string); ok && v == inc.Claimed {
				return true, nil
			}
		}
	}
	return false, nil
}

func deceptionSeverity(score float64) model.Severity {
	switch {
	case score >= 0.9:
		return model.SeverityCritical
	case score >= 0.7:
		return model.SeverityHigh
	case score >= 0.4:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}
