// Package sar implements the Search-Assess-Refine loop that drives each
// information type within an investigation (§4.5). The Planner composes
// compliance-gated queries from the subject's identifiers, the knowledge
// base, and the type template; the Executor fans them out through the
// Provider Gateway; the Assessor normalizes results into findings, facts,
// and gaps; the iteration controller decides whether the type is done.
package sar

import (
	"sort"
	"strings"

	"github.com/veritas-screening/veritas/internal/compliance"
	"github.com/veritas-screening/veritas/internal/knowledge"
	"github.com/veritas-screening/veritas/internal/model"
)

// Query is one planned provider demand for an information type.
type Query struct {
	InformationType string
	Check           string
	SourceCategory  string
	Parameters      map[string]string
	Iteration       int
}

// DroppedCheck records a check the planner refused to issue, with the
// reason the profile is annotated with (§7 ComplianceBlocked/ConsentMissing).
type DroppedCheck struct {
	Check  string
	Reason string
}

// PlanOutcome is the planner's output for one iteration.
type PlanOutcome struct {
	Queries []Query
	Dropped []DroppedCheck
}

// Planner composes queries for a type's SAR iteration. Compliance gating
// happens here, at plan time: a query that would violate a rule is never
// issued (§4.5).
type Planner struct {
	engine *compliance.Engine
}

func NewPlanner(engine *compliance.Engine) *Planner {
	return &Planner{engine: engine}
}

// Plan builds this iteration's queries. The first iteration issues the
// template's base checks enriched with knowledge-base facts; later
// iterations narrow to the outstanding gaps.
func (p *Planner) Plan(tmpl Template, cfg model.ServiceConfiguration, kb *knowledge.Base, gaps []string, iteration int) PlanOutcome {
	var out PlanOutcome

	checks := make([]string, 0, len(tmpl.Checks))
	for check := range tmpl.Checks {
		checks = append(checks, check)
	}
	sort.Strings(checks)

	for _, check := range checks {
		if excluded(cfg.ExcludedChecks, check) {
			continue
		}
		source := tmpl.Checks[check]
		decision := p.engine.Evaluate(compliance.Demand{
			Locale:         cfg.Locale,
			RoleCategory:   cfg.RoleCategory,
			CheckType:      check,
			Tier:           cfg.Tier,
			SourceCategory: source,
		})
		if !decision.Permitted {
			out.Dropped = append(out.Dropped, DroppedCheck{Check: check, Reason: "compliance_blocked"})
			continue
		}
		if needsConsent(decision) && !excluded(cfg.ExplicitConsents, check) {
			out.Dropped = append(out.Dropped, DroppedCheck{Check: check, Reason: "consent_missing"})
			continue
		}

		params := map[string]string{}
		for _, e := range kb.Enrichments() {
			if e.InformationType == tmpl.InformationType {
				// Later values for the same parameter join rather than
				// overwrite: two employers yield two counties to search.
				if prev, ok := params[e.Parameter]; ok {
					params[e.Parameter] = prev + "," + e.Value
				} else {
					params[e.Parameter] = e.Value
				}
			}
		}
		if iteration > 1 && len(gaps) > 0 {
			params["focus"] = strings.Join(gaps, ",")
		}
		out.Queries = append(out.Queries, Query{
			InformationType: tmpl.InformationType,
			Check:           check,
			SourceCategory:  source,
			Parameters:      params,
			Iteration:       iteration,
		})
	}
	return out
}

func excluded(list []string, check string) bool {
	for _, v := range list {
		if v == check {
			return true
		}
	}
	return false
}

func needsConsent(d model.ComplianceDecision) bool {
	for _, r := range d.Restrictions {
		if r == "requires_explicit_consent" {
			return true
		}
	}
	return false
}
