// Package compliance implements the Compliance Rule Engine (§4.3): a
// read-mostly, declaratively configured lookup from (locale, role category,
// check type, tier, source category) to a permitted/restricted decision.
// It is consulted twice per check — before a query is issued (can this run
// at all) and after normalization (does the result need redaction) — so the
// evaluation itself must be side-effect free and safe to call from any
// goroutine without synchronization.
package compliance

import (
	"fmt"

	"github.com/veritas-screening/veritas/internal/model"
)

// Demand is one compliance question: can checkType run for an entity at
// locale under role, at tier, sourcing from sourceCategory.
type Demand struct {
	Locale         string
	RoleCategory   string
	CheckType      string
	Tier           model.Tier
	SourceCategory string
}

// Engine evaluates Demands against a declarative rule table (§4.3). The
// table is a versioned, immutable snapshot: updating policy means
// constructing a new Engine from a reloaded table, never mutating rules in
// place underneath in-flight evaluations.
type Engine struct {
	rules []model.ComplianceRule
}

// New builds an Engine from a rule table, typically loaded by
// internal/config.LoadComplianceRules.
func New(rules []model.ComplianceRule) *Engine {
	cp := make([]model.ComplianceRule, len(rules))
	copy(cp, rules)
	return &Engine{rules: cp}
}

// Evaluate returns the ComplianceDecision for a Demand. When multiple rules
// match, the most specific wins (role-scoped over all-roles, exact locale
// over wildcard); among equally specific matches the most restrictive
// decision wins (permitted=false beats permitted=true). The required
// disclosures and excluded data categories are those of the winning rule
// alone; lists from the other matching rules are not merged in.
func (e *Engine) Evaluate(d Demand) model.ComplianceDecision {
	var (
		best       model.ComplianceRule
		bestScore  = -1
		haveMatch  bool
	)

	for _, r := range e.rules {
		if !matches(r, d) {
			continue
		}
		score := specificity(r)
		if !haveMatch || score > bestScore || (score == bestScore && isMoreRestrictive(r, best)) {
			best = r
			bestScore = score
			haveMatch = true
		}
	}

	if !haveMatch {
		return model.ComplianceDecision{
			Permitted: false,
			Reason:    fmt.Sprintf("no compliance rule matches locale=%s check=%s tier=%s source=%s", d.Locale, d.CheckType, d.Tier, d.SourceCategory),
		}
	}

	decision := model.ComplianceDecision{
		Permitted:              best.Permitted,
		DisclosuresRequired:    best.RequiredDisclosures,
		ExcludedDataCategories: best.ExcludedDataCategories,
	}
	if !best.Permitted {
		decision.Reason = fmt.Sprintf("locale=%s check=%s source=%s is not permitted for role=%s", d.Locale, d.CheckType, d.SourceCategory, d.RoleCategory)
	}
	if best.RequiresExplicitConsent {
		decision.Restrictions = append(decision.Restrictions, "requires_explicit_consent")
	}
	return decision
}

func matches(r model.ComplianceRule, d Demand) bool {
	if r.CheckType != d.CheckType {
		return false
	}
	if r.Locale != "*" && r.Locale != d.Locale {
		return false
	}
	if r.RoleCategory != "" && r.RoleCategory != d.RoleCategory {
		return false
	}
	if r.SourceCategory != "" && r.SourceCategory != d.SourceCategory {
		return false
	}
	if len(r.ApplicableTiers) > 0 && !tierIn(r.ApplicableTiers, d.Tier) {
		return false
	}
	return true
}

func tierIn(tiers []model.Tier, t model.Tier) bool {
	for _, candidate := range tiers {
		if candidate == t {
			return true
		}
	}
	return false
}

// specificity ranks a rule match for most-specific-wins tie-breaking:
// role-scoped beats all-roles, and an exact locale beats a wildcard locale.
func specificity(r model.ComplianceRule) int {
	score := 0
	if r.RoleCategory != "" {
		score += 2
	}
	if r.Locale != "*" {
		score++
	}
	return score
}

// isMoreRestrictive breaks a specificity tie in favor of the rule that
// denies where the other permits.
func isMoreRestrictive(candidate, current model.ComplianceRule) bool {
	return !candidate.Permitted && current.Permitted
}
