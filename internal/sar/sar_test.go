package sar_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/compliance"
	"github.com/veritas-screening/veritas/internal/knowledge"
	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/provider"
	"github.com/veritas-screening/veritas/internal/sar"
)

func allowAllRules() []model.ComplianceRule {
	var rules []model.ComplianceRule
	for _, infoType := range append(append(append([]string{}, sar.FoundationTypes...), sar.RecordsTypes...), sar.IntelligenceTypes...) {
		tmpl, _ := sar.TemplateFor(infoType)
		for check, source := range tmpl.Checks {
			rules = append(rules, model.ComplianceRule{
				Locale:          "*",
				CheckType:       check,
				ApplicableTiers: []model.Tier{model.TierStandard, model.TierEnhanced},
				SourceCategory:  source,
				Permitted:       true,
			})
		}
	}
	return rules
}

func serviceConfig(tier model.Tier) model.ServiceConfiguration {
	return model.ServiceConfiguration{
		Tier:      tier,
		Vigilance: model.VigilanceV0,
		Degrees:   model.DegreeD1,
		Review:    model.ReviewAutomated,
		Locale:    "US",
		OrgID:     uuid.New(),
	}
}

func TestPlan_BaseQueries(t *testing.T) {
	p := sar.NewPlanner(compliance.New(allowAllRules()))
	tmpl, _ := sar.TemplateFor(sar.TypeSanctions)

	out := p.Plan(tmpl, serviceConfig(model.TierStandard), knowledge.New(), nil, 1)
	if len(out.Queries) != 2 {
		t.Fatalf("sanctions template has two checks (sanctions, pep), planned %d", len(out.Queries))
	}
	if len(out.Dropped) != 0 {
		t.Fatalf("nothing should be dropped under an allow-all table: %v", out.Dropped)
	}
}

func TestPlan_ComplianceDrop(t *testing.T) {
	// EU behavioral source requires explicit consent; no consent given ->
	// the check is dropped at plan time, no provider is ever called.
	rules := []model.ComplianceRule{
		{Locale: "US", CheckType: "osint", ApplicableTiers: []model.Tier{model.TierEnhanced}, SourceCategory: "public_social", Permitted: true},
		{Locale: "EU", CheckType: "osint", ApplicableTiers: []model.Tier{model.TierEnhanced}, SourceCategory: "public_social", Permitted: false},
		{Locale: "EU", CheckType: "behavioral", ApplicableTiers: []model.Tier{model.TierEnhanced}, SourceCategory: "public_social", Permitted: true, RequiresExplicitConsent: true},
	}
	p := sar.NewPlanner(compliance.New(rules))
	tmpl, _ := sar.TemplateFor(sar.TypeDigitalFootprint)

	cfg := serviceConfig(model.TierEnhanced)
	cfg.Locale = "EU"
	cfg.RoleCategory = "finance"

	out := p.Plan(tmpl, cfg, knowledge.New(), nil, 1)
	if len(out.Queries) != 0 {
		t.Fatalf("both digital-footprint checks should be dropped in the EU, planned %v", out.Queries)
	}
	reasons := map[string]string{}
	for _, d := range out.Dropped {
		reasons[d.Check] = d.Reason
	}
	if reasons["behavioral"] != "consent_missing" {
		t.Fatalf("behavioral without consent must drop as consent_missing, got %q", reasons["behavioral"])
	}
	if reasons["osint"] != "compliance_blocked" {
		t.Fatalf("EU osint must drop as compliance_blocked, got %q", reasons["osint"])
	}
}

func TestPlan_ConsentSatisfied(t *testing.T) {
	rules := []model.ComplianceRule{
		{Locale: "EU", CheckType: "behavioral", ApplicableTiers: []model.Tier{model.TierEnhanced}, SourceCategory: "public_social", Permitted: true, RequiresExplicitConsent: true},
	}
	p := sar.NewPlanner(compliance.New(rules))
	tmpl := sar.Template{InformationType: "digital_footprint", Checks: map[string]string{"behavioral": "public_social"}}

	cfg := serviceConfig(model.TierEnhanced)
	cfg.Locale = "EU"
	cfg.ExplicitConsents = []string{"behavioral"}

	out := p.Plan(tmpl, cfg, knowledge.New(), nil, 1)
	if len(out.Queries) != 1 {
		t.Fatalf("explicit consent should unblock the check, got %v dropped=%v", out.Queries, out.Dropped)
	}
}

func TestPlan_EnrichmentSeedsParameters(t *testing.T) {
	p := sar.NewPlanner(compliance.New(allowAllRules()))
	tmpl, _ := sar.TemplateFor(sar.TypeCriminal)

	kb := knowledge.New()
	kb.Record(knowledge.FieldCounty, model.Fact{Field: "county", Value: "King County", Confidence: 0.9, ProviderID: "p1", ObservedAt: time.Now()}, 0.7)

	out := p.Plan(tmpl, serviceConfig(model.TierStandard), kb, nil, 1)
	if len(out.Queries) != 1 {
		t.Fatalf("expected one criminal query, got %d", len(out.Queries))
	}
	if out.Queries[0].Parameters["county"] != "King County" {
		t.Fatalf("employment-discovered county must seed the criminal query, got %v", out.Queries[0].Parameters)
	}
}

func TestPlan_GapFocusOnRefinement(t *testing.T) {
	p := sar.NewPlanner(compliance.New(allowAllRules()))
	tmpl, _ := sar.TemplateFor(sar.TypeIdentity)

	out := p.Plan(tmpl, serviceConfig(model.TierStandard), knowledge.New(), []string{"dob", "address"}, 2)
	if out.Queries[0].Parameters["focus"] != "dob,address" {
		t.Fatalf("iteration 2 must narrow to gaps, got %v", out.Queries[0].Parameters)
	}
}

func TestDecide(t *testing.T) {
	th := sar.Thresholds{Confidence: 0.85, MaxIterations: 3, InfoGainFloor: 0.10}

	cases := []struct {
		name  string
		state model.TypeCycleState
		want  model.TypeStatus
		done  bool
	}{
		{"threshold", model.TypeCycleState{Iteration: 1, TypeConfidence: 0.9, LastInfoGainRate: 0.5}, model.TypeCompleteThreshold, true},
		{"capped", model.TypeCycleState{Iteration: 3, TypeConfidence: 0.5, LastInfoGainRate: 0.5}, model.TypeCompleteCapped, true},
		{"diminished", model.TypeCycleState{Iteration: 2, TypeConfidence: 0.5, LastInfoGainRate: 0.05}, model.TypeCompleteDiminished, true},
		{"continue", model.TypeCycleState{Iteration: 1, TypeConfidence: 0.5, LastInfoGainRate: 0.5}, model.TypeInProgress, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, done := sar.Decide(tc.state, th)
			if got != tc.want || done != tc.done {
				t.Fatalf("want (%s,%v), got (%s,%v)", tc.want, tc.done, got, done)
			}
		})
	}
}

func TestAssess_FactsAndGaps(t *testing.T) {
	a := sar.NewAssessor(compliance.New(allowAllRules()), 0.7)
	tmpl, _ := sar.TemplateFor(sar.TypeIdentity)
	kb := knowledge.New()

	results := []provider.Result{{
		ProviderID: "gov-id",
		AcquiredAt: time.Now(),
		Findings: []model.Finding{{
			ID:         uuid.New(),
			Category:   model.FindingIdentity,
			Severity:   model.SeverityLow,
			Confidence: 0.95,
			Provenance: model.Provenance{ProviderID: "gov-id", AcquiredAt: time.Now()},
			Details:    map[string]any{"name": "Jane Roe", "dob": "1985-02-17"},
		}},
	}}

	got := a.Assess(tmpl, serviceConfig(model.TierStandard), kb, results, 1)
	if got.NewFacts != 2 {
		t.Fatalf("name and dob should both be recorded, got %d new facts", got.NewFacts)
	}
	if len(got.Gaps) != 1 || got.Gaps[0] != "address" {
		t.Fatalf("address should remain a gap, got %v", got.Gaps)
	}
	if got.InfoGainRate != 2 {
		t.Fatalf("info gain is new facts / queries, got %v", got.InfoGainRate)
	}
	if got.TypeConfidence <= 0 || got.TypeConfidence >= 1 {
		t.Fatalf("partial coverage must land strictly inside (0,1), got %v", got.TypeConfidence)
	}
}

func TestAssess_InconsistencyAgainstKnownFact(t *testing.T) {
	a := sar.NewAssessor(compliance.New(allowAllRules()), 0.7)
	tmpl, _ := sar.TemplateFor(sar.TypeEmployment)
	kb := knowledge.New()
	kb.Record(knowledge.FieldEmployer, model.Fact{Field: "employer", Value: "Acme Corp", Confidence: 0.9, ProviderID: "p1", ObservedAt: time.Now()}, 0.7)

	results := []provider.Result{{
		ProviderID: "emp-verify",
		Findings: []model.Finding{{
			ID:         uuid.New(),
			Category:   model.FindingIdentity,
			Confidence: 0.8,
			Provenance: model.Provenance{ProviderID: "emp-verify"},
			Details:    map[string]any{"employer": "Globex Inc"},
		}},
	}}

	got := a.Assess(tmpl, serviceConfig(model.TierStandard), kb, results, 1)
	if len(got.Inconsistencies) != 1 {
		t.Fatalf("contradicting employer must record an inconsistency, got %v", got.Inconsistencies)
	}
	if got.Inconsistencies[0].Kind != "fabricated_employer" {
		t.Fatalf("employer clash maps to fabricated_employer, got %s", got.Inconsistencies[0].Kind)
	}
}

func TestAssess_RedactsExcludedCategories(t *testing.T) {
	rules := []model.ComplianceRule{{
		Locale: "*", CheckType: "osint", ApplicableTiers: []model.Tier{model.TierEnhanced},
		SourceCategory: "public_social", Permitted: true,
		ExcludedDataCategories: []string{"health"},
	}, {
		Locale: "*", CheckType: "behavioral", ApplicableTiers: []model.Tier{model.TierEnhanced},
		SourceCategory: "public_social", Permitted: true,
	}}
	a := sar.NewAssessor(compliance.New(rules), 0.7)
	tmpl, _ := sar.TemplateFor(sar.TypeDigitalFootprint)

	results := []provider.Result{{
		ProviderID: "osint-1",
		Findings: []model.Finding{{
			ID:         uuid.New(),
			Category:   model.FindingBehavioral,
			Confidence: 0.8,
			Details:    map[string]any{"health": "redact-me", "handle": "@janeroe"},
		}},
	}}

	got := a.Assess(tmpl, serviceConfig(model.TierEnhanced), knowledge.New(), results, 1)
	f := got.Findings[0]
	if _, ok := f.Details["health"]; ok {
		t.Fatal("excluded data category must be redacted from details")
	}
	if len(f.RedactedFields) != 1 || f.RedactedFields[0] != "health" {
		t.Fatalf("redaction must be recorded, got %v", f.RedactedFields)
	}
	if _, ok := f.Details["handle"]; !ok {
		t.Fatal("non-excluded fields must survive redaction")
	}
}
