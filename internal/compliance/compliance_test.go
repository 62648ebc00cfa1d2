package compliance_test

import (
	"testing"

	"github.com/veritas-screening/veritas/internal/compliance"
	"github.com/veritas-screening/veritas/internal/model"
)

func ruleTable() []model.ComplianceRule {
	return []model.ComplianceRule{
		{
			Locale:          "*",
			CheckType:       "criminal",
			ApplicableTiers: []model.Tier{model.TierStandard, model.TierEnhanced},
			SourceCategory:  "court_records",
			Permitted:       true,
		},
		{
			Locale:          "EU",
			CheckType:       "criminal",
			ApplicableTiers: []model.Tier{model.TierStandard, model.TierEnhanced},
			SourceCategory:  "court_records",
			Permitted:       true,
			RequiredDisclosures: []string{"gdpr_article_10_notice"},
			RequiresExplicitConsent: true,
		},
		{
			Locale:          "US",
			CheckType:       "financial",
			RoleCategory:    "contractor",
			ApplicableTiers: []model.Tier{model.TierStandard, model.TierEnhanced},
			SourceCategory:  "credit_bureau",
			Permitted:       false,
		},
		{
			Locale:          "US",
			CheckType:       "financial",
			ApplicableTiers: []model.Tier{model.TierEnhanced},
			SourceCategory:  "credit_bureau",
			Permitted:       true,
		},
	}
}

func TestEvaluate_WildcardFallback(t *testing.T) {
	e := compliance.New(ruleTable())
	d := compliance.Demand{Locale: "CA", CheckType: "criminal", Tier: model.TierStandard, SourceCategory: "court_records"}
	got := e.Evaluate(d)
	if !got.Permitted {
		t.Fatalf("expected wildcard rule to permit, got %+v", got)
	}
}

func TestEvaluate_MostSpecificLocaleWins(t *testing.T) {
	e := compliance.New(ruleTable())
	d := compliance.Demand{Locale: "EU", CheckType: "criminal", Tier: model.TierStandard, SourceCategory: "court_records"}
	got := e.Evaluate(d)
	if !got.Permitted {
		t.Fatalf("expected EU rule to permit, got %+v", got)
	}
	if len(got.DisclosuresRequired) != 1 || got.DisclosuresRequired[0] != "gdpr_article_10_notice" {
		t.Fatalf("expected EU-specific disclosure requirement, got %+v", got.DisclosuresRequired)
	}
	if len(got.Restrictions) != 1 || got.Restrictions[0] != "requires_explicit_consent" {
		t.Fatalf("expected explicit consent restriction, got %+v", got.Restrictions)
	}
}

func TestEvaluate_RoleScopedDenyOverridesGeneralPermit(t *testing.T) {
	e := compliance.New(ruleTable())
	d := compliance.Demand{Locale: "US", CheckType: "financial", Tier: model.TierEnhanced, SourceCategory: "credit_bureau", RoleCategory: "contractor"}
	got := e.Evaluate(d)
	if got.Permitted {
		t.Fatalf("expected contractor-scoped rule to deny, got %+v", got)
	}
}

func TestEvaluate_NonContractorPermitted(t *testing.T) {
	e := compliance.New(ruleTable())
	d := compliance.Demand{Locale: "US", CheckType: "financial", Tier: model.TierEnhanced, SourceCategory: "credit_bureau", RoleCategory: "employee"}
	got := e.Evaluate(d)
	if !got.Permitted {
		t.Fatalf("expected non-contractor to be permitted, got %+v", got)
	}
}

func TestEvaluate_TierMismatchExcludesRule(t *testing.T) {
	e := compliance.New(ruleTable())
	d := compliance.Demand{Locale: "US", CheckType: "financial", Tier: model.TierStandard, SourceCategory: "credit_bureau"}
	got := e.Evaluate(d)
	if got.Permitted {
		t.Fatalf("expected no matching rule at Standard tier to deny by default, got %+v", got)
	}
}

func TestEvaluate_NoMatchDeniesByDefault(t *testing.T) {
	e := compliance.New(ruleTable())
	d := compliance.Demand{Locale: "JP", CheckType: "osint", Tier: model.TierEnhanced, SourceCategory: "public_social"}
	got := e.Evaluate(d)
	if got.Permitted {
		t.Fatal("expected unmatched demand to fail closed")
	}
	if got.Reason == "" {
		t.Fatal("expected a reason to be recorded for the denial")
	}
}
