package inconsistency_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/inconsistency"
	"github.com/veritas-screening/veritas/internal/model"
)

func TestAnalyze_Empty(t *testing.T) {
	got := inconsistency.Analyze(nil)
	if got.DeceptionScore != 0 {
		t.Fatalf("expected zero score for no inconsistencies, got %v", got.DeceptionScore)
	}
}

func TestAnalyze_SingleMinorDate(t *testing.T) {
	got := inconsistency.Analyze([]inconsistency.Inconsistency{
		{Kind: inconsistency.MinorDate, Field: "dob"},
	})
	if got.DeceptionScore != 0.1 {
		t.Fatalf("single minor date should score its base 0.1, got %v", got.DeceptionScore)
	}
	if len(got.Patterns) != 0 {
		t.Fatalf("single item should trigger no pattern modifiers, got %v", got.Patterns)
	}
}

func TestAnalyze_SameFieldModifier(t *testing.T) {
	got := inconsistency.Analyze([]inconsistency.Inconsistency{
		{Kind: inconsistency.HiddenGap, Field: "employment_dates", InformationType: "employment"},
		{Kind: inconsistency.HiddenGap, Field: "employment_dates", InformationType: "employment"},
	})
	// base 0.6 x 1.3 same-field, not inflating so no directional modifier.
	want := 0.6 * 1.3
	if diff := got.DeceptionScore - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("want %v, got %v", want, got.DeceptionScore)
	}
}

func TestAnalyze_DirectionalInflation(t *testing.T) {
	got := inconsistency.Analyze([]inconsistency.Inconsistency{
		{Kind: inconsistency.MinorDate, Field: "tenure_start", InformationType: "employment", Inflating: true},
		{Kind: inconsistency.MinorDate, Field: "tenure_end", InformationType: "employment", Inflating: true},
	})
	// base 0.1 x 1.5 different-field x 1.8 directional.
	want := 0.1 * 1.5 * 1.8
	if diff := got.DeceptionScore - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("want %v, got %v", want, got.DeceptionScore)
	}
}

func TestAnalyze_SystematicClampsToOne(t *testing.T) {
	items := []inconsistency.Inconsistency{
		{Kind: inconsistency.FabricatedEmployer, Field: "employer", InformationType: "employment"},
		{Kind: inconsistency.HiddenGap, Field: "address", InformationType: "civil"},
		{Kind: inconsistency.MinorDate, Field: "dob", InformationType: "identity"},
		{Kind: inconsistency.ImpossibleTimeline, Field: "timeline", InformationType: "education"},
	}
	got := inconsistency.Analyze(items)
	if got.DeceptionScore != 1 {
		t.Fatalf("4+ inconsistencies across 3+ types must clamp to 1, got %v", got.DeceptionScore)
	}
	if !contains(got.Patterns, "systematic") || !contains(got.Patterns, "count_ge_4") || !contains(got.Patterns, "spanning_3_types") {
		t.Fatalf("missing expected patterns: %v", got.Patterns)
	}
}

func TestFindings_EmissionThreshold(t *testing.T) {
	items := []inconsistency.Inconsistency{
		{Kind: inconsistency.MinorDate, Field: "dob"},           // 0.1: below threshold
		{Kind: inconsistency.FabricatedEmployer, Field: "employer"}, // 0.8: emitted
	}
	analysis := inconsistency.Analyze(items)
	findings := inconsistency.Findings(uuid.New(), uuid.New(), items, analysis, time.Now())
	if len(findings) != 1 {
		t.Fatalf("only the fabricated employer should emit, got %d findings", len(findings))
	}
	f := findings[0]
	if f.Category != model.FindingVerification {
		t.Fatalf("inconsistency findings are verification category, got %s", f.Category)
	}
	if f.Severity != model.SeverityHigh {
		t.Fatalf("0.8 base should map to high severity, got %s", f.Severity)
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
