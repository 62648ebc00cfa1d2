// Package inconsistency implements the Inconsistency Analyzer (§4.7):
// cross-source contradictions observed during assessment are typed, given a
// base score, and aggregated into a deception score under a set of pattern
// modifiers. Scores above the emission threshold become verification
// findings.
package inconsistency

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/model"
)

// Kind classifies one observed inconsistency.
type Kind string

const (
	MinorDate          Kind = "minor_date"
	HiddenGap          Kind = "hidden_gap"
	FabricatedEmployer Kind = "fabricated_employer"
	ImpossibleTimeline Kind = "impossible_timeline"
	MultipleIdentities Kind = "multiple_identities"
	Systematic         Kind = "systematic"
)

// baseScores carries the per-type base scores from §4.7.
var baseScores = map[Kind]float64{
	MinorDate:          0.1,
	HiddenGap:          0.6,
	FabricatedEmployer: 0.8,
	ImpossibleTimeline: 0.7,
	MultipleIdentities: 0.9,
	Systematic:         0.95,
}

// BaseScore returns the base score for a kind, zero for an unknown kind.
func BaseScore(k Kind) float64 { return baseScores[k] }

// Inconsistency is one detected contradiction between sources.
type Inconsistency struct {
	Kind            Kind
	Field           string
	InformationType string
	Claimed         string
	Observed        string
	// Inflating marks discrepancies that favor the subject (longer tenure,
	// higher title, cleaner record), feeding the directional modifier.
	Inflating bool
	ProviderA string
	ProviderB string
}

// Analysis is the analyzer's aggregate output.
type Analysis struct {
	DeceptionScore float64
	Patterns       []string
}

// Analyze aggregates a set of inconsistencies into a deception score. The
// base is the strongest single inconsistency (with four or more observed,
// the systematic base applies); pattern modifiers then multiply it, and the
// result is clamped to [0,1].
func Analyze(items []Inconsistency) Analysis {
	if len(items) == 0 {
		return Analysis{}
	}

	base := 0.0
	for _, it := range items {
		if s := baseScores[it.Kind]; s > base {
			base = s
		}
	}
	var patterns []string
	if len(items) >= 4 {
		if s := baseScores[Systematic]; s > base {
			base = s
		}
		patterns = append(patterns, "systematic")
	}

	score := base

	fields := make(map[string]int)
	types := make(map[string]bool)
	allInflating := true
	for _, it := range items {
		fields[it.Field]++
		types[it.InformationType] = true
		if !it.Inflating {
			allInflating = false
		}
	}

	switch {
	case len(items) >= 4:
		score *= 2.0
		patterns = append(patterns, "count_ge_4")
	case len(items) >= 2 && len(fields) == 1:
		score *= 1.3
		patterns = append(patterns, "same_field_2_3")
	case len(items) >= 2:
		score *= 1.5
		patterns = append(patterns, "different_field_2_3")
	}
	if len(types) >= 3 {
		score *= 1.5
		patterns = append(patterns, "spanning_3_types")
	}
	if allInflating && len(items) >= 2 {
		score *= 1.8
		patterns = append(patterns, "directional_inflate")
	}

	if score > 1 {
		score = 1
	}
	return Analysis{DeceptionScore: score, Patterns: patterns}
}

// emissionThreshold is the per-inconsistency score above which a
// verification finding is emitted (§4.7).
const emissionThreshold = 0.5

// severityFor maps an inconsistency score to a finding severity band.
func severityFor(score float64) model.Severity {
	switch {
	case score >= 0.9:
		return model.SeverityCritical
	case score >= 0.7:
		return model.SeverityHigh
	case score > emissionThreshold:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// Findings converts the inconsistencies whose base score crosses the
// emission threshold into verification findings, carrying the aggregate
// deception score and detected patterns in the details payload.
func Findings(investigationID, entityID uuid.UUID, items []Inconsistency, analysis Analysis, now time.Time) []model.Finding {
	var out []model.Finding
	for i, it := range items {
		s := baseScores[it.Kind]
		if s <= emissionThreshold {
			continue
		}
		out = append(out, model.Finding{
			ID:              uuid.New(),
			InvestigationID: investigationID,
			EntityID:        entityID,
			Category:        model.FindingVerification,
			Severity:        severityFor(s),
			Confidence:      s,
			Provenance:      model.Provenance{ProviderID: "inconsistency-analyzer", AcquiredAt: now},
			Details: map[string]any{
				"kind":             string(it.Kind),
				"field":            it.Field,
				"information_type": it.InformationType,
				"claimed":          it.Claimed,
				"observed":         it.Observed,
				"deception_score":  analysis.DeceptionScore,
				"patterns":         analysis.Patterns,
			},
			Fingerprint: fmt.Sprintf("inconsistency|%s|%s|%d", it.Kind, it.Field, i),
			CreatedAt:   now,
		})
	}
	return out
}
