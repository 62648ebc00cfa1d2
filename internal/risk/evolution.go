package risk

import (
	"fmt"
	"time"

	"github.com/veritas-screening/veritas/internal/model"
)

// Evolution signal types and their fixed pattern-signature library (§4.8).
const (
	SignalNetworkExpansionRapid   = "network_expansion_rapid"
	SignalShellCompanyBuildup     = "shell_company_buildup"
	SignalSanctionsAdjacencyNew   = "sanctions_adjacency_new"
	SignalUndisclosedInterestsNew = "undisclosed_interests_new"
	SignalFinancialDeterioration  = "financial_deterioration"
	SignalBehavioralDriftEmploy   = "behavioral_drift_employment"
)

// patternSignatures is the fixed library each signal keys into.
var patternSignatures = map[string]string{
	SignalNetworkExpansionRapid:   "PS-NET-001",
	SignalShellCompanyBuildup:     "PS-NET-002",
	SignalSanctionsAdjacencyNew:   "PS-SAN-001",
	SignalUndisclosedInterestsNew: "PS-INT-001",
	SignalFinancialDeterioration:  "PS-FIN-001",
	SignalBehavioralDriftEmploy:   "PS-BEH-001",
}

// PatternSignature returns the library key for a signal type, empty if the
// type is unknown.
func PatternSignature(signalType string) string { return patternSignatures[signalType] }

// Tunables for the evolution rules.
const (
	networkExpansionRatio   = 3.0 // cur/prev > 3, i.e. >200% growth
	networkExpansionWindow  = 6 * 30 * 24 * time.Hour
	shellIndicatorThreshold = 2
	employmentChangeWindow  = 24 * 30 * 24 * time.Hour
	employmentChangeCount   = 3
	creditBreachThreshold   = 0.6 // financial sub-risk breach level
)

// History is the version trail the detector needs beyond the immediate
// predecessor: financial deterioration requires the financial risk sub-score
// to rise monotonically across at least two prior versions.
type History struct {
	// FinancialScores are per-version financial sub-scores, oldest first,
	// ending with the previous version.
	FinancialScores []float64
	// EmployerChanges counts distinct employer transitions observed within
	// the employment change window.
	EmployerChanges int
}

// DetectEvolution compares the current profile against its predecessor and
// emits the rule-based signals from §4.8. prevFindings/curFindings are the
// hydrated finding sets of the two versions.
func DetectEvolution(prev, cur model.EntityProfile, prevFindings, curFindings []model.Finding, hist History, curFinancialScore float64) []model.EvolutionSignal {
	var signals []model.EvolutionSignal

	elapsed := cur.CreatedAt.Sub(prev.CreatedAt)
	if len(prev.Connections) > 0 && elapsed <= networkExpansionWindow {
		ratio := float64(len(cur.Connections)) / float64(len(prev.Connections))
		if ratio > networkExpansionRatio {
			signals = append(signals, signal(SignalNetworkExpansionRapid, model.SeverityHigh, 0.9,
				fmt.Sprintf("connections %d -> %d (%.0f%%) in %s", len(prev.Connections), len(cur.Connections), ratio*100, elapsed.Round(24*time.Hour))))
		}
	}

	if n := countNewShellIndicators(prevFindings, curFindings); n >= shellIndicatorThreshold {
		signals = append(signals, signal(SignalShellCompanyBuildup, model.SeverityHigh, 0.85,
			fmt.Sprintf("%d new shell-company indicators", n)))
	}

	if conn, ok := newSanctionedConnection(prev, cur); ok {
		signals = append(signals, signal(SignalSanctionsAdjacencyNew, model.SeverityCritical, 0.95,
			fmt.Sprintf("new D%d connection %s is sanctioned", conn.Degree, conn.EntityID)))
	}

	if n := countNewUndisclosedInterests(prevFindings, curFindings); n > 0 {
		signals = append(signals, signal(SignalUndisclosedInterestsNew, model.SeverityMedium, 0.7,
			fmt.Sprintf("%d new undisclosed business interests", n)))
	}

	if financialDeteriorating(hist.FinancialScores, curFinancialScore) {
		signals = append(signals, signal(SignalFinancialDeterioration, model.SeverityHigh, 0.8,
			fmt.Sprintf("financial risk sub-score rose across %d versions to %.2f", len(hist.FinancialScores)+1, curFinancialScore)))
	}

	if hist.EmployerChanges >= employmentChangeCount {
		signals = append(signals, signal(SignalBehavioralDriftEmploy, model.SeverityMedium, 0.65,
			fmt.Sprintf("%d employer changes in 24 months", hist.EmployerChanges)))
	}

	return signals
}

func signal(sigType string, sev model.Severity, confidence float64, factor string) model.EvolutionSignal {
	return model.EvolutionSignal{
		Type:                sigType,
		Confidence:          confidence,
		Severity:            sev,
		ContributingFactors: []string{factor},
		PatternSignature:    patternSignatures[sigType],
	}
}

// countNewShellIndicators counts shell-company indicator findings present
// in the current version but not the previous one.
func countNewShellIndicators(prevFindings, curFindings []model.Finding) int {
	prevSet := indicatorSet(prevFindings, "shell_company_indicator")
	n := 0
	for _, f := range curFindings {
		if isIndicator(f, "shell_company_indicator") && !prevSet[f.Fingerprint] {
			n++
		}
	}
	return n
}

func countNewUndisclosedInterests(prevFindings, curFindings []model.Finding) int {
	prevSet := indicatorSet(prevFindings, "undisclosed_interest")
	n := 0
	for _, f := range curFindings {
		if isIndicator(f, "undisclosed_interest") && !prevSet[f.Fingerprint] {
			n++
		}
	}
	return n
}

func indicatorSet(findings []model.Finding, indicator string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range findings {
		if isIndicator(f, indicator) {
			out[f.Fingerprint] = true
		}
	}
	return out
}

func isIndicator(f model.Finding, indicator string) bool {
	v, ok := f.Details["indicator"].(string)
	return ok && v == indicator
}

// newSanctionedConnection reports a sanctioned connection present in cur
// but absent from prev, at any degree.
func newSanctionedConnection(prev, cur model.EntityProfile) (model.Connection, bool) {
	prevSet := make(map[string]bool, len(prev.Connections))
	for _, c := range prev.Connections {
		prevSet[c.EntityID.String()] = true
	}
	for _, c := range cur.Connections {
		if c.Sanctioned && !prevSet[c.EntityID.String()] {
			return c, true
		}
	}
	return model.Connection{}, false
}

// financialDeteriorating requires the financial risk sub-score to rise
// strictly across at least two prior versions into the current score, with
// the current score at or above the breach threshold.
func financialDeteriorating(history []float64, current float64) bool {
	if len(history) < 2 || current < creditBreachThreshold {
		return false
	}
	scores := append(append([]float64(nil), history...), current)
	for i := 1; i < len(scores); i++ {
		if scores[i] <= scores[i-1] {
			return false
		}
	}
	return true
}

// FinancialSubScore is the financial-category-only composite used by the
// deterioration rule.
func FinancialSubScore(findings []model.Finding, now time.Time) float64 {
	var financial []model.Finding
	for _, f := range findings {
		if f.Category == model.FindingFinancial {
			financial = append(financial, f)
		}
	}
	return Score(financial, "", now)
}
