// Package risk implements the Risk Scorer and Evolution Detector (§4.8):
// a composite, role-weighted score over a profile's findings plus the
// rule-based signals produced by comparing consecutive profile versions.
package risk

import (
	"math"
	"time"

	"github.com/veritas-screening/veritas/internal/model"
)

// severityWeights converts a finding's severity band to a numeric
// contribution.
var severityWeights = map[model.Severity]float64{
	model.SeverityLow:      0.1,
	model.SeverityMedium:   0.3,
	model.SeverityHigh:     0.6,
	model.SeverityCritical: 1.0,
}

// categoryWeights is the baseline relevance of each finding category.
var categoryWeights = map[model.FindingCategory]float64{
	model.FindingIdentity:     0.8,
	model.FindingCriminal:     1.0,
	model.FindingCivil:        0.6,
	model.FindingFinancial:    0.7,
	model.FindingRegulatory:   0.8,
	model.FindingReputation:   0.5,
	model.FindingVerification: 0.9,
	model.FindingBehavioral:   0.4,
	model.FindingNetwork:      0.6,
}

// roleOverrides adjusts category relevance per role category: financial
// crime weighs heavier for finance roles, regulatory findings for licensed
// professions.
var roleOverrides = map[string]map[model.FindingCategory]float64{
	"finance": {
		model.FindingFinancial:  1.0,
		model.FindingRegulatory: 1.0,
	},
	"healthcare": {
		model.FindingRegulatory: 1.0,
		model.FindingCriminal:   1.0,
	},
	"transport": {
		model.FindingCriminal: 1.0,
	},
}

// degreeDampening discounts risk propagated from network findings (§4.8:
// D2 0.5, D3 0.25).
var degreeDampening = map[int]float64{1: 1.0, 2: 0.5, 3: 0.25}

// recencyHalfLife controls the exponential decay of a finding's weight
// with age.
const recencyHalfLife = 3 * 365 * 24 * time.Hour

func recencyDecay(acquiredAt, now time.Time) float64 {
	age := now.Sub(acquiredAt)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(recencyHalfLife))
}

func roleRelevance(category model.FindingCategory, role string) float64 {
	if overrides, ok := roleOverrides[role]; ok {
		if w, ok := overrides[category]; ok {
			return w
		}
	}
	if w, ok := categoryWeights[category]; ok {
		return w
	}
	return 0.5
}

// findingDegree reads the discovery degree a network finding carries in its
// details; direct findings default to degree 1.
func findingDegree(f model.Finding) int {
	if f.Category != model.FindingNetwork {
		return 1
	}
	switch v := f.Details["degree"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 2
	}
}

// Score computes the composite risk score in [0,1] for a finding set. Each
// finding contributes severity x recency x confidence x role relevance,
// dampened per network degree; the sum is squashed so a handful of
// criticals saturates toward 1 without any single finding pinning it there.
func Score(findings []model.Finding, role string, now time.Time) float64 {
	sum := 0.0
	for _, f := range findings {
		damp := degreeDampening[findingDegree(f)]
		if damp == 0 {
			damp = 0.25
		}
		sum += severityWeights[f.Severity] *
			recencyDecay(f.Provenance.AcquiredAt, now) *
			f.Confidence *
			roleRelevance(f.Category, role) *
			damp
	}
	// 1 - e^(-sum/2): zero findings score 0, ~3 weighted criticals ~0.78.
	return 1 - math.Exp(-sum/2)
}

// ComputeDelta diffs a new profile's findings and connections against its
// predecessor (§3 Delta). Findings match across versions by fingerprint:
// the same (fingerprint) present in both versions with differing severity
// or confidence is changed, present only in the new version is new, present
// only in the old is resolved.
func ComputeDelta(prevFindings, curFindings []model.Finding, prev, cur model.EntityProfile) model.Delta {
	prevByFP := make(map[string]model.Finding, len(prevFindings))
	for _, f := range prevFindings {
		prevByFP[f.Fingerprint] = f
	}
	curByFP := make(map[string]model.Finding, len(curFindings))
	for _, f := range curFindings {
		curByFP[f.Fingerprint] = f
	}

	d := model.Delta{
		RiskScoreChange: cur.RiskScore - prev.RiskScore,
		ConnectionDelta: len(cur.Connections) - len(prev.Connections),
	}
	for fp, f := range curByFP {
		old, ok := prevByFP[fp]
		switch {
		case !ok:
			d.NewFindings = append(d.NewFindings, f.ID)
		case old.Severity != f.Severity || old.Confidence != f.Confidence:
			d.ChangedFindings = append(d.ChangedFindings, f.ID)
		}
	}
	for fp, f := range prevByFP {
		if _, ok := curByFP[fp]; !ok {
			d.ResolvedFindings = append(d.ResolvedFindings, f.ID)
		}
	}
	return d
}
