package sar

import (
	"fmt"

	"github.com/veritas-screening/veritas/internal/compliance"
	"github.com/veritas-screening/veritas/internal/inconsistency"
	"github.com/veritas-screening/veritas/internal/knowledge"
	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/provider"
)

// Assessment is the Assessor's output for one iteration.
type Assessment struct {
	Findings        []model.Finding
	Discovered      []provider.DiscoveredEntity
	NewFacts        int
	TypeConfidence  float64
	Gaps            []string
	InfoGainRate    float64
	Inconsistencies []inconsistency.Inconsistency
	StaleSources    []string
}

// Assessor normalizes gateway results into findings and knowledge-base
// facts, applies post-normalization redaction, records inconsistencies
// against existing facts, and computes the iteration's confidence, gaps,
// and info-gain rate (§4.5).
type Assessor struct {
	engine        *compliance.Engine
	factThreshold float64
}

func NewAssessor(engine *compliance.Engine, factThreshold float64) *Assessor {
	return &Assessor{engine: engine, factThreshold: factThreshold}
}

// factFields maps a finding detail key to its knowledge-base bucket.
var factFields = map[string]knowledge.Field{
	"name":     knowledge.FieldName,
	"dob":      knowledge.FieldDOB,
	"address":  knowledge.FieldAddress,
	"employer": knowledge.FieldEmployer,
	"school":   knowledge.FieldSchool,
	"license":  knowledge.FieldLicense,
	"county":   knowledge.FieldCounty,
	"state":    knowledge.FieldState,
}

// Assess folds one iteration's results into the knowledge base and
// produces the iteration metrics the controller decides on.
func (a *Assessor) Assess(tmpl Template, cfg model.ServiceConfiguration, kb *knowledge.Base, results []provider.Result, queriesIssued int) Assessment {
	var out Assessment

	redactions := a.excludedCategories(tmpl, cfg)
	factCountBefore := kbFactCount(kb)
	staleSeen := make(map[string]bool)

	for _, res := range results {
		if res.StaleFlag && !staleSeen[res.ProviderID] {
			staleSeen[res.ProviderID] = true
			out.StaleSources = append(out.StaleSources, res.ProviderID)
		}
		out.Discovered = append(out.Discovered, res.DiscoveredEntities...)
		for _, de := range res.DiscoveredEntities {
			field := knowledge.FieldPerson
			if de.Kind == model.EntityOrganization {
				field = knowledge.FieldOrg
			}
			kb.Record(field, model.Fact{
				Field: string(field), Value: de.Name, Confidence: 0.8,
				ProviderID: res.ProviderID, ObservedAt: res.AcquiredAt,
			}, a.factThreshold)
		}

		for _, f := range res.Findings {
			f = redact(f, redactions)
			out.Findings = append(out.Findings, f)
			for key, field := range factFields {
				raw, ok := f.Details[key]
				if !ok {
					continue
				}
				value, ok := raw.(string)
				if !ok || value == "" {
					continue
				}
				if inc, found := a.checkInconsistency(tmpl, kb, field, value, f); found {
					out.Inconsistencies = append(out.Inconsistencies, inc)
				}
				kb.Record(field, model.Fact{
					Field: key, Value: value, Confidence: f.Confidence,
					ProviderID: f.Provenance.ProviderID, ObservedAt: f.Provenance.AcquiredAt,
				}, a.factThreshold)
			}
		}
	}

	out.NewFacts = kbFactCount(kb) - factCountBefore
	out.Gaps = computeGaps(tmpl, kb)
	out.TypeConfidence = typeConfidence(tmpl, kb, out)
	if queriesIssued > 0 {
		out.InfoGainRate = float64(out.NewFacts) / float64(queriesIssued)
	}
	return out
}

// excludedCategories unions the post-normalization redaction lists across
// the template's checks (§4.3, second consultation).
func (a *Assessor) excludedCategories(tmpl Template, cfg model.ServiceConfiguration) []string {
	seen := make(map[string]bool)
	var out []string
	for check, source := range tmpl.Checks {
		d := a.engine.Evaluate(compliance.Demand{
			Locale:         cfg.Locale,
			RoleCategory:   cfg.RoleCategory,
			CheckType:      check,
			Tier:           cfg.Tier,
			SourceCategory: source,
		})
		for _, c := range d.ExcludedDataCategories {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// redact strips excluded data categories from a finding's details in place
// before the finding becomes visible, recording what was removed.
func redact(f model.Finding, categories []string) model.Finding {
	if len(categories) == 0 || len(f.Details) == 0 {
		return f
	}
	for _, c := range categories {
		if _, ok := f.Details[c]; ok {
			delete(f.Details, c)
			f.RedactedFields = append(f.RedactedFields, c)
		}
	}
	return f
}

// checkInconsistency reports whether a newly observed value contradicts an
// already-corroborated fact for the same field.
func (a *Assessor) checkInconsistency(tmpl Template, kb *knowledge.Base, field knowledge.Field, value string, f model.Finding) (inconsistency.Inconsistency, bool) {
	existing := kb.Values(field)
	if len(existing) == 0 || existing[0] == value {
		return inconsistency.Inconsistency{}, false
	}
	return inconsistency.Inconsistency{
		Kind:            kindForField(field),
		Field:           string(field),
		InformationType: tmpl.InformationType,
		Claimed:         existing[0],
		Observed:        value,
		ProviderB:       f.Provenance.ProviderID,
	}, true
}

// kindForField maps a contradicted field to its inconsistency class: a name
// clash suggests multiple identities, an employer clash a fabricated
// employer, a date clash a minor date discrepancy.
func kindForField(field knowledge.Field) inconsistency.Kind {
	switch field {
	case knowledge.FieldName:
		return inconsistency.MultipleIdentities
	case knowledge.FieldEmployer:
		return inconsistency.FabricatedEmployer
	case knowledge.FieldDOB:
		return inconsistency.MinorDate
	default:
		return inconsistency.HiddenGap
	}
}

func computeGaps(tmpl Template, kb *knowledge.Base) []string {
	var gaps []string
	for _, field := range tmpl.ExpectedFields {
		if f, ok := fieldByName(field); ok && len(kb.Values(f)) == 0 {
			gaps = append(gaps, field)
		}
	}
	return gaps
}

func fieldByName(name string) (knowledge.Field, bool) {
	f, ok := factFields[name]
	return f, ok
}

// typeConfidence weighs gap closure, corroboration, and source authority
// into the loop's completion signal (§4.5).
func typeConfidence(tmpl Template, kb *knowledge.Base, a Assessment) float64 {
	gapClosure := 1.0
	corroboration := 1.0
	if n := len(tmpl.ExpectedFields); n > 0 {
		gapClosure = 1 - float64(len(a.Gaps))/float64(n)
		filled := 0.0
		for _, field := range tmpl.ExpectedFields {
			if f, ok := fieldByName(field); ok && len(kb.Values(f)) > 0 {
				filled += 1
			}
		}
		corroboration = filled / float64(n)
	}
	authority := 1.0
	if len(a.Findings) > 0 {
		sum := 0.0
		for _, f := range a.Findings {
			sum += f.Confidence
		}
		authority = sum / float64(len(a.Findings))
	}
	score := 0.40*gapClosure + 0.35*corroboration + 0.25*authority
	if score > 1 {
		score = 1
	}
	return score
}

// FingerprintFinding derives the at-most-once emission key for a finding
// produced at a given iteration: resume revalidates against
// (investigation_id, fingerprint) so the same (fingerprint, iteration) pair
// never emits twice (§4.10, §9).
func FingerprintFinding(callFingerprint string, iteration, ordinal int) string {
	return fmt.Sprintf("%s|iter%d|%d", callFingerprint, iteration, ordinal)
}

func kbFactCount(kb *knowledge.Base) int {
	snap := kb.Snapshot()
	return len(snap.Names) + len(snap.DatesOfBirth) + len(snap.Addresses) +
		len(snap.Employers) + len(snap.Schools) + len(snap.Licenses) +
		len(snap.Counties) + len(snap.States) +
		len(snap.DiscoveredPeople) + len(snap.DiscoveredOrgs)
}
