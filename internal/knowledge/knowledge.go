// Package knowledge wraps model.KnowledgeBase with the field-routing and
// cross-type enrichment matrix the Query Planner consults (§4.5): facts
// discovered while investigating one information type seed follow-up
// queries for another (e.g. an employer's county feeds a criminal-records
// county filter).
package knowledge

import (
	"sort"

	"github.com/veritas-screening/veritas/internal/model"
)

// Base owns one investigation's accumulated facts. It is not safe for
// concurrent mutation from multiple goroutines; the orchestrator serializes
// writes per information-type task and merges results back into a single
// owning Base between phases.
type Base struct {
	kb model.KnowledgeBase
	// pending buffers sub-threshold observations keyed by field|value until
	// a second, independent provider reports the same value. Not persisted:
	// a resume simply re-buffers from the re-assessed results.
	pending map[string][]model.Fact
}

// New returns an empty knowledge base.
func New() *Base {
	return &Base{pending: make(map[string][]model.Fact)}
}

// Snapshot returns a copy of the underlying model for persistence in a
// Checkpoint.
func (b *Base) Snapshot() model.KnowledgeBase {
	return b.kb
}

// Restore replaces the knowledge base's contents, used when resuming from a
// Checkpoint.
func (b *Base) Restore(kb model.KnowledgeBase) {
	b.kb = kb
	b.pending = make(map[string][]model.Fact)
}

// Field identifies which bucket of the knowledge base a fact belongs to.
type Field string

const (
	FieldName      Field = "name"
	FieldDOB       Field = "dob"
	FieldAddress   Field = "address"
	FieldEmployer  Field = "employer"
	FieldSchool    Field = "school"
	FieldLicense   Field = "license"
	FieldCounty    Field = "county"
	FieldState     Field = "state"
	FieldPerson    Field = "discovered_person"
	FieldOrg       Field = "discovered_org"
)

// Record merges a fact into its field's bucket, applying the
// highest-confidence-wins conflict policy. minConfidence gates the merge
// per §4.5: a fact below the threshold is confirmed only by corroboration —
// it sits in the pending buffer until a second, independent provider
// reports the same value, at which point the stronger observation is
// promoted. A lone sub-threshold observation never seeds a follow-up query.
func (b *Base) Record(f Field, fact model.Fact, minConfidence float64) {
	if fact.Confidence >= minConfidence {
		b.kb.Merge(b.bucket(f), fact)
		return
	}
	b.corroborate(f, fact)
}

// corroborate buffers a sub-threshold observation, promoting the value once
// two distinct providers have reported it. Re-observation by the same
// provider keeps its strongest confidence but never corroborates itself.
func (b *Base) corroborate(f Field, fact model.Fact) {
	if b.pending == nil {
		b.pending = make(map[string][]model.Fact)
	}
	key := string(f) + "|" + fact.Value
	for i, seen := range b.pending[key] {
		if seen.ProviderID == fact.ProviderID {
			if fact.Confidence > seen.Confidence {
				b.pending[key][i] = fact
			}
			return
		}
		promoted := fact
		if seen.Confidence > promoted.Confidence {
			promoted = seen
		}
		b.kb.Merge(b.bucket(f), promoted)
		delete(b.pending, key)
		return
	}
	b.pending[key] = append(b.pending[key], fact)
}

func (b *Base) bucket(f Field) *[]model.Fact {
	switch f {
	case FieldName:
		return &b.kb.Names
	case FieldDOB:
		return &b.kb.DatesOfBirth
	case FieldAddress:
		return &b.kb.Addresses
	case FieldEmployer:
		return &b.kb.Employers
	case FieldSchool:
		return &b.kb.Schools
	case FieldLicense:
		return &b.kb.Licenses
	case FieldCounty:
		return &b.kb.Counties
	case FieldState:
		return &b.kb.States
	case FieldPerson:
		return &b.kb.DiscoveredPeople
	case FieldOrg:
		return &b.kb.DiscoveredOrgs
	default:
		var discard []model.Fact
		return &discard
	}
}

// Values returns the corroborated values for a field, most-confident first.
func (b *Base) Values(f Field) []string {
	facts := append([]model.Fact(nil), *b.bucket(f)...)
	sort.Slice(facts, func(i, j int) bool { return facts[i].Confidence > facts[j].Confidence })
	out := make([]string, len(facts))
	for i, fact := range facts {
		out[i] = fact.Value
	}
	return out
}

// EnrichmentQuery is a follow-up query seeded by a fact discovered while
// investigating a different information type.
type EnrichmentQuery struct {
	InformationType string
	Parameter       string
	Value           string
}

// enrichmentRule is one entry in the declarative cross-type enrichment
// matrix (§4.5): a fact recorded under From seeds a query for To, passing
// the fact's value as Parameter.
type enrichmentRule struct {
	From      Field
	To        string
	Parameter string
}

// enrichmentMatrix is the fixed cross-type enrichment table. It is
// deliberately small and explicit rather than data-driven, because each
// entry encodes a specific domain judgment about what one information type
// tells you to check in another.
var enrichmentMatrix = []enrichmentRule{
	{From: FieldEmployer, To: "employment", Parameter: "employer_name"},
	{From: FieldCounty, To: "criminal", Parameter: "county"},
	{From: FieldState, To: "criminal", Parameter: "state"},
	{From: FieldAddress, To: "civil", Parameter: "address"},
	{From: FieldSchool, To: "education", Parameter: "institution"},
	{From: FieldPerson, To: "network", Parameter: "associate_entity"},
	{From: FieldOrg, To: "corporate_registry", Parameter: "organization_name"},
}

// Enrichments returns the follow-up queries this knowledge base's facts seed
// for other information types, deduplicated by (type, parameter, value).
func (b *Base) Enrichments() []EnrichmentQuery {
	seen := make(map[string]bool)
	var out []EnrichmentQuery
	for _, rule := range enrichmentMatrix {
		for _, fact := range *b.bucket(rule.From) {
			key := rule.To + "|" + rule.Parameter + "|" + fact.Value
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, EnrichmentQuery{InformationType: rule.To, Parameter: rule.Parameter, Value: fact.Value})
		}
	}
	return out
}

// allBuckets enumerates every bucket for copy/merge traversal.
func (b *Base) allBuckets() []*[]model.Fact {
	kb := &b.kb
	return []*[]model.Fact{
		&kb.Names, &kb.DatesOfBirth, &kb.Addresses, &kb.Employers, &kb.Schools,
		&kb.Licenses, &kb.Counties, &kb.States, &kb.DiscoveredPeople, &kb.DiscoveredOrgs,
	}
}

// Clone returns a deep copy. Parallel phases hand each type worker its own
// clone so the owning Base is never mutated concurrently (§5); workers'
// facts are folded back with MergeFrom at the phase boundary.
func (b *Base) Clone() *Base {
	c := New()
	src := b.allBuckets()
	dst := c.allBuckets()
	for i := range src {
		*dst[i] = append([]model.Fact(nil), *src[i]...)
	}
	for key, facts := range b.pending {
		c.pending[key] = append([]model.Fact(nil), facts...)
	}
	return c
}

// MergeFrom folds another base's facts into this one under the standard
// highest-confidence-wins policy. Fact addition is monotone, so merging
// workers' clones in any completion order converges to the same base.
// Pending sub-threshold observations merge through the corroboration path,
// so two workers that each saw the same value from different providers
// promote it here.
func (b *Base) MergeFrom(o *Base) {
	src := o.allBuckets()
	dst := b.allBuckets()
	for i := range src {
		for _, f := range *src[i] {
			b.kb.Merge(dst[i], f)
		}
	}
	for key, facts := range o.pending {
		field, ok := fieldFromPendingKey(key)
		if !ok {
			continue
		}
		for _, f := range facts {
			b.corroborate(field, f)
		}
	}
}

// fieldFromPendingKey recovers the Field prefix of a pending-buffer key.
func fieldFromPendingKey(key string) (Field, bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return Field(key[:i]), true
		}
	}
	return "", false
}
