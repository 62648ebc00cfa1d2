package knowledge_test

import (
	"testing"
	"time"

	"github.com/veritas-screening/veritas/internal/knowledge"
	"github.com/veritas-screening/veritas/internal/model"
)

func fact(value string, confidence float64) model.Fact {
	return model.Fact{Field: "x", Value: value, Confidence: confidence, ProviderID: "p1", ObservedAt: time.Unix(0, 0)}
}

func providerFact(value string, confidence float64, providerID string) model.Fact {
	return model.Fact{Field: "x", Value: value, Confidence: confidence, ProviderID: providerID, ObservedAt: time.Unix(0, 0)}
}

func TestRecord_BelowThresholdIsBuffered(t *testing.T) {
	b := knowledge.New()
	b.Record(knowledge.FieldEmployer, fact("Acme Corp", 0.4), 0.7)
	if got := b.Values(knowledge.FieldEmployer); len(got) != 0 {
		t.Fatalf("a lone sub-threshold observation must not confirm, got %v", got)
	}
}

func TestRecord_SecondProviderCorroborates(t *testing.T) {
	b := knowledge.New()
	b.Record(knowledge.FieldEmployer, providerFact("Acme Corp", 0.4, "p1"), 0.7)
	b.Record(knowledge.FieldEmployer, providerFact("Acme Corp", 0.5, "p2"), 0.7)
	got := b.Values(knowledge.FieldEmployer)
	if len(got) != 1 || got[0] != "Acme Corp" {
		t.Fatalf("two independent sub-threshold observations must promote, got %v", got)
	}
	snap := b.Snapshot()
	if snap.Employers[0].Confidence != 0.5 {
		t.Fatalf("promotion keeps the stronger observation, got %+v", snap.Employers[0])
	}
}

func TestRecord_SameProviderNeverSelfCorroborates(t *testing.T) {
	b := knowledge.New()
	b.Record(knowledge.FieldEmployer, providerFact("Acme Corp", 0.4, "p1"), 0.7)
	b.Record(knowledge.FieldEmployer, providerFact("Acme Corp", 0.6, "p1"), 0.7)
	if got := b.Values(knowledge.FieldEmployer); len(got) != 0 {
		t.Fatalf("repeat reports from one provider must stay buffered, got %v", got)
	}
	// A different value from a second provider corroborates nothing either.
	b.Record(knowledge.FieldEmployer, providerFact("Globex Inc", 0.4, "p2"), 0.7)
	if got := b.Values(knowledge.FieldEmployer); len(got) != 0 {
		t.Fatalf("corroboration is per (field, value), got %v", got)
	}
}

func TestMergeFrom_CrossWorkerCorroboration(t *testing.T) {
	owner := knowledge.New()
	owner.Record(knowledge.FieldCounty, providerFact("King County", 0.5, "p1"), 0.7)

	worker := knowledge.New()
	worker.Record(knowledge.FieldCounty, providerFact("King County", 0.55, "p2"), 0.7)

	owner.MergeFrom(worker)
	got := owner.Values(knowledge.FieldCounty)
	if len(got) != 1 || got[0] != "King County" {
		t.Fatalf("observations split across workers must corroborate on merge, got %v", got)
	}
}

func TestRecord_AboveThresholdIsKept(t *testing.T) {
	b := knowledge.New()
	b.Record(knowledge.FieldEmployer, fact("Acme Corp", 0.9), 0.7)
	got := b.Values(knowledge.FieldEmployer)
	if len(got) != 1 || got[0] != "Acme Corp" {
		t.Fatalf("expected [Acme Corp], got %v", got)
	}
}

func TestRecord_HighestConfidenceWins(t *testing.T) {
	b := knowledge.New()
	b.Record(knowledge.FieldCounty, model.Fact{Field: "county", Value: "King County", Confidence: 0.6, ProviderID: "p1"}, 0.5)
	b.Record(knowledge.FieldCounty, model.Fact{Field: "county", Value: "King County", Confidence: 0.95, ProviderID: "p2"}, 0.5)
	snap := b.Snapshot()
	if len(snap.Counties) != 1 || snap.Counties[0].Confidence != 0.95 {
		t.Fatalf("expected single fact with highest confidence retained, got %+v", snap.Counties)
	}
}

func TestEnrichments_SeedsFollowUpQueries(t *testing.T) {
	b := knowledge.New()
	b.Record(knowledge.FieldEmployer, fact("Acme Corp", 0.9), 0.7)
	b.Record(knowledge.FieldCounty, fact("King County", 0.9), 0.7)

	queries := b.Enrichments()
	if len(queries) != 2 {
		t.Fatalf("expected 2 enrichment queries, got %d: %+v", len(queries), queries)
	}

	var sawEmployment, sawCriminal bool
	for _, q := range queries {
		if q.InformationType == "employment" && q.Value == "Acme Corp" {
			sawEmployment = true
		}
		if q.InformationType == "criminal" && q.Value == "King County" {
			sawCriminal = true
		}
	}
	if !sawEmployment || !sawCriminal {
		t.Fatalf("expected employment and criminal enrichment queries, got %+v", queries)
	}
}

func TestEnrichments_Deduplicates(t *testing.T) {
	b := knowledge.New()
	b.Record(knowledge.FieldEmployer, fact("Acme Corp", 0.9), 0.7)
	b.Record(knowledge.FieldEmployer, fact("Acme Corp", 0.95), 0.7)

	queries := b.Enrichments()
	if len(queries) != 1 {
		t.Fatalf("expected deduplicated single query, got %d", len(queries))
	}
}

func TestRestoreSnapshot_RoundTrips(t *testing.T) {
	b := knowledge.New()
	b.Record(knowledge.FieldName, fact("Jane Doe", 0.8), 0.5)
	snap := b.Snapshot()

	restored := knowledge.New()
	restored.Restore(snap)
	if got := restored.Values(knowledge.FieldName); len(got) != 1 || got[0] != "Jane Doe" {
		t.Fatalf("expected restored knowledge base to retain facts, got %v", got)
	}
}
