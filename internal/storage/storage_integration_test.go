package storage_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/storage"
	"github.com/veritas-screening/veritas/internal/testutil"
)

// Integration tests need Docker; opt in with VERITAS_INTEGRATION=1.
func integrationDB(t *testing.T) *storage.DB {
	t.Helper()
	if os.Getenv("VERITAS_INTEGRATION") == "" {
		t.Skip("set VERITAS_INTEGRATION=1 to run container-backed storage tests")
	}
	tc := testutil.MustStartTimescaleDB()
	t.Cleanup(tc.Terminate)
	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close(context.Background()) })
	return db
}

func insertTestEntity(t *testing.T, db *storage.DB) model.Entity {
	t.Helper()
	now := time.Now().UTC()
	e := model.Entity{
		ID:   uuid.New(),
		Kind: model.EntityIndividual,
		Identifiers: []model.Identifier{
			{Type: "ssn", Value: uuid.NewString(), Strong: true},
			{Type: "name", Value: "Jane Roe"},
		},
		FirstSeen:  now,
		LastUpdate: now,
	}
	if err := db.InsertEntity(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestFindingRoundTripAndEmissionKey(t *testing.T) {
	db := integrationDB(t)
	ctx := context.Background()
	entity := insertTestEntity(t, db)

	invID := uuid.New()
	f := model.Finding{
		ID:              uuid.New(),
		InvestigationID: invID,
		EntityID:        entity.ID,
		Category:        model.FindingCriminal,
		Severity:        model.SeverityHigh,
		Confidence:      0.9,
		Provenance:      model.Provenance{ProviderID: "courts-1", AcquiredAt: time.Now().UTC()},
		Details:         map[string]any{"county": "King County"},
		Fingerprint:     "fp-1|iter1|0",
	}
	if err := db.InsertFinding(ctx, f); err != nil {
		t.Fatal(err)
	}

	// Re-emitting the same (investigation, fingerprint) is a silent no-op.
	dup := f
	dup.ID = uuid.New()
	if err := db.InsertFinding(ctx, dup); err != nil {
		t.Fatalf("duplicate emission must not error: %v", err)
	}

	got, err := db.ListFindings(ctx, invID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("at-most-once emission violated: %d rows", len(got))
	}
	if got[0].Details["county"] != "King County" {
		t.Fatalf("details did not round-trip: %v", got[0].Details)
	}
}

func TestProfileVersioningRequiresDelta(t *testing.T) {
	db := integrationDB(t)
	ctx := context.Background()
	entity := insertTestEntity(t, db)

	v1 := model.EntityProfile{
		ID:       uuid.New(),
		EntityID: entity.ID,
		Version:  1,
		Status:   model.ProfileComplete,
		Trigger:  model.TriggerInitial,
		ServiceConfig: model.ServiceConfiguration{
			Tier: model.TierStandard, Vigilance: model.VigilanceV0,
			Degrees: model.DegreeD1, Review: model.ReviewAutomated,
			Locale: "US", OrgID: uuid.New(),
		},
	}
	if err := db.InsertProfile(ctx, v1); err != nil {
		t.Fatal(err)
	}

	v2 := v1
	v2.ID = uuid.New()
	v2.Version = 2
	if err := db.InsertProfile(ctx, v2); err == nil {
		t.Fatal("v2 without a delta must be rejected")
	}
	v2.Delta = &model.Delta{RiskScoreChange: 0.1}
	if err := db.InsertProfile(ctx, v2); err != nil {
		t.Fatal(err)
	}

	latest, err := db.LatestProfile(ctx, entity.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version != 2 || latest.Delta == nil {
		t.Fatalf("latest profile wrong: v%d delta=%v", latest.Version, latest.Delta)
	}
}

func TestEraseEntityIdempotent(t *testing.T) {
	db := integrationDB(t)
	ctx := context.Background()
	entity := insertTestEntity(t, db)

	if err := db.UpsertCacheEntry(ctx, model.CacheEntry{
		Fingerprint:       "fp-erase",
		EntityID:          entity.ID.String(),
		ProviderClass:     "core",
		CheckType:         "criminal",
		Locale:            "US",
		DegreeScope:       "d1",
		Origin:            model.OriginPaidExternal,
		AcquiredAt:        time.Now().UTC(),
		FreshUntil:        time.Now().UTC().Add(time.Hour),
		StaleUntil:        time.Now().UTC().Add(2 * time.Hour),
		NormalizedPayload: []byte(`{}`),
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.EraseEntity(ctx, entity.ID); err != nil {
		t.Fatal(err)
	}
	// erase(erase(x)) == erase(x)
	if err := db.EraseEntity(ctx, entity.ID); err != nil {
		t.Fatalf("erasure must be idempotent: %v", err)
	}

	if _, err := db.GetCacheEntry(ctx, "fp-erase", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("cache entries referencing the entity must be gone, got %v", err)
	}
	got, err := db.GetEntity(ctx, entity.ID)
	if err == nil && len(got.Identifiers) != 0 {
		t.Fatalf("identifiers must be stripped, got %v", got.Identifiers)
	}
}

func TestAuditChainIntegrity(t *testing.T) {
	db := integrationDB(t)
	ctx := context.Background()
	key := uuid.NewString()

	hash := func(ev model.AuditEvent) string { return "h" + ev.PayloadRef }
	for _, ref := range []string{"a", "b", "c"} {
		if _, err := db.AppendAudit(ctx, key, model.ActorSystem, model.AuditProviderCall, ref, hash); err != nil {
			t.Fatal(err)
		}
	}
	events, err := db.ListAuditEvents(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("sequence must be dense and ordered, got %+v", ev)
		}
		if i > 0 && ev.PrevHash != events[i-1].Hash {
			t.Fatalf("chain link broken at %d", i)
		}
	}
}
