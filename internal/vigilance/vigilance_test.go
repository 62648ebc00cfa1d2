package vigilance_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/storage"
	"github.com/veritas-screening/veritas/internal/vigilance"
)

// TestMain verifies the cron polling goroutines stop with the scheduler.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStartStop(t *testing.T) {
	s := testScheduler(newMemSched(), &stubRunner{}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Stop()
}

type memSched struct {
	mu       sync.Mutex
	checks   map[uuid.UUID]model.ScheduledCheck
	findings map[uuid.UUID]model.Finding
}

func newMemSched() *memSched {
	return &memSched{checks: make(map[uuid.UUID]model.ScheduledCheck), findings: make(map[uuid.UUID]model.Finding)}
}

func (s *memSched) UpsertScheduledCheck(_ context.Context, sc model.ScheduledCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[sc.EntityID] = sc
	return nil
}

func (s *memSched) DueScheduledChecks(_ context.Context, asOf time.Time, limit int) ([]model.ScheduledCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ScheduledCheck
	for _, sc := range s.checks {
		if !sc.NextDue.After(asOf) && len(out) < limit {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *memSched) GetScheduledCheck(_ context.Context, entityID uuid.UUID) (model.ScheduledCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.checks[entityID]
	if !ok {
		return model.ScheduledCheck{}, storage.ErrNotFound
	}
	return sc, nil
}

func (s *memSched) GetFindings(_ context.Context, ids []uuid.UUID) ([]model.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Finding
	for _, id := range ids {
		if f, ok := s.findings[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

type stubRunner struct {
	mu      sync.Mutex
	calls   []uuid.UUID
	types   [][]string
	profile model.EntityProfile
}

func (r *stubRunner) Rescreen(_ context.Context, entityID uuid.UUID, _ model.InvestigationTrigger, types []string) (model.EntityProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, entityID)
	r.types = append(r.types, types)
	return r.profile, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testScheduler(store vigilance.Store, runner vigilance.Runner, alerts vigilance.AlertHandler) *vigilance.Scheduler {
	return vigilance.New(store, runner, vigilance.Config{
		V1Interval:     365 * 24 * time.Hour,
		V2Interval:     30 * 24 * time.Hour,
		V3Interval:     60 * 24 * time.Hour,
		JitterPct:      0.05,
		RealTimeWindow: 5 * time.Minute,
	}, alerts, discardLogger())
}

func TestNextDue_DeterministicWithBoundedJitter(t *testing.T) {
	s := testScheduler(newMemSched(), &stubRunner{}, nil)
	entity := uuid.New()
	lastRun := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	a := s.NextDue(entity, model.VigilanceV2, lastRun)
	b := s.NextDue(entity, model.VigilanceV2, lastRun)
	if !a.Equal(b) {
		t.Fatalf("next-due must be deterministic per entity: %v vs %v", a, b)
	}

	interval := 30 * 24 * time.Hour
	offset := a.Sub(lastRun) - interval
	if offset < 0 || float64(offset) > 0.05*float64(interval) {
		t.Fatalf("jitter must stay within 5%% of the interval, got %v", offset)
	}
}

func TestNextDue_V0NeverRecurs(t *testing.T) {
	s := testScheduler(newMemSched(), &stubRunner{}, nil)
	if due := s.NextDue(uuid.New(), model.VigilanceV0, time.Now()); !due.IsZero() {
		t.Fatalf("V0 is one-shot, got next due %v", due)
	}
}

func TestSchedule_V0Noop(t *testing.T) {
	store := newMemSched()
	s := testScheduler(store, &stubRunner{}, nil)
	if err := s.Schedule(context.Background(), uuid.New(), model.VigilanceV0, time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(store.checks) != 0 {
		t.Fatal("V0 must not be enqueued")
	}
}

func TestRealTimeEvent_OnlyV3(t *testing.T) {
	store := newMemSched()
	s := testScheduler(store, &stubRunner{}, nil)
	ctx := context.Background()

	v2 := uuid.New()
	v3 := uuid.New()
	future := time.Now().Add(24 * time.Hour)
	store.checks[v2] = model.ScheduledCheck{EntityID: v2, Vigilance: model.VigilanceV2, NextDue: future}
	store.checks[v3] = model.ScheduledCheck{EntityID: v3, Vigilance: model.VigilanceV3, NextDue: future, RealTime: true}

	if err := s.RealTimeEvent(ctx, v2); err != nil {
		t.Fatal(err)
	}
	if err := s.RealTimeEvent(ctx, v3); err != nil {
		t.Fatal(err)
	}

	if !store.checks[v2].NextDue.Equal(future) {
		t.Fatal("a V2 entity must ignore real-time events")
	}
	if store.checks[v3].NextDue.After(time.Now()) {
		t.Fatal("a V3 real-time event must pull the check forward to now")
	}
}

func TestDeltaAlert_MediumSeverityFires(t *testing.T) {
	store := newMemSched()

	high := model.Finding{ID: uuid.New(), Severity: model.SeverityHigh}
	low := model.Finding{ID: uuid.New(), Severity: model.SeverityLow}
	store.findings[high.ID] = high
	store.findings[low.ID] = low

	runner := &stubRunner{profile: model.EntityProfile{
		ID:      uuid.New(),
		Version: 2,
		Delta:   &model.Delta{NewFindings: []uuid.UUID{high.ID, low.ID}},
	}}

	var (
		mu     sync.Mutex
		alerts []vigilance.Alert
	)
	s := testScheduler(store, runner, func(a vigilance.Alert) {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, a)
	})

	entity := uuid.New()
	store.checks[entity] = model.ScheduledCheck{
		EntityID:  entity,
		Vigilance: model.VigilanceV2,
		NextDue:   time.Now().Add(-time.Minute),
	}

	s.PollOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	if alerts[0].MaxSeverity != model.SeverityHigh {
		t.Fatalf("alert severity wrong: %s", alerts[0].MaxSeverity)
	}
	if len(alerts[0].Findings) != 1 {
		t.Fatalf("only the MEDIUM+ finding alerts, got %d", len(alerts[0].Findings))
	}

	// The delta subset, not a full re-screen, must have run.
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.types) != 1 || len(runner.types[0]) != len(vigilance.DeltaTypes) {
		t.Fatalf("V2 must run the delta type subset, got %v", runner.types)
	}

	// And the check must be rescheduled into the future.
	if !store.checks[entity].NextDue.After(time.Now()) {
		t.Fatal("check must be rescheduled after running")
	}
}
