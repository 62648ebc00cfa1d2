// Package vigilance implements the Vigilance Scheduler (§4.9): recurring
// re-screens at the configured cadence (V1 annual full, V2 monthly delta,
// V3 bi-monthly delta plus real-time hooks), deterministic per-entity
// scheduling with bounded jitter, and delta alerting.
package vigilance

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/veritas-screening/veritas/internal/model"
)

// DeltaTypes is the reduced re-screen set a V2/V3 delta check runs (§4.9).
var DeltaTypes = []string{"criminal", "sanctions", "adverse_media", "regulatory", "civil"}

// Store is the persistence surface the scheduler needs; *storage.DB
// satisfies it.
type Store interface {
	UpsertScheduledCheck(ctx context.Context, sc model.ScheduledCheck) error
	DueScheduledChecks(ctx context.Context, asOf time.Time, limit int) ([]model.ScheduledCheck, error)
	GetScheduledCheck(ctx context.Context, entityID uuid.UUID) (model.ScheduledCheck, error)
	GetFindings(ctx context.Context, ids []uuid.UUID) ([]model.Finding, error)
}

// Runner executes a re-screen for a scheduled entity. A nil or empty types
// slice means a full re-screen; otherwise only the named information types
// run. The returned profile carries the delta against the prior version.
type Runner interface {
	Rescreen(ctx context.Context, entityID uuid.UUID, trigger model.InvestigationTrigger, types []string) (model.EntityProfile, error)
}

// Alert is raised when a delta check produces a new finding at severity
// MEDIUM or above (§4.9).
type Alert struct {
	EntityID       uuid.UUID
	ProfileID      uuid.UUID
	ProfileVersion int
	Findings       []model.Finding
	Signals        []model.EvolutionSignal
	MaxSeverity    model.Severity
}

// AlertHandler receives alerts; it must not block the scheduler.
type AlertHandler func(Alert)

// Config bundles the scheduler's cadences.
type Config struct {
	V1Interval     time.Duration
	V2Interval     time.Duration
	V3Interval     time.Duration
	JitterPct      float64
	RealTimeWindow time.Duration
	BatchSize      int
}

// Scheduler owns the re-screen cadence for every vigilant entity.
type Scheduler struct {
	store  Store
	runner Runner
	cfg    Config
	alerts AlertHandler
	logger *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	started bool
}

func New(store Store, runner Runner, cfg Config, alerts AlertHandler, logger *slog.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Scheduler{store: store, runner: runner, cfg: cfg, alerts: alerts, logger: logger}
}

// Start begins the polling loop. The poll cadence is one minute, well
// inside the five-minute real-time queue window (§4.9).
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every 1m", func() { s.PollOnce(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.started = true
	return nil
}

// Stop halts polling; an in-flight re-screen completes on its own context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cron.Stop()
	s.started = false
}

// interval returns the cadence for a level; zero means no recurrence (V0).
func (s *Scheduler) interval(v model.Vigilance) time.Duration {
	switch v {
	case model.VigilanceV1:
		return s.cfg.V1Interval
	case model.VigilanceV2:
		return s.cfg.V2Interval
	case model.VigilanceV3:
		return s.cfg.V3Interval
	default:
		return 0
	}
}

// NextDue computes last_run + interval + jitter. The jitter is a
// deterministic function of the entity ID so the same entity always lands
// on the same offset — spreading load without making scheduling
// nondeterministic (§4.9).
func (s *Scheduler) NextDue(entityID uuid.UUID, v model.Vigilance, lastRun time.Time) time.Time {
	iv := s.interval(v)
	if iv == 0 {
		return time.Time{}
	}
	h := fnv.New32a()
	h.Write(entityID[:]) //nolint:errcheck // fnv never errors
	frac := float64(h.Sum32()%1000) / 1000.0
	jitter := time.Duration(frac * s.cfg.JitterPct * float64(iv))
	return lastRun.Add(iv + jitter)
}

// Schedule registers (or reschedules) an entity at a vigilance level after
// a screen completes. V0 entities are never enqueued.
func (s *Scheduler) Schedule(ctx context.Context, entityID uuid.UUID, v model.Vigilance, lastRun time.Time) error {
	if v == model.VigilanceV0 {
		return nil
	}
	return s.store.UpsertScheduledCheck(ctx, model.ScheduledCheck{
		ID:        uuid.New(),
		EntityID:  entityID,
		Vigilance: v,
		LastRun:   lastRun,
		NextDue:   s.NextDue(entityID, v, lastRun),
		RealTime:  v == model.VigilanceV3,
	})
}

// RealTimeEvent queues an immediate delta check for a V3 entity; the
// polling loop picks it up within the real-time window. Non-V3 entities
// ignore real-time events.
func (s *Scheduler) RealTimeEvent(ctx context.Context, entityID uuid.UUID) error {
	sc, err := s.store.GetScheduledCheck(ctx, entityID)
	if err != nil {
		return err
	}
	if !sc.RealTime {
		return nil
	}
	sc.NextDue = time.Now().UTC()
	return s.store.UpsertScheduledCheck(ctx, sc)
}

// PollOnce runs every due check once. Start wires it to the cron cadence;
// it is safe to call directly.
func (s *Scheduler) PollOnce(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueScheduledChecks(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("vigilance: due query failed", "error", err)
		return
	}
	for _, sc := range due {
		if err := s.runOne(ctx, sc, now); err != nil {
			s.logger.Error("vigilance: re-screen failed", "entity", sc.EntityID, "level", sc.Vigilance, "error", err)
		}
	}
}

// runOne executes one due check: V1 is a full re-screen, V2/V3 run the
// delta subset. A delta with any new MEDIUM+ finding raises an alert; the
// runner has already created the new profile version by the time the delta
// is inspected.
func (s *Scheduler) runOne(ctx context.Context, sc model.ScheduledCheck, now time.Time) error {
	var types []string
	if sc.Vigilance == model.VigilanceV2 || sc.Vigilance == model.VigilanceV3 {
		types = DeltaTypes
	}

	profile, err := s.runner.Rescreen(ctx, sc.EntityID, model.TriggerVigilance, types)
	if err != nil {
		return err
	}

	if profile.Delta != nil {
		if alert, ok := s.deltaAlert(ctx, sc.EntityID, profile); ok && s.alerts != nil {
			s.alerts(alert)
		}
	}

	sc.LastRun = now
	sc.NextDue = s.NextDue(sc.EntityID, sc.Vigilance, now)
	return s.store.UpsertScheduledCheck(ctx, sc)
}

// deltaAlert inspects a new profile version's delta and builds an alert if
// any new finding reaches MEDIUM severity.
func (s *Scheduler) deltaAlert(ctx context.Context, entityID uuid.UUID, profile model.EntityProfile) (Alert, bool) {
	newFindings, err := s.store.GetFindings(ctx, profile.Delta.NewFindings)
	if err != nil {
		s.logger.Error("vigilance: hydrate delta findings failed", "entity", entityID, "error", err)
		return Alert{}, false
	}
	var alerting []model.Finding
	maxSev := model.SeverityLow
	for _, f := range newFindings {
		if severityRank(f.Severity) >= severityRank(model.SeverityMedium) {
			alerting = append(alerting, f)
			if severityRank(f.Severity) > severityRank(maxSev) {
				maxSev = f.Severity
			}
		}
	}
	if len(alerting) == 0 {
		return Alert{}, false
	}
	return Alert{
		EntityID:       entityID,
		ProfileID:      profile.ID,
		ProfileVersion: profile.Version,
		Findings:       alerting,
		Signals:        profile.Delta.EvolutionSignals,
		MaxSeverity:    maxSev,
	}, true
}

func severityRank(s model.Severity) int {
	switch s {
	case model.SeverityCritical:
		return 3
	case model.SeverityHigh:
		return 2
	case model.SeverityMedium:
		return 1
	default:
		return 0
	}
}
