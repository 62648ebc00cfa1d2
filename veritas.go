// Package veritas is the public API for embedding the Veritas background
// investigation engine.
//
// Consumers construct and run the engine without forking it:
//
//	app, err := veritas.New(
//	    veritas.WithVersion(version),
//	    veritas.WithLogger(logger),
//	    veritas.WithProvider(myCourtRecordsProvider),
//	    veritas.WithAlertHandler(myAlertSink),
//	)
//	if err != nil { ... }
//	profile, err := app.Investigate(ctx, veritas.Request{...})
//
// The import graph enforces a strict no-cycle rule: veritas (root) imports
// internal/*, but internal/* never imports veritas (root). Public types
// (Subject, Profile, Finding, etc.) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package veritas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"
	"github.com/redis/go-redis/v9"

	"github.com/veritas-screening/veritas/internal/auditlog"
	"github.com/veritas-screening/veritas/internal/auth"
	"github.com/veritas-screening/veritas/internal/breaker"
	"github.com/veritas-screening/veritas/internal/cache"
	"github.com/veritas-screening/veritas/internal/checkpoint"
	"github.com/veritas-screening/veritas/internal/compliance"
	"github.com/veritas-screening/veritas/internal/config"
	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/orchestrator"
	"github.com/veritas-screening/veritas/internal/provider"
	"github.com/veritas-screening/veritas/internal/ratelimit"
	"github.com/veritas-screening/veritas/internal/resolver"
	"github.com/veritas-screening/veritas/internal/reviewtask"
	"github.com/veritas-screening/veritas/internal/sar"
	"github.com/veritas-screening/veritas/internal/service/embedding"
	"github.com/veritas-screening/veritas/internal/storage"
	"github.com/veritas-screening/veritas/internal/telemetry"
	"github.com/veritas-screening/veritas/internal/vigilance"
	"github.com/veritas-screening/veritas/migrations"
)

// ErrIdentityUnverified is returned by Investigate when the Foundation
// phase cannot establish the subject's identity. The returned profile is
// partial.
var ErrIdentityUnverified = orchestrator.ErrIdentityUnverified

// App is the engine lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	cacheStore   *cache.Cache
	gateway      *provider.Gateway
	registry     *provider.Registry
	orch         *orchestrator.Orchestrator
	scheduler    *vigilance.Scheduler
	audit        *auditlog.Log
	reviews      *reviewtask.Service
	resolver     *resolver.Resolver
	memLimiter   *ratelimit.MemoryLimiter // nil when Redis-backed
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the engine. It connects to the database, runs migrations,
// loads the compliance and freshness tables, and wires all subsystems. The
// only goroutines it starts are the gateway's refresh worker, the cache's
// memo eviction loop, the in-memory rate limiter's cleanup loop (when no
// Redis URL is configured) and the OTLP exporters' workers (when an OTEL
// endpoint is configured) — call Run() to start the vigilance scheduler.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("veritas starting", "version", version)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}

	audit := auditlog.New(db, logger)

	rules, err := config.LoadComplianceRules(cfg.ComplianceRulesPath)
	if err != nil {
		db.Close(ctx)
		return nil, err
	}
	engine := compliance.New(rules)

	policies, err := config.LoadFreshnessPolicy(cfg.FreshnessPolicyPath)
	if err != nil {
		db.Close(ctx)
		return nil, err
	}

	cacheStore := cache.New(db, time.Minute)

	breakers := breaker.NewRegistry(breaker.Settings{
		MaxFailures:      uint32(cfg.CircuitBreakerMaxFails),
		Cooldown:         cfg.CircuitBreakerCooldown,
		HalfOpenMaxCalls: 1,
	}, logger, breaker.PrometheusStateCallback())

	var limiter ratelimit.ProviderLimiter
	var memLimiter *ratelimit.MemoryLimiter
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("redis url: %w", err)
		}
		shared := ratelimit.New(redis.NewClient(redisOpts), logger, false)
		limiter = ratelimit.NewRedisProviderLimiter(shared, "provider", ratelimit.DefaultProviderRate, time.Second)
	} else {
		memLimiter = ratelimit.NewProviderMemoryLimiter()
		limiter = ratelimit.AsProviderLimiter(memLimiter)
	}

	registry := provider.NewRegistry()
	for _, p := range o.providers {
		registry.Register(&providerAdapter{p: p})
	}

	sealer, err := auth.NewSealer(cfg.RawPayloadSecret)
	if err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("raw payload sealer: %w", err)
	}
	gwCfg := provider.GatewayConfig{
		SingleFlightWindow: cfg.SingleFlightWindow,
		CallTimeout:        cfg.ProviderCallTimeout,
	}
	if sealer != nil {
		gwCfg.Sealer = sealer
	}
	gateway := provider.NewGateway(registry, cacheStore, breakers, limiter, audit, policies, gwCfg, logger)

	jwt, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("jwt: %w", err)
	}
	reviews := reviewtask.New(db, jwt, cfg.JWTExpiration)

	var embedder resolver.Embedder
	var index resolver.CandidateIndex
	if o.embeddingProvider != nil {
		embedder = &embedderAdapter{p: o.embeddingProvider}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}
	if cfg.QdrantURL != "" {
		qdrant, err := resolver.NewQdrantIndex(resolver.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions),
		})
		if err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrant.EnsureCollection(ctx); err != nil {
			logger.Warn("qdrant collection check failed; continuing", "error", err)
		}
		index = qdrant
	}

	res := resolver.New(db, index, embedder, reviews)

	planner := sar.NewPlanner(engine)
	executor := sar.NewExecutor(gateway, cfg.MaxConcurrentProviders)
	assessor := sar.NewAssessor(engine, cfg.FactConfidenceThreshold)
	loop := sar.NewLoop(planner, executor, assessor, logger)

	checkpoints := checkpoint.New(db)
	orch := orchestrator.New(res, loop, gateway, checkpoints, audit, db, cfg, logger)

	app := &App{
		cfg:          cfg,
		db:           db,
		cacheStore:   cacheStore,
		gateway:      gateway,
		registry:     registry,
		orch:         orch,
		audit:        audit,
		reviews:      reviews,
		resolver:     res,
		memLimiter:   memLimiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}

	app.scheduler = vigilance.New(db, (*rescreenRunner)(app), vigilance.Config{
		V1Interval:     cfg.VigilanceV1Interval,
		V2Interval:     cfg.VigilanceV2Interval,
		V3Interval:     cfg.VigilanceV3Interval,
		JitterPct:      cfg.VigilanceJitterPct,
		RealTimeWindow: cfg.RealTimeQueueWindow,
	}, app.alertAdapter(o.alertHandler), logger)

	return app, nil
}

// Run starts the vigilance scheduler and blocks until ctx is cancelled,
// then shuts down.
func (a *App) Run(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("vigilance: %w", err)
	}
	a.logger.Info("veritas running", "version", a.version)
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown stops background work and releases resources: scheduler first
// (no new re-screens), then the gateway's refresh worker, then caches and
// connections.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("veritas shutting down")
	a.scheduler.Stop()
	a.gateway.Close()
	a.cacheStore.Close()
	if a.memLimiter != nil {
		_ = a.memLimiter.Close()
	}
	a.db.Close(ctx)
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			return fmt.Errorf("otel shutdown: %w", err)
		}
	}
	return nil
}

// Investigate runs one investigation to completion and returns the
// resulting profile. A cancellation or deadline returns the partial
// profile alongside the context error. Entities under V1-V3 vigilance are
// scheduled for their next re-screen on success.
func (a *App) Investigate(ctx context.Context, req Request) (Profile, error) {
	cfg := toModelServiceConfig(req.Config)
	profile, err := a.orch.Run(ctx, orchestrator.Request{
		InvestigationID: req.InvestigationID,
		Subject:         toResolverReference(req.Subject),
		Config:          cfg,
		Trigger:         model.TriggerInitial,
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		if errors.Is(err, orchestrator.ErrIdentityUnverified) {
			return toPublicProfile(ctx, a.db, profile), err
		}
		return Profile{}, err
	}
	if err == nil {
		if schedErr := a.scheduler.Schedule(ctx, profile.EntityID, cfg.Vigilance, profile.CreatedAt); schedErr != nil {
			a.logger.Warn("vigilance scheduling failed", "entity", profile.EntityID, "error", schedErr)
		}
	}
	return toPublicProfile(ctx, a.db, profile), err
}

// RealTimeEvent feeds a V3 entity's real-time hook (e.g. a sanctions list
// update); a delta check is queued within the configured window.
func (a *App) RealTimeEvent(ctx context.Context, entityID uuid.UUID) error {
	return a.scheduler.RealTimeEvent(ctx, entityID)
}

// Erase removes or anonymizes everything the engine holds about an entity
// (§6 erasure contract). Idempotent; the audit trail keeps an anonymized
// reference.
func (a *App) Erase(ctx context.Context, entityID uuid.UUID) error {
	if _, err := a.audit.Append(ctx, entityID.String(), model.ActorUser, model.AuditErasure, "erase|"+entityID.String()); err != nil {
		return err
	}
	return a.db.EraseEntity(ctx, entityID)
}

// VerifyAuditChain replays an investigation's audit hash chain and reports
// whether it is intact.
func (a *App) VerifyAuditChain(ctx context.Context, investigationID uuid.UUID) (bool, error) {
	return a.audit.Verify(ctx, investigationID.String())
}

// ResolveReviewTask applies a human reviewer's decision to a pending
// ambiguous-match task, authorized by the scoped token minted at enqueue
// time.
func (a *App) ResolveReviewTask(ctx context.Context, taskID uuid.UUID, token, resolution, resolvedBy string) error {
	if err := a.reviews.Resolve(ctx, taskID, token, model.ReviewTaskResolution(resolution), resolvedBy); err != nil {
		return err
	}
	task, err := a.reviews.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Resolution == model.ResolveConfirmMerge && task.Candidate != nil {
		return a.resolver.ConfirmMerge(ctx, task.Subject, *task.Candidate)
	}
	return nil
}

// rescreenRunner lets the scheduler call back into the orchestrator
// without the vigilance package importing it.
type rescreenRunner App

func (r *rescreenRunner) Rescreen(ctx context.Context, entityID uuid.UUID, trigger model.InvestigationTrigger, types []string) (model.EntityProfile, error) {
	a := (*App)(r)
	entity, err := a.db.GetEntity(ctx, entityID)
	if err != nil {
		return model.EntityProfile{}, err
	}
	prev, err := a.db.LatestProfile(ctx, entityID)
	if err != nil {
		return model.EntityProfile{}, err
	}
	return a.orch.Run(ctx, orchestrator.Request{
		Subject:    referenceFromEntity(entity),
		Config:     prev.ServiceConfig,
		Trigger:    trigger,
		TypeFilter: types,
	})
}

func (a *App) alertAdapter(h AlertHandler) vigilance.AlertHandler {
	if h == nil {
		return nil
	}
	return func(al vigilance.Alert) {
		pub := Alert{
			EntityID:       al.EntityID,
			ProfileID:      al.ProfileID,
			ProfileVersion: al.ProfileVersion,
			MaxSeverity:    string(al.MaxSeverity),
		}
		for _, f := range al.Findings {
			pub.Findings = append(pub.Findings, toPublicFinding(f))
		}
		for _, s := range al.Signals {
			pub.Signals = append(pub.Signals, toPublicSignal(s))
		}
		h(pub)
	}
}

// newEmbeddingProvider picks the embedding backend per config: OpenAI when
// a key is present, otherwise noop (fuzzy matching degrades to
// new-entity-per-reference).
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) resolver.Embedder {
	switch cfg.EmbeddingProvider {
	case "noop":
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	case "openai":
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		if err != nil {
			logger.Warn("openai embedding unavailable, using noop", "error", err)
			return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
		}
		return p
	default: // auto
		if cfg.OpenAIAPIKey != "" {
			if p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions); err == nil {
				return p
			}
		}
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	}
}

// providerAdapter bridges the public Provider contract to the internal one.
type providerAdapter struct {
	p Provider
}

func (a *providerAdapter) ID() string { return a.p.ID() }
func (a *providerAdapter) TierCategory() provider.TierCategory {
	return provider.TierCategory(a.p.TierCategory())
}
func (a *providerAdapter) SupportedChecks() []string  { return a.p.SupportedChecks() }
func (a *providerAdapter) SupportedLocales() []string { return a.p.SupportedLocales() }
func (a *providerAdapter) CostTier() int              { return a.p.CostTier() }

func (a *providerAdapter) Execute(ctx context.Context, req provider.ExecuteRequest) (provider.ExecuteResult, error) {
	res, err := a.p.Execute(ctx, ProviderRequest{
		Check: req.Check,
		Subject: Subject{
			Kind:        string(req.Subject.Kind),
			Identifiers: toPublicIdentifiers(req.Subject.Identifiers),
			Name:        req.Subject.Name,
			DOB:         req.Subject.DOB,
			Address:     req.Subject.Address,
		},
		Locale: req.Locale,
		Degree: Degree(req.Degree),
	})
	if err != nil {
		return provider.ExecuteResult{}, err
	}
	out := provider.ExecuteResult{
		Cost:         model.Cost{Amount: res.CostAmount, Currency: res.CostCurrency},
		RawReference: res.RawReference,
	}
	now := time.Now().UTC()
	for _, f := range res.Findings {
		id := f.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		out.Findings = append(out.Findings, model.Finding{
			ID:         id,
			EntityID:   req.EntityID,
			Category:   model.FindingCategory(f.Category),
			Severity:   model.Severity(f.Severity),
			Confidence: f.Confidence,
			Provenance: model.Provenance{ProviderID: a.p.ID(), AcquiredAt: now},
			Details:    f.Details,
			CreatedAt:  now,
		})
	}
	for _, de := range res.DiscoveredEntities {
		out.DiscoveredEntities = append(out.DiscoveredEntities, provider.DiscoveredEntity{
			Kind:        model.EntityKind(de.Kind),
			Identifiers: toModelIdentifiers(de.Identifiers),
			Name:        de.Name,
			DOB:         de.DOB,
			Address:     de.Address,
		})
	}
	return out, nil
}

func (a *providerAdapter) Health(ctx context.Context) (provider.HealthStatus, error) {
	status, latency, err := a.p.Health(ctx)
	if err != nil {
		return provider.HealthStatus{}, err
	}
	return provider.HealthStatus{Healthy: status == "ok", Latency: latency}, nil
}

// embedderAdapter bridges a public EmbeddingProvider to the resolver's
// pgvector-based Embedder.
type embedderAdapter struct {
	p EmbeddingProvider
}

func (a *embedderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

// Conversion helpers between public and internal shapes.

func toModelServiceConfig(c ServiceConfig) model.ServiceConfiguration {
	return model.ServiceConfiguration{
		Tier:             model.Tier(c.Tier),
		Vigilance:        model.Vigilance(c.Vigilance),
		Degrees:          model.Degree(c.Degrees),
		Review:           model.ReviewRole(c.Review),
		AdditionalChecks: c.AdditionalChecks,
		ExcludedChecks:   c.ExcludedChecks,
		ExplicitConsents: c.ExplicitConsents,
		Locale:           c.Locale,
		RoleCategory:     c.RoleCategory,
		OrgID:            c.OrgID,
	}
}

func toResolverReference(s Subject) resolver.Reference {
	return resolver.Reference{
		Kind:        model.EntityKind(s.Kind),
		Identifiers: toModelIdentifiers(s.Identifiers),
		Name:        s.Name,
		DOB:         s.DOB,
		Address:     s.Address,
	}
}

// referenceFromEntity rebuilds a resolvable reference from a stored entity
// for vigilance re-screens.
func referenceFromEntity(e model.Entity) resolver.Reference {
	ref := resolver.Reference{Kind: e.Kind, Identifiers: e.Identifiers}
	for _, id := range e.Identifiers {
		switch id.Type {
		case "name":
			ref.Name = id.Value
		case "dob":
			ref.DOB = id.Value
		case "address":
			ref.Address = id.Value
		}
	}
	if ref.Name == "" && len(e.Aliases) > 0 {
		ref.Name = e.Aliases[0]
	}
	return ref
}

func toModelIdentifiers(ids []Identifier) []model.Identifier {
	out := make([]model.Identifier, len(ids))
	for i, id := range ids {
		out[i] = model.Identifier{Type: id.Type, Value: id.Value, Strong: id.Strong}
	}
	return out
}

func toPublicIdentifiers(ids []model.Identifier) []Identifier {
	out := make([]Identifier, len(ids))
	for i, id := range ids {
		out[i] = Identifier{Type: id.Type, Value: id.Value, Strong: id.Strong}
	}
	return out
}

func toPublicFinding(f model.Finding) Finding {
	return Finding{
		ID:              f.ID,
		InvestigationID: f.InvestigationID,
		EntityID:        f.EntityID,
		Category:        string(f.Category),
		Severity:        string(f.Severity),
		Confidence:      f.Confidence,
		ProviderID:      f.Provenance.ProviderID,
		AcquiredAt:      f.Provenance.AcquiredAt,
		CacheHit:        f.Provenance.CacheHit,
		StaleFlag:       f.Provenance.StaleFlag,
		Details:         f.Details,
		RedactedFields:  f.RedactedFields,
		CreatedAt:       f.CreatedAt,
	}
}

func toPublicSignal(s model.EvolutionSignal) EvolutionSignal {
	return EvolutionSignal{
		Type:                s.Type,
		Confidence:          s.Confidence,
		Severity:            string(s.Severity),
		ContributingFactors: s.ContributingFactors,
		PatternSignature:    s.PatternSignature,
	}
}

func toPublicDelta(d *model.Delta) *Delta {
	if d == nil {
		return nil
	}
	out := &Delta{
		NewFindings:      d.NewFindings,
		ResolvedFindings: d.ResolvedFindings,
		ChangedFindings:  d.ChangedFindings,
		RiskScoreChange:  d.RiskScoreChange,
		ConnectionDelta:  d.ConnectionDelta,
	}
	for _, s := range d.EvolutionSignals {
		out.EvolutionSignals = append(out.EvolutionSignals, toPublicSignal(s))
	}
	return out
}

// toPublicProfile hydrates a profile's finding IDs and converts to the
// public shape.
func toPublicProfile(ctx context.Context, db *storage.DB, p model.EntityProfile) Profile {
	out := Profile{
		ID:             p.ID,
		EntityID:       p.EntityID,
		Version:        p.Version,
		Status:         string(p.Status),
		RiskScore:      p.RiskScore,
		StaleSources:   p.StaleSources,
		ExcludedChecks: p.ExcludedChecks,
		Delta:          toPublicDelta(p.Delta),
		CreatedAt:      p.CreatedAt,
	}
	for _, c := range p.Connections {
		out.Connections = append(out.Connections, Connection{
			EntityID:     c.EntityID,
			Degree:       c.Degree,
			LinkType:     c.LinkType,
			LinkStrength: c.LinkStrength,
			Sanctioned:   c.Sanctioned,
		})
	}
	findings, err := db.GetFindings(ctx, p.Findings)
	if err != nil {
		// The profile row is already durable; a hydration failure degrades
		// the return value, it doesn't fail the investigation.
		return out
	}
	for _, f := range findings {
		out.Findings = append(out.Findings, toPublicFinding(f))
	}
	return out
}
