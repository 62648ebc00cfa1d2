package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/veritas-screening/veritas/internal/breaker"
	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/ratelimit"
	"github.com/veritas-screening/veritas/internal/telemetry"
)

// Error kinds the gateway surfaces to the SAR loop (§7). Callers branch
// with errors.Is; none of these carry PII.
var (
	ErrProviderUnavailable = errors.New("gateway: provider unavailable")
	ErrProviderTimeout     = errors.New("gateway: provider timeout")
	ErrProviderRateLimited = errors.New("gateway: provider rate limited")
	ErrNoSourceAvailable   = errors.New("gateway: no source available")
	ErrDataStale           = errors.New("gateway: data stale and refresh failed")
)

// Demand is one routed request for a check against a subject. The gateway
// owns candidate selection, cache consultation, rate limiting, circuit
// breaking, single-flight coalescing, and cost recording for it.
type Demand struct {
	InvestigationID uuid.UUID
	EntityID        uuid.UUID
	Subject         DiscoveredEntity
	Check           string
	Locale          string
	Degree          model.Degree
	Tier            model.Tier
	Origin          model.CacheOrigin
	CustomerID      string
}

// Fingerprint identifies the cacheable unit of work: (entity canonical id,
// provider class, check, locale, degree scope). Provider class is the tier
// category the demand routes within, not a concrete provider_id, so a
// failover between two core providers still lands on the same cache line.
func (d Demand) Fingerprint() string {
	return strings.Join([]string{
		d.EntityID.String(),
		string(providerClassFor(d.Tier)),
		d.Check,
		d.Locale,
		string(d.Degree),
	}, "|")
}

func providerClassFor(t model.Tier) TierCategory {
	if t == model.TierEnhanced {
		return TierPremium
	}
	return TierCore
}

// Result is what the gateway hands back to the SAR executor for one demand.
type Result struct {
	Findings           []model.Finding
	DiscoveredEntities []DiscoveredEntity
	ProviderID         string
	Fingerprint        string
	CacheHit           bool
	StaleFlag          bool
	Cost               model.Cost
	AcquiredAt         time.Time
}

// cachedPayload is the normalized form persisted in a CacheEntry.
type cachedPayload struct {
	Findings           []model.Finding      `json:"findings"`
	DiscoveredEntities []DiscoveredEntity   `json:"discovered_entities"`
	ProviderID         string               `json:"provider_id"`
}

// CacheStore is the Cache Store surface the gateway consumes;
// *internal/cache.Cache satisfies it.
type CacheStore interface {
	Lookup(ctx context.Context, fingerprint, customerID string) (model.CacheEntry, model.FreshnessState, bool, error)
	Write(ctx context.Context, e model.CacheEntry) error
	Invalidate(fingerprint string)
}

// Auditor is the audit surface the gateway writes through before any
// externally visible transition; *internal/auditlog.Log satisfies it.
type Auditor interface {
	Append(ctx context.Context, investigationKey string, actor model.AuditActor, category model.AuditCategory, payloadRef string) (model.AuditEvent, error)
}

// Sealer encrypts raw provider payloads before they reach the cache;
// *internal/auth.Sealer satisfies it. Nil disables sealing.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
}

// Gateway is the front door the SAR loop calls for every provider demand.
type Gateway struct {
	registry *Registry
	cache    CacheStore
	breakers *breaker.Registry
	limiter  ratelimit.ProviderLimiter
	audit    Auditor
	sealer   Sealer
	policies map[string]model.FreshnessPolicy

	sf          singleflight.Group
	sfWindow    time.Duration
	callTimeout time.Duration

	recentMu sync.Mutex
	recent   map[string]recentResult

	refreshCh chan Demand
	done      chan struct{}
	logger    *slog.Logger
}

// GatewayConfig bundles the tunables NewGateway needs.
type GatewayConfig struct {
	SingleFlightWindow time.Duration
	CallTimeout        time.Duration
	RefreshQueueDepth  int
	// Sealer, when non-nil, encrypts raw payloads before the cache write.
	Sealer Sealer
}

// NewGateway wires the gateway and starts its async-refresh worker. Close
// stops the worker; in-flight refreshes finish on their own timeout.
func NewGateway(reg *Registry, cache CacheStore, breakers *breaker.Registry, limiter ratelimit.ProviderLimiter, audit Auditor, policies map[string]model.FreshnessPolicy, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	depth := cfg.RefreshQueueDepth
	if depth <= 0 {
		depth = 64
	}
	g := &Gateway{
		registry:    reg,
		cache:       cache,
		breakers:    breakers,
		limiter:     limiter,
		audit:       audit,
		sealer:      cfg.Sealer,
		policies:    policies,
		sfWindow:    cfg.SingleFlightWindow,
		callTimeout: cfg.CallTimeout,
		recent:      make(map[string]recentResult),
		refreshCh:   make(chan Demand, depth),
		done:        make(chan struct{}),
		logger:      logger,
	}
	if g.policies == nil {
		g.policies = make(map[string]model.FreshnessPolicy)
	}
	go g.refreshLoop()
	return g
}

// Close stops the async refresh worker.
func (g *Gateway) Close() { close(g.done) }

// policyFor returns the freshness policy for a check, defaulting to
// never-cacheable when the table has no entry (the conservative reading:
// an unknown check always re-executes).
func (g *Gateway) policyFor(check string) model.FreshnessPolicy {
	if p, ok := g.policies[check]; ok {
		return p
	}
	return model.FreshnessPolicy{CheckType: check}
}

// Execute serves one demand: fresh cache hit, stale hit per policy, or a
// coalesced provider execution. The audit event for the outcome is written
// before the result is returned (§4.11 write-ahead discipline).
func (g *Gateway) Execute(ctx context.Context, d Demand) (Result, error) {
	fp := d.Fingerprint()
	policy := g.policyFor(d.Check)
	key := d.InvestigationID.String()

	entry, state, found, err := g.cache.Lookup(ctx, fp, d.CustomerID)
	if err == nil && found {
		switch state {
		case model.Fresh:
			if policy.FreshWindow > 0 {
				cacheHits.WithLabelValues("fresh").Inc()
				if _, aerr := g.audit.Append(ctx, key, model.ActorSystem, model.AuditCacheHit, fp); aerr != nil {
					return Result{}, aerr
				}
				return resultFromEntry(entry, false)
			}
			// Zero fresh window (sanctions/PEP): never served from cache.
		case model.Stale:
			switch policy.ActionFor(d.Tier) {
			case model.StaleActionFlag:
				cacheHits.WithLabelValues("stale").Inc()
				if _, aerr := g.audit.Append(ctx, key, model.ActorSystem, model.AuditCacheHit, fp+"|stale"); aerr != nil {
					return Result{}, aerr
				}
				g.enqueueRefresh(d)
				return resultFromEntry(entry, true)
			case model.StaleActionBlock:
				if _, aerr := g.audit.Append(ctx, key, model.ActorSystem, model.AuditStaleBlocked, fp); aerr != nil {
					return Result{}, aerr
				}
				res, err := g.executeCoalesced(ctx, d, fp, policy)
				if err != nil {
					return Result{}, fmt.Errorf("%w: %s", ErrDataStale, d.Check)
				}
				return res, nil
			}
		}
	}
	cacheHits.WithLabelValues("miss").Inc()
	return g.executeCoalesced(ctx, d, fp, policy)
}

// recentResult keeps a leader's result for the rest of the single-flight
// window so a fingerprint executes at most once per window even across
// sequential callers, not just concurrent ones.
type recentResult struct {
	res     Result
	expires time.Time
}

func (g *Gateway) recentFor(fp string) (Result, bool) {
	g.recentMu.Lock()
	defer g.recentMu.Unlock()
	r, ok := g.recent[fp]
	if !ok {
		return Result{}, false
	}
	if time.Now().After(r.expires) {
		delete(g.recent, fp)
		return Result{}, false
	}
	return r.res, true
}

func (g *Gateway) storeRecent(fp string, res Result) {
	g.recentMu.Lock()
	defer g.recentMu.Unlock()
	g.recent[fp] = recentResult{res: res, expires: time.Now().Add(g.sfWindow)}
}

// executeCoalesced funnels identical fingerprints onto one provider call
// per single-flight window. Concurrent duplicates ride the in-flight call;
// later arrivals inside the window get the retained result. The leader is
// the sole cache writer (§5). A failed leader retains nothing, so the next
// caller is free to retry immediately.
func (g *Gateway) executeCoalesced(ctx context.Context, d Demand, fp string, policy model.FreshnessPolicy) (Result, error) {
	if res, ok := g.recentFor(fp); ok {
		singleFlightCollapsed.Inc()
		return res, nil
	}
	v, err, shared := g.sf.Do(fp, func() (any, error) {
		if res, ok := g.recentFor(fp); ok {
			return res, nil
		}
		res, err := g.executeProviders(ctx, d, fp, policy)
		if err != nil {
			return Result{}, err
		}
		g.storeRecent(fp, res)
		return res, nil
	})
	if err != nil {
		return Result{}, err
	}
	if shared {
		singleFlightCollapsed.Inc()
	}
	return v.(Result), nil
}

// executeProviders walks the routing candidates in order, failing over on
// unavailability, and records exactly one successful response.
func (g *Gateway) executeProviders(ctx context.Context, d Demand, fp string, policy model.FreshnessPolicy) (Result, error) {
	candidates := g.registry.Candidates(d.Check, d.Locale, d.Tier)
	if len(candidates) == 0 {
		return Result{}, fmt.Errorf("%w: check=%s locale=%s", ErrNoSourceAvailable, d.Check, d.Locale)
	}

	var lastErr error
	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		allowed, err := g.limiter.Allow(ctx, p.ID())
		if err != nil {
			g.logger.Warn("gateway: rate limiter error, failing open", "provider", p.ID(), "error", err)
		} else if !allowed {
			providerCalls.WithLabelValues(p.ID(), "rate_limited").Inc()
			lastErr = fmt.Errorf("%w: %s", ErrProviderRateLimited, p.ID())
			continue
		}

		start := time.Now()
		spanCtx, span := telemetry.StartSpan(ctx, "provider.execute",
			telemetry.String(telemetry.AttrInvestigationID, d.InvestigationID.String()),
			telemetry.String(telemetry.AttrProviderID, p.ID()),
			telemetry.String(telemetry.AttrCheck, d.Check))
		res, err := breaker.Execute(spanCtx, g.breakers, p.ID(), func(ctx context.Context) (ExecuteResult, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
			defer cancel()
			return p.Execute(callCtx, ExecuteRequest{
				EntityID: d.EntityID,
				Check:    d.Check,
				Subject:  d.Subject,
				Locale:   d.Locale,
				Degree:   d.Degree,
			})
		})
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		latency := time.Since(start)
		if err != nil {
			g.registry.recordOutcome(p.ID(), false, latency)
			providerCalls.WithLabelValues(p.ID(), "error").Inc()
			switch {
			case errors.Is(err, breaker.ErrOpen):
				lastErr = fmt.Errorf("%w: %s circuit open", ErrProviderUnavailable, p.ID())
			case errors.Is(err, context.DeadlineExceeded):
				lastErr = fmt.Errorf("%w: %s", ErrProviderTimeout, p.ID())
			case errors.Is(err, context.Canceled):
				// A cancelled call caches nothing and tries no further
				// candidates (§5).
				return Result{}, err
			default:
				lastErr = fmt.Errorf("%w: %s: %s", ErrProviderUnavailable, p.ID(), err)
			}
			g.logger.Warn("gateway: provider failed, trying next candidate", "provider", p.ID(), "check", d.Check, "error", err)
			continue
		}
		g.registry.recordOutcome(p.ID(), true, latency)
		providerCalls.WithLabelValues(p.ID(), "ok").Inc()

		return g.commit(ctx, d, fp, policy, p.ID(), res)
	}
	return Result{}, fmt.Errorf("%w: check=%s: %w", ErrNoSourceAvailable, d.Check, lastErr)
}

// commit audits the provider call, meters its cost, and writes the cache
// entry. The audit append happens first: a result whose audit write failed
// is never returned (§7 AuditWriteFailed).
func (g *Gateway) commit(ctx context.Context, d Demand, fp string, policy model.FreshnessPolicy, providerID string, res ExecuteResult) (Result, error) {
	now := time.Now().UTC()
	key := d.InvestigationID.String()
	if _, err := g.audit.Append(ctx, key, model.ActorProvider, model.AuditProviderCall, fp+"|"+providerID); err != nil {
		return Result{}, err
	}

	billedTo := "shared"
	if d.Origin == model.OriginCustomerProvided {
		billedTo = "customer"
	}
	cost := res.Cost
	if cost.BilledTo == "" {
		cost.BilledTo = billedTo
	}
	callCost.WithLabelValues(providerID, cost.Currency, cost.BilledTo).Add(cost.Amount)

	payload, err := json.Marshal(cachedPayload{
		Findings:           res.Findings,
		DiscoveredEntities: res.DiscoveredEntities,
		ProviderID:         providerID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("gateway: marshal payload: %w", err)
	}
	raw := []byte(res.RawReference)
	if g.sealer != nil && len(raw) > 0 {
		if raw, err = g.sealer.Seal(raw); err != nil {
			return Result{}, fmt.Errorf("gateway: seal raw payload: %w", err)
		}
	}
	// A zero stale window alongside a non-zero fresh window means the entry
	// never expires past stale (education's unbounded stale band in §6).
	staleWindow := policy.StaleWindow
	if staleWindow < policy.FreshWindow {
		staleWindow = 100 * 365 * 24 * time.Hour
	}
	entry := model.CacheEntry{
		Fingerprint:       fp,
		EntityID:          d.EntityID.String(),
		ProviderClass:     string(providerClassFor(d.Tier)),
		CheckType:         d.Check,
		Locale:            d.Locale,
		DegreeScope:       string(d.Degree),
		Origin:            d.Origin,
		CustomerID:        d.CustomerID,
		AcquiredAt:        now,
		FreshUntil:        now.Add(policy.FreshWindow),
		StaleUntil:        now.Add(staleWindow),
		NormalizedPayload: payload,
		RawCiphertext:     raw,
		Cost:              cost,
	}
	if err := g.cache.Write(ctx, entry); err != nil {
		return Result{}, err
	}

	return Result{
		Findings:           res.Findings,
		DiscoveredEntities: res.DiscoveredEntities,
		ProviderID:         providerID,
		Fingerprint:        fp,
		Cost:               cost,
		AcquiredAt:         now,
	}, nil
}

func resultFromEntry(e model.CacheEntry, staleFlag bool) (Result, error) {
	var p cachedPayload
	if err := json.Unmarshal(e.NormalizedPayload, &p); err != nil {
		return Result{}, fmt.Errorf("gateway: corrupt cached payload for %s: %w", e.Fingerprint, err)
	}
	findings := p.Findings
	for i := range findings {
		findings[i].Provenance.CacheHit = true
		findings[i].Provenance.StaleFlag = staleFlag
	}
	return Result{
		Findings:           findings,
		DiscoveredEntities: p.DiscoveredEntities,
		ProviderID:         p.ProviderID,
		Fingerprint:        e.Fingerprint,
		CacheHit:           true,
		StaleFlag:          staleFlag,
		Cost:               model.Cost{Currency: e.Cost.Currency}, // cache hits are free
		AcquiredAt:         e.AcquiredAt,
	}, nil
}

// enqueueRefresh queues a best-effort background refresh for a stale entry
// that was served with a flag. A full queue drops the refresh: the stale
// entry stays usable and the next stale hit re-enqueues.
func (g *Gateway) enqueueRefresh(d Demand) {
	select {
	case g.refreshCh <- d:
	default:
		g.logger.Warn("gateway: refresh queue full, dropping", "check", d.Check)
	}
}

func (g *Gateway) refreshLoop() {
	for {
		select {
		case <-g.done:
			return
		case d := <-g.refreshCh:
			g.refreshOne(d)
		}
	}
}

// refreshOne re-executes a stale fingerprint in the background. Failure
// leaves the stale entry in place and records a refresh_failed audit event
// (§4.2).
func (g *Gateway) refreshOne(d Demand) {
	ctx, cancel := context.WithTimeout(context.Background(), g.callTimeout+time.Second)
	defer cancel()
	fp := d.Fingerprint()
	if _, err := g.executeCoalesced(ctx, d, fp, g.policyFor(d.Check)); err != nil {
		g.logger.Warn("gateway: async refresh failed", "fingerprint", fp, "error", err)
		if _, aerr := g.audit.Append(ctx, d.InvestigationID.String(), model.ActorSystem, model.AuditRefreshFailed, fp); aerr != nil {
			g.logger.Error("gateway: audit refresh_failed append failed", "error", aerr)
		}
		return
	}
	g.cache.Invalidate(fp)
}
