package sar

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/provider"
)

// Executor fans a plan's queries out through the Provider Gateway, at most
// maxConcurrent in flight at once (§5's per-type M bound). Individual query
// failures are collected, not fatal: a check with no available source is
// recorded and the loop continues (§7).
type Executor struct {
	gateway       *provider.Gateway
	maxConcurrent int
}

func NewExecutor(gateway *provider.Gateway, maxConcurrent int) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Executor{gateway: gateway, maxConcurrent: maxConcurrent}
}

// QueryError pairs a failed query with its error for assessment.
type QueryError struct {
	Query Query
	Err   error
}

// Execute runs every query, returning successful results and the failures.
// A context cancellation stops the fan-out and surfaces as the returned
// ctx error; partial results gathered before cancellation are kept.
func (e *Executor) Execute(ctx context.Context, investigationID, entityID uuid.UUID, subject provider.DiscoveredEntity, cfg model.ServiceConfiguration, degree model.Degree, queries []Query) ([]provider.Result, []QueryError, error) {
	var (
		mu      sync.Mutex
		results []provider.Result
		failed  []QueryError
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrent)
	for _, q := range queries {
		q := q
		g.Go(func() error {
			res, err := e.gateway.Execute(gctx, provider.Demand{
				InvestigationID: investigationID,
				EntityID:        entityID,
				Subject:         subject,
				Check:           q.Check,
				Locale:          cfg.Locale,
				Degree:          degree,
				Tier:            cfg.Tier,
				Origin:          model.OriginPaidExternal,
				CustomerID:      cfg.OrgID.String(),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, QueryError{Query: q, Err: err})
				// Collected, not returned: one dead source must not cancel
				// the sibling queries.
				return nil
			}
			results = append(results, res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, failed, err
	}
	return results, failed, ctx.Err()
}
