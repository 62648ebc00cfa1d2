package orchestrator

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/provider"
	"github.com/veritas-screening/veritas/internal/resolver"
	"github.com/veritas-screening/veritas/internal/sar"
)

// candidateLink is a deduplicated discovered entity awaiting network
// investigation, with its aggregated link strength.
type candidateLink struct {
	ref      resolver.Reference
	subject  provider.DiscoveredEntity
	strength float64
	// order is the discovery ordinal, the first-seen tie-break for the
	// per-degree cap (§4.6, scenario 5).
	order int
}

// runNetwork expands to directly related entities (D2) and, under Enhanced
// with D3, one further step. Each related entity gets a reduced SAR cycle;
// the visited set guarantees no entity is investigated twice within one
// screening (§4.6).
func (o *Orchestrator) runNetwork(ctx context.Context, r *run) error {
	if r.cfg.Degrees == model.DegreeD1 || len(r.typeFilter) > 0 {
		return nil
	}

	d2 := dedupeCandidates(r.discovered)
	investigated, err := o.expandDegree(ctx, r, d2, 2)
	if err != nil {
		return err
	}

	if r.cfg.Degrees == model.DegreeD3 && r.cfg.Tier == model.TierEnhanced {
		// D3 expands only from the D2 entities actually investigated.
		d3 := dedupeCandidates(investigated)
		if _, err := o.expandDegree(ctx, r, d3, 3); err != nil {
			return err
		}
	}
	return nil
}

// expandDegree investigates up to the per-degree cap of candidates,
// ordered by link strength descending then first-seen ascending. Entities
// over the cap are recorded as deferred. It returns the entities newly
// discovered while investigating this degree, feeding the next one.
func (o *Orchestrator) expandDegree(ctx context.Context, r *run, candidates []candidateLink, degree int) ([]provider.DiscoveredEntity, error) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].strength != candidates[j].strength {
			return candidates[i].strength > candidates[j].strength
		}
		return candidates[i].order < candidates[j].order
	})

	maxPerDegree := o.cfg.NetworkMaxPerDegree
	var nextWave []provider.DiscoveredEntity
	investigated := 0

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nextWave, err
		}
		if investigated >= maxPerDegree {
			r.excludedChecks["deferred_network:"+cand.ref.Name] = true
			continue
		}

		decision, err := o.resolver.Resolve(ctx, r.investigationID, r.entity.ID, r.cfg.Tier, cand.ref, r.cfg.Review)
		if err != nil {
			o.logger.Warn("orchestrator: network resolve failed", "name", cand.ref.Name, "error", err)
			continue
		}
		if err := o.recordAmbiguity(ctx, r.investigationID, decision); err != nil {
			return nextWave, err
		}
		if r.visited[decision.Entity.ID] {
			continue
		}
		r.visited[decision.Entity.ID] = true
		investigated++

		sanctioned := false
		degreeModel := model.DegreeD2
		if degree == 3 {
			degreeModel = model.DegreeD3
		}
		for _, infoType := range sar.NetworkLiteTypes {
			out, err := o.loop.Run(ctx, r.investigationID, decision.Entity.ID, cand.subject, r.cfg, degreeModel, infoType, r.kb.Clone(), o.thresholds(infoType), o.emitNetwork(degree, decision.Entity.ID))
			if err != nil {
				return nextWave, err
			}
			if infoType == sar.TypeSanctions && len(out.Findings) > 0 {
				sanctioned = true
			}
			r.findings = append(r.findings, out.Findings...)
			nextWave = append(nextWave, out.Discovered...)
		}

		r.connections = append(r.connections, model.Connection{
			EntityID:     decision.Entity.ID,
			Degree:       degree,
			LinkType:     cand.subject.Relationship,
			LinkStrength: cand.strength,
			Sanctioned:   sanctioned,
			DiscoveredAt: r.cp.UpdatedAt,
		})
	}
	return nextWave, nil
}

// emitNetwork wraps the standard emitter, retagging a related entity's
// findings as network findings with their discovery degree so the risk
// scorer applies per-degree dampening (§4.8).
func (o *Orchestrator) emitNetwork(degree int, relatedEntity uuid.UUID) sar.Emitter {
	return func(ctx context.Context, f *model.Finding) error {
		if f.Details == nil {
			f.Details = map[string]any{}
		}
		f.Details["source_category"] = string(f.Category)
		f.Details["degree"] = degree
		f.Category = model.FindingNetwork
		f.ContributingEntities = append(f.ContributingEntities, relatedEntity)
		return o.emit(ctx, f)
	}
}

// dedupeCandidates collapses repeated mentions of the same discovered
// entity, strengthening the link per extra mention.
func dedupeCandidates(discovered []provider.DiscoveredEntity) []candidateLink {
	byKey := make(map[string]*candidateLink)
	var orderCounter int
	var keys []string
	for _, de := range discovered {
		if de.Name == "" {
			continue
		}
		key := strings.ToLower(de.Name) + "|" + string(de.Kind)
		if existing, ok := byKey[key]; ok {
			if existing.strength < 1.0 {
				existing.strength += 0.15
				if existing.strength > 1.0 {
					existing.strength = 1.0
				}
			}
			continue
		}
		byKey[key] = &candidateLink{
			ref: resolver.Reference{
				Kind:        de.Kind,
				Identifiers: de.Identifiers,
				Name:        de.Name,
				DOB:         de.DOB,
				Address:     de.Address,
			},
			subject:  de,
			strength: 0.5,
			order:    orderCounter,
		}
		keys = append(keys, key)
		orderCounter++
	}
	out := make([]candidateLink, 0, len(byKey))
	for _, k := range keys {
		out = append(out, *byKey[k])
	}
	return out
}
