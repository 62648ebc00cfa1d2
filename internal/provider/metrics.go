package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "gateway",
			Name:      "cache_results_total",
			Help:      "Cache lookup outcomes by state (fresh, stale, miss).",
		},
		[]string{"state"},
	)

	providerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "gateway",
			Name:      "provider_calls_total",
			Help:      "Provider execute attempts by provider_id and outcome.",
		},
		[]string{"provider_id", "outcome"},
	)

	callCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "gateway",
			Name:      "cost_total",
			Help:      "Accumulated provider cost by provider_id and currency.",
		},
		[]string{"provider_id", "currency", "billed_to"},
	)

	singleFlightCollapsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "gateway",
			Name:      "singleflight_collapsed_total",
			Help:      "Requests that coalesced onto an in-flight call instead of issuing a new one.",
		},
	)
)
