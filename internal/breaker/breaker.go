// Package breaker wraps sony/gobreaker as the Provider Gateway's per-provider
// circuit breaker (§4.1, §5 "circuit breaker state is shared per provider").
// One Registry entry exists per provider_id; state transitions are logged
// and fed into the Prometheus circuit-state gauge.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
)

// stateGauge reports each provider's breaker state as 0 (closed), 0.5
// (half-open), or 1 (open), for the circuit-state dashboard panel.
var stateGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "veritas",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Per-provider circuit breaker state: 0=closed, 0.5=half-open, 1=open.",
	},
	[]string{"provider_id"},
)

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}

// PrometheusStateCallback returns an onChange callback for NewRegistry that
// reports every transition to the shared circuit-state gauge.
func PrometheusStateCallback() func(providerID string, from, to gobreaker.State) {
	return func(providerID string, _, to gobreaker.State) {
		stateGauge.WithLabelValues(providerID).Set(stateValue(to))
	}
}

// Settings configures a single provider's breaker.
type Settings struct {
	// MaxFailures opens the circuit after this many consecutive failures.
	MaxFailures uint32
	// Cooldown is how long the circuit stays open before half-opening.
	Cooldown time.Duration
	// HalfOpenMaxCalls bounds concurrent probe calls while half-open;
	// §4.1 requires exactly one success to close, so this is normally 1.
	HalfOpenMaxCalls uint32
}

// DefaultSettings matches §4.1's "opens after N consecutive failures...
// half-opens after a cooldown, requiring one success to close".
func DefaultSettings() Settings {
	return Settings{MaxFailures: 5, Cooldown: 30 * time.Second, HalfOpenMaxCalls: 1}
}

// Registry holds one circuit breaker per provider, created lazily on first
// use so the set of providers doesn't need to be known up front.
type Registry struct {
	settings Settings
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	onChange func(providerID string, from, to gobreaker.State)
}

// NewRegistry creates a breaker registry. onChange, if non-nil, is invoked
// on every state transition for metrics (Prometheus circuit-state gauge).
func NewRegistry(settings Settings, logger *slog.Logger, onChange func(providerID string, from, to gobreaker.State)) *Registry {
	return &Registry{
		settings: settings,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		onChange: onChange,
	}
}

func (r *Registry) get(providerID string) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[providerID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        providerID,
		MaxRequests: r.settings.HalfOpenMaxCalls,
		Timeout:     r.settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.settings.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("breaker: state change", "provider", name, "from", from.String(), "to", to.String())
			if r.onChange != nil {
				r.onChange(name, from, to)
			}
		},
	})
	r.breakers[providerID] = cb
	return cb
}

// ErrOpen is returned when a call short-circuits because the breaker is
// open (§4.1 "open-circuit calls short-circuit to ProviderUnavailable").
var ErrOpen = gobreaker.ErrOpenState

// Execute runs fn through the named provider's breaker.
func Execute[T any](ctx context.Context, r *Registry, providerID string, fn func(context.Context) (T, error)) (T, error) {
	cb := r.get(providerID)
	v, err := cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("breaker: %s: %w", providerID, err)
	}
	return v.(T), nil
}
