package veritas

import (
	"context"
	"time"
)

// ProviderResult is what an external data provider returns for one check.
type ProviderResult struct {
	Findings           []Finding
	DiscoveredEntities []Subject
	CostAmount         float64
	CostCurrency       string
	RawReference       string
}

// ProviderRequest is one check demanded of a provider.
type ProviderRequest struct {
	Check   string
	Subject Subject
	Locale  string
	Degree  Degree
}

// Provider is the plug-in contract an external data source implements to
// participate in routing. Register implementations with WithProvider.
// Concrete provider dialects (HTTP/XML wire formats) live behind this
// interface and are invisible to the engine.
type Provider interface {
	ID() string
	TierCategory() string // "core" | "premium"
	SupportedChecks() []string
	SupportedLocales() []string
	CostTier() int
	Execute(ctx context.Context, req ProviderRequest) (ProviderResult, error)
	Health(ctx context.Context) (status string, latency time.Duration, err error)
}

// EmbeddingProvider generates vector embeddings for fuzzy entity matching.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// OpenAI/noop provider. Uses []float32 to avoid forcing the pgvector
// dependency on external consumers.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
