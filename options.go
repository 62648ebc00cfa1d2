package veritas

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	databaseURL       string
	logger            *slog.Logger
	version           string
	providers         []Provider
	embeddingProvider EmbeddingProvider
	alertHandler      AlertHandler
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithProvider registers an external data provider with the gateway.
// Multiple providers may be registered; routing picks among them per
// (check, locale, tier).
func WithProvider(p Provider) Option {
	return func(o *resolvedOptions) { o.providers = append(o.providers, p) }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (OpenAI/noop) used for fuzzy entity matching.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithAlertHandler registers the sink for vigilance delta alerts.
func WithAlertHandler(h AlertHandler) Option {
	return func(o *resolvedOptions) { o.alertHandler = h }
}
