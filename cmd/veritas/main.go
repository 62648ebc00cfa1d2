package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	veritas "github.com/veritas-screening/veritas"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := newLogger(os.Getenv("VERITAS_LOG_LEVEL"), os.Getenv("VERITAS_LOG_FORMAT"))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	app, err := veritas.New(
		veritas.WithVersion(version),
		veritas.WithLogger(logger),
		veritas.WithAlertHandler(func(a veritas.Alert) {
			logger.Warn("vigilance alert",
				"entity", a.EntityID,
				"profile_version", a.ProfileVersion,
				"severity", a.MaxSeverity,
				"new_findings", len(a.Findings))
		}),
	)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
