// Package ctxutil provides shared context key accessors for values that
// cross several packages in the investigation engine (the orchestrator, the
// review-task resolution path, and audit logging) without introducing an
// import cycle between them.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/auth"
)

type contextKey string

const (
	keyClaims          contextKey = "claims"
	keyInvestigationID contextKey = "investigation_id"
)

// WithClaims returns a new context carrying the review-task token claims for
// a resolution request (§4.12).
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the review-task token claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// WithInvestigationID returns a new context carrying the ID of the
// investigation a suspension point (provider call, cache op, audit append)
// is executing on behalf of, so deeply nested calls can log and key audit
// events without threading the ID through every signature.
func WithInvestigationID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyInvestigationID, id)
}

// InvestigationIDFromContext extracts the investigation ID from the context.
func InvestigationIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyInvestigationID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
