package auditlog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/veritas-screening/veritas/internal/model"
)

// Store is the persistence surface a Log needs; internal/storage.DB
// satisfies it.
type Store interface {
	AppendAudit(ctx context.Context, investigationKey string, actor model.AuditActor, category model.AuditCategory, payloadRef string, computeHash func(model.AuditEvent) string) (model.AuditEvent, error)
	ListAuditEvents(ctx context.Context, investigationKey string) ([]model.AuditEvent, error)
}

// Log is the append-only audit writer. One Log instance is shared across an
// investigation; Append computes the next chain link itself so callers never
// need to know the previous hash.
type Log struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Log {
	return &Log{store: store, logger: logger}
}

// Append writes the next event in an investigation's chain. It must
// complete successfully before the caller makes the corresponding state
// transition externally visible (§4.11, §9 write-ahead discipline) — a
// failure here is fatal for that action (§7 AuditWriteFailed), not
// something to retry opaquely after the fact.
func (l *Log) Append(ctx context.Context, investigationKey string, actor model.AuditActor, category model.AuditCategory, payloadRef string) (model.AuditEvent, error) {
	ev, err := l.store.AppendAudit(ctx, investigationKey, actor, category, payloadRef, EventHash)
	if err != nil {
		l.logger.Error("auditlog: append failed", "investigation", investigationKey, "category", category, "error", err)
		return model.AuditEvent{}, fmt.Errorf("auditlog: append: %w", err)
	}
	l.logger.Debug("auditlog: appended", "investigation", investigationKey, "sequence", ev.Sequence, "category", category)
	return ev, nil
}

// Verify replays the full chain for an investigation and reports whether it
// is intact.
func (l *Log) Verify(ctx context.Context, investigationKey string) (bool, error) {
	events, err := l.store.ListAuditEvents(ctx, investigationKey)
	if err != nil {
		return false, fmt.Errorf("auditlog: list events: %w", err)
	}
	return VerifyChain(events), nil
}

// MerkleProof returns a Merkle root over the sorted hashes of every event
// currently in an investigation's chain, for a compact integrity proof.
func (l *Log) MerkleProof(ctx context.Context, investigationKey string) (string, error) {
	events, err := l.store.ListAuditEvents(ctx, investigationKey)
	if err != nil {
		return "", fmt.Errorf("auditlog: list events: %w", err)
	}
	hashes := make([]string, len(events))
	for i, ev := range events {
		hashes[i] = ev.Hash
	}
	sort.Strings(hashes)
	return BuildMerkleRoot(hashes), nil
}
