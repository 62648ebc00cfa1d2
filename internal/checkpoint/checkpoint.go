// Package checkpoint implements the Checkpoint Manager (§4.10): durable,
// versioned snapshots of an in-flight investigation's Phase Orchestrator and
// SAR loop state, so a crashed or cancelled run resumes from its last
// boundary rather than restarting Foundation from scratch.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/model"
	"github.com/veritas-screening/veritas/internal/storage"
)

// Store is the persistence surface a Manager needs; internal/storage.DB
// satisfies it.
type Store interface {
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	LoadCheckpoint(ctx context.Context, investigationID uuid.UUID) (model.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, investigationID uuid.UUID) error
}

// Manager reads and writes investigation checkpoints. Save uses the
// Checkpoint's Version field for optimistic concurrency: two concurrent
// savers for the same investigation (which should never happen under the
// orchestrator's single-owner-per-investigation invariant, but is cheap to
// guard) will have exactly one of them succeed.
type Manager struct {
	store Store
}

func New(store Store) *Manager {
	return &Manager{store: store}
}

// ErrStaleVersion names a checkpoint version conflict. Save does not return
// it: a save that loses a race fails with the store's "changed concurrently"
// error, wrapped by Save.
var ErrStaleVersion = fmt.Errorf("checkpoint: stale version")

// Save persists a checkpoint, incrementing its Version. Callers pass the
// Checkpoint they built from their in-memory state; Save mutates its Version
// and UpdatedAt in place before returning.
func (m *Manager) Save(ctx context.Context, cp *model.Checkpoint) error {
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	if err := m.store.SaveCheckpoint(ctx, *cp); err != nil {
		cp.Version--
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

// Load retrieves the latest checkpoint for an investigation. Returns
// storage.ErrNotFound if none exists (a fresh investigation, not a resume).
func (m *Manager) Load(ctx context.Context, investigationID uuid.UUID) (model.Checkpoint, error) {
	cp, err := m.store.LoadCheckpoint(ctx, investigationID)
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint: load: %w", err)
	}
	return cp, nil
}

// Exists reports whether a checkpoint is present for investigationID,
// distinguishing "fresh start" from "resume" without the caller needing to
// interpret storage.ErrNotFound itself.
func (m *Manager) Exists(ctx context.Context, investigationID uuid.UUID) (bool, error) {
	_, err := m.Load(ctx, investigationID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Delete removes a completed or abandoned investigation's checkpoint.
func (m *Manager) Delete(ctx context.Context, investigationID uuid.UUID) error {
	if err := m.store.DeleteCheckpoint(ctx, investigationID); err != nil {
		return fmt.Errorf("checkpoint: delete: %w", err)
	}
	return nil
}

// ResumePendingCall checks whether a fingerprint already has an in-flight
// PendingCall recorded in the checkpoint, per the at-most-once-per-
// (fingerprint, iteration) emission guarantee (§4.10): a resume must consult
// the cache for this fingerprint before reissuing the provider call, since
// the prior attempt may have completed and written a cache entry even if
// the crash happened before the checkpoint recorded that.
func ResumePendingCall(cp model.Checkpoint, fingerprint string) (model.PendingCall, bool) {
	pc, ok := cp.PendingCalls[fingerprint]
	return pc, ok
}

// WithPendingCall returns a copy of cp's PendingCalls map with fingerprint
// recorded as in-flight at the given iteration.
func WithPendingCall(cp model.Checkpoint, fingerprint string, iteration int) map[string]model.PendingCall {
	out := make(map[string]model.PendingCall, len(cp.PendingCalls)+1)
	for k, v := range cp.PendingCalls {
		out[k] = v
	}
	out[fingerprint] = model.PendingCall{Fingerprint: fingerprint, IssuedAt: time.Now().UTC(), Iteration: iteration}
	return out
}

// WithoutPendingCall returns a copy of cp's PendingCalls map with
// fingerprint cleared, used once its provider call completes (success or
// terminal failure) and is no longer in flight.
func WithoutPendingCall(cp model.Checkpoint, fingerprint string) map[string]model.PendingCall {
	out := make(map[string]model.PendingCall, len(cp.PendingCalls))
	for k, v := range cp.PendingCalls {
		if k != fingerprint {
			out[k] = v
		}
	}
	return out
}
