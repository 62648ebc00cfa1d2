package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/veritas-screening/veritas/internal/model"
)

// UpsertCacheEntry writes (or replaces) a cache row keyed by fingerprint.
// The write is expected to be performed by the single-flight leader only
// (§5); followers never call this directly.
func (db *DB) UpsertCacheEntry(ctx context.Context, e model.CacheEntry) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO cache_entries
		   (fingerprint, entity_id, provider_class, check_type, locale, degree_scope,
		    origin, customer_id, acquired_at, fresh_until, stale_until,
		    normalized_payload, raw_ciphertext, cost_amount, cost_currency, cost_billed_to,
		    created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10,$11,$12,$13,$14,$15,$16,NOW(),NOW())
		 ON CONFLICT (fingerprint) DO UPDATE SET
		   acquired_at = EXCLUDED.acquired_at,
		   fresh_until = EXCLUDED.fresh_until,
		   stale_until = EXCLUDED.stale_until,
		   normalized_payload = EXCLUDED.normalized_payload,
		   raw_ciphertext = EXCLUDED.raw_ciphertext,
		   cost_amount = EXCLUDED.cost_amount,
		   cost_currency = EXCLUDED.cost_currency,
		   cost_billed_to = EXCLUDED.cost_billed_to,
		   updated_at = NOW()`,
		e.Fingerprint, e.EntityID, e.ProviderClass, e.CheckType, e.Locale, e.DegreeScope,
		e.Origin, e.CustomerID, e.AcquiredAt, e.FreshUntil, e.StaleUntil,
		e.NormalizedPayload, e.RawCiphertext, e.Cost.Amount, e.Cost.Currency, e.Cost.BilledTo,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert cache entry: %w", err)
	}
	return nil
}

// GetCacheEntry looks up a cache row by fingerprint. If customerID is
// non-empty, a customer_provided entry scoped to a different customer is
// never returned (§3, §8 tenant isolation invariant) — it is treated as a
// miss rather than an error.
func (db *DB) GetCacheEntry(ctx context.Context, fingerprint, customerID string) (model.CacheEntry, error) {
	var e model.CacheEntry
	var custID *string
	err := db.pool.QueryRow(ctx,
		`SELECT fingerprint, entity_id, provider_class, check_type, locale, degree_scope,
		        origin, customer_id, acquired_at, fresh_until, stale_until,
		        normalized_payload, raw_ciphertext, cost_amount, cost_currency, cost_billed_to,
		        created_at, updated_at
		 FROM cache_entries WHERE fingerprint = $1`, fingerprint,
	).Scan(&e.Fingerprint, &e.EntityID, &e.ProviderClass, &e.CheckType, &e.Locale, &e.DegreeScope,
		&e.Origin, &custID, &e.AcquiredAt, &e.FreshUntil, &e.StaleUntil,
		&e.NormalizedPayload, &e.RawCiphertext, &e.Cost.Amount, &e.Cost.Currency, &e.Cost.BilledTo,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CacheEntry{}, fmt.Errorf("cache entry %s: %w", fingerprint, ErrNotFound)
		}
		return model.CacheEntry{}, fmt.Errorf("storage: get cache entry: %w", err)
	}
	if custID != nil {
		e.CustomerID = *custID
	}
	if e.Origin == model.OriginCustomerProvided && e.CustomerID != "" && e.CustomerID != customerID {
		return model.CacheEntry{}, fmt.Errorf("cache entry %s: %w", fingerprint, ErrNotFound)
	}
	return e, nil
}
