package dedup

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"dispatch/internal/config"
	"dispatch/internal/domain"
	"dispatch/internal/state"

	"github.com/bits-and-blooms/bloom/v3"
)

// Deduplicator filters repeated alerts against restart-safe key history.
// Params: key factory, bloom set, durable key store, and restoration flag.
// Returns: order-preserving duplicate filter for alert batches.
//
// The bloom set answers "possibly seen"; a positive check drops the alert,
// so a false positive can drop a fresh alert but a duplicate is never
// delivered once restoration has finished.
type Deduplicator struct {
	factory  *KeyExtractorFactory
	store    state.KeyStore
	logger   *slog.Logger
	mu       sync.Mutex
	filter   *bloom.BloomFilter
	restored atomic.Bool
}

// NewDeduplicator builds the filter and launches the asynchronous restore.
// Params: dedup tuning, armed key factory, durable key store, and logger.
// Returns: deduplicator usable immediately; restoration completes in background.
func NewDeduplicator(cfg config.DedupConfig, factory *KeyExtractorFactory, store state.KeyStore, logger *slog.Logger) *Deduplicator {
	d := &Deduplicator{
		factory: factory,
		store:   store,
		logger:  logger,
		filter:  bloom.NewWithEstimates(cfg.BloomCapacity, cfg.BloomFPRate),
	}
	go d.restore(context.Background())
	return d
}

// restore scans the durable store and loads every persisted key into the set.
// Params: background context.
// Returns: none; flips the restored flag on success.
func (d *Deduplicator) restore(ctx context.Context) {
	keys, err := d.store.AllKeys(ctx)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("dedup cache restore failed", "error", err.Error())
		}
		return
	}
	d.mu.Lock()
	for _, key := range keys {
		d.filter.AddString(key)
	}
	d.mu.Unlock()
	d.restored.Store(true)
	if d.logger != nil {
		d.logger.Info("dedup cache restored", "keys", len(keys))
	}
}

// CacheRestored reports whether the background restore has finished.
// Params: none.
// Returns: false right after construction, true once the store scan completed.
func (d *Deduplicator) CacheRestored() bool {
	return d.restored.Load()
}

// FilterDuplicateAlerts drops alerts whose dedup key was possibly seen before.
// Params: context and inbound alert batch.
// Returns: kept alerts in original order; discarded alerts are untouched.
//
// Durable-store write failures never abort keeping an alert: only the
// in-process set decides for this batch, persistence is best effort.
func (d *Deduplicator) FilterDuplicateAlerts(ctx context.Context, alerts []domain.Alert) []domain.Alert {
	kept := make([]domain.Alert, 0, len(alerts))
	for _, alert := range alerts {
		key, err := d.factory.CurrentKey(alert)
		if err != nil {
			if d.logger != nil {
				d.logger.Warn("dedup key derivation failed, keeping alert", "event_type", alert.EventType, "error", err.Error())
			}
			kept = append(kept, alert)
			continue
		}

		d.mu.Lock()
		seen := d.filter.TestAndAddString(key)
		d.mu.Unlock()
		if seen {
			continue
		}

		kept = append(kept, alert)
		if err := d.store.PutKey(ctx, key); err != nil && d.logger != nil {
			d.logger.Warn("dedup key persist failed", "key", key, "error", err.Error())
		}
	}
	return kept
}
