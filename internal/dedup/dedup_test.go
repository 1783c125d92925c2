package dedup

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"dispatch/internal/config"
	"dispatch/internal/domain"
	"dispatch/internal/state"
)

func testConfig() config.DedupConfig {
	return config.DedupConfig{IntervalMS: 60_000, BloomCapacity: 10_000, BloomFPRate: 0.01}
}

func armedFactory(t *testing.T, intervalMS int64) *KeyExtractorFactory {
	t.Helper()
	factory := NewKeyExtractorFactory()
	if err := factory.Init(intervalMS); err != nil {
		t.Fatalf("init factory: %v", err)
	}
	factory.Register(GeofenceExtractor{})
	return factory
}

func waitRestored(t *testing.T, d *Deduplicator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !d.CacheRestored() {
		if time.Now().After(deadline) {
			t.Fatalf("cache restore did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCurrentKeyBucketsTimestamp(t *testing.T) {
	t.Parallel()

	factory := armedFactory(t, 60_000)
	// Both timestamps sit inside the same 60s bucket.
	first := domain.Alert{EventType: domain.EventTypeLowFuel, UserID: "u1", VehicleID: "v1", DT: 960_000}
	second := first
	second.DT = 990_000

	keyA, err := factory.CurrentKey(first)
	if err != nil {
		t.Fatalf("derive keyA: %v", err)
	}
	keyB, err := factory.CurrentKey(second)
	if err != nil {
		t.Fatalf("derive keyB: %v", err)
	}
	if keyA != keyB {
		t.Fatalf("expected same bucket key, got %q and %q", keyA, keyB)
	}
	if !strings.HasPrefix(keyA, "evt/low_fuel/v1/") {
		t.Fatalf("unexpected key format %q", keyA)
	}
}

func TestCurrentKeyZeroIntervalUsesRawTimestamp(t *testing.T) {
	t.Parallel()

	factory := armedFactory(t, 0)
	alert := domain.Alert{EventType: domain.EventTypeCurfew, UserID: "u1", VehicleID: "v1", DT: 1_234_567}
	key, err := factory.CurrentKey(alert)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	if !strings.HasSuffix(key, "/1234567") {
		t.Fatalf("expected raw timestamp suffix, got %q", key)
	}
}

func TestCurrentKeyGeofenceIncludesFence(t *testing.T) {
	t.Parallel()

	factory := armedFactory(t, 60_000)
	alert := domain.Alert{
		EventType: domain.EventTypeGeofence,
		UserID:    "u1",
		VehicleID: "v1",
		DT:        1_000_000,
		Payload:   map[string]string{"geofence_id": "fence-7"},
	}
	key, err := factory.CurrentKey(alert)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	if !strings.Contains(key, "fence-7") {
		t.Fatalf("expected fence id in key, got %q", key)
	}
}

func TestCurrentKeyGeofenceMissingFence(t *testing.T) {
	t.Parallel()

	factory := armedFactory(t, 60_000)
	alert := domain.Alert{EventType: domain.EventTypeGeofence, UserID: "u1", VehicleID: "v1", DT: 1_000_000}
	if _, err := factory.CurrentKey(alert); err == nil {
		t.Fatalf("expected missing geofence id error")
	}
}

func TestFactoryInitLifecycle(t *testing.T) {
	t.Parallel()

	factory := NewKeyExtractorFactory()
	if _, err := factory.CurrentKey(domain.Alert{EventType: domain.EventTypeGeneric, DT: 1}); err == nil {
		t.Fatalf("expected not-initialized error")
	}
	if err := factory.Init(-1); err == nil {
		t.Fatalf("expected negative interval error")
	}
	if err := factory.Init(1000); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := factory.Init(1000); err == nil {
		t.Fatalf("expected already-initialized error")
	}
	factory.Reset()
	if err := factory.Init(2000); err != nil {
		t.Fatalf("init after reset: %v", err)
	}
	if factory.IntervalMS() != 2000 {
		t.Fatalf("unexpected interval %d", factory.IntervalMS())
	}
}

func TestFilterDropsBatchRepeats(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore()
	d := NewDeduplicator(testConfig(), armedFactory(t, 60_000), store, nil)
	waitRestored(t, d)

	alert := domain.Alert{EventType: domain.EventTypeLowFuel, UserID: "u1", VehicleID: "v1", DT: 1_000_000}
	other := domain.Alert{EventType: domain.EventTypeLowFuel, UserID: "u1", VehicleID: "v2", DT: 1_000_000}
	kept := d.FilterDuplicateAlerts(context.Background(), []domain.Alert{alert, other, alert})
	if len(kept) != 2 {
		t.Fatalf("expected 2 kept alerts, got %d", len(kept))
	}
	if kept[0].VehicleID != "v1" || kept[1].VehicleID != "v2" {
		t.Fatalf("expected original order, got %q then %q", kept[0].VehicleID, kept[1].VehicleID)
	}
}

func TestFilterRestoresFromStore(t *testing.T) {
	t.Parallel()

	factory := armedFactory(t, 60_000)
	store := state.NewMemoryStore()
	alert := domain.Alert{EventType: domain.EventTypeLowFuel, UserID: "u1", VehicleID: "v1", DT: 1_000_000}
	key, err := factory.CurrentKey(alert)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	if err := store.PutKey(context.Background(), key); err != nil {
		t.Fatalf("seed key: %v", err)
	}

	d := NewDeduplicator(testConfig(), factory, store, nil)
	waitRestored(t, d)

	kept := d.FilterDuplicateAlerts(context.Background(), []domain.Alert{alert})
	if len(kept) != 0 {
		t.Fatalf("expected seeded alert dropped, kept %d", len(kept))
	}
}

// gatedKeyStore blocks AllKeys until released so the pre-restore state is
// observable.
type gatedKeyStore struct {
	state.KeyStore
	release chan struct{}
}

func (s *gatedKeyStore) AllKeys(ctx context.Context) ([]string, error) {
	<-s.release
	return s.KeyStore.AllKeys(ctx)
}

func TestCacheRestoredFalseUntilScanFinishes(t *testing.T) {
	t.Parallel()

	gate := &gatedKeyStore{KeyStore: state.NewMemoryStore(), release: make(chan struct{})}
	d := NewDeduplicator(testConfig(), armedFactory(t, 60_000), gate, nil)
	if d.CacheRestored() {
		t.Fatalf("expected restore pending right after construction")
	}
	close(gate.release)
	waitRestored(t, d)
}

func TestFilterRestoresBulkKeys(t *testing.T) {
	t.Parallel()

	factory := armedFactory(t, 60_000)
	store := state.NewMemoryStore()
	ctx := context.Background()

	alerts := make([]domain.Alert, 0, 10_000)
	for i := 0; i < 10_000; i++ {
		alert := domain.Alert{
			EventType: domain.EventTypeLowFuel,
			UserID:    "u1",
			VehicleID: fmt.Sprintf("v%05d", i),
			DT:        960_000,
		}
		key, err := factory.CurrentKey(alert)
		if err != nil {
			t.Fatalf("derive key %d: %v", i, err)
		}
		if err := store.PutKey(ctx, key); err != nil {
			t.Fatalf("seed key %d: %v", i, err)
		}
		alerts = append(alerts, alert)
	}

	d := NewDeduplicator(testConfig(), factory, store, nil)
	waitRestored(t, d)

	// The set has no false negatives, so every restored key must be recognized.
	if kept := d.FilterDuplicateAlerts(ctx, alerts); len(kept) != 0 {
		t.Fatalf("expected all %d restored keys recognized, kept %d", len(alerts), len(kept))
	}
}

func TestFilterKeepsAlertOnKeyError(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(testConfig(), armedFactory(t, 60_000), state.NewMemoryStore(), nil)
	waitRestored(t, d)

	broken := domain.Alert{EventType: domain.EventTypeGeofence, UserID: "u1", VehicleID: "v1", DT: 1_000_000}
	kept := d.FilterDuplicateAlerts(context.Background(), []domain.Alert{broken, broken})
	if len(kept) != 2 {
		t.Fatalf("expected alerts without keys kept, got %d", len(kept))
	}
}
