package dedup

import (
	"errors"
	"strconv"
	"sync"

	"dispatch/internal/domain"
)

// ErrFactoryNotInitialized indicates key derivation before Init.
var ErrFactoryNotInitialized = errors.New("key extractor factory is not initialized")

// KeyExtractorFactory resolves the key strategy per event type and owns the
// configured dedup interval.
// Params: registered extractors, fallback strategy, and bucketing interval.
// Returns: process-wide key derivation entry point.
//
// Init is write-once per lifecycle; Reset clears interval and registrations
// between independent processing lifecycles. Callers must not call Init or
// Reset concurrently with CurrentKey.
type KeyExtractorFactory struct {
	mu          sync.RWMutex
	initialized bool
	intervalMS  int64
	extractors  map[domain.EventType]KeyExtractor
	fallback    KeyExtractor
}

// NewKeyExtractorFactory creates an empty factory with the default fallback.
// Params: none.
// Returns: factory awaiting Init.
func NewKeyExtractorFactory() *KeyExtractorFactory {
	return &KeyExtractorFactory{
		extractors: make(map[domain.EventType]KeyExtractor),
		fallback:   DefaultExtractor{},
	}
}

// Init configures the dedup interval and arms the factory.
// Params: bucketing interval in milliseconds (0 disables bucketing).
// Returns: error when the interval is negative or the factory is already armed.
func (f *KeyExtractorFactory) Init(intervalMS int64) error {
	if intervalMS < 0 {
		return errors.New("dedup interval must be >=0")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initialized {
		return errors.New("key extractor factory already initialized")
	}
	f.intervalMS = intervalMS
	f.initialized = true
	return nil
}

// Reset clears interval and registrations for a new processing lifecycle.
// Params: none.
// Returns: none.
func (f *KeyExtractorFactory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = false
	f.intervalMS = 0
	f.extractors = make(map[domain.EventType]KeyExtractor)
	f.fallback = DefaultExtractor{}
}

// Register adds one per-event-type strategy.
// Params: extractor with its event type binding.
// Returns: none (replaces a previous registration for the same type).
func (f *KeyExtractorFactory) Register(extractor KeyExtractor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extractors[extractor.EventType()] = extractor
}

// IntervalMS returns the configured bucketing interval.
// Params: none.
// Returns: interval in milliseconds.
func (f *KeyExtractorFactory) IntervalMS() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.intervalMS
}

// CurrentKey derives the full dedup key for one alert.
// Params: alert after ingest validation.
// Returns: base key plus time-bucket suffix, or derivation error.
//
// With interval > 0 the suffix is dt/interval; with interval = 0 the raw
// timestamp is used, making keys effectively unique per exact timestamp.
func (f *KeyExtractorFactory) CurrentKey(alert domain.Alert) (string, error) {
	f.mu.RLock()
	if !f.initialized {
		f.mu.RUnlock()
		return "", ErrFactoryNotInitialized
	}
	extractor, ok := f.extractors[alert.EventType]
	if !ok {
		extractor = f.fallback
	}
	interval := f.intervalMS
	f.mu.RUnlock()

	base, err := extractor.BaseKey(alert)
	if err != nil {
		return "", err
	}
	bucket := alert.DT
	if interval > 0 {
		bucket = alert.DT / interval
	}
	return base + "/" + strconv.FormatInt(bucket, 10), nil
}
