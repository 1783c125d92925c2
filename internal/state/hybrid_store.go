package state

import "context"

// HybridStore keeps buffers/history/retry on the primary backend while the
// dedup key set lives in a dedicated key store.
// Params: primary aggregate store and key-store override.
// Returns: Store implementation with split persistence.
type HybridStore struct {
	Store
	keys KeyStore
}

// NewHybridStore composes the split-backend store.
// Params: primary store and key-store override.
// Returns: initialized hybrid store.
func NewHybridStore(primary Store, keys KeyStore) *HybridStore {
	return &HybridStore{Store: primary, keys: keys}
}

// PutKey persists one dedup key in the key-store backend.
// Params: context and dedup key.
// Returns: backend write error.
func (s *HybridStore) PutKey(ctx context.Context, key string) error {
	return s.keys.PutKey(ctx, key)
}

// KeyExists reports key presence in the key-store backend.
// Params: context and dedup key.
// Returns: presence flag or backend error.
func (s *HybridStore) KeyExists(ctx context.Context, key string) (bool, error) {
	return s.keys.KeyExists(ctx, key)
}

// AllKeys lists all dedup keys from the key-store backend.
// Params: context.
// Returns: stored keys or backend error.
func (s *HybridStore) AllKeys(ctx context.Context) ([]string, error) {
	return s.keys.AllKeys(ctx)
}

// Close releases both backends.
// Params: none.
// Returns: first close error.
func (s *HybridStore) Close() error {
	keysErr := s.keys.Close()
	primaryErr := s.Store.Close()
	if keysErr != nil {
		return keysErr
	}
	return primaryErr
}
