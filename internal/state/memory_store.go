package state

import (
	"context"
	"sync"

	"dispatch/internal/domain"
)

// MemoryStore keeps all durable facets in process memory for single-instance mode.
// Params: mutex-guarded maps per facet.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu       sync.RWMutex
	keys     map[string]struct{}
	buffers  map[string]domain.NotificationBuffer
	history  map[string]domain.AlertsHistory
	retryRec map[string]domain.RetryRecord
}

// NewMemoryStore creates an in-memory store.
// Params: none.
// Returns: initialized store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:     make(map[string]struct{}),
		buffers:  make(map[string]domain.NotificationBuffer),
		history:  make(map[string]domain.AlertsHistory),
		retryRec: make(map[string]domain.RetryRecord),
	}
}

// PutKey records one dedup key.
// Params: dedup key token.
// Returns: nil (in-memory update).
func (s *MemoryStore) PutKey(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = struct{}{}
	return nil
}

// KeyExists reports whether a dedup key is recorded.
// Params: dedup key token.
// Returns: true when present.
func (s *MemoryStore) KeyExists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok, nil
}

// AllKeys lists every recorded dedup key.
// Params: none.
// Returns: unordered key slice.
func (s *MemoryStore) AllKeys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.keys))
	for key := range s.keys {
		out = append(out, key)
	}
	return out, nil
}

// GetBuffer returns the buffer for one composite key.
// Params: buffer key.
// Returns: stored buffer or ErrNotFound.
func (s *MemoryStore) GetBuffer(_ context.Context, key domain.BufferKey) (domain.NotificationBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buffer, ok := s.buffers[key.String()]
	if !ok {
		return domain.NotificationBuffer{}, ErrNotFound
	}
	return buffer, nil
}

// FindBySchedulerID scans buffers for one scheduler correlation handle.
// Params: scheduler id.
// Returns: matching buffer or ErrNotFound.
func (s *MemoryStore) FindBySchedulerID(_ context.Context, schedulerID string) (domain.NotificationBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, buffer := range s.buffers {
		if buffer.SchedulerID == schedulerID && schedulerID != "" {
			return buffer, nil
		}
	}
	return domain.NotificationBuffer{}, ErrNotFound
}

// FindByUserVehicle lists buffers for one (user, vehicle) pair.
// Params: user id and vehicle id.
// Returns: matching buffers (possibly empty).
func (s *MemoryStore) FindByUserVehicle(_ context.Context, userID, vehicleID string) ([]domain.NotificationBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.NotificationBuffer
	for _, buffer := range s.buffers {
		if buffer.Key.UserID == userID && buffer.Key.VehicleID == vehicleID {
			out = append(out, buffer)
		}
	}
	return out, nil
}

// SaveBuffer creates or replaces one buffer row.
// Params: buffer payload with valid key.
// Returns: key validation error.
func (s *MemoryStore) SaveBuffer(_ context.Context, buffer domain.NotificationBuffer) error {
	if err := buffer.Key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[buffer.Key.String()] = buffer
	return nil
}

// DeleteBuffer removes one buffer row.
// Params: buffer key.
// Returns: nil even when absent (idempotent delete).
func (s *MemoryStore) DeleteBuffer(_ context.Context, key domain.BufferKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, key.String())
	return nil
}

// DeleteByUserVehicle removes all buffers for one (user, vehicle) pair.
// Params: user id and vehicle id.
// Returns: number of removed rows.
func (s *MemoryStore) DeleteByUserVehicle(_ context.Context, userID, vehicleID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, buffer := range s.buffers {
		if buffer.Key.UserID == userID && buffer.Key.VehicleID == vehicleID {
			delete(s.buffers, token)
			removed++
		}
	}
	return removed, nil
}

// GetHistory returns one delivery history row.
// Params: correlation id.
// Returns: stored history or ErrNotFound.
func (s *MemoryStore) GetHistory(_ context.Context, id string) (domain.AlertsHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history, ok := s.history[id]
	if !ok {
		return domain.AlertsHistory{}, ErrNotFound
	}
	return history, nil
}

// SaveHistory creates or replaces one history row.
// Params: history payload.
// Returns: nil (in-memory update).
func (s *MemoryStore) SaveHistory(_ context.Context, history domain.AlertsHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[history.ID] = history
	return nil
}

// GetRetryRecord returns one retry budget row.
// Params: fault code and correlation key.
// Returns: stored record or ErrNotFound.
func (s *MemoryStore) GetRetryRecord(_ context.Context, faultCode, correlationKey string) (domain.RetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.retryRec[retryRecordKey(faultCode, correlationKey)]
	if !ok {
		return domain.RetryRecord{}, ErrNotFound
	}
	return record, nil
}

// PutRetryRecord creates or replaces one retry budget row.
// Params: correlation key and record payload.
// Returns: nil (in-memory update).
func (s *MemoryStore) PutRetryRecord(_ context.Context, correlationKey string, record domain.RetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryRec[retryRecordKey(record.FaultCode, correlationKey)] = record
	return nil
}

// DeleteRetryRecord removes one retry budget row.
// Params: fault code and correlation key.
// Returns: nil even when absent (idempotent delete).
func (s *MemoryStore) DeleteRetryRecord(_ context.Context, faultCode, correlationKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retryRec, retryRecordKey(faultCode, correlationKey))
	return nil
}

// Close releases store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
