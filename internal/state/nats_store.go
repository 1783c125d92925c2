package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dispatch/internal/config"
	"dispatch/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSStore persists dispatcher state in JetStream KV buckets.
// Params: NATS connection, JetStream context, and per-facet KV handles.
// Returns: KV-backed store implementation.
type NATSStore struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	keyKV    nats.KeyValue
	bufferKV nats.KeyValue
	histKV   nats.KeyValue
	retryKV  nats.KeyValue
}

// NewNATSStore opens (or creates) the KV buckets and returns the NATS backend.
// Params: NATS settings from config.
// Returns: initialized store or setup error.
func NewNATSStore(settings config.NATSConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	store := &NATSStore{nc: nc, js: js}
	buckets := []struct {
		name string
		dst  *nats.KeyValue
	}{
		{settings.KeyBucket, &store.keyKV},
		{settings.BufferBucket, &store.bufferKV},
		{settings.HistoryBucket, &store.histKV},
		{settings.RetryBucket, &store.retryKV},
	}
	for _, bucket := range buckets {
		kv, err := openBucket(js, bucket.name, settings.AllowCreateBuckets)
		if err != nil {
			nc.Close()
			return nil, err
		}
		*bucket.dst = kv
	}
	return store, nil
}

// openBucket opens one KV bucket, creating it when allowed.
// Params: JetStream context, bucket name, and create permission.
// Returns: KV handle or setup error.
func openBucket(js nats.JetStreamContext, name string, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", name, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: name})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", name, err)
	}
	return kv, nil
}

// sanitizeKey converts arbitrary tokens into KV-safe keys.
// Params: raw key value.
// Returns: key with unsupported chars replaced by underscore.
func sanitizeKey(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.', r == '/', r == '=':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// PutKey records one dedup key.
// Params: dedup key token.
// Returns: KV put error.
func (s *NATSStore) PutKey(_ context.Context, key string) error {
	if s == nil || s.keyKV == nil {
		return faultsNotInitialized()
	}
	if _, err := s.keyKV.Put(sanitizeKey(key), []byte{'1'}); err != nil {
		return fmt.Errorf("put dedup key: %w", err)
	}
	return nil
}

// KeyExists reports whether a dedup key is recorded.
// Params: dedup key token.
// Returns: true when present.
func (s *NATSStore) KeyExists(_ context.Context, key string) (bool, error) {
	if s == nil || s.keyKV == nil {
		return false, faultsNotInitialized()
	}
	if _, err := s.keyKV.Get(sanitizeKey(key)); err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get dedup key: %w", err)
	}
	return true, nil
}

// AllKeys lists every recorded dedup key.
// Params: none.
// Returns: unordered key slice (empty bucket yields empty slice).
func (s *NATSStore) AllKeys(_ context.Context) ([]string, error) {
	if s == nil || s.keyKV == nil {
		return nil, faultsNotInitialized()
	}
	keys, err := s.keyKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list dedup keys: %w", err)
	}
	return keys, nil
}

// GetBuffer returns the buffer for one composite key.
// Params: buffer key.
// Returns: stored buffer or ErrNotFound.
func (s *NATSStore) GetBuffer(_ context.Context, key domain.BufferKey) (domain.NotificationBuffer, error) {
	entry, err := s.bufferKV.Get(sanitizeKey(key.String()))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.NotificationBuffer{}, ErrNotFound
		}
		return domain.NotificationBuffer{}, fmt.Errorf("get buffer: %w", err)
	}
	return domain.DecodeBuffer(entry.Value())
}

// FindBySchedulerID scans buffers for one scheduler correlation handle.
// Params: scheduler id.
// Returns: matching buffer or ErrNotFound.
func (s *NATSStore) FindBySchedulerID(ctx context.Context, schedulerID string) (domain.NotificationBuffer, error) {
	if schedulerID == "" {
		return domain.NotificationBuffer{}, ErrNotFound
	}
	buffers, err := s.scanBuffers(ctx, func(buffer domain.NotificationBuffer) bool {
		return buffer.SchedulerID == schedulerID
	})
	if err != nil {
		return domain.NotificationBuffer{}, err
	}
	if len(buffers) == 0 {
		return domain.NotificationBuffer{}, ErrNotFound
	}
	return buffers[0], nil
}

// FindByUserVehicle lists buffers for one (user, vehicle) pair.
// Params: user id and vehicle id.
// Returns: matching buffers (possibly empty).
func (s *NATSStore) FindByUserVehicle(ctx context.Context, userID, vehicleID string) ([]domain.NotificationBuffer, error) {
	return s.scanBuffers(ctx, func(buffer domain.NotificationBuffer) bool {
		return buffer.Key.UserID == userID && buffer.Key.VehicleID == vehicleID
	})
}

// scanBuffers decodes every buffer row and keeps matches.
// Params: match predicate.
// Returns: matching buffers or scan error.
func (s *NATSStore) scanBuffers(_ context.Context, match func(domain.NotificationBuffer) bool) ([]domain.NotificationBuffer, error) {
	keys, err := s.bufferKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list buffers: %w", err)
	}
	var out []domain.NotificationBuffer
	for _, key := range keys {
		entry, err := s.bufferKV.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get buffer %q: %w", key, err)
		}
		buffer, err := domain.DecodeBuffer(entry.Value())
		if err != nil {
			return nil, err
		}
		if match(buffer) {
			out = append(out, buffer)
		}
	}
	return out, nil
}

// SaveBuffer creates or replaces one buffer row.
// Params: buffer payload with valid key.
// Returns: validation or KV put error.
func (s *NATSStore) SaveBuffer(_ context.Context, buffer domain.NotificationBuffer) error {
	if err := buffer.Key.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(buffer)
	if err != nil {
		return fmt.Errorf("encode buffer: %w", err)
	}
	if _, err := s.bufferKV.Put(sanitizeKey(buffer.Key.String()), body); err != nil {
		return fmt.Errorf("put buffer: %w", err)
	}
	return nil
}

// DeleteBuffer removes one buffer row.
// Params: buffer key.
// Returns: KV delete error (absent key is not an error).
func (s *NATSStore) DeleteBuffer(_ context.Context, key domain.BufferKey) error {
	if err := s.bufferKV.Delete(sanitizeKey(key.String())); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete buffer: %w", err)
	}
	return nil
}

// DeleteByUserVehicle removes all buffers for one (user, vehicle) pair.
// Params: user id and vehicle id.
// Returns: number of removed rows.
func (s *NATSStore) DeleteByUserVehicle(ctx context.Context, userID, vehicleID string) (int, error) {
	buffers, err := s.FindByUserVehicle(ctx, userID, vehicleID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, buffer := range buffers {
		if err := s.DeleteBuffer(ctx, buffer.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// GetHistory returns one delivery history row.
// Params: correlation id.
// Returns: stored history or ErrNotFound.
func (s *NATSStore) GetHistory(_ context.Context, id string) (domain.AlertsHistory, error) {
	entry, err := s.histKV.Get(sanitizeKey(id))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.AlertsHistory{}, ErrNotFound
		}
		return domain.AlertsHistory{}, fmt.Errorf("get history: %w", err)
	}
	return domain.DecodeHistory(entry.Value())
}

// SaveHistory creates or replaces one history row.
// Params: history payload.
// Returns: encode or KV put error.
func (s *NATSStore) SaveHistory(_ context.Context, history domain.AlertsHistory) error {
	body, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if _, err := s.histKV.Put(sanitizeKey(history.ID), body); err != nil {
		return fmt.Errorf("put history: %w", err)
	}
	return nil
}

// GetRetryRecord returns one retry budget row.
// Params: fault code and correlation key.
// Returns: stored record or ErrNotFound.
func (s *NATSStore) GetRetryRecord(_ context.Context, faultCode, correlationKey string) (domain.RetryRecord, error) {
	entry, err := s.retryKV.Get(sanitizeKey(retryRecordKey(faultCode, correlationKey)))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.RetryRecord{}, ErrNotFound
		}
		return domain.RetryRecord{}, fmt.Errorf("get retry record: %w", err)
	}
	var record domain.RetryRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return domain.RetryRecord{}, fmt.Errorf("decode retry record: %w", err)
	}
	return record, nil
}

// PutRetryRecord creates or replaces one retry budget row.
// Params: correlation key and record payload.
// Returns: encode or KV put error.
func (s *NATSStore) PutRetryRecord(_ context.Context, correlationKey string, record domain.RetryRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode retry record: %w", err)
	}
	if _, err := s.retryKV.Put(sanitizeKey(retryRecordKey(record.FaultCode, correlationKey)), body); err != nil {
		return fmt.Errorf("put retry record: %w", err)
	}
	return nil
}

// DeleteRetryRecord removes one retry budget row.
// Params: fault code and correlation key.
// Returns: KV delete error (absent key is not an error).
func (s *NATSStore) DeleteRetryRecord(_ context.Context, faultCode, correlationKey string) error {
	key := sanitizeKey(retryRecordKey(faultCode, correlationKey))
	if err := s.retryKV.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete retry record: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	if s != nil && s.nc != nil {
		s.nc.Close()
	}
	return nil
}
