package state

import (
	"context"
	"errors"

	"dispatch/internal/domain"
	"dispatch/internal/faults"
)

var (
	// ErrNotFound indicates an absent key/row.
	ErrNotFound = errors.New("not found")
)

// faultsNotInitialized reports use of a store facet before setup.
// Params: none.
// Returns: fatal not-initialized error.
func faultsNotInitialized() error {
	return faults.ErrStoreNotInitialized
}

// KeyStore is the durable dedup key store.
// Params: key CRUD used by the deduplicator and its async restore.
// Returns: backend persistence behavior.
type KeyStore interface {
	PutKey(ctx context.Context, key string) error
	KeyExists(ctx context.Context, key string) (bool, error)
	AllKeys(ctx context.Context) ([]string, error)
	Close() error
}

// BufferStore persists snoozed-notification buffers.
// Params: primary lookup by composite key plus scheduler-id and user/vehicle scans.
// Returns: backend persistence behavior.
type BufferStore interface {
	GetBuffer(ctx context.Context, key domain.BufferKey) (domain.NotificationBuffer, error)
	FindBySchedulerID(ctx context.Context, schedulerID string) (domain.NotificationBuffer, error)
	FindByUserVehicle(ctx context.Context, userID, vehicleID string) ([]domain.NotificationBuffer, error)
	SaveBuffer(ctx context.Context, buffer domain.NotificationBuffer) error
	DeleteBuffer(ctx context.Context, key domain.BufferKey) error
	DeleteByUserVehicle(ctx context.Context, userID, vehicleID string) (int, error)
}

// HistoryStore persists per-attempt delivery history.
// Params: lookup by correlation id and save/update.
// Returns: backend persistence behavior.
type HistoryStore interface {
	GetHistory(ctx context.Context, id string) (domain.AlertsHistory, error)
	SaveHistory(ctx context.Context, history domain.AlertsHistory) error
}

// RetryStore persists per-fault retry budget records.
// Params: record CRUD keyed by (fault code, correlation key).
// Returns: backend persistence behavior.
type RetryStore interface {
	GetRetryRecord(ctx context.Context, faultCode, correlationKey string) (domain.RetryRecord, error)
	PutRetryRecord(ctx context.Context, correlationKey string, record domain.RetryRecord) error
	DeleteRetryRecord(ctx context.Context, faultCode, correlationKey string) error
}

// Store aggregates all durable store facets behind one backend.
// Params: key, buffer, history, and retry persistence.
// Returns: backend store implementation.
type Store interface {
	KeyStore
	BufferStore
	HistoryStore
	RetryStore
}

// retryRecordKey builds the composite retry row key.
// Params: fault code and correlation key.
// Returns: stable store key token.
func retryRecordKey(faultCode, correlationKey string) string {
	return faultCode + "." + correlationKey
}
