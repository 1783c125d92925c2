// Package retry implements the externalized per-fault retry budget: failures
// are wrapped onto a retry topic and re-traverse the pipeline until the
// persisted attempt counter reaches the policy ceiling.
package retry

import (
	"context"
	"errors"
	"fmt"

	"dispatch/internal/config"
	"dispatch/internal/domain"
	"dispatch/internal/state"
)

// CacheClient resolves retry budgets from policy config and the durable store.
// Params: per-fault policy index and retry record store.
// Returns: budget lookup/update/delete operations.
type CacheClient struct {
	policies map[string]config.RetryPolicyEntry
	store    state.RetryStore
}

// NewCacheClient builds the client from configured policy entries.
// Params: retry config and durable record store.
// Returns: initialized client.
func NewCacheClient(cfg config.RetryConfig, store state.RetryStore) *CacheClient {
	policies := make(map[string]config.RetryPolicyEntry, len(cfg.Policy))
	for _, entry := range cfg.Policy {
		policies[entry.FaultCode] = entry
	}
	return &CacheClient{policies: policies, store: store}
}

// RetryRecordForFault resolves the current budget for one failure.
// Params: fault code and correlation key.
// Returns: stored record, or a fresh one from policy when no row exists;
// ok=false when no policy covers the fault code.
func (c *CacheClient) RetryRecordForFault(ctx context.Context, faultCode, correlationKey string) (domain.RetryRecord, bool, error) {
	policy, covered := c.policies[faultCode]
	if !covered {
		return domain.RetryRecord{}, false, nil
	}
	record, err := c.store.GetRetryRecord(ctx, faultCode, correlationKey)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return domain.RetryRecord{
				FaultCode:   faultCode,
				MaxAttempts: policy.MaxAttempts,
				DelayMS:     policy.DelayMS,
			}, true, nil
		}
		return domain.RetryRecord{}, false, fmt.Errorf("lookup retry record: %w", err)
	}
	// Policy config wins over a stale stored ceiling.
	record.MaxAttempts = policy.MaxAttempts
	record.DelayMS = policy.DelayMS
	return record, true, nil
}

// SaveRecord persists one updated budget row.
// Params: correlation key and record payload.
// Returns: store error.
func (c *CacheClient) SaveRecord(ctx context.Context, correlationKey string, record domain.RetryRecord) error {
	return c.store.PutRetryRecord(ctx, correlationKey, record)
}

// DeleteRecord clears the budget row after exhaustion (policy reset).
// Params: fault code and correlation key.
// Returns: store error.
func (c *CacheClient) DeleteRecord(ctx context.Context, faultCode, correlationKey string) error {
	return c.store.DeleteRetryRecord(ctx, faultCode, correlationKey)
}
