package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dispatch/internal/clock"
	"dispatch/internal/domain"
	"dispatch/internal/state"
)

// Forwarder republishes an original event onto its original topic.
// Params: context, destination topic, and raw payload.
// Returns: publish error.
type Forwarder interface {
	Forward(ctx context.Context, topic string, payload []byte) error
}

// WrapperProducer publishes retry wrappers onto the retry topic.
// Params: context and wrapper payload.
// Returns: publish error.
type WrapperProducer interface {
	Publish(ctx context.Context, event domain.RetryEvent) error
}

// Escalator wraps a failed delivery into a retry event carrying its budget.
// Params: budget cache, wrapper producer, and clock.
// Returns: failure escalation entry point for the pipeline.
type Escalator struct {
	cache    *CacheClient
	producer WrapperProducer
	clock    clock.Clock
	logger   *slog.Logger
}

// NewEscalator creates the escalator.
// Params: cache client, wrapper producer, clock, and logger.
// Returns: initialized escalator.
func NewEscalator(cache *CacheClient, producer WrapperProducer, clk clock.Clock, logger *slog.Logger) *Escalator {
	return &Escalator{cache: cache, producer: producer, clock: clk, logger: logger}
}

// Escalate publishes one retry wrapper for a transient failure.
// Params: original topic/payload, fault classification, correlation key, and history id.
// Returns: ok=false when no policy covers the fault (caller treats the failure
// as permanent), or the publish error.
func (e *Escalator) Escalate(ctx context.Context, originalTopic string, original []byte, faultCode, correlationKey, historyID string) (bool, error) {
	record, covered, err := e.cache.RetryRecordForFault(ctx, faultCode, correlationKey)
	if err != nil {
		return false, err
	}
	if !covered {
		return false, nil
	}
	event := domain.RetryEvent{
		OriginalTopic:  originalTopic,
		OriginalEvent:  original,
		FaultCode:      faultCode,
		CorrelationKey: correlationKey,
		HistoryID:      historyID,
		Record:         record,
		WrappedAt:      e.clock.Now(),
	}
	if err := e.producer.Publish(ctx, event); err != nil {
		return false, fmt.Errorf("publish retry wrapper: %w", err)
	}
	return true, nil
}

// Processor consumes retry wrappers and enforces the attempt budget.
// Params: budget cache, history store, forwarder, and delegate for foreign payloads.
// Returns: retry-topic message handler.
type Processor struct {
	cache     *CacheClient
	history   state.HistoryStore
	forwarder Forwarder
	clock     clock.Clock
	logger    *slog.Logger
	delegate  func(ctx context.Context, raw []byte) error
}

// NewProcessor creates the retry processor.
// Params: cache, history store, forwarder, clock, logger, and optional delegate
// for non-wrapper events sharing the topic.
// Returns: initialized processor.
func NewProcessor(cache *CacheClient, history state.HistoryStore, forwarder Forwarder, clk clock.Clock, logger *slog.Logger, delegate func(ctx context.Context, raw []byte) error) *Processor {
	return &Processor{
		cache:     cache,
		history:   history,
		forwarder: forwarder,
		clock:     clk,
		logger:    logger,
		delegate:  delegate,
	}
}

// ProcessRaw decodes one retry-topic message and dispatches it.
// Params: context and raw message payload.
// Returns: processing error; foreign payloads go to the delegate untouched.
func (p *Processor) ProcessRaw(ctx context.Context, raw []byte) error {
	event, err := domain.DecodeRetryEvent(raw)
	if err != nil {
		if p.delegate != nil {
			return p.delegate(ctx, raw)
		}
		return err
	}
	return p.Process(ctx, event)
}

// Process applies the retry budget to one wrapper event.
// Params: context and decoded wrapper.
// Returns: store/forward error.
//
// Below budget: the original, unwrapped event is re-forwarded to its original
// topic, the attempt is recorded in history, and the counter increments.
// Exhausted: the cached record is deleted and history is marked FAILED.
// Faults with no configured policy pass through with no bookkeeping.
func (p *Processor) Process(ctx context.Context, event domain.RetryEvent) error {
	record, covered, err := p.cache.RetryRecordForFault(ctx, event.FaultCode, event.CorrelationKey)
	if err != nil {
		return err
	}
	if !covered {
		if p.logger != nil {
			p.logger.Debug("no retry policy for fault, passing through", "fault_code", event.FaultCode)
		}
		return nil
	}

	attempts := event.Record.Attempts
	if attempts < record.MaxAttempts {
		if err := p.forwarder.Forward(ctx, event.OriginalTopic, event.OriginalEvent); err != nil {
			return fmt.Errorf("re-forward to %q: %w", event.OriginalTopic, err)
		}
		record.Attempts = attempts + 1
		if err := p.cache.SaveRecord(ctx, event.CorrelationKey, record); err != nil {
			return err
		}
		p.appendHistory(ctx, event.HistoryID, domain.StatusRetrying,
			fmt.Sprintf("retry %d/%d for %s", record.Attempts, record.MaxAttempts, event.FaultCode))
		return nil
	}

	if err := p.cache.DeleteRecord(ctx, event.FaultCode, event.CorrelationKey); err != nil {
		return err
	}
	p.appendHistory(ctx, event.HistoryID, domain.StatusFailed,
		fmt.Sprintf("retry budget exhausted for %s after %d attempts", event.FaultCode, attempts))
	if p.logger != nil {
		p.logger.Error("retry budget exhausted",
			"fault_code", event.FaultCode,
			"correlation_key", event.CorrelationKey,
			"attempts", attempts)
	}
	return nil
}

// appendHistory appends one status transition, tolerating missing rows.
// Params: history id, status, and detail.
// Returns: none; failures are logged only.
func (p *Processor) appendHistory(ctx context.Context, historyID string, status domain.DeliveryStatus, detail string) {
	if historyID == "" {
		return
	}
	history, err := p.history.GetHistory(ctx, historyID)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) && p.logger != nil {
			p.logger.Warn("history lookup failed", "history_id", historyID, "error", err.Error())
		}
		history = domain.AlertsHistory{ID: historyID}
	}
	history.Append(status, detail, p.clock.Now())
	if err := p.history.SaveHistory(ctx, history); err != nil && p.logger != nil {
		p.logger.Warn("history save failed", "history_id", historyID, "error", err.Error())
	}
}
