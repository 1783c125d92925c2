// Package scheduler closes the loop with the external scheduler: it consumes
// fire and acknowledgement callbacks and correlates them back to the buffers
// and history rows that requested them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dispatch/internal/clock"
	"dispatch/internal/domain"
	"dispatch/internal/faults"
	"dispatch/internal/schedule"
	"dispatch/internal/state"
)

// Reinjector forwards a reconstructed alert back into the main processing topic.
// Params: context and alert payload.
// Returns: publish error.
type Reinjector interface {
	Reinject(ctx context.Context, alert domain.Alert) error
}

// Processor handles scheduler-callback events.
// Params: history/buffer stores, schedule assistant, reinjector, and clock.
// Returns: callback-topic message handler.
type Processor struct {
	history   state.HistoryStore
	buffers   state.BufferStore
	assistant *schedule.Assistant
	reinject  Reinjector
	clock     clock.Clock
	logger    *slog.Logger
}

// NewProcessor creates the callback processor.
// Params: stores, assistant, reinjector, clock, and logger.
// Returns: initialized processor.
func NewProcessor(history state.HistoryStore, buffers state.BufferStore, assistant *schedule.Assistant, reinject Reinjector, clk clock.Clock, logger *slog.Logger) *Processor {
	return &Processor{
		history:   history,
		buffers:   buffers,
		assistant: assistant,
		reinject:  reinject,
		clock:     clk,
		logger:    logger,
	}
}

// ProcessRaw decodes one callback message and dispatches it.
// Params: context and raw message payload.
// Returns: decode or processing error.
func (p *Processor) ProcessRaw(ctx context.Context, raw []byte) error {
	event, err := domain.DecodeSchedulerEvent(raw)
	if err != nil {
		return err
	}
	return p.Process(ctx, event)
}

// Process routes one callback by kind.
// Params: context and decoded callback.
// Returns: processing error.
func (p *Processor) Process(ctx context.Context, event domain.SchedulerEvent) error {
	switch event.Kind {
	case domain.SchedulerEventFire:
		return p.handleFire(ctx, event)
	case domain.SchedulerEventAck:
		return p.handleAck(ctx, event)
	default:
		return fmt.Errorf("unsupported scheduler event kind %q", event.Kind)
	}
}

// handleFire redelivers the buffered notifications for a fired schedule.
// Params: context and fire callback carrying the request id.
// Returns: correlation-miss error when no history row exists; reinject error.
//
// Every alert accumulated in the buffer is reinjected as one self-contained
// redelivery; the history snapshot is the fallback when the buffer is gone.
func (p *Processor) handleFire(ctx context.Context, event domain.SchedulerEvent) error {
	history, err := p.history.GetHistory(ctx, event.RequestID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("%w: request %s", faults.ErrCorrelationMiss, event.RequestID)
		}
		return fmt.Errorf("history lookup for %s: %w", event.RequestID, err)
	}

	alert, err := domain.DecodeAlert(history.Payload)
	if err != nil {
		return fmt.Errorf("reconstruct alert for %s: %w", event.RequestID, err)
	}
	// The vehicle id travels with the stored snapshot, not the live profile.
	alert.VehicleID = history.VehicleID

	buffer, found := p.firedBuffer(ctx, event, history, alert)
	redelivered := 0
	if found {
		for _, info := range buffer.Alerts {
			out := info.Alert
			out.VehicleID = history.VehicleID
			out.Configs = []domain.NotificationConfig{info.Config}
			out.Redelivered = true
			if err := p.reinject.Reinject(ctx, out); err != nil {
				return fmt.Errorf("reinject buffered alert for %s: %w", event.RequestID, err)
			}
			redelivered++
		}
	}
	if redelivered == 0 {
		out := alert
		out.Redelivered = true
		if channel, ok := channelFor(alert.Configs, history.ChannelType); ok {
			out.Configs = []domain.NotificationConfig{channel}
		}
		if err := p.reinject.Reinject(ctx, out); err != nil {
			return fmt.Errorf("reinject fired alert %s: %w", event.RequestID, err)
		}
		redelivered = 1
	}

	history.Append(domain.StatusReady, fmt.Sprintf("schedule fired, redelivering %d alerts", redelivered), p.clock.Now())
	if err := p.history.SaveHistory(ctx, history); err != nil && p.logger != nil {
		p.logger.Warn("history save failed", "request_id", event.RequestID, "error", err.Error())
	}

	if found {
		if err := p.assistant.ReleaseBuffer(ctx, buffer.Key); err != nil && p.logger != nil {
			p.logger.Warn("buffer release failed", "key", buffer.Key.String(), "error", err.Error())
		}
	}
	return nil
}

// firedBuffer locates the buffer owning a fired schedule.
// Params: fire callback, correlated history, and reconstructed alert.
// Returns: buffer and presence flag; misses are expected for non-recurring one-shots.
func (p *Processor) firedBuffer(ctx context.Context, event domain.SchedulerEvent, history domain.AlertsHistory, alert domain.Alert) (domain.NotificationBuffer, bool) {
	if event.SchedulerID != "" {
		buffer, err := p.buffers.FindBySchedulerID(ctx, event.SchedulerID)
		if err == nil {
			return buffer, true
		}
		if !errors.Is(err, state.ErrNotFound) {
			if p.logger != nil {
				p.logger.Warn("buffer lookup failed", "scheduler_id", event.SchedulerID, "error", err.Error())
			}
			return domain.NotificationBuffer{}, false
		}
	}
	for _, channel := range alert.Configs {
		if channel.ChannelType != history.ChannelType {
			continue
		}
		key := domain.BufferKey{
			UserID:      history.UserID,
			VehicleID:   history.VehicleID,
			ChannelType: channel.ChannelType,
			Group:       channel.Group,
			ContactID:   channel.ContactID,
		}
		buffer, err := p.buffers.GetBuffer(ctx, key)
		if err == nil {
			return buffer, true
		}
		if !errors.Is(err, state.ErrNotFound) && p.logger != nil {
			p.logger.Warn("buffer lookup failed", "key", key.String(), "error", err.Error())
		}
		return domain.NotificationBuffer{}, false
	}
	return domain.NotificationBuffer{}, false
}

// channelFor finds the config matching one channel type.
// Params: config list and channel type.
// Returns: matching config and presence flag.
func channelFor(configs []domain.NotificationConfig, channelType string) (domain.NotificationConfig, bool) {
	for _, cfg := range configs {
		if cfg.ChannelType == channelType {
			return cfg, true
		}
	}
	return domain.NotificationConfig{}, false
}

// handleAck applies create/delete acknowledgement bookkeeping.
// Params: context and ack callback.
// Returns: store error; invalid acks are logged and dropped without error.
func (p *Processor) handleAck(ctx context.Context, event domain.SchedulerEvent) error {
	if !event.Valid {
		if p.logger != nil {
			p.logger.Error("invalid scheduler ack dropped",
				"request_id", event.RequestID,
				"error_code", event.ErrorCode)
		}
		return nil
	}

	if IsEndOfSeriesMessage(event) {
		p.cleanupSeries(ctx, event)
		return nil
	}

	if event.Original != nil && event.Original.Op == domain.ScheduleOpCreate && event.SchedulerID != "" {
		if err := p.assistant.ConfirmSchedule(ctx, event.Original.BufferKey, event.SchedulerID); err != nil {
			if errors.Is(err, state.ErrNotFound) {
				if p.logger != nil {
					p.logger.Error("ack for unknown buffer dropped",
						"request_id", event.RequestID,
						"buffer_key", event.Original.BufferKey.String())
				}
				return nil
			}
			return err
		}
	}
	return nil
}

// cleanupSeries removes the buffer behind a terminated recurring schedule.
// Params: context and terminal ack.
// Returns: none; failures are logged only.
func (p *Processor) cleanupSeries(ctx context.Context, event domain.SchedulerEvent) {
	if p.logger != nil {
		p.logger.Info("schedule series ended",
			"request_id", event.RequestID,
			"scheduler_id", event.SchedulerID,
			"error_code", event.ErrorCode)
	}
	if event.Original != nil {
		if err := p.assistant.ReleaseBuffer(ctx, event.Original.BufferKey); err != nil && p.logger != nil {
			p.logger.Warn("series buffer release failed", "buffer_key", event.Original.BufferKey.String(), "error", err.Error())
		}
		return
	}
	if event.SchedulerID == "" {
		return
	}
	buffer, err := p.buffers.FindBySchedulerID(ctx, event.SchedulerID)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) && p.logger != nil {
			p.logger.Warn("series buffer lookup failed", "scheduler_id", event.SchedulerID, "error", err.Error())
		}
		return
	}
	if err := p.assistant.ReleaseBuffer(ctx, buffer.Key); err != nil && p.logger != nil {
		p.logger.Warn("series buffer release failed", "buffer_key", buffer.Key.String(), "error", err.Error())
	}
}

// IsEndOfSeriesMessage reports whether an ack terminates a recurring schedule.
// Params: ack callback.
// Returns: true when the firing count is exhausted or the error code is terminal.
func IsEndOfSeriesMessage(event domain.SchedulerEvent) bool {
	if event.Recurring && event.FiringLimit > 0 && event.FiringCount >= event.FiringLimit {
		return true
	}
	switch event.ErrorCode {
	case domain.SchedulerErrExpired, domain.SchedulerErrNotFound:
		return true
	}
	return false
}
