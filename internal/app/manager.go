package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"dispatch/internal/clock"
	"dispatch/internal/dedup"
	"dispatch/internal/domain"
	"dispatch/internal/faults"
	"dispatch/internal/notify"
	"dispatch/internal/retry"
	"dispatch/internal/schedule"
	"dispatch/internal/state"

	"github.com/google/uuid"
)

// Control event types carried on the notification input topic next to alerts.
const (
	// EventTypeSuppressionUpdate re-arms existing snoozes after a preference change.
	EventTypeSuppressionUpdate domain.EventType = "suppression_update"
	// EventTypeSuppressionCancel disassociates every snooze for a (user, vehicle).
	EventTypeSuppressionCancel domain.EventType = "suppression_cancel"
)

// Manager runs the dispatch pipeline: dedup, suppression check, channel
// delivery or snooze, and retry escalation on transient failures.
// Params: deduplicator, schedule assistant, notifier registry, escalator, and stores.
// Returns: handlers for the input topic and the HTTP ingest sink.
type Manager struct {
	dedup      *dedup.Deduplicator
	assistant  *schedule.Assistant
	registry   *notify.Registry
	escalator  *retry.Escalator
	buffers    state.BufferStore
	history    state.HistoryStore
	clock      clock.Clock
	logger     *slog.Logger
	inputTopic string
}

// NewManager creates the pipeline manager.
// Params: all pipeline collaborators plus the input topic name used as the
// original topic on retry wrappers.
// Returns: initialized manager.
func NewManager(
	deduplicator *dedup.Deduplicator,
	assistant *schedule.Assistant,
	registry *notify.Registry,
	escalator *retry.Escalator,
	buffers state.BufferStore,
	history state.HistoryStore,
	clk clock.Clock,
	logger *slog.Logger,
	inputTopic string,
) *Manager {
	return &Manager{
		dedup:      deduplicator,
		assistant:  assistant,
		registry:   registry,
		escalator:  escalator,
		buffers:    buffers,
		history:    history,
		clock:      clk,
		logger:     logger,
		inputTopic: inputTopic,
	}
}

// HandleRaw processes one raw input-topic message.
// Params: context and raw payload (single alert or alert batch).
// Returns: permanent error for malformed payloads (dropped by the consumer),
// processing error otherwise.
func (m *Manager) HandleRaw(ctx context.Context, raw []byte) error {
	if alert, err := domain.DecodeAlert(raw); err == nil {
		return m.ProcessBatch(ctx, []domain.Alert{alert})
	}
	alerts, err := domain.DecodeAlertBatch(raw)
	if err != nil {
		return faults.Permanent(fmt.Errorf("input payload: %w", err))
	}
	return m.ProcessBatch(ctx, alerts)
}

// Push processes one alert from the HTTP ingest sink.
// Params: validated alert.
// Returns: processing error.
func (m *Manager) Push(alert domain.Alert) error {
	return m.ProcessBatch(context.Background(), []domain.Alert{alert})
}

// ProcessBatch runs the full pipeline for one alert batch.
// Params: context and validated alerts.
// Returns: first control-event error; per-alert delivery failures are
// escalated to the retry topic instead of failing the batch.
//
// Redelivered alerts (retry re-forwards, fired snoozes) skip the dedup
// filter: their key was already recorded on the first pass.
func (m *Manager) ProcessBatch(ctx context.Context, alerts []domain.Alert) error {
	work := make([]domain.Alert, 0, len(alerts))
	redelivered := make([]domain.Alert, 0)
	for _, alert := range alerts {
		switch alert.EventType {
		case EventTypeSuppressionUpdate:
			if err := m.applySuppressionUpdate(ctx, alert); err != nil {
				return err
			}
		case EventTypeSuppressionCancel:
			cancelled, err := m.assistant.DeleteScheduledNotifications(ctx, alert.UserID, alert.EffectiveVehicleID())
			if err != nil {
				return err
			}
			m.logger.Info("snoozes cancelled", "user_id", alert.UserID, "vehicle_id", alert.EffectiveVehicleID(), "count", cancelled)
		default:
			if alert.Redelivered {
				redelivered = append(redelivered, alert)
				continue
			}
			work = append(work, alert)
		}
	}

	for _, alert := range redelivered {
		m.processAlert(ctx, alert)
	}
	kept := m.dedup.FilterDuplicateAlerts(ctx, work)
	for _, alert := range kept {
		m.processAlert(ctx, alert)
	}
	return nil
}

// processAlert dispatches one deduplicated alert across its channels.
// Params: context and alert.
// Returns: none; outcomes land in history, logs, or the retry topic.
func (m *Manager) processAlert(ctx context.Context, alert domain.Alert) {
	if alert.MuteVehicle {
		m.logger.Info("vehicle muted, dropping alert",
			"event_type", alert.EventType,
			"vehicle_id", alert.EffectiveVehicleID())
		return
	}
	for _, channel := range alert.Configs {
		if !channel.Enabled {
			continue
		}
		if window := m.assistant.EnforceSuppression(channel.Suppressions, alert.Timezone); window != nil {
			if err := m.assistant.SnoozeAlert(ctx, alert, channel, window); err != nil {
				m.logger.Error("snooze failed",
					"channel", channel.ChannelType,
					"user_id", alert.UserID,
					"error", err.Error())
			}
			continue
		}
		m.dispatch(ctx, alert, channel)
	}
}

// dispatch publishes one alert to one channel and escalates failures.
// Params: context, alert, and channel config.
// Returns: none; transient failures become retry wrappers, permanent ones a
// FAILED history status.
func (m *Manager) dispatch(ctx context.Context, alert domain.Alert, channel domain.NotificationConfig) {
	now := m.clock.Now()
	historyID := uuid.NewString()
	history := m.newHistory(historyID, alert, channel)
	history.Append(domain.StatusReady, "dispatching", now)

	notifier, err := m.resolveNotifier(channel)
	if err != nil {
		m.logger.Warn("channel unsupported, skipping",
			"channel", channel.ChannelType,
			"error", err.Error())
		return
	}

	result, err := notifier.Publish(ctx, alert, channel)
	if err == nil {
		history.Append(domain.StatusDone, "delivered via "+result.Provider, m.clock.Now())
		m.saveHistory(ctx, history)
		return
	}

	m.saveHistory(ctx, history)
	if faults.IsPermanent(err) {
		m.failHistory(ctx, historyID, "permanent delivery failure: "+err.Error())
		return
	}

	code, classified := faults.FaultCode(err)
	if !classified {
		code = faults.CodeTransportUnavailable
	}
	// The wrapped original is marked so the re-forward skips the dedup filter.
	retryAlert := alert
	retryAlert.Redelivered = true
	raw, encErr := json.Marshal(retryAlert)
	if encErr != nil {
		m.logger.Error("alert encode for retry failed", "error", encErr.Error())
		m.failHistory(ctx, historyID, "unretryable: "+err.Error())
		return
	}
	correlationKey := alert.UserID + "." + alert.EffectiveVehicleID() + "." + channel.ChannelType
	covered, escErr := m.escalator.Escalate(ctx, m.inputTopic, raw, code, correlationKey, historyID)
	if escErr != nil {
		m.logger.Error("retry escalation failed", "fault_code", code, "error", escErr.Error())
		return
	}
	if !covered {
		m.failHistory(ctx, historyID, fmt.Sprintf("no retry policy for %s: %s", code, err.Error()))
		return
	}
	m.logger.Warn("delivery failed, retry scheduled",
		"channel", channel.ChannelType,
		"fault_code", code,
		"error", err.Error())
}

// resolveNotifier picks the provider for one channel config.
// Params: channel config.
// Returns: override-aware provider or error when the type is unsupported.
func (m *Manager) resolveNotifier(channel domain.NotificationConfig) (notify.Notifier, error) {
	if channel.NotificationID != "" || channel.Region != "" {
		return m.registry.NotifierOverride(channel.ChannelType, channel.NotificationID, channel.Region)
	}
	notifier := m.registry.Notifier(channel.ChannelType)
	if notifier == nil {
		return nil, fmt.Errorf("channel type %q is not supported", channel.ChannelType)
	}
	return notifier, nil
}

// applySuppressionUpdate re-arms or cancels snoozes after a preference change.
// Params: context and control event carrying the new channel configs.
// Returns: store or publish error.
func (m *Manager) applySuppressionUpdate(ctx context.Context, event domain.Alert) error {
	buffers, err := m.buffers.FindByUserVehicle(ctx, event.UserID, event.EffectiveVehicleID())
	if err != nil {
		return fmt.Errorf("find buffers for suppression update: %w", err)
	}
	for _, buffer := range buffers {
		channel, ok := channelFor(event.Configs, buffer.Key.ChannelType)
		if !ok {
			continue
		}
		window := m.assistant.EnforceSuppression(channel.Suppressions, event.Timezone)
		if window == nil {
			// Window no longer active: cancel this channel's snooze only,
			// other buffers for the pair keep their schedules.
			if err := m.assistant.CancelSchedule(ctx, buffer); err != nil {
				return err
			}
			continue
		}
		if err := m.assistant.UpdateSchedule(ctx, buffer, *window, event.Timezone); err != nil {
			return err
		}
	}
	return nil
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

// newHistory builds one per-attempt history row.
// Params: correlation id, alert, and channel.
// Returns: history row with the alert snapshot embedded.
func (m *Manager) newHistory(id string, alert domain.Alert, channel domain.NotificationConfig) domain.AlertsHistory {
	raw, err := json.Marshal(alert)
	if err != nil {
		m.logger.Warn("history payload encode failed", "history_id", id, "error", err.Error())
	}
	return domain.AlertsHistory{
		ID:          id,
		UserID:      alert.UserID,
		VehicleID:   alert.EffectiveVehicleID(),
		ChannelType: channel.ChannelType,
		Payload:     raw,
	}
}

// saveHistory persists one history row, logging failures.
// Params: context and history row.
// Returns: none.
func (m *Manager) saveHistory(ctx context.Context, history domain.AlertsHistory) {
	if err := m.history.SaveHistory(ctx, history); err != nil {
		m.logger.Warn("history save failed", "history_id", history.ID, "error", err.Error())
	}
}

// failHistory appends a terminal FAILED status to one row.
// Params: context, history id, and failure detail.
// Returns: none.
func (m *Manager) failHistory(ctx context.Context, historyID, detail string) {
	history, err := m.history.GetHistory(ctx, historyID)
	if err != nil {
		history = domain.AlertsHistory{ID: historyID}
	}
	history.Append(domain.StatusFailed, detail, m.clock.Now())
	m.saveHistory(ctx, history)
}
