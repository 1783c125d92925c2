// Package schedule buffers suppressed alerts and exchanges create/update/delete
// commands with the external scheduler.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dispatch/internal/clock"
	"dispatch/internal/config"
	"dispatch/internal/domain"
	"dispatch/internal/state"
	"dispatch/internal/suppress"

	"github.com/google/uuid"
)

// RequestProducer publishes commands onto the scheduler-request topic.
// Params: context and schedule command payload.
// Returns: publish error.
type RequestProducer interface {
	Publish(ctx context.Context, req domain.ScheduleRequest) error
}

// Assistant implements the per-key snooze state machine.
// Params: schedule tuning, buffer/history stores, request producer, and clock.
// Returns: suppression enforcement and snooze lifecycle operations.
type Assistant struct {
	cfg      config.ScheduleConfig
	buffers  state.BufferStore
	history  state.HistoryStore
	producer RequestProducer
	clock    clock.Clock
	logger   *slog.Logger
}

// NewAssistant creates the schedule assistant.
// Params: schedule config, stores, producer, clock, and logger.
// Returns: initialized assistant.
func NewAssistant(cfg config.ScheduleConfig, buffers state.BufferStore, history state.HistoryStore, producer RequestProducer, clk clock.Clock, logger *slog.Logger) *Assistant {
	return &Assistant{
		cfg:      cfg,
		buffers:  buffers,
		history:  history,
		producer: producer,
		clock:    clk,
		logger:   logger,
	}
}

// EnforceSuppression returns the first window active for the user right now.
// Params: window list and user timezone name (may be empty).
// Returns: active window pointer or nil.
func (a *Assistant) EnforceSuppression(configs []domain.SuppressionConfig, userTZ string) *domain.SuppressionConfig {
	loc := suppress.ResolveLocation(userTZ, a.cfg.DefaultTimezone)
	return suppress.Enforce(a.clock.Now(), configs, loc)
}

// QuietDuration computes the snooze delay for an active window, clamped to the
// configured schedule horizon.
// Params: active window and user timezone name.
// Returns: delay including the safety buffer, or calculation error.
func (a *Assistant) QuietDuration(window domain.SuppressionConfig, userTZ string) (time.Duration, error) {
	loc := suppress.ResolveLocation(userTZ, a.cfg.DefaultTimezone)
	duration, err := suppress.QuietDuration(a.clock.Now(), window, loc)
	if err != nil {
		return 0, err
	}
	horizon := time.Duration(a.cfg.MaxScheduleDays) * 24 * time.Hour
	if horizon > 0 && duration > horizon {
		duration = horizon
	}
	return duration, nil
}

// bufferPayload is the opaque reference carried by scheduler commands.
type bufferPayload struct {
	BufferKey string `json:"buffer_key"`
}

// SnoozeAlert parks one suppressed alert behind its buffer key.
// Params: alert, owning channel config, and active window (nil uses the default delay).
// Returns: error when buffering or the scheduler command fails.
//
// First alert for a key creates the buffer and arms the scheduler; later
// alerts only append to the existing buffer with no scheduler round-trip.
func (a *Assistant) SnoozeAlert(ctx context.Context, alert domain.Alert, channel domain.NotificationConfig, window *domain.SuppressionConfig) error {
	now := a.clock.Now()
	key := domain.BufferKey{
		UserID:      alert.UserID,
		VehicleID:   alert.EffectiveVehicleID(),
		ChannelType: channel.ChannelType,
		Group:       channel.Group,
		ContactID:   channel.ContactID,
	}
	if err := key.Validate(); err != nil {
		return err
	}

	info := domain.BufferedAlertInfo{Alert: alert.Clone(), Config: channel.Clone()}

	buffer, err := a.buffers.GetBuffer(ctx, key)
	switch {
	case err == nil:
		buffer.Alerts = append(buffer.Alerts, info)
		buffer.UpdatedAt = now
		if err := a.buffers.SaveBuffer(ctx, buffer); err != nil {
			return fmt.Errorf("append to buffer %q: %w", key.String(), err)
		}
		return nil
	case errors.Is(err, state.ErrNotFound):
	default:
		return fmt.Errorf("lookup buffer %q: %w", key.String(), err)
	}

	delay := time.Duration(a.cfg.DefaultSnoozeSeconds) * time.Second
	if window != nil {
		quiet, err := a.QuietDuration(*window, alert.Timezone)
		if err != nil {
			return fmt.Errorf("quiet duration for %q: %w", key.String(), err)
		}
		delay = quiet
	}

	requestID := uuid.NewString()
	payload, err := json.Marshal(bufferPayload{BufferKey: key.String()})
	if err != nil {
		return fmt.Errorf("encode schedule payload: %w", err)
	}
	request := domain.ScheduleRequest{
		RequestID:    requestID,
		Op:           domain.ScheduleOpCreate,
		BufferKey:    key,
		VehicleID:    key.VehicleID,
		DelaySeconds: int64(delay / time.Second),
		Payload:      payload,
		IssuedAt:     now,
	}
	if err := a.producer.Publish(ctx, request); err != nil {
		return fmt.Errorf("publish create schedule: %w", err)
	}

	buffer = domain.NotificationBuffer{
		Key:       key,
		VehicleID: key.VehicleID,
		Alerts:    []domain.BufferedAlertInfo{info},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.buffers.SaveBuffer(ctx, buffer); err != nil {
		return fmt.Errorf("save buffer %q: %w", key.String(), err)
	}

	a.recordScheduled(ctx, requestID, alert, channel, now)
	return nil
}

// recordScheduled writes the SCHEDULED history row keyed by the request id so
// a later fire callback can reconstruct the delivery.
// Params: correlation id, alert, channel, and transition time.
// Returns: none; persistence failures are logged, not propagated.
func (a *Assistant) recordScheduled(ctx context.Context, requestID string, alert domain.Alert, channel domain.NotificationConfig, now time.Time) {
	raw, err := json.Marshal(alert)
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("history payload encode failed", "request_id", requestID, "error", err.Error())
		}
		return
	}
	history := domain.AlertsHistory{
		ID:          requestID,
		UserID:      alert.UserID,
		VehicleID:   alert.EffectiveVehicleID(),
		ChannelType: channel.ChannelType,
		Payload:     raw,
	}
	history.Append(domain.StatusScheduled, "snoozed behind suppression window", now)
	if err := a.history.SaveHistory(ctx, history); err != nil && a.logger != nil {
		a.logger.Warn("history save failed", "request_id", requestID, "error", err.Error())
	}
}

// UpdateSchedule re-arms the scheduler for an existing buffer.
// Params: existing buffer, still-active window, and user timezone.
// Returns: publish error; no buffer rows are created or duplicated.
func (a *Assistant) UpdateSchedule(ctx context.Context, buffer domain.NotificationBuffer, window domain.SuppressionConfig, userTZ string) error {
	delay, err := a.QuietDuration(window, userTZ)
	if err != nil {
		return fmt.Errorf("quiet duration for %q: %w", buffer.Key.String(), err)
	}
	request := domain.ScheduleRequest{
		RequestID:    uuid.NewString(),
		Op:           domain.ScheduleOpUpdate,
		BufferKey:    buffer.Key,
		SchedulerID:  buffer.SchedulerID,
		VehicleID:    buffer.VehicleID,
		DelaySeconds: int64(delay / time.Second),
		IssuedAt:     a.clock.Now(),
	}
	if err := a.producer.Publish(ctx, request); err != nil {
		return fmt.Errorf("publish update schedule: %w", err)
	}
	return nil
}

// CancelSchedule cancels the snooze behind one buffer.
// Params: buffer owning the schedule to cancel.
// Returns: publish or delete error.
func (a *Assistant) CancelSchedule(ctx context.Context, buffer domain.NotificationBuffer) error {
	request := domain.ScheduleRequest{
		RequestID:   uuid.NewString(),
		Op:          domain.ScheduleOpDelete,
		BufferKey:   buffer.Key,
		SchedulerID: buffer.SchedulerID,
		VehicleID:   buffer.VehicleID,
		IssuedAt:    a.clock.Now(),
	}
	if err := a.producer.Publish(ctx, request); err != nil {
		return fmt.Errorf("publish delete schedule: %w", err)
	}
	if err := a.buffers.DeleteBuffer(ctx, buffer.Key); err != nil {
		return fmt.Errorf("delete buffer %q: %w", buffer.Key.String(), err)
	}
	return nil
}

// DeleteScheduledNotifications cancels every snooze for one (user, vehicle).
// Params: owner pair.
// Returns: number of cancelled buffers or first failure.
func (a *Assistant) DeleteScheduledNotifications(ctx context.Context, userID, vehicleID string) (int, error) {
	buffers, err := a.buffers.FindByUserVehicle(ctx, userID, vehicleID)
	if err != nil {
		return 0, fmt.Errorf("find buffers for %s/%s: %w", userID, vehicleID, err)
	}
	cancelled := 0
	for _, buffer := range buffers {
		if err := a.CancelSchedule(ctx, buffer); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// ConfirmSchedule stores the scheduler correlation handle after a valid ack.
// Params: acknowledged buffer key and assigned scheduler id.
// Returns: lookup/save error; unknown keys surface state.ErrNotFound.
func (a *Assistant) ConfirmSchedule(ctx context.Context, key domain.BufferKey, schedulerID string) error {
	buffer, err := a.buffers.GetBuffer(ctx, key)
	if err != nil {
		return fmt.Errorf("confirm schedule %q: %w", key.String(), err)
	}
	buffer.SchedulerID = schedulerID
	buffer.UpdatedAt = a.clock.Now()
	if err := a.buffers.SaveBuffer(ctx, buffer); err != nil {
		return fmt.Errorf("store scheduler id on %q: %w", key.String(), err)
	}
	return nil
}

// ReleaseBuffer removes the buffer after its schedule fired or terminated.
// Params: buffer key.
// Returns: delete error.
func (a *Assistant) ReleaseBuffer(ctx context.Context, key domain.BufferKey) error {
	return a.buffers.DeleteBuffer(ctx, key)
}
