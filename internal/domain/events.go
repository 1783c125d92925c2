package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ScheduleOp selects the scheduler-request operation.
// Params: constants for create/update/delete schedule commands.
// Returns: normalized op token on the scheduler-request topic.
type ScheduleOp string

const (
	// ScheduleOpCreate asks the scheduler to arm a new delayed firing.
	ScheduleOpCreate ScheduleOp = "create"
	// ScheduleOpUpdate asks the scheduler to re-arm an existing firing.
	ScheduleOpUpdate ScheduleOp = "update"
	// ScheduleOpDelete asks the scheduler to cancel a firing.
	ScheduleOpDelete ScheduleOp = "delete"
)

// ScheduleRequest is one command sent to the external scheduler.
// Params: correlation id, operation, target buffer key, and firing delay.
// Returns: scheduler-request topic payload.
type ScheduleRequest struct {
	RequestID    string          `json:"request_id"`
	Op           ScheduleOp      `json:"op"`
	BufferKey    BufferKey       `json:"buffer_key"`
	SchedulerID  string          `json:"scheduler_id,omitempty"`
	VehicleID    string          `json:"vehicle_id"`
	DelaySeconds int64           `json:"delay_seconds,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	IssuedAt     time.Time       `json:"issued_at"`
}

// SchedulerEventKind identifies inbound scheduler-callback classes.
// Params: constants for fire and acknowledgement callbacks.
// Returns: normalized callback kind.
type SchedulerEventKind string

const (
	// SchedulerEventFire marks a "ready" firing for a previously armed schedule.
	SchedulerEventFire SchedulerEventKind = "fire"
	// SchedulerEventAck marks a create/delete acknowledgement.
	SchedulerEventAck SchedulerEventKind = "ack"
)

// Scheduler terminal error codes carried by acknowledgements.
const (
	// SchedulerErrExpired marks a schedule past its horizon.
	SchedulerErrExpired = "SCHEDULE_EXPIRED"
	// SchedulerErrNotFound marks an unknown scheduler id on delete.
	SchedulerErrNotFound = "SCHEDULE_NOT_FOUND"
)

// SchedulerEvent is one callback from the external scheduler.
// Params: callback kind plus fire or ack fields.
// Returns: scheduler-callback topic payload.
type SchedulerEvent struct {
	Kind        SchedulerEventKind `json:"kind"`
	RequestID   string             `json:"request_id"`
	SchedulerID string             `json:"scheduler_id,omitempty"`
	Valid       bool               `json:"valid"`
	ErrorCode   string             `json:"error_code,omitempty"`
	Recurring   bool               `json:"recurring,omitempty"`
	FiringCount int64              `json:"firing_count,omitempty"`
	FiringLimit int64              `json:"firing_limit,omitempty"`
	Original    *ScheduleRequest   `json:"original,omitempty"`
	FiredAt     time.Time          `json:"fired_at,omitempty"`
}

// Validate validates one scheduler callback.
// Params: callback fields parsed from transport.
// Returns: validation error when the schema is violated.
func (e SchedulerEvent) Validate() error {
	if strings.TrimSpace(e.RequestID) == "" {
		return errors.New("request_id is required")
	}
	switch e.Kind {
	case SchedulerEventFire, SchedulerEventAck:
	default:
		return fmt.Errorf("unsupported scheduler event kind %q", e.Kind)
	}
	return nil
}

// DecodeSchedulerEvent decodes and validates one scheduler callback.
// Params: JSON document bytes.
// Returns: validated callback or decode/validation error.
func DecodeSchedulerEvent(raw []byte) (SchedulerEvent, error) {
	var event SchedulerEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return SchedulerEvent{}, fmt.Errorf("decode scheduler event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return SchedulerEvent{}, err
	}
	return event, nil
}

// RetryEvent wraps one failed event for an externalized reprocessing pass.
// Params: original topic/payload, fault classification, and embedded budget state.
// Returns: retry-wrapper topic payload.
type RetryEvent struct {
	OriginalTopic  string          `json:"original_topic"`
	OriginalEvent  json.RawMessage `json:"original_event"`
	FaultCode      string          `json:"fault_code"`
	CorrelationKey string          `json:"correlation_key"`
	HistoryID      string          `json:"history_id,omitempty"`
	Record         RetryRecord     `json:"record"`
	WrappedAt      time.Time       `json:"wrapped_at"`
}

// Validate validates one retry wrapper.
// Params: wrapper fields parsed from transport.
// Returns: validation error when the schema is violated.
func (e RetryEvent) Validate() error {
	if strings.TrimSpace(e.OriginalTopic) == "" {
		return errors.New("original_topic is required")
	}
	if len(e.OriginalEvent) == 0 {
		return errors.New("original_event is required")
	}
	if strings.TrimSpace(e.FaultCode) == "" {
		return errors.New("fault_code is required")
	}
	return nil
}

// DecodeRetryEvent decodes and validates one retry wrapper.
// Params: JSON document bytes.
// Returns: validated wrapper or decode/validation error.
func DecodeRetryEvent(raw []byte) (RetryEvent, error) {
	var event RetryEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return RetryEvent{}, fmt.Errorf("decode retry event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return RetryEvent{}, err
	}
	return event, nil
}

// RetryRecord is one per-fault retry budget.
// Params: fault class, attempt ceiling, attempts so far, and redelivery delay.
// Returns: durable budget row keyed by (fault code, correlation key).
type RetryRecord struct {
	FaultCode   string `json:"fault_code"`
	MaxAttempts int    `json:"max_attempts"`
	Attempts    int    `json:"attempts"`
	DelayMS     int64  `json:"delay_ms"`
}

// Exhausted reports whether the budget allows no further attempt.
// Params: none.
// Returns: true when attempts reached the ceiling.
func (r RetryRecord) Exhausted() bool {
	return r.Attempts >= r.MaxAttempts
}
