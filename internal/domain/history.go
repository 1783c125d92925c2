package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeliveryStatus is one step of the per-attempt status trail.
// Params: constants covering the delivery lifecycle.
// Returns: normalized status token for history records.
type DeliveryStatus string

const (
	// StatusReady marks an attempt accepted for processing.
	StatusReady DeliveryStatus = "READY"
	// StatusScheduled marks an attempt parked behind a suppression window.
	StatusScheduled DeliveryStatus = "SCHEDULED"
	// StatusRetrying marks an attempt re-forwarded under a retry budget.
	StatusRetrying DeliveryStatus = "RETRYING"
	// StatusFailed marks a terminally failed attempt.
	StatusFailed DeliveryStatus = "FAILED"
	// StatusDone marks a completed delivery.
	StatusDone DeliveryStatus = "DONE"
)

// StatusRecord is one append-only status trail entry.
// Params: status token, optional detail, and transition time.
// Returns: immutable trail element.
type StatusRecord struct {
	Status DeliveryStatus `json:"status"`
	Detail string         `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

// AlertsHistory is the per-attempt delivery record.
// Params: correlation id, owner snapshot, original alert payload, and trail.
// Returns: history row consulted by the scheduler correlator and retry engine.
type AlertsHistory struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	VehicleID   string          `json:"vehicle_id"`
	ChannelType string          `json:"channel_type,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Trail       []StatusRecord  `json:"trail,omitempty"`
}

// Append adds one status transition to the trail.
// Params: status token, free-form detail, and transition time.
// Returns: none (mutates the receiver).
func (h *AlertsHistory) Append(status DeliveryStatus, detail string, at time.Time) {
	h.Trail = append(h.Trail, StatusRecord{Status: status, Detail: detail, At: at})
}

// CurrentStatus returns the latest trail status.
// Params: none.
// Returns: last status or StatusReady for an empty trail.
func (h AlertsHistory) CurrentStatus() DeliveryStatus {
	if len(h.Trail) == 0 {
		return StatusReady
	}
	return h.Trail[len(h.Trail)-1].Status
}

// DecodeHistory decodes one stored history row.
// Params: JSON document bytes.
// Returns: decoded history or decode error.
func DecodeHistory(raw []byte) (AlertsHistory, error) {
	var history AlertsHistory
	if err := json.Unmarshal(raw, &history); err != nil {
		return AlertsHistory{}, fmt.Errorf("decode history: %w", err)
	}
	return history, nil
}
