package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// BufferKey identifies one snooze bucket.
// Params: the five routing coordinates owning a buffered delivery.
// Returns: composite key for buffer store lookups.
type BufferKey struct {
	UserID      string `json:"user_id"`
	VehicleID   string `json:"vehicle_id"`
	ChannelType string `json:"channel_type"`
	Group       string `json:"group"`
	ContactID   string `json:"contact_id"`
}

// String renders the key in stable store form.
// Params: none.
// Returns: dot-joined key token.
func (k BufferKey) String() string {
	return strings.Join([]string{k.UserID, k.VehicleID, k.ChannelType, k.Group, k.ContactID}, ".")
}

// Validate checks that the key owns all mandatory coordinates.
// Params: none.
// Returns: error when user, vehicle, or channel is missing.
func (k BufferKey) Validate() error {
	if k.UserID == "" {
		return errors.New("buffer key requires user_id")
	}
	if k.VehicleID == "" {
		return errors.New("buffer key requires vehicle_id")
	}
	if k.ChannelType == "" {
		return errors.New("buffer key requires channel_type")
	}
	return nil
}

// BufferedAlertInfo is one self-contained snoozed delivery unit.
// Params: cloned alert, cloned channel config, and serialized template.
// Returns: redelivery payload independent of later preference changes.
type BufferedAlertInfo struct {
	Alert    Alert              `json:"alert"`
	Config   NotificationConfig `json:"config"`
	Template json.RawMessage    `json:"template,omitempty"`
}

// NotificationBuffer is the durable record of snoozed deliveries for one key.
// Params: correlation handle, owning vehicle, and accumulated alert infos.
// Returns: buffer row persisted until the scheduler fires or the snooze is cancelled.
type NotificationBuffer struct {
	Key         BufferKey           `json:"key"`
	SchedulerID string              `json:"scheduler_id,omitempty"`
	VehicleID   string              `json:"vehicle_id"`
	Alerts      []BufferedAlertInfo `json:"alerts"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// DecodeBuffer decodes one stored buffer row.
// Params: JSON document bytes.
// Returns: decoded buffer or decode error.
func DecodeBuffer(raw []byte) (NotificationBuffer, error) {
	var buffer NotificationBuffer
	if err := json.Unmarshal(raw, &buffer); err != nil {
		return NotificationBuffer{}, fmt.Errorf("decode buffer: %w", err)
	}
	if err := buffer.Key.Validate(); err != nil {
		return NotificationBuffer{}, err
	}
	return buffer, nil
}
