package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultPreferenceVehicleID is the reserved vehicle id used when an alert is
// bucketed per user instead of per vehicle.
const DefaultPreferenceVehicleID = "default-preference"

// EventType identifies the kind of telematics occurrence carried by an alert.
// Params: constants for the supported inbound event families.
// Returns: normalized event type usage across the pipeline.
type EventType string

const (
	// EventTypeGeofence marks geofence enter/exit events.
	EventTypeGeofence EventType = "geofence"
	// EventTypeLowFuel marks low-fuel threshold events.
	EventTypeLowFuel EventType = "low_fuel"
	// EventTypeCurfew marks curfew-violation events.
	EventTypeCurfew EventType = "curfew"
	// EventTypeGeneric marks any event without a dedicated key strategy.
	EventTypeGeneric EventType = "generic"
)

// Alert is one notification-worthy occurrence flowing through the dispatcher.
// Params: identity, event timestamp, free-form payload, and attached channel configs.
// Returns: mutable processing unit; discarded after dispatch or handed to a buffer.
type Alert struct {
	EventType   EventType            `json:"event_type"`
	UserID      string               `json:"user_id"`
	VehicleID   string               `json:"vehicle_id,omitempty"`
	AltUserRef  string               `json:"alt_user_ref,omitempty"`
	DT          int64                `json:"dt"`
	Payload     map[string]string    `json:"payload,omitempty"`
	CampaignID  string               `json:"campaign_id,omitempty"`
	Timezone    string               `json:"timezone,omitempty"`
	MuteVehicle bool                 `json:"mute_vehicle,omitempty"`
	Redelivered bool                 `json:"redelivered,omitempty"`
	Configs     []NotificationConfig `json:"configs,omitempty"`
}

// NotificationConfig binds one delivery channel to one alert.
// Params: channel routing identity and its suppression windows.
// Returns: read-only channel preferences at evaluation time.
type NotificationConfig struct {
	NotificationID string              `json:"notification_id,omitempty"`
	ChannelType    string              `json:"channel_type"`
	Group          string              `json:"group,omitempty"`
	ContactID      string              `json:"contact_id,omitempty"`
	Region         string              `json:"region,omitempty"`
	Enabled        bool                `json:"enabled"`
	Suppressions   []SuppressionConfig `json:"suppressions,omitempty"`
}

// EventTime converts the alert timestamp into UTC time.
// Params: alert timestamp in unix milliseconds.
// Returns: converted UTC time.
func (a Alert) EventTime() time.Time {
	return time.UnixMilli(a.DT).UTC()
}

// EffectiveVehicleID applies the per-user bucketing rule.
// Params: none.
// Returns: the real vehicle id, the alternate user-scoped ref, or the
// default-preference sentinel when neither is set.
func (a Alert) EffectiveVehicleID() string {
	if a.VehicleID != "" && a.VehicleID != DefaultPreferenceVehicleID {
		return a.VehicleID
	}
	if a.AltUserRef != "" {
		return a.AltUserRef
	}
	return DefaultPreferenceVehicleID
}

// Clone deep-copies the alert so buffered redelivery stays self-contained.
// Params: none.
// Returns: independent alert copy.
func (a Alert) Clone() Alert {
	out := a
	if a.Payload != nil {
		out.Payload = make(map[string]string, len(a.Payload))
		for k, v := range a.Payload {
			out.Payload[k] = v
		}
	}
	if a.Configs != nil {
		out.Configs = make([]NotificationConfig, len(a.Configs))
		for i, cfg := range a.Configs {
			out.Configs[i] = cfg.Clone()
		}
	}
	return out
}

// Clone deep-copies one channel config with its suppression windows.
// Params: none.
// Returns: independent config copy.
func (c NotificationConfig) Clone() NotificationConfig {
	out := c
	if c.Suppressions != nil {
		out.Suppressions = make([]SuppressionConfig, len(c.Suppressions))
		copy(out.Suppressions, c.Suppressions)
		for i := range out.Suppressions {
			if days := c.Suppressions[i].Days; days != nil {
				out.Suppressions[i].Days = append([]time.Weekday(nil), days...)
			}
		}
	}
	return out
}

// Validate validates one alert against the ingest contract.
// Params: alert fields parsed from transport.
// Returns: validation error when the schema is violated.
func (a Alert) Validate() error {
	if a.DT <= 0 {
		return errors.New("dt must be >0")
	}
	if strings.TrimSpace(string(a.EventType)) == "" {
		return errors.New("event_type is required")
	}
	if strings.TrimSpace(a.UserID) == "" {
		return errors.New("user_id is required")
	}
	for i, cfg := range a.Configs {
		if strings.TrimSpace(cfg.ChannelType) == "" {
			return fmt.Errorf("configs[%d]: channel_type is required", i)
		}
		for j, sup := range cfg.Suppressions {
			if err := sup.Validate(); err != nil {
				return fmt.Errorf("configs[%d].suppressions[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

// DecodeAlert decodes and validates one alert payload.
// Params: JSON document bytes.
// Returns: validated alert or decode/validation error.
func DecodeAlert(raw []byte) (Alert, error) {
	var alert Alert
	if err := json.Unmarshal(raw, &alert); err != nil {
		return Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	if err := alert.Validate(); err != nil {
		return Alert{}, err
	}
	return alert, nil
}

// DecodeAlertBatch decodes and validates one batch of alerts.
// Params: JSON array bytes.
// Returns: validated alert slice or decode/validation error.
func DecodeAlertBatch(raw []byte) ([]Alert, error) {
	var alerts []Alert
	if err := json.Unmarshal(raw, &alerts); err != nil {
		return nil, fmt.Errorf("decode alert batch: %w", err)
	}
	if len(alerts) == 0 {
		return nil, errors.New("alert batch must contain at least one alert")
	}
	for i := range alerts {
		if err := alerts[i].Validate(); err != nil {
			return nil, fmt.Errorf("alert[%d]: %w", i, err)
		}
	}
	return alerts, nil
}
