// Package dedup filters repeated alerts using deterministic dedup keys, an
// in-memory probabilistic set, and a durable key store that survives restarts.
package dedup

import (
	"fmt"
	"strings"

	"dispatch/internal/domain"
)

// KeyExtractor derives the type-specific base of a dedup key.
// Params: alert after ingest validation.
// Returns: deterministic base key without the time-bucket suffix.
//
// Extractors are pure and stateless; adding a strategy for a new event type
// only requires registering it on the factory.
type KeyExtractor interface {
	EventType() domain.EventType
	BaseKey(alert domain.Alert) (string, error)
}

// DefaultExtractor keys alerts by event type and vehicle id.
// Params: none.
// Returns: fallback strategy for event types without an override.
type DefaultExtractor struct{}

// EventType returns the generic event type marker.
// Params: none.
// Returns: EventTypeGeneric (the factory fallback slot).
func (DefaultExtractor) EventType() domain.EventType {
	return domain.EventTypeGeneric
}

// BaseKey builds the default dedup key base.
// Params: alert with event type and vehicle identity.
// Returns: "evt/<type>/<vehicle>" token.
func (DefaultExtractor) BaseKey(alert domain.Alert) (string, error) {
	var b strings.Builder
	b.Grow(len("evt/") + len(alert.EventType) + len(alert.EffectiveVehicleID()) + 1)
	b.WriteString("evt/")
	b.WriteString(sanitize(string(alert.EventType)))
	b.WriteByte('/')
	b.WriteString(sanitize(alert.EffectiveVehicleID()))
	return b.String(), nil
}

// GeofenceExtractor keys geofence alerts by the crossed fence.
// Params: none.
// Returns: geofence-specific strategy.
type GeofenceExtractor struct{}

// EventType returns the geofence event type marker.
// Params: none.
// Returns: EventTypeGeofence.
func (GeofenceExtractor) EventType() domain.EventType {
	return domain.EventTypeGeofence
}

// BaseKey builds the geofence dedup key base.
// Params: alert carrying a "geofence_id" payload entry.
// Returns: "evt/geofence/<vehicle>/<fence>" token or error when the fence id is absent.
func (GeofenceExtractor) BaseKey(alert domain.Alert) (string, error) {
	fenceID, ok := alert.Payload["geofence_id"]
	if !ok || strings.TrimSpace(fenceID) == "" {
		return "", fmt.Errorf("geofence alert without geofence_id payload")
	}
	var b strings.Builder
	b.WriteString("evt/geofence/")
	b.WriteString(sanitize(alert.EffectiveVehicleID()))
	b.WriteByte('/')
	b.WriteString(sanitize(fenceID))
	return b.String(), nil
}

// sanitize converts key fragments into stable store-safe tokens.
// Params: raw value with possible separators.
// Returns: sanitized string with unsupported chars replaced by underscore.
func sanitize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
