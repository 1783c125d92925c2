package domain

import (
	"strings"
	"testing"
	"time"
)

func TestEffectiveVehicleID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		alert Alert
		want  string
	}{
		{"real vehicle", Alert{VehicleID: "v1"}, "v1"},
		{"sentinel falls through to alt ref", Alert{VehicleID: DefaultPreferenceVehicleID, AltUserRef: "driver-2"}, "driver-2"},
		{"empty vehicle uses alt ref", Alert{AltUserRef: "driver-2"}, "driver-2"},
		{"nothing set", Alert{}, DefaultPreferenceVehicleID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.alert.EffectiveVehicleID(); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAlertCloneIsIndependent(t *testing.T) {
	t.Parallel()

	original := Alert{
		EventType: EventTypeGeofence,
		UserID:    "u1",
		VehicleID: "v1",
		DT:        1_000_000,
		Payload:   map[string]string{"geofence_id": "fence-1"},
		Configs: []NotificationConfig{
			{
				ChannelType: "sms",
				Enabled:     true,
				Suppressions: []SuppressionConfig{
					{Kind: SuppressionRecurring, StartTime: "20:00", EndTime: "23:00", Days: []time.Weekday{time.Monday}},
				},
			},
		},
	}

	clone := original.Clone()
	clone.Payload["geofence_id"] = "fence-2"
	clone.Configs[0].Suppressions[0].Days[0] = time.Friday

	if original.Payload["geofence_id"] != "fence-1" {
		t.Fatalf("payload mutated through clone")
	}
	if original.Configs[0].Suppressions[0].Days[0] != time.Monday {
		t.Fatalf("suppression days mutated through clone")
	}
}

func TestDecodeAlertValidates(t *testing.T) {
	t.Parallel()

	valid := []byte(`{"event_type":"low_fuel","user_id":"u1","vehicle_id":"v1","dt":1000}`)
	alert, err := DecodeAlert(valid)
	if err != nil {
		t.Fatalf("decode valid alert: %v", err)
	}
	if alert.EventType != EventTypeLowFuel {
		t.Fatalf("unexpected event type %q", alert.EventType)
	}

	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"missing user", `{"event_type":"low_fuel","dt":1000}`, "user_id"},
		{"missing dt", `{"event_type":"low_fuel","user_id":"u1"}`, "dt"},
		{"missing event type", `{"user_id":"u1","dt":1000}`, "event_type"},
		{"config without channel", `{"event_type":"low_fuel","user_id":"u1","dt":1000,"configs":[{"enabled":true}]}`, "channel_type"},
		{"not json", `nope`, "decode"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeAlert([]byte(tc.raw))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestDecodeAlertBatch(t *testing.T) {
	t.Parallel()

	raw := []byte(`[
		{"event_type":"low_fuel","user_id":"u1","vehicle_id":"v1","dt":1000},
		{"event_type":"curfew","user_id":"u1","vehicle_id":"v2","dt":2000}
	]`)
	alerts, err := DecodeAlertBatch(raw)
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}

	if _, err := DecodeAlertBatch([]byte(`[]`)); err == nil {
		t.Fatalf("expected empty batch rejected")
	}
	if _, err := DecodeAlertBatch([]byte(`[{"event_type":"low_fuel","dt":1000}]`)); err == nil {
		t.Fatalf("expected invalid element rejected")
	}
}

func TestSuppressionConfigValidate(t *testing.T) {
	t.Parallel()

	valid := SuppressionConfig{
		Kind:      SuppressionVacation,
		StartDate: "2026-01-05",
		EndDate:   "2026-01-10",
		StartTime: "08:00",
		EndTime:   "18:00",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid vacation rejected: %v", err)
	}

	recurring := SuppressionConfig{
		Kind:      SuppressionRecurring,
		StartTime: "20:00",
		EndTime:   "06:00",
		Days:      []time.Weekday{time.Monday},
	}
	if err := recurring.Validate(); err != nil {
		t.Fatalf("valid recurring rejected: %v", err)
	}

	cases := []struct {
		name string
		cfg  SuppressionConfig
	}{
		{"bad kind", SuppressionConfig{Kind: "weekly", StartTime: "08:00", EndTime: "18:00"}},
		{"bad time", SuppressionConfig{Kind: SuppressionRecurring, StartTime: "8am", EndTime: "18:00", Days: []time.Weekday{time.Monday}}},
		{"recurring without days", SuppressionConfig{Kind: SuppressionRecurring, StartTime: "08:00", EndTime: "18:00"}},
		{"vacation without dates", SuppressionConfig{Kind: SuppressionVacation, StartTime: "08:00", EndTime: "18:00"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestBufferKey(t *testing.T) {
	t.Parallel()

	key := BufferKey{UserID: "u1", VehicleID: "v1", ChannelType: "sms", Group: "g1", ContactID: "c1"}
	if got := key.String(); got != "u1.v1.sms.g1.c1" {
		t.Fatalf("unexpected key form %q", got)
	}
	if err := key.Validate(); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if err := (BufferKey{UserID: "u1", ChannelType: "sms"}).Validate(); err == nil {
		t.Fatalf("expected missing vehicle rejected")
	}
}

func TestDecodeSchedulerEvent(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"kind":"fire","request_id":"req-1"}`)
	event, err := DecodeSchedulerEvent(raw)
	if err != nil {
		t.Fatalf("decode fire: %v", err)
	}
	if event.Kind != SchedulerEventFire {
		t.Fatalf("unexpected kind %q", event.Kind)
	}

	if _, err := DecodeSchedulerEvent([]byte(`{"kind":"fire"}`)); err == nil {
		t.Fatalf("expected missing request id rejected")
	}
	if _, err := DecodeSchedulerEvent([]byte(`{"kind":"poke","request_id":"r"}`)); err == nil {
		t.Fatalf("expected unknown kind rejected")
	}
}

func TestRetryRecordExhausted(t *testing.T) {
	t.Parallel()

	if (RetryRecord{MaxAttempts: 3, Attempts: 2}).Exhausted() {
		t.Fatalf("expected budget remaining")
	}
	if !(RetryRecord{MaxAttempts: 3, Attempts: 3}).Exhausted() {
		t.Fatalf("expected budget exhausted")
	}
}
