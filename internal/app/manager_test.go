package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"dispatch/internal/clock"
	"dispatch/internal/config"
	"dispatch/internal/dedup"
	"dispatch/internal/domain"
	"dispatch/internal/faults"
	"dispatch/internal/notify"
	"dispatch/internal/retry"
	"dispatch/internal/schedule"
	"dispatch/internal/state"
)

type fakeNotifier struct {
	mu        sync.Mutex
	published []domain.Alert
	err       error
}

func (f *fakeNotifier) Publish(_ context.Context, alert domain.Alert, _ domain.NotificationConfig) (notify.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return notify.PublishResult{}, f.err
	}
	f.published = append(f.published, alert)
	return notify.PublishResult{Provider: "fake", MessageRef: "1"}, nil
}

func (f *fakeNotifier) SetupChannel(_ context.Context, _ domain.NotificationConfig) error { return nil }
func (f *fakeNotifier) DestroyChannel(_ context.Context, _ string, _ map[string]string) error {
	return nil
}
func (f *fakeNotifier) ProcessAck(_ context.Context, _ json.RawMessage) error { return nil }
func (f *fakeNotifier) Init(_ map[string]string) error                        { return nil }
func (f *fakeNotifier) Protocol() string                                      { return "fake" }
func (f *fakeNotifier) ServiceProviderName() string                           { return "fake" }

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type scheduleCapture struct {
	mu       sync.Mutex
	requests []domain.ScheduleRequest
}

func (p *scheduleCapture) Publish(_ context.Context, req domain.ScheduleRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return nil
}

func (p *scheduleCapture) published() []domain.ScheduleRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ScheduleRequest(nil), p.requests...)
}

type wrapperCapture struct {
	mu     sync.Mutex
	events []domain.RetryEvent
}

func (p *wrapperCapture) Publish(_ context.Context, event domain.RetryEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *wrapperCapture) published() []domain.RetryEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.RetryEvent(nil), p.events...)
}

type managerFixture struct {
	manager   *Manager
	store     *state.MemoryStore
	notifier  *fakeNotifier
	schedules *scheduleCapture
	wrappers  *wrapperCapture
	cache     *retry.CacheClient
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()

	store := state.NewMemoryStore()
	clk := clock.Fixed{At: time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	factory := dedup.NewKeyExtractorFactory()
	if err := factory.Init(60_000); err != nil {
		t.Fatalf("init factory: %v", err)
	}
	factory.Register(dedup.GeofenceExtractor{})
	deduplicator := dedup.NewDeduplicator(
		config.DedupConfig{IntervalMS: 60_000, BloomCapacity: 10_000, BloomFPRate: 0.01},
		factory, store, logger)

	schedules := &scheduleCapture{}
	assistant := schedule.NewAssistant(
		config.ScheduleConfig{DefaultTimezone: "UTC", DefaultSnoozeSeconds: 300, MaxScheduleDays: 30},
		store, store, schedules, clk, logger)

	wrappers := &wrapperCapture{}
	cache := retry.NewCacheClient(config.RetryConfig{Policy: []config.RetryPolicyEntry{
		{FaultCode: faults.CodeTransportTimeout, MaxAttempts: 3, DelayMS: 1000},
	}}, store)
	escalator := retry.NewEscalator(cache, wrappers, clk, logger)

	notifier := &fakeNotifier{}
	registry, err := notify.NewRegistry(config.ChannelsConfig{
		Implementations: map[string]string{"sms": "fake"},
		Enabled:         []string{"sms"},
	}, map[string]notify.Notifier{"fake": notifier})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	manager := NewManager(deduplicator, assistant, registry, escalator, store, store,
		clk, logger, "dispatch.alerts")
	return &managerFixture{
		manager:   manager,
		store:     store,
		notifier:  notifier,
		schedules: schedules,
		wrappers:  wrappers,
		cache:     cache,
	}
}

func smsAlert(vehicleID string, dt int64) domain.Alert {
	return domain.Alert{
		EventType: domain.EventTypeLowFuel,
		UserID:    "u1",
		VehicleID: vehicleID,
		DT:        dt,
		Configs: []domain.NotificationConfig{
			{ChannelType: "sms", ContactID: "c1", Enabled: true},
		},
	}
}

func TestProcessBatchDeliversEnabledChannel(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	if err := fx.manager.ProcessBatch(context.Background(), []domain.Alert{smsAlert("v1", 1_000_000)}); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if fx.notifier.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", fx.notifier.count())
	}
}

func TestProcessBatchDropsDuplicates(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	alert := smsAlert("v1", 1_000_000)
	if err := fx.manager.ProcessBatch(context.Background(), []domain.Alert{alert, alert}); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if fx.notifier.count() != 1 {
		t.Fatalf("expected duplicate dropped, got %d deliveries", fx.notifier.count())
	}
}

func TestProcessBatchMutedVehicle(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	alert := smsAlert("v1", 1_000_000)
	alert.MuteVehicle = true
	if err := fx.manager.ProcessBatch(context.Background(), []domain.Alert{alert}); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if fx.notifier.count() != 0 {
		t.Fatalf("expected muted alert dropped, got %d deliveries", fx.notifier.count())
	}
}

func TestProcessBatchSkipsDisabledChannel(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	alert := smsAlert("v1", 1_000_000)
	alert.Configs[0].Enabled = false
	if err := fx.manager.ProcessBatch(context.Background(), []domain.Alert{alert}); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if fx.notifier.count() != 0 {
		t.Fatalf("expected disabled channel skipped, got %d deliveries", fx.notifier.count())
	}
}

func TestProcessBatchSnoozesUnderActiveWindow(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	alert := smsAlert("v1", 1_000_000)
	// Fixture clock is Wednesday 12:00 UTC.
	alert.Configs[0].Suppressions = []domain.SuppressionConfig{{
		Kind:      domain.SuppressionRecurring,
		StartTime: "08:00",
		EndTime:   "18:00",
		Days:      []time.Weekday{time.Wednesday},
	}}
	if err := fx.manager.ProcessBatch(context.Background(), []domain.Alert{alert}); err != nil {
		t.Fatalf("process batch: %v", err)
	}

	if fx.notifier.count() != 0 {
		t.Fatalf("expected no direct delivery under active window")
	}
	requests := fx.schedules.published()
	if len(requests) != 1 || requests[0].Op != domain.ScheduleOpCreate {
		t.Fatalf("expected 1 create schedule request, got %+v", requests)
	}
	// 18:00 - 12:00 plus the safety buffer.
	if requests[0].DelaySeconds != 6*3600+45 {
		t.Fatalf("unexpected snooze delay %d", requests[0].DelaySeconds)
	}
	key := domain.BufferKey{UserID: "u1", VehicleID: "v1", ChannelType: "sms", ContactID: "c1"}
	if _, err := fx.store.GetBuffer(context.Background(), key); err != nil {
		t.Fatalf("expected buffer persisted: %v", err)
	}
}

func TestDispatchEscalatesTransientFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.notifier.err = faults.Transient(faults.CodeTransportTimeout, errors.New("gateway timeout"))

	if err := fx.manager.ProcessBatch(context.Background(), []domain.Alert{smsAlert("v1", 1_000_000)}); err != nil {
		t.Fatalf("process batch: %v", err)
	}

	wrappers := fx.wrappers.published()
	if len(wrappers) != 1 {
		t.Fatalf("expected 1 retry wrapper, got %d", len(wrappers))
	}
	wrapper := wrappers[0]
	if wrapper.FaultCode != faults.CodeTransportTimeout {
		t.Fatalf("unexpected fault code %q", wrapper.FaultCode)
	}
	if wrapper.OriginalTopic != "dispatch.alerts" {
		t.Fatalf("unexpected original topic %q", wrapper.OriginalTopic)
	}
	if wrapper.CorrelationKey != "u1.v1.sms" {
		t.Fatalf("unexpected correlation key %q", wrapper.CorrelationKey)
	}
	if _, err := domain.DecodeAlert(wrapper.OriginalEvent); err != nil {
		t.Fatalf("wrapper must carry the decodable original alert: %v", err)
	}

	history, err := fx.store.GetHistory(context.Background(), wrapper.HistoryID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if history.CurrentStatus() != domain.StatusReady {
		t.Fatalf("expected READY trail before retry, got %q", history.CurrentStatus())
	}
}

func TestDispatchPermanentFailureNotEscalated(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.notifier.err = faults.Permanent(errors.New("recipient blocked the bot"))

	if err := fx.manager.ProcessBatch(context.Background(), []domain.Alert{smsAlert("v1", 1_000_000)}); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(fx.wrappers.published()) != 0 {
		t.Fatalf("expected no retry wrapper for permanent failure")
	}
}

func TestDispatchUncoveredFaultNotEscalated(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.notifier.err = faults.Transient("unknown_fault", errors.New("who knows"))

	if err := fx.manager.ProcessBatch(context.Background(), []domain.Alert{smsAlert("v1", 1_000_000)}); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(fx.wrappers.published()) != 0 {
		t.Fatalf("expected no wrapper without a policy")
	}
}

func TestHandleRawMalformedPayload(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	err := fx.manager.HandleRaw(context.Background(), []byte("not json"))
	if err == nil {
		t.Fatalf("expected error for malformed payload")
	}
	if !faults.IsPermanent(err) {
		t.Fatalf("expected permanent marker so the consumer drops it, got %v", err)
	}
}

func TestHandleRawBatchPayload(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	raw, err := json.Marshal([]domain.Alert{smsAlert("v1", 1_000_000), smsAlert("v2", 1_000_000)})
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}
	if err := fx.manager.HandleRaw(context.Background(), raw); err != nil {
		t.Fatalf("handle raw: %v", err)
	}
	if fx.notifier.count() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", fx.notifier.count())
	}
}

// rawForwarder feeds re-forwarded payloads straight back into a handler.
type rawForwarder struct {
	handle func(ctx context.Context, raw []byte) error
}

func (f rawForwarder) Forward(ctx context.Context, _ string, payload []byte) error {
	return f.handle(ctx, payload)
}

func TestProcessBatchRedeliveredSkipsDedup(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	alert := smsAlert("v1", 1_000_000)
	if err := fx.manager.ProcessBatch(ctx, []domain.Alert{alert}); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if fx.notifier.count() != 1 {
		t.Fatalf("expected first delivery, got %d", fx.notifier.count())
	}

	again := alert
	again.Redelivered = true
	if err := fx.manager.ProcessBatch(ctx, []domain.Alert{again}); err != nil {
		t.Fatalf("process redelivered: %v", err)
	}
	if fx.notifier.count() != 2 {
		t.Fatalf("expected redelivered alert past the filter, got %d deliveries", fx.notifier.count())
	}
}

func TestRetriedDeliveryReachesNotifier(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	fx.notifier.err = faults.Transient(faults.CodeTransportTimeout, errors.New("gateway timeout"))

	if err := fx.manager.ProcessBatch(ctx, []domain.Alert{smsAlert("v1", 1_000_000)}); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	wrappers := fx.wrappers.published()
	if len(wrappers) != 1 {
		t.Fatalf("expected 1 retry wrapper, got %d", len(wrappers))
	}

	// The fault clears; the retry topic re-forwards onto the input handler.
	fx.notifier.err = nil
	clk := clock.Fixed{At: time.Date(2026, 1, 7, 12, 1, 0, 0, time.UTC)}
	processor := retry.NewProcessor(fx.cache, fx.store, rawForwarder{handle: fx.manager.HandleRaw},
		clk, nil, fx.manager.HandleRaw)
	if err := processor.Process(ctx, wrappers[0]); err != nil {
		t.Fatalf("process retry wrapper: %v", err)
	}
	if fx.notifier.count() != 1 {
		t.Fatalf("expected re-forwarded alert delivered, got %d", fx.notifier.count())
	}
}

func TestSuppressionUpdateCancelsOnlyInactiveChannel(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	smsKey := domain.BufferKey{UserID: "u1", VehicleID: "v1", ChannelType: "sms", ContactID: "c1"}
	pushKey := domain.BufferKey{UserID: "u1", VehicleID: "v1", ChannelType: "push", ContactID: "c2"}
	if err := fx.store.SaveBuffer(ctx, domain.NotificationBuffer{Key: smsKey, SchedulerID: "sched-1", VehicleID: "v1"}); err != nil {
		t.Fatalf("seed sms buffer: %v", err)
	}
	if err := fx.store.SaveBuffer(ctx, domain.NotificationBuffer{Key: pushKey, SchedulerID: "sched-2", VehicleID: "v1"}); err != nil {
		t.Fatalf("seed push buffer: %v", err)
	}

	// Fixture clock is Wednesday 12:00 UTC: the sms window is gone, push stays active.
	update := domain.Alert{
		EventType: EventTypeSuppressionUpdate,
		UserID:    "u1",
		VehicleID: "v1",
		DT:        1_000_000,
		Configs: []domain.NotificationConfig{
			{ChannelType: "sms", ContactID: "c1", Enabled: true},
			{
				ChannelType: "push",
				ContactID:   "c2",
				Enabled:     true,
				Suppressions: []domain.SuppressionConfig{{
					Kind:      domain.SuppressionRecurring,
					StartTime: "08:00",
					EndTime:   "18:00",
					Days:      []time.Weekday{time.Wednesday},
				}},
			},
		},
	}
	if err := fx.manager.ProcessBatch(ctx, []domain.Alert{update}); err != nil {
		t.Fatalf("process update: %v", err)
	}

	if _, err := fx.store.GetBuffer(ctx, smsKey); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected sms buffer cancelled, got %v", err)
	}
	if _, err := fx.store.GetBuffer(ctx, pushKey); err != nil {
		t.Fatalf("expected push buffer kept: %v", err)
	}

	var deletes, updates int
	for _, req := range fx.schedules.published() {
		switch req.Op {
		case domain.ScheduleOpDelete:
			deletes++
			if req.BufferKey != smsKey {
				t.Fatalf("unexpected delete target %q", req.BufferKey.String())
			}
		case domain.ScheduleOpUpdate:
			updates++
		}
	}
	if deletes != 1 || updates != 1 {
		t.Fatalf("expected 1 delete and 1 update request, got %d/%d", deletes, updates)
	}
}

func TestSuppressionCancelControlEvent(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	key := domain.BufferKey{UserID: "u1", VehicleID: "v1", ChannelType: "sms", ContactID: "c1"}
	if err := fx.store.SaveBuffer(ctx, domain.NotificationBuffer{Key: key, VehicleID: "v1"}); err != nil {
		t.Fatalf("seed buffer: %v", err)
	}

	cancel := domain.Alert{EventType: EventTypeSuppressionCancel, UserID: "u1", VehicleID: "v1", DT: 1_000_000}
	if err := fx.manager.ProcessBatch(ctx, []domain.Alert{cancel}); err != nil {
		t.Fatalf("process cancel: %v", err)
	}

	if _, err := fx.store.GetBuffer(ctx, key); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected buffer removed, got %v", err)
	}
	requests := fx.schedules.published()
	if len(requests) != 1 || requests[0].Op != domain.ScheduleOpDelete {
		t.Fatalf("expected 1 delete request, got %+v", requests)
	}
}

func TestSuppressionUpdateControlEvent(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	key := domain.BufferKey{UserID: "u1", VehicleID: "v1", ChannelType: "sms", ContactID: "c1"}
	buffer := domain.NotificationBuffer{Key: key, SchedulerID: "sched-1", VehicleID: "v1"}
	if err := fx.store.SaveBuffer(ctx, buffer); err != nil {
		t.Fatalf("seed buffer: %v", err)
	}

	update := domain.Alert{
		EventType: EventTypeSuppressionUpdate,
		UserID:    "u1",
		VehicleID: "v1",
		DT:        1_000_000,
		Configs: []domain.NotificationConfig{{
			ChannelType: "sms",
			ContactID:   "c1",
			Enabled:     true,
			Suppressions: []domain.SuppressionConfig{{
				Kind:      domain.SuppressionRecurring,
				StartTime: "08:00",
				EndTime:   "18:00",
				Days:      []time.Weekday{time.Wednesday},
			}},
		}},
	}
	if err := fx.manager.ProcessBatch(ctx, []domain.Alert{update}); err != nil {
		t.Fatalf("process update: %v", err)
	}

	requests := fx.schedules.published()
	if len(requests) != 1 || requests[0].Op != domain.ScheduleOpUpdate {
		t.Fatalf("expected 1 update request, got %+v", requests)
	}
	if requests[0].SchedulerID != "sched-1" {
		t.Fatalf("expected existing scheduler id on update, got %q", requests[0].SchedulerID)
	}
}
