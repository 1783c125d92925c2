package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"dispatch/internal/config"
	"dispatch/internal/domain"
	"dispatch/internal/faults"
	"dispatch/test/testutil"
)

func newTestTopic(subject, stream, consumer string) config.TopicConfig {
	return config.TopicConfig{
		Subject:       subject,
		Stream:        stream,
		ConsumerName:  consumer,
		DeliverGroup:  "test-workers",
		AckWaitSec:    2,
		NackDelayMS:   10,
		MaxDeliver:    5,
		MaxAckPending: 128,
	}
}

func waitForCallsAtLeast(t *testing.T, timeout time.Duration, counter *int32, min int32) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if atomic.LoadInt32(counter) >= min {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected calls >= %d, got %d", min, atomic.LoadInt32(counter))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPublishSubscribeIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	conn, err := Connect([]string{url})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	topic := newTestTopic("test.alerts", "TEST_ALERTS", "test_alerts_consumer")
	if err := conn.EnsureStream(topic); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}

	var calls int32
	sub, err := conn.Subscribe(topic, nil, func(_ context.Context, raw []byte) error {
		if _, err := domain.DecodeAlert(raw); err != nil {
			return faults.Permanent(err)
		}
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	producer := NewAlertPublisher(conn, topic)
	alert := domain.Alert{EventType: domain.EventTypeLowFuel, UserID: "u1", VehicleID: "v1", DT: 1000}
	if err := producer.Reinject(context.Background(), alert); err != nil {
		t.Fatalf("reinject: %v", err)
	}

	waitForCallsAtLeast(t, 5*time.Second, &calls, 1)
}

func TestPublishDedupByMessageIDIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	conn, err := Connect([]string{url})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	topic := newTestTopic("test.requests", "TEST_REQUESTS", "test_requests_consumer")
	if err := conn.EnsureStream(topic); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}

	var calls int32
	sub, err := conn.Subscribe(topic, nil, func(_ context.Context, _ []byte) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	producer := NewScheduleProducer(conn, topic)
	request := domain.ScheduleRequest{
		RequestID: "req-dedup-1",
		Op:        domain.ScheduleOpCreate,
		BufferKey: domain.BufferKey{UserID: "u1", VehicleID: "v1", ChannelType: "sms"},
		VehicleID: "v1",
		IssuedAt:  time.Now().UTC(),
	}
	if err := producer.Publish(context.Background(), request); err != nil {
		t.Fatalf("publish first: %v", err)
	}
	if err := producer.Publish(context.Background(), request); err != nil {
		t.Fatalf("publish second: %v", err)
	}

	waitForCallsAtLeast(t, 5*time.Second, &calls, 1)
	time.Sleep(300 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected duplicate request id collapsed to 1 delivery, got %d", got)
	}
}

func TestSubscribeRedeliversTransientFailureIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	conn, err := Connect([]string{url})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	topic := newTestTopic("test.retry", "TEST_RETRY", "test_retry_consumer")
	if err := conn.EnsureStream(topic); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}

	var transientCalls int32
	transientSub, err := conn.Subscribe(topic, nil, func(_ context.Context, _ []byte) error {
		atomic.AddInt32(&transientCalls, 1)
		return errors.New("store briefly unavailable")
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer transientSub.Close()

	if err := conn.Forward(context.Background(), topic.Subject, []byte(`{"x":1}`)); err != nil {
		t.Fatalf("forward: %v", err)
	}

	waitForCallsAtLeast(t, 5*time.Second, &transientCalls, 2)
}

func TestSubscribeDropsPermanentFailureIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	conn, err := Connect([]string{url})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	topic := newTestTopic("test.drop", "TEST_DROP", "test_drop_consumer")
	if err := conn.EnsureStream(topic); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}

	var permanentCalls int32
	permanentSub, err := conn.Subscribe(topic, nil, func(_ context.Context, _ []byte) error {
		atomic.AddInt32(&permanentCalls, 1)
		return faults.Permanent(errors.New("malformed payload"))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer permanentSub.Close()

	if err := conn.Forward(context.Background(), topic.Subject, []byte("garbage")); err != nil {
		t.Fatalf("forward: %v", err)
	}

	waitForCallsAtLeast(t, 5*time.Second, &permanentCalls, 1)
	time.Sleep(300 * time.Millisecond)
	if got := atomic.LoadInt32(&permanentCalls); got != 1 {
		t.Fatalf("expected permanent failure acked without redelivery, got %d deliveries", got)
	}
}
