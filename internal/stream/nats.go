// Package stream carries the dispatcher's four logical topics over NATS
// JetStream: notification input, retry wrapper, scheduler request, and
// scheduler callback.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dispatch/internal/config"
	"dispatch/internal/domain"
	"dispatch/internal/faults"

	"github.com/nats-io/nats.go"
)

const streamMaxAge = 7 * 24 * time.Hour

// Conn is one shared NATS connection with a JetStream context.
// Params: connection and JetStream handles.
// Returns: publish/subscribe primitives for all topics.
type Conn struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect dials the NATS servers and initializes JetStream.
// Params: server URL list.
// Returns: connection handle or setup error.
func Connect(urls []string) (*Conn, error) {
	nc, err := nats.Connect(strings.Join(urls, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	return &Conn{nc: nc, js: js}, nil
}

// EnsureStream creates the stream backing one topic when it does not exist.
// Params: topic binding from config.
// Returns: stream setup error.
func (c *Conn) EnsureStream(topic config.TopicConfig) error {
	_, err := c.js.StreamInfo(topic.Stream)
	if err == nil {
		return nil
	}
	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:     topic.Stream,
		Subjects: []string{topic.Subject},
		MaxAge:   streamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", topic.Stream, err)
	}
	return nil
}

// Publish sends one payload to a subject with an optional dedup message id.
// Params: context, subject, payload, and message id (empty disables the header).
// Returns: publish error.
func (c *Conn) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	msg := nats.NewMsg(subject)
	msg.Data = payload
	if strings.TrimSpace(msgID) != "" {
		msg.Header.Set("Nats-Msg-Id", strings.TrimSpace(msgID))
	}
	if _, err := c.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish to %q: %w", subject, err)
	}
	return nil
}

// Forward republishes a raw original event onto its original topic.
// Params: context, destination topic, and payload.
// Returns: publish error.
func (c *Conn) Forward(ctx context.Context, topic string, payload []byte) error {
	return c.Publish(ctx, topic, payload, "")
}

// Close closes the underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (c *Conn) Close() error {
	if c != nil && c.nc != nil {
		c.nc.Close()
	}
	return nil
}

// Subscription is one running queue-group consumer.
// Params: bound JetStream subscription.
// Returns: consumer lifecycle handle.
type Subscription struct {
	sub    *nats.Subscription
	logger *slog.Logger
}

// Subscribe starts one durable queue-group consumer for a topic.
// Params: topic binding, logger, and per-message handler.
// Returns: running subscription or setup error.
//
// Handler errors marked permanent (and decode failures inside the handler that
// surface as permanent) are acked and dropped; other errors nack for
// redelivery after the configured delay. Partitioning by subject token keeps
// per-vehicle ordering while the queue group spreads load across workers.
func (c *Conn) Subscribe(topic config.TopicConfig, logger *slog.Logger, handler func(ctx context.Context, raw []byte) error) (*Subscription, error) {
	ackWait := time.Duration(topic.AckWaitSec) * time.Second
	nackDelay := time.Duration(topic.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(topic.Stream),
		nats.Durable(topic.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(topic.MaxDeliver),
		nats.MaxAckPending(topic.MaxAckPending),
		nats.DeliverAll(),
	}
	subscription := &Subscription{logger: logger}
	sub, err := c.js.QueueSubscribe(topic.Subject, topic.DeliverGroup, func(message *nats.Msg) {
		if message == nil {
			return
		}
		err := handler(context.Background(), message.Data)
		if err == nil {
			subscription.ack(message, "processed")
			return
		}
		if faults.IsPermanent(err) {
			if logger != nil {
				logger.Error("message dropped", "subject", message.Subject, "error", err.Error())
			}
			subscription.ack(message, "dropped")
			return
		}
		if logger != nil {
			logger.Error("message handling failed", "subject", message.Subject, "error", err.Error())
		}
		subscription.nack(message, nackDelay)
	}, subOpts...)
	if err != nil {
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", topic.Subject, topic.DeliverGroup, err)
	}
	subscription.sub = sub
	return subscription, nil
}

// ack acknowledges one message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (s *Subscription) ack(message *nats.Msg, reason string) {
	if err := message.Ack(); err != nil && s.logger != nil {
		s.logger.Warn("ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nack asks JetStream to redeliver one message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (s *Subscription) nack(message *nats.Msg, delay time.Duration) {
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil && s.logger != nil {
		s.logger.Warn("nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains the subscription.
// Params: none.
// Returns: drain error.
func (s *Subscription) Close() error {
	if s != nil && s.sub != nil {
		return s.sub.Drain()
	}
	return nil
}

// ScheduleProducer publishes commands onto the scheduler-request topic.
// Params: shared connection and subject.
// Returns: schedule.RequestProducer implementation.
type ScheduleProducer struct {
	conn    *Conn
	subject string
}

// NewScheduleProducer binds the producer to the request topic.
// Params: connection and topic binding.
// Returns: initialized producer.
func NewScheduleProducer(conn *Conn, topic config.TopicConfig) *ScheduleProducer {
	return &ScheduleProducer{conn: conn, subject: topic.Subject}
}

// Publish encodes and sends one schedule command.
// Params: context and command payload.
// Returns: encode or publish error.
func (p *ScheduleProducer) Publish(ctx context.Context, req domain.ScheduleRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode schedule request: %w", err)
	}
	return p.conn.Publish(ctx, p.subject, body, req.RequestID)
}

// RetryPublisher publishes wrappers onto the retry topic.
// Params: shared connection and subject.
// Returns: retry.WrapperProducer implementation.
type RetryPublisher struct {
	conn    *Conn
	subject string
}

// NewRetryPublisher binds the publisher to the retry topic.
// Params: connection and topic binding.
// Returns: initialized publisher.
func NewRetryPublisher(conn *Conn, topic config.TopicConfig) *RetryPublisher {
	return &RetryPublisher{conn: conn, subject: topic.Subject}
}

// Publish encodes and sends one retry wrapper.
// Params: context and wrapper payload.
// Returns: encode or publish error.
func (p *RetryPublisher) Publish(ctx context.Context, event domain.RetryEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode retry event: %w", err)
	}
	return p.conn.Publish(ctx, p.subject, body, "")
}

// AlertPublisher publishes alerts onto the notification input topic.
// Params: shared connection and subject.
// Returns: scheduler.Reinjector implementation and ingest-side producer.
type AlertPublisher struct {
	conn    *Conn
	subject string
}

// NewAlertPublisher binds the publisher to the input topic.
// Params: connection and topic binding.
// Returns: initialized publisher.
func NewAlertPublisher(conn *Conn, topic config.TopicConfig) *AlertPublisher {
	return &AlertPublisher{conn: conn, subject: topic.Subject}
}

// Reinject encodes and re-enqueues one alert for another processing pass.
// Params: context and alert payload.
// Returns: encode or publish error.
func (p *AlertPublisher) Reinject(ctx context.Context, alert domain.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return p.conn.Publish(ctx, p.subject, body, "")
}

// Subject returns the bound input subject.
// Params: none.
// Returns: subject string (used as the original topic on retry wrappers).
func (p *AlertPublisher) Subject() string {
	return p.subject
}
