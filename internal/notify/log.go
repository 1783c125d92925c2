package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync/atomic"

	"dispatch/internal/domain"
)

// LogNotifier writes deliveries to the service log. It backs channels whose
// real transport runs outside this process (SMS/email/push gateways) in
// development deployments and tests.
// Params: destination logger and provider label.
// Returns: Notifier implementation with no external transport.
type LogNotifier struct {
	logger *slog.Logger
	name   string
	sent   atomic.Int64
}

// NewLogNotifier creates the log-backed provider.
// Params: logger and provider reference name.
// Returns: initialized provider.
func NewLogNotifier(logger *slog.Logger, name string) *LogNotifier {
	return &LogNotifier{logger: logger, name: name}
}

// Publish logs one delivery.
// Params: alert and owning channel config.
// Returns: sequential message reference.
func (l *LogNotifier) Publish(_ context.Context, alert domain.Alert, channel domain.NotificationConfig) (PublishResult, error) {
	seq := l.sent.Add(1)
	if l.logger != nil {
		l.logger.Info("delivery",
			"provider", l.name,
			"channel", channel.ChannelType,
			"event_type", alert.EventType,
			"user_id", alert.UserID,
			"vehicle_id", alert.EffectiveVehicleID())
	}
	return PublishResult{Provider: l.name, MessageRef: strconv.FormatInt(seq, 10)}, nil
}

// SetupChannel accepts any channel config.
// Params: channel config.
// Returns: nil.
func (l *LogNotifier) SetupChannel(_ context.Context, _ domain.NotificationConfig) error {
	return nil
}

// DestroyChannel logs per-user channel teardown.
// Params: user id and provider data.
// Returns: nil.
func (l *LogNotifier) DestroyChannel(_ context.Context, userID string, _ map[string]string) error {
	if l.logger != nil {
		l.logger.Info("channel destroyed", "provider", l.name, "user_id", userID)
	}
	return nil
}

// ProcessAck logs the acknowledgement.
// Params: raw ack event.
// Returns: nil (log provider accepts any payload).
func (l *LogNotifier) ProcessAck(_ context.Context, event json.RawMessage) error {
	if l.logger != nil {
		l.logger.Debug("ack received", "provider", l.name, "bytes", len(event))
	}
	return nil
}

// Init applies runtime properties.
// Params: property map.
// Returns: nil.
func (l *LogNotifier) Init(_ map[string]string) error {
	return nil
}

// Protocol returns the transport protocol name.
// Params: none.
// Returns: "log".
func (l *LogNotifier) Protocol() string {
	return "log"
}

// ServiceProviderName returns the provider identity.
// Params: none.
// Returns: configured reference name.
func (l *LogNotifier) ServiceProviderName() string {
	return l.name
}
