// Package notify resolves channel types to concrete notifier capabilities and
// holds the provider implementations shipped with the dispatcher.
package notify

import (
	"context"
	"encoding/json"

	"dispatch/internal/domain"
)

// PublishResult returns provider-specific metadata after a successful publish.
// Params: provider and message references.
// Returns: optional delivery identifiers.
type PublishResult struct {
	Provider   string
	MessageRef string
}

// Notifier is one channel delivery capability.
// Params: alert/config/ack payloads per operation.
// Returns: transport results and errors per operation.
type Notifier interface {
	Publish(ctx context.Context, alert domain.Alert, channel domain.NotificationConfig) (PublishResult, error)
	SetupChannel(ctx context.Context, channel domain.NotificationConfig) error
	DestroyChannel(ctx context.Context, userID string, data map[string]string) error
	ProcessAck(ctx context.Context, event json.RawMessage) error
	Init(props map[string]string) error
	Protocol() string
	ServiceProviderName() string
}
