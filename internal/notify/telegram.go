package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"dispatch/internal/config"
	"dispatch/internal/domain"

	tgbot "github.com/go-telegram/bot"
)

// TelegramNotifier delivers alerts through the Telegram Bot API.
// Params: bot client and destination chat.
// Returns: Notifier implementation for operator-facing channels.
type TelegramNotifier struct {
	client  *tgbot.Bot
	chatID  int64
	initErr error
}

// NewTelegramNotifier creates the telegram provider.
// Params: telegram section from config.
// Returns: provider; construction defects surface on first use, not at build
// time, so the registry can still fail fast on its own validation.
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	notifier := &TelegramNotifier{chatID: cfg.ChatID}
	if strings.TrimSpace(cfg.Token) == "" {
		notifier.initErr = errors.New("telegram token is required")
		return notifier
	}
	client, err := tgbot.New(cfg.Token, tgbot.WithSkipGetMe())
	if err != nil {
		notifier.initErr = fmt.Errorf("init telegram bot: %w", err)
		return notifier
	}
	notifier.client = client
	return notifier
}

// Publish sends one alert summary to the configured chat.
// Params: alert and owning channel config.
// Returns: message reference or transport error.
func (t *TelegramNotifier) Publish(ctx context.Context, alert domain.Alert, channel domain.NotificationConfig) (PublishResult, error) {
	if t.initErr != nil {
		return PublishResult{}, t.initErr
	}
	sent, err := t.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: t.chatID,
		Text:   renderAlertLine(alert, channel),
	})
	if err != nil {
		return PublishResult{}, fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return PublishResult{}, errors.New("telegram send returned empty message id")
	}
	return PublishResult{Provider: t.ServiceProviderName(), MessageRef: strconv.Itoa(sent.ID)}, nil
}

// renderAlertLine formats one plain-text alert summary.
// Params: alert and channel config.
// Returns: single-line message body.
func renderAlertLine(alert domain.Alert, channel domain.NotificationConfig) string {
	var b strings.Builder
	b.WriteString(string(alert.EventType))
	b.WriteString(" vehicle=")
	b.WriteString(alert.EffectiveVehicleID())
	b.WriteString(" user=")
	b.WriteString(alert.UserID)
	if channel.Group != "" {
		b.WriteString(" group=")
		b.WriteString(channel.Group)
	}
	for key, value := range alert.Payload {
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(value)
	}
	return b.String()
}

// SetupChannel validates the provider is usable for the channel.
// Params: channel config.
// Returns: deferred construction error, if any.
func (t *TelegramNotifier) SetupChannel(_ context.Context, _ domain.NotificationConfig) error {
	return t.initErr
}

// DestroyChannel tears down per-user channel state (none for telegram).
// Params: user id and provider data.
// Returns: nil.
func (t *TelegramNotifier) DestroyChannel(_ context.Context, _ string, _ map[string]string) error {
	return nil
}

// ProcessAck consumes a provider acknowledgement (telegram acks inline on send).
// Params: raw ack event.
// Returns: decode error for malformed payloads.
func (t *TelegramNotifier) ProcessAck(_ context.Context, event json.RawMessage) error {
	if len(event) == 0 {
		return nil
	}
	var probe map[string]any
	if err := json.Unmarshal(event, &probe); err != nil {
		return fmt.Errorf("decode telegram ack: %w", err)
	}
	return nil
}

// Init applies runtime properties to the provider.
// Params: property map (unused; telegram configures at construction).
// Returns: deferred construction error, if any.
func (t *TelegramNotifier) Init(_ map[string]string) error {
	return t.initErr
}

// Protocol returns the transport protocol name.
// Params: none.
// Returns: "https".
func (t *TelegramNotifier) Protocol() string {
	return "https"
}

// ServiceProviderName returns the provider identity.
// Params: none.
// Returns: "telegram".
func (t *TelegramNotifier) ServiceProviderName() string {
	return "telegram"
}
