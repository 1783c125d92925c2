package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultHTTPListen         = ":8080"
	defaultHealthPath         = "/healthz"
	defaultReadyPath          = "/readyz"
	defaultIngestPath         = "/ingest"
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultInputSubject       = "dispatch.alerts"
	defaultInputStream        = "DISPATCH_ALERTS"
	defaultInputConsumer      = "dispatch-input"
	defaultInputGroup         = "dispatch-workers"
	defaultInputWorkers       = 4
	defaultRetrySubject       = "dispatch.retry"
	defaultRetryStream        = "DISPATCH_RETRY"
	defaultRetryConsumer      = "dispatch-retry"
	defaultCallbackSubject    = "dispatch.scheduler.callback"
	defaultCallbackStream     = "DISPATCH_SCHED_CB"
	defaultCallbackConsumer   = "dispatch-sched-cb"
	defaultRequestSubject     = "dispatch.scheduler.request"
	defaultRequestStream      = "DISPATCH_SCHED_REQ"
	defaultAckWaitSec         = 30
	defaultNackDelayMS        = 1000
	defaultMaxDeliver         = -1
	defaultMaxAckPending      = 2048
	defaultKeyBucket          = "dedup_keys"
	defaultBufferBucket       = "notification_buffers"
	defaultHistoryBucket      = "alert_history"
	defaultRetryBucket        = "retry_records"
	defaultDedupIntervalMS    = int64(15 * 60 * 1000)
	defaultBloomCapacity      = uint(100_000)
	defaultBloomFPRate        = 0.01
	defaultTimezone           = "UTC"
	defaultSnoozeSeconds      = int64(300)
	defaultMaxScheduleDays    = 30
	defaultRedisAddr          = "127.0.0.1:6379"
	defaultRedisKeyPrefix     = "dispatch:dedup:"
	defaultRedisDialTimeoutMS = 2000

	// StoreBackendMemory keeps all durable stores in process memory.
	StoreBackendMemory = "memory"
	// StoreBackendNATS keeps durable stores in JetStream KV buckets.
	StoreBackendNATS = "nats"
	// StoreBackendRedis keeps the dedup key store in redis (buffers/history stay on the primary backend).
	StoreBackendRedis = "redis"
)

// Config is the full service configuration snapshot.
// Params: per-subsystem sections decoded from TOML.
// Returns: validated runtime configuration.
type Config struct {
	Service  ServiceConfig  `toml:"service"`
	Log      LogConfig      `toml:"log"`
	HTTP     HTTPConfig     `toml:"http"`
	NATS     NATSConfig     `toml:"nats"`
	Redis    RedisConfig    `toml:"redis"`
	Dedup    DedupConfig    `toml:"dedup"`
	Schedule ScheduleConfig `toml:"schedule"`
	Channels ChannelsConfig `toml:"channels"`
	Retry    RetryConfig    `toml:"retry"`
}

// ServiceConfig keeps process-wide settings.
// Params: worker count and store backend selection.
// Returns: service section.
type ServiceConfig struct {
	Workers      int    `toml:"workers"`
	StoreBackend string `toml:"store_backend"`
}

// LogConfig keeps logging sink settings.
// Params: console and file sink sections.
// Returns: log section.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig keeps one sink's settings.
// Params: enabled flag, level, format, and optional file path.
// Returns: sink section.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// HTTPConfig keeps ingest/health HTTP endpoint settings.
// Params: listen address and route paths.
// Returns: http section.
type HTTPConfig struct {
	Enabled    bool   `toml:"enabled"`
	Listen     string `toml:"listen"`
	HealthPath string `toml:"health_path"`
	ReadyPath  string `toml:"ready_path"`
	IngestPath string `toml:"ingest_path"`
}

// NATSConfig keeps JetStream transport settings for all logical topics.
// Params: server URLs, per-topic stream settings, and KV bucket names.
// Returns: nats section.
type NATSConfig struct {
	URL                []string    `toml:"url"`
	AllowCreateBuckets bool        `toml:"allow_create_buckets"`
	Input              TopicConfig `toml:"input"`
	Retry              TopicConfig `toml:"retry"`
	Callback           TopicConfig `toml:"callback"`
	Request            TopicConfig `toml:"request"`
	KeyBucket          string      `toml:"key_bucket"`
	BufferBucket       string      `toml:"buffer_bucket"`
	HistoryBucket      string      `toml:"history_bucket"`
	RetryBucket        string      `toml:"retry_bucket"`
}

// TopicConfig keeps one JetStream stream/consumer binding.
// Params: subject, stream, durable consumer name, and delivery tuning.
// Returns: topic section.
type TopicConfig struct {
	Subject       string `toml:"subject"`
	Stream        string `toml:"stream"`
	ConsumerName  string `toml:"consumer"`
	DeliverGroup  string `toml:"group"`
	AckWaitSec    int    `toml:"ack_wait_sec"`
	NackDelayMS   int    `toml:"nack_delay_ms"`
	MaxDeliver    int    `toml:"max_deliver"`
	MaxAckPending int    `toml:"max_ack_pending"`
}

// RedisConfig keeps the redis key-store backend settings.
// Params: address, credentials, and key namespace.
// Returns: redis section.
type RedisConfig struct {
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	KeyPrefix     string `toml:"key_prefix"`
	DialTimeoutMS int    `toml:"dial_timeout_ms"`
}

// DedupConfig keeps deduplication tuning.
// Params: bucketing interval and probabilistic set sizing.
// Returns: dedup section.
type DedupConfig struct {
	IntervalMS    int64   `toml:"interval_ms"`
	BloomCapacity uint    `toml:"bloom_capacity"`
	BloomFPRate   float64 `toml:"bloom_fp_rate"`
}

// ScheduleConfig keeps suppression/snooze tuning.
// Params: default timezone, fallback snooze, and schedule horizon.
// Returns: schedule section.
type ScheduleConfig struct {
	DefaultTimezone      string `toml:"default_timezone"`
	DefaultSnoozeSeconds int64  `toml:"default_snooze_seconds"`
	MaxScheduleDays      int    `toml:"max_schedule_days"`
}

// ChannelsConfig keeps the channel-notifier registry configuration.
// Params: channel→provider map, enabled set, named overrides, and provider settings.
// Returns: channels section.
type ChannelsConfig struct {
	Implementations map[string]string       `toml:"implementations"`
	Enabled         []string                `toml:"enabled"`
	Overrides       []ChannelOverrideConfig `toml:"override"`
	Telegram        TelegramConfig          `toml:"telegram"`
}

// ChannelOverrideConfig names one (notificationID, region) provider override.
// Params: channel key, override coordinates, and provider reference.
// Returns: override entry.
type ChannelOverrideConfig struct {
	Channel        string `toml:"channel"`
	NotificationID string `toml:"notification_id"`
	Region         string `toml:"region"`
	Provider       string `toml:"provider"`
}

// TelegramConfig keeps the telegram provider transport settings.
// Params: bot token and destination chat.
// Returns: telegram provider section.
type TelegramConfig struct {
	Token  string `toml:"token"`
	ChatID int64  `toml:"chat_id"`
}

// RetryConfig keeps per-fault retry budgets.
// Params: policy entries keyed by fault code.
// Returns: retry section.
type RetryConfig struct {
	Policy []RetryPolicyEntry `toml:"policy"`
}

// RetryPolicyEntry is one per-fault retry budget definition.
// Params: fault code, attempt ceiling, and redelivery delay.
// Returns: policy entry.
type RetryPolicyEntry struct {
	FaultCode   string `toml:"fault_code"`
	MaxAttempts int    `toml:"max_attempts"`
	DelayMS     int64  `toml:"delay_ms"`
}

// LoadFile reads, decodes, and validates one TOML config file.
// Params: config file path.
// Returns: validated config or load error.
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	return Load(raw)
}

// Load decodes and validates one TOML config document.
// Params: TOML document bytes.
// Returns: validated config or decode/validation error.
func Load(raw []byte) (Config, error) {
	cfg := Config{}
	// interval_ms = 0 is legal (raw-timestamp dedup keys), so the default is
	// seeded before decoding; an absent key keeps it, an explicit 0 wins.
	cfg.Dedup.IntervalMS = defaultDedupIntervalMS
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued settings with package defaults.
// Params: decoded config pointer.
// Returns: none (mutates cfg in place).
func applyDefaults(cfg *Config) {
	if cfg.Service.Workers <= 0 {
		cfg.Service.Workers = defaultInputWorkers
	}
	if cfg.Service.StoreBackend == "" {
		cfg.Service.StoreBackend = StoreBackendNATS
	}
	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if cfg.HTTP.HealthPath == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if cfg.HTTP.ReadyPath == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if cfg.HTTP.IngestPath == "" {
		cfg.HTTP.IngestPath = defaultIngestPath
	}
	if len(cfg.NATS.URL) == 0 {
		cfg.NATS.URL = []string{defaultNATSURL}
	}
	applyTopicDefaults(&cfg.NATS.Input, defaultInputSubject, defaultInputStream, defaultInputConsumer)
	applyTopicDefaults(&cfg.NATS.Retry, defaultRetrySubject, defaultRetryStream, defaultRetryConsumer)
	applyTopicDefaults(&cfg.NATS.Callback, defaultCallbackSubject, defaultCallbackStream, defaultCallbackConsumer)
	applyTopicDefaults(&cfg.NATS.Request, defaultRequestSubject, defaultRequestStream, "")
	if cfg.NATS.KeyBucket == "" {
		cfg.NATS.KeyBucket = defaultKeyBucket
	}
	if cfg.NATS.BufferBucket == "" {
		cfg.NATS.BufferBucket = defaultBufferBucket
	}
	if cfg.NATS.HistoryBucket == "" {
		cfg.NATS.HistoryBucket = defaultHistoryBucket
	}
	if cfg.NATS.RetryBucket == "" {
		cfg.NATS.RetryBucket = defaultRetryBucket
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaultRedisAddr
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = defaultRedisKeyPrefix
	}
	if cfg.Redis.DialTimeoutMS <= 0 {
		cfg.Redis.DialTimeoutMS = defaultRedisDialTimeoutMS
	}
	if cfg.Dedup.BloomCapacity == 0 {
		cfg.Dedup.BloomCapacity = defaultBloomCapacity
	}
	if cfg.Dedup.BloomFPRate <= 0 {
		cfg.Dedup.BloomFPRate = defaultBloomFPRate
	}
	if cfg.Schedule.DefaultTimezone == "" {
		cfg.Schedule.DefaultTimezone = defaultTimezone
	}
	if cfg.Schedule.DefaultSnoozeSeconds <= 0 {
		cfg.Schedule.DefaultSnoozeSeconds = defaultSnoozeSeconds
	}
	if cfg.Schedule.MaxScheduleDays <= 0 {
		cfg.Schedule.MaxScheduleDays = defaultMaxScheduleDays
	}
}

// applyTopicDefaults fills one topic binding with defaults.
// Params: topic pointer and default subject/stream/consumer names.
// Returns: none (mutates topic in place).
func applyTopicDefaults(topic *TopicConfig, subject, stream, consumer string) {
	if topic.Subject == "" {
		topic.Subject = subject
	}
	if topic.Stream == "" {
		topic.Stream = stream
	}
	if topic.ConsumerName == "" {
		topic.ConsumerName = consumer
	}
	if topic.DeliverGroup == "" {
		topic.DeliverGroup = defaultInputGroup
	}
	if topic.AckWaitSec <= 0 {
		topic.AckWaitSec = defaultAckWaitSec
	}
	if topic.NackDelayMS <= 0 {
		topic.NackDelayMS = defaultNackDelayMS
	}
	if topic.MaxDeliver == 0 {
		topic.MaxDeliver = defaultMaxDeliver
	}
	if topic.MaxAckPending <= 0 {
		topic.MaxAckPending = defaultMaxAckPending
	}
}

// Validate checks cross-field configuration consistency.
// Params: none.
// Returns: first validation error.
func (c Config) Validate() error {
	switch c.Service.StoreBackend {
	case StoreBackendMemory, StoreBackendNATS, StoreBackendRedis:
	default:
		return fmt.Errorf("service.store_backend: unsupported backend %q", c.Service.StoreBackend)
	}
	if c.Dedup.IntervalMS < 0 {
		return fmt.Errorf("dedup.interval_ms must be >=0, got %d", c.Dedup.IntervalMS)
	}
	if c.Dedup.BloomFPRate >= 1 {
		return fmt.Errorf("dedup.bloom_fp_rate must be in (0, 1), got %v", c.Dedup.BloomFPRate)
	}
	if _, err := time.LoadLocation(c.Schedule.DefaultTimezone); err != nil {
		return fmt.Errorf("schedule.default_timezone: %w", err)
	}
	for _, name := range c.Channels.Enabled {
		if strings.TrimSpace(name) == "" {
			return errors.New("channels.enabled must not contain empty names")
		}
	}
	seen := make(map[string]struct{}, len(c.Retry.Policy))
	for i, entry := range c.Retry.Policy {
		if strings.TrimSpace(entry.FaultCode) == "" {
			return fmt.Errorf("retry.policy[%d]: fault_code is required", i)
		}
		if entry.MaxAttempts <= 0 {
			return fmt.Errorf("retry.policy[%d]: max_attempts must be >0", i)
		}
		if entry.DelayMS < 0 {
			return fmt.Errorf("retry.policy[%d]: delay_ms must be >=0", i)
		}
		if _, dup := seen[entry.FaultCode]; dup {
			return fmt.Errorf("retry.policy[%d]: duplicate fault_code %q", i, entry.FaultCode)
		}
		seen[entry.FaultCode] = struct{}{}
	}
	for i, override := range c.Channels.Overrides {
		if strings.TrimSpace(override.Channel) == "" || strings.TrimSpace(override.Provider) == "" {
			return fmt.Errorf("channels.override[%d]: channel and provider are required", i)
		}
	}
	return nil
}

// EnabledChannels returns the sorted enabled channel set.
// Params: none.
// Returns: deterministic channel name slice.
func (c Config) EnabledChannels() []string {
	out := append([]string(nil), c.Channels.Enabled...)
	sort.Strings(out)
	return out
}
