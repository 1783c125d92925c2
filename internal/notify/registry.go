package notify

import (
	"fmt"
	"sort"

	"dispatch/internal/config"
	"dispatch/internal/faults"
)

// Registry maps channel types to notifier providers with named overrides.
// Params: default provider per channel and (notificationID, region) overrides.
// Returns: non-throwing default lookup and erroring override lookup.
type Registry struct {
	defaults  map[string]Notifier
	overrides map[string]Notifier
	channels  []string
}

// NewRegistry validates the channel configuration and builds the registry.
// Params: channels config and available provider implementations by reference name.
// Returns: initialized registry, or a fatal configuration error when any
// enabled channel type lacks a configured implementation.
func NewRegistry(cfg config.ChannelsConfig, providers map[string]Notifier) (*Registry, error) {
	registry := &Registry{
		defaults:  make(map[string]Notifier),
		overrides: make(map[string]Notifier),
	}
	for _, channel := range cfg.Enabled {
		ref, ok := cfg.Implementations[channel]
		if !ok {
			return nil, faults.Configuration("enabled channel %q has no implementation mapping", channel)
		}
		provider, ok := providers[ref]
		if !ok {
			return nil, faults.Configuration("channel %q references unknown provider %q", channel, ref)
		}
		registry.defaults[channel] = provider
		registry.channels = append(registry.channels, channel)
	}
	for _, override := range cfg.Overrides {
		if _, ok := registry.defaults[override.Channel]; !ok {
			return nil, faults.Configuration("override for disabled channel %q", override.Channel)
		}
		provider, ok := providers[override.Provider]
		if !ok {
			return nil, faults.Configuration("override for channel %q references unknown provider %q", override.Channel, override.Provider)
		}
		registry.overrides[overrideKey(override.Channel, override.NotificationID, override.Region)] = provider
	}
	sort.Strings(registry.channels)
	return registry, nil
}

// overrideKey builds the named-override lookup key.
// Params: channel, notification id, and region.
// Returns: pipe-joined case-sensitive key.
func overrideKey(channel, notificationID, region string) string {
	return channel + "|" + notificationID + "|" + region
}

// Notifier returns the default provider for one channel type.
// Params: channel type.
// Returns: provider or nil when the type is not supported (non-throwing lookup).
func (r *Registry) Notifier(channelType string) Notifier {
	return r.defaults[channelType]
}

// NotifierOverride resolves a provider honoring named overrides.
// Params: channel type plus notification id and region override coordinates.
// Returns: override provider, the default as fallback, or an error when the
// channel type itself is unsupported.
func (r *Registry) NotifierOverride(channelType, notificationID, region string) (Notifier, error) {
	base, ok := r.defaults[channelType]
	if !ok {
		return nil, fmt.Errorf("channel type %q is not supported", channelType)
	}
	if provider, ok := r.overrides[overrideKey(channelType, notificationID, region)]; ok {
		return provider, nil
	}
	return base, nil
}

// Channels returns the sorted enabled channel types.
// Params: none.
// Returns: deterministic channel name slice.
func (r *Registry) Channels() []string {
	return r.channels
}
