// Package config loads the gateway's configuration surface from a YAML file
// on disk, falling back to the embedded defaults for anything the file
// omits.
package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/northwing-bms/bacnet-gateway/eventlog"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Device is the device metadata the gateway exposes over BACnet.
type Device struct {
	Instance    uint32 `yaml:"instance"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	VendorID    uint32 `yaml:"vendor_id"`
	VendorName  string `yaml:"vendor_name"`
	Model       string `yaml:"model"`
	Location    string `yaml:"location"`
}

// Network is the BACnet wire binding.
type Network struct {
	UDPPort          int    `yaml:"udp_port"`
	Interface        string `yaml:"interface"`
	BroadcastAddress string `yaml:"broadcast_address"`
}

// COV carries the COV Engine's defaults.
type COV struct {
	DefaultLifetime  uint32 `yaml:"default_lifetime"`
	MaxSubscriptions int    `yaml:"max_subscriptions"`
}

// Subscription is one configured event-log subscription worker.
type Subscription struct {
	SubscriptionID string `yaml:"subscription_id"`
	StreamName     string `yaml:"stream_name"`
	GroupName      string `yaml:"group_name"`
	StartFrom      string `yaml:"start_from"` // "begin" | "end" | "position"
	StartPosition  uint64 `yaml:"start_position"`
	InstanceOffset uint32 `yaml:"instance_offset"`
	Enabled        bool   `yaml:"enabled"`
}

// ToEventlogConfig converts the YAML-facing Subscription into the
// eventlog.SubscriptionConfig the coordinator consumes.
func (s Subscription) ToEventlogConfig() (eventlog.SubscriptionConfig, error) {
	cfg := eventlog.SubscriptionConfig{
		SubscriptionID: s.SubscriptionID,
		StreamName:     s.StreamName,
		GroupName:      s.GroupName,
		InstanceOffset: s.InstanceOffset,
		Enabled:        s.Enabled,
	}
	switch s.StartFrom {
	case "", "begin":
		cfg.StartFrom = eventlog.StartFrom{Kind: eventlog.StartBegin}
	case "end":
		cfg.StartFrom = eventlog.StartFrom{Kind: eventlog.StartEnd}
	case "position":
		cfg.StartFrom = eventlog.StartFrom{Kind: eventlog.StartPosition, Position: s.StartPosition}
	default:
		return cfg, fmt.Errorf("config: subscription %s: unknown start_from %q", s.SubscriptionID, s.StartFrom)
	}
	return cfg, nil
}

// EventLog is the event-log transport binding.
type EventLog struct {
	URL string `yaml:"url"`
}

// SSA is the Snapshot Store Adapter's connection string.
type SSA struct {
	DSN string `yaml:"dsn"`
}

// Config is the gateway's full configuration surface.
type Config struct {
	Device        Device         `yaml:"device"`
	Network       Network        `yaml:"network"`
	COV           COV            `yaml:"cov"`
	Subscriptions []Subscription `yaml:"subscriptions"`
	EventLog      EventLog       `yaml:"event_log"`
	Store         SSA            `yaml:"store"`
}

// Load parses path, falling back to the embedded defaults for anything
// absent from it. A missing file at path is not an error: the embedded
// defaults are used outright, which lets a bare `bacnet-gateway` startup
// work without any on-disk configuration.
func Load(path string) (*Config, error) {
	cfg := defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

func defaults() Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultYAML, &cfg); err != nil {
		panic(fmt.Sprintf("config: embedded default YAML is invalid: %v", err))
	}
	return cfg
}
