// Package config provides the ProofScan configuration schema, loading,
// the TTL-cached manager, and config snapshots.
package config

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/proofscan/proofscan/internal/domain/target"
)

// AuthMode selects gateway authentication.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBearer AuthMode = "bearer"
)

// Config is the top-level ProofScan configuration.
type Config struct {
	// Proxy configures the aggregating proxy surface.
	Proxy ProxyConfig `yaml:"proxy" mapstructure:"proxy"`

	// Gateway configures the HTTP gateway surface.
	Gateway GatewayConfig `yaml:"gateway" mapstructure:"gateway"`

	// Queue holds the default per-connector queue caps; individual
	// targets may override them.
	Queue QueueConfig `yaml:"queue" mapstructure:"queue"`

	// Targets lists the configured connectors and agents.
	Targets []target.Target `yaml:"targets" mapstructure:"targets" validate:"omitempty,dive"`
}

// ProxyConfig configures the aggregating proxy.
type ProxyConfig struct {
	// DBPath is the events database location. Defaults to
	// "<dir>/events.db" resolved by the caller.
	DBPath string `yaml:"db_path" mapstructure:"db_path"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// ToolSeparator joins connector id and tool name in aggregated tool
	// names. Defaults to "__".
	ToolSeparator string `yaml:"tool_separator" mapstructure:"tool_separator"`

	// Retention selects event payload retention: verbatim or hash-only.
	Retention string `yaml:"retention" mapstructure:"retention" validate:"omitempty,oneof=verbatim hash-only"`

	// MaxPayloadBytes caps stored event payloads. Defaults to 256 KiB.
	MaxPayloadBytes int `yaml:"max_payload_bytes" mapstructure:"max_payload_bytes" validate:"omitempty,min=1024"`

	// HeartbeatInterval is how often the runtime state heartbeat is
	// refreshed (e.g. "5s").
	HeartbeatInterval string `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval" validate:"omitempty"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	// Addr is the listen address. Defaults to "127.0.0.1:8091".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// AuthMode is "none" or "bearer".
	AuthMode AuthMode `yaml:"auth_mode" mapstructure:"auth_mode" validate:"omitempty,oneof=none bearer"`

	// Tokens lists accepted bearer tokens as sha256 hashes.
	Tokens []TokenConfig `yaml:"tokens" mapstructure:"tokens" validate:"omitempty,dive"`

	// HideNotFound responds 403 instead of 404 for unknown targets so
	// unauthenticated probing cannot enumerate connector ids. Defaults
	// to true in bearer mode, false otherwise.
	HideNotFound *bool `yaml:"hide_not_found" mapstructure:"hide_not_found"`

	// MaxBodyBytes caps request bodies. Defaults to 1 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes" validate:"omitempty,min=1024"`

	// RateLimit configures the per-client token bucket.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// TokenConfig is one accepted gateway bearer token.
type TokenConfig struct {
	// Name identifies the token in audit records. Nameless tokens are
	// reported as token-<index>.
	Name string `yaml:"name" mapstructure:"name"`

	// KeyHash is the SHA-256 of the token, prefixed with "sha256:".
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,startswith=sha256:"`

	// Permissions are mcp:<action>:<target> strings with * wildcards.
	Permissions []string `yaml:"permissions" mapstructure:"permissions" validate:"omitempty,dive,required"`
}

// RateLimitConfig configures gateway rate limiting.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// RequestsPerMinute is the sustained per-client rate. Defaults to 120.
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute" validate:"omitempty,min=1"`

	// Burst is the bucket size. Defaults to RequestsPerMinute.
	Burst int `yaml:"burst" mapstructure:"burst" validate:"omitempty,min=1"`
}

// QueueConfig holds default per-connector queue caps.
type QueueConfig struct {
	MaxInflight   int `yaml:"max_inflight" mapstructure:"max_inflight" validate:"omitempty,min=1"`
	MaxQueueDepth int `yaml:"max_queue_depth" mapstructure:"max_queue_depth" validate:"omitempty,min=1"`
	TimeoutMS     int `yaml:"timeout_ms" mapstructure:"timeout_ms" validate:"omitempty,min=1"`
}

// SetDefaults applies defaults for optional fields.
func (c *Config) SetDefaults() {
	if c.Proxy.LogLevel == "" {
		c.Proxy.LogLevel = "info"
	}
	if c.Proxy.ToolSeparator == "" {
		c.Proxy.ToolSeparator = "__"
	}
	if c.Proxy.Retention == "" {
		c.Proxy.Retention = "verbatim"
	}
	if c.Proxy.MaxPayloadBytes == 0 {
		c.Proxy.MaxPayloadBytes = 256 * 1024
	}
	if c.Proxy.HeartbeatInterval == "" {
		c.Proxy.HeartbeatInterval = "5s"
	}

	if c.Gateway.Addr == "" {
		c.Gateway.Addr = "127.0.0.1:8091"
	}
	if c.Gateway.AuthMode == "" {
		c.Gateway.AuthMode = AuthNone
	}
	if c.Gateway.HideNotFound == nil {
		// Bearer mode hides unknown targets behind 403 unless told not to.
		hide := c.Gateway.AuthMode == AuthBearer
		c.Gateway.HideNotFound = &hide
	}
	if c.Gateway.MaxBodyBytes == 0 {
		c.Gateway.MaxBodyBytes = 1 << 20
	}
	if c.Gateway.RateLimit.Enabled {
		if c.Gateway.RateLimit.RequestsPerMinute == 0 {
			c.Gateway.RateLimit.RequestsPerMinute = 120
		}
		if c.Gateway.RateLimit.Burst == 0 {
			c.Gateway.RateLimit.Burst = c.Gateway.RateLimit.RequestsPerMinute
		}
	}

	if c.Queue.MaxInflight == 0 {
		c.Queue.MaxInflight = 1
	}
	if c.Queue.MaxQueueDepth == 0 {
		c.Queue.MaxQueueDepth = 16
	}
	if c.Queue.TimeoutMS == 0 {
		c.Queue.TimeoutMS = 30000
	}
}

// Target returns the configured target with the given id, or nil.
func (c *Config) Target(id string) *target.Target {
	for i := range c.Targets {
		if c.Targets[i].ID == id {
			return &c.Targets[i]
		}
	}
	return nil
}

// Connectors returns the enabled connector targets.
func (c *Config) Connectors() []*target.Target {
	var out []*target.Target
	for i := range c.Targets {
		t := &c.Targets[i]
		// An unset kind means connector.
		if !t.IsAgent() && t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// Agents returns the enabled agent targets.
func (c *Config) Agents() []*target.Target {
	var out []*target.Target
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.IsAgent() && t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// Hash returns a stable hash of the canonicalized config. Equal configs
// hash equal regardless of target declaration order.
func (c *Config) Hash() (uint64, error) {
	cp := *c
	cp.Targets = append([]target.Target(nil), c.Targets...)
	sort.Slice(cp.Targets, func(i, j int) bool { return cp.Targets[i].ID < cp.Targets[j].ID })

	raw, err := yaml.Marshal(&cp)
	if err != nil {
		return 0, fmt.Errorf("canonicalize config: %w", err)
	}
	return xxhash.Sum64(raw), nil
}

// TargetHash returns a stable hash of one target's configuration, used
// by reload to decide whether a connector must be restarted.
func TargetHash(t *target.Target) (uint64, error) {
	raw, err := yaml.Marshal(t)
	if err != nil {
		return 0, fmt.Errorf("canonicalize target: %w", err)
	}
	return xxhash.Sum64(raw), nil
}
