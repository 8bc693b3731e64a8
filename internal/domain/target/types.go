// Package target defines connector and agent target configuration: the
// backends ProofScan records, proxies, and gates.
package target

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// TransportType selects how a connector is reached.
type TransportType string

const (
	// TransportStdio spawns a subprocess speaking line-delimited JSON-RPC.
	TransportStdio TransportType = "stdio"
	// TransportRPCHTTP is JSON-RPC request/response over HTTP POST.
	TransportRPCHTTP TransportType = "rpc-http"
	// TransportRPCSSE is JSON-RPC over HTTP with SSE streaming responses.
	TransportRPCSSE TransportType = "rpc-sse"
)

// Kind distinguishes MCP connectors from A2A agents.
type Kind string

const (
	KindConnector Kind = "connector"
	KindAgent     Kind = "agent"
)

// Target is a configured backend. A connector declares either a stdio
// transport (Command/Args/Env/Cwd) or an HTTP transport (URL + type); an
// agent target adds the A2A card fields. Enabled is configuration, not
// run-time health.
type Target struct {
	ID      string        `yaml:"id" mapstructure:"id" validate:"required"`
	Kind    Kind          `yaml:"kind" mapstructure:"kind" validate:"omitempty,oneof=connector agent"`
	Type    TransportType `yaml:"type" mapstructure:"type" validate:"required,oneof=stdio rpc-http rpc-sse"`
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`

	// Stdio transport fields.
	Command string            `yaml:"command" mapstructure:"command"`
	Args    []string          `yaml:"args" mapstructure:"args"`
	Env     map[string]string `yaml:"env" mapstructure:"env"`
	Cwd     string            `yaml:"cwd" mapstructure:"cwd"`

	// HTTP transport fields.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// Per-target auth header value for HTTP transports (may contain a
	// ${SECRET:ref} placeholder resolved at connect time).
	BearerToken string `yaml:"bearer_token" mapstructure:"bearer_token"`

	// Agent card fields (A2A targets).
	SchemaVersion string `yaml:"schema_version" mapstructure:"schema_version"`
	TTLSeconds    int    `yaml:"ttl_seconds" mapstructure:"ttl_seconds" validate:"omitempty,min=1"`

	// Queue overrides; zero means the proxy-level default applies.
	MaxInflight   int `yaml:"max_inflight" mapstructure:"max_inflight" validate:"omitempty,min=1"`
	MaxQueueDepth int `yaml:"max_queue_depth" mapstructure:"max_queue_depth" validate:"omitempty,min=1"`
	TimeoutMS     int `yaml:"timeout_ms" mapstructure:"timeout_ms" validate:"omitempty,min=1"`
}

// IsAgent reports whether this target is an A2A agent.
func (t *Target) IsAgent() bool { return t.Kind == KindAgent }

var validate = validator.New()

// Validate checks a single target for structural errors.
func (t *Target) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("target %q: %w", t.ID, err)
	}
	switch t.Type {
	case TransportStdio:
		if t.Command == "" {
			return fmt.Errorf("target %q: stdio transport requires command", t.ID)
		}
		if t.URL != "" {
			return fmt.Errorf("target %q: stdio transport must not set url", t.ID)
		}
	case TransportRPCHTTP, TransportRPCSSE:
		if t.URL == "" {
			return fmt.Errorf("target %q: %s transport requires url", t.ID, t.Type)
		}
		if t.Command != "" {
			return fmt.Errorf("target %q: %s transport must not set command", t.ID, t.Type)
		}
	}
	if t.IsAgent() && t.URL == "" {
		return fmt.Errorf("target %q: agent target requires url", t.ID)
	}
	return nil
}

// ValidateSet checks a list of targets, rejecting duplicate ids.
func ValidateSet(targets []Target) error {
	seen := make(map[string]bool, len(targets))
	for i := range targets {
		t := &targets[i]
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate target id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}
