package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/proofscan/proofscan/internal/adapter/outbound/store"
	"github.com/proofscan/proofscan/internal/domain/session"
	"github.com/proofscan/proofscan/internal/domain/target"
	"github.com/proofscan/proofscan/internal/recorder"
	"github.com/proofscan/proofscan/internal/version"
)

// ToolAdapter performs stateless one-shot operations against a single
// target: a fresh session, initialize, the target RPC, close. The
// session id is returned even on failure so callers can point users at
// the recorded trace.
type ToolAdapter struct {
	factory    ClientFactory
	store      *store.Store
	logger     *slog.Logger
	retention  recorder.Retention
	maxPayload int
}

// NewToolAdapter creates a ToolAdapter.
func NewToolAdapter(factory ClientFactory, st *store.Store, retention recorder.Retention, maxPayload int, logger *slog.Logger) *ToolAdapter {
	return &ToolAdapter{
		factory:    factory,
		store:      st,
		logger:     logger,
		retention:  retention,
		maxPayload: maxPayload,
	}
}

// ListTools fetches the target's tool list in a one-shot session.
func (ta *ToolAdapter) ListTools(ctx context.Context, t *target.Target) ([]Tool, string, error) {
	var tools []Tool
	sessionID, err := ta.oneShot(ctx, t, func(ctx context.Context, c Client) error {
		frame, err := c.Call(ctx, "tools/list", map[string]any{})
		if err != nil {
			return err
		}
		if frame.Err != nil {
			return frame.Err
		}
		var body struct {
			Tools []Tool `json:"tools"`
		}
		if err := json.Unmarshal(frame.Result, &body); err != nil {
			return fmt.Errorf("parse tools/list: %w", err)
		}
		tools = body.Tools
		return nil
	})
	return tools, sessionID, err
}

// GetTool fetches one tool by name.
func (ta *ToolAdapter) GetTool(ctx context.Context, t *target.Target, name string) (*Tool, string, error) {
	tools, sessionID, err := ta.ListTools(ctx, t)
	if err != nil {
		return nil, sessionID, err
	}
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i], sessionID, nil
		}
	}
	return nil, sessionID, fmt.Errorf("target %q has no tool %q", t.ID, name)
}

// CallTool invokes one tool in a one-shot session. When validateArgs is
// set, the provided arguments are checked against the tool's input
// schema (required fields and simple type tags) before the backend is
// invoked.
func (ta *ToolAdapter) CallTool(ctx context.Context, t *target.Target, name string, args map[string]any, validateArgs bool) (json.RawMessage, string, error) {
	var result json.RawMessage
	sessionID, err := ta.oneShot(ctx, t, func(ctx context.Context, c Client) error {
		if validateArgs {
			tool, err := fetchTool(ctx, c, name)
			if err != nil {
				return err
			}
			if err := ValidateArguments(tool.InputSchema, args); err != nil {
				return fmt.Errorf("tool %q: %w", name, err)
			}
		}

		frame, err := c.Call(ctx, "tools/call", map[string]any{
			"name":      name,
			"arguments": args,
		})
		if err != nil {
			return err
		}
		if frame.Err != nil {
			return frame.Err
		}
		result = frame.Result
		return nil
	})
	return result, sessionID, err
}

// oneShot opens a recorded session, connects, initializes, runs fn, and
// closes everything. The exit reason is normal on success and error on
// any failure.
func (ta *ToolAdapter) oneShot(ctx context.Context, t *target.Target, fn func(ctx context.Context, c Client) error) (string, error) {
	rec, err := recorder.Open(ta.store, t.ID, recorder.Options{
		Retention:  ta.retention,
		MaxPayload: ta.maxPayload,
		Logger:     ta.logger,
	})
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	sessionID := rec.SessionID()

	reason := session.ExitError
	defer func() { rec.Close(reason) }()

	client, err := ta.factory(t, rec.OnFrame, nil)
	if err != nil {
		return sessionID, err
	}
	defer func() {
		if err := client.Close(); err != nil {
			ta.logger.Warn("error closing one-shot client", "target", t.ID, "error", err)
		}
	}()

	frame, err := client.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "proofscan", "version": version.Version},
	})
	if err != nil {
		return sessionID, fmt.Errorf("initialize: %w", err)
	}
	if frame.Err != nil {
		return sessionID, fmt.Errorf("initialize: %w", frame.Err)
	}
	if err := client.Notify(ctx, "notifications/initialized", nil); err != nil {
		ta.logger.Debug("initialized notification failed", "target", t.ID, "error", err)
	}

	if err := fn(ctx, client); err != nil {
		return sessionID, err
	}
	reason = session.ExitNormal
	return sessionID, nil
}

func fetchTool(ctx context.Context, c Client, name string) (*Tool, error) {
	frame, err := c.Call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	if frame.Err != nil {
		return nil, frame.Err
	}
	var body struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(frame.Result, &body); err != nil {
		return nil, fmt.Errorf("parse tools/list: %w", err)
	}
	for i := range body.Tools {
		if body.Tools[i].Name == name {
			return &body.Tools[i], nil
		}
	}
	return nil, fmt.Errorf("no tool %q", name)
}

// ValidateArguments checks args against a JSON schema fragment: required
// fields must be present and declared property types must match. Only
// the simple type tags are enforced; anything richer passes through to
// the backend.
func ValidateArguments(schema json.RawMessage, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	var s struct {
		Required   []string `json:"required"`
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schema, &s); err != nil {
		// An unparseable schema is the backend's problem, not the caller's.
		return nil
	}

	for _, req := range s.Required {
		if _, ok := args[req]; !ok {
			return fmt.Errorf("missing required argument %q", req)
		}
	}
	for name, value := range args {
		prop, ok := s.Properties[name]
		if !ok || prop.Type == "" {
			continue
		}
		if !matchesType(prop.Type, value) {
			return fmt.Errorf("argument %q must be of type %s", name, prop.Type)
		}
	}
	return nil
}

func matchesType(typ string, value any) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64, json.Number:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		case json.Number:
			_, err := v.Int64()
			return err == nil
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}
