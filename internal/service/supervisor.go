package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/proofscan/proofscan/internal/adapter/outbound/store"
	"github.com/proofscan/proofscan/internal/config"
	"github.com/proofscan/proofscan/internal/domain/queue"
	"github.com/proofscan/proofscan/internal/domain/session"
	"github.com/proofscan/proofscan/internal/domain/target"
	"github.com/proofscan/proofscan/internal/recorder"
	"github.com/proofscan/proofscan/internal/version"
	"github.com/proofscan/proofscan/pkg/jsonrpc"
)

// Tool is one backend tool as reported by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// connector is the live state of one supervised backend.
type connector struct {
	target *target.Target
	client Client
	rec    *recorder.Recorder

	mu          sync.Mutex
	initialized bool
	initResult  json.RawMessage
	tools       []Tool
	healthy     bool
	lastErr     string
}

// ConnectorSupervisor owns the connector table. The table is an
// immutable snapshot swapped atomically at reload boundaries; in-flight
// requests keep using the snapshot they captured.
type ConnectorSupervisor struct {
	factory ClientFactory
	queues  *queue.Manager
	store   *store.Store
	logger  *slog.Logger

	retention  recorder.Retention
	maxPayload int
	defaults   queue.Options

	mu    sync.RWMutex
	table map[string]*connector
	cfg   *config.Config

	// onNotification forwards backend notifications upward. Set once by
	// the aggregator before Start.
	onNotification func(connectorID string, frame *jsonrpc.Frame)
}

// NewConnectorSupervisor creates a supervisor around a config snapshot.
func NewConnectorSupervisor(cfg *config.Config, factory ClientFactory, st *store.Store, logger *slog.Logger) *ConnectorSupervisor {
	defaults := queue.Options{
		MaxInflight:   cfg.Queue.MaxInflight,
		MaxQueueDepth: cfg.Queue.MaxQueueDepth,
		Timeout:       time.Duration(cfg.Queue.TimeoutMS) * time.Millisecond,
	}
	return &ConnectorSupervisor{
		factory:    factory,
		queues:     queue.NewManager(defaults),
		store:      st,
		logger:     logger,
		retention:  recorder.Retention(cfg.Proxy.Retention),
		maxPayload: cfg.Proxy.MaxPayloadBytes,
		defaults:   defaults,
		table:      make(map[string]*connector),
		cfg:        cfg,
	}
}

// SetNotificationHandler installs the backend notification sink. Must be
// called before Start.
func (s *ConnectorSupervisor) SetNotificationHandler(fn func(connectorID string, frame *jsonrpc.Frame)) {
	s.onNotification = fn
}

// Start spawns every enabled connector. A connector that fails to spawn
// is marked unhealthy but does not fail the others.
func (s *ConnectorSupervisor) Start(ctx context.Context) {
	table := make(map[string]*connector)
	for _, t := range s.cfg.Connectors() {
		c := s.startConnector(t)
		table[t.ID] = c
	}
	s.mu.Lock()
	s.table = table
	s.mu.Unlock()
}

// startConnector spawns one backend and opens its recording session.
func (s *ConnectorSupervisor) startConnector(t *target.Target) *connector {
	c := &connector{target: t}

	rec, err := recorder.Open(s.store, t.ID, recorder.Options{
		Retention:  s.retention,
		MaxPayload: s.maxPayload,
		Logger:     s.logger,
	})
	if err != nil {
		s.logger.Warn("recording disabled for connector", "connector", t.ID, "error", err)
	} else {
		c.rec = rec
	}

	var hook FrameHook
	if c.rec != nil {
		hook = c.rec.OnFrame
	}
	client, err := s.factory(t, hook, func(frame *jsonrpc.Frame) {
		if s.onNotification != nil {
			s.onNotification(t.ID, frame)
		}
	})
	if err != nil {
		c.lastErr = err.Error()
		s.logger.Error("failed to start connector", "connector", t.ID, "error", err)
		if c.rec != nil {
			c.rec.Close(session.ExitError)
			c.rec = nil
		}
		return c
	}
	c.client = client
	c.healthy = true

	s.queues.Configure(t.ID, s.queueOptions(t))
	return c
}

// queueOptions resolves per-target queue overrides over the defaults.
func (s *ConnectorSupervisor) queueOptions(t *target.Target) queue.Options {
	opts := s.defaults
	if t.MaxInflight > 0 {
		opts.MaxInflight = t.MaxInflight
	}
	if t.MaxQueueDepth > 0 {
		opts.MaxQueueDepth = t.MaxQueueDepth
	}
	if t.TimeoutMS > 0 {
		opts.Timeout = time.Duration(t.TimeoutMS) * time.Millisecond
	}
	return opts
}

// get returns the connector from the current table snapshot.
func (s *ConnectorSupervisor) get(id string) (*connector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.table[id]
	return c, ok
}

// IDs returns the connector ids in the current table.
func (s *ConnectorSupervisor) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.table))
	for id := range s.table {
		out = append(out, id)
	}
	return out
}

// ErrUnknownConnector is returned for ids outside the current table.
var ErrUnknownConnector = fmt.Errorf("unknown connector")

// ensureInitialized performs the backend initialize handshake once and
// caches the result.
func (s *ConnectorSupervisor) ensureInitialized(ctx context.Context, c *connector) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	if c.client == nil {
		return fmt.Errorf("connector %q: not running: %s", c.target.ID, c.lastErr)
	}

	frame, err := c.client.Call(ctx, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "proofscan", "version": version.Version},
	})
	if err != nil {
		c.healthy = false
		c.lastErr = err.Error()
		return fmt.Errorf("connector %q: initialize: %w", c.target.ID, err)
	}
	if frame.Err != nil {
		c.healthy = false
		c.lastErr = frame.Err.Error()
		return fmt.Errorf("connector %q: initialize: %w", c.target.ID, frame.Err)
	}
	if err := c.client.Notify(ctx, "notifications/initialized", nil); err != nil {
		s.logger.Debug("initialized notification failed", "connector", c.target.ID, "error", err)
	}

	c.initialized = true
	c.initResult = frame.Result
	c.healthy = true
	c.lastErr = ""
	return nil
}

// InitializeResult returns the cached backend initialize result,
// performing the handshake if needed.
func (s *ConnectorSupervisor) InitializeResult(ctx context.Context, id string) (json.RawMessage, error) {
	c, ok := s.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnector, id)
	}
	if err := s.ensureInitialized(ctx, c); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initResult, nil
}

// Execute routes one RPC through the connector's queue, initializing
// the backend first if needed. The returned queue.Result carries wait
// and upstream latency.
func (s *ConnectorSupervisor) Execute(ctx context.Context, id, method string, params any) (json.RawMessage, queue.Result, error) {
	c, ok := s.get(id)
	if !ok {
		return nil, queue.Result{}, fmt.Errorf("%w: %q", ErrUnknownConnector, id)
	}

	res, err := s.queues.Enqueue(ctx, id, func(execCtx context.Context) (json.RawMessage, error) {
		if err := s.ensureInitialized(execCtx, c); err != nil {
			return nil, err
		}
		frame, err := c.client.Call(execCtx, method, params)
		if err != nil {
			c.mu.Lock()
			c.healthy = false
			c.lastErr = err.Error()
			c.mu.Unlock()
			return nil, err
		}
		if frame.Err != nil {
			return nil, frame.Err
		}
		c.mu.Lock()
		c.healthy = true
		c.lastErr = ""
		c.mu.Unlock()
		return frame.Result, nil
	})
	if err != nil {
		return nil, res, err
	}
	return res.Payload, res, nil
}

// Tools returns the connector's tool list, fetching and caching it on
// first use. refresh forces a refetch.
func (s *ConnectorSupervisor) Tools(ctx context.Context, id string, refresh bool) ([]Tool, error) {
	c, ok := s.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnector, id)
	}
	c.mu.Lock()
	cached := c.tools
	c.mu.Unlock()
	if cached != nil && !refresh {
		return cached, nil
	}

	result, _, err := s.Execute(ctx, id, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var body struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, fmt.Errorf("connector %q: parse tools/list: %w", id, err)
	}

	c.mu.Lock()
	c.tools = body.Tools
	c.mu.Unlock()
	return body.Tools, nil
}

// InvalidateTools drops the cached tool list, typically on a
// tools/list_changed notification.
func (s *ConnectorSupervisor) InvalidateTools(id string) {
	if c, ok := s.get(id); ok {
		c.mu.Lock()
		c.tools = nil
		c.mu.Unlock()
	}
}

// ConnectorHealth is the runtime-state view of one connector.
type ConnectorHealth struct {
	ID        string
	Healthy   bool
	ToolCount int
	Error     string
}

// Health reports the current table's connector health for runtime state.
func (s *ConnectorSupervisor) Health() []ConnectorHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConnectorHealth, 0, len(s.table))
	for id, c := range s.table {
		c.mu.Lock()
		out = append(out, ConnectorHealth{
			ID:        id,
			Healthy:   c.healthy,
			ToolCount: len(c.tools),
			Error:     c.lastErr,
		})
		c.mu.Unlock()
	}
	return out
}

// ReloadResult reports the per-connector outcome of a reload.
type ReloadResult struct {
	Reloaded []string          `json:"reloadedConnectors"`
	Failed   map[string]string `json:"failedConnectors,omitempty"`
}

// Reload diffs the current config against next and applies the change:
// removed and changed connectors drain and close, added and changed
// connectors start fresh, and the table is swapped atomically at the
// end. A failing start does not roll back the others.
func (s *ConnectorSupervisor) Reload(ctx context.Context, next *config.Config) (*ReloadResult, error) {
	s.mu.RLock()
	old := s.cfg
	s.mu.RUnlock()

	diff, err := config.DiffTargets(old, next)
	if err != nil {
		return nil, err
	}

	result := &ReloadResult{Failed: make(map[string]string)}
	closing := append(append([]string(nil), diff.Removed...), diff.Changed...)
	for _, id := range closing {
		s.stopConnector(id)
	}

	// Build the next table starting from surviving connectors.
	table := make(map[string]*connector)
	s.mu.RLock()
	for id, c := range s.table {
		if next.Target(id) != nil && !contains(closing, id) {
			table[id] = c
		}
	}
	s.mu.RUnlock()

	starting := append(append([]string(nil), diff.Added...), diff.Changed...)
	for _, id := range starting {
		t := next.Target(id)
		if t == nil || t.IsAgent() || !t.Enabled {
			continue
		}
		c := s.startConnector(t)
		table[id] = c
		if c.client == nil {
			result.Failed[id] = c.lastErr
		} else {
			result.Reloaded = append(result.Reloaded, id)
		}
	}

	s.mu.Lock()
	s.table = table
	s.cfg = next
	s.mu.Unlock()

	if len(result.Failed) == 0 {
		result.Failed = nil
	}
	return result, nil
}

// stopConnector drains the connector's queue, closes its transport, and
// ends its recording session.
func (s *ConnectorSupervisor) stopConnector(id string) {
	c, ok := s.get(id)
	if !ok {
		return
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := s.queues.Drain(drainCtx, id); err != nil {
		s.logger.Warn("queue drain timed out", "connector", id, "error", err)
	}
	cancel()
	s.queues.Remove(id)
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			s.logger.Warn("error closing connector", "connector", id, "error", err)
		}
	}
	if c.rec != nil {
		c.rec.Close(session.ExitNormal)
	}
}

// Close stops every connector and the queue manager.
func (s *ConnectorSupervisor) Close() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.table))
	for id := range s.table {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.stopConnector(id)
	}
	s.queues.Close()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
