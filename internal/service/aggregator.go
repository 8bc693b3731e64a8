package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/proofscan/proofscan/internal/adapter/outbound/store"
	"github.com/proofscan/proofscan/internal/domain/session"
	"github.com/proofscan/proofscan/internal/recorder"
	"github.com/proofscan/proofscan/internal/version"
	"github.com/proofscan/proofscan/pkg/jsonrpc"
)

// proxySessionTarget names the recorded session covering the proxy's
// own stdio surface. Per-client derived sessions use clientSessionPrefix
// plus the client name from initialize.
const (
	proxySessionTarget  = "proxy"
	clientSessionPrefix = "client:"
)

// protocolVersion is the MCP revision the aggregator speaks.
const protocolVersion = "2025-03-26"

// ClientActivity tracks one external client for runtime state.
type ClientActivity struct {
	Name      string
	LastSeen  time.Time
	Sessions  int
	ToolCalls int
}

// Aggregator exposes N backend connectors as a single MCP endpoint.
// Requests are dispatched by tool name prefix <connector_id><sep><name>.
type Aggregator struct {
	sup    *ConnectorSupervisor
	sep    string
	logger *slog.Logger

	// forward pushes rewritten backend notifications to the external
	// client. Installed by the inbound server.
	forwardMu sync.Mutex
	forward   func(raw []byte)

	mu         sync.Mutex
	clients    map[string]*ClientActivity
	lastClient string

	// Recording state. Nil until StartRecording; the aggregator then
	// persists every frame it exchanges with the external client.
	recMu      sync.Mutex
	recStore   *store.Store
	recOpts    recorder.Options
	proxyRec   *recorder.Recorder
	clientRecs map[string]*recorder.Recorder
	activeRec  *recorder.Recorder
}

// NewAggregator creates the proxy core over a supervisor. It installs
// itself as the supervisor's notification handler.
func NewAggregator(sup *ConnectorSupervisor, toolSeparator string, logger *slog.Logger) *Aggregator {
	a := &Aggregator{
		sup:     sup,
		sep:     toolSeparator,
		logger:  logger,
		clients: make(map[string]*ClientActivity),
	}
	sup.SetNotificationHandler(a.onBackendNotification)
	return a
}

// SetForward installs the notification sink toward the external client.
func (a *Aggregator) SetForward(fn func(raw []byte)) {
	a.forwardMu.Lock()
	a.forward = fn
	a.forwardMu.Unlock()
}

// StartRecording opens the proxy's own session and enables derived
// per-client sessions keyed by the client name from initialize.
func (a *Aggregator) StartRecording(st *store.Store, opts recorder.Options) error {
	rec, err := recorder.Open(st, proxySessionTarget, opts)
	if err != nil {
		return err
	}
	a.recMu.Lock()
	a.recStore = st
	a.recOpts = opts
	a.proxyRec = rec
	a.clientRecs = make(map[string]*recorder.Recorder)
	a.activeRec = nil
	a.recMu.Unlock()
	return nil
}

// StopRecording closes the proxy session and every derived client
// session with the given reason. Safe without a prior StartRecording.
func (a *Aggregator) StopRecording(reason session.ExitReason) {
	a.recMu.Lock()
	proxy := a.proxyRec
	clients := a.clientRecs
	a.recStore = nil
	a.proxyRec = nil
	a.clientRecs = nil
	a.activeRec = nil
	a.recMu.Unlock()

	if proxy != nil {
		proxy.Close(reason)
	}
	for _, rec := range clients {
		rec.Close(reason)
	}
}

// record persists one frame into the proxy session and, when a client
// has introduced itself, into that client's derived session.
func (a *Aggregator) record(dir session.Direction, raw []byte) {
	a.recMu.Lock()
	proxy := a.proxyRec
	active := a.activeRec
	a.recMu.Unlock()

	if proxy != nil {
		proxy.Record(dir, raw)
	}
	if active != nil {
		active.Record(dir, raw)
	}
}

// openClientSession binds subsequent frames to the named client's
// derived session, opening it on first sight.
func (a *Aggregator) openClientSession(name string) {
	a.recMu.Lock()
	defer a.recMu.Unlock()
	if a.clientRecs == nil {
		return
	}
	rec, ok := a.clientRecs[name]
	if !ok {
		r, err := recorder.Open(a.recStore, clientSessionPrefix+name, a.recOpts)
		if err != nil {
			a.logger.Warn("failed to open client session", "client", name, "error", err)
			return
		}
		rec = r
		a.clientRecs[name] = rec
	}
	a.activeRec = rec
}

// Clients returns a snapshot of external client activity.
func (a *Aggregator) Clients() []ClientActivity {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ClientActivity, 0, len(a.clients))
	for _, c := range a.clients {
		out = append(out, *c)
	}
	return out
}

// Handle dispatches one client frame. Requests return a response frame;
// notifications return nil.
func (a *Aggregator) Handle(ctx context.Context, raw []byte) []byte {
	frame := jsonrpc.Classify(raw)
	var resp []byte
	switch frame.Kind {
	case jsonrpc.KindRequest:
		resp = a.handleRequest(ctx, frame)
	case jsonrpc.KindNotification:
		// Client-side notifications (e.g. notifications/initialized)
		// need no action beyond having been recorded.
	case jsonrpc.KindResponse:
		a.logger.Warn("unexpected response frame from client", "id", frame.ID)
	}

	// Recording after dispatch lets an initialize frame land in the
	// client session it just opened; request before response keeps the
	// event order on the wire.
	a.record(session.ClientToServer, raw)
	if resp != nil {
		a.record(session.ServerToClient, resp)
	}
	return resp
}

func (a *Aggregator) handleRequest(ctx context.Context, frame *jsonrpc.Frame) []byte {
	switch {
	case frame.Method == "initialize":
		return a.handleInitialize(frame)
	case frame.Method == "ping":
		return mustResponse(frame.ID, map[string]any{})
	case frame.Method == "tools/list":
		return a.handleToolsList(ctx, frame)
	case frame.Method == "tools/call":
		return a.handleToolsCall(ctx, frame)
	case frame.Method == "prompts/list":
		return a.handleFanOutList(ctx, frame, "prompts")
	case frame.Method == "prompts/get":
		return a.handleRouted(ctx, frame, "name")
	case frame.Method == "resources/list":
		return a.handleFanOutList(ctx, frame, "resources")
	case strings.HasPrefix(frame.Method, "resources/"):
		return a.handleRouted(ctx, frame, "uri")
	default:
		return mustError(frame.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method %q is not supported", frame.Method))
	}
}

// handleInitialize answers locally with aggregated capabilities and
// tracks the client for runtime state.
func (a *Aggregator) handleInitialize(frame *jsonrpc.Frame) []byte {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name string `json:"name"`
		} `json:"clientInfo"`
	}
	_ = json.Unmarshal(frame.Params, &params)

	name := params.ClientInfo.Name
	if name == "" {
		name = "unknown"
	}
	a.mu.Lock()
	c, ok := a.clients[name]
	if !ok {
		c = &ClientActivity{Name: name}
		a.clients[name] = c
	}
	c.Sessions++
	c.LastSeen = time.Now().UTC()
	a.lastClient = name
	a.mu.Unlock()

	a.openClientSession(name)

	pv := params.ProtocolVersion
	if pv == "" {
		pv = protocolVersion
	}
	return mustResponse(frame.ID, map[string]any{
		"protocolVersion": pv,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"prompts":   map[string]any{},
			"resources": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "proofscan",
			"version": version.Version,
		},
	})
}

// handleToolsList fans out to every connector, prefixes tool names, and
// concatenates. A backend failure removes its tools from the answer but
// never fails the aggregate; a duplicate name within one connector does.
func (a *Aggregator) handleToolsList(ctx context.Context, frame *jsonrpc.Frame) []byte {
	aggregated := make([]Tool, 0)
	for _, id := range a.sortedIDs() {
		tools, err := a.sup.Tools(ctx, id, false)
		if err != nil {
			a.logger.Warn("connector excluded from tools/list", "connector", id, "error", err)
			continue
		}
		seen := make(map[string]bool, len(tools))
		for _, tool := range tools {
			if seen[tool.Name] {
				return mustError(frame.ID, jsonrpc.CodeInternalError,
					fmt.Sprintf("connector %q declares tool %q more than once", id, tool.Name))
			}
			seen[tool.Name] = true
			tool.Name = id + a.sep + tool.Name
			aggregated = append(aggregated, tool)
		}
	}
	return mustResponse(frame.ID, map[string]any{"tools": aggregated})
}

// handleToolsCall strips the connector prefix from the tool name and
// routes the call through that connector's queue.
func (a *Aggregator) handleToolsCall(ctx context.Context, frame *jsonrpc.Frame) []byte {
	var params map[string]json.RawMessage
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return mustError(frame.ID, jsonrpc.CodeInvalidParams, "tools/call params must be an object")
	}
	var name string
	if err := json.Unmarshal(params["name"], &name); err != nil || name == "" {
		return mustError(frame.ID, jsonrpc.CodeInvalidParams, "tools/call requires a tool name")
	}

	connectorID, bare, err := a.splitName(name)
	if err != nil {
		return mustError(frame.ID, jsonrpc.CodeInvalidParams, err.Error())
	}
	params["name"], _ = json.Marshal(bare)

	a.countToolCall()
	result, _, err := a.sup.Execute(ctx, connectorID, "tools/call", params)
	if err != nil {
		return upstreamError(frame.ID, err)
	}
	return mustResponse(frame.ID, json.RawMessage(result))
}

// handleFanOutList aggregates prompts/list or resources/list across all
// connectors, prefixing the name (and uri, for resources) of each item.
func (a *Aggregator) handleFanOutList(ctx context.Context, frame *jsonrpc.Frame, field string) []byte {
	aggregated := make([]map[string]json.RawMessage, 0)
	for _, id := range a.sortedIDs() {
		result, _, err := a.sup.Execute(ctx, id, frame.Method, json.RawMessage(frame.Params))
		if err != nil {
			a.logger.Warn("connector excluded from aggregate list",
				"connector", id, "method", frame.Method, "error", err)
			continue
		}
		var body map[string]json.RawMessage
		if err := json.Unmarshal(result, &body); err != nil {
			a.logger.Warn("connector returned malformed list", "connector", id, "method", frame.Method)
			continue
		}
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(body[field], &items); err != nil {
			continue
		}
		for _, item := range items {
			for _, key := range []string{"name", "uri"} {
				var v string
				if err := json.Unmarshal(item[key], &v); err == nil && v != "" {
					item[key], _ = json.Marshal(id + a.sep + v)
				}
			}
			aggregated = append(aggregated, item)
		}
	}
	return mustResponse(frame.ID, map[string]any{field: aggregated})
}

// handleRouted routes a request by stripping the connector prefix from
// the named params field (prompts/get name, resources/read uri).
func (a *Aggregator) handleRouted(ctx context.Context, frame *jsonrpc.Frame, field string) []byte {
	var params map[string]json.RawMessage
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return mustError(frame.ID, jsonrpc.CodeInvalidParams, "params must be an object")
	}
	var value string
	if err := json.Unmarshal(params[field], &value); err != nil || value == "" {
		return mustError(frame.ID, jsonrpc.CodeInvalidParams,
			fmt.Sprintf("%s requires %q", frame.Method, field))
	}
	connectorID, bare, err := a.splitName(value)
	if err != nil {
		return mustError(frame.ID, jsonrpc.CodeInvalidParams, err.Error())
	}
	params[field], _ = json.Marshal(bare)

	result, _, err := a.sup.Execute(ctx, connectorID, frame.Method, params)
	if err != nil {
		return upstreamError(frame.ID, err)
	}
	return mustResponse(frame.ID, json.RawMessage(result))
}

// onBackendNotification rewrites tool names in backend notifications and
// forwards them to the external client.
func (a *Aggregator) onBackendNotification(connectorID string, frame *jsonrpc.Frame) {
	if frame.Method == "notifications/tools/list_changed" {
		a.sup.InvalidateTools(connectorID)
	}

	params := frame.Params
	var body map[string]json.RawMessage
	if len(params) > 0 && json.Unmarshal(params, &body) == nil {
		var name string
		if err := json.Unmarshal(body["name"], &name); err == nil && name != "" {
			body["name"], _ = json.Marshal(connectorID + a.sep + name)
			params, _ = json.Marshal(body)
		}
	}

	raw, err := jsonrpc.NewNotification(frame.Method, json.RawMessage(params))
	if err != nil {
		return
	}
	a.forwardMu.Lock()
	fn := a.forward
	a.forwardMu.Unlock()
	if fn != nil {
		a.record(session.ServerToClient, raw)
		fn(raw)
	}
}

// splitName separates <connector_id><sep><name>.
func (a *Aggregator) splitName(full string) (connectorID, name string, err error) {
	idx := strings.Index(full, a.sep)
	if idx <= 0 || idx+len(a.sep) >= len(full) {
		return "", "", fmt.Errorf("name %q is missing the connector prefix", full)
	}
	return full[:idx], full[idx+len(a.sep):], nil
}

func (a *Aggregator) sortedIDs() []string {
	ids := a.sup.IDs()
	sort.Strings(ids)
	return ids
}

// countToolCall attributes a tool call to the client that initialized
// this connection most recently.
func (a *Aggregator) countToolCall() {
	a.mu.Lock()
	if c, ok := a.clients[a.lastClient]; ok {
		c.ToolCalls++
		c.LastSeen = time.Now().UTC()
	}
	a.mu.Unlock()
}

// mustResponse builds a response frame; encoding only fails on
// unmarshalable values, which the call sites never pass.
func mustResponse(id string, result any) []byte {
	raw, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		raw, _ = jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "failed to encode response")
	}
	return raw
}

func mustError(id string, code int64, message string) []byte {
	raw, _ := jsonrpc.NewErrorResponse(id, code, message)
	return raw
}

// upstreamError maps an execution failure to a JSON-RPC error response,
// preserving backend error codes where present.
func upstreamError(id string, err error) []byte {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return mustError(id, rpcErr.Code, rpcErr.Message)
	}
	return mustError(id, jsonrpc.CodeInternalError, err.Error())
}
