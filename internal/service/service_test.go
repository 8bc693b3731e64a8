package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/proofscan/proofscan/internal/adapter/outbound/store"
	"github.com/proofscan/proofscan/internal/config"
	"github.com/proofscan/proofscan/internal/domain/session"
	"github.com/proofscan/proofscan/internal/domain/target"
	"github.com/proofscan/proofscan/internal/recorder"
	"github.com/proofscan/proofscan/pkg/jsonrpc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClient scripts a connector backend.
type fakeClient struct {
	mu        sync.Mutex
	initCount int
	calls     []string
	closed    bool
	tools     []Tool
	failCalls bool
	lastCall  struct {
		method string
		params any
	}
}

func respFrame(result string) *jsonrpc.Frame {
	return &jsonrpc.Frame{Kind: jsonrpc.KindResponse, ID: "1", Result: json.RawMessage(result)}
}

func (f *fakeClient) Call(_ context.Context, method string, params any) (*jsonrpc.Frame, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.lastCall.method = method
	f.lastCall.params = params
	f.mu.Unlock()

	if f.failCalls && method != "initialize" {
		return nil, errors.New("backend down")
	}
	switch method {
	case "initialize":
		f.mu.Lock()
		f.initCount++
		f.mu.Unlock()
		return respFrame(`{"protocolVersion":"2025-03-26","capabilities":{"tools":{}},"serverInfo":{"name":"fake","version":"1"}}`), nil
	case "tools/list":
		raw, _ := json.Marshal(map[string]any{"tools": f.tools})
		return respFrame(string(raw)), nil
	case "tools/call":
		raw, _ := json.Marshal(params)
		return respFrame(fmt.Sprintf(`{"echo":%s}`, raw)), nil
	case "prompts/get":
		raw, _ := json.Marshal(params)
		return respFrame(fmt.Sprintf(`{"prompt":%s}`, raw)), nil
	case "prompts/list":
		return respFrame(`{"prompts":[{"name":"summarize"}]}`), nil
	case "resources/list":
		return respFrame(`{"resources":[{"name":"readme","uri":"file:///README.md"}]}`), nil
	default:
		return respFrame(`{}`), nil
	}
}

func (f *fakeClient) Notify(context.Context, string, any) error { return nil }

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) inits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCount
}

func (f *fakeClient) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.calls {
		if m == method {
			n++
		}
	}
	return n
}

// fakeFactory serves scripted clients by target id and captures the
// notification callback so tests can emit backend notifications.
type fakeFactory struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	notify  map[string]func(*jsonrpc.Frame)
}

func newFakeFactory(clients map[string]*fakeClient) *fakeFactory {
	return &fakeFactory{clients: clients, notify: make(map[string]func(*jsonrpc.Frame))}
}

func (ff *fakeFactory) factory(t *target.Target, _ FrameHook, onNotification func(*jsonrpc.Frame)) (Client, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	c, ok := ff.clients[t.ID]
	if !ok {
		return nil, fmt.Errorf("spawn %s: no such command", t.ID)
	}
	ff.notify[t.ID] = onNotification
	return c, nil
}

func (ff *fakeFactory) emit(connectorID string, frame *jsonrpc.Frame) {
	ff.mu.Lock()
	fn := ff.notify[connectorID]
	ff.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

func testConfig(ids ...string) *config.Config {
	cfg := &config.Config{}
	for _, id := range ids {
		cfg.Targets = append(cfg.Targets, target.Target{
			ID: id, Type: target.TransportStdio, Enabled: true, Command: "/usr/bin/" + id,
		})
	}
	cfg.SetDefaults()
	return cfg
}

func newSupervisor(t *testing.T, cfg *config.Config, ff *fakeFactory) (*ConnectorSupervisor, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sup := NewConnectorSupervisor(cfg, ff.factory, st, testLogger())
	sup.Start(context.Background())
	t.Cleanup(sup.Close)
	return sup, st
}

// ----------------------------------------------------------------------------
// Supervisor
// ----------------------------------------------------------------------------

func TestSupervisor_InitializeIsLazyAndCached(t *testing.T) {
	fc := &fakeClient{}
	ff := newFakeFactory(map[string]*fakeClient{"alpha": fc})
	sup, _ := newSupervisor(t, testConfig("alpha"), ff)

	if fc.inits() != 0 {
		t.Fatal("initialize must not run before first use")
	}

	if _, _, err := sup.Execute(context.Background(), "alpha", "tools/list", nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := sup.Execute(context.Background(), "alpha", "tools/list", nil); err != nil {
		t.Fatal(err)
	}
	if fc.inits() != 1 {
		t.Errorf("initialize must run exactly once, got %d", fc.inits())
	}
}

func TestSupervisor_ExecuteUnknownConnector(t *testing.T) {
	ff := newFakeFactory(map[string]*fakeClient{})
	sup, _ := newSupervisor(t, testConfig(), ff)

	_, _, err := sup.Execute(context.Background(), "ghost", "tools/list", nil)
	if !errors.Is(err, ErrUnknownConnector) {
		t.Fatalf("expected ErrUnknownConnector, got %v", err)
	}
}

func TestSupervisor_HealthReflectsSpawnFailure(t *testing.T) {
	ff := newFakeFactory(map[string]*fakeClient{"good": {}})
	sup, _ := newSupervisor(t, testConfig("good", "broken"), ff)

	health := sup.Health()
	if len(health) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(health))
	}
	byID := map[string]ConnectorHealth{}
	for _, h := range health {
		byID[h.ID] = h
	}
	if !byID["good"].Healthy {
		t.Error("good connector must be healthy")
	}
	if byID["broken"].Healthy || byID["broken"].Error == "" {
		t.Errorf("broken connector must carry its error, got %+v", byID["broken"])
	}
}

func TestSupervisor_ToolsCachedAndInvalidated(t *testing.T) {
	fc := &fakeClient{tools: []Tool{{Name: "search"}}}
	ff := newFakeFactory(map[string]*fakeClient{"alpha": fc})
	sup, _ := newSupervisor(t, testConfig("alpha"), ff)

	if _, err := sup.Tools(context.Background(), "alpha", false); err != nil {
		t.Fatal(err)
	}
	if _, err := sup.Tools(context.Background(), "alpha", false); err != nil {
		t.Fatal(err)
	}
	if n := fc.callCount("tools/list"); n != 1 {
		t.Errorf("tool list must be cached, got %d fetches", n)
	}

	sup.InvalidateTools("alpha")
	if _, err := sup.Tools(context.Background(), "alpha", false); err != nil {
		t.Fatal(err)
	}
	if n := fc.callCount("tools/list"); n != 2 {
		t.Errorf("invalidate must force a refetch, got %d fetches", n)
	}
}

func TestSupervisor_Reload(t *testing.T) {
	oldClient := &fakeClient{}
	newClient := &fakeClient{}
	ff := newFakeFactory(map[string]*fakeClient{"keep": {}, "drop": oldClient, "add": newClient})
	sup, _ := newSupervisor(t, testConfig("keep", "drop"), ff)

	next := testConfig("keep", "add")
	result, err := sup.Reload(context.Background(), next)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Reloaded) != 1 || result.Reloaded[0] != "add" {
		t.Errorf("expected add reloaded, got %v", result.Reloaded)
	}
	oldClient.mu.Lock()
	closed := oldClient.closed
	oldClient.mu.Unlock()
	if !closed {
		t.Error("removed connector must be closed")
	}

	if _, _, err := sup.Execute(context.Background(), "drop", "tools/list", nil); !errors.Is(err, ErrUnknownConnector) {
		t.Errorf("removed connector must leave the table, got %v", err)
	}
	if _, _, err := sup.Execute(context.Background(), "add", "tools/list", nil); err != nil {
		t.Errorf("added connector must be usable: %v", err)
	}
}

func TestSupervisor_ReloadFailedStartDoesNotRollBack(t *testing.T) {
	ff := newFakeFactory(map[string]*fakeClient{"keep": {}, "ok": {}})
	sup, _ := newSupervisor(t, testConfig("keep"), ff)

	next := testConfig("keep", "ok", "missing")
	result, err := sup.Reload(context.Background(), next)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Reloaded) != 1 || result.Reloaded[0] != "ok" {
		t.Errorf("expected ok reloaded, got %v", result.Reloaded)
	}
	if result.Failed["missing"] == "" {
		t.Errorf("expected missing in failed set, got %v", result.Failed)
	}
	if _, _, err := sup.Execute(context.Background(), "ok", "tools/list", nil); err != nil {
		t.Errorf("successful start must survive a sibling failure: %v", err)
	}
}

// ----------------------------------------------------------------------------
// Aggregator
// ----------------------------------------------------------------------------

func newAggregator(t *testing.T, clients map[string]*fakeClient) (*Aggregator, *fakeFactory) {
	t.Helper()
	ff := newFakeFactory(clients)
	ids := make([]string, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	cfg := testConfig(ids...)
	sup, _ := newSupervisor(t, cfg, ff)
	return NewAggregator(sup, cfg.Proxy.ToolSeparator, testLogger()), ff
}

func handle(t *testing.T, a *Aggregator, raw string) *jsonrpc.Frame {
	t.Helper()
	resp := a.Handle(context.Background(), []byte(raw))
	if resp == nil {
		t.Fatal("expected a response frame")
	}
	return jsonrpc.Classify(resp)
}

func TestAggregator_InitializeAnsweredLocally(t *testing.T) {
	a, _ := newAggregator(t, map[string]*fakeClient{"alpha": {}})

	frame := handle(t, a, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"desktop"}}}`)
	if !frame.Success() {
		t.Fatalf("initialize failed: %+v", frame.Err)
	}
	var result struct {
		ServerInfo struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(frame.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ServerInfo.Name != "proofscan" {
		t.Errorf("initialize must be answered locally, got server %q", result.ServerInfo.Name)
	}

	clients := a.Clients()
	if len(clients) != 1 || clients[0].Name != "desktop" || clients[0].Sessions != 1 {
		t.Errorf("client activity not tracked: %+v", clients)
	}
}

func TestAggregator_ToolsListPrefixesAndSkipsFailures(t *testing.T) {
	a, _ := newAggregator(t, map[string]*fakeClient{
		"alpha": {tools: []Tool{{Name: "search"}, {Name: "fetch"}}},
		"beta":  {tools: []Tool{{Name: "search"}}},
		"down":  {failCalls: true},
	})

	frame := handle(t, a, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if !frame.Success() {
		t.Fatalf("tools/list failed: %+v", frame.Err)
	}
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(frame.Result, &result); err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"alpha__search", "alpha__fetch", "beta__search"} {
		if !names[want] {
			t.Errorf("missing aggregated tool %q in %v", want, names)
		}
	}
	if len(result.Tools) != 3 {
		t.Errorf("failed backend must contribute nothing, got %d tools", len(result.Tools))
	}
}

func TestAggregator_IntraConnectorCollisionIsFatal(t *testing.T) {
	a, _ := newAggregator(t, map[string]*fakeClient{
		"alpha": {tools: []Tool{{Name: "dup"}, {Name: "dup"}}},
	})

	frame := handle(t, a, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	if frame.Err == nil {
		t.Fatal("duplicate tool within one connector must fail the aggregate")
	}
}

func TestAggregator_ToolsCallRoutesByPrefix(t *testing.T) {
	fc := &fakeClient{tools: []Tool{{Name: "search"}}}
	a, _ := newAggregator(t, map[string]*fakeClient{"alpha": fc})

	frame := handle(t, a, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"alpha__search","arguments":{"q":"go"}}}`)
	if !frame.Success() {
		t.Fatalf("tools/call failed: %+v", frame.Err)
	}

	fc.mu.Lock()
	params, _ := json.Marshal(fc.lastCall.params)
	fc.mu.Unlock()
	var sent struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Name != "search" {
		t.Errorf("prefix must be stripped before the backend sees the call, got %q", sent.Name)
	}
}

func TestAggregator_ToolsCallWithoutPrefix(t *testing.T) {
	a, _ := newAggregator(t, map[string]*fakeClient{"alpha": {}})
	frame := handle(t, a, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"bare","arguments":{}}}`)
	if frame.Err == nil || frame.Err.Code != jsonrpc.CodeInvalidParams {
		t.Fatalf("unprefixed tool name must be rejected, got %+v", frame.Err)
	}
}

func TestAggregator_UnknownMethod(t *testing.T) {
	a, _ := newAggregator(t, map[string]*fakeClient{"alpha": {}})
	frame := handle(t, a, `{"jsonrpc":"2.0","id":6,"method":"sampling/createMessage"}`)
	if frame.Err == nil || frame.Err.Code != jsonrpc.CodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", frame.Err)
	}
}

func TestAggregator_PromptsGetRouted(t *testing.T) {
	fc := &fakeClient{}
	a, _ := newAggregator(t, map[string]*fakeClient{"alpha": fc})

	frame := handle(t, a, `{"jsonrpc":"2.0","id":7,"method":"prompts/get","params":{"name":"alpha__summarize"}}`)
	if !frame.Success() {
		t.Fatalf("prompts/get failed: %+v", frame.Err)
	}
	if fc.callCount("prompts/get") != 1 {
		t.Error("prompts/get must reach the backend")
	}
}

func TestAggregator_NotificationRewrittenAndForwarded(t *testing.T) {
	fc := &fakeClient{tools: []Tool{{Name: "search"}}}
	a, ff := newAggregator(t, map[string]*fakeClient{"alpha": fc})

	var mu sync.Mutex
	var forwarded []byte
	a.SetForward(func(raw []byte) {
		mu.Lock()
		forwarded = append([]byte(nil), raw...)
		mu.Unlock()
	})

	ff.emit("alpha", &jsonrpc.Frame{
		Kind:   jsonrpc.KindNotification,
		Method: "notifications/progress",
		Params: json.RawMessage(`{"name":"search","progress":0.5}`),
	})

	mu.Lock()
	defer mu.Unlock()
	if forwarded == nil {
		t.Fatal("notification was not forwarded")
	}
	frame := jsonrpc.Classify(forwarded)
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		t.Fatal(err)
	}
	if params.Name != "alpha__search" {
		t.Errorf("tool name must be rewritten with the connector prefix, got %q", params.Name)
	}
}

func TestAggregator_ListChangedInvalidatesToolCache(t *testing.T) {
	fc := &fakeClient{tools: []Tool{{Name: "search"}}}
	a, ff := newAggregator(t, map[string]*fakeClient{"alpha": fc})

	handle(t, a, `{"jsonrpc":"2.0","id":8,"method":"tools/list"}`)
	ff.emit("alpha", &jsonrpc.Frame{Kind: jsonrpc.KindNotification, Method: "notifications/tools/list_changed"})
	handle(t, a, `{"jsonrpc":"2.0","id":9,"method":"tools/list"}`)

	if n := fc.callCount("tools/list"); n != 2 {
		t.Errorf("list_changed must invalidate the cache, got %d fetches", n)
	}
}

func TestAggregator_ClientNotificationNeedsNoResponse(t *testing.T) {
	a, _ := newAggregator(t, map[string]*fakeClient{"alpha": {}})
	if resp := a.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)); resp != nil {
		t.Errorf("notifications must not produce a response, got %s", resp)
	}
}

func TestAggregator_RecordsProxyAndClientSessions(t *testing.T) {
	fc := &fakeClient{tools: []Tool{{Name: "search"}}}
	ff := newFakeFactory(map[string]*fakeClient{"alpha": fc})
	cfg := testConfig("alpha")
	sup, st := newSupervisor(t, cfg, ff)
	a := NewAggregator(sup, cfg.Proxy.ToolSeparator, testLogger())

	if err := a.StartRecording(st, recorder.Options{Logger: testLogger()}); err != nil {
		t.Fatal(err)
	}

	handle(t, a, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"desktop"}}}`)
	handle(t, a, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	a.StopRecording(session.ExitNormal)

	// The stdio surface gets its own session covering all traffic.
	proxySessions, err := st.SessionsByTarget("proxy", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(proxySessions) != 1 {
		t.Fatalf("expected one proxy session, got %d", len(proxySessions))
	}
	if proxySessions[0].ExitReason != session.ExitNormal {
		t.Errorf("exit_reason = %q", proxySessions[0].ExitReason)
	}
	events, err := st.EventsBySession(proxySessions[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 recorded frames (two request/response pairs), got %d", len(events))
	}
	if events[0].Direction != session.ClientToServer || events[1].Direction != session.ServerToClient {
		t.Errorf("unexpected directions %q %q", events[0].Direction, events[1].Direction)
	}
	if events[0].Label != "initialize" || events[2].Label != "tools/list" {
		t.Errorf("unexpected labels %q %q", events[0].Label, events[2].Label)
	}

	// initialize also derives a session for the introducing client.
	clientSessions, err := st.SessionsByTarget("client:desktop", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(clientSessions) != 1 {
		t.Fatalf("expected one derived client session, got %d", len(clientSessions))
	}
	clientEvents, err := st.EventsBySession(clientSessions[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(clientEvents) != 4 {
		t.Errorf("client session must see the same traffic, got %d frames", len(clientEvents))
	}
}

func TestAggregator_SecondInitializeReusesClientSession(t *testing.T) {
	ff := newFakeFactory(map[string]*fakeClient{"alpha": {}})
	cfg := testConfig("alpha")
	sup, st := newSupervisor(t, cfg, ff)
	a := NewAggregator(sup, cfg.Proxy.ToolSeparator, testLogger())

	if err := a.StartRecording(st, recorder.Options{Logger: testLogger()}); err != nil {
		t.Fatal(err)
	}
	handle(t, a, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"desktop"}}}`)
	handle(t, a, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"clientInfo":{"name":"desktop"}}}`)
	a.StopRecording(session.ExitNormal)

	sessions, err := st.SessionsByTarget("client:desktop", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Errorf("repeated initialize from one client must not open new sessions, got %d", len(sessions))
	}
}

func TestAggregator_HandleWithoutRecordingStillAnswers(t *testing.T) {
	a, _ := newAggregator(t, map[string]*fakeClient{"alpha": {}})
	frame := handle(t, a, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if !frame.Success() {
		t.Errorf("ping must succeed with recording disabled: %+v", frame.Err)
	}
}
