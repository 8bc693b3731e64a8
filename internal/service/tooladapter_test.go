package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/proofscan/proofscan/internal/adapter/outbound/a2a"
	"github.com/proofscan/proofscan/internal/adapter/outbound/store"
	"github.com/proofscan/proofscan/internal/config"
	"github.com/proofscan/proofscan/internal/domain/session"
	"github.com/proofscan/proofscan/internal/domain/target"
	"github.com/proofscan/proofscan/internal/recorder"
)

func newToolAdapter(t *testing.T, ff *fakeFactory) (*ToolAdapter, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ta := NewToolAdapter(ff.factory, st, recorder.RetainVerbatim, 0, testLogger())
	return ta, st
}

func stdioTestTarget(id string) *target.Target {
	return &target.Target{ID: id, Type: target.TransportStdio, Enabled: true, Command: "/usr/bin/" + id}
}

// ----------------------------------------------------------------------------
// ToolAdapter
// ----------------------------------------------------------------------------

func TestToolAdapter_ListTools(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["q"],"properties":{"q":{"type":"string"}}}`)
	fc := &fakeClient{tools: []Tool{{Name: "search", InputSchema: schema}}}
	ff := newFakeFactory(map[string]*fakeClient{"alpha": fc})
	ta, st := newToolAdapter(t, ff)

	tools, sessionID, err := ta.ListTools(context.Background(), stdioTestTarget("alpha"))
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 1 || tools[0].Name != "search" {
		t.Errorf("unexpected tools %+v", tools)
	}
	if sessionID == "" {
		t.Fatal("one-shot operations must report their session id")
	}

	sess, err := st.Session(sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.ExitReason != session.ExitNormal {
		t.Errorf("expected normal exit, got %q", sess.ExitReason)
	}

	fc.mu.Lock()
	closed := fc.closed
	fc.mu.Unlock()
	if !closed {
		t.Error("one-shot client must be closed")
	}
}

func TestToolAdapter_GetToolMissing(t *testing.T) {
	ff := newFakeFactory(map[string]*fakeClient{"alpha": {tools: []Tool{{Name: "search"}}}})
	ta, _ := newToolAdapter(t, ff)

	_, sessionID, err := ta.GetTool(context.Background(), stdioTestTarget("alpha"), "absent")
	if err == nil || !strings.Contains(err.Error(), "absent") {
		t.Fatalf("expected missing-tool error, got %v", err)
	}
	if sessionID == "" {
		t.Error("session id must be returned even on failure")
	}
}

func TestToolAdapter_CallToolRecordsErrorExit(t *testing.T) {
	schema := json.RawMessage(`{"required":["q"],"properties":{"q":{"type":"string"}}}`)
	fc := &fakeClient{tools: []Tool{{Name: "search", InputSchema: schema}}}
	ff := newFakeFactory(map[string]*fakeClient{"alpha": fc})
	ta, st := newToolAdapter(t, ff)

	_, sessionID, err := ta.CallTool(context.Background(), stdioTestTarget("alpha"), "search", map[string]any{}, true)
	if err == nil || !strings.Contains(err.Error(), "q") {
		t.Fatalf("expected validation failure on missing argument, got %v", err)
	}
	if sessionID == "" {
		t.Fatal("session id must be returned even on failure")
	}

	sess, err := st.Session(sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.ExitReason != session.ExitError {
		t.Errorf("expected error exit, got %q", sess.ExitReason)
	}
	if fc.callCount("tools/call") != 0 {
		t.Error("validation failures must not reach the backend")
	}
}

func TestToolAdapter_CallTool(t *testing.T) {
	fc := &fakeClient{tools: []Tool{{Name: "search"}}}
	ff := newFakeFactory(map[string]*fakeClient{"alpha": fc})
	ta, _ := newToolAdapter(t, ff)

	result, sessionID, err := ta.CallTool(context.Background(), stdioTestTarget("alpha"), "search", map[string]any{"q": "go"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if sessionID == "" || len(result) == 0 {
		t.Errorf("expected result and session id, got %q %s", sessionID, result)
	}
}

func TestToolAdapter_SpawnFailureStillReturnsSession(t *testing.T) {
	ff := newFakeFactory(map[string]*fakeClient{})
	ta, st := newToolAdapter(t, ff)

	_, sessionID, err := ta.ListTools(context.Background(), stdioTestTarget("ghost"))
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	if sessionID == "" {
		t.Fatal("session id must be returned once the session was opened")
	}
	sess, err := st.Session(sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.ExitReason != session.ExitError {
		t.Errorf("expected error exit, got %q", sess.ExitReason)
	}
}

// ----------------------------------------------------------------------------
// Argument validation
// ----------------------------------------------------------------------------

func TestValidateArguments(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {"type": "string"},
			"limit": {"type": "integer"},
			"ratio": {"type": "number"},
			"deep":  {"type": "boolean"},
			"tags":  {"type": "array"},
			"opts":  {"type": "object"}
		}
	}`)

	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{"valid minimal", map[string]any{"query": "go"}, ""},
		{"valid full", map[string]any{
			"query": "go", "limit": float64(5), "ratio": 0.5,
			"deep": true, "tags": []any{"a"}, "opts": map[string]any{},
		}, ""},
		{"missing required", map[string]any{"limit": float64(5)}, "query"},
		{"wrong string", map[string]any{"query": 42}, "query"},
		{"fractional integer", map[string]any{"query": "go", "limit": 1.5}, "limit"},
		{"integral float is integer", map[string]any{"query": "go", "limit": float64(3)}, ""},
		{"wrong boolean", map[string]any{"query": "go", "deep": "yes"}, "deep"},
		{"undeclared passes", map[string]any{"query": "go", "extra": 1}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArguments(schema, tt.args)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateArguments_EmptyOrBrokenSchema(t *testing.T) {
	if err := ValidateArguments(nil, map[string]any{"anything": 1}); err != nil {
		t.Errorf("empty schema must accept all arguments: %v", err)
	}
	if err := ValidateArguments(json.RawMessage(`not json`), map[string]any{"x": 1}); err != nil {
		t.Errorf("unparseable schema must pass through: %v", err)
	}
}

// ----------------------------------------------------------------------------
// CardService
// ----------------------------------------------------------------------------

func agentTestTarget(id string, ttl int) target.Target {
	return target.Target{
		ID: id, Kind: target.KindAgent, Enabled: true,
		URL: "https://agent.example.com", TTLSeconds: ttl,
	}
}

func newCardService(t *testing.T, fetch cardFetcher) (*CardService, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	svc := NewCardService(st, testLogger())
	svc.fetch = fetch
	return svc, st
}

func stubCard(raw string) cardFetcher {
	return func(context.Context, string, ...a2a.Option) (*a2a.FetchedCard, error) {
		return &a2a.FetchedCard{
			Raw:       json.RawMessage(raw),
			Hash:      "sha256:stub",
			FetchedAt: time.Now().UTC(),
		}, nil
	}
}

func TestCardService_RefreshAndGet(t *testing.T) {
	svc, _ := newCardService(t, stubCard(`{"name":"agent","url":"https://agent.example.com","version":"1.0"}`))

	agent := agentTestTarget("bot", 120)
	card, err := svc.Refresh(context.Background(), &agent)
	if err != nil {
		t.Fatal(err)
	}
	wantExpiry := card.FetchedAt.Add(120 * time.Second)
	if !card.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("ttl_seconds must drive expiry: got %v want %v", card.ExpiresAt, wantExpiry)
	}

	cached, err := svc.Get("bot")
	if err != nil {
		t.Fatal(err)
	}
	if cached.Hash != "sha256:stub" || cached.Stale() {
		t.Errorf("unexpected cached card %+v", cached)
	}
}

func TestCardService_RefreshRejectsConnector(t *testing.T) {
	svc, _ := newCardService(t, stubCard(`{}`))
	conn := *stdioTestTarget("alpha")
	if _, err := svc.Refresh(context.Background(), &conn); err == nil {
		t.Fatal("refreshing a connector target must fail")
	}
}

func TestCardService_Scan(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context, url string, opts ...a2a.Option) (*a2a.FetchedCard, error) {
		calls++
		if strings.Contains(url, "down") {
			return nil, errors.New("connection refused")
		}
		return stubCard(`{"name":"a","url":"u","version":"1"}`)(ctx, url, opts...)
	}
	svc, st := newCardService(t, fetch)

	fresh := agentTestTarget("fresh", 3600)
	missing := agentTestTarget("missing", 3600)
	failing := agentTestTarget("failing", 3600)
	failing.URL = "https://down.example.com"

	if err := st.PutAgentCard(&store.AgentCard{
		TargetID:  "fresh",
		CardJSON:  json.RawMessage(`{}`),
		Hash:      "sha256:old",
		FetchedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{Targets: []target.Target{fresh, missing, failing}}
	cfg.SetDefaults()

	result := svc.Scan(context.Background(), cfg, false)
	if len(result.Fresh) != 1 || result.Fresh[0] != "fresh" {
		t.Errorf("fresh card must be skipped, got %v", result.Fresh)
	}
	if len(result.Refreshed) != 1 || result.Refreshed[0] != "missing" {
		t.Errorf("missing card must be refreshed, got %v", result.Refreshed)
	}
	if result.Failed["failing"] == "" {
		t.Errorf("failure must be reported per agent, got %v", result.Failed)
	}
	if calls != 2 {
		t.Errorf("expected 2 fetches, got %d", calls)
	}

	// force refreshes the fresh card too.
	result = svc.Scan(context.Background(), cfg, true)
	if len(result.Refreshed) != 2 {
		t.Errorf("force must refresh all reachable agents, got %v", result.Refreshed)
	}
}
