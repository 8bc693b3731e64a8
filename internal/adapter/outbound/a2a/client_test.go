package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

// ----------------------------------------------------------------------------
// SSRF guard
// ----------------------------------------------------------------------------

func TestCheckURL_RejectsPrivateAddresses(t *testing.T) {
	blocked := []string{
		"http://127.0.0.1:8080/",
		"http://10.1.2.3/",
		"http://172.16.0.1/",
		"http://192.168.1.1/",
		"http://169.254.169.254/latest/meta-data",
		"http://[::1]/",
		"http://0.0.0.0/",
	}
	for _, u := range blocked {
		err := checkURL(u)
		if err == nil {
			t.Errorf("%s: expected rejection", u)
			continue
		}
		if !strings.Contains(err.Error(), "Private or local URLs are not allowed") {
			t.Errorf("%s: unexpected error text %q", u, err)
		}
	}
}

func TestCheckURL_RejectsNonHTTPSchemes(t *testing.T) {
	if err := checkURL("ftp://example.com/"); err == nil {
		t.Error("expected scheme rejection")
	}
}

func TestCheckURL_AllowsPublicIP(t *testing.T) {
	if err := checkURL("https://8.8.8.8/agent"); err != nil {
		t.Errorf("public IP must pass: %v", err)
	}
}

func TestNew_GuardRunsAtConstruction(t *testing.T) {
	if _, err := New("http://127.0.0.1:9/"); err == nil {
		t.Fatal("expected construction-time rejection of loopback URL")
	}
	if _, err := New("http://127.0.0.1:9/", WithAllowPrivateHosts()); err != nil {
		t.Fatalf("guard override failed: %v", err)
	}
}

// ----------------------------------------------------------------------------
// Event decoding
// ----------------------------------------------------------------------------

func TestDecodeEvent_Classification(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind EventKind
	}{
		{"status update", `{"taskId":"t1","status":"working"}`, EventStatus},
		{"final status", `{"taskId":"t1","status":"completed","final":true}`, EventStatus},
		{"artifact", `{"taskId":"t1","artifact":{"name":"out","parts":[{"kind":"text","text":"hi"}]}}`, EventArtifact},
		{"message", `{"role":"agent","parts":[{"kind":"text","text":"hello"}]}`, EventMessage},
		{"task", `{"id":"t1","status":"completed","messages":[],"artifacts":[]}`, EventTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeEvent(json.RawMessage(tt.body))
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if ev.Kind != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, ev.Kind)
			}
		})
	}
}

func TestDecodeEvent_UnknownShapeFails(t *testing.T) {
	if _, err := decodeEvent(json.RawMessage(`{"nothing":"here"}`)); err == nil {
		t.Error("expected error for unrecognized event shape")
	}
}

func TestCollector_ArtifactAppendChunking(t *testing.T) {
	var c Collector
	c.Observe(&Event{Kind: EventArtifact, Artifact: &Artifact{
		Name: "report", Index: 0, Parts: []Part{{Kind: "text", Text: "chunk1 "}},
	}})
	c.Observe(&Event{Kind: EventArtifact, Artifact: &Artifact{
		Name: "report", Index: 0, Append: true, LastChunk: true,
		Parts: []Part{{Kind: "text", Text: "chunk2"}},
	}})
	c.Observe(&Event{Kind: EventStatus, TaskID: "t1", Status: StatusCompleted, Final: true})

	arts := c.Artifacts()
	if len(arts) != 1 {
		t.Fatalf("expected one assembled artifact, got %d", len(arts))
	}
	if len(arts[0].Parts) != 2 || !arts[0].LastChunk {
		t.Errorf("append chunk not merged: %+v", arts[0])
	}
	if c.Status != StatusCompleted || c.TaskID != "t1" {
		t.Errorf("collector status not folded: %s/%s", c.TaskID, c.Status)
	}
}

func TestCollector_NonAppendReplacesIndex(t *testing.T) {
	var c Collector
	c.Observe(&Event{Kind: EventArtifact, Artifact: &Artifact{Name: "a", Index: 0, Parts: []Part{{Text: "old"}}}})
	c.Observe(&Event{Kind: EventArtifact, Artifact: &Artifact{Name: "a", Index: 0, Parts: []Part{{Text: "new"}}}})
	arts := c.Artifacts()
	if len(arts) != 1 || len(arts[0].Parts) != 1 || arts[0].Parts[0].Text != "new" {
		t.Errorf("non-append artifact must replace, got %+v", arts)
	}
}

// ----------------------------------------------------------------------------
// Streaming
// ----------------------------------------------------------------------------

func sseHandler(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			f.Flush()
		}
	}
}

func envelope(id int, result string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":"%d","result":%s}`, id, result)
}

func TestStream_TerminatesOnFinal(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		envelope(1, `{"taskId":"t1","status":"working"}`),
		envelope(1, `{"taskId":"t1","artifact":{"name":"out","parts":[{"kind":"text","text":"result"}]}}`),
		envelope(1, `{"taskId":"t1","status":"completed","final":true}`),
		envelope(1, `{"taskId":"t1","status":"working"}`), // must never be delivered
	))
	defer srv.Close()

	c, err := New(srv.URL, WithAllowPrivateHosts())
	if err != nil {
		t.Fatal(err)
	}

	var kinds []EventKind
	err = c.Stream(context.Background(), &Message{Role: "user"}, func(ev *Event) error {
		kinds = append(kinds, ev.Kind)
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	want := []EventKind{EventStatus, EventArtifact, EventStatus}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
}

func TestStream_RejectsWrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithAllowPrivateHosts())
	if err != nil {
		t.Fatal(err)
	}
	err = c.Stream(context.Background(), &Message{Role: "user"}, func(*Event) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "text/event-stream") {
		t.Fatalf("expected content-type error, got %v", err)
	}
}

func TestStream_SurfacesRPCError(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"jsonrpc":"2.0","id":"1","error":{"code":-32000,"message":"agent exploded"}}`,
	))
	defer srv.Close()

	c, err := New(srv.URL, WithAllowPrivateHosts())
	if err != nil {
		t.Fatal(err)
	}
	err = c.Stream(context.Background(), &Message{Role: "user"}, func(*Event) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "agent exploded") {
		t.Fatalf("expected rpc error surfaced, got %v", err)
	}
}

func TestRun_CollectsTask(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		envelope(1, `{"taskId":"t9","status":"working"}`),
		envelope(1, `{"taskId":"t9","artifact":{"name":"out","index":0,"parts":[{"kind":"text","text":"a"}]}}`),
		envelope(1, `{"taskId":"t9","artifact":{"name":"out","index":0,"append":true,"parts":[{"kind":"text","text":"b"}]}}`),
		envelope(1, `{"taskId":"t9","status":"completed","final":true}`),
	))
	defer srv.Close()

	c, err := New(srv.URL, WithAllowPrivateHosts())
	if err != nil {
		t.Fatal(err)
	}
	col, err := c.Run(context.Background(), &Message{Role: "user", Parts: []Part{{Kind: "text", Text: "go"}}})
	if err != nil {
		t.Fatal(err)
	}
	if col.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", col.Status)
	}
	arts := col.Artifacts()
	if len(arts) != 1 || len(arts[0].Parts) != 2 {
		t.Errorf("expected one artifact with two parts, got %+v", arts)
	}
}

// ----------------------------------------------------------------------------
// Agent card fetch
// ----------------------------------------------------------------------------

func TestFetchCard_ValidCard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"helper","url":"https://agents.example.com","version":"1.2.0","description":"x"}`))
	}))
	defer srv.Close()

	card, err := FetchCard(context.Background(), srv.URL, WithAllowPrivateHosts())
	if err != nil {
		t.Fatal(err)
	}
	if card.Info.Name != "helper" || card.Info.Version != "1.2.0" {
		t.Errorf("unexpected card %+v", card.Info)
	}
	if card.Hash == "" {
		t.Error("expected content hash")
	}
}

func TestFetchCard_RetriesOnceOn5xx(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"name":"n","url":"u","version":"v"}`))
	}))
	defer srv.Close()

	if _, err := FetchCard(context.Background(), srv.URL, WithAllowPrivateHosts()); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", calls.Load())
	}
}

func TestFetchCard_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := FetchCard(context.Background(), srv.URL, WithAllowPrivateHosts()); err == nil {
		t.Fatal("expected failure")
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not retry, got %d attempts", calls.Load())
	}
}

func TestFetchCard_MissingFieldsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"incomplete"}`))
	}))
	defer srv.Close()

	if _, err := FetchCard(context.Background(), srv.URL, WithAllowPrivateHosts()); err == nil {
		t.Fatal("expected validation failure")
	}
}

func TestStream_IdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		// Hold the connection open without sending events.
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithAllowPrivateHosts(), WithIdleTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	err = c.Stream(context.Background(), &Message{Role: "user"}, func(*Event) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "idle") {
		t.Fatalf("expected idle timeout, got %v", err)
	}
}
