package jsonrpc

import (
	"encoding/json"
	"io"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Classify tests
// ---------------------------------------------------------------------------

func TestClassify_Request(t *testing.T) {
	f := Classify([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"x"}}`))
	if f.Kind != KindRequest {
		t.Fatalf("expected request, got %s", f.Kind)
	}
	if f.ID != "1" {
		t.Errorf("expected normalized id '1', got %q", f.ID)
	}
	if f.Method != "tools/call" {
		t.Errorf("expected method tools/call, got %q", f.Method)
	}
}

func TestClassify_StringAndNumericIDsNormalizeEqually(t *testing.T) {
	numeric := Classify([]byte(`{"jsonrpc":"2.0","id":42,"method":"m"}`))
	str := Classify([]byte(`{"jsonrpc":"2.0","id":"42","method":"m"}`))
	if numeric.ID != str.ID {
		t.Errorf("expected equal normalized ids, got %q vs %q", numeric.ID, str.ID)
	}
}

func TestClassify_Notification(t *testing.T) {
	f := Classify([]byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`))
	if f.Kind != KindNotification {
		t.Fatalf("expected notification, got %s", f.Kind)
	}
	if f.ID != "" {
		t.Errorf("notification must not carry an id, got %q", f.ID)
	}
}

func TestClassify_NullIDIsNotification(t *testing.T) {
	f := Classify([]byte(`{"jsonrpc":"2.0","id":null,"method":"m"}`))
	if f.Kind != KindNotification {
		t.Errorf("id:null with method should classify as notification, got %s", f.Kind)
	}
}

func TestClassify_SuccessResponse(t *testing.T) {
	f := Classify([]byte(`{"jsonrpc":"2.0","id":"7","result":{"ok":true}}`))
	if f.Kind != KindResponse {
		t.Fatalf("expected response, got %s", f.Kind)
	}
	if !f.Success() {
		t.Error("expected Success() true")
	}
}

func TestClassify_ErrorResponse(t *testing.T) {
	f := Classify([]byte(`{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"not found"}}`))
	if f.Kind != KindResponse {
		t.Fatalf("expected response, got %s", f.Kind)
	}
	if f.Success() {
		t.Error("expected Success() false")
	}
	if f.Err == nil || f.Err.Code != CodeMethodNotFound {
		t.Errorf("expected error code %d, got %+v", CodeMethodNotFound, f.Err)
	}
}

func TestClassify_GarbageIsUnknownWithRawRetained(t *testing.T) {
	raw := []byte(`this is not json`)
	f := Classify(raw)
	if f.Kind != KindUnknown {
		t.Fatalf("expected unknown, got %s", f.Kind)
	}
	if string(f.Raw) != string(raw) {
		t.Error("unknown frame must retain raw bytes")
	}
}

func TestClassify_EmptyObjectIsUnknown(t *testing.T) {
	if f := Classify([]byte(`{}`)); f.Kind != KindUnknown {
		t.Errorf("expected unknown for empty object, got %s", f.Kind)
	}
}

// ---------------------------------------------------------------------------
// Envelope construction tests
// ---------------------------------------------------------------------------

func TestNewRequest_NumericIDEchoedAsNumber(t *testing.T) {
	raw, err := NewRequest("5", "tools/list", nil)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if string(m["id"]) != "5" {
		t.Errorf("expected numeric id 5 on the wire, got %s", m["id"])
	}
}

func TestNewErrorResponse_RoundTrip(t *testing.T) {
	raw, err := NewErrorResponse("abc", CodeParseError, "parse error")
	if err != nil {
		t.Fatal(err)
	}
	f := Classify(raw)
	if f.Kind != KindResponse || f.Err == nil {
		t.Fatalf("expected error response, got %+v", f)
	}
	if f.ID != "abc" || f.Err.Code != CodeParseError {
		t.Errorf("unexpected round trip: id=%q code=%d", f.ID, f.Err.Code)
	}
}

// ---------------------------------------------------------------------------
// Line codec tests
// ---------------------------------------------------------------------------

func TestReader_SkipsEmptyLinesAndAccumulates(t *testing.T) {
	r := NewReader(strings.NewReader("{\"a\":1}\n\n\n{\"b\":2}\n"))

	first, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != `{"a":1}` {
		t.Errorf("unexpected first frame: %s", first)
	}

	second, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if string(second) != `{"b":2}` {
		t.Errorf("unexpected second frame: %s", second)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestWriter_TerminatesFramesWithNewline(t *testing.T) {
	var sb strings.Builder
	w := NewWriter(&sb)
	if err := w.WriteFrame([]byte(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	if sb.String() != "{\"x\":1}\n" {
		t.Errorf("unexpected output: %q", sb.String())
	}
}

func TestWriter_RejectsEmbeddedNewline(t *testing.T) {
	w := NewWriter(io.Discard)
	if err := w.WriteFrame([]byte("{\n}")); err == nil {
		t.Error("expected error for embedded newline")
	}
}

// ---------------------------------------------------------------------------
// Canonical hash tests
// ---------------------------------------------------------------------------

func TestCanonicalHash_IgnoresFormatting(t *testing.T) {
	a := CanonicalHash([]byte(`{"b": 2, "a": 1}`))
	b := CanonicalHash([]byte(`{"a":1,"b":2}`))
	if a != b {
		t.Errorf("expected equal hashes, got %s vs %s", a, b)
	}
}

func TestCanonicalHash_DistinguishesValues(t *testing.T) {
	a := CanonicalHash([]byte(`{"a":1}`))
	b := CanonicalHash([]byte(`{"a":2}`))
	if a == b {
		t.Error("expected different hashes for different values")
	}
}

func TestCanonicalHash_NonJSONIsStable(t *testing.T) {
	a := CanonicalHash([]byte("garbage"))
	b := CanonicalHash([]byte("garbage"))
	if a != b || len(a) != 64 {
		t.Errorf("expected stable 64-hex digest, got %q / %q", a, b)
	}
}
