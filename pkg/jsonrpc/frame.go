// Package jsonrpc provides the JSON-RPC 2.0 frame model used on every
// ProofScan wire: classification of raw frames into tagged variants,
// line-delimited framing for stdio transports, and canonical payload
// hashing for the event store.
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC protocol version stamped on outgoing frames.
const Version = "2.0"

// Kind classifies a frame by its wire shape.
type Kind int

const (
	// KindUnknown marks a frame that is not valid JSON-RPC. The raw bytes
	// are always retained so the recorder can persist it verbatim.
	KindUnknown Kind = iota
	// KindRequest is a call carrying both "method" and "id".
	KindRequest
	// KindResponse carries "result" or "error" correlated by "id".
	KindResponse
	// KindNotification carries "method" without "id".
	KindNotification
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Frame is a classified JSON-RPC message. Raw is always populated; the
// typed fields are filled according to Kind.
type Frame struct {
	// Raw contains the original bytes of the frame, retained even when
	// classification fails.
	Raw json.RawMessage

	// Kind is the wire shape of the frame.
	Kind Kind

	// ID is the wire id normalized to string form ("" when absent).
	// Numeric ids are rendered in their decimal representation so that
	// id 1 and id "1" from different sessions compare consistently.
	ID string

	// Method is set for requests and notifications.
	Method string

	// Params carries the raw params of a request or notification.
	Params json.RawMessage

	// Result carries the raw result of a successful response.
	Result json.RawMessage

	// Err carries the error object of a failed response.
	Err *Error
}

// IsRequest reports whether the frame is a request.
func (f *Frame) IsRequest() bool { return f.Kind == KindRequest }

// IsResponse reports whether the frame is a response.
func (f *Frame) IsResponse() bool { return f.Kind == KindResponse }

// IsNotification reports whether the frame is a notification.
func (f *Frame) IsNotification() bool { return f.Kind == KindNotification }

// Success reports whether the frame is a response without an error object.
func (f *Frame) Success() bool { return f.Kind == KindResponse && f.Err == nil }

// wireFrame mirrors the JSON-RPC envelope for classification. ID is kept
// raw so numbers, strings, and null can be told apart.
type wireFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Classify parses raw bytes into a tagged Frame. It never fails: bytes
// that are not a JSON object, or that match no JSON-RPC shape, come back
// as KindUnknown with the raw frame attached.
func Classify(raw []byte) *Frame {
	f := &Frame{Raw: raw, Kind: KindUnknown}

	var w wireFrame
	if err := json.Unmarshal(raw, &w); err != nil {
		return f
	}

	id, hasID := normalizeID(w.ID)

	switch {
	case w.Method != "" && hasID:
		f.Kind = KindRequest
		f.ID = id
		f.Method = w.Method
		f.Params = w.Params
	case w.Method != "":
		f.Kind = KindNotification
		f.Method = w.Method
		f.Params = w.Params
	case w.Result != nil || w.Error != nil:
		f.Kind = KindResponse
		f.ID = id
		f.Result = w.Result
		f.Err = w.Error
	}
	return f
}

// normalizeID converts a raw wire id to its canonical string form.
// Returns false when the id is absent or JSON null.
func normalizeID(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	// Exotic id shapes (arrays, objects) are outside JSON-RPC 2.0 but
	// still correlate if both sides echo them byte for byte.
	return string(raw), true
}

// NewRequest builds the wire bytes of a request. Params may be nil, a
// json.RawMessage, or any marshalable value.
func NewRequest(id, method string, params any) ([]byte, error) {
	return marshalEnvelope(id, method, params, nil, nil)
}

// NewNotification builds the wire bytes of a notification.
func NewNotification(method string, params any) ([]byte, error) {
	return marshalEnvelope("", method, params, nil, nil)
}

// NewResponse builds the wire bytes of a successful response.
func NewResponse(id string, result any) ([]byte, error) {
	if result == nil {
		result = struct{}{}
	}
	return marshalEnvelope(id, "", nil, result, nil)
}

// NewErrorResponse builds the wire bytes of an error response.
func NewErrorResponse(id string, code int64, message string) ([]byte, error) {
	return marshalEnvelope(id, "", nil, nil, &Error{Code: code, Message: message})
}

func marshalEnvelope(id, method string, params, result any, rpcErr *Error) ([]byte, error) {
	env := map[string]any{"jsonrpc": Version}
	if id != "" {
		// Echo numeric-looking ids back as numbers so clients that sent
		// an integer id correlate the response.
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			env["id"] = n
		} else {
			env["id"] = id
		}
	}
	switch {
	case method != "":
		env["method"] = method
		if params != nil {
			env["params"] = params
		}
	case rpcErr != nil:
		env["error"] = rpcErr
	default:
		env["result"] = result
	}
	return json.Marshal(env)
}
