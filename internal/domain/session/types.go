// Package session defines the persistent observability model: sessions,
// RPC calls, events, and gateway audit records. These are the rows the
// event store writes and every read surface consumes.
package session

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ExitReason records how a session terminated.
type ExitReason string

const (
	ExitNormal  ExitReason = "normal"
	ExitError   ExitReason = "error"
	ExitKilled  ExitReason = "killed"
	ExitTimeout ExitReason = "timeout"
)

// Direction indicates the flow direction of a recorded message.
type Direction string

const (
	ClientToServer Direction = "client_to_server"
	ServerToClient Direction = "server_to_client"
)

// EventKind classifies a recorded event.
type EventKind string

const (
	KindRequest        EventKind = "request"
	KindResponse       EventKind = "response"
	KindNotification   EventKind = "notification"
	KindTransportEvent EventKind = "transport_event"
)

// Session is one open transport lifecycle plus all its traffic.
// EndedAt stays nil until the session terminates and is set exactly once.
type Session struct {
	ID             string
	TargetID       string
	StartedAt      time.Time
	EndedAt        *time.Time
	ExitReason     ExitReason
	Protected      bool
	SecretRefCount int
}

// Active reports whether the session has not yet been terminated.
func (s *Session) Active() bool { return s.EndedAt == nil }

// RPCCall is one request/response pair within a session. Identity is the
// composite (RPCID, SessionID): JSON-RPC id 1 may collide across sessions,
// so every join against events carries both columns.
type RPCCall struct {
	RPCID      string
	SessionID  string
	Method     string
	RequestTS  time.Time
	ResponseTS *time.Time
	// Success is nil while the call is pending.
	Success   *bool
	ErrorCode *int64
}

// Pending reports whether the call has not yet seen a response.
func (c *RPCCall) Pending() bool { return c.ResponseTS == nil }

// Event is one append-only observation within a session. Seq strictly
// increases per session.
type Event struct {
	ID        string
	SessionID string
	RPCID     string
	Direction Direction
	Kind      EventKind
	Seq       int64
	TS        time.Time
	Label     string
	// PayloadHash is the SHA-256 of the canonicalized payload, retained
	// even when RawJSON is elided.
	PayloadHash string
	RawJSON     []byte
	// PayloadSize is the byte length of the payload as seen on the wire,
	// which may exceed len(RawJSON) when the stored body was truncated.
	PayloadSize int64
	Truncated   bool
}

// GatewayEventKind classifies a gateway audit record.
type GatewayEventKind string

const (
	GatewayAuthSuccess GatewayEventKind = "gateway_auth_success"
	GatewayAuthFailure GatewayEventKind = "gateway_auth_failure"
	GatewayMCPRequest  GatewayEventKind = "gateway_mcp_request"
	GatewayMCPResponse GatewayEventKind = "gateway_mcp_response"
	GatewayA2ARequest  GatewayEventKind = "gateway_a2a_request"
	GatewayA2AResponse GatewayEventKind = "gateway_a2a_response"
	GatewayError       GatewayEventKind = "gateway_error"
)

// Decision is the gateway's allow/deny outcome. Empty when not applicable.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// DenyReason explains an auth failure. It is recorded for operators; the
// caller only ever sees the uniform 401/403.
type DenyReason string

const (
	DenyMissing                DenyReason = "missing"
	DenyMalformed              DenyReason = "malformed"
	DenyUnknownToken           DenyReason = "unknown_token"
	DenyInsufficientPermission DenyReason = "insufficient_permission"
)

// GatewayEvent is one record in the gateway's independent audit stream.
// A request event precedes its matching response/error event, correlated
// by RequestID.
type GatewayEvent struct {
	ID                string
	RequestID         string
	TraceID           string
	ClientID          string
	TargetID          string
	Method            string
	Kind              GatewayEventKind
	Decision          Decision
	DenyReason        DenyReason
	StatusCode        int
	LatencyMS         int64
	UpstreamLatencyMS int64
	Error             string
	MetadataJSON      []byte
	TS                time.Time
}

// entropy is the shared monotonic ULID source. ULIDs sort by creation
// time, which keeps session and event listings naturally ordered.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh ULID string for session and event identities.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
