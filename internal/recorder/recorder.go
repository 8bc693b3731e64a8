// Package recorder turns raw JSON-RPC frames into persisted session
// history: rpc call bookkeeping plus append-only events with retention
// policy applied.
package recorder

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/proofscan/proofscan/internal/adapter/outbound/store"
	"github.com/proofscan/proofscan/internal/domain/session"
	"github.com/proofscan/proofscan/pkg/jsonrpc"
)

// Retention selects how much of each payload the event store keeps.
type Retention string

const (
	// RetainVerbatim stores the raw JSON up to the size cap.
	RetainVerbatim Retention = "verbatim"
	// RetainHashOnly stores only the payload hash and size.
	RetainHashOnly Retention = "hash-only"
)

const (
	// DefaultMaxPayload is the per-event storage cap. Over-cap payloads
	// keep a preview plus the full hash and original size.
	DefaultMaxPayload = 256 * 1024
	// DefaultPreviewSize is the prefix kept for over-cap payloads.
	DefaultPreviewSize = 4 * 1024
)

// dropped counts events lost to persistence failures across all
// recorders in the process. Surfaced in the proxy's runtime state.
var dropped atomic.Int64

// Drops returns the process-wide count of events that could not be
// persisted.
func Drops() int64 {
	return dropped.Load()
}

// Options tunes a Recorder.
type Options struct {
	Retention   Retention
	MaxPayload  int
	PreviewSize int
	Logger      *slog.Logger
}

// Recorder is bound to one open session. Recording never fails the
// traffic path: persistence problems are logged and swallowed.
type Recorder struct {
	store   *store.Store
	logger  *slog.Logger
	opts    Options
	session *session.Session

	mu     sync.Mutex
	closed bool
}

// Open creates a session for targetID and returns its recorder.
func Open(st *store.Store, targetID string, opts Options) (*Recorder, error) {
	if opts.Retention == "" {
		opts.Retention = RetainVerbatim
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	if opts.PreviewSize <= 0 {
		opts.PreviewSize = DefaultPreviewSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	sess, err := st.CreateSession(targetID)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		store:   st,
		logger:  opts.Logger.With("session_id", sess.ID, "target_id", targetID),
		opts:    opts,
		session: sess,
	}, nil
}

// SessionID returns the bound session id.
func (r *Recorder) SessionID() string { return r.session.ID }

// Record classifies one wire frame and persists it. Requests open rpc
// rows, responses complete them, and every frame lands as an event.
func (r *Recorder) Record(dir session.Direction, raw []byte) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	frame := jsonrpc.Classify(raw)
	kind := eventKind(frame)
	rpcID := ""

	switch frame.Kind {
	case jsonrpc.KindRequest:
		rpcID = frame.ID
		if _, err := r.store.SaveRPCCall(r.session.ID, frame.ID, frame.Method); err != nil {
			r.logger.Warn("failed to save rpc call", "rpc_id", frame.ID, "method", frame.Method, "error", err)
		}
	case jsonrpc.KindResponse:
		rpcID = frame.ID
		success := frame.Err == nil
		var code *int64
		if frame.Err != nil {
			c := int64(frame.Err.Code)
			code = &c
		}
		if err := r.store.CompleteRPCCall(r.session.ID, frame.ID, success, code); err != nil {
			// Responses to unknown ids are discarded by the store; that
			// is expected traffic, not a persistence fault.
			r.logger.Debug("rpc completion not recorded", "rpc_id", frame.ID, "error", err)
		}
	}

	r.saveEvent(dir, kind, store.EventParams{RPCID: rpcID, Label: frame.Method}, raw)
}

// RecordTransportEvent persists an out-of-band observation (process
// exit, framing failure, stderr line of note).
func (r *Recorder) RecordTransportEvent(dir session.Direction, label string, detail []byte) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.saveEvent(dir, session.KindTransportEvent, store.EventParams{Label: label}, detail)
}

// OnFrame adapts Record to the transport frame hook. outgoing frames
// flow client to server.
func (r *Recorder) OnFrame(raw []byte, outgoing bool) {
	dir := session.ServerToClient
	if outgoing {
		dir = session.ClientToServer
	}
	r.Record(dir, raw)
}

// Close ends the session with the given reason. Safe to call more than
// once; later calls are no-ops.
func (r *Recorder) Close(reason session.ExitReason) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	if err := r.store.EndSession(r.session.ID, reason); err != nil {
		r.logger.Warn("failed to end session", "reason", reason, "error", err)
	}
}

// saveEvent applies retention policy and appends the event.
func (r *Recorder) saveEvent(dir session.Direction, kind session.EventKind, p store.EventParams, payload []byte) {
	if len(payload) > 0 {
		p.PayloadHash = jsonrpc.CanonicalHash(payload)
		p.PayloadSize = int64(len(payload))
		switch {
		case r.opts.Retention == RetainHashOnly:
			p.RawJSON = nil
		case len(payload) > r.opts.MaxPayload:
			p.RawJSON = append([]byte(nil), payload[:r.opts.PreviewSize]...)
			p.Truncated = true
		default:
			p.RawJSON = append([]byte(nil), payload...)
		}
	}
	if _, err := r.store.SaveEvent(r.session.ID, dir, kind, p); err != nil {
		dropped.Add(1)
		r.logger.Warn("failed to save event", "kind", kind, "error", err)
	}
}

// eventKind maps a frame classification to the stored event kind.
func eventKind(f *jsonrpc.Frame) session.EventKind {
	switch f.Kind {
	case jsonrpc.KindRequest:
		return session.KindRequest
	case jsonrpc.KindResponse:
		return session.KindResponse
	case jsonrpc.KindNotification:
		return session.KindNotification
	default:
		return session.KindTransportEvent
	}
}
