package store

import (
	"database/sql"
	"time"

	"github.com/proofscan/proofscan/internal/domain/session"
)

// SaveGatewayEvent appends one record to the gateway audit stream.
func (s *Store) SaveGatewayEvent(ev *session.GatewayEvent) error {
	if ev.ID == "" {
		ev.ID = session.NewID()
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO gateway_events
		 (id, request_id, trace_id, client_id, target_id, method, event_kind, decision,
		  deny_reason, status_code, latency_ms, upstream_latency_ms, error, metadata_json, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RequestID, nullStr(ev.TraceID), nullStr(ev.ClientID), nullStr(ev.TargetID),
		nullStr(ev.Method), string(ev.Kind), nullStr(string(ev.Decision)),
		nullStr(string(ev.DenyReason)), ev.StatusCode, ev.LatencyMS, ev.UpstreamLatencyMS,
		nullStr(ev.Error), ev.MetadataJSON, ev.TS.UnixMilli(),
	)
	return storeErr("save gateway event", err)
}

// GatewayEventsByRequest returns the audit records for one request id in
// emission order (the request event precedes its response).
func (s *Store) GatewayEventsByRequest(requestID string) ([]*session.GatewayEvent, error) {
	return s.queryGatewayEvents(
		`SELECT `+gatewayColumns+` FROM gateway_events WHERE request_id = ? ORDER BY ts, id`,
		requestID,
	)
}

// GatewayEventsByTrace returns the audit records carrying a trace id.
func (s *Store) GatewayEventsByTrace(traceID string) ([]*session.GatewayEvent, error) {
	return s.queryGatewayEvents(
		`SELECT `+gatewayColumns+` FROM gateway_events WHERE trace_id = ? ORDER BY ts, id`,
		traceID,
	)
}

// GatewayEventsWindow returns audit records within [from, to), newest
// first, capped at limit.
func (s *Store) GatewayEventsWindow(from, to time.Time, limit int) ([]*session.GatewayEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryGatewayEvents(
		`SELECT `+gatewayColumns+` FROM gateway_events
		 WHERE ts >= ? AND ts < ? ORDER BY ts DESC, id DESC LIMIT ?`,
		from.UnixMilli(), to.UnixMilli(), limit,
	)
}

// GatewayEventCounts returns per-kind counts within a time window.
func (s *Store) GatewayEventCounts(from, to time.Time) (map[session.GatewayEventKind]int64, error) {
	rows, err := s.db.Query(
		`SELECT event_kind, COUNT(*) FROM gateway_events WHERE ts >= ? AND ts < ? GROUP BY event_kind`,
		from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, storeErr("gateway event counts", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[session.GatewayEventKind]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, storeErr("gateway event counts", err)
		}
		out[session.GatewayEventKind(kind)] = n
	}
	return out, storeErr("gateway event counts", rows.Err())
}

const gatewayColumns = `id, request_id, trace_id, client_id, target_id, method, event_kind,
	decision, deny_reason, status_code, latency_ms, upstream_latency_ms, error, metadata_json, ts`

func (s *Store) queryGatewayEvents(query string, args ...any) ([]*session.GatewayEvent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, storeErr("query gateway events", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*session.GatewayEvent
	for rows.Next() {
		var (
			ev                                  session.GatewayEvent
			traceID, clientID, targetID, method sql.NullString
			decision, denyReason, errMsg        sql.NullString
			statusCode, latencyMS, upstreamMS   sql.NullInt64
			ts                                  int64
		)
		if err := rows.Scan(&ev.ID, &ev.RequestID, &traceID, &clientID, &targetID, &method,
			(*string)(&ev.Kind), &decision, &denyReason, &statusCode, &latencyMS, &upstreamMS,
			&errMsg, &ev.MetadataJSON, &ts); err != nil {
			return nil, storeErr("scan gateway event", err)
		}
		ev.TraceID = traceID.String
		ev.ClientID = clientID.String
		ev.TargetID = targetID.String
		ev.Method = method.String
		ev.Decision = session.Decision(decision.String)
		ev.DenyReason = session.DenyReason(denyReason.String)
		ev.StatusCode = int(statusCode.Int64)
		ev.LatencyMS = latencyMS.Int64
		ev.UpstreamLatencyMS = upstreamMS.Int64
		ev.Error = errMsg.String
		ev.TS = time.UnixMilli(ts).UTC()
		out = append(out, &ev)
	}
	return out, storeErr("scan gateway events", rows.Err())
}
