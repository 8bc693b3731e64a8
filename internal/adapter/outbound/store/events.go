package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/proofscan/proofscan/internal/domain/session"
)

// EventParams carries the optional fields of SaveEvent. The recorder has
// already applied retention policy: RawJSON may be nil (hash-only) or a
// truncated preview with Truncated set.
type EventParams struct {
	RPCID       string
	Label       string
	RawJSON     []byte
	PayloadHash string
	PayloadSize int64
	Truncated   bool
}

// SaveEvent appends an event to a session, assigning the next sequence
// number. Events are append-only; seq strictly increases per session.
func (s *Store) SaveEvent(sessionID string, dir session.Direction, kind session.EventKind, p EventParams) (*session.Event, error) {
	ev := &session.Event{
		ID:          session.NewID(),
		SessionID:   sessionID,
		RPCID:       p.RPCID,
		Direction:   dir,
		Kind:        kind,
		TS:          time.Now().UTC(),
		Label:       p.Label,
		PayloadHash: p.PayloadHash,
		RawJSON:     p.RawJSON,
		PayloadSize: p.PayloadSize,
		Truncated:   p.Truncated,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErr("save event", err)
	}
	defer rollback(tx)

	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?`, sessionID,
	).Scan(&ev.Seq); err != nil {
		return nil, storeErr("save event", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO events
		 (event_id, session_id, rpc_id, direction, kind, seq, ts, label, payload_hash, raw_json, payload_size, truncated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, nullStr(ev.RPCID), string(ev.Direction), string(ev.Kind),
		ev.Seq, ev.TS.UnixMilli(), nullStr(ev.Label), nullStr(ev.PayloadHash),
		ev.RawJSON, ev.PayloadSize, boolInt(ev.Truncated),
	); err != nil {
		return nil, storeErr("save event", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("save event", err)
	}
	return ev, nil
}

// EventsBySession returns a session's events in sequence order.
func (s *Store) EventsBySession(sessionID string) ([]*session.Event, error) {
	rows, err := s.db.Query(
		`SELECT event_id, session_id, rpc_id, direction, kind, seq, ts, label, payload_hash, raw_json, payload_size, truncated
		 FROM events WHERE session_id = ? ORDER BY seq`, sessionID,
	)
	if err != nil {
		return nil, storeErr("events by session", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*session.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storeErr("events by session", err)
		}
		out = append(out, ev)
	}
	return out, storeErr("events by session", rows.Err())
}

// EventsByRPC returns the events attached to one call. The join key is
// the composite (rpc_id, session_id); rpc ids alone collide across
// sessions.
func (s *Store) EventsByRPC(sessionID, rpcID string) ([]*session.Event, error) {
	rows, err := s.db.Query(
		`SELECT e.event_id, e.session_id, e.rpc_id, e.direction, e.kind, e.seq, e.ts, e.label,
		        e.payload_hash, e.raw_json, e.payload_size, e.truncated
		 FROM events e
		 JOIN rpc_calls r ON r.rpc_id = e.rpc_id AND r.session_id = e.session_id
		 WHERE e.session_id = ? AND e.rpc_id = ?
		 ORDER BY e.seq`, sessionID, rpcID,
	)
	if err != nil {
		return nil, storeErr("events by rpc", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*session.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storeErr("events by rpc", err)
		}
		out = append(out, ev)
	}
	return out, storeErr("events by rpc", rows.Err())
}

// EventCountsByKind returns per-kind event counts for a session.
func (s *Store) EventCountsByKind(sessionID string) (map[session.EventKind]int64, error) {
	rows, err := s.db.Query(
		`SELECT kind, COUNT(*) FROM events WHERE session_id = ? GROUP BY kind`, sessionID,
	)
	if err != nil {
		return nil, storeErr("event counts", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[session.EventKind]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, storeErr("event counts", err)
		}
		out[session.EventKind(kind)] = n
	}
	return out, storeErr("event counts", rows.Err())
}

// ConnectorDetail summarizes what the store knows about one target:
// session count and the server name/version reported by the most recent
// initialize response.
type ConnectorDetail struct {
	TargetID      string
	SessionCount  int64
	ServerName    string
	ServerVersion string
}

// GetConnectorDetail extracts the server identity for a target from the
// latest recorded initialize response. The events/rpc_calls join carries
// both rpc_id and session_id so the same wire id in two sessions never
// cross-matches.
func (s *Store) GetConnectorDetail(targetID string) (*ConnectorDetail, error) {
	d := &ConnectorDetail{TargetID: targetID}

	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE target_id = ?`, targetID,
	).Scan(&d.SessionCount); err != nil {
		return nil, storeErr("connector detail", err)
	}

	var raw []byte
	err := s.db.QueryRow(
		`SELECT e.raw_json
		 FROM events e
		 JOIN rpc_calls r ON r.rpc_id = e.rpc_id AND r.session_id = e.session_id
		 JOIN sessions sess ON sess.session_id = e.session_id
		 WHERE sess.target_id = ? AND r.method = 'initialize' AND e.kind = 'response'
		   AND e.raw_json IS NOT NULL
		 ORDER BY e.ts DESC, e.seq DESC LIMIT 1`, targetID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return d, nil
	}
	if err != nil {
		return nil, storeErr("connector detail", err)
	}

	var resp struct {
		Result struct {
			ServerInfo struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err == nil {
		d.ServerName = resp.Result.ServerInfo.Name
		d.ServerVersion = resp.Result.ServerInfo.Version
	}
	return d, nil
}

func scanEvent(r rowScanner) (*session.Event, error) {
	var (
		ev        session.Event
		rpcID     sql.NullString
		label     sql.NullString
		hash      sql.NullString
		ts        int64
		truncated int
	)
	err := r.Scan(&ev.ID, &ev.SessionID, &rpcID, (*string)(&ev.Direction), (*string)(&ev.Kind),
		&ev.Seq, &ts, &label, &hash, &ev.RawJSON, &ev.PayloadSize, &truncated)
	if err != nil {
		return nil, err
	}
	ev.RPCID = rpcID.String
	ev.Label = label.String
	ev.PayloadHash = hash.String
	ev.TS = time.UnixMilli(ts).UTC()
	ev.Truncated = truncated != 0
	return &ev, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
