package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// migrations are applied in order at open. Each entry runs in its own
// transaction; the stored schema_version integer records progress so a
// reopen is idempotent.
var migrations = []string{
	// v1: core observability tables.
	`
	CREATE TABLE IF NOT EXISTS sessions (
		session_id       TEXT PRIMARY KEY,
		target_id        TEXT NOT NULL,
		started_at       INTEGER NOT NULL,
		ended_at         INTEGER,
		exit_reason      TEXT,
		protected        INTEGER NOT NULL DEFAULT 0,
		secret_ref_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_target ON sessions(target_id, started_at);

	CREATE TABLE IF NOT EXISTS rpc_calls (
		rpc_id      TEXT NOT NULL,
		session_id  TEXT NOT NULL,
		method      TEXT NOT NULL,
		request_ts  INTEGER NOT NULL,
		response_ts INTEGER,
		success     INTEGER,
		error_code  INTEGER,
		PRIMARY KEY (rpc_id, session_id),
		FOREIGN KEY (session_id) REFERENCES sessions(session_id)
	);

	CREATE TABLE IF NOT EXISTS events (
		event_id     TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		rpc_id       TEXT,
		direction    TEXT NOT NULL,
		kind         TEXT NOT NULL,
		seq          INTEGER NOT NULL,
		ts           INTEGER NOT NULL,
		label        TEXT,
		payload_hash TEXT,
		raw_json     BLOB,
		payload_size INTEGER NOT NULL DEFAULT 0,
		truncated    INTEGER NOT NULL DEFAULT 0,
		UNIQUE (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_events_rpc ON events(session_id, rpc_id);
	`,
	// v2: gateway audit stream.
	`
	CREATE TABLE IF NOT EXISTS gateway_events (
		id                  TEXT PRIMARY KEY,
		request_id          TEXT NOT NULL,
		trace_id            TEXT,
		client_id           TEXT,
		target_id           TEXT,
		method              TEXT,
		event_kind          TEXT NOT NULL,
		decision            TEXT,
		deny_reason         TEXT,
		status_code         INTEGER,
		latency_ms          INTEGER,
		upstream_latency_ms INTEGER,
		error               TEXT,
		metadata_json       BLOB,
		ts                  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_gateway_request ON gateway_events(request_id);
	CREATE INDEX IF NOT EXISTS idx_gateway_trace ON gateway_events(trace_id);
	CREATE INDEX IF NOT EXISTS idx_gateway_ts ON gateway_events(ts);
	`,
	// v3: agent card cache.
	`
	CREATE TABLE IF NOT EXISTS agent_cards (
		target_id  TEXT PRIMARY KEY,
		card_json  BLOB NOT NULL,
		hash       TEXT NOT NULL,
		fetched_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`,
}

// migrate brings the schema up to the current version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return storeErr("migrate", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return storeErr("migrate", err)
		}
	case err != nil:
		return storeErr("migrate", err)
	}

	for v := version; v < len(migrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return storeErr("migrate", err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			rollback(tx)
			return storeErr(fmt.Sprintf("migrate to v%d", v+1), err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, v+1); err != nil {
			rollback(tx)
			return storeErr("migrate", err)
		}
		if err := tx.Commit(); err != nil {
			return storeErr("migrate", err)
		}
		if s.logger != nil {
			s.logger.Debug("schema migrated", "version", v+1)
		}
	}
	return nil
}
