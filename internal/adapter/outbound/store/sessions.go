package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/proofscan/proofscan/internal/domain/session"
)

// CreateSession inserts a new session for the given target and returns it.
func (s *Store) CreateSession(targetID string) (*session.Session, error) {
	sess := &session.Session{
		ID:        session.NewID(),
		TargetID:  targetID,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (session_id, target_id, started_at) VALUES (?, ?, ?)`,
		sess.ID, sess.TargetID, sess.StartedAt.UnixMilli(),
	)
	if err != nil {
		return nil, storeErr("create session", err)
	}
	return sess, nil
}

// EndSession sets ended_at and exit_reason if the session is still open.
// A second call is a no-op: ended_at is set exactly once.
func (s *Store) EndSession(sessionID string, reason session.ExitReason) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET ended_at = ?, exit_reason = ? WHERE session_id = ? AND ended_at IS NULL`,
		time.Now().UTC().UnixMilli(), string(reason), sessionID,
	)
	return storeErr("end session", err)
}

// SetProtected marks or unmarks a session as protected from pruning.
func (s *Store) SetProtected(sessionID string, protected bool) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET protected = ? WHERE session_id = ?`, boolInt(protected), sessionID,
	)
	if err != nil {
		return storeErr("set protected", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Session returns a session by id, or ErrNotFound.
func (s *Store) Session(sessionID string) (*session.Session, error) {
	row := s.db.QueryRow(
		`SELECT session_id, target_id, started_at, ended_at, exit_reason, protected, secret_ref_count
		 FROM sessions WHERE session_id = ?`, sessionID,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	return sess, nil
}

// SessionsByTarget returns sessions for a target, newest first.
func (s *Store) SessionsByTarget(targetID string, limit int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT session_id, target_id, started_at, ended_at, exit_reason, protected, secret_ref_count
		 FROM sessions WHERE target_id = ? ORDER BY started_at DESC, session_id DESC LIMIT ?`,
		targetID, limit,
	)
	if err != nil {
		return nil, storeErr("sessions by target", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

// RecentSessions returns the most recent sessions across all targets.
func (s *Store) RecentSessions(limit int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT session_id, target_id, started_at, ended_at, exit_reason, protected, secret_ref_count
		 FROM sessions ORDER BY started_at DESC, session_id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, storeErr("recent sessions", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

// SaveRPCCall records an outgoing request. Saving the same composite
// (rpc_id, session_id) again returns the existing row unchanged.
func (s *Store) SaveRPCCall(sessionID, rpcID, method string) (*session.RPCCall, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO rpc_calls (rpc_id, session_id, method, request_ts)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (rpc_id, session_id) DO NOTHING`,
		rpcID, sessionID, method, now.UnixMilli(),
	)
	if err != nil {
		return nil, storeErr("save rpc call", err)
	}
	return s.RPCCall(sessionID, rpcID)
}

// CompleteRPCCall records the response for a pending call. A second
// completion is ignored. Responses to an unknown (id, session) pair
// return ErrNotFound so the recorder can warn and discard.
func (s *Store) CompleteRPCCall(sessionID, rpcID string, success bool, errorCode *int64) error {
	var exists int
	err := s.db.QueryRow(
		`SELECT 1 FROM rpc_calls WHERE rpc_id = ? AND session_id = ?`, rpcID, sessionID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return storeErr("complete rpc call", err)
	}

	_, err = s.db.Exec(
		`UPDATE rpc_calls SET response_ts = ?, success = ?, error_code = ?
		 WHERE rpc_id = ? AND session_id = ? AND response_ts IS NULL`,
		time.Now().UTC().UnixMilli(), boolInt(success), errorCode, rpcID, sessionID,
	)
	return storeErr("complete rpc call", err)
}

// RPCCall returns one call by its composite key, or ErrNotFound.
func (s *Store) RPCCall(sessionID, rpcID string) (*session.RPCCall, error) {
	row := s.db.QueryRow(
		`SELECT rpc_id, session_id, method, request_ts, response_ts, success, error_code
		 FROM rpc_calls WHERE rpc_id = ? AND session_id = ?`, rpcID, sessionID,
	)
	call, err := scanRPCCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get rpc call", err)
	}
	return call, nil
}

// RPCCallsBySession returns all calls in a session ordered by request time.
func (s *Store) RPCCallsBySession(sessionID string) ([]*session.RPCCall, error) {
	rows, err := s.db.Query(
		`SELECT rpc_id, session_id, method, request_ts, response_ts, success, error_code
		 FROM rpc_calls WHERE session_id = ? ORDER BY request_ts, rpc_id`, sessionID,
	)
	if err != nil {
		return nil, storeErr("rpc calls by session", err)
	}
	defer func() { _ = rows.Close() }()

	var calls []*session.RPCCall
	for rows.Next() {
		c, err := scanRPCCall(rows)
		if err != nil {
			return nil, storeErr("rpc calls by session", err)
		}
		calls = append(calls, c)
	}
	return calls, storeErr("rpc calls by session", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*session.Session, error) {
	var (
		sess      session.Session
		startedAt int64
		endedAt   sql.NullInt64
		reason    sql.NullString
		protected int
	)
	err := r.Scan(&sess.ID, &sess.TargetID, &startedAt, &endedAt, &reason, &protected, &sess.SecretRefCount)
	if err != nil {
		return nil, err
	}
	sess.StartedAt = time.UnixMilli(startedAt).UTC()
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64).UTC()
		sess.EndedAt = &t
	}
	sess.ExitReason = session.ExitReason(reason.String)
	sess.Protected = protected != 0
	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]*session.Session, error) {
	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("scan session", err)
		}
		out = append(out, sess)
	}
	return out, storeErr("scan sessions", rows.Err())
}

func scanRPCCall(r rowScanner) (*session.RPCCall, error) {
	var (
		call       session.RPCCall
		requestTS  int64
		responseTS sql.NullInt64
		success    sql.NullInt64
		errorCode  sql.NullInt64
	)
	err := r.Scan(&call.RPCID, &call.SessionID, &call.Method, &requestTS, &responseTS, &success, &errorCode)
	if err != nil {
		return nil, err
	}
	call.RequestTS = time.UnixMilli(requestTS).UTC()
	if responseTS.Valid {
		t := time.UnixMilli(responseTS.Int64).UTC()
		call.ResponseTS = &t
	}
	if success.Valid {
		b := success.Int64 != 0
		call.Success = &b
	}
	if errorCode.Valid {
		call.ErrorCode = &errorCode.Int64
	}
	return &call, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
