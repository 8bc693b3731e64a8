// Package store is the SQLite-backed event store: sessions, RPC calls,
// events, gateway audit records, and the agent card cache. One Store is
// opened per process; SQLite WAL mode serializes writers while readers
// stay concurrent.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a queried row does not exist.
var ErrNotFound = errors.New("store: not found")

// StoreError is a typed persistence failure. Callers treat it as
// non-fatal to request handling but fatal to observability guarantees.
type StoreError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Store wraps the events database. Safe for concurrent use; the
// connection pool is capped at one writer connection so per-session
// sequence assignment needs no application-level locking.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the events database at path and
// applies pending migrations. Pass ":memory:" for an in-memory store in
// tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := "file:" + url.PathEscape(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	// An in-memory store works because the pool is capped at a single
	// connection below; a second connection would see an empty database.
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeErr("open", err)
	}
	// A single connection keeps writes serialized ahead of SQLite's own
	// locking and makes MAX(seq)+1 assignment race-free.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
