// Package store implements the durable state layer on embedded SQLite:
// chats, messages and cursors, scheduled tasks and run logs, background
// jobs and events, tool audit, group sessions, workflow runs, and the
// memory rows operated on by internal/memory.
//
// All goroutines share one connection (SetMaxOpenConns(1)) so writes
// serialize in-process instead of surfacing SQLITE_BUSY. Timestamps are
// stored as unix milliseconds.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the shared handle to the embedded database.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	now        func() time.Time
	ftsEnabled bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger; defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithNow injects the clock used for write timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and runs schema
// setup. Use ":memory:" in tests.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		// Only fails when the driver is unregistered; the blank import
		// above guarantees it is.
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=3000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Debug("store opened", "path", path, "fts", s.ftsEnabled)
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for sibling packages that own their
// own SQL (internal/memory).
func (s *Store) DB() *sql.DB {
	return s.db
}

// FTSEnabled reports whether the FTS5 probe succeeded at open time.
func (s *Store) FTSEnabled() bool {
	return s.ftsEnabled
}

// Now returns the store clock, for callers that must stamp rows
// consistently with it.
func (s *Store) Now() time.Time {
	return s.now()
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// nullableMs converts an optional time for a nullable INTEGER column.
func nullableMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}
