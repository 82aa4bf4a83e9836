// Package graphstore provides the SQLite-backed versioned property graph.
//
// Every vertex and relationship row carries the version that created it and,
// once superseded or deleted, the version that invalidated it. A read at
// version v sees exactly the rows with created_version <= v and no
// invalidation at or before v, so committed versions never change.
package graphstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/models"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS versions (
	id           INTEGER PRIMARY KEY,
	committed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	summary      TEXT NOT NULL DEFAULT '',
	checksum     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS version_changes (
	version_id INTEGER NOT NULL REFERENCES versions(id),
	kind       TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	op         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changes_version ON version_changes(version_id);
CREATE INDEX IF NOT EXISTS idx_changes_entity ON version_changes(kind, entity_id);

CREATE TABLE IF NOT EXISTS vertices (
	id              TEXT NOT NULL,
	created_version INTEGER NOT NULL,
	deleted_version INTEGER,
	label           TEXT NOT NULL DEFAULT '',
	type            TEXT NOT NULL DEFAULT '',
	attributes      TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (id, created_version)
);

CREATE INDEX IF NOT EXISTS idx_vertices_live ON vertices(id, deleted_version);

CREATE TABLE IF NOT EXISTS relationships (
	id              TEXT NOT NULL,
	created_version INTEGER NOT NULL,
	deleted_version INTEGER,
	subject         TEXT NOT NULL,
	predicate       TEXT NOT NULL,
	object          TEXT NOT NULL,
	attributes      TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (id, created_version)
);

CREATE INDEX IF NOT EXISTS idx_rel_subject ON relationships(subject);
CREATE INDEX IF NOT EXISTS idx_rel_object ON relationships(object);
CREATE INDEX IF NOT EXISTS idx_rel_predicate ON relationships(predicate);
`

// visibleAt is the row visibility predicate; it takes the version twice.
const visibleAt = `created_version <= ? AND (deleted_version IS NULL OR deleted_version > ?)`

// Store is the SQLite graph store. Readers run on the connection pool and
// never block the single writer (WAL mode).
type Store struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
// Write transactions take the database lock up front so concurrent commits
// serialize instead of failing mid-transaction.
func Open(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("graphstore: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("graphstore: ping: %w: %w", apperr.ErrGraphUnavailable, err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("graphstore: apply core schema: %w", err)
	}
	if err := initSearch(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("graphstore: apply search schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// Latest returns the most recently committed version, or 0 for an empty store.
func (s *Store) Latest(ctx context.Context) (models.VersionID, error) {
	var v models.VersionID
	if err := s.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM versions`).Scan(&v); err != nil {
		return 0, wrap("latest", err)
	}
	return v, nil
}

// resolve maps models.Latest to the newest version and rejects versions
// that have not been committed.
func (s *Store) resolve(ctx context.Context, at models.VersionID) (models.VersionID, error) {
	latest, err := s.Latest(ctx)
	if err != nil {
		return 0, err
	}
	switch {
	case at == models.Latest:
		return latest, nil
	case at == emptyVersion:
		return at, nil
	case at < 0 || at > latest:
		return 0, fmt.Errorf("graphstore: version %d: %w", at, apperr.ErrNotFound)
	}
	return at, nil
}

// wrap annotates err with the operation and classifies transport-level
// failures as ErrGraphUnavailable.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("graphstore: %s: %w", op, err)
	}
	if transient(err) {
		return fmt.Errorf("graphstore: %s: %w: %w", op, apperr.ErrGraphUnavailable, err)
	}
	return fmt.Errorf("graphstore: %s: %w", op, err)
}

func transient(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return true
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
