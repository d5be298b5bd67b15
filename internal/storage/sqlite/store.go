// Package sqlite is the embedded storage backend: a single file created
// lazily under a configured data directory, accessed through
// modernc.org/sqlite (the pure-Go, cgo-free driver also used by docdb and
// tinySQL in the surrounding codebase). Each transaction holds its own
// connection in an immediate-mode exclusive write transaction from the
// moment it begins until it commits or is dropped, serialising writers
// per file while letting readers on other handles proceed under WAL.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"

	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/model"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/protoerr"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	client_id         TEXT PRIMARY KEY,
	latest_version_id TEXT NOT NULL,
	snapshot_version_id TEXT,
	snapshot_timestamp   INTEGER,
	snapshot_versions_since INTEGER,
	snapshot_data        BLOB
);

CREATE TABLE IF NOT EXISTS versions (
	client_id         TEXT NOT NULL,
	version_id        TEXT NOT NULL,
	parent_version_id TEXT NOT NULL,
	history_segment   BLOB NOT NULL,
	PRIMARY KEY (client_id, version_id)
);

CREATE INDEX IF NOT EXISTS idx_versions_parent
	ON versions (client_id, parent_version_id);
`

// Store is the embedded single-file backend.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open creates (if necessary) the database file at dataDir/db.sqlite3,
// applies the schema, and returns a ready Store. dataDir is created if
// missing.
func Open(dataDir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "db.sqlite3")

	// busy_timeout makes BEGIN IMMEDIATE block (up to 5s) behind a
	// concurrent writer instead of failing immediately with
	// SQLITE_BUSY, matching begin_txn's documented blocking-acquire
	// semantics (spec §4.1.a).
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// Each transaction holds one connection for its lifetime (see
	// BeginTx), so this caps how many transactions can be open at once.
	// Open transactions beyond the one holding the write lock wait in
	// BEGIN IMMEDIATE on SQLite's own lock, bounded by busy_timeout.
	db.SetMaxOpenConns(8)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &Store{db: db, log: log.With().Str("component", "storage.sqlite").Logger()}, nil
}

// Close releases the underlying *sql.DB.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginTx acquires a dedicated connection and opens an immediate-mode
// exclusive write transaction against it. The transaction is scoped to
// clientID for its entire lifetime.
func (s *Store) BeginTx(ctx context.Context, clientID uuid.UUID) (storage.Transaction, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: acquire connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: begin immediate: %w", err)
	}

	return &tx{conn: conn, clientID: clientID, log: s.log}, nil
}
