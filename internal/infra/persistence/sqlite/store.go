// Package sqlite provides the embedded single-file backend. Every commit unit
// is written to SQLite before it becomes visible in memory.
package sqlite

import (
	"context"
	"elogbook/internal/infra/persistence/memory"
	"elogbook/internal/infra/persistence/sqlstore"
	"elogbook/pkg/domain"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const driverName = "sqlite"

// Dialect is the SQLite schema. The ledger and the create-only tables reject
// UPDATE and DELETE at the storage layer.
var Dialect = sqlstore.Dialect{
	Name: "sqlite",
	Schema: []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = FULL`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			payload BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			payload BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			template_id TEXT NOT NULL,
			payload BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			seq INTEGER PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			old_value TEXT,
			new_value TEXT,
			author_id TEXT NOT NULL,
			author_name TEXT NOT NULL,
			ts TEXT NOT NULL,
			justification TEXT NOT NULL CHECK (length(trim(justification)) > 0),
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_log_entity ON audit_log(entity_id, seq)`,
		`CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
			BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
			BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS entries_no_update BEFORE UPDATE ON entries
			BEGIN SELECT RAISE(ABORT, 'entries are create-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS entries_no_delete BEFORE DELETE ON entries
			BEGIN SELECT RAISE(ABORT, 'entries are create-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS users_no_update BEFORE UPDATE ON users
			BEGIN SELECT RAISE(ABORT, 'users are immutable'); END`,
		`CREATE TRIGGER IF NOT EXISTS users_no_delete BEFORE DELETE ON users
			BEGIN SELECT RAISE(ABORT, 'users are immutable'); END`,
		`CREATE TRIGGER IF NOT EXISTS templates_no_delete BEFORE DELETE ON templates
			BEGIN SELECT RAISE(ABORT, 'templates cannot be deleted'); END`,
	},
}

// Store persists every commit to a SQLite file while reusing the in-memory
// engine for transactions and reads.
type Store struct {
	*memory.Store
	backend *sqlstore.Backend
	path    string
}

// NewStore opens (or creates) the database at path, hydrates memory from it,
// and verifies the ledger chain before serving.
func NewStore(path string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = "elogbook.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sqlx.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps PRAGMAs and the write order consistent.
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	backend, err := sqlstore.New(ctx, db, Dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore(engine, opts...)
	if err := backend.Attach(ctx, mem); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: mem, backend: backend, path: path}, nil
}

// DB exposes the underlying handle for integration testing hooks.
func (s *Store) DB() *sqlx.DB { return s.backend.DB() }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.backend.DB().Close() }
