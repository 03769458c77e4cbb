// Package postgres provides a Postgres-backed persistent store that mirrors the
// in-memory semantics. Each commit unit is written in one SQL transaction
// before it becomes visible to readers.
package postgres

import (
	"context"
	"database/sql"
	"elogbook/internal/infra/persistence/memory"
	"elogbook/internal/infra/persistence/sqlstore"
	"elogbook/pkg/domain"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/jmoiron/sqlx"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with OpenPersistentStore defaults while allowing overrides via env.
	defaultDSN = "postgres://localhost/elogbook?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Dialect is the Postgres schema. Snapshots are kept as TEXT rather than JSONB
// so the canonical bytes covered by the ledger hash survive a round trip.
var Dialect = sqlstore.Dialect{
	Name: "postgres",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			payload BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			payload BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			template_id TEXT NOT NULL,
			payload BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			seq BIGINT PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			old_value TEXT,
			new_value TEXT,
			author_id TEXT NOT NULL,
			author_name TEXT NOT NULL,
			ts TEXT NOT NULL,
			justification TEXT NOT NULL CHECK (length(btrim(justification)) > 0),
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_log_entity ON audit_log(entity_id, seq)`,
		`CREATE OR REPLACE FUNCTION elogbook_reject_mutation() RETURNS trigger
			LANGUAGE plpgsql AS $$
			BEGIN
				RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
			END
			$$`,
		`DROP TRIGGER IF EXISTS audit_log_append_only ON audit_log`,
		`CREATE TRIGGER audit_log_append_only BEFORE UPDATE OR DELETE ON audit_log
			FOR EACH ROW EXECUTE FUNCTION elogbook_reject_mutation()`,
		`DROP TRIGGER IF EXISTS audit_log_no_truncate ON audit_log`,
		`CREATE TRIGGER audit_log_no_truncate BEFORE TRUNCATE ON audit_log
			FOR EACH STATEMENT EXECUTE FUNCTION elogbook_reject_mutation()`,
		`DROP TRIGGER IF EXISTS entries_create_only ON entries`,
		`CREATE TRIGGER entries_create_only BEFORE UPDATE OR DELETE ON entries
			FOR EACH ROW EXECUTE FUNCTION elogbook_reject_mutation()`,
		`DROP TRIGGER IF EXISTS users_immutable ON users`,
		`CREATE TRIGGER users_immutable BEFORE UPDATE OR DELETE ON users
			FOR EACH ROW EXECUTE FUNCTION elogbook_reject_mutation()`,
		`DROP TRIGGER IF EXISTS templates_no_delete ON templates`,
		`CREATE TRIGGER templates_no_delete BEFORE DELETE ON templates
			FOR EACH ROW EXECUTE FUNCTION elogbook_reject_mutation()`,
	},
}

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	backend *sqlstore.Backend
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It ensures the schema exists, hydrates the in-memory store from the tables,
// and verifies the ledger chain before serving.
func NewStore(dsn string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	raw, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db := sqlx.NewDb(raw, defaultDriver)
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
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
	return &Store{Store: mem, backend: backend}, nil
}

// DB exposes the underlying handle for integration testing hooks.
func (s *Store) DB() *sqlx.DB { return s.backend.DB() }

// Close releases the connection pool.
func (s *Store) Close() error { return s.backend.DB().Close() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
