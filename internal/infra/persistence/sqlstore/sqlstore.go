// Package sqlstore holds the relational persistence shared by the sqlite and
// postgres backends: schema bootstrap, commit persistence, and hydration.
package sqlstore

import (
	"context"
	"database/sql"
	"elogbook/internal/infra/persistence/memory"
	"elogbook/pkg/domain"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Dialect carries the backend-specific DDL. Statements run in order and must
// be idempotent.
type Dialect struct {
	Name   string
	Schema []string
}

// Backend persists commit units into relational tables.
type Backend struct {
	db      *sqlx.DB
	dialect Dialect
}

// New ensures the schema exists and returns a backend bound to db.
func New(ctx context.Context, db *sqlx.DB, dialect Dialect) (*Backend, error) {
	for _, stmt := range dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s schema: %w", dialect.Name, err)
		}
	}
	return &Backend{db: db, dialect: dialect}, nil
}

// DB exposes the underlying handle for integration testing hooks.
func (b *Backend) DB() *sqlx.DB { return b.db }

type userRow struct {
	ID       string `db:"id"`
	Username string `db:"username"`
	Payload  []byte `db:"payload"`
}

type templateRow struct {
	ID      string `db:"id"`
	Version int64  `db:"version"`
	Payload []byte `db:"payload"`
}

type entryRow struct {
	ID         string `db:"id"`
	TemplateID string `db:"template_id"`
	Payload    []byte `db:"payload"`
}

type auditRow struct {
	Seq           int64          `db:"seq"`
	ID            string         `db:"id"`
	EntityType    string         `db:"entity_type"`
	EntityID      string         `db:"entity_id"`
	Action        string         `db:"action"`
	OldValue      sql.NullString `db:"old_value"`
	NewValue      sql.NullString `db:"new_value"`
	AuthorID      string         `db:"author_id"`
	AuthorName    string         `db:"author_name"`
	Timestamp     string         `db:"ts"`
	Justification string         `db:"justification"`
	PrevHash      string         `db:"prev_hash"`
	Hash          string         `db:"hash"`
}

func snapshotColumn(s domain.Snapshot) sql.NullString {
	if !s.Defined() {
		return sql.NullString{}
	}
	return sql.NullString{String: s.String(), Valid: true}
}

func (r auditRow) record() (domain.AuditRecord, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("audit %s timestamp: %w", r.ID, err)
	}
	rec := domain.AuditRecord{
		ID:            r.ID,
		Seq:           uint64(r.Seq),
		EntityType:    domain.EntityType(r.EntityType),
		EntityID:      r.EntityID,
		Action:        domain.Action(r.Action),
		AuthorID:      r.AuthorID,
		AuthorName:    r.AuthorName,
		Timestamp:     ts.UTC(),
		Justification: r.Justification,
		PrevHash:      r.PrevHash,
		Hash:          r.Hash,
	}
	if r.OldValue.Valid {
		if rec.OldValue, err = domain.SnapshotFromJSON([]byte(r.OldValue.String)); err != nil {
			return domain.AuditRecord{}, fmt.Errorf("audit %s old value: %w", r.ID, err)
		}
	}
	if r.NewValue.Valid {
		if rec.NewValue, err = domain.SnapshotFromJSON([]byte(r.NewValue.String)); err != nil {
			return domain.AuditRecord{}, fmt.Errorf("audit %s new value: %w", r.ID, err)
		}
	}
	return rec, nil
}

const (
	insertUser     = `INSERT INTO users(id, username, payload) VALUES(?, ?, ?)`
	upsertTemplate = `INSERT INTO templates(id, version, payload) VALUES(?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, payload = excluded.payload`
	insertEntry = `INSERT INTO entries(id, template_id, payload) VALUES(?, ?, ?)`
	insertAudit = `INSERT INTO audit_log(seq, id, entity_type, entity_id, action, old_value, new_value,
		author_id, author_name, ts, justification, prev_hash, hash)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// Persist writes one commit unit inside a database transaction. It is
// installed as the memory store's commit hook, so nothing becomes visible in
// memory unless this returns nil.
func (b *Backend) Persist(ctx context.Context, c memory.Commit) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, u := range c.Users {
		payload, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("encode user %s: %w", u.ID, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(insertUser), u.ID, domain.NormalizeUsername(u.Username), payload); err != nil {
			return fmt.Errorf("insert user %s: %w", u.ID, err)
		}
	}
	for _, t := range c.Templates {
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode template %s: %w", t.ID, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(upsertTemplate), t.ID, t.Version, payload); err != nil {
			return fmt.Errorf("upsert template %s: %w", t.ID, err)
		}
	}
	for _, e := range c.Entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(insertEntry), e.ID, e.TemplateID, payload); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.ID, err)
		}
	}
	for _, r := range c.Audit {
		_, err := tx.ExecContext(ctx, tx.Rebind(insertAudit),
			int64(r.Seq), r.ID, string(r.EntityType), r.EntityID, string(r.Action),
			snapshotColumn(r.OldValue), snapshotColumn(r.NewValue),
			r.AuthorID, r.AuthorName, r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.Justification, r.PrevHash, r.Hash)
		if err != nil {
			return fmt.Errorf("insert audit %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Load reads every table into a memory.State for hydration.
func (b *Backend) Load(ctx context.Context) (memory.State, error) {
	state := memory.State{
		Users:     make(map[string]domain.UserAccount),
		Templates: make(map[string]domain.Template),
		Entries:   make(map[string]domain.Entry),
	}

	var users []userRow
	if err := b.db.SelectContext(ctx, &users, `SELECT id, username, payload FROM users`); err != nil {
		return memory.State{}, fmt.Errorf("select users: %w", err)
	}
	for _, r := range users {
		var u domain.UserAccount
		if err := json.Unmarshal(r.Payload, &u); err != nil {
			return memory.State{}, fmt.Errorf("decode user %s: %w", r.ID, err)
		}
		state.Users[u.ID] = u
	}

	var templates []templateRow
	if err := b.db.SelectContext(ctx, &templates, `SELECT id, version, payload FROM templates`); err != nil {
		return memory.State{}, fmt.Errorf("select templates: %w", err)
	}
	for _, r := range templates {
		var t domain.Template
		if err := json.Unmarshal(r.Payload, &t); err != nil {
			return memory.State{}, fmt.Errorf("decode template %s: %w", r.ID, err)
		}
		state.Templates[t.ID] = t
	}

	var entries []entryRow
	if err := b.db.SelectContext(ctx, &entries, `SELECT id, template_id, payload FROM entries`); err != nil {
		return memory.State{}, fmt.Errorf("select entries: %w", err)
	}
	for _, r := range entries {
		var e domain.Entry
		if err := json.Unmarshal(r.Payload, &e); err != nil {
			return memory.State{}, fmt.Errorf("decode entry %s: %w", r.ID, err)
		}
		state.Entries[e.ID] = e
	}

	var audit []auditRow
	if err := b.db.SelectContext(ctx, &audit, `SELECT seq, id, entity_type, entity_id, action, old_value, new_value,
		author_id, author_name, ts, justification, prev_hash, hash FROM audit_log ORDER BY seq`); err != nil {
		return memory.State{}, fmt.Errorf("select audit_log: %w", err)
	}
	state.Audit = make([]domain.AuditRecord, 0, len(audit))
	for _, r := range audit {
		rec, err := r.record()
		if err != nil {
			return memory.State{}, err
		}
		state.Audit = append(state.Audit, rec)
	}
	return state, nil
}

// Attach hydrates mem from the database, verifies the ledger chain, and
// installs Persist as the commit hook.
func (b *Backend) Attach(ctx context.Context, mem *memory.Store) error {
	state, err := b.Load(ctx)
	if err != nil {
		return err
	}
	mem.ImportState(state)
	if err := mem.VerifyLedger(); err != nil {
		return fmt.Errorf("%s ledger: %w", b.dialect.Name, err)
	}
	mem.SetCommitHook(b.Persist)
	return nil
}
