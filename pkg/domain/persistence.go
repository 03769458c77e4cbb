package domain

import (
	"context"
	"time"
)

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope. There is no delete; the audit ledger
// and regulated records only grow.
type Transaction interface {
	Snapshot() TransactionView
	Now() time.Time
	FindUser(id string) (UserAccount, bool)
	FindUserByUsername(username string) (UserAccount, bool)
	FindTemplate(id string) (Template, bool)
	FindEntry(id string) (Entry, bool)
	CreateUser(UserAccount) (UserAccount, error)
	CreateTemplate(Template) (Template, error)
	UpdateTemplate(id string, mutator func(*Template) error) (Template, error)
	CreateEntry(Entry) (Entry, error)
	AppendAudit(AuditRecord) (AuditRecord, error)
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	RuleView
	ListEntries(templateID string) []Entry
	// ListAudit returns the full ledger newest-first.
	ListAudit() []AuditRecord
	// ListAuditForEntity returns one entity's history newest-first.
	ListAuditForEntity(entityID string) []AuditRecord
	FindAudit(id string) (AuditRecord, bool)
	LedgerHead() (seq uint64, hash string)
}

// PersistentStore is the abstraction over durable backends. Writes only happen
// through RunInTransaction; every entity write commits together with its
// audit records or not at all.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}
