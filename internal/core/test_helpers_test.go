package core

import (
	"context"
	"elogbook/internal/infra/persistence/memory"
	"elogbook/pkg/domain"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

type fixture struct {
	svc      *Service
	store    *memory.Store
	admin    UserAccount
	operator UserAccount
}

func newFixture(t *testing.T, opts ...ServiceOption) fixture {
	t.Helper()
	store := memory.NewStore(NewDefaultRulesEngine())
	svc := NewService(store, opts...)
	ctx := context.Background()
	admin, created, err := svc.Bootstrap(ctx, " QA.Admin ", "Quality Admin")
	if err != nil || !created {
		t.Fatalf("bootstrap: created=%v err=%v", created, err)
	}
	operator, _, err := svc.CreateUser(ctx, &admin, UserAccount{Username: "Operator", FullName: " Line Operator ", Role: domain.RoleStandard}, "New shift operator")
	if err != nil {
		t.Fatalf("create operator: %v", err)
	}
	return fixture{svc: svc, store: store, admin: admin, operator: operator}
}

func cleaningLog() Template {
	return Template{
		Name:        "Cleaning Log",
		Description: "Daily equipment cleaning",
		Status:      domain.TemplateActive,
		Columns: []Column{
			{Label: "Area", Type: domain.ColumnText, Mandatory: true, DisplayOrder: 0},
			{Label: "Cleaning Agent", Type: domain.ColumnDropdown, Options: []string{"Ethanol 70%", "Bleach"}, Mandatory: true, DisplayOrder: 1},
			{Label: "Verified", Type: domain.ColumnBoolean, DisplayOrder: 2},
		},
	}
}

func (f fixture) ledger(t *testing.T) []AuditRecord {
	t.Helper()
	var out []AuditRecord
	if err := f.store.View(context.Background(), func(v TransactionView) error {
		out = v.ListAudit()
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	return out
}

func (f fixture) findTemplate(t *testing.T, id string) Template {
	t.Helper()
	var out Template
	if err := f.store.View(context.Background(), func(v TransactionView) error {
		var ok bool
		out, ok = v.FindTemplate(id)
		if !ok {
			t.Fatalf("template %s not found", id)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	return out
}

func sequentialIDs(prefix string) func() string {
	var n uint64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, atomic.AddUint64(&n, 1))
	}
}

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}
