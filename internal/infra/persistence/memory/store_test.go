package memory

import (
	"context"
	"elogbook/pkg/domain"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

var fixedNow = time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC)

func newTestStore(opts ...Option) *Store {
	var n atomic.Int64
	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%03d", n.Add(1)) }),
	}
	return NewStore(nil, append(base, opts...)...)
}

func auditFor(entity domain.EntityType, id string, action domain.Action, after any) domain.AuditRecord {
	snap, err := domain.NewSnapshot(after)
	if err != nil {
		panic(err)
	}
	return domain.AuditRecord{
		EntityType:    entity,
		EntityID:      id,
		Action:        action,
		NewValue:      snap,
		AuthorID:      "admin",
		AuthorName:    "Admin",
		Justification: "initial setup",
	}
}

func createTemplate(t *testing.T, store *Store, name string) Template {
	t.Helper()
	var created Template
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		created, err = tx.CreateTemplate(Template{Name: name, Status: domain.TemplateActive})
		if err != nil {
			return err
		}
		_, err = tx.AppendAudit(auditFor(domain.EntityTemplate, created.ID, domain.ActionCreate, created))
		return err
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	return created
}

func TestStoreRunInTransactionCommitsEntityAndAudit(t *testing.T) {
	store := newTestStore()
	created := createTemplate(t, store, "Cleaning Log")
	if created.Version != 1 || !created.CreatedAt.Equal(fixedNow) {
		t.Fatalf("unexpected template stamp %+v", created)
	}
	err := store.View(context.Background(), func(v TransactionView) error {
		got, ok := v.FindTemplate(created.ID)
		if !ok || got.Name != "Cleaning Log" {
			t.Fatalf("expected committed template")
		}
		history := v.ListAuditForEntity(created.ID)
		if len(history) != 1 || history[0].Seq != 1 || history[0].Hash == "" || history[0].PrevHash != "" {
			t.Fatalf("unexpected audit history %+v", history)
		}
		seq, hash := v.LedgerHead()
		if seq != 1 || hash != history[0].Hash {
			t.Fatalf("unexpected ledger head %d %s", seq, hash)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if err := store.VerifyLedger(); err != nil {
		t.Fatalf("verify ledger: %v", err)
	}
}

func TestStoreRefusesEntityWriteWithoutAudit(t *testing.T) {
	store := newTestStore()
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateEntry(Entry{TemplateID: "t"})
		return err
	})
	if !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	assertEmpty(t, store)
}

func TestStoreRuleViolationLeavesStateUntouched(t *testing.T) {
	store := newTestStore()
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		tmpl, err := tx.CreateTemplate(Template{Name: "Fail"})
		if err != nil {
			return err
		}
		_, err = tx.AppendAudit(auditFor(domain.EntityTemplate, tmpl.ID, domain.ActionCreate, tmpl))
		return err
	})
	var rv domain.RuleViolationError
	if !errors.As(err, &rv) {
		t.Fatalf("expected rule violation error, got %v", err)
	}
	assertEmpty(t, store)
}

func TestStoreHookFailureLeavesStateUntouched(t *testing.T) {
	diskErr := errors.New("disk full")
	store := newTestStore(WithCommitHook(func(context.Context, Commit) error { return diskErr }))
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		tmpl, err := tx.CreateTemplate(Template{Name: "Cleaning Log"})
		if err != nil {
			return err
		}
		_, err = tx.AppendAudit(auditFor(domain.EntityTemplate, tmpl.ID, domain.ActionCreate, tmpl))
		return err
	})
	if !errors.Is(err, domain.ErrStorageUnavailable) || !errors.Is(err, diskErr) {
		t.Fatalf("expected storage unavailable wrapping cause, got %v", err)
	}
	assertEmpty(t, store)
}

func TestStoreHookReceivesSealedCommit(t *testing.T) {
	var got []Commit
	store := newTestStore(WithCommitHook(func(_ context.Context, c Commit) error {
		got = append(got, c)
		return nil
	}))
	createTemplate(t, store, "A")
	createTemplate(t, store, "B")
	if len(got) != 2 {
		t.Fatalf("expected two commits, got %d", len(got))
	}
	if got[1].LastSeq() != 2 || got[1].Audit[0].PrevHash != got[0].Audit[0].Hash {
		t.Fatalf("hook commit not chained: %+v", got[1].Audit[0])
	}
	if (Commit{}).LastSeq() != 0 {
		t.Fatalf("empty commit has no seq")
	}
}

func TestStoreUpdateTemplateBumpsVersionAndKeepsAttribution(t *testing.T) {
	store := newTestStore()
	created := createTemplate(t, store, "Cleaning Log")
	var changes []Change
	store.RulesEngine().Register(recordingRule{seen: &changes})
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		updated, err := tx.UpdateTemplate(created.ID, func(tpl *Template) error {
			tpl.Name = "Cleaning Log v2"
			tpl.ID = "hijack"
			tpl.CreatedBy = "someone"
			return nil
		})
		if err != nil {
			return err
		}
		if updated.Version != 2 || updated.ID != created.ID || updated.CreatedBy != created.CreatedBy {
			t.Fatalf("unexpected updated template %+v", updated)
		}
		_, err = tx.AppendAudit(auditFor(domain.EntityTemplate, created.ID, domain.ActionUpdate, updated))
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(changes) != 1 || changes[0].Action != domain.ActionUpdate {
		t.Fatalf("expected update change, got %+v", changes)
	}
	if before := changes[0].Before.(Template); before.Name != "Cleaning Log" {
		t.Fatalf("change before should hold prior state, got %+v", before)
	}
}

func TestStoreUpdateMissingTemplate(t *testing.T) {
	store := newTestStore()
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.UpdateTemplate("missing", func(*Template) error { return nil })
		return err
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreDetectsConcurrentTemplateChange(t *testing.T) {
	store := newTestStore()
	created := createTemplate(t, store, "Cleaning Log")
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		if _, err := tx.UpdateTemplate(created.ID, func(tpl *Template) error { tpl.Name = "first"; return nil }); err != nil {
			return err
		}
		// A competing writer commits the same template before this unit does.
		_, inner := store.RunInTransaction(context.Background(), func(other Transaction) error {
			upd, err := other.UpdateTemplate(created.ID, func(tpl *Template) error { tpl.Name = "second"; return nil })
			if err != nil {
				return err
			}
			_, err = other.AppendAudit(auditFor(domain.EntityTemplate, created.ID, domain.ActionUpdate, upd))
			return err
		})
		if inner != nil {
			t.Fatalf("inner commit: %v", inner)
		}
		_, err := tx.AppendAudit(auditFor(domain.EntityTemplate, created.ID, domain.ActionUpdate, created))
		return err
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestStoreRejectsDuplicateUsernameAtCommit(t *testing.T) {
	store := newTestStore()
	create := func(name string) error {
		_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
			u, err := tx.CreateUser(UserAccount{Username: name, Role: domain.RoleStandard})
			if err != nil {
				return err
			}
			_, err = tx.AppendAudit(auditFor(domain.EntityUser, u.ID, domain.ActionCreate, u))
			return err
		})
		return err
	}
	if err := create("jdoe"); err != nil {
		t.Fatalf("first user: %v", err)
	}
	if err := create(" JDoe "); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected username conflict, got %v", err)
	}
}

func TestStoreAppendAuditValidates(t *testing.T) {
	store := newTestStore()
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		rec := auditFor(domain.EntityUser, "u1", domain.ActionLogin, map[string]string{"username": "jdoe"})
		rec.Justification = ""
		_, err := tx.AppendAudit(rec)
		return err
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx Transaction) error {
		rec := auditFor(domain.EntityUser, "u1", domain.ActionLogin, map[string]string{"username": "jdoe"})
		rec.ID = "dup"
		if _, err := tx.AppendAudit(rec); err != nil {
			return err
		}
		_, err := tx.AppendAudit(rec)
		return err
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected duplicate audit id conflict, got %v", err)
	}
}

func TestStoreSnapshotSeesStagedWrites(t *testing.T) {
	store := newTestStore()
	committed := createTemplate(t, store, "Committed")
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		staged, err := tx.CreateTemplate(Template{Name: "Staged"})
		if err != nil {
			return err
		}
		entry, err := tx.CreateEntry(Entry{TemplateID: committed.ID})
		if err != nil {
			return err
		}
		view := tx.Snapshot()
		if len(view.ListTemplates()) != 2 {
			t.Fatalf("expected committed and staged templates")
		}
		if len(view.ListEntries(committed.ID)) != 1 {
			t.Fatalf("expected staged entry")
		}
		if _, ok := view.FindEntry(entry.ID); !ok {
			t.Fatalf("expected staged entry lookup")
		}
		if _, err := tx.AppendAudit(auditFor(domain.EntityTemplate, staged.ID, domain.ActionCreate, staged)); err != nil {
			return err
		}
		rec, err := tx.AppendAudit(auditFor(domain.EntityEntry, entry.ID, domain.ActionCreate, entry))
		if err != nil {
			return err
		}
		if got := view.ListAudit(); len(got) != 3 || got[0].ID != rec.ID {
			t.Fatalf("expected staged audit first, got %+v", got)
		}
		if _, ok := view.FindAudit(rec.ID); !ok {
			t.Fatalf("expected staged audit lookup")
		}
		if seq, _ := view.LedgerHead(); seq != 1 {
			t.Fatalf("ledger head must reflect committed records only")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestStoreViewIsStableAcrossLaterCommits(t *testing.T) {
	store := newTestStore()
	createTemplate(t, store, "First")
	err := store.View(context.Background(), func(v TransactionView) error {
		createTemplate(t, store, "Second")
		if len(v.ListTemplates()) != 1 || len(v.ListAudit()) != 1 {
			t.Fatalf("view observed a later commit")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestStoreExportImportRoundTrip(t *testing.T) {
	store := newTestStore()
	tmpl := createTemplate(t, store, "Cleaning Log")
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		e, err := tx.CreateEntry(Entry{TemplateID: tmpl.ID, Values: map[string]domain.Value{"area": domain.TextValue("Line 1")}})
		if err != nil {
			return err
		}
		_, err = tx.AppendAudit(auditFor(domain.EntityEntry, e.ID, domain.ActionCreate, e))
		return err
	})
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	state := store.ExportState()
	var n atomic.Int64
	restored := newTestStore(WithIDGenerator(func() string { return fmt.Sprintf("restored-%03d", n.Add(1)) }))
	restored.ImportState(state)
	if err := restored.VerifyLedger(); err != nil {
		t.Fatalf("restored ledger: %v", err)
	}
	err = restored.View(context.Background(), func(v TransactionView) error {
		entries := v.ListEntries(tmpl.ID)
		if len(entries) != 1 || entries[0].Values["area"].String() != "Line 1" {
			t.Fatalf("unexpected restored entries %+v", entries)
		}
		if seq, _ := v.LedgerHead(); seq != 2 {
			t.Fatalf("unexpected restored head %d", seq)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	createTemplate(t, restored, "After restore")
	if err := restored.VerifyLedger(); err != nil {
		t.Fatalf("ledger continues after restore: %v", err)
	}
}

func TestStoreParallelCommitsNeverReuseSequence(t *testing.T) {
	store := NewStore(nil)
	var g errgroup.Group
	for i := 0; i < 50; i++ {
		i := i
		g.Go(func() error {
			_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
				tmpl, err := tx.CreateTemplate(Template{Name: fmt.Sprintf("T%d", i)})
				if err != nil {
					return err
				}
				_, err = tx.AppendAudit(auditFor(domain.EntityTemplate, tmpl.ID, domain.ActionCreate, tmpl))
				return err
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("parallel commits: %v", err)
	}
	if err := store.VerifyLedger(); err != nil {
		t.Fatalf("ledger after parallel commits: %v", err)
	}
	_ = store.View(context.Background(), func(v TransactionView) error {
		if seq, _ := v.LedgerHead(); seq != 50 {
			t.Fatalf("expected 50 records, got %d", seq)
		}
		return nil
	})
}

func assertEmpty(t *testing.T, store *Store) {
	t.Helper()
	state := store.ExportState()
	if len(state.Templates) != 0 || len(state.Entries) != 0 || len(state.Audit) != 0 {
		t.Fatalf("expected no visible state, got %+v", state)
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(context.Context, domain.RuleView, []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock}}}, nil
}

type recordingRule struct{ seen *[]Change }

func (recordingRule) Name() string { return "record" }

func (r recordingRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	*r.seen = append(*r.seen, changes...)
	return domain.Result{}, nil
}
