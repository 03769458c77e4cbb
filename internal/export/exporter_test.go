package export

import (
	"bytes"
	"context"
	"elogbook/internal/blob"
	"elogbook/internal/core"
	"elogbook/internal/infra/persistence/memory"
	"elogbook/internal/query"
	"elogbook/pkg/domain"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type harness struct {
	store    *memory.Store
	svc      *core.Service
	query    *query.Service
	archive  blob.Store
	admin    domain.UserAccount
	operator domain.UserAccount
	tmpl     domain.Template
}

func sequentialKeys() func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("r%d", n)
	}
}

func newHarness(t *testing.T) harness {
	t.Helper()
	clock := &stepClock{now: base}
	store := memory.NewStore(core.NewDefaultRulesEngine(), memory.WithClock(clock.Now))
	svc := core.NewService(store)
	ctx := context.Background()
	admin, _, err := svc.Bootstrap(ctx, "qa.admin", "Quality Admin")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	operator, _, err := svc.CreateUser(ctx, &admin, domain.UserAccount{Username: "jdoe", FullName: "Jane Doe"}, "New operator")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	clock.Set(base.Add(24 * time.Hour))
	tmpl, _, err := svc.CreateTemplate(ctx, &admin, domain.Template{
		Name:   "Cleaning Log",
		Status: domain.TemplateActive,
		Columns: []domain.Column{
			{Label: "Area", Type: domain.ColumnText, Mandatory: true},
		},
	}, "SOP-12 rollout")
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	clock.Set(base.Add(48 * time.Hour))
	for _, area := range []string{"Line 1", "Line 2"} {
		if _, _, err := svc.SubmitEntry(ctx, &operator, domain.Entry{
			TemplateID: tmpl.ID,
			Values:     map[string]domain.Value{"area": domain.TextValue(area)},
		}, "Shift handover"); err != nil {
			t.Fatalf("submit entry: %v", err)
		}
	}
	clock.Set(base.Add(5 * 24 * time.Hour))
	return harness{
		store:    store,
		svc:      svc,
		query:    query.NewService(store, query.WithClock(func() time.Time { return base.Add(10 * 24 * time.Hour) })),
		archive:  blob.NewMemory(),
		admin:    admin,
		operator: operator,
		tmpl:     tmpl,
	}
}

func (h harness) exporter(opts ...Option) *Exporter {
	return NewExporter(h.query, h.archive, h.svc, append([]Option{WithKeyGenerator(sequentialKeys())}, opts...)...)
}

func (h harness) ledgerSeq(t *testing.T) uint64 {
	t.Helper()
	var seq uint64
	if err := h.store.View(context.Background(), func(v domain.TransactionView) error {
		seq, _ = v.LedgerHead()
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	return seq
}

func window() *query.DateRange {
	return &query.DateRange{Start: base, End: base.Add(5 * 24 * time.Hour)}
}

func TestExportAuditArchivesAndRecordsView(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rep, err := h.exporter().ExportAudit(ctx, &h.admin, AuditRequest{Range: window(), Justification: "Monthly QA review"})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if rep.Rows != 5 || rep.Key != "reports/audit/2026-03-01/r1.csv" || rep.Kind != KindAudit {
		t.Fatalf("unexpected report %+v", rep)
	}
	lines := strings.Split(strings.TrimSuffix(string(rep.Payload), "\r\n"), "\r\n")
	if len(lines) != 6 {
		t.Fatalf("expected header plus five rows, got %d", len(lines))
	}
	if !strings.Contains(lines[1], `"CREATE","USER"`) || !strings.Contains(lines[5], `"ENTRY"`) {
		t.Fatalf("rows must be oldest first: %q / %q", lines[1], lines[5])
	}
	_, rc, err := h.archive.Get(ctx, rep.Key)
	if err != nil {
		t.Fatalf("archived report missing: %v", err)
	}
	archived, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(archived, rep.Payload) || rep.Archive.ETag != rep.SHA256 {
		t.Fatalf("archive does not match payload")
	}
	if rep.Archive.Metadata["requester"] != h.admin.ID {
		t.Fatalf("unexpected archive metadata %+v", rep.Archive.Metadata)
	}
	view := rep.View
	if view.Action != domain.ActionViewReport || view.EntityType != domain.EntityUser || view.EntityID != h.admin.ID {
		t.Fatalf("unexpected view record %+v", view)
	}
	if view.Justification != "Monthly QA review" || !strings.Contains(view.NewValue.String(), rep.SHA256) {
		t.Fatalf("view record must carry the report digest: %s", view.NewValue.String())
	}
	if err := h.store.VerifyLedger(); err != nil {
		t.Fatalf("ledger: %v", err)
	}
}

func TestExportAuditScopesToRequester(t *testing.T) {
	h := newHarness(t)
	rep, err := h.exporter().ExportAudit(context.Background(), &h.operator, AuditRequest{Range: window(), Justification: "My activity"})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if rep.Rows != 2 {
		t.Fatalf("operator sees only self-authored records, got %d", rep.Rows)
	}
	if strings.Contains(string(rep.Payload), "Quality Admin") {
		t.Fatalf("admin-authored records leaked into operator report")
	}
}

func TestExportAuditRejectsBeforeWriting(t *testing.T) {
	h := newHarness(t)
	e := h.exporter()
	before := h.ledgerSeq(t)
	cases := []struct {
		name  string
		req   AuditRequest
		field string
	}{
		{"no range", AuditRequest{Justification: "x"}, "range"},
		{"no justification", AuditRequest{Range: window()}, "justification"},
		{"span too wide", AuditRequest{Range: &query.DateRange{Start: base.Add(-27 * 24 * time.Hour), End: base.Add(5 * 24 * time.Hour)}, Justification: "x"}, "range"},
		{"future end", AuditRequest{Range: &query.DateRange{Start: base, End: base.Add(11 * 24 * time.Hour)}, Justification: "x"}, "end"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.ExportAudit(context.Background(), &h.admin, tc.req)
			var de *domain.Error
			if !errors.As(err, &de) || de.Kind != domain.KindValidation || de.Field != tc.field {
				t.Fatalf("expected validation on %s, got %v", tc.field, err)
			}
		})
	}
	if after := h.ledgerSeq(t); after != before {
		t.Fatalf("rejected exports must not touch the ledger: %d -> %d", before, after)
	}
	if list, _ := h.archive.List(context.Background(), ""); len(list) != 0 {
		t.Fatalf("rejected exports must not archive, got %d", len(list))
	}
	if _, err := e.ExportAudit(context.Background(), nil, AuditRequest{Range: window(), Justification: "x"}); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestExportArchiveKeyIsWriteOnce(t *testing.T) {
	h := newHarness(t)
	e := h.exporter(WithKeyGenerator(func() string { return "fixed" }))
	req := AuditRequest{Range: window(), Justification: "Review"}
	if _, err := e.ExportAudit(context.Background(), &h.admin, req); err != nil {
		t.Fatalf("first export: %v", err)
	}
	seq := h.ledgerSeq(t)
	if _, err := e.ExportAudit(context.Background(), &h.admin, req); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict on reused key, got %v", err)
	}
	if h.ledgerSeq(t) != seq {
		t.Fatalf("a refused archive must not record a view")
	}
}

type failingArchive struct{ blob.Store }

func (failingArchive) Put(context.Context, string, io.Reader, blob.PutOptions) (blob.Info, error) {
	return blob.Info{}, errors.New("bucket unreachable")
}

func TestExportArchiveFailureIsStorageUnavailable(t *testing.T) {
	h := newHarness(t)
	h.archive = failingArchive{Store: blob.NewMemory()}
	seq := h.ledgerSeq(t)
	_, err := h.exporter().ExportAudit(context.Background(), &h.admin, AuditRequest{Range: window(), Justification: "Review"})
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	if h.ledgerSeq(t) != seq {
		t.Fatalf("ledger advanced despite archive failure")
	}
}

func TestExportEntries(t *testing.T) {
	h := newHarness(t)
	rep, err := h.exporter().ExportEntries(context.Background(), &h.operator, EntriesRequest{
		TemplateID:    h.tmpl.ID,
		Range:         window(),
		Justification: "Batch release",
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if rep.Rows != 2 || rep.Key != "reports/entries/"+h.tmpl.ID+"/r1.csv" {
		t.Fatalf("unexpected report %+v", rep)
	}
	header, rest, _ := strings.Cut(string(rep.Payload), "\r\n")
	if !strings.HasPrefix(header, `"entry_id","created_at","created_by","status","reason","Area"`) {
		t.Fatalf("unexpected header %q", header)
	}
	if strings.Index(rest, "Line 1") > strings.Index(rest, "Line 2") {
		t.Fatalf("entries must be oldest first")
	}
	if rep.View.EntityType != domain.EntityTemplate || rep.View.EntityID != h.tmpl.ID || rep.View.AuthorID != h.operator.ID {
		t.Fatalf("unexpected view record %+v", rep.View)
	}
	if _, err := h.exporter().ExportEntries(context.Background(), &h.operator, EntriesRequest{TemplateID: "missing", Range: window(), Justification: "x"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExportWithoutArchive(t *testing.T) {
	h := newHarness(t)
	e := NewExporter(h.query, nil, h.svc)
	rep, err := e.ExportAudit(context.Background(), &h.admin, AuditRequest{Range: window(), Justification: "Ad hoc"})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if rep.Archive.Key != "" || rep.View.ID == "" || len(rep.Payload) == 0 {
		t.Fatalf("expected unarchived report with a view record, got %+v", rep)
	}
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("2026-03-01", "2026-03-10T12:00:00+01:00")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !r.Start.Equal(base.Add(-8*time.Hour)) || !r.End.Equal(time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected range %+v", r)
	}
	if r, err := ParseRange("", " "); err != nil || r != nil {
		t.Fatalf("expected nil range, got %+v %v", r, err)
	}
	if _, err := ParseRange("2026-03-01", ""); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected range required, got %v", err)
	}
	if _, err := ParseRange("yesterday", "2026-03-01"); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected invalid start, got %v", err)
	}
}
