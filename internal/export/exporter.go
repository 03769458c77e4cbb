package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"elogbook/internal/blob"
	"elogbook/internal/core"
	"elogbook/internal/platform/ids"
	"elogbook/internal/query"
	"elogbook/pkg/domain"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Kind names the report family.
type Kind string

const (
	KindAudit   Kind = "audit"
	KindEntries Kind = "entries"
)

// ViewRecorder appends VIEW_REPORT audit records. *core.Service implements it.
type ViewRecorder interface {
	RecordReportView(ctx context.Context, actor *domain.UserAccount, view core.ReportView) (domain.AuditRecord, error)
}

// Report is an archived export.
type Report struct {
	Kind    Kind               `json:"kind"`
	Key     string             `json:"key"`
	Rows    int                `json:"rows"`
	SHA256  string             `json:"sha256"`
	Range   query.DateRange    `json:"range"`
	Archive blob.Info          `json:"archive"`
	View    domain.AuditRecord `json:"view"`
	Payload []byte             `json:"-"`
}

// AuditRequest asks for an audit report. Range is mandatory.
type AuditRequest struct {
	Range         *query.DateRange
	Search        string
	EntityType    domain.EntityType
	Action        domain.Action
	Justification string
}

// EntriesRequest asks for an entry report of one template. Range is mandatory.
type EntriesRequest struct {
	TemplateID    string
	Range         *query.DateRange
	Justification string
}

// Exporter encodes filtered listings, archives the bytes write-once and logs
// the report view in the ledger.
type Exporter struct {
	query    *query.Service
	archive  blob.Store
	recorder ViewRecorder
	newKey   func() string
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithKeyGenerator overrides the archive key suffix generator.
func WithKeyGenerator(fn func() string) Option {
	return func(e *Exporter) {
		if fn != nil {
			e.newKey = fn
		}
	}
}

// NewExporter wires the read side, the archive and the ledger. archive may be
// nil, in which case reports are returned but not archived.
func NewExporter(q *query.Service, archive blob.Store, recorder ViewRecorder, opts ...Option) *Exporter {
	e := &Exporter{query: q, archive: archive, recorder: recorder, newKey: ids.NewKSUID}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func precheck(r *query.DateRange, justification string) error {
	if r == nil {
		return domain.NewValidationError("range", "range required: both start and end must be supplied")
	}
	if strings.TrimSpace(justification) == "" {
		return domain.NewValidationError("justification", "a justification is required for every report")
	}
	return nil
}

// ExportAudit renders the audit records visible to requester inside the
// window, oldest first.
func (e *Exporter) ExportAudit(ctx context.Context, requester *domain.UserAccount, req AuditRequest) (Report, error) {
	if err := precheck(req.Range, req.Justification); err != nil {
		return Report{}, err
	}
	records, err := e.query.ListVisibleTo(ctx, requester, query.AuditFilter{
		Search:     req.Search,
		Range:      req.Range,
		EntityType: req.EntityType,
		Action:     req.Action,
	})
	if err != nil {
		return Report{}, err
	}
	slices.Reverse(records)
	payload := EncodeAudit(records)
	key := fmt.Sprintf("reports/audit/%s/%s.csv", req.Range.Start.UTC().Format(domain.DateLayout), e.newKey())
	return e.finish(ctx, requester, Report{Kind: KindAudit, Key: key, Rows: len(records), Range: *req.Range, Payload: payload},
		core.ReportView{Justification: req.Justification})
}

// ExportEntries renders one template's entries created inside the window,
// oldest first, with the template's current column order.
func (e *Exporter) ExportEntries(ctx context.Context, requester *domain.UserAccount, req EntriesRequest) (Report, error) {
	if err := precheck(req.Range, req.Justification); err != nil {
		return Report{}, err
	}
	tmpl, entries, err := e.query.ListEntries(ctx, requester, req.TemplateID, req.Range)
	if err != nil {
		return Report{}, err
	}
	slices.Reverse(entries)
	payload := EncodeEntries(tmpl.Columns, entries)
	key := fmt.Sprintf("reports/entries/%s/%s.csv", tmpl.ID, e.newKey())
	return e.finish(ctx, requester, Report{Kind: KindEntries, Key: key, Rows: len(entries), Range: *req.Range, Payload: payload},
		core.ReportView{EntityType: domain.EntityTemplate, EntityID: tmpl.ID, Justification: req.Justification})
}

func (e *Exporter) finish(ctx context.Context, requester *domain.UserAccount, rep Report, view core.ReportView) (Report, error) {
	sum := sha256.Sum256(rep.Payload)
	rep.SHA256 = hex.EncodeToString(sum[:])
	if e.archive != nil {
		info, err := e.archive.Put(ctx, rep.Key, bytes.NewReader(rep.Payload), blob.PutOptions{
			ContentType: ContentType,
			Metadata: map[string]string{
				"kind":      string(rep.Kind),
				"requester": requester.ID,
				"sha256":    rep.SHA256,
			},
		})
		switch {
		case errors.Is(err, blob.ErrExists):
			return Report{}, &domain.Error{Kind: domain.KindConflict, ID: rep.Key, Message: "report archive already exists", Err: err}
		case err != nil:
			return Report{}, domain.NewStorageUnavailableError(fmt.Errorf("archive report: %w", err))
		}
		rep.Archive = info
	}
	view.Details = map[string]any{
		"report": string(rep.Kind),
		"key":    rep.Key,
		"rows":   rep.Rows,
		"sha256": rep.SHA256,
		"start":  formatTime(rep.Range.Start),
		"end":    formatTime(rep.Range.End),
	}
	rec, err := e.recorder.RecordReportView(ctx, requester, view)
	if err != nil {
		return Report{}, err
	}
	rep.View = rec
	return rep, nil
}

// ParseRange reads RFC3339 or YYYY-MM-DD bounds; a bare date is midnight UTC.
// Both empty yields a nil range.
func ParseRange(start, end string) (*query.DateRange, error) {
	if strings.TrimSpace(start) == "" && strings.TrimSpace(end) == "" {
		return nil, nil
	}
	s, err := parseBound("start", start)
	if err != nil {
		return nil, err
	}
	en, err := parseBound("end", end)
	if err != nil {
		return nil, err
	}
	return &query.DateRange{Start: s, End: en}, nil
}

func parseBound(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, domain.NewValidationError("range", "range required: both start and end must be supplied")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(domain.DateLayout, raw)
	if err != nil {
		return time.Time{}, domain.NewValidationError(field, "invalid %s %q: want RFC3339 or YYYY-MM-DD", field, raw)
	}
	return t, nil
}
