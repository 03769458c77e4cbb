// Package export renders audit and entry listings as CSV reports and archives
// them in the blob store.
//
// Every field is quoted, embedded quotes are doubled and records end in CRLF,
// so the output is a pure function of the rows and the column order.
package export

import (
	"bytes"
	"elogbook/pkg/domain"
	"sort"
	"strings"
	"time"
)

// AuditHeader is the fixed column set of an audit report.
var AuditHeader = []string{
	"id", "timestamp", "action", "entity_type", "entity_id",
	"author_id", "author_name", "justification", "old_value", "new_value",
}

// EntryHeaderPrefix precedes the template's column labels in an entry report.
var EntryHeaderPrefix = []string{"entry_id", "created_at", "created_by", "status", "reason"}

// ContentType is the MIME type of every encoded report.
const ContentType = "text/csv; charset=utf-8"

type writer struct{ buf bytes.Buffer }

func (w *writer) record(fields ...string) {
	for i, f := range fields {
		if i > 0 {
			w.buf.WriteByte(',')
		}
		w.buf.WriteByte('"')
		w.buf.WriteString(strings.ReplaceAll(f, `"`, `""`))
		w.buf.WriteByte('"')
	}
	w.buf.WriteString("\r\n")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// EncodeAudit renders records in the order given. Snapshots are written as
// their canonical compact JSON; an undefined snapshot is an empty field.
func EncodeAudit(records []domain.AuditRecord) []byte {
	var w writer
	w.record(AuditHeader...)
	for _, r := range records {
		w.record(
			r.ID,
			formatTime(r.Timestamp),
			string(r.Action),
			string(r.EntityType),
			r.EntityID,
			r.AuthorID,
			r.AuthorName,
			r.Justification,
			r.OldValue.String(),
			r.NewValue.String(),
		)
	}
	return w.buf.Bytes()
}

// ReportColumns returns columns sorted by display order, ties broken by key.
func ReportColumns(columns []domain.Column) []domain.Column {
	out := domain.CloneColumns(columns)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// EncodeEntries renders entries in the order given with one column per
// template column. Absent values are empty fields.
func EncodeEntries(columns []domain.Column, entries []domain.Entry) []byte {
	cols := ReportColumns(columns)
	header := make([]string, 0, len(EntryHeaderPrefix)+len(cols))
	header = append(header, EntryHeaderPrefix...)
	for _, c := range cols {
		header = append(header, c.Label)
	}
	var w writer
	w.record(header...)
	row := make([]string, 0, len(header))
	for _, e := range entries {
		row = append(row[:0], e.ID, formatTime(e.CreatedAt), e.CreatedBy, string(e.Status), e.Reason)
		for _, c := range cols {
			row = append(row, e.Values[c.Key].String())
		}
		w.record(row...)
	}
	return w.buf.Bytes()
}
