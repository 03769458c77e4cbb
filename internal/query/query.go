// Package query implements the read side of the eLogbook: role-filtered audit
// history, template and entry listings, and dashboard counters. Every read goes
// through the store's read-only view.
package query

import (
	"context"
	"elogbook/pkg/domain"
	"strings"
	"time"
)

// Reader is the read-only slice of a record store.
type Reader interface {
	View(ctx context.Context, fn func(domain.TransactionView) error) error
}

// Service answers read requests on behalf of an authenticated requester.
type Service struct {
	store Reader
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used to reject future export windows.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService builds a query service over store.
func NewService(store Reader, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock reading.
func (s *Service) Now() time.Time { return s.now() }

// AuditFilter narrows ListVisibleTo. Zero fields do not filter.
type AuditFilter struct {
	Search     string
	Range      *DateRange
	EntityType domain.EntityType
	EntityID   string
	Action     domain.Action
	Limit      int
}

// resolve re-reads the requester so visibility follows the stored role rather
// than whatever the caller claims.
func resolve(v domain.TransactionView, requester *domain.UserAccount) (domain.UserAccount, error) {
	if requester == nil || strings.TrimSpace(requester.ID) == "" {
		return domain.UserAccount{}, domain.NewUnauthenticatedError("an authenticated requester is required")
	}
	stored, ok := v.FindUser(requester.ID)
	if !ok {
		return domain.UserAccount{}, domain.NewUnauthenticatedError("requester " + requester.ID + " is not a known user")
	}
	return stored, nil
}

// ListForEntity returns one entity's full history newest-first.
func (s *Service) ListForEntity(ctx context.Context, entityID string) ([]domain.AuditRecord, error) {
	var out []domain.AuditRecord
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		out = v.ListAuditForEntity(entityID)
		return nil
	})
	return out, err
}

// ListVisibleTo returns the audit records requester may see, newest-first by
// ledger sequence. ADMIN sees everything; STANDARD sees only records it
// authored. A non-nil Range is validated before anything is read.
func (s *Service) ListVisibleTo(ctx context.Context, requester *domain.UserAccount, f AuditFilter) ([]domain.AuditRecord, error) {
	if f.Range != nil {
		if err := f.Range.Validate(s.now()); err != nil {
			return nil, err
		}
	}
	term := strings.ToLower(strings.TrimSpace(f.Search))
	var out []domain.AuditRecord
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		user, err := resolve(v, requester)
		if err != nil {
			return err
		}
		var records []domain.AuditRecord
		if f.EntityID != "" {
			records = v.ListAuditForEntity(f.EntityID)
		} else {
			records = v.ListAudit()
		}
		out = make([]domain.AuditRecord, 0, len(records))
		for _, rec := range records {
			if !Visible(user, rec) || !f.matches(rec, term) {
				continue
			}
			out = append(out, rec)
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Visible reports whether user may read rec.
func Visible(user domain.UserAccount, rec domain.AuditRecord) bool {
	return user.IsAdmin() || rec.AuthorID == user.ID
}

func (f AuditFilter) matches(rec domain.AuditRecord, term string) bool {
	if f.EntityType != "" && rec.EntityType != f.EntityType {
		return false
	}
	if f.Action != "" && rec.Action != f.Action {
		return false
	}
	if f.Range != nil && !f.Range.Contains(rec.Timestamp) {
		return false
	}
	return MatchesSearch(rec, term)
}

// MatchesSearch reports whether term (already lower-cased) is a substring of
// the author name, the entity type or its label, or the justification. An
// empty term matches everything.
func MatchesSearch(rec domain.AuditRecord, term string) bool {
	if term == "" {
		return true
	}
	for _, field := range []string{
		rec.AuthorName,
		string(rec.EntityType),
		rec.EntityType.Label(),
		rec.Justification,
	} {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	return false
}

// ListTemplates returns templates oldest-first. A non-empty status filters.
// STANDARD users only see ACTIVE templates.
func (s *Service) ListTemplates(ctx context.Context, requester *domain.UserAccount, status domain.TemplateStatus) ([]domain.Template, error) {
	var out []domain.Template
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		user, err := resolve(v, requester)
		if err != nil {
			return err
		}
		for _, t := range v.ListTemplates() {
			if status != "" && t.Status != status {
				continue
			}
			if !user.IsAdmin() && t.Status != domain.TemplateActive {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetTemplate returns one template at its current version.
func (s *Service) GetTemplate(ctx context.Context, requester *domain.UserAccount, id string) (domain.Template, error) {
	var out domain.Template
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		if _, err := resolve(v, requester); err != nil {
			return err
		}
		t, ok := v.FindTemplate(id)
		if !ok {
			return domain.NewNotFoundError(domain.EntityTemplate, id)
		}
		out = t
		return nil
	})
	return out, err
}

// ListEntries returns a template's entries newest-first. DELETED entries are
// only returned to ADMIN requesters. A non-nil window is validated and applied
// to the entry creation time.
func (s *Service) ListEntries(ctx context.Context, requester *domain.UserAccount, templateID string, window *DateRange) (domain.Template, []domain.Entry, error) {
	if window != nil {
		if err := window.Validate(s.now()); err != nil {
			return domain.Template{}, nil, err
		}
	}
	var (
		tmpl domain.Template
		out  []domain.Entry
	)
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		user, err := resolve(v, requester)
		if err != nil {
			return err
		}
		t, ok := v.FindTemplate(templateID)
		if !ok {
			return domain.NewNotFoundError(domain.EntityTemplate, templateID)
		}
		tmpl = t
		entries := v.ListEntries(templateID)
		out = make([]domain.Entry, 0, len(entries))
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if e.Status == domain.EntryDeleted && !user.IsAdmin() {
				continue
			}
			if window != nil && !window.Contains(e.CreatedAt) {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return domain.Template{}, nil, err
	}
	return tmpl, out, nil
}

// ListUsers returns every account. ADMIN only.
func (s *Service) ListUsers(ctx context.Context, requester *domain.UserAccount) ([]domain.UserAccount, error) {
	var out []domain.UserAccount
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		user, err := resolve(v, requester)
		if err != nil {
			return err
		}
		if !user.IsAdmin() {
			return domain.NewForbiddenError("listing users requires the ADMIN role")
		}
		out = v.ListUsers()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats holds dashboard counters scoped to the requester.
type Stats struct {
	ActiveTemplates int    `json:"active_templates"`
	Entries         int    `json:"entries"`
	AuditRecords    int    `json:"audit_records"`
	LedgerSeq       uint64 `json:"ledger_seq"`
}

// Stats counts ACTIVE templates, their visible entries, and visible audit
// records.
func (s *Service) Stats(ctx context.Context, requester *domain.UserAccount) (Stats, error) {
	var out Stats
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		user, err := resolve(v, requester)
		if err != nil {
			return err
		}
		for _, t := range v.ListTemplates() {
			if t.Status != domain.TemplateActive {
				continue
			}
			out.ActiveTemplates++
			for _, e := range v.ListEntries(t.ID) {
				if e.Status != domain.EntryDeleted || user.IsAdmin() {
					out.Entries++
				}
			}
		}
		for _, rec := range v.ListAudit() {
			if Visible(user, rec) {
				out.AuditRecords++
			}
		}
		out.LedgerSeq, _ = v.LedgerHead()
		return nil
	})
	return out, err
}
