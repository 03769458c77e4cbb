package core

import (
	"context"
	"elogbook/internal/infra/persistence/memory"
	"elogbook/internal/platform/ids"
	"elogbook/pkg/domain"
	"fmt"
	"strings"
	"time"
)

// Justifications recorded for events that carry no user supplied reason.
const (
	LoginJustification     = "Standard Login"
	BootstrapJustification = "System bootstrap"
)

// Service is the only writer of regulated records. Every accepted change is
// committed together with its audit record.
type Service struct {
	store   PersistentStore
	locks   *entityLocks
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	clock   Clock
	sink    ChangeSink
	newID   func() string
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		locks:   newEntityLocks(),
		logger:  noopLogger{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		clock:   ClockFunc(time.Now),
		newID:   ids.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemoryService creates a service over an in-memory store. A nil engine
// selects the default rule set.
func NewInMemoryService(engine *RulesEngine, opts ...ServiceOption) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// CommitChange validates a proposed mutation, applies it under the entity's
// lock, and commits it atomically with an audit record.
func (s *Service) CommitChange(ctx context.Context, req ChangeRequest) (Committed, error) {
	var out Committed
	op := operationName(req)
	err := s.instrument(ctx, op, func(ctx context.Context) error {
		if err := precheck(req); err != nil {
			return err
		}
		id := req.EntityID
		if req.IsCreate() {
			id = s.newID()
		}
		release := s.locks.lock(string(req.EntityType) + ":" + id)
		defer release()

		var err error
		out, err = s.commit(ctx, req, id)
		return err
	})
	return out, err
}

func precheck(req ChangeRequest) error {
	if strings.TrimSpace(req.Justification) == "" {
		return domain.NewValidationError("justification", "a justification is required for every change")
	}
	if req.Actor == nil || strings.TrimSpace(req.Actor.ID) == "" {
		return domain.NewUnauthenticatedError("an authenticated actor is required")
	}
	if !req.EntityType.Valid() {
		return domain.NewValidationError("entity_type", "unknown entity type %q", req.EntityType)
	}
	if req.EntityType == EntityEntry && !req.IsCreate() {
		return domain.NewValidationError("entity_id", "entries are create-only")
	}
	if req.EntityType == EntityUser && !req.IsCreate() {
		return domain.NewValidationError("entity_id", "user accounts are immutable")
	}
	return nil
}

func (s *Service) commit(ctx context.Context, req ChangeRequest, id string) (Committed, error) {
	var out Committed
	_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		actor, err := resolveActor(tx, req.Actor)
		if err != nil {
			return err
		}
		var before, after any
		switch req.EntityType {
		case EntityTemplate:
			before, after, err = s.applyTemplate(tx, req, id, actor)
		case EntityEntry:
			after, err = s.applyEntry(tx, req, id, actor)
		case EntityUser:
			after, err = s.applyUser(tx, req, id, actor)
		}
		if err != nil {
			return err
		}
		action := domain.ActionUpdate
		if req.IsCreate() {
			action = domain.ActionCreate
		}
		rec, err := appendAudit(tx, req.EntityType, id, action, before, after, actor, req.Justification)
		if err != nil {
			return err
		}
		out = Committed{Entity: after, AuditRecordID: rec.ID}
		return nil
	})
	if err != nil {
		return Committed{}, err
	}
	s.publish(ctx, out.AuditRecordID)
	return out, nil
}

// resolveActor re-reads the claimed actor from the store so role checks and
// audit attribution use the stored account.
func resolveActor(tx Transaction, claimed *UserAccount) (UserAccount, error) {
	if claimed == nil {
		return UserAccount{}, domain.NewUnauthenticatedError("an authenticated actor is required")
	}
	actor, ok := tx.FindUser(claimed.ID)
	if !ok {
		return UserAccount{}, domain.NewUnauthenticatedError(fmt.Sprintf("actor %s is not a known user", claimed.ID))
	}
	return actor, nil
}

func requireAdmin(actor UserAccount, what string) error {
	if !actor.IsAdmin() {
		return domain.NewForbiddenError(what + " requires the ADMIN role")
	}
	return nil
}

func appendAudit(tx Transaction, entity EntityType, id string, action Action, before, after any, actor UserAccount, justification string) (AuditRecord, error) {
	rec := AuditRecord{
		EntityType:    entity,
		EntityID:      id,
		Action:        action,
		AuthorID:      actor.ID,
		AuthorName:    actor.DisplayName(),
		Justification: strings.TrimSpace(justification),
	}
	var err error
	if before != nil {
		if rec.OldValue, err = domain.NewSnapshot(before); err != nil {
			return AuditRecord{}, err
		}
	}
	if after != nil {
		if rec.NewValue, err = domain.NewSnapshot(after); err != nil {
			return AuditRecord{}, err
		}
	}
	return tx.AppendAudit(rec)
}

func (s *Service) applyTemplate(tx Transaction, req ChangeRequest, id string, actor UserAccount) (any, any, error) {
	if err := requireAdmin(actor, "changing a logbook template"); err != nil {
		return nil, nil, err
	}
	proposed, err := templateFrom(req.Proposed)
	if err != nil {
		return nil, nil, err
	}
	s.normalizeColumns(proposed.Columns)

	if req.IsCreate() {
		proposed.ID = id
		proposed.CreatedBy = actor.ID
		if proposed.Status == "" {
			proposed.Status = domain.TemplateDraft
		}
		proposed.Columns = withSystemColumns(proposed.Columns)
		created, err := tx.CreateTemplate(proposed)
		if err != nil {
			return nil, nil, err
		}
		return nil, created, nil
	}

	before, ok := tx.FindTemplate(id)
	if !ok {
		return nil, nil, domain.NewNotFoundError(EntityTemplate, id)
	}
	updated, err := tx.UpdateTemplate(id, func(t *Template) error {
		t.Name = strings.TrimSpace(proposed.Name)
		t.Description = proposed.Description
		if proposed.Status != "" {
			t.Status = proposed.Status
		}
		t.Columns = domain.CloneColumns(proposed.Columns)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return before, updated, nil
}

func templateFrom(proposed any) (Template, error) {
	switch v := proposed.(type) {
	case Template:
		return domain.CloneTemplate(v), nil
	case *Template:
		if v != nil {
			return domain.CloneTemplate(*v), nil
		}
	}
	return Template{}, domain.NewValidationError("proposed", "expected a logbook template, got %T", proposed)
}

// normalizeColumns derives missing keys from labels and assigns ids to new
// columns. A missing display order keeps the submitted position.
func (s *Service) normalizeColumns(cols []Column) {
	for i := range cols {
		cols[i].Label = strings.TrimSpace(cols[i].Label)
		if cols[i].Key == "" {
			cols[i].Key = domain.NormalizeColumnKey(cols[i].Label)
		}
		if cols[i].ID == "" {
			cols[i].ID = s.newID()
		}
	}
}

// withSystemColumns appends the system-managed columns a new template must
// carry, after every user column.
func withSystemColumns(cols []Column) []Column {
	for _, c := range cols {
		if c.Key == domain.RecordedAtKey {
			return cols
		}
	}
	order := 0
	for _, c := range cols {
		if c.DisplayOrder >= order {
			order = c.DisplayOrder + 1
		}
	}
	return append(cols, domain.RecordedAtColumn(order))
}

func (s *Service) applyEntry(tx Transaction, req ChangeRequest, id string, actor UserAccount) (any, error) {
	proposed, err := entryFrom(req.Proposed)
	if err != nil {
		return nil, err
	}
	tmpl, ok := tx.FindTemplate(proposed.TemplateID)
	if !ok {
		return nil, domain.NewNotFoundError(EntityTemplate, proposed.TemplateID)
	}
	proposed.ID = id
	proposed.TemplateVersion = tmpl.Version
	proposed.CreatedBy = actor.ID
	proposed.CreatedAt = tx.Now()
	proposed.Reason = strings.TrimSpace(proposed.Reason)
	if proposed.Reason == "" {
		proposed.Reason = strings.TrimSpace(req.Justification)
	}
	if proposed.Status == "" {
		proposed.Status = domain.EntrySubmitted
	}
	if proposed.Values == nil {
		proposed.Values = make(map[string]domain.Value)
	}
	// Snapshots are JSON, which has no NaN or Inf.
	for _, key := range sortedKeys(proposed.Values) {
		if !proposed.Values[key].Finite() {
			return nil, domain.NewValidationError(key, "field %q must be a finite number", key)
		}
	}
	for _, c := range tmpl.Columns {
		if c.SystemManaged && c.Key == domain.RecordedAtKey {
			proposed.Values[c.Key] = domain.DateValue(tx.Now())
		}
	}
	created, err := tx.CreateEntry(proposed)
	if err != nil {
		return nil, err
	}
	return created, nil
}

func entryFrom(proposed any) (Entry, error) {
	switch v := proposed.(type) {
	case Entry:
		return domain.CloneEntry(v), nil
	case *Entry:
		if v != nil {
			return domain.CloneEntry(*v), nil
		}
	}
	return Entry{}, domain.NewValidationError("proposed", "expected a logbook entry, got %T", proposed)
}

func (s *Service) applyUser(tx Transaction, req ChangeRequest, id string, actor UserAccount) (any, error) {
	if err := requireAdmin(actor, "creating a user"); err != nil {
		return nil, err
	}
	proposed, err := userFrom(req.Proposed)
	if err != nil {
		return nil, err
	}
	proposed.ID = id
	proposed.Username = domain.NormalizeUsername(proposed.Username)
	proposed.FullName = strings.TrimSpace(proposed.FullName)
	if proposed.Role == "" {
		proposed.Role = domain.RoleStandard
	}
	created, err := tx.CreateUser(proposed)
	if err != nil {
		return nil, err
	}
	return created, nil
}

func userFrom(proposed any) (UserAccount, error) {
	switch v := proposed.(type) {
	case UserAccount:
		return v, nil
	case *UserAccount:
		if v != nil {
			return *v, nil
		}
	}
	return UserAccount{}, domain.NewValidationError("proposed", "expected a user account, got %T", proposed)
}

// CreateTemplate commits a new logbook template.
func (s *Service) CreateTemplate(ctx context.Context, actor *UserAccount, t Template, justification string) (Template, string, error) {
	res, err := s.CommitChange(ctx, ChangeRequest{EntityType: EntityTemplate, Proposed: t, Justification: justification, Actor: actor})
	if err != nil {
		return Template{}, "", err
	}
	return res.Entity.(Template), res.AuditRecordID, nil
}

// UpdateTemplate commits a new version of an existing template.
func (s *Service) UpdateTemplate(ctx context.Context, actor *UserAccount, id string, t Template, justification string) (Template, string, error) {
	if strings.TrimSpace(id) == "" {
		return Template{}, "", domain.NewValidationError("entity_id", "template id required for an update")
	}
	res, err := s.CommitChange(ctx, ChangeRequest{EntityType: EntityTemplate, EntityID: id, Proposed: t, Justification: justification, Actor: actor})
	if err != nil {
		return Template{}, "", err
	}
	return res.Entity.(Template), res.AuditRecordID, nil
}

// SubmitEntry commits a new logbook entry.
func (s *Service) SubmitEntry(ctx context.Context, actor *UserAccount, e Entry, justification string) (Entry, string, error) {
	res, err := s.CommitChange(ctx, ChangeRequest{EntityType: EntityEntry, Proposed: e, Justification: justification, Actor: actor})
	if err != nil {
		return Entry{}, "", err
	}
	return res.Entity.(Entry), res.AuditRecordID, nil
}

// CreateUser commits a new account.
func (s *Service) CreateUser(ctx context.Context, actor *UserAccount, u UserAccount, justification string) (UserAccount, string, error) {
	res, err := s.CommitChange(ctx, ChangeRequest{EntityType: EntityUser, Proposed: u, Justification: justification, Actor: actor})
	if err != nil {
		return UserAccount{}, "", err
	}
	return res.Entity.(UserAccount), res.AuditRecordID, nil
}

// RecordLogin appends a LOGIN event for actor.
func (s *Service) RecordLogin(ctx context.Context, actor *UserAccount) (AuditRecord, error) {
	var rec AuditRecord
	err := s.instrument(ctx, "record_login", func(ctx context.Context) error {
		if actor == nil {
			return domain.NewUnauthenticatedError("an authenticated actor is required")
		}
		_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			stored, err := resolveActor(tx, actor)
			if err != nil {
				return err
			}
			rec, err = appendAudit(tx, EntityUser, stored.ID, domain.ActionLogin, nil,
				map[string]string{"username": stored.Username}, stored, LoginJustification)
			return err
		})
		return err
	})
	if err != nil {
		return AuditRecord{}, err
	}
	return s.publish(ctx, rec.ID), nil
}

// ReportView describes a report a user opened or exported.
type ReportView struct {
	EntityType    EntityType
	EntityID      string
	Details       any
	Justification string
}

// RecordReportView appends a VIEW_REPORT event for actor.
func (s *Service) RecordReportView(ctx context.Context, actor *UserAccount, view ReportView) (AuditRecord, error) {
	var rec AuditRecord
	err := s.instrument(ctx, "record_report_view", func(ctx context.Context) error {
		if actor == nil {
			return domain.NewUnauthenticatedError("an authenticated actor is required")
		}
		if strings.TrimSpace(view.Justification) == "" {
			return domain.NewValidationError("justification", "a justification is required for every report")
		}
		_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			stored, err := resolveActor(tx, actor)
			if err != nil {
				return err
			}
			entity, id := view.EntityType, view.EntityID
			if entity == "" {
				entity, id = EntityUser, stored.ID
			}
			rec, err = appendAudit(tx, entity, id, domain.ActionViewReport, nil, view.Details, stored, view.Justification)
			return err
		})
		return err
	})
	if err != nil {
		return AuditRecord{}, err
	}
	return s.publish(ctx, rec.ID), nil
}

// Bootstrap seeds the first ADMIN account on an empty store. The account
// authors its own creation record. created is false when users already exist.
func (s *Service) Bootstrap(ctx context.Context, username, fullName string) (UserAccount, bool, error) {
	var (
		admin   UserAccount
		created bool
		recID   string
	)
	err := s.instrument(ctx, "bootstrap", func(ctx context.Context) error {
		if domain.NormalizeUsername(username) == "" {
			return domain.NewValidationError("username", "bootstrap username required")
		}
		if strings.TrimSpace(fullName) == "" {
			fullName = username
		}
		release := s.locks.lock("bootstrap")
		defer release()
		_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			if len(tx.Snapshot().ListUsers()) > 0 {
				return nil
			}
			var err error
			admin, err = tx.CreateUser(UserAccount{
				ID:       s.newID(),
				Username: domain.NormalizeUsername(username),
				FullName: strings.TrimSpace(fullName),
				Role:     domain.RoleAdmin,
			})
			if err != nil {
				return err
			}
			rec, err := appendAudit(tx, EntityUser, admin.ID, domain.ActionCreate, nil, admin, admin, BootstrapJustification)
			if err != nil {
				return err
			}
			created, recID = true, rec.ID
			return nil
		})
		return err
	})
	if err != nil {
		return UserAccount{}, false, err
	}
	if created {
		s.publish(ctx, recID)
	}
	return admin, created, nil
}

// publish hands the sealed record to the sink after commit and returns it.
func (s *Service) publish(ctx context.Context, auditID string) AuditRecord {
	var rec AuditRecord
	if err := s.store.View(ctx, func(v TransactionView) error {
		rec, _ = v.FindAudit(auditID)
		return nil
	}); err != nil {
		s.logger.Warn("read committed audit record", "audit_id", auditID, "error", err)
		return rec
	}
	if s.sink == nil || rec.ID == "" {
		return rec
	}
	if err := s.sink.Publish(ctx, rec); err != nil {
		s.logger.Warn("audit fan-out failed", "audit_id", rec.ID, "seq", rec.Seq, "error", err)
	}
	return rec
}

func (s *Service) instrument(ctx context.Context, op string, fn func(context.Context) error) error {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, op)
	err := fn(ctx)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, s.clock.Now().Sub(start))
	switch kind := domain.KindOf(err); {
	case err == nil:
		s.logger.Debug("operation committed", "operation", op)
	case kind == domain.KindStorageUnavailable || kind == "":
		s.logger.Error("operation failed", "operation", op, "error", err)
	default:
		s.logger.Info("operation rejected", "operation", op, "kind", string(kind), "error", err)
	}
	return err
}

func operationName(req ChangeRequest) string {
	verb := "update"
	if req.IsCreate() {
		verb = "create"
	}
	switch req.EntityType {
	case EntityTemplate:
		return verb + "_template"
	case EntityEntry:
		return verb + "_entry"
	case EntityUser:
		return verb + "_user"
	}
	return "commit_change"
}
