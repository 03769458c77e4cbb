// Package domain defines the persistent entities, value types, error taxonomy,
// and rule evaluation primitives used by elogbook.
package domain

import (
	"sort"
	"strings"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records, audit records and persistence buckets.
const (
	// EntityUser identifies a user account record.
	EntityUser EntityType = "USER"
	// EntityTemplate identifies a logbook template definition.
	EntityTemplate EntityType = "LOGBOOK_TEMPLATE"
	// EntityEntry identifies a logbook entry.
	EntityEntry EntityType = "ENTRY"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityUser, EntityTemplate, EntityEntry:
		return true
	}
	return false
}

// Label returns the human readable name used in reports and search.
func (t EntityType) Label() string {
	switch t {
	case EntityUser:
		return "User"
	case EntityTemplate:
		return "Logbook Template"
	case EntityEntry:
		return "Entry"
	}
	return string(t)
}

// Role is the two-valued permission level carried by every account.
type Role string

// Account roles.
const (
	RoleAdmin    Role = "ADMIN"
	RoleStandard Role = "STANDARD"
)

// Valid reports whether r is ADMIN or STANDARD.
func (r Role) Valid() bool { return r == RoleAdmin || r == RoleStandard }

// TemplateStatus tracks the publication state of a template.
type TemplateStatus string

// Template lifecycle states. Only ACTIVE templates accept entries.
const (
	TemplateDraft    TemplateStatus = "DRAFT"
	TemplateActive   TemplateStatus = "ACTIVE"
	TemplateInactive TemplateStatus = "INACTIVE"
)

// Valid reports whether s is a known template status.
func (s TemplateStatus) Valid() bool {
	switch s {
	case TemplateDraft, TemplateActive, TemplateInactive:
		return true
	}
	return false
}

// EntryStatus tracks the lifecycle of a logbook entry.
type EntryStatus string

// Entry states.
const (
	EntrySubmitted EntryStatus = "SUBMITTED"
	EntrySigned    EntryStatus = "SIGNED"
	EntryDeleted   EntryStatus = "DELETED"
)

// Valid reports whether s is a known entry status.
func (s EntryStatus) Valid() bool {
	switch s {
	case EntrySubmitted, EntrySigned, EntryDeleted:
		return true
	}
	return false
}

// ColumnType enumerates the field types a template column can declare.
type ColumnType string

// Column types.
const (
	ColumnText     ColumnType = "TEXT"
	ColumnNumber   ColumnType = "NUMBER"
	ColumnDate     ColumnType = "DATE"
	ColumnDropdown ColumnType = "DROPDOWN"
	ColumnBoolean  ColumnType = "BOOLEAN"
)

// Valid reports whether c is a known column type.
func (c ColumnType) Valid() bool {
	switch c {
	case ColumnText, ColumnNumber, ColumnDate, ColumnDropdown, ColumnBoolean:
		return true
	}
	return false
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// UserAccount is an authenticated principal. Accounts are immutable once created.
type UserAccount struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// DisplayName returns the name recorded as audit author.
func (u UserAccount) DisplayName() string {
	if strings.TrimSpace(u.FullName) != "" {
		return u.FullName
	}
	return u.Username
}

// IsAdmin reports whether the account carries the ADMIN role.
func (u UserAccount) IsAdmin() bool { return u.Role == RoleAdmin }

// Column describes one field of a logbook template.
type Column struct {
	ID            string     `json:"id"`
	Label         string     `json:"label"`
	Key           string     `json:"key"`
	Type          ColumnType `json:"type"`
	Mandatory     bool       `json:"mandatory"`
	Options       []string   `json:"options,omitempty"`
	DisplayOrder  int        `json:"display_order"`
	Group         string     `json:"group,omitempty"`
	SystemManaged bool       `json:"system_managed"`
}

// Template is a versioned logbook form definition.
type Template struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Status      TemplateStatus `json:"status"`
	Columns     []Column       `json:"columns"`
	CreatedAt   time.Time      `json:"created_at"`
	CreatedBy   string         `json:"created_by"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Version     int64          `json:"version"`
}

// Column returns the column with the supplied key.
func (t Template) Column(key string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Key == key {
			return c, true
		}
	}
	return Column{}, false
}

// OrderedColumns returns a copy of the columns sorted by display order, then key.
func (t Template) OrderedColumns() []Column {
	out := CloneColumns(t.Columns)
	SortColumns(out)
	return out
}

// SortColumns orders columns by DisplayOrder with the key as tie breaker.
func SortColumns(cols []Column) {
	sort.SliceStable(cols, func(i, j int) bool {
		if cols[i].DisplayOrder != cols[j].DisplayOrder {
			return cols[i].DisplayOrder < cols[j].DisplayOrder
		}
		return cols[i].Key < cols[j].Key
	})
}

// Entry is one submitted row of a logbook.
type Entry struct {
	ID              string           `json:"id"`
	TemplateID      string           `json:"template_id"`
	TemplateVersion int64            `json:"template_version"`
	Values          map[string]Value `json:"values"`
	CreatedAt       time.Time        `json:"created_at"`
	CreatedBy       string           `json:"created_by"`
	Status          EntryStatus      `json:"status"`
	Reason          string           `json:"reason"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity   EntityType
	Action   Action
	EntityID string
	Before   any
	After    any
}

// Action indicates the type of event recorded in the audit trail.
type Action string

// Audit actions. DELETE is reserved; no operation produces it.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "CREATE"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate     Action = "UPDATE"
	ActionDelete     Action = "DELETE"
	ActionViewReport Action = "VIEW_REPORT"
	ActionLogin      Action = "LOGIN"
)

// Valid reports whether a is a known audit action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionViewReport, ActionLogin:
		return true
	}
	return false
}

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Kind     ErrorKind
	Field    string
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	if v, ok := e.first(); ok {
		return "transaction blocked by rules: " + v.Message
	}
	return "transaction blocked by rules"
}

// Unwrap exposes the first blocking violation as a typed *Error so callers can
// match on error kinds with errors.Is.
func (e RuleViolationError) Unwrap() error {
	v, ok := e.first()
	if !ok {
		return nil
	}
	kind := v.Kind
	if kind == "" {
		kind = KindValidation
	}
	return &Error{Kind: kind, Entity: v.Entity, ID: v.EntityID, Field: v.Field, Message: v.Message}
}

func (e RuleViolationError) first() (Violation, bool) {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return v, true
		}
	}
	return Violation{}, false
}
