package core

import (
	"context"
	"elogbook/pkg/domain"
	"fmt"
	"sort"
	"strings"
)

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewTemplateStructureRule())
	engine.Register(NewSystemColumnRule())
	engine.Register(NewEntryValuesRule())
	engine.Register(NewUserAccountRule())
	return engine
}

func block(rule string, kind domain.ErrorKind, entity EntityType, id, field, format string, args ...any) Violation {
	return Violation{
		Rule:     rule,
		Severity: SeverityBlock,
		Kind:     kind,
		Field:    field,
		Message:  fmt.Sprintf(format, args...),
		Entity:   entity,
		EntityID: id,
	}
}

// NewTemplateStructureRule validates template shape: a name, known status,
// labelled columns with unique keys, and well formed dropdown options.
func NewTemplateStructureRule() domain.Rule {
	return templateStructureRule{}
}

type templateStructureRule struct{}

func (templateStructureRule) Name() string { return "template_structure" }

func (r templateStructureRule) Evaluate(_ context.Context, _ domain.RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, ch := range changes {
		if ch.Entity != EntityTemplate {
			continue
		}
		t, ok := ch.After.(Template)
		if !ok {
			continue
		}
		res.Violations = append(res.Violations, r.check(t)...)
	}
	return res, nil
}

func (r templateStructureRule) check(t Template) []Violation {
	var out []Violation
	add := func(field, format string, args ...any) {
		out = append(out, block(r.Name(), domain.KindValidation, EntityTemplate, t.ID, field, format, args...))
	}
	if strings.TrimSpace(t.Name) == "" {
		add("name", "template name required")
	}
	if !t.Status.Valid() {
		add("status", "unknown template status %q", t.Status)
	}
	userColumns := 0
	keys := make(map[string]bool, len(t.Columns))
	ids := make(map[string]bool, len(t.Columns))
	for i, c := range t.Columns {
		field := fmt.Sprintf("columns[%d]", i)
		if !c.SystemManaged {
			userColumns++
		}
		if strings.TrimSpace(c.Label) == "" {
			add(field+".label", "column label required")
		}
		if !c.Type.Valid() {
			add(field+".type", "unknown column type %q", c.Type)
		}
		switch {
		case c.Key == "":
			add(field+".key", "column key required")
		case keys[c.Key]:
			add(field+".key", "duplicate column key %q", c.Key)
		}
		keys[c.Key] = true
		if c.ID != "" && ids[c.ID] {
			add(field+".id", "duplicate column id %q", c.ID)
		}
		ids[c.ID] = true
		if c.Type == domain.ColumnDropdown {
			if len(c.Options) == 0 {
				add(field+".options", "dropdown column %q needs at least one option", c.Key)
			}
			seen := make(map[string]bool, len(c.Options))
			for _, opt := range c.Options {
				if strings.TrimSpace(opt) == "" {
					add(field+".options", "dropdown column %q has an empty option", c.Key)
					break
				}
				if seen[opt] {
					add(field+".options", "dropdown column %q repeats option %q", c.Key, opt)
					break
				}
				seen[opt] = true
			}
		} else if len(c.Options) > 0 {
			add(field+".options", "options are only allowed on dropdown columns")
		}
	}
	if userColumns == 0 {
		add("columns", "template needs at least one column")
	}
	return out
}

// NewSystemColumnRule rejects template versions that drop or alter a
// system-managed column of the version they replace.
func NewSystemColumnRule() domain.Rule {
	return systemColumnRule{}
}

type systemColumnRule struct{}

func (systemColumnRule) Name() string { return "system_columns" }

func (r systemColumnRule) Evaluate(_ context.Context, _ domain.RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, ch := range changes {
		if ch.Entity != EntityTemplate || ch.Action != domain.ActionUpdate {
			continue
		}
		before, okBefore := ch.Before.(Template)
		after, okAfter := ch.After.(Template)
		if !okBefore || !okAfter {
			continue
		}
		next := make(map[string]Column, len(after.Columns))
		for _, c := range after.Columns {
			next[c.ID] = c
		}
		prevSystem := make(map[string]bool)
		for _, prev := range before.Columns {
			if !prev.SystemManaged {
				continue
			}
			prevSystem[prev.ID] = true
			cur, ok := next[prev.ID]
			switch {
			case !ok:
				res.Violations = append(res.Violations, block(r.Name(), domain.KindInvariantViolation, EntityTemplate, after.ID,
					"columns", "system-managed column %q cannot be removed", prev.Key))
			case cur.Key != prev.Key || cur.Type != prev.Type || !cur.SystemManaged:
				res.Violations = append(res.Violations, block(r.Name(), domain.KindInvariantViolation, EntityTemplate, after.ID,
					"columns", "system-managed column %q cannot be altered", prev.Key))
			}
		}
		for _, c := range after.Columns {
			if c.SystemManaged && !prevSystem[c.ID] {
				res.Violations = append(res.Violations, block(r.Name(), domain.KindInvariantViolation, EntityTemplate, after.ID,
					"columns", "column %q cannot become system-managed", c.Key))
			}
		}
	}
	return res, nil
}

// NewEntryValuesRule checks new entries against their template. Missing
// mandatory fields are reported first, then the template must be ACTIVE and
// every value must match its column.
func NewEntryValuesRule() domain.Rule {
	return entryValuesRule{}
}

type entryValuesRule struct{}

func (entryValuesRule) Name() string { return "entry_values" }

func (r entryValuesRule) Evaluate(_ context.Context, view domain.RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, ch := range changes {
		if ch.Entity != EntityEntry {
			continue
		}
		e, ok := ch.After.(Entry)
		if !ok {
			continue
		}
		res.Violations = append(res.Violations, r.check(view, e)...)
	}
	return res, nil
}

func (r entryValuesRule) check(view domain.RuleView, e Entry) []Violation {
	t, ok := view.FindTemplate(e.TemplateID)
	if !ok {
		return []Violation{block(r.Name(), domain.KindNotFound, EntityTemplate, e.TemplateID, "template_id", "template not found")}
	}
	var out []Violation
	add := func(field, format string, args ...any) {
		out = append(out, block(r.Name(), domain.KindValidation, EntityEntry, e.ID, field, format, args...))
	}
	for _, c := range t.OrderedColumns() {
		if c.SystemManaged || !c.Mandatory {
			continue
		}
		if e.Values[c.Key].IsEmpty() {
			add(c.Key, "mandatory field %q is missing", c.Label)
		}
	}
	if t.Status != domain.TemplateActive {
		add("template_id", "template %q is %s; entries require an ACTIVE template", t.Name, t.Status)
		return out
	}
	if !e.Status.Valid() {
		add("status", "unknown entry status %q", e.Status)
	}
	if strings.TrimSpace(e.Reason) == "" {
		add("reason", "an entry requires a reason")
	}
	for _, key := range sortedKeys(e.Values) {
		v := e.Values[key]
		c, ok := t.Column(key)
		if !ok {
			add(key, "unknown field %q", key)
			continue
		}
		if v.IsZero() {
			continue
		}
		if !v.Accepts(c.Type) {
			add(key, "field %q expects %s, got %s", c.Label, c.Type, v.Kind())
			continue
		}
		if !v.Finite() {
			add(key, "field %q must be a finite number", c.Label)
			continue
		}
		if c.Type == domain.ColumnDropdown {
			if !containsOption(c.Options, v.String()) {
				add(key, "%q is not an option of %q", v.String(), c.Label)
			}
		}
	}
	return out
}

func containsOption(options []string, value string) bool {
	for _, opt := range options {
		if opt == value {
			return true
		}
	}
	return false
}

// NewUserAccountRule validates new accounts and enforces username uniqueness
// after normalization.
func NewUserAccountRule() domain.Rule {
	return userAccountRule{}
}

type userAccountRule struct{}

func (userAccountRule) Name() string { return "user_account" }

func (r userAccountRule) Evaluate(_ context.Context, view domain.RuleView, changes []Change) (Result, error) {
	res := Result{}
	var users []UserAccount
	for _, ch := range changes {
		if ch.Entity != EntityUser {
			continue
		}
		u, ok := ch.After.(UserAccount)
		if !ok {
			continue
		}
		name := domain.NormalizeUsername(u.Username)
		if name == "" {
			res.Violations = append(res.Violations, block(r.Name(), domain.KindValidation, EntityUser, u.ID, "username", "username required"))
		}
		if strings.TrimSpace(u.FullName) == "" {
			res.Violations = append(res.Violations, block(r.Name(), domain.KindValidation, EntityUser, u.ID, "full_name", "full name required"))
		}
		if !u.Role.Valid() {
			res.Violations = append(res.Violations, block(r.Name(), domain.KindValidation, EntityUser, u.ID, "role", "unknown role %q", u.Role))
		}
		if name == "" {
			continue
		}
		if users == nil {
			users = view.ListUsers()
		}
		for _, other := range users {
			if other.ID != u.ID && domain.NormalizeUsername(other.Username) == name {
				res.Violations = append(res.Violations, block(r.Name(), domain.KindConflict, EntityUser, u.ID, "username", "username %q is already taken", name))
				break
			}
		}
	}
	return res, nil
}

func sortedKeys(values map[string]domain.Value) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
