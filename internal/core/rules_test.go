package core

import (
	"context"
	"elogbook/pkg/domain"
	"math"
	"testing"
	"time"
)

type stubView struct {
	users     []UserAccount
	templates map[string]Template
}

func (v stubView) ListUsers() []UserAccount { return v.users }
func (v stubView) ListTemplates() []Template {
	out := make([]Template, 0, len(v.templates))
	for _, t := range v.templates {
		out = append(out, t)
	}
	return out
}
func (v stubView) FindUser(id string) (UserAccount, bool) {
	for _, u := range v.users {
		if u.ID == id {
			return u, true
		}
	}
	return UserAccount{}, false
}
func (v stubView) FindUserByUsername(username string) (UserAccount, bool) {
	for _, u := range v.users {
		if u.Username == username {
			return u, true
		}
	}
	return UserAccount{}, false
}
func (v stubView) FindTemplate(id string) (Template, bool) {
	t, ok := v.templates[id]
	return t, ok
}
func (v stubView) FindEntry(string) (Entry, bool) { return Entry{}, false }

func activeTemplate() Template {
	return Template{
		ID:      "tmpl-1",
		Name:    "Cleaning Log",
		Status:  domain.TemplateActive,
		Version: 1,
		Columns: []Column{
			{ID: "c1", Label: "Area", Key: "area", Type: domain.ColumnText, Mandatory: true, DisplayOrder: 0},
			{ID: "c2", Label: "Agent", Key: "agent", Type: domain.ColumnDropdown, Options: []string{"Bleach"}, DisplayOrder: 1},
			{ID: "c3", Label: "Count", Key: "count", Type: domain.ColumnNumber, Mandatory: true, DisplayOrder: 2},
			{ID: "c4", Label: "Recorded At", Key: domain.RecordedAtKey, Type: domain.ColumnDate, SystemManaged: true, DisplayOrder: 3},
		},
	}
}

func fields(res Result) []string {
	out := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		out = append(out, v.Field)
	}
	return out
}

func TestTemplateStructureRule(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Template)
		want   []string
	}{
		{"valid", func(*Template) {}, nil},
		{"blank name", func(t *Template) { t.Name = " " }, []string{"name"}},
		{"unknown status", func(t *Template) { t.Status = "RETIRED" }, []string{"status"}},
		{"duplicate key", func(t *Template) { t.Columns[1].Key = "area" }, []string{"columns[1].key"}},
		{"duplicate id", func(t *Template) { t.Columns[1].ID = "c1" }, []string{"columns[1].id"}},
		{"empty dropdown", func(t *Template) { t.Columns[1].Options = nil }, []string{"columns[1].options"}},
		{"repeated option", func(t *Template) { t.Columns[1].Options = []string{"Bleach", "Bleach"} }, []string{"columns[1].options"}},
		{"options on text", func(t *Template) { t.Columns[0].Options = []string{"x"} }, []string{"columns[0].options"}},
		{"missing label and type", func(t *Template) { t.Columns[0].Label = ""; t.Columns[0].Type = "BLOB" }, []string{"columns[0].label", "columns[0].type"}},
		{"only system columns", func(t *Template) { t.Columns = t.Columns[3:] }, []string{"columns"}},
	}
	rule := NewTemplateStructureRule()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tmpl := activeTemplate()
			tc.mutate(&tmpl)
			res, err := rule.Evaluate(context.Background(), stubView{}, []Change{{Entity: EntityTemplate, Action: domain.ActionCreate, After: tmpl}})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			got := fields(res)
			if len(got) != len(tc.want) {
				t.Fatalf("expected violations on %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("expected violations on %v, got %v", tc.want, got)
				}
			}
		})
	}
}

func TestSystemColumnRule(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Template)
		count  int
	}{
		{"relabel user column", func(t *Template) { t.Columns[0].Label = "Room" }, 0},
		{"relabel system column", func(t *Template) { t.Columns[3].Label = "Logged" }, 0},
		{"remove", func(t *Template) { t.Columns = t.Columns[:3] }, 1},
		{"rekey", func(t *Template) { t.Columns[3].Key = "logged" }, 1},
		{"retype", func(t *Template) { t.Columns[3].Type = domain.ColumnText }, 1},
		{"demote", func(t *Template) { t.Columns[3].SystemManaged = false }, 1},
		{"promote", func(t *Template) { t.Columns[0].SystemManaged = true }, 1},
	}
	rule := NewSystemColumnRule()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := activeTemplate()
			after := domain.CloneTemplate(before)
			tc.mutate(&after)
			res, err := rule.Evaluate(context.Background(), stubView{}, []Change{{Entity: EntityTemplate, Action: domain.ActionUpdate, Before: before, After: after}})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if len(res.Violations) != tc.count {
				t.Fatalf("expected %d violations, got %+v", tc.count, res.Violations)
			}
			for _, v := range res.Violations {
				if v.Kind != domain.KindInvariantViolation || v.Severity != SeverityBlock {
					t.Fatalf("unexpected violation %+v", v)
				}
			}
		})
	}

	tmpl := activeTemplate()
	res, _ := rule.Evaluate(context.Background(), stubView{}, []Change{{Entity: EntityTemplate, Action: domain.ActionCreate, After: tmpl}})
	if len(res.Violations) != 0 {
		t.Fatalf("create changes are not checked against a prior version")
	}
}

func TestEntryValuesRuleReportsMissingInDisplayOrder(t *testing.T) {
	view := stubView{templates: map[string]Template{"tmpl-1": activeTemplate()}}
	entry := Entry{ID: "e1", TemplateID: "tmpl-1", Status: domain.EntrySubmitted, Reason: "Shift 1", Values: map[string]domain.Value{
		"agent": domain.OptionValue("Bleach"),
	}}
	res, err := NewEntryValuesRule().Evaluate(context.Background(), view, []Change{{Entity: EntityEntry, Action: domain.ActionCreate, After: entry}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	got := fields(res)
	if len(got) != 2 || got[0] != "area" || got[1] != "count" {
		t.Fatalf("expected area then count, got %v", got)
	}

	entry.Values = map[string]domain.Value{
		"area":               domain.TextValue("Line 1"),
		"count":              domain.NumberValue(0),
		domain.RecordedAtKey: domain.DateValue(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
	}
	res, _ = NewEntryValuesRule().Evaluate(context.Background(), view, []Change{{Entity: EntityEntry, Action: domain.ActionCreate, After: entry}})
	if len(res.Violations) != 0 {
		t.Fatalf("zero is a valid number, got %+v", res.Violations)
	}
}

func TestEntryValuesRuleRejectsNonFiniteNumbers(t *testing.T) {
	view := stubView{templates: map[string]Template{"tmpl-1": activeTemplate()}}
	for _, n := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		entry := Entry{ID: "e1", TemplateID: "tmpl-1", Status: domain.EntrySubmitted, Reason: "Shift 1", Values: map[string]domain.Value{
			"area":  domain.TextValue("Line 1"),
			"count": domain.NumberValue(n),
		}}
		res, err := NewEntryValuesRule().Evaluate(context.Background(), view, []Change{{Entity: EntityEntry, Action: domain.ActionCreate, After: entry}})
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if got := fields(res); len(got) != 1 || got[0] != "count" {
			t.Fatalf("%v: expected a count violation, got %+v", n, res.Violations)
		}
		if res.Violations[0].Kind != domain.KindValidation {
			t.Fatalf("%v: expected validation kind, got %s", n, res.Violations[0].Kind)
		}
	}
}

func TestEntryValuesRuleRequiresReason(t *testing.T) {
	view := stubView{templates: map[string]Template{"tmpl-1": activeTemplate()}}
	entry := Entry{ID: "e1", TemplateID: "tmpl-1", Status: domain.EntrySubmitted, Reason: "  ", Values: map[string]domain.Value{
		"area":  domain.TextValue("Line 1"),
		"count": domain.NumberValue(2),
	}}
	res, _ := NewEntryValuesRule().Evaluate(context.Background(), view, []Change{{Entity: EntityEntry, Action: domain.ActionCreate, After: entry}})
	if got := fields(res); len(got) != 1 || got[0] != "reason" {
		t.Fatalf("expected a reason violation, got %+v", res.Violations)
	}
}

func TestUserAccountRule(t *testing.T) {
	view := stubView{users: []UserAccount{{ID: "u1", Username: "qa.lead", FullName: "QA Lead", Role: domain.RoleAdmin}}}
	cases := []struct {
		name string
		user UserAccount
		kind domain.ErrorKind
	}{
		{"valid", UserAccount{ID: "u2", Username: "operator", FullName: "Operator", Role: domain.RoleStandard}, ""},
		{"blank username", UserAccount{ID: "u2", Username: " ", FullName: "Operator", Role: domain.RoleStandard}, domain.KindValidation},
		{"blank full name", UserAccount{ID: "u2", Username: "operator", Role: domain.RoleStandard}, domain.KindValidation},
		{"bad role", UserAccount{ID: "u2", Username: "operator", FullName: "Operator", Role: "ROOT"}, domain.KindValidation},
		{"taken after normalization", UserAccount{ID: "u2", Username: " QA.Lead", FullName: "Other", Role: domain.RoleStandard}, domain.KindConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := NewUserAccountRule().Evaluate(context.Background(), view, []Change{{Entity: EntityUser, Action: domain.ActionCreate, After: tc.user}})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if tc.kind == "" {
				if len(res.Violations) != 0 {
					t.Fatalf("unexpected violations %+v", res.Violations)
				}
				return
			}
			if len(res.Violations) != 1 || res.Violations[0].Kind != tc.kind {
				t.Fatalf("expected one %s violation, got %+v", tc.kind, res.Violations)
			}
		})
	}
}

func TestDefaultRulesEngineRegistersPolicies(t *testing.T) {
	names := NewDefaultRulesEngine().Rules()
	want := []string{"template_structure", "system_columns", "entry_values", "user_account"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
	if len(NewRulesEngine().Rules()) != 0 {
		t.Fatalf("expected an empty engine")
	}
}
