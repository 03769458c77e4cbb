package domain

// CloneColumns deep-copies a column slice including option lists.
func CloneColumns(cols []Column) []Column {
	if cols == nil {
		return nil
	}
	out := make([]Column, len(cols))
	for i, c := range cols {
		out[i] = c
		if c.Options != nil {
			out[i].Options = append([]string(nil), c.Options...)
		}
	}
	return out
}

// CloneTemplate returns a template that shares no mutable state with t.
func CloneTemplate(t Template) Template {
	t.Columns = CloneColumns(t.Columns)
	return t
}

// CloneEntry returns an entry that shares no mutable state with e.
func CloneEntry(e Entry) Entry {
	if e.Values != nil {
		values := make(map[string]Value, len(e.Values))
		for k, v := range e.Values {
			values[k] = v
		}
		e.Values = values
	}
	return e
}

// CloneUser returns a copy of u. Accounts hold no reference fields.
func CloneUser(u UserAccount) UserAccount { return u }
