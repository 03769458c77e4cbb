package memory

import (
	"elogbook/pkg/domain"
	"sort"
)

// stateView exposes a detached committed snapshot.
type stateView struct {
	state memoryState
}

var (
	_ TransactionView = stateView{}
	_ TransactionView = overlayView{}
)

func (v stateView) ListUsers() []UserAccount {
	out := make([]UserAccount, 0, len(v.state.users))
	for _, u := range v.state.users {
		out = append(out, domain.CloneUser(u))
	}
	sortUsers(out)
	return out
}

func (v stateView) ListTemplates() []Template {
	out := make([]Template, 0, len(v.state.templates))
	for _, t := range v.state.templates {
		out = append(out, domain.CloneTemplate(t))
	}
	sortTemplates(out)
	return out
}

func (v stateView) FindUser(id string) (UserAccount, bool) {
	u, ok := v.state.users[id]
	return domain.CloneUser(u), ok
}

func (v stateView) FindUserByUsername(username string) (UserAccount, bool) {
	id, ok := v.state.usernames[domain.NormalizeUsername(username)]
	if !ok {
		return UserAccount{}, false
	}
	return v.FindUser(id)
}

func (v stateView) FindTemplate(id string) (Template, bool) {
	t, ok := v.state.templates[id]
	if !ok {
		return Template{}, false
	}
	return domain.CloneTemplate(t), true
}

func (v stateView) FindEntry(id string) (Entry, bool) {
	e, ok := v.state.entries[id]
	if !ok {
		return Entry{}, false
	}
	return domain.CloneEntry(e), true
}

func (v stateView) ListEntries(templateID string) []Entry {
	ids := v.state.entryIDs[templateID]
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.CloneEntry(v.state.entries[id]))
	}
	return out
}

func (v stateView) ListAudit() []AuditRecord {
	out := make([]AuditRecord, 0, len(v.state.audit))
	for i := len(v.state.audit) - 1; i >= 0; i-- {
		out = append(out, v.state.audit[i])
	}
	return out
}

func (v stateView) ListAuditForEntity(entityID string) []AuditRecord {
	idx := v.state.auditForEntity[entityID]
	out := make([]AuditRecord, 0, len(idx))
	for i := len(idx) - 1; i >= 0; i-- {
		out = append(out, v.state.audit[idx[i]])
	}
	return out
}

func (v stateView) FindAudit(id string) (AuditRecord, bool) {
	idx, ok := v.state.auditByID[id]
	if !ok {
		return AuditRecord{}, false
	}
	return v.state.audit[idx], true
}

func (v stateView) LedgerHead() (uint64, string) {
	return v.state.head()
}

// overlayView layers a transaction's staged writes over live committed state.
// Each committed lookup takes the read lock briefly so concurrent
// transactions on other entities are never blocked for long.
type overlayView struct {
	store *Store
	tx    *transaction
}

func (v overlayView) committed(fn func(st *memoryState)) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	fn(&v.store.state)
}

func (v overlayView) ListUsers() []UserAccount {
	var out []UserAccount
	v.committed(func(st *memoryState) {
		out = make([]UserAccount, 0, len(st.users)+len(v.tx.users))
		for _, u := range st.users {
			out = append(out, domain.CloneUser(u))
		}
	})
	for _, id := range v.tx.userOrder {
		out = append(out, domain.CloneUser(v.tx.users[id]))
	}
	sortUsers(out)
	return out
}

func (v overlayView) ListTemplates() []Template {
	var out []Template
	v.committed(func(st *memoryState) {
		out = make([]Template, 0, len(st.templates)+len(v.tx.templates))
		for id, t := range st.templates {
			if _, staged := v.tx.templates[id]; staged {
				continue
			}
			out = append(out, domain.CloneTemplate(t))
		}
	})
	for _, id := range v.tx.templateOrder {
		out = append(out, domain.CloneTemplate(v.tx.templates[id]))
	}
	sortTemplates(out)
	return out
}

func (v overlayView) FindUser(id string) (UserAccount, bool) {
	if u, ok := v.tx.users[id]; ok {
		return domain.CloneUser(u), true
	}
	var (
		u  UserAccount
		ok bool
	)
	v.committed(func(st *memoryState) { u, ok = st.users[id] })
	return domain.CloneUser(u), ok
}

func (v overlayView) FindUserByUsername(username string) (UserAccount, bool) {
	name := domain.NormalizeUsername(username)
	for _, id := range v.tx.userOrder {
		if domain.NormalizeUsername(v.tx.users[id].Username) == name {
			return domain.CloneUser(v.tx.users[id]), true
		}
	}
	var (
		u  UserAccount
		ok bool
	)
	v.committed(func(st *memoryState) {
		var id string
		if id, ok = st.usernames[name]; ok {
			u = st.users[id]
		}
	})
	return domain.CloneUser(u), ok
}

func (v overlayView) FindTemplate(id string) (Template, bool) {
	if t, ok := v.tx.templates[id]; ok {
		return domain.CloneTemplate(t), true
	}
	var (
		t  Template
		ok bool
	)
	v.committed(func(st *memoryState) { t, ok = st.templates[id] })
	if !ok {
		return Template{}, false
	}
	return domain.CloneTemplate(t), true
}

func (v overlayView) FindEntry(id string) (Entry, bool) {
	if e, ok := v.tx.entries[id]; ok {
		return domain.CloneEntry(e), true
	}
	var (
		e  Entry
		ok bool
	)
	v.committed(func(st *memoryState) { e, ok = st.entries[id] })
	if !ok {
		return Entry{}, false
	}
	return domain.CloneEntry(e), true
}

func (v overlayView) ListEntries(templateID string) []Entry {
	var out []Entry
	v.committed(func(st *memoryState) {
		for _, id := range st.entryIDs[templateID] {
			out = append(out, domain.CloneEntry(st.entries[id]))
		}
	})
	for _, id := range v.tx.entryOrder {
		if e := v.tx.entries[id]; e.TemplateID == templateID {
			out = append(out, domain.CloneEntry(e))
		}
	}
	return out
}

// ListAudit returns staged records (newest first) ahead of committed ones.
func (v overlayView) ListAudit() []AuditRecord {
	out := make([]AuditRecord, 0, len(v.tx.audit))
	for i := len(v.tx.audit) - 1; i >= 0; i-- {
		out = append(out, v.tx.audit[i])
	}
	v.committed(func(st *memoryState) {
		out = append(out, stateView{state: *st}.ListAudit()...)
	})
	return out
}

func (v overlayView) ListAuditForEntity(entityID string) []AuditRecord {
	var out []AuditRecord
	for i := len(v.tx.audit) - 1; i >= 0; i-- {
		if v.tx.audit[i].EntityID == entityID {
			out = append(out, v.tx.audit[i])
		}
	}
	v.committed(func(st *memoryState) {
		out = append(out, stateView{state: *st}.ListAuditForEntity(entityID)...)
	})
	return out
}

func (v overlayView) FindAudit(id string) (AuditRecord, bool) {
	for _, r := range v.tx.audit {
		if r.ID == id {
			return r, true
		}
	}
	var (
		r  AuditRecord
		ok bool
	)
	v.committed(func(st *memoryState) { r, ok = stateView{state: *st}.FindAudit(id) })
	return r, ok
}

func (v overlayView) LedgerHead() (uint64, string) {
	var (
		seq  uint64
		hash string
	)
	v.committed(func(st *memoryState) { seq, hash = st.head() })
	return seq, hash
}

func sortUsers(users []UserAccount) {
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
}

func sortTemplates(templates []Template) {
	sort.Slice(templates, func(i, j int) bool {
		if !templates[i].CreatedAt.Equal(templates[j].CreatedAt) {
			return templates[i].CreatedAt.Before(templates[j].CreatedAt)
		}
		return templates[i].ID < templates[j].ID
	})
}
