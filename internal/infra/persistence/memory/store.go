// Package memory provides the in-memory transactional engine used directly for
// tests and ephemeral environments, and embedded by every durable backend.
package memory

import (
	"context"
	"elogbook/internal/platform/ids"
	"elogbook/pkg/domain"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// UserAccount aliases domain.UserAccount.
	UserAccount = domain.UserAccount
	// Template aliases domain.Template.
	Template = domain.Template
	// Entry aliases domain.Entry.
	Entry = domain.Entry
	// AuditRecord aliases domain.AuditRecord.
	AuditRecord = domain.AuditRecord
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// State is a full copy of the store contents used by durable backends to
// hydrate and export. Audit is ordered by ascending sequence.
type State struct {
	Users     map[string]UserAccount `json:"users"`
	Templates map[string]Template    `json:"templates"`
	Entries   map[string]Entry       `json:"entries"`
	Audit     []AuditRecord          `json:"audit"`
}

// Commit is one atomic unit handed to the durable hook before it becomes
// visible. Audit records are sealed (sequence and hash assigned).
type Commit struct {
	Users     []UserAccount
	Templates []Template
	Entries   []Entry
	Audit     []AuditRecord
}

// LastSeq returns the highest audit sequence in the commit.
func (c Commit) LastSeq() uint64 {
	if len(c.Audit) == 0 {
		return 0
	}
	return c.Audit[len(c.Audit)-1].Seq
}

// CommitHook persists a commit durably. Returning an error aborts the commit
// and leaves the in-memory state untouched.
type CommitHook func(ctx context.Context, c Commit) error

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used to stamp records.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// WithIDGenerator overrides the generator used for entity and audit ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithCommitHook installs the durable write executed inside the commit section.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) { s.hook = hook }
}

type memoryState struct {
	users          map[string]UserAccount
	usernames      map[string]string
	templates      map[string]Template
	entries        map[string]Entry
	entryIDs       map[string][]string
	audit          []AuditRecord
	auditByID      map[string]int
	auditForEntity map[string][]int
}

func newMemoryState() memoryState {
	return memoryState{
		users:          make(map[string]UserAccount),
		usernames:      make(map[string]string),
		templates:      make(map[string]Template),
		entries:        make(map[string]Entry),
		entryIDs:       make(map[string][]string),
		auditByID:      make(map[string]int),
		auditForEntity: make(map[string][]int),
	}
}

// shallow copies the index maps so the result stays stable while later
// commits mutate the live maps. Stored values are replaced, never mutated in
// place, and the audit slice is append-only, so sharing them is safe.
func (s memoryState) shallow() memoryState {
	out := memoryState{
		users:          make(map[string]UserAccount, len(s.users)),
		usernames:      make(map[string]string, len(s.usernames)),
		templates:      make(map[string]Template, len(s.templates)),
		entries:        make(map[string]Entry, len(s.entries)),
		entryIDs:       make(map[string][]string, len(s.entryIDs)),
		audit:          s.audit[:len(s.audit):len(s.audit)],
		auditByID:      make(map[string]int, len(s.auditByID)),
		auditForEntity: make(map[string][]int, len(s.auditForEntity)),
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.usernames {
		out.usernames[k] = v
	}
	for k, v := range s.templates {
		out.templates[k] = v
	}
	for k, v := range s.entries {
		out.entries[k] = v
	}
	for k, v := range s.entryIDs {
		out.entryIDs[k] = v[:len(v):len(v)]
	}
	for k, v := range s.auditByID {
		out.auditByID[k] = v
	}
	for k, v := range s.auditForEntity {
		out.auditForEntity[k] = v[:len(v):len(v)]
	}
	return out
}

func (s *memoryState) apply(c Commit) {
	for _, u := range c.Users {
		s.users[u.ID] = domain.CloneUser(u)
		s.usernames[domain.NormalizeUsername(u.Username)] = u.ID
	}
	for _, t := range c.Templates {
		s.templates[t.ID] = domain.CloneTemplate(t)
	}
	for _, e := range c.Entries {
		if _, exists := s.entries[e.ID]; !exists {
			s.entryIDs[e.TemplateID] = append(s.entryIDs[e.TemplateID], e.ID)
		}
		s.entries[e.ID] = domain.CloneEntry(e)
	}
	for _, r := range c.Audit {
		idx := len(s.audit)
		s.audit = append(s.audit, r)
		s.auditByID[r.ID] = idx
		s.auditForEntity[r.EntityID] = append(s.auditForEntity[r.EntityID], idx)
	}
}

func (s memoryState) head() (uint64, string) {
	if len(s.audit) == 0 {
		return 0, ""
	}
	last := s.audit[len(s.audit)-1]
	return last.Seq, last.Hash
}

// Store provides an in-memory transactional store for the eLogbook domain.
// Transactions stage writes privately; only the final commit section is
// serialized process-wide.
type Store struct {
	mu       sync.RWMutex
	commitMu sync.Mutex
	state    memoryState
	engine   *RulesEngine
	nowFn    func() time.Time
	newID    func() string
	hook     CommitHook
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now() },
		newID:  ids.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	return s.engine
}

// NowFunc returns the time provider used by the store.
func (s *Store) NowFunc() func() time.Time {
	return s.nowFn
}

// SetCommitHook installs the durable write hook after construction. Durable
// backends call it once before serving traffic.
func (s *Store) SetCommitHook(hook CommitHook) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.hook = hook
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC().Truncate(time.Microsecond)
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := State{
		Users:     make(map[string]UserAccount, len(s.state.users)),
		Templates: make(map[string]Template, len(s.state.templates)),
		Entries:   make(map[string]Entry, len(s.state.entries)),
		Audit:     append([]AuditRecord(nil), s.state.audit...),
	}
	for k, v := range s.state.users {
		out.Users[k] = domain.CloneUser(v)
	}
	for k, v := range s.state.templates {
		out.Templates[k] = domain.CloneTemplate(v)
	}
	for k, v := range s.state.entries {
		out.Entries[k] = domain.CloneEntry(v)
	}
	return out
}

// ImportState replaces the store state with the provided snapshot. Entries
// are indexed per template in creation order.
func (s *Store) ImportState(st State) {
	next := newMemoryState()
	users := make([]UserAccount, 0, len(st.Users))
	for _, u := range st.Users {
		users = append(users, u)
	}
	templates := make([]Template, 0, len(st.Templates))
	for _, t := range st.Templates {
		templates = append(templates, t)
	}
	entries := make([]Entry, 0, len(st.Entries))
	for _, e := range st.Entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	audit := append([]AuditRecord(nil), st.Audit...)
	domain.SortAuditBySeq(audit)
	next.apply(Commit{Users: users, Templates: templates, Entries: entries, Audit: audit})

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// VerifyLedger checks the hash chain of the committed audit ledger.
func (s *Store) VerifyLedger() error {
	s.mu.RLock()
	audit := s.state.audit[:len(s.state.audit):len(s.state.audit)]
	s.mu.RUnlock()
	return domain.VerifyChain(audit)
}

// RunInTransaction stages fn's writes, evaluates rules against the staged
// view, then commits entity writes and audit records as one unit.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	tx := newTransaction(s)
	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, overlayView{store: s, tx: tx}, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}
	if err := tx.checkPairing(); err != nil {
		return result, err
	}
	if tx.empty() {
		return result, nil
	}
	if err := s.commit(ctx, tx); err != nil {
		return result, err
	}
	return result, nil
}

// View executes fn against a stable read-only snapshot of committed state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.shallow()
	s.mu.RUnlock()
	return fn(stateView{state: snapshot})
}

func (s *Store) commit(ctx context.Context, tx *transaction) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.RLock()
	err := tx.checkConflicts(&s.state)
	seq, head := s.state.head()
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	c := Commit{
		Users:     make([]UserAccount, 0, len(tx.userOrder)),
		Templates: make([]Template, 0, len(tx.templateOrder)),
		Entries:   make([]Entry, 0, len(tx.entryOrder)),
		Audit:     make([]AuditRecord, 0, len(tx.audit)),
	}
	for _, id := range tx.userOrder {
		c.Users = append(c.Users, tx.users[id])
	}
	for _, id := range tx.templateOrder {
		c.Templates = append(c.Templates, tx.templates[id])
	}
	for _, id := range tx.entryOrder {
		c.Entries = append(c.Entries, tx.entries[id])
	}
	for _, r := range tx.audit {
		seq++
		sealed := r.Seal(seq, head)
		head = sealed.Hash
		c.Audit = append(c.Audit, sealed)
	}

	if s.hook != nil {
		if err := s.hook(ctx, c); err != nil {
			return domain.NewStorageUnavailableError(err)
		}
	}

	s.mu.Lock()
	s.state.apply(c)
	s.mu.Unlock()
	return nil
}

type transaction struct {
	store *Store
	now   time.Time

	users     map[string]UserAccount
	userOrder []string

	templates        map[string]Template
	templateOrder    []string
	templateBase     map[string]int64
	createdTemplates map[string]bool

	entries    map[string]Entry
	entryOrder []string

	audit    []AuditRecord
	auditIDs map[string]bool

	changes []Change
}

func newTransaction(s *Store) *transaction {
	return &transaction{
		store:            s,
		now:              s.now(),
		users:            make(map[string]UserAccount),
		templates:        make(map[string]Template),
		templateBase:     make(map[string]int64),
		createdTemplates: make(map[string]bool),
		entries:          make(map[string]Entry),
		auditIDs:         make(map[string]bool),
	}
}

func (tx *transaction) empty() bool {
	return len(tx.users) == 0 && len(tx.templates) == 0 && len(tx.entries) == 0 && len(tx.audit) == 0
}

// helper to record and append change entries.
func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// checkPairing refuses any entity write that lacks an audit record for the
// same entity in the same unit.
func (tx *transaction) checkPairing() error {
	for _, ch := range tx.changes {
		paired := false
		for _, r := range tx.audit {
			if r.EntityType == ch.Entity && r.EntityID == ch.EntityID {
				paired = true
				break
			}
		}
		if !paired {
			return domain.NewInvariantViolationError(ch.Entity, ch.EntityID, "entity write without audit record")
		}
	}
	return nil
}

func (tx *transaction) checkConflicts(state *memoryState) error {
	for _, id := range tx.userOrder {
		if _, exists := state.users[id]; exists {
			return domain.NewConflictError(domain.EntityUser, id, "user id already committed")
		}
		if _, taken := state.usernames[domain.NormalizeUsername(tx.users[id].Username)]; taken {
			return domain.NewConflictError(domain.EntityUser, id, "username already committed")
		}
	}
	for _, id := range tx.templateOrder {
		committed, exists := state.templates[id]
		if tx.createdTemplates[id] {
			if exists {
				return domain.NewConflictError(domain.EntityTemplate, id, "template id already committed")
			}
			continue
		}
		if !exists || committed.Version != tx.templateBase[id] {
			return domain.NewConflictError(domain.EntityTemplate, id, "template changed concurrently")
		}
	}
	for _, id := range tx.entryOrder {
		if _, exists := state.entries[id]; exists {
			return domain.NewConflictError(domain.EntityEntry, id, "entry id already committed")
		}
	}
	for _, r := range tx.audit {
		if _, exists := state.auditByID[r.ID]; exists {
			return domain.NewConflictError(r.EntityType, r.EntityID, fmt.Sprintf("audit id %s already committed", r.ID))
		}
	}
	return nil
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return overlayView{store: tx.store, tx: tx}
}

// Now returns the timestamp stamped on every record of this transaction.
func (tx *transaction) Now() time.Time { return tx.now }

func (tx *transaction) FindUser(id string) (UserAccount, bool) {
	return overlayView{store: tx.store, tx: tx}.FindUser(id)
}

func (tx *transaction) FindUserByUsername(username string) (UserAccount, bool) {
	return overlayView{store: tx.store, tx: tx}.FindUserByUsername(username)
}

func (tx *transaction) FindTemplate(id string) (Template, bool) {
	return overlayView{store: tx.store, tx: tx}.FindTemplate(id)
}

func (tx *transaction) FindEntry(id string) (Entry, bool) {
	return overlayView{store: tx.store, tx: tx}.FindEntry(id)
}

// CreateUser stages a new account.
func (tx *transaction) CreateUser(u UserAccount) (UserAccount, error) {
	if u.ID == "" {
		u.ID = tx.store.newID()
	}
	if _, exists := tx.FindUser(u.ID); exists {
		return UserAccount{}, domain.NewConflictError(domain.EntityUser, u.ID, "user already exists")
	}
	u.CreatedAt = tx.now
	tx.users[u.ID] = domain.CloneUser(u)
	tx.userOrder = append(tx.userOrder, u.ID)
	tx.recordChange(Change{Entity: domain.EntityUser, Action: domain.ActionCreate, EntityID: u.ID, After: domain.CloneUser(u)})
	return domain.CloneUser(u), nil
}

// CreateTemplate stages a new template at version 1.
func (tx *transaction) CreateTemplate(t Template) (Template, error) {
	if t.ID == "" {
		t.ID = tx.store.newID()
	}
	if _, exists := tx.FindTemplate(t.ID); exists {
		return Template{}, domain.NewConflictError(domain.EntityTemplate, t.ID, "template already exists")
	}
	t.CreatedAt = tx.now
	t.UpdatedAt = tx.now
	t.Version = 1
	tx.templates[t.ID] = domain.CloneTemplate(t)
	tx.templateOrder = append(tx.templateOrder, t.ID)
	tx.createdTemplates[t.ID] = true
	tx.recordChange(Change{Entity: domain.EntityTemplate, Action: domain.ActionCreate, EntityID: t.ID, After: domain.CloneTemplate(t)})
	return domain.CloneTemplate(t), nil
}

// UpdateTemplate mutates a template using the provided mutator function and
// bumps its version. Identity and creation attribution are preserved.
func (tx *transaction) UpdateTemplate(id string, mutator func(*Template) error) (Template, error) {
	current, ok := tx.FindTemplate(id)
	if !ok {
		return Template{}, domain.NewNotFoundError(domain.EntityTemplate, id)
	}
	if _, staged := tx.templates[id]; !staged {
		tx.templateBase[id] = current.Version
		tx.templateOrder = append(tx.templateOrder, id)
	}
	before := domain.CloneTemplate(current)
	if err := mutator(&current); err != nil {
		return Template{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.CreatedBy = before.CreatedBy
	current.UpdatedAt = tx.now
	current.Version = before.Version + 1
	tx.templates[id] = domain.CloneTemplate(current)
	tx.recordChange(Change{Entity: domain.EntityTemplate, Action: domain.ActionUpdate, EntityID: id, Before: before, After: domain.CloneTemplate(current)})
	return domain.CloneTemplate(current), nil
}

// CreateEntry stages a new logbook entry.
func (tx *transaction) CreateEntry(e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = tx.store.newID()
	}
	if _, exists := tx.FindEntry(e.ID); exists {
		return Entry{}, domain.NewConflictError(domain.EntityEntry, e.ID, "entry already exists")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = tx.now
	}
	tx.entries[e.ID] = domain.CloneEntry(e)
	tx.entryOrder = append(tx.entryOrder, e.ID)
	tx.recordChange(Change{Entity: domain.EntityEntry, Action: domain.ActionCreate, EntityID: e.ID, After: domain.CloneEntry(e)})
	return domain.CloneEntry(e), nil
}

// AppendAudit stages an audit record. Sequence and hash are assigned at commit.
func (tx *transaction) AppendAudit(r AuditRecord) (AuditRecord, error) {
	if r.ID == "" {
		r.ID = tx.store.newID()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = tx.now
	}
	r.Timestamp = r.Timestamp.UTC().Truncate(time.Microsecond)
	r.Seq, r.PrevHash, r.Hash = 0, "", ""
	if err := r.Validate(); err != nil {
		return AuditRecord{}, err
	}
	if tx.auditIDs[r.ID] {
		return AuditRecord{}, domain.NewConflictError(r.EntityType, r.EntityID, "duplicate audit id "+r.ID)
	}
	tx.auditIDs[r.ID] = true
	tx.audit = append(tx.audit, r)
	return r, nil
}
