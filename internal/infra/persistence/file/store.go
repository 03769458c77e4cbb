// Package file provides a directory-backed store: an append-only journal of
// commit units plus a periodically compacted state snapshot.
package file

import (
	"bytes"
	"context"
	"elogbook/internal/infra/persistence/memory"
	"elogbook/pkg/domain"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	journalName = "journal.jsonl"
	stateName   = "state.json"

	defaultCompactEvery = 500
)

type unit struct {
	Users     []domain.UserAccount `json:"users,omitempty"`
	Templates []domain.Template    `json:"templates,omitempty"`
	Entries   []domain.Entry       `json:"entries,omitempty"`
	Audit     []domain.AuditRecord `json:"audit"`
}

type snapshotFile struct {
	LastSeq uint64       `json:"last_seq"`
	State   memory.State `json:"state"`
}

// journalFile is the append handle persist writes through.
type journalFile interface {
	io.Writer
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Close() error
}

// Store journals every commit unit to disk with fsync before it becomes
// visible, reusing the in-memory engine for transactions and reads.
type Store struct {
	*memory.Store
	dir          string
	compactEvery int

	mu        sync.Mutex
	journal   journalFile
	sinceSnap int
	// failed is set when a rejected unit could not be cut back out of the
	// journal. Every later commit is refused with it.
	failed error
}

// NewStore opens (or creates) the store directory, replays the snapshot and
// journal, and verifies the ledger chain before serving. compactEvery <= 0
// selects the default.
func NewStore(dir string, compactEvery int, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if dir == "" {
		dir = "elogbook-data"
	}
	if compactEvery <= 0 {
		compactEvery = defaultCompactEvery
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	s := &Store{dir: dir, compactEvery: compactEvery}
	state, replayed, err := s.load()
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(engine, opts...)
	mem.ImportState(state)
	if err := mem.VerifyLedger(); err != nil {
		return nil, fmt.Errorf("file ledger: %w", err)
	}
	journal, err := os.OpenFile(s.path(journalName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	s.Store = mem
	s.journal = journal
	s.sinceSnap = replayed
	mem.SetCommitHook(s.persist)
	return s, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// Close releases the journal handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

// Compact writes the committed state to the snapshot file and drops journal
// units it covers.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return s.failed
	}
	return s.compactLocked(s.ExportState())
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

func (s *Store) persist(_ context.Context, c memory.Commit) error {
	line, err := json.Marshal(unit{Users: c.Users, Templates: c.Templates, Entries: c.Entries, Audit: c.Audit})
	if err != nil {
		return fmt.Errorf("encode unit: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("journal closed")
	}
	if s.failed != nil {
		return s.failed
	}
	info, err := s.journal.Stat()
	if err != nil {
		return fmt.Errorf("stat journal: %w", err)
	}
	if _, err := s.journal.Write(line); err != nil {
		return s.rollback(info.Size(), fmt.Errorf("append journal: %w", err))
	}
	if err := s.journal.Sync(); err != nil {
		return s.rollback(info.Size(), fmt.Errorf("sync journal: %w", err))
	}
	s.sinceSnap++
	if s.sinceSnap < s.compactEvery {
		return nil
	}
	// The unit is durable already. A failed compaction is retried next commit.
	state := s.ExportState()
	merge(&state, c)
	_ = s.compactLocked(state)
	return nil
}

// rollback cuts the journal back to size after a failed append so the unit
// never replays. The journal is opened O_APPEND, so the next write lands at
// the new end without a seek.
func (s *Store) rollback(size int64, cause error) error {
	if err := s.journal.Truncate(size); err != nil {
		s.failed = fmt.Errorf("journal unusable after %v: truncate: %w", cause, err)
		return s.failed
	}
	if err := s.journal.Sync(); err != nil {
		s.failed = fmt.Errorf("journal unusable after %v: sync: %w", cause, err)
		return s.failed
	}
	return cause
}

func (s *Store) compactLocked(state memory.State) error {
	var watermark uint64
	if n := len(state.Audit); n > 0 {
		watermark = state.Audit[n-1].Seq
	}
	payload, err := json.Marshal(snapshotFile{LastSeq: watermark, State: state})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := writeAtomic(s.path(stateName), payload); err != nil {
		return err
	}

	// Keep journal units newer than the snapshot; they may belong to a commit
	// that is durable but not yet applied in memory.
	raw, err := os.ReadFile(s.path(journalName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read journal: %w", err)
	}
	var kept bytes.Buffer
	units, _, err := decodeJournal(raw)
	if err != nil {
		return err
	}
	for _, u := range units {
		if lastSeq(u) <= watermark {
			continue
		}
		line, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("encode unit: %w", err)
		}
		kept.Write(line)
		kept.WriteByte('\n')
	}
	if err := writeAtomic(s.path(journalName), kept.Bytes()); err != nil {
		return err
	}
	journal, err := os.OpenFile(s.path(journalName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("reopen journal: %w", err)
	}
	if s.journal != nil {
		_ = s.journal.Close()
	}
	s.journal = journal
	s.sinceSnap = len(units) - countCovered(units, watermark)
	return nil
}

// load reads the snapshot and replays journal units above its watermark. A
// torn final line from an interrupted append is truncated away.
func (s *Store) load() (memory.State, int, error) {
	state := memory.State{
		Users:     make(map[string]domain.UserAccount),
		Templates: make(map[string]domain.Template),
		Entries:   make(map[string]domain.Entry),
	}
	var watermark uint64
	raw, err := os.ReadFile(s.path(stateName))
	switch {
	case err == nil:
		var snap snapshotFile
		if err := json.Unmarshal(raw, &snap); err != nil {
			return memory.State{}, 0, fmt.Errorf("decode snapshot: %w", err)
		}
		watermark = snap.LastSeq
		for k, v := range snap.State.Users {
			state.Users[k] = v
		}
		for k, v := range snap.State.Templates {
			state.Templates[k] = v
		}
		for k, v := range snap.State.Entries {
			state.Entries[k] = v
		}
		state.Audit = snap.State.Audit
	case errors.Is(err, os.ErrNotExist):
	default:
		return memory.State{}, 0, fmt.Errorf("read snapshot: %w", err)
	}

	raw, err = os.ReadFile(s.path(journalName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, 0, nil
		}
		return memory.State{}, 0, fmt.Errorf("read journal: %w", err)
	}
	units, good, err := decodeJournal(raw)
	if err != nil {
		return memory.State{}, 0, err
	}
	if good < len(raw) {
		if err := os.Truncate(s.path(journalName), int64(good)); err != nil {
			return memory.State{}, 0, fmt.Errorf("truncate torn journal: %w", err)
		}
	}
	replayed := 0
	for _, u := range units {
		if lastSeq(u) <= watermark {
			continue
		}
		merge(&state, memory.Commit{Users: u.Users, Templates: u.Templates, Entries: u.Entries, Audit: u.Audit})
		replayed++
	}
	return state, replayed, nil
}

// decodeJournal parses newline-terminated units and returns the byte length
// of the complete prefix. An unterminated trailing line is ignored.
func decodeJournal(raw []byte) ([]unit, int, error) {
	var units []unit
	offset := 0
	for offset < len(raw) {
		idx := bytes.IndexByte(raw[offset:], '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(raw[offset : offset+idx])
		if len(line) > 0 {
			var u unit
			if err := json.Unmarshal(line, &u); err != nil {
				return nil, 0, fmt.Errorf("decode journal at byte %d: %w", offset, err)
			}
			units = append(units, u)
		}
		offset += idx + 1
	}
	return units, offset, nil
}

func merge(state *memory.State, c memory.Commit) {
	for _, u := range c.Users {
		state.Users[u.ID] = u
	}
	for _, t := range c.Templates {
		state.Templates[t.ID] = t
	}
	for _, e := range c.Entries {
		state.Entries[e.ID] = e
	}
	state.Audit = append(state.Audit, c.Audit...)
}

func lastSeq(u unit) uint64 {
	if len(u.Audit) == 0 {
		return 0
	}
	return u.Audit[len(u.Audit)-1].Seq
}

func countCovered(units []unit, watermark uint64) int {
	n := 0
	for _, u := range units {
		if lastSeq(u) <= watermark {
			n++
		}
	}
	return n
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(tmp), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("sync dir for %s: %w", filepath.Base(path), err)
	}
	return nil
}

// syncDir fsyncs a directory so a completed rename survives a crash.
var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}
