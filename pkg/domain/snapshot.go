package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Snapshot is an immutable canonical JSON capture of an entity state at the
// moment an audit record was written. It never aliases live store state.
type Snapshot struct {
	defined bool
	raw     []byte
}

// NewSnapshot marshals value and canonicalizes the result.
func NewSnapshot(value any) (Snapshot, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotFromJSON(raw)
}

// SnapshotFromJSON canonicalizes raw JSON into a snapshot. A nil or "null"
// input yields an undefined snapshot.
func SnapshotFromJSON(raw []byte) (Snapshot, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Snapshot{}, nil
	}
	canonical, err := CanonicalJSON(trimmed)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{defined: true, raw: canonical}, nil
}

// UndefinedSnapshot returns the "no prior state" marker used by CREATE and LOGIN.
func UndefinedSnapshot() Snapshot { return Snapshot{} }

// Defined reports whether the snapshot holds a state.
func (s Snapshot) Defined() bool { return s.defined }

// Bytes returns a copy of the canonical JSON, or nil when undefined.
func (s Snapshot) Bytes() []byte {
	if !s.defined {
		return nil
	}
	out := make([]byte, len(s.raw))
	copy(out, s.raw)
	return out
}

// String returns the canonical JSON text, or "" when undefined.
func (s Snapshot) String() string {
	if !s.defined {
		return ""
	}
	return string(s.raw)
}

// Equal reports byte equality of two canonical snapshots.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.defined == o.defined && bytes.Equal(s.raw, o.raw)
}

// Decode unmarshals the snapshot into v.
func (s Snapshot) Decode(v any) error {
	if !s.defined {
		return errors.New("snapshot undefined")
	}
	return json.Unmarshal(s.raw, v)
}

// MarshalJSON emits the canonical bytes, or null when undefined.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if !s.defined {
		return []byte("null"), nil
	}
	return s.Bytes(), nil
}

// UnmarshalJSON canonicalizes incoming JSON.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	parsed, err := SnapshotFromJSON(data)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CanonicalJSON re-encodes a JSON document in compact form with object keys
// sorted and numbers preserved verbatim.
func CanonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("canonical json: trailing data")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
