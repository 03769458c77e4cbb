package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AuditRecord is one immutable entry of the audit ledger. Seq, PrevHash and
// Hash are assigned by the store at commit.
type AuditRecord struct {
	ID            string     `json:"id"`
	Seq           uint64     `json:"seq"`
	EntityType    EntityType `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	Action        Action     `json:"action"`
	OldValue      Snapshot   `json:"old_value"`
	NewValue      Snapshot   `json:"new_value"`
	AuthorID      string     `json:"author_id"`
	AuthorName    string     `json:"author_name"`
	Timestamp     time.Time  `json:"timestamp"`
	Justification string     `json:"justification"`
	PrevHash      string     `json:"prev_hash"`
	Hash          string     `json:"hash"`
}

// Validate checks the attribution fields every record must carry.
func (r AuditRecord) Validate() error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return NewValidationError("id", "audit record id required")
	case !r.EntityType.Valid():
		return NewValidationError("entity_type", "unknown entity type %q", r.EntityType)
	case strings.TrimSpace(r.EntityID) == "":
		return NewValidationError("entity_id", "audit record entity id required")
	case !r.Action.Valid():
		return NewValidationError("action", "unknown action %q", r.Action)
	case strings.TrimSpace(r.AuthorID) == "":
		return NewValidationError("author_id", "audit record author required")
	case strings.TrimSpace(r.Justification) == "":
		return NewValidationError("justification", "justification required")
	case r.Timestamp.IsZero():
		return NewValidationError("timestamp", "audit record timestamp required")
	}
	return nil
}

type auditHashInput struct {
	Seq           uint64     `json:"seq"`
	ID            string     `json:"id"`
	EntityType    EntityType `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	Action        Action     `json:"action"`
	OldValue      Snapshot   `json:"old_value"`
	NewValue      Snapshot   `json:"new_value"`
	AuthorID      string     `json:"author_id"`
	AuthorName    string     `json:"author_name"`
	Timestamp     string     `json:"timestamp"`
	Justification string     `json:"justification"`
	PrevHash      string     `json:"prev_hash"`
}

// ComputeHash returns the chain hash for r given its Seq and PrevHash.
func (r AuditRecord) ComputeHash() string {
	payload, err := json.Marshal(auditHashInput{
		Seq:           r.Seq,
		ID:            r.ID,
		EntityType:    r.EntityType,
		EntityID:      r.EntityID,
		Action:        r.Action,
		OldValue:      r.OldValue,
		NewValue:      r.NewValue,
		AuthorID:      r.AuthorID,
		AuthorName:    r.AuthorName,
		Timestamp:     r.Timestamp.UTC().Format(time.RFC3339Nano),
		Justification: r.Justification,
		PrevHash:      r.PrevHash,
	})
	if err != nil {
		// Snapshots are pre-validated JSON and the remaining fields are strings.
		panic(fmt.Errorf("audit hash input: %w", err))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Seal assigns the ledger position and chain hash.
func (r AuditRecord) Seal(seq uint64, prevHash string) AuditRecord {
	r.Seq = seq
	r.PrevHash = prevHash
	r.Hash = r.ComputeHash()
	return r
}

// ChainError describes the first ledger position that fails verification.
type ChainError struct {
	Seq    uint64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at seq %d: %s", e.Seq, e.Reason)
}

// VerifyChain checks a complete ledger in ascending sequence order.
func VerifyChain(records []AuditRecord) error {
	prev := ""
	for i, r := range records {
		want := uint64(i + 1)
		if r.Seq != want {
			return &ChainError{Seq: r.Seq, Reason: fmt.Sprintf("expected seq %d", want)}
		}
		if r.PrevHash != prev {
			return &ChainError{Seq: r.Seq, Reason: "previous hash mismatch"}
		}
		if r.ComputeHash() != r.Hash {
			return &ChainError{Seq: r.Seq, Reason: "record hash mismatch"}
		}
		prev = r.Hash
	}
	return nil
}

// SortAuditNewestFirst orders records by descending insertion sequence.
func SortAuditNewestFirst(records []AuditRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].Seq > records[j].Seq })
}

// SortAuditBySeq orders records by ascending insertion sequence.
func SortAuditBySeq(records []AuditRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
}
