package domain

// ChangeRequest is one proposed mutation submitted to the write pipeline.
// An empty EntityID requests a create.
type ChangeRequest struct {
	EntityType    EntityType
	EntityID      string
	Proposed      any
	Justification string
	Actor         *UserAccount
}

// IsCreate reports whether the request creates a new entity.
func (r ChangeRequest) IsCreate() bool { return r.EntityID == "" }

// Committed is the outcome of an accepted change: the entity exactly as
// stored and the id of the audit record written with it.
type Committed struct {
	Entity        any
	AuditRecordID string
}

// RecordedAtKey is the key of the system-managed timestamp column every
// template carries.
const RecordedAtKey = "recorded_at"

// RecordedAtColumn returns the system-managed column injected at template
// creation. Entries receive their commit date under its key.
func RecordedAtColumn(displayOrder int) Column {
	return Column{
		ID:            RecordedAtKey,
		Label:         "Recorded At",
		Key:           RecordedAtKey,
		Type:          ColumnDate,
		DisplayOrder:  displayOrder,
		SystemManaged: true,
	}
}
