package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures surfaced by the write pipeline and query layer.
type ErrorKind string

// Error kinds. Every rejection happens before any state or ledger mutation.
const (
	KindValidation         ErrorKind = "validation"
	KindNotFound           ErrorKind = "not_found"
	KindUnauthenticated    ErrorKind = "unauthenticated"
	KindForbidden          ErrorKind = "forbidden"
	KindInvariantViolation ErrorKind = "invariant_violation"
	KindConflict           ErrorKind = "conflict"
	KindStorageUnavailable ErrorKind = "storage_unavailable"
)

// Error is the typed failure returned across package boundaries.
type Error struct {
	Kind    ErrorKind
	Entity  EntityType
	ID      string
	Field   string
	Message string
	Err     error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrUnauthenticated    = &Error{Kind: KindUnauthenticated}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrInvariantViolation = &Error{Kind: KindInvariantViolation}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Entity != "" {
		b.WriteString(" ")
		b.WriteString(string(e.Entity))
		if e.ID != "" {
			b.WriteString(" ")
			b.WriteString(e.ID)
		}
	}
	if e.Field != "" {
		b.WriteString(" [")
		b.WriteString(e.Field)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the error kind, or "" when err carries no *Error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// NewValidationError reports malformed input. Field names the offending key when known.
func NewValidationError(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError reports an unknown entity id.
func NewNotFoundError(entity EntityType, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id, Message: "not found"}
}

// NewUnauthenticatedError reports a missing or unresolvable actor.
func NewUnauthenticatedError(msg string) *Error {
	return &Error{Kind: KindUnauthenticated, Message: msg}
}

// NewForbiddenError reports an actor whose role does not permit the operation.
func NewForbiddenError(msg string) *Error {
	return &Error{Kind: KindForbidden, Message: msg}
}

// NewInvariantViolationError reports an attempt to break a structural guarantee.
func NewInvariantViolationError(entity EntityType, id, msg string) *Error {
	return &Error{Kind: KindInvariantViolation, Entity: entity, ID: id, Message: msg}
}

// NewConflictError reports a concurrent modification detected at commit.
func NewConflictError(entity EntityType, id, msg string) *Error {
	return &Error{Kind: KindConflict, Entity: entity, ID: id, Message: msg}
}

// NewStorageUnavailableError wraps a durable backend failure.
func NewStorageUnavailableError(err error) *Error {
	return &Error{Kind: KindStorageUnavailable, Message: "durable write failed", Err: err}
}
