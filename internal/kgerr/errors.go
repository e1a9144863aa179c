// Package kgerr defines the error kinds from the error handling design:
// ValidationError, NotFoundError, ConflictError, PersistenceError,
// TypeWarning, and InternalError. PersistenceError and InternalError wrap
// an underlying cause (Unwrap) so the fmt.Errorf("...: %w", err) chain a
// caller builds is preserved; the other kinds carry no cause.
package kgerr

import "fmt"

// ValidationError signals an input shape or constraint violation. No
// state change has occurred when this is returned.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("validation: %s", e.Msg)
}

// NewValidation constructs a ValidationError.
func NewValidation(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// NotFoundError signals a referenced entity or relation was absent for an
// operation that requires it.
type NotFoundError struct {
	Kind string // "entity" or "relation"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s %q", e.Kind, e.Name)
}

// NewNotFound constructs a NotFoundError.
func NewNotFound(kind, name string) error {
	return &NotFoundError{Kind: kind, Name: name}
}

// ConflictError signals a write that would violate a graph invariant.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Msg)
}

// NewConflict constructs a ConflictError.
func NewConflict(msg string) error {
	return &ConflictError{Msg: msg}
}

// PersistenceError wraps a log-append, snapshot, or fsync failure. It is
// fatal to the in-flight mutation: the caller must abort before the write
// handle is released, so no partial state is ever visible to readers.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistence constructs a PersistenceError.
func NewPersistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// TypeWarning is non-fatal: a non-standard entity or relation type was
// accepted. Callers collect these into the envelope's warnings list
// rather than treating them as errors.
type TypeWarning struct {
	Kind  string // "entityType" or "relationType"
	Value string
}

func (e *TypeWarning) Error() string {
	return fmt.Sprintf("non-standard %s %q", e.Kind, e.Value)
}

// NewTypeWarning constructs a TypeWarning.
func NewTypeWarning(kind, value string) error {
	return &TypeWarning{Kind: kind, Value: value}
}

// InternalError wraps an unexpected condition, e.g. corrupted state
// discovered mid-operation. It is logged and surfaced as an opaque error;
// the server process continues running.
type InternalError struct {
	Msg string
	Err error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("internal: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("internal: %s", e.Msg)
}

func (e *InternalError) Unwrap() error { return e.Err }

// NewInternal constructs an InternalError.
func NewInternal(msg string, err error) error {
	return &InternalError{Msg: msg, Err: err}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}
