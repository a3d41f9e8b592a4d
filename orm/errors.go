package orm

import (
	"errors"
	"fmt"
)

// ErrIdentityChanged is returned by flush when the primary key of a persistent
// entity was modified in memory.
var ErrIdentityChanged = errors.New("primary key of a persistent entity cannot change")

// ErrIdentityConflict is returned when a different instance already holds
// the same identity in the session.
var ErrIdentityConflict = errors.New("another instance with the same identity is already present in the session")

// NotRegisteredError is returned when an operation is attempted on a Go type
// that has not been registered with the ORM.
type NotRegisteredError struct {
	TypeName string
}

// Error returns the error message for NotRegisteredError.
func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("type %q is not registered", e.TypeName)
}

// AlreadyTrackedError is returned by Add when the entity belongs to a
// different open session.
type AlreadyTrackedError struct {
	Table     string
	SessionID string
}

// Error returns the error message for AlreadyTrackedError.
func (e *AlreadyTrackedError) Error() string {
	return fmt.Sprintf("%s instance is already tracked by session %s", e.Table, e.SessionID)
}

// NotPersistentError is returned when an operation requires a persisted
// identity that the entity does not have (it is transient or detached).
type NotPersistentError struct {
	Table string
	State State
	Op    string
}

// Error returns the error message for NotPersistentError.
func (e *NotPersistentError) Error() string {
	return fmt.Sprintf("%s: %s instance is %s, not persistent", e.Op, e.Table, e.State)
}

// StaleDataError is returned by flush when an UPDATE or DELETE matched no row:
// the row was removed or its version column moved on since it was loaded.
type StaleDataError struct {
	Table    string
	Key      []any
	Op       string
	Expected int64
	Matched  int64
}

// Error returns the error message for StaleDataError.
func (e *StaleDataError) Error() string {
	return fmt.Sprintf("%s %s %v: expected %d row(s) to match, got %d",
		e.Op, e.Table, e.Key, e.Expected, e.Matched)
}

// ConstraintKind classifies a ConstraintViolationError.
type ConstraintKind string

// Constraint kinds reported by the backing stores.
const (
	ConstraintPrimaryKey ConstraintKind = "primary key"
	ConstraintUnique     ConstraintKind = "unique"
	ConstraintNotNull    ConstraintKind = "not null"
	ConstraintForeignKey ConstraintKind = "foreign key"
	ConstraintCheck      ConstraintKind = "check"
)

// ConstraintViolationError is returned when the backing store rejects an
// insert, update or delete.
type ConstraintViolationError struct {
	Kind   ConstraintKind
	Table  string
	Column string
	Cause  error
}

// Error returns the error message for ConstraintViolationError.
func (e *ConstraintViolationError) Error() string {
	msg := fmt.Sprintf("%s constraint violated on %s", e.Kind, e.Table)
	if e.Column != "" {
		msg += "." + e.Column
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying driver error.
func (e *ConstraintViolationError) Unwrap() error {
	return e.Cause
}

// NotFoundError is returned when a lookup expects exactly one row and found
// zero or several. Count holds how many rows matched.
type NotFoundError struct {
	Table string
	Key   []any
	Count int
}

// Error returns the error message for NotFoundError.
func (e *NotFoundError) Error() string {
	if e.Count > 1 {
		return fmt.Sprintf("%s: expected one row, found %d", e.Table, e.Count)
	}
	if len(e.Key) > 0 {
		return fmt.Sprintf("%s %v not found", e.Table, e.Key)
	}
	return fmt.Sprintf("%s: no row found", e.Table)
}

// PendingRollbackError is returned by every session operation other than
// Rollback and Close after a flush failed.
type PendingRollbackError struct {
	Cause error
}

// Error returns the error message for PendingRollbackError.
func (e *PendingRollbackError) Error() string {
	return fmt.Sprintf("session is in a failed state and must be rolled back (previous flush error: %v)", e.Cause)
}

// Unwrap returns the flush error that put the session into the failed state.
func (e *PendingRollbackError) Unwrap() error {
	return e.Cause
}

// SessionClosedError is returned by operations on a closed session.
type SessionClosedError struct {
	SessionID string
}

// Error returns the error message for SessionClosedError.
func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("session %s is closed", e.SessionID)
}

// DetachedInstanceError is returned when an unloaded relationship is accessed
// on an entity that no session is tracking.
type DetachedInstanceError struct {
	Table    string
	Relation string
}

// Error returns the error message for DetachedInstanceError.
func (e *DetachedInstanceError) Error() string {
	return fmt.Sprintf("%s.%s: cannot load relationship of an instance not bound to a session", e.Table, e.Relation)
}

// DependencyCycleError is returned by flush when pending rows reference each
// other in a cycle.
type DependencyCycleError struct {
	Tables []string
}

// Error returns the error message for DependencyCycleError.
func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle between pending rows of %v", e.Tables)
}

// HydrationError is returned when a stored row cannot be copied into a Go struct.
type HydrationError struct {
	TypeName string
	Field    string
	Cause    error
}

// Error returns the error message for HydrationError.
func (e *HydrationError) Error() string {
	return fmt.Sprintf("hydrating %s.%s: %v", e.TypeName, e.Field, e.Cause)
}

// Unwrap returns the underlying cause of the HydrationError.
func (e *HydrationError) Unwrap() error {
	return e.Cause
}

// SchemaValidationError is returned when a registered model is malformed.
type SchemaValidationError struct {
	TypeName string
	Message  string
}

// Error returns the error message for SchemaValidationError.
func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation %s: %s", e.TypeName, e.Message)
}
