package driver

import (
	"errors"
	"fmt"
)

// DriverError represents an error raised by a backing store that is not a
// constraint violation.
type DriverError struct {
	// Message is the error message returned from the store.
	Message string
	// Cause is the underlying database/sql or driver error, if any.
	Cause error
}

func (e *DriverError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *DriverError) Unwrap() error {
	return e.Cause
}

func driverErrorf(format string, args ...any) *DriverError {
	return &DriverError{Message: fmt.Sprintf("driver: "+format, args...)}
}

var (
	// ErrNotConnected is returned when an operation is attempted on a closed connection or store.
	ErrNotConnected = errors.New("driver: not connected")
	// ErrBusy is returned when a write transaction cannot acquire the store's
	// writer lock within the busy timeout.
	ErrBusy = errors.New("driver: database is locked")
	// ErrUnsupported is returned for statements a store cannot execute.
	ErrUnsupported = errors.New("driver: unsupported statement")
	// ErrTxDone is returned when a committed or rolled-back transaction is used.
	ErrTxDone = errors.New("driver: transaction already finished")
)
