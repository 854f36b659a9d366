package persist

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionMismatch is returned when the caller's target version is not
	// exactly one greater than the committed version. The caller recovers by
	// re-reading and retrying; the engine never retries on its own.
	ErrVersionMismatch = errors.New("resource version mismatch")

	// ErrAlreadyDeleted is returned when a delete arrives for a logical
	// resource whose current version is already a deletion marker.
	ErrAlreadyDeleted = errors.New("resource already deleted")

	// ErrResourceTypeNotRegistered is returned when a write references a
	// resource type with no resource_types row. Types must be registered
	// before the first write; this is a deployment error, not a race.
	ErrResourceTypeNotRegistered = errors.New("resource type not registered")

	// ErrNotFound is returned by read operations when no committed version
	// exists for the requested logical id.
	ErrNotFound = errors.New("resource not found")
)

// DataAccessError wraps an unclassified database failure. The full cause is
// logged server-side; callers should surface only the operation name.
type DataAccessError struct {
	Op  string
	Err error
}

func (e *DataAccessError) Error() string {
	return fmt.Sprintf("data access failure during %s: %v", e.Op, e.Err)
}

func (e *DataAccessError) Unwrap() error { return e.Err }

func dataErr(op string, err error) error {
	return &DataAccessError{Op: op, Err: err}
}
