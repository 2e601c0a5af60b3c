package storage

import (
	"errors"

	"reportd/internal/recurrence"
)

// ErrNotFound is returned when a schedule id or key has no row.
var ErrNotFound = errors.New("schedule not found")

// ErrInvalidRecurrence is returned by Upsert for recurrence strings outside
// the fixed enumeration. It is never coerced silently.
var ErrInvalidRecurrence = recurrence.ErrInvalidRule

// StorageError wraps a database failure so callers can tell persistence
// faults apart from domain errors like ErrNotFound.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
