package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Errors
var (
	// ErrStorageFull means the underlying medium could not durably write.
	// The append did not happen and may be retried after space is freed.
	ErrStorageFull = errors.New("store: storage full")

	// ErrIO is any other durable read/write failure. The triggering
	// operation did not happen.
	ErrIO = errors.New("store: i/o failure")

	// ErrAppendOnly is raised by the immutability triggers when something
	// attempts to update or delete an event row.
	ErrAppendOnly = errors.New("store: events are append-only")

	// ErrDuplicateEvent means an event with the same id is already stored.
	ErrDuplicateEvent = errors.New("store: duplicate event id")

	// ErrChainConflict means a remote event claims a chain position this
	// store has already filled with a different event: the device's chain
	// has forked and needs attention rather than a silent skip.
	ErrChainConflict = errors.New("store: conflicting chain position")

	// ErrNotFound means no event matched the query.
	ErrNotFound = errors.New("store: event not found")
)

// mapSQLiteErr folds driver errors into the store's error taxonomy. Errors
// it does not recognize pass through unchanged.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}

	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}

	switch se.Code {
	case sqlite3.ErrFull:
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	case sqlite3.ErrIoErr:
		return fmt.Errorf("%w: %v", ErrIO, err)
	case sqlite3.ErrConstraint:
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", ErrDuplicateEvent, err)
		case sqlite3.ErrConstraintTrigger:
			return fmt.Errorf("%w: %v", ErrAppendOnly, err)
		}
	}
	return err
}
