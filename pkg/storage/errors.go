package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound if the requested item does not exist within the store.
	ErrNotFound = errors.New("not found")

	// ErrCollision if an item already exists within the store.
	ErrCollision = errors.New("item already exists")

	// ErrInvalidStatusTransition if a grant or queue row was asked to move
	// backwards in its lifecycle (e.g. completed -> in_progress).
	ErrInvalidStatusTransition = errors.New("invalid status transition")

	// ErrTransient marks connectivity- or contention-class failures. Callers
	// may retry once or leave the affected rows for stuck-entry recovery;
	// they must never surface a transient error as a permission denial.
	ErrTransient = errors.New("transient storage error")

	// ErrCancelled if the request was cancelled before the store finished.
	ErrCancelled = errors.New("request has been cancelled")
)

// TransientError wraps err so IsTransient reports true for it.
func TransientError(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is connectivity- or contention-class and
// therefore safe to retry or leave for crash recovery.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
