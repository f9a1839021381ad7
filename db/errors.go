package db

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrConfiguration indicates missing or invalid connection parameters.
	// It is fatal at startup and never retried.
	ErrConfiguration = errors.New("database is not configured")

	// ErrTransient marks connectivity failures that are worth retrying and
	// count toward the circuit breaker threshold.
	ErrTransient = errors.New("transient connectivity failure")

	// ErrWriteConflict indicates an update whose target row no longer
	// exists. Surfaced to the caller, not retried.
	ErrWriteConflict = errors.New("update target does not exist")
)

// markTransient tags err as retryable connectivity trouble while keeping the
// original error in the chain.
func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}
