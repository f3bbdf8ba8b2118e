package storage

import (
	"fmt"

	"github.com/pingcap/errors"
)

var (
	// ErrMissingMutableLayer is returned when a write reaches a view that has
	// no mutable layer installed.
	ErrMissingMutableLayer = errors.New("no mutable layer in view")

	// ErrConcurrentModification is returned by PushView when the layer stack
	// changed since the view was forked.
	ErrConcurrentModification = errors.New("layer stack modified since fork")

	// ErrInvariantViolation marks an internal assertion failure. It is never
	// retried.
	ErrInvariantViolation = errors.New("storage invariant violation")
)

// BackendError wraps a failure coming out of the backend storage. The
// scheduler aborts the whole block when it sees one, so layers must not
// swallow it.
type BackendError struct {
	Cause error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend storage error: %v", e.Cause)
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}
