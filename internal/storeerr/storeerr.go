// Package storeerr defines the fault taxonomy shared by the storage adapters.
package storeerr

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a fault caused by an absent physical object (collection,
// graph namespace, key). Cleanup paths treat it as success.
var ErrNotFound = errors.New("not found")

// Backend names used in StoreError.
const (
	BackendKV     = "kv"
	BackendVector = "vector"
	BackendGraph  = "graph"
)

// StoreError is a failure reported by a backing store.
type StoreError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Wrap returns err wrapped as a StoreError, or nil when err is nil.
// Errors that already are StoreErrors are returned unchanged.
func Wrap(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Backend: backend, Op: op, Err: err}
}

// NotFound returns a StoreError wrapping ErrNotFound.
func NotFound(backend, op, what string) error {
	return &StoreError{Backend: backend, Op: op, Err: fmt.Errorf("%s: %w", what, ErrNotFound)}
}

// IsNotFound reports whether err is a not-found fault.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStoreError reports whether err originated in a backing store.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
