package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a tag does not exist in the project
	ErrNotFound = errors.New("tag not found")
	// ErrAlreadyExists is returned when creating a tag whose id is taken
	ErrAlreadyExists = errors.New("tag already exists")
)

// AdapterError is a storage or network failure. Optimistic callers roll back on it
// and may retry when Retryable is set.
type AdapterError struct {
	Op        string
	ProjectID string
	Err       error
	Retryable bool
}

// Error implements the error interface
func (e *AdapterError) Error() string {
	return fmt.Sprintf("storage %s failed for project %s: %v", e.Op, e.ProjectID, e.Err)
}

// Unwrap returns the underlying backend error
func (e *AdapterError) Unwrap() error {
	return e.Err
}

// wrapBackend classifies a backend failure. Cancellation is the caller's choice, not a
// transient fault, so it is not retryable.
func wrapBackend(op, projectID string, err error) error {
	if err == nil {
		return nil
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return err
	}
	retryable := !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	return &AdapterError{Op: op, ProjectID: projectID, Err: err, Retryable: retryable}
}

// IsRetryable reports whether err is an adapter failure worth retrying
func IsRetryable(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Retryable
}
