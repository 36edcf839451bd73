// Package sentinel defines the infrastructure error facts shared by stores,
// queues and notifiers. Callers wrap them and test with errors.Is.
package sentinel

import (
	"context"
	"errors"
)

var (
	// ErrNotFound: the record, job or dead letter does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: the record exists with different content.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState: the record is in the wrong state for the operation.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnavailable: the broker, database or sink cannot be reached.
	ErrUnavailable = errors.New("unavailable")
	// ErrTimeout: the dependency did not answer in time.
	ErrTimeout = errors.New("timeout")
)

// Transient reports whether err is an availability failure that may clear
// on its own, so retrying the same operation later can succeed.
func Transient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
