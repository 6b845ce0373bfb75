package orchestrator

import "errors"

var (
	// ErrNotFound is returned when an initiative does not exist
	ErrNotFound = errors.New("initiative not found")

	// ErrInvalidTransition is returned when an operation is not legal in
	// the initiative's current status
	ErrInvalidTransition = errors.New("invalid initiative status transition")

	// ErrPersistence is returned when the initiative store fails
	ErrPersistence = errors.New("initiative persistence failed")
)
