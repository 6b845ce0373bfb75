package checkpoint

import "errors"

var (
	// ErrIntegrity is returned when a checkpoint's recomputed hash does not
	// match the stored one. Restore never substitutes a corrupted graph.
	ErrIntegrity = errors.New("checkpoint integrity verification failed")

	// ErrDeserialization is returned when snapshot bytes cannot be decoded
	// into a well-formed graph
	ErrDeserialization = errors.New("checkpoint snapshot cannot be decoded")

	// ErrInvalidCheckpoint is returned when restoring an invalidated checkpoint
	ErrInvalidCheckpoint = errors.New("checkpoint has been invalidated")

	// ErrNotFound is returned when a checkpoint does not exist
	ErrNotFound = errors.New("checkpoint not found")

	// ErrPersistence is returned when the underlying store write fails
	ErrPersistence = errors.New("checkpoint persistence failed")

	// ErrSchemaVersion is returned when a snapshot carries an unknown schema version
	ErrSchemaVersion = errors.New("unsupported snapshot schema version")
)
