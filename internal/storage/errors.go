package storage

import "errors"

var (
	// ErrNotFound is returned when no entry exists for a key.
	ErrNotFound = errors.New("entry not found")

	// ErrNilQuery is returned when a nil query is passed to a write.
	ErrNilQuery = errors.New("query cannot be nil")

	// ErrNilResult is returned when a nil result is passed to a write.
	ErrNilResult = errors.New("result cannot be nil")

	// ErrEmptyKey is returned when an operation receives an empty owner key.
	ErrEmptyKey = errors.New("key cannot be empty")
)
