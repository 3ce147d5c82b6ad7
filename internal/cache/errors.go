package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned when engine configuration is unusable.
	ErrInvalidConfig = errors.New("invalid engine configuration")

	// ErrInvalidQuery is returned when the query text is empty.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrInvalidDimension is returned when a vector does not match the
	// configured embedding dimension.
	ErrInvalidDimension = errors.New("invalid embedding dimension")

	// ErrEngineClosed is returned when the engine has been shut down.
	ErrEngineClosed = errors.New("engine is closed")
)

// CacheError carries the failing operation alongside the underlying error.
type CacheError struct {
	Op  string // operation that failed
	Err error  // underlying error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

func opErr(op string, err error) error {
	return &CacheError{Op: op, Err: err}
}

// IsInvalidDimension checks if an error is a dimension-mismatch error.
func IsInvalidDimension(err error) bool {
	return errors.Is(err, ErrInvalidDimension)
}

// IsInvalidQuery checks if an error is an "invalid query" error.
func IsInvalidQuery(err error) bool {
	return errors.Is(err, ErrInvalidQuery)
}
