package engine

import (
	"errors"
	"fmt"
)

var (
	ErrCleared            = errors.New("scheduler cleared")
	ErrInvalidConcurrency = errors.New("max concurrency must be > 0")
)

// PanicError is reported as the job error when an operation panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// IsPanic reports whether err (or anything it wraps) is a recovered panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
