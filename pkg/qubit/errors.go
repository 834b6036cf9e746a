package qubit

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted is returned when a request cannot be met even
	// after any permitted growth.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrInvalidOperation reports structural misuse, such as releasing an id
	// that is not allocated.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrArgument reports malformed input such as a negative count.
	ErrArgument = errors.New("invalid argument")
)

// ExhaustedError carries the size of a failed request and what was
// available when it failed.
type ExhaustedError struct {
	Requested int
	Available int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v: requested %d, available %d", ErrResourceExhausted, e.Requested, e.Available)
}

// Is makes errors.Is(err, ErrResourceExhausted) hold.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrResourceExhausted
}

// Exhausted builds an *ExhaustedError.
func Exhausted(requested, available int) error {
	return &ExhaustedError{Requested: requested, Available: available}
}

// InvalidOperation wraps ErrInvalidOperation with a formatted reason.
func InvalidOperation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
}

// CheckCount validates a requested count.
func CheckCount(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative count %d", ErrArgument, n)
	}
	return nil
}
