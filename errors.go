package tempo

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrTransientFetch matches every *FetchError.
	ErrTransientFetch = errors.New("transient fetch error")
	// ErrMutationRejected matches every *MutationError.
	ErrMutationRejected = errors.New("mutation rejected")
	// ErrNotFound is returned by backends for unknown ids.
	ErrNotFound = errors.New("record not found")
	// ErrValidation is returned by resource services for rejected input.
	ErrValidation = errors.New("validation failed")
	// ErrNoFetcher is returned when a key is revalidated before a fetcher
	// was registered for it.
	ErrNoFetcher = errors.New("no fetcher registered for key")
)

// FetchError is a failed background revalidation. The entry keeps its last
// good value and exposes this error.
type FetchError struct {
	Key Key
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrTransientFetch }

// MutationError is a remote write that failed. The optimistic change has
// already been rolled back when the caller receives it.
type MutationError struct {
	Key Key
	Err error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutate %s: %v", e.Key, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

func (e *MutationError) Is(target error) bool { return target == ErrMutationRejected }

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
