// Package simerr defines the sentinel error taxonomy shared by every
// component of the cache simulator, so that callers can use errors.Is and
// errors.As regardless of which package raised the failure.
package simerr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrap one of these with fmt.Errorf("...: %w", ...) at the
// call site so errors.Is keeps working after the message gains context.
var (
	// ErrUnaligned is returned when a cache request address is not a
	// multiple of 4 bytes.
	ErrUnaligned = errors.New("unaligned address")

	// ErrInvalidAddress is returned when a memory access is not word-aligned
	// or falls outside [base, base+size-4].
	ErrInvalidAddress = errors.New("invalid address")

	// ErrBadTrace is returned by the trace parser when a line cannot be
	// parsed as a valid request.
	ErrBadTrace = errors.New("malformed trace line")

	// ErrInternalInvariant is returned when a post-eviction lookup fails to
	// find the slot it just freed, or another "cannot happen" condition is
	// observed. It is never retried.
	ErrInternalInvariant = errors.New("internal invariant violation")

	// ErrFileIO is returned when the trace file cannot be opened or read.
	ErrFileIO = errors.New("trace file I/O error")

	// ErrConfig is returned when a cache or hierarchy configuration fails
	// validation (non-power-of-two set count, non-positive size, odd core
	// count above one, and so on).
	ErrConfig = errors.New("invalid configuration")
)

// Error carries structured detail alongside one of the sentinels above, so
// callers that need more than the message (e.g. the CLI's exit-code mapping)
// can type-assert via errors.As instead of parsing strings.
type Error struct {
	Kind   error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Wrap builds an *Error for kind with a formatted detail message.
func Wrap(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// IsInternal reports whether err wraps ErrInternalInvariant, the one
// failure class that indicates a logic bug rather than bad input.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternalInvariant)
}
