// Package poolerrors provides structured error handling for sqlpool with
// categorization, context details and stack traces.
//
// # Overview
//
// Every error raised by the pool carries an ErrorType that tells the caller
// how to react:
//   - config: the pool could not be constructed; fatal to startup
//   - exhausted: a bounded acquisition expired; retry with backoff
//   - misuse: the caller broke the handle contract (commit on a read-only
//     handle, use after release, finalize with outstanding references)
//   - connection / driver: failures reported by the underlying database
//   - not_found: registry lookups
//
// # Sentinels
//
// The package exports sentinel values (ErrReadOnly, ErrReleased, ...) that
// work with errors.Is. Use From to obtain a fresh copy of a sentinel that
// captures the current stack and can carry details:
//
//	return poolerrors.From(poolerrors.ErrPoolExhausted).
//	    WithDetail("pool", name).
//	    WithDetail("max_total", max)
//
// # Thread Safety
//
// Error instances are not safe for concurrent modification. Add details
// before sharing an error across goroutines.
package poolerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error.
type ErrorType string

const (
	// ErrorTypeInternal represents internal invariant violations
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeConfig represents configuration errors raised at construction
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeExhausted represents a bounded acquisition that expired
	ErrorTypeExhausted ErrorType = "exhausted"
	// ErrorTypeMisuse represents a violation of the handle or pool contract
	ErrorTypeMisuse ErrorType = "misuse"
	// ErrorTypeConnection represents failures opening or keeping a connection
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeDriver represents errors reported by a database driver
	ErrorTypeDriver ErrorType = "driver"
	// ErrorTypeNotFound represents registry lookup failures
	ErrorTypeNotFound ErrorType = "not_found"
)

// Error represents a structured error with context.
//
// Fields:
//   - Type: Categorizes the error for handling strategies
//   - Message: Human-readable error description
//   - Cause: The underlying error, if any
//   - Details: Key-value pairs providing additional context
//   - Stack: Call stack at the point of error creation
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string // Fully qualified function name
	File     string // Source file path
	Line     int    // Line number in source file
}

// Sentinel errors. Compare with errors.Is; never return them after adding
// details, use From instead.
var (
	// ErrReadOnly is returned by Commit on a read-only handle.
	ErrReadOnly = &Error{Type: ErrorTypeMisuse, Message: "cannot commit on a read-only connection"}
	// ErrReleased is returned by every operation on a released handle.
	ErrReleased = &Error{Type: ErrorTypeMisuse, Message: "connection already released"}
	// ErrOutstandingReferences is returned by Finalize while connections are still held.
	ErrOutstandingReferences = &Error{Type: ErrorTypeMisuse, Message: "pool finalized with outstanding connections"}
	// ErrPoolExhausted is returned when a bounded acquisition expires.
	ErrPoolExhausted = &Error{Type: ErrorTypeExhausted, Message: "no connection became available"}
	// ErrNoSuchPool is returned by registry lookups of an unknown name.
	ErrNoSuchPool = &Error{Type: ErrorTypeNotFound, Message: "no such pool"}
	// ErrNoDefaultPool is returned by registry lookups of the default pool when none is registered.
	ErrNoDefaultPool = &Error{Type: ErrorTypeNotFound, Message: "no default pool"}
	// ErrUnknownScheme is returned when no driver is registered for a URL scheme.
	ErrUnknownScheme = &Error{Type: ErrorTypeConfig, Message: "no driver registered for url scheme"}
	// ErrInvalidURL is returned for empty or scheme-less database URLs.
	ErrInvalidURL = &Error{Type: ErrorTypeConfig, Message: "invalid database url"}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a sentinel with the same type and message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type && t.Message == e.Message
}

// WithDetail adds a key-value detail to the error. Calls can be chained.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message, capturing the
// call stack at the point of creation.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf is New with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// From returns a fresh copy of a sentinel error with the current stack.
// The copy still satisfies errors.Is(copy, sentinel).
func From(sentinel *Error) *Error {
	return &Error{
		Type:    sentinel.Type,
		Message: sentinel.Message,
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context, preserving the
// original error as the cause. If the error is already a structured Error,
// its stack trace is preserved. Returns nil if err is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error is worth retrying. Only pool
// exhaustion and connection errors qualify; misuse never does.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeExhausted, ErrorTypeConnection:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// captureStack captures the current call stack up to maxFrames deep,
// skipping the given number of frames.
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
