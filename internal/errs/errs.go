// Package errs defines the error taxonomy shared by every docsync component.
//
// API boundaries return *Error values carrying a Code. Storage failures that
// may succeed on retry wrap ErrTransactionAborted. Internal invariant
// violations are raised with Fail or Assert, which panic with a stack trace
// attached and are never retried.
package errs

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Code classifies an error. The values follow the usual RPC status codes so
// that rejections from the backend map directly.
type Code int

const (
	OK Code = iota
	Cancelled
	Unknown
	InvalidArgument
	DeadlineExceeded
	NotFound
	AlreadyExists
	PermissionDenied
	ResourceExhausted
	FailedPrecondition
	Aborted
	OutOfRange
	Unimplemented
	Internal
	Unavailable
	DataLoss
	Unauthenticated
)

var codeNames = map[Code]string{
	OK:                 "ok",
	Cancelled:          "cancelled",
	Unknown:            "unknown",
	InvalidArgument:    "invalid-argument",
	DeadlineExceeded:   "deadline-exceeded",
	NotFound:           "not-found",
	AlreadyExists:      "already-exists",
	PermissionDenied:   "permission-denied",
	ResourceExhausted:  "resource-exhausted",
	FailedPrecondition: "failed-precondition",
	Aborted:            "aborted",
	OutOfRange:         "out-of-range",
	Unimplemented:      "unimplemented",
	Internal:           "internal",
	Unavailable:        "unavailable",
	DataLoss:           "data-loss",
	Unauthenticated:    "unauthenticated",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// ParseCode is the inverse of Code.String. Unknown names map to Unknown.
func ParseCode(s string) Code {
	for c, name := range codeNames {
		if name == s {
			return c
		}
	}
	return Unknown
}

// Error is a coded error surfaced to callers.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// New returns an *Error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error with the given code that unwraps to cause.
func Wrap(cause error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error with the same code, so errors.Is(err,
// &Error{Code: NotFound}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Sentinel errors.
var (
	// ErrTransactionAborted marks a storage failure that a fresh transaction
	// may not hit again.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrNotStarted is returned by components used before Start.
	ErrNotStarted = errors.New("not started")

	// ErrClosed is returned by components used after Close or Shutdown.
	ErrClosed = errors.New("closed")

	// ErrNotPrimary is returned when a primary-only transaction runs on a
	// client that does not hold the primary lease.
	ErrNotPrimary = New(FailedPrecondition,
		"another client holds the primary lease; enable multi-client synchronization to share the store")

	// ErrExclusiveAccess is returned when the store is held by a client that
	// does not allow other clients.
	ErrExclusiveAccess = New(FailedPrecondition,
		"the store is in use by another client that requires exclusive access")
)

// Abort wraps err as a transient transaction failure.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransactionAborted, err)
}

// IsTransient reports whether retrying the failed operation in a fresh
// transaction may succeed.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransactionAborted) {
		return true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code == Aborted || e.Code == Unavailable
	}
	return false
}

// CodeOf returns the code of the first *Error in err's chain, OK for nil and
// Unknown for uncoded errors.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, ErrTransactionAborted) {
		return Aborted
	}
	return Unknown
}

// AssertionError is the panic value raised by Fail and Assert.
type AssertionError struct {
	err error
}

func (a *AssertionError) Error() string { return "internal assertion failed: " + a.err.Error() }

func (a *AssertionError) Unwrap() error { return a.err }

// StackTrace returns the stack captured where the assertion failed.
func (a *AssertionError) StackTrace() pkgerrors.StackTrace {
	var st interface{ StackTrace() pkgerrors.StackTrace }
	if errors.As(a.err, &st) {
		return st.StackTrace()
	}
	return nil
}

// Fail panics with an *AssertionError. Use it for states the engine cannot
// reach unless its own bookkeeping is broken.
func Fail(format string, args ...any) {
	panic(&AssertionError{err: pkgerrors.Errorf(format, args...)})
}

// Assert calls Fail when cond is false.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		Fail(format, args...)
	}
}

// Recover converts a panicking *AssertionError into an error assigned to
// *errp. Other panics propagate. Use it with defer at API boundaries.
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if a, ok := r.(*AssertionError); ok {
		*errp = Wrap(a, Internal, "internal error")
		return
	}
	panic(r)
}
