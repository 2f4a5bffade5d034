package repositories

import "fmt"

// ErrorKind classifies a persistence failure for service-level mapping.
type ErrorKind string

const (
	ErrorKindUnknown     ErrorKind = "unknown"
	ErrorKindNotFound    ErrorKind = "not_found"
	ErrorKindConflict    ErrorKind = "conflict"
	ErrorKindUnavailable ErrorKind = "unavailable"
)

// Error is a RepositoryError for backends without a native error classification.
type Error struct {
	Op      string
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap exposes the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the record is missing.
func (e *Error) IsNotFound() bool { return e != nil && e.Kind == ErrorKindNotFound }

// IsConflict reports whether the write lost an optimistic concurrency race.
func (e *Error) IsConflict() bool { return e != nil && e.Kind == ErrorKindConflict }

// IsUnavailable reports whether the backend is temporarily unreachable.
func (e *Error) IsUnavailable() bool { return e != nil && e.Kind == ErrorKindUnavailable }

// NewNotFoundError reports a missing record.
func NewNotFoundError(op, message string) *Error {
	return &Error{Op: op, Kind: ErrorKindNotFound, Message: message}
}

// NewConflictError reports a stale concurrency token or duplicate key.
func NewConflictError(op, message string) *Error {
	return &Error{Op: op, Kind: ErrorKindConflict, Message: message}
}

// NewUnavailableError reports a transient backend failure.
func NewUnavailableError(op string, err error) *Error {
	return &Error{Op: op, Kind: ErrorKindUnavailable, Err: err}
}

var _ RepositoryError = (*Error)(nil)
