package services

import "errors"

// ErrorKind buckets every failure a service can return. Handlers map
// kinds to HTTP statuses; internal causes stay wrapped and are never
// shown to clients.
type ErrorKind string

const (
	ErrConfig          ErrorKind = "config"
	ErrValidation      ErrorKind = "validation"
	ErrUnauthenticated ErrorKind = "unauthenticated"
	ErrForbidden       ErrorKind = "forbidden"
	ErrNotFound        ErrorKind = "not_found"
	ErrConflict        ErrorKind = "conflict"
	ErrInternal        ErrorKind = "internal"
)

type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func wrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf classifies any error. Errors that did not come from a service
// are treated as internal so collaborator detail never leaks by
// default.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrInternal
}

// PublicMessage is what a client may see for err.
func PublicMessage(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Message
	}
	return "internal error"
}
