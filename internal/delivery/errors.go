package delivery

import (
	"errors"
	"fmt"

	"quantrelay/internal/domain"
	"quantrelay/internal/signaling"
)

// Code classifies a protocol error on the wire
type Code string

const (
	CodeBadRequest      Code = "bad_request"
	CodeUnauthenticated Code = "unauthenticated"
	CodeForbidden       Code = "forbidden"
	CodeNotFound        Code = "not_found"
	CodeInternal        Code = "internal"
)

// ProtocolError is a rejected operation. The connection stays open.
type ProtocolError struct {
	Code    Code
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is matches any ProtocolError with the same code, so
// errors.Is(err, ErrForbidden) works for every forbidden rejection.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Code == e.Code
}

var (
	ErrBadRequest      = &ProtocolError{Code: CodeBadRequest, Message: "bad request"}
	ErrUnauthenticated = &ProtocolError{Code: CodeUnauthenticated, Message: "authenticate first"}
	ErrForbidden       = &ProtocolError{Code: CodeForbidden, Message: "forbidden"}
	ErrNotFound        = &ProtocolError{Code: CodeNotFound, Message: "not found"}
	ErrInternal        = &ProtocolError{Code: CodeInternal, Message: "internal error"}
)

func badRequest(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

func forbidden(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// classify maps collaborator and state machine errors to protocol errors.
// Unknown errors become internal and keep their cause for logging only.
func classify(err error) *ProtocolError {
	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		return pe
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, signaling.ErrCallNotFound):
		return &ProtocolError{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, domain.ErrInvalidCredential):
		return &ProtocolError{Code: CodeUnauthenticated, Message: "invalid credential"}
	case errors.Is(err, signaling.ErrNotParticipant), errors.Is(err, signaling.ErrNotCallee):
		return &ProtocolError{Code: CodeForbidden, Message: err.Error()}
	case errors.Is(err, signaling.ErrInvalidTransition),
		errors.Is(err, signaling.ErrSelfCall),
		errors.Is(err, signaling.ErrInvalidKind),
		errors.Is(err, signaling.ErrMissingTarget),
		errors.Is(err, signaling.ErrEmptySDP):
		return &ProtocolError{Code: CodeBadRequest, Message: err.Error()}
	default:
		return &ProtocolError{Code: CodeInternal, Message: "internal error", Err: err}
	}
}

// body is the wire form; internal causes are not sent to clients
func (e *ProtocolError) body() *ErrorBody {
	return &ErrorBody{Code: e.Code, Message: e.Message}
}
