package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a failure that already knows its code. Classify passes its
// fields through untouched.
type Error struct {
	Code    Code
	Message string
	Context map[string]any
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is matches another *Error with the same code, so callers can write
// errors.Is(err, apperror.New(apperror.CodeAuthFailed, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Wrapped: err}
}

// With returns a copy of e carrying an extra context entry.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

// CodeOf extracts the code of a typed error, or CodeUnknown.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// HTTPError is a non-2xx response from an HTTP collaborator.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("http %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
}

func (e *HTTPError) StatusCode() int { return e.Status }

// HTTPStatus maps a code to the status the server answers with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeAuthFailed:
		return http.StatusUnauthorized
	case CodeForbidden, CodeUnauthorizedEdit:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeValidation, CodeEmptyContent, CodeContentTooLong:
		return http.StatusBadRequest
	case CodeVerificationUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
