package handshake

import (
	"errors"
	"fmt"
)

// ErrorCode is a machine-readable error code surfaced to callers.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeAlreadyPending      ErrorCode = "ALREADY_PENDING"
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeProviderError       ErrorCode = "PROVIDER_ERROR"
	CodeMalformedResult     ErrorCode = "MALFORMED_RESULT"
	CodeInvalidConfig       ErrorCode = "INVALID_CONFIG"
)

// Error is a structured error returned by the synchronous entry points.
type Error struct {
	Code ErrorCode
	// Status is the provider status code, when the error came from the provider.
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrAlreadyPending      = &Error{Code: CodeAlreadyPending, Message: "a sign-in request is already pending"}
	ErrProviderUnavailable = &Error{Code: CodeProviderUnavailable, Message: "identity provider unavailable"}
	ErrProviderError       = &Error{Code: CodeProviderError, Message: "identity provider error"}
	ErrInvalidConfig       = &Error{Code: CodeInvalidConfig, Message: "invalid configuration"}
)

// CodeOf returns the machine-readable code for err.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var f Failure
	if errors.As(err, &f) && f.Code == StatusMalformedResult {
		return CodeMalformedResult
	}
	return CodeUnknown
}

func providerUnavailable(err error) error {
	return &Error{Code: CodeProviderUnavailable, Message: err.Error(), Err: err}
}
