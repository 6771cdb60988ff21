package usecase

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrorValidation     ErrorCode = "VALIDATION_ERROR"
	ErrorAuth           ErrorCode = "AUTH_ERROR"
	ErrorTransientInfra ErrorCode = "TRANSIENT_INFRA_ERROR"
	ErrorAIProvider     ErrorCode = "AI_PROVIDER_ERROR"
	ErrorPersistence    ErrorCode = "PERSISTENCE_ERROR"
)

// HTTPStatus is the status code an HTTP caller sees for the code.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrorValidation:
		return http.StatusBadRequest
	case ErrorAuth:
		return http.StatusUnauthorized
	case ErrorAIProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// Code returns the usecase error code carried by err, or
// ErrorTransientInfra for errors raised outside this package.
func Code(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorTransientInfra
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	return Code(err).HTTPStatus()
}

// PublicMessage is the text safe to return to an external caller. Server-side
// failures never leak their cause.
func PublicMessage(err error) string {
	var ue *Error
	if !errors.As(err, &ue) {
		return "Internal server error"
	}
	switch ue.Code {
	case ErrorValidation, ErrorAuth:
		return ue.Reason
	case ErrorAIProvider:
		return "AI provider error"
	default:
		return "Internal server error"
	}
}
