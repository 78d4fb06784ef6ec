// Package errs defines the error taxonomy shared by both legs of a session.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeUpstreamConnect Code = "UPSTREAM_CONNECT"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeProtocol        Code = "PROTOCOL"
	CodeContinuity      Code = "CONTINUITY"
	CodeCapacity        Code = "CAPACITY"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeConflict        Code = "CONFLICT"
	CodeIdleTimeout     Code = "IDLE_TIMEOUT"
	CodeInternal        Code = "INTERNAL"
)

// AppError is the unified error contract across layers.
// Message is safe to show to callers; Err is for logs only.
type AppError struct {
	Code    Code
	Op      string // operation name, ex: "bridge.connect"
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Op != "" && e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "error"
	}
}

func (e *AppError) Unwrap() error { return e.Err }

func E(code Code, op, msg string, err error) error {
	return &AppError{Code: code, Op: op, Message: msg, Err: err}
}

func IsCode(err error, code Code) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// SafeMessage returns the caller-facing text for err. Wrapped causes are never included.
func SafeMessage(err error) string {
	var ae *AppError
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	return "internal error"
}

// Terminal reports whether err ends a session without a reconnect attempt.
func Terminal(err error) bool {
	switch CodeOf(err) {
	case CodeUnauthorized, CodeCapacity, CodeIdleTimeout:
		return true
	}
	return false
}

func HTTPStatus(err error) int {
	var ae *AppError
	if errors.As(err, &ae) {
		switch ae.Code {
		case CodeInvalidArgument, CodeProtocol:
			return http.StatusBadRequest
		case CodeUnauthorized:
			return http.StatusUnauthorized
		case CodeConflict:
			return http.StatusConflict
		case CodeCapacity, CodeUpstreamConnect:
			return http.StatusServiceUnavailable
		case CodeIdleTimeout:
			return http.StatusGatewayTimeout
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
