// Package errors provides domain-specific error types for the NFVCL orchestrator.
//
// Every precondition and integrity failure raised by the blueprint core is an
// *AppError wrapping one of the sentinels below, so callers branch with
// errors.Is and the ops surface maps Code/HTTPStatus directly.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the blueprint core error taxonomy.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrBadRequest     = errors.New("bad request")
	ErrInternal       = errors.New("internal error")
	ErrConflict       = errors.New("conflict")
	ErrNotSupported   = errors.New("operation not supported")
	ErrServiceUnavail = errors.New("service unavailable")

	// Precondition errors.
	ErrDuplicateResource          = errors.New("duplicate resource")
	ErrResourceNotFound           = errors.New("resource not found")
	ErrNoAssociatedInfrastructure = errors.New("no associated infrastructure")
	ErrDuplicateChild             = errors.New("duplicate child blueprint")
	ErrChildNotFound              = errors.New("child blueprint not found")

	// Reference-integrity errors.
	ErrDanglingReference = errors.New("dangling resource reference")

	// Blueprint lifecycle errors.
	ErrBlueprintNotFound    = errors.New("blueprint not found")
	ErrBlueprintCorrupted   = errors.New("blueprint is corrupted")
	ErrBlueprintProtected   = errors.New("blueprint is protected")
	ErrBlueprintBusy        = errors.New("blueprint is busy")
	ErrInvalidPhase         = errors.New("invalid lifecycle phase")
	ErrUnknownBlueprintType = errors.New("unknown blueprint type")
	ErrUnknownResourceKind  = errors.New("unknown resource kind")
	ErrUnknownFunction      = errors.New("unknown blueprint function")

	// Provider errors.
	ErrUnsupportedVIM         = errors.New("unsupported vim type")
	ErrProviderDataMismatch   = errors.New("provider data type mismatch")
	ErrPDUNotFound            = errors.New("pdu not found")
	ErrPDULocked              = errors.New("pdu is locked")
	ErrMultusPoolExhausted    = errors.New("multus ip pool exhausted")
	ErrUnknownPDUConfigurator = errors.New("no configurator for pdu type")
)

// AppError is a structured application error with HTTP status and error code.
type AppError struct {
	// Code is a machine-readable error code (e.g., "RESOURCE_DUPLICATE").
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// HTTPStatus is the corresponding HTTP status code.
	HTTPStatus int `json:"-"`

	// Params carries structured context (resource IDs, areas, ...).
	Params map[string]interface{} `json:"params,omitempty"`

	// Err is the wrapped underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error into an AppError.
func Wrap(err error, code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// WithParams attaches structured parameters to the error.
func (e *AppError) WithParams(params map[string]interface{}) *AppError {
	if e == nil || len(params) == 0 {
		return e
	}
	e.Params = params
	return e
}

// Common error constructors.

// NotFound creates a 404 error.
func NotFound(code, message string) *AppError {
	return New(code, message, http.StatusNotFound)
}

// BadRequest creates a 400 error.
func BadRequest(code, message string) *AppError {
	return New(code, message, http.StatusBadRequest)
}

// Conflict creates a 409 error.
func Conflict(code, message string) *AppError {
	return New(code, message, http.StatusConflict)
}

// Internal creates a 500 error.
func Internal(code, message string) *AppError {
	return New(code, message, http.StatusInternalServerError)
}

// IsAppError checks if an error is an AppError and returns it.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HTTPStatusOf returns the HTTP status carried by err, or 500 when err is not an AppError.
func HTTPStatusOf(err error) int {
	if appErr, ok := IsAppError(err); ok && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
