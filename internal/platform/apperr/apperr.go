// Package apperr defines the stable, machine-readable failure codes returned
// by the consent, access and deletion engines. Callers branch on Code, never
// on message text.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable failure reason.
type Code string

const (
	MFARequired      Code = "MFA_REQUIRED"
	ExistingRequest  Code = "EXISTING_REQUEST"
	DuplicatePending Code = "DUPLICATE_PENDING"
	AlreadyGranted   Code = "ALREADY_GRANTED"
	NotOwner         Code = "NOT_OWNER"
	NotFound         Code = "NOT_FOUND"
	NotGranted       Code = "NOT_GRANTED"
	InvalidState     Code = "INVALID_STATE"
	InvalidCode      Code = "INVALID_CODE"
	ConsentRequired  Code = "CONSENT_REQUIRED"
	RoleForbidden    Code = "ROLE_FORBIDDEN"
	NotInUnit        Code = "NOT_IN_UNIT"
	AccountLocked    Code = "ACCOUNT_LOCKED"
	ValidationFailed Code = "VALIDATION_FAILED"
	Conflict         Code = "CONFLICT"
	Unauthenticated  Code = "UNAUTHENTICATED"
	RateLimited      Code = "RATE_LIMITED"
	Internal         Code = "INTERNAL"
)

// Kind groups codes by how a caller is expected to react.
type Kind string

const (
	KindPrecondition  Kind = "precondition"
	KindAuthorization Kind = "authorization"
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindSystem        Kind = "system"
)

var kinds = map[Code]Kind{
	MFARequired:      KindPrecondition,
	ExistingRequest:  KindPrecondition,
	DuplicatePending: KindPrecondition,
	AlreadyGranted:   KindPrecondition,
	NotOwner:         KindAuthorization,
	NotGranted:       KindPrecondition,
	InvalidState:     KindPrecondition,
	AccountLocked:    KindPrecondition,
	InvalidCode:      KindValidation,
	ValidationFailed: KindValidation,
	ConsentRequired:  KindAuthorization,
	RoleForbidden:    KindAuthorization,
	NotInUnit:        KindAuthorization,
	NotFound:         KindNotFound,
	Conflict:         KindConflict,
	Unauthenticated:  KindAuthorization,
	RateLimited:      KindConflict,
	Internal:         KindSystem,
}

// Kind returns the kind a code belongs to. Unknown codes are system failures.
func (c Code) Kind() Kind {
	if k, ok := kinds[c]; ok {
		return k
	}
	return KindSystem
}

// Error carries a Code, a human-readable message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error with the same code, so errors.Is(err, apperr.New(NotFound, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// CodeOf extracts the Code from err. Nil yields "", anything without a code
// yields Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a code to the response status used by the REST layer.
func HTTPStatus(code Code) int {
	switch code {
	case MFARequired:
		return http.StatusPreconditionFailed
	case InvalidCode:
		return http.StatusUnauthorized
	case AccountLocked:
		return http.StatusLocked
	case Unauthenticated:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	}
	switch code.Kind() {
	case KindPrecondition, KindConflict:
		return http.StatusConflict
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
