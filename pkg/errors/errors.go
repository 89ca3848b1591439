package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target carries the same code, so clones match their template.
func (e *Error) Is(target error) bool {
	var t *Error
	if e == nil || !errors.As(target, &t) || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrInvalidCredentials = New("INVALID_CREDENTIALS", http.StatusUnauthorized, "invalid email or password")
	ErrInactiveAccount    = New("ACCOUNT_INACTIVE", http.StatusForbidden, "account is inactive")
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrInvalidState       = New("INVALID_STATE", http.StatusConflict, "operation not permitted in current state")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss          = New("CACHE_MISS", http.StatusNotFound, "cache miss")

	// Enrollment conflicts carry their own codes so clients can branch on them.
	ErrActiveCourseExists        = New("ACTIVE_COURSE_EXISTS", http.StatusConflict, "active course already exists")
	ErrNoActiveCourse            = New("NO_ACTIVE_COURSE", http.StatusConflict, "student has no active course")
	ErrModuleNotInCourse         = New("MODULE_NOT_IN_COURSE", http.StatusConflict, "module does not belong to the active course")
	ErrDuplicateModuleEnrollment = New("DUPLICATE_MODULE_ENROLLMENT", http.StatusConflict, "module enrollment already exists for term")
	ErrDuplicateCode             = New("DUPLICATE_CODE", http.StatusConflict, "code already in use")
)

// Kind names the failure category of err: Unauthenticated, Forbidden, NotFound, Conflict,
// InvalidState, Validation or Internal.
func Kind(err error) string {
	appErr := FromError(err)
	if appErr == nil {
		return ""
	}
	switch {
	case appErr.Code == ErrInvalidState.Code:
		return "InvalidState"
	case appErr.Status == http.StatusUnauthorized:
		return "Unauthenticated"
	case appErr.Status == http.StatusForbidden:
		return "Forbidden"
	case appErr.Status == http.StatusNotFound:
		return "NotFound"
	case appErr.Status == http.StatusConflict:
		return "Conflict"
	case appErr.Status == http.StatusBadRequest:
		return "Validation"
	default:
		return "Internal"
	}
}

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}
