package apperror

import (
	"errors"
	"net/http"
)

type Error struct {
	Code       string
	Message    string
	StatusCode int
	Internal   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Internal
}

var (
	ErrNotFound = &Error{
		Code:       "not_found",
		Message:    "The requested resource was not found",
		StatusCode: http.StatusNotFound,
	}

	ErrUnauthorized = &Error{
		Code:       "unauthorized",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &Error{
		Code:       "forbidden",
		Message:    "You don't have permission to access this resource",
		StatusCode: http.StatusForbidden,
	}

	ErrBadRequest = &Error{
		Code:       "bad_request",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrJobNotFound = &Error{
		Code:       "job_not_found",
		Message:    "Job not found",
		StatusCode: http.StatusNotFound,
	}

	ErrSessionNotFound = &Error{
		Code:       "session_not_found",
		Message:    "Upload session not found",
		StatusCode: http.StatusNotFound,
	}

	ErrUploadInit = &Error{
		Code:       "upload_init_failed",
		Message:    "Could not start the upload",
		StatusCode: http.StatusBadGateway,
	}

	ErrPartCountMismatch = &Error{
		Code:       "part_count_mismatch",
		Message:    "Uploaded parts do not match the expected part count",
		StatusCode: http.StatusConflict,
	}

	// ErrLockConflict is a control-flow outcome, not a fault: the worker
	// should back off or try another job.
	ErrLockConflict = &Error{
		Code:       "lock_conflict",
		Message:    "Job is already claimed by another worker",
		StatusCode: http.StatusConflict,
	}

	ErrLockMismatch = &Error{
		Code:       "lock_mismatch",
		Message:    "Lease is no longer held by this worker",
		StatusCode: http.StatusConflict,
	}

	ErrDispatchFailed = &Error{
		Code:       "dispatch_failed",
		Message:    "Could not notify the processing pool",
		StatusCode: http.StatusBadGateway,
	}

	ErrInvalidStateTransition = &Error{
		Code:       "invalid_state_transition",
		Message:    "Operation is not valid for the job's current status",
		StatusCode: http.StatusConflict,
	}

	ErrInternal = &Error{
		Code:       "internal_error",
		Message:    "An unexpected error occurred. Please try again later",
		StatusCode: http.StatusInternalServerError,
	}
)

func New(code, message string, statusCode int) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Wrap(err error, appErr *Error) *Error {
	return &Error{
		Code:       appErr.Code,
		Message:    appErr.Message,
		StatusCode: appErr.StatusCode,
		Internal:   err,
	}
}

func WrapWithMessage(err error, code, message string, statusCode int) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Internal:   err,
	}
}

func Is(err error, target *Error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

func StatusCode(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

func Code(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal.Code
}
