package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
)

// ErrorCode represents a Tabkeep error code.
type ErrorCode string

const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"    // 400
	ErrPermissionDenied ErrorCode = "PERMISSION_DENIED"  // 403
	ErrNotFound         ErrorCode = "NOT_FOUND"          // 404
	ErrResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND" // 410
	ErrConflict         ErrorCode = "CONFLICT"           // 409
	ErrCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"  // 422
	ErrTransientIO      ErrorCode = "TRANSIENT_IO"       // 503
	ErrInternal         ErrorCode = "INTERNAL"           // 500
)

// TabkeepError represents a structured error with code, status, and details.
type TabkeepError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *TabkeepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *TabkeepError) Unwrap() error {
	return e.Err
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *TabkeepError {
	return &TabkeepError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewPermissionDenied creates a 403 error when the access layer refuses a handle.
func NewPermissionDenied(resource string) *TabkeepError {
	return &TabkeepError{
		Code:    ErrPermissionDenied,
		Status:  403,
		Message: fmt.Sprintf("permission denied: %s", resource),
		Details: map[string]any{"resource": resource},
	}
}

// NewNotFound creates a 404 error for an unknown capability or session item id.
func NewNotFound(identifier string) *TabkeepError {
	return &TabkeepError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewResourceNotFound creates a 410 error when the resource behind a handle is gone.
func NewResourceNotFound(resource string, cause error) *TabkeepError {
	return &TabkeepError{
		Code:    ErrResourceNotFound,
		Status:  410,
		Message: fmt.Sprintf("resource no longer exists: %s", resource),
		Details: map[string]any{"resource": resource},
		Err:     cause,
	}
}

// NewConflict creates a 409 error when the resource changed on disk since it was last observed.
func NewConflict(itemID string, diskTimestamp, ourTimestamp int64) *TabkeepError {
	return &TabkeepError{
		Code:    ErrConflict,
		Status:  409,
		Message: fmt.Sprintf("item %s was modified on disk (disk %d > ours %d)", itemID, diskTimestamp, ourTimestamp),
		Details: map[string]any{
			"item_id":        itemID,
			"disk_timestamp": diskTimestamp,
			"our_timestamp":  ourTimestamp,
		},
	}
}

// NewCapacityExceeded creates a 422 error when the session item bound is reached.
func NewCapacityExceeded(max int) *TabkeepError {
	return &TabkeepError{
		Code:    ErrCapacityExceeded,
		Status:  422,
		Message: fmt.Sprintf("session already holds the maximum of %d items", max),
		Details: map[string]any{"max_items": max},
	}
}

// NewTransientIO creates a 503 error for unclassified read/write failures.
func NewTransientIO(resource string, cause error) *TabkeepError {
	msg := fmt.Sprintf("i/o failed: %s", resource)
	if cause != nil {
		msg = fmt.Sprintf("i/o failed: %s: %v", resource, cause)
	}
	return &TabkeepError{
		Code:    ErrTransientIO,
		Status:  503,
		Message: msg,
		Details: map[string]any{"resource": resource},
		Err:     cause,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *TabkeepError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &TabkeepError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		Err:     err,
	}
}

// Is checks if an error is (or wraps) a TabkeepError with the given code.
func Is(err error, code ErrorCode) bool {
	var tErr *TabkeepError
	if stderrors.As(err, &tErr) {
		return tErr.Code == code
	}
	return false
}

// As returns the TabkeepError in err's chain, if any.
func As(err error) (*TabkeepError, bool) {
	var tErr *TabkeepError
	if stderrors.As(err, &tErr) {
		return tErr, true
	}
	return nil, false
}

// Class is the coarse failure class used when reconciling stored capabilities.
type Class string

const (
	ClassNone       Class = ""
	ClassPermission Class = "permission"
	ClassNotFound   Class = "not-found"
	ClassOther      Class = "other"
)

// Classify maps any error into exactly one failure class.
// A nil error has ClassNone.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	switch {
	case Is(err, ErrPermissionDenied), stderrors.Is(err, fs.ErrPermission):
		return ClassPermission
	case Is(err, ErrResourceNotFound), stderrors.Is(err, fs.ErrNotExist):
		return ClassNotFound
	default:
		return ClassOther
	}
}
