package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error with a machine-readable
// code and an optional recovery hint for API callers.
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common domain error codes
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	ErrCodeInvalidState  = "INVALID_STATE"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeInternal      = "INTERNAL_ERROR"
)

// NewValidationError creates a new validation error
func NewValidationError(message, details string) *DomainError {
	return &DomainError{
		Code:    ErrCodeValidation,
		Message: message,
		Details: details,
		Hint:    "fix the rejected field and resubmit",
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource, id string) *DomainError {
	return &DomainError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: fmt.Sprintf("ID: %s", id),
	}
}

// NewAlreadyExistsError creates a new already exists error
func NewAlreadyExistsError(resource, details string) *DomainError {
	return &DomainError{
		Code:    ErrCodeAlreadyExists,
		Message: fmt.Sprintf("%s already exists", resource),
		Details: details,
	}
}

// NewInvalidStateError creates a new invalid state transition error.
// Used whenever a caller attempts to mutate an execution that has reached
// a terminal status.
func NewInvalidStateError(message, details string) *DomainError {
	return &DomainError{
		Code:    ErrCodeInvalidState,
		Message: message,
		Details: details,
		Hint:    "terminal executions are immutable; start a new execution instead",
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string) *DomainError {
	return &DomainError{
		Code:    ErrCodeInternal,
		Message: message,
	}
}

// IsDomainError checks if an error is a domain error
func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

// GetDomainError extracts a domain error from an error chain
func GetDomainError(err error) *DomainError {
	var de *DomainError
	if errors.As(err, &de) {
		return de
	}
	return nil
}

// IsInvalidState reports whether err is an invalid-state-transition error
func IsInvalidState(err error) bool {
	de := GetDomainError(err)
	return de != nil && de.Code == ErrCodeInvalidState
}

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool {
	de := GetDomainError(err)
	return de != nil && de.Code == ErrCodeNotFound
}
