package domain

import (
	"errors"
	"fmt"
)

// Error categories. Components wrap these so callers can branch with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrGit        = errors.New("git operation failed")
	ErrProcess    = errors.New("process error")
	ErrTimeout    = errors.New("timeout")
)

// ValidationError describes a rejected request field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Required returns a ValidationError for a missing field
func Required(field string) error {
	return &ValidationError{Field: field, Reason: "is required"}
}

// Conflictf formats a message and wraps ErrConflict
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFoundf formats a message and wraps ErrNotFound
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
