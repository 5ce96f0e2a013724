package users

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no user matches the lookup.
	ErrNotFound = errors.New("user not found")
	// ErrDuplicate indicates the username or email is already registered.
	ErrDuplicate = errors.New("username or email already exists")
	// ErrConflict indicates the user changed since it was read.
	ErrConflict = errors.New("user was modified concurrently")
	// ErrAlreadyRecorded indicates a per-year progress entry already exists.
	ErrAlreadyRecorded = errors.New("already recorded for this year")
	// ErrWeakPassword indicates a password shorter than MinPasswordLen.
	ErrWeakPassword = errors.New("password too short")
)

// ValidationError describes a rejected field value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

func validationErrorf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
