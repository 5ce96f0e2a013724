package training

import (
	"errors"
	"fmt"
)

var (
	ErrTopicNotFound = errors.New("topic not found")
	ErrBadgeNotFound = errors.New("badge not found")
	// ErrDuplicateBadge indicates a badge already exists for the topic and year.
	ErrDuplicateBadge = errors.New("a badge already exists for this topic and year")
	// ErrConflict indicates a catalog record or setting changed since it was read.
	ErrConflict = errors.New("modified concurrently")

	ErrVideoNotWatched  = errors.New("you must watch the video before taking the quiz")
	ErrAlreadyCompleted = errors.New("quiz already completed")
	// ErrMaintenance is returned for progress writes while a training-year
	// reset is running.
	ErrMaintenance = errors.New("training year reset in progress, try again later")
	// ErrResetInProgress is returned when a second reset is started.
	ErrResetInProgress = errors.New("a training year reset is already running")
	// ErrInvalidYearTransition is returned when the new year does not
	// follow the current one.
	ErrInvalidYearTransition = errors.New("new year must be greater than current year")
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
