package activity

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates a malformed capture request.
	ErrValidation = errors.New("validation failed")
	// ErrSafetyBlock indicates a BLOCK verdict that was not forced.
	ErrSafetyBlock = errors.New("blocked by safety rule")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
