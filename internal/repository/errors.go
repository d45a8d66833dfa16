package repository

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrForeignKeyViolation is returned when a foreign key constraint fails
	ErrForeignKeyViolation = errors.New("foreign key violation")

	// ErrStoreUnavailable is returned when the local store cannot be opened or written
	ErrStoreUnavailable = errors.New("local store unavailable")

	// ErrStoreCorrupt is returned when the local store failed its integrity check
	ErrStoreCorrupt = errors.New("local store corrupt")

	// ErrIdentityConflict is returned when a record already carries a different canonical id
	ErrIdentityConflict = errors.New("identity conflict")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")
)

// IDConflict describes one rejected reconciliation.
type IDConflict struct {
	LocalID  int64
	Existing string
	Proposed string
}

// IdentityConflictError reports reconciliations that were refused.
// Entries not listed here were applied.
type IdentityConflictError struct {
	Conflicts []IDConflict
	Missing   []int64
}

func (e *IdentityConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts)+1)
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("local %d has %s, refused %s", c.LocalID, c.Existing, c.Proposed))
	}
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("unknown local ids %v", e.Missing))
	}
	return "identity conflict: " + strings.Join(parts, "; ")
}

func (e *IdentityConflictError) Is(target error) bool {
	if target == ErrIdentityConflict {
		return len(e.Conflicts) > 0
	}
	if target == ErrNotFound {
		return len(e.Missing) > 0
	}
	return false
}
