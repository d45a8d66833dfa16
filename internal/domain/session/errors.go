package session

import "errors"

var (
	// ErrStateNotFound indicates no state file exists yet.
	ErrStateNotFound = errors.New("session state not found")
	// ErrUnsupportedVersion indicates a state file this build cannot read.
	ErrUnsupportedVersion = errors.New("unsupported session state version")
	// ErrMigrationRequired indicates an older state file that Migrate can upgrade.
	ErrMigrationRequired = errors.New("session state requires migration")
	// ErrInvalidInput indicates invalid session input.
	ErrInvalidInput = errors.New("invalid session input")
)
