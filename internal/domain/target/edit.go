package target

import "time"

// Edit is an optimistic local change to a cached target.
type Edit struct {
	Username string
	Status   Status
	Notes    *string
	At       time.Time
}
