package target

import "time"

// Status is the CRM status of a target.
type Status string

const (
	StatusColdNoReply   Status = "cold_no_reply"
	StatusContacted     Status = "contacted"
	StatusReplied       Status = "replied"
	StatusBooked        Status = "booked"
	StatusNotInterested Status = "not_interested"
	StatusExcluded      Status = "excluded"
)

var statuses = map[Status]struct{}{
	StatusColdNoReply:   {},
	StatusContacted:     {},
	StatusReplied:       {},
	StatusBooked:        {},
	StatusNotInterested: {},
	StatusExcluded:      {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statuses[s]
	return ok
}

// Target is the local cache entry for a prospect.
type Target struct {
	Username     string    `json:"username"`
	CentralID    string    `json:"central_id,omitempty"`
	Status       Status    `json:"status"`
	Excluded     bool      `json:"excluded"`
	Notes        string    `json:"notes,omitempty"`
	OwnerAccount string    `json:"owner_account,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// IsExcluded reports whether message content must not be stored for this target.
func (t *Target) IsExcluded() bool {
	if t == nil {
		return false
	}
	return t.Excluded || t.Status == StatusExcluded
}

// Account is a cached acting account.
type Account struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	OperatorID   string    `json:"operator_id"`
	Status       string    `json:"status"`
	LastModified time.Time `json:"last_modified"`
}
