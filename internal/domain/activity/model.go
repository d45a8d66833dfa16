package activity

import (
	"encoding/json"
	"time"

	"github.com/rpggio/outpost/internal/domain/target"
)

// Kind represents the kind of activity record
type Kind string

const (
	KindOutreach     Kind = "outreach"
	KindStatusChange Kind = "status_change"
	KindSystem       Kind = "system"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindOutreach, KindStatusChange, KindSystem:
		return true
	}
	return false
}

// Record is an append-only captured activity.
type Record struct {
	LocalID       int64           `json:"local_id"`
	ClientKey     string          `json:"client_key"`
	CanonicalID   *string         `json:"canonical_id,omitempty"`
	Kind          Kind            `json:"kind"`
	Account       string          `json:"account"`
	Operator      string          `json:"operator"`
	Target        string          `json:"target,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Synced        bool            `json:"synced"`
	PushAttempts  int             `json:"push_attempts,omitempty"`
	LastPushError string          `json:"last_push_error,omitempty"`
}

// OutreachDetail is the 1:1 child of an outreach record.
// Message is nil when the target was excluded at capture time.
type OutreachDetail struct {
	Message *string   `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// Envelope is a record together with its child detail, as selected for push.
type Envelope struct {
	Record   Record          `json:"record"`
	Outreach *OutreachDetail `json:"outreach,omitempty"`
}

// OutreachDetails is the details payload of an outreach record.
type OutreachDetails struct {
	Verdict  string   `json:"verdict"`
	Forced   bool     `json:"forced,omitempty"`
	Reasons  []string `json:"reasons,omitempty"`
	Redacted bool     `json:"redacted,omitempty"`
}

// StatusChangeDetails is the details payload of a status_change record.
type StatusChangeDetails struct {
	Status   target.Status `json:"status"`
	Previous target.Status `json:"previous,omitempty"`
	Notes    *string       `json:"notes,omitempty"`
}

// EventActiveAccountChanged marks a system record produced by an account switch.
const EventActiveAccountChanged = "active_account_changed"

// AccountChangedDetails is the details payload of an account switch.
type AccountChangedDetails struct {
	Event string `json:"event"`
	Old   string `json:"old,omitempty"`
	New   string `json:"new"`
}
