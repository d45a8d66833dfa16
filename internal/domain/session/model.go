package session

import (
	"slices"
	"time"
)

const (
	// VersionV1 holds operator and active account only.
	VersionV1 = 1
	// VersionV2 adds the list of accounts the operator has used.
	VersionV2 = 2
	// CurrentVersion is the version Save writes.
	CurrentVersion = VersionV2
)

// State is the operator's persisted session.
type State struct {
	Version       int       `json:"version"`
	OperatorID    string    `json:"operator_id"`
	ActiveAccount string    `json:"active_account,omitempty"`
	KnownAccounts []string  `json:"known_accounts,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// remember adds account to KnownAccounts if absent.
func (s *State) remember(account string) {
	if account == "" || slices.Contains(s.KnownAccounts, account) {
		return
	}
	s.KnownAccounts = append(s.KnownAccounts, account)
}

// Switch describes one active-account transition.
type Switch struct {
	Old string `json:"old,omitempty"`
	New string `json:"new"`
}
