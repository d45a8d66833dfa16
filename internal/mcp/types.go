package mcp

import (
	"encoding/json"
	"time"

	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/target"
	"github.com/rpggio/outpost/internal/syncer"
)

// Tool inputs.

type emptyInput struct{}

type recentActivityInput struct {
	Account      string `json:"account,omitempty" jsonschema:"only records captured under this acting account"`
	Target       string `json:"target,omitempty" jsonschema:"only records about this target username"`
	Kind         string `json:"kind,omitempty" jsonschema:"outreach, status_change or system"`
	UnsyncedOnly bool   `json:"unsynced_only,omitempty" jsonschema:"only records not yet accepted by central"`
	Limit        int    `json:"limit,omitempty" jsonschema:"maximum records to return (default 20, max 200)"`
}

type getTargetInput struct {
	Username string `json:"username" jsonschema:"target username"`
}

type preflightInput struct {
	Account string `json:"account" jsonschema:"acting account username"`
	Target  string `json:"target,omitempty" jsonschema:"target username, to report exclusion"`
}

// Tool outputs. Timestamps are RFC 3339 strings, empty when unset.

type syncStatusOutput struct {
	Enabled             bool       `json:"enabled"`
	State               string     `json:"state,omitempty"`
	Pending             int        `json:"pending"`
	Pushed              int        `json:"pushed"`
	Rejected            int        `json:"rejected"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         string     `json:"last_success,omitempty"`
	LastPull            string     `json:"last_pull,omitempty"`
	LastPush            string     `json:"last_push,omitempty"`
	NextAttempt         string     `json:"next_attempt,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	Fatal               bool       `json:"fatal"`
	Pull                *phaseView `json:"pull,omitempty"`
	Push                *phaseView `json:"push,omitempty"`
}

type phaseView struct {
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastSuccess         string `json:"last_success,omitempty"`
	NextAttempt         string `json:"next_attempt,omitempty"`
	LastError           string `json:"last_error,omitempty"`
	Fatal               bool   `json:"fatal"`
}

type activityEntry struct {
	LocalID       int64  `json:"local_id"`
	ClientKey     string `json:"client_key"`
	CanonicalID   string `json:"canonical_id,omitempty"`
	Kind          string `json:"kind"`
	Account       string `json:"account"`
	Operator      string `json:"operator"`
	Target        string `json:"target,omitempty"`
	Details       any    `json:"details,omitempty"`
	CreatedAt     string `json:"created_at"`
	Synced        bool   `json:"synced"`
	PushAttempts  int    `json:"push_attempts,omitempty"`
	LastPushError string `json:"last_push_error,omitempty"`
}

type recentActivityOutput struct {
	Records []activityEntry `json:"records"`
}

type targetView struct {
	Username     string `json:"username"`
	CentralID    string `json:"central_id,omitempty"`
	Status       string `json:"status"`
	Excluded     bool   `json:"excluded"`
	Notes        string `json:"notes,omitempty"`
	OwnerAccount string `json:"owner_account,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

type getTargetOutput struct {
	Found  bool        `json:"found"`
	Target *targetView `json:"target,omitempty"`
}

type preflightOutput struct {
	Verdict  string      `json:"verdict"`
	Reasons  []string    `json:"reasons,omitempty"`
	RuleIDs  []string    `json:"rule_ids,omitempty"`
	Redacted bool        `json:"redacted"`
	Target   *targetView `json:"target,omitempty"`
}

type sessionOutput struct {
	OperatorID    string   `json:"operator_id"`
	ActiveAccount string   `json:"active_account,omitempty"`
	KnownAccounts []string `json:"known_accounts,omitempty"`
	UpdatedAt     string   `json:"updated_at,omitempty"`
}

func toPhaseView(p syncer.PhaseStatus) *phaseView {
	return &phaseView{
		ConsecutiveFailures: p.ConsecutiveFailures,
		LastSuccess:         formatTime(p.LastSuccess),
		NextAttempt:         formatTime(p.NextAttempt),
		LastError:           p.LastError,
		Fatal:               p.Fatal,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toTargetView(t *target.Target) *targetView {
	if t == nil {
		return nil
	}
	return &targetView{
		Username:     t.Username,
		CentralID:    t.CentralID,
		Status:       string(t.Status),
		Excluded:     t.IsExcluded(),
		Notes:        t.Notes,
		OwnerAccount: t.OwnerAccount,
		LastModified: formatTime(t.LastModified),
	}
}

func toActivityEntry(r activity.Record) activityEntry {
	entry := activityEntry{
		LocalID:       r.LocalID,
		ClientKey:     r.ClientKey,
		Kind:          string(r.Kind),
		Account:       r.Account,
		Operator:      r.Operator,
		Target:        r.Target,
		CreatedAt:     formatTime(r.CreatedAt),
		Synced:        r.Synced,
		PushAttempts:  r.PushAttempts,
		LastPushError: r.LastPushError,
	}
	if r.CanonicalID != nil {
		entry.CanonicalID = *r.CanonicalID
	}
	if len(r.Details) > 0 {
		var details any
		if json.Unmarshal(r.Details, &details) == nil {
			entry.Details = details
		}
	}
	return entry
}
