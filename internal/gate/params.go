package gate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/session"
	"github.com/rpggio/outpost/internal/domain/target"
	"github.com/rpggio/outpost/internal/syncer"
	"github.com/rpggio/outpost/internal/transport"
)

// LogOutreachParams is the payload of LOG_OUTREACH.
type LogOutreachParams struct {
	Account  string     `json:"account"`
	Operator string     `json:"operator,omitempty"`
	Target   string     `json:"target"`
	Message  string     `json:"message"`
	Excluded bool       `json:"excluded,omitempty"`
	Force    bool       `json:"force,omitempty"`
	SentAt   *time.Time `json:"sent_at,omitempty"`
}

// UpdateTargetParams is the payload of UPDATE_TARGET.
type UpdateTargetParams struct {
	Account  string        `json:"account"`
	Operator string        `json:"operator,omitempty"`
	Target   string        `json:"target"`
	Status   target.Status `json:"status"`
	Notes    *string       `json:"notes,omitempty"`
}

// SwitchAccountParams is the payload of SWITCH_ACCOUNT.
type SwitchAccountParams struct {
	Account  string `json:"account"`
	Operator string `json:"operator,omitempty"`
}

// PreflightParams is the payload of PREFLIGHT.
type PreflightParams struct {
	Account  string `json:"account"`
	Operator string `json:"operator,omitempty"`
	Target   string `json:"target,omitempty"`
}

// GetTargetParams is the payload of GET_TARGET.
type GetTargetParams struct {
	Username string `json:"username"`
}

// AccountChangedEvent is the ACCOUNT_CHANGED notification data.
type AccountChangedEvent struct {
	Old      string `json:"old,omitempty"`
	New      string `json:"new"`
	Operator string `json:"operator"`
}

// SwitchAccountResult is the SWITCH_ACCOUNT response data.
type SwitchAccountResult struct {
	activity.CaptureResult
	Session session.State `json:"session"`
}

// SyncStatusResult is the SYNC_STATUS response data.
type SyncStatusResult struct {
	Enabled bool           `json:"enabled"`
	Pending int            `json:"pending"`
	Status  *syncer.Status `json:"status,omitempty"`
}

// GetTargetResult is the GET_TARGET response data. Target is null when the
// username is not cached.
type GetTargetResult struct {
	Target *target.Target `json:"target"`
}

func decodeParams(req transport.Request, out any) error {
	if len(req.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Payload, out); err != nil {
		return fmt.Errorf("%w: %s payload: %v", transport.ErrInvalidMessage, req.Type, err)
	}
	return nil
}
