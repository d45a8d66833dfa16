// Package gate is the local messaging gate between browser integrations
// and the durable store.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/session"
	"github.com/rpggio/outpost/internal/domain/target"
	"github.com/rpggio/outpost/internal/queue"
	"github.com/rpggio/outpost/internal/syncer"
	"github.com/rpggio/outpost/internal/transport"
)

// ActivityService defines capture operations needed by the gate.
type ActivityService interface {
	LogOutreach(ctx context.Context, req activity.OutreachRequest) (*activity.CaptureResult, error)
	UpdateTargetStatus(ctx context.Context, req activity.StatusChangeRequest) (*activity.CaptureResult, error)
	SwitchAccount(ctx context.Context, req activity.AccountSwitchRequest) (*activity.CaptureResult, error)
	Preflight(ctx context.Context, account, operator, targetName string) (*activity.Preview, error)
}

// ReferenceReader defines cached reference lookups needed by the gate.
type ReferenceReader interface {
	GetTarget(ctx context.Context, username string) (*target.Target, error)
	GetAccount(ctx context.Context, username string) (*target.Account, error)
	CountUnsynced(ctx context.Context) (int, error)
}

// SessionService defines operator session operations needed by the gate.
type SessionService interface {
	OperatorID() string
	Current() session.State
	SwitchAccount(account string) (session.Switch, error)
}

// SyncService defines sync engine operations needed by the gate.
type SyncService interface {
	Report(ctx context.Context) (syncer.Status, error)
	Trigger()
}

// Writer serializes store mutations. *queue.Queue implements it.
type Writer interface {
	Do(ctx context.Context, name string, fn queue.Job) error
}

// Services contains the dependencies of a Handler. Sync may be nil.
type Services struct {
	Activity   ActivityService
	References ReferenceReader
	Sessions   SessionService
	Sync       SyncService
}

// Handler dispatches gate requests. Writes go through the writer queue;
// reads run directly against the store.
type Handler struct {
	activity    ActivityService
	references  ReferenceReader
	sessions    SessionService
	sync        SyncService
	writer      Writer
	broadcaster syncer.Broadcaster
	logger      *slog.Logger
}

// NewHandler creates a new gate handler.
func NewHandler(services Services, writer Writer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		activity:   services.Activity,
		references: services.References,
		sessions:   services.Sessions,
		sync:       services.Sync,
		writer:     writer,
		logger:     logger,
	}
}

// SetBroadcaster installs the sink for ACCOUNT_CHANGED events.
func (h *Handler) SetBroadcaster(b syncer.Broadcaster) {
	h.broadcaster = b
}

// Handle answers one request. The response always carries the request's
// correlationId.
func (h *Handler) Handle(ctx context.Context, req transport.Request) transport.Response {
	start := time.Now()
	resp := h.dispatch(ctx, req)
	resp.CorrelationID = req.CorrelationID

	result := "ok"
	if !resp.Success {
		result = string(resp.ErrorCode)
	}
	requestsTotal.WithLabelValues(string(req.Type), result).Inc()
	requestDuration.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())
	if elapsed := time.Since(start); elapsed > LatencyHint(req.Type) {
		session, _ := transport.SessionIDFromContext(ctx)
		h.logger.Warn("gate request exceeded latency hint",
			"type", req.Type,
			"elapsed", elapsed,
			"session", session,
			"correlation_id", req.CorrelationID)
	}
	return resp
}

func (h *Handler) dispatch(ctx context.Context, req transport.Request) transport.Response {
	id := req.CorrelationID
	switch req.Type {
	case transport.TypePing:
		return h.result(id, transport.Pong)
	case transport.TypeAuth:
		// Authentication happens at connection setup; a repeat is harmless.
		return h.result(id, map[string]bool{"authenticated": true})
	case transport.TypeLogOutreach:
		return h.logOutreach(ctx, req)
	case transport.TypeUpdateTarget:
		return h.updateTarget(ctx, req)
	case transport.TypeSwitchAccount:
		return h.switchAccount(ctx, req)
	case transport.TypePreflight:
		return h.preflight(ctx, req)
	case transport.TypeGetTarget:
		return h.getTarget(ctx, req)
	case transport.TypeSyncStatus:
		return h.syncStatus(ctx, req)
	case transport.TypeSyncNow:
		if h.sync == nil {
			return errorResponse(id, ErrSyncDisabled, nil)
		}
		h.sync.Trigger()
		return h.result(id, map[string]bool{"triggered": true})
	default:
		return transport.NewError(id, transport.CodeUnknownType, "unknown message type: "+string(req.Type), nil)
	}
}

func (h *Handler) logOutreach(ctx context.Context, req transport.Request) transport.Response {
	var params LogOutreachParams
	if err := decodeParams(req, &params); err != nil {
		return errorResponse(req.CorrelationID, err, nil)
	}
	in := activity.OutreachRequest{
		Account:  params.Account,
		Operator: h.resolveOperator(ctx, params.Operator, params.Account),
		Target:   params.Target,
		Message:  params.Message,
		Excluded: params.Excluded,
		Force:    params.Force,
		SentAt:   timeValue(params.SentAt),
	}
	if err := activity.ValidateOutreach(in); err != nil {
		return errorResponse(req.CorrelationID, err, nil)
	}

	var res *activity.CaptureResult
	err := h.write(ctx, "log_outreach", func(ctx context.Context) error {
		var err error
		res, err = h.activity.LogOutreach(ctx, in)
		return err
	})
	if errors.Is(err, activity.ErrSafetyBlock) {
		return errorResponse(req.CorrelationID, err, res)
	}
	if err != nil {
		return h.failure(req, err)
	}
	return h.result(req.CorrelationID, res)
}

func (h *Handler) updateTarget(ctx context.Context, req transport.Request) transport.Response {
	var params UpdateTargetParams
	if err := decodeParams(req, &params); err != nil {
		return errorResponse(req.CorrelationID, err, nil)
	}
	in := activity.StatusChangeRequest{
		Account:  params.Account,
		Operator: h.resolveOperator(ctx, params.Operator, params.Account),
		Target:   params.Target,
		Status:   params.Status,
		Notes:    params.Notes,
	}
	if err := activity.ValidateStatusChange(in); err != nil {
		return errorResponse(req.CorrelationID, err, nil)
	}

	var res *activity.CaptureResult
	err := h.write(ctx, "update_target", func(ctx context.Context) error {
		var err error
		res, err = h.activity.UpdateTargetStatus(ctx, in)
		return err
	})
	if err != nil {
		return h.failure(req, err)
	}
	return h.result(req.CorrelationID, res)
}

func (h *Handler) switchAccount(ctx context.Context, req transport.Request) transport.Response {
	var params SwitchAccountParams
	if err := decodeParams(req, &params); err != nil {
		return errorResponse(req.CorrelationID, err, nil)
	}
	account := activity.NormalizeUsername(params.Account)
	operator := h.resolveOperator(ctx, params.Operator, account)

	if err := activity.ValidateAccountSwitch(activity.AccountSwitchRequest{Operator: operator, New: account}); err != nil {
		return errorResponse(req.CorrelationID, err, nil)
	}

	// Switches run one at a time on the writer, so the session read here is
	// the state the record describes. The session is saved only once the
	// record is durable.
	var (
		res *activity.CaptureResult
		sw  session.Switch
	)
	err := h.write(ctx, "switch_account", func(ctx context.Context) error {
		old := h.sessions.Current().ActiveAccount
		var err error
		res, err = h.activity.SwitchAccount(ctx, activity.AccountSwitchRequest{
			Operator: operator,
			Old:      old,
			New:      account,
		})
		if err != nil {
			return err
		}
		if sw, err = h.sessions.SwitchAccount(account); err != nil {
			h.logger.Error("account switch recorded but session not saved",
				"local_id", res.LocalID, "new", account, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return h.failure(req, err)
	}

	if h.broadcaster != nil {
		h.broadcaster.Broadcast(transport.EventAccountChanged, AccountChangedEvent{Old: sw.Old, New: sw.New, Operator: operator})
	}
	return h.result(req.CorrelationID, SwitchAccountResult{CaptureResult: *res, Session: h.sessions.Current()})
}

func (h *Handler) preflight(ctx context.Context, req transport.Request) transport.Response {
	var params PreflightParams
	if err := decodeParams(req, &params); err != nil {
		return errorResponse(req.CorrelationID, err, nil)
	}
	operator := h.resolveOperator(ctx, params.Operator, params.Account)
	preview, err := h.activity.Preflight(ctx, params.Account, operator, params.Target)
	if err != nil {
		return h.failure(req, err)
	}
	return h.result(req.CorrelationID, preview)
}

func (h *Handler) getTarget(ctx context.Context, req transport.Request) transport.Response {
	var params GetTargetParams
	if err := decodeParams(req, &params); err != nil {
		return errorResponse(req.CorrelationID, err, nil)
	}
	username := activity.NormalizeUsername(params.Username)
	if !activity.ValidUsername(username) {
		return errorResponse(req.CorrelationID, &activity.ValidationError{Field: "username", Reason: "invalid username"}, nil)
	}
	t, err := h.references.GetTarget(ctx, username)
	if err != nil {
		return h.failure(req, err)
	}
	return h.result(req.CorrelationID, GetTargetResult{Target: t})
}

func (h *Handler) syncStatus(ctx context.Context, req transport.Request) transport.Response {
	if h.sync == nil {
		pending, err := h.references.CountUnsynced(ctx)
		if err != nil {
			return h.failure(req, err)
		}
		return h.result(req.CorrelationID, SyncStatusResult{Pending: pending})
	}
	status, err := h.sync.Report(ctx)
	if err != nil {
		return h.failure(req, err)
	}
	return h.result(req.CorrelationID, SyncStatusResult{Enabled: true, Pending: status.Pending, Status: &status})
}

// write runs fn on the writer queue. When the caller's context ends first,
// the job may still run but its outputs must not be read.
func (h *Handler) write(ctx context.Context, name string, fn queue.Job) error {
	if id, ok := transport.CorrelationIDFromContext(ctx); ok {
		name += "/" + id
	}
	err := h.writer.Do(ctx, name, fn)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return errResponseLost
	}
	return err
}

var errResponseLost = errors.New("caller went away before the write completed")

// resolveOperator picks the request operator, then the session operator,
// then the operator that owns the cached account.
func (h *Handler) resolveOperator(ctx context.Context, requested, account string) string {
	if requested != "" {
		return requested
	}
	if h.sessions != nil {
		if op := h.sessions.OperatorID(); op != "" {
			return op
		}
	}
	if account = activity.NormalizeUsername(account); account == "" {
		return ""
	}
	acct, err := h.references.GetAccount(ctx, account)
	if err != nil {
		return ""
	}
	return acct.OperatorID
}

func (h *Handler) result(id string, data any) transport.Response {
	resp, err := transport.NewResult(id, data)
	if err != nil {
		h.logger.Error("encoding gate response", "error", err)
		return transport.NewError(id, transport.CodeInternal, "internal error", nil)
	}
	return resp
}

func (h *Handler) failure(req transport.Request, err error) transport.Response {
	if MapError(err) == transport.CodeInternal {
		h.logger.Error("gate request failed", "type", req.Type, "correlation_id", req.CorrelationID, "error", err)
	} else {
		h.logger.Debug("gate request refused", "type", req.Type, "correlation_id", req.CorrelationID, "error", err)
	}
	return errorResponse(req.CorrelationID, err, nil)
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// LatencyHint is the documented response bound for a message type.
func LatencyHint(t transport.MessageType) time.Duration {
	switch t {
	case transport.TypeLogOutreach, transport.TypeUpdateTarget, transport.TypeSwitchAccount:
		return 5 * time.Second
	default:
		return 2 * time.Second
	}
}
