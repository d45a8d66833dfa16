package mcp

import (
	"context"
	"fmt"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/gate"
)

const (
	defaultActivityLimit = 20
	maxActivityLimit     = 200
)

func registerTools(server *sdkmcp.Server, services Services) {
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "sync_status",
		Description: "Report sync engine state and the number of records waiting to be pushed to central.",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, _ emptyInput) (*sdkmcp.CallToolResult, syncStatusOutput, error) {
		if services.Sync == nil {
			pending, err := services.References.CountUnsynced(ctx)
			if err != nil {
				return nil, syncStatusOutput{}, toolError("sync_status", err)
			}
			return nil, syncStatusOutput{Pending: pending}, nil
		}
		status, err := services.Sync.Report(ctx)
		if err != nil {
			return nil, syncStatusOutput{}, toolError("sync_status", err)
		}
		return nil, syncStatusOutput{
			Enabled:             true,
			State:               string(status.State),
			Pending:             status.Pending,
			Pushed:              status.Pushed,
			Rejected:            status.Rejected,
			ConsecutiveFailures: status.ConsecutiveFailures,
			LastSuccess:         formatTime(status.LastSuccess),
			LastPull:            formatTime(status.LastPull),
			LastPush:            formatTime(status.LastPush),
			NextAttempt:         formatTime(status.NextAttempt),
			LastError:           status.LastError,
			Fatal:               status.Fatal,
			Pull:                toPhaseView(status.Pull),
			Push:                toPhaseView(status.Push),
		}, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_recent_activity",
		Description: "List captured activity, newest first. Message text is never included.",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in recentActivityInput) (*sdkmcp.CallToolResult, recentActivityOutput, error) {
		opts := activity.ListOptions{
			Account:      activity.NormalizeUsername(in.Account),
			Target:       activity.NormalizeUsername(in.Target),
			UnsyncedOnly: in.UnsyncedOnly,
			Limit:        clampLimit(in.Limit),
		}
		if in.Kind != "" {
			kind := activity.Kind(in.Kind)
			if !kind.Valid() {
				return nil, recentActivityOutput{}, fmt.Errorf("get_recent_activity: unknown kind %q", in.Kind)
			}
			opts.Kind = &kind
		}
		records, err := services.Activity.GetRecentActivity(ctx, opts)
		if err != nil {
			return nil, recentActivityOutput{}, toolError("get_recent_activity", err)
		}
		out := recentActivityOutput{Records: make([]activityEntry, 0, len(records))}
		for _, r := range records {
			out.Records = append(out.Records, toActivityEntry(r))
		}
		return nil, out, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_target",
		Description: "Look up a target in the local reference cache.",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in getTargetInput) (*sdkmcp.CallToolResult, getTargetOutput, error) {
		username := activity.NormalizeUsername(in.Username)
		if !activity.ValidUsername(username) {
			return nil, getTargetOutput{}, fmt.Errorf("get_target: invalid username %q", in.Username)
		}
		cached, err := services.References.GetTarget(ctx, username)
		if err != nil {
			return nil, getTargetOutput{}, toolError("get_target", err)
		}
		return nil, getTargetOutput{Found: cached != nil, Target: toTargetView(cached)}, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "preflight",
		Description: "Evaluate the safety verdict an outreach from account would receive now. Nothing is written.",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in preflightInput) (*sdkmcp.CallToolResult, preflightOutput, error) {
		preview, err := services.Activity.Preflight(ctx, in.Account, getOperatorID(ctx), in.Target)
		if err != nil {
			return nil, preflightOutput{}, toolError("preflight", err)
		}
		return nil, preflightOutput{
			Verdict:  preview.Verdict.Level.String(),
			Reasons:  preview.Verdict.Reasons,
			RuleIDs:  preview.Verdict.RuleIDs,
			Redacted: preview.Redacted,
			Target:   toTargetView(preview.Target),
		}, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "current_session",
		Description: "Show the operator identity and the active acting account.",
	}, func(_ context.Context, _ *sdkmcp.CallToolRequest, _ emptyInput) (*sdkmcp.CallToolResult, sessionOutput, error) {
		state := services.Sessions.Current()
		return nil, sessionOutput{
			OperatorID:    state.OperatorID,
			ActiveAccount: state.ActiveAccount,
			KnownAccounts: state.KnownAccounts,
			UpdatedAt:     formatTime(state.UpdatedAt),
		}, nil
	})
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultActivityLimit
	case n > maxActivityLimit:
		return maxActivityLimit
	}
	return n
}

// toolError prefixes err with the gate error code so clients see the same
// taxonomy on both surfaces.
func toolError(tool string, err error) error {
	return fmt.Errorf("%s: %s: %w", tool, gate.MapError(err), err)
}
