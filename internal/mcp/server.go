// Package mcp exposes read-only operator tools over the Model Context Protocol.
package mcp

import (
	"context"
	"log/slog"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/session"
	"github.com/rpggio/outpost/internal/domain/target"
	"github.com/rpggio/outpost/internal/syncer"
)

// ActivityService defines activity operations needed by MCP.
type ActivityService interface {
	Preflight(ctx context.Context, account, operator, targetName string) (*activity.Preview, error)
	GetRecentActivity(ctx context.Context, opts activity.ListOptions) ([]activity.Record, error)
}

// ReferenceReader defines cached reference lookups needed by MCP.
type ReferenceReader interface {
	GetTarget(ctx context.Context, username string) (*target.Target, error)
	CountUnsynced(ctx context.Context) (int, error)
}

// SessionReader exposes the operator session.
type SessionReader interface {
	OperatorID() string
	Current() session.State
}

// SyncReporter reports sync engine state.
type SyncReporter interface {
	Report(ctx context.Context) (syncer.Status, error)
}

// Services contains all domain services needed by MCP. Sync may be nil.
type Services struct {
	Activity   ActivityService
	References ReferenceReader
	Sessions   SessionReader
	Sync       SyncReporter
}

// Config contains server configuration.
type Config struct {
	Services Services
	Version  string
	Logger   *slog.Logger
}

// NewServer creates and configures an MCP server with all tools and middleware.
func NewServer(cfg Config) *sdkmcp.Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "outpost",
		Version: cfg.Version,
	}, &sdkmcp.ServerOptions{
		Instructions: serverInstructions,
		Logger:       cfg.Logger,
	})

	registerDocResources(server)

	operator := ""
	if cfg.Services.Sessions != nil {
		operator = cfg.Services.Sessions.OperatorID()
	}
	server.AddReceivingMiddleware(operatorMiddleware(operator))
	server.AddReceivingMiddleware(trafficLoggingMiddleware(cfg.Logger, "inbound"))
	server.AddSendingMiddleware(trafficLoggingMiddleware(cfg.Logger, "outbound"))

	registerTools(server, cfg.Services)

	return server
}

// Run serves MCP over stdio until ctx ends or the client disconnects.
func Run(ctx context.Context, cfg Config) error {
	return NewServer(cfg).Run(ctx, &sdkmcp.StdioTransport{})
}
