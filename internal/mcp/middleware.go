package mcp

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

type contextKey int

const operatorIDKey contextKey = iota

// getOperatorID extracts the operator from context.
func getOperatorID(ctx context.Context) string {
	v, _ := ctx.Value(operatorIDKey).(string)
	return v
}

// operatorMiddleware injects the configured operator. Stdio is local only,
// so there is nothing to authenticate.
func operatorMiddleware(operatorID string) sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			ctx = context.WithValue(ctx, operatorIDKey, operatorID)
			return next(ctx, method, req)
		}
	}
}
