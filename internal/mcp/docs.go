package mcp

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverInstructions = `outpost captures outreach activity on this machine and syncs it to the central store.

These tools are read-only. Captures happen through the browser integration and the local gate; nothing here writes.

- sync_status: is sync healthy, how many records are waiting, when is the next attempt.
- get_recent_activity: what was captured recently (filter by account, target, kind, unsynced_only).
- get_target: cached status and exclusion of a prospect.
- preflight: the PASS/WARN/BLOCK verdict an outreach from an account would get right now.
- current_session: operator identity and active acting account.

Docs:
- outpost://docs/gate-protocol
- outpost://docs/sync
`

type docResource struct {
	URI         string
	Name        string
	Title       string
	Description string
	Content     string
}

var docResources = []docResource{
	{
		URI:         "outpost://docs/gate-protocol",
		Name:        "gate_protocol",
		Title:       "Gate wire protocol",
		Description: "Message types, framing and error codes of the local messaging gate.",
		Content: `# Gate wire protocol

Every message is a JSON object in a length-prefixed frame. Gate sockets use a
4-byte big-endian length; the native messaging bridge uses 4-byte
little-endian. Bodies are limited to 1 MiB.

## Requests

` + "`{\"type\": T, \"payload\": {...}, \"correlationId\": \"...\"}`" + `

| type | effect |
|---|---|
| PING | health check, answered with PONG |
| AUTH | first frame when the gate requires a shared key |
| LOG_OUTREACH | evaluate safety rules, then append an outreach record |
| UPDATE_TARGET | append a status_change record |
| SWITCH_ACCOUNT | persist the active account and append a system record |
| PREFLIGHT | verdict only, nothing written |
| GET_TARGET | cached target lookup |
| SYNC_STATUS | sync engine snapshot |
| SYNC_NOW | start a sync cycle early |

## Responses

` + "`{\"success\": bool, \"data\": ..., \"error\": \"...\", \"errorCode\": C, \"correlationId\": \"...\"}`" + `

Error codes: VALIDATION_ERROR, SAFETY_BLOCK, STORE_UNAVAILABLE, STORE_CORRUPT,
SERVICE_UNAVAILABLE, UNAUTHORIZED, UNKNOWN_TYPE, INTERNAL.

A BLOCK verdict is not written unless the request sets force. A WARN verdict
is written and returned with its reasons.

## Notifications

` + "`{\"type\": \"NOTIFY\", \"payload\": {\"event\": E, \"data\": ...}}`" + ` is pushed to
every connected session: ACCOUNT_CHANGED, SYNC_STATUS, REFERENCE_UPDATED.
`,
	},
	{
		URI:         "outpost://docs/sync",
		Name:        "sync",
		Title:       "Sync engine",
		Description: "How local records reach central and how reference data comes back.",
		Content: `# Sync engine

## Push

Unsynced records are sent in batches, oldest first. Central deduplicates by
client_key, so a record pushed twice still has one canonical row. Accepted
records get their canonical id locally. Rejected records stay unsynced with
the rejection reason in last_push_error and are retried next cycle.

## Pull

Accounts, safety rules and targets are pulled with last_modified greater than
the stored watermark. The new watermark is the largest last_modified among
the returned rows, never the local clock. An empty pull leaves it unchanged.

## Failures

Network failures back off exponentially up to the configured maximum.
Authentication or schema errors stop the engine (fatal: true in
sync_status) until it is restarted.
`,
	},
}

func registerDocResources(server *sdkmcp.Server) {
	for _, doc := range docResources {
		server.AddResource(&sdkmcp.Resource{
			URI:         doc.URI,
			Name:        doc.Name,
			Title:       doc.Title,
			Description: doc.Description,
			MIMEType:    "text/markdown",
			Size:        int64(len(doc.Content)),
		}, func(_ context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
			uri := doc.URI
			if req != nil && req.Params != nil && req.Params.URI != "" {
				uri = req.Params.URI
			}
			return &sdkmcp.ReadResourceResult{
				Contents: []*sdkmcp.ResourceContents{{
					URI:      uri,
					MIMEType: "text/markdown",
					Text:     doc.Content,
				}},
			}, nil
		})
	}
}
