package gate

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rpggio/outpost/internal/transport"
	"github.com/stretchr/testify/require"
)

func TestBridge_ForwardsNativeFrames(t *testing.T) {
	s := newStack(t)
	srv, _ := startServer(t, s, "")
	c := newTestClient(t, srv.Addr(), "")

	var in bytes.Buffer
	require.NoError(t, transport.NativeFramer.WriteJSON(&in, transport.Request{Type: transport.TypePing, CorrelationID: "p1"}))
	require.NoError(t, transport.NativeFramer.WriteFrame(&in, []byte(`not json`)))

	var out bytes.Buffer
	require.NoError(t, NewBridge(c, &in, &out, nil).Run(context.Background()))

	got := map[string]transport.Response{}
	for out.Len() > 0 {
		body, err := transport.NativeFramer.ReadFrame(&out)
		require.NoError(t, err)
		resp, _, err := transport.DecodeInbound(body)
		require.NoError(t, err)
		got[string(resp.ErrorCode)] = *resp
	}
	require.Len(t, got, 2)
	require.Equal(t, "p1", got[""].CorrelationID)
	require.JSONEq(t, `"PONG"`, string(got[""].Data))
	require.False(t, got[string(transport.CodeValidation)].Success)
}

func TestBridge_UnavailableGate(t *testing.T) {
	c := NewClient(ClientOptions{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	defer c.Close()

	var in, out bytes.Buffer
	require.NoError(t, transport.NativeFramer.WriteJSON(&in, transport.Request{Type: transport.TypeSyncStatus, CorrelationID: "s1"}))
	require.NoError(t, NewBridge(c, &in, &out, nil).Run(context.Background()))

	body, err := transport.NativeFramer.ReadFrame(&out)
	require.NoError(t, err)
	resp, _, err := transport.DecodeInbound(body)
	require.NoError(t, err)
	require.Equal(t, "s1", resp.CorrelationID)
	require.Equal(t, transport.CodeServiceUnavailable, resp.ErrorCode)
}
