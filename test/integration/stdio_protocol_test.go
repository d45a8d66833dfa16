package integration_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

func outpostBinary(t *testing.T) string {
	t.Helper()
	for _, path := range []string{"./bin/outpost", "../../bin/outpost"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	t.Skip("outpost binary not found. Build it with: go build -o bin/outpost ./cmd/outpost")
	return ""
}

func mcpCommand(ctx context.Context, t *testing.T) *exec.Cmd {
	t.Helper()
	dir := t.TempDir()
	cmd := exec.CommandContext(ctx, outpostBinary(t), "mcp")
	cmd.Env = append(os.Environ(),
		"OUTPOST_DB_PATH="+filepath.Join(dir, "outpost.db"),
		"OUTPOST_STATE_PATH="+filepath.Join(dir, "session.json"),
		"OUTPOST_OPERATOR_ID=OPR_1",
		"OUTPOST_LOG_LEVEL=debug",
	)
	return cmd
}

// TestStdioProtocolCompliance drives `outpost mcp` with the SDK client.
func TestStdioProtocolCompliance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &sdkmcp.CommandTransport{Command: mcpCommand(ctx, t)}, nil)
	require.NoError(t, err, "failed to connect to server")
	defer session.Close()

	t.Run("ServerInfo", func(t *testing.T) {
		initResult := session.InitializeResult()
		require.NotNil(t, initResult)
		require.Equal(t, "outpost", initResult.ServerInfo.Name)
	})

	t.Run("ListTools", func(t *testing.T) {
		tools, err := session.ListTools(ctx, nil)
		require.NoError(t, err)
		names := map[string]bool{}
		for _, tool := range tools.Tools {
			names[tool.Name] = true
		}
		for _, name := range []string{"sync_status", "get_recent_activity", "get_target", "preflight", "current_session"} {
			require.True(t, names[name], "missing tool %s", name)
		}
	})

	t.Run("CallSyncStatus", func(t *testing.T) {
		result, err := session.CallTool(ctx, &sdkmcp.CallToolParams{Name: "sync_status", Arguments: map[string]any{}})
		require.NoError(t, err)
		require.False(t, result.IsError, "sync_status returned error: %v", result.Content)
	})

	t.Run("CallPreflight", func(t *testing.T) {
		result, err := session.CallTool(ctx, &sdkmcp.CallToolParams{
			Name:      "preflight",
			Arguments: map[string]any{"account": "agency_one"},
		})
		require.NoError(t, err)
		require.False(t, result.IsError, "preflight returned error: %v", result.Content)
		text, ok := result.Content[0].(*sdkmcp.TextContent)
		require.True(t, ok)
		require.Contains(t, text.Text, `"verdict":"PASS"`)
	})
}

// TestStdioProtocol_StdoutHygiene checks that stdout carries only JSON-RPC
// while debug logs go to stderr.
func TestStdioProtocol_StdoutHygiene(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := mcpCommand(ctx, t)
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	stderr, err := cmd.StderrPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	initReq := `{"jsonrpc":"2.0","method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}},"id":1}`
	_, err = stdin.Write([]byte(initReq + "\n"))
	require.NoError(t, err)

	done := make(chan struct{})
	var stdoutBytes, stderrBytes []byte
	go func() {
		stdoutBytes, _ = readWithTimeout(stdout, 2*time.Second)
		stderrBytes, _ = readWithTimeout(stderr, 2*time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("timeout waiting for server response")
	}

	_ = stdin.Close()
	_ = cmd.Process.Kill()
	_ = cmd.Wait()

	require.NotEmpty(t, stdoutBytes, "server produced no stdout output")
	require.Equal(t, byte('{'), stdoutBytes[0], "stdout must start with JSON, got %q", string(stdoutBytes[:min(50, len(stdoutBytes))]))
	require.NotEmpty(t, stderrBytes, "debug logs go to stderr")
}

func readWithTimeout(r interface{ Read([]byte) (int, error) }, timeout time.Duration) ([]byte, error) {
	result := make([]byte, 0, 4096)
	buf := make([]byte, 1024)

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		done := make(chan struct{})
		var n int
		var err error
		go func() {
			n, err = r.Read(buf)
			close(done)
		}()

		select {
		case <-done:
			if n > 0 {
				result = append(result, buf[:n]...)
			}
			if err != nil {
				return result, err
			}
		case <-time.After(100 * time.Millisecond):
			if len(result) > 0 {
				return result, nil
			}
		}
	}
	return result, nil
}
