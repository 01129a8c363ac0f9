package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/germanamz/callrelay/pkg/tools/toolbox"
)

func testBox() *toolbox.ToolBox {
	tb := toolbox.New()
	tb.Register(
		toolbox.Tool{
			Name:        "list_active_calls",
			Description: "Lists calls",
			InputSchema: json.RawMessage(`{"type":"object"}`),
			Handler: func(context.Context, json.RawMessage) (string, error) {
				return `{"count":0}`, nil
			},
		},
		toolbox.Tool{
			Name:        "disconnect_call",
			Description: "Hangs up",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"call_id":{"type":"string"}}}`),
			Handler: func(_ context.Context, input json.RawMessage) (string, error) {
				args, err := toolbox.Args[struct {
					CallID string `json:"call_id"`
				}](input)
				if err != nil {
					return "", err
				}
				if args.CallID == "" {
					return "", errors.New("call_id is required")
				}
				return "disconnected " + args.CallID, nil
			},
		},
	)
	return tb
}

// connect runs s over in-memory transports and returns a client session.
func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.run(ctx, serverTransport) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestListTools(t *testing.T) {
	session := connect(t, New("callrelay", "test", testBox(), nil))

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"list_active_calls", "disconnect_call"}, names)
}

func TestCallTool(t *testing.T) {
	session := connect(t, New("callrelay", "test", testBox(), nil))

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "disconnect_call",
		Arguments: map[string]any{"call_id": "s-1"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "disconnected s-1", text(t, res))
}

func TestCallToolError(t *testing.T) {
	session := connect(t, New("callrelay", "test", testBox(), nil))

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "disconnect_call",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "call_id is required", text(t, res))
}

func TestCallUnknownTool(t *testing.T) {
	session := connect(t, New("callrelay", "test", testBox(), nil))

	_, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: "missing"})
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New("callrelay", "test", toolbox.New(), nil)
	serverTransport, _ := mcp.NewInMemoryTransports()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.run(ctx, serverTransport), context.Canceled)
}
