package toolbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "Echoes input",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handler: func(_ context.Context, input json.RawMessage) (string, error) {
			return string(input), nil
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	tb := New()
	assert.Empty(t, tb.Tools())

	tb.Register(echoTool("echo"))

	got, ok := tb.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", got.Name)

	_, ok = tb.Get("missing")
	assert.False(t, ok)
}

func TestToolsSortedByName(t *testing.T) {
	tb := New()
	tb.Register(echoTool("pbx_status"), echoTool("disconnect_call"), echoTool("list_active_calls"))

	names := make([]string, 0, 3)
	for _, tool := range tb.Tools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"disconnect_call", "list_active_calls", "pbx_status"}, names)
}

func TestRegisterReplaces(t *testing.T) {
	tb := New()
	tb.Register(echoTool("echo"))

	replaced := echoTool("echo")
	replaced.Description = "v2"
	tb.Register(replaced)

	got, _ := tb.Get("echo")
	assert.Equal(t, "v2", got.Description)
	assert.Len(t, tb.Tools(), 1)
}

func TestCall(t *testing.T) {
	tb := New()
	tb.Register(echoTool("echo"), Tool{
		Name: "fail",
		Handler: func(context.Context, json.RawMessage) (string, error) {
			return "", errors.New("pbx unreachable")
		},
	})

	res := tb.Call(context.Background(), "echo", json.RawMessage(`{"call_id":"s-1"}`))
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"call_id":"s-1"}`, res.Text)

	res = tb.Call(context.Background(), "fail", nil)
	assert.True(t, res.IsError)
	assert.Equal(t, "pbx unreachable", res.Text)

	res = tb.Call(context.Background(), "missing", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "missing")
}

func TestArgs(t *testing.T) {
	type input struct {
		CallID string `json:"call_id"`
	}

	got, err := Args[input](json.RawMessage(`{"call_id":"s-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "s-1", got.CallID)

	got, err = Args[input](nil)
	require.NoError(t, err)
	assert.Empty(t, got.CallID)

	_, err = Args[input](json.RawMessage(`[1,2]`))
	require.Error(t, err)
}

func TestJSON(t *testing.T) {
	out, err := JSON(map[string]int{"count": 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":2}`, out)

	_, err = JSON(make(chan int))
	require.Error(t, err)
}
