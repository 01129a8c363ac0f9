package observer

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialObserver(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	return conn
}

func readInbound(t *testing.T, conn *websocket.Conn) (Inbound, []byte) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg Inbound
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg, data
}

func TestHandler_GreetsAndAnswersPing(t *testing.T) {
	r := New(Options{})
	srv := httptest.NewServer(r.Handler(false, nil))
	defer srv.Close()

	conn := dialObserver(t, srv)

	msg, _ := readInbound(t, conn)
	assert.Equal(t, TypeConnected, msg.Type)

	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"ping"}`)))
	msg, _ = readInbound(t, conn)
	assert.Equal(t, TypePong, msg.Type)
}

func TestHandler_ReceivesBroadcasts(t *testing.T) {
	r := New(Options{})
	srv := httptest.NewServer(r.Handler(true, nil))
	defer srv.Close()

	conn := dialObserver(t, srv)
	readInbound(t, conn)

	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, 5*time.Millisecond)
	r.Broadcast(CallStarted{Type: TypeCallStarted, CallID: "s-1", ChannelID: "ch-1", CallerNumber: "100"})

	msg, data := readInbound(t, conn)
	assert.Equal(t, TypeCallStarted, msg.Type)
	assert.Equal(t, "s-1", msg.CallID)
	assert.Contains(t, string(data), `"callerNumber":"100"`)
}

func TestHandler_UnregistersOnClose(t *testing.T) {
	r := New(Options{})
	srv := httptest.NewServer(r.Handler(false, nil))
	defer srv.Close()

	conn := dialObserver(t, srv)
	readInbound(t, conn)
	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestOriginPatterns(t *testing.T) {
	got := OriginPatterns([]string{"http://localhost:3000", "https://ops.example.com", "*.internal"})
	assert.Equal(t, []string{"localhost:3000", "ops.example.com", "*.internal"}, got)
}
