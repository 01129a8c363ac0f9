package relayclient_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/germanamz/callrelay/pkg/httpapi"
	"github.com/germanamz/callrelay/pkg/observer"
	"github.com/germanamz/callrelay/pkg/orchestrator"
	"github.com/germanamz/callrelay/pkg/registry"
	"github.com/germanamz/callrelay/pkg/relayclient"
	"github.com/germanamz/callrelay/pkg/restclient"
	"github.com/germanamz/callrelay/pkg/signaling"
)

type stubCalls struct{}

func (stubCalls) ListActive() []registry.Snapshot {
	return []registry.Snapshot{{CallID: "s-1", ChannelID: "ch-1", Status: registry.StateActive}}
}
func (stubCalls) ActiveCount() int { return 1 }

func (stubCalls) DisconnectCall(_ context.Context, id string) error {
	if id != "s-1" {
		return orchestrator.ErrSessionNotFound
	}
	return nil
}

func (stubCalls) Originate(context.Context, signaling.OriginateRequest) (string, error) {
	return "orig-1", nil
}

type stubPBX struct{}

func (stubPBX) Connected() bool        { return true }
func (stubPBX) ReconnectAttempts() int { return 0 }

func newRelay(t *testing.T) *relayclient.Client {
	t.Helper()

	srv := httptest.NewServer(httpapi.NewHandler(httpapi.Options{
		Calls:     stubCalls{},
		PBX:       stubPBX{},
		Observers: observer.New(observer.Options{}),
		PBXHost:   "pbx.local",
		ARIPort:   8088,
		AppName:   "callrelay",
	}))
	t.Cleanup(srv.Close)

	return relayclient.New(srv.URL, nil)
}

func TestClient_RoundTrips(t *testing.T) {
	c := newRelay(t)
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Asterisk.Connected)
	assert.Equal(t, 1, health.ActiveCalls)

	active, err := c.ActiveCalls(ctx)
	require.NoError(t, err)
	require.Len(t, active.Calls, 1)
	assert.Equal(t, "s-1", active.Calls[0].CallID)

	disc, err := c.Disconnect(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", disc.CallID)

	orig, err := c.Originate(ctx, httpapi.OriginateRequest{PhoneNumber: "0300000000"})
	require.NoError(t, err)
	assert.Equal(t, "orig-1", orig.ChannelID)

	status, err := c.PBXStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pbx.local", status.Host)
}

func TestClient_SurfacesStatus(t *testing.T) {
	c := newRelay(t)

	_, err := c.Disconnect(context.Background(), "missing")
	var statusErr *restclient.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestClient_Monitor(t *testing.T) {
	c := newRelay(t)

	conn, err := c.Monitor(context.Background())
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	_, data, err := conn.Read(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"connected"`)
}
