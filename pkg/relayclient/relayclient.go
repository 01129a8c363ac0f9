// Package relayclient is a typed client of a running relay's control plane.
package relayclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/germanamz/callrelay/pkg/httpapi"
	"github.com/germanamz/callrelay/pkg/restclient"
)

// Client calls the relay REST surface.
type Client struct {
	rest *restclient.Client
}

// New creates a Client for the relay at baseURL ("http://host:port").
func New(baseURL string, client *http.Client) *Client {
	return &Client{rest: restclient.New(baseURL, restclient.Auth{}, client)}
}

// Health returns the relay health summary.
func (c *Client) Health(ctx context.Context) (httpapi.HealthResponse, error) {
	var out httpapi.HealthResponse
	if err := c.rest.GetJSON(ctx, "/health", &out); err != nil {
		return out, fmt.Errorf("relayclient: health: %w", err)
	}
	return out, nil
}

// ActiveCalls lists the calls in progress.
func (c *Client) ActiveCalls(ctx context.Context) (httpapi.ActiveCallsResponse, error) {
	var out httpapi.ActiveCallsResponse
	if err := c.rest.GetJSON(ctx, "/api/calls/active", &out); err != nil {
		return out, fmt.Errorf("relayclient: active calls: %w", err)
	}
	return out, nil
}

// Disconnect hangs up the call with the given session id.
func (c *Client) Disconnect(ctx context.Context, callID string) (httpapi.DisconnectResponse, error) {
	var out httpapi.DisconnectResponse
	if err := c.rest.PostJSON(ctx, "/api/calls/"+url.PathEscape(callID)+"/disconnect", nil, &out); err != nil {
		return out, fmt.Errorf("relayclient: disconnect %s: %w", callID, err)
	}
	return out, nil
}

// Originate places an outbound call.
func (c *Client) Originate(ctx context.Context, req httpapi.OriginateRequest) (httpapi.OriginateResponse, error) {
	var out httpapi.OriginateResponse
	if err := c.rest.PostJSON(ctx, "/api/calls/originate", req, &out); err != nil {
		return out, fmt.Errorf("relayclient: originate: %w", err)
	}
	return out, nil
}

// PBXStatus returns the PBX connectivity snapshot.
func (c *Client) PBXStatus(ctx context.Context) (httpapi.PBXStatusResponse, error) {
	var out httpapi.PBXStatusResponse
	if err := c.rest.GetJSON(ctx, "/api/asterisk/status", &out); err != nil {
		return out, fmt.Errorf("relayclient: pbx status: %w", err)
	}
	return out, nil
}

// Monitor opens a plain observer connection on /ws/monitor.
func (c *Client) Monitor(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.rest.DialWS(ctx, "/ws/monitor")
	if err != nil {
		return nil, fmt.Errorf("relayclient: monitor: %w", err)
	}
	return conn, nil
}
