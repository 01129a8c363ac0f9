// Package restclient provides the JSON-over-HTTP and WebSocket plumbing shared
// by every outbound integration of the relay: the PBX control interface, the
// session-processing backend and the relay's own control plane. A Client
// carries the base URLs, authentication and extra headers so callers only deal
// in paths and payloads.
package restclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// StatusError is returned when the remote side answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Auth holds authentication settings applied to every request and dial.
type Auth struct {
	Key    string // Credential value.
	Header string // Header name (default: "Authorization").
	Scheme string // Scheme prefix (default: "Bearer" when Header is "Authorization").
}

// BearerAuth returns an Auth sending "Authorization: Bearer <token>".
func BearerAuth(token string) Auth {
	return Auth{Key: token}
}

// BasicAuth returns an Auth sending HTTP basic credentials.
func BasicAuth(username, password string) Auth {
	return Auth{
		Key:    base64.StdEncoding.EncodeToString([]byte(username + ":" + password)),
		Scheme: "Basic",
	}
}

// header returns the header name and value for a, or empty strings when no
// credential is configured.
func (a Auth) header() (string, string) {
	if a.Key == "" {
		return "", ""
	}

	name := a.Header
	if name == "" {
		name = "Authorization"
	}

	value := a.Key
	if name == "Authorization" {
		scheme := a.Scheme
		if scheme == "" {
			scheme = "Bearer"
		}

		value = scheme + " " + value
	} else if a.Scheme != "" {
		value = a.Scheme + " " + value
	}

	return name, value
}

// Client is a small JSON/WebSocket client bound to one remote service.
type Client struct {
	BaseURL   string            // HTTP base URL (no trailing slash).
	WSBaseURL string            // WebSocket base URL; derived from BaseURL when empty.
	Auth      Auth              // Authentication settings.
	Client    *http.Client      // HTTP client; falls back to a default with a 30s timeout.
	Headers   map[string]string // Extra headers applied to every request.

	clientOnce    sync.Once
	defaultClient *http.Client
}

// New creates a Client with the given settings.
// A nil client falls back to a default client at call time.
func New(baseURL string, auth Auth, client *http.Client) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Auth:    auth,
		Client:  client,
	}
}

// httpClient returns the configured client or a cached default client.
func (c *Client) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}

	c.clientOnce.Do(func() {
		c.defaultClient = &http.Client{Timeout: 30 * time.Second}
	})

	return c.defaultClient
}

// NewRequest builds an *http.Request with the base URL, auth, and custom
// headers already applied.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}

	c.applyHeaders(req.Header)

	return req, nil
}

func (c *Client) applyHeaders(h http.Header) {
	if name, value := c.Auth.header(); name != "" {
		h.Set(name, value)
	}

	for k, v := range c.Headers {
		h.Set(k, v)
	}
}

// Do sends the request using the configured HTTP client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient().Do(req) //nolint:gosec // URL is built from trusted BaseURL config, not user input.
}

// DoJSON sends payload as a JSON body (no body when payload is nil), checks
// for a 2xx status, and unmarshals the response body into dest. If dest is
// nil the response body is discarded after the status check. Non-2xx answers
// are reported as *StatusError.
func (c *Client) DoJSON(ctx context.Context, method, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if dest == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// PostJSON is DoJSON with the POST method.
func (c *Client) PostJSON(ctx context.Context, path string, payload, dest any) error {
	return c.DoJSON(ctx, http.MethodPost, path, payload, dest)
}

// GetJSON is DoJSON with the GET method and no request body.
func (c *Client) GetJSON(ctx context.Context, path string, dest any) error {
	return c.DoJSON(ctx, http.MethodGet, path, nil, dest)
}

// wsURL returns the WebSocket URL for path. WSBaseURL wins when set;
// otherwise https becomes wss and http becomes ws. URLs that already use
// ws/wss are left unchanged.
func (c *Client) wsURL(path string) string {
	if c.WSBaseURL != "" {
		return strings.TrimRight(c.WSBaseURL, "/") + path
	}

	u := c.BaseURL + path

	if strings.HasPrefix(u, "https://") {
		return "wss://" + u[len("https://"):]
	}

	if strings.HasPrefix(u, "http://") {
		return "ws://" + u[len("http://"):]
	}

	return u
}

// DialWS establishes a WebSocket connection to the given path with auth and
// custom headers applied. It returns the WebSocket connection and the HTTP
// response from the handshake.
func (c *Client) DialWS(ctx context.Context, path string) (*websocket.Conn, *http.Response, error) {
	h := make(http.Header)
	c.applyHeaders(h)

	conn, resp, err := websocket.Dial(ctx, c.wsURL(path), &websocket.DialOptions{
		HTTPClient: c.httpClient(),
		HTTPHeader: h,
	})
	if err != nil {
		return nil, resp, fmt.Errorf("dial websocket: %w", err)
	}

	return conn, resp, nil
}
