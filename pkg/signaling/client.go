package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/germanamz/callrelay/pkg/restclient"
)

const (
	defaultMaxReconnectAttempts = 10
	defaultReconnectDelay       = 5 * time.Second
	eventReadLimit              = 1 << 20
)

// Config configures a Client.
type Config struct {
	BaseURL              string        // ARI base URL, e.g. "http://192.168.1.100:8088".
	Username             string        // ARI user.
	Password             string        // ARI password.
	AppName              string        // Stasis application name.
	MaxReconnectAttempts int           // Reconnect attempts before giving up (default 10).
	ReconnectDelay       time.Duration // Fixed delay between attempts (default 5s).
	HTTPClient           *http.Client  // Optional HTTP client for REST and the event stream.
	Logger               *slog.Logger  // Optional logger; defaults to slog.Default().
}

// Client is the control-plane connection to the PBX. It is safe for
// concurrent use.
type Client struct {
	cfg  Config
	rest *restclient.Client
	log  *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	loopDone chan error
	handlers []Handler

	connected atomic.Bool
	attempts  atomic.Int32

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
	// sleepFunc is used for testing; defaults to a context-aware sleep.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New creates a Client. No connection is made until Connect or Run.
func New(cfg Config) *Client {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		cfg:       cfg,
		rest:      restclient.New(cfg.BaseURL, restclient.BasicAuth(cfg.Username, cfg.Password), cfg.HTTPClient),
		log:       log.With("component", "signaling"),
		nowFunc:   time.Now,
		sleepFunc: contextSleep,
	}
}

// SetSleepFunc overrides the reconnect sleep (for testing).
func (c *Client) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	c.sleepFunc = fn
}

// contextSleep sleeps for d or until ctx is cancelled.
func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Subscribe registers h to receive every normalized event. Handlers are
// called synchronously and in registration order.
func (c *Client) Subscribe(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, h)
}

// Connected reports whether the control connection is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// ReconnectAttempts returns the number of reconnect attempts made since the
// last successful connect.
func (c *Client) ReconnectAttempts() int { return int(c.attempts.Load()) }

// AppName returns the configured Stasis application name.
func (c *Client) AppName() string { return c.cfg.AppName }

// Connect authenticates against ARI and opens the application's event
// stream. Events are not delivered until StartApplication is called.
func (c *Client) Connect(ctx context.Context) error {
	c.log.Info("connecting to pbx", "url", c.cfg.BaseURL, "app", c.cfg.AppName)

	var info map[string]any
	if err := c.rest.GetJSON(ctx, "/ari/asterisk/info", &info); err != nil {
		c.connected.Store(false)
		return &ConnectionError{Op: "authenticate", Err: err}
	}

	q := url.Values{}
	q.Set("app", c.cfg.AppName)
	q.Set("subscribeAll", "false")

	conn, _, err := c.rest.DialWS(ctx, "/ari/events?"+q.Encode())
	if err != nil {
		c.connected.Store(false)
		return &ConnectionError{Op: "subscribe", Err: err}
	}
	conn.SetReadLimit(eventReadLimit)

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.CloseNow()
	}
	c.conn = conn
	c.loopDone = nil
	c.mu.Unlock()

	c.connected.Store(true)
	c.attempts.Store(0)
	c.log.Info("connected to pbx", "app", c.cfg.AppName)

	return nil
}

// StartApplication starts delivering events from the stream opened by
// Connect. The read loop ends when the stream fails or ctx is cancelled; the
// returned channel receives the reason.
func (c *Client) StartApplication(ctx context.Context) (<-chan error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}
	if c.loopDone != nil {
		return nil, errors.New("signaling: application already started")
	}

	done := make(chan error, 1)
	c.loopDone = done
	conn := c.conn

	go func() {
		done <- c.readLoop(ctx, conn)
	}()

	c.log.Info("stasis application started", "app", c.cfg.AppName)

	return done, nil
}

// readLoop reads frames until the stream fails, dispatching each normalized
// event to every handler before reading the next frame.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	defer c.dropConn(conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("signaling: read event: %w", err)
		}

		e, ok, err := Normalize(data, c.nowFunc())
		if err != nil {
			c.log.Warn("discarding malformed event", "error", err)
			continue
		}
		if !ok {
			continue
		}

		c.log.Debug("pbx event", "kind", e.Kind, "channel_id", e.ChannelID)
		c.dispatch(e)
	}
}

func (c *Client) dispatch(e Event) {
	c.mu.Lock()
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h.HandleEvent(e)
	}
}

// dropConn marks the client disconnected if conn is still the active stream.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn {
		return
	}

	_ = conn.CloseNow()
	c.conn = nil
	c.connected.Store(false)
}

// Run connects, starts the application and keeps the event stream alive.
// After a connection loss it waits ReconnectDelay and tries again, up to
// MaxReconnectAttempts consecutive failures, after which it returns
// ErrReconnectExhausted and the client stays disconnected. Run returns
// ctx.Err() when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.connected.Store(false)

		attempt := int(c.attempts.Load())
		if attempt >= c.cfg.MaxReconnectAttempts {
			c.log.Error("maximum reconnect attempts reached", "attempts", attempt, "error", err)
			return ErrReconnectExhausted
		}

		attempt = int(c.attempts.Add(1))
		c.log.Warn("pbx connection lost; reconnecting",
			"error", err,
			"delay", c.cfg.ReconnectDelay,
			"attempt", attempt,
			"max_attempts", c.cfg.MaxReconnectAttempts,
		)

		if err := c.sleepFunc(ctx, c.cfg.ReconnectDelay); err != nil {
			return err
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	done, err := c.StartApplication(ctx)
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the event stream. A running Run loop treats this as a
// connection loss unless its context is cancelled first.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected.Store(false)
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.log.Info("closing pbx connection")

	return conn.Close(websocket.StatusNormalClosure, "shutdown")
}

// --- Commands ---

// command issues one REST call. It never retries.
func (c *Client) command(ctx context.Context, op, channelID, method, path string, query url.Values, body, dest any) error {
	if !c.Connected() {
		return &CommandError{ChannelID: channelID, Op: op, Err: ErrNotConnected}
	}

	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	if err := c.rest.DoJSON(ctx, method, path, body, dest); err != nil {
		cmdErr := &CommandError{ChannelID: channelID, Op: op, Err: err}
		var se *restclient.StatusError
		if errors.As(err, &se) {
			cmdErr.StatusCode = se.StatusCode
		}
		return cmdErr
	}

	c.log.Debug("pbx command ok", "op", op, "channel_id", channelID)

	return nil
}

// Answer answers a ringing channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.command(ctx, "answer", channelID, http.MethodPost,
		"/ari/channels/"+url.PathEscape(channelID)+"/answer", nil, nil, nil)
}

// Hangup hangs up a channel with the given reason (e.g. "normal", "congestion").
func (c *Client) Hangup(ctx context.Context, channelID, reason string) error {
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	return c.command(ctx, "hangup", channelID, http.MethodDelete,
		"/ari/channels/"+url.PathEscape(channelID), q, nil, nil)
}

// Play starts playback of mediaRef (e.g. "sound:hello-world") on a channel.
func (c *Client) Play(ctx context.Context, channelID, mediaRef string) error {
	q := url.Values{}
	q.Set("media", mediaRef)
	return c.command(ctx, "play", channelID, http.MethodPost,
		"/ari/channels/"+url.PathEscape(channelID)+"/play", q, nil, nil)
}

// StartRecording records a channel under name in the given format.
func (c *Client) StartRecording(ctx context.Context, channelID, name, format string) error {
	if format == "" {
		format = "wav"
	}

	q := url.Values{}
	q.Set("name", name)
	q.Set("format", format)
	q.Set("maxDurationSeconds", "3600")
	q.Set("maxSilenceSeconds", "10")
	q.Set("ifExists", "overwrite")
	q.Set("beep", "false")
	q.Set("terminateOn", "none")

	return c.command(ctx, "record", channelID, http.MethodPost,
		"/ari/channels/"+url.PathEscape(channelID)+"/record", q, nil, nil)
}

// StopRecording stops the live recording called name.
func (c *Client) StopRecording(ctx context.Context, name string) error {
	return c.command(ctx, "stop-recording", "", http.MethodPost,
		"/ari/recordings/live/"+url.PathEscape(name)+"/stop", nil, nil, nil)
}

// CreateBridge creates a mixing bridge with the given id.
func (c *Client) CreateBridge(ctx context.Context, bridgeID string) error {
	q := url.Values{}
	q.Set("type", "mixing")
	return c.command(ctx, "create-bridge", "", http.MethodPost,
		"/ari/bridges/"+url.PathEscape(bridgeID), q, nil, nil)
}

// DestroyBridge shuts a bridge down.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.command(ctx, "destroy-bridge", "", http.MethodDelete,
		"/ari/bridges/"+url.PathEscape(bridgeID), nil, nil, nil)
}

// AddToBridge adds a channel to a bridge.
func (c *Client) AddToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{}
	q.Set("channel", channelID)
	return c.command(ctx, "add-to-bridge", channelID, http.MethodPost,
		"/ari/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil, nil)
}

// RemoveFromBridge removes a channel from a bridge.
func (c *Client) RemoveFromBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{}
	q.Set("channel", channelID)
	return c.command(ctx, "remove-from-bridge", channelID, http.MethodPost,
		"/ari/bridges/"+url.PathEscape(bridgeID)+"/removeChannel", q, nil, nil)
}

// OriginateRequest describes an outbound call.
type OriginateRequest struct {
	PhoneNumber string
	CallerID    string
	Variables   map[string]string
}

// Originate dials PJSIP/<PhoneNumber> into the Stasis application and returns
// the provisional channel id. The call enters the relay through the usual
// session-start notification once answered.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) (string, error) {
	callerID := req.CallerID
	if callerID == "" {
		callerID = "Unknown"
	}

	q := url.Values{}
	q.Set("endpoint", "PJSIP/"+req.PhoneNumber)
	q.Set("app", c.cfg.AppName)
	q.Set("callerId", callerID)

	var body any
	if len(req.Variables) > 0 {
		body = map[string]any{"variables": req.Variables}
	}

	var ch Channel
	if err := c.command(ctx, "originate", "", http.MethodPost, "/ari/channels", q, body, &ch); err != nil {
		return "", err
	}

	return ch.ID, nil
}

// ExternalMedia creates an external media channel streaming the call audio to
// externalHost ("host:port") in the given format.
func (c *Client) ExternalMedia(ctx context.Context, channelID, externalHost, format string) (string, error) {
	q := url.Values{}
	q.Set("app", c.cfg.AppName)
	q.Set("external_host", externalHost)
	q.Set("format", format)
	if channelID != "" {
		q.Set("channelId", channelID)
	}

	var ch Channel
	if err := c.command(ctx, "external-media", channelID, http.MethodPost, "/ari/channels/externalMedia", q, nil, &ch); err != nil {
		return "", err
	}

	return ch.ID, nil
}
