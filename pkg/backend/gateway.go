// Package backend is the gateway to the session-processing backend: stateless
// JSON calls for session creation, DTMF forwarding and call end, plus one
// long-lived WebSocket (the Backend Channel) per active session.
//
// Inbound Backend Channel traffic is re-broadcast to observers. Binary frames
// are media and are reported by size only; JSON frames are passed through
// verbatim, tagged with the session and channel ids.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/germanamz/callrelay/pkg/observer"
	"github.com/germanamz/callrelay/pkg/restclient"
)

const (
	defaultOpenTimeout    = 10 * time.Second
	defaultRequestTimeout = 10 * time.Second
	channelReadLimit      = 4 << 20
)

var (
	// ErrBackendUnavailable wraps every failed request to the backend.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrChannelTimeout is returned when a Backend Channel does not open in time.
	ErrChannelTimeout = errors.New("backend channel open timed out")
	// ErrChannelExists is returned when a session already has a Backend Channel.
	ErrChannelExists = errors.New("backend channel already open")
)

// Broadcaster receives events destined for observers.
type Broadcaster interface {
	Broadcast(msg any) int
}

// Config configures a Gateway.
type Config struct {
	URL                string        // HTTP base URL of the backend.
	WSURL              string        // WebSocket base URL; derived from URL when empty.
	Token              string        // Bearer credential.
	ChannelOpenTimeout time.Duration // Bound on OpenChannel (default 10s).
	RequestTimeout     time.Duration // Bound on each JSON call (default 10s).
	HTTPClient         *http.Client
	Broadcaster        Broadcaster
	Logger             *slog.Logger
}

type channel struct {
	sessionID string
	channelID string
	conn      *websocket.Conn
	cancel    context.CancelFunc
}

// Gateway talks to the session-processing backend. It is safe for concurrent
// use.
type Gateway struct {
	rest           *restclient.Client
	broadcaster    Broadcaster
	log            *slog.Logger
	openTimeout    time.Duration
	requestTimeout time.Duration

	mu       sync.Mutex
	channels map[string]*channel

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	if cfg.ChannelOpenTimeout <= 0 {
		cfg.ChannelOpenTimeout = defaultOpenTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	rest := restclient.New(cfg.URL, restclient.BearerAuth(cfg.Token), cfg.HTTPClient)
	rest.WSBaseURL = cfg.WSURL

	return &Gateway{
		rest:           rest,
		broadcaster:    cfg.Broadcaster,
		log:            log.With("component", "backend"),
		openTimeout:    cfg.ChannelOpenTimeout,
		requestTimeout: cfg.RequestTimeout,
		channels:       make(map[string]*channel),
		nowFunc:        time.Now,
	}
}

type createSessionRequest struct {
	CallID     string `json:"call_id"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
}

// CreateSession registers a new call with the backend and returns the
// backend's session metadata.
func (g *Gateway) CreateSession(ctx context.Context, sessionID, from, to string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	var meta json.RawMessage
	err := g.rest.PostJSON(ctx, "/api/calls", createSessionRequest{
		CallID:     sessionID,
		FromNumber: from,
		ToNumber:   to,
	}, &meta)
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %w", ErrBackendUnavailable, err)
	}

	g.log.Info("backend session created", "call_id", sessionID)

	return meta, nil
}

// ForwardDtmf sends a keypad digit to the backend.
func (g *Gateway) ForwardDtmf(ctx context.Context, sessionID, digit string) Attempt {
	return g.post(ctx, "forward_dtmf", sessionID, "/dtmf", map[string]string{"digit": digit})
}

type endRequest struct {
	EndTime  time.Time `json:"end_time"`
	Duration int64     `json:"duration"`
}

// NotifyEnd tells the backend that a call ended after duration.
func (g *Gateway) NotifyEnd(ctx context.Context, sessionID string, duration time.Duration) Attempt {
	return g.post(ctx, "notify_end", sessionID, "/end", endRequest{
		EndTime:  g.nowFunc().UTC(),
		Duration: duration.Milliseconds(),
	})
}

func (g *Gateway) post(ctx context.Context, op, sessionID, suffix string, payload any) Attempt {
	ctx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	path := "/api/calls/" + url.PathEscape(sessionID) + suffix
	if err := g.rest.PostJSON(ctx, path, payload, nil); err != nil {
		return Attempt{Op: op, SessionID: sessionID, Err: fmt.Errorf("%w: %w", ErrBackendUnavailable, err)}
	}

	return Attempt{Op: op, SessionID: sessionID}
}

// OpenChannel dials the Backend Channel of sessionID and starts relaying its
// inbound traffic. At most one channel exists per session.
func (g *Gateway) OpenChannel(ctx context.Context, sessionID, channelID string) error {
	if g.HasChannel(sessionID) {
		return ErrChannelExists
	}

	dialCtx, cancel := context.WithTimeout(ctx, g.openTimeout)
	defer cancel()

	conn, _, err := g.rest.DialWS(dialCtx, "/ws/call/"+url.PathEscape(sessionID))
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %w", ErrChannelTimeout, g.openTimeout, err)
		}
		return fmt.Errorf("%w: open channel: %w", ErrBackendUnavailable, err)
	}

	conn.SetReadLimit(channelReadLimit)

	readCtx, readCancel := context.WithCancel(context.Background())
	ch := &channel{sessionID: sessionID, channelID: channelID, conn: conn, cancel: readCancel}

	g.mu.Lock()
	if _, exists := g.channels[sessionID]; exists {
		g.mu.Unlock()
		readCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate")
		return ErrChannelExists
	}
	g.channels[sessionID] = ch
	g.mu.Unlock()

	g.log.Info("backend channel open", "call_id", sessionID, "channel_id", channelID)

	go g.readLoop(readCtx, ch)

	return nil
}

// readLoop relays inbound frames until the channel closes, then drops it from
// the table.
func (g *Gateway) readLoop(ctx context.Context, ch *channel) {
	defer g.forget(ch)

	for {
		typ, data, err := ch.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				g.log.Info("backend channel closed", "call_id", ch.sessionID)
			} else {
				g.log.Warn("backend channel error", "call_id", ch.sessionID, "error", err)
			}
			return
		}

		g.dispatch(ch, typ, data)
	}
}

func (g *Gateway) dispatch(ch *channel, typ websocket.MessageType, data []byte) {
	if typ == websocket.MessageBinary {
		g.log.Debug("backend media frame", "call_id", ch.sessionID, "size", len(data))
		g.broadcast(observer.AudioData{
			Type:      observer.TypeAudioData,
			CallID:    ch.sessionID,
			ChannelID: ch.channelID,
			DataSize:  len(data),
			Timestamp: g.nowFunc(),
		})
		return
	}

	if !json.Valid(data) {
		g.log.Error("backend message: invalid json", "call_id", ch.sessionID)
		return
	}

	// Fields stay raw so numbers and nested values reach observers verbatim.
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg == nil {
		msg = map[string]json.RawMessage{"data": json.RawMessage(data)}
	}

	var kind string
	_ = json.Unmarshal(msg["type"], &kind)
	g.log.Debug("backend message", "call_id", ch.sessionID, "type", kind)

	msg["callId"] = rawString(ch.sessionID)
	msg["channelId"] = rawString(ch.channelID)
	g.broadcast(msg)
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func (g *Gateway) broadcast(msg any) {
	if g.broadcaster != nil {
		g.broadcaster.Broadcast(msg)
	}
}

// forget removes ch from the table unless it was already replaced.
func (g *Gateway) forget(ch *channel) {
	ch.cancel()

	g.mu.Lock()
	if cur, ok := g.channels[ch.sessionID]; ok && cur == ch {
		delete(g.channels, ch.sessionID)
	}
	g.mu.Unlock()

	_ = ch.conn.CloseNow()
}

// HasChannel reports whether sessionID has an open Backend Channel.
func (g *Gateway) HasChannel(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.channels[sessionID]
	return ok
}

// Len returns the number of open Backend Channels.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.channels)
}

// CloseChannel closes the Backend Channel of sessionID, if any, and reports
// whether one was open.
func (g *Gateway) CloseChannel(sessionID string) bool {
	g.mu.Lock()
	ch, ok := g.channels[sessionID]
	delete(g.channels, sessionID)
	g.mu.Unlock()

	if !ok {
		return false
	}

	_ = ch.conn.Close(websocket.StatusNormalClosure, "call ended")
	ch.cancel()
	g.log.Info("backend channel released", "call_id", sessionID)

	return true
}

// SendControl writes msg as JSON on the Backend Channel of sessionID. It
// reports false, with a nil error, when no channel is open.
func (g *Gateway) SendControl(ctx context.Context, sessionID string, msg any) (bool, error) {
	g.mu.Lock()
	ch, ok := g.channels[sessionID]
	g.mu.Unlock()

	if !ok {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, ch.conn, msg); err != nil {
		return false, fmt.Errorf("backend: send control: %w", err)
	}

	return true, nil
}

// CloseAll closes every open Backend Channel.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.channels))
	for id := range g.channels {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.CloseChannel(id)
	}
}
