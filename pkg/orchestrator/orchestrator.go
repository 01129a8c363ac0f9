// Package orchestrator drives the per-call state machine. It consumes
// normalized PBX events, keeps the session registry current, issues telephony
// commands, and attaches each answered call to the processing backend.
//
// Registry mutations and observer notifications happen synchronously while an
// event is dispatched, so a session's notifications keep the order of its PBX
// events. Telephony commands and backend calls run in goroutines; each call's
// setup, DTMF forwarding and end notification share one FIFO queue, so the
// backend sees them in PBX order.
//
// Telephony failures are fatal to the call they belong to. Backend failures
// are logged and never reach the telephony path.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/germanamz/callrelay/pkg/backend"
	"github.com/germanamz/callrelay/pkg/observer"
	"github.com/germanamz/callrelay/pkg/registry"
	"github.com/germanamz/callrelay/pkg/signaling"
)

const defaultCommandTimeout = 10 * time.Second

// ErrSessionNotFound is returned when an operator action names a session that
// is not active.
var ErrSessionNotFound = errors.New("session not found")

// Telephony issues commands to the PBX.
type Telephony interface {
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID, reason string) error
	Play(ctx context.Context, channelID, mediaRef string) error
	StartRecording(ctx context.Context, channelID, name, format string) error
	CreateBridge(ctx context.Context, bridgeID string) error
	DestroyBridge(ctx context.Context, bridgeID string) error
	AddToBridge(ctx context.Context, bridgeID, channelID string) error
	RemoveFromBridge(ctx context.Context, bridgeID, channelID string) error
	ExternalMedia(ctx context.Context, channelID, externalHost, format string) (string, error)
	Originate(ctx context.Context, req signaling.OriginateRequest) (string, error)
}

// Backend is the session-processing backend.
type Backend interface {
	CreateSession(ctx context.Context, sessionID, from, to string) (json.RawMessage, error)
	OpenChannel(ctx context.Context, sessionID, channelID string) error
	ForwardDtmf(ctx context.Context, sessionID, digit string) backend.Attempt
	NotifyEnd(ctx context.Context, sessionID string, duration time.Duration) backend.Attempt
	CloseChannel(sessionID string) bool
}

// Observers receives call lifecycle notifications.
type Observers interface {
	Broadcast(msg any) int
}

// Options tunes what happens after a call is answered.
type Options struct {
	GreetingMedia       string        // Played after answer when set.
	Record              bool          // Record every answered call under its session id.
	RecordFormat        string        // Recording format (default "wav").
	ExternalMediaHost   string        // Bridge call audio to this "host:port" when set.
	ExternalMediaFormat string        // External media format (default "ulaw").
	CommandTimeout      time.Duration // Bound on each telephony command (default 10s).
	Logger              *slog.Logger
}

// mediaLink is the bridge carrying a call's audio to an external media host.
type mediaLink struct {
	bridgeID  string
	channelID string
}

// Orchestrator implements signaling.Handler. It is safe for concurrent use.
type Orchestrator struct {
	reg  *registry.Registry
	tel  Telephony
	be   Backend
	obs  Observers
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	aux    map[string]string     // auxiliary channel id -> owning session id
	links  map[string]*mediaLink // session id -> media bridge
	queues map[string]*callQueue // session id -> background work

	newID   func() string
	nowFunc func() time.Time
}

// New creates an Orchestrator.
func New(reg *registry.Registry, tel Telephony, be Backend, obs Observers, opts Options) *Orchestrator {
	if opts.RecordFormat == "" {
		opts.RecordFormat = "wav"
	}
	if opts.ExternalMediaFormat == "" {
		opts.ExternalMediaFormat = "ulaw"
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		reg:     reg,
		tel:     tel,
		be:      be,
		obs:     obs,
		opts:    opts,
		log:     log.With("component", "orchestrator"),
		ctx:     ctx,
		cancel:  cancel,
		aux:     make(map[string]string),
		links:   make(map[string]*mediaLink),
		queues:  make(map[string]*callQueue),
		newID:   uuid.NewString,
		nowFunc: time.Now,
	}
}

// HandleEvent processes one normalized PBX event.
func (o *Orchestrator) HandleEvent(e signaling.Event) {
	if o.auxiliary(e) {
		return
	}

	switch e.Kind {
	case signaling.KindSessionStart:
		o.onSessionStart(e)
	case signaling.KindSessionEnd, signaling.KindChannelDestroyed:
		o.onSessionEnd(e)
	case signaling.KindDTMFReceived:
		o.onDtmf(e)
	case signaling.KindChannelStateChange:
		o.onStateChange(e)
	case signaling.KindRecordingStarted, signaling.KindRecordingFinished:
		o.onRecording(e)
	default:
		o.log.Debug("event ignored", "kind", e.Kind, "channel_id", e.ChannelID)
	}
}

// auxiliary swallows events for channels the orchestrator created itself.
func (o *Orchestrator) auxiliary(e signaling.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	sessionID, ok := o.aux[e.ChannelID]
	if !ok {
		return false
	}

	if e.Kind == signaling.KindChannelDestroyed {
		delete(o.aux, e.ChannelID)
	}

	o.log.Debug("auxiliary channel event", "kind", e.Kind, "channel_id", e.ChannelID, "call_id", sessionID)

	return true
}

func (o *Orchestrator) onSessionStart(e signaling.Event) {
	caller := e.CallerNumber
	if caller == "" {
		caller = "Unknown"
	}
	called := e.CalledNumber
	if called == "" {
		called = "unknown"
	}

	s := registry.Session{
		SessionID:    o.newID(),
		ChannelID:    e.ChannelID,
		CallerNumber: caller,
		CalledNumber: called,
		CreatedAt:    o.nowFunc(),
		State:        registry.StateRinging,
		ChannelState: e.ChannelState,
	}

	if !o.reg.Create(e.ChannelID, s) {
		o.log.Debug("session start for tracked channel", "channel_id", e.ChannelID)
		return
	}

	o.log.Info("incoming call", "call_id", s.SessionID, "channel_id", s.ChannelID,
		"caller", s.CallerNumber, "called", s.CalledNumber)

	o.obs.Broadcast(observer.CallStarted{
		Type:         observer.TypeCallStarted,
		CallID:       s.SessionID,
		ChannelID:    s.ChannelID,
		CallerNumber: s.CallerNumber,
		CalledNumber: s.CalledNumber,
		Timestamp:    o.nowFunc(),
	})

	o.enqueue(s.SessionID, false, func(ctx context.Context) { o.setup(ctx, s) })
}

// setup answers the call and attaches it to media and the backend.
func (o *Orchestrator) setup(ctx context.Context, s registry.Session) {
	if err := o.command(ctx, func(ctx context.Context) error { return o.tel.Answer(ctx, s.ChannelID) }); err != nil {
		o.log.Error("answer failed; tearing call down", "call_id", s.SessionID, "channel_id", s.ChannelID, "error", err)
		o.setState(s.ChannelID, registry.StateTeardown)

		if err := o.command(ctx, func(ctx context.Context) error { return o.tel.Hangup(ctx, s.ChannelID, "congestion") }); err != nil {
			o.log.Error("hangup failed", "call_id", s.SessionID, "channel_id", s.ChannelID, "error", err)
		}
		return
	}

	if !o.setState(s.ChannelID, registry.StateAnswered) {
		o.log.Debug("call ended while answering", "call_id", s.SessionID)
		return
	}
	o.log.Info("call answered", "call_id", s.SessionID, "channel_id", s.ChannelID)

	o.attachMedia(ctx, s)
	o.attachBackend(ctx, s)

	if o.setState(s.ChannelID, registry.StateActive) {
		o.log.Info("call active", "call_id", s.SessionID, "channel_id", s.ChannelID)
	}
}

// attachMedia runs the optional greeting, recording and media bridge. Each
// step is best-effort.
func (o *Orchestrator) attachMedia(ctx context.Context, s registry.Session) {
	if o.opts.GreetingMedia != "" {
		if err := o.command(ctx, func(ctx context.Context) error { return o.tel.Play(ctx, s.ChannelID, o.opts.GreetingMedia) }); err != nil {
			o.log.Warn("greeting skipped", "call_id", s.SessionID, "error", err)
		}
	}

	if o.opts.Record {
		err := o.command(ctx, func(ctx context.Context) error {
			return o.tel.StartRecording(ctx, s.ChannelID, s.SessionID, o.opts.RecordFormat)
		})
		if err != nil {
			o.log.Warn("recording skipped", "call_id", s.SessionID, "error", err)
		}
	}

	if o.opts.ExternalMediaHost != "" {
		if err := o.bridgeMedia(ctx, s); err != nil {
			o.log.Warn("external media skipped", "call_id", s.SessionID, "error", err)
		} else if _, ok := o.reg.Get(s.ChannelID); !ok {
			o.releaseLink(ctx, s.SessionID)
		}
	}
}

// bridgeMedia mixes the call with an external media channel streaming to
// ExternalMediaHost.
func (o *Orchestrator) bridgeMedia(ctx context.Context, s registry.Session) error {
	link := &mediaLink{bridgeID: "bridge-" + s.SessionID, channelID: "media-" + s.SessionID}

	o.mu.Lock()
	o.aux[link.channelID] = s.SessionID
	o.links[s.SessionID] = link
	o.mu.Unlock()

	err := o.command(ctx, func(ctx context.Context) error { return o.tel.CreateBridge(ctx, link.bridgeID) })
	if err != nil {
		o.dropLink(s.SessionID)
		return fmt.Errorf("create bridge: %w", err)
	}

	err = o.command(ctx, func(ctx context.Context) error {
		_, err := o.tel.ExternalMedia(ctx, link.channelID, o.opts.ExternalMediaHost, o.opts.ExternalMediaFormat)
		return err
	})
	if err != nil {
		o.releaseLink(ctx, s.SessionID)
		return fmt.Errorf("external media: %w", err)
	}

	for _, ch := range []string{s.ChannelID, link.channelID} {
		if err := o.command(ctx, func(ctx context.Context) error { return o.tel.AddToBridge(ctx, link.bridgeID, ch) }); err != nil {
			o.releaseLink(ctx, s.SessionID)
			return fmt.Errorf("add to bridge: %w", err)
		}
	}

	o.log.Info("external media bridged", "call_id", s.SessionID, "bridge_id", link.bridgeID, "host", o.opts.ExternalMediaHost)

	return nil
}

func (o *Orchestrator) dropLink(sessionID string) *mediaLink {
	o.mu.Lock()
	defer o.mu.Unlock()

	link, ok := o.links[sessionID]
	if !ok {
		return nil
	}
	delete(o.links, sessionID)
	delete(o.aux, link.channelID)

	return link
}

// releaseLink tears down the media bridge of sessionID, if any.
func (o *Orchestrator) releaseLink(ctx context.Context, sessionID string) {
	link := o.dropLink(sessionID)
	if link == nil {
		return
	}

	steps := []func(context.Context) error{
		func(ctx context.Context) error { return o.tel.RemoveFromBridge(ctx, link.bridgeID, link.channelID) },
		func(ctx context.Context) error { return o.tel.Hangup(ctx, link.channelID, "normal") },
		func(ctx context.Context) error { return o.tel.DestroyBridge(ctx, link.bridgeID) },
	}
	for _, step := range steps {
		if err := o.command(ctx, step); err != nil {
			o.log.Debug("media bridge cleanup", "call_id", sessionID, "error", err)
		}
	}
}

// attachBackend creates the backend session and opens its channel. Failures
// leave the call running without backend integration.
func (o *Orchestrator) attachBackend(ctx context.Context, s registry.Session) {
	meta, err := o.be.CreateSession(ctx, s.SessionID, s.CallerNumber, s.CalledNumber)
	if err != nil {
		o.log.Warn("backend integration skipped", "call_id", s.SessionID, "error", err)
		return
	}

	if !o.reg.Update(s.ChannelID, func(cur *registry.Session) { cur.BackendMeta = meta }) {
		return
	}

	if err := o.be.OpenChannel(ctx, s.SessionID, s.ChannelID); err != nil {
		o.log.Warn("backend channel unavailable", "call_id", s.SessionID, "error", err)
		return
	}

	// The call may have ended while the channel was opening.
	if cur, ok := o.reg.Get(s.ChannelID); !ok || cur.SessionID != s.SessionID {
		o.be.CloseChannel(s.SessionID)
		return
	}

	o.log.Info("backend attached", "call_id", s.SessionID, "channel_id", s.ChannelID)
}

func (o *Orchestrator) onSessionEnd(e signaling.Event) {
	s, ok := o.reg.Remove(e.ChannelID)
	if !ok {
		o.log.Debug("end for untracked channel", "kind", e.Kind, "channel_id", e.ChannelID)
		return
	}

	o.log.Info("call ended", "call_id", s.SessionID, "channel_id", s.ChannelID,
		"duration", s.Duration, "cause", e.CauseText)

	o.enqueue(s.SessionID, true, func(ctx context.Context) {
		o.be.CloseChannel(s.SessionID)
		o.be.NotifyEnd(ctx, s.SessionID, s.Duration).Log(o.log)
		o.releaseLink(ctx, s.SessionID)
	})

	o.obs.Broadcast(observer.CallEnded{
		Type:      observer.TypeCallEnded,
		CallID:    s.SessionID,
		ChannelID: s.ChannelID,
		Duration:  s.Duration.Milliseconds(),
		Timestamp: o.nowFunc(),
	})
}

func (o *Orchestrator) onDtmf(e signaling.Event) {
	s, ok := o.reg.Get(e.ChannelID)
	if !ok {
		return
	}

	o.log.Info("dtmf received", "call_id", s.SessionID, "channel_id", s.ChannelID, "digit", e.Digit)

	o.obs.Broadcast(observer.DTMFReceived{
		Type:      observer.TypeDTMFReceived,
		CallID:    s.SessionID,
		ChannelID: s.ChannelID,
		Digit:     e.Digit,
		Timestamp: o.nowFunc(),
	})

	o.enqueue(s.SessionID, false, func(ctx context.Context) {
		o.be.ForwardDtmf(ctx, s.SessionID, e.Digit).Log(o.log)
	})
}

func (o *Orchestrator) onStateChange(e signaling.Event) {
	if o.reg.Update(e.ChannelID, func(s *registry.Session) { s.ChannelState = e.ChannelState }) {
		o.log.Debug("channel state", "channel_id", e.ChannelID, "state", e.ChannelState)
	}
}

func (o *Orchestrator) onRecording(e signaling.Event) {
	typ := observer.TypeRecordingFinished
	if e.Kind == signaling.KindRecordingStarted {
		typ = observer.TypeRecordingStarted
	}

	var s registry.Session
	ok := o.reg.Update(e.ChannelID, func(cur *registry.Session) {
		if typ == observer.TypeRecordingStarted {
			cur.RecordingName = e.RecordingName
		}
		s = *cur
	})
	if !ok {
		o.log.Debug("recording for untracked channel", "channel_id", e.ChannelID, "recording", e.RecordingName)
		return
	}

	o.log.Info("recording", "type", typ, "call_id", s.SessionID, "recording", e.RecordingName)

	o.obs.Broadcast(observer.Recording{
		Type:          typ,
		CallID:        s.SessionID,
		ChannelID:     s.ChannelID,
		RecordingName: e.RecordingName,
		Timestamp:     o.nowFunc(),
	})
}

// DisconnectCall hangs up the call with the given session id.
func (o *Orchestrator) DisconnectCall(ctx context.Context, sessionID string) error {
	s, ok := o.reg.GetBySessionID(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	o.log.Info("disconnect requested", "call_id", sessionID, "channel_id", s.ChannelID)

	return o.command(ctx, func(ctx context.Context) error { return o.tel.Hangup(ctx, s.ChannelID, "normal") })
}

// Originate places an outbound call and returns its provisional channel id.
func (o *Orchestrator) Originate(ctx context.Context, req signaling.OriginateRequest) (string, error) {
	var channelID string
	err := o.command(ctx, func(ctx context.Context) error {
		var err error
		channelID, err = o.tel.Originate(ctx, req)
		return err
	})
	if err != nil {
		return "", err
	}

	o.log.Info("call originated", "channel_id", channelID, "phone_number", req.PhoneNumber)

	return channelID, nil
}

// ListActive returns the active calls ordered by start time.
func (o *Orchestrator) ListActive() []registry.Snapshot {
	return o.reg.ListActive()
}

// ActiveCount returns the number of active calls.
func (o *Orchestrator) ActiveCount() int {
	return o.reg.Len()
}

// Wait blocks until all in-flight background work has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels in-flight background work and waits for it to stop.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) async(fn func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(o.ctx)
	}()
}

func (o *Orchestrator) command(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.opts.CommandTimeout)
	defer cancel()

	return fn(ctx)
}

func (o *Orchestrator) setState(channelID string, state registry.State) bool {
	return o.reg.Update(channelID, func(s *registry.Session) { s.State = state })
}
