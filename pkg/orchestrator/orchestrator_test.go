package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/germanamz/callrelay/pkg/backend"
	"github.com/germanamz/callrelay/pkg/observer"
	"github.com/germanamz/callrelay/pkg/registry"
	"github.com/germanamz/callrelay/pkg/signaling"
)

type fakeTelephony struct {
	mu         sync.Mutex
	calls      []string
	answerErr  error
	failOps    map[string]error
	answerGate chan struct{} // when non-nil, Answer waits on it
}

func (f *fakeTelephony) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call)
	for prefix, err := range f.failOps {
		if strings.HasPrefix(call, prefix) {
			return err
		}
	}
	return nil
}

func (f *fakeTelephony) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTelephony) Answer(ctx context.Context, channelID string) error {
	if f.answerGate != nil {
		select {
		case <-f.answerGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := f.record("answer " + channelID); err != nil {
		return err
	}
	return f.answerErr
}

func (f *fakeTelephony) Hangup(_ context.Context, channelID, reason string) error {
	return f.record("hangup " + channelID + " " + reason)
}

func (f *fakeTelephony) Play(_ context.Context, channelID, mediaRef string) error {
	return f.record("play " + channelID + " " + mediaRef)
}

func (f *fakeTelephony) StartRecording(_ context.Context, channelID, name, format string) error {
	return f.record("record " + channelID + " " + name + " " + format)
}

func (f *fakeTelephony) CreateBridge(_ context.Context, bridgeID string) error {
	return f.record("create-bridge " + bridgeID)
}

func (f *fakeTelephony) DestroyBridge(_ context.Context, bridgeID string) error {
	return f.record("destroy-bridge " + bridgeID)
}

func (f *fakeTelephony) AddToBridge(_ context.Context, bridgeID, channelID string) error {
	return f.record("add-to-bridge " + bridgeID + " " + channelID)
}

func (f *fakeTelephony) RemoveFromBridge(_ context.Context, bridgeID, channelID string) error {
	return f.record("remove-from-bridge " + bridgeID + " " + channelID)
}

func (f *fakeTelephony) ExternalMedia(_ context.Context, channelID, host, format string) (string, error) {
	return channelID, f.record("external-media " + channelID + " " + host + " " + format)
}

func (f *fakeTelephony) Originate(_ context.Context, req signaling.OriginateRequest) (string, error) {
	if err := f.record("originate " + req.PhoneNumber); err != nil {
		return "", err
	}
	return "orig-1", nil
}

type fakeBackend struct {
	mu          sync.Mutex
	unreachable bool
	created     []string
	opened      []string
	closed      []string
	dtmf        []string
	ended       map[string]time.Duration
	calls       []string                 // every backend call, in arrival order
	slowDigits  map[string]time.Duration // per-digit ForwardDtmf delay
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{ended: make(map[string]time.Duration)}
}

func (f *fakeBackend) CreateSession(_ context.Context, sessionID, _, _ string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return nil, fmt.Errorf("%w: connection refused", backend.ErrBackendUnavailable)
	}
	f.created = append(f.created, sessionID)
	f.calls = append(f.calls, "create")
	return json.RawMessage(`{"session":"ok"}`), nil
}

func (f *fakeBackend) OpenChannel(_ context.Context, sessionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return backend.ErrChannelTimeout
	}
	f.opened = append(f.opened, sessionID)
	return nil
}

func (f *fakeBackend) ForwardDtmf(_ context.Context, sessionID, digit string) backend.Attempt {
	f.mu.Lock()
	delay := f.slowDigits[digit]
	f.mu.Unlock()
	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	a := backend.Attempt{Op: "forward_dtmf", SessionID: sessionID}
	if f.unreachable {
		a.Err = backend.ErrBackendUnavailable
		return a
	}
	f.dtmf = append(f.dtmf, digit)
	f.calls = append(f.calls, "dtmf:"+digit)
	return a
}

func (f *fakeBackend) NotifyEnd(_ context.Context, sessionID string, d time.Duration) backend.Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := backend.Attempt{Op: "notify_end", SessionID: sessionID}
	if f.unreachable {
		a.Err = backend.ErrBackendUnavailable
		return a
	}
	f.ended[sessionID] = d
	f.calls = append(f.calls, "end")
	return a
}

func (f *fakeBackend) CloseChannel(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return true
}

type fakeObservers struct {
	mu   sync.Mutex
	msgs []any
}

func (f *fakeObservers) Broadcast(msg any) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return 1
}

func (f *fakeObservers) types() []observer.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]observer.MessageType, 0, len(f.msgs))
	for _, m := range f.msgs {
		switch v := m.(type) {
		case observer.CallStarted:
			out = append(out, v.Type)
		case observer.CallEnded:
			out = append(out, v.Type)
		case observer.DTMFReceived:
			out = append(out, v.Type)
		case observer.Recording:
			out = append(out, v.Type)
		}
	}
	return out
}

type harness struct {
	orch *Orchestrator
	reg  *registry.Registry
	tel  *fakeTelephony
	be   *fakeBackend
	obs  *fakeObservers
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{
		reg: registry.New(),
		tel: &fakeTelephony{},
		be:  newFakeBackend(),
		obs: &fakeObservers{},
	}
	h.orch = New(h.reg, h.tel, h.be, h.obs, opts)

	var n atomic.Int32
	h.orch.newID = func() string { return fmt.Sprintf("s-%d", n.Add(1)) }

	t.Cleanup(h.orch.Close)

	return h
}

func start(channelID string) signaling.Event {
	return signaling.Event{
		Kind:         signaling.KindSessionStart,
		ChannelID:    channelID,
		CallerNumber: "0311112222",
		CalledNumber: "100",
		ChannelState: "Ring",
		Timestamp:    time.Now(),
	}
}

func end(channelID string) signaling.Event {
	return signaling.Event{Kind: signaling.KindSessionEnd, ChannelID: channelID, Timestamp: time.Now()}
}

func TestOrchestrator_StartThenEndBroadcastsInOrder(t *testing.T) {
	h := newHarness(t, Options{})

	h.orch.HandleEvent(start("ch-1"))
	h.orch.HandleEvent(end("ch-1"))
	h.orch.Wait()

	assert.Equal(t, []observer.MessageType{observer.TypeCallStarted, observer.TypeCallEnded}, h.obs.types())
	assert.Equal(t, 0, h.reg.Len())

	h.obs.mu.Lock()
	started := h.obs.msgs[0].(observer.CallStarted)
	ended := h.obs.msgs[1].(observer.CallEnded)
	h.obs.mu.Unlock()
	assert.Equal(t, "s-1", started.CallID)
	assert.Equal(t, "s-1", ended.CallID)
	assert.Equal(t, "ch-1", ended.ChannelID)
}

func TestOrchestrator_OneSessionPerChannel(t *testing.T) {
	h := newHarness(t, Options{})

	h.orch.HandleEvent(start("ch-1"))
	h.orch.HandleEvent(start("ch-1"))
	h.orch.Wait()

	assert.Equal(t, 1, h.reg.Len())
	assert.Equal(t, []observer.MessageType{observer.TypeCallStarted}, h.obs.types())
}

func TestOrchestrator_CallStartedDoesNotWaitForAnswer(t *testing.T) {
	h := newHarness(t, Options{})
	h.tel.answerGate = make(chan struct{})

	h.orch.HandleEvent(start("ch-1"))

	assert.Equal(t, []observer.MessageType{observer.TypeCallStarted}, h.obs.types())
	s, ok := h.reg.Get("ch-1")
	require.True(t, ok)
	assert.Equal(t, registry.StateRinging, s.State)

	close(h.tel.answerGate)
	h.orch.Wait()

	s, ok = h.reg.Get("ch-1")
	require.True(t, ok)
	assert.Equal(t, registry.StateActive, s.State)
}

func TestOrchestrator_HappyPathReachesActive(t *testing.T) {
	h := newHarness(t, Options{})

	h.orch.HandleEvent(start("ch-1"))
	h.orch.Wait()

	s, ok := h.reg.Get("ch-1")
	require.True(t, ok)
	assert.Equal(t, registry.StateActive, s.State)
	assert.JSONEq(t, `{"session":"ok"}`, string(s.BackendMeta))
	assert.Equal(t, []string{"s-1"}, h.be.created)
	assert.Equal(t, []string{"s-1"}, h.be.opened)
	assert.Equal(t, []string{"answer ch-1"}, h.tel.log())
}

func TestOrchestrator_AnswerFailureTearsDown(t *testing.T) {
	h := newHarness(t, Options{})
	h.tel.answerErr = &signaling.CommandError{ChannelID: "ch-1", Op: "answer", StatusCode: 404, Err: errors.New("channel not found")}

	h.orch.HandleEvent(start("ch-1"))
	h.orch.Wait()

	s, ok := h.reg.Get("ch-1")
	require.True(t, ok)
	assert.Equal(t, registry.StateTeardown, s.State)
	assert.Equal(t, []string{"answer ch-1", "hangup ch-1 congestion"}, h.tel.log())

	h.be.mu.Lock()
	defer h.be.mu.Unlock()
	assert.Empty(t, h.be.created, "no backend session after a failed answer")
	assert.Empty(t, h.be.opened)
}

func TestOrchestrator_BackendUnreachableStillActive(t *testing.T) {
	h := newHarness(t, Options{})
	h.be.unreachable = true

	h.orch.HandleEvent(start("ch-1"))
	h.orch.Wait()

	s, ok := h.reg.Get("ch-1")
	require.True(t, ok)
	assert.Equal(t, registry.StateActive, s.State)
	assert.Nil(t, s.BackendMeta)

	h.orch.HandleEvent(signaling.Event{Kind: signaling.KindDTMFReceived, ChannelID: "ch-1", Digit: "5"})
	h.orch.Wait()

	assert.Equal(t, []observer.MessageType{observer.TypeCallStarted, observer.TypeDTMFReceived}, h.obs.types())
	h.obs.mu.Lock()
	dtmf := h.obs.msgs[1].(observer.DTMFReceived)
	h.obs.mu.Unlock()
	assert.Equal(t, "5", dtmf.Digit)
	assert.Equal(t, "s-1", dtmf.CallID)
}

func TestOrchestrator_DtmfForwardedToBackend(t *testing.T) {
	h := newHarness(t, Options{})

	h.orch.HandleEvent(start("ch-1"))
	h.orch.Wait()
	h.orch.HandleEvent(signaling.Event{Kind: signaling.KindDTMFReceived, ChannelID: "ch-1", Digit: "#"})
	h.orch.HandleEvent(signaling.Event{Kind: signaling.KindDTMFReceived, ChannelID: "unknown", Digit: "1"})
	h.orch.Wait()

	h.be.mu.Lock()
	defer h.be.mu.Unlock()
	assert.Equal(t, []string{"#"}, h.be.dtmf)
}

func TestOrchestrator_BackendSeesCallEventsInOrder(t *testing.T) {
	h := newHarness(t, Options{})
	h.be.slowDigits = map[string]time.Duration{"1": 50 * time.Millisecond}

	h.orch.HandleEvent(start("ch-1"))
	h.orch.Wait()
	h.orch.HandleEvent(signaling.Event{Kind: signaling.KindDTMFReceived, ChannelID: "ch-1", Digit: "1"})
	h.orch.HandleEvent(signaling.Event{Kind: signaling.KindDTMFReceived, ChannelID: "ch-1", Digit: "2"})
	h.orch.HandleEvent(signaling.Event{Kind: signaling.KindChannelDestroyed, ChannelID: "ch-1"})
	h.orch.Wait()

	h.be.mu.Lock()
	defer h.be.mu.Unlock()
	assert.Equal(t, []string{"create", "dtmf:1", "dtmf:2", "end"}, h.be.calls)
	assert.Empty(t, h.orch.queues)
}

func TestOrchestrator_EndReleasesBackend(t *testing.T) {
	h := newHarness(t, Options{})
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	h.orch.nowFunc = func() time.Time { return now }
	h.reg.SetNowFunc(func() time.Time { return now.Add(3 * time.Second) })

	h.orch.HandleEvent(start("ch-1"))
	h.orch.Wait()
	h.orch.HandleEvent(signaling.Event{Kind: signaling.KindChannelDestroyed, ChannelID: "ch-1", Cause: 16, CauseText: "Normal Clearing"})
	h.orch.Wait()

	h.be.mu.Lock()
	assert.Equal(t, []string{"s-1"}, h.be.closed)
	assert.Equal(t, 3*time.Second, h.be.ended["s-1"])
	h.be.mu.Unlock()

	h.obs.mu.Lock()
	ended := h.obs.msgs[len(h.obs.msgs)-1].(observer.CallEnded)
	h.obs.mu.Unlock()
	assert.Equal(t, int64(3000), ended.Duration)

	// A second terminal event for the same channel is a no-op.
	h.orch.HandleEvent(end("ch-1"))
	assert.Equal(t, []observer.MessageType{observer.TypeCallStarted, observer.TypeCallEnded}, h.obs.types())
}

func TestOrchestrator_EndWhileAnsweringSkipsBackend(t *testing.T) {
	h := newHarness(t, Options{})
	h.tel.answerGate = make(chan struct{})

	h.orch.HandleEvent(start("ch-1"))
	h.orch.HandleEvent(end("ch-1"))
	close(h.tel.answerGate)
	h.orch.Wait()

	h.be.mu.Lock()
	defer h.be.mu.Unlock()
	assert.Empty(t, h.be.created)
	assert.Equal(t, 0, h.reg.Len())
}

func TestOrchestrator_DisconnectCall(t *testing.T) {
	h := newHarness(t, Options{})

	h.orch.HandleEvent(start("ch-1"))
	h.orch.Wait()

	require.NoError(t, h.orch.DisconnectCall(context.Background(), "s-1"))
	assert.Equal(t, "hangup ch-1 normal", h.tel.log()[len(h.tel.log())-1])
}

func TestOrchestrator_DisconnectUnknownSession(t *testing.T) {
	h := newHarness(t, Options{})

	err := h.orch.DisconnectCall(context.Background(), "nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, h.tel.log(), "no telephony command for an unknown session")
}

func TestOrchestrator_StateChangeAndRecording(t *testing.T) {
	h := newHarness(t, Options{})

	h.orch.HandleEvent(start("ch-1"))
	h.orch.Wait()
	h.orch.HandleEvent(signaling.Event{Kind: signaling.KindChannelStateChange, ChannelID: "ch-1", ChannelState: "Up"})
	h.orch.HandleEvent(signaling.Event{Kind: signaling.KindRecordingStarted, ChannelID: "ch-1", RecordingName: "s-1"})
	h.orch.HandleEvent(signaling.Event{Kind: signaling.KindRecordingFinished, ChannelID: "ch-1", RecordingName: "s-1"})

	s, ok := h.reg.Get("ch-1")
	require.True(t, ok)
	assert.Equal(t, "Up", s.ChannelState)
	assert.Equal(t, "s-1", s.RecordingName)
	assert.Equal(t, []observer.MessageType{
		observer.TypeCallStarted, observer.TypeRecordingStarted, observer.TypeRecordingFinished,
	}, h.obs.types())
}

func TestOrchestrator_GreetingAndRecordingAreBestEffort(t *testing.T) {
	h := newHarness(t, Options{GreetingMedia: "sound:welcome", Record: true})
	h.tel.failOps = map[string]error{"play": errors.New("media not found")}

	h.orch.HandleEvent(start("ch-1"))
	h.orch.Wait()

	assert.Equal(t, []string{"answer ch-1", "play ch-1 sound:welcome", "record ch-1 s-1 wav"}, h.tel.log())
	s, _ := h.reg.Get("ch-1")
	assert.Equal(t, registry.StateActive, s.State)
}

func TestOrchestrator_ExternalMediaBridge(t *testing.T) {
	h := newHarness(t, Options{ExternalMediaHost: "10.0.0.5:4000"})

	h.orch.HandleEvent(start("ch-1"))
	h.orch.Wait()

	assert.Equal(t, []string{
		"answer ch-1",
		"create-bridge bridge-s-1",
		"external-media media-s-1 10.0.0.5:4000 ulaw",
		"add-to-bridge bridge-s-1 ch-1",
		"add-to-bridge bridge-s-1 media-s-1",
	}, h.tel.log())

	// The media channel entering the application is not a new call.
	h.orch.HandleEvent(start("media-s-1"))
	assert.Equal(t, 1, h.reg.Len())

	h.orch.HandleEvent(end("ch-1"))
	h.orch.Wait()

	got := h.tel.log()
	assert.Equal(t, []string{
		"remove-from-bridge bridge-s-1 media-s-1",
		"hangup media-s-1 normal",
		"destroy-bridge bridge-s-1",
	}, got[len(got)-3:])
}

func TestOrchestrator_Originate(t *testing.T) {
	h := newHarness(t, Options{})

	id, err := h.orch.Originate(context.Background(), signaling.OriginateRequest{PhoneNumber: "0300000000"})
	require.NoError(t, err)
	assert.Equal(t, "orig-1", id)

	h.tel.failOps = map[string]error{"originate": signaling.ErrNotConnected}
	_, err = h.orch.Originate(context.Background(), signaling.OriginateRequest{PhoneNumber: "0300000000"})
	require.ErrorIs(t, err, signaling.ErrNotConnected)
}

func TestOrchestrator_ListActive(t *testing.T) {
	h := newHarness(t, Options{})

	h.orch.HandleEvent(start("ch-1"))
	h.orch.HandleEvent(start("ch-2"))
	h.orch.Wait()

	calls := h.orch.ListActive()
	require.Len(t, calls, 2)
	assert.Equal(t, 2, h.orch.ActiveCount())
	ids := []string{calls[0].CallID, calls[1].CallID}
	assert.ElementsMatch(t, []string{"s-1", "s-2"}, ids)
}

func TestOrchestrator_DefaultsUnknownNumbers(t *testing.T) {
	h := newHarness(t, Options{})

	h.orch.HandleEvent(signaling.Event{Kind: signaling.KindSessionStart, ChannelID: "ch-1"})
	h.orch.Wait()

	s, ok := h.reg.Get("ch-1")
	require.True(t, ok)
	assert.Equal(t, "Unknown", s.CallerNumber)
	assert.Equal(t, "unknown", s.CalledNumber)
}
