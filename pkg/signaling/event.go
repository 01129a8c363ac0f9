package signaling

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a normalized signaling notification.
type Kind string

const (
	KindSessionStart       Kind = "session-start"
	KindSessionEnd         Kind = "session-end"
	KindChannelStateChange Kind = "channel-state-change"
	KindChannelDestroyed   Kind = "channel-destroyed"
	KindDTMFReceived       Kind = "dtmf-received"
	KindRecordingStarted   Kind = "recording-started"
	KindRecordingFinished  Kind = "recording-finished"
)

// Event is a PBX notification stripped of transport-specific fields.
type Event struct {
	Kind         Kind
	ChannelID    string
	CallerNumber string
	CalledNumber string
	Timestamp    time.Time

	ChannelState  string // channel-state-change
	Digit         string // dtmf-received
	RecordingName string // recording-started, recording-finished
	Cause         int    // channel-destroyed
	CauseText     string // channel-destroyed
}

// Handler receives normalized events. HandleEvent is called from the event
// stream's read loop, one event at a time, in arrival order.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

// HandleEvent calls f(e).
func (f HandlerFunc) HandleEvent(e Event) { f(e) }

// Channel is the subset of an ARI channel object the relay reads.
type Channel struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Caller struct {
		Name   string `json:"name"`
		Number string `json:"number"`
	} `json:"caller"`
	Dialplan struct {
		Context  string `json:"context"`
		Exten    string `json:"exten"`
		Priority int    `json:"priority"`
	} `json:"dialplan"`
}

type ariRecording struct {
	Name      string `json:"name"`
	Format    string `json:"format"`
	State     string `json:"state"`
	TargetURI string `json:"target_uri"`
}

type ariEvent struct {
	Type      string        `json:"type"`
	Timestamp string        `json:"timestamp"`
	Channel   *Channel      `json:"channel"`
	Digit     string        `json:"digit"`
	Cause     int           `json:"cause"`
	CauseTxt  string        `json:"cause_txt"`
	Recording *ariRecording `json:"recording"`
}

var ariKinds = map[string]Kind{
	"StasisStart":         KindSessionStart,
	"StasisEnd":           KindSessionEnd,
	"ChannelStateChange":  KindChannelStateChange,
	"ChannelDestroyed":    KindChannelDestroyed,
	"ChannelDtmfReceived": KindDTMFReceived,
	"RecordingStarted":    KindRecordingStarted,
	"RecordingFinished":   KindRecordingFinished,
}

// ariTimeLayout is the timestamp layout ARI uses ("2026-01-01T10:00:00.000+0000").
const ariTimeLayout = "2006-01-02T15:04:05.000-0700"

// Normalize converts one raw ARI event frame into an Event. It reports false
// for event types the relay does not consume.
func Normalize(data []byte, now time.Time) (Event, bool, error) {
	var raw ariEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, false, fmt.Errorf("signaling: decode event: %w", err)
	}

	kind, ok := ariKinds[raw.Type]
	if !ok {
		return Event{}, false, nil
	}

	e := Event{
		Kind:      kind,
		Timestamp: parseTimestamp(raw.Timestamp, now),
	}

	if ch := raw.Channel; ch != nil {
		e.ChannelID = ch.ID
		e.CallerNumber = ch.Caller.Number
		e.CalledNumber = ch.Dialplan.Exten
		e.ChannelState = ch.State
	}

	switch kind {
	case KindDTMFReceived:
		e.Digit = raw.Digit
	case KindChannelDestroyed:
		e.Cause = raw.Cause
		e.CauseText = raw.CauseTxt
	case KindRecordingStarted, KindRecordingFinished:
		if rec := raw.Recording; rec != nil {
			e.RecordingName = rec.Name
			if id, ok := strings.CutPrefix(rec.TargetURI, "channel:"); ok && e.ChannelID == "" {
				e.ChannelID = id
			}
		}
	}

	if e.ChannelID == "" {
		return Event{}, false, fmt.Errorf("signaling: %s event without channel", raw.Type)
	}

	return e, true, nil
}

func parseTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	if t, err := time.Parse(ariTimeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return fallback
}
