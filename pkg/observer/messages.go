package observer

import "time"

// MessageType is the "type" discriminator of every observer message.
type MessageType string

// Outbound message types.
const (
	TypeConnected         MessageType = "connected"
	TypeCallStarted       MessageType = "call_started"
	TypeCallEnded         MessageType = "call_ended"
	TypeDTMFReceived      MessageType = "dtmf_received"
	TypeAudioData         MessageType = "audio_data"
	TypeRecordingStarted  MessageType = "recording_started"
	TypeRecordingFinished MessageType = "recording_finished"
	TypePong              MessageType = "pong"
	TypeJoinCallSuccess   MessageType = "join_call_success"
	TypeLeaveCallSuccess  MessageType = "leave_call_success"
	TypeError             MessageType = "error"
)

// Inbound message types.
const (
	TypePing      MessageType = "ping"
	TypeJoinCall  MessageType = "join_call"
	TypeLeaveCall MessageType = "leave_call"
)

// Notices forwarded to the processing backend on join/leave.
const (
	TypeOperatorJoined MessageType = "operator_joined"
	TypeOperatorLeft   MessageType = "operator_left"
)

// Connected greets a newly registered observer.
type Connected struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// CallStarted announces a ringing call.
type CallStarted struct {
	Type         MessageType `json:"type"`
	CallID       string      `json:"callId"`
	ChannelID    string      `json:"channelId"`
	CallerNumber string      `json:"callerNumber"`
	CalledNumber string      `json:"calledNumber"`
	Timestamp    time.Time   `json:"timestamp"`
}

// CallEnded announces a torn-down call. Duration is in milliseconds.
type CallEnded struct {
	Type      MessageType `json:"type"`
	CallID    string      `json:"callId"`
	ChannelID string      `json:"channelId"`
	Duration  int64       `json:"duration"`
	Timestamp time.Time   `json:"timestamp"`
}

// DTMFReceived reports a keypad digit.
type DTMFReceived struct {
	Type      MessageType `json:"type"`
	CallID    string      `json:"callId"`
	ChannelID string      `json:"channelId"`
	Digit     string      `json:"digit"`
	Timestamp time.Time   `json:"timestamp"`
}

// AudioData reports the size of a media frame from the processing backend.
type AudioData struct {
	Type      MessageType `json:"type"`
	CallID    string      `json:"callId"`
	ChannelID string      `json:"channelId"`
	DataSize  int         `json:"dataSize"`
	Timestamp time.Time   `json:"timestamp"`
}

// Recording reports a recording starting or finishing.
type Recording struct {
	Type          MessageType `json:"type"`
	CallID        string      `json:"callId"`
	ChannelID     string      `json:"channelId"`
	RecordingName string      `json:"recordingName"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Pong answers a ping.
type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// CallAck acknowledges join_call / leave_call, and is also the shape of the
// operator notices forwarded to the processing backend.
type CallAck struct {
	Type      MessageType `json:"type"`
	CallID    string      `json:"callId"`
	Timestamp time.Time   `json:"timestamp"`
}

// Error reports a rejected inbound message.
type Error struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

// Inbound is a message received from an observer.
type Inbound struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"callId,omitempty"`
}
