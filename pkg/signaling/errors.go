package signaling

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotConnected is returned by commands issued while the control
	// connection is down.
	ErrNotConnected = errors.New("signaling: not connected")

	// ErrReconnectExhausted is returned by Run once the maximum number of
	// reconnect attempts has been used up.
	ErrReconnectExhausted = errors.New("signaling: reconnect attempts exhausted")
)

// ConnectionError reports a failure to authenticate against or reach the PBX.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("signaling: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError reports a single control command the PBX did not carry out.
type CommandError struct {
	ChannelID  string
	Op         string
	StatusCode int // HTTP status from the PBX; zero when no response was received.
	Err        error
}

func (e *CommandError) Error() string {
	target := e.ChannelID
	if target == "" {
		target = "-"
	}
	return fmt.Sprintf("signaling: %s %s: %v", e.Op, target, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ChannelGone reports whether the PBX rejected the command because the
// channel no longer exists (404) or has already left the application (422).
func (e *CommandError) ChannelGone() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusUnprocessableEntity
}
