// Package calltools defines the call-control tools served to AI agents:
// listing active calls, hanging one up, placing an outbound call and reading
// PBX status. Each tool calls a running relay's control plane.
package calltools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/germanamz/callrelay/pkg/httpapi"
	"github.com/germanamz/callrelay/pkg/tools/toolbox"
)

// Relay is the control plane the tools act on.
type Relay interface {
	ActiveCalls(ctx context.Context) (httpapi.ActiveCallsResponse, error)
	Disconnect(ctx context.Context, callID string) (httpapi.DisconnectResponse, error)
	Originate(ctx context.Context, req httpapi.OriginateRequest) (httpapi.OriginateResponse, error)
	PBXStatus(ctx context.Context) (httpapi.PBXStatusResponse, error)
}

// New returns a ToolBox holding every call-control tool.
func New(r Relay) *toolbox.ToolBox {
	tb := toolbox.New()
	tb.Register(
		listActiveCalls(r),
		disconnectCall(r),
		originateCall(r),
		pbxStatus(r),
	)
	return tb
}

func listActiveCalls(r Relay) toolbox.Tool {
	return toolbox.Tool{
		Name:        "list_active_calls",
		Description: "List the calls currently in progress with their session id, channel id, numbers, state, start time and duration in milliseconds.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		Handler: func(ctx context.Context, _ json.RawMessage) (string, error) {
			resp, err := r.ActiveCalls(ctx)
			if err != nil {
				return "", err
			}
			return toolbox.JSON(resp)
		},
	}
}

type disconnectInput struct {
	CallID string `json:"call_id"`
}

func disconnectCall(r Relay) toolbox.Tool {
	return toolbox.Tool{
		Name:        "disconnect_call",
		Description: "Hang up an active call by its session id (the callId reported by list_active_calls).",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"call_id": {"type": "string", "description": "Session id of the call"}},
  "required": ["call_id"]
}`),
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			args, err := toolbox.Args[disconnectInput](input)
			if err != nil {
				return "", err
			}
			if args.CallID == "" {
				return "", errors.New("call_id is required")
			}

			resp, err := r.Disconnect(ctx, args.CallID)
			if err != nil {
				return "", err
			}
			return toolbox.JSON(resp)
		},
	}
}

type originateInput struct {
	PhoneNumber string            `json:"phone_number"`
	CallerID    string            `json:"caller_id"`
	Variables   map[string]string `json:"variables"`
}

func originateCall(r Relay) toolbox.Tool {
	return toolbox.Tool{
		Name:        "originate_call",
		Description: "Place an outbound call to a phone number. Returns the provisional PBX channel id; the call appears in list_active_calls once answered.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "phone_number": {"type": "string", "description": "Destination number"},
    "caller_id": {"type": "string", "description": "Caller id to present"},
    "variables": {"type": "object", "additionalProperties": {"type": "string"}, "description": "Channel variables"}
  },
  "required": ["phone_number"]
}`),
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			args, err := toolbox.Args[originateInput](input)
			if err != nil {
				return "", err
			}
			if args.PhoneNumber == "" {
				return "", errors.New("phone_number is required")
			}

			resp, err := r.Originate(ctx, httpapi.OriginateRequest{
				PhoneNumber: args.PhoneNumber,
				CallerID:    args.CallerID,
				Variables:   args.Variables,
			})
			if err != nil {
				return "", err
			}
			return toolbox.JSON(resp)
		},
	}
}

func pbxStatus(r Relay) toolbox.Tool {
	return toolbox.Tool{
		Name:        "pbx_status",
		Description: "Report whether the relay is connected to the PBX, with host, port, application name and reconnect attempts.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		Handler: func(ctx context.Context, _ json.RawMessage) (string, error) {
			resp, err := r.PBXStatus(ctx)
			if err != nil {
				return "", err
			}
			return toolbox.JSON(resp)
		},
	}
}
