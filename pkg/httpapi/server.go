// Package httpapi serves the relay's control plane: health and PBX status,
// the active call list, operator actions (disconnect, originate) and the
// observer WebSocket endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/germanamz/callrelay/pkg/observer"
	"github.com/germanamz/callrelay/pkg/orchestrator"
	"github.com/germanamz/callrelay/pkg/registry"
	"github.com/germanamz/callrelay/pkg/signaling"
)

// Calls is the call-control side of the relay.
type Calls interface {
	ListActive() []registry.Snapshot
	ActiveCount() int
	DisconnectCall(ctx context.Context, sessionID string) error
	Originate(ctx context.Context, req signaling.OriginateRequest) (string, error)
}

// PBX reports the state of the signaling connection.
type PBX interface {
	Connected() bool
	ReconnectAttempts() int
}

// Options configures the handler.
type Options struct {
	Calls       Calls
	PBX         PBX
	Observers   *observer.Relay // Observer endpoints are not mounted when nil.
	PBXHost     string
	ARIPort     int
	AppName     string
	CORSOrigins []string
	Logger      *slog.Logger
}

type server struct {
	opts Options
	log  *slog.Logger

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewHandler returns the control-plane HTTP handler.
func NewHandler(opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &server{opts: opts, log: log.With("component", "httpapi"), nowFunc: time.Now}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /api/calls/active", s.activeCalls)
	mux.HandleFunc("POST /api/calls/{id}/disconnect", s.disconnect)
	mux.HandleFunc("POST /api/calls/originate", s.originate)
	mux.HandleFunc("GET /api/asterisk/status", s.pbxStatus)

	if opts.Observers != nil {
		patterns := observer.OriginPatterns(opts.CORSOrigins)
		mux.Handle("GET /ws/frontend", opts.Observers.Handler(true, patterns))
		mux.Handle("GET /ws/monitor", opts.Observers.Handler(false, patterns))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return cors(opts.CORSOrigins, s.logRequests(mux))
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Asterisk    PBXHealth `json:"asterisk"`
	ActiveCalls int       `json:"activeCalls"`
}

// PBXHealth is the PBX part of HealthResponse.
type PBXHealth struct {
	Connected bool `json:"connected"`
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Timestamp:   s.nowFunc(),
		Asterisk:    PBXHealth{Connected: s.opts.PBX.Connected()},
		ActiveCalls: s.opts.Calls.ActiveCount(),
	})
}

// ActiveCallsResponse is the body of GET /api/calls/active.
type ActiveCallsResponse struct {
	Status string              `json:"status"`
	Calls  []registry.Snapshot `json:"calls"`
	Count  int                 `json:"count"`
}

func (s *server) activeCalls(w http.ResponseWriter, _ *http.Request) {
	calls := s.opts.Calls.ListActive()
	if calls == nil {
		calls = []registry.Snapshot{}
	}

	writeJSON(w, http.StatusOK, ActiveCallsResponse{Status: "success", Calls: calls, Count: len(calls)})
}

// DisconnectResponse is the body of a successful disconnect.
type DisconnectResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	CallID  string `json:"callId"`
}

func (s *server) disconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.opts.Calls.DisconnectCall(r.Context(), id)
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.log.Error("disconnect failed", "call_id", id, "error", err)
		writeError(w, commandStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, DisconnectResponse{Status: "success", Message: "Call disconnected", CallID: id})
}

// OriginateRequest is the body of POST /api/calls/originate.
type OriginateRequest struct {
	PhoneNumber string            `json:"phoneNumber"`
	CallerID    string            `json:"callerId"`
	Variables   map[string]string `json:"variables"`
}

// OriginateResponse is the body of a successful originate.
type OriginateResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	ChannelID   string `json:"channelId"`
	PhoneNumber string `json:"phoneNumber"`
}

func (s *server) originate(w http.ResponseWriter, r *http.Request) {
	var req OriginateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "phoneNumber is required")
		return
	}

	channelID, err := s.opts.Calls.Originate(r.Context(), signaling.OriginateRequest{
		PhoneNumber: req.PhoneNumber,
		CallerID:    req.CallerID,
		Variables:   req.Variables,
	})
	if err != nil {
		s.log.Error("originate failed", "phone_number", req.PhoneNumber, "error", err)
		writeError(w, commandStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, OriginateResponse{
		Status:      "success",
		Message:     "Call originated",
		ChannelID:   channelID,
		PhoneNumber: req.PhoneNumber,
	})
}

// PBXStatusResponse is the body of GET /api/asterisk/status.
type PBXStatusResponse struct {
	Status            string `json:"status"`
	Connected         bool   `json:"connected"`
	Host              string `json:"host"`
	ARIPort           int    `json:"ariPort"`
	AppName           string `json:"appName"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

func (s *server) pbxStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, PBXStatusResponse{
		Status:            "success",
		Connected:         s.opts.PBX.Connected(),
		Host:              s.opts.PBXHost,
		ARIPort:           s.opts.ARIPort,
		AppName:           s.opts.AppName,
		ReconnectAttempts: s.opts.PBX.ReconnectAttempts(),
	})
}

// commandStatus maps a telephony failure to an HTTP status.
func commandStatus(err error) int {
	if errors.Is(err, signaling.ErrNotConnected) {
		return http.StatusServiceUnavailable
	}

	var cmdErr *signaling.CommandError
	if errors.As(err, &cmdErr) && cmdErr.ChannelGone() {
		return http.StatusNotFound
	}

	return http.StatusBadGateway
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Status: "error", Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
