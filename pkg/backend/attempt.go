package backend

import "log/slog"

// Attempt is the outcome of a best-effort backend operation. Callers may
// discard it; a failed Attempt never affects the call itself.
type Attempt struct {
	Op        string
	SessionID string
	Err       error
}

// OK reports whether the attempt succeeded.
func (a Attempt) OK() bool { return a.Err == nil }

// Log records the outcome: failures at Warn, successes at Debug.
func (a Attempt) Log(log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}

	if a.Err != nil {
		log.Warn("backend attempt failed", "op", a.Op, "call_id", a.SessionID, "error", a.Err)
		return
	}

	log.Debug("backend attempt ok", "op", a.Op, "call_id", a.SessionID)
}
