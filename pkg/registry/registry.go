// Package registry holds the in-memory table of active calls. Sessions are
// keyed by the PBX channel identifier; the relay-assigned session identifier
// is a secondary lookup. The Registry is safe for concurrent use and performs
// no I/O.
package registry

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// State is a call lifecycle state.
type State string

const (
	StateRinging  State = "ringing"
	StateAnswered State = "answered"
	StateActive   State = "active"
	StateEnded    State = "ended"
	StateTeardown State = "teardown"
)

// Session is one tracked call.
type Session struct {
	SessionID     string
	ChannelID     string
	CallerNumber  string
	CalledNumber  string
	CreatedAt     time.Time
	State         State
	ChannelState  string          // Last PBX channel state (e.g. "Ring", "Up").
	BackendMeta   json.RawMessage // Opaque session payload from the processing backend.
	RecordingName string
	Duration      time.Duration // Last-known duration; final once the session is removed.
}

// Snapshot is the externally visible view of a Session.
type Snapshot struct {
	CallID       string    `json:"callId"`
	ChannelID    string    `json:"channelId"`
	CallerNumber string    `json:"callerNumber"`
	CalledNumber string    `json:"calledNumber"`
	Status       State     `json:"status"`
	StartTime    time.Time `json:"startTime"`
	Duration     int64     `json:"duration"` // Milliseconds.
}

// Registry is a thread-safe table of active sessions. The zero value is ready
// to use.
type Registry struct {
	mu        sync.RWMutex
	once      sync.Once
	byChannel map[string]*Session
	bySession map[string]string // session id -> channel id

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{}
	r.init()
	return r
}

// init ensures internal structures are allocated.
func (r *Registry) init() {
	r.once.Do(func() {
		r.byChannel = make(map[string]*Session)
		r.bySession = make(map[string]string)
		if r.nowFunc == nil {
			r.nowFunc = time.Now
		}
	})
}

// SetNowFunc overrides the time source (for testing).
func (r *Registry) SetNowFunc(fn func() time.Time) {
	r.init()
	r.mu.Lock()
	r.nowFunc = fn
	r.mu.Unlock()
}

// Upsert stores s under channelID, replacing any session already tracked for
// that channel. A channel already holding s.SessionID is dropped, so a
// session id always resolves to exactly one channel.
func (r *Registry) Upsert(channelID string, s Session) {
	r.init()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.put(channelID, s)
}

// Create stores s under channelID only if neither the channel nor the session
// id is tracked yet. It reports whether the session was stored.
func (r *Registry) Create(channelID string, s Session) bool {
	r.init()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byChannel[channelID]; exists {
		return false
	}
	if _, exists := r.bySession[s.SessionID]; exists {
		return false
	}

	r.put(channelID, s)

	return true
}

// put must be called with mu held.
func (r *Registry) put(channelID string, s Session) {
	if old, ok := r.byChannel[channelID]; ok {
		delete(r.bySession, old.SessionID)
	}
	if prev, ok := r.bySession[s.SessionID]; ok && prev != channelID {
		delete(r.byChannel, prev)
	}

	s.ChannelID = channelID
	cp := s
	r.byChannel[channelID] = &cp
	r.bySession[s.SessionID] = channelID
}

// Get returns a copy of the session tracked for channelID.
func (r *Registry) Get(channelID string) (Session, bool) {
	r.init()
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byChannel[channelID]
	if !ok {
		return Session{}, false
	}

	return copySession(s), true
}

// GetBySessionID returns a copy of the session with the given session id.
func (r *Registry) GetBySessionID(sessionID string) (Session, bool) {
	r.init()
	r.mu.RLock()
	defer r.mu.RUnlock()

	channelID, ok := r.bySession[sessionID]
	if !ok {
		return Session{}, false
	}

	return copySession(r.byChannel[channelID]), true
}

// Update applies fn to the session tracked for channelID under the write
// lock. It reports false, without calling fn, when the channel is unknown.
// fn must not change SessionID or ChannelID.
func (r *Registry) Update(channelID string, fn func(*Session)) bool {
	r.init()
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byChannel[channelID]
	if !ok {
		return false
	}

	sessionID := s.SessionID
	fn(s)
	s.SessionID = sessionID
	s.ChannelID = channelID

	return true
}

// Remove deletes the session tracked for channelID and returns it with its
// final Duration filled in.
func (r *Registry) Remove(channelID string) (Session, bool) {
	r.init()
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byChannel[channelID]
	if !ok {
		return Session{}, false
	}

	delete(r.byChannel, channelID)
	delete(r.bySession, s.SessionID)

	s.Duration = r.nowFunc().Sub(s.CreatedAt)
	s.State = StateEnded

	return copySession(s), true
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.init()
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byChannel)
}

// ListActive returns a snapshot of every active session ordered by start
// time, with durations computed at call time.
func (r *Registry) ListActive() []Snapshot {
	r.init()
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.nowFunc()
	out := make([]Snapshot, 0, len(r.byChannel))
	for _, s := range r.byChannel {
		out = append(out, Snapshot{
			CallID:       s.SessionID,
			ChannelID:    s.ChannelID,
			CallerNumber: s.CallerNumber,
			CalledNumber: s.CalledNumber,
			Status:       s.State,
			StartTime:    s.CreatedAt,
			Duration:     now.Sub(s.CreatedAt).Milliseconds(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})

	return out
}

// copySession returns a copy of s whose BackendMeta does not alias the
// stored byte slice.
func copySession(s *Session) Session {
	cp := *s
	if s.BackendMeta != nil {
		cp.BackendMeta = make(json.RawMessage, len(s.BackendMeta))
		copy(cp.BackendMeta, s.BackendMeta)
	}
	return cp
}
