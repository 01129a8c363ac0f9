// Package observer fans call lifecycle and media events out to dashboard and
// operator connections, and routes their control messages (ping, join_call,
// leave_call) back toward the processing backend.
//
// Every observer owns a bounded outbound queue drained by its own writer
// goroutine, so Broadcast never blocks on a slow or broken socket: a full
// queue or a closed observer is skipped and logged, and delivery to the
// others proceeds.
package observer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize    = 64
	defaultWriteTimeout = 5 * time.Second
)

// Conn is the transport side of an observer connection.
type Conn interface {
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Forwarder delivers operator notices to the Backend Channel of a session.
// SendControl reports false, with a nil error, when no channel is open.
type Forwarder interface {
	SendControl(ctx context.Context, sessionID string, msg any) (bool, error)
}

// Observer is one registered connection.
type Observer struct {
	id       uint64
	conn     Conn
	operator bool
	out      chan []byte
	closed   atomic.Bool
}

// ID returns the relay-local observer id.
func (o *Observer) ID() uint64 { return o.id }

// Operator reports whether the observer may join and leave calls.
func (o *Observer) Operator() bool { return o.operator }

// Open reports whether the observer still accepts messages.
func (o *Observer) Open() bool { return !o.closed.Load() }

// Options configures a Relay.
type Options struct {
	Logger       *slog.Logger
	QueueSize    int           // Per-observer outbound queue (default 64).
	WriteTimeout time.Duration // Per-frame write deadline (default 5s).
}

// Relay is the pool of observer connections. It is safe for concurrent use.
type Relay struct {
	log          *slog.Logger
	queueSize    int
	writeTimeout time.Duration
	forwarder    atomic.Pointer[forwarderBox]

	mu        sync.RWMutex
	observers map[*Observer]struct{}
	nextID    uint64

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

type forwarderBox struct{ f Forwarder }

// New creates an empty Relay.
func New(opts Options) *Relay {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Relay{
		log:          log.With("component", "observer"),
		queueSize:    opts.QueueSize,
		writeTimeout: opts.WriteTimeout,
		observers:    make(map[*Observer]struct{}),
		nowFunc:      time.Now,
	}
}

// SetForwarder sets the destination for operator join/leave notices.
func (r *Relay) SetForwarder(f Forwarder) {
	r.forwarder.Store(&forwarderBox{f: f})
}

// Register adds conn to the pool, starts its writer and greets it with a
// connected message.
func (r *Relay) Register(conn Conn, operator bool) *Observer {
	r.mu.Lock()
	r.nextID++
	o := &Observer{
		id:       r.nextID,
		conn:     conn,
		operator: operator,
		out:      make(chan []byte, r.queueSize),
	}
	r.observers[o] = struct{}{}
	total := len(r.observers)
	r.mu.Unlock()

	go r.writeLoop(o)

	r.log.Info("observer registered", "observer_id", o.id, "operator", operator, "total", total)
	r.Send(o, Connected{Type: TypeConnected, Timestamp: r.nowFunc()})

	return o
}

// Unregister removes o from the pool and stops its writer. It is idempotent.
func (r *Relay) Unregister(o *Observer) {
	r.mu.Lock()
	if _, ok := r.observers[o]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.observers, o)
	o.closed.Store(true)
	close(o.out)
	total := len(r.observers)
	r.mu.Unlock()

	r.log.Info("observer unregistered", "observer_id", o.id, "total", total)
}

// Len returns the number of registered observers.
func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.observers)
}

// writeLoop drains o's queue onto its connection. A failed write closes and
// unregisters the observer.
func (r *Relay) writeLoop(o *Observer) {
	for data := range o.out {
		if o.closed.Load() {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		err := o.conn.Write(ctx, data)
		cancel()

		if err != nil {
			r.log.Warn("observer send failed; dropping connection", "observer_id", o.id, "error", err)
			r.Unregister(o)
			_ = o.conn.Close()
		}
	}
}

// Broadcast sends msg to every open observer and returns how many accepted
// it. Observers that are closed or whose queue is full are skipped.
func (r *Relay) Broadcast(msg any) int {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("broadcast: marshal message", "error", err)
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for o := range r.observers {
		if r.enqueue(o, data) {
			delivered++
		}
	}

	r.log.Debug("broadcast", "type", messageType(data), "recipients", delivered, "total", len(r.observers))

	return delivered
}

// Send queues msg for a single observer.
func (r *Relay) Send(o *Observer, msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("send: marshal message", "error", err)
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.enqueue(o, data)
}

// enqueue must be called with mu held (read or write), which keeps o.out
// from being closed underneath the send.
func (r *Relay) enqueue(o *Observer, data []byte) bool {
	if o.closed.Load() {
		return false
	}

	select {
	case o.out <- data:
		return true
	default:
		r.log.Warn("observer queue full; message dropped", "observer_id", o.id)
		return false
	}
}

// CloseAll closes and unregisters every observer.
func (r *Relay) CloseAll() {
	r.mu.RLock()
	all := make([]*Observer, 0, len(r.observers))
	for o := range r.observers {
		all = append(all, o)
	}
	r.mu.RUnlock()

	for _, o := range all {
		r.Unregister(o)
		_ = o.conn.Close()
	}
}

// HandleInbound processes one message received from o.
func (r *Relay) HandleInbound(ctx context.Context, o *Observer, data []byte) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		r.log.Warn("observer message: invalid json", "observer_id", o.id, "error", err)
		r.Send(o, r.errorMessage("invalid message"))
		return
	}

	r.log.Debug("observer message", "observer_id", o.id, "type", in.Type)

	switch in.Type {
	case TypePing:
		r.Send(o, Pong{Type: TypePong, Timestamp: r.nowFunc()})

	case TypeJoinCall:
		r.handleCallControl(ctx, o, in.CallID, TypeOperatorJoined, TypeJoinCallSuccess)

	case TypeLeaveCall:
		r.handleCallControl(ctx, o, in.CallID, TypeOperatorLeft, TypeLeaveCallSuccess)

	default:
		r.log.Warn("observer message: unknown type", "observer_id", o.id, "type", in.Type)
	}
}

func (r *Relay) handleCallControl(ctx context.Context, o *Observer, callID string, notice, ack MessageType) {
	if !o.operator {
		r.Send(o, r.errorMessage("join/leave requires an operator connection"))
		return
	}
	if callID == "" {
		r.Send(o, r.errorMessage("callId is required"))
		return
	}

	r.log.Info("operator call control", "observer_id", o.id, "call_id", callID, "notice", notice)

	if box := r.forwarder.Load(); box != nil && box.f != nil {
		sent, err := box.f.SendControl(ctx, callID, CallAck{Type: notice, CallID: callID, Timestamp: r.nowFunc()})
		switch {
		case err != nil:
			r.log.Warn("operator notice not delivered", "call_id", callID, "error", err)
		case !sent:
			r.log.Debug("no backend channel for call; notice skipped", "call_id", callID)
		}
	}

	r.Send(o, CallAck{Type: ack, CallID: callID, Timestamp: r.nowFunc()})
}

func (r *Relay) errorMessage(text string) Error {
	return Error{Type: TypeError, Message: text, Timestamp: r.nowFunc()}
}

// messageType extracts the type discriminator of an encoded message.
func messageType(data []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &probe)
	return probe.Type
}
