package orchestrator

import (
	"context"
	"sync"
)

// callQueue runs one call's background work in arrival order. A worker is
// started on demand and exits once the queue drains.
type callQueue struct {
	mu      sync.Mutex
	tasks   []func(ctx context.Context)
	running bool
}

func (q *callQueue) push(o *Orchestrator, fn func(ctx context.Context)) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	o.async(q.drain)
}

func (q *callQueue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		fn(ctx)
	}
}

// enqueue appends fn to the session's queue. The final task of a session
// retires its queue; later pushes for the same session start a fresh one.
func (o *Orchestrator) enqueue(sessionID string, final bool, fn func(ctx context.Context)) {
	o.mu.Lock()
	q, ok := o.queues[sessionID]
	switch {
	case !ok:
		q = &callQueue{}
		if !final {
			o.queues[sessionID] = q
		}
	case final:
		delete(o.queues, sessionID)
	}
	o.mu.Unlock()

	q.push(o, fn)
}
