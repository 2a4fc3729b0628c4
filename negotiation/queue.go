package negotiation

import (
	"sync"
)

// SignalQueue runs handlers one at a time in submission order. Handlers never
// overlap, so state they touch needs no further locking.
type SignalQueue struct {
	mu       sync.Mutex
	idle     *sync.Cond
	tasks    []func()
	draining bool
	closed   bool
}

// NewSignalQueue creates an empty queue.
func NewSignalQueue() *SignalQueue {
	q := &SignalQueue{}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Enqueue schedules fn. It returns false when the queue is closed.
func (q *SignalQueue) Enqueue(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, fn)
	if !q.draining {
		q.draining = true
		go q.drain()
	}
	return true
}

func (q *SignalQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.draining = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		fn()
	}
}

// Len returns the number of handlers waiting to run.
func (q *SignalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// WaitIdle blocks until every queued handler has run.
func (q *SignalQueue) WaitIdle() {
	q.mu.Lock()
	for q.draining {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

// Close rejects further handlers. Handlers already queued still run.
func (q *SignalQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
