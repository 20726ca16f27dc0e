package engine

import (
	"sync"

	"github.com/crosswire-labs/crosswire/internal/wire"
)

// eventQueue is a thread-safe FIFO for delivered events.
//
// The queue is unbounded: the substrate already applies back-pressure at the
// broker, and command handling can enqueue follow-on notices without
// blocking. Thread-safety covers external enqueuing (ingest adapters, the
// loopback publisher) while the Run loop dequeues.
//
// A buffered signal channel of size 1 coalesces wakeups and lets the Run
// loop wait with context awareness.
type eventQueue struct {
	mu     sync.Mutex
	events []wire.Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]wire.Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event at the back. Returns false if the queue is closed.
func (q *eventQueue) Enqueue(ev wire.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, ev)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (wire.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return wire.Event{}, false
	}
	ev := q.events[0]

	// Nil the slot so the backing array does not retain Data slices.
	q.events[0] = wire.Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return ev, true
}

// Wait returns the signal channel. It fires when an event arrives or the
// queue closes.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close rejects further enqueues and wakes any waiter.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
