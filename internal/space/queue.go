package space

import (
	"context"
	"sync"

	"github.com/roach88/spacesync/internal/ir"
)

// eventType distinguishes the work items of a space's loop.
type eventType int

const (
	// eventInbound is raw bytes received from a peer.
	eventInbound eventType = iota + 1
	// eventIntent is a local operation submitted through the Space API.
	eventIntent
	// eventTick drives the periodic anti-entropy announce.
	eventTick
	// eventRetry re-observes a block whose storage write failed.
	eventRetry
)

func (t eventType) String() string {
	switch t {
	case eventInbound:
		return "inbound"
	case eventIntent:
		return "intent"
	case eventTick:
		return "tick"
	case eventRetry:
		return "retry"
	}
	return "unknown"
}

// intent is a closure run on the loop goroutine; its error is reported on
// done, which is buffered so the loop never blocks on an abandoned caller.
type intent struct {
	name string
	fn   func(ctx context.Context) error
	done chan error
}

type event struct {
	typ    eventType
	peer   string
	data   []byte
	intent *intent

	// eventRetry
	block   ir.FeedBlock
	attempt int
}

// eventQueue is a thread-safe FIFO queue for loop events.
//
// The queue is unbounded so transport handlers and timers never block
// while the loop is busy. A buffered signal channel of size 1 wakes the
// loop; it is closed when the queue closes.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue. It returns false once the
// queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}
	e := q.events[0]
	// Clear the slot so the backing array does not pin payloads.
	q.events[0] = event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns the channel that signals events may be available.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops accepting events and wakes the loop.
// It returns the intents still queued so their callers can be released.
func (q *eventQueue) Close() []*intent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)

	var pending []*intent
	for _, e := range q.events {
		if e.intent != nil {
			pending = append(pending, e.intent)
		}
	}
	q.events = nil
	return pending
}
