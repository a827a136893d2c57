package cart

import (
	"context"
	"sync"
	"time"
)

// Queue is the unbounded, ordered event log between a build worker and its callers.
// One producer pushes; any number of readers either Drain (destructive cursor) or poll
// with Since/Wait (by sequence number). Events are never mutated after Push.
type Queue struct {
	mu      sync.Mutex
	events  []Event
	drained int
	closed  bool
	notify  chan struct{}
	now     func() time.Time
}

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}), now: time.Now}
}

// Push stamps e with the next sequence number (and a time if unset) and appends it.
// Pushing to a closed queue is a no-op.
func (q *Queue) Push(e Event) Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return e
	}
	e.Seq = uint64(len(q.events)) + 1
	if e.Time.IsZero() {
		e.Time = q.now()
	}
	q.events = append(q.events, e)
	close(q.notify)
	q.notify = make(chan struct{})
	return e
}

// Drain returns every event pushed since the previous Drain.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]Event(nil), q.events[q.drained:]...)
	q.drained = len(q.events)
	return out
}

// Since returns events with Seq > after without consuming them.
func (q *Queue) Since(after uint64) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.since(after)
}

func (q *Queue) since(after uint64) []Event {
	if after >= uint64(len(q.events)) {
		return nil
	}
	return append([]Event(nil), q.events[after:]...)
}

// Close marks the end of the stream and wakes all waiters.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Wait blocks until there are events after seq, the queue is closed, or ctx ends.
// A closed queue with nothing new returns (nil, nil).
func (q *Queue) Wait(ctx context.Context, after uint64) ([]Event, error) {
	for {
		q.mu.Lock()
		evs := q.since(after)
		closed := q.closed
		ch := q.notify
		q.mu.Unlock()
		if len(evs) > 0 || closed {
			return evs, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
