package fsevents

import "sync"

// EventQueue is the single-producer/single-consumer channel between the
// Fragment Reassembler callback and the Watcher Facade's poll loop (§4.4).
// Capacity is unbounded; the consumer is expected to drain promptly.
// Dequeue is always non-blocking, matching the "poll, don't wait" contract
// WF.poll_with_timeout relies on.
type EventQueue struct {
	mu     sync.Mutex
	items  []LogicalEvent
	closed bool
}

// NewEventQueue returns an empty, open queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{}
}

// Send enqueues e. It returns ErrChannelClosed once Close has been
// called, the signal the FR callback uses to tell KPC to stop delivering.
func (q *EventQueue) Send(e LogicalEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrChannelClosed
	}
	q.items = append(q.items, e)
	return nil
}

// TryRecv removes and returns the oldest queued event, if any. It never
// blocks.
func (q *EventQueue) TryRecv() (LogicalEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return LogicalEvent{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

// Close marks the queue closed; subsequent Send calls fail with
// ErrChannelClosed.
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
