package coordination

import "sync"

// EventQueue is an unbounded FIFO between a backend's delivery goroutines and
// the consumer of Events. Push never blocks, so the service's delivery
// context cannot be stalled by a slow consumer.
type EventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool

	out      chan Event
	quit     chan struct{}
	quitOnce sync.Once
}

func NewEventQueue() *EventQueue {
	q := &EventQueue{
		out:  make(chan Event),
		quit: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// Push enqueues ev. It returns false once the queue has been closed.
func (q *EventQueue) Push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
	return true
}

// Close stops accepting events. Pending events are still delivered, then the
// Events channel is closed.
func (q *EventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Discard stops accepting events, drops pending ones and closes the Events
// channel without waiting for a reader.
func (q *EventQueue) Discard() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.cond.Broadcast()
	q.quitOnce.Do(func() { close(q.quit) })
}

func (q *EventQueue) Events() <-chan Event {
	return q.out
}

// Len returns the number of events not yet handed to the reader.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *EventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		ev := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		// Release the backing array once it has drained well below capacity.
		if cap(q.items) > 256 && len(q.items) < cap(q.items)/4 {
			items := make([]Event, len(q.items))
			copy(items, q.items)
			q.items = items
		}
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.quit:
			return
		}
	}
}
