package provider

import "sync"

// eventQueue buffers events without bound and delivers them in order on a
// channel, so emitters running on transport callbacks never block.
type eventQueue struct {
	events   chan Event
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	pending []Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		events: make(chan Event, 16),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *eventQueue) emit(ev Event) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// stop ends delivery. Queued events that were not yet delivered are dropped.
func (q *eventQueue) stop() {
	q.stopOnce.Do(func() { close(q.done) })
}

func (q *eventQueue) stopped() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *eventQueue) pump() {
	for {
		select {
		case <-q.wake:
		case <-q.done:
			return
		}
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			ev := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			select {
			case q.events <- ev:
			case <-q.done:
				return
			}
		}
	}
}
