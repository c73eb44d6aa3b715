package bus

import (
	"sync"
	"sync/atomic"
)

// Subscription is one subscriber's bounded queue on the bus.
type Subscription struct {
	id  uint64
	bus *Bus
	ch  chan Event

	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// Events returns the receive side of the subscriber's queue. The channel is
// closed by Unsubscribe or bus shutdown.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe detaches from the bus and closes the queue. Safe to call more
// than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
}

// enqueue appends the event, evicting the oldest entry when full. The mutex
// keeps concurrent publishers from evicting past each other; the consumer may
// drain between the eviction and the send, which only leaves spare room.
func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- ev:
		return
	default:
	}

	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}

	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
