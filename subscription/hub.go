package subscription

import (
	"sync"

	"tasks-api/domain"
)

// Per-subscriber buffer. A consumer that falls this far behind starts
// losing its oldest undelivered events rather than stalling the writers.
const subscriberBuffer = 16

// Hub fans committed task events out to live subscribers. It is not a
// queue: a subscriber only sees events broadcast after it registered, and
// nothing is replayed.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool
}

// Subscriber is one live stream of task events. Close deregisters it and
// releases its channel; it is safe to call concurrently with broadcasts
// and more than once.
type Subscriber struct {
	hub *Hub
	ch  chan domain.TaskEvent
}

// NewHub creates an empty hub. The owner is expected to Close it at
// shutdown.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new subscriber receiving every event broadcast
// from this point forward.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{hub: h, ch: make(chan domain.TaskEvent, subscriberBuffer)}
	h.mu.Lock()
	if h.closed {
		close(sub.ch)
	} else {
		h.subs[sub] = struct{}{}
	}
	h.mu.Unlock()
	return sub
}

// Broadcast delivers ev to every registered subscriber. Fan-out happens
// under the hub lock so all subscribers observe the same event order; the
// per-subscriber send never blocks, dropping the oldest buffered event on
// overflow.
func (h *Hub) Broadcast(ev domain.TaskEvent) {
	h.mu.Lock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	h.mu.Unlock()
}

// Close tears down the hub and every remaining subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		for sub := range h.subs {
			close(sub.ch)
			delete(h.subs, sub)
		}
	}
	h.mu.Unlock()
}

// Events returns the subscriber's live event stream. The channel is closed
// when the subscriber or the hub is closed.
func (s *Subscriber) Events() <-chan domain.TaskEvent {
	return s.ch
}

// Close deregisters the subscriber. Idempotent.
func (s *Subscriber) Close() {
	h := s.hub
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
	h.mu.Unlock()
}
