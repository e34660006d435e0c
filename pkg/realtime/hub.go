package realtime

import "sync"

// Hub fans events out to any number of subscriptions. Each subscription has
// an unbounded queue, so Publish never blocks on a slow consumer and a
// consumer may call back into the client while handling an event.
//
// The zero value is ready to use.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscribe returns a new subscription. On a closed hub the returned
// subscription is already closed.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		hub:  h,
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closeOnce.Do(func() { close(s.done) })
		return s
	}
	if h.subs == nil {
		h.subs = make(map[*Subscription]struct{})
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish queues ev on every open subscription.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.push(ev)
	}
}

// Close closes every subscription. Later Subscribe calls return closed
// subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.closed = true
	h.mu.Unlock()

	for s := range subs {
		s.closeOnce.Do(func() { close(s.done) })
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}

// Subscription is a stream of events from a [Hub].
type Subscription struct {
	hub *Hub
	out chan Event

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the channel on which events arrive. It is closed after
// Close, once the forwarding goroutine has stopped.
func (s *Subscription) Events() <-chan Event { return s.out }

// Close detaches the subscription and drops undelivered events. Idempotent.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
