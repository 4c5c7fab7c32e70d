package status

import (
	"sync"
)

// Status is the connectivity of a session or of a whole pool
type Status int

const (
	Offline Status = iota
	Connecting
	Online
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case Offline:
		return "offline"
	case Connecting:
		return "connecting"
	case Online:
		return "online"
	default:
		return "unknown"
	}
}

// Broadcaster publishes status changes to any number of observers.
// A value equal to the current one is never published, and every observer
// receives changes in publish order.
type Broadcaster struct {
	mu          sync.Mutex
	current     Status
	subscribers map[int]*subscriber
	nextID      int
	closed      bool
}

type subscriber struct {
	mu     sync.Mutex
	queue  []Status
	signal chan struct{}
	out    chan Status
	done   chan struct{}
}

// NewBroadcaster creates a broadcaster starting at initial
func NewBroadcaster(initial Status) *Broadcaster {
	return &Broadcaster{
		current:     initial,
		subscribers: make(map[int]*subscriber),
	}
}

// Current returns the last published value
func (b *Broadcaster) Current() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Publish sets the current value and notifies observers.
// Returns false when the value did not change.
func (b *Broadcaster) Publish(s Status) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || s == b.current {
		return false
	}
	b.current = s
	for _, sub := range b.subscribers {
		sub.push(s)
	}
	return true
}

// Subscribe returns a channel that first yields the current value and then every change.
// The returned func unregisters the observer and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Status, func()) {
	sub := &subscriber{
		signal: make(chan struct{}, 1),
		out:    make(chan Status),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub
	sub.push(b.current)
	b.mu.Unlock()

	go sub.pump()

	var once sync.Once
	return sub.out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

// Close unregisters every observer
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.done)
	}
}

func (s *subscriber) push(v Status) {
	s.mu.Lock()
	if n := len(s.queue); n > 0 && s.queue[n-1] == v {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		v := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
