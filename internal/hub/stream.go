package hub

import (
	"sync"
)

// Stream is one consumer's view of the hub
type Stream struct {
	id  string
	hub *Hub

	// addrs is guarded by hub.mu
	addrs map[string]struct{}

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func newStream(id string, h *Hub) *Stream {
	s := &Stream{
		id:     id,
		hub:    h,
		addrs:  make(map[string]struct{}),
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// ID returns the consumer identifier
func (s *Stream) ID() string {
	return s.id
}

// Events returns the event channel; it is closed when the stream closes
func (s *Stream) Events() <-chan Event {
	return s.out
}

// Close releases every address the stream subscribed and closes its channel
func (s *Stream) Close() {
	s.hub.removeStream(s)
}

func (s *Stream) shutdown() {
	s.once.Do(func() { close(s.done) })
}

func (s *Stream) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Stream) pump() {
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
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
