package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"walletnet/internal/transport"
)

// stream bridges a raw transport stream to a consumer channel that survives reconnects
type stream struct {
	id     string
	method string
	params []any
	out    chan json.RawMessage

	mu        sync.Mutex
	initial   json.RawMessage
	last      json.RawMessage
	active    bool
	suspended bool
	rawCancel func()
	stop      chan struct{}
	fwdDone   chan struct{}
}

func newStream(id, method string, params []any, buffer int) *stream {
	return &stream{
		id:     id,
		method: method,
		params: params,
		out:    make(chan json.RawMessage, buffer),
		active: true,
	}
}

// attach starts forwarding raw updates. With replay set, a new initial value
// that differs from the last one the consumer saw is forwarded first.
func (st *stream) attach(raw *transport.Stream, replay bool) bool {
	st.mu.Lock()
	if !st.active {
		st.mu.Unlock()
		raw.Cancel()
		return false
	}
	var first json.RawMessage
	if replay && !bytes.Equal(raw.Initial, st.last) {
		first = raw.Initial
	}
	st.initial = raw.Initial
	st.last = raw.Initial
	st.rawCancel = raw.Cancel
	st.suspended = false
	stop := make(chan struct{})
	done := make(chan struct{})
	st.stop = stop
	st.fwdDone = done
	st.mu.Unlock()

	go st.forward(raw.Updates, first, stop, done)
	return true
}

func (st *stream) forward(updates <-chan json.RawMessage, first json.RawMessage, stop, done chan struct{}) {
	defer close(done)

	if first != nil {
		select {
		case st.out <- first:
		case <-stop:
			return
		}
	}

	for {
		select {
		case <-stop:
			return
		case v, ok := <-updates:
			if !ok {
				st.mu.Lock()
				if st.stop == stop {
					st.suspended = true
				}
				st.mu.Unlock()
				return
			}
			st.mu.Lock()
			st.last = v
			st.mu.Unlock()
			select {
			case st.out <- v:
			case <-stop:
				return
			}
		}
	}
}

// prepareForRestart stops forwarding and releases the raw stream.
// The consumer channel stays open.
func (st *stream) prepareForRestart() {
	st.mu.Lock()
	stop, done, cancel := st.stop, st.fwdDone, st.rawCancel
	st.stop, st.fwdDone, st.rawCancel = nil, nil, nil
	if st.active {
		st.suspended = true
	}
	st.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if cancel != nil {
		cancel()
	}
}

// resubscribe replaces the raw stream with a fresh one from t
func (st *stream) resubscribe(ctx context.Context, t transport.Transport) error {
	if !st.isActive() {
		return nil
	}
	st.prepareForRestart()

	raw, err := t.Subscribe(ctx, st.method, st.params...)
	if err != nil {
		return fmt.Errorf("failed to resubscribe %s: %w", st.method, err)
	}
	st.attach(raw, true)
	return nil
}

// cancel is terminal: forwarding stops, the raw stream is released and the consumer channel closes
func (st *stream) cancel() {
	st.mu.Lock()
	if !st.active {
		st.mu.Unlock()
		return
	}
	st.active = false
	st.mu.Unlock()

	st.prepareForRestart()
	close(st.out)
}

func (st *stream) isActive() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active
}

func (st *stream) isSuspended() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.suspended
}

func (st *stream) latestInitial() json.RawMessage {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.initial
}

// Subscription is the consumer handle of a streaming call.
// Its Updates channel is the same for the whole life of the subscription.
type Subscription struct {
	id      string
	method  string
	updates <-chan json.RawMessage
	owner   *Session
}

// ID returns the subscription identifier
func (s *Subscription) ID() string {
	return s.id
}

// Method returns the subscribed method
func (s *Subscription) Method() string {
	return s.method
}

// Updates returns the consumer channel; it is closed only by Cancel or Session.Stop
func (s *Subscription) Updates() <-chan json.RawMessage {
	return s.updates
}

// Initial returns the latest initial response, refreshed on every resubscribe
func (s *Subscription) Initial() json.RawMessage {
	return s.owner.streamInitial(s.id)
}

// Active reports whether the subscription has not been cancelled
func (s *Subscription) Active() bool {
	return s.owner.streamActive(s.id)
}

// Suspended reports whether the subscription is waiting for a reconnect
func (s *Subscription) Suspended() bool {
	return s.owner.streamSuspended(s.id)
}

// Cancel ends the subscription
func (s *Subscription) Cancel() {
	s.owner.cancelStream(s.id)
}

// Resubscribe forces a fresh subscription on the current connection
func (s *Subscription) Resubscribe(ctx context.Context) error {
	return s.owner.resubscribeStream(ctx, s.id)
}
