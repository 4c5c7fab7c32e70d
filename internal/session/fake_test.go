package session

import (
	"context"
	"encoding/json"
	"sync"

	"walletnet/internal/catalog"
	"walletnet/internal/neterr"
	"walletnet/internal/transport"
)

// fakeNet simulates a set of servers reachable through fakeTransport
type fakeNet struct {
	mu            sync.Mutex
	down          map[string]bool
	failSubscribe map[string]bool
	dialed        []string
	latest        json.RawMessage
	transports    map[string]*fakeTransport
	subscribes    int

	// subscribe calls block after opening their stream until hold is closed
	hold    chan struct{}
	entered chan struct{}
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		down:          make(map[string]bool),
		failSubscribe: make(map[string]bool),
		latest:        json.RawMessage(`"s0"`),
		transports:    make(map[string]*fakeTransport),
	}
}

func (n *fakeNet) factory() transport.Factory {
	return func(ep catalog.Endpoint, onLost func(error)) transport.Transport {
		t := &fakeTransport{net: n, ep: ep, onLost: onLost}
		n.mu.Lock()
		n.transports[ep.Key()] = t
		n.mu.Unlock()
		return t
	}
}

func (n *fakeNet) setDown(ep catalog.Endpoint, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[ep.Key()] = down
}

func (n *fakeNet) setFailSubscribe(ep catalog.Endpoint, fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failSubscribe[ep.Key()] = fail
}

func (n *fakeNet) dialOrder() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.dialed...)
}

func (n *fakeNet) transportFor(ep catalog.Endpoint) *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transports[ep.Key()]
}

// push sets the current value and sends it to every open raw stream of every transport
func (n *fakeNet) push(v string) {
	n.mu.Lock()
	n.latest = json.RawMessage(v)
	ts := make([]*fakeTransport, 0, len(n.transports))
	for _, t := range n.transports {
		ts = append(ts, t)
	}
	n.mu.Unlock()
	for _, t := range ts {
		t.push(json.RawMessage(v))
	}
}

// holdSubscribes pauses subscribe calls once their raw stream is open.
// entered is closed when the first call reaches the pause.
func (n *fakeNet) holdSubscribes() (entered chan struct{}, release func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hold = make(chan struct{})
	n.entered = make(chan struct{})
	hold := n.hold
	return n.entered, func() { close(hold) }
}

func (n *fakeNet) setLatest(v string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latest = json.RawMessage(v)
}

type fakeStream struct {
	ch   chan json.RawMessage
	once sync.Once
}

func (s *fakeStream) close() {
	s.once.Do(func() { close(s.ch) })
}

type fakeTransport struct {
	net    *fakeNet
	ep     catalog.Endpoint
	onLost func(error)

	mu      sync.Mutex
	running bool
	started bool
	streams []*fakeStream
}

func (t *fakeTransport) Endpoint() catalog.Endpoint { return t.ep }

func (t *fakeTransport) dial() error {
	t.net.mu.Lock()
	t.net.dialed = append(t.net.dialed, t.ep.String())
	down := t.net.down[t.ep.Key()]
	t.net.mu.Unlock()
	if down {
		return neterr.New(neterr.KindTransport, "dial").With("server", t.ep.String())
	}
	return nil
}

func (t *fakeTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return transport.ErrAlreadyStarted
	}
	t.mu.Unlock()
	if err := t.dial(); err != nil {
		return err
	}
	t.mu.Lock()
	t.started = true
	t.running = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) closeStreams() {
	t.mu.Lock()
	streams := t.streams
	t.streams = nil
	t.mu.Unlock()
	for _, s := range streams {
		s.close()
	}
}

func (t *fakeTransport) Stop() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return transport.ErrNotStarted
	}
	t.started = false
	t.running = false
	t.mu.Unlock()
	t.closeStreams()
	return nil
}

func (t *fakeTransport) Reconnect(ctx context.Context) error {
	t.closeStreams()
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	if err := t.dial(); err != nil {
		return err
	}
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Submit(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil, neterr.New(neterr.KindTransport, "not connected")
	}
	return json.RawMessage(`"pong"`), nil
}

func (t *fakeTransport) Subscribe(ctx context.Context, method string, params ...any) (*transport.Stream, error) {
	t.net.mu.Lock()
	fail := t.net.failSubscribe[t.ep.Key()]
	initial := t.net.latest
	t.net.subscribes++
	t.net.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil, neterr.New(neterr.KindTransport, "not connected")
	}
	if fail {
		return nil, neterr.New(neterr.KindServerRejected, "subscribe refused")
	}
	s := &fakeStream{ch: make(chan json.RawMessage, 16)}
	t.streams = append(t.streams, s)
	t.mu.Unlock()

	t.net.mu.Lock()
	hold, entered := t.net.hold, t.net.entered
	t.net.entered = nil
	t.net.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if hold != nil {
		<-hold
	}

	t.mu.Lock()
	return &transport.Stream{
		Initial: initial,
		Updates: s.ch,
		Cancel:  func() { t.removeStream(s) },
	}, nil
}

func (t *fakeTransport) removeStream(s *fakeStream) {
	t.mu.Lock()
	for i, x := range t.streams {
		if x == s {
			t.streams = append(t.streams[:i], t.streams[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	s.close()
}

func (t *fakeTransport) push(v json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.streams {
		select {
		case s.ch <- v:
		default:
		}
	}
}

// lose simulates the server dropping the connection
func (t *fakeTransport) lose() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	t.closeStreams()
	go t.onLost(neterr.New(neterr.KindTransport, "connection lost"))
}
