package electrum

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"walletnet/internal/backoff"
	"walletnet/internal/catalog"
	"walletnet/internal/neterr"
	"walletnet/internal/pool"
	"walletnet/internal/session"
	"walletnet/internal/transport"
)

var (
	epA = catalog.MustParseEndpoint("wss://a.example:50004")
	epB = catalog.MustParseEndpoint("wss://b.example:50004")
)

type handler func(params []any) (any, error)

// fakeServer answers Electrum calls for one endpoint
type fakeServer struct {
	mu       sync.Mutex
	handlers map[string]handler
	calls    map[string]int
	streams  map[string][]chan json.RawMessage
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		handlers: make(map[string]handler),
		calls:    make(map[string]int),
		streams:  make(map[string][]chan json.RawMessage),
	}
}

func (s *fakeServer) handle(method string, h handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

func (s *fakeServer) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *fakeServer) serve(method string, params []any) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls[method]++
	h := s.handlers[method]
	s.mu.Unlock()

	if h == nil {
		return json.RawMessage("null"), nil
	}
	v, err := h(params)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func streamKey(method string, params []any) string {
	if len(params) > 0 {
		return fmt.Sprintf("%s/%v", method, params[0])
	}
	return method
}

// notify pushes v to every stream subscribed with method and first param key
func (s *fakeServer) notify(key string, v any) {
	b, _ := json.Marshal(v)
	s.mu.Lock()
	chans := append([]chan json.RawMessage(nil), s.streams[key]...)
	s.mu.Unlock()
	for _, ch := range chans {
		ch <- b
	}
}

func (s *fakeServer) streamCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[key])
}

type fakeNet struct {
	servers map[string]*fakeServer
}

func newFakeNet(eps ...catalog.Endpoint) *fakeNet {
	n := &fakeNet{servers: make(map[string]*fakeServer)}
	for _, ep := range eps {
		n.servers[ep.Key()] = newFakeServer()
	}
	return n
}

func (n *fakeNet) server(ep catalog.Endpoint) *fakeServer {
	return n.servers[ep.Key()]
}

func (n *fakeNet) factory() transport.Factory {
	return func(ep catalog.Endpoint, onLost func(error)) transport.Transport {
		return &fakeTransport{srv: n.servers[ep.Key()], ep: ep}
	}
}

type fakeTransport struct {
	srv *fakeServer
	ep  catalog.Endpoint

	mu      sync.Mutex
	running bool
}

func (t *fakeTransport) Endpoint() catalog.Endpoint { return t.ep }

func (t *fakeTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return transport.ErrAlreadyStarted
	}
	t.running = true
	return nil
}

func (t *fakeTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	return nil
}

func (t *fakeTransport) Reconnect(ctx context.Context) error {
	return nil
}

func (t *fakeTransport) Submit(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if !running {
		return nil, neterr.New(neterr.KindTransport, "not connected")
	}
	return t.srv.serve(method, params)
}

func (t *fakeTransport) Subscribe(ctx context.Context, method string, params ...any) (*transport.Stream, error) {
	initial, err := t.Submit(ctx, method, params...)
	if err != nil {
		return nil, err
	}

	key := streamKey(method, params)
	ch := make(chan json.RawMessage, 16)
	t.srv.mu.Lock()
	t.srv.streams[key] = append(t.srv.streams[key], ch)
	t.srv.mu.Unlock()

	var once sync.Once
	return &transport.Stream{
		Initial: initial,
		Updates: ch,
		Cancel: func() {
			once.Do(func() {
				t.srv.mu.Lock()
				list := t.srv.streams[key]
				for i, c := range list {
					if c == ch {
						t.srv.streams[key] = append(list[:i], list[i+1:]...)
						break
					}
				}
				t.srv.mu.Unlock()
				close(ch)
			})
		},
	}, nil
}

func newTestClient(t *testing.T, n *fakeNet, eps []catalog.Endpoint, opts ...Option) (*Client, *pool.Pool[*session.Session]) {
	t.Helper()
	factory := func(ep catalog.Endpoint) *session.Session {
		cfg := session.Config{Recovery: session.RecoveryConfig{Disabled: true}}
		return session.New([]catalog.Endpoint{ep}, n.factory(), cfg, zerolog.Nop())
	}
	p := pool.New(eps, factory, pool.Config{
		Backoff: backoff.Policy{Initial: time.Minute, Multiplier: 2, Max: time.Hour},
	}, zerolog.Nop())
	t.Cleanup(p.Close)
	return New(p, "test", zerolog.Nop(), opts...), p
}
