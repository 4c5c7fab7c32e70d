package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"walletnet/internal/catalog"
	"walletnet/internal/neterr"
	"walletnet/internal/status"
	"walletnet/internal/transport"
)

// State is the lifecycle position of a Session
type State int

const (
	StateStopped State = iota
	StateRestoring
	StateRunning
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRestoring:
		return "restoring"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

var (
	ErrSessionAlreadyStarted = neterr.ErrSessionAlreadyStarted
	ErrSessionNotStarted     = neterr.ErrSessionNotStarted
)

// Config holds session settings
type Config struct {
	PingMethod   string
	UpdateBuffer int
	Recovery     RecoveryConfig
}

// Default values
const (
	DefaultPingMethod   = "server.ping"
	DefaultUpdateBuffer = 64
)

// Session owns at most one live transport and rotates through candidate servers.
// Lifecycle operations are serialized by opMu; mu guards the fields below it
// and is never held across transport I/O.
type Session struct {
	factory transport.Factory
	cfg     Config
	logger  zerolog.Logger
	status  *status.Broadcaster

	ctx    context.Context
	cancel context.CancelFunc

	opMu sync.Mutex

	mu           sync.Mutex
	state        State
	candidates   []catalog.Endpoint
	preferred    catalog.Endpoint
	active       catalog.Endpoint
	transport    transport.Transport
	transportGen uint64
	gen          uint64
	lostGen      uint64
	streams      map[string]*stream
	wantRunning  bool
	recovering   bool
}

// New creates a stopped session over the given candidates
func New(endpoints []catalog.Endpoint, factory transport.Factory, cfg Config, logger zerolog.Logger) *Session {
	if cfg.PingMethod == "" {
		cfg.PingMethod = DefaultPingMethod
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = DefaultUpdateBuffer
	}
	cfg.Recovery = cfg.Recovery.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		factory:    factory,
		cfg:        cfg,
		logger:     logger.With().Str("component", "session").Logger(),
		status:     status.NewBroadcaster(status.Offline),
		ctx:        ctx,
		cancel:     cancel,
		candidates: catalog.Merge(endpoints, nil, nil),
		streams:    make(map[string]*stream),
	}
}

// Start connects to the first candidate that accepts a connection
func (s *Session) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(ctx)
}

func (s *Session) start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return ErrSessionAlreadyStarted
	}
	s.state = StateRestoring
	s.wantRunning = true
	candidates := s.orderedCandidatesLocked()
	s.mu.Unlock()

	s.status.Publish(status.Connecting)
	return s.sweep(ctx, candidates)
}

// Stop tears down the transport and cancels every subscription
func (s *Session) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrSessionNotStarted
	}
	s.wantRunning = false
	t := s.transport
	s.transport = nil
	s.active = catalog.Endpoint{}
	s.state = StateStopped
	streams := s.streams
	s.streams = make(map[string]*stream)
	s.mu.Unlock()

	for _, st := range streams {
		st.cancel()
	}
	if t != nil {
		if err := t.Stop(); err != nil && !errors.Is(err, transport.ErrNotStarted) {
			s.logger.Debug().Err(err).Msg("transport stop failed")
		}
	}
	s.status.Publish(status.Offline)
	s.logger.Info().Msg("session stopped")
	return nil
}

// Close stops the session and the background recovery for good
func (s *Session) Close() {
	s.cancel()
	_ = s.Stop()
	s.status.Close()
}

// Reconnect re-dials the active server in place and falls back to a full
// candidate sweep when that fails
func (s *Session) Reconnect(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.reconnect(ctx)
}

func (s *Session) reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrSessionNotStarted
	}
	t := s.transport
	ep := s.active
	s.state = StateRestoring
	s.mu.Unlock()
	s.status.Publish(status.Connecting)

	var err error
	resubscribeFailed := false
	if t != nil {
		err = t.Reconnect(ctx)
		if err == nil {
			if rerr := s.restoreStreams(ctx, t); rerr != nil {
				err = rerr
				resubscribeFailed = true
			}
		}
		if err == nil {
			s.mu.Lock()
			s.state = StateRunning
			s.mu.Unlock()
			s.status.Publish(status.Online)
			s.logger.Info().Str("server", ep.String()).Msg("reconnected")
			return nil
		}
	} else {
		err = neterr.New(neterr.KindTransport, "no active transport")
	}

	s.logger.Warn().Err(err).Str("server", ep.String()).Bool("resubscribe", resubscribeFailed).Msg("reconnect failed, trying other servers")
	if resubscribeFailed {
		s.suspendStreams()
	}
	s.release(t)
	if !ep.IsZero() {
		s.demote(ep)
	}

	s.mu.Lock()
	candidates := s.orderedCandidatesLocked()
	s.mu.Unlock()
	return s.sweep(ctx, candidates)
}

// ActivateServerAddress pins endpoint as the preferred server and switches to it when connected elsewhere.
// If the switch fails the previous preference is restored and the previous server is tried again.
func (s *Session) ActivateServerAddress(ctx context.Context, endpoint catalog.Endpoint) error {
	if endpoint.IsZero() {
		return fmt.Errorf("%w: empty endpoint", catalog.ErrInvalidEndpoint)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	prevPreferred := s.preferred
	s.preferred = endpoint
	s.moveToFrontLocked(endpoint)
	state := s.state
	prevActive := s.active
	t := s.transport
	s.mu.Unlock()

	if state == StateStopped || prevActive.Equal(endpoint) {
		return nil
	}

	s.logger.Info().Str("from", prevActive.String()).Str("to", endpoint.String()).Msg("switching server")
	s.suspendStreams()
	s.mu.Lock()
	s.state = StateRestoring
	s.mu.Unlock()
	s.status.Publish(status.Connecting)
	s.release(t)

	err := s.sweep(ctx, []catalog.Endpoint{endpoint})
	if err == nil {
		return nil
	}

	s.logger.Warn().Err(err).Str("server", endpoint.String()).Msg("switch failed, restoring previous server")
	s.mu.Lock()
	s.preferred = prevPreferred
	candidates := s.orderedCandidatesLocked()
	if !prevActive.IsZero() {
		candidates = moveToFront(candidates, prevActive)
	}
	s.state = StateRestoring
	s.mu.Unlock()
	s.status.Publish(status.Connecting)

	if rerr := s.sweep(ctx, candidates); rerr != nil {
		s.logger.Warn().Err(rerr).Msg("failed to restore previous connection")
	}
	return err
}

// sweep tries candidates in order. It must be called with opMu held and state restoring.
func (s *Session) sweep(ctx context.Context, candidates []catalog.Endpoint) error {
	var lastErr error
	for _, ep := range candidates {
		if ctx.Err() != nil {
			lastErr = neterr.Normalize(ctx.Err())
			break
		}

		t, gen, err := s.open(ctx, ep)
		if err == nil {
			if err = s.restoreStreams(ctx, t); err != nil {
				s.suspendStreams()
				_ = t.Stop()
			}
		}
		if err != nil {
			lastErr = err
			s.demote(ep)
			s.logger.Warn().Err(err).Str("server", ep.String()).Msg("server unavailable")
			continue
		}

		s.adopt(t, gen, ep)
		return nil
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.status.Publish(status.Offline)

	if lastErr == nil {
		lastErr = neterr.New(neterr.KindTransport, "no candidate servers")
	}
	return lastErr
}

func (s *Session) open(ctx context.Context, ep catalog.Endpoint) (transport.Transport, uint64, error) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	t := s.factory(ep, func(err error) { s.handleLost(gen, err) })
	if err := t.Start(ctx); err != nil {
		return nil, 0, err
	}
	return t, gen, nil
}

func (s *Session) adopt(t transport.Transport, gen uint64, ep catalog.Endpoint) {
	s.mu.Lock()
	s.transport = t
	s.transportGen = gen
	s.active = ep
	s.state = StateRunning
	s.promoteLocked(ep)
	lostEarly := s.lostGen == gen
	s.mu.Unlock()

	s.status.Publish(status.Online)
	s.logger.Info().Str("server", ep.String()).Msg("session connected")

	if lostEarly {
		go s.handleLost(gen, neterr.New(neterr.KindTransport, "connection lost"))
	}
}

// release forgets t if it is still the active transport and stops it
func (s *Session) release(t transport.Transport) {
	if t == nil {
		return
	}
	s.mu.Lock()
	if s.transport == t {
		s.transport = nil
		s.active = catalog.Endpoint{}
	}
	s.mu.Unlock()
	if err := t.Stop(); err != nil && !errors.Is(err, transport.ErrNotStarted) {
		s.logger.Debug().Err(err).Msg("transport stop failed")
	}
}

func (s *Session) activeStreams() []*stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		result = append(result, st)
	}
	return result
}

func (s *Session) restoreStreams(ctx context.Context, t transport.Transport) error {
	streams := s.activeStreams()
	for _, st := range streams {
		if err := st.resubscribe(ctx, t); err != nil {
			return err
		}
	}
	if len(streams) > 0 {
		s.logger.Debug().Int("subscriptions", len(streams)).Msg("subscriptions restored")
	}
	return nil
}

func (s *Session) suspendStreams() {
	for _, st := range s.activeStreams() {
		st.prepareForRestart()
	}
}

// Submit sends a unary request on the active transport
func (s *Session) Submit(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	t, err := s.runningTransport()
	if err != nil {
		return nil, err
	}
	return t.Submit(ctx, method, params...)
}

// Ping performs the cheap liveness call
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Submit(ctx, s.cfg.PingMethod)
	return err
}

// Subscribe opens a streaming call whose consumer channel survives reconnects.
// It holds opMu so a reconnect cannot restore streams between the transport
// call and registration.
func (s *Session) Subscribe(ctx context.Context, method string, params ...any) (*Subscription, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	t, err := s.runningTransport()
	if err != nil {
		return nil, err
	}
	raw, err := t.Subscribe(ctx, method, params...)
	if err != nil {
		return nil, err
	}

	st := newStream(uuid.NewString(), method, params, s.cfg.UpdateBuffer)
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		raw.Cancel()
		return nil, ErrSessionNotStarted
	}
	s.streams[st.id] = st
	s.mu.Unlock()
	st.attach(raw, false)

	return &Subscription{id: st.id, method: method, updates: st.out, owner: s}, nil
}

func (s *Session) runningTransport() (transport.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.transport == nil {
		return nil, ErrSessionNotStarted
	}
	return s.transport, nil
}

func (s *Session) lookupStream(id string) (*stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	return st, ok
}

func (s *Session) streamInitial(id string) json.RawMessage {
	if st, ok := s.lookupStream(id); ok {
		return st.latestInitial()
	}
	return nil
}

func (s *Session) streamActive(id string) bool {
	st, ok := s.lookupStream(id)
	return ok && st.isActive()
}

func (s *Session) streamSuspended(id string) bool {
	st, ok := s.lookupStream(id)
	return ok && st.isSuspended()
}

func (s *Session) cancelStream(id string) {
	s.mu.Lock()
	st, ok := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()
	if ok {
		st.cancel()
	}
}

func (s *Session) resubscribeStream(ctx context.Context, id string) error {
	st, ok := s.lookupStream(id)
	if !ok {
		return fmt.Errorf("subscription %s: %w", id, ErrSessionNotStarted)
	}
	t, err := s.runningTransport()
	if err != nil {
		return err
	}
	return st.resubscribe(ctx, t)
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether the session has a live transport
func (s *Session) Running() bool {
	return s.State() == StateRunning
}

// ActiveEndpoint returns the connected server
func (s *Session) ActiveEndpoint() (catalog.Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, !s.active.IsZero()
}

// Candidates returns the current candidate order
func (s *Session) Candidates() []catalog.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]catalog.Endpoint(nil), s.candidates...)
}

// Status returns the current connectivity
func (s *Session) Status() status.Status {
	return s.status.Current()
}

// WatchStatus returns a channel of connectivity changes and its cancel func
func (s *Session) WatchStatus() (<-chan status.Status, func()) {
	return s.status.Subscribe()
}

// SubscriptionCount returns the number of live subscriptions
func (s *Session) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Session) orderedCandidatesLocked() []catalog.Endpoint {
	result := append([]catalog.Endpoint(nil), s.candidates...)
	if !s.preferred.IsZero() {
		result = moveToFront(result, s.preferred)
	}
	return result
}

func (s *Session) moveToFrontLocked(ep catalog.Endpoint) {
	s.candidates = moveToFront(s.candidates, ep)
}

func (s *Session) promoteLocked(ep catalog.Endpoint) {
	s.candidates = moveToFront(s.candidates, ep)
}

// demote moves ep to the tail unless it is the pinned preferred server
func (s *Session) demote(ep catalog.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep.Equal(s.preferred) {
		return
	}
	idx := indexOf(s.candidates, ep)
	if idx < 0 {
		return
	}
	s.candidates = append(append(s.candidates[:idx:idx], s.candidates[idx+1:]...), ep)
}

func indexOf(list []catalog.Endpoint, ep catalog.Endpoint) int {
	for i, e := range list {
		if e.Equal(ep) {
			return i
		}
	}
	return -1
}

// moveToFront returns list with ep first, inserting it when missing
func moveToFront(list []catalog.Endpoint, ep catalog.Endpoint) []catalog.Endpoint {
	result := make([]catalog.Endpoint, 0, len(list)+1)
	result = append(result, ep)
	for _, e := range list {
		if !e.Equal(ep) {
			result = append(result, e)
		}
	}
	return result
}

