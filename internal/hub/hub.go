package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"walletnet/internal/neterr"
)

var errNoResult = errors.New("backend returned no result for address")

// Hub multiplexes address subscriptions of many streams onto one backend.
// Interest is reference counted per address and new addresses are flushed to
// the backend in debounced batches.
type Hub struct {
	backend Backend
	cfg     Config
	logger  zerolog.Logger
	dedup   *Deduplicator
	now     func() time.Time

	mu           sync.Mutex
	streams      map[string]*Stream
	refs         map[string]int
	active       map[string]bool
	pending      map[string]struct{}
	pendingSince time.Time
	timer        *time.Timer
	timerGen     uint64
	connected    bool
	closed       bool
	flushCtx     context.Context
	cancelFlush  context.CancelFunc
}

// New creates a hub that starts with connectivity active
func New(backend Backend, cfg Config, logger zerolog.Logger) (*Hub, error) {
	cfg = cfg.withDefaults()
	dedup, err := NewDeduplicator(cfg.DedupCacheSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		backend:     backend,
		cfg:         cfg,
		logger:      logger.With().Str("component", "hub").Logger(),
		dedup:       dedup,
		now:         time.Now,
		streams:     make(map[string]*Stream),
		refs:        make(map[string]int),
		active:      make(map[string]bool),
		pending:     make(map[string]struct{}),
		connected:   true,
		flushCtx:    ctx,
		cancelFlush: cancel,
	}, nil
}

// MakeStream registers a consumer. An empty id gets a generated one.
func (h *Hub) MakeStream(id string) (*Stream, error) {
	if id == "" {
		id = uuid.NewString()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, neterr.New(neterr.KindSession, "hub closed")
	}
	if _, exists := h.streams[id]; exists {
		return nil, neterr.New(neterr.KindDuplicateHandler, "stream already registered").With("consumer", id)
	}
	s := newStream(id, h)
	h.streams[id] = s
	return s, nil
}

// Subscribe registers interest of consumer in addr. The first interest in an
// address schedules a backend subscription; later ones only count.
func (h *Hub) Subscribe(consumer, addr string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.streams[consumer]
	if !ok {
		return fmt.Errorf("unknown consumer %q", consumer)
	}
	if _, dup := s.addrs[addr]; dup {
		return nil
	}
	s.addrs[addr] = struct{}{}

	h.refs[addr]++
	if h.refs[addr] == 1 {
		h.pending[addr] = struct{}{}
		h.scheduleLocked()
		return nil
	}

	if last, ok := h.dedup.Last(addr); ok && h.active[addr] {
		s.push(Event{Address: addr, Status: last})
	}
	return nil
}

// Unsubscribe drops interest of consumer in addr. Dropping the last interest
// unsubscribes the address from the backend when connected.
func (h *Hub) Unsubscribe(ctx context.Context, consumer, addr string) error {
	h.mu.Lock()
	s, ok := h.streams[consumer]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("unknown consumer %q", consumer)
	}
	if _, has := s.addrs[addr]; !has {
		h.mu.Unlock()
		return nil
	}
	delete(s.addrs, addr)
	release := h.releaseLocked(addr)
	h.mu.Unlock()

	if !release {
		return nil
	}
	if err := h.backend.Unsubscribe(ctx, addr); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", addr, err)
	}
	return nil
}

// releaseLocked drops one reference to addr and reports whether the backend
// subscription must be removed
func (h *Hub) releaseLocked(addr string) bool {
	h.refs[addr]--
	if h.refs[addr] > 0 {
		return false
	}
	delete(h.refs, addr)
	delete(h.pending, addr)
	h.dedup.Forget(addr)

	wasActive := h.active[addr]
	delete(h.active, addr)
	return wasActive && h.connected
}

func (h *Hub) removeStream(s *Stream) {
	h.mu.Lock()
	if h.streams[s.id] != s {
		h.mu.Unlock()
		s.shutdown()
		return
	}
	delete(h.streams, s.id)

	var release []string
	for addr := range s.addrs {
		if h.releaseLocked(addr) {
			release = append(release, addr)
		}
	}
	s.addrs = make(map[string]struct{})
	h.mu.Unlock()

	s.shutdown()

	for _, addr := range release {
		if err := h.backend.Unsubscribe(context.Background(), addr); err != nil {
			h.logger.Warn().Err(err).Str("address", addr).Msg("failed to unsubscribe after stream closed")
		}
	}
}

// scheduleLocked arms the debounce timer for the pending set
func (h *Hub) scheduleLocked() {
	if len(h.pending) == 0 || !h.connected || h.closed {
		return
	}

	now := h.now()
	if h.pendingSince.IsZero() {
		h.pendingSince = now
	}
	delay := h.cfg.DebounceInterval
	if deadline := h.pendingSince.Add(h.cfg.MaxDebounce); now.Add(delay).After(deadline) {
		delay = deadline.Sub(now)
		if delay < 0 {
			delay = 0
		}
	}

	if h.timer != nil {
		h.timer.Stop()
	}
	h.timerGen++
	gen := h.timerGen
	h.timer = time.AfterFunc(delay, func() { h.fire(gen) })
}

func (h *Hub) fire(gen uint64) {
	h.mu.Lock()
	if gen != h.timerGen || !h.connected || h.closed || len(h.pending) == 0 {
		h.mu.Unlock()
		return
	}
	addrs := make([]string, 0, len(h.pending))
	for addr := range h.pending {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	h.pending = make(map[string]struct{})
	h.pendingSince = time.Time{}
	h.timer = nil
	ctx := h.flushCtx
	h.mu.Unlock()

	h.flush(ctx, addrs)
}

func (h *Hub) flush(ctx context.Context, addrs []string) {
	h.logger.Debug().Int("addresses", len(addrs)).Msg("flushing subscriptions")
	results := h.backend.SubscribeBatch(ctx, addrs)

	byAddr := make(map[string]Result, len(results))
	for _, r := range results {
		byAddr[r.Address] = r
	}

	var orphaned []string
	failed := 0
	for _, addr := range addrs {
		r, ok := byAddr[addr]
		if !ok {
			r = Result{Address: addr, Err: errNoResult}
		}

		if ctx.Err() != nil {
			// disconnected mid-flush; the address is queued again on reconnect
			continue
		}

		h.mu.Lock()
		interested := h.refs[addr] > 0
		if interested && r.Err == nil {
			h.active[addr] = true
		}
		h.mu.Unlock()

		switch {
		case !interested:
			if r.Err == nil {
				orphaned = append(orphaned, addr)
			}
		case r.Err != nil:
			failed++
			h.fail(addr, r.Err)
		default:
			h.Deliver(addr, r.Status)
		}
	}

	if failed > 0 {
		h.logger.Warn().Int("failed", failed).Int("addresses", len(addrs)).Msg("batch subscribe partially failed")
	}
	for _, addr := range orphaned {
		if err := h.backend.Unsubscribe(ctx, addr); err != nil {
			h.logger.Debug().Err(err).Str("address", addr).Msg("failed to drop orphaned subscription")
		}
	}
}

// fail sends an error event for addr to every interested stream
func (h *Hub) fail(addr string, err error) {
	ev := Event{Address: addr, Err: neterr.Normalize(err).With("address", addr)}
	for _, s := range h.interested(addr) {
		s.push(ev)
	}
}

// Deliver fans a status notification for addr out to every interested stream.
// A status equal to the last one delivered for addr is dropped. Returns
// whether anything was delivered.
func (h *Hub) Deliver(addr, status string) bool {
	h.mu.Lock()
	if h.refs[addr] == 0 || h.dedup.IsDuplicate(addr, status) {
		h.mu.Unlock()
		return false
	}
	targets := h.interestedLocked(addr)
	h.mu.Unlock()

	ev := Event{Address: addr, Status: status}
	for _, s := range targets {
		s.push(ev)
	}
	return len(targets) > 0
}

func (h *Hub) interested(addr string) []*Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interestedLocked(addr)
}

func (h *Hub) interestedLocked(addr string) []*Stream {
	var out []*Stream
	for _, s := range h.streams {
		if _, ok := s.addrs[addr]; ok {
			out = append(out, s)
		}
	}
	return out
}

// SetConnectionActive reacts to backend connectivity. Going inactive cancels
// the pending flush and marks every address for resubscription; going active
// schedules one batch for every interesting address.
func (h *Hub) SetConnectionActive(active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.connected == active {
		return
	}
	h.connected = active

	if !active {
		h.logger.Info().Int("addresses", len(h.refs)).Msg("connection lost, subscriptions suspended")
		h.stopTimerLocked()
		h.cancelFlush()
		h.active = make(map[string]bool)
		h.pendingSince = time.Time{}
		for addr := range h.refs {
			h.pending[addr] = struct{}{}
		}
		return
	}

	h.logger.Info().Int("addresses", len(h.refs)).Msg("connection restored, resubscribing")
	h.flushCtx, h.cancelFlush = context.WithCancel(context.Background())
	for addr := range h.refs {
		h.pending[addr] = struct{}{}
	}
	h.scheduleLocked()
}

func (h *Hub) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.timerGen++
}

// RefCount returns the number of streams interested in addr
func (h *Hub) RefCount(addr string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs[addr]
}

// Pending returns the number of addresses waiting for the next flush
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Close stops the debounce timer and closes every stream
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.stopTimerLocked()
	h.cancelFlush()
	streams := make([]*Stream, 0, len(h.streams))
	for _, s := range h.streams {
		streams = append(streams, s)
	}
	h.streams = make(map[string]*Stream)
	h.mu.Unlock()

	for _, s := range streams {
		s.shutdown()
	}
}
