package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"walletnet/internal/backoff"
	"walletnet/internal/catalog"
	"walletnet/internal/neterr"
	"walletnet/internal/status"
)

type server[C Member] struct {
	endpoint    catalog.Endpoint
	member      C
	backoff     backoff.State
	latency     time.Duration
	lastSuccess time.Time
	status      status.Status
}

// Pool rotates over one member per server, applying exponential backoff to failing servers
type Pool[C Member] struct {
	cfg    Config
	opts   options
	logger zerolog.Logger
	status *status.Broadcaster

	mu      sync.Mutex
	servers []*server[C]
	cursor  int

	// publishMu orders aggregate computation and publication
	publishMu sync.Mutex

	persistMu  sync.Mutex
	persistErr error
}

// New creates a pool with one member per endpoint. Endpoints are deduplicated.
func New[C Member](endpoints []catalog.Endpoint, factory MemberFactory[C], cfg Config, logger zerolog.Logger, opts ...Option) *Pool[C] {
	cfg = cfg.withDefaults()
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pool[C]{
		cfg:    cfg,
		opts:   o,
		logger: logger.With().Str("component", "pool").Logger(),
		status: status.NewBroadcaster(status.Offline),
	}

	for _, ep := range catalog.Merge(endpoints, nil, nil) {
		p.servers = append(p.servers, &server[C]{
			endpoint: ep,
			member:   factory(ep),
			backoff:  backoff.NewState(cfg.Backoff),
			status:   status.Offline,
		})
	}

	p.seed()
	return p
}

func (p *Pool[C]) seed() {
	if p.opts.store == nil {
		return
	}
	snapshots, err := p.opts.store.Load()
	if err != nil {
		p.setPersistErr(neterr.Wrap(neterr.KindPersistence, "load health snapshot", err))
		p.logger.Warn().Err(err).Msg("failed to load health snapshot")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, srv := range p.servers {
		snap, ok := snapshots[srv.endpoint.Key()]
		if !ok {
			continue
		}
		srv.backoff.Restore(snap.Failures, snap.NextRetry)
		srv.lastSuccess = snap.LastSuccess
		srv.latency = time.Duration(snap.LatencyMs) * time.Millisecond
	}
	p.logger.Debug().Int("servers", len(snapshots)).Msg("health snapshot loaded")
}

// Acquire returns the first ready server that answers a ping
func (p *Pool[C]) Acquire(ctx context.Context) (C, error) {
	var zero C
	waited := false
	for {
		c, err := p.scan(ctx)
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return zero, neterr.Normalize(ctx.Err())
		}
		if !p.cfg.WaitForRetry || waited {
			return zero, p.noHealthy(err)
		}

		earliest, ok := p.earliestRetry()
		if !ok {
			return zero, p.noHealthy(err)
		}
		wait := earliest.Sub(p.opts.now())
		if wait > p.cfg.MaxWait {
			wait = p.cfg.MaxWait
		}
		waited = true
		if wait > 0 {
			p.logger.Debug().Dur("wait", wait).Msg("no server ready, waiting for retry")
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, neterr.Normalize(ctx.Err())
			case <-timer.C:
			}
		}
	}
}

var errNoneReady = errors.New("no server ready")

func (p *Pool[C]) scan(ctx context.Context) (C, error) {
	var zero C
	lastErr := errNoneReady
	for _, srv := range p.readyOrder() {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if err := p.try(ctx, srv); err != nil {
			lastErr = err
			continue
		}
		return srv.member, nil
	}
	return zero, lastErr
}

func (p *Pool[C]) noHealthy(cause error) error {
	e := neterr.Wrap(neterr.KindNoHealthyServer, "no healthy server", cause)
	if errors.Is(cause, errNoneReady) {
		e.Err = nil
		e.Message = "every server is backing off"
	}
	return e
}

// readyOrder returns the servers allowed to be tried now, in selection order
func (p *Pool[C]) readyOrder() []*server[C] {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.now()
	n := len(p.servers)
	result := make([]*server[C], 0, n)
	for i := 0; i < n; i++ {
		srv := p.servers[(p.cursor+i)%n]
		if srv.backoff.Ready(now) {
			result = append(result, srv)
		}
	}

	if p.cfg.Mode == ModeLatency {
		// measured servers first, fastest first; unmeasured keep rotation order
		sort.SliceStable(result, func(i, j int) bool {
			li, lj := result[i].latency, result[j].latency
			if li == 0 || lj == 0 {
				return li != 0 && lj == 0
			}
			return li < lj
		})
	}
	return result
}

func (p *Pool[C]) try(ctx context.Context, srv *server[C]) error {
	p.markConnecting(srv)

	if !srv.member.Running() {
		if err := srv.member.Start(ctx); err != nil && !errors.Is(err, neterr.ErrSessionAlreadyStarted) {
			p.recordFailure(srv, err)
			return err
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
	defer cancel()
	started := time.Now()
	if err := srv.member.Ping(pingCtx); err != nil {
		p.recordFailure(srv, err)
		return err
	}

	p.recordSuccess(srv, time.Since(started))
	return nil
}

func (p *Pool[C]) recordSuccess(srv *server[C], latency time.Duration) {
	p.mu.Lock()
	srv.backoff.RecordSuccess()
	srv.latency = latency
	srv.lastSuccess = p.opts.now()
	srv.status = status.Online
	if idx := p.indexLocked(srv); idx >= 0 {
		p.cursor = (idx + 1) % len(p.servers)
	}
	p.mu.Unlock()

	p.publish(srv)
	p.persistLogged()
}

func (p *Pool[C]) recordFailure(srv *server[C], cause error) {
	p.mu.Lock()
	delay := srv.backoff.RecordFailure(p.opts.now())
	failures := srv.backoff.Failures()
	srv.status = status.Offline
	p.mu.Unlock()

	p.publish(srv)
	p.logger.Warn().
		Err(cause).
		Str("server", srv.endpoint.String()).
		Int("failures", failures).
		Dur("retryIn", delay).
		Msg("server failed")
	p.persistLogged()
}

// markConnecting flags a server that is not online yet. An online server keeps
// its status while it is pinged; a failed ping takes it straight to offline.
func (p *Pool[C]) markConnecting(srv *server[C]) {
	p.mu.Lock()
	if srv.status == status.Online || srv.status == status.Connecting {
		p.mu.Unlock()
		return
	}
	srv.status = status.Connecting
	p.mu.Unlock()
	p.publish(srv)
}

func (p *Pool[C]) publish(srv *server[C]) {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.Lock()
	current := srv.status
	p.mu.Unlock()
	if p.opts.observer != nil {
		p.opts.observer.SetServer(srv.endpoint.String(), current)
	}
	agg := p.aggregate()
	if p.status.Publish(agg) {
		if p.opts.observer != nil {
			p.opts.observer.SetAggregate(agg)
		}
		p.logger.Info().Str("status", agg.String()).Msg("pool status changed")
	}
}

func (p *Pool[C]) aggregate() status.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := status.Offline
	for _, srv := range p.servers {
		switch srv.status {
		case status.Online:
			return status.Online
		case status.Connecting:
			result = status.Connecting
		}
	}
	return result
}

func (p *Pool[C]) earliestRetry() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var earliest time.Time
	for _, srv := range p.servers {
		next := srv.backoff.NextAttempt()
		if next.IsZero() {
			continue
		}
		if earliest.IsZero() || next.Before(earliest) {
			earliest = next
		}
	}
	return earliest, !earliest.IsZero()
}

func (p *Pool[C]) indexLocked(srv *server[C]) int {
	for i, s := range p.servers {
		if s == srv {
			return i
		}
	}
	return -1
}

func (p *Pool[C]) lookup(c C) (*server[C], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, srv := range p.servers {
		if srv.member == c {
			return srv, true
		}
	}
	return nil, false
}

// ReportFailure demotes the server behind c and acquires another one.
// A failed re-acquire is returned to the caller.
func (p *Pool[C]) ReportFailure(ctx context.Context, c C, cause error) (C, error) {
	var zero C
	srv, ok := p.lookup(c)
	if !ok {
		return zero, fmt.Errorf("failed to report failure: member is not part of the pool")
	}

	p.mu.Lock()
	if idx := p.indexLocked(srv); idx >= 0 && p.cursor == idx {
		p.cursor = (idx + 1) % len(p.servers)
	}
	p.mu.Unlock()
	p.recordFailure(srv, cause)

	next, err := p.Acquire(ctx)
	if err != nil {
		return zero, fmt.Errorf("failed to re-acquire after %s failed: %w", srv.endpoint, err)
	}
	return next, nil
}

// Records returns a snapshot of every server record in configured order
func (p *Pool[C]) Records() []ServerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]ServerRecord, len(p.servers))
	for i, srv := range p.servers {
		result[i] = ServerRecord{
			Endpoint:    srv.endpoint,
			Failures:    srv.backoff.Failures(),
			NextRetry:   srv.backoff.NextAttempt(),
			LastLatency: srv.latency,
			LastSuccess: srv.lastSuccess,
			Status:      srv.status,
		}
	}
	return result
}

// Members returns every member in configured order
func (p *Pool[C]) Members() []C {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]C, len(p.servers))
	for i, srv := range p.servers {
		result[i] = srv.member
	}
	return result
}

// Status returns the aggregate status
func (p *Pool[C]) Status() status.Status {
	return p.status.Current()
}

// WatchStatus returns a channel of aggregate status changes and its cancel func
func (p *Pool[C]) WatchStatus() (<-chan status.Status, func()) {
	return p.status.Subscribe()
}

// Persist saves the current snapshot to the health store
func (p *Pool[C]) Persist() error {
	if p.opts.store == nil {
		return nil
	}
	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	snapshots := make(map[string]Snapshot)
	for _, r := range p.Records() {
		snapshots[r.Endpoint.Key()] = Snapshot{
			Failures:    r.Failures,
			NextRetry:   r.NextRetry,
			LastSuccess: r.LastSuccess,
			LatencyMs:   r.LastLatency.Milliseconds(),
		}
	}
	if err := p.opts.store.Save(snapshots); err != nil {
		perr := neterr.Wrap(neterr.KindPersistence, "save health snapshot", err)
		p.persistErr = perr
		return perr
	}
	p.persistErr = nil
	return nil
}

func (p *Pool[C]) persistLogged() {
	if err := p.Persist(); err != nil {
		p.logger.Warn().Err(err).Msg("failed to persist health snapshot")
	}
}

// PersistError returns the last persistence failure, nil after a successful save
func (p *Pool[C]) PersistError() error {
	p.persistMu.Lock()
	defer p.persistMu.Unlock()
	return p.persistErr
}

func (p *Pool[C]) setPersistErr(err error) {
	p.persistMu.Lock()
	p.persistErr = err
	p.persistMu.Unlock()
}

// Close stops every running member
func (p *Pool[C]) Close() {
	p.mu.Lock()
	servers := append([]*server[C](nil), p.servers...)
	for _, srv := range servers {
		srv.status = status.Offline
	}
	p.mu.Unlock()

	for _, srv := range servers {
		if srv.member.Running() {
			if err := srv.member.Stop(); err != nil {
				p.logger.Debug().Err(err).Str("server", srv.endpoint.String()).Msg("failed to stop member")
			}
		}
	}
	p.publishMu.Lock()
	p.status.Publish(status.Offline)
	p.status.Close()
	p.publishMu.Unlock()
	p.logger.Info().Msg("pool closed")
}
