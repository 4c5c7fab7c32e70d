package router

import (
	"context"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"walletnet/internal/backoff"
	"walletnet/internal/metrics"
	"walletnet/internal/neterr"
)

// Option configures optional collaborators of a Router
type Option func(*options)

type options struct {
	budget *backoff.RetryBudget
	sink   metrics.Sink
	now    func() time.Time
}

// WithRetryBudget gates every retry on a token from budget
func WithRetryBudget(budget *backoff.RetryBudget) Option {
	return func(o *options) { o.budget = budget }
}

// WithSink reports every attempt to sink
func WithSink(sink metrics.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithClock overrides time.Now for the rate window
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Router executes requests with single-flight deduplication, a rolling rate cap,
// per-attempt timeouts and bounded retries
type Router[K Identity, V any] struct {
	cfg    Config
	opts   options
	logger zerolog.Logger
	group  singleflight.Group

	inFlight atomic.Int64

	mu     sync.Mutex
	window []time.Time
}

// New creates a Router
func New[K Identity, V any](cfg Config, logger zerolog.Logger, opts ...Option) *Router[K, V] {
	o := options{sink: metrics.Nop{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Router[K, V]{
		cfg:    cfg.withDefaults(),
		opts:   o,
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// Route executes call for key, or joins the execution already in flight for an equal key.
// Every joined caller receives the same outcome. Cancelling ctx abandons the wait
// without cancelling the shared execution.
func (r *Router[K, V]) Route(ctx context.Context, key K, call Call[V], opts ...RouteOption) (V, error) {
	var zero V
	ro := routeOptions{name: DefaultMetricName}
	for _, opt := range opts {
		opt(&ro)
	}

	if err := ctx.Err(); err != nil {
		return zero, neterr.Normalize(err)
	}

	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key.String(), func() (any, error) {
		r.inFlight.Add(1)
		defer r.inFlight.Add(-1)
		return r.execute(detached, key, call, ro)
	})

	select {
	case <-ctx.Done():
		r.logger.Debug().Str("key", key.String()).Msg("waiter cancelled")
		return zero, neterr.Normalize(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

// InFlight returns the number of executions currently running
func (r *Router[K, V]) InFlight() int {
	return int(r.inFlight.Load())
}

func (r *Router[K, V]) execute(ctx context.Context, key K, call Call[V], ro routeOptions) (V, error) {
	var zero V
	if ro.priority != PriorityHigh && !r.admit() {
		return zero, neterr.Newf(neterr.KindRateLimited, "rate cap exceeded", "more than %d requests in the last second", r.cfg.RateCap).
			With("key", key.String())
	}

	var lastErr error
	attempts := 0
	for attempts < r.cfg.MaxAttempts {
		attempts++
		started := time.Now()
		v, err := r.attempt(ctx, call)
		r.opts.sink.Observe(ro.name, time.Since(started), err == nil)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !neterr.Retryable(err) || attempts >= r.cfg.MaxAttempts {
			break
		}
		if r.opts.budget != nil && !r.opts.budget.TryAcquire() {
			r.logger.Warn().Str("key", key.String()).Msg("retry budget exhausted")
			break
		}

		delay := r.delay(attempts)
		r.logger.Warn().
			Err(err).
			Str("key", key.String()).
			Int("attempt", attempts).
			Int("maxAttempts", r.cfg.MaxAttempts).
			Dur("retryIn", delay).
			Msg("request failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &UnderlyingError{Attempts: attempts, Err: neterr.Normalize(ctx.Err())}
		case <-timer.C:
		}
	}

	return zero, &UnderlyingError{Attempts: attempts, Err: lastErr}
}

type attemptResult[V any] struct {
	v   V
	err error
}

// attempt races call against the per-attempt timeout
func (r *Router[K, V]) attempt(ctx context.Context, call Call[V]) (V, error) {
	var zero V
	actx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()

	done := make(chan attemptResult[V], 1)
	go func() {
		v, err := call(actx)
		done <- attemptResult[V]{v: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return zero, neterr.Wrap(neterr.KindTimeout, "attempt timed out", res.err)
		}
		return res.v, res.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return zero, neterr.Normalize(ctx.Err())
		}
		return zero, neterr.New(neterr.KindTimeout, "attempt timed out").
			With("timeout", strconv.FormatInt(r.cfg.AttemptTimeout.Milliseconds(), 10)+"ms")
	}
}

// delay returns the wait before attempt n+1
func (r *Router[K, V]) delay(n int) time.Duration {
	var d float64
	switch r.cfg.Backoff {
	case BackoffLinear:
		d = float64(r.cfg.RetryDelay) * float64(n)
	default:
		d = float64(r.cfg.RetryDelay) * math.Pow(r.cfg.RetryMultiplier, float64(n-1))
	}
	if d >= float64(r.cfg.MaxRetryDelay) {
		return r.cfg.MaxRetryDelay
	}
	return time.Duration(d)
}

// admit records an execution in the rolling one-second window, refusing it when the cap is reached
func (r *Router[K, V]) admit() bool {
	if r.cfg.RateCap <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.now()
	cutoff := now.Add(-time.Second)
	keep := r.window[:0]
	for _, t := range r.window {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	r.window = keep

	if len(r.window) >= r.cfg.RateCap {
		return false
	}
	r.window = append(r.window, now)
	return true
}
