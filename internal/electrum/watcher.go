package electrum

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"walletnet/internal/gateway"
	"walletnet/internal/hub"
	"walletnet/internal/session"
	"walletnet/internal/status"
)

// Deliverer receives script hash status notifications
type Deliverer interface {
	Deliver(addr, status string) bool
}

// AddressWatcher subscribes script hashes on pooled sessions. It is the
// backend of a hub.Hub.
type AddressWatcher struct {
	client      *Client
	concurrency int
	logger      zerolog.Logger

	mu   sync.Mutex
	sink Deliverer
	subs map[string]*session.Subscription
}

var _ hub.Backend = (*AddressWatcher)(nil)

// DefaultWatchConcurrency is the default number of parallel subscribe calls per batch
const DefaultWatchConcurrency = 16

// NewAddressWatcher creates a watcher issuing at most concurrency subscribe calls at once
func NewAddressWatcher(client *Client, concurrency int, logger zerolog.Logger) *AddressWatcher {
	if concurrency <= 0 {
		concurrency = DefaultWatchConcurrency
	}
	return &AddressWatcher{
		client:      client,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "address-watcher").Logger(),
		subs:        make(map[string]*session.Subscription),
	}
}

// Attach sets where status notifications go
func (w *AddressWatcher) Attach(sink Deliverer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sink = sink
}

// SubscribeBatch subscribes every script hash, reusing live subscriptions
func (w *AddressWatcher) SubscribeBatch(ctx context.Context, addrs []string) []hub.Result {
	results := make([]hub.Result, len(addrs))

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			st, err := w.subscribe(ctx, addr)
			results[i] = hub.Result{Address: addr, Status: st, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (w *AddressWatcher) subscribe(ctx context.Context, addr string) (string, error) {
	w.mu.Lock()
	existing, ok := w.subs[addr]
	w.mu.Unlock()

	if ok && existing.Active() && !existing.Suspended() {
		return parseStatus(existing.Initial())
	}
	if ok {
		existing.Cancel()
	}

	sess, err := w.client.session(ctx)
	if err != nil {
		return "", err
	}
	sub, err := sess.Subscribe(ctx, MethodScriptHashSub, addr)
	if err != nil {
		w.client.reportFailure(ctx, sess, err)
		return "", err
	}
	st, err := parseStatus(sub.Initial())
	if err != nil {
		sub.Cancel()
		return "", err
	}

	w.mu.Lock()
	if prev, ok := w.subs[addr]; ok && prev != existing {
		// a concurrent batch won the race
		w.mu.Unlock()
		sub.Cancel()
		return parseStatus(prev.Initial())
	}
	w.subs[addr] = sub
	w.mu.Unlock()

	w.client.Track(addr)
	go w.forward(addr, sub)
	return st, nil
}

func (w *AddressWatcher) forward(addr string, sub *session.Subscription) {
	for raw := range sub.Updates() {
		st, err := parseStatus(raw)
		if err != nil {
			w.logger.Warn().Err(err).Str("address", addr).Msg("invalid status notification")
			continue
		}
		w.mu.Lock()
		sink := w.sink
		w.mu.Unlock()
		if sink != nil {
			sink.Deliver(addr, st)
		}
	}
}

// Unsubscribe cancels the subscription of addr
func (w *AddressWatcher) Unsubscribe(ctx context.Context, addr string) error {
	w.mu.Lock()
	sub, ok := w.subs[addr]
	delete(w.subs, addr)
	w.mu.Unlock()

	w.client.Untrack(addr)
	if ok {
		sub.Cancel()
	}
	return nil
}

// Count returns the number of held subscriptions
func (w *AddressWatcher) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// ConnectivitySource publishes connectivity changes
type ConnectivitySource interface {
	WatchStatus() (<-chan status.Status, func())
}

// ConnectionSink reacts to connectivity changes
type ConnectionSink interface {
	SetConnectionActive(active bool)
}

// BindConnectivity forwards source's status to sink as active while online.
// The returned func stops forwarding.
func BindConnectivity(source ConnectivitySource, sink ConnectionSink) func() {
	ch, cancel := source.WatchStatus()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for s := range ch {
			sink.SetConnectionActive(s == status.Online)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// WatchHeaders subscribes to new chain tips and calls onTip for the current
// tip and every later one until ctx is done
func (c *Client) WatchHeaders(ctx context.Context, onTip func(gateway.Tip)) error {
	sess, err := c.session(ctx)
	if err != nil {
		return err
	}
	sub, err := sess.Subscribe(ctx, MethodHeadersSubscribe)
	if err != nil {
		c.reportFailure(ctx, sess, err)
		return err
	}
	tip, err := parseTip(sub.Initial())
	if err != nil {
		sub.Cancel()
		return err
	}
	onTip(tip)

	go func() {
		defer sub.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub.Updates():
				if !ok {
					return
				}
				tip, err := parseTip(raw)
				if err != nil {
					c.logger.Warn().Err(err).Msg("invalid header notification")
					continue
				}
				onTip(tip)
			}
		}
	}()
	return nil
}
