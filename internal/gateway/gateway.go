package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"walletnet/internal/neterr"
	"walletnet/internal/router"
	"walletnet/internal/status"
)

// Option configures optional collaborators of a Gateway
type Option func(*Gateway)

// WithHealthSource gates broadcasts on the connectivity reported by source
func WithHealthSource(source HealthSource) Option {
	return func(g *Gateway) { g.health = source }
}

// WithClock overrides time.Now for the mempool TTL and header staleness
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Gateway is the domain facade over a Client: idempotent broadcast, a TTL
// mempool view and routed, deduplicated reads
type Gateway struct {
	client capabilities
	router *router.Router[RequestKey, any]
	cfg    Config
	logger zerolog.Logger
	health HealthSource
	now    func() time.Time

	seen    *ttlcache.Cache[string, struct{}]
	headers *ristretto.Cache[int64, *wire.BlockHeader]

	mu          sync.Mutex
	mempool     map[string]struct{}
	mempoolAt   time.Time
	tipHeight   int64
	tipObserved time.Time
}

// New creates a Gateway that routes every client call through r
func New(client Client, r *router.Router[RequestKey, any], cfg Config, logger zerolog.Logger, opts ...Option) (*Gateway, error) {
	cfg = cfg.withDefaults()

	headers, err := ristretto.NewCache(&ristretto.Config[int64, *wire.BlockHeader]{
		NumCounters:        cfg.HeaderCacheSize * 10,
		MaxCost:            cfg.HeaderCacheSize,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header cache: %w", err)
	}

	seen := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](cfg.SeenTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go seen.Start()

	g := &Gateway{
		client:  resolve(client),
		router:  r,
		cfg:     cfg,
		logger:  logger.With().Str("component", "gateway").Logger(),
		now:     time.Now,
		seen:    seen,
		headers: headers,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Close releases the caches
func (g *Gateway) Close() {
	g.seen.Stop()
	g.headers.Close()
}

// Broadcast submits rawTx once per transaction hash. Repeated or concurrent
// broadcasts of the same transaction return the same hash and reach the
// network at most once while the hash is remembered.
func (g *Gateway) Broadcast(ctx context.Context, rawTx string) (string, error) {
	expected, err := TxID(rawTx)
	if err != nil {
		return "", err
	}
	log := g.logger.With().Str("txid", expected).Logger()

	if g.seen.Has(expected) {
		log.Debug().Msg("broadcast already seen")
		return expected, nil
	}

	if in, err := g.inMempool(ctx, expected); err != nil {
		log.Debug().Err(err).Msg("mempool check failed, broadcasting anyway")
	} else if in {
		log.Debug().Msg("transaction already in mempool")
		g.markSeen(expected)
		return expected, nil
	}

	// Known transactions are answered above without a healthy pool.
	if err := g.checkHealth(); err != nil {
		return "", err
	}

	key := RequestKey{Kind: KindBroadcast, Param: expected}
	_, err = g.router.Route(ctx, key, func(ctx context.Context) (any, error) {
		if g.seen.Has(expected) {
			return expected, nil
		}
		ack, err := g.client.Broadcast(ctx, rawTx)
		if err != nil {
			return nil, err
		}
		if ack != "" && ack != expected {
			log.Warn().Str("acknowledged", ack).Msg("server acknowledged a different hash")
			g.markSeen(ack)
		}
		g.markSeen(expected)
		return expected, nil
	}, router.WithName(string(KindBroadcast)), router.WithPriority(router.PriorityHigh))
	if err != nil {
		return g.resolveBroadcastError(err, expected, rawTx)
	}

	log.Info().Msg("transaction broadcast")
	return expected, nil
}

func (g *Gateway) resolveBroadcastError(err error, expected, rawTx string) (string, error) {
	cause := err
	var under *router.UnderlyingError
	if errors.As(err, &under) {
		cause = under.Err
	}

	if res, ok := g.client.interpret(cause, rawTx); ok {
		switch res.Kind {
		case ResolutionAlreadyKnown:
			hash := res.Hash
			if hash == "" {
				hash = expected
			}
			g.markSeen(expected)
			if hash != expected {
				g.markSeen(hash)
			}
			g.logger.Info().Str("txid", expected).Msg("server already knows transaction")
			return expected, nil
		case ResolutionRetry:
			return "", &RetryableBroadcastError{Reason: res.Reason, Hint: res.Hint, Err: cause}
		}
	}

	return "", g.client.normalize(err, RequestKey{Kind: KindBroadcast, Param: expected})
}

// markSeen remembers hash as broadcast and adds it to the cached mempool view
func (g *Gateway) markSeen(hash string) {
	g.seen.Set(hash, struct{}{}, ttlcache.DefaultTTL)

	g.mu.Lock()
	if g.mempool != nil {
		g.mempool[hash] = struct{}{}
	}
	g.mu.Unlock()
}

// Seen reports whether hash was broadcast recently
func (g *Gateway) Seen(hash string) bool {
	return g.seen.Has(hash)
}

func (g *Gateway) inMempool(ctx context.Context, hash string) (bool, error) {
	set, err := g.CurrentMempool(ctx, false)
	if err != nil {
		return false, err
	}
	_, ok := set[hash]
	return ok, nil
}

// CurrentMempool returns the set of unconfirmed transaction hashes, refreshing
// it when older than MempoolTTL or when force is set
func (g *Gateway) CurrentMempool(ctx context.Context, force bool) (map[string]struct{}, error) {
	g.mu.Lock()
	if !force && g.mempool != nil && g.now().Sub(g.mempoolAt) < g.cfg.MempoolTTL {
		set := copySet(g.mempool)
		g.mu.Unlock()
		return set, nil
	}
	g.mu.Unlock()

	key := RequestKey{Kind: KindMempool}
	v, err := g.router.Route(ctx, key, func(ctx context.Context) (any, error) {
		hashes, err := g.client.Mempool(ctx)
		if err != nil {
			return nil, err
		}
		set := make(map[string]struct{}, len(hashes))
		for _, h := range hashes {
			set[h] = struct{}{}
		}

		g.mu.Lock()
		g.mempool = set
		g.mempoolAt = g.now()
		g.mu.Unlock()
		return set, nil
	}, router.WithName(string(KindMempool)))
	if err != nil {
		return nil, g.client.normalize(err, key)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mempool != nil {
		return copySet(g.mempool), nil
	}
	return copySet(v.(map[string]struct{})), nil
}

func copySet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// ObserveTip records a fresh chain tip, e.g. from a header subscription
func (g *Gateway) ObserveTip(height int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if height >= g.tipHeight {
		g.tipHeight = height
	}
	g.tipObserved = g.now()
}

// LastTip returns the highest observed tip height and when a tip was last seen
func (g *Gateway) LastTip() (int64, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tipHeight, g.tipObserved
}

func (g *Gateway) checkHealth() error {
	if g.cfg.RequireOnline && g.health != nil {
		if s := g.health.Status(); s != status.Online {
			return neterr.Newf(neterr.KindPoolUnhealthy, "pool not online", "pool status is %s", s)
		}
	}

	if g.cfg.MaxHeaderStaleness > 0 {
		_, observed := g.LastTip()
		if observed.IsZero() {
			return neterr.New(neterr.KindHeadersStale, "no header observed")
		}
		if age := g.now().Sub(observed); age > g.cfg.MaxHeaderStaleness {
			return neterr.Newf(neterr.KindHeadersStale, "headers stale", "last header seen %s ago", age.Round(time.Second))
		}
	}
	return nil
}
