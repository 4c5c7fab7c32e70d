package electrum

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"walletnet/internal/cache"
	"walletnet/internal/neterr"
	"walletnet/internal/pool"
	"walletnet/internal/session"
	"walletnet/internal/transport"
)

// Protocol constants
const (
	ProtocolVersion   = "1.4"
	DefaultClientName = "walletnet"
)

// Electrum methods
const (
	MethodServerVersion     = "server.version"
	MethodServerPing        = "server.ping"
	MethodBroadcast         = "blockchain.transaction.broadcast"
	MethodTransactionGet    = "blockchain.transaction.get"
	MethodEstimateFee       = "blockchain.estimatefee"
	MethodRelayFee          = "blockchain.relayfee"
	MethodBlockHeader       = "blockchain.block.header"
	MethodHeadersSubscribe  = "blockchain.headers.subscribe"
	MethodScriptHashMempool = "blockchain.scripthash.get_mempool"
	MethodScriptHashSub     = "blockchain.scripthash.subscribe"
)

// Handshake returns the version negotiation sent on every new connection
func Handshake(clientName string) *transport.Handshake {
	if clientName == "" {
		clientName = DefaultClientName
	}
	return &transport.Handshake{Method: MethodServerVersion, Params: []any{clientName, ProtocolVersion}}
}

// Option configures a Client
type Option func(*Client)

// WithCache serves immutable responses allowed by policy from c
func WithCache(c cache.Cache, policy *cache.Policy) Option {
	return func(cl *Client) {
		cl.cache = c
		cl.policy = policy
	}
}

// WithMempoolConcurrency bounds the parallel get_mempool calls made by Mempool
func WithMempoolConcurrency(n int) Option {
	return func(cl *Client) { cl.mempoolConcurrency = n }
}

// Client speaks the Electrum protocol through a pool of sessions.
// Transport failures are reported to the pool so the next call moves to
// another server.
type Client struct {
	pool    *pool.Pool[*session.Session]
	network string
	logger  zerolog.Logger

	cache              cache.Cache
	policy             *cache.Policy
	mempoolConcurrency int

	mu      sync.Mutex
	tracked map[string]struct{}
}

// DefaultMempoolConcurrency is the default number of parallel get_mempool calls
const DefaultMempoolConcurrency = 8

// New creates a client over p. network namespaces cache keys.
func New(p *pool.Pool[*session.Session], network string, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		pool:               p,
		network:            network,
		logger:             logger.With().Str("component", "electrum").Logger(),
		cache:              cache.NewNoopCache(),
		mempoolConcurrency: DefaultMempoolConcurrency,
		tracked:            make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.mempoolConcurrency <= 0 {
		c.mempoolConcurrency = DefaultMempoolConcurrency
	}
	return c
}

// call sends method on a pooled session
func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	cacheable := c.policy != nil && c.policy.IsCacheable(method, params)
	var key string
	if cacheable {
		key = cache.GenerateCacheKey(c.network, method, params)
		if data, ok := c.cache.Get(key); ok {
			c.logger.Debug().Str("method", method).Msg("cache hit")
			return data, nil
		}
	}

	sess, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	result, err := sess.Submit(ctx, method, params...)
	if err != nil {
		c.reportFailure(ctx, sess, err)
		return nil, err
	}

	if cacheable {
		c.cache.Set(key, result)
	}
	return result, nil
}

// session returns a pooled session for streaming calls
func (c *Client) session(ctx context.Context) (*session.Session, error) {
	return c.pool.Acquire(ctx)
}

func (c *Client) reportFailure(ctx context.Context, sess *session.Session, err error) {
	if !neterr.Retryable(err) || ctx.Err() != nil {
		return
	}
	if _, rerr := c.pool.ReportFailure(ctx, sess, err); rerr != nil {
		c.logger.Warn().Err(rerr).Msg("no server available after failure")
	}
}

func decode[T any](method string, raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, neterr.Wrap(neterr.KindEncoding, method, err)
	}
	return v, nil
}

// Track adds script hashes to the set whose mempool Mempool reports
func (c *Client) Track(scriptHashes ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sh := range scriptHashes {
		c.tracked[sh] = struct{}{}
	}
}

// Untrack removes a script hash from the tracked set
func (c *Client) Untrack(scriptHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracked, scriptHash)
}

func (c *Client) trackedHashes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tracked))
	for sh := range c.tracked {
		out = append(out, sh)
	}
	return out
}
