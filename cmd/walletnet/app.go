package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"walletnet/internal/cache"
	"walletnet/internal/catalog"
	"walletnet/internal/config"
	"walletnet/internal/electrum"
	"walletnet/internal/gateway"
	"walletnet/internal/healthstore"
	"walletnet/internal/metrics"
	"walletnet/internal/pool"
	"walletnet/internal/router"
	"walletnet/internal/session"
	"walletnet/internal/transport"
)

// app is the wired client stack shared by every command
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	store    *healthstore.Store
	cache    cache.Cache
	pool     *pool.Pool[*session.Session]
	client   *electrum.Client
	router   *router.Router[gateway.RequestKey, any]
	gateway  *gateway.Gateway
	registry *prometheus.Registry
}

// newApp builds the stack bottom-up: transport factory, per-server sessions,
// pool, electrum client, router and gateway. When reg is non-nil router
// attempts and pool status are exported to it.
func newApp(cfg *config.Config, logger zerolog.Logger, reg *prometheus.Registry) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: reg, cache: cache.NewNoopCache()}

	var poolOpts []pool.Option
	if cfg.HealthStorePath != "" {
		store, err := healthstore.Open(cfg.HealthStorePath, cfg.Network)
		if err != nil {
			return nil, err
		}
		a.store = store
		poolOpts = append(poolOpts, pool.WithHealthStore(store))
	}

	var routerOpts []router.Option
	if budget := cfg.RetryBudget(); budget != nil {
		routerOpts = append(routerOpts, router.WithRetryBudget(budget))
	}
	if reg != nil {
		namespace := config.DefaultMetricsNamespace
		if cfg.Metrics != nil {
			namespace = cfg.Metrics.Namespace
		}
		sink, err := metrics.NewPrometheus(namespace, reg)
		if err != nil {
			a.close()
			return nil, err
		}
		gauge, err := metrics.NewStatusGauge(namespace, reg)
		if err != nil {
			a.close()
			return nil, err
		}
		routerOpts = append(routerOpts, router.WithSink(sink))
		poolOpts = append(poolOpts, pool.WithStatusObserver(gauge))
	}

	factory := transport.NewFactory(cfg.TransportOptions(), logger)
	sessionCfg := cfg.SessionConfig()
	newSession := func(ep catalog.Endpoint) *session.Session {
		return session.New([]catalog.Endpoint{ep}, factory, sessionCfg, logger)
	}

	endpoints := cfg.Endpoints()
	a.pool = pool.New(endpoints, newSession, cfg.PoolConfig(), logger, poolOpts...)

	var clientOpts []electrum.Option
	if cfg.IsCacheEnabled() {
		mc, err := cache.NewMemoryCache(cfg.Cache.Size, cfg.Cache.GetTTLDuration())
		if err != nil {
			a.close()
			return nil, err
		}
		a.cache = mc
		clientOpts = append(clientOpts, electrum.WithCache(mc, cache.NewPolicy(cfg.Cache.DisabledMethods)))
	}
	a.client = electrum.New(a.pool, cfg.Network, logger, clientOpts...)

	a.router = router.New[gateway.RequestKey, any](cfg.RouterConfig(), logger, routerOpts...)
	g, err := gateway.New(a.client, a.router, cfg.GatewayConfig(), logger, gateway.WithHealthSource(a.pool))
	if err != nil {
		a.close()
		return nil, err
	}
	a.gateway = g

	logger.Info().
		Str("network", cfg.Network).
		Int("servers", len(endpoints)).
		Str("mode", cfg.Pool.Mode).
		Bool("cache", cfg.IsCacheEnabled()).
		Bool("healthStore", a.store != nil).
		Msg("client stack ready")
	return a, nil
}

// close releases everything in reverse order. Health records are written
// out before the store closes.
func (a *app) close() {
	if a.gateway != nil {
		a.gateway.Close()
	}
	if a.pool != nil {
		if a.store != nil {
			if err := a.pool.Persist(); err != nil {
				a.logger.Warn().Err(err).Msg("failed to persist server health")
			}
		}
		a.pool.Close()
	}
	a.cache.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close health store")
		}
	}
}
