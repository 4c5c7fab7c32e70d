package config

import (
	"walletnet/internal/backoff"
	"walletnet/internal/catalog"
	"walletnet/internal/electrum"
	"walletnet/internal/gateway"
	"walletnet/internal/hub"
	"walletnet/internal/pool"
	"walletnet/internal/router"
	"walletnet/internal/session"
	"walletnet/internal/transport"
)

// Environment returns the validated network environment
func (c *Config) Environment() catalog.Environment {
	env, _ := catalog.ParseEnvironment(c.Network)
	return env
}

// Endpoints returns the ordered server list: configured servers, then the
// built-in list for the network, then fallback servers.
func (c *Config) Endpoints() []catalog.Endpoint {
	return catalog.Resolve(c.Environment(), c.Servers, c.FallbackServers)
}

// TransportOptions returns WebSocket transport settings. Every dial is
// followed by the server.version handshake.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		ConnectTimeout: c.GetConnectTimeoutDuration(),
		MaxMessageSize: c.MaxMessageSize,
		PingInterval:   c.GetPingIntervalDuration(),
		ReadTimeout:    c.GetReadTimeoutDuration(),
		Handshake:      electrum.Handshake(c.ClientName),
	}
}

// SessionConfig returns session settings
func (c *Config) SessionConfig() session.Config {
	r := c.Reconnect
	return session.Config{
		PingMethod: electrum.MethodServerPing,
		Recovery: session.RecoveryConfig{
			Disabled:       !c.AutoReconnect,
			MaxAttempts:    r.MaxAttempts,
			InitialDelay:   ms(r.InitialDelay),
			MaxDelay:       ms(r.MaxDelay),
			Jitter:         r.Jitter,
			AttemptTimeout: ms(r.AttemptTimeout),
		},
	}
}

// PoolConfig returns pool settings
func (c *Config) PoolConfig() pool.Config {
	p := c.Pool
	return pool.Config{
		Backoff: backoff.Policy{
			Initial:    ms(p.BackoffInitial),
			Multiplier: p.BackoffMultiplier,
			Max:        ms(p.BackoffMax),
		},
		Mode:         pool.Mode(p.Mode),
		WaitForRetry: p.WaitForRetry,
		MaxWait:      ms(p.MaxWait),
		PingTimeout:  ms(p.PingTimeout),
	}
}

// RouterConfig returns router settings
func (c *Config) RouterConfig() router.Config {
	r := c.Router
	return router.Config{
		RateCap:         r.RateCap,
		MaxAttempts:     r.MaxAttempts,
		AttemptTimeout:  ms(r.AttemptTimeout),
		RetryDelay:      ms(r.RetryDelay),
		RetryMultiplier: r.RetryMultiplier,
		MaxRetryDelay:   ms(r.MaxRetryDelay),
		Backoff:         router.BackoffMode(r.Backoff),
	}
}

// RetryBudget returns the shared retry budget, or nil when disabled
func (c *Config) RetryBudget() *backoff.RetryBudget {
	if c.Router.RetryBudget <= 0 {
		return nil
	}
	return backoff.NewRetryBudget(c.Router.RetryBudget, c.Router.RetryBudgetRefill)
}

// GatewayConfig returns gateway settings
func (c *Config) GatewayConfig() gateway.Config {
	g := c.Gateway
	return gateway.Config{
		MempoolTTL:         ms(g.MempoolTTL),
		SeenTTL:            ms(g.SeenTTL),
		HeaderTTL:          ms(g.HeaderTTL),
		HeaderCacheSize:    g.HeaderCacheSize,
		RequireOnline:      g.RequireOnline,
		MaxHeaderStaleness: ms(g.MaxHeaderStaleness),
	}
}

// HubConfig returns hub settings
func (c *Config) HubConfig() hub.Config {
	h := c.Hub
	return hub.Config{
		DebounceInterval: ms(h.DebounceInterval),
		MaxDebounce:      ms(h.MaxDebounce),
		DedupCacheSize:   h.DedupCacheSize,
	}
}
