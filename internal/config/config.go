package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"walletnet/internal/catalog"
)

// Environment variables that override the file
const (
	EnvNetwork  = "WALLETNET_NETWORK"
	EnvServers  = "WALLETNET_SERVERS"
	EnvLogLevel = "WALLETNET_LOG_LEVEL"
)

// LoadEnvFile loads variables from a .env file. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// configWithBoolDefaults is used for proper default handling of autoReconnect
type configWithBoolDefaults struct {
	Config
	AutoReconnectPtr *bool `json:"autoReconnect"`
}

// Load reads and parses the configuration file. An empty path yields the
// defaults. Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	data := []byte("{}")
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	// First unmarshal to check if autoReconnect was explicitly set
	var rawCfg configWithBoolDefaults
	if err := json.Unmarshal(data, &rawCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &rawCfg.Config
	if rawCfg.AutoReconnectPtr != nil {
		cfg.AutoReconnect = *rawCfg.AutoReconnectPtr
	} else {
		cfg.AutoReconnect = DefaultAutoReconnect
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides file values with WALLETNET_* variables
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvNetwork)); v != "" {
		cfg.Network = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvServers)); v != "" {
		var servers []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
		cfg.Servers = servers
	}
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.Network == "" {
		cfg.Network = DefaultNetwork
	}
	if cfg.ClientName == "" {
		cfg.ClientName = DefaultClientName
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	r := &cfg.Reconnect
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultReconnectMaxAttempts
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = DefaultReconnectInitialDelay
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = DefaultReconnectMaxDelay
	}
	if r.Jitter == 0 {
		r.Jitter = DefaultReconnectJitter
	}
	if r.AttemptTimeout == 0 {
		r.AttemptTimeout = DefaultReconnectAttemptTimeout
	}

	p := &cfg.Pool
	if p.Mode == "" {
		p.Mode = DefaultPoolMode
	}
	if p.BackoffInitial == 0 {
		p.BackoffInitial = DefaultPoolBackoffInitial
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = DefaultPoolBackoffMultiplier
	}
	if p.BackoffMax == 0 {
		p.BackoffMax = DefaultPoolBackoffMax
	}
	if p.MaxWait == 0 {
		p.MaxWait = DefaultPoolMaxWait
	}
	if p.PingTimeout == 0 {
		p.PingTimeout = DefaultPoolPingTimeout
	}
	if p.MonitorInterval == 0 {
		p.MonitorInterval = DefaultPoolMonitorInterval
	}

	rt := &cfg.Router
	// RateCap default is 0 (unlimited), which is valid
	if rt.MaxAttempts == 0 {
		rt.MaxAttempts = DefaultRouterMaxAttempts
	}
	if rt.AttemptTimeout == 0 {
		rt.AttemptTimeout = DefaultRouterAttemptTimeout
	}
	if rt.RetryDelay == 0 {
		rt.RetryDelay = DefaultRouterRetryDelay
	}
	if rt.RetryMultiplier == 0 {
		rt.RetryMultiplier = DefaultRouterRetryMultiplier
	}
	if rt.MaxRetryDelay == 0 {
		rt.MaxRetryDelay = DefaultRouterMaxRetryDelay
	}
	if rt.Backoff == "" {
		rt.Backoff = DefaultRouterBackoff
	}

	g := &cfg.Gateway
	if g.MempoolTTL == 0 {
		g.MempoolTTL = DefaultGatewayMempoolTTL
	}
	if g.SeenTTL == 0 {
		g.SeenTTL = DefaultGatewaySeenTTL
	}
	if g.HeaderTTL == 0 {
		g.HeaderTTL = DefaultGatewayHeaderTTL
	}
	if g.HeaderCacheSize == 0 {
		g.HeaderCacheSize = DefaultGatewayHeaderCacheSize
	}

	h := &cfg.Hub
	if h.DebounceInterval == 0 {
		h.DebounceInterval = DefaultHubDebounceInterval
	}
	if h.MaxDebounce == 0 {
		h.MaxDebounce = DefaultHubMaxDebounce
	}
	if h.MaxBatchSize == 0 {
		h.MaxBatchSize = DefaultHubMaxBatchSize
	}
	if h.DedupCacheSize == 0 {
		h.DedupCacheSize = DefaultHubDedupCacheSize
	}

	if cfg.Cache != nil {
		if cfg.Cache.TTL == 0 {
			cfg.Cache.TTL = DefaultCacheTTL
		}
		if cfg.Cache.Size == 0 {
			cfg.Cache.Size = DefaultCacheSize
		}
	}

	if cfg.Metrics != nil {
		if cfg.Metrics.Listen == "" {
			cfg.Metrics.Listen = DefaultMetricsListen
		}
		if cfg.Metrics.Namespace == "" {
			cfg.Metrics.Namespace = DefaultMetricsNamespace
		}
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	env, ok := catalog.ParseEnvironment(cfg.Network)
	if !ok {
		return fmt.Errorf("network must be one of: mainnet, testnet, chipnet, regtest")
	}

	for i, s := range cfg.Servers {
		if _, err := catalog.ParseEndpoint(s); err != nil {
			return fmt.Errorf("servers[%d]: %w", i, err)
		}
	}
	if len(catalog.Resolve(env, cfg.Servers, cfg.FallbackServers)) == 0 {
		return errors.New("at least one server is required")
	}

	if cfg.ConnectTimeout < 0 || cfg.PingInterval < 0 || cfg.ReadTimeout < 0 {
		return fmt.Errorf("connectTimeout, pingInterval and readTimeout must be non-negative")
	}
	if cfg.MaxMessageSize < 0 {
		return fmt.Errorf("maxMessageSize must be non-negative")
	}

	if cfg.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.maxAttempts must be non-negative")
	}
	if cfg.Reconnect.Jitter < 0 || cfg.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be between 0 and 1")
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect.maxDelay must not be less than reconnect.initialDelay")
	}

	if cfg.Pool.Mode != "round_robin" && cfg.Pool.Mode != "latency" {
		return fmt.Errorf("pool.mode must be 'round_robin' or 'latency'")
	}
	if cfg.Pool.BackoffMultiplier < 1 {
		return fmt.Errorf("pool.backoffMultiplier must be at least 1")
	}
	if cfg.Pool.BackoffMax < cfg.Pool.BackoffInitial {
		return fmt.Errorf("pool.backoffMax must not be less than pool.backoffInitial")
	}

	if cfg.Router.RateCap < 0 {
		return fmt.Errorf("router.rateCap must be non-negative")
	}
	if cfg.Router.MaxAttempts < 0 {
		return fmt.Errorf("router.maxAttempts must be non-negative")
	}
	if cfg.Router.Backoff != "linear" && cfg.Router.Backoff != "exponential" {
		return fmt.Errorf("router.backoff must be 'linear' or 'exponential'")
	}
	if cfg.Router.RetryBudget < 0 || cfg.Router.RetryBudgetRefill < 0 {
		return fmt.Errorf("router.retryBudget and router.retryBudgetRefill must be non-negative")
	}

	if cfg.Gateway.HeaderCacheSize < 0 {
		return fmt.Errorf("gateway.headerCacheSize must be non-negative")
	}
	if cfg.Gateway.MaxHeaderStaleness < 0 {
		return fmt.Errorf("gateway.maxHeaderStaleness must be non-negative")
	}

	if cfg.Hub.MaxDebounce < cfg.Hub.DebounceInterval {
		return fmt.Errorf("hub.maxDebounce must not be less than hub.debounceInterval")
	}
	if cfg.Hub.MaxBatchSize < 0 || cfg.Hub.DedupCacheSize < 0 {
		return fmt.Errorf("hub.maxBatchSize and hub.dedupCacheSize must be non-negative")
	}

	// Validate cache config if provided
	if cfg.Cache != nil && cfg.Cache.Enabled {
		if cfg.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive when cache is enabled")
		}
		if cfg.Cache.Size <= 0 {
			return fmt.Errorf("cache.size must be positive when cache is enabled")
		}
	}

	return nil
}
