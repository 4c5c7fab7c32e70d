package config

import "time"

// Config represents the main configuration structure
type Config struct {
	LogLevel        string   `json:"logLevel"`
	Network         string   `json:"network"`
	Servers         []string `json:"servers"`
	FallbackServers []string `json:"fallbackServers"`
	ClientName      string   `json:"clientName"`
	ConnectTimeout  int      `json:"connectTimeout"` // ms
	MaxMessageSize  int64    `json:"maxMessageSize"` // bytes, 0 means no limit
	PingInterval    int      `json:"pingInterval"`   // ms - WebSocket ping period, 0 disables
	ReadTimeout     int      `json:"readTimeout"`    // ms
	AutoReconnect   bool     `json:"autoReconnect"`
	HealthStorePath string   `json:"healthStorePath"`

	Reconnect ReconnectConfig `json:"reconnect"`
	Pool      PoolConfig      `json:"pool"`
	Router    RouterConfig    `json:"router"`
	Gateway   GatewayConfig   `json:"gateway"`
	Hub       HubConfig       `json:"hub"`
	Cache     *CacheConfig    `json:"cache,omitempty"`
	Metrics   *MetricsConfig  `json:"metrics,omitempty"`
}

// ReconnectConfig controls session recovery after a lost connection
type ReconnectConfig struct {
	MaxAttempts    int     `json:"maxAttempts"`
	InitialDelay   int     `json:"initialDelay"`   // ms
	MaxDelay       int     `json:"maxDelay"`       // ms
	Jitter         float64 `json:"jitter"`         // 0..1
	AttemptTimeout int     `json:"attemptTimeout"` // ms
}

// PoolConfig controls server selection and per-server backoff
type PoolConfig struct {
	Mode              string  `json:"mode"`              // round_robin or latency
	BackoffInitial    int     `json:"backoffInitial"`    // ms
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	BackoffMax        int     `json:"backoffMax"` // ms
	WaitForRetry      bool    `json:"waitForRetry"`
	MaxWait           int     `json:"maxWait"`         // ms
	PingTimeout       int     `json:"pingTimeout"`     // ms
	MonitorInterval   int     `json:"monitorInterval"` // ms - health probe period of the serve command
}

// RouterConfig controls request deduplication, rate capping and retries
type RouterConfig struct {
	RateCap           int     `json:"rateCap"` // requests per second, 0 means unlimited
	MaxAttempts       int     `json:"maxAttempts"`
	AttemptTimeout    int     `json:"attemptTimeout"` // ms
	RetryDelay        int     `json:"retryDelay"`     // ms
	RetryMultiplier   float64 `json:"retryMultiplier"`
	MaxRetryDelay     int     `json:"maxRetryDelay"` // ms
	Backoff           string  `json:"backoff"`       // linear or exponential
	RetryBudget       int     `json:"retryBudget"`   // tokens, 0 disables the budget
	RetryBudgetRefill float64 `json:"retryBudgetRefill"`
}

// GatewayConfig controls the domain facade caches and health gating
type GatewayConfig struct {
	MempoolTTL         int   `json:"mempoolTtl"` // ms
	SeenTTL            int   `json:"seenTtl"`    // ms
	HeaderTTL          int   `json:"headerTtl"`  // ms
	HeaderCacheSize    int64 `json:"headerCacheSize"`
	RequireOnline      bool  `json:"requireOnline"`
	MaxHeaderStaleness int   `json:"maxHeaderStaleness"` // ms, 0 disables
}

// HubConfig controls debounced address subscriptions
type HubConfig struct {
	DebounceInterval int `json:"debounceInterval"` // ms
	MaxDebounce      int `json:"maxDebounce"`      // ms
	MaxBatchSize     int `json:"maxBatchSize"`     // parallel subscribe calls per batch
	DedupCacheSize   int `json:"dedupCacheSize"`
}

// CacheConfig represents cache configuration for immutable responses
type CacheConfig struct {
	Enabled         bool     `json:"enabled"`
	TTL             int      `json:"ttl"`             // seconds
	Size            int      `json:"size"`            // number of entries
	DisabledMethods []string `json:"disabledMethods"` // methods to exclude from caching
}

// MetricsConfig represents the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Listen    string `json:"listen"`
	Namespace string `json:"namespace"`
}

// Default values
const (
	DefaultLogLevel       = "info"
	DefaultNetwork        = "mainnet"
	DefaultClientName     = "walletnet"
	DefaultConnectTimeout = 10000 // ms
	DefaultPingInterval   = 30000 // ms
	DefaultReadTimeout    = 60000 // ms
	DefaultAutoReconnect  = true

	DefaultReconnectMaxAttempts    = 10
	DefaultReconnectInitialDelay   = 500   // ms
	DefaultReconnectMaxDelay       = 30000 // ms
	DefaultReconnectJitter         = 0.5
	DefaultReconnectAttemptTimeout = 30000 // ms

	DefaultPoolMode              = "round_robin"
	DefaultPoolBackoffInitial    = 1000 // ms
	DefaultPoolBackoffMultiplier = 2.0
	DefaultPoolBackoffMax        = 300000 // ms - 5 minutes
	DefaultPoolMaxWait           = 60000  // ms
	DefaultPoolPingTimeout       = 10000  // ms
	DefaultPoolMonitorInterval   = 30000  // ms

	DefaultRouterMaxAttempts     = 3
	DefaultRouterAttemptTimeout  = 30000 // ms
	DefaultRouterRetryDelay      = 250   // ms
	DefaultRouterRetryMultiplier = 2.0
	DefaultRouterMaxRetryDelay   = 5000 // ms
	DefaultRouterBackoff         = "exponential"

	DefaultGatewayMempoolTTL      = 30000  // ms
	DefaultGatewaySeenTTL         = 600000 // ms - 10 minutes
	DefaultGatewayHeaderTTL       = 600000 // ms
	DefaultGatewayHeaderCacheSize = 10000

	DefaultHubDebounceInterval = 100  // ms
	DefaultHubMaxDebounce      = 1000 // ms
	DefaultHubMaxBatchSize     = 16
	DefaultHubDedupCacheSize   = 10000

	DefaultCacheTTL  = 3600 // seconds
	DefaultCacheSize = 10000

	DefaultMetricsListen    = "127.0.0.1:9101"
	DefaultMetricsNamespace = "walletnet"
)

// GetConnectTimeoutDuration returns connect timeout as time.Duration
func (c *Config) GetConnectTimeoutDuration() time.Duration {
	return ms(c.ConnectTimeout)
}

// GetPingIntervalDuration returns ping interval as time.Duration
func (c *Config) GetPingIntervalDuration() time.Duration {
	return ms(c.PingInterval)
}

// GetReadTimeoutDuration returns read timeout as time.Duration
func (c *Config) GetReadTimeoutDuration() time.Duration {
	return ms(c.ReadTimeout)
}

// GetMonitorIntervalDuration returns pool monitor interval as time.Duration
func (c *Config) GetMonitorIntervalDuration() time.Duration {
	return ms(c.Pool.MonitorInterval)
}

// IsCacheEnabled returns true if cache is configured and enabled
func (c *Config) IsCacheEnabled() bool {
	return c.Cache != nil && c.Cache.Enabled
}

// IsMetricsEnabled returns true if the metrics endpoint is configured and enabled
func (c *Config) IsMetricsEnabled() bool {
	return c.Metrics != nil && c.Metrics.Enabled
}

// GetTTLDuration returns cache TTL as time.Duration
func (c *CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
