package pool

import (
	"context"
	"time"

	"walletnet/internal/backoff"
	"walletnet/internal/catalog"
	"walletnet/internal/status"
)

// Member is one pooled client bound to a single server
type Member interface {
	comparable
	Start(ctx context.Context) error
	Stop() error
	Running() bool
	Ping(ctx context.Context) error
}

// MemberFactory builds the member for an endpoint
type MemberFactory[C Member] func(endpoint catalog.Endpoint) C

// Mode selects the order in which ready servers are tried
type Mode string

const (
	ModeRoundRobin Mode = "round_robin"
	ModeLatency    Mode = "latency"
)

// Config holds pool settings
type Config struct {
	Backoff      backoff.Policy
	Mode         Mode
	WaitForRetry bool
	MaxWait      time.Duration
	PingTimeout  time.Duration
}

// Default values
const (
	DefaultPingTimeout = 10 * time.Second
	DefaultMaxWait     = 60 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Mode != ModeLatency {
		c.Mode = ModeRoundRobin
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	return c
}

// ServerRecord is the observable health of one server
type ServerRecord struct {
	Endpoint    catalog.Endpoint
	Failures    int
	NextRetry   time.Time
	LastLatency time.Duration
	LastSuccess time.Time
	Status      status.Status
}

// Snapshot is the persisted part of a ServerRecord
type Snapshot struct {
	Failures    int       `json:"failures"`
	NextRetry   time.Time `json:"nextRetry"`
	LastSuccess time.Time `json:"lastSuccess"`
	LatencyMs   int64     `json:"latencyMs"`
}

// HealthStore persists snapshots keyed by endpoint key across restarts
type HealthStore interface {
	Load() (map[string]Snapshot, error)
	Save(map[string]Snapshot) error
}

// StatusObserver receives per-server and aggregate status, e.g. a metrics gauge
type StatusObserver interface {
	SetServer(server string, s status.Status)
	SetAggregate(s status.Status)
}

// ProbeResult is the outcome of pinging one server
type ProbeResult struct {
	Endpoint catalog.Endpoint
	Latency  time.Duration
	Err      error
}

type options struct {
	store    HealthStore
	observer StatusObserver
	now      func() time.Time
}

// Option configures optional collaborators
type Option func(*options)

// WithHealthStore seeds and persists backoff state
func WithHealthStore(store HealthStore) Option {
	return func(o *options) { o.store = store }
}

// WithStatusObserver mirrors status changes to observer
func WithStatusObserver(observer StatusObserver) Option {
	return func(o *options) { o.observer = observer }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
