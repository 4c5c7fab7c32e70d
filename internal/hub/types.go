package hub

import (
	"context"
	"time"
)

// Result is the outcome of subscribing one address
type Result struct {
	Address string
	// Status is the server's current status for the address; empty means no history
	Status string
	Err    error
}

// Event is delivered to every stream interested in Address
type Event struct {
	Address string
	Status  string
	Err     error
}

// Backend performs the actual server subscriptions
type Backend interface {
	// SubscribeBatch subscribes every address and returns one result per address
	SubscribeBatch(ctx context.Context, addrs []string) []Result
	Unsubscribe(ctx context.Context, addr string) error
}

// Config holds hub settings
type Config struct {
	// DebounceInterval is the quiet period before pending addresses are flushed
	DebounceInterval time.Duration
	// MaxDebounce caps the delay between the first pending address and the flush
	MaxDebounce time.Duration
	// DedupCacheSize bounds the number of addresses whose last status is remembered
	DedupCacheSize int
}

// Default values
const (
	DefaultDebounceInterval = 100 * time.Millisecond
	DefaultMaxDebounce      = time.Second
	DefaultDedupCacheSize   = 10000
)

func (c Config) withDefaults() Config {
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = DefaultDebounceInterval
	}
	if c.MaxDebounce < c.DebounceInterval {
		c.MaxDebounce = DefaultMaxDebounce
		if c.MaxDebounce < c.DebounceInterval {
			c.MaxDebounce = c.DebounceInterval
		}
	}
	if c.DedupCacheSize <= 0 {
		c.DedupCacheSize = DefaultDedupCacheSize
	}
	return c
}
