package router

import (
	"context"
	"fmt"
	"time"
)

// Identity names a logical call; equal identities share one execution
type Identity interface {
	comparable
	String() string
}

// Call performs one attempt of a routed request
type Call[V any] func(ctx context.Context) (V, error)

// Priority of a routed request
type Priority int

const (
	PriorityNormal Priority = iota
	// PriorityHigh requests are exempt from the rate cap
	PriorityHigh
)

// BackoffMode is the growth of the delay between attempts
type BackoffMode string

const (
	BackoffLinear      BackoffMode = "linear"
	BackoffExponential BackoffMode = "exponential"
)

// Config holds router settings
type Config struct {
	RateCap         int
	MaxAttempts     int
	AttemptTimeout  time.Duration
	RetryDelay      time.Duration
	RetryMultiplier float64
	MaxRetryDelay   time.Duration
	Backoff         BackoffMode
}

// Default values
const (
	DefaultMaxAttempts     = 3
	DefaultAttemptTimeout  = 30 * time.Second
	DefaultRetryDelay      = 250 * time.Millisecond
	DefaultRetryMultiplier = 2.0
	DefaultMaxRetryDelay   = 5 * time.Second
	DefaultMetricName      = "request"
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RetryMultiplier < 1 {
		c.RetryMultiplier = DefaultRetryMultiplier
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.Backoff != BackoffLinear {
		c.Backoff = BackoffExponential
	}
	return c
}

// UnderlyingError is the last failure of a request whose attempts are exhausted
type UnderlyingError struct {
	Attempts int
	Err      error
}

// Error implements the error interface
func (e *UnderlyingError) Error() string {
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error
func (e *UnderlyingError) Unwrap() error {
	return e.Err
}

type routeOptions struct {
	name     string
	priority Priority
}

// RouteOption adjusts a single Route call
type RouteOption func(*routeOptions)

// WithName sets the metric name reported for each attempt
func WithName(name string) RouteOption {
	return func(o *routeOptions) { o.name = name }
}

// WithPriority sets the request priority
func WithPriority(p Priority) RouteOption {
	return func(o *routeOptions) { o.priority = p }
}
