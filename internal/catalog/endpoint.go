package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidEndpoint is returned when a server URL cannot be turned into a ws/wss endpoint
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Endpoint is a normalized server URL with a ws or wss scheme.
// The zero value is not a valid endpoint.
type Endpoint struct {
	raw string
	key string
}

// ParseEndpoint normalizes a raw server URL.
// http and https are rewritten to ws and wss; every other scheme is rejected.
func ParseEndpoint(raw string) (Endpoint, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Endpoint{}, fmt.Errorf("%w: empty url", ErrInvalidEndpoint)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "ws"
	case "wss", "https":
		u.Scheme = "wss"
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q in %s", ErrInvalidEndpoint, u.Scheme, trimmed)
	}

	if u.Host == "" || u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("%w: missing host in %s", ErrInvalidEndpoint, trimmed)
	}

	normalized := u.String()
	return Endpoint{
		raw: normalized,
		key: strings.ToLower(normalized),
	}, nil
}

// MustParseEndpoint is like ParseEndpoint but panics on error. Used for built-in catalogs.
func MustParseEndpoint(raw string) Endpoint {
	e, err := ParseEndpoint(raw)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the normalized URL
func (e Endpoint) String() string {
	return e.raw
}

// Key returns the lowercase identity used for dedup and health tracking
func (e Endpoint) Key() string {
	return e.key
}

// Host returns host:port of the endpoint
func (e Endpoint) Host() string {
	u, err := url.Parse(e.raw)
	if err != nil {
		return e.raw
	}
	return u.Host
}

// IsZero reports whether the endpoint was never set
func (e Endpoint) IsZero() bool {
	return e.key == ""
}

// Equal compares endpoints by identity key
func (e Endpoint) Equal(other Endpoint) bool {
	return e.key == other.key
}
