package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"walletnet/internal/catalog"
)

var (
	// ErrAlreadyStarted is returned by Start on a running transport
	ErrAlreadyStarted = errors.New("transport already started")
	// ErrNotStarted is returned by Stop and Reconnect before Start
	ErrNotStarted = errors.New("transport not started")
)

// Transport is one connection to one server. It never reconnects on its own:
// losing the connection invokes the disconnect callback given to the Factory.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error
	Reconnect(ctx context.Context) error
	Submit(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	Subscribe(ctx context.Context, method string, params ...any) (*Stream, error)
	Endpoint() catalog.Endpoint
}

// Stream is the raw result of a subscription: the initial response, the
// update channel (closed when the connection goes away) and the cancel handle.
type Stream struct {
	Initial json.RawMessage
	Updates <-chan json.RawMessage
	Cancel  func()
}

// Factory creates a transport for endpoint. onDisconnect is called from its
// own goroutine when an established connection is lost unexpectedly.
type Factory func(endpoint catalog.Endpoint, onDisconnect func(error)) Transport

// Handshake is a request sent right after every successful dial
type Handshake struct {
	Method string
	Params []any
}

// Options configures a WebSocket transport
type Options struct {
	ConnectTimeout time.Duration
	MaxMessageSize int64
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	UpdateBuffer   int
	Handshake      *Handshake
}

// Default option values
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 60 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultUpdateBuffer   = 64
)

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.UpdateBuffer <= 0 {
		o.UpdateBuffer = DefaultUpdateBuffer
	}
	return o
}
