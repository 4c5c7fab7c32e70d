package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"

	"walletnet/internal/neterr"
	"walletnet/internal/status"
)

// Tip is the best header known to the server
type Tip struct {
	Height int64  `json:"height"`
	Hex    string `json:"hex"`
}

// Client is the domain backend the gateway drives
type Client interface {
	// Broadcast submits a raw transaction and returns the hash acknowledged by the server
	Broadcast(ctx context.Context, rawTx string) (string, error)
	Fetch(ctx context.Context, txid string) (*wire.MsgTx, error)
	RawTransaction(ctx context.Context, txid string) (string, error)
	DetailedTransaction(ctx context.Context, txid string) (json.RawMessage, error)
	// EstimateFee returns the fee rate in coin per kilobyte for confirmation within blocks
	EstimateFee(ctx context.Context, blocks int) (float64, error)
	RelayFee(ctx context.Context) (float64, error)
	Header(ctx context.Context, height int64) (*wire.BlockHeader, error)
	PingHeadersTip(ctx context.Context) (Tip, error)
	// Mempool returns the hashes of unconfirmed transactions the backend tracks
	Mempool(ctx context.Context) ([]string, error)
}

// ResolutionKind classifies a reinterpreted broadcast failure
type ResolutionKind int

const (
	// ResolutionAlreadyKnown means the server already has the transaction
	ResolutionAlreadyKnown ResolutionKind = iota + 1
	// ResolutionRetry means the broadcast may succeed later
	ResolutionRetry
)

// BroadcastResolution is a domain reading of a broadcast failure
type BroadcastResolution struct {
	Kind   ResolutionKind
	Hash   string
	Reason string
	Hint   time.Duration
}

// AlreadyKnown resolves a failure into success for hash
func AlreadyKnown(hash string) BroadcastResolution {
	return BroadcastResolution{Kind: ResolutionAlreadyKnown, Hash: hash}
}

// Retry resolves a failure into a retryable gateway error
func Retry(reason string, hint time.Duration) BroadcastResolution {
	return BroadcastResolution{Kind: ResolutionRetry, Reason: reason, Hint: hint}
}

// BroadcastInterpreter is implemented by clients that understand their server's broadcast errors
type BroadcastInterpreter interface {
	InterpretBroadcastError(err error, rawTx string) (BroadcastResolution, bool)
}

// ErrorNormalizer is implemented by clients that translate their own failures
type ErrorNormalizer interface {
	NormalizeError(err error, key RequestKey) error
}

// HealthSource reports pool connectivity
type HealthSource interface {
	Status() status.Status
}

// RequestKind names a gateway operation
type RequestKind string

const (
	KindBroadcast           RequestKind = "broadcast"
	KindTransaction         RequestKind = "transaction"
	KindRawTransaction      RequestKind = "raw_transaction"
	KindDetailedTransaction RequestKind = "detailed_transaction"
	KindEstimateFee         RequestKind = "estimate_fee"
	KindRelayFee            RequestKind = "relay_fee"
	KindHeader              RequestKind = "header"
	KindHeadersTip          RequestKind = "headers_tip"
	KindMempool             RequestKind = "mempool"
)

// RequestKey identifies a routed call; equal keys share one execution
type RequestKey struct {
	Kind  RequestKind
	Param string
}

// String returns kind:param
func (k RequestKey) String() string {
	if k.Param == "" {
		return string(k.Kind)
	}
	return string(k.Kind) + ":" + k.Param
}

// RetryableBroadcastError is a broadcast failure the server expects to clear up later
type RetryableBroadcastError struct {
	Reason string
	Hint   time.Duration
	Err    error
}

// Error implements the error interface
func (e *RetryableBroadcastError) Error() string {
	if e.Hint > 0 {
		return fmt.Sprintf("broadcast should be retried in %s: %s", e.Hint, e.Reason)
	}
	return fmt.Sprintf("broadcast should be retried: %s", e.Reason)
}

// Unwrap returns the server failure
func (e *RetryableBroadcastError) Unwrap() error {
	return e.Err
}

// Config holds gateway settings
type Config struct {
	MempoolTTL         time.Duration
	SeenTTL            time.Duration
	HeaderTTL          time.Duration
	HeaderCacheSize    int64
	RequireOnline      bool
	MaxHeaderStaleness time.Duration
}

// Default values
const (
	DefaultMempoolTTL      = 30 * time.Second
	DefaultSeenTTL         = 10 * time.Minute
	DefaultHeaderTTL       = 10 * time.Minute
	DefaultHeaderCacheSize = 10000
)

func (c Config) withDefaults() Config {
	if c.MempoolTTL <= 0 {
		c.MempoolTTL = DefaultMempoolTTL
	}
	if c.SeenTTL <= 0 {
		c.SeenTTL = DefaultSeenTTL
	}
	if c.HeaderTTL <= 0 {
		c.HeaderTTL = DefaultHeaderTTL
	}
	if c.HeaderCacheSize <= 0 {
		c.HeaderCacheSize = DefaultHeaderCacheSize
	}
	return c
}

// capabilities resolves the optional client interfaces once
type capabilities struct {
	Client
	interpreter BroadcastInterpreter
	normalizer  ErrorNormalizer
}

func resolve(c Client) capabilities {
	caps := capabilities{Client: c}
	caps.interpreter, _ = c.(BroadcastInterpreter)
	caps.normalizer, _ = c.(ErrorNormalizer)
	return caps
}

func (c capabilities) interpret(err error, rawTx string) (BroadcastResolution, bool) {
	if c.interpreter == nil {
		return BroadcastResolution{}, false
	}
	return c.interpreter.InterpretBroadcastError(err, rawTx)
}

func (c capabilities) normalize(err error, key RequestKey) error {
	if c.normalizer != nil {
		return c.normalizer.NormalizeError(err, key)
	}
	if _, ok := neterr.As(err); ok {
		return err
	}
	return neterr.Normalize(err).With("request", key.String())
}
