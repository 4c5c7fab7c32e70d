package neterr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a failure independently of the component that produced it
type Kind string

const (
	KindTransport        Kind = "transport"
	KindNetwork          Kind = "network"
	KindServerRejected   Kind = "server_rejected"
	KindProtocol         Kind = "protocol_violation"
	KindEncoding         Kind = "encoding"
	KindCancelled        Kind = "cancelled"
	KindTimeout          Kind = "timeout"
	KindRateLimited      Kind = "rate_limited"
	KindPoolUnhealthy    Kind = "pool_unhealthy"
	KindHeadersStale     Kind = "headers_stale"
	KindNoHealthyServer  Kind = "no_healthy_server"
	KindDuplicateHandler Kind = "duplicate_handler"
	KindSession          Kind = "session"
	KindPersistence      Kind = "persistence"
	KindUnknown          Kind = "unknown"
)

// Error is the caller-facing failure. It never exposes a raw transport error
// in its message; the original is kept for errors.Unwrap.
type Error struct {
	Kind     Kind
	Reason   string
	Message  string
	Code     int
	Metadata map[string]string
	Err      error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Metadata[k])
		}
		b.WriteString("]")
	}
	return b.String()
}

// Unwrap returns the original error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, and by reason when the target has one
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// With returns a copy with one more metadata entry
func (e *Error) With(key, value string) *Error {
	cp := *e
	cp.Metadata = make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		cp.Metadata[k] = v
	}
	cp.Metadata[key] = value
	return &cp
}

// New creates an error of the given kind
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf creates an error with a human readable message
func Newf(kind Kind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Sentinels for errors.Is
var (
	ErrCancelled             = New(KindCancelled, "")
	ErrTimeout               = New(KindTimeout, "")
	ErrRateLimited           = New(KindRateLimited, "")
	ErrPoolUnhealthy         = New(KindPoolUnhealthy, "")
	ErrHeadersStale          = New(KindHeadersStale, "")
	ErrNoHealthyServer       = New(KindNoHealthyServer, "")
	ErrDuplicateHandler      = New(KindDuplicateHandler, "")
	ErrSessionAlreadyStarted = New(KindSession, "already started")
	ErrSessionNotStarted     = New(KindSession, "not started")
	ErrPersistence           = New(KindPersistence, "")
)

// KindOf returns the kind of err, normalizing foreign errors first
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Normalize(err).Kind
}

// Retryable reports whether a failure of this kind may succeed when tried again
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindNetwork, KindTimeout:
		return true
	}
	return false
}

// IsKind reports whether err normalizes to kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As is errors.As for *Error
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
