package neterr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"walletnet/internal/jsonrpc"
)

func TestNormalize_Kinds(t *testing.T) {
	var syntaxErr error = &json.SyntaxError{}
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"cancelled", fmt.Errorf("wrapped: %w", context.Canceled), KindCancelled},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"rpc", jsonrpc.NewError(2, "missing inputs"), KindServerRejected},
		{"close", &websocket.CloseError{Code: websocket.CloseGoingAway, Text: "bye"}, KindTransport},
		{"dns", &net.DNSError{Name: "nowhere.invalid", Err: "no such host"}, KindNetwork},
		{"optimeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, KindTimeout},
		{"json", syntaxErr, KindEncoding},
		{"already", ErrRateLimited, KindRateLimited},
		{"other", errors.New("boom"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Normalize(tc.err).Kind)
		})
	}
	require.Nil(t, Normalize(nil))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestNormalize_MetadataAndMessage(t *testing.T) {
	e := Normalize(&websocket.CloseError{Code: 1011, Text: "internal"})
	require.Equal(t, "1011", e.Metadata["closeCode"])
	require.Equal(t, "internal", e.Message)

	e = Normalize(jsonrpc.NewError(-26, "txn-mempool-conflict"))
	require.Equal(t, -26, e.Code)
	require.Equal(t, "txn-mempool-conflict", e.Message)
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, e, &rpcErr)
}

func TestError_IsMatchesKindAndReason(t *testing.T) {
	err := fmt.Errorf("start: %w", ErrSessionNotStarted)
	require.ErrorIs(t, err, ErrSessionNotStarted)
	require.NotErrorIs(t, err, ErrSessionAlreadyStarted)
	require.ErrorIs(t, Wrap(KindTimeout, "attempt", context.DeadlineExceeded), ErrTimeout)
	require.ErrorIs(t, Wrap(KindTimeout, "attempt", context.DeadlineExceeded), context.DeadlineExceeded)
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(New(KindTransport, "dial")))
	require.True(t, Retryable(context.DeadlineExceeded))
	require.False(t, Retryable(context.Canceled))
	require.False(t, Retryable(jsonrpc.NewError(1, "bad tx")))
	require.False(t, Retryable(nil))
}

func TestError_String(t *testing.T) {
	e := New(KindTransport, "dial").With("server", "wss://a:1")
	e.Message = "refused"
	require.Equal(t, "transport: dial: refused [server=wss://a:1]", e.Error())
}
