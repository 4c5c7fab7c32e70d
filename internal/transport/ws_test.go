package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"walletnet/internal/catalog"
	"walletnet/internal/jsonrpc"
	"walletnet/internal/neterr"
)

// fakeServer speaks just enough of the Electrum protocol for transport tests
type fakeServer struct {
	*httptest.Server
	mu    sync.Mutex
	conns []*websocket.Conn
	seen  []string
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		var writeMu sync.Mutex
		send := func(v any) {
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.WriteJSON(v)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req, err := jsonrpc.ParseRequest(data)
			if err != nil {
				continue
			}
			fs.mu.Lock()
			fs.seen = append(fs.seen, req.Method)
			fs.mu.Unlock()

			var params []json.RawMessage
			_ = json.Unmarshal(req.Params, &params)
			switch req.Method {
			case "server.version":
				resp, _ := jsonrpc.NewResponse(req.ID, []string{"fake 1.0", "1.4"})
				send(resp)
			case "server.ping":
				send(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": nil})
			case "blockchain.scripthash.subscribe":
				var sh string
				_ = json.Unmarshal(params[0], &sh)
				resp, _ := jsonrpc.NewResponse(req.ID, "status0")
				send(resp)
				send(map[string]any{"jsonrpc": "2.0", "method": req.Method, "params": []string{"other", "ignored"}})
				send(map[string]any{"jsonrpc": "2.0", "method": req.Method, "params": []string{sh, "status1"}})
			case "blockchain.headers.subscribe":
				resp, _ := jsonrpc.NewResponse(req.ID, map[string]any{"height": 1, "hex": "00"})
				send(resp)
				send(map[string]any{"jsonrpc": "2.0", "method": req.Method, "params": []any{map[string]any{"height": 2, "hex": "01"}}})
			case "empty":
				send(map[string]any{"jsonrpc": "2.0", "id": req.ID})
			default:
				send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(1, "unsupported")))
			}
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) endpoint(t *testing.T) catalog.Endpoint {
	e, err := catalog.ParseEndpoint(strings.Replace(fs.URL, "http://", "ws://", 1))
	require.NoError(t, err)
	return e
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		c.Close()
	}
	fs.conns = nil
}

func (fs *fakeServer) methods() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.seen...)
}

func newTestTransport(t *testing.T, fs *fakeServer, onDisconnect func(error)) *WSTransport {
	opts := Options{
		ConnectTimeout: 2 * time.Second,
		Handshake:      &Handshake{Method: "server.version", Params: []any{"walletnet", "1.4"}},
	}
	return NewWSTransport(fs.endpoint(t), opts, onDisconnect, zerolog.Nop())
}

func TestWSTransport_SubmitAndLifecycle(t *testing.T) {
	fs := newFakeServer(t)
	tr := newTestTransport(t, fs, nil)
	ctx := context.Background()

	require.ErrorIs(t, tr.Stop(), ErrNotStarted)
	require.ErrorIs(t, tr.Reconnect(ctx), ErrNotStarted)

	require.NoError(t, tr.Start(ctx))
	require.ErrorIs(t, tr.Start(ctx), ErrAlreadyStarted)
	require.True(t, tr.Connected())

	res, err := tr.Submit(ctx, "server.ping")
	require.NoError(t, err)
	require.Equal(t, "null", string(res))

	_, err = tr.Submit(ctx, "nope")
	require.True(t, neterr.IsKind(err, neterr.KindServerRejected))
	e, ok := neterr.As(err)
	require.True(t, ok)
	require.Equal(t, fs.endpoint(t).String(), e.Metadata["server"])

	_, err = tr.Submit(ctx, "empty")
	require.True(t, neterr.IsKind(err, neterr.KindProtocol))

	require.Equal(t, "server.version", fs.methods()[0])

	require.NoError(t, tr.Stop())
	require.False(t, tr.Connected())
	_, err = tr.Submit(ctx, "server.ping")
	require.True(t, neterr.IsKind(err, neterr.KindTransport))
}

func TestWSTransport_SubscribeRoutesByKey(t *testing.T) {
	fs := newFakeServer(t)
	tr := newTestTransport(t, fs, nil)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx))
	defer tr.Stop()

	stream, err := tr.Subscribe(ctx, "blockchain.scripthash.subscribe", "abc")
	require.NoError(t, err)
	require.JSONEq(t, `"status0"`, string(stream.Initial))

	select {
	case upd := <-stream.Updates:
		require.JSONEq(t, `"status1"`, string(upd))
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
	}

	headers, err := tr.Subscribe(ctx, "blockchain.headers.subscribe")
	require.NoError(t, err)
	require.JSONEq(t, `{"height":1,"hex":"00"}`, string(headers.Initial))
	select {
	case upd := <-headers.Updates:
		require.JSONEq(t, `{"height":2,"hex":"01"}`, string(upd))
	case <-time.After(2 * time.Second):
		t.Fatal("no header update")
	}

	stream.Cancel()
	stream.Cancel()
	_, ok := <-stream.Updates
	require.False(t, ok)

	require.Eventually(t, func() bool {
		for _, m := range fs.methods() {
			if m == "blockchain.scripthash.unsubscribe" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSTransport_HeadersCancelStaysLocal(t *testing.T) {
	fs := newFakeServer(t)
	tr := newTestTransport(t, fs, nil)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx))
	defer tr.Stop()

	headers, err := tr.Subscribe(ctx, "blockchain.headers.subscribe")
	require.NoError(t, err)
	headers.Cancel()

	// a later call on the same connection proves earlier writes were seen
	_, err = tr.Submit(ctx, "server.ping")
	require.NoError(t, err)

	require.NotContains(t, fs.methods(), "blockchain.headers.unsubscribe")
	require.Equal(t, "server.ping", fs.methods()[len(fs.methods())-1])
}

func TestWSTransport_DisconnectNotifiesAndReconnects(t *testing.T) {
	fs := newFakeServer(t)
	lost := make(chan error, 1)
	tr := newTestTransport(t, fs, func(err error) { lost <- err })
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx))
	defer tr.Stop()

	stream, err := tr.Subscribe(ctx, "blockchain.headers.subscribe")
	require.NoError(t, err)
	<-stream.Updates

	fs.dropAll()

	select {
	case err := <-lost:
		require.True(t, neterr.IsKind(err, neterr.KindTransport))
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
	_, ok := <-stream.Updates
	require.False(t, ok, "updates must close when the connection is lost")

	require.NoError(t, tr.Reconnect(ctx))
	_, err = tr.Submit(ctx, "server.ping")
	require.NoError(t, err)
}

func TestWSTransport_DialFailure(t *testing.T) {
	e, err := catalog.ParseEndpoint("ws://127.0.0.1:1")
	require.NoError(t, err)
	tr := NewWSTransport(e, Options{ConnectTimeout: time.Second}, nil, zerolog.Nop())
	err = tr.Start(context.Background())
	require.Error(t, err)
	require.True(t, neterr.Retryable(err))
	require.ErrorIs(t, tr.Stop(), ErrNotStarted)
}
