package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"walletnet/internal/cache"
	"walletnet/internal/catalog"
	"walletnet/internal/gateway"
	"walletnet/internal/jsonrpc"
	"walletnet/internal/neterr"
	"walletnet/internal/router"
)

func sampleTx(t *testing.T) (string, string) {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 3}, []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(5000, []byte{0x51}))
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return hex.EncodeToString(buf.Bytes()), tx.TxHash().String()
}

func rejected(message string) error {
	return neterr.Normalize(jsonrpc.NewError(1, message))
}

func TestClient_RawTransactionCached(t *testing.T) {
	n := newFakeNet(epA)
	raw, txid := sampleTx(t)
	n.server(epA).handle(MethodTransactionGet, func(params []any) (any, error) {
		if verbose, _ := params[1].(bool); verbose {
			return map[string]any{"txid": txid, "confirmations": 3}, nil
		}
		return raw, nil
	})

	mc, err := cache.NewMemoryCache(100, time.Hour)
	require.NoError(t, err)
	defer mc.Close()
	c, _ := newTestClient(t, n, []catalog.Endpoint{epA}, WithCache(mc, cache.NewPolicy(nil)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tx, err := c.Fetch(ctx, txid)
		require.NoError(t, err)
		require.Equal(t, txid, tx.TxHash().String())
	}
	require.Equal(t, 1, n.server(epA).count(MethodTransactionGet))

	for i := 0; i < 2; i++ {
		detail, err := c.DetailedTransaction(ctx, txid)
		require.NoError(t, err)
		require.Contains(t, string(detail), `"confirmations":3`)
	}
	require.Equal(t, 3, n.server(epA).count(MethodTransactionGet), "verbose results change and are not cached")
}

func TestClient_FailoverOnTransportError(t *testing.T) {
	n := newFakeNet(epA, epB)
	n.server(epA).handle(MethodEstimateFee, func(params []any) (any, error) {
		return nil, neterr.New(neterr.KindTransport, "connection reset")
	})
	n.server(epB).handle(MethodEstimateFee, func(params []any) (any, error) {
		return 0.0002, nil
	})
	c, p := newTestClient(t, n, []catalog.Endpoint{epA, epB})
	ctx := context.Background()

	_, err := c.EstimateFee(ctx, 2)
	require.True(t, neterr.IsKind(err, neterr.KindTransport))

	fee, err := c.EstimateFee(ctx, 2)
	require.NoError(t, err)
	require.InDelta(t, 0.0002, fee, 1e-12)

	records := p.Records()
	require.Len(t, records, 2)
	require.Equal(t, epA.Key(), records[0].Endpoint.Key())
	require.Equal(t, 1, records[0].Failures)
	require.Equal(t, 0, records[1].Failures)
}

func TestClient_ServerRejectionDoesNotFailOver(t *testing.T) {
	n := newFakeNet(epA, epB)
	n.server(epA).handle(MethodRelayFee, func(params []any) (any, error) {
		return nil, rejected("unknown method")
	})
	c, p := newTestClient(t, n, []catalog.Endpoint{epA, epB})

	_, err := c.RelayFee(context.Background())
	require.True(t, neterr.IsKind(err, neterr.KindServerRejected))
	for _, r := range p.Records() {
		require.Zero(t, r.Failures)
	}
}

func TestClient_EstimateFeeUnavailable(t *testing.T) {
	n := newFakeNet(epA)
	n.server(epA).handle(MethodEstimateFee, func(params []any) (any, error) {
		return -1, nil
	})
	c, _ := newTestClient(t, n, []catalog.Endpoint{epA})

	_, err := c.EstimateFee(context.Background(), 1)
	require.True(t, neterr.IsKind(err, neterr.KindServerRejected))
}

func TestClient_Header(t *testing.T) {
	want := wire.BlockHeader{
		Version:   0x20000000,
		PrevBlock: chainhash.DoubleHashH([]byte("prev")),
		Timestamp: time.Unix(1_700_000_000, 0),
		Bits:      0x1703a30c,
		Nonce:     42,
	}
	var buf bytes.Buffer
	require.NoError(t, want.Serialize(&buf))

	n := newFakeNet(epA)
	n.server(epA).handle(MethodBlockHeader, func(params []any) (any, error) {
		return hex.EncodeToString(buf.Bytes()), nil
	})
	c, _ := newTestClient(t, n, []catalog.Endpoint{epA})

	hdr, err := c.Header(context.Background(), 800000)
	require.NoError(t, err)
	require.Equal(t, want.BlockHash(), hdr.BlockHash())

	_, err = DecodeHeader("00ff")
	require.True(t, neterr.IsKind(err, neterr.KindProtocol))
	_, err = DecodeHeader("not hex")
	require.True(t, neterr.IsKind(err, neterr.KindEncoding))
}

func TestClient_Broadcast(t *testing.T) {
	raw, txid := sampleTx(t)
	n := newFakeNet(epA)
	n.server(epA).handle(MethodBroadcast, func(params []any) (any, error) {
		if params[0] == raw {
			return txid, nil
		}
		return "bad-txns-vin-empty", nil
	})
	c, _ := newTestClient(t, n, []catalog.Endpoint{epA})
	ctx := context.Background()

	got, err := c.Broadcast(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, txid, got)

	_, err = c.Broadcast(ctx, "00")
	require.True(t, neterr.IsKind(err, neterr.KindServerRejected))
}

func TestClient_InterpretBroadcastError(t *testing.T) {
	raw, txid := sampleTx(t)
	c := New(nil, "test", zerolog.Nop())

	res, ok := c.InterpretBroadcastError(rejected("the transaction was rejected by network rules.\n\ntxn-already-in-mempool"), raw)
	require.True(t, ok)
	require.Equal(t, gateway.ResolutionAlreadyKnown, res.Kind)
	require.Equal(t, txid, res.Hash)

	res, ok = c.InterpretBroadcastError(rejected("Transaction already in block chain"), raw)
	require.True(t, ok)
	require.Equal(t, gateway.ResolutionAlreadyKnown, res.Kind)

	res, ok = c.InterpretBroadcastError(rejected("too-long-mempool-chain, too many unconfirmed ancestors"), raw)
	require.True(t, ok)
	require.Equal(t, gateway.ResolutionRetry, res.Kind)
	require.Equal(t, 10*time.Minute, res.Hint)

	_, ok = c.InterpretBroadcastError(rejected("min relay fee not met"), raw)
	require.False(t, ok)

	_, ok = c.InterpretBroadcastError(neterr.New(neterr.KindTransport, "txn-already-known"), raw)
	require.False(t, ok, "only server rejections are interpreted")

	_, ok = c.InterpretBroadcastError(errors.New("txn-already-known"), raw)
	require.False(t, ok)
}

func TestClient_Mempool(t *testing.T) {
	n := newFakeNet(epA)
	n.server(epA).handle(MethodScriptHashMempool, func(params []any) (any, error) {
		switch params[0] {
		case "sh1":
			return []map[string]any{{"tx_hash": "bb", "height": 0, "fee": 200}, {"tx_hash": "aa", "height": 0, "fee": 100}}, nil
		case "sh2":
			return []map[string]any{{"tx_hash": "bb", "height": -1, "fee": 200}}, nil
		}
		return []any{}, nil
	})
	c, _ := newTestClient(t, n, []catalog.Endpoint{epA}, WithMempoolConcurrency(2))
	ctx := context.Background()

	hashes, err := c.Mempool(ctx)
	require.NoError(t, err)
	require.Empty(t, hashes)

	c.Track("sh1", "sh2", "sh3")
	hashes, err = c.Mempool(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"aa", "bb"}, hashes)
	require.Equal(t, 3, n.server(epA).count(MethodScriptHashMempool))

	c.Untrack("sh3")
	_, err = c.Mempool(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n.server(epA).count(MethodScriptHashMempool))
}

func TestClient_ThroughGateway(t *testing.T) {
	raw, txid := sampleTx(t)
	n := newFakeNet(epA)
	n.server(epA).handle(MethodBroadcast, func(params []any) (any, error) {
		return nil, rejected("txn-already-known")
	})
	c, p := newTestClient(t, n, []catalog.Endpoint{epA})

	r := router.New[gateway.RequestKey, any](router.Config{MaxAttempts: 2, RetryDelay: time.Millisecond}, zerolog.Nop())
	g, err := gateway.New(c, r, gateway.Config{RequireOnline: true}, zerolog.Nop(), gateway.WithHealthSource(p))
	require.NoError(t, err)
	defer g.Close()
	ctx := context.Background()

	_, err = g.Broadcast(ctx, raw)
	require.ErrorIs(t, err, neterr.ErrPoolUnhealthy, "nothing connected yet")

	require.NoError(t, c.Ping(ctx))
	hash, err := g.Broadcast(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, txid, hash)

	hash, err = g.Broadcast(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, txid, hash)
	require.Equal(t, 1, n.server(epA).count(MethodBroadcast))
}

func TestClient_WatchHeaders(t *testing.T) {
	n := newFakeNet(epA)
	n.server(epA).handle(MethodHeadersSubscribe, func(params []any) (any, error) {
		return map[string]any{"height": 100, "hex": "00"}, nil
	})
	c, _ := newTestClient(t, n, []catalog.Endpoint{epA})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tips := make(chan gateway.Tip, 4)
	require.NoError(t, c.WatchHeaders(ctx, func(tip gateway.Tip) { tips <- tip }))
	require.Equal(t, int64(100), (<-tips).Height)

	n.server(epA).notify(MethodHeadersSubscribe, map[string]any{"height": 101, "hex": "01"})
	select {
	case tip := <-tips:
		require.Equal(t, int64(101), tip.Height)
	case <-time.After(2 * time.Second):
		t.Fatal("no tip")
	}
}

func TestHandshake(t *testing.T) {
	hs := Handshake("")
	require.Equal(t, MethodServerVersion, hs.Method)
	require.Equal(t, []any{DefaultClientName, ProtocolVersion}, hs.Params)
}
