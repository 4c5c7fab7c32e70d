package gateway

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/btcsuite/btcd/wire"

	"walletnet/internal/router"
)

// route runs call under key and normalizes its failure
func route[V any](ctx context.Context, g *Gateway, key RequestKey, call func(ctx context.Context) (V, error)) (V, error) {
	var zero V
	v, err := g.router.Route(ctx, key, func(ctx context.Context) (any, error) {
		return call(ctx)
	}, router.WithName(string(key.Kind)))
	if err != nil {
		return zero, g.client.normalize(err, key)
	}
	out, _ := v.(V)
	return out, nil
}

// Transaction fetches and decodes a transaction
func (g *Gateway) Transaction(ctx context.Context, txid string) (*wire.MsgTx, error) {
	return route(ctx, g, RequestKey{Kind: KindTransaction, Param: txid}, func(ctx context.Context) (*wire.MsgTx, error) {
		return g.client.Fetch(ctx, txid)
	})
}

// RawTransaction fetches a transaction as hex
func (g *Gateway) RawTransaction(ctx context.Context, txid string) (string, error) {
	return route(ctx, g, RequestKey{Kind: KindRawTransaction, Param: txid}, func(ctx context.Context) (string, error) {
		return g.client.RawTransaction(ctx, txid)
	})
}

// DetailedTransaction fetches the server's verbose form of a transaction
func (g *Gateway) DetailedTransaction(ctx context.Context, txid string) (json.RawMessage, error) {
	return route(ctx, g, RequestKey{Kind: KindDetailedTransaction, Param: txid}, func(ctx context.Context) (json.RawMessage, error) {
		return g.client.DetailedTransaction(ctx, txid)
	})
}

// EstimateFee returns the fee rate for confirmation within blocks
func (g *Gateway) EstimateFee(ctx context.Context, blocks int) (float64, error) {
	return route(ctx, g, RequestKey{Kind: KindEstimateFee, Param: strconv.Itoa(blocks)}, func(ctx context.Context) (float64, error) {
		return g.client.EstimateFee(ctx, blocks)
	})
}

// RelayFee returns the minimum relay fee rate
func (g *Gateway) RelayFee(ctx context.Context) (float64, error) {
	return route(ctx, g, RequestKey{Kind: KindRelayFee}, func(ctx context.Context) (float64, error) {
		return g.client.RelayFee(ctx)
	})
}

// Header returns the block header at height, cached for HeaderTTL
func (g *Gateway) Header(ctx context.Context, height int64) (*wire.BlockHeader, error) {
	if hdr, ok := g.headers.Get(height); ok {
		return hdr, nil
	}

	hdr, err := route(ctx, g, RequestKey{Kind: KindHeader, Param: strconv.FormatInt(height, 10)}, func(ctx context.Context) (*wire.BlockHeader, error) {
		return g.client.Header(ctx, height)
	})
	if err != nil {
		return nil, err
	}

	g.headers.SetWithTTL(height, hdr, 1, g.cfg.HeaderTTL)
	g.headers.Wait()
	return hdr, nil
}

// PingHeadersTip asks the server for its best header and records it as fresh
func (g *Gateway) PingHeadersTip(ctx context.Context) (Tip, error) {
	tip, err := route(ctx, g, RequestKey{Kind: KindHeadersTip}, func(ctx context.Context) (Tip, error) {
		return g.client.PingHeadersTip(ctx)
	})
	if err != nil {
		return Tip{}, err
	}
	g.ObserveTip(tip.Height)
	return tip, nil
}
