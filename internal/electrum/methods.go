package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"walletnet/internal/gateway"
	"walletnet/internal/neterr"
)

var _ gateway.Client = (*Client)(nil)

// Version negotiates the protocol and returns the server software and protocol version
func (c *Client) Version(ctx context.Context, clientName string) ([]string, error) {
	raw, err := c.call(ctx, MethodServerVersion, clientName, ProtocolVersion)
	if err != nil {
		return nil, err
	}
	return decode[[]string](MethodServerVersion, raw)
}

// Ping calls server.ping on a pooled session
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, MethodServerPing)
	return err
}

// Broadcast submits a raw transaction and returns the txid acknowledged by the server
func (c *Client) Broadcast(ctx context.Context, rawTx string) (string, error) {
	raw, err := c.call(ctx, MethodBroadcast, rawTx)
	if err != nil {
		return "", err
	}
	txid, err := decode[string](MethodBroadcast, raw)
	if err != nil {
		return "", err
	}
	if len(txid) != 64 {
		// some servers answer rejections with a plain result string
		return "", neterr.Newf(neterr.KindServerRejected, "broadcast rejected", "%s", txid)
	}
	return txid, nil
}

// RawTransaction returns the hex serialization of txid
func (c *Client) RawTransaction(ctx context.Context, txid string) (string, error) {
	raw, err := c.call(ctx, MethodTransactionGet, txid, false)
	if err != nil {
		return "", err
	}
	return decode[string](MethodTransactionGet, raw)
}

// Fetch returns the decoded transaction txid
func (c *Client) Fetch(ctx context.Context, txid string) (*wire.MsgTx, error) {
	rawHex, err := c.RawTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, neterr.Wrap(neterr.KindEncoding, "invalid transaction hex", err).With("txid", txid)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, neterr.Wrap(neterr.KindEncoding, "invalid transaction", err).With("txid", txid)
	}
	return &tx, nil
}

// DetailedTransaction returns the verbose form of txid as the server reports it
func (c *Client) DetailedTransaction(ctx context.Context, txid string) (json.RawMessage, error) {
	raw, err := c.call(ctx, MethodTransactionGet, txid, true)
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, neterr.ProtocolViolation(MethodTransactionGet, "empty verbose transaction")
	}
	return raw, nil
}

// EstimateFee returns the fee rate in coin per kilobyte to confirm within blocks
func (c *Client) EstimateFee(ctx context.Context, blocks int) (float64, error) {
	raw, err := c.call(ctx, MethodEstimateFee, blocks)
	if err != nil {
		return 0, err
	}
	fee, err := decode[float64](MethodEstimateFee, raw)
	if err != nil {
		return 0, err
	}
	if fee < 0 {
		return 0, neterr.Newf(neterr.KindServerRejected, "fee estimate unavailable", "no estimate for %d blocks", blocks)
	}
	return fee, nil
}

// RelayFee returns the minimum fee rate the server relays
func (c *Client) RelayFee(ctx context.Context) (float64, error) {
	raw, err := c.call(ctx, MethodRelayFee)
	if err != nil {
		return 0, err
	}
	return decode[float64](MethodRelayFee, raw)
}

// Header returns the block header at height
func (c *Client) Header(ctx context.Context, height int64) (*wire.BlockHeader, error) {
	raw, err := c.call(ctx, MethodBlockHeader, height)
	if err != nil {
		return nil, err
	}
	hexHeader, err := decode[string](MethodBlockHeader, raw)
	if err != nil {
		return nil, err
	}
	return DecodeHeader(hexHeader)
}

// DecodeHeader parses an 80 byte hex encoded block header
func DecodeHeader(hexHeader string) (*wire.BlockHeader, error) {
	b, err := hex.DecodeString(hexHeader)
	if err != nil {
		return nil, neterr.Wrap(neterr.KindEncoding, "invalid header hex", err)
	}
	if len(b) != wire.MaxBlockHeaderPayload {
		return nil, neterr.Newf(neterr.KindProtocol, "invalid header", "header is %d bytes", len(b))
	}
	var hdr wire.BlockHeader
	if err := hdr.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, neterr.Wrap(neterr.KindEncoding, "invalid header", err)
	}
	return &hdr, nil
}

type headerNotification struct {
	Height int64  `json:"height"`
	Hex    string `json:"hex"`
}

// PingHeadersTip returns the server's best header
func (c *Client) PingHeadersTip(ctx context.Context) (gateway.Tip, error) {
	raw, err := c.call(ctx, MethodHeadersSubscribe)
	if err != nil {
		return gateway.Tip{}, err
	}
	return parseTip(raw)
}

func parseTip(raw json.RawMessage) (gateway.Tip, error) {
	n, err := decode[headerNotification](MethodHeadersSubscribe, raw)
	if err != nil {
		return gateway.Tip{}, err
	}
	if n.Hex == "" {
		return gateway.Tip{}, neterr.ProtocolViolation(MethodHeadersSubscribe, "missing header")
	}
	return gateway.Tip{Height: n.Height, Hex: n.Hex}, nil
}

type mempoolEntry struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
	Fee    int64  `json:"fee"`
}

// Mempool returns the unconfirmed transactions touching any tracked script hash.
// Electrum has no global mempool listing, so the tracked set bounds the view.
func (c *Client) Mempool(ctx context.Context) ([]string, error) {
	hashes := c.trackedHashes()
	results := make([][]mempoolEntry, len(hashes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.mempoolConcurrency)
	for i, sh := range hashes {
		i, sh := i, sh
		g.Go(func() error {
			raw, err := c.call(gctx, MethodScriptHashMempool, sh)
			if err != nil {
				return err
			}
			entries, err := decode[[]mempoolEntry](MethodScriptHashMempool, raw)
			if err != nil {
				return err
			}
			results[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []string
	for _, entries := range results {
		for _, e := range entries {
			if _, dup := seen[e.TxHash]; dup || e.TxHash == "" {
				continue
			}
			seen[e.TxHash] = struct{}{}
			out = append(out, e.TxHash)
		}
	}
	sort.Strings(out)
	return out, nil
}

// parseStatus reads a script hash status, which is null for unused script hashes
func parseStatus(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return "", nil
	}
	return decode[string](MethodScriptHashSub, raw)
}
