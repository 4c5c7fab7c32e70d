package electrum

import (
	"strings"
	"time"

	"walletnet/internal/gateway"
	"walletnet/internal/neterr"
)

var _ gateway.BroadcastInterpreter = (*Client)(nil)

// Substrings of bitcoind reject reasons relayed by Electrum servers
var alreadyKnownReasons = []string{
	"txn-already-known",
	"txn-already-in-mempool",
	"transaction already in block chain",
	"transaction already exists",
	"already have transaction",
	"transaction outputs already in utxo set",
}

var retryReasons = []struct {
	match string
	hint  time.Duration
}{
	{"too-long-mempool-chain", 10 * time.Minute},
	{"mempool full", time.Minute},
	{"excessive resource usage", 30 * time.Second},
	{"server busy", 30 * time.Second},
}

// InterpretBroadcastError recognizes rejections that mean the transaction is
// already known, or that the broadcast may succeed later
func (c *Client) InterpretBroadcastError(err error, rawTx string) (gateway.BroadcastResolution, bool) {
	if err == nil || !neterr.IsKind(err, neterr.KindServerRejected) {
		return gateway.BroadcastResolution{}, false
	}

	msg := strings.ToLower(err.Error())
	for _, reason := range alreadyKnownReasons {
		if strings.Contains(msg, reason) {
			hash, _ := gateway.TxID(rawTx)
			return gateway.AlreadyKnown(hash), true
		}
	}
	for _, r := range retryReasons {
		if strings.Contains(msg, r.match) {
			return gateway.Retry(r.match, r.hint), true
		}
	}
	return gateway.BroadcastResolution{}, false
}
