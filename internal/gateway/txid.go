package gateway

import (
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"walletnet/internal/neterr"
)

// TxID returns the transaction hash of a hex encoded raw transaction.
// Transactions that decode use the witness-stripped txid; anything else is
// hashed as given.
func TxID(rawTx string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(rawTx))
	if err != nil {
		return "", neterr.Wrap(neterr.KindEncoding, "invalid transaction hex", err)
	}
	if len(raw) == 0 {
		return "", neterr.New(neterr.KindEncoding, "empty transaction")
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err == nil {
		return tx.TxHash().String(), nil
	}
	return chainhash.DoubleHashH(raw).String(), nil
}
