package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

func decodeHexScript(s string) ([]byte, error) {
	script, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad script hex %q: %v", s, err)
	}
	return script, nil
}

func decodeRawTx(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}
