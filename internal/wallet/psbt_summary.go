package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/rawblock/heritage-engine/internal/keys"
)

// ErrUnfinalizablePsbt reports a PSBT whose inputs are not all signed.
var ErrUnfinalizablePsbt = errors.New("psbt cannot be finalized")

// InputSummary describes one PSBT input with the fingerprints known to be
// able to sign it.
type InputSummary struct {
	PreviousOutput           string             `json:"previous_output"`
	Address                  string             `json:"address"`
	Amount                   btcutil.Amount     `json:"amount"`
	KnownOwningFingerprints  []keys.Fingerprint `json:"known_owning_fingerprints"`
	KnownOwningWallets       []string           `json:"known_owning_wallets,omitempty"`
}

// OutputSummary describes one PSBT output. IsOwned is nil when no
// transaction summary was available to attribute ownership.
type OutputSummary struct {
	Address string         `json:"address"`
	Amount  btcutil.Amount `json:"amount"`
	IsOwned *bool          `json:"is_owned,omitempty"`
}

// PsbtSummary is the human-reviewable digest of an in-flight PSBT.
type PsbtSummary struct {
	Inputs     []InputSummary  `json:"inputs"`
	Outputs    []OutputSummary `json:"outputs"`
	TotalSpend btcutil.Amount  `json:"total_spend"`
	SendOut    btcutil.Amount  `json:"send_out"`
	// Change is nil when ownership could not be attributed.
	Change *btcutil.Amount `json:"change,omitempty"`
	Fee    btcutil.Amount  `json:"fee"`
}

// SummarizePsbt decodes a PSBT into an inputs/outputs/totals record.
// txSummary, when provided, attributes owned outputs (and therefore change);
// walletNames, when provided, resolves input fingerprints to wallet names.
func SummarizePsbt(packet *psbt.Packet, txSummary *TransactionSummary, walletNames map[keys.Fingerprint]string, network *chaincfg.Params) (*PsbtSummary, error) {
	summary := &PsbtSummary{}

	for i, txIn := range packet.UnsignedTx.TxIn {
		pin := packet.Inputs[i]
		var prevOut *wire.TxOut
		switch {
		case pin.WitnessUtxo != nil:
			prevOut = pin.WitnessUtxo
		case pin.NonWitnessUtxo != nil:
			vout := txIn.PreviousOutPoint.Index
			if int(vout) >= len(pin.NonWitnessUtxo.TxOut) {
				return nil, fmt.Errorf("input %d references output %d of a %d-output transaction",
					i, vout, len(pin.NonWitnessUtxo.TxOut))
			}
			prevOut = pin.NonWitnessUtxo.TxOut[vout]
		default:
			return nil, fmt.Errorf("input %d carries neither witness nor non-witness utxo", i)
		}
		addr, err := addressFromScript(prevOut.PkScript, network)
		if err != nil {
			return nil, fmt.Errorf("input %d: %v", i, err)
		}
		in := InputSummary{
			PreviousOutput: txIn.PreviousOutPoint.String(),
			Address:        addr,
			Amount:         btcutil.Amount(prevOut.Value),
		}
		seen := make(map[keys.Fingerprint]bool)
		for _, deriv := range pin.TaprootBip32Derivation {
			var fp keys.Fingerprint
			putUint32LE(fp[:], deriv.MasterKeyFingerprint)
			if seen[fp] {
				continue
			}
			seen[fp] = true
			in.KnownOwningFingerprints = append(in.KnownOwningFingerprints, fp)
			if walletNames != nil {
				if name, ok := walletNames[fp]; ok {
					in.KnownOwningWallets = append(in.KnownOwningWallets, name)
				}
			}
		}
		summary.TotalSpend += in.Amount
		summary.Inputs = append(summary.Inputs, in)
	}

	ownedAddrs := make(map[string]bool)
	if txSummary != nil {
		for _, oo := range txSummary.OwnedOutputs {
			ownedAddrs[oo.Address] = true
		}
	}
	var change btcutil.Amount
	for i, txOut := range packet.UnsignedTx.TxOut {
		addr, err := addressFromScript(txOut.PkScript, network)
		if err != nil {
			return nil, fmt.Errorf("output %d: %v", i, err)
		}
		out := OutputSummary{Address: addr, Amount: btcutil.Amount(txOut.Value)}
		if txSummary != nil {
			owned := ownedAddrs[addr]
			out.IsOwned = &owned
			if owned {
				change += out.Amount
			} else {
				summary.SendOut += out.Amount
			}
		} else {
			summary.SendOut += out.Amount
		}
		summary.Outputs = append(summary.Outputs, out)
	}
	if txSummary != nil {
		summary.Change = &change
	}

	fee := summary.TotalSpend - summary.SendOut - change
	if fee < 0 {
		return nil, fmt.Errorf("invalid psbt: fee cannot be negative")
	}
	summary.Fee = fee
	return summary, nil
}

func putUint32LE(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

func addressFromScript(script []byte, network *chaincfg.Params) (string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, network)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("unrecognized output script")
	}
	return addrs[0].String(), nil
}

// ExtractTransaction finalizes a fully signed PSBT and extracts the network
// transaction, failing with ErrUnfinalizablePsbt when any input is missing
// its signature.
func ExtractTransaction(packet *psbt.Packet) (*wire.MsgTx, error) {
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnfinalizablePsbt, err)
	}
	if !packet.IsComplete() {
		return nil, ErrUnfinalizablePsbt
	}
	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnfinalizablePsbt, err)
	}
	return tx, nil
}
