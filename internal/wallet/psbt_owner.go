package wallet

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/rawblock/heritage-engine/internal/keys"
)

// dustLimit is the conventional 546-sat threshold under which a change
// output is folded into the fee.
const dustLimit = btcutil.Amount(546)

const (
	sequenceRBF    = wire.MaxTxInSequenceNum - 2 // 0xFFFFFFFD, BIP-125 signaling
	sequenceFinal  = wire.MaxTxInSequenceNum - 1 // 0xFFFFFFFE, locktime-enabled, no RBF
	psbtTxVersion  = 2
)

// spendableInput couples a tracker utxo with its owning subwallet, giving
// PSBT construction everything it needs to annotate the input.
type spendableInput struct {
	sub  *Subwallet
	utxo TrackerUtxo
}

func (in *spendableInput) keychain() Keychain {
	if in.utxo.Keychain == 'i' {
		return KeychainInternal
	}
	return KeychainExternal
}

// spendableInputs indexes every tracker utxo across subwallets by outpoint.
func (w *HeritageWallet) spendableInputs() (map[string]*spendableInput, error) {
	subs, err := w.Subwallets()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*spendableInput)
	for _, sub := range subs {
		utxos, err := sub.TrackerUtxos()
		if err != nil {
			return nil, err
		}
		for _, u := range utxos {
			out[u.Outpoint.String()] = &spendableInput{sub: sub, utxo: u}
		}
	}
	return out, nil
}

// keySpendWitnessWeight is the witness weight of a taproot key-path input:
// one stack item holding a 64-byte Schnorr signature.
const keySpendWitnessWeight = 66

// estimateWeight computes the weight of a transaction skeleton.
func estimateWeight(numInputs int, outputScriptLens []int, witnessWeights []int) int64 {
	base := 4 + 1 + numInputs*41 + 1 + 4
	for _, l := range outputScriptLens {
		base += 8 + 1 + l
	}
	weight := int64(base)*4 + 2
	for _, w := range witnessWeights {
		weight += int64(w)
	}
	return weight
}

func decodeDestination(addr string) (btcutil.Address, []byte, error) {
	dest, err := btcutil.DecodeAddress(addr, keys.Network())
	if err != nil {
		return nil, nil, fmt.Errorf("invalid address %q: %v", addr, err)
	}
	if !dest.IsForNet(keys.Network()) {
		return nil, nil, fmt.Errorf("address %q is not valid for network %s", addr, keys.Network().Name)
	}
	script, err := txscript.PayToAddrScript(dest)
	if err != nil {
		return nil, nil, fmt.Errorf("building script for %q: %v", addr, err)
	}
	return dest, script, nil
}

// resolveFeeRate applies the fee policy: an explicit rate wins, otherwise the
// cached estimation.
func (w *HeritageWallet) resolveFeeRate(opts *CreatePsbtOptions) (FeeRate, error) {
	if opts != nil && opts.FeePolicy != nil && opts.FeePolicy.Rate != nil {
		return *opts.FeePolicy.Rate, nil
	}
	return w.GetFeeRate()
}

func filterCandidates(candidates map[string]*spendableInput, sel *UtxoSelection) (map[string]*spendableInput, error) {
	if sel == nil {
		return candidates, nil
	}
	if len(sel.UseOnly) > 0 {
		out := make(map[string]*spendableInput, len(sel.UseOnly))
		for _, op := range sel.UseOnly {
			in, ok := candidates[op.String()]
			if !ok {
				return nil, fmt.Errorf("utxo %s is not spendable by this wallet", op)
			}
			out[op.String()] = in
		}
		return out, nil
	}
	out := make(map[string]*spendableInput, len(candidates))
	for k, v := range candidates {
		out[k] = v
	}
	for _, op := range sel.Exclude {
		delete(out, op.String())
	}
	for _, op := range sel.Include {
		if _, ok := candidates[op.String()]; !ok {
			return nil, fmt.Errorf("utxo %s is not spendable by this wallet", op)
		}
	}
	return out, nil
}

func sortedByAmountDesc(candidates map[string]*spendableInput) []*spendableInput {
	out := make([]*spendableInput, 0, len(candidates))
	for _, in := range candidates {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].utxo.Amount != out[j].utxo.Amount {
			return out[i].utxo.Amount > out[j].utxo.Amount
		}
		return out[i].utxo.Outpoint.String() < out[j].utxo.Outpoint.String()
	})
	return out
}

// CreateOwnerPsbt builds an unsigned PSBT spending through the owner
// key-path. Coin selection is largest-first over the cached utxo set, the
// policy path of every input is the key-path of its originating subwallet,
// and a change output on the current subwallet's internal chain absorbs the
// remainder when above dust.
func (w *HeritageWallet) CreateOwnerPsbt(spending SpendingConfig, opts CreatePsbtOptions) (*psbt.Packet, *TransactionSummary, error) {
	if !spending.IsDrain() && len(spending.Recipients) == 0 {
		return nil, nil, fmt.Errorf("spending config has no destination")
	}
	candidates, err := w.spendableInputs()
	if err != nil {
		return nil, nil, err
	}
	candidates, err = filterCandidates(candidates, opts.UtxoSelection)
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, nil, ErrNothingToSpend
	}
	feeRate, err := w.resolveFeeRate(&opts)
	if err != nil {
		return nil, nil, err
	}

	var (
		outputScripts [][]byte
		outputAmounts []btcutil.Amount
		outputLens    []int
		wanted        btcutil.Amount
	)
	for _, r := range spending.Recipients {
		_, script, err := decodeDestination(r.Address)
		if err != nil {
			return nil, nil, err
		}
		outputScripts = append(outputScripts, script)
		outputAmounts = append(outputAmounts, r.Amount)
		outputLens = append(outputLens, len(script))
		wanted += r.Amount
	}
	var drainScript []byte
	if spending.IsDrain() {
		_, drainScript, err = decodeDestination(spending.DrainTo)
		if err != nil {
			return nil, nil, err
		}
		outputLens = append(outputLens, len(drainScript))
	}

	// Selection. Drain consumes every candidate; recipients mode adds
	// largest-first (forced includes first) until outputs plus fee are
	// covered, assuming a change output in the estimate.
	ordered := sortedByAmountDesc(candidates)
	numForced := 0
	if opts.UtxoSelection != nil && len(opts.UtxoSelection.Include) > 0 {
		forced := make(map[string]bool, len(opts.UtxoSelection.Include))
		for _, op := range opts.UtxoSelection.Include {
			forced[op.String()] = true
		}
		sort.SliceStable(ordered, func(i, j int) bool {
			return forced[ordered[i].utxo.Outpoint.String()] && !forced[ordered[j].utxo.Outpoint.String()]
		})
		for _, in := range ordered {
			if forced[in.utxo.Outpoint.String()] {
				numForced++
			}
		}
	}

	feeFor := func(nIn int, lens []int) btcutil.Amount {
		witness := make([]int, nIn)
		for i := range witness {
			witness[i] = keySpendWitnessWeight
		}
		return feeRate.FeeFor(estimateWeight(nIn, lens, witness))
	}
	absoluteFee := btcutil.Amount(0)
	if opts.FeePolicy != nil && opts.FeePolicy.Absolute > 0 {
		absoluteFee = opts.FeePolicy.Absolute
	}

	var selected []*spendableInput
	var totalIn btcutil.Amount
	if spending.IsDrain() {
		selected = ordered
		for _, in := range selected {
			totalIn += in.utxo.Amount
		}
	} else {
		lensWithChange := append(append([]int(nil), outputLens...), 34)
		for _, in := range ordered {
			selected = append(selected, in)
			totalIn += in.utxo.Amount
			fee := absoluteFee
			if fee == 0 {
				fee = feeFor(len(selected), lensWithChange)
			}
			if totalIn >= wanted+fee && len(selected) >= numForced {
				break
			}
		}
		fee := absoluteFee
		if fee == 0 {
			fee = feeFor(len(selected), lensWithChange)
		}
		if totalIn < wanted+fee {
			return nil, nil, fmt.Errorf("%w: need %d sat, have %d sat", ErrNothingToSpend, wanted+fee, totalIn)
		}
	}
	if len(selected) == 0 {
		return nil, nil, ErrNothingToSpend
	}

	// Finalize outputs.
	var (
		fee          btcutil.Amount
		changeAmount btcutil.Amount
		changeAddr   string
	)
	if spending.IsDrain() {
		fee = absoluteFee
		if fee == 0 {
			fee = feeFor(len(selected), outputLens)
		}
		if totalIn <= fee+dustLimit {
			return nil, nil, fmt.Errorf("%w: balance %d sat does not cover the fee", ErrNothingToSpend, totalIn)
		}
		outputScripts = append(outputScripts, drainScript)
		outputAmounts = append(outputAmounts, totalIn-fee)
	} else {
		lensWithChange := append(append([]int(nil), outputLens...), 34)
		fee = absoluteFee
		if fee == 0 {
			fee = feeFor(len(selected), lensWithChange)
		}
		change := totalIn - wanted - fee
		if change >= dustLimit {
			current, err := w.GetCurrentSubwalletConfig()
			if err != nil {
				return nil, nil, err
			}
			if current == nil {
				return nil, nil, ErrMissingCurrentSubwalletConfig
			}
			sub := newSubwallet(current, w.store, w.table)
			last, found, err := sub.LastIndex(KeychainInternal)
			if err != nil {
				return nil, nil, err
			}
			next := uint32(0)
			if found {
				next = last + 1
			}
			if err := sub.EnsureAddressesTo(KeychainInternal, next); err != nil {
				return nil, nil, err
			}
			addr, script, err := sub.AddressAt(KeychainInternal, next)
			if err != nil {
				return nil, nil, err
			}
			outputScripts = append(outputScripts, script)
			outputAmounts = append(outputAmounts, change)
			changeAmount = change
			changeAddr = addr.String()
		} else if change > 0 {
			fee += change
		}
	}

	sequence := uint32(sequenceRBF)
	if opts.DisableRBF {
		sequence = uint32(sequenceFinal)
	}
	packet, summary, err := w.assemblePsbt(selected, outputScripts, outputAmounts, sequence, 0, nil)
	if err != nil {
		return nil, nil, err
	}
	summary.Fee = fee
	summary.Received = changeAmount
	if changeAddr != "" {
		summary.OwnedOutputs = []OwnedOutput{{Address: changeAddr, Amount: changeAmount}}
	}
	return packet, summary, nil
}

// heirAnnotation carries the script-path metadata of an heir spend; nil for
// owner key-path spends.
type heirAnnotation struct {
	miniscriptIdx int
}

// assemblePsbt builds the unsigned packet and the base summary shared by the
// owner and heir flows, attaching witness utxos, taproot key origins and the
// policy-path annotation to every input.
func (w *HeritageWallet) assemblePsbt(selected []*spendableInput, outputScripts [][]byte, outputAmounts []btcutil.Amount, sequence uint32, lockTime uint32, heirMeta *heirAnnotation) (*psbt.Packet, *TransactionSummary, error) {
	outpoints := make([]*wire.OutPoint, 0, len(selected))
	sequences := make([]uint32, 0, len(selected))
	for _, in := range selected {
		op := in.utxo.Outpoint.OutPoint
		outpoints = append(outpoints, &op)
		sequences = append(sequences, sequence)
	}
	txouts := make([]*wire.TxOut, 0, len(outputScripts))
	for i, script := range outputScripts {
		txouts = append(txouts, wire.NewTxOut(int64(outputAmounts[i]), script))
	}
	packet, err := psbt.New(outpoints, txouts, psbtTxVersion, lockTime, sequences)
	if err != nil {
		return nil, nil, fmt.Errorf("building psbt: %v", err)
	}

	var totalIn btcutil.Amount
	ownedInputs := make([]OutPoint, 0, len(selected))
	for i, in := range selected {
		totalIn += in.utxo.Amount
		ownedInputs = append(ownedInputs, in.utxo.Outpoint)
		if err := w.annotateInput(&packet.Inputs[i], in, heirMeta); err != nil {
			return nil, nil, err
		}
	}
	summary := &TransactionSummary{
		TxID:        packet.UnsignedTx.TxHash().String(),
		Sent:        totalIn,
		OwnedInputs: ownedInputs,
	}
	return packet, summary, nil
}

// annotateInput fills the PSBT input metadata: the witness utxo, the taproot
// internal key and merkle root, the key origins of every key able to sign,
// and — for heir spends — the tapscript leaf and its control block. Taproot
// signers need the policy path pre-declared to load the right control block;
// eliding it makes the script-path flow fail at signing time.
func (w *HeritageWallet) annotateInput(pin *psbt.PInput, in *spendableInput, heirMeta *heirAnnotation) error {
	kc, index := in.keychain(), in.utxo.Index
	internalPub, _, tree, err := in.sub.taprootKeys(kc, index)
	if err != nil {
		return err
	}
	_, script, err := in.sub.AddressAt(kc, index)
	if err != nil {
		return err
	}
	pin.WitnessUtxo = wire.NewTxOut(int64(in.utxo.Amount), script)
	pin.SighashType = txscript.SigHashDefault
	pin.TaprootInternalKey = schnorr.SerializePubKey(internalPub)
	if tree != nil {
		root := tree.RootNode.TapHash()
		pin.TaprootMerkleRoot = root[:]
	}

	// Owner key origin.
	axpub := in.sub.Config.AccountXPub
	pin.TaprootBip32Derivation = append(pin.TaprootBip32Derivation, &psbt.TaprootBip32Derivation{
		XOnlyPubKey:          schnorr.SerializePubKey(internalPub),
		MasterKeyFingerprint: axpub.Fingerprint().Uint32(),
		Bip32Path:            axpub.Bip32Path(uint32(kc), index),
	})

	// Heir key origins, bound to their leaves.
	cfg := in.sub.Config.HeritageConfig
	for i, heir := range cfg.IterHeirConfigs() {
		explorer, _ := cfg.ExplorerAt(i)
		leafScript, err := explorer.LeafScript(uint32(kc), index)
		if err != nil {
			return err
		}
		leaf := txscript.NewBaseTapLeaf(leafScript)
		leafHash := leaf.TapHash()
		heirPub, err := heir.PubKeyAt(uint32(kc), index)
		if err != nil {
			return err
		}
		pin.TaprootBip32Derivation = append(pin.TaprootBip32Derivation, &psbt.TaprootBip32Derivation{
			XOnlyPubKey:          schnorr.SerializePubKey(heirPub),
			MasterKeyFingerprint: heir.Fingerprint().Uint32(),
			Bip32Path:            heir.Bip32Path(uint32(kc), index),
			LeafHashes:           [][]byte{leafHash[:]},
		})

		if heirMeta != nil && i == heirMeta.miniscriptIdx {
			proof := tree.LeafMerkleProofs[i]
			controlBlock := proof.ToControlBlock(internalPub)
			cbBytes, err := controlBlock.ToBytes()
			if err != nil {
				return fmt.Errorf("serializing control block: %v", err)
			}
			pin.TaprootLeafScript = append(pin.TaprootLeafScript, &psbt.TaprootTapLeafScript{
				ControlBlock: cbBytes,
				Script:       leafScript,
				LeafVersion:  txscript.BaseLeafVersion,
			})
		}
	}
	return nil
}
