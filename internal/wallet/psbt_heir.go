package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/rawblock/heritage-engine/internal/heritage"
	"github.com/rawblock/heritage-engine/internal/keys"
)

// heirCandidate is one utxo an heir can currently claim.
type heirCandidate struct {
	input    *spendableInput
	explorer *heritage.Explorer
	group    string // heritage config hash
}

// CreateHeirPsbt builds a drain-only PSBT claiming the utxos an heir is
// entitled to. The spending config must be drain mode.
//
// When several heritage-config groups are eligible for the heir, a single
// group is drained per call: the first eligible one, or the one named by
// opts.HeritageGroup. Spending the remainder requires re-syncing and calling
// again — the historical single-group behavior, kept deliberately.
func (w *HeritageWallet) CreateHeirPsbt(heir *keys.HeirConfig, spending SpendingConfig, opts CreatePsbtOptions) (*psbt.Packet, *TransactionSummary, error) {
	if !spending.IsDrain() || len(spending.Recipients) > 0 {
		return nil, nil, ErrInvalidSpendingConfigForHeir
	}
	_, drainScript, err := decodeDestination(spending.DrainTo)
	if err != nil {
		return nil, nil, err
	}

	utxos, err := w.ListHeritageUtxos()
	if err != nil {
		return nil, nil, err
	}
	inputs, err := w.spendableInputs()
	if err != nil {
		return nil, nil, err
	}

	now := timeNow()
	var candidates []heirCandidate
	for _, u := range utxos {
		explorer, ok := u.HeritageConfig.HeritageExplorer(heir)
		if !ok {
			continue
		}
		sc := explorer.SpendConditions()
		// The absolute lock must have elapsed once the relative lock can be
		// waited out: eligibility is checked at now + relative lock, the
		// relative lock itself is honored at relay time through nSequence.
		if !sc.CanSpendAt(now + uint64(sc.RelativeBlockLock)*heritage.AverageBlockTimeSec) {
			continue
		}
		in, ok := inputs[u.Outpoint.String()]
		if !ok {
			// Cached utxo with no tracker row: the wallet needs a sync.
			return nil, nil, ErrUnsyncedWallet
		}
		candidates = append(candidates, heirCandidate{
			input:    in,
			explorer: explorer,
			group:    u.HeritageConfig.Hash(),
		})
	}
	if len(candidates) == 0 {
		return nil, nil, ErrNothingToSpend
	}

	// Pick one heritage-config group.
	group := opts.HeritageGroup
	if group == "" {
		group = candidates[0].group
	}
	var selected []*spendableInput
	var explorers []*heritage.Explorer
	var totalIn btcutil.Amount
	for _, c := range candidates {
		if c.group != group {
			continue
		}
		selected = append(selected, c.input)
		explorers = append(explorers, c.explorer)
		totalIn += c.input.utxo.Amount
	}
	if len(selected) == 0 {
		return nil, nil, fmt.Errorf("%w: no spendable utxo in heritage group %s", ErrNothingToSpend, group)
	}

	sc := explorers[0].SpendConditions()

	// Fee: script-path inputs carry the leaf script and control block in
	// their witness.
	feeRate, err := w.resolveFeeRate(&opts)
	if err != nil {
		return nil, nil, err
	}
	fee := btcutil.Amount(0)
	if opts.FeePolicy != nil && opts.FeePolicy.Absolute > 0 {
		fee = opts.FeePolicy.Absolute
	} else {
		witness := make([]int, len(selected))
		for i, in := range selected {
			script, err := explorers[i].LeafScript(uint32(in.keychain()), in.utxo.Index)
			if err != nil {
				return nil, nil, err
			}
			// stack count + signature + script + control block (33 + 32 per
			// tree level, bounded by the heir count).
			controlLen := 33 + 32*len(in.sub.Config.HeritageConfig.Heritages())
			witness[i] = 1 + 66 + (1 + len(script)) + (1 + controlLen)
		}
		fee = feeRate.FeeFor(estimateWeight(len(selected), []int{len(drainScript)}, witness))
	}
	if totalIn <= fee+dustLimit {
		return nil, nil, fmt.Errorf("%w: heritage value %d sat does not cover the fee", ErrNothingToSpend, totalIn)
	}

	packet, summary, err := w.assembleHeirPsbt(selected, explorers, drainScript, totalIn-fee, sc)
	if err != nil {
		return nil, nil, err
	}
	summary.Fee = fee
	return packet, summary, nil
}

// assembleHeirPsbt builds the drain packet: nLockTime at the heir's absolute
// timestamp, every input's nSequence at the relative block lock, and the
// policy path annotated to the heir's tapscript leaf.
func (w *HeritageWallet) assembleHeirPsbt(selected []*spendableInput, explorers []*heritage.Explorer, drainScript []byte, drainAmount btcutil.Amount, sc heritage.SpendConditions) (*psbt.Packet, *TransactionSummary, error) {
	lockTime := uint32(sc.SpendableTimestamp)
	sequence := uint32(sc.RelativeBlockLock)
	packet, summary, err := w.assemblePsbt(
		selected,
		[][]byte{drainScript},
		[]btcutil.Amount{drainAmount},
		sequence,
		lockTime,
		&heirAnnotation{miniscriptIdx: explorers[0].MiniscriptIndex()},
	)
	if err != nil {
		return nil, nil, err
	}
	// Drains leave the wallet entirely: nothing received, no owned outputs.
	summary.Received = 0
	return packet, summary, nil
}
