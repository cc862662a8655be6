package wallet

import (
	"fmt"
	"log"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/rawblock/heritage-engine/internal/db"
)

// ChainBackend is the capability the wallet needs from a Bitcoin node: drive
// the BIP-32 index of one subwallet, estimate fees, and relay transactions.
// Implementations may be shared across the subwallet syncs of a single Sync
// call; Sync itself is not re-entrant and callers must serialize it.
type ChainBackend interface {
	// SyncSubwallet scans the chain for the subwallet's addresses and
	// updates its tracker partition (addresses, utxos, tx details).
	SyncSubwallet(sw *Subwallet) error
	// EstimateFee returns a fee rate targeting inclusion within the given
	// number of blocks.
	EstimateFee(targetBlocks uint16) (FeeRate, error)
	// Broadcast relays a final transaction.
	Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error)
}

// SyncError wraps a failure of the synchronization pipeline.
type SyncError struct {
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("wallet sync failed: %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Sync reconciles the wallet state with the chain: every used subwallet is
// synced through the backend, then utxos and transactions are reduced across
// subwallets into the consolidated HeritageUtxo / TransactionSummary indexes,
// the balance cells are recomputed, and the fee rate is refreshed.
func (w *HeritageWallet) Sync(backend ChainBackend) error {
	subs, err := w.Subwallets()
	if err != nil {
		return &SyncError{Err: err}
	}
	current, err := w.GetCurrentSubwalletConfig()
	if err != nil {
		return &SyncError{Err: err}
	}

	var balance WalletBalance
	liveOutpoints := make(map[string]bool)
	var utxoAdds []HeritageUtxo
	txReduce := make(map[string]*TransactionSummary)

	existingUtxos, err := w.ListHeritageUtxos()
	if err != nil {
		return &SyncError{Err: err}
	}
	existingByOutpoint := make(map[string]HeritageUtxo, len(existingUtxos))
	for _, u := range existingUtxos {
		existingByOutpoint[u.Outpoint.String()] = u
	}

	for _, sub := range subs {
		// A subwallet that never issued an address cannot own anything:
		// skip the backend round-trip entirely.
		if !sub.Config.IsUsed() {
			continue
		}
		if err := backend.SyncSubwallet(sub); err != nil {
			return &SyncError{Err: err}
		}

		isCurrent := current != nil && sub.Config.SubwalletID == current.SubwalletID
		utxos, err := sub.TrackerUtxos()
		if err != nil {
			return &SyncError{Err: err}
		}
		for _, u := range utxos {
			opKey := u.Outpoint.String()
			liveOutpoints[opKey] = true

			details, err := sub.TxDetailsFor(u.Outpoint.Hash.String())
			if err != nil {
				return &SyncError{Err: err}
			}
			var confirmation *BlockTime
			if details != nil {
				confirmation = details.ConfirmationTime
			}
			accumulateBalance(balancePartition(&balance, isCurrent), u, confirmation)

			// A row that already exists with a confirmation time is settled;
			// everything else is (re)inserted with fresh data.
			if prev, ok := existingByOutpoint[opKey]; ok && prev.ConfirmationTime != nil {
				continue
			}
			utxoAdds = append(utxoAdds, HeritageUtxo{
				Outpoint:         u.Outpoint,
				Amount:           u.Amount,
				ConfirmationTime: confirmation,
				HeritageConfig:   sub.Config.HeritageConfig,
			})
		}

		details, err := sub.TxDetailsList()
		if err != nil {
			return &SyncError{Err: err}
		}
		for _, d := range details {
			reduceTxSummary(txReduce, d)
		}
	}

	var utxoDeletes []string
	for opKey := range existingByOutpoint {
		if !liveOutpoints[opKey] {
			utxoDeletes = append(utxoDeletes, opKey)
		}
	}
	sort.Strings(utxoDeletes)

	summaryDeletes, summaryAdds, err := w.reconcileTxSummaries(txReduce)
	if err != nil {
		return &SyncError{Err: err}
	}

	if err := w.persistSyncResults(balance, utxoDeletes, utxoAdds, summaryDeletes, summaryAdds); err != nil {
		return &SyncError{Err: err}
	}

	bio, err := w.GetBlockInclusionObjective()
	if err != nil {
		return &SyncError{Err: err}
	}
	if rate, err := backend.EstimateFee(uint16(bio)); err != nil {
		// Fee refresh failure does not invalidate the sync itself.
		log.Printf("Warning: fee estimation failed, keeping cached rate: %v", err)
	} else if err := w.store.Put(w.table, w.part.FeeRateKey(), rate); err != nil {
		return &SyncError{Err: err}
	}
	return nil
}

func balancePartition(balance *WalletBalance, isCurrent bool) *Balance {
	if isCurrent {
		return &balance.Uptodate
	}
	return &balance.Obsolete
}

func accumulateBalance(b *Balance, u TrackerUtxo, confirmation *BlockTime) {
	switch {
	case confirmation != nil:
		b.Confirmed += u.Amount
	case u.Keychain == 'i':
		b.TrustedPending += u.Amount
	default:
		b.UntrustedPending += u.Amount
	}
}

// reduceTxSummary folds one subwallet's view of a transaction into the
// cross-subwallet reduction: received/sent add up, the fee comes from
// whichever subwallet reports one, the confirmation time from any confirming
// entry.
func reduceTxSummary(acc map[string]*TransactionSummary, d TxDetails) {
	ts, ok := acc[d.TxID]
	if !ok {
		ts = &TransactionSummary{TxID: d.TxID}
		acc[d.TxID] = ts
	}
	ts.Received += d.Received
	ts.Sent += d.Sent
	if ts.Fee == 0 {
		ts.Fee = d.Fee
	}
	if ts.ConfirmationTime == nil && d.ConfirmationTime != nil {
		ts.ConfirmationTime = d.ConfirmationTime
	}
}

func txSummaryHeight(ts *TransactionSummary) uint32 {
	if ts.ConfirmationTime == nil {
		return db.UnconfirmedHeight
	}
	return ts.ConfirmationTime.Height
}

// reconcileTxSummaries diffs the reduced transactions against the stored
// index. The on-disk key carries the confirmation height, so an entry whose
// confirmation changed is deleted and reinserted under its new key.
func (w *HeritageWallet) reconcileTxSummaries(reduced map[string]*TransactionSummary) (deletes []string, adds []TransactionSummary, err error) {
	rows, err := w.store.Query(w.table, w.part.TxSummaryPrefix())
	if err != nil {
		return nil, nil, err
	}
	existingKeys := make(map[string]string, len(rows)) // txid -> key
	for _, row := range rows {
		var ts TransactionSummary
		if err := decodeJSON(row.Value, &ts); err != nil {
			return nil, nil, fmt.Errorf("decoding tx summary %s: %v", row.Key, err)
		}
		existingKeys[ts.TxID] = row.Key
	}
	txids := make([]string, 0, len(reduced))
	for txid := range reduced {
		txids = append(txids, txid)
	}
	sort.Strings(txids)
	for _, txid := range txids {
		ts := reduced[txid]
		newKey := w.part.TxSummaryKey(txid, txSummaryHeight(ts))
		if oldKey, ok := existingKeys[txid]; ok && oldKey != newKey {
			deletes = append(deletes, oldKey)
		}
		adds = append(adds, *ts)
	}
	return deletes, adds, nil
}

// persistSyncResults writes the whole sync outcome in one transaction:
// balance cell, utxo deletes then adds, summary deletes then adds, and the
// wallet sync time.
func (w *HeritageWallet) persistSyncResults(balance WalletBalance, utxoDeletes []string, utxoAdds []HeritageUtxo, summaryDeletes []string, summaryAdds []TransactionSummary) error {
	txn, err := w.store.BeginWrite()
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := txn.Put(w.table, w.part.BalanceKey(), balance); err != nil {
		return err
	}
	for _, opKey := range utxoDeletes {
		if err := txn.Delete(w.table, w.part.HeritageUtxoKey(opKey)); err != nil {
			return err
		}
	}
	for _, u := range utxoAdds {
		if err := txn.Put(w.table, w.part.HeritageUtxoKey(u.Outpoint.String()), u); err != nil {
			return err
		}
	}
	for _, key := range summaryDeletes {
		if err := txn.Delete(w.table, key); err != nil {
			return err
		}
	}
	for _, ts := range summaryAdds {
		key := w.part.TxSummaryKey(ts.TxID, txSummaryHeight(&ts))
		if err := txn.Put(w.table, key, ts); err != nil {
			return err
		}
	}
	if err := txn.Put(w.table, w.part.SyncTimeKey(), timeNow()); err != nil {
		return err
	}
	return txn.Commit()
}
