package wallet

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"github.com/rawblock/heritage-engine/internal/db"
	"github.com/rawblock/heritage-engine/internal/heritage"
	"github.com/rawblock/heritage-engine/internal/keys"
)

// HeritageWallet is the logical wallet: at most one current subwallet config,
// any number of obsolete ones, a pool of unused account xpubs, and the cached
// balance / fee / utxo / tx-summary state. All state lives in one table of
// the shared store; per-subwallet tracker rows live in partitions of that
// table.
type HeritageWallet struct {
	store *db.Store
	table string
	part  db.Partition
}

// Create allocates a new wallet table. Fails if the table already exists.
func Create(store *db.Store, table string) (*HeritageWallet, error) {
	if err := store.CreateTable(table); err != nil {
		return nil, err
	}
	return &HeritageWallet{store: store, table: table, part: db.WalletPartition}, nil
}

// Open binds to an existing wallet table.
func Open(store *db.Store, table string) (*HeritageWallet, error) {
	exists, err := store.TableExists(table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", db.ErrTableDoesNotExist, table)
	}
	return &HeritageWallet{store: store, table: table, part: db.WalletPartition}, nil
}

// Table returns the wallet's table name.
func (w *HeritageWallet) Table() string {
	return w.table
}

// Store returns the shared store handle.
func (w *HeritageWallet) Store() *db.Store {
	return w.store
}

// Delete drops the wallet table and everything in it, tracker partitions
// included.
func (w *HeritageWallet) Delete() error {
	return w.store.DropTable(w.table)
}

func decodeJSON(raw []byte, out any) error {
	return json.Unmarshal(raw, out)
}

// Fingerprint returns the master fingerprint of the wallet, resolved from any
// subwallet config or pooled xpub, or false when the wallet holds no key yet.
func (w *HeritageWallet) Fingerprint() (keys.Fingerprint, bool, error) {
	current, err := w.GetCurrentSubwalletConfig()
	if err != nil {
		return keys.Fingerprint{}, false, err
	}
	if current != nil {
		return current.AccountXPub.Fingerprint(), true, nil
	}
	unused, err := w.ListUnusedAccountXPubs()
	if err != nil {
		return keys.Fingerprint{}, false, err
	}
	if len(unused) > 0 {
		return unused[0].Fingerprint(), true, nil
	}
	obsolete, err := w.ListObsoleteSubwalletConfigs()
	if err != nil {
		return keys.Fingerprint{}, false, err
	}
	if len(obsolete) > 0 {
		return obsolete[0].AccountXPub.Fingerprint(), true, nil
	}
	return keys.Fingerprint{}, false, nil
}

// AppendAccountXPubs adds account xpubs to the unused pool. Every xpub must
// carry the wallet fingerprint, and ids may not collide with pooled or
// already-consumed xpubs.
func (w *HeritageWallet) AppendAccountXPubs(axpubs []*keys.AccountXPub) error {
	if len(axpubs) == 0 {
		return nil
	}
	walletFP, hasFP, err := w.Fingerprint()
	if err != nil {
		return err
	}
	used, err := w.ListUsedAccountXPubs()
	if err != nil {
		return err
	}
	usedIDs := make(map[keys.AccountXPubID]bool, len(used))
	for _, ax := range used {
		usedIDs[ax.DescriptorID()] = true
	}
	txn, err := w.store.BeginWrite()
	if err != nil {
		return err
	}
	defer txn.Abort()
	for _, ax := range axpubs {
		if !hasFP {
			walletFP, hasFP = ax.Fingerprint(), true
		}
		if ax.Fingerprint() != walletFP {
			return fmt.Errorf("account xpub %d fingerprint %s does not match wallet fingerprint %s",
				ax.DescriptorID(), ax.Fingerprint(), walletFP)
		}
		if usedIDs[ax.DescriptorID()] {
			return fmt.Errorf("%w: account xpub %d was already consumed by a subwallet",
				db.ErrKeyAlreadyExists, ax.DescriptorID())
		}
		if err := txn.PutIfAbsent(w.table, w.part.UnusedXPubKey(ax.DescriptorID()), ax); err != nil {
			return err
		}
	}
	return txn.Commit()
}

// ListUnusedAccountXPubs returns the pool in ascending id order.
func (w *HeritageWallet) ListUnusedAccountXPubs() ([]*keys.AccountXPub, error) {
	rows, err := w.store.Query(w.table, w.part.UnusedXPubPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]*keys.AccountXPub, 0, len(rows))
	for _, row := range rows {
		ax := new(keys.AccountXPub)
		if err := decodeJSON(row.Value, ax); err != nil {
			return nil, fmt.Errorf("decoding unused xpub %s: %v", row.Key, err)
		}
		out = append(out, ax)
	}
	return out, nil
}

// ListUsedAccountXPubs returns the xpubs consumed by subwallet configs, in
// ascending id order.
func (w *HeritageWallet) ListUsedAccountXPubs() ([]*keys.AccountXPub, error) {
	configs, err := w.allSubwalletConfigs()
	if err != nil {
		return nil, err
	}
	out := make([]*keys.AccountXPub, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, cfg.AccountXPub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DescriptorID() < out[j].DescriptorID() })
	return out, nil
}

// AccountXPubStatus annotates an account xpub with its consumption state.
type AccountXPubStatus struct {
	XPub *keys.AccountXPub `json:"xpub"`
	Used bool              `json:"used"`
}

// ListAccountXPubs returns the wallet's xpubs filtered to the requested
// categories.
func (w *HeritageWallet) ListAccountXPubs(includeUsed, includeUnused bool) ([]AccountXPubStatus, error) {
	var out []AccountXPubStatus
	if includeUsed {
		used, err := w.ListUsedAccountXPubs()
		if err != nil {
			return nil, err
		}
		for _, ax := range used {
			out = append(out, AccountXPubStatus{XPub: ax, Used: true})
		}
	}
	if includeUnused {
		unused, err := w.ListUnusedAccountXPubs()
		if err != nil {
			return nil, err
		}
		for _, ax := range unused {
			out = append(out, AccountXPubStatus{XPub: ax, Used: false})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].XPub.DescriptorID() < out[j].XPub.DescriptorID() })
	return out, nil
}

// GetCurrentSubwalletConfig returns the current config, nil when the wallet
// has none yet.
func (w *HeritageWallet) GetCurrentSubwalletConfig() (*SubwalletConfig, error) {
	var cfg SubwalletConfig
	found, err := w.store.Get(w.table, w.part.CurrentSubwalletKey(), &cfg)
	if err != nil || !found {
		return nil, err
	}
	return &cfg, nil
}

// ListObsoleteSubwalletConfigs returns the obsolete configs in reverse
// chronological order (most recently retired first).
func (w *HeritageWallet) ListObsoleteSubwalletConfigs() ([]*SubwalletConfig, error) {
	rows, err := w.store.Query(w.table, w.part.ObsoleteSubwalletPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]*SubwalletConfig, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		cfg := new(SubwalletConfig)
		if err := decodeJSON(rows[i].Value, cfg); err != nil {
			return nil, fmt.Errorf("decoding subwallet config %s: %v", rows[i].Key, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// ListObsoleteHeritageConfigs returns the retired policies, most recent
// first.
func (w *HeritageWallet) ListObsoleteHeritageConfigs() ([]*heritage.HeritageConfig, error) {
	configs, err := w.ListObsoleteSubwalletConfigs()
	if err != nil {
		return nil, err
	}
	out := make([]*heritage.HeritageConfig, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, cfg.HeritageConfig)
	}
	return out, nil
}

// GetCurrentHeritageConfig returns the active policy, nil when none is
// installed.
func (w *HeritageWallet) GetCurrentHeritageConfig() (*heritage.HeritageConfig, error) {
	current, err := w.GetCurrentSubwalletConfig()
	if err != nil || current == nil {
		return nil, err
	}
	return current.HeritageConfig, nil
}

func (w *HeritageWallet) allSubwalletConfigs() ([]*SubwalletConfig, error) {
	obsolete, err := w.ListObsoleteSubwalletConfigs()
	if err != nil {
		return nil, err
	}
	current, err := w.GetCurrentSubwalletConfig()
	if err != nil {
		return nil, err
	}
	// Chronological order: oldest obsolete first, current last.
	out := make([]*SubwalletConfig, 0, len(obsolete)+1)
	for i := len(obsolete) - 1; i >= 0; i-- {
		out = append(out, obsolete[i])
	}
	if current != nil {
		out = append(out, current)
	}
	return out, nil
}

// Subwallets returns runtime handles for every subwallet config, oldest
// first.
func (w *HeritageWallet) Subwallets() ([]*Subwallet, error) {
	configs, err := w.allSubwalletConfigs()
	if err != nil {
		return nil, err
	}
	out := make([]*Subwallet, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, newSubwallet(cfg, w.store, w.table))
	}
	return out, nil
}

// UpdateHeritageConfig installs a new policy: the current subwallet config is
// retired to the obsolete set and a fresh one is created from the lowest-id
// unused account xpub. The whole promotion is one atomic transaction, guarded
// by a compare-and-swap on the current-config cell.
func (w *HeritageWallet) UpdateHeritageConfig(cfg *heritage.HeritageConfig) (*SubwalletConfig, error) {
	current, err := w.GetCurrentSubwalletConfig()
	if err != nil {
		return nil, err
	}
	// Reusing a policy from the wallet's history would silently revive old
	// addresses; refuse it.
	if current != nil && current.HeritageConfig.Equal(cfg) {
		return nil, ErrHeritageConfigAlreadyUsed
	}
	obsolete, err := w.ListObsoleteSubwalletConfigs()
	if err != nil {
		return nil, err
	}
	for _, old := range obsolete {
		if old.HeritageConfig.Equal(cfg) {
			return nil, ErrHeritageConfigAlreadyUsed
		}
	}
	unused, err := w.ListUnusedAccountXPubs()
	if err != nil {
		return nil, err
	}
	if len(unused) == 0 {
		return nil, ErrMissingUnusedAccountXPub
	}
	nextXPub := unused[0]

	var nextID SubwalletID
	if current != nil {
		nextID = current.SubwalletID + 1
	}
	newConfig := &SubwalletConfig{
		SubwalletID:    nextID,
		AccountXPub:    nextXPub,
		HeritageConfig: cfg,
	}

	txn, err := w.store.BeginWrite()
	if err != nil {
		return nil, err
	}
	defer txn.Abort()
	if err := txn.Delete(w.table, w.part.UnusedXPubKey(nextXPub.DescriptorID())); err != nil {
		return nil, err
	}
	// CAS: the cell must still hold what we read above, or another rotation
	// won the race.
	var expected any
	if current != nil {
		expected = current
	}
	if err := txn.CompareAndPut(w.table, w.part.CurrentSubwalletKey(), expected, newConfig); err != nil {
		return nil, err
	}
	if current != nil {
		key := w.part.ObsoleteSubwalletKey(current.SubwalletID)
		if err := txn.PutIfAbsent(w.table, key, current); err != nil {
			return nil, fmt.Errorf("%w: subwallet %d", ErrSubwalletConfigAlreadyExists, current.SubwalletID)
		}
	}
	sub := newSubwallet(newConfig, w.store, w.table)
	if err := sub.writeDescriptorChecksums(txn); err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	log.Printf("Installed heritage config on subwallet %d (wallet table %s)", nextID, w.table)
	return newConfig, nil
}

// markCurrentSubwalletUsed performs the sole Current:unused -> Current:used
// transition. A second call fails.
func (w *HeritageWallet) markCurrentSubwalletUsed() error {
	current, err := w.GetCurrentSubwalletConfig()
	if err != nil {
		return err
	}
	if current == nil {
		return ErrMissingCurrentSubwalletConfig
	}
	if current.IsUsed() {
		return ErrSubwalletConfigAlreadyMarkedUsed
	}
	updated := *current
	updated.SubwalletFirstUseTime = timeNow()
	txn, err := w.store.BeginWrite()
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := txn.CompareAndPut(w.table, w.part.CurrentSubwalletKey(), current, &updated); err != nil {
		return err
	}
	return txn.Commit()
}

// WalletAddress is one derived address of the wallet.
type WalletAddress struct {
	SubwalletID SubwalletID `json:"subwallet_id"`
	Keychain    Keychain    `json:"keychain"`
	Index       uint32      `json:"index"`
	Address     string      `json:"address"`
}

// GetNewAddress derives the next receive address of the current subwallet,
// marking the subwallet used on its first call.
func (w *HeritageWallet) GetNewAddress() (string, error) {
	current, err := w.GetCurrentSubwalletConfig()
	if err != nil {
		return "", err
	}
	if current == nil {
		return "", ErrMissingCurrentSubwalletConfig
	}
	if !current.IsUsed() {
		if err := w.markCurrentSubwalletUsed(); err != nil {
			return "", err
		}
		current, err = w.GetCurrentSubwalletConfig()
		if err != nil {
			return "", err
		}
	}
	sub := newSubwallet(current, w.store, w.table)
	last, found, err := sub.LastIndex(KeychainExternal)
	if err != nil {
		return "", err
	}
	next := uint32(0)
	if found {
		next = last + 1
	}
	if err := sub.EnsureAddressesTo(KeychainExternal, next); err != nil {
		return "", err
	}
	addr, _, err := sub.AddressAt(KeychainExternal, next)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

// ListWalletAddresses returns every derived address across subwallets.
func (w *HeritageWallet) ListWalletAddresses() ([]WalletAddress, error) {
	subs, err := w.Subwallets()
	if err != nil {
		return nil, err
	}
	var out []WalletAddress
	for _, sub := range subs {
		for _, kc := range []Keychain{KeychainExternal, KeychainInternal} {
			rows, err := sub.AddressRows(kc)
			if err != nil {
				return nil, err
			}
			out = append(out, rows...)
		}
	}
	return out, nil
}

// GetBalance returns the cached balance. Zero before the first sync.
func (w *HeritageWallet) GetBalance() (WalletBalance, error) {
	var bal WalletBalance
	_, err := w.store.Get(w.table, w.part.BalanceKey(), &bal)
	return bal, err
}

// GetSyncTime returns the wallet's last successful sync timestamp, or false
// when the wallet was never synchronized.
func (w *HeritageWallet) GetSyncTime() (uint64, bool, error) {
	var ts uint64
	found, err := w.store.Get(w.table, w.part.SyncTimeKey(), &ts)
	return ts, found, err
}

// GetFeeRate returns the cached fee rate, defaulting to the relay floor
// before the first estimation.
func (w *HeritageWallet) GetFeeRate() (FeeRate, error) {
	rate := defaultFeeRate
	_, err := w.store.Get(w.table, w.part.FeeRateKey(), &rate)
	return rate, err
}

// GetBlockInclusionObjective returns the cached objective, defaulting to 6.
func (w *HeritageWallet) GetBlockInclusionObjective() (BlockInclusionObjective, error) {
	bio := DefaultBlockInclusionObjective
	_, err := w.store.Get(w.table, w.part.BlockInclusionObjectiveKey(), &bio)
	return bio, err
}

// SetBlockInclusionObjective updates the objective, refusing values outside
// [1, 1008].
func (w *HeritageWallet) SetBlockInclusionObjective(bio BlockInclusionObjective) error {
	if err := bio.Validate(); err != nil {
		return err
	}
	return w.store.Put(w.table, w.part.BlockInclusionObjectiveKey(), bio)
}

// ListHeritageUtxos returns the cached unspent outputs across subwallets.
func (w *HeritageWallet) ListHeritageUtxos() ([]HeritageUtxo, error) {
	rows, err := w.store.Query(w.table, w.part.HeritageUtxoPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]HeritageUtxo, 0, len(rows))
	for _, row := range rows {
		var u HeritageUtxo
		if err := decodeJSON(row.Value, &u); err != nil {
			return nil, fmt.Errorf("decoding heritage utxo %s: %v", row.Key, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// ListTransactionSummaries returns the wallet transactions, most recent
// first (the on-disk key carries the confirmation height, so a reverse scan
// is chronological).
func (w *HeritageWallet) ListTransactionSummaries() ([]TransactionSummary, error) {
	rows, err := w.store.Query(w.table, w.part.TxSummaryPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]TransactionSummary, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		var ts TransactionSummary
		if err := decodeJSON(rows[i].Value, &ts); err != nil {
			return nil, fmt.Errorf("decoding tx summary %s: %v", rows[i].Key, err)
		}
		out = append(out, ts)
	}
	return out, nil
}
