package wallet

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/rawblock/heritage-engine/internal/db"
	"github.com/rawblock/heritage-engine/internal/keys"
)

// Subwallet is the runtime handle over one subwallet config and its tracker
// partition: the deterministic BIP-32 address index the chain backend drives
// during sync.
type Subwallet struct {
	Config *SubwalletConfig

	store *db.Store
	table string
	part  db.Partition
}

func newSubwallet(cfg *SubwalletConfig, store *db.Store, table string) *Subwallet {
	return &Subwallet{Config: cfg, store: store, table: table, part: cfg.SubdatabaseID()}
}

// pathRow is the tracker record for one derived address.
type pathRow struct {
	Script  string `json:"script"`
	Address string `json:"address"`
}

// scriptRow is the reverse index from script hash to derivation.
type scriptRow struct {
	Keychain byte   `json:"keychain"`
	Index    uint32 `json:"index"`
}

// TrackerUtxo is one unspent output as the per-subwallet index sees it.
type TrackerUtxo struct {
	Outpoint OutPoint       `json:"outpoint"`
	Amount   btcutil.Amount `json:"amount"`
	Script   string         `json:"script"`
	Keychain byte           `json:"keychain"`
	Index    uint32         `json:"index"`
}

// TxDetails is the per-subwallet view of one transaction.
type TxDetails struct {
	TxID             string         `json:"txid"`
	ConfirmationTime *BlockTime     `json:"confirmation_time,omitempty"`
	Received         btcutil.Amount `json:"received"`
	Sent             btcutil.Amount `json:"sent"`
	Fee              btcutil.Amount `json:"fee"`
}

// taprootKeys derives the taproot internal and output keys for an address,
// together with the assembled script tree (nil when the policy has no heirs).
func (sw *Subwallet) taprootKeys(kc Keychain, index uint32) (internal, output *btcec.PublicKey, tree *txscript.IndexedTapScriptTree, err error) {
	internal, err = sw.Config.AccountXPub.ChildPubKey(uint32(kc), index)
	if err != nil {
		return nil, nil, nil, err
	}
	heirs := sw.Config.HeritageConfig.IterHeirConfigs()
	if len(heirs) == 0 {
		return internal, txscript.ComputeTaprootKeyNoScript(internal), nil, nil
	}
	leaves := make([]txscript.TapLeaf, 0, len(heirs))
	for i := range heirs {
		explorer, _ := sw.Config.HeritageConfig.ExplorerAt(i)
		script, err := explorer.LeafScript(uint32(kc), index)
		if err != nil {
			return nil, nil, nil, err
		}
		leaves = append(leaves, txscript.NewBaseTapLeaf(script))
	}
	tree = txscript.AssembleTaprootScriptTree(leaves...)
	root := tree.RootNode.TapHash()
	return internal, txscript.ComputeTaprootOutputKey(internal, root[:]), tree, nil
}

// AddressAt computes the address and output script at a derivation.
func (sw *Subwallet) AddressAt(kc Keychain, index uint32) (btcutil.Address, []byte, error) {
	_, output, _, err := sw.taprootKeys(kc, index)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving address %d/%d: %v", kc, index, err)
	}
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(output), keys.Network())
	if err != nil {
		return nil, nil, fmt.Errorf("building taproot address: %v", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("building output script: %v", err)
	}
	return addr, script, nil
}

// merkleRoot returns the taptree merkle root for a derivation, nil when the
// policy has no heirs.
func (sw *Subwallet) merkleRoot(kc Keychain, index uint32) ([]byte, error) {
	_, _, tree, err := sw.taprootKeys(kc, index)
	if err != nil || tree == nil {
		return nil, err
	}
	root := tree.RootNode.TapHash()
	return root[:], nil
}

func scriptHashKey(script []byte) string {
	hash := chainhash.HashH(script)
	return hash.String()
}

// EnsureAddressesTo derives and persists tracker rows for every index of the
// keychain up to and including the given index. Existing rows are left
// untouched; the last-index cell only moves forward.
func (sw *Subwallet) EnsureAddressesTo(kc Keychain, index uint32) error {
	txn, err := sw.store.BeginWrite()
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := sw.ensureAddressesTo(txn, kc, index); err != nil {
		return err
	}
	return txn.Commit()
}

func (sw *Subwallet) ensureAddressesTo(txn *db.WriteTxn, kc Keychain, index uint32) error {
	var last uint32
	hasLast, err := txn.Get(sw.table, sw.part.LastIndexKey(kc.Byte()), &last)
	if err != nil {
		return err
	}
	start := uint32(0)
	if hasLast {
		start = last + 1
	}
	for i := start; i <= index; i++ {
		addr, script, err := sw.AddressAt(kc, i)
		if err != nil {
			return err
		}
		row := pathRow{Script: hex.EncodeToString(script), Address: addr.String()}
		if err := txn.Put(sw.table, sw.part.PathKey(kc.Byte(), i), row); err != nil {
			return err
		}
		rev := scriptRow{Keychain: kc.Byte(), Index: i}
		if err := txn.Put(sw.table, sw.part.ScriptKey(scriptHashKey(script)), rev); err != nil {
			return err
		}
	}
	if !hasLast || index > last {
		if err := txn.Put(sw.table, sw.part.LastIndexKey(kc.Byte()), index); err != nil {
			return err
		}
	}
	return nil
}

// LastIndex returns the highest derived index of a keychain.
func (sw *Subwallet) LastIndex(kc Keychain) (uint32, bool, error) {
	var last uint32
	found, err := sw.store.Get(sw.table, sw.part.LastIndexKey(kc.Byte()), &last)
	return last, found, err
}

// PathForScript resolves an output script back to its derivation, reporting
// false for scripts this subwallet does not own.
func (sw *Subwallet) PathForScript(script []byte) (Keychain, uint32, bool, error) {
	var row scriptRow
	found, err := sw.store.Get(sw.table, sw.part.ScriptKey(scriptHashKey(script)), &row)
	if err != nil || !found {
		return 0, 0, false, err
	}
	kc := KeychainExternal
	if row.Keychain == 'i' {
		kc = KeychainInternal
	}
	return kc, row.Index, true, nil
}

// AddressRows lists the derived addresses of a keychain in index order.
func (sw *Subwallet) AddressRows(kc Keychain) ([]WalletAddress, error) {
	rows, err := sw.store.Query(sw.table, sw.part.PathPrefix(kc.Byte()))
	if err != nil {
		return nil, err
	}
	out := make([]WalletAddress, 0, len(rows))
	for i, row := range rows {
		var pr pathRow
		if err := decodeJSON(row.Value, &pr); err != nil {
			return nil, fmt.Errorf("decoding path row %s: %v", row.Key, err)
		}
		out = append(out, WalletAddress{
			SubwalletID: sw.Config.SubwalletID,
			Keychain:    kc,
			Index:       uint32(i),
			Address:     pr.Address,
		})
	}
	return out, nil
}

// TrackerUtxos lists the unspent outputs of the subwallet index.
func (sw *Subwallet) TrackerUtxos() ([]TrackerUtxo, error) {
	rows, err := sw.store.Query(sw.table, sw.part.UtxoPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]TrackerUtxo, 0, len(rows))
	for _, row := range rows {
		var u TrackerUtxo
		if err := decodeJSON(row.Value, &u); err != nil {
			return nil, fmt.Errorf("decoding tracker utxo %s: %v", row.Key, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// PutTrackerUtxo records an unspent output. Called by the chain backend
// during sync.
func (sw *Subwallet) PutTrackerUtxo(u TrackerUtxo) error {
	return sw.store.Put(sw.table, sw.part.UtxoKey(u.Outpoint.String()), u)
}

// DeleteTrackerUtxo drops a spent output from the index.
func (sw *Subwallet) DeleteTrackerUtxo(op OutPoint) error {
	return sw.store.Delete(sw.table, sw.part.UtxoKey(op.String()))
}

// TxDetailsList returns the per-subwallet transaction records.
func (sw *Subwallet) TxDetailsList() ([]TxDetails, error) {
	rows, err := sw.store.Query(sw.table, sw.part.TxPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]TxDetails, 0, len(rows))
	for _, row := range rows {
		var d TxDetails
		if err := decodeJSON(row.Value, &d); err != nil {
			return nil, fmt.Errorf("decoding tx details %s: %v", row.Key, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// PutTxDetails records a transaction touching the subwallet.
func (sw *Subwallet) PutTxDetails(d TxDetails) error {
	return sw.store.Put(sw.table, sw.part.TxKey(d.TxID), d)
}

// TxDetailsFor returns the record for one txid.
func (sw *Subwallet) TxDetailsFor(txid string) (*TxDetails, error) {
	var d TxDetails
	found, err := sw.store.Get(sw.table, sw.part.TxKey(txid), &d)
	if err != nil || !found {
		return nil, err
	}
	return &d, nil
}

// PutRawTx stores the serialized transaction.
func (sw *Subwallet) PutRawTx(tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return fmt.Errorf("serializing tx: %v", err)
	}
	return sw.store.Put(sw.table, sw.part.RawTxKey(tx.TxHash().String()), hex.EncodeToString(buf.Bytes()))
}

// RawTx loads a serialized transaction by txid.
func (sw *Subwallet) RawTx(txid string) (*wire.MsgTx, error) {
	var raw string
	found, err := sw.store.Get(sw.table, sw.part.RawTxKey(txid), &raw)
	if err != nil || !found {
		return nil, err
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding raw tx %s: %v", txid, err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("deserializing raw tx %s: %v", txid, err)
	}
	return tx, nil
}

// SyncTime returns the subwallet's last sync timestamp.
func (sw *Subwallet) SyncTime() (uint64, bool, error) {
	var ts uint64
	found, err := sw.store.Get(sw.table, sw.part.SyncTimeKey(), &ts)
	return ts, found, err
}

// SetSyncTime records a completed sync.
func (sw *Subwallet) SetSyncTime(ts uint64) error {
	return sw.store.Put(sw.table, sw.part.SyncTimeKey(), ts)
}

// writeDescriptorChecksums pins the descriptor identity of the partition so
// a config/storage mismatch is detectable.
func (sw *Subwallet) writeDescriptorChecksums(txn *db.WriteTxn) error {
	for _, kc := range []Keychain{KeychainExternal, KeychainInternal} {
		desc := sw.Config.Descriptor(kc)
		if err := txn.Put(sw.table, sw.part.DescriptorChecksumKey(kc.Byte()), descriptorChecksum(desc)); err != nil {
			return err
		}
	}
	return nil
}
