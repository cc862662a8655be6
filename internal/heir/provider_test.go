package heir

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/rawblock/heritage-engine/internal/db"
	"github.com/rawblock/heritage-engine/internal/heritage"
	"github.com/rawblock/heritage-engine/internal/keys"
	"github.com/rawblock/heritage-engine/internal/wallet"
)

func TestMain(m *testing.M) {
	keys.SetNetwork(&chaincfg.RegressionNetParams)
	os.Exit(m.Run())
}

const hardened = hdkeychain.HardenedKeyStart

// pastRef keeps every heir maturity safely in the past so wall-clock
// predicates hold without patching clocks.
const pastRef = uint64(1_500_000_000)

func master(t *testing.T, seedByte byte) (*hdkeychain.ExtendedKey, keys.Fingerprint) {
	t.Helper()
	m, err := hdkeychain.NewMaster(bytes.Repeat([]byte{seedByte}, 32), keys.Network())
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	pub, err := m.ECPubKey()
	if err != nil {
		t.Fatal(err)
	}
	return m, keys.FingerprintOfPubKey(pub)
}

func accountXPub(t *testing.T, seedByte byte, account uint32) *keys.AccountXPub {
	t.Helper()
	m, fp := master(t, seedByte)
	coin := keys.CoinType(keys.Network())
	key := m
	var err error
	for _, step := range []uint32{hardened + 86, hardened + coin, hardened + account} {
		if key, err = key.Derive(step); err != nil {
			t.Fatal(err)
		}
	}
	xpub, err := key.Neuter()
	if err != nil {
		t.Fatal(err)
	}
	ax, err := keys.ParseAccountXPub(fmt.Sprintf("[%s/86'/%d'/%d']%s/*", fp, coin, account, xpub))
	if err != nil {
		t.Fatal(err)
	}
	return ax
}

func heirConfig(t *testing.T, seedByte byte) *keys.HeirConfig {
	t.Helper()
	m, fp := master(t, seedByte)
	coin := keys.CoinType(keys.Network())
	key := m
	var err error
	for _, step := range []uint32{hardened + 86, hardened + coin, hardened + keys.HeirAccountIndex, 0, 0} {
		if key, err = key.Derive(step); err != nil {
			t.Fatal(err)
		}
	}
	pub, err := key.ECPubKey()
	if err != nil {
		t.Fatal(err)
	}
	hc, err := keys.NewHeirConfig(keys.HeirTypeSinglePubkey,
		fmt.Sprintf("[%s/86'/%d'/%d'/0/0]%x", fp, coin, keys.HeirAccountIndex, pub.SerializeCompressed()))
	if err != nil {
		t.Fatal(err)
	}
	return hc
}

// fundBackend places fixed confirmed utxos on external index 0 of every
// subwallet it syncs.
type fundBackend struct {
	amounts []btcutil.Amount
	confTS  uint64
}

func (b *fundBackend) SyncSubwallet(sw *wallet.Subwallet) error {
	if err := sw.EnsureAddressesTo(wallet.KeychainExternal, 0); err != nil {
		return err
	}
	_, script, err := sw.AddressAt(wallet.KeychainExternal, 0)
	if err != nil {
		return err
	}
	for i, amount := range b.amounts {
		txid := chainhash.HashH([]byte(fmt.Sprintf("heirfund-%d", i)))
		op := wallet.NewOutPoint(&txid, 0)
		err := sw.PutTrackerUtxo(wallet.TrackerUtxo{
			Outpoint: op,
			Amount:   amount,
			Script:   hex.EncodeToString(script),
			Keychain: wallet.KeychainExternal.Byte(),
			Index:    0,
		})
		if err != nil {
			return err
		}
		err = sw.PutTxDetails(wallet.TxDetails{
			TxID:             txid.String(),
			Received:         amount,
			ConfirmationTime: &wallet.BlockTime{Height: 100 + uint32(i), Timestamp: b.confTS},
		})
		if err != nil {
			return err
		}
	}
	return sw.SetSyncTime(b.confTS)
}

func (b *fundBackend) EstimateFee(uint16) (wallet.FeeRate, error) {
	return wallet.FeeRateFromSatPerVB(2), nil
}

func (b *fundBackend) Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error) {
	hash := tx.TxHash()
	return &hash, nil
}

// ownerBackup builds a funded owner wallet with two heirs and exports its
// backup.
func ownerBackup(t *testing.T, heirA, heirB *keys.HeirConfig) wallet.Backup {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "owner.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	w, err := wallet.Create(store, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AppendAccountXPubs([]*keys.AccountXPub{accountXPub(t, 1, 0)}); err != nil {
		t.Fatal(err)
	}
	cfg, err := heritage.NewBuilder().
		ReferenceTime(pastRef).
		MinimumLockTime(30).
		AddHeritage(heirA, 90).
		AddHeritage(heirB, 180).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.UpdateHeritageConfig(cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := w.GetNewAddress(); err != nil {
		t.Fatal(err)
	}
	backup, err := w.GenerateBackup()
	if err != nil {
		t.Fatal(err)
	}
	return backup
}

func TestProviderListAndSpend(t *testing.T) {
	heirA := heirConfig(t, 10)
	heirB := heirConfig(t, 11)
	backup := ownerBackup(t, heirA, heirB)

	store, err := db.Open(filepath.Join(t.TempDir(), "heir.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	provider, err := NewProvider(heirA.Fingerprint(), store, backup)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	backend := &fundBackend{amounts: []btcutil.Amount{60_000, 40_000}, confTS: pastRef}
	if err := provider.Sync(backend); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	heritages, err := provider.ListHeritages()
	if err != nil {
		t.Fatalf("ListHeritages: %v", err)
	}
	if len(heritages) != 2 {
		t.Fatalf("heritages = %d, want one per utxo", len(heritages))
	}
	for _, h := range heritages {
		// heir A matures at ref + 90 days (the relative-lock estimate is
		// ref + 30*144*600 which is earlier: 30 days of blocks from conf).
		wantMaturity := pastRef + 90*86400
		if h.Maturity != wantMaturity {
			t.Errorf("maturity = %d, want %d", h.Maturity, wantMaturity)
		}
		if h.NextHeirMaturity == nil || *h.NextHeirMaturity != pastRef+180*86400 {
			t.Errorf("next heir maturity = %v", h.NextHeirMaturity)
		}
	}

	// A fingerprint with no leaf sees nothing.
	stranger, err := NewProvider(heirConfig(t, 12).Fingerprint(), store, backup)
	if err != nil {
		t.Fatal(err)
	}
	if err := stranger.Sync(backend); err != nil {
		t.Fatal(err)
	}
	none, err := stranger.ListHeritages()
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("stranger sees %d heritages", len(none))
	}

	// Drain everything to an unrelated address.
	dest := drainTarget(t)
	packet, summary, err := provider.CreatePsbt("", dest)
	if err != nil {
		t.Fatalf("CreatePsbt: %v", err)
	}
	if len(packet.UnsignedTx.TxIn) != 2 || len(packet.UnsignedTx.TxOut) != 1 {
		t.Fatalf("drain shape %d/%d, want 2/1", len(packet.UnsignedTx.TxIn), len(packet.UnsignedTx.TxOut))
	}
	if packet.UnsignedTx.TxOut[0].Value+int64(summary.Fee) != 100_000 {
		t.Errorf("drain value %d + fee %d != 100000", packet.UnsignedTx.TxOut[0].Value, summary.Fee)
	}
	if uint64(packet.UnsignedTx.LockTime) < pastRef+90*86400 {
		t.Errorf("nLockTime = %d below heir maturity", packet.UnsignedTx.LockTime)
	}

	// Unknown heritage id.
	if _, _, err := provider.CreatePsbt("no-such-group", dest); err == nil {
		t.Error("unknown heritage id accepted")
	}
}

func drainTarget(t *testing.T) string {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "target.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	w, err := wallet.Create(store, "target")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AppendAccountXPubs([]*keys.AccountXPub{accountXPub(t, 9, 0)}); err != nil {
		t.Fatal(err)
	}
	cfg, err := heritage.NewBuilder().ReferenceTime(pastRef).MinimumLockTime(30).Build()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.UpdateHeritageConfig(cfg); err != nil {
		t.Fatal(err)
	}
	addr, err := w.GetNewAddress()
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

func TestProviderRestoreFailureCleansUp(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "heir.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	tablesBefore, err := store.ListTables()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewProvider(keys.Fingerprint{1, 2, 3, 4}, store, wallet.Backup{}); err == nil {
		t.Fatal("empty backup accepted")
	}
	tablesAfter, err := store.ListTables()
	if err != nil {
		t.Fatal(err)
	}
	if len(tablesAfter) != len(tablesBefore) {
		t.Errorf("failed restore leaked a table: %v -> %v", tablesBefore, tablesAfter)
	}
}
