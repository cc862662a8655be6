package wallet

import (
	"bytes"
	"crypto/sha256"
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
)

func TestMain(m *testing.M) {
	keys.SetNetwork(&chaincfg.RegressionNetParams)
	os.Exit(m.Run())
}

const hardened = hdkeychain.HardenedKeyStart

// testNow is the pinned wall clock of the wallet tests.
const testNow = uint64(1_763_072_000)

func pinClock(t *testing.T, now uint64) {
	t.Helper()
	prev := timeNow
	timeNow = func() uint64 { return now }
	t.Cleanup(func() { timeNow = prev })
}

func testMaster(t *testing.T, seedByte byte) (*hdkeychain.ExtendedKey, keys.Fingerprint) {
	t.Helper()
	seed := bytes.Repeat([]byte{seedByte}, 32)
	master, err := hdkeychain.NewMaster(seed, keys.Network())
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	pub, err := master.ECPubKey()
	if err != nil {
		t.Fatalf("ECPubKey: %v", err)
	}
	return master, keys.FingerprintOfPubKey(pub)
}

func deriveSteps(t *testing.T, key *hdkeychain.ExtendedKey, steps ...uint32) *hdkeychain.ExtendedKey {
	t.Helper()
	var err error
	for _, step := range steps {
		key, err = key.Derive(step)
		if err != nil {
			t.Fatalf("Derive(%d): %v", step, err)
		}
	}
	return key
}

// testAccountXPub derives the owner account xpub <account> of the seed.
func testAccountXPub(t *testing.T, seedByte byte, account uint32) *keys.AccountXPub {
	t.Helper()
	master, fp := testMaster(t, seedByte)
	coin := keys.CoinType(keys.Network())
	key := deriveSteps(t, master, hardened+86, hardened+coin, hardened+account)
	xpub, err := key.Neuter()
	if err != nil {
		t.Fatalf("Neuter: %v", err)
	}
	ax, err := keys.ParseAccountXPub(fmt.Sprintf("[%s/86'/%d'/%d']%s/*", fp, coin, account, xpub))
	if err != nil {
		t.Fatalf("ParseAccountXPub: %v", err)
	}
	return ax
}

// testHeir derives a single-pubkey heir config from the seed.
func testHeir(t *testing.T, seedByte byte) *keys.HeirConfig {
	t.Helper()
	master, fp := testMaster(t, seedByte)
	coin := keys.CoinType(keys.Network())
	key := deriveSteps(t, master, hardened+86, hardened+coin, hardened+keys.HeirAccountIndex, 0, 0)
	pub, err := key.ECPubKey()
	if err != nil {
		t.Fatalf("ECPubKey: %v", err)
	}
	hc, err := keys.NewHeirConfig(keys.HeirTypeSinglePubkey,
		fmt.Sprintf("[%s/86'/%d'/%d'/0/0]%x", fp, coin, keys.HeirAccountIndex, pub.SerializeCompressed()))
	if err != nil {
		t.Fatalf("NewHeirConfig: %v", err)
	}
	return hc
}

func testHeritageConfig(t *testing.T, minLock uint16, entries ...struct {
	heir *keys.HeirConfig
	days uint16
}) *heritage.HeritageConfig {
	t.Helper()
	builder := heritage.NewBuilder().ReferenceTime(testNow).MinimumLockTime(minLock)
	for _, e := range entries {
		builder.AddHeritage(e.heir, e.days)
	}
	cfg, err := builder.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return cfg
}

func heritageEntry(heir *keys.HeirConfig, days uint16) struct {
	heir *keys.HeirConfig
	days uint16
} {
	return struct {
		heir *keys.HeirConfig
		days uint16
	}{heir: heir, days: days}
}

func openTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "wallet.db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestWallet(t *testing.T) (*HeritageWallet, *db.Store) {
	t.Helper()
	store := openTestStore(t)
	w, err := Create(store, "test-wallet")
	if err != nil {
		t.Fatalf("Create wallet: %v", err)
	}
	return w, store
}

// installConfig appends the account xpub and installs the heritage config.
func installConfig(t *testing.T, w *HeritageWallet, seedByte byte, account uint32, cfg *heritage.HeritageConfig) *SubwalletConfig {
	t.Helper()
	if err := w.AppendAccountXPubs([]*keys.AccountXPub{testAccountXPub(t, seedByte, account)}); err != nil {
		t.Fatalf("AppendAccountXPubs: %v", err)
	}
	swCfg, err := w.UpdateHeritageConfig(cfg)
	if err != nil {
		t.Fatalf("UpdateHeritageConfig: %v", err)
	}
	return swCfg
}

// fakeUtxo is one funding instruction of the fake backend.
type fakeUtxo struct {
	label    string // txid derivation label
	keychain Keychain
	index    uint32
	amount   btcutil.Amount
	height   uint32 // 0 = unconfirmed
	time     uint64
}

func (f fakeUtxo) txid() chainhash.Hash {
	return chainhash.Hash(sha256.Sum256([]byte(f.label)))
}

// fakeBackend feeds deterministic chain state into subwallet trackers,
// standing in for a Bitcoin node.
type fakeBackend struct {
	// funding maps subwallet id to its current unspent set.
	funding map[SubwalletID][]fakeUtxo
	feeRate FeeRate
	synced  []SubwalletID
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		funding: make(map[SubwalletID][]fakeUtxo),
		feeRate: FeeRateFromSatPerVB(2),
	}
}

func (b *fakeBackend) SyncSubwallet(sw *Subwallet) error {
	b.synced = append(b.synced, sw.Config.SubwalletID)
	want := b.funding[sw.Config.SubwalletID]

	live := make(map[string]bool, len(want))
	for _, f := range want {
		if err := sw.EnsureAddressesTo(f.keychain, f.index); err != nil {
			return err
		}
		_, script, err := sw.AddressAt(f.keychain, f.index)
		if err != nil {
			return err
		}
		txid := f.txid()
		op := NewOutPoint(&txid, 0)
		live[op.String()] = true
		err = sw.PutTrackerUtxo(TrackerUtxo{
			Outpoint: op,
			Amount:   f.amount,
			Script:   hex.EncodeToString(script),
			Keychain: f.keychain.Byte(),
			Index:    f.index,
		})
		if err != nil {
			return err
		}
		details := TxDetails{TxID: txid.String(), Received: f.amount}
		if f.height != 0 {
			details.ConfirmationTime = &BlockTime{Height: f.height, Timestamp: f.time}
		}
		if err := sw.PutTxDetails(details); err != nil {
			return err
		}
	}
	existing, err := sw.TrackerUtxos()
	if err != nil {
		return err
	}
	for _, u := range existing {
		if !live[u.Outpoint.String()] {
			if err := sw.DeleteTrackerUtxo(u.Outpoint); err != nil {
				return err
			}
		}
	}
	return sw.SetSyncTime(timeNow())
}

func (b *fakeBackend) EstimateFee(uint16) (FeeRate, error) {
	return b.feeRate, nil
}

func (b *fakeBackend) Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error) {
	hash := tx.TxHash()
	return &hash, nil
}
