package keyring

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
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

func newLocalProvider(t *testing.T, seedByte byte) *LocalKeyProvider {
	t.Helper()
	provider, err := NewLocalKeyProvider(bytes.Repeat([]byte{seedByte}, 32), "")
	if err != nil {
		t.Fatalf("NewLocalKeyProvider: %v", err)
	}
	return provider
}

func TestDeriveAccountXPubs(t *testing.T) {
	provider := newLocalProvider(t, 1)
	fp, err := provider.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	axpubs, err := provider.DeriveAccountXPubs(0, 3)
	if err != nil {
		t.Fatalf("DeriveAccountXPubs: %v", err)
	}
	if len(axpubs) != 3 {
		t.Fatalf("derived %d xpubs, want 3", len(axpubs))
	}
	for i, ax := range axpubs {
		if ax.DescriptorID() != uint32(i) {
			t.Errorf("xpub %d id = %d", i, ax.DescriptorID())
		}
		if ax.Fingerprint() != fp {
			t.Errorf("xpub %d fingerprint = %s, want %s", i, ax.Fingerprint(), fp)
		}
	}
	if _, err := provider.DeriveAccountXPubs(3, 3); err == nil {
		t.Error("empty range accepted")
	}
}

func TestDeriveHeirConfig(t *testing.T) {
	provider := newLocalProvider(t, 2)
	fp, _ := provider.Fingerprint()

	single, err := provider.DeriveHeirConfig(keys.HeirTypeSinglePubkey)
	if err != nil {
		t.Fatalf("DeriveHeirConfig(single): %v", err)
	}
	if single.Fingerprint() != fp || single.IsExtensible() {
		t.Errorf("single heir config wrong: fp=%s extensible=%v", single.Fingerprint(), single.IsExtensible())
	}
	xpub, err := provider.DeriveHeirConfig(keys.HeirTypeXPubkey)
	if err != nil {
		t.Fatalf("DeriveHeirConfig(xpub): %v", err)
	}
	if !xpub.IsExtensible() {
		t.Error("heir xpub config not extensible")
	}
}

func TestBackupMnemonic(t *testing.T) {
	provider := newLocalProvider(t, 3)
	if _, err := provider.BackupMnemonic(); err != ErrNoMnemonic {
		t.Errorf("mnemonic-less provider = %v", err)
	}
	withWords, err := NewLocalKeyProvider(bytes.Repeat([]byte{3}, 32), "abandon ability able")
	if err != nil {
		t.Fatal(err)
	}
	words, err := withWords.BackupMnemonic()
	if err != nil || words != "abandon ability able" {
		t.Errorf("BackupMnemonic = (%q, %v)", words, err)
	}
}

// signBackend funds a subwallet tracker deterministically.
type signBackend struct {
	amounts []btcutil.Amount
}

func (b *signBackend) SyncSubwallet(sw *wallet.Subwallet) error {
	for i, amount := range b.amounts {
		idx := uint32(i)
		if err := sw.EnsureAddressesTo(wallet.KeychainExternal, idx); err != nil {
			return err
		}
		_, script, err := sw.AddressAt(wallet.KeychainExternal, idx)
		if err != nil {
			return err
		}
		txid := chainhash.HashH([]byte(fmt.Sprintf("fund-%d", i)))
		op := wallet.NewOutPoint(&txid, 0)
		err = sw.PutTrackerUtxo(wallet.TrackerUtxo{
			Outpoint: op,
			Amount:   amount,
			Script:   hex.EncodeToString(script),
			Keychain: wallet.KeychainExternal.Byte(),
			Index:    idx,
		})
		if err != nil {
			return err
		}
		err = sw.PutTxDetails(wallet.TxDetails{
			TxID:             txid.String(),
			Received:         amount,
			ConfirmationTime: &wallet.BlockTime{Height: 100 + uint32(i), Timestamp: 1_763_000_000},
		})
		if err != nil {
			return err
		}
	}
	return sw.SetSyncTime(1_763_072_000)
}

func (b *signBackend) EstimateFee(uint16) (wallet.FeeRate, error) {
	return wallet.FeeRateFromSatPerVB(2), nil
}

func (b *signBackend) Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error) {
	hash := tx.TxHash()
	return &hash, nil
}

func TestSignOwnerPsbtEndToEnd(t *testing.T) {
	owner := newLocalProvider(t, 4)
	heirProvider := newLocalProvider(t, 5)

	store, err := db.Open(filepath.Join(t.TempDir(), "wallet.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	w, err := wallet.Create(store, "signing")
	if err != nil {
		t.Fatal(err)
	}

	axpubs, err := owner.DeriveAccountXPubs(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AppendAccountXPubs(axpubs); err != nil {
		t.Fatal(err)
	}
	heirConfig, err := heirProvider.DeriveHeirConfig(keys.HeirTypeXPubkey)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := heritage.NewBuilder().
		ReferenceTime(1_700_000_000).
		MinimumLockTime(30).
		AddHeritage(heirConfig, 180).
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
	if err := w.Sync(&signBackend{amounts: []btcutil.Amount{70_000, 30_000}}); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	dest, err := w.GetNewAddress()
	if err != nil {
		t.Fatal(err)
	}
	packet, _, err := w.CreateOwnerPsbt(wallet.SpendingConfigDrainTo(dest), wallet.CreatePsbtOptions{})
	if err != nil {
		t.Fatalf("CreateOwnerPsbt: %v", err)
	}

	// The heir provider controls no key-path input.
	signed, err := heirProvider.SignPsbt(packet)
	if err != nil {
		t.Fatalf("heir SignPsbt: %v", err)
	}
	if signed != 0 {
		t.Errorf("heir signed %d key-path inputs", signed)
	}

	signed, err = owner.SignPsbt(packet)
	if err != nil {
		t.Fatalf("owner SignPsbt: %v", err)
	}
	if signed != len(packet.Inputs) {
		t.Fatalf("owner signed %d of %d inputs", signed, len(packet.Inputs))
	}
	for i, pin := range packet.Inputs {
		if len(pin.TaprootKeySpendSig) == 0 {
			t.Errorf("input %d misses the key-spend signature", i)
		}
	}

	// A fully signed owner PSBT finalizes and extracts, and the extracted
	// transaction spends exactly the selected coins.
	tx, err := wallet.ExtractTransaction(packet)
	if err != nil {
		t.Fatalf("ExtractTransaction: %v", err)
	}
	if len(tx.TxIn) != len(packet.UnsignedTx.TxIn) {
		t.Errorf("extracted inputs = %d", len(tx.TxIn))
	}
	for i := range tx.TxIn {
		if tx.TxIn[i].PreviousOutPoint != packet.UnsignedTx.TxIn[i].PreviousOutPoint {
			t.Errorf("input %d outpoint changed during finalization", i)
		}
	}
}

func TestLedgerPolicy(t *testing.T) {
	owner := newLocalProvider(t, 6)
	heirProvider := newLocalProvider(t, 7)

	axpubs, err := owner.DeriveAccountXPubs(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	heirConfig, err := heirProvider.DeriveHeirConfig(keys.HeirTypeXPubkey)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := heritage.NewBuilder().
		ReferenceTime(1_700_000_000).
		MinimumLockTime(30).
		AddHeritage(heirConfig, 180).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	swCfg := &wallet.SubwalletConfig{AccountXPub: axpubs[0], HeritageConfig: cfg}
	entry := wallet.SubwalletDescriptorBackup{
		ExternalDescriptor: swCfg.ExternalDescriptor(),
		ChangeDescriptor:   swCfg.ChangeDescriptor(),
	}

	policy, err := LedgerPolicyFromBackup(entry)
	if err != nil {
		t.Fatalf("LedgerPolicyFromBackup: %v", err)
	}
	if len(policy.Keys) != 2 {
		t.Fatalf("policy keys = %d, want owner + heir", len(policy.Keys))
	}
	if !strings.Contains(policy.Template, "@0/**") || !strings.Contains(policy.Template, "@1/**") {
		t.Errorf("template misses key slots: %s", policy.Template)
	}
	if strings.Contains(policy.Template, "[") {
		t.Errorf("template retains raw keys: %s", policy.Template)
	}

	// A pair from different wallets must be rejected.
	otherOwner := newLocalProvider(t, 8)
	otherXpubs, err := otherOwner.DeriveAccountXPubs(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	otherCfg := &wallet.SubwalletConfig{AccountXPub: otherXpubs[0], HeritageConfig: cfg}
	bad := wallet.SubwalletDescriptorBackup{
		ExternalDescriptor: swCfg.ExternalDescriptor(),
		ChangeDescriptor:   otherCfg.ChangeDescriptor(),
	}
	if _, err := LedgerPolicyFromBackup(bad); err == nil {
		t.Error("mismatched descriptor pair accepted")
	}

	// Single-pubkey heir leaves are not policy-expressible.
	singleHeir, err := heirProvider.DeriveHeirConfig(keys.HeirTypeSinglePubkey)
	if err != nil {
		t.Fatal(err)
	}
	singleCfg, err := heritage.NewBuilder().
		ReferenceTime(1_700_000_000).
		MinimumLockTime(30).
		AddHeritage(singleHeir, 180).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	singleSW := &wallet.SubwalletConfig{AccountXPub: axpubs[0], HeritageConfig: singleCfg}
	_, err = LedgerPolicyFromBackup(wallet.SubwalletDescriptorBackup{
		ExternalDescriptor: singleSW.ExternalDescriptor(),
		ChangeDescriptor:   singleSW.ChangeDescriptor(),
	})
	if err == nil {
		t.Error("single-pubkey heir accepted in a ledger policy")
	}
}

