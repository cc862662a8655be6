package wallet

import (
	"errors"
	"testing"

	"github.com/rawblock/heritage-engine/internal/heritage"
	"github.com/rawblock/heritage-engine/internal/keys"
)

// fundedWallet builds a wallet with one heir policy and two confirmed utxos
// totalling 100_000 sat.
func fundedWallet(t *testing.T, heir *keys.HeirConfig, heirDays uint16) (*HeritageWallet, *fakeBackend) {
	t.Helper()
	w, _ := newTestWallet(t)
	installConfig(t, w, 1, 0, testHeritageConfig(t, 30, heritageEntry(heir, heirDays)))
	if _, err := w.GetNewAddress(); err != nil {
		t.Fatal(err)
	}
	backend := newFakeBackend()
	backend.funding[0] = []fakeUtxo{
		{label: "fund1", keychain: KeychainExternal, index: 0, amount: 60_000, height: 100, time: testNow - 7200},
		{label: "fund2", keychain: KeychainExternal, index: 1, amount: 40_000, height: 101, time: testNow - 3600},
	}
	if err := w.Sync(backend); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	return w, backend
}

// drainAddress is an unrelated regtest taproot address for spend targets.
func drainAddress(t *testing.T) string {
	t.Helper()
	w, _ := newTestWallet(t)
	installConfig(t, w, 9, 0, testHeritageConfig(t, 30))
	addr, err := w.GetNewAddress()
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

func TestCreateOwnerPsbtDrain(t *testing.T) {
	pinClock(t, testNow)
	heirA := testHeir(t, 10)
	w, _ := fundedWallet(t, heirA, 180)
	dest := drainAddress(t)

	packet, summary, err := w.CreateOwnerPsbt(SpendingConfigDrainTo(dest), CreatePsbtOptions{})
	if err != nil {
		t.Fatalf("CreateOwnerPsbt: %v", err)
	}
	tx := packet.UnsignedTx
	if len(tx.TxIn) != 2 {
		t.Fatalf("drain selected %d inputs, want all 2", len(tx.TxIn))
	}
	if len(tx.TxOut) != 1 {
		t.Fatalf("drain built %d outputs, want 1", len(tx.TxOut))
	}
	if got := tx.TxOut[0].Value + int64(summary.Fee); got != 100_000 {
		t.Errorf("output + fee = %d, want 100000", got)
	}
	// RBF is on by default.
	for _, in := range tx.TxIn {
		if in.Sequence != 0xFFFFFFFD {
			t.Errorf("sequence = %x, want fffffffd", in.Sequence)
		}
	}
	for _, pin := range packet.Inputs {
		if pin.WitnessUtxo == nil {
			t.Error("input misses witness utxo")
		}
		if len(pin.TaprootInternalKey) != 32 {
			t.Errorf("taproot internal key length = %d", len(pin.TaprootInternalKey))
		}
		// Key-path policy: merkle root present (policy has an heir), no leaf
		// script attached.
		if len(pin.TaprootMerkleRoot) != 32 {
			t.Error("owner input misses the taptree merkle root")
		}
		if len(pin.TaprootLeafScript) != 0 {
			t.Error("owner input carries a tapscript leaf")
		}
		// Owner and heir key origins.
		if len(pin.TaprootBip32Derivation) != 2 {
			t.Errorf("key origins = %d, want 2", len(pin.TaprootBip32Derivation))
		}
	}
	if summary.Sent != 100_000 || len(summary.OwnedInputs) != 2 {
		t.Errorf("summary sent = %d owned inputs = %d", summary.Sent, len(summary.OwnedInputs))
	}
}

func TestCreateOwnerPsbtRecipientsWithChange(t *testing.T) {
	pinClock(t, testNow)
	w, _ := fundedWallet(t, testHeir(t, 10), 180)
	dest := drainAddress(t)

	packet, summary, err := w.CreateOwnerPsbt(
		SpendingConfigRecipients(Recipient{Address: dest, Amount: 50_000}),
		CreatePsbtOptions{},
	)
	if err != nil {
		t.Fatalf("CreateOwnerPsbt: %v", err)
	}
	tx := packet.UnsignedTx
	// Largest-first: the 60k utxo alone covers 50k + fee.
	if len(tx.TxIn) != 1 {
		t.Fatalf("selected %d inputs, want 1", len(tx.TxIn))
	}
	if len(tx.TxOut) != 2 {
		t.Fatalf("outputs = %d, want recipient + change", len(tx.TxOut))
	}
	if len(summary.OwnedOutputs) != 1 {
		t.Fatalf("owned outputs = %d, want the change output", len(summary.OwnedOutputs))
	}
	change := summary.OwnedOutputs[0].Amount
	if int64(change)+50_000+int64(summary.Fee) != 60_000 {
		t.Errorf("change %d + 50000 + fee %d != 60000", change, summary.Fee)
	}
	if summary.Received != change {
		t.Errorf("summary received = %d, want change %d", summary.Received, change)
	}
}

func TestCreateOwnerPsbtOptions(t *testing.T) {
	pinClock(t, testNow)
	w, _ := fundedWallet(t, testHeir(t, 10), 180)
	dest := drainAddress(t)

	t.Run("absolute fee", func(t *testing.T) {
		_, summary, err := w.CreateOwnerPsbt(
			SpendingConfigDrainTo(dest),
			CreatePsbtOptions{FeePolicy: &FeePolicy{Absolute: 1234}},
		)
		if err != nil {
			t.Fatal(err)
		}
		if summary.Fee != 1234 {
			t.Errorf("fee = %d, want 1234", summary.Fee)
		}
	})

	t.Run("disable rbf", func(t *testing.T) {
		packet, _, err := w.CreateOwnerPsbt(
			SpendingConfigDrainTo(dest),
			CreatePsbtOptions{DisableRBF: true},
		)
		if err != nil {
			t.Fatal(err)
		}
		for _, in := range packet.UnsignedTx.TxIn {
			if in.Sequence != 0xFFFFFFFE {
				t.Errorf("sequence = %x, want fffffffe", in.Sequence)
			}
		}
	})

	t.Run("use only restricts candidates", func(t *testing.T) {
		utxos, err := w.ListHeritageUtxos()
		if err != nil {
			t.Fatal(err)
		}
		only := []OutPoint{utxos[0].Outpoint}
		packet, _, err := w.CreateOwnerPsbt(
			SpendingConfigDrainTo(dest),
			CreatePsbtOptions{UtxoSelection: &UtxoSelection{UseOnly: only}},
		)
		if err != nil {
			t.Fatal(err)
		}
		if len(packet.UnsignedTx.TxIn) != 1 {
			t.Errorf("UseOnly selected %d inputs", len(packet.UnsignedTx.TxIn))
		}
		if packet.UnsignedTx.TxIn[0].PreviousOutPoint != utxos[0].Outpoint.OutPoint {
			t.Error("selected the wrong utxo")
		}
	})

	t.Run("exclude all yields nothing to spend", func(t *testing.T) {
		utxos, err := w.ListHeritageUtxos()
		if err != nil {
			t.Fatal(err)
		}
		exclude := make([]OutPoint, 0, len(utxos))
		for _, u := range utxos {
			exclude = append(exclude, u.Outpoint)
		}
		_, _, err = w.CreateOwnerPsbt(
			SpendingConfigDrainTo(dest),
			CreatePsbtOptions{UtxoSelection: &UtxoSelection{Exclude: exclude}},
		)
		if !errors.Is(err, ErrNothingToSpend) {
			t.Errorf("err = %v, want ErrNothingToSpend", err)
		}
	})
}

func TestCreateHeirPsbtDrain(t *testing.T) {
	heirA := testHeir(t, 10)
	w, _ := func() (*HeritageWallet, *fakeBackend) {
		pinClock(t, testNow)
		return fundedWallet(t, heirA, 180)
	}()
	// Jump past the heir maturity: ref + 180 days.
	matured := testNow + 181*86400
	pinClock(t, matured)
	dest := drainAddress(t)

	packet, summary, err := w.CreateHeirPsbt(heirA, SpendingConfigDrainTo(dest), CreatePsbtOptions{})
	if err != nil {
		t.Fatalf("CreateHeirPsbt: %v", err)
	}
	tx := packet.UnsignedTx
	if len(tx.TxIn) != 2 || len(tx.TxOut) != 1 {
		t.Fatalf("heir drain shape = %d in / %d out, want 2/1", len(tx.TxIn), len(tx.TxOut))
	}
	if tx.TxOut[0].Value+int64(summary.Fee) != 100_000 {
		t.Errorf("output %d + fee %d != 100000", tx.TxOut[0].Value, summary.Fee)
	}

	absTS := testNow + 180*86400
	relBlocks := uint32(30 * 144)
	if uint64(tx.LockTime) < absTS {
		t.Errorf("nLockTime = %d, want >= %d", tx.LockTime, absTS)
	}
	for _, in := range tx.TxIn {
		if in.Sequence < relBlocks {
			t.Errorf("nSequence = %d, want >= %d", in.Sequence, relBlocks)
		}
	}
	for _, pin := range packet.Inputs {
		if len(pin.TaprootLeafScript) != 1 {
			t.Fatalf("heir input carries %d tapscript leaves, want 1", len(pin.TaprootLeafScript))
		}
		if len(pin.TaprootLeafScript[0].ControlBlock) == 0 {
			t.Error("empty control block")
		}
		// The heir derivation must reference the leaf hash.
		foundHeir := false
		for _, deriv := range pin.TaprootBip32Derivation {
			if deriv.MasterKeyFingerprint == heirA.Fingerprint().Uint32() && len(deriv.LeafHashes) == 1 {
				foundHeir = true
			}
		}
		if !foundHeir {
			t.Error("heir key origin with leaf hash missing")
		}
	}
}

func TestCreateHeirPsbtRejectsRecipients(t *testing.T) {
	pinClock(t, testNow)
	heirA := testHeir(t, 10)
	w, _ := fundedWallet(t, heirA, 180)
	_, _, err := w.CreateHeirPsbt(heirA,
		SpendingConfigRecipients(Recipient{Address: drainAddress(t), Amount: 1000}),
		CreatePsbtOptions{})
	if !errors.Is(err, ErrInvalidSpendingConfigForHeir) {
		t.Errorf("err = %v, want ErrInvalidSpendingConfigForHeir", err)
	}
}

func TestCreateHeirPsbtBeforeMaturity(t *testing.T) {
	pinClock(t, testNow)
	heirA := testHeir(t, 10)
	w, _ := fundedWallet(t, heirA, 180)
	// Still inside the timelock (and outside the relative-lock grace).
	_, _, err := w.CreateHeirPsbt(heirA, SpendingConfigDrainTo(drainAddress(t)), CreatePsbtOptions{})
	if !errors.Is(err, ErrNothingToSpend) {
		t.Errorf("err = %v, want ErrNothingToSpend", err)
	}
}

func TestEstimateHeirSpendingTimestamp(t *testing.T) {
	heirA := testHeir(t, 10)
	cfg, err := heritageBuilderFor(t, heirA)
	if err != nil {
		t.Fatal(err)
	}
	utxo := HeritageUtxo{
		Amount:           50_000,
		ConfirmationTime: &BlockTime{Height: 100, Timestamp: 1_700_000_000},
		HeritageConfig:   cfg,
	}
	got, ok := utxo.EstimateHeirSpendingTimestamp(heirA)
	if !ok {
		t.Fatal("heir not found in its own config")
	}
	// max(1_700_000_000 + 180 days, 1_700_000_000 + 30*144 blocks * 600s)
	if got != 1_715_552_000 {
		t.Errorf("maturity = %d, want 1715552000", got)
	}
	if _, ok := utxo.EstimateHeirSpendingTimestamp(testHeir(t, 11)); ok {
		t.Error("foreign heir got a maturity estimate")
	}
}

func heritageBuilderFor(t *testing.T, heir *keys.HeirConfig) (*heritage.HeritageConfig, error) {
	t.Helper()
	return heritage.NewBuilder().
		ReferenceTime(1_700_000_000).
		MinimumLockTime(30).
		AddHeritage(heir, 180).
		Build()
}
