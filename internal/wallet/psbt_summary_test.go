package wallet

import (
	"testing"

	"github.com/rawblock/heritage-engine/internal/keys"
)

func TestSummarizeOwnerPsbt(t *testing.T) {
	pinClock(t, testNow)
	w, _ := fundedWallet(t, testHeir(t, 10), 180)
	dest := drainAddress(t)

	packet, txSummary, err := w.CreateOwnerPsbt(
		SpendingConfigRecipients(Recipient{Address: dest, Amount: 50_000}),
		CreatePsbtOptions{},
	)
	if err != nil {
		t.Fatal(err)
	}

	walletFP, _, err := w.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	names := map[keys.Fingerprint]string{walletFP: "my-wallet"}

	summary, err := SummarizePsbt(packet, txSummary, names, keys.Network())
	if err != nil {
		t.Fatalf("SummarizePsbt: %v", err)
	}
	if len(summary.Inputs) != len(packet.UnsignedTx.TxIn) {
		t.Fatalf("inputs = %d", len(summary.Inputs))
	}
	in := summary.Inputs[0]
	if len(in.KnownOwningFingerprints) == 0 {
		t.Error("input lost its owning fingerprints")
	}
	foundName := false
	for _, name := range in.KnownOwningWallets {
		if name == "my-wallet" {
			foundName = true
		}
	}
	if !foundName {
		t.Error("wallet name not resolved from fingerprint")
	}

	if summary.Change == nil {
		t.Fatal("change not attributed despite a tx summary")
	}
	if summary.SendOut != 50_000 {
		t.Errorf("send_out = %d, want 50000", summary.SendOut)
	}
	if summary.TotalSpend != summary.SendOut+*summary.Change+summary.Fee {
		t.Errorf("totals do not add up: %d != %d + %d + %d",
			summary.TotalSpend, summary.SendOut, *summary.Change, summary.Fee)
	}
	if summary.Fee != txSummary.Fee {
		t.Errorf("summary fee %d != construction fee %d", summary.Fee, txSummary.Fee)
	}

	ownedCount := 0
	for _, out := range summary.Outputs {
		if out.IsOwned != nil && *out.IsOwned {
			ownedCount++
		}
	}
	if ownedCount != 1 {
		t.Errorf("owned outputs = %d, want the change output only", ownedCount)
	}

	// Without a tx summary, change cannot be attributed.
	blind, err := SummarizePsbt(packet, nil, nil, keys.Network())
	if err != nil {
		t.Fatal(err)
	}
	if blind.Change != nil {
		t.Error("change attributed without a tx summary")
	}
	if blind.SendOut+blind.Fee != blind.TotalSpend {
		t.Error("blind totals do not add up")
	}
}

func TestExtractTransactionRequiresSignatures(t *testing.T) {
	pinClock(t, testNow)
	w, _ := fundedWallet(t, testHeir(t, 10), 180)
	packet, _, err := w.CreateOwnerPsbt(SpendingConfigDrainTo(drainAddress(t)), CreatePsbtOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ExtractTransaction(packet); err == nil {
		t.Error("unsigned psbt extracted")
	}
}
