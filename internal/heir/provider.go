// Package heir implements the heir-side view of a heritage wallet: given a
// descriptors backup and the heir's master fingerprint, it lists the
// heritages the heir can claim and builds the drain PSBTs spending them.
package heir

import (
	"errors"
	"fmt"
	"log"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/rawblock/heritage-engine/internal/db"
	"github.com/rawblock/heritage-engine/internal/keys"
	"github.com/rawblock/heritage-engine/internal/wallet"
)

// ErrUnknownHeritage reports a create-psbt call for a heritage id that no
// spendable utxo matches.
var ErrUnknownHeritage = errors.New("unknown heritage id")

// Heritage is one claimable position: the value spendable by the heir and
// when it matures. NextHeirMaturity, when set, is the maturity of the heir
// after this one, for display.
type Heritage struct {
	HeritageID       string         `json:"heritage_id"`
	Value            btcutil.Amount `json:"value"`
	Maturity         uint64         `json:"maturity"`
	NextHeirMaturity *uint64        `json:"next_heir_maturity,omitempty"`
}

// Provider is a read-only heritage wallet restored from a backup, scoped to
// one heir fingerprint.
type Provider struct {
	fingerprint keys.Fingerprint
	wallet      *wallet.HeritageWallet
}

// NewProvider restores the backup into a fresh table of the store and binds
// it to the heir fingerprint.
func NewProvider(fp keys.Fingerprint, store *db.Store, backup wallet.Backup) (*Provider, error) {
	table := "heir-" + uuid.NewString()
	w, err := wallet.Create(store, table)
	if err != nil {
		return nil, err
	}
	if err := w.RestoreBackup(backup); err != nil {
		// Leave no half-restored table behind.
		if dropErr := store.DropTable(table); dropErr != nil {
			log.Printf("Warning: could not drop table %s after failed restore: %v", table, dropErr)
		}
		return nil, err
	}
	log.Printf("Restored heritage backup for heir %s into table %s", fp, table)
	return &Provider{fingerprint: fp, wallet: w}, nil
}

// OpenProvider rebinds to an already-restored table.
func OpenProvider(fp keys.Fingerprint, store *db.Store, table string) (*Provider, error) {
	w, err := wallet.Open(store, table)
	if err != nil {
		return nil, err
	}
	return &Provider{fingerprint: fp, wallet: w}, nil
}

// Fingerprint returns the heir fingerprint the provider is bound to.
func (p *Provider) Fingerprint() keys.Fingerprint {
	return p.fingerprint
}

// Wallet exposes the restored wallet (sync, table management).
func (p *Provider) Wallet() *wallet.HeritageWallet {
	return p.wallet
}

// Sync refreshes the restored wallet from the chain.
func (p *Provider) Sync(backend wallet.ChainBackend) error {
	return p.wallet.Sync(backend)
}

// Delete drops the restored table.
func (p *Provider) Delete() error {
	return p.wallet.Delete()
}

// ListHeritages scans the wallet utxos for positions spendable by the heir.
// For each utxo the first heir leaf matching the fingerprint determines the
// maturity estimate; the following heir, if any, provides NextHeirMaturity.
func (p *Provider) ListHeritages() ([]Heritage, error) {
	utxos, err := p.wallet.ListHeritageUtxos()
	if err != nil {
		return nil, err
	}
	var out []Heritage
	for _, utxo := range utxos {
		heirs := utxo.HeritageConfig.IterHeirConfigs()
		for i, hc := range heirs {
			if hc.Fingerprint() != p.fingerprint {
				continue
			}
			maturity, ok := utxo.EstimateHeirSpendingTimestamp(hc)
			if !ok {
				return nil, fmt.Errorf("heir config %s vanished from its own heritage config", hc.Fingerprint())
			}
			h := Heritage{
				HeritageID: utxo.HeritageConfig.Hash(),
				Value:      utxo.Amount,
				Maturity:   maturity,
			}
			if i+1 < len(heirs) {
				if next, ok := utxo.EstimateHeirSpendingTimestamp(heirs[i+1]); ok {
					h.NextHeirMaturity = &next
				}
			}
			out = append(out, h)
			break
		}
	}
	return out, nil
}

// CreatePsbt builds a drain PSBT claiming the heritage. heritageID selects
// the heritage-config group to drain; empty picks the first group with a
// currently spendable leaf for the heir. One group is drained per call; the
// wallet must be re-synced before claiming the next one.
func (p *Provider) CreatePsbt(heritageID, drainTo string) (*psbt.Packet, *wallet.TransactionSummary, error) {
	utxos, err := p.wallet.ListHeritageUtxos()
	if err != nil {
		return nil, nil, err
	}
	var heirConfig *keys.HeirConfig
	for _, utxo := range utxos {
		if heritageID != "" && utxo.HeritageConfig.Hash() != heritageID {
			continue
		}
		for _, hc := range utxo.HeritageConfig.IterHeirConfigs() {
			if hc.Fingerprint() != p.fingerprint {
				continue
			}
			explorer, ok := utxo.HeritageConfig.HeritageExplorer(hc)
			if ok && explorer.SpendConditions().CanSpendNow() {
				heirConfig = hc
				break
			}
		}
		if heirConfig != nil {
			break
		}
	}
	if heirConfig == nil {
		if heritageID != "" {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownHeritage, heritageID)
		}
		return nil, nil, wallet.ErrNothingToSpend
	}
	return p.wallet.CreateHeirPsbt(
		heirConfig,
		wallet.SpendingConfigDrainTo(drainTo),
		wallet.CreatePsbtOptions{HeritageGroup: heritageID},
	)
}

// Broadcast finalizes a signed PSBT and relays it.
func (p *Provider) Broadcast(backend wallet.ChainBackend, packet *psbt.Packet) (*chainhash.Hash, error) {
	tx, err := wallet.ExtractTransaction(packet)
	if err != nil {
		return nil, err
	}
	return backend.Broadcast(tx)
}
