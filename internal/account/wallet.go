// Package account binds the pieces of a user-facing wallet together: a key
// provider (private keys), an online wallet (watch-only on-chain state) and,
// for heirs, a heritage provider. It enforces that the two sides of a wallet
// talk about the same master key.
package account

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/rawblock/heritage-engine/internal/db"
	"github.com/rawblock/heritage-engine/internal/heir"
	"github.com/rawblock/heritage-engine/internal/keyring"
	"github.com/rawblock/heritage-engine/internal/keys"
	"github.com/rawblock/heritage-engine/internal/wallet"
)

var (
	// ErrNoComponent rejects a wallet with neither a key provider nor an
	// online wallet.
	ErrNoComponent = errors.New("wallet needs a key provider or an online wallet")
	// ErrIncoherentFingerprints refuses to operate a wallet whose key
	// provider and online wallet disagree on the master key.
	ErrIncoherentFingerprints  = errors.New("key provider and online wallet fingerprints differ")
	ErrMissingKeyProvider      = errors.New("wallet has no key provider")
	ErrMissingOnlineWallet     = errors.New("wallet has no online wallet")
	ErrMissingHeritageProvider = errors.New("wallet has no heritage provider")
)

// Wallet is the top-level aggregate persisted under "wallet#<name>" in the
// default table.
type Wallet struct {
	Name string `json:"name"`
	// FingerprintsControlled latches once both sides resolved and agreed, or
	// at once when the wallet has only one of the two sides; the check is
	// then never repeated.
	FingerprintsControlled bool `json:"fingerprints_controlled"`

	KeyProviderSpec      KeyProviderSpec      `json:"key_provider"`
	OnlineWalletSpec     OnlineWalletSpec     `json:"online_wallet"`
	HeritageProviderSpec HeritageProviderSpec `json:"heritage_provider"`

	keyProvider      keyring.KeyProvider
	onlineWallet     OnlineWallet
	heritageProvider *heir.Provider
}

// KeyProviderSpec is the persisted form of the key-provider variant.
type KeyProviderSpec struct {
	Type string `json:"type"` // "none" | "local" | "ledger"
	// SeedHex is the local software seed. Local-only deployments accept the
	// plaintext-at-rest tradeoff the original tool makes.
	SeedHex  string `json:"seed_hex,omitempty"`
	Mnemonic string `json:"mnemonic,omitempty"`
	Ledger   *keyring.LedgerKeyProvider `json:"ledger,omitempty"`
}

// OnlineWalletSpec is the persisted form of the online-wallet variant.
type OnlineWalletSpec struct {
	Type    string               `json:"type"` // "none" | "local" | "service"
	Local   *LocalHeritageWallet `json:"local,omitempty"`
	Service *ServiceBinding      `json:"service,omitempty"`
}

// HeritageProviderSpec is the persisted form of the heritage-provider
// variant.
type HeritageProviderSpec struct {
	Type string `json:"type,omitempty"` // "" | "local"
	// Fingerprint is the heir fingerprint the provider is scoped to.
	Fingerprint keys.Fingerprint `json:"fingerprint,omitempty"`
	// Table is the restored wallet table.
	Table string `json:"table,omitempty"`
}

// Runtime carries the collaborators wallet records are rebound to at load
// time.
type Runtime struct {
	Store   *db.Store
	Service HeritageServiceClient
}

func walletKey(name string) string {
	return db.WalletRecordPrefix + name
}

// NewWallet assembles and persists a wallet. At least one of the key
// provider and online wallet must be present; when both are, their
// fingerprints must agree. The name must be free.
func NewWallet(name string, kp KeyProviderSpec, ow OnlineWalletSpec, rt *Runtime) (*Wallet, error) {
	w := &Wallet{Name: name, KeyProviderSpec: kp, OnlineWalletSpec: ow}
	if w.KeyProviderSpec.Type == "" {
		w.KeyProviderSpec.Type = "none"
	}
	if w.OnlineWalletSpec.Type == "" {
		w.OnlineWalletSpec.Type = "none"
	}
	if w.KeyProviderSpec.Type == "none" && w.OnlineWalletSpec.Type == "none" {
		return nil, ErrNoComponent
	}
	// Check the name before creating any table so a clash leaves nothing
	// behind.
	if taken, err := rt.Store.ContainsKey(db.DefaultTable, walletKey(name)); err != nil {
		return nil, err
	} else if taken {
		return nil, fmt.Errorf("%w: wallet %q", db.ErrKeyAlreadyExists, name)
	}
	if w.OnlineWalletSpec.Type == "local" && w.OnlineWalletSpec.Local == nil {
		w.OnlineWalletSpec.Local = &LocalHeritageWallet{HeritageWalletID: uuid.NewString()}
	}
	if err := w.bind(rt); err != nil {
		return nil, err
	}
	if err := w.controlFingerprints(); err != nil {
		return nil, err
	}
	if err := rt.Store.PutIfAbsent(db.DefaultTable, walletKey(name), w); err != nil {
		return nil, err
	}
	log.Printf("Created wallet %q (key provider: %s, online wallet: %s)", name, w.KeyProviderSpec.Type, w.OnlineWalletSpec.Type)
	return w, nil
}

// LoadWallet reads a wallet record and rebinds its runtime collaborators,
// re-running the coherence check if it never latched.
func LoadWallet(name string, rt *Runtime) (*Wallet, error) {
	var w Wallet
	found, err := rt.Store.Get(db.DefaultTable, walletKey(name), &w)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: wallet %q", db.ErrKeyDoesNotExist, name)
	}
	if err := w.bind(rt); err != nil {
		return nil, err
	}
	latched := w.FingerprintsControlled
	if err := w.controlFingerprints(); err != nil {
		return nil, err
	}
	if w.FingerprintsControlled && !latched {
		if err := w.Save(rt.Store); err != nil {
			return nil, err
		}
	}
	return &w, nil
}

// ListWalletNames returns the persisted wallet names.
func ListWalletNames(store *db.Store) ([]string, error) {
	names, err := store.ListKeys(db.DefaultTable, db.WalletRecordPrefix)
	if err != nil {
		return nil, err
	}
	for i, key := range names {
		names[i] = key[len(db.WalletRecordPrefix):]
	}
	return names, nil
}

// Save persists the wallet record.
func (w *Wallet) Save(store *db.Store) error {
	return store.Put(db.DefaultTable, walletKey(w.Name), w)
}

// Delete removes the wallet record; a local online wallet cascades into
// dropping its table and every per-subwallet partition.
func (w *Wallet) Delete(store *db.Store) error {
	if w.OnlineWalletSpec.Type == "local" && w.OnlineWalletSpec.Local != nil && w.OnlineWalletSpec.Local.wallet != nil {
		if err := w.OnlineWalletSpec.Local.delete(); err != nil {
			return err
		}
	}
	return store.Delete(db.DefaultTable, walletKey(w.Name))
}

// bind materializes the runtime collaborators behind the persisted specs.
func (w *Wallet) bind(rt *Runtime) error {
	switch w.KeyProviderSpec.Type {
	case "none", "":
	case "local":
		seed, err := hex.DecodeString(w.KeyProviderSpec.SeedHex)
		if err != nil {
			return fmt.Errorf("decoding wallet seed: %v", err)
		}
		kp, err := keyring.NewLocalKeyProvider(seed, w.KeyProviderSpec.Mnemonic)
		if err != nil {
			return err
		}
		w.keyProvider = kp
	case "ledger":
		if w.KeyProviderSpec.Ledger == nil {
			return fmt.Errorf("ledger key provider record is empty")
		}
		w.keyProvider = w.KeyProviderSpec.Ledger
	default:
		return fmt.Errorf("unknown key provider type %q", w.KeyProviderSpec.Type)
	}

	switch w.OnlineWalletSpec.Type {
	case "none", "":
	case "local":
		if err := w.OnlineWalletSpec.Local.bind(rt.Store); err != nil {
			return err
		}
		w.onlineWallet = w.OnlineWalletSpec.Local
	case "service":
		if rt.Service == nil {
			return fmt.Errorf("wallet %q needs a heritage service client", w.Name)
		}
		w.OnlineWalletSpec.Service.client = rt.Service
		w.onlineWallet = w.OnlineWalletSpec.Service
	default:
		return fmt.Errorf("unknown online wallet type %q", w.OnlineWalletSpec.Type)
	}

	if w.HeritageProviderSpec.Type == "local" && w.HeritageProviderSpec.Table != "" {
		provider, err := heir.OpenProvider(w.HeritageProviderSpec.Fingerprint, rt.Store, w.HeritageProviderSpec.Table)
		if err != nil {
			return err
		}
		w.heritageProvider = provider
	}
	return nil
}

// controlFingerprints verifies both sides name the same master key. The
// first successful check with both sides resolved latches, and a wallet
// lacking either side latches without a comparison; an online wallet with no
// key material yet is not a failure, just "not yet controllable".
func (w *Wallet) controlFingerprints() error {
	if w.FingerprintsControlled {
		return nil
	}
	if w.keyProvider != nil && w.onlineWallet != nil {
		onlineFP, err := w.onlineWallet.Fingerprint()
		if errors.Is(err, ErrFingerprintNotPresent) {
			return nil
		}
		if err != nil {
			return err
		}
		offlineFP, err := w.keyProvider.Fingerprint()
		if err != nil {
			return err
		}
		if onlineFP != offlineFP {
			return fmt.Errorf("%w: online %s, key provider %s", ErrIncoherentFingerprints, onlineFP, offlineFP)
		}
	}
	w.FingerprintsControlled = true
	return nil
}

// KeyProvider returns the signing side, or ErrMissingKeyProvider.
func (w *Wallet) KeyProvider() (keyring.KeyProvider, error) {
	if w.keyProvider == nil {
		return nil, ErrMissingKeyProvider
	}
	return w.keyProvider, nil
}

// OnlineWallet returns the watch-only side, or ErrMissingOnlineWallet.
func (w *Wallet) OnlineWallet() (OnlineWallet, error) {
	if w.onlineWallet == nil {
		return nil, ErrMissingOnlineWallet
	}
	return w.onlineWallet, nil
}

// LocalHeritageWallet returns the local heritage wallet when the online side
// is local.
func (w *Wallet) LocalHeritageWallet() (*wallet.HeritageWallet, error) {
	if w.OnlineWalletSpec.Type != "local" || w.OnlineWalletSpec.Local == nil {
		return nil, ErrMissingOnlineWallet
	}
	return w.OnlineWalletSpec.Local.HeritageWallet(), nil
}

// HeritageProvider returns the heir side, or ErrMissingHeritageProvider.
func (w *Wallet) HeritageProvider() (*heir.Provider, error) {
	if w.heritageProvider == nil {
		return nil, ErrMissingHeritageProvider
	}
	return w.heritageProvider, nil
}

// AttachHeritageProvider restores a backup for the given heir fingerprint
// and persists the binding.
func (w *Wallet) AttachHeritageProvider(fp keys.Fingerprint, backup wallet.Backup, rt *Runtime) error {
	provider, err := heir.NewProvider(fp, rt.Store, backup)
	if err != nil {
		return err
	}
	w.heritageProvider = provider
	w.HeritageProviderSpec = HeritageProviderSpec{
		Type:        "local",
		Fingerprint: fp,
		Table:       provider.Wallet().Table(),
	}
	return w.Save(rt.Store)
}

// Fingerprint resolves the wallet fingerprint from whichever side holds it.
func (w *Wallet) Fingerprint() (keys.Fingerprint, error) {
	if w.keyProvider != nil {
		return w.keyProvider.Fingerprint()
	}
	if w.onlineWallet != nil {
		return w.onlineWallet.Fingerprint()
	}
	return keys.Fingerprint{}, ErrNoComponent
}
