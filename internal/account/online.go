package account

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/rawblock/heritage-engine/internal/db"
	"github.com/rawblock/heritage-engine/internal/keys"
	"github.com/rawblock/heritage-engine/internal/wallet"
)

// ErrFingerprintNotPresent reports an online wallet that has no key material
// yet (no xpub appended), so its fingerprint cannot be resolved.
var ErrFingerprintNotPresent = errors.New("online wallet fingerprint not present yet")

// OnlineWallet is the watch-only side of a wallet: everything that can be
// operated without private keys.
type OnlineWallet interface {
	// Fingerprint resolves the master fingerprint, failing with
	// ErrFingerprintNotPresent while the wallet holds no key.
	Fingerprint() (keys.Fingerprint, error)
	GetNewAddress() (string, error)
	GetBalance() (wallet.WalletBalance, error)
	Sync(backend wallet.ChainBackend) error
	CreatePsbt(spending wallet.SpendingConfig, opts wallet.CreatePsbtOptions) (*psbt.Packet, *wallet.TransactionSummary, error)
	Broadcast(backend wallet.ChainBackend, packet *psbt.Packet) (*chainhash.Hash, error)
	GenerateBackup() (wallet.Backup, error)
}

// LocalHeritageWallet is the OnlineWallet over a heritage wallet living in
// the local store.
type LocalHeritageWallet struct {
	// HeritageWalletID is the store table owned by this wallet.
	HeritageWalletID string `json:"heritage_wallet_id"`

	wallet *wallet.HeritageWallet
}

// bind opens (or creates) the wallet table behind the record.
func (lw *LocalHeritageWallet) bind(store *db.Store) error {
	exists, err := store.TableExists(lw.HeritageWalletID)
	if err != nil {
		return err
	}
	if exists {
		lw.wallet, err = wallet.Open(store, lw.HeritageWalletID)
	} else {
		lw.wallet, err = wallet.Create(store, lw.HeritageWalletID)
	}
	return err
}

// HeritageWallet exposes the bound wallet for operations outside the
// OnlineWallet surface (xpub management, heritage config rotation, ...).
func (lw *LocalHeritageWallet) HeritageWallet() *wallet.HeritageWallet {
	return lw.wallet
}

func (lw *LocalHeritageWallet) Fingerprint() (keys.Fingerprint, error) {
	fp, ok, err := lw.wallet.Fingerprint()
	if err != nil {
		return keys.Fingerprint{}, err
	}
	if !ok {
		return keys.Fingerprint{}, ErrFingerprintNotPresent
	}
	return fp, nil
}

func (lw *LocalHeritageWallet) GetNewAddress() (string, error) {
	return lw.wallet.GetNewAddress()
}

func (lw *LocalHeritageWallet) GetBalance() (wallet.WalletBalance, error) {
	return lw.wallet.GetBalance()
}

func (lw *LocalHeritageWallet) Sync(backend wallet.ChainBackend) error {
	return lw.wallet.Sync(backend)
}

func (lw *LocalHeritageWallet) CreatePsbt(spending wallet.SpendingConfig, opts wallet.CreatePsbtOptions) (*psbt.Packet, *wallet.TransactionSummary, error) {
	return lw.wallet.CreateOwnerPsbt(spending, opts)
}

func (lw *LocalHeritageWallet) Broadcast(backend wallet.ChainBackend, packet *psbt.Packet) (*chainhash.Hash, error) {
	tx, err := wallet.ExtractTransaction(packet)
	if err != nil {
		return nil, err
	}
	return backend.Broadcast(tx)
}

func (lw *LocalHeritageWallet) GenerateBackup() (wallet.Backup, error) {
	return lw.wallet.GenerateBackup()
}

// delete drops the wallet table and every per-subwallet partition in it.
func (lw *LocalHeritageWallet) delete() error {
	return lw.wallet.Delete()
}

// HeritageServiceClient is the capability the engine needs from the remote
// custody service. The authenticated REST implementation lives outside the
// core; tests and the daemon inject their own.
type HeritageServiceClient interface {
	WalletFingerprint(walletID string) (keys.Fingerprint, error)
	NewAddress(walletID string) (string, error)
	Balance(walletID string) (wallet.WalletBalance, error)
	Synchronize(walletID string) error
	CreatePsbt(walletID string, spending wallet.SpendingConfig, opts wallet.CreatePsbtOptions) (*psbt.Packet, *wallet.TransactionSummary, error)
	Broadcast(packet *psbt.Packet) (*chainhash.Hash, error)
	Backup(walletID string) (wallet.Backup, error)
}

// ServiceBinding is the OnlineWallet over a wallet held by the remote
// service.
type ServiceBinding struct {
	// WalletID is the service-side wallet identifier.
	WalletID string `json:"wallet_id"`
	// CachedFingerprint avoids a round-trip once the service resolved it.
	CachedFingerprint keys.Fingerprint `json:"fingerprint,omitempty"`

	client HeritageServiceClient
}

// NewServiceBinding binds a service-side wallet.
func NewServiceBinding(walletID string, client HeritageServiceClient) *ServiceBinding {
	return &ServiceBinding{WalletID: walletID, client: client}
}

func (sb *ServiceBinding) Fingerprint() (keys.Fingerprint, error) {
	if !sb.CachedFingerprint.IsZero() {
		return sb.CachedFingerprint, nil
	}
	fp, err := sb.client.WalletFingerprint(sb.WalletID)
	if err != nil {
		return keys.Fingerprint{}, err
	}
	if fp.IsZero() {
		return keys.Fingerprint{}, ErrFingerprintNotPresent
	}
	sb.CachedFingerprint = fp
	return fp, nil
}

func (sb *ServiceBinding) GetNewAddress() (string, error) {
	return sb.client.NewAddress(sb.WalletID)
}

func (sb *ServiceBinding) GetBalance() (wallet.WalletBalance, error) {
	return sb.client.Balance(sb.WalletID)
}

func (sb *ServiceBinding) Sync(wallet.ChainBackend) error {
	return sb.client.Synchronize(sb.WalletID)
}

func (sb *ServiceBinding) CreatePsbt(spending wallet.SpendingConfig, opts wallet.CreatePsbtOptions) (*psbt.Packet, *wallet.TransactionSummary, error) {
	return sb.client.CreatePsbt(sb.WalletID, spending, opts)
}

func (sb *ServiceBinding) Broadcast(_ wallet.ChainBackend, packet *psbt.Packet) (*chainhash.Hash, error) {
	return sb.client.Broadcast(packet)
}

func (sb *ServiceBinding) GenerateBackup() (wallet.Backup, error) {
	return sb.client.Backup(sb.WalletID)
}
