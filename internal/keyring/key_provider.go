// Package keyring implements the key-provider side of a wallet: the
// capability that holds (or fronts) private keys, derives account xpubs and
// heir configs, and signs PSBTs. The heritage wallet itself never sees a
// private key.
package keyring

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/rawblock/heritage-engine/internal/keys"
)

// ErrNoMnemonic reports a provider that cannot reveal seed words.
var ErrNoMnemonic = errors.New("no mnemonic backup available")

// KeyProvider is the signing capability of a wallet. Implementations: the
// local software signer, and the Ledger hardware binding (transport fronted
// elsewhere).
type KeyProvider interface {
	// Fingerprint is the master key fingerprint.
	Fingerprint() (keys.Fingerprint, error)
	// SignPsbt adds signatures for every input the provider controls and
	// returns how many inputs were signed.
	SignPsbt(packet *psbt.Packet) (int, error)
	// DeriveAccountXPubs derives the BIP-86 account xpubs for account
	// indexes [start, end).
	DeriveAccountXPubs(start, end uint32) ([]*keys.AccountXPub, error)
	// DeriveHeirConfig derives the canonical heir config of the given kind.
	DeriveHeirConfig(kind keys.HeirConfigType) (*keys.HeirConfig, error)
	// BackupMnemonic reveals the seed words, when the provider holds them.
	BackupMnemonic() (string, error)
}
