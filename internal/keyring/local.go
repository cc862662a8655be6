package keyring

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/rawblock/heritage-engine/internal/keys"
)

const hardened = hdkeychain.HardenedKeyStart

// LocalKeyProvider is the software signer: a BIP-32 master key held in
// memory, derived on demand.
type LocalKeyProvider struct {
	master      *hdkeychain.ExtendedKey
	fingerprint keys.Fingerprint
	mnemonic    string
}

// NewLocalKeyProvider builds a provider from a master seed. mnemonic may be
// empty when the seed was imported raw.
func NewLocalKeyProvider(seed []byte, mnemonic string) (*LocalKeyProvider, error) {
	master, err := hdkeychain.NewMaster(seed, keys.Network())
	if err != nil {
		return nil, fmt.Errorf("building master key: %v", err)
	}
	pub, err := master.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("resolving master pubkey: %v", err)
	}
	return &LocalKeyProvider{
		master:      master,
		fingerprint: keys.FingerprintOfPubKey(pub),
		mnemonic:    mnemonic,
	}, nil
}

func (p *LocalKeyProvider) Fingerprint() (keys.Fingerprint, error) {
	return p.fingerprint, nil
}

func (p *LocalKeyProvider) BackupMnemonic() (string, error) {
	if p.mnemonic == "" {
		return "", ErrNoMnemonic
	}
	return p.mnemonic, nil
}

func (p *LocalKeyProvider) derive(path []uint32) (*hdkeychain.ExtendedKey, error) {
	key := p.master
	for _, step := range path {
		child, err := key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("deriving step %d: %v", step, err)
		}
		key = child
	}
	return key, nil
}

// DeriveAccountXPubs derives m/86'/<coin>'/<i>' for i in [start, end).
func (p *LocalKeyProvider) DeriveAccountXPubs(start, end uint32) ([]*keys.AccountXPub, error) {
	if end <= start {
		return nil, fmt.Errorf("invalid account range [%d, %d)", start, end)
	}
	coin := keys.CoinType(keys.Network())
	out := make([]*keys.AccountXPub, 0, end-start)
	for i := start; i < end; i++ {
		account, err := p.derive([]uint32{hardened + 86, hardened + coin, hardened + i})
		if err != nil {
			return nil, err
		}
		xpub, err := account.Neuter()
		if err != nil {
			return nil, fmt.Errorf("neutering account %d: %v", i, err)
		}
		expr := fmt.Sprintf("[%s/86'/%d'/%d']%s/*", p.fingerprint, coin, i, xpub.String())
		ax, err := keys.ParseAccountXPub(expr)
		if err != nil {
			return nil, err
		}
		out = append(out, ax)
	}
	return out, nil
}

// DeriveHeirConfig derives the canonical heir key at the reserved heir
// account m/86'/<coin>'/1751476594'.
func (p *LocalKeyProvider) DeriveHeirConfig(kind keys.HeirConfigType) (*keys.HeirConfig, error) {
	coin := keys.CoinType(keys.Network())
	account, err := p.derive([]uint32{hardened + 86, hardened + coin, hardened + keys.HeirAccountIndex})
	if err != nil {
		return nil, err
	}
	switch kind {
	case keys.HeirTypeXPubkey:
		xpub, err := account.Neuter()
		if err != nil {
			return nil, fmt.Errorf("neutering heir account: %v", err)
		}
		value := fmt.Sprintf("[%s/86'/%d'/%d']%s/*", p.fingerprint, coin, keys.HeirAccountIndex, xpub.String())
		return keys.NewHeirConfig(keys.HeirTypeXPubkey, value)
	case keys.HeirTypeSinglePubkey:
		child, err := account.Derive(0)
		if err != nil {
			return nil, err
		}
		child, err = child.Derive(0)
		if err != nil {
			return nil, err
		}
		pub, err := child.ECPubKey()
		if err != nil {
			return nil, err
		}
		value := fmt.Sprintf("[%s/86'/%d'/%d'/0/0]%x", p.fingerprint, coin, keys.HeirAccountIndex, pub.SerializeCompressed())
		return keys.NewHeirConfig(keys.HeirTypeSinglePubkey, value)
	default:
		return nil, fmt.Errorf("unknown heir config kind %q", kind)
	}
}

// SignPsbt signs every input whose taproot key origins carry the provider's
// fingerprint: key-path inputs get a key-spend signature (tweaked by the
// taptree merkle root), script-path inputs get one script-spend signature
// per pre-declared tapscript leaf.
func (p *LocalKeyProvider) SignPsbt(packet *psbt.Packet) (int, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range packet.UnsignedTx.TxIn {
		if packet.Inputs[i].WitnessUtxo == nil {
			return 0, fmt.Errorf("input %d has no witness utxo", i)
		}
		fetcher.AddPrevOut(txIn.PreviousOutPoint, packet.Inputs[i].WitnessUtxo)
	}
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	signed := 0
	for i := range packet.Inputs {
		pin := &packet.Inputs[i]
		didSign, err := p.signInput(packet, pin, i, sigHashes)
		if err != nil {
			return signed, fmt.Errorf("signing input %d: %v", i, err)
		}
		if didSign {
			signed++
		}
	}
	return signed, nil
}

func (p *LocalKeyProvider) signInput(packet *psbt.Packet, pin *psbt.PInput, idx int, sigHashes *txscript.TxSigHashes) (bool, error) {
	prevOut := pin.WitnessUtxo
	for _, deriv := range pin.TaprootBip32Derivation {
		if deriv.MasterKeyFingerprint != p.fingerprint.Uint32() {
			continue
		}
		key, err := p.derive(deriv.Bip32Path)
		if err != nil {
			return false, err
		}
		priv, err := key.ECPrivKey()
		if err != nil {
			return false, err
		}
		if err := checkDerivedKey(priv, deriv.XOnlyPubKey); err != nil {
			return false, err
		}
		if len(deriv.LeafHashes) == 0 {
			sig, err := txscript.RawTxInTaprootSignature(
				packet.UnsignedTx, sigHashes, idx, prevOut.Value, prevOut.PkScript,
				pin.TaprootMerkleRoot, pin.SighashType, priv,
			)
			if err != nil {
				return false, err
			}
			pin.TaprootKeySpendSig = sig
			return true, nil
		}
		// Script path: sign each leaf the PSBT pre-declared for this input.
		signedLeaf := false
		for _, leafScript := range pin.TaprootLeafScript {
			leaf := txscript.NewBaseTapLeaf(leafScript.Script)
			leafHash := leaf.TapHash()
			if !containsHash(deriv.LeafHashes, leafHash[:]) {
				continue
			}
			sig, err := txscript.RawTxInTapscriptSignature(
				packet.UnsignedTx, sigHashes, idx, prevOut.Value, prevOut.PkScript,
				leaf, pin.SighashType, priv,
			)
			if err != nil {
				return false, err
			}
			pin.TaprootScriptSpendSig = append(pin.TaprootScriptSpendSig, &psbt.TaprootScriptSpendSig{
				XOnlyPubKey: deriv.XOnlyPubKey,
				LeafHash:    leafHash[:],
				Signature:   sig,
				SigHash:     pin.SighashType,
			})
			signedLeaf = true
		}
		if signedLeaf {
			return true, nil
		}
	}
	return false, nil
}

func checkDerivedKey(priv *btcec.PrivateKey, xOnly []byte) error {
	derived := schnorr.SerializePubKey(priv.PubKey())
	if string(derived) != string(xOnly) {
		return fmt.Errorf("derived key does not match psbt key origin")
	}
	return nil
}

func containsHash(hashes [][]byte, hash []byte) bool {
	for _, h := range hashes {
		if string(h) == string(hash) {
			return true
		}
	}
	return false
}
