package keys

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// AccountXPubID is the numeric account segment of an account xpub derivation
// path. It identifies the account xpub within a heritage wallet.
type AccountXPubID = uint32

// AccountXPub is an extended public key restricted to the BIP-86 Taproot
// account derivation m/86'/<cointype>'/<account>' with a wildcard child.
// It is the owner key-path of every heritage descriptor.
type AccountXPub struct {
	fingerprint Fingerprint
	origin      []pathStep
	xpub        *hdkeychain.ExtendedKey
	xpubStr     string
}

// ParseAccountXPub parses and validates a descriptor public key string of the
// form "[<fp>/86'/<coin>'/<account>']<xpub>/*" against the process network.
func ParseAccountXPub(s string) (*AccountXPub, error) {
	fp, origin, rest, err := parseKeyOrigin(s)
	if err != nil {
		return nil, fmt.Errorf("invalid account xpub: %v", err)
	}
	xpubStr, ok := strings.CutSuffix(rest, "/*")
	if !ok {
		return nil, fmt.Errorf("invalid account xpub %q: missing wildcard child step", s)
	}
	if strings.Contains(xpubStr, "/") {
		return nil, fmt.Errorf("invalid account xpub %q: key must not carry a derivation before the wildcard", s)
	}
	xpub, err := hdkeychain.NewKeyFromString(xpubStr)
	if err != nil {
		return nil, fmt.Errorf("invalid account xpub %q: %v", s, err)
	}
	if xpub.IsPrivate() {
		return nil, fmt.Errorf("invalid account xpub %q: private keys are not accepted", s)
	}
	if !xpub.IsForNet(Network()) {
		return nil, fmt.Errorf("invalid account xpub %q: wrong network, expected %s", s, Network().Name)
	}
	coin := CoinType(Network())
	if len(origin) != 3 ||
		origin[0] != (pathStep{index: 86, hardened: true}) ||
		origin[1] != (pathStep{index: coin, hardened: true}) ||
		!origin[2].hardened {
		return nil, fmt.Errorf("invalid account xpub %q: derivation path must be m/86'/%d'/<account>'", s, coin)
	}
	return &AccountXPub{
		fingerprint: fp,
		origin:      origin,
		xpub:        xpub,
		xpubStr:     xpubStr,
	}, nil
}

// DescriptorID returns the account id: the numeric value of the hardened
// account segment of the derivation path.
func (a *AccountXPub) DescriptorID() AccountXPubID {
	return a.origin[2].index
}

// Fingerprint returns the master key fingerprint carried by the origin.
func (a *AccountXPub) Fingerprint() Fingerprint {
	return a.fingerprint
}

// XPub returns the underlying extended public key.
func (a *AccountXPub) XPub() *hdkeychain.ExtendedKey {
	return a.xpub
}

// KeyExpression returns the descriptor key expression with the wildcard
// replaced by the given child specification (e.g. "0/*", "1/*", "0/12").
func (a *AccountXPub) KeyExpression(child string) string {
	return formatOrigin(a.fingerprint, a.origin) + a.xpubStr + "/" + child
}

// ChildPubKey derives the public key at <xpub>/<keychain>/<index>.
func (a *AccountXPub) ChildPubKey(keychain, index uint32) (*btcec.PublicKey, error) {
	k, err := a.xpub.Derive(keychain)
	if err != nil {
		return nil, fmt.Errorf("deriving keychain %d: %v", keychain, err)
	}
	child, err := k.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("deriving child %d/%d: %v", keychain, index, err)
	}
	return child.ECPubKey()
}

// DerivationPath returns the origin derivation steps as "86'/<coin>'/<acct>'".
func (a *AccountXPub) DerivationPath() string {
	return formatPathSteps(a.origin)
}

// Bip32Path returns the origin path as raw uint32 steps, hardened bits set,
// ready for a PSBT key-origin field. The optional trailing steps are appended
// unhardened.
func (a *AccountXPub) Bip32Path(trailing ...uint32) []uint32 {
	path := make([]uint32, 0, len(a.origin)+len(trailing))
	for _, step := range a.origin {
		idx := step.index
		if step.hardened {
			idx |= hardenedOffset
		}
		path = append(path, idx)
	}
	return append(path, trailing...)
}

func (a *AccountXPub) String() string {
	return a.KeyExpression("*")
}

func (a *AccountXPub) Equal(other *AccountXPub) bool {
	return other != nil && a.String() == other.String()
}

func (a *AccountXPub) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AccountXPub) UnmarshalText(text []byte) error {
	parsed, err := ParseAccountXPub(string(text))
	if err != nil {
		return err
	}
	*a = *parsed
	return nil
}
