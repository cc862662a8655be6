package keys

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// HeirAccountIndex is the canonical hardened account index reserved for heir
// keys: the four ASCII bytes "heir".
const HeirAccountIndex uint32 = 1751476594

// HeirConfigType discriminates the two heir key representations.
type HeirConfigType string

const (
	// HeirTypeSinglePubkey is a fully derived public key at the canonical
	// heir-account path, for one-shot non-extensible heir keys.
	HeirTypeSinglePubkey HeirConfigType = "SINGLE_HEIR_PUBKEY"
	// HeirTypeXPubkey is an account extended key at a hardened heir account,
	// wildcarded at the child level.
	HeirTypeXPubkey HeirConfigType = "HEIR_XPUBKEY"
)

// HeirConfig is one heir's signing authority on a script-path leaf: either a
// single derived public key or an heir account extended key.
type HeirConfig struct {
	Type  HeirConfigType
	Value string

	fingerprint Fingerprint
	origin      []pathStep
	pubKey      *btcec.PublicKey       // single-pubkey variant
	xpub        *hdkeychain.ExtendedKey // xpub variant
	xpubStr     string
}

// NewHeirConfig validates a descriptor key string for the given heir type.
//
// Accepted shapes:
//
//	SINGLE_HEIR_PUBKEY: [<fp>/86'/<coin>'/1751476594'/<k>/<i>]<hex pubkey>
//	HEIR_XPUBKEY:       [<fp>/86'/<coin>'/<account>']<xpub>/*
func NewHeirConfig(typ HeirConfigType, value string) (*HeirConfig, error) {
	fp, origin, rest, err := parseKeyOrigin(value)
	if err != nil {
		return nil, fmt.Errorf("invalid heir config: %v", err)
	}
	coin := CoinType(Network())
	if len(origin) < 3 ||
		origin[0] != (pathStep{index: 86, hardened: true}) ||
		origin[1] != (pathStep{index: coin, hardened: true}) ||
		!origin[2].hardened {
		return nil, fmt.Errorf("invalid heir config %q: derivation path must start with m/86'/%d'/<account>'", value, coin)
	}
	hc := &HeirConfig{Type: typ, Value: value, fingerprint: fp, origin: origin}
	switch typ {
	case HeirTypeSinglePubkey:
		raw, err := hex.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid heir pubkey %q: %v", rest, err)
		}
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid heir pubkey %q: %v", rest, err)
		}
		hc.pubKey = pub
	case HeirTypeXPubkey:
		xpubStr, ok := strings.CutSuffix(rest, "/*")
		if !ok {
			return nil, fmt.Errorf("invalid heir xpub %q: missing wildcard child step", value)
		}
		xpub, err := hdkeychain.NewKeyFromString(xpubStr)
		if err != nil {
			return nil, fmt.Errorf("invalid heir xpub %q: %v", value, err)
		}
		if xpub.IsPrivate() {
			return nil, fmt.Errorf("invalid heir xpub %q: private keys are not accepted", value)
		}
		if !xpub.IsForNet(Network()) {
			return nil, fmt.Errorf("invalid heir xpub %q: wrong network, expected %s", value, Network().Name)
		}
		hc.xpub = xpub
		hc.xpubStr = xpubStr
	default:
		return nil, fmt.Errorf("unknown heir config type %q", typ)
	}
	return hc, nil
}

// Fingerprint returns the heir's master key fingerprint.
func (h *HeirConfig) Fingerprint() Fingerprint {
	return h.fingerprint
}

// IsExtensible reports whether the heir key can produce per-address children.
func (h *HeirConfig) IsExtensible() bool {
	return h.Type == HeirTypeXPubkey
}

// KeyExpression returns the descriptor key expression used in the heir's
// script leaf. For an extended heir key the wildcard is replaced by the given
// child specification ("**", "0/*", "0/12", ...); a single pubkey ignores it.
func (h *HeirConfig) KeyExpression(child string) string {
	if h.Type == HeirTypeSinglePubkey {
		return h.Value
	}
	return formatOrigin(h.fingerprint, h.origin) + h.xpubStr + "/" + child
}

// PubKeyAt returns the heir public key used at <keychain>/<index>. A single
// heir pubkey is the same at every derivation.
func (h *HeirConfig) PubKeyAt(keychain, index uint32) (*btcec.PublicKey, error) {
	if h.Type == HeirTypeSinglePubkey {
		return h.pubKey, nil
	}
	k, err := h.xpub.Derive(keychain)
	if err != nil {
		return nil, fmt.Errorf("deriving heir keychain %d: %v", keychain, err)
	}
	child, err := k.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("deriving heir child %d/%d: %v", keychain, index, err)
	}
	return child.ECPubKey()
}

// Bip32Path returns the origin path with hardened bits set, appending the
// trailing unhardened steps. For a single pubkey the origin already carries
// the full path and trailing steps are ignored.
func (h *HeirConfig) Bip32Path(trailing ...uint32) []uint32 {
	path := make([]uint32, 0, len(h.origin)+len(trailing))
	for _, step := range h.origin {
		idx := step.index
		if step.hardened {
			idx |= hardenedOffset
		}
		path = append(path, idx)
	}
	if h.Type == HeirTypeSinglePubkey {
		return path
	}
	return append(path, trailing...)
}

func (h *HeirConfig) Equal(other *HeirConfig) bool {
	return other != nil && h.Type == other.Type && h.Value == other.Value
}

type heirConfigJSON struct {
	Type  HeirConfigType `json:"type"`
	Value string         `json:"value"`
}

func (h *HeirConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(heirConfigJSON{Type: h.Type, Value: h.Value})
}

func (h *HeirConfig) UnmarshalJSON(data []byte) error {
	var raw heirConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewHeirConfig(raw.Type, raw.Value)
	if err != nil {
		return err
	}
	*h = *parsed
	return nil
}
