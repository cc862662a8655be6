package keyring

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/rawblock/heritage-engine/internal/keys"
	"github.com/rawblock/heritage-engine/internal/wallet"
)

// ErrLedgerUnavailable reports an operation needing the hardware transport,
// which this engine fronts but does not implement.
var ErrLedgerUnavailable = errors.New("ledger transport not available")

// ledgerKeyRe matches one extended-key expression inside a descriptor:
// origin, xpub and the /K/* child steps Ledger policies require.
var ledgerKeyRe = regexp.MustCompile(`\[[0-9a-f]{8}(?:/\d+['h]?)+\][a-km-zA-HJ-NP-Z1-9]+/(\d+)/\*`)

// LedgerPolicy is the BIP-388 wallet-policy form of a heritage descriptor:
// a template where every key expression is replaced by its key slot with the
// multipath wildcard (@i/**), plus the ordered key list.
type LedgerPolicy struct {
	Template string   `json:"template"`
	Keys     []string `json:"keys"`
}

// policyFromDescriptor rewrites a descriptor into (template, keys). Every
// leaf key must be an extended key derived as <key>/K/*; the keychain step K
// is erased into the multipath form so external and change descriptors
// collapse onto one policy.
func policyFromDescriptor(desc string) (*LedgerPolicy, error) {
	body, _, _ := strings.Cut(strings.TrimSpace(desc), "#")
	if !strings.HasPrefix(body, "tr(") {
		return nil, fmt.Errorf("descriptor %q is not a taproot descriptor", desc)
	}
	var policyKeys []string
	slots := make(map[string]int)
	template := ledgerKeyRe.ReplaceAllStringFunc(body, func(match string) string {
		end := strings.LastIndex(match, "]")
		childStart := strings.Index(match[end:], "/")
		key := match[:end+childStart]
		slot, ok := slots[key]
		if !ok {
			slot = len(policyKeys)
			slots[key] = slot
			policyKeys = append(policyKeys, key)
		}
		return fmt.Sprintf("@%d/**", slot)
	})
	// Anything bracketed left over is a key the policy grammar cannot carry
	// (e.g. a single-pubkey heir leaf).
	if strings.Contains(template, "[") {
		return nil, fmt.Errorf("descriptor %q contains keys not expressible as a ledger policy", desc)
	}
	return &LedgerPolicy{Template: template, Keys: policyKeys}, nil
}

// Equal reports template and key-list equality.
func (p *LedgerPolicy) Equal(other *LedgerPolicy) bool {
	if other == nil || p.Template != other.Template || len(p.Keys) != len(other.Keys) {
		return false
	}
	for i := range p.Keys {
		if p.Keys[i] != other.Keys[i] {
			return false
		}
	}
	return true
}

// LedgerPolicyFromBackup extracts the wallet policy of one subwallet backup
// entry, rejecting pairs whose external and change descriptors do not
// collapse onto the same policy.
func LedgerPolicyFromBackup(entry wallet.SubwalletDescriptorBackup) (*LedgerPolicy, error) {
	ext, err := policyFromDescriptor(entry.ExternalDescriptor)
	if err != nil {
		return nil, err
	}
	change, err := policyFromDescriptor(entry.ChangeDescriptor)
	if err != nil {
		return nil, err
	}
	if !ext.Equal(change) {
		return nil, fmt.Errorf("external and change descriptors yield different ledger policies")
	}
	return ext, nil
}

// LedgerKeyProvider fronts a Ledger device: it persists the registered
// wallet policies and the device fingerprint, and defers everything that
// needs the transport.
type LedgerKeyProvider struct {
	DeviceFingerprint keys.Fingerprint `json:"fingerprint"`
	// Policies are the registered wallet policies with their device HMACs.
	Policies []RegisteredPolicy `json:"policies,omitempty"`
}

// RegisteredPolicy is a wallet policy registered on the device.
type RegisteredPolicy struct {
	Policy LedgerPolicy `json:"policy"`
	// HMAC is the device's registration proof, hex-encoded.
	HMAC string `json:"hmac"`
}

func (p *LedgerKeyProvider) Fingerprint() (keys.Fingerprint, error) {
	return p.DeviceFingerprint, nil
}

func (p *LedgerKeyProvider) SignPsbt(*psbt.Packet) (int, error) {
	return 0, ErrLedgerUnavailable
}

func (p *LedgerKeyProvider) DeriveAccountXPubs(start, end uint32) ([]*keys.AccountXPub, error) {
	return nil, ErrLedgerUnavailable
}

func (p *LedgerKeyProvider) DeriveHeirConfig(kind keys.HeirConfigType) (*keys.HeirConfig, error) {
	return nil, ErrLedgerUnavailable
}

func (p *LedgerKeyProvider) BackupMnemonic() (string, error) {
	return "", ErrNoMnemonic
}
