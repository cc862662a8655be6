package heritage

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/rawblock/heritage-engine/internal/keys"
)

// SpendConditions carries the minimum timestamp and relative block lock at
// which a policy branch becomes spendable. The zero value is the owner
// key-path: no locks.
type SpendConditions struct {
	// SpendableTimestamp is the BIP-65 absolute lock in Unix seconds,
	// 0 when unconstrained.
	SpendableTimestamp uint64 `json:"spendable_timestamp,omitempty"`
	// RelativeBlockLock is the BIP-68 block count, 0 when unconstrained.
	RelativeBlockLock uint16 `json:"relative_block_lock,omitempty"`
}

// OwnerSpendConditions returns the unconstrained key-path conditions.
func OwnerSpendConditions() SpendConditions {
	return SpendConditions{}
}

// CanSpendAt reports whether the absolute lock has elapsed at ts. The
// relative lock is enforced per-input at transaction-relay time via
// nSequence and is not part of this predicate.
func (sc SpendConditions) CanSpendAt(ts uint64) bool {
	return ts >= sc.SpendableTimestamp
}

// CanSpendNow is CanSpendAt against the wall clock.
func (sc SpendConditions) CanSpendNow() bool {
	return sc.CanSpendAt(timeNow())
}

// Explorer gives access to one heir branch of a HeritageConfig: its position
// in the taptree, its spend conditions, and its concrete scripts. Used at
// PSBT-creation time to annotate the policy path.
type Explorer struct {
	cfg   *HeritageConfig
	index int
}

// HeritageExplorer returns an explorer for the given heir, or false when the
// heir is not part of this policy.
func (c *HeritageConfig) HeritageExplorer(hc *keys.HeirConfig) (*Explorer, bool) {
	for i, h := range c.heritages {
		if h.HeirConfig.Equal(hc) {
			return &Explorer{cfg: c, index: i}, true
		}
	}
	return nil, false
}

// ExplorerAt returns the explorer for the heir at the given maturity index.
func (c *HeritageConfig) ExplorerAt(index int) (*Explorer, bool) {
	if index < 0 || index >= len(c.heritages) {
		return nil, false
	}
	return &Explorer{cfg: c, index: index}, true
}

// HeirConfig returns the heir this explorer addresses.
func (e *Explorer) HeirConfig() *keys.HeirConfig {
	return e.cfg.heritages[e.index].HeirConfig
}

// MiniscriptIndex is the position of the heir branch in the taptree,
// identical to the depth-first leaf index.
func (e *Explorer) MiniscriptIndex() int {
	return e.index
}

// SpendConditions returns the locks protecting this branch.
func (e *Explorer) SpendConditions() SpendConditions {
	return SpendConditions{
		SpendableTimestamp: e.cfg.absoluteTimestamp(e.index),
		RelativeBlockLock:  e.cfg.RelativeBlockLock(),
	}
}

// HasFingerprint reports whether the branch belongs to the given master key.
func (e *Explorer) HasFingerprint(fp keys.Fingerprint) bool {
	return e.HeirConfig().Fingerprint() == fp
}

// MiniscriptExpression renders the branch miniscript with definite keys:
// origins maps an heir fingerprint to the concrete child derivation (e.g.
// "0/12") substituted into extensible keys for final script assembly.
func (e *Explorer) MiniscriptExpression(origins map[keys.Fingerprint]string) string {
	child := origins[e.HeirConfig().Fingerprint()]
	return e.cfg.leafExpression(e.index, child)
}

// LeafPubKey returns the heir public key used by this branch at the given
// address derivation.
func (e *Explorer) LeafPubKey(keychain, index uint32) (*btcec.PublicKey, error) {
	return e.HeirConfig().PubKeyAt(keychain, index)
}

// LeafScript assembles the tapscript for this branch at the given address
// derivation:
//
//	<heir_xonly_key> CHECKSIGVERIFY <rel> CHECKSEQUENCEVERIFY DROP <abs> CHECKLOCKTIMEVERIFY
//
// which is the script form of and_v(v:pk(K),and_v(v:older(rel),after(abs))).
func (e *Explorer) LeafScript(keychain, index uint32) ([]byte, error) {
	pub, err := e.LeafPubKey(keychain, index)
	if err != nil {
		return nil, err
	}
	sc := e.SpendConditions()
	script, err := txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(pub)).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddInt64(int64(sc.RelativeBlockLock)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		AddInt64(int64(sc.SpendableTimestamp)).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		Script()
	if err != nil {
		return nil, fmt.Errorf("assembling heir leaf script: %v", err)
	}
	return script, nil
}
