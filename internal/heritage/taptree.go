package heritage

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/rawblock/heritage-engine/internal/keys"
)

// leafExpression renders the miniscript for the heir branch at index i, with
// the given child specification substituted into extensible heir keys.
func (c *HeritageConfig) leafExpression(i int, child string) string {
	return fmt.Sprintf(
		"and_v(v:pk(%s),and_v(v:older(%d),after(%d)))",
		c.heritages[i].HeirConfig.KeyExpression(child),
		c.RelativeBlockLock(),
		c.absoluteTimestamp(i),
	)
}

// TaptreeExpression returns the miniscript expression for the script-tree
// branches of this policy, or "" when there are no heirs (owner-only, no
// taptree). Branches are right-nested and ordered by heir maturity, so the
// depth-first leaf position equals the heir index. child is the derivation
// substituted for extensible heir keys: the BIP-389 multipath wildcard "**",
// a per-keychain wildcard such as "0/*", or a concrete "0/12".
func (c *HeritageConfig) TaptreeExpression(child string) string {
	n := len(c.heritages)
	if n == 0 {
		return ""
	}
	expr := c.leafExpression(n-1, child)
	for i := n - 2; i >= 0; i-- {
		expr = "{" + c.leafExpression(i, child) + "," + expr + "}"
	}
	return expr
}

// leafRe matches the exact branch shape this package emits. Group 1 is the
// key expression, group 2 the relative block lock, group 3 the absolute
// timestamp.
var leafRe = regexp.MustCompile(`and_v\(v:pk\(([^)]+)\),and_v\(v:older\((\d+)\),after\((\d+)\)\)\)`)

// ParseTaptreeExpression rebuilds a HeritageConfig from a taptree miniscript
// expression previously produced by TaptreeExpression. Used when restoring a
// wallet from a descriptors backup: the exact leaf scripts, spend conditions
// and heir fingerprints are recovered; the reference-time / timelock split is
// re-anchored on the earliest heir maturity, which reproduces identical
// absolute timestamps.
func ParseTaptreeExpression(expr string) (*HeritageConfig, error) {
	if expr == "" {
		return &HeritageConfig{minimumLockTime: 30}, nil
	}
	matches := leafRe.FindAllStringSubmatch(expr, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("unrecognized taptree expression %q", expr)
	}
	var (
		heritages []Heritage
		refTime   uint64
		relBlocks uint64
	)
	for i, m := range matches {
		hc, err := keys.HeirConfigFromKeyExpression(m[1])
		if err != nil {
			return nil, fmt.Errorf("taptree leaf %d: %v", i, err)
		}
		rel, err := strconv.ParseUint(m[2], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("taptree leaf %d: bad relative lock: %v", i, err)
		}
		abs, err := strconv.ParseUint(m[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("taptree leaf %d: bad absolute timestamp: %v", i, err)
		}
		if i == 0 {
			refTime = abs
			relBlocks = rel
		} else if rel != relBlocks {
			return nil, fmt.Errorf("taptree leaf %d: inconsistent relative lock %d != %d", i, rel, relBlocks)
		}
		if abs < refTime || (abs-refTime)%secondsPerDay != 0 {
			return nil, fmt.Errorf("taptree leaf %d: absolute timestamp %d is not day-aligned on %d", i, abs, refTime)
		}
		days := (abs - refTime) / secondsPerDay
		if days > 0xFFFF {
			return nil, fmt.Errorf("taptree leaf %d: timelock out of range", i)
		}
		heritages = append(heritages, Heritage{HeirConfig: hc, TimeLockDays: uint16(days)})
	}
	minLock := uint16((relBlocks + blocksPerDay - 1) / blocksPerDay)
	if minLock == 0 {
		minLock = 1
	}
	return &HeritageConfig{
		heritages:       heritages,
		referenceTime:   refTime,
		minimumLockTime: minLock,
	}, nil
}

// childSpec renders the descriptor child derivation for a keychain/index
// pair, with index -1 meaning the per-keychain wildcard.
func childSpec(keychain uint32, index int64) string {
	if index < 0 {
		return fmt.Sprintf("%d/*", keychain)
	}
	return fmt.Sprintf("%d/%d", keychain, index)
}

// KeychainChildSpec returns the descriptor child wildcard for a keychain
// ("0/*" external, "1/*" internal).
func KeychainChildSpec(keychain uint32) string {
	return childSpec(keychain, -1)
}

// ChildSpec returns the concrete descriptor child derivation for an address.
func ChildSpec(keychain, index uint32) string {
	return childSpec(keychain, int64(index))
}
