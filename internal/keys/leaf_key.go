package keys

import (
	"fmt"
	"strings"
)

// HeirConfigFromKeyExpression rebuilds an HeirConfig from a descriptor leaf
// key expression, the inverse of HeirConfig.KeyExpression. A bare hex public
// key after the origin is a SINGLE_HEIR_PUBKEY; an extended key with child
// derivation steps is an HEIR_XPUBKEY (the child steps are folded back into
// the wildcard form).
func HeirConfigFromKeyExpression(expr string) (*HeirConfig, error) {
	fp, origin, rest, err := parseKeyOrigin(expr)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(rest, "/") {
		return NewHeirConfig(HeirTypeSinglePubkey, expr)
	}
	base, _, _ := strings.Cut(rest, "/")
	if base == "" {
		return nil, fmt.Errorf("invalid leaf key expression %q", expr)
	}
	value := formatOrigin(fp, origin) + base + "/*"
	return NewHeirConfig(HeirTypeXPubkey, value)
}
