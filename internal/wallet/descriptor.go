package wallet

import (
	"fmt"
	"strings"
)

// Descriptor checksum per BIP-380, the trailing #xxxxxxxx every descriptor
// carries. Needed both to emit canonical descriptors and to validate backups.

const checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

const descriptorInputCharset = "0123456789()[],'/*abcdefgh@:$%{}" +
	"IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~" +
	"ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

func descriptorPolymod(symbols []uint64) uint64 {
	chk := uint64(1)
	for _, value := range symbols {
		top := chk >> 35
		chk = (chk&0x7ffffffff)<<5 ^ value
		for i, g := range []uint64{0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd} {
			if (top>>uint(i))&1 == 1 {
				chk ^= g
			}
		}
	}
	return chk
}

// descriptorChecksum computes the 8-character checksum of a descriptor body
// (without the "#" suffix).
func descriptorChecksum(desc string) string {
	var symbols []uint64
	groups := make([]uint64, 0, 3)
	for _, c := range desc {
		pos := strings.IndexRune(descriptorInputCharset, c)
		if pos < 0 {
			// Characters outside the charset cannot occur in descriptors this
			// package emits; map them to 0 to stay total.
			pos = 0
		}
		symbols = append(symbols, uint64(pos&31))
		groups = append(groups, uint64(pos>>5))
		if len(groups) == 3 {
			symbols = append(symbols, groups[0]*9+groups[1]*3+groups[2])
			groups = groups[:0]
		}
	}
	if len(groups) == 1 {
		symbols = append(symbols, groups[0])
	} else if len(groups) == 2 {
		symbols = append(symbols, groups[0]*3+groups[1])
	}
	checksum := descriptorPolymod(append(symbols, 0, 0, 0, 0, 0, 0, 0, 0)) ^ 1
	var out strings.Builder
	for i := 0; i < 8; i++ {
		out.WriteByte(checksumCharset[(checksum>>uint(5*(7-i)))&31])
	}
	return out.String()
}

// splitDescriptorChecksum splits "body#checksum" and validates the checksum
// when present.
func splitDescriptorChecksum(desc string) (string, error) {
	body, checksum, found := strings.Cut(desc, "#")
	if !found {
		return body, nil
	}
	if want := descriptorChecksum(body); checksum != want {
		return "", fmt.Errorf("descriptor checksum mismatch: have %s, want %s", checksum, want)
	}
	return body, nil
}

// parseTrDescriptor splits a tr() descriptor into its internal key expression
// and its (possibly empty) taptree expression.
func parseTrDescriptor(desc string) (keyExpr, treeExpr string, err error) {
	body, err := splitDescriptorChecksum(strings.TrimSpace(desc))
	if err != nil {
		return "", "", err
	}
	inner, ok := strings.CutPrefix(body, "tr(")
	if !ok || !strings.HasSuffix(inner, ")") {
		return "", "", fmt.Errorf("descriptor %q is not a tr() descriptor", desc)
	}
	inner = strings.TrimSuffix(inner, ")")
	// The key expression cannot contain commas; the first top-level comma
	// separates it from the taptree.
	if i := strings.IndexByte(inner, ','); i >= 0 {
		return inner[:i], inner[i+1:], nil
	}
	return inner, "", nil
}
