package keys

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// Fingerprint is the 4-byte BIP-32 master key fingerprint used to match keys
// across descriptors, PSBTs and hardware signers.
type Fingerprint [4]byte

// ParseFingerprint parses an 8-character lowercase hex fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	if len(s) != 8 {
		return fp, fmt.Errorf("invalid fingerprint %q: must be 8 hex characters", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("invalid fingerprint %q: %v", s, err)
	}
	copy(fp[:], b)
	return fp, nil
}

// FingerprintOfPubKey computes the BIP-32 fingerprint of a public key: the
// first 4 bytes of HASH160 of the compressed serialization.
func FingerprintOfPubKey(pub *btcec.PublicKey) Fingerprint {
	var fp Fingerprint
	copy(fp[:], btcutil.Hash160(pub.SerializeCompressed())[:4])
	return fp
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether the fingerprint is the all-zero placeholder.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Uint32 returns the fingerprint in the little-endian form the PSBT key-origin
// fields carry.
func (f Fingerprint) Uint32() uint32 {
	return binary.LittleEndian.Uint32(f[:])
}

func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Fingerprint) UnmarshalText(text []byte) error {
	fp, err := ParseFingerprint(string(text))
	if err != nil {
		return err
	}
	*f = fp
	return nil
}
