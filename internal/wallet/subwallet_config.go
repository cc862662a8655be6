package wallet

import (
	"fmt"

	"github.com/rawblock/heritage-engine/internal/db"
	"github.com/rawblock/heritage-engine/internal/heritage"
	"github.com/rawblock/heritage-engine/internal/keys"
)

// SubwalletID identifies a subwallet config within its wallet. Ids are
// allocated monotonically at rotation time.
type SubwalletID = uint32

// SubwalletConfig pairs an account xpub with a heritage config. It is the
// unit of descriptor generation and on-chain tracking: each config owns an
// external and an internal descriptor and a partition of the wallet table for
// its BIP-32 index.
type SubwalletConfig struct {
	SubwalletID    SubwalletID              `json:"subwallet_id"`
	AccountXPub    *keys.AccountXPub        `json:"account_xpub"`
	HeritageConfig *heritage.HeritageConfig `json:"heritage_config"`
	// SubwalletFirstUseTime is the Unix timestamp of the first address
	// request, 0 while unused. Once set it never changes.
	SubwalletFirstUseTime uint64 `json:"subwallet_firstuse_time,omitempty"`
}

// IsUsed reports whether an address was ever requested from this subwallet.
func (sw *SubwalletConfig) IsUsed() bool {
	return sw.SubwalletFirstUseTime != 0
}

// SubdatabaseID is the partition prefix of this subwallet's tracker rows.
func (sw *SubwalletConfig) SubdatabaseID() db.Partition {
	return db.Partition(fmt.Sprintf("%010d", sw.SubwalletID))
}

// Descriptor renders the wallet descriptor for one keychain:
//
//	tr(<account_xpub>/<k>/*, <taptree with per-keychain child wildcards>)#<checksum>
//
// where k is 0 for the external chain and 1 for the internal chain. This
// exact shape is the on-chain contract consumed by signers and the remote
// service.
func (sw *SubwalletConfig) Descriptor(kc Keychain) string {
	child := heritage.KeychainChildSpec(uint32(kc))
	inner := sw.AccountXPub.KeyExpression(child)
	if tree := sw.HeritageConfig.TaptreeExpression(child); tree != "" {
		inner += "," + tree
	}
	desc := "tr(" + inner + ")"
	return desc + "#" + descriptorChecksum(desc)
}

// ExternalDescriptor is the receive-chain descriptor.
func (sw *SubwalletConfig) ExternalDescriptor() string {
	return sw.Descriptor(KeychainExternal)
}

// ChangeDescriptor is the change-chain descriptor.
func (sw *SubwalletConfig) ChangeDescriptor() string {
	return sw.Descriptor(KeychainInternal)
}
