package db

import (
	"fmt"
	"math"
)

// Partition scopes keys within a table. The empty partition holds the
// wallet-level rows; per-subwallet rows carry the subdatabase id as prefix.
//
// Key layout is `<partition>#<pk>#<sk>`. The byte-exact scheme is part of the
// contract between the wallet and schema migrations — migrations address the
// historical layout below, never a reworked one:
//
//	#w#c                      current subwallet config
//	#w#a<10-digit id>         obsolete subwallet configs ("a" < "c" keeps them
//	                          before the current one in a single ranged scan)
//	#x#<10-digit id>          unused account xpub
//	#h#<outpoint>             heritage utxo
//	#y#<10-digit height>#<txid>  tx summary, height-MAX for unconfirmed
//	#b# / #f# / #o#           balance / fee rate / block inclusion objective
//	#p#<keychain>#<10-digit>  derivation path -> script (BIP-32 tracker)
//	#s#<script hash>          script -> path
//	#u#<outpoint>             tracker utxo
//	#r#<txid>                 raw tx
//	#t#<txid>                 tx details
//	#i#<keychain>             last derivation index
//	#l#                       sync time
//	#d#<keychain>             descriptor checksum
//
// Ten-digit zero padding makes lexicographic order equal numeric order.
type Partition string

// WalletPartition is the wallet-level partition of a table.
const WalletPartition Partition = ""

// UnconfirmedHeight orders unconfirmed tx summaries after every confirmed one.
const UnconfirmedHeight uint32 = math.MaxUint32

func (p Partition) key(pk, sk string) string {
	return string(p) + "#" + pk + "#" + sk
}

func (p Partition) CurrentSubwalletKey() string { return p.key("w", "c") }

func (p Partition) ObsoleteSubwalletKey(id uint32) string {
	return p.key("w", fmt.Sprintf("a%010d", id))
}

func (p Partition) ObsoleteSubwalletPrefix() string { return p.key("w", "a") }

func (p Partition) UnusedXPubKey(id uint32) string {
	return p.key("x", fmt.Sprintf("%010d", id))
}

func (p Partition) UnusedXPubPrefix() string { return p.key("x", "") }

func (p Partition) HeritageUtxoKey(outpoint string) string { return p.key("h", outpoint) }

func (p Partition) HeritageUtxoPrefix() string { return p.key("h", "") }

func (p Partition) TxSummaryKey(txid string, height uint32) string {
	return p.key("y", fmt.Sprintf("%010d#%s", height, txid))
}

func (p Partition) TxSummaryPrefix() string { return p.key("y", "") }

func (p Partition) BalanceKey() string { return p.key("b", "") }

func (p Partition) FeeRateKey() string { return p.key("f", "") }

func (p Partition) BlockInclusionObjectiveKey() string { return p.key("o", "") }

func (p Partition) PathKey(keychain byte, index uint32) string {
	return p.key("p", fmt.Sprintf("%c#%010d", keychain, index))
}

func (p Partition) PathPrefix(keychain byte) string {
	return p.key("p", fmt.Sprintf("%c#", keychain))
}

func (p Partition) ScriptKey(scriptHash string) string { return p.key("s", scriptHash) }

func (p Partition) UtxoKey(outpoint string) string { return p.key("u", outpoint) }

func (p Partition) UtxoPrefix() string { return p.key("u", "") }

func (p Partition) RawTxKey(txid string) string { return p.key("r", txid) }

func (p Partition) TxKey(txid string) string { return p.key("t", txid) }

func (p Partition) TxPrefix() string { return p.key("t", "") }

func (p Partition) LastIndexKey(keychain byte) string {
	return p.key("i", fmt.Sprintf("%c", keychain))
}

func (p Partition) SyncTimeKey() string { return p.key("l", "") }

func (p Partition) DescriptorChecksumKey(keychain byte) string {
	return p.key("d", fmt.Sprintf("%c", keychain))
}
