package keys

import (
	"log"
	"os"

	"github.com/btcsuite/btcd/chaincfg"
)

// netParams is the process-wide network. It is resolved once at startup
// (either explicitly via SetNetwork or from the BITCOIN_NETWORK environment
// variable) and must not change afterwards: descriptor validation, address
// rendering and coin-type path checks all depend on it.
var netParams = &chaincfg.MainNetParams

// SetNetwork fixes the process-wide Bitcoin network. Call once at startup.
func SetNetwork(params *chaincfg.Params) {
	netParams = params
}

// Network returns the process-wide Bitcoin network parameters.
func Network() *chaincfg.Params {
	return netParams
}

// NetworkFromEnv resolves network parameters from the BITCOIN_NETWORK
// environment variable. Unset defaults to mainnet, unknown values default to
// testnet3 with a warning.
func NetworkFromEnv() *chaincfg.Params {
	switch v := os.Getenv("BITCOIN_NETWORK"); v {
	case "", "bitcoin", "mainnet":
		if v == "" {
			log.Println("Warning: BITCOIN_NETWORK is not set, using mainnet")
		}
		return &chaincfg.MainNetParams
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params
	case "signet":
		return &chaincfg.SigNetParams
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		log.Printf("Warning: BITCOIN_NETWORK set to unknown value %q, using testnet3", v)
		return &chaincfg.TestNet3Params
	}
}

// CoinType returns the BIP-86 coin-type path segment for the given network:
// 0 on mainnet, 1 everywhere else.
func CoinType(params *chaincfg.Params) uint32 {
	if params.Net == chaincfg.MainNetParams.Net {
		return 0
	}
	return 1
}
