// Package wallet implements the heritage wallet state machine: subwallet
// configuration rotation, on-chain synchronization across obsolete
// subwallets, and PSBT construction for owners and heirs.
package wallet

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/rawblock/heritage-engine/internal/heritage"
	"github.com/rawblock/heritage-engine/internal/keys"
)

var (
	ErrMissingCurrentSubwalletConfig    = errors.New("wallet has no current subwallet config")
	ErrMissingUnusedAccountXPub         = errors.New("wallet has no unused account xpub")
	ErrHeritageConfigAlreadyUsed        = errors.New("heritage config was already used by this wallet")
	ErrSubwalletConfigAlreadyExists     = errors.New("subwallet config already exists")
	ErrSubwalletConfigAlreadyMarkedUsed = errors.New("subwallet config is already marked used")
	ErrInvalidSpendingConfigForHeir     = errors.New("heirs can only drain, not pay recipients")
	ErrNothingToSpend                   = errors.New("no spendable utxo")
	ErrUnsyncedWallet                   = errors.New("wallet was never synchronized")
	ErrInvalidBackup                    = errors.New("invalid wallet backup")
)

// timeNow is injectable for tests.
var timeNow = func() uint64 { return uint64(time.Now().Unix()) }

// Keychain selects one of the two address chains of a subwallet.
type Keychain uint32

const (
	// KeychainExternal is the receive chain (descriptor child 0/*).
	KeychainExternal Keychain = 0
	// KeychainInternal is the change chain (descriptor child 1/*).
	KeychainInternal Keychain = 1
)

// Byte is the keychain tag used in tracker keys.
func (k Keychain) Byte() byte {
	if k == KeychainInternal {
		return 'i'
	}
	return 'e'
}

// OutPoint wraps wire.OutPoint with the "txid:vout" text form the store keys
// use.
type OutPoint struct {
	wire.OutPoint
}

// NewOutPoint builds an OutPoint from its components.
func NewOutPoint(hash *chainhash.Hash, index uint32) OutPoint {
	return OutPoint{wire.OutPoint{Hash: *hash, Index: index}}
}

// ParseOutPoint parses the "txid:vout" form.
func ParseOutPoint(s string) (OutPoint, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return OutPoint{}, fmt.Errorf("invalid outpoint %q", s)
	}
	hash, err := chainhash.NewHashFromStr(s[:idx])
	if err != nil {
		return OutPoint{}, fmt.Errorf("invalid outpoint %q: %v", s, err)
	}
	vout, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return OutPoint{}, fmt.Errorf("invalid outpoint %q: %v", s, err)
	}
	return NewOutPoint(hash, uint32(vout)), nil
}

func (op OutPoint) MarshalText() ([]byte, error) {
	return []byte(op.String()), nil
}

func (op *OutPoint) UnmarshalText(text []byte) error {
	parsed, err := ParseOutPoint(string(text))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

// BlockTime is the inclusion point of a confirmed transaction.
type BlockTime struct {
	Height    uint32 `json:"height"`
	Timestamp uint64 `json:"timestamp"`
}

// Balance splits an amount by spendability, mirroring what the per-subwallet
// tracker can assert about each utxo.
type Balance struct {
	// Immature is reserved for coinbase outputs below maturity depth.
	Immature btcutil.Amount `json:"immature"`
	// TrustedPending is unconfirmed value on the internal (change) chain.
	TrustedPending btcutil.Amount `json:"trusted_pending"`
	// UntrustedPending is unconfirmed value on the external chain.
	UntrustedPending btcutil.Amount `json:"untrusted_pending"`
	// Confirmed is on-chain value.
	Confirmed btcutil.Amount `json:"confirmed"`
}

// Total is the sum of all balance categories.
func (b Balance) Total() btcutil.Amount {
	return b.Immature + b.TrustedPending + b.UntrustedPending + b.Confirmed
}

func (b Balance) add(other Balance) Balance {
	return Balance{
		Immature:         b.Immature + other.Immature,
		TrustedPending:   b.TrustedPending + other.TrustedPending,
		UntrustedPending: b.UntrustedPending + other.UntrustedPending,
		Confirmed:        b.Confirmed + other.Confirmed,
	}
}

// WalletBalance is the cached wallet balance split between the current
// heritage config and all obsolete ones.
type WalletBalance struct {
	Uptodate Balance `json:"uptodate_balance"`
	Obsolete Balance `json:"obsolete_balance"`
}

// TotalBalance aggregates both partitions.
func (w WalletBalance) TotalBalance() Balance {
	return w.Uptodate.add(w.Obsolete)
}

// FeeRate is a fee rate in satoshi per 1000 weight units.
type FeeRate struct {
	SatPerKWU uint64 `json:"sat_per_kwu"`
}

// FeeRateFromSatPerVB converts a sat/vB rate to sat/kWU (1 vB = 4 WU).
func FeeRateFromSatPerVB(satPerVB float64) FeeRate {
	return FeeRate{SatPerKWU: uint64(satPerVB * 250)}
}

// FeeFor returns the fee for a transaction of the given weight, rounded up.
func (r FeeRate) FeeFor(weight int64) btcutil.Amount {
	return btcutil.Amount((weight*int64(r.SatPerKWU) + 999) / 1000)
}

// defaultFeeRate is 1 sat/vB, the relay floor, used before the first
// successful fee estimation.
var defaultFeeRate = FeeRate{SatPerKWU: 250}

// BlockInclusionObjective is the number of blocks the wallet is willing to
// wait for inclusion; it drives fee estimation. Valid range per the Bitcoin
// Core estimatesmartfee contract is [1, 1008].
type BlockInclusionObjective uint16

// DefaultBlockInclusionObjective is 6 blocks, about one hour.
const DefaultBlockInclusionObjective BlockInclusionObjective = 6

// Validate checks the [1, 1008] range.
func (b BlockInclusionObjective) Validate() error {
	if b < 1 || b > 1008 {
		return fmt.Errorf("block inclusion objective %d out of range [1, 1008]", b)
	}
	return nil
}

// HeritageUtxo is one unspent output of the wallet, decorated with the
// heritage config of the owning subwallet so heirs can estimate per-utxo
// maturity without a subwallet lookup.
type HeritageUtxo struct {
	Outpoint         OutPoint                  `json:"outpoint"`
	Amount           btcutil.Amount            `json:"amount"`
	ConfirmationTime *BlockTime                `json:"confirmation_time,omitempty"`
	HeritageConfig   *heritage.HeritageConfig  `json:"heritage_config"`
}

// EstimateHeirSpendingTimestamp returns the estimated timestamp at which the
// given heir can spend this utxo, or false when the heir is not part of its
// heritage config. The estimate is max(absolute lock, confirmation time +
// relative lock at the average block time); an unconfirmed utxo counts as
// confirmed now.
func (u *HeritageUtxo) EstimateHeirSpendingTimestamp(hc *keys.HeirConfig) (uint64, bool) {
	explorer, ok := u.HeritageConfig.HeritageExplorer(hc)
	if !ok {
		return 0, false
	}
	return u.estimateSpendingTimestamp(explorer), true
}

func (u *HeritageUtxo) estimateSpendingTimestamp(explorer *heritage.Explorer) uint64 {
	sc := explorer.SpendConditions()
	confirmation := timeNow()
	if u.ConfirmationTime != nil {
		confirmation = u.ConfirmationTime.Timestamp
	}
	relativeEstimate := confirmation + uint64(sc.RelativeBlockLock)*heritage.AverageBlockTimeSec
	if sc.SpendableTimestamp > relativeEstimate {
		return sc.SpendableTimestamp
	}
	return relativeEstimate
}

// OwnedOutput is an output of a wallet transaction paying one of the
// wallet's own addresses.
type OwnedOutput struct {
	Address string         `json:"address"`
	Amount  btcutil.Amount `json:"amount"`
}

// TransactionSummary aggregates one wallet transaction across subwallets.
type TransactionSummary struct {
	TxID             string         `json:"txid"`
	ConfirmationTime *BlockTime     `json:"confirmation_time,omitempty"`
	// Received is the sum of owned outputs.
	Received btcutil.Amount `json:"received"`
	// Sent is the sum of owned inputs.
	Sent btcutil.Amount `json:"sent"`
	Fee  btcutil.Amount `json:"fee"`
	OwnedInputs  []OutPoint    `json:"owned_inputs,omitempty"`
	OwnedOutputs []OwnedOutput `json:"owned_outputs,omitempty"`
}

// Recipient is one (address, amount) output of an owner spend.
type Recipient struct {
	Address string         `json:"address"`
	Amount  btcutil.Amount `json:"amount"`
}

// SpendingConfig selects the outputs of a spend: either drain everything to
// one address or pay a list of recipients.
type SpendingConfig struct {
	DrainTo    string      `json:"drain_to,omitempty"`
	Recipients []Recipient `json:"recipients,omitempty"`
}

// SpendingConfigDrainTo builds a drain spending config.
func SpendingConfigDrainTo(address string) SpendingConfig {
	return SpendingConfig{DrainTo: address}
}

// SpendingConfigRecipients builds a recipients spending config.
func SpendingConfigRecipients(recipients ...Recipient) SpendingConfig {
	return SpendingConfig{Recipients: recipients}
}

// IsDrain reports whether the config is drain-mode.
func (s SpendingConfig) IsDrain() bool {
	return s.DrainTo != ""
}

// FeePolicy overrides the fee of a spend: an absolute amount, or a rate used
// as a floor instead of the cached estimation.
type FeePolicy struct {
	Absolute btcutil.Amount `json:"absolute,omitempty"`
	Rate     *FeeRate       `json:"rate,omitempty"`
}

// UtxoSelection restricts the candidate utxo set of an owner spend.
type UtxoSelection struct {
	// UseOnly, when set, is the exact candidate set.
	UseOnly []OutPoint `json:"use_only,omitempty"`
	// Include forces utxos into the selection.
	Include []OutPoint `json:"include,omitempty"`
	// Exclude removes utxos from the candidates.
	Exclude []OutPoint `json:"exclude,omitempty"`
}

// CreatePsbtOptions tunes PSBT construction.
type CreatePsbtOptions struct {
	FeePolicy     *FeePolicy     `json:"fee_policy,omitempty"`
	UtxoSelection *UtxoSelection `json:"utxo_selection,omitempty"`
	// DisableRBF opts out of BIP-125 replaceability.
	DisableRBF bool `json:"disable_rbf,omitempty"`
	// HeritageGroup, for heir spends, selects the heritage-config group to
	// drain when several are eligible (value: heritage config hash). Empty
	// keeps the historical behavior of draining the first eligible group.
	HeritageGroup string `json:"heritage_group,omitempty"`
}
