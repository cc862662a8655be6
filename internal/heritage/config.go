// Package heritage implements the versioned inheritance policy of a heritage
// wallet: an ordered list of heirs with their timelocks, compiled into the
// Taproot script-tree of the wallet descriptors.
package heritage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rawblock/heritage-engine/internal/keys"
)

// AverageBlockTimeSec is the Bitcoin network block-production target, used to
// convert relative block locks into wall-clock estimates.
const AverageBlockTimeSec = 600

// blocksPerDay is the expected number of blocks in one day (144 = 24h / 10min).
const blocksPerDay = 144

const secondsPerDay = 86400

// timeNow is injectable for tests: wall-clock decisions (default reference
// time, spendability predicates) must be reproducible.
var timeNow = func() uint64 { return uint64(time.Now().Unix()) }

// InvalidConfigError reports a heritage configuration rejected at build time.
type InvalidConfigError struct {
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid heritage config: %s", e.Reason)
}

// InvalidVersionError reports a serialized heritage config whose version tag
// is not supported by this binary.
type InvalidVersionError struct {
	Version string
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("unsupported heritage config version %q", e.Version)
}

// Heritage is one policy entry: an heir and the number of days after the
// reference time at which the heir becomes able to spend.
type Heritage struct {
	HeirConfig   *keys.HeirConfig `json:"heir_config"`
	TimeLockDays uint16           `json:"time_lock"`
}

// HeritageConfig is an immutable v1 inheritance policy. Heirs are ordered by
// increasing maturity; every timelock is strictly greater than the previous
// one and no two heirs share a master fingerprint.
type HeritageConfig struct {
	heritages       []Heritage
	referenceTime   uint64
	minimumLockTime uint16
}

// Builder accumulates heritage entries and freezes them into an immutable
// HeritageConfig.
type Builder struct {
	heritages       []Heritage
	referenceTime   uint64
	minimumLockTime uint16
	minLockSet      bool
}

// NewBuilder returns a builder for the current (v1) heritage config version.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddHeritage appends an heir with its timelock in days.
func (b *Builder) AddHeritage(hc *keys.HeirConfig, timeLockDays uint16) *Builder {
	b.heritages = append(b.heritages, Heritage{HeirConfig: hc, TimeLockDays: timeLockDays})
	return b
}

// ReferenceTime sets the policy base timestamp. Defaults to today at noon UTC.
func (b *Builder) ReferenceTime(ts uint64) *Builder {
	b.referenceTime = ts
	return b
}

// MinimumLockTime sets the relative lock applied to every heir branch, in
// days. Defaults to 30.
func (b *Builder) MinimumLockTime(days uint16) *Builder {
	b.minimumLockTime = days
	b.minLockSet = true
	return b
}

// Build sorts heirs by ascending timelock, validates the policy and freezes
// it. It fails with InvalidConfigError when two heirs share a fingerprint,
// when a timelock is not strictly greater than the previous one, or when the
// minimum lock time is zero.
func (b *Builder) Build() (*HeritageConfig, error) {
	referenceTime := b.referenceTime
	if referenceTime == 0 {
		// Today at noon UTC.
		now := timeNow()
		referenceTime = now - now%secondsPerDay + secondsPerDay/2
	}
	minimumLockTime := b.minimumLockTime
	if !b.minLockSet {
		minimumLockTime = 30
	}
	if minimumLockTime == 0 {
		return nil, &InvalidConfigError{Reason: "minimum lock time cannot be 0 days"}
	}

	heritages := make([]Heritage, len(b.heritages))
	copy(heritages, b.heritages)
	sort.SliceStable(heritages, func(i, j int) bool {
		return heritages[i].TimeLockDays < heritages[j].TimeLockDays
	})
	seen := make(map[keys.Fingerprint]bool, len(heritages))
	for i, h := range heritages {
		fp := h.HeirConfig.Fingerprint()
		if seen[fp] {
			return nil, &InvalidConfigError{Reason: fmt.Sprintf("duplicate heir fingerprint %s", fp)}
		}
		seen[fp] = true
		if i > 0 && h.TimeLockDays <= heritages[i-1].TimeLockDays {
			return nil, &InvalidConfigError{
				Reason: fmt.Sprintf("time lock %d days is not strictly greater than the previous heir's", h.TimeLockDays),
			}
		}
	}
	return &HeritageConfig{
		heritages:       heritages,
		referenceTime:   referenceTime,
		minimumLockTime: minimumLockTime,
	}, nil
}

// ReferenceTime returns the policy base timestamp in Unix seconds.
func (c *HeritageConfig) ReferenceTime() uint64 {
	return c.referenceTime
}

// MinimumLockTime returns the relative lock in days.
func (c *HeritageConfig) MinimumLockTime() uint16 {
	return c.minimumLockTime
}

// Heritages returns the policy entries in maturity order.
func (c *HeritageConfig) Heritages() []Heritage {
	out := make([]Heritage, len(c.heritages))
	copy(out, c.heritages)
	return out
}

// IterHeirConfigs returns the heir configs in maturity order.
func (c *HeritageConfig) IterHeirConfigs() []*keys.HeirConfig {
	out := make([]*keys.HeirConfig, len(c.heritages))
	for i, h := range c.heritages {
		out[i] = h.HeirConfig
	}
	return out
}

// RelativeBlockLock returns the BIP-68 block count enforced on every heir
// branch. The count saturates at the 16-bit nSequence limit.
func (c *HeritageConfig) RelativeBlockLock() uint16 {
	blocks := uint32(c.minimumLockTime) * blocksPerDay
	if blocks > 0xFFFF {
		blocks = 0xFFFF
	}
	return uint16(blocks)
}

// absoluteTimestamp returns the BIP-65 locktime for the heir at index i.
func (c *HeritageConfig) absoluteTimestamp(i int) uint64 {
	return c.referenceTime + uint64(c.heritages[i].TimeLockDays)*secondsPerDay
}

// Hash returns a stable identifier for the policy, order-independent over the
// heir set.
func (c *HeritageConfig) Hash() string {
	entries := make([]string, 0, len(c.heritages))
	for _, h := range c.heritages {
		entries = append(entries, fmt.Sprintf("%s:%s:%d", h.HeirConfig.Type, h.HeirConfig.Value, h.TimeLockDays))
	}
	sort.Strings(entries)
	sum := sha256.New()
	fmt.Fprintf(sum, "v1|%d|%d|", c.referenceTime, c.minimumLockTime)
	for _, e := range entries {
		sum.Write([]byte(e))
		sum.Write([]byte{0})
	}
	return hex.EncodeToString(sum.Sum(nil))
}

// Equal reports policy equality, order-independent over the heir set.
func (c *HeritageConfig) Equal(other *HeritageConfig) bool {
	return other != nil && c.Hash() == other.Hash()
}

type configJSONv1 struct {
	Version         string     `json:"version"`
	Heritages       []Heritage `json:"heritages"`
	ReferenceTime   uint64     `json:"reference_time"`
	MinimumLockTime uint16     `json:"minimum_lock_time"`
}

func (c *HeritageConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(configJSONv1{
		Version:         "v1",
		Heritages:       c.heritages,
		ReferenceTime:   c.referenceTime,
		MinimumLockTime: c.minimumLockTime,
	})
}

// UnmarshalJSON dispatches on the version tag of the envelope. Only "v1" is
// currently defined; future versions fail with InvalidVersionError so callers
// can surface an upgrade requirement instead of misreading the policy.
func (c *HeritageConfig) UnmarshalJSON(data []byte) error {
	var probe struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Version != "v1" {
		return &InvalidVersionError{Version: probe.Version}
	}
	var raw configJSONv1
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.MinimumLockTime == 0 {
		return &InvalidConfigError{Reason: "minimum lock time cannot be 0 days"}
	}
	c.heritages = raw.Heritages
	c.referenceTime = raw.ReferenceTime
	c.minimumLockTime = raw.MinimumLockTime
	return nil
}
