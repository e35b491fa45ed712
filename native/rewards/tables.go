package rewards

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
)

const (
	// BpsDenominator defines the scaling factor used for basis point math.
	BpsDenominator = 10_000
	// MaxLevelIndex is the deepest level paid by the level table.
	MaxLevelIndex = 20
	// MaxRankIndex is the highest rank paid by the rank table.
	MaxRankIndex = 6
	// MinSharingTier is the lowest tier that qualifies for sharing rewards.
	MinSharingTier uint8 = 2
	// MaxSharingTier is the highest tier accepted by the tier table.
	MaxSharingTier uint8 = 4
	// TierComponents is the number of named shares composing a tier weight.
	TierComponents = 3
)

var componentNames = [TierComponents]string{"level1", "level2", "level3"}

// TierShares holds the three named sub-components of a tier weight.
type TierShares [TierComponents]uint32

// Total sums the components.
func (s TierShares) Total() uint32 {
	var total uint32
	for _, v := range s {
		total += v
	}
	return total
}

// Tables is a versioned snapshot of the three reward tables. Weights are in
// basis points of the contribution amount. The tables are independent: their
// sum may exceed 100% of the base amount.
type Tables struct {
	Version uint64
	Level   [MaxLevelIndex + 1]uint32
	Tier    map[uint8]TierShares
	Rank    [MaxRankIndex + 1]uint32
}

// DefaultTables returns an empty configuration that pays nothing.
func DefaultTables() Tables {
	return Tables{Tier: make(map[uint8]TierShares)}
}

// Validate ensures every weight respects the basis point bound and sits at a
// valid index.
func (t Tables) Validate() error {
	if t.Level[0] != 0 {
		return fmt.Errorf("%w: level table starts at index 1", ErrInvalidIndex)
	}
	if t.Rank[0] != 0 {
		return fmt.Errorf("%w: rank table starts at index 1", ErrInvalidIndex)
	}
	for i, bps := range t.Level {
		if bps > BpsDenominator {
			return fmt.Errorf("%w: level %d", ErrBpsTooHigh, i)
		}
	}
	for i, bps := range t.Rank {
		if bps > BpsDenominator {
			return fmt.Errorf("%w: rank %d", ErrBpsTooHigh, i)
		}
	}
	for tier, shares := range t.Tier {
		if tier < MinSharingTier || tier > MaxSharingTier {
			return fmt.Errorf("%w: tier %d", ErrInvalidIndex, tier)
		}
		for i, bps := range shares {
			if bps > BpsDenominator {
				return fmt.Errorf("%w: tier %d %s", ErrBpsTooHigh, tier, componentNames[i])
			}
		}
	}
	return nil
}

// Clone creates a deep copy of the tables.
func (t Tables) Clone() Tables {
	clone := Tables{
		Version: t.Version,
		Level:   t.Level,
		Rank:    t.Rank,
		Tier:    make(map[uint8]TierShares, len(t.Tier)),
	}
	for tier, shares := range t.Tier {
		clone.Tier[tier] = shares
	}
	return clone
}

// Tiers returns the configured tiers in ascending order.
func (t Tables) Tiers() []uint8 {
	out := make([]uint8, 0, len(t.Tier))
	for tier := range t.Tier {
		out = append(out, tier)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ComponentIndex resolves a tier component name ("level1".."level3") to its
// position.
func ComponentIndex(name string) (int, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range componentNames {
		if candidate == normalized {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidComponent, name)
}

// ComponentName returns the canonical name of a tier component.
func ComponentName(index int) string {
	if index < 0 || index >= TierComponents {
		return ""
	}
	return componentNames[index]
}

func applyBps(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	reward := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	return reward.Quo(reward, big.NewInt(BpsDenominator))
}
