package rewards

import "math/big"

// SharingReward pays the sum of the tier's components. Tiers below
// MinSharingTier and tiers without a table entry earn nothing.
func SharingReward(table Tables, tier uint8, amount *big.Int) *big.Int {
	if tier < MinSharingTier {
		return big.NewInt(0)
	}
	shares, ok := table.Tier[tier]
	if !ok {
		return big.NewInt(0)
	}
	return applyBps(amount, shares.Total())
}
