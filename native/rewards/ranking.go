package rewards

import "math/big"

// RankingReward pays the rank table weight for ranks 1 through MaxRankIndex.
// The rank is supplied by the caller so the calculation stays pure.
func RankingReward(table Tables, rank uint8, amount *big.Int) *big.Int {
	if rank < 1 || rank > MaxRankIndex {
		return big.NewInt(0)
	}
	return applyBps(amount, table.Rank[rank])
}
