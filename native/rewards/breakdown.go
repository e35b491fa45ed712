package rewards

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Breakdown captures the three independently computed components of a
// contribution's reward.
type Breakdown struct {
	Level         *big.Int
	Sharing       *big.Int
	Ranking       *big.Int
	LevelShares   []LevelShare
	TablesVersion uint64
}

// Total sums the components. Nothing is capped: the tables are independent
// and may add up to more than the contribution amount.
func (b Breakdown) Total() *big.Int {
	total := big.NewInt(0)
	for _, part := range []*big.Int{b.Level, b.Sharing, b.Ranking} {
		if part != nil {
			total.Add(total, part)
		}
	}
	return total
}

// Calculator composes the three reward schemes against one table snapshot.
type Calculator struct {
	level *LevelCalculator
}

// NewCalculator binds the composite calculator to a graph.
func NewCalculator(graph LevelSource) *Calculator {
	return &Calculator{level: NewLevelCalculator(graph)}
}

// Compute evaluates every component for a contribution.
func (c *Calculator) Compute(table Tables, participant common.Address, tier, rank uint8, amount *big.Int) Breakdown {
	level, shares := c.level.Compute(table, participant, amount)
	return Breakdown{
		Level:         level,
		Sharing:       SharingReward(table, tier, amount),
		Ranking:       RankingReward(table, rank, amount),
		LevelShares:   shares,
		TablesVersion: table.Version,
	}
}
