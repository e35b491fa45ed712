package rewards

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LevelSource exposes the upline chain and the level attribute of each
// ancestor.
type LevelSource interface {
	UplineChain(participant common.Address) []common.Address
	Level(participant common.Address) uint32
}

// LevelShare attributes part of the level reward to one ancestor.
type LevelShare struct {
	Ancestor common.Address
	Level    uint32
	Bps      uint32
	Amount   *big.Int
}

// LevelCalculator computes fixed-depth override rewards along the upline.
type LevelCalculator struct {
	graph LevelSource
}

// NewLevelCalculator binds the calculator to a graph.
func NewLevelCalculator(graph LevelSource) *LevelCalculator {
	return &LevelCalculator{graph: graph}
}

// Compute walks at most MaxLevelIndex ancestors. Each ancestor is weighted by
// its own level attribute, which is not necessarily its position in the
// chain. Ancestors with a level outside [1, MaxLevelIndex] or a zero weight
// earn nothing.
func (c *LevelCalculator) Compute(table Tables, participant common.Address, amount *big.Int) (*big.Int, []LevelShare) {
	total := big.NewInt(0)
	shares := make([]LevelShare, 0)
	if c == nil || c.graph == nil || amount == nil || amount.Sign() <= 0 {
		return total, shares
	}
	chain := c.graph.UplineChain(participant)
	if len(chain) > MaxLevelIndex {
		chain = chain[:MaxLevelIndex]
	}
	for _, ancestor := range chain {
		level := c.graph.Level(ancestor)
		if level < 1 || level > MaxLevelIndex {
			continue
		}
		bps := table.Level[level]
		if bps == 0 {
			continue
		}
		reward := applyBps(amount, bps)
		total.Add(total, reward)
		shares = append(shares, LevelShare{Ancestor: ancestor, Level: level, Bps: bps, Amount: reward})
	}
	return total, shares
}
