package rank

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"incentives/native/zone"
)

// Rank is the per-zone standing of a participant. Zero means unranked.
type Rank uint8

const (
	// Unranked is the default rank for every participant and zone.
	Unranked Rank = 0
	// MaxRank is the highest attainable rank.
	MaxRank Rank = 6
	// FirstStructuralRank is the lowest rank gated by recruit structure rather
	// than volume alone.
	FirstStructuralRank Rank = 3
)

var (
	// unit scales whole-token thresholds to 18 decimal base units.
	unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	ErrInvalidConfig = errors.New("rank: invalid configuration")
)

// Requirement gates a structural rank: at least MinQualified recruits must
// already hold MinRank or better in the same zone.
type Requirement struct {
	MinQualified int
	MinRank      Rank
}

// Predicate is a deployer supplied structural condition for a rank. It sees
// the ranks currently held by the participant's recruits in the zone.
// Predicates run while the engine holds its lock and must not call back into
// the engine.
type Predicate func(participant common.Address, z zone.Zone, recruitRanks []Rank) bool

// Config parametrises rank derivation.
type Config struct {
	Rank1Threshold *big.Int
	Rank2Threshold *big.Int
	// Requirements holds the structural gate for ranks 3 and above. A rank with
	// neither a requirement nor a predicate is unreachable.
	Requirements map[Rank]Requirement
	// Predicates optionally add custom conditions. When both a requirement and
	// a predicate exist for a rank, both must hold.
	Predicates map[Rank]Predicate
}

// Tokens converts a whole-token amount into 18 decimal base units.
func Tokens(amount int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(amount), unit)
}

// DefaultConfig returns the stock thresholds. Ranks 5 and 6 ship without a
// structural rule; deployments enable them by adding requirements.
func DefaultConfig() Config {
	return Config{
		Rank1Threshold: Tokens(1_000),
		Rank2Threshold: Tokens(10_000),
		Requirements: map[Rank]Requirement{
			3: {MinQualified: 2, MinRank: 2},
			4: {MinQualified: 3, MinRank: 3},
		},
		Predicates: map[Rank]Predicate{},
	}
}

// Validate ensures the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Rank1Threshold == nil || c.Rank1Threshold.Sign() <= 0 {
		return fmt.Errorf("%w: rank 1 threshold must be positive", ErrInvalidConfig)
	}
	if c.Rank2Threshold == nil || c.Rank2Threshold.Cmp(c.Rank1Threshold) < 0 {
		return fmt.Errorf("%w: rank 2 threshold must not be below rank 1", ErrInvalidConfig)
	}
	for r, req := range c.Requirements {
		if r < FirstStructuralRank || r > MaxRank {
			return fmt.Errorf("%w: requirement for rank %d out of range", ErrInvalidConfig, r)
		}
		if req.MinQualified <= 0 {
			return fmt.Errorf("%w: rank %d requires a positive recruit count", ErrInvalidConfig, r)
		}
		if req.MinRank == Unranked || req.MinRank >= r {
			return fmt.Errorf("%w: rank %d must depend on a lower non-zero rank", ErrInvalidConfig, r)
		}
	}
	for r := range c.Predicates {
		if r < FirstStructuralRank || r > MaxRank {
			return fmt.Errorf("%w: predicate for rank %d out of range", ErrInvalidConfig, r)
		}
	}
	return nil
}

// Clone creates a deep copy of the configuration.
func (c Config) Clone() Config {
	clone := Config{
		Rank1Threshold: copyBig(c.Rank1Threshold),
		Rank2Threshold: copyBig(c.Rank2Threshold),
		Requirements:   make(map[Rank]Requirement, len(c.Requirements)),
		Predicates:     make(map[Rank]Predicate, len(c.Predicates)),
	}
	for r, req := range c.Requirements {
		clone.Requirements[r] = req
	}
	for r, p := range c.Predicates {
		clone.Predicates[r] = p
	}
	return clone
}

// qualifies reports whether the structural gate for rank r holds. Ranks
// without any configured gate are never reached.
func (c Config) qualifies(r Rank, participant common.Address, z zone.Zone, recruitRanks []Rank) bool {
	req, hasReq := c.Requirements[r]
	pred, hasPred := c.Predicates[r]
	if !hasReq && (!hasPred || pred == nil) {
		return false
	}
	if hasReq && countAtLeast(recruitRanks, req.MinRank) < req.MinQualified {
		return false
	}
	if hasPred && pred != nil && !pred(participant, z, recruitRanks) {
		return false
	}
	return true
}

func countAtLeast(ranks []Rank, min Rank) int {
	count := 0
	for _, r := range ranks {
		if r >= min {
			count++
		}
	}
	return count
}

func copyBig(value *big.Int) *big.Int {
	if value == nil {
		return nil
	}
	return new(big.Int).Set(value)
}
