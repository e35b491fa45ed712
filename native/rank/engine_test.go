package rank

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"incentives/core/events"
	"incentives/native/referral"
	"incentives/native/zone"
)

const left = zone.Zone("Left")

type fixture struct {
	graph  *referral.Graph
	ledger *zone.Ledger
	engine *Engine
	rec    *events.Recorder
}

func newFixture(t *testing.T, attach bool, opts ...Option) *fixture {
	t.Helper()
	rec := &events.Recorder{}
	graph := referral.NewGraph()
	ledger := zone.NewLedger(graph)
	opts = append([]Option{WithEmitter(rec)}, opts...)
	engine, err := NewEngine(graph, ledger, opts...)
	require.NoError(t, err)
	if attach {
		ledger.AttachEvaluator(engine)
	}
	return &fixture{graph: graph, ledger: ledger, engine: engine, rec: rec}
}

func addr(n int) common.Address {
	return common.BytesToAddress([]byte{0xcd, byte(n >> 8), byte(n)})
}

func TestVolumeAboveRank2ThresholdYieldsRank2(t *testing.T) {
	f := newFixture(t, true)
	a := addr(1)

	require.NoError(t, f.ledger.RecordVolume(a, Tokens(12_000), left))

	require.Equal(t, 0, f.ledger.PersonalVolume(a, left).Cmp(Tokens(12_000)))
	require.Equal(t, Rank(2), f.engine.Rank(a, left))
	changes := f.rec.OfType(events.TypeRankChanged)
	require.Len(t, changes, 1)
	require.Equal(t, uint8(0), changes[0].(events.RankChanged).OldRank)
	require.Equal(t, uint8(2), changes[0].(events.RankChanged).NewRank)
}

func TestThresholdsAreInclusive(t *testing.T) {
	f := newFixture(t, true)
	a, b := addr(1), addr(2)

	require.NoError(t, f.ledger.RecordVolume(a, Tokens(1_000), left))
	require.Equal(t, Rank(1), f.engine.Rank(a, left))

	require.NoError(t, f.ledger.RecordVolume(b, Tokens(10_000), left))
	require.Equal(t, Rank(2), f.engine.Rank(b, left))

	below := new(big.Int).Sub(Tokens(1_000), big.NewInt(1))
	c := addr(3)
	require.NoError(t, f.ledger.RecordVolume(c, below, left))
	require.Equal(t, Unranked, f.engine.Rank(c, left))
}

func TestZeroVolumeWithoutRecruitsIsUnranked(t *testing.T) {
	f := newFixture(t, true)
	r, changed := f.engine.Evaluate(addr(5), left)
	require.Equal(t, Unranked, r)
	require.False(t, changed)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	f := newFixture(t, false)
	a := addr(1)
	require.NoError(t, f.ledger.RecordVolume(a, Tokens(10_000), left))

	first, changed := f.engine.Evaluate(a, left)
	require.True(t, changed)
	second, changed := f.engine.Evaluate(a, left)
	require.False(t, changed)
	require.Equal(t, first, second)
	require.Len(t, f.rec.OfType(events.TypeRankChanged), 1)
}

func TestZonesAreIndependent(t *testing.T) {
	f := newFixture(t, true)
	a := addr(1)
	require.NoError(t, f.ledger.RecordVolume(a, Tokens(10_000), left))
	require.Equal(t, Rank(2), f.engine.Rank(a, left))
	require.Equal(t, Unranked, f.engine.Rank(a, "Right"))
}

func TestCascadePropagatesPromotionToReferrer(t *testing.T) {
	f := newFixture(t, false)
	a, b, c := addr(1), addr(2), addr(3)
	require.NoError(t, f.graph.Link(a, b))
	require.NoError(t, f.graph.Link(a, c))
	for _, p := range []common.Address{a, b, c} {
		require.NoError(t, f.ledger.RecordVolume(p, Tokens(10_000), left))
	}

	// Only a and b are evaluated directly.
	f.engine.Cascade(left, a, b)
	require.Equal(t, Rank(2), f.engine.Rank(a, left))
	require.Equal(t, Rank(2), f.engine.Rank(b, left))

	// Promoting c re-queues a, which now has two rank-2 recruits.
	changes := f.engine.Cascade(left, c)
	require.Len(t, changes, 2)
	require.Equal(t, c, changes[0].Participant)
	require.Equal(t, a, changes[1].Participant)
	require.Equal(t, Rank(2), changes[1].Old)
	require.Equal(t, Rank(3), changes[1].New)
}

func TestStructuralRanksThroughLedger(t *testing.T) {
	f := newFixture(t, true)
	root := addr(1)
	require.NoError(t, f.ledger.RecordVolume(root, Tokens(10_000), left))

	next := 10
	for i := 0; i < 3; i++ {
		mid := addr(next)
		next++
		require.NoError(t, f.graph.Link(root, mid))
		require.NoError(t, f.ledger.RecordVolume(mid, Tokens(10_000), left))
		for j := 0; j < 2; j++ {
			leaf := addr(next)
			next++
			require.NoError(t, f.graph.Link(mid, leaf))
			require.NoError(t, f.ledger.RecordVolume(leaf, Tokens(10_000), left))
		}
		require.Equal(t, Rank(3), f.engine.Rank(mid, left))
	}
	require.Equal(t, Rank(4), f.engine.Rank(root, left))
	require.Equal(t, 0, f.ledger.TeamVolume(root, left).Cmp(Tokens(90_000)))
}

func TestHigherRanksUnreachableWithoutRule(t *testing.T) {
	f := newFixture(t, false)
	a := addr(1)
	require.NoError(t, f.ledger.RecordVolume(a, Tokens(10_000), left))
	for i := 0; i < 4; i++ {
		recruit := addr(10 + i)
		require.NoError(t, f.graph.Link(a, recruit))
		f.engine.mu.Lock()
		f.engine.ranks[rankKey{participant: recruit, zone: left}] = MaxRank
		f.engine.mu.Unlock()
	}
	r, _ := f.engine.Evaluate(a, left)
	require.Equal(t, Rank(4), r)
}

func TestConfiguredRequirementUnlocksRank5(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Requirements[5] = Requirement{MinQualified: 1, MinRank: 4}
	cfg.Predicates[6] = func(common.Address, zone.Zone, []Rank) bool { return false }
	f := newFixture(t, false, WithConfig(cfg))
	a := addr(1)
	require.NoError(t, f.ledger.RecordVolume(a, Tokens(10_000), left))
	for i := 0; i < 3; i++ {
		recruit := addr(10 + i)
		require.NoError(t, f.graph.Link(a, recruit))
		f.engine.mu.Lock()
		f.engine.ranks[rankKey{participant: recruit, zone: left}] = 4
		f.engine.mu.Unlock()
	}
	r, _ := f.engine.Evaluate(a, left)
	require.Equal(t, Rank(5), r)
}

func TestRanksAreNotDemotedByConfigChange(t *testing.T) {
	f := newFixture(t, true)
	a := addr(1)
	require.NoError(t, f.ledger.RecordVolume(a, Tokens(10_000), left))
	require.Equal(t, Rank(2), f.engine.Rank(a, left))

	cfg := DefaultConfig()
	cfg.Rank1Threshold = Tokens(50_000)
	cfg.Rank2Threshold = Tokens(100_000)
	require.NoError(t, f.engine.SetConfig(cfg))

	r, changed := f.engine.Evaluate(a, left)
	require.False(t, changed)
	require.Equal(t, Rank(2), r)
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rank2Threshold = Tokens(10)
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Requirements[2] = Requirement{MinQualified: 1, MinRank: 1}
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Requirements[5] = Requirement{MinQualified: 1, MinRank: 5}
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Rank1Threshold = nil
	_, err := NewEngine(nil, nil, WithConfig(cfg))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

type promotionCounter struct{ count int }

func (p *promotionCounter) RecordPromotion(string, uint8, uint8) { p.count++ }

func TestPromotionsReachMetrics(t *testing.T) {
	counter := &promotionCounter{}
	f := newFixture(t, true, WithMetrics(counter))
	require.NoError(t, f.ledger.RecordVolume(addr(1), Tokens(10_000), left))
	require.Equal(t, 1, counter.count)
}
