package incentives

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"incentives/native/orchestrator"
	"incentives/native/rank"
	"incentives/native/rewards"
)

type capsKey struct{}

func withCaps(caps ...Capability) context.Context {
	set := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return context.WithValue(context.Background(), capsKey{}, set)
}

func capsAuthorizer(ctx context.Context, capability Capability) bool {
	set, _ := ctx.Value(capsKey{}).(map[Capability]bool)
	return set[capability]
}

type unknownCreditor struct{}

func (unknownCreditor) Credit(context.Context, common.Address, *big.Int, common.Hash) error {
	return orchestrator.ErrCreditOutcomeUnknown
}

func TestAdminWritesRequireCapability(t *testing.T) {
	m, _, _ := newModule(t, DefaultParams())
	admin := NewAdmin(m, capsAuthorizer)
	ctx := withCaps()

	require.ErrorIs(t, admin.SetLevelWeight(ctx, 1, 100), ErrUnauthorized)
	require.ErrorIs(t, admin.SetTierComponent(ctx, 4, "level1", 100), ErrUnauthorized)
	require.ErrorIs(t, admin.SetRankWeight(ctx, 1, 100), ErrUnauthorized)
	require.ErrorIs(t, admin.SetRankConfig(ctx, rank.DefaultConfig()), ErrUnauthorized)
	require.ErrorIs(t, admin.SetParticipantLevel(ctx, addr(1), 3), ErrUnauthorized)
	require.ErrorIs(t, admin.SetCreditor(ctx, nil), ErrUnauthorized)
	require.ErrorIs(t, admin.SetTierSource(ctx, nil), ErrUnauthorized)
	_, err := admin.ResolveContribution(ctx, common.Hash{}, true)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Zero(t, m.Tables().Version)

	require.ErrorIs(t, NewAdmin(m, nil).SetLevelWeight(withCaps(CapabilityManageTables), 1, 1), ErrUnauthorized)
}

func TestAdminUpdatesTablesAndLevels(t *testing.T) {
	m, _, _ := newModule(t, DefaultParams())
	admin := NewAdmin(m, capsAuthorizer)
	ctx := withCaps(CapabilityManageTables, CapabilityManageParticipants)

	require.NoError(t, admin.SetLevelWeight(ctx, 3, 700))
	require.NoError(t, admin.SetTierComponent(ctx, 4, "Level2", 250))
	require.NoError(t, admin.SetRankWeight(ctx, 6, 900))
	require.ErrorIs(t, admin.SetTierComponent(ctx, 4, "level9", 1), rewards.ErrInvalidComponent)
	require.ErrorIs(t, admin.SetLevelWeight(ctx, 1, 20_000), rewards.ErrBpsTooHigh)

	tables := m.Tables()
	require.Equal(t, uint64(3), tables.Version)
	require.Equal(t, uint32(700), tables.Level[3])
	require.Equal(t, uint32(250), tables.Tier[4][1])
	require.Equal(t, uint32(900), tables.Rank[6])

	require.NoError(t, m.LinkReferral(addr(1), addr(2)))
	require.NoError(t, admin.SetParticipantLevel(ctx, addr(1), 3))
	summary := admin.Summary(addr(2), "Left")
	require.Equal(t, []common.Address{addr(1)}, summary.UplineChain)
	require.Equal(t, uint32(2), summary.Depth)
	require.Equal(t, addr(1), summary.Referrer)
	require.Equal(t, uint32(3), admin.Summary(addr(1), "Left").Level)
}

func TestAdminResolvesUnknownCredit(t *testing.T) {
	params := DefaultParams()
	params.Tables.Tier[4] = rewards.TierShares{1000, 0, 0}
	m, creditor, _ := newModule(t, params)
	admin := NewAdmin(m, capsAuthorizer)

	require.NoError(t, admin.SetCreditor(withCaps(CapabilityManageIntegrations), unknownCreditor{}))
	c := orchestrator.Contribution{Participant: addr(7), Amount: big.NewInt(1000), Zone: "Left"}
	_, err := m.ProcessContribution(context.Background(), c)
	require.ErrorIs(t, err, orchestrator.ErrCreditUnresolved)

	status, err := admin.Status()
	require.NoError(t, err)
	require.Len(t, status.Unresolved, 1)

	res, err := admin.ResolveContribution(withCaps(CapabilityResolveCredits), c.ID(), true)
	require.NoError(t, err)
	require.Equal(t, int64(100), res.Credited.Int64())
	require.Zero(t, creditor.calls)
}
