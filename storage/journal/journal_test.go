package journal

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"incentives/core/events"
)

func setupJournal(t *testing.T) *Journal {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	j, err := Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func issued(id byte, participant, ancestor common.Address, total int64) events.RewardIssued {
	return events.RewardIssued{
		ContributionID: common.Hash{id},
		Participant:    participant,
		Amount:         big.NewInt(1000),
		Zone:           "left",
		Tier:           4,
		Rank:           2,
		Level:          big.NewInt(100),
		Sharing:        big.NewInt(200),
		Ranking:        big.NewInt(total - 300),
		Total:          big.NewInt(total),
		LevelShares: []events.LevelShare{
			{Ancestor: ancestor, Level: 1, Bps: 1000, Amount: big.NewInt(100)},
		},
		TablesVersion: 3,
	}
}

func TestRecordAndList(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()
	participant := common.HexToAddress("0x1111")
	ancestor := common.HexToAddress("0x2222")

	require.NoError(t, j.Record(ctx, issued(1, participant, ancestor, 350)))
	require.NoError(t, j.Record(ctx, issued(2, participant, ancestor, 400)))

	rewards, err := j.ListByParticipant(ctx, participant, 0)
	require.NoError(t, err)
	require.Len(t, rewards, 2)
	for _, r := range rewards {
		require.Len(t, r.Shares, 1)
		require.Equal(t, ancestor.Hex(), r.Shares[0].Ancestor)
	}

	got, err := j.Get(ctx, common.Hash{2})
	require.NoError(t, err)
	require.Equal(t, "400", got.Total)
	require.Equal(t, uint64(3), got.TablesVersion)

	earned, err := j.LevelEarnings(ctx, ancestor)
	require.NoError(t, err)
	require.Equal(t, int64(200), earned.Int64())
}

func TestRecordIsIdempotent(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()
	participant := common.HexToAddress("0x1111")
	ancestor := common.HexToAddress("0x2222")

	evt := issued(9, participant, ancestor, 350)
	require.NoError(t, j.Record(ctx, evt))
	require.NoError(t, j.Record(ctx, evt))

	rewards, err := j.ListByParticipant(ctx, participant, 10)
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	earned, err := j.LevelEarnings(ctx, ancestor)
	require.NoError(t, err)
	require.Equal(t, int64(100), earned.Int64())
}

func TestEmitterJournalsOnlyRewards(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	j, err := Open("sqlite", dsn, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	defer j.Close()

	participant := common.HexToAddress("0x1111")
	emitter := j.Emitter()
	emitter.Emit(events.RankChanged{Participant: participant, Zone: "left", OldRank: 0, NewRank: 1})
	emitter.Emit(issued(4, participant, common.HexToAddress("0x2222"), 300))

	rewards, err := j.ListByParticipant(context.Background(), participant, 10)
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	require.True(t, rewards[0].CreatedAt.Equal(fixed))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.ErrorIs(t, err, ErrUnsupportedDriver)
}
