package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"incentives/core/events"
	"incentives/native/rank"
	"incentives/native/referral"
	"incentives/native/rewards"
	"incentives/native/zone"
	"incentives/storage"
)

func addr(n int) common.Address {
	return common.BytesToAddress([]byte{0xcd, byte(n >> 8), byte(n)})
}

type staticTier struct {
	tier uint8
	err  error
}

func (s staticTier) Tier(context.Context, common.Address) (uint8, error) { return s.tier, s.err }

type creditCall struct {
	participant common.Address
	amount      *big.Int
	id          common.Hash
}

type recordingCreditor struct {
	mu    sync.Mutex
	calls []creditCall
	err   error
}

func (c *recordingCreditor) Credit(_ context.Context, participant common.Address, amount *big.Int, id common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, creditCall{participant: participant, amount: new(big.Int).Set(amount), id: id})
	return c.err
}

func (c *recordingCreditor) total() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum := big.NewInt(0)
	for _, call := range c.calls {
		sum.Add(sum, call.amount)
	}
	return sum
}

type fixedRanks map[common.Address]rank.Rank

func (f fixedRanks) Rank(participant common.Address, _ zone.Zone) rank.Rank { return f[participant] }

type fixture struct {
	graph    *referral.Graph
	store    *rewards.Store
	ranks    fixedRanks
	creditor *recordingCreditor
	recorder *events.Recorder
	db       storage.Database
	orch     *Orchestrator
}

func newFixture(t *testing.T, tier uint8) *fixture {
	t.Helper()
	graph := referral.NewGraph()
	require.NoError(t, graph.Link(addr(1), addr(2)))

	table := rewards.DefaultTables()
	table.Level[1] = 1000
	table.Tier[4] = rewards.TierShares{1000, 500, 500}
	table.Rank[2] = 500
	store, err := rewards.NewStore(table)
	require.NoError(t, err)

	f := &fixture{
		graph:    graph,
		store:    store,
		ranks:    fixedRanks{},
		creditor: &recordingCreditor{},
		recorder: &events.Recorder{},
		db:       storage.NewMemDB(),
	}
	f.orch, err = New(graph, f.ranks, store,
		WithTierSource(staticTier{tier: tier}),
		WithCreditor(f.creditor),
		WithEmitter(f.recorder),
		WithDatabase(f.db),
	)
	require.NoError(t, err)
	return f
}

func TestProcessCreditsSumOnce(t *testing.T) {
	f := newFixture(t, 4)
	f.ranks[addr(2)] = 2

	res, err := f.orch.Process(context.Background(), Contribution{Participant: addr(2), Amount: big.NewInt(1000), Zone: "left"})
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.Equal(t, int64(100), res.Breakdown.Level.Int64())
	require.Equal(t, int64(200), res.Breakdown.Sharing.Int64())
	require.Equal(t, int64(50), res.Breakdown.Ranking.Int64())
	require.Equal(t, int64(350), res.Credited.Int64())
	require.Equal(t, StateCompleted, res.State)

	require.Len(t, f.creditor.calls, 1)
	require.Equal(t, int64(350), f.creditor.calls[0].amount.Int64())
	require.Equal(t, res.ContributionID, f.creditor.calls[0].id)

	issued := f.recorder.OfType(events.TypeRewardIssued)
	require.Len(t, issued, 1)
	evt := issued[0].(events.RewardIssued)
	require.Equal(t, int64(350), evt.Total.Int64())
	require.Equal(t, "left", evt.Zone)
	require.Len(t, evt.LevelShares, 1)
	require.Equal(t, addr(1), evt.LevelShares[0].Ancestor)
}

func TestReplayReturnsPriorResultWithoutCredit(t *testing.T) {
	f := newFixture(t, 4)
	c := Contribution{Participant: addr(2), Amount: big.NewInt(1000), Zone: "left", Nonce: 7}

	first, err := f.orch.Process(context.Background(), c)
	require.NoError(t, err)

	require.NoError(t, f.store.SetLevelWeight(1, 9000))
	second, err := f.orch.Process(context.Background(), c)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Credited.String(), second.Credited.String())
	require.Equal(t, first.Breakdown.Level.String(), second.Breakdown.Level.String())
	require.Len(t, f.creditor.calls, 1)
	require.Len(t, f.recorder.OfType(events.TypeRewardIssued), 1)

	c.Nonce = 8
	third, err := f.orch.Process(context.Background(), c)
	require.NoError(t, err)
	require.False(t, third.Replayed)
	require.Len(t, f.creditor.calls, 2)
}

func TestZeroRewardIsRecordedWithoutCredit(t *testing.T) {
	f := newFixture(t, 1)
	// addr(1) is a root with rank 0 and tier 1.
	res, err := f.orch.Process(context.Background(), Contribution{Participant: addr(1), Amount: big.NewInt(1000), Zone: "left"})
	require.NoError(t, err)
	require.Zero(t, res.Credited.Sign())
	require.Empty(t, f.creditor.calls)
	require.Empty(t, f.recorder.Events())

	again, err := f.orch.Process(context.Background(), Contribution{Participant: addr(1), Amount: big.NewInt(1000), Zone: "left"})
	require.NoError(t, err)
	require.True(t, again.Replayed)
}

func TestTierLookupFailureLeavesNoRecord(t *testing.T) {
	f := newFixture(t, 4)
	f.orch.SetTierSource(staticTier{err: errors.New("tier service down")})
	c := Contribution{Participant: addr(2), Amount: big.NewInt(1000), Zone: "left"}

	_, err := f.orch.Process(context.Background(), c)
	require.ErrorIs(t, err, ErrExternalService)
	require.Empty(t, f.creditor.calls)
	_, err = f.orch.Lookup(c.ID())
	require.ErrorIs(t, err, ErrContributionNotFound)

	f.orch.SetTierSource(staticTier{tier: 4})
	res, err := f.orch.Process(context.Background(), c)
	require.NoError(t, err)
	require.False(t, res.Replayed)
}

func TestDefiniteCreditFailureAllowsRetry(t *testing.T) {
	f := newFixture(t, 4)
	f.creditor.err = errors.New("insufficient treasury")
	c := Contribution{Participant: addr(2), Amount: big.NewInt(1000), Zone: "left"}

	_, err := f.orch.Process(context.Background(), c)
	require.ErrorIs(t, err, ErrExternalService)
	require.Empty(t, f.recorder.Events())

	f.creditor.err = nil
	res, err := f.orch.Process(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, int64(300), res.Credited.Int64())
	require.Len(t, f.creditor.calls, 2)
}

func TestUnknownCreditOutcomeNeedsResolution(t *testing.T) {
	f := newFixture(t, 4)
	f.creditor.err = ErrCreditOutcomeUnknown
	c := Contribution{Participant: addr(2), Amount: big.NewInt(1000), Zone: "left"}

	_, err := f.orch.Process(context.Background(), c)
	require.ErrorIs(t, err, ErrCreditUnresolved)

	f.creditor.err = nil
	_, err = f.orch.Process(context.Background(), c)
	require.ErrorIs(t, err, ErrCreditUnresolved)
	require.Len(t, f.creditor.calls, 1)

	status, err := f.orch.Status()
	require.NoError(t, err)
	require.Equal(t, []string{c.ID().Hex()}, status.Unresolved)

	res, err := f.orch.Resolve(c.ID(), true)
	require.NoError(t, err)
	require.Equal(t, int64(300), res.Credited.Int64())
	require.Len(t, f.recorder.OfType(events.TypeRewardIssued), 1)
	require.Len(t, f.recorder.OfType(events.TypeContributionResolved), 1)

	replay, err := f.orch.Process(context.Background(), c)
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Len(t, f.creditor.calls, 1)

	_, err = f.orch.Resolve(c.ID(), true)
	require.ErrorIs(t, err, ErrNotUnresolved)
	_, err = f.orch.Resolve(common.Hash{0x01}, true)
	require.ErrorIs(t, err, ErrContributionNotFound)
}

func TestResolveAsNotCreditedAllowsRetry(t *testing.T) {
	f := newFixture(t, 4)
	f.creditor.err = context.DeadlineExceeded
	c := Contribution{Participant: addr(2), Amount: big.NewInt(1000), Zone: "left"}

	_, err := f.orch.Process(context.Background(), c)
	require.ErrorIs(t, err, ErrCreditUnresolved)

	res, err := f.orch.Resolve(c.ID(), false)
	require.NoError(t, err)
	require.Nil(t, res)
	require.Empty(t, f.recorder.OfType(events.TypeRewardIssued))

	f.creditor.err = nil
	_, err = f.orch.Process(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, f.creditor.calls, 2)
}

func TestInFlightRecordsBecomeUnresolvedOnRestart(t *testing.T) {
	f := newFixture(t, 4)
	c := Contribution{Participant: addr(2), Amount: big.NewInt(1000), Zone: "left"}
	reg := &registry{db: f.db}
	require.NoError(t, reg.put(c.ID(), newRecord(c, StateInFlight, 4, 0, rewards.Breakdown{}, f.orch.now())))

	_, err := f.orch.Process(context.Background(), c)
	require.ErrorIs(t, err, ErrContributionInFlight)

	restarted, err := New(f.graph, f.ranks, f.store,
		WithTierSource(staticTier{tier: 4}),
		WithCreditor(f.creditor),
		WithDatabase(f.db),
	)
	require.NoError(t, err)
	_, err = restarted.Process(context.Background(), c)
	require.ErrorIs(t, err, ErrCreditUnresolved)
	require.Empty(t, f.creditor.calls)
}

func TestRegistryPersistsAcrossLevelDBReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewLevelDB(dir)
	require.NoError(t, err)

	f := newFixture(t, 4)
	orch, err := New(f.graph, f.ranks, f.store,
		WithTierSource(staticTier{tier: 4}),
		WithCreditor(f.creditor),
		WithDatabase(db),
	)
	require.NoError(t, err)
	c := Contribution{Participant: addr(2), Amount: big.NewInt(1000), Zone: "left"}
	first, err := orch.Process(context.Background(), c)
	require.NoError(t, err)
	db.Close()

	db, err = storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db.Close()
	reopened, err := New(f.graph, f.ranks, f.store,
		WithTierSource(staticTier{tier: 4}),
		WithCreditor(f.creditor),
		WithDatabase(db),
	)
	require.NoError(t, err)
	replay, err := reopened.Process(context.Background(), c)
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, first.Credited.String(), replay.Credited.String())
	require.Len(t, replay.Breakdown.LevelShares, 1)
	require.Len(t, f.creditor.calls, 1)
}

func TestConcurrentDuplicatesCreditOnce(t *testing.T) {
	f := newFixture(t, 4)
	c := Contribution{Participant: addr(2), Amount: big.NewInt(1000), Zone: "left"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.orch.Process(context.Background(), c)
		}()
	}
	wg.Wait()
	require.Len(t, f.creditor.calls, 1)
	require.Equal(t, int64(300), f.creditor.total().Int64())
}

func TestSumOfCreditsMatchesIssuedEvents(t *testing.T) {
	f := newFixture(t, 4)
	f.ranks[addr(2)] = 2
	issued := big.NewInt(0)
	for nonce := uint64(0); nonce < 10; nonce++ {
		amount := big.NewInt(int64(1000 + nonce*37))
		_, err := f.orch.Process(context.Background(), Contribution{Participant: addr(2), Amount: amount, Zone: "left", Nonce: nonce})
		require.NoError(t, err)
	}
	for _, evt := range f.recorder.OfType(events.TypeRewardIssued) {
		issued.Add(issued, evt.(events.RewardIssued).Total)
	}
	require.Equal(t, f.creditor.total().String(), issued.String())
}

func TestProcessRejectsInvalidContributions(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	_, err := f.orch.Process(ctx, Contribution{Amount: big.NewInt(1), Zone: "left"})
	require.ErrorIs(t, err, zone.ErrInvalidParticipant)
	_, err = f.orch.Process(ctx, Contribution{Participant: addr(2), Amount: big.NewInt(0), Zone: "left"})
	require.ErrorIs(t, err, zone.ErrInvalidAmount)
	_, err = f.orch.Process(ctx, Contribution{Participant: addr(2), Amount: big.NewInt(1), Zone: " "})
	require.ErrorIs(t, err, zone.ErrInvalidZone)
	require.Empty(t, f.creditor.calls)
}

func TestMissingCollaborators(t *testing.T) {
	graph := referral.NewGraph()
	store, err := rewards.NewStore(rewards.DefaultTables())
	require.NoError(t, err)
	_, err = New(graph, nil, store)
	require.ErrorIs(t, err, ErrNotConfigured)

	orch, err := New(graph, fixedRanks{}, store)
	require.NoError(t, err)
	_, err = orch.Process(context.Background(), Contribution{Participant: addr(2), Amount: big.NewInt(1), Zone: "left"})
	require.ErrorIs(t, err, ErrExternalService)
}

func TestContributionIDDistinguishesFields(t *testing.T) {
	base := Contribution{Participant: addr(2), Amount: big.NewInt(1000), Zone: "left", Nonce: 1}
	same := Contribution{Participant: addr(2), Amount: big.NewInt(1000), Zone: "left", Nonce: 1}
	require.Equal(t, base.ID(), same.ID())

	variants := []Contribution{
		{Participant: addr(3), Amount: big.NewInt(1000), Zone: "left", Nonce: 1},
		{Participant: addr(2), Amount: big.NewInt(1001), Zone: "left", Nonce: 1},
		{Participant: addr(2), Amount: big.NewInt(1000), Zone: "right", Nonce: 1},
		{Participant: addr(2), Amount: big.NewInt(1000), Zone: "left", Nonce: 2},
	}
	for _, v := range variants {
		require.NotEqual(t, base.ID(), v.ID())
	}
}

func TestCanceledCreditIsUnresolved(t *testing.T) {
	f := newFixture(t, 4)
	f.creditor.err = context.Canceled
	c := Contribution{Participant: addr(2), Amount: big.NewInt(1000), Zone: "left", Nonce: 3}

	_, err := f.orch.Process(context.Background(), c)
	require.ErrorIs(t, err, ErrCreditUnresolved)

	f.creditor.err = nil
	_, err = f.orch.Process(context.Background(), c)
	require.ErrorIs(t, err, ErrCreditUnresolved)
	require.Len(t, f.creditor.calls, 1)
}

// flakyDB fails writes while failPuts is set.
type flakyDB struct {
	*storage.MemDB
	mu       sync.Mutex
	failPuts bool
}

func (d *flakyDB) setFailing(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failPuts = v
}

func (d *flakyDB) Put(key, value []byte) error {
	d.mu.Lock()
	failing := d.failPuts
	d.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return d.MemDB.Put(key, value)
}

type creditFunc func() error

func (f creditFunc) Credit(context.Context, common.Address, *big.Int, common.Hash) error { return f() }

func TestCompletedRecordHeldWhenWriteFails(t *testing.T) {
	graph := referral.NewGraph()
	require.NoError(t, graph.Link(addr(1), addr(2)))
	table := rewards.DefaultTables()
	table.Level[1] = 1000
	store, err := rewards.NewStore(table)
	require.NoError(t, err)

	db := &flakyDB{MemDB: storage.NewMemDB()}
	credits := 0
	orch, err := New(graph, fixedRanks{}, store,
		WithTierSource(staticTier{}),
		WithCreditor(creditFunc(func() error {
			credits++
			db.setFailing(true)
			return nil
		})),
		WithDatabase(db),
	)
	require.NoError(t, err)

	c := Contribution{Participant: addr(2), Amount: big.NewInt(1000), Zone: "left"}
	res, err := orch.Process(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)

	replay, err := orch.Process(context.Background(), c)
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, "100", replay.Credited.String())
	require.Equal(t, 1, credits)

	status, err := orch.Status()
	require.NoError(t, err)
	require.Equal(t, 1, status.Completed)
	require.Zero(t, status.InFlight)

	db.setFailing(false)
	restarted, err := New(graph, fixedRanks{}, store,
		WithTierSource(staticTier{}),
		WithCreditor(creditFunc(func() error { credits++; return nil })),
		WithDatabase(db),
	)
	require.NoError(t, err)
	_, err = restarted.Process(context.Background(), c)
	require.ErrorIs(t, err, ErrCreditUnresolved)
	require.Equal(t, 1, credits)
}
