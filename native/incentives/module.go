package incentives

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"incentives/core/events"
	"incentives/native/orchestrator"
	"incentives/native/rank"
	"incentives/native/referral"
	"incentives/native/rewards"
	"incentives/native/zone"
	"incentives/storage"
)

// Metrics observes rank promotions and accepted volume records.
type Metrics interface {
	rank.Metrics
	RecordVolume(zone string)
}

// Module wires the referral graph, zone ledger, rank engine, reward tables
// and orchestrator into one engine.
type Module struct {
	graph   *referral.Graph
	ledger  *zone.Ledger
	ranks   *rank.Engine
	tables  *rewards.Store
	orch    *orchestrator.Orchestrator
	logger  *slog.Logger
	metrics Metrics
}

type moduleConfig struct {
	params        Params
	rootDepth     uint32
	db            storage.Database
	emitter       events.Emitter
	logger        *slog.Logger
	metrics       Metrics
	rewardMetrics *orchestrator.Metrics
	tier          orchestrator.TierSource
	creditor      orchestrator.Creditor
}

// Option customises the module.
type Option func(*moduleConfig)

// WithParams installs reward tables, rank thresholds and the zone set.
func WithParams(params Params) Option {
	return func(c *moduleConfig) { c.params = params }
}

// WithRootDepth sets the depth assigned to participants without a referrer.
func WithRootDepth(depth uint32) Option {
	return func(c *moduleConfig) { c.rootDepth = depth }
}

// WithDatabase persists the contribution registry.
func WithDatabase(db storage.Database) Option {
	return func(c *moduleConfig) { c.db = db }
}

// WithEmitter receives every engine event.
func WithEmitter(emitter events.Emitter) Option {
	return func(c *moduleConfig) { c.emitter = emitter }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *moduleConfig) { c.logger = logger }
}

// WithMetrics installs the rank and volume observer.
func WithMetrics(m Metrics) Option {
	return func(c *moduleConfig) { c.metrics = m }
}

// WithRewardMetrics overrides the orchestrator metrics registry.
func WithRewardMetrics(m *orchestrator.Metrics) Option {
	return func(c *moduleConfig) { c.rewardMetrics = m }
}

// WithTierSource supplies the external tier lookup.
func WithTierSource(src orchestrator.TierSource) Option {
	return func(c *moduleConfig) { c.tier = src }
}

// WithCreditor supplies the external credit service.
func WithCreditor(creditor orchestrator.Creditor) Option {
	return func(c *moduleConfig) { c.creditor = creditor }
}

// New assembles the engine.
func New(opts ...Option) (*Module, error) {
	cfg := moduleConfig{
		params:    DefaultParams(),
		rootDepth: referral.DefaultRootDepth,
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.emitter == nil {
		cfg.emitter = events.NoopEmitter{}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	graph := referral.NewGraph(
		referral.WithRootDepth(cfg.rootDepth),
		referral.WithEmitter(cfg.emitter),
	)
	var registry zone.Registry
	if len(cfg.params.Zones) > 0 {
		registry = zone.NewStaticRegistry(cfg.params.Zones...)
	}
	ledger := zone.NewLedger(graph,
		zone.WithRegistry(registry),
		zone.WithEmitter(cfg.emitter),
		zone.WithLogger(cfg.logger),
	)
	rankOpts := []rank.Option{
		rank.WithConfig(cfg.params.Rank),
		rank.WithEmitter(cfg.emitter),
		rank.WithLogger(cfg.logger),
	}
	if cfg.metrics != nil {
		rankOpts = append(rankOpts, rank.WithMetrics(cfg.metrics))
	}
	ranks, err := rank.NewEngine(graph, ledger, rankOpts...)
	if err != nil {
		return nil, fmt.Errorf("incentives: rank engine: %w", err)
	}
	ledger.AttachEvaluator(ranks)

	tables, err := rewards.NewStore(cfg.params.Tables, rewards.WithStoreEmitter(cfg.emitter))
	if err != nil {
		return nil, fmt.Errorf("incentives: reward tables: %w", err)
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithZoneRegistry(registry),
		orchestrator.WithEmitter(cfg.emitter),
		orchestrator.WithLogger(cfg.logger),
		orchestrator.WithTierSource(cfg.tier),
		orchestrator.WithCreditor(cfg.creditor),
	}
	if cfg.db != nil {
		orchOpts = append(orchOpts, orchestrator.WithDatabase(cfg.db))
	}
	if cfg.rewardMetrics != nil {
		orchOpts = append(orchOpts, orchestrator.WithMetrics(cfg.rewardMetrics))
	}
	orch, err := orchestrator.New(graph, ranks, tables, orchOpts...)
	if err != nil {
		return nil, fmt.Errorf("incentives: orchestrator: %w", err)
	}

	return &Module{
		graph:   graph,
		ledger:  ledger,
		ranks:   ranks,
		tables:  tables,
		orch:    orch,
		logger:  cfg.logger,
		metrics: cfg.metrics,
	}, nil
}

// Register records a participant without a referrer.
func (m *Module) Register(participant common.Address) error {
	return m.graph.Register(participant)
}

// LinkReferral attaches referee below referrer. The new recruit joins the
// referrer's structural set, so the referrer's rank is re-derived in every
// zone it holds volume in and promotions cascade up its chain.
func (m *Module) LinkReferral(referrer, referee common.Address) error {
	if err := m.graph.Link(referrer, referee); err != nil {
		return err
	}
	for _, z := range m.ledger.Zones(referrer) {
		if changes := m.ranks.Cascade(z, referrer); len(changes) > 0 {
			m.logger.Debug("referral link promoted upline",
				slog.String("referrer", referrer.Hex()),
				slog.String("zone", string(z)),
				slog.Int("promotions", len(changes)))
		}
	}
	return nil
}

// RecordVolume credits personal and team volume and re-evaluates ranks along
// the upline.
func (m *Module) RecordVolume(participant common.Address, amount *big.Int, z zone.Zone) error {
	if err := m.ledger.RecordVolume(participant, amount, z); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.RecordVolume(string(z))
	}
	return nil
}

// ProcessContribution computes and credits the reward for a contribution.
func (m *Module) ProcessContribution(ctx context.Context, c orchestrator.Contribution) (*orchestrator.Result, error) {
	return m.orch.Process(ctx, c)
}

// Participant returns the graph view of a participant.
func (m *Module) Participant(participant common.Address) (referral.Participant, bool) {
	return m.graph.Participant(participant)
}

// UplineChain returns the nearest-first ancestors of a participant.
func (m *Module) UplineChain(participant common.Address) []common.Address {
	return m.graph.UplineChain(participant)
}

// PersonalVolume reads the participant's own volume in a zone.
func (m *Module) PersonalVolume(participant common.Address, z zone.Zone) *big.Int {
	return m.ledger.PersonalVolume(participant, z)
}

// TeamVolume reads the downline volume credited to a participant.
func (m *Module) TeamVolume(participant common.Address, z zone.Zone) *big.Int {
	return m.ledger.TeamVolume(participant, z)
}

// Zones lists the zones a participant holds volume in.
func (m *Module) Zones(participant common.Address) []zone.Zone {
	return m.ledger.Zones(participant)
}

// Rank reads the stored rank.
func (m *Module) Rank(participant common.Address, z zone.Zone) rank.Rank {
	return m.ranks.Rank(participant, z)
}

// Tables returns a snapshot of the active reward tables.
func (m *Module) Tables() rewards.Tables {
	return m.tables.Snapshot()
}

// Lookup returns the registry record of a contribution.
func (m *Module) Lookup(id common.Hash) (*orchestrator.Result, error) {
	return m.orch.Lookup(id)
}
