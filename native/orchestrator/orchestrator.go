package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"incentives/core/events"
	"incentives/native/rank"
	"incentives/native/rewards"
	"incentives/native/zone"
	"incentives/observability"
	"incentives/storage"
)

// TierSource reports the external membership tier of a participant.
type TierSource interface {
	Tier(ctx context.Context, participant common.Address) (uint8, error)
}

// Creditor applies a reward to a participant's balance. Implementations
// should return ErrCreditOutcomeUnknown (or a context deadline error) when
// they cannot tell whether the credit took effect.
type Creditor interface {
	Credit(ctx context.Context, participant common.Address, amount *big.Int, contributionID common.Hash) error
}

// RankSource exposes stored ranks.
type RankSource interface {
	Rank(participant common.Address, z zone.Zone) rank.Rank
}

// TableSource hands out consistent reward table snapshots.
type TableSource interface {
	Snapshot() rewards.Tables
}

// Metrics exposes Prometheus collectors for contribution processing.
type Metrics = observability.RewardsMetrics

// Orchestrator computes and credits rewards for contributions exactly once.
type Orchestrator struct {
	calc     *rewards.Calculator
	ranks    RankSource
	tables   TableSource
	zones    zone.Registry
	registry *registry
	emitter  events.Emitter
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time

	mu       sync.Mutex
	tier     TierSource
	creditor Creditor
}

// Option customises the orchestrator instance.
type Option func(*Orchestrator)

// WithTierSource supplies the tier lookup.
func WithTierSource(src TierSource) Option {
	return func(o *Orchestrator) { o.tier = src }
}

// WithCreditor supplies the credit service.
func WithCreditor(c Creditor) Option {
	return func(o *Orchestrator) { o.creditor = c }
}

// WithDatabase persists the contribution registry in db.
func WithDatabase(db storage.Database) Option {
	return func(o *Orchestrator) { o.registry = &registry{db: db} }
}

// WithZoneRegistry restricts accepted zones.
func WithZoneRegistry(reg zone.Registry) Option {
	return func(o *Orchestrator) { o.zones = reg }
}

// WithEmitter supplies the sink for consolidated reward events.
func WithEmitter(emitter events.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = emitter }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer overrides the tracer used for Process spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.now = clock }
}

// New constructs an orchestrator. Records left in flight by a previous run
// are demoted to unresolved since their credit outcome cannot be known.
func New(graph rewards.LevelSource, ranks RankSource, tables TableSource, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		calc:    rewards.NewCalculator(graph),
		ranks:   ranks,
		tables:  tables,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		metrics: observability.Rewards(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = &registry{db: storage.NewMemDB()}
	}
	if o.emitter == nil {
		o.emitter = events.NoopEmitter{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("incentives/orchestrator")
	}
	if ranks == nil || tables == nil {
		return nil, fmt.Errorf("%w: rank source and reward tables required", ErrNotConfigured)
	}
	if err := o.recover(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) recover() error {
	stale := make([]common.Hash, 0)
	records := make(map[common.Hash]*record)
	err := o.registry.each(func(id common.Hash, rec *record) bool {
		if State(rec.State) == StateInFlight {
			stale = append(stale, id)
			records[id] = rec
		}
		return true
	})
	if err != nil {
		return err
	}
	for _, id := range stale {
		rec := records[id]
		rec.State = uint8(StateUnresolved)
		if err := o.registry.put(id, rec); err != nil {
			return err
		}
		o.logger.Warn("contribution left in flight; awaiting resolution",
			slog.String("contribution", id.Hex()),
			slog.String("participant", rec.Participant.Hex()))
	}
	return nil
}

// SetTierSource rebinds the tier lookup.
func (o *Orchestrator) SetTierSource(src TierSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tier = src
}

// SetCreditor rebinds the credit service.
func (o *Orchestrator) SetCreditor(c Creditor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.creditor = c
}

func (o *Orchestrator) collaborators() (TierSource, Creditor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tier, o.creditor
}

func (o *Orchestrator) validate(c Contribution) error {
	if c.Participant == (common.Address{}) {
		return zone.ErrInvalidParticipant
	}
	if c.Amount == nil || c.Amount.Sign() <= 0 {
		return zone.ErrInvalidAmount
	}
	return zone.Validate(o.zones, c.Zone)
}

// Process computes the level, sharing and ranking rewards for a contribution
// and credits their sum once. Replaying a completed contribution returns the
// stored result without crediting again.
func (o *Orchestrator) Process(ctx context.Context, c Contribution) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Process")
	defer span.End()

	if err := o.validate(c); err != nil {
		o.metrics.RecordError("validation")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	id := c.ID()
	span.SetAttributes(
		attribute.String("contribution", id.Hex()),
		attribute.String("participant", c.Participant.Hex()),
		attribute.String("zone", string(c.Zone)),
	)

	if res, err := o.checkExisting(id); res != nil || err != nil {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return res, err
	}

	tierSource, creditor := o.collaborators()
	if tierSource == nil || creditor == nil {
		o.metrics.RecordError("not_configured")
		return nil, fmt.Errorf("%w: %w", ErrExternalService, ErrNotConfigured)
	}
	tier, err := tierSource.Tier(ctx, c.Participant)
	if err != nil {
		o.metrics.RecordError("tier_lookup")
		span.RecordError(err)
		span.SetStatus(codes.Error, "tier lookup failed")
		return nil, fmt.Errorf("%w: tier lookup: %v", ErrExternalService, err)
	}
	currentRank := o.ranks.Rank(c.Participant, c.Zone)
	table := o.tables.Snapshot()
	breakdown := o.calc.Compute(table, c.Participant, tier, uint8(currentRank), c.Amount)
	total := breakdown.Total()

	state := StateInFlight
	if total.Sign() == 0 {
		state = StateCompleted
	}
	rec := newRecord(c, state, tier, currentRank, breakdown, o.now())

	o.mu.Lock()
	if existing, found, err := o.registry.get(id); err != nil || found {
		o.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return o.existingResult(id, existing)
	}
	if err := o.registry.put(id, rec); err != nil {
		o.mu.Unlock()
		o.metrics.RecordError("registry")
		return nil, err
	}
	o.mu.Unlock()

	if state == StateCompleted {
		o.metrics.RecordOutcome("zero")
		o.logger.Debug("contribution earned no reward",
			slog.String("contribution", id.Hex()),
			slog.String("participant", c.Participant.Hex()),
			slog.String("zone", string(c.Zone)))
		return rec.result(id), nil
	}

	start := o.now()
	creditErr := creditor.Credit(ctx, c.Participant, new(big.Int).Set(total), id)
	o.metrics.ObserveCredit(o.now().Sub(start))
	if creditErr != nil {
		span.RecordError(creditErr)
		span.SetStatus(codes.Error, "credit failed")
		return nil, o.finishFailure(id, rec, creditErr)
	}

	rec.State = uint8(StateCompleted)
	rec.UpdatedAt = uint64(o.now().Unix())
	o.mu.Lock()
	if err := o.registry.put(id, rec); err != nil {
		// Retries in this process replay the held record. After a restart the
		// stored in-flight copy is demoted to unresolved.
		o.registry.hold(id, rec)
		o.metrics.RecordError("registry")
		o.logger.Error("failed to persist completed contribution",
			slog.String("contribution", id.Hex()),
			slog.Any("error", err))
	}
	o.mu.Unlock()

	res := rec.result(id)
	o.publish(res)
	o.metrics.RecordOutcome("credited")
	o.logger.Info("reward issued",
		slog.String("contribution", id.Hex()),
		slog.String("participant", c.Participant.Hex()),
		slog.String("zone", string(c.Zone)),
		slog.String("total", total.String()))
	return res, nil
}

func (o *Orchestrator) checkExisting(id common.Hash) (*Result, error) {
	o.mu.Lock()
	rec, found, err := o.registry.get(id)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return o.existingResult(id, rec)
}

func (o *Orchestrator) existingResult(id common.Hash, rec *record) (*Result, error) {
	switch State(rec.State) {
	case StateCompleted:
		o.metrics.RecordOutcome("replayed")
		res := rec.result(id)
		res.Replayed = true
		return res, nil
	case StateUnresolved:
		return nil, ErrCreditUnresolved
	default:
		return nil, ErrContributionInFlight
	}
}

func (o *Orchestrator) finishFailure(id common.Hash, rec *record, creditErr error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if outcomeUnknown(creditErr) {
		rec.State = uint8(StateUnresolved)
		rec.UpdatedAt = uint64(o.now().Unix())
		if err := o.registry.put(id, rec); err != nil {
			o.registry.hold(id, rec)
			o.logger.Error("failed to persist unresolved contribution",
				slog.String("contribution", id.Hex()),
				slog.Any("error", err))
		}
		o.metrics.RecordOutcome("unresolved")
		o.logger.Warn("credit outcome unknown",
			slog.String("contribution", id.Hex()),
			slog.String("participant", rec.Participant.Hex()),
			slog.Any("error", creditErr))
		return fmt.Errorf("%w: %v", ErrCreditUnresolved, creditErr)
	}
	if err := o.registry.delete(id); err != nil {
		o.logger.Error("failed to clear contribution",
			slog.String("contribution", id.Hex()),
			slog.Any("error", err))
	}
	o.metrics.RecordError("credit")
	return fmt.Errorf("%w: credit: %v", ErrExternalService, creditErr)
}

// outcomeUnknown reports whether a credit error leaves open the possibility
// that the credit was applied. Cancellation and deadlines interrupt a call
// that may already have reached the credit service.
func outcomeUnknown(err error) bool {
	return errors.Is(err, ErrCreditOutcomeUnknown) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func (o *Orchestrator) publish(res *Result) {
	shares := make([]events.LevelShare, 0, len(res.Breakdown.LevelShares))
	for _, share := range res.Breakdown.LevelShares {
		shares = append(shares, events.LevelShare{
			Ancestor: share.Ancestor,
			Level:    share.Level,
			Bps:      share.Bps,
			Amount:   cloneBig(share.Amount),
		})
	}
	z := string(res.Zone)
	o.metrics.RecordIssued("level", z, res.Breakdown.Level)
	o.metrics.RecordIssued("sharing", z, res.Breakdown.Sharing)
	o.metrics.RecordIssued("ranking", z, res.Breakdown.Ranking)
	o.emitter.Emit(events.RewardIssued{
		ContributionID: res.ContributionID,
		Participant:    res.Participant,
		Amount:         cloneBig(res.Amount),
		Zone:           z,
		Tier:           res.Tier,
		Rank:           uint8(res.Rank),
		Level:          cloneBig(res.Breakdown.Level),
		Sharing:        cloneBig(res.Breakdown.Sharing),
		Ranking:        cloneBig(res.Breakdown.Ranking),
		Total:          cloneBig(res.Credited),
		LevelShares:    shares,
		TablesVersion:  res.Breakdown.TablesVersion,
	})
}

// Resolve settles a contribution whose credit outcome was unknown. When
// credited is true the contribution completes and its reward event is
// emitted; otherwise the record is cleared so the contribution can be
// processed again.
func (o *Orchestrator) Resolve(id common.Hash, credited bool) (*Result, error) {
	o.mu.Lock()
	rec, found, err := o.registry.get(id)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if !found {
		o.mu.Unlock()
		return nil, ErrContributionNotFound
	}
	if State(rec.State) != StateUnresolved {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotUnresolved, State(rec.State))
	}
	if credited {
		rec.State = uint8(StateCompleted)
		rec.UpdatedAt = uint64(o.now().Unix())
		err = o.registry.put(id, rec)
	} else {
		err = o.registry.delete(id)
	}
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}

	o.emitter.Emit(events.ContributionResolved{ContributionID: id, Participant: rec.Participant, Credited: credited})
	o.logger.Info("contribution resolved",
		slog.String("contribution", id.Hex()),
		slog.Bool("credited", credited))
	if !credited {
		return nil, nil
	}
	res := rec.result(id)
	o.publish(res)
	o.metrics.RecordOutcome("credited")
	return res, nil
}

// Lookup returns the stored record of a contribution.
func (o *Orchestrator) Lookup(id common.Hash) (*Result, error) {
	o.mu.Lock()
	rec, found, err := o.registry.get(id)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrContributionNotFound
	}
	return rec.result(id), nil
}

// Status summarises registry state for administrative endpoints.
type Status struct {
	Completed  int      `json:"completed"`
	InFlight   int      `json:"in_flight"`
	Unresolved []string `json:"unresolved"`
}

// Status reports the current registry snapshot.
func (o *Orchestrator) Status() (Status, error) {
	status := Status{Unresolved: make([]string, 0)}
	o.mu.Lock()
	err := o.registry.each(func(id common.Hash, rec *record) bool {
		switch State(rec.State) {
		case StateCompleted:
			status.Completed++
		case StateInFlight:
			status.InFlight++
		case StateUnresolved:
			status.Unresolved = append(status.Unresolved, id.Hex())
		}
		return true
	})
	o.mu.Unlock()
	if err != nil {
		return Status{}, err
	}
	o.metrics.SetUnresolved(len(status.Unresolved))
	return status, nil
}
