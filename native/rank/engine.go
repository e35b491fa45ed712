package rank

import (
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"incentives/core/events"
	"incentives/native/zone"
)

// VolumeSource exposes the personal volume recorded by the zone ledger.
type VolumeSource interface {
	PersonalVolume(participant common.Address, z zone.Zone) *big.Int
}

// Structure exposes the referral relationships consulted by structural ranks.
type Structure interface {
	Recruits(participant common.Address) []common.Address
	Referrer(participant common.Address) (common.Address, bool)
}

// Metrics receives promotion notifications for instrumentation.
type Metrics interface {
	RecordPromotion(zone string, from, to uint8)
}

// Change records a single promotion produced by a cascade.
type Change struct {
	Participant common.Address
	Zone        zone.Zone
	Old         Rank
	New         Rank
}

type rankKey struct {
	participant common.Address
	zone        zone.Zone
}

// Engine derives and stores per-zone ranks.
type Engine struct {
	graph   Structure
	volumes VolumeSource
	emitter events.Emitter
	logger  *slog.Logger
	metrics Metrics

	mu    sync.Mutex
	cfg   Config
	ranks map[rankKey]Rank
}

// Option customises the engine instance.
type Option func(*Engine)

// WithConfig overrides the default thresholds and structural gates.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg.Clone() }
}

// WithEmitter supplies the sink for rank change notifications.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) { e.emitter = emitter }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics installs the promotion observer.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine constructs a rank engine over the supplied graph and volumes.
func NewEngine(graph Structure, volumes VolumeSource, opts ...Option) (*Engine, error) {
	e := &Engine{
		graph:   graph,
		volumes: volumes,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		cfg:     DefaultConfig(),
		ranks:   make(map[rankKey]Rank),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if e.emitter == nil {
		e.emitter = events.NoopEmitter{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Clone()
}

// SetConfig swaps the configuration. Stored ranks are kept; the new rules
// apply from the next evaluation onwards.
func (e *Engine) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg.Clone()
	return nil
}

// Rank returns the stored rank of the participant in zone.
func (e *Engine) Rank(participant common.Address, z zone.Zone) Rank {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ranks[rankKey{participant: participant, zone: z}]
}

// Evaluate re-derives the participant's rank from the current volumes and
// recruit ranks. It is idempotent: a second call without intervening state
// changes reports no change. Ranks are never lowered.
func (e *Engine) Evaluate(participant common.Address, z zone.Zone) (Rank, bool) {
	change, changed := e.evaluate(participant, z)
	return change.New, changed
}

// Cascade drains a work-list of participants for one zone. Each seed is
// evaluated once; whenever a rank changes the participant's referrer is
// queued again so promotions propagate up the chain. The returned changes are
// in evaluation order.
func (e *Engine) Cascade(z zone.Zone, seeds ...common.Address) []Change {
	queue := make([]common.Address, 0, len(seeds))
	pending := make(map[common.Address]struct{}, len(seeds))
	for _, seed := range seeds {
		if _, ok := pending[seed]; ok {
			continue
		}
		pending[seed] = struct{}{}
		queue = append(queue, seed)
	}

	changes := make([]Change, 0)
	for len(queue) > 0 {
		participant := queue[0]
		queue = queue[1:]
		delete(pending, participant)

		change, changed := e.evaluate(participant, z)
		if !changed {
			continue
		}
		changes = append(changes, change)
		if e.graph == nil {
			continue
		}
		referrer, ok := e.graph.Referrer(participant)
		if !ok {
			continue
		}
		if _, queued := pending[referrer]; queued {
			continue
		}
		pending[referrer] = struct{}{}
		queue = append(queue, referrer)
	}
	return changes
}

// Reevaluate implements zone.Evaluator.
func (e *Engine) Reevaluate(z zone.Zone, seeds []common.Address) {
	changes := e.Cascade(z, seeds...)
	if len(changes) > 0 {
		e.logger.Debug("rank cascade", slog.String("zone", string(z)), slog.Int("changes", len(changes)))
	}
}

func (e *Engine) evaluate(participant common.Address, z zone.Zone) (Change, bool) {
	var volume *big.Int
	if e.volumes != nil {
		volume = e.volumes.PersonalVolume(participant, z)
	}
	var recruits []common.Address
	if e.graph != nil {
		recruits = e.graph.Recruits(participant)
	}

	e.mu.Lock()
	key := rankKey{participant: participant, zone: z}
	old := e.ranks[key]
	candidate := e.candidateLocked(participant, z, volume, recruits)
	next := old
	if candidate > old {
		next = candidate
		e.ranks[key] = next
	}
	e.mu.Unlock()

	change := Change{Participant: participant, Zone: z, Old: old, New: next}
	if next == old {
		return change, false
	}
	e.emitter.Emit(events.RankChanged{
		Participant: participant,
		Zone:        string(z),
		OldRank:     uint8(old),
		NewRank:     uint8(next),
	})
	if e.metrics != nil {
		e.metrics.RecordPromotion(string(z), uint8(old), uint8(next))
	}
	e.logger.Info("rank promoted",
		slog.String("participant", participant.Hex()),
		slog.String("zone", string(z)),
		slog.Int("old", int(old)),
		slog.Int("new", int(next)))
	return change, true
}

func (e *Engine) candidateLocked(participant common.Address, z zone.Zone, volume *big.Int, recruits []common.Address) Rank {
	if volume == nil || volume.Cmp(e.cfg.Rank1Threshold) < 0 {
		return Unranked
	}
	if volume.Cmp(e.cfg.Rank2Threshold) < 0 {
		return 1
	}
	candidate := Rank(2)
	recruitRanks := make([]Rank, len(recruits))
	for i, recruit := range recruits {
		recruitRanks[i] = e.ranks[rankKey{participant: recruit, zone: z}]
	}
	for r := FirstStructuralRank; r <= MaxRank; r++ {
		if !e.cfg.qualifies(r, participant, z, recruitRanks) {
			break
		}
		candidate = r
	}
	return candidate
}
