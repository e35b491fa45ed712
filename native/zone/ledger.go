package zone

import (
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/puzpuzpuz/xsync/v4"

	"incentives/core/events"
)

// UplineSource exposes the materialised upline chain of a participant.
type UplineSource interface {
	UplineChain(participant common.Address) []common.Address
}

// Evaluator re-derives ranks after volumes change. Seeds are ordered
// contributor first, then ancestors nearest first.
type Evaluator interface {
	Reevaluate(zone Zone, seeds []common.Address)
}

type volumes struct {
	personal uint256.Int
	team     uint256.Int
}

type account struct {
	mu    sync.RWMutex
	zones map[Zone]*volumes
}

// Ledger tracks cumulative personal and team volume per participant and zone.
type Ledger struct {
	graph     UplineSource
	registry  Registry
	emitter   events.Emitter
	logger    *slog.Logger
	accounts  *xsync.Map[common.Address, *account]
	locks     *xsync.Map[common.Address, *sync.Mutex]
	evalMu    sync.RWMutex
	evaluator Evaluator
}

// Option customises the ledger instance.
type Option func(*Ledger)

// WithRegistry enables zone validation.
func WithRegistry(reg Registry) Option {
	return func(l *Ledger) { l.registry = reg }
}

// WithEmitter supplies the sink for volume notifications.
func WithEmitter(emitter events.Emitter) Option {
	return func(l *Ledger) { l.emitter = emitter }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithEvaluator wires the rank evaluator at construction time.
func WithEvaluator(evaluator Evaluator) Option {
	return func(l *Ledger) { l.evaluator = evaluator }
}

// NewLedger constructs an empty ledger reading chains from graph.
func NewLedger(graph UplineSource, opts ...Option) *Ledger {
	l := &Ledger{
		graph:    graph,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		accounts: xsync.NewMap[common.Address, *account](),
		locks:    xsync.NewMap[common.Address, *sync.Mutex](),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.emitter == nil {
		l.emitter = events.NoopEmitter{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// AttachEvaluator binds the rank evaluator after construction. The rank engine
// reads volumes from the ledger, so the two are usually wired in this order.
func (l *Ledger) AttachEvaluator(evaluator Evaluator) {
	l.evalMu.Lock()
	defer l.evalMu.Unlock()
	l.evaluator = evaluator
}

// RecordVolume credits amount to the participant's personal volume and to the
// team volume of every ancestor in its upline chain, then re-evaluates ranks
// for everyone touched. Either every increment is applied or none is.
func (l *Ledger) RecordVolume(participant common.Address, amount *big.Int, z Zone) error {
	if participant == (common.Address{}) {
		return ErrInvalidParticipant
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := Validate(l.registry, z); err != nil {
		return fmt.Errorf("%w: %q", err, z)
	}
	delta, overflow := uint256.FromBig(amount)
	if overflow {
		return ErrVolumeOverflow
	}

	var chain []common.Address
	if l.graph != nil {
		chain = l.graph.UplineChain(participant)
	}
	unlock := l.lockPath(participant, chain)
	defer unlock()

	self := l.account(participant)
	ancestors := make([]*account, len(chain))
	for i, ancestor := range chain {
		ancestors[i] = l.account(ancestor)
	}

	// Check every target before mutating any of them.
	if err := self.checkAdd(z, delta, true); err != nil {
		return err
	}
	for _, acc := range ancestors {
		if err := acc.checkAdd(z, delta, false); err != nil {
			return err
		}
	}

	total := self.add(z, delta, true)
	l.emitter.Emit(events.VolumeRecorded{
		Participant: participant,
		Source:      participant,
		Zone:        string(z),
		Kind:        events.VolumeKindPersonal,
		Amount:      new(big.Int).Set(amount),
		Total:       total,
	})
	for i, acc := range ancestors {
		teamTotal := acc.add(z, delta, false)
		l.emitter.Emit(events.VolumeRecorded{
			Participant: chain[i],
			Source:      participant,
			Zone:        string(z),
			Kind:        events.VolumeKindTeam,
			Amount:      new(big.Int).Set(amount),
			Total:       teamTotal,
		})
	}

	l.logger.Debug("volume recorded",
		slog.String("participant", participant.Hex()),
		slog.String("zone", string(z)),
		slog.String("amount", amount.String()),
		slog.Int("ancestors", len(chain)))

	l.evalMu.RLock()
	evaluator := l.evaluator
	l.evalMu.RUnlock()
	if evaluator != nil {
		seeds := make([]common.Address, 0, len(chain)+1)
		seeds = append(seeds, participant)
		seeds = append(seeds, chain...)
		evaluator.Reevaluate(z, seeds)
	}
	return nil
}

// PersonalVolume returns the participant's own cumulative volume in zone.
func (l *Ledger) PersonalVolume(participant common.Address, z Zone) *big.Int {
	acc, ok := l.accounts.Load(participant)
	if !ok {
		return big.NewInt(0)
	}
	return acc.read(z, true)
}

// TeamVolume returns the cumulative downline volume credited to participant.
func (l *Ledger) TeamVolume(participant common.Address, z Zone) *big.Int {
	acc, ok := l.accounts.Load(participant)
	if !ok {
		return big.NewInt(0)
	}
	return acc.read(z, false)
}

// Zones lists the zones in which the participant has any volume.
func (l *Ledger) Zones(participant common.Address) []Zone {
	acc, ok := l.accounts.Load(participant)
	if !ok {
		return []Zone{}
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	out := make([]Zone, 0, len(acc.zones))
	for z := range acc.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (l *Ledger) account(participant common.Address) *account {
	if acc, ok := l.accounts.Load(participant); ok {
		return acc
	}
	acc, _ := l.accounts.LoadOrStore(participant, &account{zones: make(map[Zone]*volumes)})
	return acc
}

func (l *Ledger) mutex(participant common.Address) *sync.Mutex {
	if mu, ok := l.locks.Load(participant); ok {
		return mu
	}
	mu, _ := l.locks.LoadOrStore(participant, &sync.Mutex{})
	return mu
}

// lockPath acquires the participant locks root-most first. Chains are paths in
// a tree and depth never changes once a node has descendants, so every caller
// acquires shared ancestors in the same order.
func (l *Ledger) lockPath(participant common.Address, chain []common.Address) func() {
	held := make([]*sync.Mutex, 0, len(chain)+1)
	for i := len(chain) - 1; i >= 0; i-- {
		mu := l.mutex(chain[i])
		mu.Lock()
		held = append(held, mu)
	}
	mu := l.mutex(participant)
	mu.Lock()
	held = append(held, mu)
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (a *account) checkAdd(z Zone, delta *uint256.Int, personal bool) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.zones[z]
	if !ok {
		return nil
	}
	current := &v.team
	if personal {
		current = &v.personal
	}
	if _, overflow := new(uint256.Int).AddOverflow(current, delta); overflow {
		return ErrVolumeOverflow
	}
	return nil
}

func (a *account) add(z Zone, delta *uint256.Int, personal bool) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.zones[z]
	if !ok {
		v = &volumes{}
		a.zones[z] = v
	}
	target := &v.team
	if personal {
		target = &v.personal
	}
	target.Add(target, delta)
	return target.ToBig()
}

func (a *account) read(z Zone, personal bool) *big.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.zones[z]
	if !ok {
		return big.NewInt(0)
	}
	if personal {
		return v.personal.ToBig()
	}
	return v.team.ToBig()
}
