package referral

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"incentives/core/events"
)

// Graph owns the referrer/referee relationships and the eagerly materialised
// upline chain of every participant. Chains are append-only once written so
// reward computation never walks the tree recursively.
type Graph struct {
	mu        sync.RWMutex
	nodes     map[common.Address]*node
	rootDepth uint32
	emitter   events.Emitter
}

// Option customises the graph instance.
type Option func(*Graph)

// WithRootDepth overrides the depth assigned to root participants. Deployments
// must pick either 0 or 1 and keep it for the lifetime of the graph.
func WithRootDepth(depth uint32) Option {
	return func(g *Graph) { g.rootDepth = depth }
}

// WithEmitter supplies the event sink for link notifications.
func WithEmitter(emitter events.Emitter) Option {
	return func(g *Graph) { g.emitter = emitter }
}

// NewGraph constructs an empty referral graph.
func NewGraph(opts ...Option) *Graph {
	g := &Graph{
		nodes:     make(map[common.Address]*node),
		rootDepth: DefaultRootDepth,
		emitter:   events.NoopEmitter{},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.emitter == nil {
		g.emitter = events.NoopEmitter{}
	}
	return g
}

// RootDepth reports the depth assigned to participants without a referrer.
func (g *Graph) RootDepth() uint32 {
	return g.rootDepth
}

// Register records a participant as a root when it is not yet known. It is a
// no-op for participants already present in the graph.
func (g *Graph) Register(participant common.Address) error {
	if participant == (common.Address{}) {
		return ErrInvalidParticipant
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureLocked(participant)
	return nil
}

// Link attaches referee below referrer. The relationship is immutable: a
// referee that already has a referrer is rejected with ErrAlreadyLinked and
// the original relationship is left untouched.
func (g *Graph) Link(referrer, referee common.Address) error {
	if referrer == (common.Address{}) || referee == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidParticipant)
	}
	if referrer == referee {
		return fmt.Errorf("%w: self referral", ErrInvalidParticipant)
	}

	g.mu.Lock()
	if existing, ok := g.nodes[referee]; ok {
		if existing.hasReferrer {
			g.mu.Unlock()
			return ErrAlreadyLinked
		}
		if parent, ok := g.nodes[referrer]; ok && containsAddress(parent.chain, referee) {
			g.mu.Unlock()
			return ErrCycle
		}
		if len(existing.recruits) > 0 {
			g.mu.Unlock()
			return ErrHasDownline
		}
	}
	parent := g.ensureLocked(referrer)

	chainLen := len(parent.chain) + 1
	if chainLen > MaxChainLength {
		chainLen = MaxChainLength
	}
	chain := make([]common.Address, 0, chainLen)
	chain = append(chain, referrer)
	for _, ancestor := range parent.chain {
		if len(chain) == MaxChainLength {
			break
		}
		chain = append(chain, ancestor)
	}

	child := g.ensureLocked(referee)
	child.referrer = referrer
	child.hasReferrer = true
	child.depth = parent.depth + 1
	child.level = child.depth
	child.chain = chain
	parent.recruits = append(parent.recruits, referee)

	evt := events.ReferralLinked{
		Referrer:    referrer,
		Referee:     referee,
		Depth:       child.depth,
		ChainLength: len(chain),
	}
	g.mu.Unlock()

	g.emitter.Emit(evt)
	return nil
}

// UplineChain returns the nearest-ancestor-first chain recorded for the
// participant. Roots and unknown participants yield an empty chain.
func (g *Graph) UplineChain(participant common.Address) []common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[participant]
	if !ok {
		return []common.Address{}
	}
	return copyAddresses(n.chain)
}

// Depth returns the stored depth or zero for unknown participants.
func (g *Graph) Depth(participant common.Address) uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[participant]; ok {
		return n.depth
	}
	return 0
}

// Level returns the level attribute consulted by the level reward table. It
// starts equal to the depth and only diverges through SetLevel.
func (g *Graph) Level(participant common.Address) uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[participant]; ok {
		return n.level
	}
	return 0
}

// SetLevel reassigns the level attribute of a known participant. Chain
// positions are unaffected.
func (g *Graph) SetLevel(participant common.Address, level uint32) error {
	if level > MaxLevel {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	g.mu.Lock()
	n, ok := g.nodes[participant]
	if !ok {
		g.mu.Unlock()
		return ErrUnknownParticipant
	}
	old := n.level
	n.level = level
	g.mu.Unlock()

	if old != level {
		g.emitter.Emit(events.ReferralLevelUpdated{Participant: participant, OldLevel: old, NewLevel: level})
	}
	return nil
}

// Referrer returns the immediate referrer, if any.
func (g *Graph) Referrer(participant common.Address) (common.Address, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[participant]
	if !ok || !n.hasReferrer {
		return common.Address{}, false
	}
	return n.referrer, true
}

// Recruits returns the participants directly referred by the supplied one in
// link order.
func (g *Graph) Recruits(participant common.Address) []common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[participant]
	if !ok {
		return []common.Address{}
	}
	return copyAddresses(n.recruits)
}

// Exists reports whether the participant has been registered or linked.
func (g *Graph) Exists(participant common.Address) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[participant]
	return ok
}

// Participant returns a read-only view of the participant.
func (g *Graph) Participant(participant common.Address) (Participant, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[participant]
	if !ok {
		return Participant{}, false
	}
	return n.view(participant), true
}

// Size returns the number of known participants.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *Graph) ensureLocked(participant common.Address) *node {
	n, ok := g.nodes[participant]
	if ok {
		return n
	}
	n = &node{depth: g.rootDepth, level: g.rootDepth}
	g.nodes[participant] = n
	return n
}

func containsAddress(list []common.Address, target common.Address) bool {
	for _, addr := range list {
		if addr == target {
			return true
		}
	}
	return false
}
