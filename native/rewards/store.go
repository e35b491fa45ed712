package rewards

import (
	"fmt"
	"sync"

	"incentives/core/events"
)

// Store is the single lock-guarded holder of the active reward tables. Every
// mutation changes exactly one entry and bumps the version.
type Store struct {
	mu      sync.RWMutex
	tables  Tables
	emitter events.Emitter
}

// StoreOption customises the store.
type StoreOption func(*Store)

// WithStoreEmitter supplies the sink for table update notifications.
func WithStoreEmitter(emitter events.Emitter) StoreOption {
	return func(s *Store) { s.emitter = emitter }
}

// NewStore validates and installs the initial tables.
func NewStore(initial Tables, opts ...StoreOption) (*Store, error) {
	if initial.Tier == nil {
		initial.Tier = make(map[uint8]TierShares)
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{tables: initial.Clone(), emitter: events.NoopEmitter{}}
	for _, opt := range opts {
		opt(s)
	}
	if s.emitter == nil {
		s.emitter = events.NoopEmitter{}
	}
	return s, nil
}

// Snapshot returns a copy of the active tables. Callers compute a whole
// contribution against one snapshot.
func (s *Store) Snapshot() Tables {
	if s == nil {
		return DefaultTables()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tables.Clone()
}

// Version reports the current table version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tables.Version
}

// SetLevelWeight updates the weight paid to ancestors at level.
func (s *Store) SetLevelWeight(level uint32, bps uint32) error {
	if s == nil {
		return ErrNilStore
	}
	if level < 1 || level > MaxLevelIndex {
		return fmt.Errorf("%w: level %d", ErrInvalidIndex, level)
	}
	if bps > BpsDenominator {
		return ErrBpsTooHigh
	}
	s.mu.Lock()
	old := s.tables.Level[level]
	s.tables.Level[level] = bps
	s.tables.Version++
	evt := events.RewardTableUpdated{Table: "level", Index: level, OldBps: old, NewBps: bps, Version: s.tables.Version}
	s.mu.Unlock()
	s.emitter.Emit(evt)
	return nil
}

// SetTierComponent updates one named component of a tier weight.
func (s *Store) SetTierComponent(tier uint8, component int, bps uint32) error {
	if s == nil {
		return ErrNilStore
	}
	if tier < MinSharingTier || tier > MaxSharingTier {
		return fmt.Errorf("%w: tier %d", ErrInvalidIndex, tier)
	}
	if component < 0 || component >= TierComponents {
		return fmt.Errorf("%w: %d", ErrInvalidComponent, component)
	}
	if bps > BpsDenominator {
		return ErrBpsTooHigh
	}
	s.mu.Lock()
	shares := s.tables.Tier[tier]
	old := shares[component]
	shares[component] = bps
	s.tables.Tier[tier] = shares
	s.tables.Version++
	evt := events.RewardTableUpdated{
		Table:     "tier",
		Index:     uint32(tier),
		Component: ComponentName(component),
		OldBps:    old,
		NewBps:    bps,
		Version:   s.tables.Version,
	}
	s.mu.Unlock()
	s.emitter.Emit(evt)
	return nil
}

// SetRankWeight updates the weight paid for rank.
func (s *Store) SetRankWeight(rank uint8, bps uint32) error {
	if s == nil {
		return ErrNilStore
	}
	if rank < 1 || rank > MaxRankIndex {
		return fmt.Errorf("%w: rank %d", ErrInvalidIndex, rank)
	}
	if bps > BpsDenominator {
		return ErrBpsTooHigh
	}
	s.mu.Lock()
	old := s.tables.Rank[rank]
	s.tables.Rank[rank] = bps
	s.tables.Version++
	evt := events.RewardTableUpdated{Table: "rank", Index: uint32(rank), OldBps: old, NewBps: bps, Version: s.tables.Version}
	s.mu.Unlock()
	s.emitter.Emit(evt)
	return nil
}
