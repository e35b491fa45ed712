package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"incentives/core/types"
)

const (
	// TypeVolumeRecorded is emitted once per participant touched by a volume
	// record: the contributor itself and each credited ancestor.
	TypeVolumeRecorded = "zone.volume.recorded"
	// TypeRankChanged is emitted when a participant's zone rank is promoted.
	TypeRankChanged = "zone.rank.changed"
)

const (
	// VolumeKindPersonal marks the contributor's own volume increment.
	VolumeKindPersonal = "personal"
	// VolumeKindTeam marks an ancestor's downline volume increment.
	VolumeKindTeam = "team"
)

// VolumeRecorded captures a single volume increment.
type VolumeRecorded struct {
	Participant common.Address
	Source      common.Address
	Zone        string
	Kind        string
	Amount      *big.Int
	Total       *big.Int
}

// EventType implements the Event interface.
func (VolumeRecorded) EventType() string { return TypeVolumeRecorded }

// Event converts the increment to the generic representation.
func (e VolumeRecorded) Event() *types.Event {
	return &types.Event{
		Type: TypeVolumeRecorded,
		Attributes: map[string]string{
			"participant": e.Participant.Hex(),
			"source":      e.Source.Hex(),
			"zone":        e.Zone,
			"kind":        e.Kind,
			"amount":      bigString(e.Amount),
			"total":       bigString(e.Total),
		},
	}
}

// RankChanged captures a rank transition for a participant within a zone.
type RankChanged struct {
	Participant common.Address
	Zone        string
	OldRank     uint8
	NewRank     uint8
}

// EventType implements the Event interface.
func (RankChanged) EventType() string { return TypeRankChanged }

// Event converts the transition to the generic representation.
func (e RankChanged) Event() *types.Event {
	return &types.Event{
		Type: TypeRankChanged,
		Attributes: map[string]string{
			"participant": e.Participant.Hex(),
			"zone":        e.Zone,
			"old":         uintString(uint64(e.OldRank)),
			"new":         uintString(uint64(e.NewRank)),
		},
	}
}
