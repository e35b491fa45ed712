package events

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"incentives/core/types"
)

const (
	// TypeRewardIssued is the single consolidated record emitted once a
	// contribution has been credited.
	TypeRewardIssued = "rewards.issued"
	// TypeRewardTableUpdated is emitted when an administrator changes a single
	// reward table entry.
	TypeRewardTableUpdated = "rewards.table.updated"
	// TypeContributionResolved is emitted when an operator settles a
	// contribution whose credit outcome was unknown.
	TypeContributionResolved = "rewards.contribution.resolved"
)

// LevelShare attributes part of the level component to one ancestor.
type LevelShare struct {
	Ancestor common.Address
	Level    uint32
	Bps      uint32
	Amount   *big.Int
}

// RewardIssued captures the consolidated outcome of a processed contribution.
type RewardIssued struct {
	ContributionID common.Hash
	Participant    common.Address
	Amount         *big.Int
	Zone           string
	Tier           uint8
	Rank           uint8
	Level          *big.Int
	Sharing        *big.Int
	Ranking        *big.Int
	Total          *big.Int
	LevelShares    []LevelShare
	TablesVersion  uint64
}

// EventType implements the Event interface.
func (RewardIssued) EventType() string { return TypeRewardIssued }

// Event converts the record to the generic representation.
func (e RewardIssued) Event() *types.Event {
	return &types.Event{
		Type: TypeRewardIssued,
		Attributes: map[string]string{
			"contribution":  e.ContributionID.Hex(),
			"participant":   e.Participant.Hex(),
			"amount":        bigString(e.Amount),
			"zone":          e.Zone,
			"tier":          uintString(uint64(e.Tier)),
			"rank":          uintString(uint64(e.Rank)),
			"level":         bigString(e.Level),
			"sharing":       bigString(e.Sharing),
			"ranking":       bigString(e.Ranking),
			"total":         bigString(e.Total),
			"levelShares":   strconv.Itoa(len(e.LevelShares)),
			"tablesVersion": uintString(e.TablesVersion),
		},
	}
}

// RewardTableUpdated captures a single reward table entry change.
type RewardTableUpdated struct {
	Table     string
	Index     uint32
	Component string
	OldBps    uint32
	NewBps    uint32
	Version   uint64
}

// EventType implements the Event interface.
func (RewardTableUpdated) EventType() string { return TypeRewardTableUpdated }

// Event converts the update to the generic representation.
func (e RewardTableUpdated) Event() *types.Event {
	attrs := map[string]string{
		"table":   strings.ToLower(e.Table),
		"index":   uintString(uint64(e.Index)),
		"oldBps":  uintString(uint64(e.OldBps)),
		"newBps":  uintString(uint64(e.NewBps)),
		"version": uintString(e.Version),
	}
	if e.Component != "" {
		attrs["component"] = e.Component
	}
	return &types.Event{Type: TypeRewardTableUpdated, Attributes: attrs}
}

// ContributionResolved captures an operator decision on an unresolved credit.
type ContributionResolved struct {
	ContributionID common.Hash
	Participant    common.Address
	Credited       bool
}

// EventType implements the Event interface.
func (ContributionResolved) EventType() string { return TypeContributionResolved }

// Event converts the resolution to the generic representation.
func (e ContributionResolved) Event() *types.Event {
	return &types.Event{
		Type: TypeContributionResolved,
		Attributes: map[string]string{
			"contribution": e.ContributionID.Hex(),
			"participant":  e.Participant.Hex(),
			"credited":     strconv.FormatBool(e.Credited),
		},
	}
}
