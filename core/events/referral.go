package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"incentives/core/types"
)

const (
	// TypeReferralLinked is emitted when a referee is attached to a referrer.
	TypeReferralLinked = "referral.linked"
	// TypeReferralLevelUpdated is emitted when an administrator reassigns the
	// level attribute of a participant.
	TypeReferralLevelUpdated = "referral.level.updated"
)

// ReferralLinked captures a newly recorded referral relationship.
type ReferralLinked struct {
	Referrer    common.Address
	Referee     common.Address
	Depth       uint32
	ChainLength int
}

// EventType implements the Event interface.
func (ReferralLinked) EventType() string { return TypeReferralLinked }

// Event converts the link to the generic representation.
func (e ReferralLinked) Event() *types.Event {
	return &types.Event{
		Type: TypeReferralLinked,
		Attributes: map[string]string{
			"referrer":    e.Referrer.Hex(),
			"referee":     e.Referee.Hex(),
			"depth":       strconv.FormatUint(uint64(e.Depth), 10),
			"chainLength": strconv.Itoa(e.ChainLength),
		},
	}
}

// ReferralLevelUpdated captures an administrative level reassignment.
type ReferralLevelUpdated struct {
	Participant common.Address
	OldLevel    uint32
	NewLevel    uint32
}

// EventType implements the Event interface.
func (ReferralLevelUpdated) EventType() string { return TypeReferralLevelUpdated }

// Event converts the update to the generic representation.
func (e ReferralLevelUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeReferralLevelUpdated,
		Attributes: map[string]string{
			"participant": e.Participant.Hex(),
			"oldLevel":    strconv.FormatUint(uint64(e.OldLevel), 10),
			"newLevel":    strconv.FormatUint(uint64(e.NewLevel), 10),
		},
	}
}
