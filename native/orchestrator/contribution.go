package orchestrator

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"incentives/native/rank"
	"incentives/native/rewards"
	"incentives/native/zone"
)

// Contribution is a reported unit of value subject to reward computation.
// Nonce distinguishes otherwise identical contributions from the same
// participant.
type Contribution struct {
	Participant common.Address
	Amount      *big.Int
	Zone        zone.Zone
	Nonce       uint64
}

// ID derives the idempotency key of the contribution.
func (c Contribution) ID() common.Hash {
	amount := c.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	encoded, err := rlp.EncodeToBytes([]interface{}{c.Participant, string(c.Zone), amount, c.Nonce})
	if err != nil {
		// Only negative amounts fail to encode and Process rejects them first.
		return crypto.Keccak256Hash(c.Participant.Bytes(), []byte(c.Zone))
	}
	return crypto.Keccak256Hash(encoded)
}

// State is the registry state of a contribution.
type State uint8

const (
	StateUnknown State = iota
	StateInFlight
	StateCompleted
	StateUnresolved
)

func (s State) String() string {
	switch s {
	case StateInFlight:
		return "in_flight"
	case StateCompleted:
		return "completed"
	case StateUnresolved:
		return "unresolved"
	default:
		return "unknown"
	}
}

// Result reports the outcome of a processed contribution.
type Result struct {
	ContributionID common.Hash
	Participant    common.Address
	Zone           zone.Zone
	Amount         *big.Int
	Tier           uint8
	Rank           rank.Rank
	Breakdown      rewards.Breakdown
	// Credited is the sum handed to the credit service. Zero when nothing was
	// owed.
	Credited    *big.Int
	State       State
	ProcessedAt time.Time
	// Replayed is set when the result was served from the registry instead of
	// a fresh computation.
	Replayed bool
}
