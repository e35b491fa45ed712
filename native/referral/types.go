package referral

import "github.com/ethereum/go-ethereum/common"

const (
	// MaxChainLength bounds the materialised upline chain. Ancestors further
	// away than this are not recorded and therefore never rewarded.
	MaxChainLength = 20
	// MaxLevel is the highest level attribute an administrator may assign.
	MaxLevel = 20
	// DefaultRootDepth is the depth assigned to participants without a
	// referrer.
	DefaultRootDepth uint32 = 1
)

// Participant is a read-only view of a graph node.
type Participant struct {
	Address     common.Address
	Referrer    common.Address
	HasReferrer bool
	Depth       uint32
	Level       uint32
	Chain       []common.Address
	Recruits    int
}

type node struct {
	referrer    common.Address
	hasReferrer bool
	depth       uint32
	level       uint32
	chain       []common.Address
	recruits    []common.Address
}

func (n *node) view(addr common.Address) Participant {
	return Participant{
		Address:     addr,
		Referrer:    n.referrer,
		HasReferrer: n.hasReferrer,
		Depth:       n.depth,
		Level:       n.level,
		Chain:       copyAddresses(n.chain),
		Recruits:    len(n.recruits),
	}
}

func copyAddresses(in []common.Address) []common.Address {
	out := make([]common.Address, len(in))
	copy(out, in)
	return out
}
