package referral

import "errors"

var (
	ErrInvalidParticipant = errors.New("referral: invalid participant")
	ErrAlreadyLinked      = errors.New("referral: referee already linked")
	ErrCycle              = errors.New("referral: link would create a cycle")
	ErrHasDownline        = errors.New("referral: referee already anchors a downline")
	ErrUnknownParticipant = errors.New("referral: participant not found")
	ErrInvalidLevel       = errors.New("referral: level out of range")
)
