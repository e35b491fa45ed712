package zone

import "errors"

var (
	ErrInvalidParticipant = errors.New("zone: invalid participant")
	ErrInvalidAmount      = errors.New("zone: amount must be positive")
	ErrInvalidZone        = errors.New("zone: unrecognised zone")
	ErrVolumeOverflow     = errors.New("zone: volume overflow")
)
