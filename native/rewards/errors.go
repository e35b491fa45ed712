package rewards

import "errors"

var (
	ErrBpsTooHigh       = errors.New("rewards: weight exceeds 10000 bps")
	ErrInvalidIndex     = errors.New("rewards: table index out of range")
	ErrInvalidComponent = errors.New("rewards: unknown tier component")
	ErrNilStore         = errors.New("rewards: nil table store")
)
