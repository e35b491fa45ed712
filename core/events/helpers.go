package events

import (
	"math/big"
	"strconv"
)

func bigString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

func uintString(value uint64) string {
	return strconv.FormatUint(value, 10)
}
