package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RequestID identifies one randomness request. Ids are never reused.
type RequestID = common.Hash

// Amount returns a defensive copy of v, treating nil as zero.
func Amount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// AmountString formats v in base 10, treating nil as zero.
func AmountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
