package model

import "errors"

// Engine failures. Every one aborts the call that raised it and leaves state untouched.
var (
	ErrInvalidMultiplier    = errors.New("invalid multiplier")
	ErrInvalidHouseEdge     = errors.New("invalid house edge")
	ErrInvalidMantissa      = errors.New("invalid mantissa")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrBetTooSmall          = errors.New("bet too small")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrRiskLimitExceeded    = errors.New("risk limit exceeded")
	ErrUnknownRequest       = errors.New("unknown request")
	ErrUnauthorizedProvider = errors.New("unauthorized randomness provider")
	ErrUnauthorizedConsumer = errors.New("unauthorized randomness consumer")
	ErrRoundNotElapsed      = errors.New("round not elapsed")
	ErrRoundNotOpen         = errors.New("round not open")
	ErrEmptyRound           = errors.New("round has no deposits")
	ErrNotRegisteredGame    = errors.New("not a registered game")
	ErrNotOwner             = errors.New("caller is not the owner")
)
