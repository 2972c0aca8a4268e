// Package fixedpoint converts multipliers, house edges and raw random samples
// into win/loss decisions and payouts using integer arithmetic scaled by 1e8.
package fixedpoint

import (
	"fmt"
	"math/big"

	"sigmaSquared/internal/model"
)

// MantissaScale is the fixed-point unit: 1e8 represents 1.0.
const MantissaScale uint64 = 100_000_000

var (
	scale = new(big.Int).SetUint64(MantissaScale)

	// SampleSpace is the size of the space a multiplier threshold is drawn from.
	SampleSpace = new(big.Int).Lsh(big.NewInt(1), 128)
)

// Outcome is the result of a single Bernoulli trial.
type Outcome int

const (
	Loss Outcome = iota
	Win
)

func (o Outcome) String() string {
	if o == Win {
		return "win"
	}
	return "loss"
}

// ValidateMultiplier requires a multiplier strictly above 1x.
func ValidateMultiplier(multiplier uint64) error {
	if multiplier <= MantissaScale {
		return fmt.Errorf("%w: %d must exceed %d", model.ErrInvalidMultiplier, multiplier, MantissaScale)
	}
	return nil
}

// ValidateHouseEdge requires an edge between 0% and 100% inclusive.
func ValidateHouseEdge(edge uint64) error {
	if edge > MantissaScale {
		return fmt.Errorf("%w: %d exceeds %d", model.ErrInvalidHouseEdge, edge, MantissaScale)
	}
	return nil
}

// ValidateFraction requires a mantissa between 0 and 1 inclusive.
func ValidateFraction(value uint64) error {
	if value > MantissaScale {
		return fmt.Errorf("%w: %d exceeds %d", model.ErrInvalidMantissa, value, MantissaScale)
	}
	return nil
}

// Threshold returns SampleSpace * (1 - edge) / multiplier, rounded down.
// Samples strictly below the threshold win.
func Threshold(multiplier, edge uint64) (*big.Int, error) {
	if err := ValidateMultiplier(multiplier); err != nil {
		return nil, err
	}
	if err := ValidateHouseEdge(edge); err != nil {
		return nil, err
	}
	threshold := new(big.Int).Mul(SampleSpace, new(big.Int).SetUint64(MantissaScale-edge))
	threshold.Div(threshold, new(big.Int).SetUint64(multiplier))
	return threshold, nil
}

// Decide maps a random sample to an outcome. The threshold sample itself loses.
func Decide(sample *big.Int, multiplier, edge uint64) (Outcome, error) {
	if sample == nil || sample.Sign() < 0 {
		return Loss, fmt.Errorf("invalid sample: %v", sample)
	}
	threshold, err := Threshold(multiplier, edge)
	if err != nil {
		return Loss, err
	}
	if sample.Cmp(threshold) < 0 {
		return Win, nil
	}
	return Loss, nil
}

// Payout returns stake * multiplier / 1e8, rounded down.
func Payout(stake *big.Int, multiplier uint64) *big.Int {
	payout := new(big.Int).Mul(model.Amount(stake), new(big.Int).SetUint64(multiplier))
	return payout.Div(payout, scale)
}

// NetLiability is what a winning bet costs the pool beyond returning the stake.
// Truncation can make it zero for small stakes.
func NetLiability(stake *big.Int, multiplier uint64) *big.Int {
	payout := Payout(stake, multiplier)
	return payout.Sub(payout, model.Amount(stake))
}

// ApplyFraction returns amount * fraction / 1e8, rounded down.
func ApplyFraction(amount *big.Int, fraction uint64) *big.Int {
	out := new(big.Int).Mul(model.Amount(amount), new(big.Int).SetUint64(fraction))
	return out.Div(out, scale)
}

// Reduce folds a delivered random value into the sample space by keeping its
// low 128 bits. Values already below SampleSpace are returned unchanged.
func Reduce(value *big.Int) *big.Int {
	return new(big.Int).Mod(model.Amount(value), SampleSpace)
}
