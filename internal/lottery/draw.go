package lottery

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"sigmaSquared/internal/model"
)

// MaxRedraws bounds rejection sampling. Each redraw is rejected with
// probability below pool/2^256, so the cap is never reached with real pools.
const MaxRedraws = 64

var sampleSpace = new(big.Int).Lsh(big.NewInt(1), 256)

// Result describes how a round's winner was chosen.
type Result struct {
	Winner  common.Address
	Ticket  *big.Int
	Sample  *big.Int
	Redraws int
}

// ValidSampleBoundary is the largest multiple of pool not exceeding 2^256.
// Samples at or above it would bias the modulo towards low tickets.
func ValidSampleBoundary(pool *big.Int) (*big.Int, error) {
	if pool == nil || pool.Sign() <= 0 {
		return nil, fmt.Errorf("%w: pool %v", model.ErrEmptyRound, pool)
	}
	remainder := new(big.Int).Mod(sampleSpace, pool)
	return remainder.Sub(sampleSpace, remainder), nil
}

// AcceptSample rehashes value with keccak256 until it falls below the valid
// sample boundary and reports how many redraws that took.
func AcceptSample(value, pool *big.Int) (*big.Int, int, error) {
	if value == nil || value.Sign() < 0 || value.Cmp(sampleSpace) >= 0 {
		return nil, 0, fmt.Errorf("%w: sample out of range", model.ErrInvalidAmount)
	}
	boundary, err := ValidSampleBoundary(pool)
	if err != nil {
		return nil, 0, err
	}

	sample := new(big.Int).Set(value)
	for redraws := 0; redraws <= MaxRedraws; redraws++ {
		if sample.Cmp(boundary) < 0 {
			return sample, redraws, nil
		}
		sample = rehash(sample)
	}
	return nil, MaxRedraws, fmt.Errorf("no valid sample after %d redraws", MaxRedraws)
}

// Draw picks the entrant whose half-open cumulative deposit interval, in
// entry order, contains the accepted sample modulo the pool.
func Draw(value, pool *big.Int, entrants []common.Address, deposits map[common.Address]*big.Int) (Result, error) {
	sample, redraws, err := AcceptSample(value, pool)
	if err != nil {
		return Result{}, err
	}
	ticket := new(big.Int).Mod(sample, pool)

	cumulative := new(big.Int)
	for _, entrant := range entrants {
		cumulative.Add(cumulative, model.Amount(deposits[entrant]))
		if ticket.Cmp(cumulative) < 0 {
			return Result{Winner: entrant, Ticket: ticket, Sample: sample, Redraws: redraws}, nil
		}
	}
	return Result{}, fmt.Errorf("ticket %s outside deposits totalling %s", ticket, cumulative)
}

// rehash is keccak256 over the 32-byte big-endian encoding of sample.
func rehash(sample *big.Int) *big.Int {
	digest := crypto.Keccak256(common.BigToHash(sample).Bytes())
	return new(big.Int).SetBytes(digest)
}
