package randomness

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"sigmaSquared/internal/model"
)

// LocalProvider stands in for the external oracle in tests and simulations.
// It must be the gateway's configured provider.
type LocalProvider struct {
	gateway *Gateway
	self    common.Address
}

func NewLocalProvider(gateway *Gateway, self common.Address) *LocalProvider {
	return &LocalProvider{gateway: gateway, self: self}
}

func (p *LocalProvider) Address() common.Address {
	return p.self
}

// Fulfill delivers a fixed value for id.
func (p *LocalProvider) Fulfill(ctx context.Context, id model.RequestID, value *big.Int) error {
	return p.gateway.Deliver(ctx, p.self, id, value)
}

// FulfillPending delivers a fresh uniform 256-bit value to every outstanding
// request in issue order and returns how many were settled.
func (p *LocalProvider) FulfillPending(ctx context.Context) (int, error) {
	settled := 0
	for _, id := range p.gateway.Pending() {
		value, err := Draw()
		if err != nil {
			return settled, err
		}
		if err := p.Fulfill(ctx, id, value); err != nil {
			return settled, err
		}
		settled++
	}
	return settled, nil
}

// Draw returns a uniform value in [0, 2^256).
func Draw() (*big.Int, error) {
	value, err := rand.Int(rand.Reader, maxValue)
	if err != nil {
		return nil, fmt.Errorf("draw randomness: %w", err)
	}
	return value, nil
}
