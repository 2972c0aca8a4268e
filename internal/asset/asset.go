// Package asset is the custody boundary: components move value only through
// Transfer and never keep token balances of their own.
package asset

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"sigmaSquared/internal/model"
)

// Transfer moves value between a component's account and its counterparties.
type Transfer interface {
	// Escrow pulls amount from the counterparty into the component.
	Escrow(ctx context.Context, from common.Address, amount *big.Int) error
	// Payout pushes amount from the component to the counterparty.
	Payout(ctx context.Context, to common.Address, amount *big.Int) error
	// Balance is the component's current holding.
	Balance(ctx context.Context) (*big.Int, error)
}

// Ledger is an in-memory multi-account token.
type Ledger struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
}

func NewLedger() *Ledger {
	return &Ledger{balances: make(map[common.Address]*big.Int)}
}

// Mint credits amount to account.
func (l *Ledger) Mint(account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: mint %v", model.ErrInvalidAmount, amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(account, amount)
	return nil
}

func (l *Ledger) BalanceOf(account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.Amount(l.balances[account])
}

// Move transfers amount from one account to another.
func (l *Ledger) Move(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: transfer %v", model.ErrInvalidAmount, amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	current := model.Amount(l.balances[from])
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", model.ErrInsufficientBalance, from.Hex(), current, amount)
	}
	l.balances[from] = current.Sub(current, amount)
	l.credit(to, amount)
	return nil
}

func (l *Ledger) credit(account common.Address, amount *big.Int) {
	current := model.Amount(l.balances[account])
	l.balances[account] = current.Add(current, amount)
}

// Vault binds the ledger account of one component.
func (l *Ledger) Vault(self common.Address) *Vault {
	return &Vault{ledger: l, self: self}
}

// Vault implements Transfer on top of a Ledger account.
type Vault struct {
	ledger *Ledger
	self   common.Address
}

func (v *Vault) Address() common.Address {
	return v.self
}

func (v *Vault) Escrow(_ context.Context, from common.Address, amount *big.Int) error {
	if err := v.ledger.Move(from, v.self, amount); err != nil {
		return fmt.Errorf("escrow from %s: %w", from.Hex(), err)
	}
	return nil
}

func (v *Vault) Payout(_ context.Context, to common.Address, amount *big.Int) error {
	if err := v.ledger.Move(v.self, to, amount); err != nil {
		return fmt.Errorf("payout to %s: %w", to.Hex(), err)
	}
	return nil
}

func (v *Vault) Balance(_ context.Context) (*big.Int, error) {
	return v.ledger.BalanceOf(v.self), nil
}
