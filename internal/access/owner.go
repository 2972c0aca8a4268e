// Package access holds the single-principal ownership check shared by the
// engine components.
package access

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"sigmaSquared/internal/model"
)

// Owner stores the principal allowed to call administrative operations.
type Owner struct {
	mu    sync.RWMutex
	owner common.Address
}

func NewOwner(owner common.Address) *Owner {
	return &Owner{owner: owner}
}

// Check returns ErrNotOwner unless caller is the current owner.
func (o *Owner) Check(caller common.Address) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if caller != o.owner {
		return fmt.Errorf("%w: %s", model.ErrNotOwner, caller.Hex())
	}
	return nil
}

func (o *Owner) Address() common.Address {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owner
}

// Transfer hands ownership to next. Only the current owner may call it.
func (o *Owner) Transfer(caller, next common.Address) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if caller != o.owner {
		return fmt.Errorf("%w: %s", model.ErrNotOwner, caller.Hex())
	}
	o.owner = next
	return nil
}
