// Package report captures point-in-time engine state and persists it between
// runs.
package report

import (
	"context"
	"time"

	"sigmaSquared/internal/bernoulli"
	"sigmaSquared/internal/lottery"
	"sigmaSquared/internal/rewards"
)

// Snapshot is the persisted view of one simulation run.
type Snapshot struct {
	Name      string           `json:"name"`
	Block     uint64           `json:"block_number"`
	UpdatedAt string           `json:"updated_at"`
	Bernoulli *bernoulli.Stats `json:"bernoulli,omitempty"`
	Lottery   *lottery.Stats   `json:"lottery,omitempty"`
	Rewards   *rewards.Stats   `json:"rewards,omitempty"`
}

// Stamp sets the block and update time.
func (s *Snapshot) Stamp(block uint64) {
	s.Block = block
	s.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
}

// StateStore persists the last snapshot.
type StateStore interface {
	Load(ctx context.Context) (Snapshot, bool, error)
	Save(ctx context.Context, snapshot Snapshot) error
}
