// Package rewards distributes a per-block token emission to bettors in
// proportion to the largest single loss each suffered during a round.
package rewards

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"sigmaSquared/internal/access"
	"sigmaSquared/internal/asset"
	"sigmaSquared/internal/chain"
	"sigmaSquared/internal/model"
	"sigmaSquared/internal/storage"
)

// Config holds the deployment parameters of a rewards ledger.
type Config struct {
	Address          common.Address
	Owner            common.Address
	RoundMinLength   uint64
	EmissionPerBlock *big.Int
	LifetimeCap      *big.Int
}

// Stats is a point-in-time view of the ledger.
type Stats struct {
	StartBlock       uint64   `json:"start_block"`
	RoundMinLength   uint64   `json:"round_min_length"`
	EmissionPerBlock *big.Int `json:"emission_per_block"`
	LifetimeCap      *big.Int `json:"lifetime_cap"`
	TotalLargestLoss *big.Int `json:"total_largest_loss"`
	TotalAllocated   *big.Int `json:"total_allocated"`
	TotalUnclaimed   *big.Int `json:"total_unclaimed"`
	TotalWinVolume   *big.Int `json:"total_win_volume"`
	Participants     int      `json:"participants"`
	Games            int      `json:"games"`
}

// Ledger accrues largest-loss rewards reported by registered games.
type Ledger struct {
	address common.Address
	owner   *access.Owner
	vault   asset.Transfer
	clock   chain.Clock
	sink    storage.Sink
	logger  *zap.Logger

	mu               sync.Mutex
	roundMinLength   uint64
	emissionPerBlock *big.Int
	lifetimeCap      *big.Int
	games            map[common.Address]struct{}

	startBlock   uint64
	largest      map[common.Address]*big.Int
	participants []common.Address
	totalLargest *big.Int

	unclaimed      map[common.Address]*big.Int
	totalAllocated *big.Int
	totalUnclaimed *big.Int

	winVolume      map[common.Address]*big.Int
	totalWinVolume *big.Int
}

// New opens the first round at the clock's current height. The vault must
// hold the tokens that claims are paid from.
func New(ctx context.Context, cfg Config, vault asset.Transfer, clock chain.Clock, sink storage.Sink, logger *zap.Logger) (*Ledger, error) {
	if vault == nil {
		return nil, fmt.Errorf("rewards vault is nil")
	}
	if clock == nil {
		return nil, fmt.Errorf("rewards clock is nil")
	}
	if cfg.EmissionPerBlock == nil || cfg.EmissionPerBlock.Sign() < 0 {
		return nil, fmt.Errorf("%w: emission per block %v", model.ErrInvalidAmount, cfg.EmissionPerBlock)
	}
	if cfg.LifetimeCap == nil || cfg.LifetimeCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: lifetime cap %v", model.ErrInvalidAmount, cfg.LifetimeCap)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	start, err := clock.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("read block number: %w", err)
	}

	return &Ledger{
		address:          cfg.Address,
		owner:            access.NewOwner(cfg.Owner),
		vault:            vault,
		clock:            clock,
		sink:             sink,
		logger:           logger.With(zap.String("component", "rewards")),
		roundMinLength:   cfg.RoundMinLength,
		emissionPerBlock: model.Amount(cfg.EmissionPerBlock),
		lifetimeCap:      model.Amount(cfg.LifetimeCap),
		games:            make(map[common.Address]struct{}),
		startBlock:       start,
		largest:          make(map[common.Address]*big.Int),
		totalLargest:     new(big.Int),
		unclaimed:        make(map[common.Address]*big.Int),
		totalAllocated:   new(big.Int),
		totalUnclaimed:   new(big.Int),
		winVolume:        make(map[common.Address]*big.Int),
		totalWinVolume:   new(big.Int),
	}, nil
}

func (l *Ledger) Address() common.Address {
	return l.address
}

func (l *Ledger) Owner() *access.Owner {
	return l.owner
}

// AddGame authorizes game to report losses and wins.
func (l *Ledger) AddGame(caller, game common.Address) error {
	if err := l.owner.Check(caller); err != nil {
		return err
	}
	l.mu.Lock()
	l.games[game] = struct{}{}
	l.mu.Unlock()
	l.logger.Info("game registered", zap.String("game", game.Hex()))
	return nil
}

func (l *Ledger) RemoveGame(caller, game common.Address) error {
	if err := l.owner.Check(caller); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.games, game)
	l.mu.Unlock()
	return nil
}

func (l *Ledger) IsGame(game common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.games[game]
	return ok
}

// RecordLoss raises participant's largest loss for the round to loss if it is
// larger than what was seen so far.
func (l *Ledger) RecordLoss(_ context.Context, game, participant common.Address, loss *big.Int, tag model.RequestID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.games[game]; !ok {
		return fmt.Errorf("%w: %s", model.ErrNotRegisteredGame, game.Hex())
	}
	if loss == nil || loss.Sign() < 0 {
		return fmt.Errorf("%w: loss %v", model.ErrInvalidAmount, loss)
	}

	current, seen := l.largest[participant]
	if !seen {
		current = new(big.Int)
	}
	if loss.Cmp(current) <= 0 {
		return nil
	}
	if !seen {
		l.participants = append(l.participants, participant)
	}
	increase := new(big.Int).Sub(loss, current)
	l.totalLargest.Add(l.totalLargest, increase)
	l.largest[participant] = model.Amount(loss)

	l.logger.Debug("largest loss raised",
		zap.String("participant", participant.Hex()),
		zap.String("loss", loss.String()),
		zap.String("request_id", tag.Hex()),
	)
	return nil
}

// RecordWin only tracks winning volume; wins never earn rewards.
func (l *Ledger) RecordWin(_ context.Context, game, participant common.Address, stake, payout *big.Int, tag model.RequestID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.games[game]; !ok {
		return fmt.Errorf("%w: %s", model.ErrNotRegisteredGame, game.Hex())
	}
	if stake == nil || stake.Sign() < 0 {
		return fmt.Errorf("%w: stake %v", model.ErrInvalidAmount, stake)
	}
	volume := model.Amount(l.winVolume[participant])
	l.winVolume[participant] = volume.Add(volume, stake)
	l.totalWinVolume.Add(l.totalWinVolume, stake)
	return nil
}

// CalculateCurrentRewards projects what participant could claim if the round
// closed now. It does not mutate the ledger.
func (l *Ledger) CalculateCurrentRewards(ctx context.Context, participant common.Address) (*big.Int, error) {
	height, err := l.clock.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("read block number: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := model.Amount(l.unclaimed[participant])
	out.Add(out, l.share(participant, l.emission(height)))
	return out, nil
}

// TriggerRound closes the current round once it has lasted roundMinLength
// blocks and credits every participant's share to their unclaimed balance.
func (l *Ledger) TriggerRound(ctx context.Context, caller common.Address) error {
	height, err := l.clock.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read block number: %w", err)
	}

	l.mu.Lock()
	if height < l.startBlock+l.roundMinLength {
		start := l.startBlock
		l.mu.Unlock()
		return fmt.Errorf("%w: round started at %d, now %d", model.ErrRoundNotElapsed, start, height)
	}

	emission := l.emission(height)
	allocated := new(big.Int)
	for _, participant := range l.participants {
		share := l.share(participant, emission)
		if share.Sign() == 0 {
			continue
		}
		balance := model.Amount(l.unclaimed[participant])
		l.unclaimed[participant] = balance.Add(balance, share)
		allocated.Add(allocated, share)
	}
	l.totalAllocated.Add(l.totalAllocated, allocated)
	l.totalUnclaimed.Add(l.totalUnclaimed, allocated)

	data := model.RewardRoundTriggeredData{
		StartBlock:   l.startBlock,
		EndBlock:     height,
		Allocated:    allocated.String(),
		Participants: len(l.participants),
	}

	l.largest = make(map[common.Address]*big.Int)
	l.participants = nil
	l.totalLargest = new(big.Int)
	l.startBlock = height
	l.mu.Unlock()

	l.logger.Info("reward round triggered",
		zap.String("caller", caller.Hex()),
		zap.Uint64("start_block", data.StartBlock),
		zap.Uint64("end_block", height),
		zap.String("allocated", data.Allocated),
	)
	storage.Emit(ctx, l.sink, l.logger, model.NewEvent(model.EventRewardRoundTriggered, "rewards", height, data))
	return nil
}

// ClaimRewards pays caller's unclaimed balance and returns the amount paid.
func (l *Ledger) ClaimRewards(ctx context.Context, caller common.Address) (*big.Int, error) {
	l.mu.Lock()
	amount := model.Amount(l.unclaimed[caller])
	if amount.Sign() == 0 {
		l.mu.Unlock()
		return amount, nil
	}
	if err := l.vault.Payout(ctx, caller, amount); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("pay rewards: %w", err)
	}
	delete(l.unclaimed, caller)
	l.totalUnclaimed.Sub(l.totalUnclaimed, amount)
	l.mu.Unlock()

	l.logger.Debug("rewards claimed",
		zap.String("participant", caller.Hex()),
		zap.String("amount", amount.String()),
	)
	storage.Emit(ctx, l.sink, l.logger, model.NewEvent(model.EventRewardsClaimed, "rewards", l.blockNumber(ctx), model.RewardsClaimedData{
		Participant: caller.Hex(),
		Amount:      amount.String(),
	}))
	return amount, nil
}

// emission is what the round has earned so far, clipped to the cap headroom.
func (l *Ledger) emission(height uint64) *big.Int {
	if height <= l.startBlock {
		return new(big.Int)
	}
	elapsed := new(big.Int).SetUint64(height - l.startBlock)
	emission := elapsed.Mul(elapsed, l.emissionPerBlock)
	headroom := new(big.Int).Sub(l.lifetimeCap, l.totalAllocated)
	if headroom.Sign() <= 0 {
		return new(big.Int)
	}
	if emission.Cmp(headroom) > 0 {
		return headroom
	}
	return emission
}

func (l *Ledger) share(participant common.Address, emission *big.Int) *big.Int {
	largest, ok := l.largest[participant]
	if !ok || l.totalLargest.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(emission, largest)
	return out.Div(out, l.totalLargest)
}

func (l *Ledger) blockNumber(ctx context.Context) uint64 {
	height, err := l.clock.BlockNumber(ctx)
	if err != nil {
		l.logger.Warn("read block number failed", zap.Error(err))
		return 0
	}
	return height
}

// LifetimeRewards is the configured emission cap.
func (l *Ledger) LifetimeRewards() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.Amount(l.lifetimeCap)
}

// UnclaimedRewards is the total allocated but not yet claimed.
func (l *Ledger) UnclaimedRewards() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.Amount(l.totalUnclaimed)
}

func (l *Ledger) TotalRewardsAllocated() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.Amount(l.totalAllocated)
}

func (l *Ledger) BettorsCurrentLargestLoss(participant common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.Amount(l.largest[participant])
}

func (l *Ledger) CurrentRoundStart() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startBlock
}

func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		StartBlock:       l.startBlock,
		RoundMinLength:   l.roundMinLength,
		EmissionPerBlock: model.Amount(l.emissionPerBlock),
		LifetimeCap:      model.Amount(l.lifetimeCap),
		TotalLargestLoss: model.Amount(l.totalLargest),
		TotalAllocated:   model.Amount(l.totalAllocated),
		TotalUnclaimed:   model.Amount(l.totalUnclaimed),
		TotalWinVolume:   model.Amount(l.totalWinVolume),
		Participants:     len(l.participants),
		Games:            len(l.games),
	}
}
