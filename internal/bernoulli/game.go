// Package bernoulli runs single-outcome wagers against a house pool. Every bet
// is escrowed, held pending until the randomness gateway delivers a value for
// its request id, and then settled exactly once.
package bernoulli

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
	"sigmaSquared/internal/fixedpoint"
	"sigmaSquared/internal/model"
	"sigmaSquared/internal/randomness"
	"sigmaSquared/internal/storage"
)

// Rewards receives settlement reports from the game.
type Rewards interface {
	RecordLoss(ctx context.Context, game, participant common.Address, loss *big.Int, tag model.RequestID) error
	RecordWin(ctx context.Context, game, participant common.Address, stake, payout *big.Int, tag model.RequestID) error
}

// Config holds the identities and initial risk parameters of a game.
type Config struct {
	Address           common.Address
	Owner             common.Address
	MaxLossMantissa   uint64
	HouseEdgeMantissa uint64
	MinBet            *big.Int
}

// Bet is one pending wager.
type Bet struct {
	ID                 model.RequestID `json:"id"`
	Bettor             common.Address  `json:"bettor"`
	Stake              *big.Int        `json:"stake"`
	MultiplierMantissa uint64          `json:"multiplier_mantissa"`
	PlacedAt           uint64          `json:"placed_at"`
}

// Stats is a consistent snapshot of the game's risk counters.
type Stats struct {
	ActiveBets          int      `json:"active_bets"`
	Balance             *big.Int `json:"balance"`
	TotalAtRisk         *big.Int `json:"total_at_risk"`
	TotalPendingStake   *big.Int `json:"total_pending_stake"`
	TotalVolume         *big.Int `json:"total_volume"`
	TotalContractProfit *big.Int `json:"total_contract_profit"`
	MaxLossMantissa     uint64   `json:"max_loss_mantissa"`
	HouseEdgeMantissa   uint64   `json:"house_edge_mantissa"`
	MinBet              *big.Int `json:"min_bet"`
	Accepted            uint64   `json:"accepted"`
	Settled             uint64   `json:"settled"`
}

// Game is the wager ledger.
type Game struct {
	address common.Address
	owner   *access.Owner
	vault   asset.Transfer
	clock   chain.Clock
	sink    storage.Sink
	logger  *zap.Logger

	mu       sync.Mutex
	source   randomness.Source
	rewards  Rewards
	maxLoss  uint64
	edge     uint64
	minBet   *big.Int
	bets     map[model.RequestID]*Bet
	atRisk   *big.Int
	pending  *big.Int
	volume   *big.Int
	profit   *big.Int
	settled  uint64
	accepted uint64
}

// New builds a game that escrows through vault and settles with values from
// source. A nil clock stamps bets with block 0.
func New(cfg Config, vault asset.Transfer, source randomness.Source, clock chain.Clock, sink storage.Sink, logger *zap.Logger) (*Game, error) {
	if vault == nil {
		return nil, fmt.Errorf("game vault is nil")
	}
	if source == nil {
		return nil, fmt.Errorf("randomness source is nil")
	}
	if err := fixedpoint.ValidateFraction(cfg.MaxLossMantissa); err != nil {
		return nil, fmt.Errorf("max loss: %w", err)
	}
	if err := fixedpoint.ValidateHouseEdge(cfg.HouseEdgeMantissa); err != nil {
		return nil, err
	}
	if cfg.MinBet != nil && cfg.MinBet.Sign() < 0 {
		return nil, fmt.Errorf("%w: min bet %s", model.ErrInvalidAmount, cfg.MinBet)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Game{
		address: cfg.Address,
		owner:   access.NewOwner(cfg.Owner),
		vault:   vault,
		clock:   clock,
		sink:    sink,
		logger:  logger.With(zap.String("component", "bernoulli")),
		source:  source,
		maxLoss: cfg.MaxLossMantissa,
		edge:    cfg.HouseEdgeMantissa,
		minBet:  model.Amount(cfg.MinBet),
		bets:    make(map[model.RequestID]*Bet),
		atRisk:  new(big.Int),
		pending: new(big.Int),
		volume:  new(big.Int),
		profit:  new(big.Int),
	}, nil
}

func (g *Game) Address() common.Address {
	return g.address
}

func (g *Game) Owner() *access.Owner {
	return g.owner
}

// PlaceBet escrows stake and requests randomness for it. The returned id
// settles the bet when the gateway delivers a value for it.
func (g *Game) PlaceBet(ctx context.Context, bettor common.Address, stake *big.Int, multiplier uint64) (model.RequestID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if stake == nil || stake.Sign() <= 0 || stake.Cmp(g.minBet) < 0 {
		return model.RequestID{}, fmt.Errorf("%w: stake %v below %s", model.ErrBetTooSmall, stake, g.minBet)
	}
	if err := fixedpoint.ValidateMultiplier(multiplier); err != nil {
		return model.RequestID{}, err
	}

	payout := fixedpoint.Payout(stake, multiplier)
	net := fixedpoint.NetLiability(stake, multiplier)

	balance, err := g.vault.Balance(ctx)
	if err != nil {
		return model.RequestID{}, fmt.Errorf("read balance: %w", err)
	}

	// Funds not already owed to pending bets, including this stake once escrowed.
	available := new(big.Int).Add(balance, stake)
	available.Sub(available, g.atRisk)
	available.Sub(available, g.pending)
	if payout.Cmp(available) > 0 {
		return model.RequestID{}, fmt.Errorf("%w: payout %s exceeds available %s", model.ErrInsufficientFunds, payout, available)
	}

	limit := fixedpoint.ApplyFraction(balance, g.maxLoss)
	if net.Cmp(limit) > 0 {
		return model.RequestID{}, fmt.Errorf("%w: net liability %s exceeds %s", model.ErrRiskLimitExceeded, net, limit)
	}

	if err := g.vault.Escrow(ctx, bettor, stake); err != nil {
		return model.RequestID{}, fmt.Errorf("escrow stake: %w", err)
	}

	id, err := g.source.RequestRandomness(ctx, g)
	if err != nil {
		if refundErr := g.vault.Payout(ctx, bettor, stake); refundErr != nil {
			g.logger.Error("refund stake failed",
				zap.String("bettor", bettor.Hex()),
				zap.String("stake", stake.String()),
				zap.Error(refundErr),
			)
		}
		return model.RequestID{}, fmt.Errorf("request randomness: %w", err)
	}

	height := g.blockNumber(ctx)
	bet := &Bet{
		ID:                 id,
		Bettor:             bettor,
		Stake:              model.Amount(stake),
		MultiplierMantissa: multiplier,
		PlacedAt:           height,
	}
	g.bets[id] = bet
	g.atRisk.Add(g.atRisk, net)
	g.pending.Add(g.pending, stake)
	g.volume.Add(g.volume, stake)
	g.accepted++

	g.logger.Debug("bet accepted",
		zap.String("request_id", id.Hex()),
		zap.String("bettor", bettor.Hex()),
		zap.String("stake", stake.String()),
		zap.String("multiplier", fixedpoint.FormatMantissa(multiplier)),
	)
	storage.Emit(ctx, g.sink, g.logger, model.NewEvent(model.EventBetAccepted, "bernoulli", height, model.BetAcceptedData{
		RequestID:  id.Hex(),
		Bettor:     bettor.Hex(),
		Stake:      stake.String(),
		Multiplier: multiplier,
	}))
	return id, nil
}

// ReceiveRandomness settles the bet registered under id.
func (g *Game) ReceiveRandomness(ctx context.Context, source common.Address, id model.RequestID, value *big.Int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.source == nil || source != g.source.Address() {
		return fmt.Errorf("%w: %s", model.ErrUnauthorizedProvider, source.Hex())
	}
	bet, ok := g.bets[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownRequest, id.Hex())
	}

	outcome, err := fixedpoint.Decide(fixedpoint.Reduce(value), bet.MultiplierMantissa, g.edge)
	if err != nil {
		return fmt.Errorf("decide bet: %w", err)
	}

	payout := fixedpoint.Payout(bet.Stake, bet.MultiplierMantissa)
	net := new(big.Int).Sub(payout, bet.Stake)
	amount := bet.Stake
	if outcome == fixedpoint.Win {
		if err := g.vault.Payout(ctx, bet.Bettor, payout); err != nil {
			return fmt.Errorf("pay winnings: %w", err)
		}
		g.profit.Sub(g.profit, net)
		amount = payout
	} else {
		g.profit.Add(g.profit, bet.Stake)
	}
	g.atRisk.Sub(g.atRisk, net)
	g.pending.Sub(g.pending, bet.Stake)
	delete(g.bets, id)
	g.settled++

	g.report(ctx, bet, outcome, payout)

	g.logger.Debug("bet settled",
		zap.String("request_id", id.Hex()),
		zap.String("bettor", bet.Bettor.Hex()),
		zap.String("stake", bet.Stake.String()),
		zap.Stringer("outcome", outcome),
	)
	storage.Emit(ctx, g.sink, g.logger, model.NewEvent(model.EventBetSettled, "bernoulli", g.blockNumber(ctx), model.BetSettledData{
		RequestID: id.Hex(),
		Bettor:    bet.Bettor.Hex(),
		Outcome:   outcome.String(),
		Amount:    amount.String(),
	}))
	return nil
}

// report forwards the settlement to the rewards ledger. A failure is logged
// and the settlement stands.
func (g *Game) report(ctx context.Context, bet *Bet, outcome fixedpoint.Outcome, payout *big.Int) {
	if g.rewards == nil {
		return
	}
	var err error
	if outcome == fixedpoint.Win {
		err = g.rewards.RecordWin(ctx, g.address, bet.Bettor, bet.Stake, payout, bet.ID)
	} else {
		err = g.rewards.RecordLoss(ctx, g.address, bet.Bettor, bet.Stake, bet.ID)
	}
	if err != nil {
		g.logger.Warn("report settlement to rewards failed",
			zap.String("request_id", bet.ID.Hex()),
			zap.String("bettor", bet.Bettor.Hex()),
			zap.Error(err),
		)
	}
}

// Fund tops up the house pool from account.
func (g *Game) Fund(ctx context.Context, from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: fund %v", model.ErrInvalidAmount, amount)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.vault.Escrow(ctx, from, amount); err != nil {
		return fmt.Errorf("fund pool: %w", err)
	}
	return nil
}

// Withdraw pays amount to the owner, never touching funds owed to pending bets.
func (g *Game) Withdraw(ctx context.Context, caller common.Address, amount *big.Int) error {
	if err := g.owner.Check(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: withdraw %v", model.ErrInvalidAmount, amount)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	balance, err := g.vault.Balance(ctx)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	remaining := new(big.Int).Sub(balance, amount)
	committed := new(big.Int).Add(g.atRisk, g.pending)
	if remaining.Cmp(committed) < 0 {
		return fmt.Errorf("%w: withdrawing %s leaves %s, pending bets need %s", model.ErrInsufficientFunds, amount, remaining, committed)
	}
	if err := g.vault.Payout(ctx, caller, amount); err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	g.logger.Info("house withdrawal", zap.String("amount", amount.String()))
	return nil
}

func (g *Game) SetMaxLossMantissa(caller common.Address, value uint64) error {
	if err := g.owner.Check(caller); err != nil {
		return err
	}
	if err := fixedpoint.ValidateFraction(value); err != nil {
		return fmt.Errorf("max loss: %w", err)
	}
	g.mu.Lock()
	g.maxLoss = value
	g.mu.Unlock()
	return nil
}

// SetHouseEdge applies to every settlement from now on, pending bets included.
func (g *Game) SetHouseEdge(caller common.Address, value uint64) error {
	if err := g.owner.Check(caller); err != nil {
		return err
	}
	if err := fixedpoint.ValidateHouseEdge(value); err != nil {
		return err
	}
	g.mu.Lock()
	g.edge = value
	g.mu.Unlock()
	return nil
}

func (g *Game) SetMinBet(caller common.Address, value *big.Int) error {
	if err := g.owner.Check(caller); err != nil {
		return err
	}
	if value == nil || value.Sign() < 0 {
		return fmt.Errorf("%w: min bet %v", model.ErrInvalidAmount, value)
	}
	g.mu.Lock()
	g.minBet = model.Amount(value)
	g.mu.Unlock()
	return nil
}

// SetRandomnessSource switches the gateway used for new bets. Callbacks for
// bets placed through the old gateway are rejected afterwards.
func (g *Game) SetRandomnessSource(caller common.Address, source randomness.Source) error {
	if err := g.owner.Check(caller); err != nil {
		return err
	}
	if source == nil {
		return fmt.Errorf("randomness source is nil")
	}
	g.mu.Lock()
	g.source = source
	g.mu.Unlock()
	return nil
}

// SetGameRewards wires a rewards ledger. Nil disables reporting.
func (g *Game) SetGameRewards(caller common.Address, rewards Rewards) error {
	if err := g.owner.Check(caller); err != nil {
		return err
	}
	g.mu.Lock()
	g.rewards = rewards
	g.mu.Unlock()
	return nil
}

func (g *Game) GameRewards() Rewards {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rewards
}

func (g *Game) NumActiveBets() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.bets)
}

func (g *Game) TotalAtRisk() *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return model.Amount(g.atRisk)
}

func (g *Game) TotalVolume() *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return model.Amount(g.volume)
}

// TotalContractProfit is signed; it goes negative when winners outpace losers.
func (g *Game) TotalContractProfit() *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return model.Amount(g.profit)
}

func (g *Game) ContractBalance(ctx context.Context) (*big.Int, error) {
	return g.vault.Balance(ctx)
}

// Bet returns a copy of the pending bet for id.
func (g *Game) Bet(id model.RequestID) (Bet, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	bet, ok := g.bets[id]
	if !ok {
		return Bet{}, false
	}
	out := *bet
	out.Stake = model.Amount(bet.Stake)
	return out, true
}

func (g *Game) Stats(ctx context.Context) (Stats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	balance, err := g.vault.Balance(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("read balance: %w", err)
	}
	return Stats{
		ActiveBets:          len(g.bets),
		Balance:             balance,
		TotalAtRisk:         model.Amount(g.atRisk),
		TotalPendingStake:   model.Amount(g.pending),
		TotalVolume:         model.Amount(g.volume),
		TotalContractProfit: model.Amount(g.profit),
		MaxLossMantissa:     g.maxLoss,
		HouseEdgeMantissa:   g.edge,
		MinBet:              model.Amount(g.minBet),
		Accepted:            g.accepted,
		Settled:             g.settled,
	}, nil
}

func (g *Game) blockNumber(ctx context.Context) uint64 {
	if g.clock == nil {
		return 0
	}
	height, err := g.clock.BlockNumber(ctx)
	if err != nil {
		g.logger.Warn("read block number failed", zap.Error(err))
		return 0
	}
	return height
}
