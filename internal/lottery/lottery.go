// Package lottery pools deposits over a block-bounded round and pays the
// whole pool, less the house edge, to one depositor drawn with probability
// proportional to their deposit.
package lottery

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

// State is the round lifecycle: Open accepts deposits, Closing waits for the
// randomness that picks the winner.
type State int

const (
	Open State = iota
	Closing
)

func (s State) String() string {
	if s == Closing {
		return "closing"
	}
	return "open"
}

// Config holds the identities and initial parameters of a lottery.
type Config struct {
	Address           common.Address
	Owner             common.Address
	HouseEdgeMantissa uint64
	RoundMinLength    uint64
}

// Round is one deposit window.
type Round struct {
	Number     uint64                      `json:"number"`
	StartBlock uint64                      `json:"start_block"`
	EndBlock   uint64                      `json:"end_block"`
	Pool       *big.Int                    `json:"pool"`
	Entrants   []common.Address            `json:"entrants"`
	Deposits   map[common.Address]*big.Int `json:"deposits"`
}

func newRound(number, start, length uint64) *Round {
	return &Round{
		Number:     number,
		StartBlock: start,
		EndBlock:   start + length,
		Pool:       new(big.Int),
		Deposits:   make(map[common.Address]*big.Int),
	}
}

func (r *Round) clone() Round {
	out := Round{
		Number:     r.Number,
		StartBlock: r.StartBlock,
		EndBlock:   r.EndBlock,
		Pool:       model.Amount(r.Pool),
		Entrants:   append([]common.Address(nil), r.Entrants...),
		Deposits:   make(map[common.Address]*big.Int, len(r.Deposits)),
	}
	for entrant, amount := range r.Deposits {
		out.Deposits[entrant] = model.Amount(amount)
	}
	return out
}

// Stats is a point-in-time view of the lottery.
type Stats struct {
	State               string   `json:"state"`
	Round               uint64   `json:"round"`
	StartBlock          uint64   `json:"start_block"`
	EndBlock            uint64   `json:"end_block"`
	Pool                *big.Int `json:"pool"`
	Entrants            int      `json:"entrants"`
	HouseEdgeMantissa   uint64   `json:"house_edge_mantissa"`
	RoundMinLength      uint64   `json:"round_min_length"`
	HouseBalance        *big.Int `json:"house_balance"`
	TotalContractProfit *big.Int `json:"total_contract_profit"`
	RoundsSettled       uint64   `json:"rounds_settled"`
}

// Lottery runs consecutive rounds.
type Lottery struct {
	address common.Address
	owner   *access.Owner
	vault   asset.Transfer
	source  randomness.Source
	clock   chain.Clock
	sink    storage.Sink
	logger  *zap.Logger

	mu             sync.Mutex
	state          State
	pendingID      model.RequestID
	edge           uint64
	roundMinLength uint64
	round          *Round
	profit         *big.Int
	houseBalance   *big.Int
	settled        uint64
}

// New opens round 1 at the clock's current height.
func New(ctx context.Context, cfg Config, vault asset.Transfer, source randomness.Source, clock chain.Clock, sink storage.Sink, logger *zap.Logger) (*Lottery, error) {
	if vault == nil {
		return nil, fmt.Errorf("lottery vault is nil")
	}
	if source == nil {
		return nil, fmt.Errorf("randomness source is nil")
	}
	if clock == nil {
		return nil, fmt.Errorf("lottery clock is nil")
	}
	if err := fixedpoint.ValidateHouseEdge(cfg.HouseEdgeMantissa); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	start, err := clock.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("read block number: %w", err)
	}

	return &Lottery{
		address:        cfg.Address,
		owner:          access.NewOwner(cfg.Owner),
		vault:          vault,
		source:         source,
		clock:          clock,
		sink:           sink,
		logger:         logger.With(zap.String("component", "lottery")),
		state:          Open,
		edge:           cfg.HouseEdgeMantissa,
		roundMinLength: cfg.RoundMinLength,
		round:          newRound(1, start, cfg.RoundMinLength),
		profit:         new(big.Int),
		houseBalance:   new(big.Int),
	}, nil
}

func (l *Lottery) Address() common.Address {
	return l.address
}

func (l *Lottery) Owner() *access.Owner {
	return l.owner
}

// Deposit escrows amount and adds it to participant's share of the round.
func (l *Lottery) Deposit(ctx context.Context, participant common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit %v", model.ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Open {
		return fmt.Errorf("%w: round %d is %s", model.ErrRoundNotOpen, l.round.Number, l.state)
	}
	if err := l.vault.Escrow(ctx, participant, amount); err != nil {
		return fmt.Errorf("escrow deposit: %w", err)
	}

	current, ok := l.round.Deposits[participant]
	if !ok {
		current = new(big.Int)
		l.round.Entrants = append(l.round.Entrants, participant)
	}
	l.round.Deposits[participant] = current.Add(current, amount)
	l.round.Pool.Add(l.round.Pool, amount)

	l.logger.Debug("deposit accepted",
		zap.Uint64("round", l.round.Number),
		zap.String("participant", participant.Hex()),
		zap.String("amount", amount.String()),
	)
	return nil
}

// TriggerRoundEnd closes deposits once the round has reached its end block
// and requests the randomness that settles it.
func (l *Lottery) TriggerRoundEnd(ctx context.Context, caller common.Address) (model.RequestID, error) {
	height, err := l.clock.BlockNumber(ctx)
	if err != nil {
		return model.RequestID{}, fmt.Errorf("read block number: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Open {
		return model.RequestID{}, fmt.Errorf("%w: round %d is %s", model.ErrRoundNotOpen, l.round.Number, l.state)
	}
	if height < l.round.EndBlock {
		return model.RequestID{}, fmt.Errorf("%w: round %d ends at %d, now %d", model.ErrRoundNotElapsed, l.round.Number, l.round.EndBlock, height)
	}
	if l.round.Pool.Sign() == 0 {
		return model.RequestID{}, fmt.Errorf("%w: round %d", model.ErrEmptyRound, l.round.Number)
	}

	id, err := l.source.RequestRandomness(ctx, l)
	if err != nil {
		return model.RequestID{}, fmt.Errorf("request randomness: %w", err)
	}
	l.state = Closing
	l.pendingID = id

	l.logger.Info("round end triggered",
		zap.Uint64("round", l.round.Number),
		zap.String("request_id", id.Hex()),
		zap.String("caller", caller.Hex()),
		zap.String("pool", l.round.Pool.String()),
	)
	storage.Emit(ctx, l.sink, l.logger, model.NewEvent(model.EventRoundEndTriggered, "lottery", height, model.RoundEndTriggeredData{
		RequestID: id.Hex(),
		Round:     l.round.Number,
		Pool:      l.round.Pool.String(),
	}))
	return id, nil
}

// ReceiveRandomness draws the winner of the closing round, pays them and
// opens the next round.
func (l *Lottery) ReceiveRandomness(ctx context.Context, source common.Address, id model.RequestID, value *big.Int) error {
	height, err := l.clock.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read block number: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if source != l.source.Address() {
		return fmt.Errorf("%w: %s", model.ErrUnauthorizedProvider, source.Hex())
	}
	if l.state != Closing || id != l.pendingID {
		return fmt.Errorf("%w: %s", model.ErrUnknownRequest, id.Hex())
	}

	round := l.round
	result, err := Draw(value, round.Pool, round.Entrants, round.Deposits)
	if err != nil {
		return fmt.Errorf("draw round %d: %w", round.Number, err)
	}

	prize := fixedpoint.ApplyFraction(round.Pool, fixedpoint.MantissaScale-l.edge)
	fee := new(big.Int).Sub(round.Pool, prize)
	if prize.Sign() > 0 {
		if err := l.vault.Payout(ctx, result.Winner, prize); err != nil {
			return fmt.Errorf("pay winner: %w", err)
		}
	}
	l.profit.Add(l.profit, fee)
	l.houseBalance.Add(l.houseBalance, fee)
	l.settled++

	l.state = Open
	l.pendingID = model.RequestID{}
	l.round = newRound(round.Number+1, height, l.roundMinLength)

	l.logger.Info("round settled",
		zap.Uint64("round", round.Number),
		zap.String("request_id", id.Hex()),
		zap.String("winner", result.Winner.Hex()),
		zap.String("amount", prize.String()),
		zap.String("ticket", result.Ticket.String()),
		zap.Int("redraws", result.Redraws),
	)
	storage.Emit(ctx, l.sink, l.logger, model.NewEvent(model.EventRoundSettled, "lottery", height, model.RoundSettledData{
		RequestID: id.Hex(),
		Round:     round.Number,
		Winner:    result.Winner.Hex(),
		Amount:    prize.String(),
		Fee:       fee.String(),
		Ticket:    result.Ticket.String(),
		Redraws:   result.Redraws,
	}))
	return nil
}

// SetHouseEdge applies to the next settlement, including a round already closing.
func (l *Lottery) SetHouseEdge(caller common.Address, value uint64) error {
	if err := l.owner.Check(caller); err != nil {
		return err
	}
	if err := fixedpoint.ValidateHouseEdge(value); err != nil {
		return err
	}
	l.mu.Lock()
	l.edge = value
	l.mu.Unlock()
	return nil
}

// SetRoundMinLength takes effect when the next round opens.
func (l *Lottery) SetRoundMinLength(caller common.Address, blocks uint64) error {
	if err := l.owner.Check(caller); err != nil {
		return err
	}
	l.mu.Lock()
	l.roundMinLength = blocks
	l.mu.Unlock()
	return nil
}

// Withdraw pays accumulated house fees to the owner. Round pools are never
// withdrawable.
func (l *Lottery) Withdraw(ctx context.Context, caller common.Address, amount *big.Int) error {
	if err := l.owner.Check(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: withdraw %v", model.ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if amount.Cmp(l.houseBalance) > 0 {
		return fmt.Errorf("%w: withdrawing %s, house holds %s", model.ErrInsufficientFunds, amount, l.houseBalance)
	}
	if err := l.vault.Payout(ctx, caller, amount); err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	l.houseBalance.Sub(l.houseBalance, amount)
	l.logger.Info("house withdrawal", zap.String("amount", amount.String()))
	return nil
}

func (l *Lottery) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lottery) CurrentRoundPool() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.Amount(l.round.Pool)
}

// CurrentRoundPrize is what the winner would receive at the current house edge.
func (l *Lottery) CurrentRoundPrize() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fixedpoint.ApplyFraction(l.round.Pool, fixedpoint.MantissaScale-l.edge)
}

func (l *Lottery) CurrentRoundStart() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.round.StartBlock
}

func (l *Lottery) CurrentRoundEnd() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.round.EndBlock
}

func (l *Lottery) RoundMinLength() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roundMinLength
}

func (l *Lottery) EntrantsCurrentDeposit(participant common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.Amount(l.round.Deposits[participant])
}

func (l *Lottery) TotalContractProfit() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.Amount(l.profit)
}

func (l *Lottery) HouseBalance() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.Amount(l.houseBalance)
}

// CurrentRound returns a copy of the open or closing round.
func (l *Lottery) CurrentRound() Round {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.round.clone()
}

func (l *Lottery) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		State:               l.state.String(),
		Round:               l.round.Number,
		StartBlock:          l.round.StartBlock,
		EndBlock:            l.round.EndBlock,
		Pool:                model.Amount(l.round.Pool),
		Entrants:            len(l.round.Entrants),
		HouseEdgeMantissa:   l.edge,
		RoundMinLength:      l.roundMinLength,
		HouseBalance:        model.Amount(l.houseBalance),
		TotalContractProfit: model.Amount(l.profit),
		RoundsSettled:       l.settled,
	}
}
