package bernoulli

import (
	"context"
	"errors"
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"sigmaSquared/internal/asset"
	"sigmaSquared/internal/chain"
	"sigmaSquared/internal/fixedpoint"
	"sigmaSquared/internal/model"
	"sigmaSquared/internal/randomness"
	"sigmaSquared/internal/rewards"
	"sigmaSquared/internal/storage"
)

var (
	ownerAddr    = common.HexToAddress("0x01")
	gatewayAddr  = common.HexToAddress("0x02")
	providerAddr = common.HexToAddress("0x03")
	gameAddr     = common.HexToAddress("0x04")
	bettorAddr   = common.HexToAddress("0xb0")
	rewardsAddr  = common.HexToAddress("0x05")
)

const (
	twoX   = 2 * fixedpoint.MantissaScale
	threeX = 3 * fixedpoint.MantissaScale
)

type fixture struct {
	tokens   *asset.Ledger
	clock    *chain.ManualClock
	gateway  *randomness.Gateway
	provider *randomness.LocalProvider
	game     *Game
	recorder *storage.Recorder
}

func newFixture(t *testing.T, house int64) *fixture {
	t.Helper()
	tokens := asset.NewLedger()
	clock := chain.NewManualClock(1)
	recorder := &storage.Recorder{}
	gateway := randomness.NewGateway(randomness.Config{Address: gatewayAddr, Owner: ownerAddr, Provider: providerAddr}, clock, nil, nil)
	game, err := New(Config{
		Address:         gameAddr,
		Owner:           ownerAddr,
		MaxLossMantissa: fixedpoint.MantissaScale,
	}, tokens.Vault(gameAddr), gateway, clock, recorder, nil)
	if err != nil {
		t.Fatalf("new game: %v", err)
	}
	if err := gateway.AllowConsumer(ownerAddr, gameAddr); err != nil {
		t.Fatalf("allow consumer: %v", err)
	}
	if err := tokens.Mint(bettorAddr, big.NewInt(100_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if house > 0 {
		if err := tokens.Mint(ownerAddr, big.NewInt(house)); err != nil {
			t.Fatalf("mint: %v", err)
		}
		if err := game.Fund(context.Background(), ownerAddr, big.NewInt(house)); err != nil {
			t.Fatalf("fund: %v", err)
		}
	}
	return &fixture{
		tokens:   tokens,
		clock:    clock,
		gateway:  gateway,
		provider: randomness.NewLocalProvider(gateway, providerAddr),
		game:     game,
		recorder: recorder,
	}
}

func (f *fixture) bet(t *testing.T, stake int64, multiplier uint64) model.RequestID {
	t.Helper()
	id, err := f.game.PlaceBet(context.Background(), bettorAddr, big.NewInt(stake), multiplier)
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	return id
}

func (f *fixture) fulfill(t *testing.T, id model.RequestID, sample *big.Int) {
	t.Helper()
	if err := f.provider.Fulfill(context.Background(), id, sample); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, account common.Address) int64 {
	t.Helper()
	return f.tokens.BalanceOf(account).Int64()
}

func hexInt(t *testing.T, value string) *big.Int {
	t.Helper()
	out, ok := new(big.Int).SetString(value, 0)
	if !ok {
		t.Fatalf("bad int literal %s", value)
	}
	return out
}

func evenMoneyBoundary() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), 127)
}

func TestEvenMoneyLossThenWin(t *testing.T) {
	f := newFixture(t, 10)

	start := f.balance(t, bettorAddr)
	id := f.bet(t, 1, twoX)
	f.fulfill(t, id, evenMoneyBoundary())
	if got := f.balance(t, bettorAddr); got != start-1 {
		t.Fatalf("loss balance mismatch: %d", got)
	}

	start = f.balance(t, bettorAddr)
	id = f.bet(t, 1, twoX)
	f.fulfill(t, id, new(big.Int).Sub(evenMoneyBoundary(), big.NewInt(1)))
	if got := f.balance(t, bettorAddr); got != start+1 {
		t.Fatalf("win balance mismatch: %d", got)
	}

	if got := f.game.TotalContractProfit(); got.Sign() != 0 {
		t.Fatalf("profit mismatch: %s", got)
	}
	if got := f.game.TotalVolume(); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("volume mismatch: %s", got)
	}
	wantKinds := []model.EventKind{model.EventBetAccepted, model.EventBetSettled, model.EventBetAccepted, model.EventBetSettled}
	if got := f.recorder.Kinds(); !reflect.DeepEqual(got, wantKinds) {
		t.Fatalf("events mismatch: %v", got)
	}
	settled := f.recorder.Events()[1].Payload.(model.BetSettledData)
	if settled.Outcome != "loss" || settled.Amount != "1" {
		t.Fatalf("settled payload mismatch: %+v", settled)
	}
}

func TestTruncatedWinPaysStakeOnly(t *testing.T) {
	f := newFixture(t, 10)
	start := f.balance(t, bettorAddr)
	id := f.bet(t, 1, 190_000_000)
	f.fulfill(t, id, hexInt(t, "0x7fffffffffffffffffffffffffffffff"))
	if got := f.balance(t, bettorAddr); got != start {
		t.Fatalf("expected zero net gain, balance moved to %d", got)
	}
}

// Amounts are in tenths so 5.1 can be expressed.
func TestFundingAndRiskLimits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	if err := f.game.SetMinBet(ownerAddr, big.NewInt(10)); err != nil {
		t.Fatalf("set min bet: %v", err)
	}
	if _, err := f.game.PlaceBet(ctx, bettorAddr, big.NewInt(9), twoX); !errors.Is(err, model.ErrBetTooSmall) {
		t.Fatalf("expected bet too small, got %v", err)
	}
	_ = f.game.SetMinBet(ownerAddr, big.NewInt(1))

	if _, err := f.game.PlaceBet(ctx, bettorAddr, big.NewInt(51), twoX); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if f.game.NumActiveBets() != 0 {
		t.Fatalf("rejected bet left state behind")
	}

	_ = f.tokens.Mint(ownerAddr, big.NewInt(5500))
	if err := f.game.Fund(ctx, ownerAddr, big.NewInt(5500)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	id := f.bet(t, 50, twoX)
	f.fulfill(t, id, hexInt(t, "0x80000000000000000000000000000000"))
	if balance, _ := f.game.ContractBalance(ctx); balance.Cmp(big.NewInt(5600)) != 0 {
		t.Fatalf("pool balance mismatch: %s", balance)
	}
	if f.game.TotalAtRisk().Sign() != 0 {
		t.Fatalf("at risk should be zero")
	}

	if err := f.game.SetMaxLossMantissa(ownerAddr, fixedpoint.MantissaScale/10); err != nil {
		t.Fatalf("set max loss: %v", err)
	}
	if _, err := f.game.PlaceBet(ctx, bettorAddr, big.NewInt(570), twoX); !errors.Is(err, model.ErrRiskLimitExceeded) {
		t.Fatalf("expected risk limit for 57@2x, got %v", err)
	}
	if _, err := f.game.PlaceBet(ctx, bettorAddr, big.NewInt(290), threeX); !errors.Is(err, model.ErrRiskLimitExceeded) {
		t.Fatalf("expected risk limit for 29@3x, got %v", err)
	}
	id = f.bet(t, 560, twoX)
	if f.game.TotalAtRisk().Cmp(big.NewInt(560)) != 0 {
		t.Fatalf("at risk mismatch: %s", f.game.TotalAtRisk())
	}
	f.fulfill(t, id, hexInt(t, "0x7fffffffffffffffffffffffffffffff"))
	if f.game.NumActiveBets() != 0 {
		t.Fatalf("bet not cleared")
	}
}

func TestBettorWithoutFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1_000_000)
	poor := common.HexToAddress("0xc0")
	_ = f.tokens.Mint(poor, big.NewInt(5))

	if _, err := f.game.PlaceBet(ctx, poor, big.NewInt(6), twoX); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if f.game.NumActiveBets() != 0 || f.game.TotalVolume().Sign() != 0 {
		t.Fatalf("failed escrow left state behind")
	}
	if len(f.gateway.Pending()) != 0 {
		t.Fatalf("randomness requested for failed escrow")
	}
}

func TestInvalidMultiplier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	if _, err := f.game.PlaceBet(ctx, bettorAddr, big.NewInt(1), fixedpoint.MantissaScale); !errors.Is(err, model.ErrInvalidMultiplier) {
		t.Fatalf("expected invalid multiplier for 1x, got %v", err)
	}
	if _, err := f.game.PlaceBet(ctx, bettorAddr, big.NewInt(1), 90_000_000); !errors.Is(err, model.ErrInvalidMultiplier) {
		t.Fatalf("expected invalid multiplier for 0.9x, got %v", err)
	}
}

func TestOutOfOrderSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)
	sample := hexInt(t, "0x26666666666666666666666666666666")

	var ids []model.RequestID
	for i := 0; i < 6; i++ {
		ids = append(ids, f.bet(t, 1, twoX))
		if f.game.NumActiveBets() != i+1 {
			t.Fatalf("active bets mismatch: %d", f.game.NumActiveBets())
		}
	}

	checkAtRisk := func() {
		t.Helper()
		want := big.NewInt(int64(f.game.NumActiveBets()))
		if got := f.game.TotalAtRisk(); got.Cmp(want) != 0 {
			t.Fatalf("at risk %s != sum of net liabilities %s", got, want)
		}
	}

	for i := 5; i >= 1; i-- {
		f.fulfill(t, ids[i], sample)
		if f.game.NumActiveBets() != i {
			t.Fatalf("active bets mismatch after settling %d: %d", i, f.game.NumActiveBets())
		}
		checkAtRisk()
	}

	if err := f.provider.Fulfill(ctx, ids[1], sample); !errors.Is(err, model.ErrUnknownRequest) {
		t.Fatalf("expected unknown request on redelivery, got %v", err)
	}
	if err := f.provider.Fulfill(ctx, ids[5], sample); !errors.Is(err, model.ErrUnknownRequest) {
		t.Fatalf("expected unknown request on redelivery, got %v", err)
	}
	if f.game.NumActiveBets() != 1 {
		t.Fatalf("redelivery changed state")
	}

	f.fulfill(t, ids[0], sample)
	if f.game.NumActiveBets() != 0 {
		t.Fatalf("bets left: %d", f.game.NumActiveBets())
	}
	checkAtRisk()
}

func TestSettleRejectsForeignSourceAndUnknownID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)
	id := f.bet(t, 1, twoX)

	if err := f.game.ReceiveRandomness(ctx, bettorAddr, id, big.NewInt(1)); !errors.Is(err, model.ErrUnauthorizedProvider) {
		t.Fatalf("expected unauthorized provider, got %v", err)
	}
	if err := f.game.ReceiveRandomness(ctx, gatewayAddr, common.HexToHash("0x01"), big.NewInt(1)); !errors.Is(err, model.ErrUnknownRequest) {
		t.Fatalf("expected unknown request, got %v", err)
	}
	if err := f.game.ReceiveRandomness(ctx, gatewayAddr, id, big.NewInt(1)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := f.game.ReceiveRandomness(ctx, gatewayAddr, id, big.NewInt(1)); !errors.Is(err, model.ErrUnknownRequest) {
		t.Fatalf("expected unknown request on double settle, got %v", err)
	}
}

func TestHouseEdgeThresholds(t *testing.T) {
	f := newFixture(t, 1000)

	if err := f.game.SetHouseEdge(ownerAddr, 50_000_000); err != nil {
		t.Fatalf("set house edge: %v", err)
	}
	start := f.balance(t, bettorAddr)
	f.fulfill(t, f.bet(t, 10, twoX), hexInt(t, "0x40000000000000000000000000000000"))
	if got := f.balance(t, bettorAddr); got != start-10 {
		t.Fatalf("expected loss at 50%% edge, balance %d", got)
	}
	start = f.balance(t, bettorAddr)
	f.fulfill(t, f.bet(t, 10, twoX), hexInt(t, "0x3fffffffffffffffffffffffffffffff"))
	if got := f.balance(t, bettorAddr); got != start+10 {
		t.Fatalf("expected win at 50%% edge, balance %d", got)
	}

	_ = f.game.SetHouseEdge(ownerAddr, 25_000_000)
	start = f.balance(t, bettorAddr)
	f.fulfill(t, f.bet(t, 10, 5*fixedpoint.MantissaScale), hexInt(t, "0x26666666666666666666666666666666"))
	if got := f.balance(t, bettorAddr); got != start-10 {
		t.Fatalf("expected loss at 25%% edge, balance %d", got)
	}
	start = f.balance(t, bettorAddr)
	f.fulfill(t, f.bet(t, 10, 5*fixedpoint.MantissaScale), hexInt(t, "0x26666666666666666666666666666665"))
	if got := f.balance(t, bettorAddr); got != start+40 {
		t.Fatalf("expected win at 25%% edge, balance %d", got)
	}

	if err := f.game.SetHouseEdge(ownerAddr, 110_000_000); !errors.Is(err, model.ErrInvalidHouseEdge) {
		t.Fatalf("expected invalid house edge, got %v", err)
	}
}

func TestHouseEdgeChangeAppliesToPendingBets(t *testing.T) {
	f := newFixture(t, 100)
	id := f.bet(t, 1, twoX)
	_ = f.game.SetHouseEdge(ownerAddr, 50_000_000)

	start := f.balance(t, bettorAddr)
	f.fulfill(t, id, hexInt(t, "0x40000000000000000000000000000000"))
	if got := f.balance(t, bettorAddr); got != start {
		t.Fatalf("pending bet should settle with the current edge, balance %d", got)
	}
}

func TestOwnerGatedSetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	stranger := bettorAddr

	checks := map[string]error{
		"max loss":   f.game.SetMaxLossMantissa(stranger, fixedpoint.MantissaScale),
		"house edge": f.game.SetHouseEdge(stranger, 1),
		"min bet":    f.game.SetMinBet(stranger, big.NewInt(1)),
		"source":     f.game.SetRandomnessSource(stranger, f.gateway),
		"rewards":    f.game.SetGameRewards(stranger, nil),
		"withdraw":   f.game.Withdraw(ctx, stranger, big.NewInt(1)),
	}
	for name, err := range checks {
		if !errors.Is(err, model.ErrNotOwner) {
			t.Fatalf("%s: expected not owner, got %v", name, err)
		}
	}
	if err := f.game.SetMaxLossMantissa(ownerAddr, fixedpoint.MantissaScale+1); !errors.Is(err, model.ErrInvalidMantissa) {
		t.Fatalf("expected invalid mantissa, got %v", err)
	}
}

func TestWithdrawKeepsPendingFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	id := f.bet(t, 10, twoX)

	if err := f.game.Withdraw(ctx, ownerAddr, big.NewInt(91)); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := f.game.Withdraw(ctx, ownerAddr, big.NewInt(90)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := f.balance(t, ownerAddr); got != 90 {
		t.Fatalf("owner balance mismatch: %d", got)
	}

	start := f.balance(t, bettorAddr)
	f.fulfill(t, id, big.NewInt(0))
	if got := f.balance(t, bettorAddr); got != start+20 {
		t.Fatalf("pending bet could not be paid after withdrawal: %d", got)
	}
	if balance, _ := f.game.ContractBalance(ctx); balance.Sign() != 0 {
		t.Fatalf("pool balance mismatch: %s", balance)
	}
}

func TestFailedRandomnessRequestRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	_ = f.gateway.RevokeConsumer(ownerAddr, gameAddr)

	start := f.balance(t, bettorAddr)
	if _, err := f.game.PlaceBet(ctx, bettorAddr, big.NewInt(5), twoX); !errors.Is(err, model.ErrUnauthorizedConsumer) {
		t.Fatalf("expected unauthorized consumer, got %v", err)
	}
	if got := f.balance(t, bettorAddr); got != start {
		t.Fatalf("stake not refunded: %d", got)
	}
	stats, err := f.game.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ActiveBets != 0 || stats.TotalVolume.Sign() != 0 || stats.TotalAtRisk.Sign() != 0 {
		t.Fatalf("stats changed: %+v", stats)
	}
}

func TestSettlementReportsToRewards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	ledger, err := rewards.New(ctx, rewards.Config{
		Address:          rewardsAddr,
		Owner:            ownerAddr,
		RoundMinLength:   1,
		EmissionPerBlock: big.NewInt(1),
		LifetimeCap:      big.NewInt(1000),
	}, f.tokens.Vault(rewardsAddr), f.clock, nil, nil)
	if err != nil {
		t.Fatalf("new rewards: %v", err)
	}

	if err := f.game.SetGameRewards(ownerAddr, ledger); err != nil {
		t.Fatalf("set rewards: %v", err)
	}
	if f.game.GameRewards() != Rewards(ledger) {
		t.Fatalf("rewards not wired")
	}

	// Not yet registered: the report fails but the bet still settles.
	f.fulfill(t, f.bet(t, 3, twoX), evenMoneyBoundary())
	if f.game.NumActiveBets() != 0 {
		t.Fatalf("settlement rolled back by rewards failure")
	}
	if got := ledger.BettorsCurrentLargestLoss(bettorAddr); got.Sign() != 0 {
		t.Fatalf("unregistered game recorded a loss")
	}

	_ = ledger.AddGame(ownerAddr, gameAddr)
	f.fulfill(t, f.bet(t, 2, twoX), evenMoneyBoundary())
	f.fulfill(t, f.bet(t, 4, twoX), evenMoneyBoundary())
	f.fulfill(t, f.bet(t, 9, twoX), big.NewInt(0))
	if got := ledger.BettorsCurrentLargestLoss(bettorAddr); got.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("largest loss mismatch: %s", got)
	}
	if got := ledger.Stats().TotalWinVolume; got.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("win volume mismatch: %s", got)
	}
}

func TestStatsSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.bet(t, 4, threeX)
	f.bet(t, 6, twoX)

	stats, err := f.game.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ActiveBets != 2 || stats.Accepted != 2 || stats.Settled != 0 {
		t.Fatalf("counts mismatch: %+v", stats)
	}
	if stats.TotalAtRisk.Cmp(big.NewInt(14)) != 0 {
		t.Fatalf("at risk mismatch: %s", stats.TotalAtRisk)
	}
	if stats.TotalPendingStake.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("pending stake mismatch: %s", stats.TotalPendingStake)
	}
	if stats.Balance.Cmp(big.NewInt(110)) != 0 {
		t.Fatalf("balance mismatch: %s", stats.Balance)
	}
}
