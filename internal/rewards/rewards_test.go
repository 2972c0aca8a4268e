package rewards

import (
	"context"
	"errors"
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"sigmaSquared/internal/asset"
	"sigmaSquared/internal/chain"
	"sigmaSquared/internal/model"
	"sigmaSquared/internal/storage"
)

var (
	ownerAddr   = common.HexToAddress("0x01")
	rewardsAddr = common.HexToAddress("0x02")
	gameAddr    = common.HexToAddress("0x03")
	accounts    = []common.Address{
		common.HexToAddress("0xa0"),
		common.HexToAddress("0xa1"),
		common.HexToAddress("0xa2"),
		common.HexToAddress("0xa3"),
		common.HexToAddress("0xa4"),
	}
)

type fixture struct {
	ledger   *asset.Ledger
	clock    *chain.ManualClock
	rewards  *Ledger
	recorder *storage.Recorder
}

func newFixture(t *testing.T, roundMinLength uint64, emission, lifetimeCap int64) *fixture {
	t.Helper()
	ctx := context.Background()
	tokens := asset.NewLedger()
	if err := tokens.Mint(rewardsAddr, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	clock := chain.NewManualClock(100)
	recorder := &storage.Recorder{}
	rewards, err := New(ctx, Config{
		Address:          rewardsAddr,
		Owner:            ownerAddr,
		RoundMinLength:   roundMinLength,
		EmissionPerBlock: big.NewInt(emission),
		LifetimeCap:      big.NewInt(lifetimeCap),
	}, tokens.Vault(rewardsAddr), clock, recorder, nil)
	if err != nil {
		t.Fatalf("new rewards: %v", err)
	}
	if err := rewards.AddGame(ownerAddr, gameAddr); err != nil {
		t.Fatalf("add game: %v", err)
	}
	return &fixture{ledger: tokens, clock: clock, rewards: rewards, recorder: recorder}
}

func (f *fixture) loss(t *testing.T, participant common.Address, amount int64) {
	t.Helper()
	if err := f.rewards.RecordLoss(context.Background(), gameAddr, participant, big.NewInt(amount), model.RequestID{}); err != nil {
		t.Fatalf("record loss: %v", err)
	}
}

func (f *fixture) win(t *testing.T, participant common.Address, stake, payout int64) {
	t.Helper()
	if err := f.rewards.RecordWin(context.Background(), gameAddr, participant, big.NewInt(stake), big.NewInt(payout), model.RequestID{}); err != nil {
		t.Fatalf("record win: %v", err)
	}
}

func (f *fixture) current(t *testing.T, participant common.Address) int64 {
	t.Helper()
	got, err := f.rewards.CalculateCurrentRewards(context.Background(), participant)
	if err != nil {
		t.Fatalf("calculate rewards: %v", err)
	}
	return got.Int64()
}

func (f *fixture) claim(t *testing.T, participant common.Address) int64 {
	t.Helper()
	before := f.ledger.BalanceOf(participant)
	amount, err := f.rewards.ClaimRewards(context.Background(), participant)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	after := f.ledger.BalanceOf(participant)
	if new(big.Int).Sub(after, before).Cmp(amount) != 0 {
		t.Fatalf("claimed %s but balance moved by %s", amount, new(big.Int).Sub(after, before))
	}
	return amount.Int64()
}

func TestLargestLossShares(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 10, 100_000)

	f.win(t, accounts[0], 4, 8)
	f.loss(t, accounts[0], 2)
	f.loss(t, accounts[1], 2)
	f.loss(t, accounts[2], 1)
	f.loss(t, accounts[3], 3)
	f.win(t, accounts[3], 5, 15)
	f.win(t, accounts[4], 5, 15)

	wantLargest := []int64{2, 2, 1, 3, 0}
	for i, want := range wantLargest {
		if got := f.rewards.BettorsCurrentLargestLoss(accounts[i]); got.Int64() != want {
			t.Fatalf("largest loss %d mismatch: %s", i, got)
		}
	}
	for i := range accounts {
		if got := f.current(t, accounts[i]); got != 0 {
			t.Fatalf("expected no rewards at round start for %d, got %d", i, got)
		}
	}

	f.clock.Advance(8)
	if err := f.rewards.TriggerRound(ctx, accounts[2]); err != nil {
		t.Fatalf("trigger round: %v", err)
	}
	if f.rewards.CurrentRoundStart() != 108 {
		t.Fatalf("round start mismatch: %d", f.rewards.CurrentRoundStart())
	}

	// 8 blocks * 10 = 80 split 2/8 : 2/8 : 1/8 : 3/8 : 0.
	want := []int64{20, 20, 10, 30, 0}
	for i, amount := range want {
		if got := f.current(t, accounts[i]); got != amount {
			t.Fatalf("rewards %d mismatch: %d != %d", i, got, amount)
		}
	}
	for i := range accounts {
		if got := f.rewards.BettorsCurrentLargestLoss(accounts[i]); got.Sign() != 0 {
			t.Fatalf("largest loss not reset for %d", i)
		}
	}

	if got := f.claim(t, accounts[0]); got != 20 {
		t.Fatalf("claim 0 mismatch: %d", got)
	}
	if got := f.claim(t, accounts[1]); got != 20 {
		t.Fatalf("claim 1 mismatch: %d", got)
	}
	if got := f.claim(t, accounts[4]); got != 0 {
		t.Fatalf("claim 4 mismatch: %d", got)
	}

	f.loss(t, accounts[0], 2)
	f.loss(t, accounts[0], 1)
	f.loss(t, accounts[2], 1)
	f.loss(t, accounts[3], 2)
	f.loss(t, accounts[4], 2)
	f.loss(t, accounts[4], 4)
	f.win(t, accounts[4], 5, 20)

	// Unclaimed balances carry into the new round.
	if got := f.current(t, accounts[2]); got != 10 {
		t.Fatalf("carry-over 2 mismatch: %d", got)
	}
	if got := f.current(t, accounts[3]); got != 30 {
		t.Fatalf("carry-over 3 mismatch: %d", got)
	}

	f.clock.Advance(9)
	if err := f.rewards.TriggerRound(ctx, accounts[0]); err != nil {
		t.Fatalf("trigger round: %v", err)
	}

	// 9 blocks * 10 = 90 split 2/9 : 0 : 1/9 : 2/9 : 4/9.
	want = []int64{20, 0, 20, 50, 40}
	for i, amount := range want {
		if got := f.current(t, accounts[i]); got != amount {
			t.Fatalf("round 2 rewards %d mismatch: %d != %d", i, got, amount)
		}
	}
	for i, amount := range want {
		if got := f.claim(t, accounts[i]); got != amount {
			t.Fatalf("round 2 claim %d mismatch: %d != %d", i, got, amount)
		}
	}
	for i := range accounts {
		if got := f.current(t, accounts[i]); got != 0 {
			t.Fatalf("rewards left after claim for %d: %d", i, got)
		}
	}

	if got := f.rewards.UnclaimedRewards(); got.Sign() != 0 {
		t.Fatalf("unclaimed total mismatch: %s", got)
	}
	if got := f.rewards.TotalRewardsAllocated(); got.Cmp(big.NewInt(170)) != 0 {
		t.Fatalf("allocated total mismatch: %s", got)
	}

	kinds := f.recorder.Kinds()
	if kinds[0] != model.EventRewardRoundTriggered {
		t.Fatalf("first event mismatch: %v", kinds)
	}
}

func TestCalculateCurrentRewardsIsPure(t *testing.T) {
	f := newFixture(t, 1, 10, 100_000)
	f.loss(t, accounts[0], 1)
	f.loss(t, accounts[1], 3)
	f.clock.Advance(4)

	first := f.current(t, accounts[1])
	second := f.current(t, accounts[1])
	if first != 30 || second != 30 {
		t.Fatalf("projection mismatch: %d %d", first, second)
	}
	before := f.rewards.Stats()
	_ = f.current(t, accounts[0])
	if after := f.rewards.Stats(); !reflect.DeepEqual(before, after) {
		t.Fatalf("projection mutated ledger: %+v != %+v", before, after)
	}

	f.clock.Advance(4)
	if got := f.current(t, accounts[1]); got != 60 {
		t.Fatalf("projection should grow with elapsed blocks: %d", got)
	}
}

func TestEmissionClippedToLifetimeCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 10, 50)
	f.loss(t, accounts[0], 1)
	f.clock.Advance(10)
	if err := f.rewards.TriggerRound(ctx, ownerAddr); err != nil {
		t.Fatalf("trigger round: %v", err)
	}
	if got := f.current(t, accounts[0]); got != 50 {
		t.Fatalf("clipped rewards mismatch: %d", got)
	}

	f.loss(t, accounts[1], 5)
	f.clock.Advance(10)
	if err := f.rewards.TriggerRound(ctx, ownerAddr); err != nil {
		t.Fatalf("trigger round: %v", err)
	}
	if got := f.current(t, accounts[1]); got != 0 {
		t.Fatalf("cap exhausted but rewards allocated: %d", got)
	}

	stats := f.rewards.Stats()
	if stats.TotalAllocated.Cmp(stats.LifetimeCap) > 0 {
		t.Fatalf("allocated %s exceeds cap %s", stats.TotalAllocated, stats.LifetimeCap)
	}
	if stats.TotalUnclaimed.Cmp(stats.TotalAllocated) > 0 {
		t.Fatalf("unclaimed %s exceeds allocated %s", stats.TotalUnclaimed, stats.TotalAllocated)
	}
}

func TestFloorSharesNeverOverAllocate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 10, 100_000)
	f.loss(t, accounts[0], 1)
	f.loss(t, accounts[1], 1)
	f.loss(t, accounts[2], 1)
	f.clock.Advance(1)
	if err := f.rewards.TriggerRound(ctx, ownerAddr); err != nil {
		t.Fatalf("trigger round: %v", err)
	}
	if got := f.rewards.TotalRewardsAllocated(); got.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("allocated mismatch: %s", got)
	}
}

func TestRoundMinLength(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5, 10, 100_000)
	f.loss(t, accounts[0], 1)
	f.clock.Advance(4)
	if err := f.rewards.TriggerRound(ctx, ownerAddr); !errors.Is(err, model.ErrRoundNotElapsed) {
		t.Fatalf("expected round not elapsed, got %v", err)
	}
	if got := f.rewards.BettorsCurrentLargestLoss(accounts[0]); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("failed trigger reset round state")
	}
	f.clock.Advance(1)
	if err := f.rewards.TriggerRound(ctx, ownerAddr); err != nil {
		t.Fatalf("trigger round: %v", err)
	}
}

func TestOnlyRegisteredGamesReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 10, 100_000)

	if !f.rewards.IsGame(gameAddr) || f.rewards.IsGame(accounts[0]) {
		t.Fatalf("game membership mismatch")
	}
	if err := f.rewards.RecordLoss(ctx, accounts[0], accounts[0], big.NewInt(1), model.RequestID{}); !errors.Is(err, model.ErrNotRegisteredGame) {
		t.Fatalf("expected not registered game, got %v", err)
	}
	if err := f.rewards.RecordWin(ctx, accounts[0], accounts[0], big.NewInt(1), big.NewInt(1), model.RequestID{}); !errors.Is(err, model.ErrNotRegisteredGame) {
		t.Fatalf("expected not registered game, got %v", err)
	}
	if err := f.rewards.AddGame(accounts[0], accounts[0]); !errors.Is(err, model.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	if err := f.rewards.RemoveGame(ownerAddr, gameAddr); err != nil {
		t.Fatalf("remove game: %v", err)
	}
	if f.rewards.IsGame(gameAddr) {
		t.Fatalf("game still registered")
	}
}

func TestClaimFailsWithoutFunding(t *testing.T) {
	ctx := context.Background()
	tokens := asset.NewLedger()
	clock := chain.NewManualClock(0)
	rewards, err := New(ctx, Config{
		Address:          rewardsAddr,
		Owner:            ownerAddr,
		RoundMinLength:   1,
		EmissionPerBlock: big.NewInt(10),
		LifetimeCap:      big.NewInt(1000),
	}, tokens.Vault(rewardsAddr), clock, nil, nil)
	if err != nil {
		t.Fatalf("new rewards: %v", err)
	}
	_ = rewards.AddGame(ownerAddr, gameAddr)
	_ = rewards.RecordLoss(ctx, gameAddr, accounts[0], big.NewInt(1), model.RequestID{})
	clock.Advance(2)
	if err := rewards.TriggerRound(ctx, ownerAddr); err != nil {
		t.Fatalf("trigger round: %v", err)
	}

	if _, err := rewards.ClaimRewards(ctx, accounts[0]); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if got := rewards.UnclaimedRewards(); got.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("failed claim changed unclaimed total: %s", got)
	}
}
