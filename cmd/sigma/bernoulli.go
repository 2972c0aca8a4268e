package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sigmaSquared/internal/asset"
	"sigmaSquared/internal/bernoulli"
	"sigmaSquared/internal/config"
	"sigmaSquared/internal/fixedpoint"
	"sigmaSquared/internal/metrics"
	"sigmaSquared/internal/model"
	"sigmaSquared/internal/randomness"
	"sigmaSquared/internal/report"
	"sigmaSquared/internal/rewards"
)

const simulatedBettors = 4

func runBernoulli(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadBernoulli(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, "sigma-bernoulli")
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := openEnv(ctx, cfg.Common, "bernoulli", logger)
	if err != nil {
		return err
	}
	defer env.Close()

	var (
		owner    = principal("owner")
		provider = principal("provider")
		ledger   = asset.NewLedger()
	)

	gateway := randomness.NewGateway(randomness.Config{
		Address:  principal("gateway"),
		Owner:    owner,
		Provider: provider,
	}, env.clock, env.sink, logger.Named("gateway"))
	oracle := randomness.NewLocalProvider(gateway, provider)

	game, err := bernoulli.New(bernoulli.Config{
		Address:           principal("bernoulli"),
		Owner:             owner,
		MaxLossMantissa:   cfg.MaxLoss,
		HouseEdgeMantissa: cfg.HouseEdge,
		MinBet:            cfg.MinBet,
	}, ledger.Vault(principal("bernoulli")), gateway, env.clock, env.sink, logger.Named("bernoulli"))
	if err != nil {
		return err
	}
	if err := gateway.AllowConsumer(owner, game.Address()); err != nil {
		return err
	}

	if err := ledger.Mint(owner, cfg.Bankroll); err != nil {
		return err
	}
	if err := game.Fund(ctx, owner, cfg.Bankroll); err != nil {
		return err
	}

	var ledgerRewards *rewards.Ledger
	if cfg.Rewards {
		rewardsAddr := principal("rewards")
		ledgerRewards, err = rewards.New(ctx, rewards.Config{
			Address:          rewardsAddr,
			Owner:            owner,
			RoundMinLength:   cfg.RewardRoundLength,
			EmissionPerBlock: cfg.EmissionPerBlock,
			LifetimeCap:      cfg.LifetimeCap,
		}, ledger.Vault(rewardsAddr), env.clock, env.sink, logger.Named("rewards"))
		if err != nil {
			return err
		}
		if err := ledger.Mint(rewardsAddr, cfg.LifetimeCap); err != nil {
			return err
		}
		if err := ledgerRewards.AddGame(owner, game.Address()); err != nil {
			return err
		}
		if err := game.SetGameRewards(owner, ledgerRewards); err != nil {
			return err
		}
	}

	registerBernoulliGauges(env.collector, game, logger)

	bettors := make([]common.Address, simulatedBettors)
	for i := range bettors {
		bettors[i] = principal(fmt.Sprintf("bettor/%d", i))
		if err := ledger.Mint(bettors[i], cfg.BettorBalance); err != nil {
			return err
		}
	}
	startBalance := new(big.Int).Mul(cfg.BettorBalance, big.NewInt(simulatedBettors))

	logger.Info("bernoulli start",
		zap.Int("bets", cfg.Bets),
		zap.String("stake", cfg.Stake.String()),
		zap.String("multiplier", fixedpoint.FormatMantissa(cfg.Multiplier)),
		zap.String("house_edge", fixedpoint.FormatMantissa(cfg.HouseEdge)),
		zap.String("max_loss", fixedpoint.FormatMantissa(cfg.MaxLoss)),
		zap.String("bankroll", cfg.Bankroll.String()),
		zap.Bool("rewards", cfg.Rewards),
	)

	var placed, rejected int
	for i := 0; i < cfg.Bets; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		env.step()
		bettor := bettors[env.rng.IntN(len(bettors))]
		if _, err := game.PlaceBet(ctx, bettor, cfg.Stake, cfg.Multiplier); err != nil {
			if isRejection(err) {
				rejected++
				logger.Debug("bet rejected", zap.String("bettor", bettor.Hex()), zap.Error(err))
				continue
			}
			return err
		}
		placed++
		if _, err := oracle.FulfillPending(ctx); err != nil {
			return err
		}
		if ledgerRewards != nil {
			if err := triggerRewardRound(ctx, env, ledgerRewards, owner, false); err != nil {
				return err
			}
		}
	}

	var claimed *big.Int
	if ledgerRewards != nil {
		if err := triggerRewardRound(ctx, env, ledgerRewards, owner, true); err != nil {
			return err
		}
		claimed = new(big.Int)
		for _, bettor := range bettors {
			amount, err := ledgerRewards.ClaimRewards(ctx, bettor)
			if err != nil {
				return err
			}
			claimed.Add(claimed, amount)
		}
	}

	endBalance := new(big.Int)
	for _, bettor := range bettors {
		endBalance.Add(endBalance, ledger.BalanceOf(bettor))
	}
	stats, err := game.Stats(ctx)
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.Int("placed", placed),
		zap.Int("rejected", rejected),
		zap.String("start_balance", startBalance.String()),
		zap.String("end_balance", endBalance.String()),
		zap.String("house_balance", stats.Balance.String()),
		zap.String("house_profit", stats.TotalContractProfit.String()),
		zap.String("total_volume", stats.TotalVolume.String()),
	}
	if placed > 0 {
		delta := new(big.Int).Sub(endBalance, startBalance)
		fields = append(fields, zap.String("avg_win_per_bet", new(big.Int).Quo(delta, big.NewInt(int64(placed))).String()))
	}
	snap := report.Snapshot{Name: "bernoulli", Bernoulli: &stats}
	if ledgerRewards != nil {
		rewardStats := ledgerRewards.Stats()
		snap.Rewards = &rewardStats
		fields = append(fields, zap.String("rewards_claimed", claimed.String()))
	}
	logger.Info("bernoulli done", fields...)

	env.saveSnapshot(ctx, snap)
	return nil
}

// triggerRewardRound closes the reward round once it has run long enough. With
// wait set it first moves the clock to the round boundary.
func triggerRewardRound(ctx context.Context, env *simEnv, ledger *rewards.Ledger, caller common.Address, wait bool) error {
	end := ledger.CurrentRoundStart() + ledger.Stats().RoundMinLength
	if wait {
		if err := env.waitForBlock(ctx, end); err != nil {
			return err
		}
	}
	err := ledger.TriggerRound(ctx, caller)
	if errors.Is(err, model.ErrRoundNotElapsed) {
		return nil
	}
	return err
}

// isRejection reports whether a PlaceBet error is a normal refusal the
// simulation should keep going after.
func isRejection(err error) bool {
	return errors.Is(err, model.ErrRiskLimitExceeded) ||
		errors.Is(err, model.ErrInsufficientFunds) ||
		errors.Is(err, model.ErrInsufficientBalance) ||
		errors.Is(err, model.ErrBetTooSmall)
}

func registerBernoulliGauges(collector *metrics.Collector, game *bernoulli.Game, logger *zap.Logger) {
	gauges := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"bernoulli_total_at_risk", "Net liability of pending bets.", func() float64 { return metrics.Float(game.TotalAtRisk()) }},
		{"bernoulli_total_volume", "Cumulative accepted stake.", func() float64 { return metrics.Float(game.TotalVolume()) }},
		{"bernoulli_contract_profit", "House profit, negative when bettors are ahead.", func() float64 { return metrics.Float(game.TotalContractProfit()) }},
		{"bernoulli_active_bets", "Bets waiting for randomness.", func() float64 { return float64(game.NumActiveBets()) }},
	}
	for _, g := range gauges {
		if err := collector.RegisterGauge(g.name, g.help, g.fn); err != nil {
			logger.Warn("register gauge failed", zap.Error(err))
		}
	}
}
