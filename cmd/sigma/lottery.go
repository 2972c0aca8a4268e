package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sigmaSquared/internal/asset"
	"sigmaSquared/internal/config"
	"sigmaSquared/internal/fixedpoint"
	"sigmaSquared/internal/lottery"
	"sigmaSquared/internal/metrics"
	"sigmaSquared/internal/randomness"
	"sigmaSquared/internal/report"
)

func runLottery(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadLottery(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, "sigma-lottery")
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := openEnv(ctx, cfg.Common, "lottery", logger)
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

	lotteryAddr := principal("lottery")
	draw, err := lottery.New(ctx, lottery.Config{
		Address:           lotteryAddr,
		Owner:             owner,
		HouseEdgeMantissa: cfg.HouseEdge,
		RoundMinLength:    cfg.RoundLength,
	}, ledger.Vault(lotteryAddr), gateway, env.clock, env.sink, logger.Named("lottery"))
	if err != nil {
		return err
	}
	if err := gateway.AllowConsumer(owner, draw.Address()); err != nil {
		return err
	}

	registerLotteryGauges(env.collector, draw, logger)

	participants := make([]common.Address, cfg.Participants)
	funding := new(big.Int).Mul(cfg.MaxDeposit, big.NewInt(int64(cfg.Rounds)))
	for i := range participants {
		participants[i] = principal(fmt.Sprintf("participant/%d", i))
		if funding.Sign() > 0 {
			if err := ledger.Mint(participants[i], funding); err != nil {
				return err
			}
		}
	}
	startBalance := new(big.Int).Mul(funding, big.NewInt(int64(cfg.Participants)))

	logger.Info("lottery start",
		zap.Int("rounds", cfg.Rounds),
		zap.Int("participants", cfg.Participants),
		zap.String("max_deposit", cfg.MaxDeposit.String()),
		zap.String("house_edge", fixedpoint.FormatMantissa(cfg.HouseEdge)),
		zap.Uint64("round_length", cfg.RoundLength),
	)

	wins := make(map[common.Address]int, len(participants))
	for r := 0; r < cfg.Rounds; r++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, participant := range participants {
			env.step()
			if err := draw.Deposit(ctx, participant, randomDeposit(env, cfg.MaxDeposit)); err != nil {
				return err
			}
		}
		if err := env.waitForBlock(ctx, draw.CurrentRoundEnd()); err != nil {
			return err
		}

		round := draw.CurrentRound()
		before := make(map[common.Address]*big.Int, len(round.Entrants))
		for _, participant := range round.Entrants {
			before[participant] = ledger.BalanceOf(participant)
		}
		if _, err := draw.TriggerRoundEnd(ctx, owner); err != nil {
			return err
		}
		if _, err := oracle.FulfillPending(ctx); err != nil {
			return err
		}
		for _, participant := range round.Entrants {
			if ledger.BalanceOf(participant).Cmp(before[participant]) > 0 {
				wins[participant]++
			}
		}
	}

	endBalance := new(big.Int)
	for _, participant := range participants {
		endBalance.Add(endBalance, ledger.BalanceOf(participant))
	}
	stats := draw.Stats()
	logger.Info("lottery done",
		zap.Uint64("rounds_settled", stats.RoundsSettled),
		zap.String("start_balance", startBalance.String()),
		zap.String("end_balance", endBalance.String()),
		zap.String("house_balance", stats.HouseBalance.String()),
		zap.String("house_profit", stats.TotalContractProfit.String()),
		zap.Int("distinct_winners", len(wins)),
	)

	if stats.HouseBalance.Sign() > 0 {
		if err := draw.Withdraw(ctx, owner, stats.HouseBalance); err != nil {
			return err
		}
		stats = draw.Stats()
	}

	env.saveSnapshot(ctx, report.Snapshot{Name: "lottery", Lottery: &stats})
	return nil
}

// randomDeposit returns a deposit in [1, limit].
func randomDeposit(env *simEnv, limit *big.Int) *big.Int {
	out := new(big.Int).Mul(limit, big.NewInt(env.rng.Int64N(1000)+1))
	out.Quo(out, big.NewInt(1000))
	if out.Sign() == 0 {
		out.SetInt64(1)
	}
	return out
}

func registerLotteryGauges(collector *metrics.Collector, draw *lottery.Lottery, logger *zap.Logger) {
	gauges := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"lottery_round_pool", "Deposits in the current round.", func() float64 { return metrics.Float(draw.CurrentRoundPool()) }},
		{"lottery_house_balance", "Withdrawable house fees.", func() float64 { return metrics.Float(draw.HouseBalance()) }},
		{"lottery_contract_profit", "Cumulative house fees.", func() float64 { return metrics.Float(draw.TotalContractProfit()) }},
	}
	for _, g := range gauges {
		if err := collector.RegisterGauge(g.name, g.help, g.fn); err != nil {
			logger.Warn("register gauge failed", zap.Error(err))
		}
	}
}
