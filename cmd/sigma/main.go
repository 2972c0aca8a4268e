package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "sigma",
		Short:        "Randomness-settled wagering engine simulator",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	bernoulliCmd := &cobra.Command{
		Use:   "bernoulli",
		Short: "Run a Monte-Carlo bet simulation against a funded game",
		RunE:  runBernoulli,
	}

	bernoulliCmd.Flags().Int("bets", 1000, "number of bets to place")
	bernoulliCmd.Flags().String("stake", "1000000", "stake per bet")
	bernoulliCmd.Flags().String("multiplier", "2", "payout multiplier (decimal, > 1)")
	bernoulliCmd.Flags().String("house-edge", "0.01", "house edge (decimal fraction)")
	bernoulliCmd.Flags().String("max-loss", "0.01", "max net loss per bet as a fraction of the balance")
	bernoulliCmd.Flags().String("min-bet", "1", "minimum stake")
	bernoulliCmd.Flags().String("bankroll", "1000000000000", "initial game funding")
	bernoulliCmd.Flags().String("bettor-balance", "10000000000", "initial bettor balance")
	bernoulliCmd.Flags().Bool("rewards", false, "wire a largest-loss rewards ledger")
	bernoulliCmd.Flags().String("emission-per-block", "1000", "reward emission per block")
	bernoulliCmd.Flags().String("lifetime-cap", "1000000000", "lifetime reward cap")
	bernoulliCmd.Flags().Uint64("reward-round-length", 100, "minimum reward round length in blocks")
	addCommonFlags(bernoulliCmd.Flags())

	root.AddCommand(bernoulliCmd)

	lotteryCmd := &cobra.Command{
		Use:   "lottery",
		Short: "Simulate pooled draw rounds",
		RunE:  runLottery,
	}

	lotteryCmd.Flags().Int("rounds", 10, "number of rounds")
	lotteryCmd.Flags().Int("participants", 5, "participants per round")
	lotteryCmd.Flags().String("max-deposit", "1000000", "maximum deposit per participant")
	lotteryCmd.Flags().String("house-edge", "0.05", "house edge (decimal fraction)")
	lotteryCmd.Flags().Uint64("round-length", 10, "minimum round length in blocks")
	addCommonFlags(lotteryCmd.Flags())

	root.AddCommand(lotteryCmd)

	return root
}

func addCommonFlags(flags *pflag.FlagSet) {
	flags.String("rpc", "", "RPC URL used as the block clock (simulated blocks when empty)")
	flags.Duration("block-cache", time.Second, "block number cache TTL for --rpc")
	flags.String("events-out", "", "output events JSONL path")
	flags.StringSlice("kafka-brokers", nil, "Kafka brokers (comma-separated)")
	flags.String("kafka-topic", "sigma-events", "Kafka topic")
	flags.String("redis-addr", "", "Redis address for settlement broadcast")
	flags.String("redis-channel", "sigma-events", "Redis channel")
	flags.String("pg-dsn", "", "Postgres DSN for the event journal and snapshots")
	flags.String("state-file", "", "optional local snapshot file")
	flags.String("metrics-addr", "", "serve /metrics and /healthz on this address")
	flags.Int("max-retries", 3, "maximum retry attempts per sink")
	flags.Duration("retry-backoff", 200*time.Millisecond, "initial retry backoff")
	flags.Int64("seed", 0, "simulation seed (0 picks one from the clock)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
}

func newLogger(level, service string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]interface{}{"service": service}

	return cfg.Build()
}
