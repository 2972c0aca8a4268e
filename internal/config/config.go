package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"sigmaSquared/internal/fixedpoint"
	"sigmaSquared/internal/model"
)

// Common holds the output and runtime options shared by every simulation.
type Common struct {
	RPCURL       string
	BlockCache   time.Duration
	EventsOut    string
	KafkaBrokers []string
	KafkaTopic   string
	RedisAddr    string
	RedisChannel string
	PGDSN        string
	StateFile    string
	MetricsAddr  string
	MaxRetries   int
	RetryBackoff time.Duration
	LogLevel     string
	Seed         int64
}

// Bernoulli configures the bet simulation.
type Bernoulli struct {
	Common
	Bets              int
	Stake             *big.Int
	Multiplier        uint64
	HouseEdge         uint64
	MaxLoss           uint64
	MinBet            *big.Int
	Bankroll          *big.Int
	BettorBalance     *big.Int
	Rewards           bool
	EmissionPerBlock  *big.Int
	LifetimeCap       *big.Int
	RewardRoundLength uint64
}

// Lottery configures the pooled draw simulation.
type Lottery struct {
	Common
	Rounds       int
	Participants int
	MaxDeposit   *big.Int
	HouseEdge    uint64
	RoundLength  uint64
}

// LoadBernoulli merges config file, environment variables, and flags.
func LoadBernoulli(cfgFile string, flags *pflag.FlagSet) (Bernoulli, error) {
	v, err := load(cfgFile, flags, func(v *viper.Viper) {
		v.SetDefault("bets", 1000)
		v.SetDefault("stake", "1000000")
		v.SetDefault("multiplier", "2")
		v.SetDefault("house-edge", "0.01")
		v.SetDefault("max-loss", "0.01")
		v.SetDefault("min-bet", "1")
		v.SetDefault("bankroll", "1000000000000")
		v.SetDefault("bettor-balance", "10000000000")
		v.SetDefault("rewards", false)
		v.SetDefault("emission-per-block", "1000")
		v.SetDefault("lifetime-cap", "1000000000")
		v.SetDefault("reward-round-length", uint64(100))
	})
	if err != nil {
		return Bernoulli{}, err
	}

	cfg := Bernoulli{
		Common:            common(v),
		Bets:              v.GetInt("bets"),
		Rewards:           v.GetBool("rewards"),
		RewardRoundLength: v.GetUint64("reward-round-length"),
	}
	if cfg.Bets < 0 {
		return Bernoulli{}, fmt.Errorf("bets must not be negative")
	}
	if cfg.Multiplier, err = mantissa(v, "multiplier"); err != nil {
		return Bernoulli{}, err
	}
	if err := fixedpoint.ValidateMultiplier(cfg.Multiplier); err != nil {
		return Bernoulli{}, err
	}
	if cfg.HouseEdge, err = mantissa(v, "house-edge"); err != nil {
		return Bernoulli{}, err
	}
	if err := fixedpoint.ValidateHouseEdge(cfg.HouseEdge); err != nil {
		return Bernoulli{}, err
	}
	if cfg.MaxLoss, err = mantissa(v, "max-loss"); err != nil {
		return Bernoulli{}, err
	}
	if err := fixedpoint.ValidateFraction(cfg.MaxLoss); err != nil {
		return Bernoulli{}, err
	}
	amounts := []struct {
		key string
		dst **big.Int
	}{
		{"stake", &cfg.Stake},
		{"min-bet", &cfg.MinBet},
		{"bankroll", &cfg.Bankroll},
		{"bettor-balance", &cfg.BettorBalance},
		{"emission-per-block", &cfg.EmissionPerBlock},
		{"lifetime-cap", &cfg.LifetimeCap},
	}
	for _, a := range amounts {
		if *a.dst, err = amount(v, a.key); err != nil {
			return Bernoulli{}, err
		}
	}
	return cfg, nil
}

// LoadLottery merges config file, environment variables, and flags.
func LoadLottery(cfgFile string, flags *pflag.FlagSet) (Lottery, error) {
	v, err := load(cfgFile, flags, func(v *viper.Viper) {
		v.SetDefault("rounds", 10)
		v.SetDefault("participants", 5)
		v.SetDefault("max-deposit", "1000000")
		v.SetDefault("house-edge", "0.05")
		v.SetDefault("round-length", uint64(10))
	})
	if err != nil {
		return Lottery{}, err
	}

	cfg := Lottery{
		Common:       common(v),
		Rounds:       v.GetInt("rounds"),
		Participants: v.GetInt("participants"),
		RoundLength:  v.GetUint64("round-length"),
	}
	if cfg.Rounds < 0 {
		return Lottery{}, fmt.Errorf("rounds must not be negative")
	}
	if cfg.Participants <= 0 {
		return Lottery{}, fmt.Errorf("participants must be positive")
	}
	if cfg.HouseEdge, err = mantissa(v, "house-edge"); err != nil {
		return Lottery{}, err
	}
	if err := fixedpoint.ValidateHouseEdge(cfg.HouseEdge); err != nil {
		return Lottery{}, err
	}
	if cfg.MaxDeposit, err = amount(v, "max-deposit"); err != nil {
		return Lottery{}, err
	}
	if cfg.MaxDeposit.Sign() <= 0 {
		return Lottery{}, fmt.Errorf("%w: max-deposit must be positive", model.ErrInvalidAmount)
	}
	return cfg, nil
}

func load(cfgFile string, flags *pflag.FlagSet, defaults func(v *viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("SIGMA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("block-cache", time.Second)
	v.SetDefault("kafka-topic", "sigma-events")
	v.SetDefault("redis-channel", "sigma-events")
	v.SetDefault("max-retries", 3)
	v.SetDefault("retry-backoff", 200*time.Millisecond)
	v.SetDefault("log-level", "info")
	if defaults != nil {
		defaults(v)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

func common(v *viper.Viper) Common {
	return Common{
		RPCURL:       v.GetString("rpc"),
		BlockCache:   v.GetDuration("block-cache"),
		EventsOut:    v.GetString("events-out"),
		KafkaBrokers: getStringSlice(v, "kafka-brokers"),
		KafkaTopic:   v.GetString("kafka-topic"),
		RedisAddr:    v.GetString("redis-addr"),
		RedisChannel: v.GetString("redis-channel"),
		PGDSN:        v.GetString("pg-dsn"),
		StateFile:    v.GetString("state-file"),
		MetricsAddr:  v.GetString("metrics-addr"),
		MaxRetries:   v.GetInt("max-retries"),
		RetryBackoff: v.GetDuration("retry-backoff"),
		LogLevel:     v.GetString("log-level"),
		Seed:         v.GetInt64("seed"),
	}
}

func mantissa(v *viper.Viper, key string) (uint64, error) {
	out, err := fixedpoint.ParseMantissa(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return out, nil
}

// amount accepts base-10 or 0x-prefixed hex integers.
func amount(v *viper.Viper, key string) (*big.Int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		out, err := hexutil.DecodeBig(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", model.ErrInvalidAmount, key, err)
		}
		return out, nil
	}
	out, ok := new(big.Int).SetString(raw, 10)
	if !ok || out.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s=%q", model.ErrInvalidAmount, key, raw)
	}
	return out, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
