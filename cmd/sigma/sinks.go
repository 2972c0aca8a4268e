package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"sigmaSquared/internal/chain"
	"sigmaSquared/internal/config"
	"sigmaSquared/internal/metrics"
	"sigmaSquared/internal/report"
	"sigmaSquared/internal/storage"
	"sigmaSquared/internal/storage/postgres"
)

// simEnv bundles the clock, sinks and stores shared by the simulations.
type simEnv struct {
	logger    *zap.Logger
	clock     chain.Clock
	manual    *chain.ManualClock
	sink      storage.Sink
	collector *metrics.Collector
	store     report.StateStore
	rng       *rand.Rand
	closers   []func()
}

func openEnv(ctx context.Context, cfg config.Common, name string, logger *zap.Logger) (*simEnv, error) {
	rt := &simEnv{logger: logger, collector: metrics.NewCollector()}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	if cfg.RPCURL != "" {
		client, err := chain.NewClient(ctx, cfg.RPCURL, cfg.BlockCache)
		if err != nil {
			return nil, fmt.Errorf("connect rpc: %w", err)
		}
		rt.closers = append(rt.closers, client.Close)
		chainID, err := client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("read chain id: %w", err)
		}
		logger.Info("chain clock", zap.String("rpc", cfg.RPCURL), zap.String("chain_id", chainID.String()))
		rt.clock = client
	} else {
		rt.manual = chain.NewManualClock(1)
		rt.clock = rt.manual
	}

	sinks := storage.Multi{rt.collector}
	external := storage.Multi{}
	var stores report.Multi

	if cfg.EventsOut != "" {
		sinks = append(sinks, storage.NewJsonlStorage(cfg.EventsOut))
	}
	if len(cfg.KafkaBrokers) > 0 {
		kafka := storage.NewKafkaStorage(cfg.KafkaBrokers, cfg.KafkaTopic)
		rt.closers = append(rt.closers, func() { _ = kafka.Close() })
		external = append(external, kafka)
	}
	if cfg.RedisAddr != "" {
		redis, err := storage.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = redis.Close() })
		external = append(external, redis)
	}
	var pg *postgres.Store
	if cfg.PGDSN != "" {
		var err error
		pg, err = postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		rt.closers = append(rt.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		external = append(external, pg)
		stores = append(stores, &report.DBStore{DB: pg, Name: name})
	}
	for _, s := range external {
		sinks = append(sinks, storage.RetrySink{Sink: s, MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryBackoff})
	}
	if cfg.StateFile != "" {
		stores = append(stores, &report.FileStore{Path: cfg.StateFile})
	}
	rt.sink = sinks
	rt.store = stores

	if cfg.MetricsAddr != "" {
		srv := metrics.Serve(cfg.MetricsAddr, rt.collector, func(ctx context.Context) error {
			var errs []error
			if _, err := rt.clock.BlockNumber(ctx); err != nil {
				errs = append(errs, fmt.Errorf("clock: %w", err))
			}
			if pg != nil {
				if err := pg.Ping(ctx); err != nil {
					errs = append(errs, fmt.Errorf("postgres: %w", err))
				}
			}
			return errors.Join(errs...)
		})
		rt.closers = append(rt.closers, func() { _ = srv.Close() })
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rt.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1))

	if snap, found, err := rt.store.Load(ctx); err != nil {
		logger.Warn("load snapshot failed", zap.Error(err))
	} else if found {
		logger.Info("previous snapshot",
			zap.String("name", snap.Name),
			zap.Uint64("block", snap.Block),
			zap.String("updated_at", snap.UpdatedAt),
		)
	}

	ok = true
	return rt, nil
}

func (rt *simEnv) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// waitForBlock advances the simulated clock or polls the live chain until
// height is reached.
func (rt *simEnv) waitForBlock(ctx context.Context, height uint64) error {
	if rt.manual != nil {
		if current, _ := rt.manual.BlockNumber(ctx); current < height {
			rt.manual.Set(height)
		}
		return nil
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		current, err := rt.clock.BlockNumber(ctx)
		if err != nil {
			return err
		}
		if current >= height {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// step moves the simulated clock forward one block. Live chains advance on
// their own.
func (rt *simEnv) step() {
	if rt.manual != nil {
		rt.manual.Advance(1)
	}
}

func (rt *simEnv) saveSnapshot(ctx context.Context, snap report.Snapshot) {
	block, err := rt.clock.BlockNumber(ctx)
	if err != nil {
		rt.logger.Warn("read block for snapshot", zap.Error(err))
	}
	snap.Stamp(block)
	if err := rt.store.Save(ctx, snap); err != nil {
		rt.logger.Warn("save snapshot failed", zap.Error(err))
	}
}

// principal derives a stable simulation address from a label.
func principal(label string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("sigma/" + label)))
}
