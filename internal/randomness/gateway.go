// Package randomness implements the two-phase request/fulfil handshake
// between engine components and an external randomness oracle.
//
// A consumer asks the Gateway for a request id and records its pending
// settlement under that id. Later the configured provider delivers a value
// for the id and the Gateway forwards it to the consumer exactly once.
package randomness

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"sigmaSquared/internal/access"
	"sigmaSquared/internal/chain"
	"sigmaSquared/internal/model"
	"sigmaSquared/internal/storage"
)

// Source issues randomness requests on behalf of consumers.
type Source interface {
	Address() common.Address
	RequestRandomness(ctx context.Context, consumer Consumer) (model.RequestID, error)
}

// Consumer receives fulfilled randomness. Implementations must reject
// callbacks whose source is not their configured Source.
type Consumer interface {
	Address() common.Address
	ReceiveRandomness(ctx context.Context, source common.Address, id model.RequestID, value *big.Int) error
}

// Config holds the identities a Gateway is deployed with.
type Config struct {
	Address  common.Address
	Owner    common.Address
	Provider common.Address
}

type request struct {
	consumer Consumer
	inFlight bool
}

// Gateway tracks outstanding requests and forwards provider deliveries.
type Gateway struct {
	address common.Address
	owner   *access.Owner
	clock   chain.Clock
	sink    storage.Sink
	logger  *zap.Logger

	mu       sync.Mutex
	provider common.Address
	nonce    uint64
	allowed  map[common.Address]struct{}
	pending  map[model.RequestID]*request
	order    []model.RequestID
}

var maxValue = new(big.Int).Lsh(big.NewInt(1), 256)

// NewGateway builds a Gateway. A nil clock reports block 0.
func NewGateway(cfg Config, clock chain.Clock, sink storage.Sink, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		address:  cfg.Address,
		owner:    access.NewOwner(cfg.Owner),
		clock:    clock,
		sink:     sink,
		logger:   logger.With(zap.String("component", "randomness")),
		provider: cfg.Provider,
		allowed:  make(map[common.Address]struct{}),
		pending:  make(map[model.RequestID]*request),
	}
}

func (g *Gateway) Address() common.Address {
	return g.address
}

// RequestRandomness allocates a fresh id and records consumer as its recipient.
func (g *Gateway) RequestRandomness(ctx context.Context, consumer Consumer) (model.RequestID, error) {
	if consumer == nil {
		return model.RequestID{}, fmt.Errorf("%w: nil consumer", model.ErrUnauthorizedConsumer)
	}
	recipient := consumer.Address()

	g.mu.Lock()
	if _, ok := g.allowed[recipient]; !ok {
		g.mu.Unlock()
		return model.RequestID{}, fmt.Errorf("%w: %s", model.ErrUnauthorizedConsumer, recipient.Hex())
	}
	g.nonce++
	id := requestID(g.address, g.nonce, recipient)
	g.pending[id] = &request{consumer: consumer}
	g.order = append(g.order, id)
	g.mu.Unlock()

	g.logger.Debug("randomness requested",
		zap.String("request_id", id.Hex()),
		zap.String("consumer", recipient.Hex()),
	)
	storage.Emit(ctx, g.sink, g.logger, model.NewEvent(model.EventRandomnessRequested, "randomness", g.blockNumber(ctx), model.RandomnessRequestedData{
		RequestID: id.Hex(),
		Consumer:  recipient.Hex(),
	}))
	return id, nil
}

// Deliver forwards value to the recipient of id. The request is consumed only
// when the recipient accepts it; a failing recipient leaves it pending.
func (g *Gateway) Deliver(ctx context.Context, caller common.Address, id model.RequestID, value *big.Int) error {
	if value == nil || value.Sign() < 0 || value.Cmp(maxValue) >= 0 {
		return fmt.Errorf("%w: randomness value out of range", model.ErrInvalidAmount)
	}

	g.mu.Lock()
	if caller != g.provider {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", model.ErrUnauthorizedProvider, caller.Hex())
	}
	req, ok := g.pending[id]
	if !ok || req.inFlight {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", model.ErrUnknownRequest, id.Hex())
	}
	req.inFlight = true
	g.mu.Unlock()

	err := req.consumer.ReceiveRandomness(ctx, g.address, id, model.Amount(value))

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		req.inFlight = false
		return fmt.Errorf("deliver %s: %w", id.Hex(), err)
	}
	delete(g.pending, id)
	g.removeOrdered(id)

	g.logger.Debug("randomness delivered", zap.String("request_id", id.Hex()))
	return nil
}

// Pending lists outstanding request ids in issue order.
func (g *Gateway) Pending() []model.RequestID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.RequestID, len(g.order))
	copy(out, g.order)
	return out
}

// SetProvider replaces the delivering identity. Outstanding requests stay valid.
func (g *Gateway) SetProvider(caller, provider common.Address) error {
	if err := g.owner.Check(caller); err != nil {
		return err
	}
	g.mu.Lock()
	g.provider = provider
	g.mu.Unlock()
	g.logger.Info("randomness provider changed", zap.String("provider", provider.Hex()))
	return nil
}

func (g *Gateway) Provider() common.Address {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.provider
}

// AllowConsumer permits consumer to request randomness.
func (g *Gateway) AllowConsumer(caller, consumer common.Address) error {
	if err := g.owner.Check(caller); err != nil {
		return err
	}
	g.mu.Lock()
	g.allowed[consumer] = struct{}{}
	g.mu.Unlock()
	return nil
}

// RevokeConsumer blocks new requests from consumer. Its outstanding requests
// can still be delivered.
func (g *Gateway) RevokeConsumer(caller, consumer common.Address) error {
	if err := g.owner.Check(caller); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.allowed, consumer)
	g.mu.Unlock()
	return nil
}

func (g *Gateway) IsAllowed(consumer common.Address) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.allowed[consumer]
	return ok
}

// Owner exposes the gateway's ownership record.
func (g *Gateway) Owner() *access.Owner {
	return g.owner
}

func (g *Gateway) removeOrdered(id model.RequestID) {
	for i, candidate := range g.order {
		if candidate == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			return
		}
	}
}

func (g *Gateway) blockNumber(ctx context.Context) uint64 {
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

// requestID is keccak256(gateway ‖ nonce ‖ consumer) with a 32-byte nonce.
func requestID(gateway common.Address, nonce uint64, consumer common.Address) model.RequestID {
	counter := common.BigToHash(new(big.Int).SetUint64(nonce))
	return crypto.Keccak256Hash(gateway.Bytes(), counter.Bytes(), consumer.Bytes())
}
