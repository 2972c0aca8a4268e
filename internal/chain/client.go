package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client reads block heights from a go-ethereum RPC endpoint.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client

	// Heights are cached for cacheTTL to keep settlement bursts off the RPC.
	cacheTTL time.Duration

	mu        sync.Mutex
	height    uint64
	fetchedAt time.Time
}

// NewClient creates a new chain client from the RPC URL.
func NewClient(ctx context.Context, rpcURL string, cacheTTL time.Duration) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		cacheTTL:  cacheTTL,
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// ChainID returns the chain ID.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.ethClient.ChainID(ctx)
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cacheTTL > 0 && !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.cacheTTL {
		return c.height, nil
	}

	height, err := c.ethClient.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	c.height = height
	c.fetchedAt = time.Now()
	return height, nil
}
