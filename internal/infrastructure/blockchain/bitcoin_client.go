package blockchain

import (
	"context"
	"errors"
	"fmt"

	"bitcoin-graph-importer/internal/domain/entity"
	"bitcoin-graph-importer/internal/domain/service"
	"bitcoin-graph-importer/internal/infrastructure/config"
	"bitcoin-graph-importer/internal/infrastructure/logger"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// BitcoinClient implements service.LedgerSource against a Bitcoin Core node
type BitcoinClient struct {
	client    *rpcclient.Client
	limiter   ratelimit.Limiter
	converter *blockConverter
	logger    *logger.Logger
}

// NewBitcoinClient creates a Bitcoin Core RPC client. The connection is
// lazy; the first call surfaces connectivity problems.
func NewBitcoinClient(cfg *config.BitcoinConfig, log *logger.Logger) (*BitcoinClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.RPCHost,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
		HTTPPostMode: cfg.HTTPPostMode,
		DisableTLS:   cfg.DisableTLS,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("create bitcoin rpc client: %w", err)
	}

	converter, err := newBlockConverter(cfg.Network)
	if err != nil {
		return nil, err
	}

	return &BitcoinClient{
		client:    client,
		limiter:   ratelimit.New(cfg.RateLimitPerSecond),
		converter: converter,
		logger:    log.WithComponent("bitcoin-client"),
	}, nil
}

// CurrentHeight returns the height of the chain head
func (c *BitcoinClient) CurrentHeight(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.limiter.Take()

	count, err := c.client.GetBlockCount()
	if err != nil {
		return 0, classifyRPCError("getblockcount", err)
	}
	return count, nil
}

// FetchBlock retrieves the block at height with full transaction detail
func (c *BitcoinClient) FetchBlock(ctx context.Context, height int64) (*entity.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.limiter.Take()

	hash, err := c.client.GetBlockHash(height)
	if err != nil {
		return nil, classifyRPCError("getblockhash", err)
	}

	c.limiter.Take()
	verbose, err := c.client.GetBlockVerboseTx(hash)
	if err != nil {
		return nil, classifyRPCError("getblock", err)
	}

	block, err := c.converter.Convert(verbose)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetched block",
		zap.Int64("height", height),
		zap.String("hash", block.Hash),
		zap.Int("tx_count", len(block.Transactions)))

	return block, nil
}

// Shutdown closes the underlying RPC connection
func (c *BitcoinClient) Shutdown() {
	c.client.Shutdown()
}

// classifyRPCError maps rpcclient failures onto the error kinds the import
// loop bases its retry policy on.
func classifyRPCError(op string, err error) error {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case btcjson.ErrRPCBlockNotFound, btcjson.ErrRPCInvalidParameter, btcjson.ErrRPCOutOfRange:
			return fmt.Errorf("%w: %s: %s", entity.ErrNotFound, op, rpcErr.Message)
		}
		return fmt.Errorf("%w: %s: rpc error %d: %s", entity.ErrSourceUnavailable, op, rpcErr.Code, rpcErr.Message)
	}
	return fmt.Errorf("%w: %s: %v", entity.ErrSourceUnavailable, op, err)
}

var _ service.LedgerSource = (*BitcoinClient)(nil)
