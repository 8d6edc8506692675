package evm

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
)

// Backend is the subset of the Ethereum JSON-RPC surface the adapter uses
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SyncProgress(ctx context.Context) (*ethereum.SyncProgress, error)
	BalanceAt(ctx context.Context, account ethcommon.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash ethcommon.Hash) (*types.Transaction, bool, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// RPCClient provides EVM-specific RPC operations with round-robin failover
type RPCClient struct {
	clients []*ethclient.Client
	index   uint64
	mu      sync.RWMutex
	logger  zerolog.Logger
}

var _ Backend = (*RPCClient)(nil)

// NewRPCClient creates a new EVM RPC client from RPC URLs and validates chain ID
func NewRPCClient(rpcURLs []string, expectedChainID int64, logger zerolog.Logger) (*RPCClient, error) {
	if len(rpcURLs) == 0 {
		return nil, fmt.Errorf("no RPC URLs provided")
	}

	log := logger.With().Str("component", "evm_rpc_client").Logger()
	clients := make([]*ethclient.Client, 0, len(rpcURLs))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, url := range rpcURLs {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("failed to connect to RPC endpoint, skipping")
			continue
		}

		if expectedChainID != 0 {
			clientChainID, err := client.ChainID(ctx)
			if err != nil {
				log.Warn().
					Err(err).
					Str("url", url).
					Int64("expected_chain_id", expectedChainID).
					Msg("failed to verify chain ID, proceeding with client anyway")
				clients = append(clients, client)
				continue
			}

			if clientChainID.Int64() != expectedChainID {
				client.Close()
				log.Warn().
					Str("url", url).
					Int64("expected_chain_id", expectedChainID).
					Int64("actual_chain_id", clientChainID.Int64()).
					Msg("chain ID mismatch, closing client")
				continue
			}
		}

		clients = append(clients, client)
		log.Info().Str("url", url).Msg("connected to RPC endpoint")
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("failed to connect to any valid RPC endpoints")
	}

	return &RPCClient{
		clients: clients,
		logger:  log,
	}, nil
}

// executeWithFailover executes fn against each endpoint in turn until one
// succeeds. Errors that are not transport failures are returned at once,
// since another endpoint would answer the same.
func (rc *RPCClient) executeWithFailover(ctx context.Context, operation string, fn func(*ethclient.Client) error) error {
	rc.mu.RLock()
	clients := rc.clients
	rc.mu.RUnlock()

	if len(clients) == 0 {
		return fmt.Errorf("no RPC clients available for %s", operation)
	}

	var lastErr error
	for attempt := 0; attempt < len(clients); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		index := atomic.AddUint64(&rc.index, 1) - 1
		client := clients[index%uint64(len(clients))]

		err := fn(client)
		if err == nil {
			return nil
		}
		lastErr = err
		if !bcerrors.IsRetryable(err) {
			return err
		}

		rc.logger.Warn().
			Str("operation", operation).
			Int("attempt", attempt+1).
			Err(err).
			Msg("operation failed, trying next endpoint")
	}

	return fmt.Errorf("operation %s failed after trying %d endpoints: %w", operation, len(clients), lastErr)
}

func (rc *RPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := rc.executeWithFailover(ctx, "chain_id", func(c *ethclient.Client) error {
		var innerErr error
		id, innerErr = c.ChainID(ctx)
		return innerErr
	})
	return id, err
}

func (rc *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := rc.executeWithFailover(ctx, "get_block_number", func(c *ethclient.Client) error {
		var innerErr error
		n, innerErr = c.BlockNumber(ctx)
		return innerErr
	})
	return n, err
}

func (rc *RPCClient) SyncProgress(ctx context.Context) (*ethereum.SyncProgress, error) {
	var p *ethereum.SyncProgress
	err := rc.executeWithFailover(ctx, "sync_progress", func(c *ethclient.Client) error {
		var innerErr error
		p, innerErr = c.SyncProgress(ctx)
		return innerErr
	})
	return p, err
}

func (rc *RPCClient) BalanceAt(ctx context.Context, account ethcommon.Address, blockNumber *big.Int) (*big.Int, error) {
	var bal *big.Int
	err := rc.executeWithFailover(ctx, "balance_at", func(c *ethclient.Client) error {
		var innerErr error
		bal, innerErr = c.BalanceAt(ctx, account, blockNumber)
		return innerErr
	})
	return bal, err
}

func (rc *RPCClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := rc.executeWithFailover(ctx, "call_contract", func(c *ethclient.Client) error {
		var innerErr error
		out, innerErr = c.CallContract(ctx, msg, blockNumber)
		return innerErr
	})
	return out, err
}

func (rc *RPCClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return rc.executeWithFailover(ctx, "send_transaction", func(c *ethclient.Client) error {
		return c.SendTransaction(ctx, tx)
	})
}

func (rc *RPCClient) TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := rc.executeWithFailover(ctx, "get_transaction_receipt", func(c *ethclient.Client) error {
		var innerErr error
		receipt, innerErr = c.TransactionReceipt(ctx, txHash)
		return innerErr
	})
	return receipt, err
}

func (rc *RPCClient) TransactionByHash(ctx context.Context, hash ethcommon.Hash) (*types.Transaction, bool, error) {
	var (
		tx      *types.Transaction
		pending bool
	)
	err := rc.executeWithFailover(ctx, "get_transaction", func(c *ethclient.Client) error {
		var innerErr error
		tx, pending, innerErr = c.TransactionByHash(ctx, hash)
		return innerErr
	})
	return tx, pending, err
}

func (rc *RPCClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := rc.executeWithFailover(ctx, "estimate_gas", func(c *ethclient.Client) error {
		var innerErr error
		gas, innerErr = c.EstimateGas(ctx, msg)
		return innerErr
	})
	return gas, err
}

// SuggestGasPrice fetches the current gas price
func (rc *RPCClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := rc.executeWithFailover(ctx, "get_gas_price", func(c *ethclient.Client) error {
		var innerErr error
		gasPrice, innerErr = c.SuggestGasPrice(ctx)
		return innerErr
	})
	return gasPrice, err
}

// FilterLogs fetches logs matching the filter query
func (rc *RPCClient) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := rc.executeWithFailover(ctx, "filter_logs", func(c *ethclient.Client) error {
		var innerErr error
		logs, innerErr = c.FilterLogs(ctx, query)
		return innerErr
	})
	return logs, err
}

// Close closes all RPC connections
func (rc *RPCClient) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for _, client := range rc.clients {
		if client != nil {
			client.Close()
		}
	}
	rc.clients = nil
}
