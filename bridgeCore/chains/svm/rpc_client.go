package svm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
)

// Backend is the subset of the Solana JSON-RPC surface the adapter uses
type Backend interface {
	GetHealth(ctx context.Context) (string, error)
	GetGenesisHash(ctx context.Context) (solana.Hash, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	SendRawTransactionWithOpts(ctx context.Context, rawTx []byte, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetRecentPrioritizationFees(ctx context.Context, accounts solana.PublicKeySlice) ([]rpc.PriorizationFeeResult, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	Close() error
}

// RPCClient provides SVM-specific RPC operations with round-robin failover
type RPCClient struct {
	clients []*rpc.Client
	index   uint64
	mu      sync.RWMutex
	logger  zerolog.Logger
}

var _ Backend = (*RPCClient)(nil)

// NewRPCClient creates a new SVM RPC client from RPC URLs and validates genesis hash
func NewRPCClient(rpcURLs []string, expectedGenesisHash string, logger zerolog.Logger) (*RPCClient, error) {
	if len(rpcURLs) == 0 {
		return nil, fmt.Errorf("no RPC URLs provided")
	}

	log := logger.With().Str("component", "svm_rpc_client").Logger()
	clients := make([]*rpc.Client, 0, len(rpcURLs))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, url := range rpcURLs {
		client := rpc.New(url)

		health, err := client.GetHealth(ctx)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("failed to connect to RPC endpoint, skipping")
			continue
		}
		if health != rpc.HealthOk {
			log.Warn().Str("url", url).Str("health", health).Msg("node is not healthy, skipping")
			continue
		}

		if expectedGenesisHash != "" {
			genesisHash, err := client.GetGenesisHash(ctx)
			if err != nil {
				log.Warn().
					Err(err).
					Str("url", url).
					Str("expected_genesis_hash", expectedGenesisHash).
					Msg("failed to verify genesis hash, proceeding with client anyway")
				clients = append(clients, client)
				continue
			}
			if !genesisMatches(genesisHash, expectedGenesisHash) {
				log.Warn().
					Str("url", url).
					Str("expected_genesis_hash", expectedGenesisHash).
					Str("actual_genesis_hash", genesisHash.String()).
					Msg("genesis hash mismatch, skipping")
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

// genesisMatches compares the CAIP-2 reference, which may be a truncated
// genesis hash, against the node's genesis hash
func genesisMatches(actual solana.Hash, expected string) bool {
	s := actual.String()
	if len(s) > len(expected) {
		s = s[:len(expected)]
	}
	return s == expected
}

// executeWithFailover executes fn against each endpoint in turn until one
// succeeds; non-transport errors return at once
func (rc *RPCClient) executeWithFailover(ctx context.Context, operation string, fn func(*rpc.Client) error) error {
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

func (rc *RPCClient) GetHealth(ctx context.Context) (string, error) {
	var out string
	err := rc.executeWithFailover(ctx, "get_health", func(c *rpc.Client) error {
		var innerErr error
		out, innerErr = c.GetHealth(ctx)
		return innerErr
	})
	return out, err
}

func (rc *RPCClient) GetGenesisHash(ctx context.Context) (solana.Hash, error) {
	var out solana.Hash
	err := rc.executeWithFailover(ctx, "get_genesis_hash", func(c *rpc.Client) error {
		var innerErr error
		out, innerErr = c.GetGenesisHash(ctx)
		return innerErr
	})
	return out, err
}

func (rc *RPCClient) GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	var out uint64
	err := rc.executeWithFailover(ctx, "get_slot", func(c *rpc.Client) error {
		var innerErr error
		out, innerErr = c.GetSlot(ctx, commitment)
		return innerErr
	})
	return out, err
}

func (rc *RPCClient) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	var out *rpc.GetBalanceResult
	err := rc.executeWithFailover(ctx, "get_balance", func(c *rpc.Client) error {
		var innerErr error
		out, innerErr = c.GetBalance(ctx, account, commitment)
		return innerErr
	})
	return out, err
}

func (rc *RPCClient) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	var out *rpc.GetTokenAccountBalanceResult
	err := rc.executeWithFailover(ctx, "get_token_account_balance", func(c *rpc.Client) error {
		var innerErr error
		out, innerErr = c.GetTokenAccountBalance(ctx, account, commitment)
		return innerErr
	})
	return out, err
}

func (rc *RPCClient) SendRawTransactionWithOpts(ctx context.Context, rawTx []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	var out solana.Signature
	err := rc.executeWithFailover(ctx, "send_transaction", func(c *rpc.Client) error {
		var innerErr error
		out, innerErr = c.SendRawTransactionWithOpts(ctx, rawTx, opts)
		return innerErr
	})
	return out, err
}

func (rc *RPCClient) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	var out *rpc.GetSignatureStatusesResult
	err := rc.executeWithFailover(ctx, "get_signature_statuses", func(c *rpc.Client) error {
		var innerErr error
		out, innerErr = c.GetSignatureStatuses(ctx, searchTransactionHistory, sigs...)
		return innerErr
	})
	return out, err
}

func (rc *RPCClient) GetRecentPrioritizationFees(ctx context.Context, accounts solana.PublicKeySlice) ([]rpc.PriorizationFeeResult, error) {
	var out []rpc.PriorizationFeeResult
	err := rc.executeWithFailover(ctx, "get_prioritization_fees", func(c *rpc.Client) error {
		var innerErr error
		out, innerErr = c.GetRecentPrioritizationFees(ctx, accounts)
		return innerErr
	})
	return out, err
}

func (rc *RPCClient) GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	var out []*rpc.TransactionSignature
	err := rc.executeWithFailover(ctx, "get_signatures_for_address", func(c *rpc.Client) error {
		var innerErr error
		out, innerErr = c.GetSignaturesForAddressWithOpts(ctx, account, opts)
		return innerErr
	})
	return out, err
}

// Close closes all RPC connections
func (rc *RPCClient) Close() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for _, client := range rc.clients {
		if client != nil {
			_ = client.Close()
		}
	}
	rc.clients = nil
	return nil
}
