// Package cosmos implements the chain adapter for CometBFT based chains.
package cosmos

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	ctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/cosmos/btcutil/bech32"
	"github.com/shopspring/decimal"

	"github.com/pushchain/bridge-core/bridgeCore/chains/common"
	"github.com/pushchain/bridge-core/bridgeCore/config"
	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
)

const (
	defaultDecimals     = 6
	defaultGasLimit     = 200_000
	defaultPollInterval = 2 * time.Second
	defaultSearchLimit  = 100
)

// CometClient is the subset of the CometBFT RPC the adapter uses
type CometClient interface {
	Status(ctx context.Context) (*ctypes.ResultStatus, error)
	Tx(ctx context.Context, hash []byte, prove bool) (*ctypes.ResultTx, error)
	BroadcastTxSync(ctx context.Context, tx cmttypes.Tx) (*ctypes.ResultBroadcastTx, error)
	TxSearch(ctx context.Context, query string, prove bool, page, perPage *int, orderBy string) (*ctypes.ResultTxSearch, error)
}

// Adapter implements common.ChainAdapter over CometBFT RPC and the SDK LCD
type Adapter struct {
	*common.BaseAdapter

	mu           sync.RWMutex
	comet        CometClient
	bank         BankQuerier
	cfg          *config.ChainSpecificConfig
	pollInterval time.Duration
}

var _ common.ChainAdapter = (*Adapter)(nil)

// NewAdapter creates an adapter that dials its endpoints on Initialize
func NewAdapter(chainID string, deps common.AdapterDeps) *Adapter {
	return &Adapter{
		BaseAdapter:  common.NewBaseAdapter(chainID, common.FamilyCosmos, deps),
		pollInterval: defaultPollInterval,
	}
}

// NewAdapterWithClients creates an adapter over existing clients
func NewAdapterWithClients(chainID string, deps common.AdapterDeps, comet CometClient, bank BankQuerier) *Adapter {
	a := NewAdapter(chainID, deps)
	a.comet = comet
	a.bank = bank
	return a
}

// Initialize validates cfg, connects and checks the network id
func (a *Adapter) Initialize(ctx context.Context, cfg *config.ChainSpecificConfig) (bool, error) {
	if a.IsInitialized() {
		return false, nil
	}
	if cfg == nil {
		return false, bcerrors.NewInvalidInputError(a.GetChainID(), "chain config is required")
	}
	if cfg.Bech32Prefix == "" {
		return false, bcerrors.NewInvalidInputError(a.GetChainID(), "bech32 prefix is required")
	}
	if cfg.Denom == "" {
		return false, bcerrors.NewInvalidInputError(a.GetChainID(), "denom is required")
	}
	if cfg.GasPrice != "" {
		if _, err := decimal.NewFromString(cfg.GasPrice); err != nil {
			return false, bcerrors.NewInvalidInputError(a.GetChainID(), "invalid gas price "+cfg.GasPrice)
		}
	}
	if a.comet == nil && len(cfg.RPCURLs) == 0 {
		return false, bcerrors.NewInvalidInputError(a.GetChainID(), "at least one rpc url is required")
	}
	if a.bank == nil && cfg.RESTURL == "" {
		return false, bcerrors.NewInvalidInputError(a.GetChainID(), "rest url is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var timeout time.Duration
	if cfg.RequestTimeoutSeconds != nil && *cfg.RequestTimeoutSeconds > 0 {
		timeout = time.Duration(*cfg.RequestTimeoutSeconds) * time.Second
	}

	if a.comet == nil {
		client, err := dialComet(ctx, cfg.RPCURLs, cfg.NetworkID, a)
		if err != nil {
			return false, err
		}
		a.comet = client
	}
	if a.bank == nil {
		a.bank = NewLCDClient(cfg.RESTURL, timeout, *a.Logger())
	}

	if cfg.NetworkID != "" {
		st, err := a.comet.Status(ctx)
		if err != nil {
			return false, bcerrors.Classify(a.GetChainID(), "status", err)
		}
		if st.NodeInfo.Network != cfg.NetworkID {
			return false, bcerrors.NewInvalidInputError(a.GetChainID(), "network id mismatch").
				WithContext("expected", cfg.NetworkID).
				WithContext("actual", st.NodeInfo.Network)
		}
	}

	if cfg.PollIntervalMs != nil && *cfg.PollIntervalMs > 0 {
		a.pollInterval = time.Duration(*cfg.PollIntervalMs) * time.Millisecond
	}
	if timeout > 0 {
		a.SetRequestTimeout(timeout)
	}
	a.cfg = cfg

	initialized := a.MarkInitialized()
	a.Logger().Info().Str("network", cfg.NetworkID).Str("denom", cfg.Denom).Msg("cosmos adapter initialized")
	return initialized, nil
}

// dialComet returns the first endpoint that answers status for the
// expected network
func dialComet(ctx context.Context, urls []string, network string, a *Adapter) (CometClient, error) {
	var lastErr error
	for _, url := range urls {
		client, err := rpchttp.New(url, "/websocket")
		if err != nil {
			lastErr = err
			a.Logger().Warn().Err(err).Str("url", url).Msg("failed to create rpc client, skipping")
			continue
		}
		st, err := client.Status(ctx)
		if err != nil {
			lastErr = err
			a.Logger().Warn().Err(err).Str("url", url).Msg("failed to connect to RPC endpoint, skipping")
			continue
		}
		if network != "" && st.NodeInfo.Network != network {
			lastErr = fmt.Errorf("network mismatch: expected %s, got %s", network, st.NodeInfo.Network)
			a.Logger().Warn().Str("url", url).Str("actual_network", st.NodeInfo.Network).Msg("network mismatch, skipping")
			continue
		}
		a.Logger().Info().Str("url", url).Msg("connected to RPC endpoint")
		return client, nil
	}
	return nil, bcerrors.NewNetworkError(a.GetChainID(), "failed to connect to any valid RPC endpoints", lastErr)
}

func (a *Adapter) clients() (CometClient, BankQuerier) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.comet, a.bank
}

func (a *Adapter) CheckConnection(ctx context.Context) (*common.ConnectionStatus, error) {
	status := &common.ConnectionStatus{}
	start := time.Now()
	comet, _ := a.clients()

	var st *ctypes.ResultStatus
	err := a.Call(ctx, "status", func(ctx context.Context) error {
		var innerErr error
		st, innerErr = comet.Status(ctx)
		return innerErr
	})
	if err != nil {
		return status, err
	}
	height := uint64(st.SyncInfo.LatestBlockHeight)
	status.Connected = true
	status.LatencyMs = time.Since(start).Milliseconds()
	status.SyncedBlockHeight = height
	status.NetworkBlockHeight = height
	status.IsSynced = !st.SyncInfo.CatchingUp
	return status, nil
}

// GetBalance queries the bank module. The native asset is the configured
// denom; any other assetID is taken as a denom (e.g. ibc/...).
func (a *Adapter) GetBalance(ctx context.Context, address, assetID string) (decimal.Decimal, error) {
	if res, _ := a.ValidateAddress(address); !res.Valid {
		return decimal.Zero, bcerrors.NewInvalidInputError(a.GetChainID(), "invalid address "+address+": "+res.Reason)
	}
	if err := a.EnsureInitialized(); err != nil {
		return decimal.Zero, err
	}

	denom, decimals := a.denomFor(assetID)
	_, bank := a.clients()

	var raw string
	err := a.Call(ctx, "bank_balance", func(ctx context.Context) error {
		var innerErr error
		raw, innerErr = bank.BalanceByDenom(ctx, address, denom)
		return innerErr
	})
	if err != nil {
		return decimal.Zero, err
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, bcerrors.NewInvalidInputError(a.GetChainID(), "malformed balance "+raw)
	}
	return amount.Shift(-int32(decimals)), nil
}

func (a *Adapter) GetBalances(ctx context.Context, address string, assetIDs []string) <-chan common.AssetBalance {
	return common.StreamBalances(ctx, assetIDs, func(ctx context.Context, assetID string) (decimal.Decimal, error) {
		return a.GetBalance(ctx, address, assetID)
	})
}

// SendTransaction broadcasts signed tx bytes in sync mode. A non-zero
// CheckTx code is a chain rejection.
func (a *Adapter) SendTransaction(ctx context.Context, tx *common.Transaction, _ *common.SendOptions) (*common.TransactionResult, error) {
	if tx == nil || len(tx.RawData) == 0 {
		return nil, bcerrors.NewInvalidInputError(a.GetChainID(), "signed transaction bytes are required")
	}
	comet, _ := a.clients()

	var res *ctypes.ResultBroadcastTx
	err := a.Call(ctx, "broadcast_tx_sync", func(ctx context.Context) error {
		var innerErr error
		res, innerErr = comet.BroadcastTxSync(ctx, cmttypes.Tx(tx.RawData))
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	if res.Code != 0 {
		return nil, bcerrors.NewChainRejectedError(a.GetChainID(), "check tx failed: "+res.Log, nil).
			WithContext("code", res.Code).
			WithContext("codespace", res.Codespace)
	}

	hash := strings.ToUpper(hex.EncodeToString(res.Hash))
	if hash == "" {
		hash = strings.ToUpper(hex.EncodeToString(cmttypes.Tx(tx.RawData).Hash()))
	}
	a.Logger().Info().Str("tx_hash", hash).Msg("transaction submitted")
	return &common.TransactionResult{TxHash: hash, SubmittedAt: time.Now().UTC()}, nil
}

func (a *Adapter) GetTransactionStatus(ctx context.Context, txID string) (*common.TransactionStatus, error) {
	hash, err := hex.DecodeString(strings.TrimPrefix(txID, "0x"))
	if err != nil || len(hash) != 32 {
		return nil, bcerrors.NewInvalidInputError(a.GetChainID(), "invalid transaction hash "+txID)
	}
	comet, _ := a.clients()

	var res *ctypes.ResultTx
	err = a.Call(ctx, "tx", func(ctx context.Context) error {
		var innerErr error
		res, innerErr = comet.Tx(ctx, hash, false)
		if innerErr != nil && strings.Contains(strings.ToLower(innerErr.Error()), "not found") {
			res = nil
			return nil
		}
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &common.TransactionStatus{TxHash: txID, State: common.TxStateNotFound}, nil
	}

	status := &common.TransactionStatus{
		TxHash:      txID,
		State:       common.TxStateConfirmed,
		BlockHeight: uint64(res.Height),
	}
	if res.TxResult.Code != 0 {
		status.State = common.TxStateFailed
		status.Error = res.TxResult.Log
		return status, nil
	}

	head, err := a.GetCurrentBlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	if head >= status.BlockHeight {
		status.Confirmations = head - status.BlockHeight + 1
	}
	return status, nil
}

func (a *Adapter) WaitForConfirmation(ctx context.Context, txID string, minConfirmations uint64, timeout time.Duration) (*common.ConfirmationResult, error) {
	if minConfirmations == 0 {
		minConfirmations = a.minConfirmations()
	}
	return a.PollConfirmation(ctx, txID, minConfirmations, timeout, a.pollInterval,
		func(ctx context.Context) (*common.TransactionStatus, error) {
			return a.GetTransactionStatus(ctx, txID)
		})
}

// EstimateTransactionFee prices the configured gas limit at the configured
// gas price. Cosmos fees are fixed up front, so no simulation is done.
func (a *Adapter) EstimateTransactionFee(_ context.Context, _ *common.Transaction) (*common.FeeEstimate, error) {
	if err := a.EnsureInitialized(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	cfg := a.cfg
	a.mu.RUnlock()

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}
	price := decimal.Zero
	if cfg.GasPrice != "" {
		price = decimal.RequireFromString(cfg.GasPrice)
	}
	_, decimals := a.denomFor("")
	fee := price.Mul(decimal.NewFromInt(int64(gasLimit))).Ceil()

	return &common.FeeEstimate{
		Fee:      fee.Shift(-int32(decimals)),
		GasLimit: gasLimit,
		GasPrice: price,
		Unit:     cfg.Denom,
	}, nil
}

func (a *Adapter) GetCurrentBlockHeight(ctx context.Context) (uint64, error) {
	comet, _ := a.clients()
	var st *ctypes.ResultStatus
	err := a.Call(ctx, "status", func(ctx context.Context) error {
		var innerErr error
		st, innerErr = comet.Status(ctx)
		return innerErr
	})
	if err != nil {
		return 0, err
	}
	return uint64(st.SyncInfo.LatestBlockHeight), nil
}

// ValidateAddress checks the bech32 checksum, the human readable prefix and
// the payload length (20-byte accounts, 32-byte module or ICA accounts)
func (a *Adapter) ValidateAddress(address string) (*common.AddressValidationResult, error) {
	hrp, data, err := bech32.DecodeToBase256(address)
	if err != nil {
		return &common.AddressValidationResult{Valid: false, Reason: "invalid bech32: " + err.Error()}, nil
	}
	if prefix := a.prefix(); prefix != "" && hrp != prefix {
		return &common.AddressValidationResult{
			Valid:  false,
			Reason: fmt.Sprintf("prefix %q, expected %q", hrp, prefix),
		}, nil
	}
	if len(data) != 20 && len(data) != 32 {
		return &common.AddressValidationResult{
			Valid:  false,
			Reason: fmt.Sprintf("payload length %d, expected 20 or 32", len(data)),
		}, nil
	}
	return &common.AddressValidationResult{Valid: true, Normalized: strings.ToLower(address)}, nil
}

func (a *Adapter) DeployContract(context.Context, *common.ContractDeployment) (*common.TransactionResult, error) {
	return nil, a.Unsupported("deploy_contract")
}

func (a *Adapter) CallContract(context.Context, *common.ContractCall) ([]byte, error) {
	return nil, a.Unsupported("call_contract")
}

func (a *Adapter) SubscribeToEvents(context.Context, *common.EventFilter) (<-chan common.ChainEvent, error) {
	return nil, a.Unsupported("subscribe_to_events")
}

// GetHistoricalEvents runs a TxSearch over the block range. Addresses match
// message.sender and Topics are passed through as extra query conditions.
// Every ABCI event of a matching tx becomes one ChainEvent.
func (a *Adapter) GetHistoricalEvents(ctx context.Context, filter *common.EventFilter) ([]common.ChainEvent, error) {
	if filter == nil {
		return nil, bcerrors.NewInvalidInputError(a.GetChainID(), "event filter is required")
	}
	for _, addr := range filter.Addresses {
		if res, _ := a.ValidateAddress(addr); !res.Valid {
			return nil, bcerrors.NewInvalidInputError(a.GetChainID(), "invalid filter address "+addr)
		}
	}

	queries := buildQueries(filter)
	perPage := filter.Limit
	if perPage <= 0 || perPage > defaultSearchLimit {
		perPage = defaultSearchLimit
	}
	page := 1
	comet, _ := a.clients()

	var events []common.ChainEvent
	for _, q := range queries {
		var res *ctypes.ResultTxSearch
		err := a.Call(ctx, "tx_search", func(ctx context.Context) error {
			var innerErr error
			res, innerErr = comet.TxSearch(ctx, q.query, false, &page, &perPage, "asc")
			return innerErr
		})
		if err != nil {
			return nil, err
		}

		for _, tx := range res.Txs {
			hash := strings.ToUpper(hex.EncodeToString(tx.Hash))
			for _, ev := range tx.TxResult.Events {
				ce := common.ChainEvent{
					ChainID:     a.GetChainID(),
					TxHash:      hash,
					BlockHeight: uint64(tx.Height),
					Address:     q.address,
					Name:        ev.Type,
					Data:        make(map[string]string, len(ev.Attributes)),
				}
				for _, attr := range ev.Attributes {
					ce.Data[attr.Key] = attr.Value
				}
				events = append(events, ce)
			}
		}
	}

	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

type searchQuery struct {
	address string
	query   string
}

func buildQueries(filter *common.EventFilter) []searchQuery {
	base := []string{fmt.Sprintf("tx.height>=%d", filter.FromBlock)}
	if filter.ToBlock != nil {
		base = append(base, fmt.Sprintf("tx.height<=%d", *filter.ToBlock))
	}
	base = append(base, filter.Topics...)

	if len(filter.Addresses) == 0 {
		return []searchQuery{{query: strings.Join(base, " AND ")}}
	}
	out := make([]searchQuery, 0, len(filter.Addresses))
	for _, addr := range filter.Addresses {
		conds := append(append([]string{}, base...), fmt.Sprintf("message.sender='%s'", addr))
		out = append(out, searchQuery{address: addr, query: strings.Join(conds, " AND ")})
	}
	return out
}

// Close is a no-op: the HTTP transport keeps no websocket subscription open
func (a *Adapter) Close() {}

func (a *Adapter) denomFor(assetID string) (string, int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	decimals := defaultDecimals
	if a.cfg.Decimals > 0 {
		decimals = a.cfg.Decimals
	}
	if assetID == "" || strings.EqualFold(assetID, "native") || assetID == a.cfg.Denom {
		return a.cfg.Denom, decimals
	}
	return assetID, decimals
}

func (a *Adapter) prefix() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cfg == nil {
		return ""
	}
	return a.cfg.Bech32Prefix
}

func (a *Adapter) minConfirmations() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cfg != nil && a.cfg.MinConfirmations != nil {
		return *a.cfg.MinConfirmations
	}
	return 1
}
