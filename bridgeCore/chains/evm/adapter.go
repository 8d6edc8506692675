// Package evm implements the chain adapter for Ethereum-compatible chains.
package evm

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/pushchain/bridge-core/bridgeCore/chains/common"
	"github.com/pushchain/bridge-core/bridgeCore/config"
	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
)

const (
	nativeDecimals = 18

	// ERC-20 selectors
	selectorBalanceOf = "70a08231"
	selectorDecimals  = "313ce567"

	defaultPollInterval = 3 * time.Second
)

// Adapter implements common.ChainAdapter over an EVM JSON-RPC backend
type Adapter struct {
	*common.BaseAdapter

	mu           sync.RWMutex
	backend      Backend
	cfg          *config.ChainSpecificConfig
	pollInterval time.Duration
}

var _ common.ChainAdapter = (*Adapter)(nil)

// NewAdapter creates an adapter that dials its RPC endpoints on Initialize
func NewAdapter(chainID string, deps common.AdapterDeps) *Adapter {
	return &Adapter{
		BaseAdapter:  common.NewBaseAdapter(chainID, common.FamilyEVM, deps),
		pollInterval: defaultPollInterval,
	}
}

// NewAdapterWithBackend creates an adapter over an existing backend
func NewAdapterWithBackend(chainID string, deps common.AdapterDeps, backend Backend) *Adapter {
	a := NewAdapter(chainID, deps)
	a.backend = backend
	return a
}

// Initialize validates cfg, connects and checks the chain ID
func (a *Adapter) Initialize(ctx context.Context, cfg *config.ChainSpecificConfig) (bool, error) {
	if a.IsInitialized() {
		return false, nil
	}
	if cfg == nil {
		return false, bcerrors.NewInvalidInputError(a.GetChainID(), "chain config is required")
	}
	if a.backend == nil && len(cfg.RPCURLs) == 0 {
		return false, bcerrors.NewInvalidInputError(a.GetChainID(), "at least one rpc url is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.backend == nil {
		client, err := NewRPCClient(cfg.RPCURLs, cfg.ExpectedChainID, *a.Logger())
		if err != nil {
			return false, bcerrors.NewNetworkError(a.GetChainID(), "failed to connect", err)
		}
		a.backend = client
	}

	if cfg.ExpectedChainID != 0 {
		id, err := a.backend.ChainID(ctx)
		if err != nil {
			return false, bcerrors.Classify(a.GetChainID(), "chain_id", err)
		}
		if id.Int64() != cfg.ExpectedChainID {
			return false, bcerrors.NewInvalidInputError(a.GetChainID(), "chain id mismatch").
				WithContext("expected", cfg.ExpectedChainID).
				WithContext("actual", id.Int64())
		}
	}

	if cfg.PollIntervalMs != nil && *cfg.PollIntervalMs > 0 {
		a.pollInterval = time.Duration(*cfg.PollIntervalMs) * time.Millisecond
	}
	if cfg.RequestTimeoutSeconds != nil && *cfg.RequestTimeoutSeconds > 0 {
		a.SetRequestTimeout(time.Duration(*cfg.RequestTimeoutSeconds) * time.Second)
	}
	a.cfg = cfg

	initialized := a.MarkInitialized()
	a.Logger().Info().Int64("expected_chain_id", cfg.ExpectedChainID).Msg("evm adapter initialized")
	return initialized, nil
}

func (a *Adapter) client() Backend {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.backend
}

// CheckConnection measures head latency and sync state
func (a *Adapter) CheckConnection(ctx context.Context) (*common.ConnectionStatus, error) {
	status := &common.ConnectionStatus{}
	start := time.Now()

	var head uint64
	err := a.Call(ctx, "check_connection", func(ctx context.Context) error {
		var innerErr error
		head, innerErr = a.client().BlockNumber(ctx)
		return innerErr
	})
	if err != nil {
		return status, err
	}
	status.Connected = true
	status.LatencyMs = time.Since(start).Milliseconds()
	status.SyncedBlockHeight = head
	status.NetworkBlockHeight = head
	status.IsSynced = true

	var progress *ethereum.SyncProgress
	err = a.Call(ctx, "sync_progress", func(ctx context.Context) error {
		var innerErr error
		progress, innerErr = a.client().SyncProgress(ctx)
		return innerErr
	})
	if err == nil && progress != nil {
		status.SyncedBlockHeight = progress.CurrentBlock
		status.NetworkBlockHeight = progress.HighestBlock
		status.IsSynced = progress.CurrentBlock >= progress.HighestBlock
	}
	return status, nil
}

// GetBalance returns the native balance for an empty or "native" asset, or
// the ERC-20 balance when assetID is a token contract address
func (a *Adapter) GetBalance(ctx context.Context, address, assetID string) (decimal.Decimal, error) {
	if !ethcommon.IsHexAddress(address) {
		return decimal.Zero, bcerrors.NewInvalidInputError(a.GetChainID(), "invalid address "+address)
	}
	account := ethcommon.HexToAddress(address)

	if isNative(assetID) {
		var wei *big.Int
		err := a.Call(ctx, "get_balance", func(ctx context.Context) error {
			var innerErr error
			wei, innerErr = a.client().BalanceAt(ctx, account, nil)
			return innerErr
		})
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromBigInt(wei, -int32(a.nativeDecimals())), nil
	}

	if !ethcommon.IsHexAddress(assetID) {
		return decimal.Zero, bcerrors.NewInvalidInputError(a.GetChainID(), "invalid token address "+assetID)
	}
	token := ethcommon.HexToAddress(assetID)

	decimals, err := a.tokenDecimals(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}

	data := append(mustHex(selectorBalanceOf), ethcommon.LeftPadBytes(account.Bytes(), 32)...)
	var out []byte
	err = a.Call(ctx, "erc20_balance_of", func(ctx context.Context) error {
		var innerErr error
		out, innerErr = a.client().CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return innerErr
	})
	if err != nil {
		return decimal.Zero, err
	}
	if len(out) < 32 {
		return decimal.Zero, bcerrors.NewInvalidInputError(a.GetChainID(), "token "+assetID+" returned a malformed balance")
	}
	return decimal.NewFromBigInt(new(big.Int).SetBytes(out[:32]), -int32(decimals)), nil
}

func (a *Adapter) tokenDecimals(ctx context.Context, token ethcommon.Address) (uint8, error) {
	var out []byte
	err := a.Call(ctx, "erc20_decimals", func(ctx context.Context) error {
		var innerErr error
		out, innerErr = a.client().CallContract(ctx, ethereum.CallMsg{To: &token, Data: mustHex(selectorDecimals)}, nil)
		return innerErr
	})
	if err != nil {
		return 0, err
	}
	if len(out) < 32 {
		return 0, bcerrors.NewInvalidInputError(a.GetChainID(), "token "+token.Hex()+" returned malformed decimals")
	}
	return uint8(new(big.Int).SetBytes(out[:32]).Uint64()), nil
}

func (a *Adapter) GetBalances(ctx context.Context, address string, assetIDs []string) <-chan common.AssetBalance {
	return common.StreamBalances(ctx, assetIDs, func(ctx context.Context, assetID string) (decimal.Decimal, error) {
		return a.GetBalance(ctx, address, assetID)
	})
}

// SendTransaction broadcasts an RLP or typed-envelope signed transaction
func (a *Adapter) SendTransaction(ctx context.Context, tx *common.Transaction, _ *common.SendOptions) (*common.TransactionResult, error) {
	signed, err := decodeSigned(a.GetChainID(), tx)
	if err != nil {
		return nil, err
	}

	err = a.Call(ctx, "send_transaction", func(ctx context.Context) error {
		innerErr := a.client().SendTransaction(ctx, signed)
		if innerErr != nil && strings.Contains(strings.ToLower(innerErr.Error()), "already known") {
			return nil
		}
		return innerErr
	})
	if err != nil {
		return nil, err
	}

	a.Logger().Info().Str("tx_hash", signed.Hash().Hex()).Msg("transaction submitted")
	return &common.TransactionResult{TxHash: signed.Hash().Hex(), SubmittedAt: time.Now().UTC()}, nil
}

// GetTransactionStatus reads the receipt and derives confirmations from the head
func (a *Adapter) GetTransactionStatus(ctx context.Context, txID string) (*common.TransactionStatus, error) {
	hash, err := parseHash(a.GetChainID(), txID)
	if err != nil {
		return nil, err
	}

	var receipt *types.Receipt
	err = a.Call(ctx, "get_transaction_receipt", func(ctx context.Context) error {
		var innerErr error
		receipt, innerErr = a.client().TransactionReceipt(ctx, hash)
		if errors.Is(innerErr, ethereum.NotFound) {
			receipt = nil
			return nil
		}
		return innerErr
	})
	if err != nil {
		return nil, err
	}

	if receipt == nil {
		state := common.TxStateNotFound
		err = a.Call(ctx, "get_transaction", func(ctx context.Context) error {
			_, pending, innerErr := a.client().TransactionByHash(ctx, hash)
			if errors.Is(innerErr, ethereum.NotFound) {
				return nil
			}
			if innerErr == nil && pending {
				state = common.TxStatePending
			}
			return innerErr
		})
		if err != nil {
			return nil, err
		}
		return &common.TransactionStatus{TxHash: txID, State: state}, nil
	}

	head, err := a.GetCurrentBlockHeight(ctx)
	if err != nil {
		return nil, err
	}

	status := &common.TransactionStatus{
		TxHash:      txID,
		State:       common.TxStateConfirmed,
		BlockHeight: receipt.BlockNumber.Uint64(),
	}
	if head >= status.BlockHeight {
		status.Confirmations = head - status.BlockHeight + 1
	}
	if receipt.Status == types.ReceiptStatusFailed {
		status.State = common.TxStateFailed
		status.Error = "execution reverted"
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

// EstimateTransactionFee returns gas * gas price in the native unit
func (a *Adapter) EstimateTransactionFee(ctx context.Context, tx *common.Transaction) (*common.FeeEstimate, error) {
	msg, err := a.callMsg(tx)
	if err != nil {
		return nil, err
	}

	var gas uint64
	err = a.Call(ctx, "estimate_gas", func(ctx context.Context) error {
		var innerErr error
		gas, innerErr = a.client().EstimateGas(ctx, msg)
		return innerErr
	})
	if err != nil {
		return nil, err
	}

	var price *big.Int
	err = a.Call(ctx, "get_gas_price", func(ctx context.Context) error {
		var innerErr error
		price, innerErr = a.client().SuggestGasPrice(ctx)
		return innerErr
	})
	if err != nil {
		return nil, err
	}

	feeWei := new(big.Int).Mul(new(big.Int).SetUint64(gas), price)
	return &common.FeeEstimate{
		Fee:      decimal.NewFromBigInt(feeWei, -nativeDecimals),
		GasLimit: gas,
		GasPrice: decimal.NewFromBigInt(price, 0),
		Unit:     "wei",
	}, nil
}

func (a *Adapter) GetCurrentBlockHeight(ctx context.Context) (uint64, error) {
	var head uint64
	err := a.Call(ctx, "get_block_number", func(ctx context.Context) error {
		var innerErr error
		head, innerErr = a.client().BlockNumber(ctx)
		return innerErr
	})
	return head, err
}

// ValidateAddress accepts 0x-prefixed 20-byte hex. Mixed-case input must
// carry a valid EIP-55 checksum.
func (a *Adapter) ValidateAddress(address string) (*common.AddressValidationResult, error) {
	if !ethcommon.IsHexAddress(address) {
		return &common.AddressValidationResult{Valid: false, Reason: "not a 20-byte hex address"}, nil
	}
	normalized := ethcommon.HexToAddress(address).Hex()
	body := strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X")
	mixed := strings.ToLower(body) != body && strings.ToUpper(body) != body
	if mixed && "0x"+body != normalized {
		return &common.AddressValidationResult{Valid: false, Normalized: normalized, Reason: "invalid EIP-55 checksum"}, nil
	}
	return &common.AddressValidationResult{Valid: true, Normalized: normalized}, nil
}

// DeployContract broadcasts a signed contract-creation transaction and
// derives the deployed address from sender and nonce
func (a *Adapter) DeployContract(ctx context.Context, deployment *common.ContractDeployment) (*common.TransactionResult, error) {
	if deployment == nil {
		return nil, bcerrors.NewInvalidInputError(a.GetChainID(), "deployment is required")
	}
	signed, err := decodeSigned(a.GetChainID(), &common.Transaction{RawData: deployment.RawData})
	if err != nil {
		return nil, err
	}
	if signed.To() != nil {
		return nil, bcerrors.NewInvalidInputError(a.GetChainID(), "deployment transaction must not have a recipient")
	}
	sender, err := types.Sender(types.LatestSignerForChainID(signed.ChainId()), signed)
	if err != nil {
		return nil, bcerrors.NewInvalidInputError(a.GetChainID(), "cannot recover deployer: "+err.Error())
	}

	res, err := a.SendTransaction(ctx, &common.Transaction{RawData: deployment.RawData}, nil)
	if err != nil {
		return nil, err
	}
	res.ContractAddress = crypto.CreateAddress(sender, signed.Nonce()).Hex()
	return res, nil
}

func (a *Adapter) CallContract(ctx context.Context, call *common.ContractCall) ([]byte, error) {
	if call == nil || !ethcommon.IsHexAddress(call.Contract) {
		return nil, bcerrors.NewInvalidInputError(a.GetChainID(), "invalid contract address")
	}
	to := ethcommon.HexToAddress(call.Contract)
	var block *big.Int
	if call.BlockHeight != nil {
		block = new(big.Int).SetUint64(*call.BlockHeight)
	}

	var out []byte
	err := a.Call(ctx, "call_contract", func(ctx context.Context) error {
		var innerErr error
		out, innerErr = a.client().CallContract(ctx, ethereum.CallMsg{To: &to, Data: call.Data}, block)
		return innerErr
	})
	return out, err
}

// SubscribeToEvents polls logs from the filter's start block, or the current
// head when none is given, until ctx is cancelled
func (a *Adapter) SubscribeToEvents(ctx context.Context, filter *common.EventFilter) (<-chan common.ChainEvent, error) {
	if filter == nil {
		filter = &common.EventFilter{}
	}
	from := filter.FromBlock
	if from == 0 {
		head, err := a.GetCurrentBlockHeight(ctx)
		if err != nil {
			return nil, err
		}
		from = head
	}

	return a.PollEvents(ctx, a.pollInterval, from, func(ctx context.Context, cursor uint64) ([]common.ChainEvent, uint64, error) {
		head, err := a.GetCurrentBlockHeight(ctx)
		if err != nil {
			return nil, cursor, err
		}
		if cursor > head {
			return nil, cursor, nil
		}
		f := *filter
		f.FromBlock = cursor
		f.ToBlock = &head
		evs, err := a.GetHistoricalEvents(ctx, &f)
		if err != nil {
			return nil, cursor, err
		}
		return evs, head + 1, nil
	}), nil
}

func (a *Adapter) GetHistoricalEvents(ctx context.Context, filter *common.EventFilter) ([]common.ChainEvent, error) {
	if filter == nil {
		return nil, bcerrors.NewInvalidInputError(a.GetChainID(), "event filter is required")
	}

	q := ethereum.FilterQuery{FromBlock: new(big.Int).SetUint64(filter.FromBlock)}
	if filter.ToBlock != nil {
		q.ToBlock = new(big.Int).SetUint64(*filter.ToBlock)
	}
	for _, addr := range filter.Addresses {
		if !ethcommon.IsHexAddress(addr) {
			return nil, bcerrors.NewInvalidInputError(a.GetChainID(), "invalid filter address "+addr)
		}
		q.Addresses = append(q.Addresses, ethcommon.HexToAddress(addr))
	}
	if len(filter.Topics) > 0 {
		topic0 := make([]ethcommon.Hash, 0, len(filter.Topics))
		for _, t := range filter.Topics {
			topic0 = append(topic0, ethcommon.HexToHash(t))
		}
		q.Topics = [][]ethcommon.Hash{topic0}
	}

	var logs []types.Log
	err := a.Call(ctx, "filter_logs", func(ctx context.Context) error {
		var innerErr error
		logs, innerErr = a.client().FilterLogs(ctx, q)
		return innerErr
	})
	if err != nil {
		return nil, err
	}

	events := make([]common.ChainEvent, 0, len(logs))
	for _, l := range logs {
		if filter.Limit > 0 && len(events) >= filter.Limit {
			break
		}
		ev := common.ChainEvent{
			ChainID:     a.GetChainID(),
			TxHash:      l.TxHash.Hex(),
			BlockHeight: l.BlockNumber,
			Address:     l.Address.Hex(),
			Data:        map[string]string{"data": hexutil.Encode(l.Data)},
			Raw:         l.Data,
		}
		for i, topic := range l.Topics {
			if i == 0 {
				ev.Name = topic.Hex()
			}
			ev.Data["topic"+strconv.Itoa(i)] = topic.Hex()
		}
		events = append(events, ev)
	}
	return events, nil
}

func (a *Adapter) Close() {
	if c := a.client(); c != nil {
		c.Close()
	}
}

func (a *Adapter) nativeDecimals() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cfg != nil && a.cfg.Decimals > 0 {
		return a.cfg.Decimals
	}
	return nativeDecimals
}

func (a *Adapter) minConfirmations() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cfg != nil && a.cfg.MinConfirmations != nil {
		return *a.cfg.MinConfirmations
	}
	return 1
}

func (a *Adapter) callMsg(tx *common.Transaction) (ethereum.CallMsg, error) {
	if tx == nil {
		return ethereum.CallMsg{}, bcerrors.NewInvalidInputError(a.GetChainID(), "transaction is required")
	}
	msg := ethereum.CallMsg{Data: tx.Data}
	if tx.From != "" {
		if !ethcommon.IsHexAddress(tx.From) {
			return msg, bcerrors.NewInvalidInputError(a.GetChainID(), "invalid from address")
		}
		msg.From = ethcommon.HexToAddress(tx.From)
	}
	if tx.To != "" {
		if !ethcommon.IsHexAddress(tx.To) {
			return msg, bcerrors.NewInvalidInputError(a.GetChainID(), "invalid to address")
		}
		to := ethcommon.HexToAddress(tx.To)
		msg.To = &to
	}
	if tx.Value.IsPositive() {
		msg.Value = tx.Value.Shift(int32(a.nativeDecimals())).BigInt()
	}
	return msg, nil
}

func decodeSigned(chainID string, tx *common.Transaction) (*types.Transaction, error) {
	if tx == nil || len(tx.RawData) == 0 {
		return nil, bcerrors.NewInvalidInputError(chainID, "signed transaction bytes are required")
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(tx.RawData); err != nil {
		return nil, bcerrors.NewInvalidInputError(chainID, "cannot decode signed transaction: "+err.Error())
	}
	return signed, nil
}

func parseHash(chainID, txID string) (ethcommon.Hash, error) {
	b, err := hexutil.Decode(txID)
	if err != nil || len(b) != ethcommon.HashLength {
		return ethcommon.Hash{}, bcerrors.NewInvalidInputError(chainID, "invalid transaction hash "+txID)
	}
	return ethcommon.BytesToHash(b), nil
}

func isNative(assetID string) bool {
	return assetID == "" || strings.EqualFold(assetID, "native")
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
