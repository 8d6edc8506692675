// Package svm implements the chain adapter for Solana-compatible chains.
package svm

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/pushchain/bridge-core/bridgeCore/chains/common"
	"github.com/pushchain/bridge-core/bridgeCore/config"
	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
)

const (
	lamportDecimals = 9

	// fee paid per signature, in lamports
	baseFeeLamports = 5000
	// compute budget assumed when pricing the priority fee
	defaultComputeUnits = 200_000

	// a finalized signature reports nil confirmations
	finalizedConfirmations = 32

	defaultPollInterval = 2 * time.Second
	defaultEventLimit   = 100
)

// Adapter implements common.ChainAdapter over a Solana JSON-RPC backend
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
		BaseAdapter:  common.NewBaseAdapter(chainID, common.FamilySVM, deps),
		pollInterval: defaultPollInterval,
	}
}

// NewAdapterWithBackend creates an adapter over an existing backend
func NewAdapterWithBackend(chainID string, deps common.AdapterDeps, backend Backend) *Adapter {
	a := NewAdapter(chainID, deps)
	a.backend = backend
	return a
}

// Initialize validates cfg, connects and checks the genesis hash
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
		client, err := NewRPCClient(cfg.RPCURLs, cfg.GenesisHash, *a.Logger())
		if err != nil {
			return false, bcerrors.NewNetworkError(a.GetChainID(), "failed to connect", err)
		}
		a.backend = client
	}

	if cfg.GenesisHash != "" {
		hash, err := a.backend.GetGenesisHash(ctx)
		if err != nil {
			return false, bcerrors.Classify(a.GetChainID(), "get_genesis_hash", err)
		}
		if !genesisMatches(hash, cfg.GenesisHash) {
			return false, bcerrors.NewInvalidInputError(a.GetChainID(), "genesis hash mismatch").
				WithContext("expected", cfg.GenesisHash).
				WithContext("actual", hash.String())
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
	a.Logger().Info().Str("genesis_hash", cfg.GenesisHash).Msg("svm adapter initialized")
	return initialized, nil
}

func (a *Adapter) client() Backend {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.backend
}

// CheckConnection reports node health and the confirmed and processed slots
func (a *Adapter) CheckConnection(ctx context.Context) (*common.ConnectionStatus, error) {
	status := &common.ConnectionStatus{}
	start := time.Now()

	var health string
	err := a.Call(ctx, "get_health", func(ctx context.Context) error {
		var innerErr error
		health, innerErr = a.client().GetHealth(ctx)
		return innerErr
	})
	if err != nil {
		return status, err
	}
	status.Connected = true
	status.LatencyMs = time.Since(start).Milliseconds()

	confirmed, err := a.slot(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return status, err
	}
	processed, err := a.slot(ctx, rpc.CommitmentProcessed)
	if err != nil {
		processed = confirmed
	}
	status.SyncedBlockHeight = confirmed
	status.NetworkBlockHeight = processed
	status.IsSynced = health == rpc.HealthOk
	return status, nil
}

func (a *Adapter) slot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	var slot uint64
	err := a.Call(ctx, "get_slot", func(ctx context.Context) error {
		var innerErr error
		slot, innerErr = a.client().GetSlot(ctx, commitment)
		return innerErr
	})
	return slot, err
}

// GetBalance returns lamports for the native asset, or the balance of the
// owner's associated token account when assetID is an SPL mint. A missing
// token account is a zero balance.
func (a *Adapter) GetBalance(ctx context.Context, address, assetID string) (decimal.Decimal, error) {
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return decimal.Zero, bcerrors.NewInvalidInputError(a.GetChainID(), "invalid address "+address)
	}

	if isNative(assetID) {
		var res *rpc.GetBalanceResult
		err := a.Call(ctx, "get_balance", func(ctx context.Context) error {
			var innerErr error
			res, innerErr = a.client().GetBalance(ctx, owner, rpc.CommitmentConfirmed)
			return innerErr
		})
		if err != nil {
			return decimal.Zero, err
		}
		if res == nil {
			return decimal.Zero, nil
		}
		return decimal.NewFromBigInt(new(big.Int).SetUint64(res.Value), -int32(a.nativeDecimals())), nil
	}

	mint, err := solana.PublicKeyFromBase58(assetID)
	if err != nil {
		return decimal.Zero, bcerrors.NewInvalidInputError(a.GetChainID(), "invalid token mint "+assetID)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return decimal.Zero, bcerrors.NewInvalidInputError(a.GetChainID(), "cannot derive token account: "+err.Error())
	}

	var res *rpc.GetTokenAccountBalanceResult
	missing := false
	err = a.Call(ctx, "get_token_account_balance", func(ctx context.Context) error {
		var innerErr error
		res, innerErr = a.client().GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
		if innerErr != nil && strings.Contains(strings.ToLower(innerErr.Error()), "could not find account") {
			missing = true
			return nil
		}
		return innerErr
	})
	if err != nil {
		return decimal.Zero, err
	}
	if missing || res == nil || res.Value == nil {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(res.Value.Amount)
	if err != nil {
		return decimal.Zero, bcerrors.NewInvalidInputError(a.GetChainID(), "token account returned a malformed amount")
	}
	return amount.Shift(-int32(res.Value.Decimals)), nil
}

func (a *Adapter) GetBalances(ctx context.Context, address string, assetIDs []string) <-chan common.AssetBalance {
	return common.StreamBalances(ctx, assetIDs, func(ctx context.Context, assetID string) (decimal.Decimal, error) {
		return a.GetBalance(ctx, address, assetID)
	})
}

// SendTransaction broadcasts a serialized, fully signed transaction
func (a *Adapter) SendTransaction(ctx context.Context, tx *common.Transaction, opts *common.SendOptions) (*common.TransactionResult, error) {
	if tx == nil || len(tx.RawData) == 0 {
		return nil, bcerrors.NewInvalidInputError(a.GetChainID(), "signed transaction bytes are required")
	}
	txOpts := rpc.TransactionOpts{PreflightCommitment: rpc.CommitmentConfirmed}
	if opts != nil {
		txOpts.SkipPreflight = opts.SkipPreflight
	}

	var sig solana.Signature
	err := a.Call(ctx, "send_transaction", func(ctx context.Context) error {
		var innerErr error
		sig, innerErr = a.client().SendRawTransactionWithOpts(ctx, tx.RawData, txOpts)
		return innerErr
	})
	if err != nil {
		return nil, err
	}

	a.Logger().Info().Str("tx_hash", sig.String()).Msg("transaction submitted")
	return &common.TransactionResult{TxHash: sig.String(), SubmittedAt: time.Now().UTC()}, nil
}

// GetTransactionStatus maps the signature status onto the common states.
// Processed signatures are still pending.
func (a *Adapter) GetTransactionStatus(ctx context.Context, txID string) (*common.TransactionStatus, error) {
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		return nil, bcerrors.NewInvalidInputError(a.GetChainID(), "invalid transaction signature "+txID)
	}

	var res *rpc.GetSignatureStatusesResult
	err = a.Call(ctx, "get_signature_statuses", func(ctx context.Context) error {
		var innerErr error
		res, innerErr = a.client().GetSignatureStatuses(ctx, true, sig)
		return innerErr
	})
	if err != nil {
		return nil, err
	}

	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return &common.TransactionStatus{TxHash: txID, State: common.TxStateNotFound}, nil
	}
	st := res.Value[0]

	status := &common.TransactionStatus{TxHash: txID, BlockHeight: st.Slot}
	switch {
	case st.Err != nil:
		status.State = common.TxStateFailed
		status.Error = fmt.Sprintf("%v", st.Err)
	case st.ConfirmationStatus == rpc.ConfirmationStatusFinalized:
		status.State = common.TxStateConfirmed
		status.Confirmations = finalizedConfirmations
	case st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed:
		status.State = common.TxStateConfirmed
		status.Confirmations = 1
	default:
		status.State = common.TxStatePending
	}
	if st.Confirmations != nil && status.State == common.TxStateConfirmed {
		status.Confirmations = *st.Confirmations + 1
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

// EstimateTransactionFee prices one signature plus the median recent
// prioritization fee over the default compute budget
func (a *Adapter) EstimateTransactionFee(ctx context.Context, tx *common.Transaction) (*common.FeeEstimate, error) {
	var accounts solana.PublicKeySlice
	if tx != nil {
		for _, addr := range []string{tx.From, tx.To} {
			if addr == "" {
				continue
			}
			pk, err := solana.PublicKeyFromBase58(addr)
			if err != nil {
				return nil, bcerrors.NewInvalidInputError(a.GetChainID(), "invalid address "+addr)
			}
			accounts = append(accounts, pk)
		}
	}

	var fees []rpc.PriorizationFeeResult
	err := a.Call(ctx, "get_prioritization_fees", func(ctx context.Context) error {
		var innerErr error
		fees, innerErr = a.client().GetRecentPrioritizationFees(ctx, accounts)
		return innerErr
	})
	if err != nil {
		return nil, err
	}

	microLamportsPerCU := medianFee(fees)
	priority := decimal.NewFromInt(int64(microLamportsPerCU)).
		Mul(decimal.NewFromInt(defaultComputeUnits)).
		Shift(-6).
		Ceil()
	total := priority.Add(decimal.NewFromInt(baseFeeLamports))

	return &common.FeeEstimate{
		Fee:      total.Shift(-lamportDecimals),
		GasLimit: defaultComputeUnits,
		GasPrice: decimal.NewFromInt(int64(microLamportsPerCU)),
		Unit:     "micro-lamports/cu",
	}, nil
}

func medianFee(fees []rpc.PriorizationFeeResult) uint64 {
	if len(fees) == 0 {
		return 0
	}
	vals := make([]uint64, len(fees))
	for i, f := range fees {
		vals[i] = f.PrioritizationFee
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	return vals[len(vals)/2]
}

// GetCurrentBlockHeight returns the confirmed slot
func (a *Adapter) GetCurrentBlockHeight(ctx context.Context) (uint64, error) {
	return a.slot(ctx, rpc.CommitmentConfirmed)
}

// ValidateAddress accepts any base58 encoded 32-byte key. Off-curve keys are
// valid program derived addresses but cannot sign.
func (a *Adapter) ValidateAddress(address string) (*common.AddressValidationResult, error) {
	raw, err := base58.Decode(address)
	if err != nil || address == "" {
		return &common.AddressValidationResult{Valid: false, Reason: "not base58"}, nil
	}
	if len(raw) != solana.PublicKeyLength {
		return &common.AddressValidationResult{
			Valid:  false,
			Reason: fmt.Sprintf("decoded length %d, expected %d", len(raw), solana.PublicKeyLength),
		}, nil
	}
	pk := solana.PublicKeyFromBytes(raw)
	res := &common.AddressValidationResult{Valid: true, Normalized: pk.String()}
	if !pk.IsOnCurve() {
		res.Reason = "program derived address"
	}
	return res, nil
}

func (a *Adapter) DeployContract(context.Context, *common.ContractDeployment) (*common.TransactionResult, error) {
	return nil, a.Unsupported("deploy_contract")
}

func (a *Adapter) CallContract(context.Context, *common.ContractCall) ([]byte, error) {
	return nil, a.Unsupported("call_contract")
}

// SubscribeToEvents polls signatures touching the filter addresses, using
// the slot as cursor
func (a *Adapter) SubscribeToEvents(ctx context.Context, filter *common.EventFilter) (<-chan common.ChainEvent, error) {
	if filter == nil || len(filter.Addresses) == 0 {
		return nil, bcerrors.NewInvalidInputError(a.GetChainID(), "at least one address is required to subscribe")
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

// GetHistoricalEvents lists signatures for each filter address within the
// slot range, oldest first
func (a *Adapter) GetHistoricalEvents(ctx context.Context, filter *common.EventFilter) ([]common.ChainEvent, error) {
	if filter == nil || len(filter.Addresses) == 0 {
		return nil, bcerrors.NewInvalidInputError(a.GetChainID(), "at least one address is required")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = defaultEventLimit
	}

	var events []common.ChainEvent
	for _, addr := range filter.Addresses {
		account, err := solana.PublicKeyFromBase58(addr)
		if err != nil {
			return nil, bcerrors.NewInvalidInputError(a.GetChainID(), "invalid filter address "+addr)
		}

		var sigs []*rpc.TransactionSignature
		err = a.Call(ctx, "get_signatures_for_address", func(ctx context.Context) error {
			var innerErr error
			sigs, innerErr = a.client().GetSignaturesForAddressWithOpts(ctx, account, &rpc.GetSignaturesForAddressOpts{
				Limit:      &limit,
				Commitment: rpc.CommitmentConfirmed,
			})
			return innerErr
		})
		if err != nil {
			return nil, err
		}

		for _, s := range sigs {
			if s == nil || s.Slot < filter.FromBlock || (filter.ToBlock != nil && s.Slot > *filter.ToBlock) {
				continue
			}
			ev := common.ChainEvent{
				ChainID:     a.GetChainID(),
				TxHash:      s.Signature.String(),
				BlockHeight: s.Slot,
				Address:     account.String(),
				Name:        "transaction",
				Data:        map[string]string{},
			}
			if s.Memo != nil {
				ev.Data["memo"] = *s.Memo
			}
			if s.Err != nil {
				ev.Data["err"] = fmt.Sprintf("%v", s.Err)
			}
			if s.BlockTime != nil {
				ev.Data["block_time"] = s.BlockTime.Time().UTC().Format(time.RFC3339)
			}
			events = append(events, ev)
		}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].BlockHeight < events[j].BlockHeight })
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

func (a *Adapter) Close() {
	if c := a.client(); c != nil {
		_ = c.Close()
	}
}

func (a *Adapter) nativeDecimals() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cfg != nil && a.cfg.Decimals > 0 {
		return a.cfg.Decimals
	}
	return lamportDecimals
}

func (a *Adapter) minConfirmations() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cfg != nil && a.cfg.MinConfirmations != nil {
		return *a.cfg.MinConfirmations
	}
	return 1
}

func isNative(assetID string) bool {
	return assetID == "" || strings.EqualFold(assetID, "native") || strings.EqualFold(assetID, "sol")
}
