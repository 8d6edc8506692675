package core

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	playvalidator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pushchain/bridge-core/bridgeCore/chains/common"
	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
	"github.com/pushchain/bridge-core/bridgeCore/metrics"
	"github.com/pushchain/bridge-core/bridgeCore/quorum"
	"github.com/pushchain/bridge-core/bridgeCore/store"
	"github.com/pushchain/bridge-core/bridgeCore/swap"
)

const processorComponent = "transfer_processor"

// TransferRequest is a caller's ask to move value between chains.
type TransferRequest struct {
	Type          store.TransactionType `validate:"omitempty,oneof=SIMPLE_TRANSFER ATOMIC_SWAP"`
	SourceChain   string                `validate:"required"`
	TargetChain   string                `validate:"required,nefield=SourceChain"`
	SourceAddress string                `validate:"required,max=128"`
	TargetAddress string                `validate:"required,max=128"`
	AssetID       string                `validate:"max=128"`
	Amount        decimal.Decimal
	BridgeFee     decimal.Decimal

	// SourceTxHash is the user's deposit; when set it is confirmed first
	SourceTxHash string `validate:"max=128"`

	// HashLock and TimeLock apply to atomic swaps
	HashLock string        `validate:"required_if=Type ATOMIC_SWAP"`
	TimeLock time.Duration `validate:"gte=0"`

	ExecutionPayload []byte
	MaxRetries       int `validate:"gte=0,lte=100"`
}

// ExecutionBuilder produces the chain transaction submitted once a transfer
// is authorized.
type ExecutionBuilder interface {
	BuildTransfer(ctx context.Context, tx *store.BridgeTransaction) (*common.Transaction, error)
	BuildSwapLock(ctx context.Context, tx *store.BridgeTransaction, s *store.AtomicSwapState) (*common.Transaction, error)
}

// StoredPayloadBuilder submits the pre-signed payload carried on the transfer.
type StoredPayloadBuilder struct{}

func (StoredPayloadBuilder) BuildTransfer(_ context.Context, tx *store.BridgeTransaction) (*common.Transaction, error) {
	return storedPayload(tx)
}

func (StoredPayloadBuilder) BuildSwapLock(_ context.Context, tx *store.BridgeTransaction, _ *store.AtomicSwapState) (*common.Transaction, error) {
	return storedPayload(tx)
}

func storedPayload(tx *store.BridgeTransaction) (*common.Transaction, error) {
	if len(tx.ExecutionPayload) == 0 {
		return nil, bcerrors.NewInvalidInputError("", "transfer carries no execution payload").
			WithContext("tx_id", tx.ID)
	}
	return &common.Transaction{
		RawData: tx.ExecutionPayload,
		From:    tx.SourceAddress,
		To:      tx.TargetAddress,
		Value:   tx.Amount,
		AssetID: tx.AssetID,
		Memo:    tx.ID,
	}, nil
}

type ProcessorConfig struct {
	ConfirmationTimeout time.Duration
	MinConfirmations    uint64
	ChainConfirmations  map[string]uint64
	DefaultMaxRetries   int
}

// TransferProcessor drives a transfer from PENDING to a terminal status:
// deposit confirmation, quorum authorization, then execution on the target
// chain or hand-off to the swap engine. Every status change is a version
// compare-and-swap recorded in history before the external call it guards.
type TransferProcessor struct {
	store    *store.Store
	quorum   *quorum.Service
	adapters swap.AdapterSource
	swaps    *swap.Engine
	builder  ExecutionBuilder
	validate *playvalidator.Validate
	cfg      ProcessorConfig
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   zerolog.Logger
}

func NewTransferProcessor(
	st *store.Store,
	q *quorum.Service,
	adapters swap.AdapterSource,
	swaps *swap.Engine,
	builder ExecutionBuilder,
	cfg ProcessorConfig,
	m *metrics.Metrics,
	clk clock.Clock,
	logger zerolog.Logger,
) *TransferProcessor {
	if builder == nil {
		builder = StoredPayloadBuilder{}
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 5 * time.Minute
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 1
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TransferProcessor{
		store:    st,
		quorum:   q,
		adapters: adapters,
		swaps:    swaps,
		builder:  builder,
		validate: playvalidator.New(),
		cfg:      cfg,
		metrics:  m,
		clock:    clk,
		logger:   logger.With().Str("component", processorComponent).Logger(),
	}
}

// Submit validates req, persists it as PENDING and processes it. The
// returned transaction reflects the last persisted state even when an error
// is returned.
func (p *TransferProcessor) Submit(ctx context.Context, req TransferRequest) (*store.BridgeTransaction, error) {
	if err := p.validateRequest(req); err != nil {
		return nil, err
	}

	txType := req.Type
	if txType == "" {
		txType = store.TypeSimpleTransfer
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = p.cfg.DefaultMaxRetries
	}

	tx := &store.BridgeTransaction{
		Type:             txType,
		SourceChain:      req.SourceChain,
		TargetChain:      req.TargetChain,
		SourceAddress:    req.SourceAddress,
		TargetAddress:    req.TargetAddress,
		AssetID:          req.AssetID,
		Amount:           req.Amount,
		BridgeFee:        req.BridgeFee,
		SourceTxHash:     req.SourceTxHash,
		HashLock:         normalizeLock(req.HashLock),
		ExecutionPayload: req.ExecutionPayload,
		MaxRetries:       maxRetries,
	}
	if txType == store.TypeAtomicSwap {
		timeLock := req.TimeLock
		if timeLock > 0 {
			at := p.clock.Now().Add(timeLock).UTC()
			tx.TimeoutAt = &at
		}
	}

	if err := p.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	p.metrics.RecordTransferTransition(string(store.StatusPending))
	return p.Process(ctx, tx.ID)
}

func normalizeLock(lock string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(lock)), "0x")
}

func (p *TransferProcessor) validateRequest(req TransferRequest) error {
	if err := p.validate.Struct(req); err != nil {
		return bcerrors.NewInvalidInputError("", "invalid transfer request: "+err.Error())
	}
	if !req.Amount.IsPositive() {
		return bcerrors.NewInvalidInputError("", "amount must be positive")
	}
	if req.BridgeFee.IsNegative() {
		return bcerrors.NewInvalidInputError("", "bridge fee must not be negative")
	}
	if req.Type == store.TypeAtomicSwap {
		if err := p.validate.Var(normalizeLock(req.HashLock), "len=64,hexadecimal"); err != nil {
			return bcerrors.NewInvalidInputError("", "hash lock must be a 32 byte hex sha256")
		}
	}

	for _, side := range []struct{ chain, address string }{
		{req.SourceChain, req.SourceAddress},
		{req.TargetChain, req.TargetAddress},
	} {
		adapter, err := p.adapters.GetAdapter(side.chain)
		if err != nil {
			return bcerrors.NewInvalidInputError(side.chain, "chain is not configured")
		}
		res, err := adapter.ValidateAddress(side.address)
		if err != nil {
			return err
		}
		if !res.Valid {
			return bcerrors.NewInvalidInputError(side.chain, "invalid address "+side.address+": "+res.Reason)
		}
	}
	return nil
}

// Process advances a transfer as far as it can go now. It is safe to call
// on a transfer in any status; terminal and in-flight swap transfers are
// returned unchanged.
func (p *TransferProcessor) Process(ctx context.Context, txID string) (*store.BridgeTransaction, error) {
	tx, err := p.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	for {
		var next *store.BridgeTransaction
		switch tx.Status {
		case store.StatusPending:
			if tx.SourceTxHash != "" && tx.Confirmations == 0 {
				next, err = p.confirmDeposit(ctx, tx)
			} else {
				next, err = p.authorize(ctx, tx)
			}
		case store.StatusConfirming:
			next, err = p.confirmDeposit(ctx, tx)
		case store.StatusValidated:
			next, err = p.execute(ctx, tx)
		default:
			// EXECUTING swaps settle through the swap engine
			return tx, nil
		}
		if err != nil {
			return next, err
		}
		if next.Status == tx.Status {
			return next, nil
		}
		tx = next
	}
}

// Retry puts a FAILED transfer with budget left, or a stuck CONFIRMING one,
// back to PENDING and processes it again.
func (p *TransferProcessor) Retry(ctx context.Context, txID string) (*store.BridgeTransaction, error) {
	tx, err := p.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	switch tx.Status {
	case store.StatusFailed:
		if tx.RetryCount >= tx.MaxRetries {
			return tx, bcerrors.NewInvalidStateError("retry budget exhausted").
				WithContext("tx_id", txID).
				WithContext("retry_count", tx.RetryCount)
		}
		tx, err = p.transition(ctx, tx, store.StatusPending, store.TransitionMeta{Reason: "retry requested"})
	case store.StatusConfirming:
		tx, err = p.transition(ctx, tx, store.StatusPending, store.TransitionMeta{Reason: "restarting stuck confirmation"})
	case store.StatusPending:
	default:
		return tx, bcerrors.NewInvalidStateError("cannot retry a " + string(tx.Status) + " transfer").
			WithContext("tx_id", txID)
	}
	if err != nil {
		return tx, err
	}
	return p.Process(ctx, txID)
}

// confirmDeposit waits for the source deposit. A PENDING transfer is moved
// to CONFIRMING first so that a crash mid-wait is visible to recovery.
func (p *TransferProcessor) confirmDeposit(ctx context.Context, tx *store.BridgeTransaction) (*store.BridgeTransaction, error) {
	var err error
	if tx.Status == store.StatusPending {
		tx, err = p.transition(ctx, tx, store.StatusConfirming, store.TransitionMeta{
			Reason: "awaiting source deposit confirmation",
			TxHash: tx.SourceTxHash,
		})
		if err != nil {
			return tx, err
		}
	}

	adapter, err := p.adapters.GetAdapter(tx.SourceChain)
	if err != nil {
		return p.fail(ctx, tx, err)
	}
	conf, err := adapter.WaitForConfirmation(ctx, tx.SourceTxHash, p.confirmationsFor(tx.SourceChain), p.cfg.ConfirmationTimeout)
	if err != nil {
		return p.fail(ctx, tx, err)
	}

	p.logger.Info().
		Str("tx_id", tx.ID).
		Str("source_tx", tx.SourceTxHash).
		Uint64("confirmations", conf.Confirmations).
		Msg("source deposit confirmed")

	return p.authorizeFrom(ctx, tx, conf.Confirmations)
}

func (p *TransferProcessor) authorize(ctx context.Context, tx *store.BridgeTransaction) (*store.BridgeTransaction, error) {
	return p.authorizeFrom(ctx, tx, tx.Confirmations)
}

// authorizeFrom runs a quorum round and moves the transfer to VALIDATED.
// Too few validators is not the transfer's fault: it goes back to PENDING
// untouched and the error is surfaced.
func (p *TransferProcessor) authorizeFrom(ctx context.Context, tx *store.BridgeTransaction, confirmations uint64) (*store.BridgeTransaction, error) {
	result, err := p.quorum.ValidateTransaction(ctx, tx)
	if err != nil {
		if bcerrors.Is(err, bcerrors.ErrInsufficientValidators) {
			if tx.Status == store.StatusConfirming {
				parked, terr := p.transition(ctx, tx, store.StatusPending, store.TransitionMeta{
					Reason: "quorum unavailable: " + err.Error(),
					Fields: map[string]interface{}{"confirmations": confirmations},
				})
				if terr != nil {
					p.logger.Error().Err(terr).Str("tx_id", tx.ID).Msg("failed to park transfer awaiting quorum")
				}
				tx = parked
			}
			return tx, err
		}
		meta := store.TransitionMeta{}
		if result != nil {
			meta.Signatures = result.Evidence()
		}
		return p.failWith(ctx, tx, err, meta)
	}

	return p.transition(ctx, tx, store.StatusValidated, store.TransitionMeta{
		Reason:     "quorum reached",
		Signatures: result.Evidence(),
		Fields: map[string]interface{}{
			"quorum_reached":     true,
			"signature_count":    len(result.Signatures),
			"signing_validators": store.StringList(result.SignerIDs()),
			"confirmations":      confirmations,
		},
	})
}

func (p *TransferProcessor) execute(ctx context.Context, tx *store.BridgeTransaction) (*store.BridgeTransaction, error) {
	if tx.Type == store.TypeAtomicSwap {
		return p.executeSwap(ctx, tx)
	}

	adapter, err := p.adapters.GetAdapter(tx.TargetChain)
	if err != nil {
		return p.fail(ctx, tx, err)
	}
	if tx.TargetTxHash != "" {
		next, settled, err := p.resumeTarget(ctx, tx, adapter)
		if settled || err != nil {
			return next, err
		}
	}

	chainTx, err := p.builder.BuildTransfer(ctx, tx)
	if err != nil {
		return p.fail(ctx, tx, err)
	}

	tx, err = p.transition(ctx, tx, store.StatusExecuting, store.TransitionMeta{Reason: "submitting to target chain"})
	if err != nil {
		return tx, err
	}
	p.audit(ctx, tx, store.PhaseIntent, store.StatusCompleted, "submit transfer on "+tx.TargetChain, "")

	res, err := adapter.SendTransaction(ctx, chainTx, nil)
	if err != nil {
		p.audit(ctx, tx, store.PhaseFailed, store.StatusCompleted, err.Error(), "")
		return p.fail(ctx, tx, err)
	}
	return p.confirmTarget(ctx, tx, adapter, res.TxHash)
}

// resumeTarget looks up the submission an earlier attempt left behind. One
// that landed or is still pending is awaited instead of broadcasting the
// payload again. settled is false when it is gone and a fresh submission
// should go out.
func (p *TransferProcessor) resumeTarget(ctx context.Context, tx *store.BridgeTransaction, adapter common.ChainAdapter) (*store.BridgeTransaction, bool, error) {
	hash := tx.TargetTxHash
	status, err := adapter.GetTransactionStatus(ctx, hash)
	if err != nil {
		next, err := p.failWith(ctx, tx, err, store.TransitionMeta{TxHash: hash})
		return next, true, err
	}

	switch status.State {
	case common.TxStateNotFound, common.TxStateFailed:
		p.logger.Info().
			Str("tx_id", tx.ID).
			Str("target_tx", hash).
			Str("state", string(status.State)).
			Msg("earlier target submission did not land; resubmitting")
		return tx, false, nil
	}

	tx, err = p.transition(ctx, tx, store.StatusExecuting, store.TransitionMeta{
		Reason: "awaiting earlier target submission",
		TxHash: hash,
	})
	if err != nil {
		return tx, true, err
	}
	p.audit(ctx, tx, store.PhaseIntent, store.StatusCompleted, "await earlier submission on "+tx.TargetChain, hash)
	next, err := p.confirmTarget(ctx, tx, adapter, hash)
	return next, true, err
}

// confirmTarget waits for hash on the target chain and completes tx.
func (p *TransferProcessor) confirmTarget(ctx context.Context, tx *store.BridgeTransaction, adapter common.ChainAdapter, hash string) (*store.BridgeTransaction, error) {
	conf, err := adapter.WaitForConfirmation(ctx, hash, p.confirmationsFor(tx.TargetChain), p.cfg.ConfirmationTimeout)
	if err != nil {
		p.audit(ctx, tx, store.PhaseFailed, store.StatusCompleted, err.Error(), hash)
		return p.failWith(ctx, tx, err, store.TransitionMeta{
			TxHash: hash,
			Fields: map[string]interface{}{"target_tx_hash": hash},
		})
	}
	p.audit(ctx, tx, store.PhaseConfirmed, store.StatusCompleted, "transfer confirmed", conf.TxHash)

	return p.transition(ctx, tx, store.StatusCompleted, store.TransitionMeta{
		Reason: "target transfer confirmed",
		TxHash: conf.TxHash,
		Fields: map[string]interface{}{"target_tx_hash": conf.TxHash},
	})
}

// executeSwap opens and locks the HTLC. The transfer then waits in
// EXECUTING until the swap is redeemed or refunded.
func (p *TransferProcessor) executeSwap(ctx context.Context, tx *store.BridgeTransaction) (*store.BridgeTransaction, error) {
	if p.swaps == nil {
		return p.fail(ctx, tx, bcerrors.NewConfigError("", "swap engine is not configured"))
	}

	tx, err := p.transition(ctx, tx, store.StatusExecuting, store.TransitionMeta{Reason: "opening atomic swap"})
	if err != nil {
		return tx, err
	}

	var timeLock time.Duration
	if tx.TimeoutAt != nil {
		timeLock = tx.TimeoutAt.Sub(p.clock.Now())
		if timeLock <= 0 {
			return p.fail(ctx, tx, bcerrors.NewSwapExpiredError("").WithContext("tx_id", tx.ID))
		}
	}

	s, err := p.swaps.Initiate(ctx, swap.InitiateRequest{
		TransactionID: tx.ID,
		Initiator:     tx.SourceAddress,
		Participant:   tx.TargetAddress,
		SourceChain:   tx.SourceChain,
		TargetChain:   tx.TargetChain,
		Amount:        tx.Amount,
		HashLock:      tx.HashLock,
		TimeLock:      timeLock,
	})
	if err != nil {
		return p.fail(ctx, tx, err)
	}

	lockTx, err := p.builder.BuildSwapLock(ctx, tx, s)
	if err != nil {
		return p.fail(ctx, tx, err)
	}
	if _, err := p.swaps.Lock(ctx, s.ID, lockTx); err != nil {
		return p.fail(ctx, tx, err)
	}

	p.logger.Info().Str("tx_id", tx.ID).Str("swap_id", s.ID).Msg("atomic swap locked; awaiting redemption")
	return p.store.GetTransaction(ctx, tx.ID)
}

func (p *TransferProcessor) fail(ctx context.Context, tx *store.BridgeTransaction, cause error) (*store.BridgeTransaction, error) {
	return p.failWith(ctx, tx, cause, store.TransitionMeta{})
}

// failWith moves tx to FAILED. Retryable causes consume one retry; quorum
// rejections and security failures exhaust the budget so they are never
// replayed automatically.
func (p *TransferProcessor) failWith(ctx context.Context, tx *store.BridgeTransaction, cause error, meta store.TransitionMeta) (*store.BridgeTransaction, error) {
	fields := map[string]interface{}{"last_error": cause.Error()}
	for k, v := range meta.Fields {
		fields[k] = v
	}
	meta.Fields = fields
	meta.Reason = string(bcerrors.CodeOf(cause)) + ": " + cause.Error()

	if exhaustsRetries(cause) {
		meta.Fields["retry_count"] = tx.MaxRetries
	} else {
		meta.IncrementRetry = true
	}

	failed, err := p.transition(ctx, tx, store.StatusFailed, meta)
	if err != nil {
		p.logger.Error().Err(err).Str("tx_id", tx.ID).Msg("failed to record transfer failure")
		return tx, cause
	}

	ev := p.logger.Warn()
	if bcerrors.IsSecurityRelevant(cause) {
		ev = p.logger.Error()
	}
	ev.Err(cause).
		Str("tx_id", tx.ID).
		Str("code", string(bcerrors.CodeOf(cause))).
		Int("retry_count", failed.RetryCount).
		Int("max_retries", failed.MaxRetries).
		Msg("transfer failed")
	return failed, cause
}

func exhaustsRetries(err error) bool {
	return bcerrors.IsSecurityRelevant(err) ||
		bcerrors.Is(err, bcerrors.ErrQuorumFailed) ||
		bcerrors.Is(err, bcerrors.ErrInvalidInput) ||
		bcerrors.Is(err, bcerrors.ErrSwapExpired)
}

func (p *TransferProcessor) transition(ctx context.Context, tx *store.BridgeTransaction, to store.TransactionStatus, meta store.TransitionMeta) (*store.BridgeTransaction, error) {
	meta.Component = processorComponent
	updated, err := p.store.Transition(ctx, tx.ID, tx.Version, to, meta)
	if err != nil {
		return tx, err
	}
	p.metrics.RecordTransferTransition(string(to))
	return updated, nil
}

func (p *TransferProcessor) audit(ctx context.Context, tx *store.BridgeTransaction, phase store.HistoryPhase, to store.TransactionStatus, reason, txHash string) {
	err := p.store.AppendHistory(ctx, &store.TransferHistoryEntry{
		TransactionID: tx.ID,
		Kind:          store.KindTransaction,
		Phase:         phase,
		FromStatus:    string(tx.Status),
		ToStatus:      string(to),
		Reason:        reason,
		TxHash:        txHash,
		Component:     processorComponent,
	})
	if err != nil {
		p.logger.Error().Err(err).Str("tx_id", tx.ID).Str("phase", string(phase)).Msg("failed to write audit entry")
	}
}

func (p *TransferProcessor) confirmationsFor(chainID string) uint64 {
	if n, ok := p.cfg.ChainConfirmations[chainID]; ok && n > 0 {
		return n
	}
	return p.cfg.MinConfirmations
}
