// Package swap drives HTLC atomic swaps through
// INITIATED -> LOCKED -> REDEEMED, or LOCKED -> EXPIRED -> REFUNDED.
// A swap never locked also expires, and its refund closes it without a
// chain call.
//
// Every on-chain call is bracketed by audit entries: INTENT before the call,
// then CONFIRMED or FAILED after it. Expiry is evaluated when a swap is read,
// never by a timer.
package swap

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pushchain/bridge-core/bridgeCore/chains/common"
	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
	"github.com/pushchain/bridge-core/bridgeCore/events"
	"github.com/pushchain/bridge-core/bridgeCore/metrics"
	"github.com/pushchain/bridge-core/bridgeCore/store"
)

const (
	component  = "swap_engine"
	secretSize = 32

	// linked transaction updates retry this often on a version conflict
	maxLinkRetries = 3
)

// AdapterSource resolves the chain adapter for a chain ID
type AdapterSource interface {
	GetAdapter(chainID string) (common.ChainAdapter, error)
}

type Config struct {
	DefaultTimeLock     time.Duration
	ConfirmationTimeout time.Duration
	MinConfirmations    uint64
	// ChainConfirmations overrides MinConfirmations per chain
	ChainConfirmations map[string]uint64
}

// InitiateRequest opens a new HTLC
type InitiateRequest struct {
	TransactionID string
	Initiator     string
	Participant   string
	SourceChain   string
	TargetChain   string
	Amount        decimal.Decimal
	// HashLock is the hex sha256 of the initiator's secret
	HashLock string
	// TimeLock is measured from now; zero means the configured default
	TimeLock time.Duration
}

type Engine struct {
	store    *store.Store
	adapters AdapterSource
	cfg      Config
	metrics  *metrics.Metrics
	emitter  events.Emitter
	clock    clock.Clock
	logger   zerolog.Logger
}

func NewEngine(st *store.Store, adapters AdapterSource, cfg Config, m *metrics.Metrics, emitter events.Emitter, clk clock.Clock, logger zerolog.Logger) *Engine {
	if cfg.DefaultTimeLock <= 0 {
		cfg.DefaultTimeLock = time.Hour
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 5 * time.Minute
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 1
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		store:    st,
		adapters: adapters,
		cfg:      cfg,
		metrics:  m,
		emitter:  emitter,
		clock:    clk,
		logger:   logger.With().Str("component", component).Logger(),
	}
}

// NewSecret returns a random 32 byte secret and its hash lock.
func NewSecret() ([]byte, string, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", bcerrors.NewInternalError("", "failed to generate secret", err)
	}
	return secret, HashLock(secret), nil
}

// HashLock is the lowercase hex sha256 of secret.
func HashLock(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:])
}

// normalizeHashLock accepts an optional 0x prefix and any hex case
func normalizeHashLock(lock string) (string, bool) {
	raw := ethcommon.FromHex(strings.TrimSpace(lock))
	if len(raw) != sha256.Size {
		return "", false
	}
	return hex.EncodeToString(raw), true
}

// matchesLock compares in constant time.
func matchesLock(secret []byte, lock string) bool {
	return subtle.ConstantTimeCompare([]byte(HashLock(secret)), []byte(lock)) == 1
}

// Initiate persists a new swap in INITIATED.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (*store.AtomicSwapState, error) {
	lock, ok := normalizeHashLock(req.HashLock)
	if !ok {
		return nil, bcerrors.NewInvalidInputError("", "hash lock must be 32 bytes of hex")
	}
	if req.Initiator == "" || req.Participant == "" {
		return nil, bcerrors.NewInvalidInputError("", "initiator and participant are required")
	}
	if req.SourceChain == "" || req.TargetChain == "" {
		return nil, bcerrors.NewInvalidInputError("", "source and target chains are required")
	}
	if !req.Amount.IsPositive() {
		return nil, bcerrors.NewInvalidInputError("", "amount must be positive")
	}
	if req.TimeLock < 0 {
		return nil, bcerrors.NewInvalidInputError("", "time lock must not be negative")
	}
	timeLock := req.TimeLock
	if timeLock == 0 {
		timeLock = e.cfg.DefaultTimeLock
	}

	swap := &store.AtomicSwapState{
		TransactionID: req.TransactionID,
		HashLock:      lock,
		TimeoutAt:     e.clock.Now().Add(timeLock),
		Initiator:     req.Initiator,
		Participant:   req.Participant,
		SourceChain:   req.SourceChain,
		TargetChain:   req.TargetChain,
		Amount:        req.Amount,
	}
	if err := e.store.CreateSwap(ctx, swap); err != nil {
		return nil, err
	}
	e.metrics.RecordSwapTransition(string(store.SwapInitiated))
	e.logger.Info().
		Str("swap_id", swap.ID).
		Str("tx_id", swap.TransactionID).
		Str("source_chain", swap.SourceChain).
		Str("target_chain", swap.TargetChain).
		Time("timeout_at", swap.TimeoutAt).
		Msg("swap initiated")
	return swap, nil
}

// Get loads a swap, first moving an overdue INITIATED or LOCKED swap to EXPIRED.
func (e *Engine) Get(ctx context.Context, swapID string) (*store.AtomicSwapState, error) {
	swap, err := e.store.GetSwap(ctx, swapID)
	if err != nil {
		return nil, err
	}
	return e.expireIfDue(ctx, swap)
}

func (e *Engine) expireIfDue(ctx context.Context, swap *store.AtomicSwapState) (*store.AtomicSwapState, error) {
	now := e.clock.Now()
	if !now.After(swap.TimeoutAt) {
		return swap, nil
	}
	reason := "time lock elapsed without redemption"
	switch swap.Status {
	case store.SwapLocked:
	case store.SwapInitiated:
		reason = "time lock elapsed before the source lock"
	default:
		return swap, nil
	}

	expired, err := e.store.TransitionSwap(ctx, swap.ID, swap.Version, store.SwapExpired, store.TransitionMeta{
		Reason:    reason,
		Component: component,
	})
	if bcerrors.Is(err, bcerrors.ErrVersionConflict) {
		// a concurrent reader or writer moved it first
		return e.store.GetSwap(ctx, swap.ID)
	}
	if err != nil {
		return nil, err
	}

	e.metrics.RecordSwapTransition(string(store.SwapExpired))
	e.emitter.Emit(events.SwapExpired{
		SwapID:        expired.ID,
		TransactionID: expired.TransactionID,
		TimeoutAt:     expired.TimeoutAt,
		At:            now.UTC(),
	})
	return expired, nil
}

// Lock submits the initiator's lock on the source chain and, once it is
// confirmed, moves the swap to LOCKED. On failure the swap stays INITIATED.
func (e *Engine) Lock(ctx context.Context, swapID string, tx *common.Transaction) (*store.AtomicSwapState, error) {
	swap, err := e.Get(ctx, swapID)
	if err != nil {
		return nil, err
	}
	if swap.Status == store.SwapExpired {
		return nil, bcerrors.NewSwapExpiredError(swapID).WithContext("timeout_at", swap.TimeoutAt)
	}
	if swap.Status != store.SwapInitiated {
		return nil, bcerrors.NewInvalidStateError("swap is " + string(swap.Status) + ", expected INITIATED").
			WithContext("swap_id", swapID)
	}
	if !e.clock.Now().Before(swap.TimeoutAt) {
		return nil, bcerrors.NewSwapExpiredError(swapID)
	}

	txHash, err := e.execute(ctx, swap, swap.SourceChain, tx, store.SwapLocked, "lock source funds", e.cfg.ConfirmationTimeout)
	if err != nil {
		return nil, err
	}

	locked, err := e.store.TransitionSwap(ctx, swap.ID, swap.Version, store.SwapLocked, store.TransitionMeta{
		Reason:    "source lock confirmed",
		Component: component,
		TxHash:    txHash,
		Fields:    map[string]interface{}{"source_lock_tx_hash": txHash},
	})
	if err != nil {
		return nil, e.recordLateLock(ctx, swapID, txHash, err)
	}
	e.metrics.RecordSwapTransition(string(store.SwapLocked))
	return locked, nil
}

// RecordTargetLock submits the participant's lock on the target chain while
// the swap is LOCKED. It records the hash without changing status.
func (e *Engine) RecordTargetLock(ctx context.Context, swapID string, tx *common.Transaction) (*store.AtomicSwapState, error) {
	swap, err := e.Get(ctx, swapID)
	if err != nil {
		return nil, err
	}
	if swap.Status == store.SwapExpired {
		return nil, bcerrors.NewSwapExpiredError(swapID)
	}
	if swap.Status != store.SwapLocked {
		return nil, bcerrors.NewInvalidStateError("swap is " + string(swap.Status) + ", expected LOCKED").
			WithContext("swap_id", swapID)
	}

	txHash, err := e.execute(ctx, swap, swap.TargetChain, tx, store.SwapLocked, "lock target funds", e.cfg.ConfirmationTimeout)
	if err != nil {
		return nil, err
	}
	return e.store.UpdateSwap(ctx, swap.ID, swap.Version, map[string]interface{}{"target_lock_tx_hash": txHash})
}

// Redeem reveals secret on the target chain. The secret is checked against
// the hash lock before anything is broadcast; a mismatch leaves the swap
// LOCKED.
func (e *Engine) Redeem(ctx context.Context, swapID string, secret []byte, tx *common.Transaction) (*store.AtomicSwapState, error) {
	swap, err := e.Get(ctx, swapID)
	if err != nil {
		return nil, err
	}
	if swap.Status == store.SwapExpired {
		return nil, bcerrors.NewSwapExpiredError(swapID).WithContext("timeout_at", swap.TimeoutAt)
	}
	if swap.Status != store.SwapLocked {
		return nil, bcerrors.NewInvalidStateError("swap is " + string(swap.Status) + ", expected LOCKED").
			WithContext("swap_id", swapID)
	}

	if !matchesLock(secret, swap.HashLock) {
		mismatch := bcerrors.NewHashLockMismatchError(swapID).WithContext("tx_id", swap.TransactionID)
		e.logger.Error().
			Err(mismatch).
			Str("swap_id", swapID).
			Str("hash_lock", swap.HashLock).
			Str("presented_hash", HashLock(secret)).
			Msg("redemption rejected")
		e.audit(ctx, swap, store.PhaseFailed, store.SwapRedeemed, "hash lock mismatch", "")
		return nil, mismatch
	}

	// the redemption has to confirm before the time lock runs out
	remaining := swap.TimeoutAt.Sub(e.clock.Now())
	if remaining <= 0 {
		return nil, bcerrors.NewSwapExpiredError(swapID).WithContext("timeout_at", swap.TimeoutAt)
	}
	wait := e.cfg.ConfirmationTimeout
	if remaining < wait {
		wait = remaining
	}

	txHash, err := e.execute(ctx, swap, swap.TargetChain, tx, store.SwapRedeemed, "redeem on target chain", wait)
	if err != nil {
		return nil, err
	}

	secretHex := hex.EncodeToString(secret)
	redeemed, err := e.store.TransitionSwap(ctx, swap.ID, swap.Version, store.SwapRedeemed, store.TransitionMeta{
		Reason:    "secret revealed and redemption confirmed",
		Component: component,
		TxHash:    txHash,
		Fields: map[string]interface{}{
			"secret":         secretHex,
			"redeem_tx_hash": txHash,
		},
	})
	if bcerrors.Is(err, bcerrors.ErrSwapExpired) {
		e.logger.Error().
			Err(err).
			Str("swap_id", swapID).
			Str("redeem_tx_hash", txHash).
			Time("timeout_at", swap.TimeoutAt).
			Msg("redemption confirmed after the time lock; swap left for expiry")
		if _, gerr := e.Get(ctx, swapID); gerr != nil {
			e.logger.Warn().Err(gerr).Str("swap_id", swapID).Msg("failed to expire swap")
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	e.metrics.RecordSwapTransition(string(store.SwapRedeemed))

	if redeemed.TransactionID != "" {
		e.settleTransaction(ctx, redeemed.ID, redeemed.TransactionID, store.StatusCompleted, store.TransitionMeta{
			Reason:    "atomic swap redeemed",
			Component: component,
			TxHash:    txHash,
			Fields: map[string]interface{}{
				"secret":         secretHex,
				"target_tx_hash": txHash,
			},
		})
	}
	return redeemed, nil
}

// Refund returns the initiator's funds on the source chain after expiry.
// A swap whose source lock never confirmed holds no funds; passing a nil tx
// closes it as REFUNDED without a chain call.
func (e *Engine) Refund(ctx context.Context, swapID string, tx *common.Transaction) (*store.AtomicSwapState, error) {
	swap, err := e.Get(ctx, swapID)
	if err != nil {
		return nil, err
	}
	if swap.Status != store.SwapExpired {
		return nil, bcerrors.NewInvalidStateError("swap is " + string(swap.Status) + ", refund needs EXPIRED").
			WithContext("swap_id", swapID).
			WithContext("timeout_at", swap.TimeoutAt)
	}

	var txHash string
	reason := "refund confirmed"
	if tx == nil && swap.SourceLockTxHash == "" {
		reason = "expired before the source lock; nothing to refund"
	} else {
		txHash, err = e.execute(ctx, swap, swap.SourceChain, tx, store.SwapRefunded, "refund on source chain", e.cfg.ConfirmationTimeout)
		if err != nil {
			return nil, err
		}
	}

	refunded, err := e.store.TransitionSwap(ctx, swap.ID, swap.Version, store.SwapRefunded, store.TransitionMeta{
		Reason:    reason,
		Component: component,
		TxHash:    txHash,
		Fields:    map[string]interface{}{"refund_tx_hash": txHash},
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordSwapTransition(string(store.SwapRefunded))

	if refunded.TransactionID != "" {
		e.settleTransaction(ctx, refunded.ID, refunded.TransactionID, store.StatusFailed, store.TransitionMeta{
			Reason:    "atomic swap refunded after time lock expiry",
			Component: component,
			TxHash:    txHash,
			Fields:    map[string]interface{}{"last_error": "swap refunded"},
		})
	}
	return refunded, nil
}

// SweepExpired reads every overdue INITIATED or LOCKED swap so expiry alerts
// fire even when no client asks. It returns how many swaps it expired.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	overdue, err := e.store.FindOverdueSwaps(ctx, e.clock.Now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range overdue {
		got, err := e.expireIfDue(ctx, &overdue[i])
		if err != nil {
			e.logger.Warn().Err(err).Str("swap_id", overdue[i].ID).Msg("failed to expire swap")
			continue
		}
		if got.Status == store.SwapExpired {
			expired++
		}
	}
	return expired, nil
}

// execute submits tx on chainID and waits up to timeout for it, bracketing
// the call with INTENT and CONFIRMED or FAILED entries.
func (e *Engine) execute(ctx context.Context, swap *store.AtomicSwapState, chainID string, tx *common.Transaction, target store.SwapStatus, reason string, timeout time.Duration) (string, error) {
	if tx == nil {
		return "", bcerrors.NewInvalidInputError(chainID, "transaction is required")
	}
	adapter, err := e.adapters.GetAdapter(chainID)
	if err != nil {
		return "", err
	}

	if err := e.audit(ctx, swap, store.PhaseIntent, target, reason, ""); err != nil {
		return "", err
	}

	res, err := adapter.SendTransaction(ctx, tx, nil)
	if err != nil {
		e.fail(ctx, swap, target, reason, err)
		return "", err
	}

	conf, err := adapter.WaitForConfirmation(ctx, res.TxHash, e.confirmationsFor(chainID), timeout)
	if err != nil {
		e.fail(ctx, swap, target, reason, err)
		return "", err
	}

	if err := e.audit(ctx, swap, store.PhaseConfirmed, target, reason, conf.TxHash); err != nil {
		return "", err
	}
	e.logger.Info().
		Str("swap_id", swap.ID).
		Str("chain", chainID).
		Str("tx_hash", conf.TxHash).
		Uint64("confirmations", conf.Confirmations).
		Msg(reason + " confirmed")
	return conf.TxHash, nil
}

func (e *Engine) otherLiveSwap(ctx context.Context, swapID, txID string) (string, error) {
	swaps, err := e.store.FindSwapsByTransaction(ctx, txID)
	if err != nil {
		return "", err
	}
	for _, other := range swaps {
		if other.ID != swapID && (other.Status == store.SwapInitiated || other.Status == store.SwapLocked) {
			return other.ID, nil
		}
	}
	return "", nil
}

// recordLateLock keeps the hash of a source lock that confirmed after the
// swap expired under it, so the refund knows funds are held.
func (e *Engine) recordLateLock(ctx context.Context, swapID, txHash string, cause error) error {
	current, err := e.store.GetSwap(ctx, swapID)
	if err != nil || current.Status != store.SwapExpired {
		return cause
	}
	if _, err := e.store.UpdateSwap(ctx, swapID, current.Version, map[string]interface{}{"source_lock_tx_hash": txHash}); err != nil {
		e.logger.Error().Err(err).Str("swap_id", swapID).Str("tx_hash", txHash).Msg("failed to record late source lock")
	}
	return bcerrors.NewSwapExpiredError(swapID).WithContext("source_lock_tx_hash", txHash)
}

func (e *Engine) fail(ctx context.Context, swap *store.AtomicSwapState, target store.SwapStatus, reason string, cause error) {
	e.logger.Error().Err(cause).Str("swap_id", swap.ID).Msg(reason + " failed")
	_ = e.audit(ctx, swap, store.PhaseFailed, target, reason+": "+cause.Error(), "")
}

func (e *Engine) audit(ctx context.Context, swap *store.AtomicSwapState, phase store.HistoryPhase, target store.SwapStatus, reason, txHash string) error {
	err := e.store.AppendHistory(ctx, &store.TransferHistoryEntry{
		TransactionID: swap.TransactionID,
		SwapID:        swap.ID,
		Kind:          store.KindSwap,
		Phase:         phase,
		FromStatus:    string(swap.Status),
		ToStatus:      string(target),
		Reason:        reason,
		TxHash:        txHash,
		Component:     component,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("swap_id", swap.ID).Str("phase", string(phase)).Msg("failed to write swap audit entry")
	}
	return err
}

func (e *Engine) confirmationsFor(chainID string) uint64 {
	if n, ok := e.cfg.ChainConfirmations[chainID]; ok && n > 0 {
		return n
	}
	return e.cfg.MinConfirmations
}

// settleTransaction moves the linked transfer to a terminal status, rereading
// on version conflicts. A transfer already terminal is left alone. A refund
// does not fail a transfer that still has another swap INITIATED or LOCKED
// from a later retry.
func (e *Engine) settleTransaction(ctx context.Context, swapID, txID string, to store.TransactionStatus, meta store.TransitionMeta) {
	if to == store.StatusFailed {
		live, err := e.otherLiveSwap(ctx, swapID, txID)
		if err != nil {
			e.logger.Error().Err(err).Str("tx_id", txID).Msg("failed to load swaps of linked transaction")
			return
		}
		if live != "" {
			e.logger.Info().
				Str("tx_id", txID).
				Str("swap_id", swapID).
				Str("live_swap_id", live).
				Msg("transaction has another live swap; left as is")
			return
		}
	}

	for attempt := 0; attempt < maxLinkRetries; attempt++ {
		tx, err := e.store.GetTransaction(ctx, txID)
		if err != nil {
			e.logger.Error().Err(err).Str("tx_id", txID).Msg("failed to load linked transaction")
			return
		}
		if tx.Status.IsTerminal() {
			return
		}

		if to == store.StatusFailed {
			// exhaust the retry budget so recovery never replays a refunded swap
			fields := map[string]interface{}{"retry_count": tx.MaxRetries}
			for k, v := range meta.Fields {
				fields[k] = v
			}
			meta.Fields = fields
		}

		_, err = e.store.Transition(ctx, txID, tx.Version, to, meta)
		if err == nil {
			e.metrics.RecordTransferTransition(string(to))
			return
		}
		if !bcerrors.Is(err, bcerrors.ErrVersionConflict) {
			e.logger.Error().Err(err).Str("tx_id", txID).Str("to", string(to)).Msg("failed to settle linked transaction")
			return
		}
	}
	e.logger.Warn().Str("tx_id", txID).Msg("gave up settling linked transaction after repeated version conflicts")
}
