package common

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/pushchain/bridge-core/bridgeCore/config"
	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
	"github.com/pushchain/bridge-core/bridgeCore/metrics"
)

// AdapterDeps are the shared collaborators handed to every adapter
type AdapterDeps struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Retry   *RetryConfig
	Breaker config.CircuitBreakerConfig
}

// BaseAdapter carries the behaviour every chain adapter shares: the circuit
// breaker, bounded retries, metrics and error classification.
type BaseAdapter struct {
	chainID     string
	family      ChainFamily
	retry       *RetryManager
	breaker     *gobreaker.CircuitBreaker
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	initialized atomic.Bool

	// per-attempt deadline, 0 means only the caller's ctx applies
	requestTimeout atomic.Int64
}

// NewBaseAdapter creates the shared adapter core for chainID
func NewBaseAdapter(chainID string, family ChainFamily, deps AdapterDeps) *BaseAdapter {
	logger := deps.Logger.With().
		Str("component", "chain_adapter").
		Str("chain", chainID).
		Str("family", family.String()).
		Logger()

	b := &BaseAdapter{
		chainID: chainID,
		family:  family,
		retry:   NewRetryManager(deps.Retry, logger),
		metrics: deps.Metrics,
		logger:  logger,
	}

	bc := deps.Breaker
	if bc.ConsecutiveFailures == 0 {
		bc.ConsecutiveFailures = 5
	}
	if bc.MaxRequests == 0 {
		bc.MaxRequests = 1
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        chainID,
		MaxRequests: bc.MaxRequests,
		Interval:    time.Duration(bc.IntervalSeconds) * time.Second,
		Timeout:     time.Duration(bc.TimeoutSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.ConsecutiveFailures
		},
		// Only transport failures count against the endpoint
		IsSuccessful: func(err error) bool {
			return err == nil || !bcerrors.IsRetryable(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			b.metrics.UpdateCircuitBreakerState(name, to)
		},
	})
	return b
}

func (b *BaseAdapter) GetChainID() string { return b.chainID }

func (b *BaseAdapter) Family() ChainFamily { return b.family }

func (b *BaseAdapter) Logger() *zerolog.Logger { return &b.logger }

// MarkInitialized flips the adapter to initialized and reports whether this
// call did it.
func (b *BaseAdapter) MarkInitialized() bool {
	return b.initialized.CompareAndSwap(false, true)
}

func (b *BaseAdapter) IsInitialized() bool {
	return b.initialized.Load()
}

// EnsureInitialized fails when Initialize has not completed
func (b *BaseAdapter) EnsureInitialized() error {
	if !b.initialized.Load() {
		return bcerrors.NewInvalidStateError("adapter " + b.chainID + " is not initialized")
	}
	return nil
}

// Unsupported is the explicit failure for an optional capability
func (b *BaseAdapter) Unsupported(operation string) error {
	return bcerrors.NewUnsupportedError(b.chainID, operation)
}

// SetRequestTimeout bounds each individual attempt made by Call
func (b *BaseAdapter) SetRequestTimeout(d time.Duration) {
	b.requestTimeout.Store(int64(d))
}

// BreakerState exposes the current circuit state
func (b *BaseAdapter) BreakerState() gobreaker.State {
	return b.breaker.State()
}

// Call runs one network operation through the circuit breaker and the retry
// manager. Every attempt's error is classified first so that only NETWORK
// and TIMEOUT are retried; the caller receives the final classified error.
func (b *BaseAdapter) Call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if err := b.EnsureInitialized(); err != nil {
		return err
	}

	err := b.retry.ExecuteWithRetry(ctx, operation, func() error {
		attemptCtx := ctx
		if d := time.Duration(b.requestTimeout.Load()); d > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}

		start := time.Now()
		_, err := b.breaker.Execute(func() (interface{}, error) {
			return nil, fn(attemptCtx)
		})
		elapsed := time.Since(start)

		if err == nil {
			b.metrics.RecordAdapterCall(b.chainID, operation, "success", elapsed)
			return nil
		}

		var classified *bcerrors.BridgeError
		switch err {
		case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
			classified = bcerrors.NewNetworkError(b.chainID, operation+" rejected by circuit breaker", err)
		default:
			classified = bcerrors.Classify(b.chainID, operation, err)
		}
		if classified.Code == bcerrors.ErrCodeTimeout {
			b.metrics.RecordTimeout(b.chainID, operation)
		}
		b.metrics.RecordAdapterCall(b.chainID, operation, "error", elapsed)
		return classified
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && !bcerrors.IsCode(err, bcerrors.ErrCodeTimeout) {
		return bcerrors.NewTimeoutError(b.chainID, operation+" did not complete before the deadline").
			WithContext("cause", err.Error())
	}
	return bcerrors.Classify(b.chainID, operation, err)
}

// PollConfirmation polls check every interval until the transaction reaches
// minConfirmations. A failed transaction returns CHAIN_REJECTED and an
// elapsed timeout returns TIMEOUT. Transient poll errors are tolerated until
// the deadline.
func (b *BaseAdapter) PollConfirmation(
	ctx context.Context,
	txID string,
	minConfirmations uint64,
	timeout, interval time.Duration,
	check func(ctx context.Context) (*TransactionStatus, error),
) (*ConfirmationResult, error) {
	if timeout <= 0 {
		return nil, bcerrors.NewInvalidInputError(b.chainID, "confirmation timeout must be positive")
	}
	if interval <= 0 {
		interval = time.Second
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := check(ctx)
		switch {
		case err != nil && ctx.Err() == nil && !bcerrors.IsRetryable(err):
			return nil, err
		case err != nil:
			b.logger.Debug().Err(err).Str("tx_hash", txID).Msg("confirmation poll failed")
		case status.State == TxStateFailed:
			return nil, bcerrors.NewChainRejectedError(b.chainID, "transaction "+txID+" failed on chain", nil).
				WithContext("tx_hash", txID).
				WithContext("reason", status.Error)
		case status.State == TxStateConfirmed && status.Confirmations >= minConfirmations:
			return &ConfirmationResult{
				TxHash:        txID,
				BlockHeight:   status.BlockHeight,
				Confirmations: status.Confirmations,
				Elapsed:       time.Since(start),
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, bcerrors.NewTimeoutError(b.chainID, "transaction "+txID+" not confirmed within "+timeout.String()).
				WithContext("tx_hash", txID).
				WithContext("min_confirmations", minConfirmations)
		case <-ticker.C:
		}
	}
}

// StreamBalances fetches every asset concurrently and streams each result as
// it arrives. The channel is closed once all fetches returned.
func StreamBalances(ctx context.Context, assetIDs []string, fetch func(ctx context.Context, assetID string) (decimal.Decimal, error)) <-chan AssetBalance {
	out := make(chan AssetBalance, len(assetIDs))

	var wg sync.WaitGroup
	for _, id := range assetIDs {
		wg.Add(1)
		go func(assetID string) {
			defer wg.Done()
			bal, err := fetch(ctx, assetID)
			out <- AssetBalance{AssetID: assetID, Balance: bal, Err: err}
		}(id)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// PollEvents repeatedly calls fetch from a moving cursor and forwards new
// events until ctx is cancelled. fetch returns the events and the next cursor.
func (b *BaseAdapter) PollEvents(
	ctx context.Context,
	interval time.Duration,
	cursor uint64,
	fetch func(ctx context.Context, from uint64) ([]ChainEvent, uint64, error),
) <-chan ChainEvent {
	out := make(chan ChainEvent, 64)
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			evs, next, err := fetch(ctx, cursor)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn().Err(err).Uint64("cursor", cursor).Msg("event poll failed")
			} else {
				for _, ev := range evs {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
				cursor = next
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
