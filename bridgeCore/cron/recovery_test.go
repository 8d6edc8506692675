package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/bridge-core/bridgeCore/db"
	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
	"github.com/pushchain/bridge-core/bridgeCore/events"
	"github.com/pushchain/bridge-core/bridgeCore/metrics"
	"github.com/pushchain/bridge-core/bridgeCore/store"
)

type recordingRetrier struct {
	mu    sync.Mutex
	calls []string
	err   error
	st    *store.Store
}

func (r *recordingRetrier) Retry(ctx context.Context, txID string) (*store.BridgeTransaction, error) {
	r.mu.Lock()
	r.calls = append(r.calls, txID)
	r.mu.Unlock()
	tx, err := r.st.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	return tx, r.err
}

func (r *recordingRetrier) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type countingSweeper struct {
	n   int
	err error
}

func (s *countingSweeper) SweepExpired(context.Context) (int, error) { return s.n, s.err }

type env struct {
	store   *store.Store
	clock   *clock.Mock
	retrier *recordingRetrier
	sweeper *countingSweeper
	job     *RecoveryJob
	events  <-chan events.Event
}

func newEnv(t *testing.T) *env {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	clk := clock.NewMock()
	clk.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.New(database.Client(), clk, zerolog.Nop())

	bus := events.NewBus(zerolog.Nop())
	ch, cancel := bus.Subscribe(16)
	t.Cleanup(cancel)

	e := &env{
		store:   st,
		clock:   clk,
		retrier: &recordingRetrier{st: st},
		sweeper: &countingSweeper{},
		events:  ch,
	}
	e.job = NewRecoveryJob(st, e.retrier, e.sweeper, Config{
		Schedule:       "@every 1s",
		StuckThreshold: 10 * time.Minute,
	}, metrics.New(prometheus.NewRegistry()), bus, clk, zerolog.Nop())
	return e
}

func (e *env) transfer(t *testing.T, path ...store.TransactionStatus) *store.BridgeTransaction {
	t.Helper()
	ctx := context.Background()
	tx := &store.BridgeTransaction{
		SourceChain:   "eip155:1",
		TargetChain:   "solana:mainnet",
		SourceAddress: "0xA1",
		TargetAddress: "0xB2",
		Amount:        decimal.RequireFromString("10.5"),
		BridgeFee:     decimal.Zero,
		MaxRetries:    3,
	}
	require.NoError(t, e.store.CreateTransaction(ctx, tx))
	for _, to := range path {
		next, err := e.store.Transition(ctx, tx.ID, tx.Version, to, store.TransitionMeta{IncrementRetry: to == store.StatusFailed})
		require.NoError(t, err)
		tx = next
	}
	return tx
}

func TestRunOnce_StuckTransfer(t *testing.T) {
	e := newEnv(t)
	stuck := e.transfer(t, store.StatusConfirming)

	e.clock.Add(30 * time.Minute)
	fresh := e.transfer(t, store.StatusConfirming)

	report, err := e.job.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stuck)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, []string{stuck.ID}, e.retrier.Calls())
	assert.NotContains(t, e.retrier.Calls(), fresh.ID)

	require.Len(t, e.events, 1)
	ev := (<-e.events).(events.StuckTransferDetected)
	assert.Equal(t, stuck.ID, ev.TransactionID)
	assert.Equal(t, string(store.StatusConfirming), ev.Status)
	assert.Equal(t, 30*time.Minute, ev.Age)
}

func TestRunOnce_RetryableFailures(t *testing.T) {
	e := newEnv(t)
	failed := e.transfer(t, store.StatusFailed)
	exhausted := e.transfer(t, store.StatusFailed, store.StatusPending, store.StatusFailed, store.StatusPending, store.StatusFailed)
	require.Equal(t, 3, exhausted.RetryCount)

	report, err := e.job.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Stuck)
	assert.Equal(t, []string{failed.ID}, e.retrier.Calls())
}

func TestRunOnce_RetryErrorsAreCounted(t *testing.T) {
	e := newEnv(t)
	e.retrier.err = bcerrors.NewInsufficientValidatorsError(3, 4)
	e.transfer(t)
	e.clock.Add(time.Hour)

	report, err := e.job.RunOnce(context.Background())
	require.NoError(t, err, "a transfer failing again is not a recovery failure")
	assert.Equal(t, 1, report.RetryFailed)
	assert.Zero(t, report.Retried)
}

func TestRunOnce_SweepsSwaps(t *testing.T) {
	e := newEnv(t)
	e.sweeper.n = 2

	report, err := e.job.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.SwapsExpired)

	e.sweeper.err = errors.New("database is locked")
	_, err = e.job.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	e.transfer(t, store.StatusFailed)

	require.NoError(t, e.job.Start(context.Background()))
	require.NoError(t, e.job.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return len(e.retrier.Calls()) > 0
	}, 3*time.Second, 50*time.Millisecond)

	e.job.Stop()
	e.job.Stop()
}

func TestStart_InvalidSchedule(t *testing.T) {
	e := newEnv(t)
	e.job.cfg.Schedule = "every now and then"

	err := e.job.Start(context.Background())
	require.Error(t, err)
	assert.True(t, bcerrors.IsCode(err, bcerrors.ErrCodeConfig))
}
