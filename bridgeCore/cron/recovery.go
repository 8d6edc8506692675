// Package cron schedules the recovery pass that keeps the bridge moving
// after crashes, chain outages and validator downtime.
package cron

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	robfig "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
	"github.com/pushchain/bridge-core/bridgeCore/events"
	"github.com/pushchain/bridge-core/bridgeCore/metrics"
	"github.com/pushchain/bridge-core/bridgeCore/store"
)

const (
	DefaultSchedule       = "@every 1m"
	DefaultStuckThreshold = 10 * time.Minute
)

// Retrier re-drives a single transfer.
type Retrier interface {
	Retry(ctx context.Context, txID string) (*store.BridgeTransaction, error)
}

// Sweeper expires overdue swaps.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

type Config struct {
	Schedule       string
	StuckThreshold time.Duration
	// RunTimeout bounds one pass; zero means no bound
	RunTimeout time.Duration
}

// Report summarizes one recovery pass.
type Report struct {
	Stuck        int
	Retried      int
	RetryFailed  int
	SwapsExpired int
}

// RecoveryJob periodically:
//   - flags PENDING or CONFIRMING transfers untouched for StuckThreshold and re-drives them
//   - re-drives FAILED transfers with retry budget left
//   - expires overdue swaps
type RecoveryJob struct {
	store   *store.Store
	retrier Retrier
	sweeper Sweeper
	cfg     Config
	metrics *metrics.Metrics
	emitter events.Emitter
	clock   clock.Clock
	logger  zerolog.Logger

	mu      sync.Mutex
	cron    *robfig.Cron
	running bool
	// serializes passes; a scheduled pass is skipped while one is running
	runMu sync.Mutex
}

func NewRecoveryJob(st *store.Store, retrier Retrier, sweeper Sweeper, cfg Config, m *metrics.Metrics, emitter events.Emitter, clk clock.Clock, logger zerolog.Logger) *RecoveryJob {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = DefaultStuckThreshold
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RecoveryJob{
		store:   st,
		retrier: retrier,
		sweeper: sweeper,
		cfg:     cfg,
		metrics: m,
		emitter: emitter,
		clock:   clk,
		logger:  logger.With().Str("component", "recovery").Logger(),
	}
}

// Start schedules the job. It fails on an unparsable schedule.
func (j *RecoveryJob) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}

	c := robfig.New(robfig.WithLogger(robfig.DiscardLogger))
	_, err := c.AddFunc(j.cfg.Schedule, func() {
		if !j.runMu.TryLock() {
			j.logger.Debug().Msg("previous recovery pass still running; skipping")
			return
		}
		defer j.runMu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if _, err := j.runOnce(ctx); err != nil {
			j.logger.Error().Err(err).Msg("recovery pass failed")
		}
	})
	if err != nil {
		return bcerrors.NewConfigError("", "invalid recovery schedule "+j.cfg.Schedule+": "+err.Error())
	}

	c.Start()
	j.cron = c
	j.running = true
	j.logger.Info().Str("schedule", j.cfg.Schedule).Dur("stuck_threshold", j.cfg.StuckThreshold).Msg("recovery job scheduled")
	return nil
}

// Stop unschedules the job and waits for an in-flight pass.
func (j *RecoveryJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	c := j.cron
	j.running = false
	j.cron = nil
	j.mu.Unlock()

	<-c.Stop().Done()
	j.logger.Info().Msg("recovery job stopped")
}

// RunOnce performs one recovery pass immediately.
func (j *RecoveryJob) RunOnce(ctx context.Context) (Report, error) {
	j.runMu.Lock()
	defer j.runMu.Unlock()
	return j.runOnce(ctx)
}

func (j *RecoveryJob) runOnce(ctx context.Context) (Report, error) {
	if j.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.cfg.RunTimeout)
		defer cancel()
	}

	var report Report
	errs := bcerrors.NewErrorGroup()

	stuck, err := j.store.FindStuckTransfers(ctx, j.cfg.StuckThreshold)
	if err != nil {
		errs.Add(err)
	}
	report.Stuck = len(stuck)
	j.metrics.SetStuckTransfers(len(stuck))

	now := j.clock.Now().UTC()
	attempted := make(map[string]bool, len(stuck))
	for _, tx := range stuck {
		age := now.Sub(tx.UpdatedAt)
		j.logger.Warn().
			Str("tx_id", tx.ID).
			Str("status", string(tx.Status)).
			Dur("age", age).
			Msg("stuck transfer detected")
		j.emitter.Emit(events.StuckTransferDetected{
			TransactionID: tx.ID,
			Status:        string(tx.Status),
			Age:           age,
			At:            now,
		})
		attempted[tx.ID] = true
		j.retry(ctx, tx.ID, &report)
	}

	retryable, err := j.store.FindRetryableTransfers(ctx)
	if err != nil {
		errs.Add(err)
	}
	for _, tx := range retryable {
		// one attempt per transfer per pass
		if attempted[tx.ID] {
			continue
		}
		j.retry(ctx, tx.ID, &report)
	}

	if j.sweeper != nil {
		n, err := j.sweeper.SweepExpired(ctx)
		if err != nil {
			errs.Add(err)
		}
		report.SwapsExpired = n
	}

	status := "ok"
	if errs.HasErrors() {
		status = "error"
	}
	j.metrics.RecordRecoveryRun(status)

	j.logger.Info().
		Int("stuck", report.Stuck).
		Int("retried", report.Retried).
		Int("retry_failed", report.RetryFailed).
		Int("swaps_expired", report.SwapsExpired).
		Msg("recovery pass finished")
	return report, errs.ErrOrNil()
}

// retry failures are expected (the transfer may fail again) and only logged
func (j *RecoveryJob) retry(ctx context.Context, txID string, report *Report) {
	if j.retrier == nil {
		return
	}
	tx, err := j.retrier.Retry(ctx, txID)
	if err != nil {
		report.RetryFailed++
		ev := j.logger.Warn().Err(err).Str("tx_id", txID)
		if tx != nil {
			ev = ev.Str("status", string(tx.Status))
		}
		ev.Msg("recovery retry did not complete")
		return
	}
	report.Retried++
	j.logger.Info().Str("tx_id", txID).Str("status", string(tx.Status)).Msg("transfer recovered")
}
