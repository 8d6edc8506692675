package store

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
)

// Store is the repository for bridge transactions, their history and swaps.
// Every status change goes through a version compare-and-swap and appends a
// history entry in the same database transaction.
type Store struct {
	db     *gorm.DB
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a Store over an already migrated database.
func New(db *gorm.DB, clk clock.Clock, logger zerolog.Logger) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		db:     db,
		clock:  clk,
		logger: logger.With().Str("component", "bridge_store").Logger(),
	}
}

// TransitionMeta carries the audit and column data applied with a status change.
type TransitionMeta struct {
	Reason     string
	Component  string
	Signatures []string
	TxHash     string
	// Fields are extra column updates keyed by column name.
	Fields         map[string]interface{}
	IncrementRetry bool
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// CreateTransaction persists a new transfer in PENDING at version 1.
// ID, timestamps and MaxRetries are filled in when empty.
func (s *Store) CreateTransaction(ctx context.Context, tx *BridgeTransaction) error {
	now := s.now()
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Type == "" {
		tx.Type = TypeSimpleTransfer
	}
	tx.Status = StatusPending
	tx.Version = 1
	tx.RetryCount = 0
	tx.CompletedAt = nil
	tx.CreatedAt = now
	tx.UpdatedAt = now

	err := s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		if err := dbtx.Create(tx).Error; err != nil {
			return err
		}
		return dbtx.Create(&TransferHistoryEntry{
			TransactionID: tx.ID,
			Kind:          KindTransaction,
			Phase:         PhaseTransition,
			ToStatus:      string(StatusPending),
			Reason:        "transfer created",
			Component:     "bridge_store",
			CreatedAt:     now,
		}).Error
	})
	if err != nil {
		return bcerrors.NewDatabaseError("failed to create transaction", err)
	}

	s.logger.Debug().
		Str("tx_id", tx.ID).
		Str("source_chain", tx.SourceChain).
		Str("target_chain", tx.TargetChain).
		Str("amount", tx.Amount.String()).
		Msg("transaction created")
	return nil
}

// GetTransaction loads a transfer by ID.
func (s *Store) GetTransaction(ctx context.Context, id string) (*BridgeTransaction, error) {
	var tx BridgeTransaction
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&tx).Error
	if bcerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bcerrors.NewNotFoundError("transaction", id)
	}
	if err != nil {
		return nil, bcerrors.NewDatabaseError("failed to load transaction", err)
	}
	return &tx, nil
}

// UpdateStatus moves a transfer to newStatus if its stored version still
// equals expectedVersion.
func (s *Store) UpdateStatus(ctx context.Context, id string, expectedVersion uint64, newStatus TransactionStatus) (*BridgeTransaction, error) {
	return s.Transition(ctx, id, expectedVersion, newStatus, TransitionMeta{Reason: "status update"})
}

// Transition is the single write path for transaction status. It rejects a
// stale expectedVersion with VersionConflict and an illegal move with
// InvalidState. On success version is incremented, completed_at is set for
// terminal statuses and cleared otherwise, and a TRANSITION history entry is
// appended atomically with the row update.
func (s *Store) Transition(ctx context.Context, id string, expectedVersion uint64, to TransactionStatus, meta TransitionMeta) (*BridgeTransaction, error) {
	if meta.Component == "" {
		meta.Component = "bridge_store"
	}

	var updated BridgeTransaction
	err := s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		var current BridgeTransaction
		if err := dbtx.Where("id = ?", id).First(&current).Error; err != nil {
			if bcerrors.Is(err, gorm.ErrRecordNotFound) {
				return bcerrors.NewNotFoundError("transaction", id)
			}
			return bcerrors.NewDatabaseError("failed to load transaction", err)
		}
		if current.Version != expectedVersion {
			return bcerrors.NewVersionConflictError(id, expectedVersion).
				WithContext("actual_version", current.Version)
		}
		if !CanTransition(current.Status, to) {
			return bcerrors.NewInvalidStateError(
				"illegal transaction transition " + string(current.Status) + " -> " + string(to)).
				WithContext("tx_id", id)
		}

		now := s.now()
		values := map[string]interface{}{}
		for k, v := range meta.Fields {
			values[k] = v
		}
		values["status"] = to
		values["version"] = gorm.Expr("version + 1")
		values["updated_at"] = now
		if to.IsTerminal() {
			values["completed_at"] = now
		} else {
			values["completed_at"] = nil
		}
		if meta.IncrementRetry {
			values["retry_count"] = gorm.Expr("retry_count + 1")
		}

		res := dbtx.Model(&BridgeTransaction{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Updates(values)
		if res.Error != nil {
			return bcerrors.NewDatabaseError("failed to update transaction", res.Error)
		}
		if res.RowsAffected == 0 {
			return bcerrors.NewVersionConflictError(id, expectedVersion)
		}

		if err := dbtx.Create(&TransferHistoryEntry{
			TransactionID: id,
			Kind:          KindTransaction,
			Phase:         PhaseTransition,
			FromStatus:    string(current.Status),
			ToStatus:      string(to),
			Reason:        meta.Reason,
			Signatures:    meta.Signatures,
			TxHash:        meta.TxHash,
			Component:     meta.Component,
			CreatedAt:     now,
		}).Error; err != nil {
			return bcerrors.NewDatabaseError("failed to append history", err)
		}

		return dbtx.Where("id = ?", id).First(&updated).Error
	})
	if err != nil {
		if _, ok := err.(*bcerrors.BridgeError); ok {
			return nil, err
		}
		return nil, bcerrors.NewDatabaseError("transition failed", err)
	}

	s.logger.Info().
		Str("tx_id", id).
		Str("to", string(to)).
		Uint64("version", updated.Version).
		Str("reason", meta.Reason).
		Msg("transaction transitioned")
	return &updated, nil
}

// AppendHistory writes a non-transition audit entry, such as the intent and
// confirmation records that bracket an on-chain call.
func (s *Store) AppendHistory(ctx context.Context, entry *TransferHistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if entry.Component == "" {
		entry.Component = "bridge_store"
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return bcerrors.NewDatabaseError("failed to append history", err)
	}
	return nil
}

// History returns every entry recorded for a transaction in write order.
func (s *Store) History(ctx context.Context, txID string) ([]TransferHistoryEntry, error) {
	var entries []TransferHistoryEntry
	err := s.db.WithContext(ctx).
		Where("transaction_id = ?", txID).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, bcerrors.NewDatabaseError("failed to load history", err)
	}
	return entries, nil
}

// SwapHistory returns every entry recorded for a swap in write order.
func (s *Store) SwapHistory(ctx context.Context, swapID string) ([]TransferHistoryEntry, error) {
	var entries []TransferHistoryEntry
	err := s.db.WithContext(ctx).
		Where("swap_id = ?", swapID).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, bcerrors.NewDatabaseError("failed to load swap history", err)
	}
	return entries, nil
}

// ReplayStatus folds the transaction's TRANSITION entries and returns the
// status they lead to. Each entry must start where the previous one ended.
func ReplayStatus(entries []TransferHistoryEntry) (TransactionStatus, error) {
	var status TransactionStatus
	for _, e := range entries {
		if e.Kind != KindTransaction || e.Phase != PhaseTransition {
			continue
		}
		if status == "" {
			if e.FromStatus != "" {
				return "", bcerrors.NewInvalidStateError("history does not start with creation")
			}
			status = TransactionStatus(e.ToStatus)
			continue
		}
		if TransactionStatus(e.FromStatus) != status {
			return "", bcerrors.NewInvalidStateError(
				"history gap: expected from " + string(status) + ", got " + e.FromStatus)
		}
		status = TransactionStatus(e.ToStatus)
	}
	if status == "" {
		return "", bcerrors.NewInvalidStateError("history is empty")
	}
	return status, nil
}

// ReplayTransaction reconstructs the status of txID from its history.
func (s *Store) ReplayTransaction(ctx context.Context, txID string) (TransactionStatus, error) {
	entries, err := s.History(ctx, txID)
	if err != nil {
		return "", err
	}
	return ReplayStatus(entries)
}

// FindStuckTransfers returns non-terminal transfers waiting on the network
// (PENDING or CONFIRMING) whose last update is older than olderThan.
func (s *Store) FindStuckTransfers(ctx context.Context, olderThan time.Duration) ([]BridgeTransaction, error) {
	cutoff := s.now().Add(-olderThan)
	var txs []BridgeTransaction
	err := s.db.WithContext(ctx).
		Where("status IN ?", []TransactionStatus{StatusPending, StatusConfirming}).
		Where("updated_at < ?", cutoff).
		Order("updated_at ASC").
		Find(&txs).Error
	if err != nil {
		return nil, bcerrors.NewDatabaseError("failed to query stuck transfers", err)
	}
	return txs, nil
}

// FindRetryableTransfers returns FAILED transfers that still have retry budget.
func (s *Store) FindRetryableTransfers(ctx context.Context) ([]BridgeTransaction, error) {
	var txs []BridgeTransaction
	err := s.db.WithContext(ctx).
		Where("status = ? AND retry_count < max_retries", StatusFailed).
		Order("updated_at ASC").
		Find(&txs).Error
	if err != nil {
		return nil, bcerrors.NewDatabaseError("failed to query retryable transfers", err)
	}
	return txs, nil
}

// ListByStatus returns transfers in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status TransactionStatus, limit int) ([]BridgeTransaction, error) {
	q := s.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var txs []BridgeTransaction
	if err := q.Find(&txs).Error; err != nil {
		return nil, bcerrors.NewDatabaseError("failed to list transactions", err)
	}
	return txs, nil
}

// CountByStatus reports how many transfers sit in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[TransactionStatus]int64, error) {
	var rows []struct {
		Status TransactionStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).
		Model(&BridgeTransaction{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, bcerrors.NewDatabaseError("failed to count transactions", err)
	}
	out := make(map[TransactionStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}
