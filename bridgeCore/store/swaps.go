package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
)

// CreateSwap persists a new HTLC in INITIATED at version 1.
func (s *Store) CreateSwap(ctx context.Context, swap *AtomicSwapState) error {
	now := s.now()
	if swap.ID == "" {
		swap.ID = uuid.NewString()
	}
	swap.Status = SwapInitiated
	swap.Version = 1
	swap.TimeoutAt = swap.TimeoutAt.UTC()
	swap.CreatedAt = now
	swap.UpdatedAt = now

	if err := s.db.WithContext(ctx).Create(swap).Error; err != nil {
		return bcerrors.NewDatabaseError("failed to create swap", err)
	}
	return nil
}

// GetSwap loads a swap by ID as stored, without applying expiry.
func (s *Store) GetSwap(ctx context.Context, id string) (*AtomicSwapState, error) {
	var swap AtomicSwapState
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&swap).Error
	if bcerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bcerrors.NewNotFoundError("swap", id)
	}
	if err != nil {
		return nil, bcerrors.NewDatabaseError("failed to load swap", err)
	}
	return &swap, nil
}

// UpdateSwap writes fields onto a swap if its stored version still equals
// expectedVersion, bumping version and updated_at.
func (s *Store) UpdateSwap(ctx context.Context, id string, expectedVersion uint64, fields map[string]interface{}) (*AtomicSwapState, error) {
	values := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		values[k] = v
	}
	values["version"] = gorm.Expr("version + 1")
	values["updated_at"] = s.now()

	res := s.db.WithContext(ctx).
		Model(&AtomicSwapState{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(values)
	if res.Error != nil {
		return nil, bcerrors.NewDatabaseError("failed to update swap", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetSwap(ctx, id); err != nil {
			return nil, err
		}
		return nil, bcerrors.NewVersionConflictError(id, expectedVersion)
	}
	return s.GetSwap(ctx, id)
}

// FindSwapsByStatus returns swaps in the given status, oldest first.
func (s *Store) FindSwapsByStatus(ctx context.Context, status SwapStatus) ([]AtomicSwapState, error) {
	var swaps []AtomicSwapState
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&swaps).Error
	if err != nil {
		return nil, bcerrors.NewDatabaseError("failed to query swaps", err)
	}
	return swaps, nil
}

// FindSwapsByTransaction returns the swaps opened for a transfer, oldest first.
func (s *Store) FindSwapsByTransaction(ctx context.Context, txID string) ([]AtomicSwapState, error) {
	var swaps []AtomicSwapState
	err := s.db.WithContext(ctx).
		Where("transaction_id = ?", txID).
		Order("created_at ASC").
		Find(&swaps).Error
	if err != nil {
		return nil, bcerrors.NewDatabaseError("failed to query swaps", err)
	}
	return swaps, nil
}

// FindOverdueSwaps returns INITIATED and LOCKED swaps whose time lock has
// passed at now.
func (s *Store) FindOverdueSwaps(ctx context.Context, now time.Time) ([]AtomicSwapState, error) {
	var swaps []AtomicSwapState
	err := s.db.WithContext(ctx).
		Where("status IN ? AND timeout_at <= ?", []SwapStatus{SwapInitiated, SwapLocked}, now.UTC()).
		Order("timeout_at ASC").
		Find(&swaps).Error
	if err != nil {
		return nil, bcerrors.NewDatabaseError("failed to query overdue swaps", err)
	}
	return swaps, nil
}

// TransitionSwap moves a swap to `to` under a version compare-and-swap and
// appends a SWAP TRANSITION history entry in the same database transaction.
// meta.Fields are extra column updates applied with the status. A move to
// REDEEMED after TimeoutAt fails with SwapExpired.
func (s *Store) TransitionSwap(ctx context.Context, id string, expectedVersion uint64, to SwapStatus, meta TransitionMeta) (*AtomicSwapState, error) {
	if meta.Component == "" {
		meta.Component = "bridge_store"
	}

	var updated AtomicSwapState
	err := s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		var current AtomicSwapState
		if err := dbtx.Where("id = ?", id).First(&current).Error; err != nil {
			if bcerrors.Is(err, gorm.ErrRecordNotFound) {
				return bcerrors.NewNotFoundError("swap", id)
			}
			return bcerrors.NewDatabaseError("failed to load swap", err)
		}
		if current.Version != expectedVersion {
			return bcerrors.NewVersionConflictError(id, expectedVersion).
				WithContext("actual_version", current.Version)
		}
		if !CanSwapTransition(current.Status, to) {
			return bcerrors.NewInvalidStateError(
				"illegal swap transition " + string(current.Status) + " -> " + string(to)).
				WithContext("swap_id", id)
		}

		now := s.now()
		// redemption is closed once the time lock has passed, whatever the caller read
		if to == SwapRedeemed && now.After(current.TimeoutAt) {
			return bcerrors.NewSwapExpiredError(id).WithContext("timeout_at", current.TimeoutAt)
		}
		values := map[string]interface{}{}
		for k, v := range meta.Fields {
			values[k] = v
		}
		values["status"] = to
		values["version"] = gorm.Expr("version + 1")
		values["updated_at"] = now

		res := dbtx.Model(&AtomicSwapState{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Updates(values)
		if res.Error != nil {
			return bcerrors.NewDatabaseError("failed to update swap", res.Error)
		}
		if res.RowsAffected == 0 {
			return bcerrors.NewVersionConflictError(id, expectedVersion)
		}

		if err := dbtx.Create(&TransferHistoryEntry{
			TransactionID: current.TransactionID,
			SwapID:        id,
			Kind:          KindSwap,
			Phase:         PhaseTransition,
			FromStatus:    string(current.Status),
			ToStatus:      string(to),
			Reason:        meta.Reason,
			TxHash:        meta.TxHash,
			Component:     meta.Component,
			CreatedAt:     now,
		}).Error; err != nil {
			return bcerrors.NewDatabaseError("failed to append swap history", err)
		}

		return dbtx.Where("id = ?", id).First(&updated).Error
	})
	if err != nil {
		if _, ok := err.(*bcerrors.BridgeError); ok {
			return nil, err
		}
		return nil, bcerrors.NewDatabaseError("swap transition failed", err)
	}

	s.logger.Info().
		Str("swap_id", id).
		Str("to", string(to)).
		Uint64("version", updated.Version).
		Msg("swap transitioned")
	return &updated, nil
}
