// Package store contains the GORM models and the repository that owns every
// persisted bridge row.
//
// Tables:
//
//	bridge_transactions      one row per cross-chain transfer attempt
//	transfer_history_entries append-only audit trail of transitions and side effects
//	atomic_swap_states       one row per HTLC instance
package store

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType distinguishes plain transfers from HTLC swaps.
type TransactionType string

const (
	TypeSimpleTransfer TransactionType = "SIMPLE_TRANSFER"
	TypeAtomicSwap     TransactionType = "ATOMIC_SWAP"
)

// TransactionStatus is the lifecycle status of a BridgeTransaction.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusConfirming TransactionStatus = "CONFIRMING"
	StatusValidated  TransactionStatus = "VALIDATED"
	StatusExecuting  TransactionStatus = "EXECUTING"
	StatusCompleted  TransactionStatus = "COMPLETED"
	StatusFailed     TransactionStatus = "FAILED"
)

// IsTerminal reports whether completed_at must be set for this status.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// allowedTransitions is the BridgeTransaction state machine. FAILED -> PENDING
// is the retry path; CONFIRMING -> PENDING lets an operator restart a stuck
// confirmation wait.
var allowedTransitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:    {StatusConfirming, StatusValidated, StatusFailed},
	StatusConfirming: {StatusValidated, StatusPending, StatusFailed},
	StatusValidated:  {StatusExecuting, StatusCompleted, StatusFailed},
	StatusExecuting:  {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusPending},
	StatusCompleted:  {},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to TransactionStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BridgeTransaction is one cross-chain transfer attempt.
type BridgeTransaction struct {
	ID   string          `gorm:"primaryKey;size:64"`
	Type TransactionType `gorm:"size:32;not null"`

	SourceChain   string `gorm:"size:128;not null;index"`
	TargetChain   string `gorm:"size:128;not null;index"`
	SourceAddress string `gorm:"size:128;not null"`
	TargetAddress string `gorm:"size:128;not null"`

	// Decimals are stored as text to keep full precision on every backend
	Amount    decimal.Decimal `gorm:"type:varchar(80);not null"`
	BridgeFee decimal.Decimal `gorm:"type:varchar(80);not null"`
	AssetID   string          `gorm:"size:128"` // empty for the native asset

	Status        TransactionStatus `gorm:"size:16;not null;index:idx_status_updated,priority:1"`
	Confirmations uint64
	RetryCount    int `gorm:"not null;default:0"`
	MaxRetries    int `gorm:"not null;default:3"`

	QuorumReached     bool
	SignatureCount    int
	SigningValidators StringList

	HashLock  string     `gorm:"size:66"`
	Secret    *string    `gorm:"size:66"`
	TimeoutAt *time.Time // HTLC lock time

	SourceTxHash string `gorm:"size:128"` // deposit awaited while CONFIRMING
	TargetTxHash string `gorm:"size:128"` // execution on the target chain
	LastError    string `gorm:"type:text"`

	// ExecutionPayload is the pre-signed transaction submitted on execution:
	// the target transfer, or the source lock for a swap
	ExecutionPayload []byte

	CreatedAt   time.Time  `gorm:"not null"`
	UpdatedAt   time.Time  `gorm:"not null;index:idx_status_updated,priority:2"`
	CompletedAt *time.Time // set iff Status is COMPLETED or FAILED

	Version uint64 `gorm:"not null;default:1"`
}

// SigningPayload is the digest validators sign to authorize this transfer.
// Only immutable request fields participate, so the payload is stable across
// status changes and retries.
func (t *BridgeTransaction) SigningPayload() []byte {
	h := sha256.New()
	writeField := func(s string) {
		var l [8]byte
		binary.BigEndian.PutUint64(l[:], uint64(len(s)))
		h.Write(l[:])
		h.Write([]byte(s))
	}
	writeField(t.ID)
	writeField(string(t.Type))
	writeField(t.SourceChain)
	writeField(t.TargetChain)
	writeField(t.SourceAddress)
	writeField(t.TargetAddress)
	writeField(t.Amount.String())
	writeField(t.BridgeFee.String())
	writeField(t.AssetID)
	writeField(t.HashLock)
	return h.Sum(nil)
}

// HistoryKind tells transaction transitions apart from swap audit entries.
type HistoryKind string

const (
	KindTransaction HistoryKind = "TRANSACTION"
	KindSwap        HistoryKind = "SWAP"
)

// HistoryPhase brackets external side effects.
type HistoryPhase string

const (
	PhaseTransition HistoryPhase = "TRANSITION" // state change applied
	PhaseIntent     HistoryPhase = "INTENT"     // written before an on-chain call
	PhaseConfirmed  HistoryPhase = "CONFIRMED"  // on-chain call succeeded
	PhaseFailed     HistoryPhase = "FAILED"     // on-chain call or guard failed
)

// TransferHistoryEntry is an append-only audit record.
type TransferHistoryEntry struct {
	ID            uint64       `gorm:"primaryKey;autoIncrement"`
	TransactionID string       `gorm:"size:64;not null;index"`
	SwapID        string       `gorm:"size:64;index"`
	Kind          HistoryKind  `gorm:"size:16;not null"`
	Phase         HistoryPhase `gorm:"size:16;not null"`
	FromStatus    string       `gorm:"size:16"`
	ToStatus      string       `gorm:"size:16;not null"`
	Reason        string       `gorm:"type:text"`
	Signatures    StringList   // "<validator_id>:<hex signature>"
	TxHash        string       `gorm:"size:128"`
	Component     string       `gorm:"size:64;not null"`
	CreatedAt     time.Time    `gorm:"not null"`
}

// SwapStatus is the HTLC lifecycle status.
type SwapStatus string

const (
	SwapInitiated SwapStatus = "INITIATED"
	SwapLocked    SwapStatus = "LOCKED"
	SwapRedeemed  SwapStatus = "REDEEMED"
	SwapRefunded  SwapStatus = "REFUNDED"
	SwapExpired   SwapStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is possible.
func (s SwapStatus) IsTerminal() bool {
	return s == SwapRedeemed || s == SwapRefunded
}

var allowedSwapTransitions = map[SwapStatus][]SwapStatus{
	SwapInitiated: {SwapLocked, SwapExpired},
	SwapLocked:    {SwapRedeemed, SwapExpired},
	SwapExpired:   {SwapRefunded},
}

// CanSwapTransition reports whether from -> to is a legal HTLC move.
func CanSwapTransition(from, to SwapStatus) bool {
	for _, s := range allowedSwapTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AtomicSwapState is one HTLC instance.
type AtomicSwapState struct {
	ID            string `gorm:"primaryKey;size:64"`
	TransactionID string `gorm:"size:64;index"`

	HashLock  string    `gorm:"size:66;not null"` // hex sha256 of the secret
	Secret    *string   `gorm:"size:66"`          // hex, nil until revealed
	TimeoutAt time.Time `gorm:"not null;index:idx_swap_status_timeout,priority:2"`

	Status SwapStatus `gorm:"size:16;not null;index:idx_swap_status_timeout,priority:1"`

	Initiator   string          `gorm:"size:128;not null"`
	Participant string          `gorm:"size:128;not null"`
	SourceChain string          `gorm:"size:128;not null"`
	TargetChain string          `gorm:"size:128;not null"`
	Amount      decimal.Decimal `gorm:"type:varchar(80);not null"`

	SourceLockTxHash string `gorm:"size:128"`
	TargetLockTxHash string `gorm:"size:128"`
	RedeemTxHash     string `gorm:"size:128"`
	RefundTxHash     string `gorm:"size:128"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
	Version   uint64    `gorm:"not null;default:1"`
}
